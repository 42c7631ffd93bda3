package ports

import (
	"context"
	"encoding/json"

	"peerlink/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// SignalingChannel carries typed messages to the relay. Payloads are
// marshalled by the implementation; handlers receive the raw inbound body.
type SignalingChannel interface {
	Send(ctx context.Context, msgType domain.MessageType, payload any) error
	On(msgType domain.MessageType, handler func(json.RawMessage))
	IsConnected() bool
}

type AudioSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type VoiceActivityDetector interface {
	Attach(userID domain.UserID, source AudioSource, onActivity func(active bool, level float64)) error
	Detach(userID domain.UserID)
	DetachAll()
}

type EventPublisher interface {
	Emit(eventType domain.EventType, payload any)
}

// CallMetrics receives call lifecycle counters. Implementations must be
// safe for concurrent use.
type CallMetrics interface {
	SessionOpened(reason string)
	SessionClosed(reason string)
	OfferSent(reason string)
	AnswerSent()
	ReconnectionAttempt(attempt int)
	ReconnectionOutcome(success bool)
	TURNFallback(success bool)
	QualityTier(userID domain.UserID, tier domain.QualityTier)
	ForgetPeer(userID domain.UserID)
	RecoveryOutcome(issue domain.IssueKind, success bool)
}
