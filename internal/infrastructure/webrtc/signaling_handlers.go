package webrtc

import (
	"context"
	"encoding/json"

	"peerlink/internal/core/domain"
	"peerlink/pkg/tracing"
)

type signalHandler func(ctx context.Context, raw json.RawMessage) error

// registerSignalingHandlers installs one handler per inbound message type.
// They are registered once for the lifetime of the orchestrator.
func (o *Orchestrator) registerSignalingHandlers() {
	handlers := map[domain.MessageType]signalHandler{
		domain.MsgExistingUsers: o.onExistingUsers,
		domain.MsgUserJoined:    o.onUserJoined,
		domain.MsgUserLeft:      o.onUserLeft,
		domain.MsgOffer:         o.onOffer,
		domain.MsgAnswer:        o.onAnswer,
		domain.MsgICECandidate:  o.onICECandidate,
		domain.MsgMuteStatus:    o.onMuteStatus,
		domain.MsgVideoStatus:   o.onVideoStatus,
	}
	for msgType, h := range handlers {
		o.signaling.On(msgType, o.dispatch(msgType, h))
	}
}

// dispatch drops messages that arrive outside a call and logs handler
// failures. The handlers never return errors to the relay.
func (o *Orchestrator) dispatch(msgType domain.MessageType, h signalHandler) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		if !o.InChannel() {
			o.logger.Debugw("ignoring signaling message outside a channel", "type", msgType)
			return
		}
		o.mu.RLock()
		ctx := o.runCtx
		o.mu.RUnlock()

		ctx, span := tracing.TraceSignal(ctx, string(msgType), "")
		err := h(ctx, raw)
		tracing.End(span, err)
		if err != nil {
			o.logger.Warnw("failed to handle signaling message", "type", msgType, "error", err)
		}
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (o *Orchestrator) onExistingUsers(ctx context.Context, raw json.RawMessage) error {
	msg, err := decode[domain.ExistingUsersPayload](raw)
	if err != nil {
		return err
	}

	o.logger.Infow("received existing users", "count", len(msg.Users))
	for _, u := range msg.Users {
		if u.UserID == o.cfg.SelfID {
			continue
		}
		if err := o.connectTo(ctx, u.UserID, u.Username); err != nil {
			o.logger.Warnw("failed to connect to existing user", "peer_id", u.UserID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) onUserJoined(ctx context.Context, raw json.RawMessage) error {
	msg, err := decode[domain.UserJoinedPayload](raw)
	if err != nil {
		return err
	}
	if msg.UserID == "" || msg.UserID == o.cfg.SelfID {
		return nil
	}
	return o.connectTo(ctx, msg.UserID, msg.Username)
}

// connectTo opens a session to userID and sends the first offer. A peer
// that already has a session is left alone.
func (o *Orchestrator) connectTo(ctx context.Context, userID domain.UserID, username string) error {
	if _, ok := o.Session(userID); ok {
		o.logger.Debugw("session already exists", "peer_id", userID)
		return nil
	}

	s, err := o.newSessionFor(userID, username, domain.RoleOfferer, false)
	if err != nil {
		return err
	}
	if _, err := o.storeSession(s, "join"); err != nil {
		return err
	}
	o.emit(domain.EventUserJoined, domain.UserEvent{UserID: userID, Username: username})

	return o.sendOffer(ctx, s, "initial", false)
}

func (o *Orchestrator) onUserLeft(_ context.Context, raw json.RawMessage) error {
	msg, err := decode[domain.UserLeftPayload](raw)
	if err != nil {
		return err
	}
	if o.removePeer(msg.UserID, "left") {
		o.emit(domain.EventUserLeft, domain.UserEvent{UserID: msg.UserID})
	}
	return nil
}

func (o *Orchestrator) onOffer(ctx context.Context, raw json.RawMessage) error {
	msg, err := decode[domain.OfferPayload](raw)
	if err != nil {
		return err
	}
	return o.handleOffer(ctx, msg.UserID, msg.Offer)
}

func (o *Orchestrator) onAnswer(ctx context.Context, raw json.RawMessage) error {
	msg, err := decode[domain.AnswerPayload](raw)
	if err != nil {
		return err
	}
	return o.handleAnswer(ctx, msg.UserID, msg.Answer)
}

func (o *Orchestrator) onICECandidate(_ context.Context, raw json.RawMessage) error {
	msg, err := decode[domain.ICECandidatePayload](raw)
	if err != nil {
		return err
	}

	s, ok := o.Session(msg.UserID)
	if !ok {
		o.logger.Debugw("dropping ICE candidate for unknown peer", "peer_id", msg.UserID)
		return nil
	}

	o.recordCandidate(msg.UserID, ClassifyCandidate(msg.Candidate.Candidate), false)

	buffered, err := s.bufferOrAdd(toICECandidateInit(msg.Candidate))
	if err != nil {
		return err
	}
	if buffered {
		o.logger.Debugw("buffered ICE candidate until remote description", "peer_id", msg.UserID, "pending", s.PendingCandidates())
	}
	return nil
}

func (o *Orchestrator) onMuteStatus(_ context.Context, raw json.RawMessage) error {
	msg, err := decode[domain.MuteStatusPayload](raw)
	if err != nil {
		return err
	}
	o.emit(domain.EventMuteStatusChanged, domain.MuteStatusEvent{UserID: msg.UserID, IsMuted: msg.IsMuted})
	return nil
}

func (o *Orchestrator) onVideoStatus(_ context.Context, raw json.RawMessage) error {
	msg, err := decode[domain.VideoStatusPayload](raw)
	if err != nil {
		return err
	}
	o.emit(domain.EventVideoStatusChanged, domain.VideoStatusEvent{UserID: msg.UserID, IsVideoEnabled: msg.IsVideoEnabled})
	return nil
}
