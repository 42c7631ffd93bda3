package domain

import "time"

// UserID identifies a call participant on the signaling relay.
type UserID string

// ChannelID identifies a voice channel.
type ChannelID string

type Participant struct {
	UserID   UserID `json:"userId"`
	Username string `json:"username,omitempty"`
}

// SignalingRole records which side created the first offer for a session.
type SignalingRole string

const (
	RoleOfferer  SignalingRole = "offerer"
	RoleAnswerer SignalingRole = "answerer"
)

type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// IsDown reports whether the state should trigger reconnection.
func (s ConnectionState) IsDown() bool {
	return s == ConnectionStateDisconnected || s == ConnectionStateFailed
}

type ICEConnectionState string

const (
	ICEStateNew          ICEConnectionState = "new"
	ICEStateChecking     ICEConnectionState = "checking"
	ICEStateConnected    ICEConnectionState = "connected"
	ICEStateCompleted    ICEConnectionState = "completed"
	ICEStateDisconnected ICEConnectionState = "disconnected"
	ICEStateFailed       ICEConnectionState = "failed"
	ICEStateClosed       ICEConnectionState = "closed"
)

type SignalingState string

const (
	SignalingStateStable             SignalingState = "stable"
	SignalingStateHaveLocalOffer     SignalingState = "have-local-offer"
	SignalingStateHaveRemoteOffer    SignalingState = "have-remote-offer"
	SignalingStateHaveLocalPranswer  SignalingState = "have-local-pranswer"
	SignalingStateHaveRemotePranswer SignalingState = "have-remote-pranswer"
	SignalingStateClosed             SignalingState = "closed"
)

// CandidateType is the ICE candidate classification used for diagnostics.
type CandidateType string

const (
	CandidateHost            CandidateType = "host"
	CandidateServerReflexive CandidateType = "srflx"
	CandidatePeerReflexive   CandidateType = "prflx"
	CandidateRelay           CandidateType = "relay"
	CandidateUnknown         CandidateType = "unknown"
)

// ICEStats is write-once analytics about how a session got connected.
type ICEStats struct {
	LocalTypes    map[CandidateType]int `json:"localTypes"`
	RemoteTypes   map[CandidateType]int `json:"remoteTypes"`
	StartedAt     time.Time             `json:"startedAt"`
	EstablishedAt time.Time             `json:"establishedAt,omitempty"`
	TURNOnly      bool                  `json:"turnOnly"`
}

func NewICEStats(now time.Time, turnOnly bool) *ICEStats {
	return &ICEStats{
		LocalTypes:  make(map[CandidateType]int),
		RemoteTypes: make(map[CandidateType]int),
		StartedAt:   now,
		TURNOnly:    turnOnly,
	}
}

// UsedRelayOnly reports whether every gathered local candidate was a relay
// candidate, or the session was forced onto TURN.
func (s *ICEStats) UsedRelayOnly() bool {
	if s.TURNOnly {
		return true
	}
	if len(s.LocalTypes) == 0 {
		return false
	}
	for t := range s.LocalTypes {
		if t != CandidateRelay {
			return false
		}
	}
	return true
}

// TimeToConnect returns zero until the session has been established.
func (s *ICEStats) TimeToConnect() time.Duration {
	if s.EstablishedAt.IsZero() {
		return 0
	}
	return s.EstablishedAt.Sub(s.StartedAt)
}
