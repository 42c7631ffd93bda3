package ports

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Sender is the outbound channel for one local track on a peer connection.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
	Kind() webrtc.RTPCodecType
}

// RemoteTrack is the inbound side of a media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// StatsSource is what the connection monitor samples.
type StatsSource interface {
	GetStats() webrtc.StatsReport
	ConnectionState() webrtc.PeerConnectionState
}

// PeerConnection is the transport for a single remote peer.
type PeerConnection interface {
	StatsSource

	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(sender Sender) error
	Senders() []Sender

	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	ICEConnectionState() webrtc.ICEConnectionState
	SignalingState() webrtc.SignalingState

	WriteRTCP(pkts []rtcp.Packet) error

	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnSignalingStateChange(fn func(webrtc.SignalingState))
	OnTrack(fn func(RemoteTrack))

	Close() error
}

type PeerConnectionOptions struct {
	// TURNOnly restricts ICE to relay candidates.
	TURNOnly bool
}

type PeerConnectionFactory interface {
	NewPeerConnection(opts PeerConnectionOptions) (PeerConnection, error)
	TURNAvailable() bool
}
