package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

const stablePollInterval = 100 * time.Millisecond

// notifier wakes every waiter on broadcast.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier { return &notifier{ch: make(chan struct{})} }

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

// Session is everything we hold for one remote peer.
type Session struct {
	UserID    domain.UserID
	Username  string
	Role      domain.SignalingRole
	TURNOnly  bool
	CreatedAt time.Time

	pc ports.PeerConnection

	// negMu serializes offer/answer work on this session.
	negMu sync.Mutex

	mu              sync.Mutex
	closed          bool
	pending         []webrtc.ICECandidateInit
	remoteTracks    map[string]ports.RemoteTrack
	signalingSince  time.Time
	signalingChange *notifier
	connChange      *notifier
}

func newSession(userID domain.UserID, username string, role domain.SignalingRole, turnOnly bool, pc ports.PeerConnection, now time.Time) *Session {
	return &Session{
		UserID:          userID,
		Username:        username,
		Role:            role,
		TURNOnly:        turnOnly,
		CreatedAt:       now,
		pc:              pc,
		remoteTracks:    make(map[string]ports.RemoteTrack),
		signalingSince:  now,
		signalingChange: newNotifier(),
		connChange:      newNotifier(),
	}
}

func (s *Session) PeerConnection() ports.PeerConnection { return s.pc }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close detaches every transport handler before closing so teardown
// produces no callbacks.
func (s *Session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.remoteTracks = make(map[string]ports.RemoteTrack)
	s.mu.Unlock()

	s.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	s.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	s.pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
	s.pc.OnSignalingStateChange(func(webrtc.SignalingState) {})
	s.pc.OnTrack(func(ports.RemoteTrack) {})

	s.signalingChange.broadcast()
	s.connChange.broadcast()
	return s.pc.Close()
}

func (s *Session) onSignalingState(now time.Time) {
	s.mu.Lock()
	s.signalingSince = now
	s.mu.Unlock()
	s.signalingChange.broadcast()
}

func (s *Session) onConnectionState() { s.connChange.broadcast() }

// SignalingSince is when the signaling state last changed.
func (s *Session) SignalingSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalingSince
}

// waitForStable blocks until signaling is stable. It wakes on state change
// events and also polls, since not every transport reports every change.
func (s *Session) waitForStable(ctx context.Context, timeout time.Duration) error {
	if s.pc.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(stablePollInterval)
	defer ticker.Stop()

	for {
		if s.Closed() {
			return domain.ErrSessionClosed
		}
		if s.pc.SignalingState() == webrtc.SignalingStateStable {
			return nil
		}
		select {
		case <-s.signalingChange.wait():
		case <-ticker.C:
		case <-timer.C:
			return fmt.Errorf("%w after %s (state %s)", domain.ErrSignalingNotStable, timeout, s.pc.SignalingState())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitConnected blocks until the transport reports connected.
func (s *Session) waitConnected(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if s.Closed() {
			return domain.ErrSessionClosed
		}
		switch s.pc.ConnectionState() {
		case webrtc.PeerConnectionStateConnected:
			return nil
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			return fmt.Errorf("%w: transport %s", domain.ErrConnectTimeout, s.pc.ConnectionState())
		}
		select {
		case <-s.connChange.wait():
		case <-timer.C:
			return fmt.Errorf("%w after %s", domain.ErrConnectTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// bufferOrAdd applies a remote candidate, or holds it until a remote
// description has been set.
func (s *Session) bufferOrAdd(c webrtc.ICECandidateInit) (buffered bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, domain.ErrSessionClosed
	}
	if s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()
	return false, s.pc.AddICECandidate(c)
}

// flushCandidates applies buffered candidates. Called after the remote
// description is set.
func (s *Session) flushCandidates() (applied int, errs []error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	return applied, errs
}

func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) addRemoteTrack(t ports.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteTracks[t.ID()] = t
}

func (s *Session) RemoteTracks() []ports.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.RemoteTrack, 0, len(s.remoteTracks))
	for _, t := range s.remoteTracks {
		out = append(out, t)
	}
	return out
}

// senderOfKind returns the first sender for kind, or nil.
func (s *Session) senderOfKind(kind webrtc.RTPCodecType) ports.Sender {
	for _, sender := range s.pc.Senders() {
		if sender.Kind() == kind {
			return sender
		}
	}
	return nil
}

func (s *Session) videoSender() ports.Sender { return s.senderOfKind(webrtc.RTPCodecTypeVideo) }

func (s *Session) audioSender() ports.Sender { return s.senderOfKind(webrtc.RTPCodecTypeAudio) }

// hasSenderWithTrack reports whether any sender currently carries trackID.
func (s *Session) hasSenderWithTrack(trackID string) bool {
	for _, sender := range s.pc.Senders() {
		if t := sender.Track(); t != nil && t.ID() == trackID {
			return true
		}
	}
	return false
}

// Fingerprint describes what this session is actually sending.
func (s *Session) Fingerprint(kind domain.TrackKind) domain.MediaFingerprint {
	fp := domain.MediaFingerprint{VideoKind: kind}
	if a := s.audioSender(); a != nil && a.Track() != nil {
		fp.AudioTrackID = a.Track().ID()
		fp.AudioEnabled = trackEnabled(a.Track())
	}
	if v := s.videoSender(); v != nil && v.Track() != nil {
		fp.VideoTrackID = v.Track().ID()
		fp.VideoEnabled = trackEnabled(v.Track())
	}
	if fp.VideoTrackID == "" {
		fp.VideoKind = domain.TrackKindNone
	}
	return fp
}

func trackEnabled(t webrtc.TrackLocal) bool {
	if lt, ok := t.(ports.LocalTrack); ok {
		return lt.Enabled() && !lt.Stopped()
	}
	return true
}
