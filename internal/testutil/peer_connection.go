package testutil

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var errInvalidState = errors.New("invalid signaling state")

// FakeSender is an in-memory RTP sender.
type FakeSender struct {
	mu       sync.Mutex
	kind     webrtc.RTPCodecType
	track    webrtc.TrackLocal
	ignore   bool
	err      error
	replaced int
}

var _ ports.Sender = (*FakeSender)(nil)

func (s *FakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *FakeSender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *FakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced++
	if s.err != nil {
		return s.err
	}
	// A lying sender reports success and keeps its track.
	if s.ignore && track != nil {
		return nil
	}
	s.track = track
	return nil
}

func (s *FakeSender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// Lie makes ReplaceTrack succeed without changing the track.
func (s *FakeSender) Lie(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignore = ignore
}

// FailReplace makes ReplaceTrack return err.
func (s *FakeSender) FailReplace(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// FakePeerConnection models the signaling state machine of a peer
// connection without any network. State changes fire the registered
// handlers synchronously on the calling goroutine.
type FakePeerConnection struct {
	Options ports.PeerConnectionOptions

	mu         sync.Mutex
	senders    []*FakeSender
	hidden     map[*FakeSender]int
	signaling  webrtc.SignalingState
	conn       webrtc.PeerConnectionState
	ice        webrtc.ICEConnectionState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	offers     []webrtc.OfferOptions
	answers    int
	rtcp       int
	closed     bool
	stats      webrtc.StatsReport

	hideFor      int
	lieOnReplace bool
	autoAnswer   bool
	addErr       error
	remoteErr    error

	onCandidate func(*webrtc.ICECandidate)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
	onSignaling func(webrtc.SignalingState)
	onTrack     func(ports.RemoteTrack)
}

var _ ports.PeerConnection = (*FakePeerConnection)(nil)

func NewFakePeerConnection(opts ports.PeerConnectionOptions) *FakePeerConnection {
	return &FakePeerConnection{
		Options:   opts,
		hidden:    make(map[*FakeSender]int),
		signaling: webrtc.SignalingStateStable,
		conn:      webrtc.PeerConnectionStateNew,
		ice:       webrtc.ICEConnectionStateNew,
		stats:     webrtc.StatsReport{},
	}
}

// AutoAnswer makes every local offer complete immediately, as if the
// remote side answered.
func (p *FakePeerConnection) AutoAnswer(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoAnswer = on
}

// HideAddedSenders keeps senders added from now on out of Senders() until
// n more offers have been created.
func (p *FakePeerConnection) HideAddedSenders(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hideFor = n
}

// LieOnReplace makes every current and future sender ignore ReplaceTrack.
func (p *FakePeerConnection) LieOnReplace(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lieOnReplace = on
	for _, s := range p.senders {
		s.Lie(on)
	}
}

func (p *FakePeerConnection) FailAddTrack(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addErr = err
}

func (p *FakePeerConnection) FailSetRemote(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteErr = err
}

func (p *FakePeerConnection) SetStats(report webrtc.StatsReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = report
}

func (p *FakePeerConnection) AddTrack(track webrtc.TrackLocal) (ports.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("peer connection closed")
	}
	if p.addErr != nil {
		return nil, p.addErr
	}
	s := &FakeSender{kind: track.Kind(), track: track, ignore: p.lieOnReplace}
	p.senders = append(p.senders, s)
	if p.hideFor > 0 {
		p.hidden[s] = p.hideFor
	}
	return s, nil
}

func (p *FakePeerConnection) RemoveTrack(sender ports.Sender) error {
	fs, ok := sender.(*FakeSender)
	if !ok {
		return fmt.Errorf("foreign sender %T", sender)
	}
	return fs.ReplaceTrack(nil)
}

func (p *FakePeerConnection) Senders() []ports.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ports.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		if _, hidden := p.hidden[s]; hidden {
			continue
		}
		out = append(out, s)
	}
	return out
}

// AllSenders includes hidden senders.
func (p *FakePeerConnection) AllSenders() []*FakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeSender(nil), p.senders...)
}

// SenderOfKind returns the first visible sender of kind, or nil.
func (p *FakePeerConnection) SenderOfKind(kind webrtc.RTPCodecType) *FakeSender {
	for _, s := range p.Senders() {
		if s.Kind() == kind {
			return s.(*FakeSender)
		}
	}
	return nil
}

func (p *FakePeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("peer connection closed")
	}
	var opts webrtc.OfferOptions
	if options != nil {
		opts = *options
	}
	p.offers = append(p.offers, opts)
	for s, n := range p.hidden {
		if n <= 1 {
			delete(p.hidden, s)
		} else {
			p.hidden[s] = n - 1
		}
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer-%d", len(p.offers))}, nil
}

func (p *FakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errInvalidState
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer-%d", p.answers)}, nil
}

func (p *FakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	var states []webrtc.SignalingState
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.signaling != webrtc.SignalingStateStable && p.signaling != webrtc.SignalingStateHaveLocalOffer {
			p.mu.Unlock()
			return errInvalidState
		}
		p.local = &desc
		p.signaling = webrtc.SignalingStateHaveLocalOffer
		states = append(states, p.signaling)
		if p.autoAnswer {
			p.remote = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 auto-answer"}
			p.signaling = webrtc.SignalingStateStable
			states = append(states, p.signaling)
		}
	case webrtc.SDPTypeAnswer:
		if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
			p.mu.Unlock()
			return errInvalidState
		}
		p.local = &desc
		p.signaling = webrtc.SignalingStateStable
		states = append(states, p.signaling)
	case webrtc.SDPTypeRollback:
		p.local = nil
		p.signaling = webrtc.SignalingStateStable
		states = append(states, p.signaling)
	default:
		p.mu.Unlock()
		return errInvalidState
	}
	fn := p.onSignaling
	p.mu.Unlock()

	for _, st := range states {
		if fn != nil {
			fn(st)
		}
	}
	return nil
}

func (p *FakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.remoteErr != nil {
		err := p.remoteErr
		p.mu.Unlock()
		return err
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.signaling != webrtc.SignalingStateStable {
			p.mu.Unlock()
			return errInvalidState
		}
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.signaling != webrtc.SignalingStateHaveLocalOffer {
			p.mu.Unlock()
			return errInvalidState
		}
		p.signaling = webrtc.SignalingStateStable
	default:
		p.mu.Unlock()
		return errInvalidState
	}
	p.remote = &desc
	st := p.signaling
	fn := p.onSignaling
	p.mu.Unlock()

	if fn != nil {
		fn(st)
	}
	return nil
}

func (p *FakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *FakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *FakePeerConnection) GetStats() webrtc.StatsReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *FakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *FakePeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ice
}

func (p *FakePeerConnection) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *FakePeerConnection) WriteRTCP([]rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp++
	return nil
}

func (p *FakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *FakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConn = fn
}

func (p *FakePeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *FakePeerConnection) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSignaling = fn
}

func (p *FakePeerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *FakePeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.conn = webrtc.PeerConnectionStateClosed
	p.signaling = webrtc.SignalingStateClosed
	return nil
}

// SetConnectionState moves the transport to state and fires the handler.
func (p *FakePeerConnection) SetConnectionState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.conn = state
	fn := p.onConn
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *FakePeerConnection) SetICEState(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	p.ice = state
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// ForceSignalingState sets the state without firing the handler, as a
// transport that never reports the change would.
func (p *FakePeerConnection) ForceSignalingState(state webrtc.SignalingState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaling = state
}

func (p *FakePeerConnection) EmitICECandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *FakePeerConnection) EmitTrack(t ports.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (p *FakePeerConnection) Offers() []webrtc.OfferOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.OfferOptions(nil), p.offers...)
}

func (p *FakePeerConnection) Answers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers
}

func (p *FakePeerConnection) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *FakePeerConnection) RTCPWritten() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtcp
}

func (p *FakePeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakeFactory hands out FakePeerConnections and keeps every one it made.
type FakeFactory struct {
	mu        sync.Mutex
	turn      bool
	failures  []error
	configure func(*FakePeerConnection)
	created   []*FakePeerConnection
}

var _ ports.PeerConnectionFactory = (*FakeFactory)(nil)

func NewFakeFactory(turnAvailable bool) *FakeFactory {
	return &FakeFactory{turn: turnAvailable}
}

// Configure runs fn on every connection before it is returned.
func (f *FakeFactory) Configure(fn func(*FakePeerConnection)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configure = fn
}

// FailNext makes the next len(errs) creations fail in order.
func (f *FakeFactory) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *FakeFactory) TURNAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turn
}

func (f *FakeFactory) SetTURNAvailable(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turn = on
}

func (f *FakeFactory) NewPeerConnection(opts ports.PeerConnectionOptions) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	if opts.TURNOnly && !f.turn {
		return nil, domain.ErrTURNUnavailable
	}
	pc := NewFakePeerConnection(opts)
	if f.configure != nil {
		f.configure(pc)
	}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *FakeFactory) Created() []*FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePeerConnection(nil), f.created...)
}

// FakeRemoteTrack is an inbound track with no media.
type FakeRemoteTrack struct {
	TrackID   string
	Stream    string
	TrackKind webrtc.RTPCodecType
	Ssrc      webrtc.SSRC
}

var _ ports.RemoteTrack = (*FakeRemoteTrack)(nil)

func (t *FakeRemoteTrack) ID() string                { return t.TrackID }
func (t *FakeRemoteTrack) StreamID() string          { return t.Stream }
func (t *FakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.TrackKind }
func (t *FakeRemoteTrack) SSRC() webrtc.SSRC         { return t.Ssrc }

func (t *FakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}
