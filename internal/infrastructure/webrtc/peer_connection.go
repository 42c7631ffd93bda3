package webrtc

import (
	"fmt"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// FactoryConfig configures ICE and the pion API shared by every session.
type FactoryConfig struct {
	STUNServers []string
	ICEServers  []webrtc.ICEServer
	TURN        webrtc.ICEServer
	PortRange   struct {
		Min uint16
		Max uint16
	}
}

// FactoryConfigFrom maps the loaded configuration onto pion ICE servers.
func FactoryConfigFrom(cfg *config.Config) FactoryConfig {
	fc := FactoryConfig{STUNServers: cfg.WebRTC.STUNServers}
	for _, s := range cfg.WebRTC.ICEServers {
		fc.ICEServers = append(fc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if cfg.HasTURN() {
		fc.TURN = webrtc.ICEServer{
			URLs:           []string{cfg.WebRTC.TURN.URL},
			Username:       cfg.WebRTC.TURN.Username,
			Credential:     cfg.WebRTC.TURN.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		}
	}
	fc.PortRange.Min = cfg.WebRTC.PortRange.Min
	fc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return fc
}

// Factory builds pion peer connections.
type Factory struct {
	cfg    FactoryConfig
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(cfg FactoryConfig, logger *zap.SugaredLogger) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	if len(cfg.TURN.URLs) == 0 {
		logger.Warnw("TURN server not configured, relay fallback disabled")
	}
	return &Factory{cfg: cfg, api: api, logger: logger}, nil
}

func (f *Factory) TURNAvailable() bool {
	return len(f.cfg.TURN.URLs) > 0
}

// ICEServers returns the STUN list plus TURN, or only TURN for relay-only
// sessions.
func (f *Factory) ICEServers(turnOnly bool) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if !turnOnly {
		if len(f.cfg.STUNServers) > 0 {
			servers = append(servers, webrtc.ICEServer{URLs: f.cfg.STUNServers})
		}
		servers = append(servers, f.cfg.ICEServers...)
	}
	if f.TURNAvailable() {
		servers = append(servers, f.cfg.TURN)
	}
	return servers
}

func (f *Factory) NewPeerConnection(opts ports.PeerConnectionOptions) (ports.PeerConnection, error) {
	if opts.TURNOnly && !f.TURNAvailable() {
		return nil, domain.ErrTURNUnavailable
	}

	conf := webrtc.Configuration{
		ICEServers:   f.ICEServers(opts.TURNOnly),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	if opts.TURNOnly {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := f.api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &PionPeerConnection{pc: pc}, nil
}

// PionPeerConnection adapts *webrtc.PeerConnection to ports.PeerConnection.
type PionPeerConnection struct {
	pc *webrtc.PeerConnection
}

var _ ports.PeerConnection = (*PionPeerConnection)(nil)

type pionSender struct {
	sender *webrtc.RTPSender
	kind   webrtc.RTPCodecType
}

func (s *pionSender) Track() webrtc.TrackLocal { return s.sender.Track() }

func (s *pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}

func (s *pionSender) Kind() webrtc.RTPCodecType { return s.kind }

func (p *PionPeerConnection) AddTrack(track webrtc.TrackLocal) (ports.Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return &pionSender{sender: sender, kind: track.Kind()}, nil
}

func (p *PionPeerConnection) RemoveTrack(sender ports.Sender) error {
	ps, ok := sender.(*pionSender)
	if !ok {
		return fmt.Errorf("sender %T does not belong to this connection", sender)
	}
	return p.pc.RemoveTrack(ps.sender)
}

func (p *PionPeerConnection) Senders() []ports.Sender {
	var out []ports.Sender
	for _, tr := range p.pc.GetTransceivers() {
		s := tr.Sender()
		if s == nil {
			continue
		}
		out = append(out, &pionSender{sender: s, kind: tr.Kind()})
	}
	return out
}

func (p *PionPeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *PionPeerConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(options)
}

func (p *PionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *PionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *PionPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *PionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *PionPeerConnection) GetStats() webrtc.StatsReport { return p.pc.GetStats() }

func (p *PionPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *PionPeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *PionPeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *PionPeerConnection) WriteRTCP(pkts []rtcp.Packet) error { return p.pc.WriteRTCP(pkts) }

func (p *PionPeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

func (p *PionPeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PionPeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *PionPeerConnection) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	p.pc.OnSignalingStateChange(fn)
}

func (p *PionPeerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *PionPeerConnection) Close() error { return p.pc.Close() }

// drainRTCP reads incoming RTCP for a sender so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
