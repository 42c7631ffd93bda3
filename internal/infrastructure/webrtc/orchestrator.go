package webrtc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/config"
	"peerlink/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	SelfID domain.UserID

	StableTimeout        time.Duration
	SignalingWaitTimeout time.Duration
	ConnectTimeout       time.Duration

	MaxTURNFallbacks int
	AutoRecovery     bool

	SampleInterval       time.Duration
	SpeakerThreshold     time.Duration
	ReconnectBackoff     []time.Duration
	MaxReconnectAttempts int

	VideoWidth  int
	VideoHeight int

	RecoveryBreaker circuitbreaker.Config
}

func DefaultConfig(selfID domain.UserID) Config {
	return Config{
		SelfID:               selfID,
		StableTimeout:        5 * time.Second,
		SignalingWaitTimeout: 5 * time.Second,
		ConnectTimeout:       15 * time.Second,
		MaxTURNFallbacks:     1,
		AutoRecovery:         true,
		SampleInterval:       services.DefaultSampleInterval,
		SpeakerThreshold:     services.DefaultSpeakerThreshold,
		ReconnectBackoff:     services.DefaultReconnectBackoff,
		MaxReconnectAttempts: services.DefaultMaxReconnectAttempts,
		VideoWidth:           1280,
		VideoHeight:          720,
		RecoveryBreaker:      circuitbreaker.DefaultConfig(),
	}
}

// ConfigFrom maps the loaded configuration onto orchestrator settings.
func ConfigFrom(cfg *config.Config, selfID domain.UserID) Config {
	c := DefaultConfig(selfID)
	c.StableTimeout = cfg.Call.StableTimeout
	c.SignalingWaitTimeout = cfg.Call.SignalingWaitTimeout
	c.ConnectTimeout = cfg.Call.ConnectTimeout
	c.MaxTURNFallbacks = cfg.WebRTC.MaxTURNFallbacks
	c.AutoRecovery = cfg.Call.AutoRecovery
	c.SampleInterval = cfg.Call.SampleInterval
	c.SpeakerThreshold = cfg.Call.SpeakerThreshold
	c.ReconnectBackoff = cfg.Call.ReconnectBackoff
	c.MaxReconnectAttempts = cfg.Call.MaxReconnectAttempts
	return c
}

// Deps are the collaborators an orchestrator drives.
type Deps struct {
	Signaling ports.SignalingChannel
	Factory   ports.PeerConnectionFactory
	Media     ports.MediaAcquirer
	VAD       ports.VoiceActivityDetector
	Events    ports.EventPublisher
	Metrics   ports.CallMetrics
	Clock     services.Clock
	Logger    *zap.SugaredLogger
}

// Orchestrator owns every peer session of one call. Construct one per
// call; nothing is shared between instances.
type Orchestrator struct {
	cfg       Config
	signaling ports.SignalingChannel
	factory   ports.PeerConnectionFactory
	media     ports.MediaAcquirer
	vad       ports.VoiceActivityDetector
	events    ports.EventPublisher
	metrics   ports.CallMetrics
	clock     services.Clock
	logger    *zap.SugaredLogger

	tracks    *services.TrackManager
	monitor   *services.ConnectionMonitor
	reconnect *services.ReconnectionManager
	speaker   *services.ActiveSpeakerArbiter
	breakers  *circuitbreaker.Group[domain.UserID]

	mu        sync.RWMutex
	replaceMu sync.Mutex
	joined    bool
	channelID domain.ChannelID
	sessions  map[domain.UserID]*Session
	iceStats  map[domain.UserID]*domain.ICEStats
	fallbacks map[domain.UserID]int
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	// cameraBeforeShare remembers whether the camera was live when screen
	// sharing started. Only touched inside the track queue.
	cameraBeforeShare bool
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig(cfg.SelfID)
	if cfg.StableTimeout <= 0 {
		cfg.StableTimeout = def.StableTimeout
	}
	if cfg.SignalingWaitTimeout <= 0 {
		cfg.SignalingWaitTimeout = def.SignalingWaitTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxTURNFallbacks < 0 {
		cfg.MaxTURNFallbacks = 0
	}
	if cfg.RecoveryBreaker.FailureThreshold <= 0 {
		cfg.RecoveryBreaker = def.RecoveryBreaker
	}
	if deps.Clock == nil {
		deps.Clock = services.SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.VAD == nil {
		deps.VAD = nopVAD{}
	}

	log := deps.Logger.With("self_id", cfg.SelfID)
	o := &Orchestrator{
		cfg:       cfg,
		signaling: deps.Signaling,
		factory:   deps.Factory,
		media:     deps.Media,
		vad:       deps.VAD,
		events:    deps.Events,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		logger:    log,
		sessions:  make(map[domain.UserID]*Session),
		iceStats:  make(map[domain.UserID]*domain.ICEStats),
		fallbacks: make(map[domain.UserID]int),
		runCtx:    context.Background(),
		cancelRun: func() {},
	}

	o.tracks = services.NewTrackManager(log.Named("tracks"))
	o.monitor = services.NewConnectionMonitor(log.Named("monitor"), cfg.SampleInterval)
	o.reconnect = services.NewReconnectionManager(log.Named("reconnect"), services.ReconnectionConfig{
		Backoff:     cfg.ReconnectBackoff,
		MaxAttempts: cfg.MaxReconnectAttempts,
	}, deps.Clock)
	o.speaker = services.NewActiveSpeakerArbiter(log.Named("speaker"), cfg.SpeakerThreshold, deps.Clock, o.onSpeakerChange)
	o.breakers = circuitbreaker.NewGroup(cfg.RecoveryBreaker, func(peer domain.UserID, from, to circuitbreaker.State) {
		log.Warnw("recovery breaker state changed", "peer_id", peer, "from", from, "to", to)
	})

	o.reconnect.SetReconnectionCallback(o.recoverSession)
	o.monitor.OnQualityChange(o.onQualityChange)
	o.registerSignalingHandlers()
	return o
}

// Close leaves the channel if needed and stops the track queue.
func (o *Orchestrator) Close(ctx context.Context) {
	if o.InChannel() {
		if err := o.Leave(ctx); err != nil {
			o.logger.Warnw("leave on close failed", "error", err)
		}
	}
	o.tracks.Close()
}

func (o *Orchestrator) InChannel() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.joined
}

func (o *Orchestrator) ChannelID() domain.ChannelID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.channelID
}

// Tracks exposes the local media state for read access.
func (o *Orchestrator) Tracks() *services.TrackManager { return o.tracks }

func (o *Orchestrator) Monitor() *services.ConnectionMonitor { return o.monitor }

func (o *Orchestrator) Reconnections() *services.ReconnectionManager { return o.reconnect }

func (o *Orchestrator) ActiveSpeaker() *domain.UserID { return o.speaker.Current() }

func (o *Orchestrator) Session(userID domain.UserID) (*Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[userID]
	return s, ok
}

// Peers returns the ids of every peer with a session, sorted.
func (o *Orchestrator) Peers() []domain.UserID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return sortedKeys(o.sessions)
}

func (o *Orchestrator) SessionCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// ICEStats returns a copy of the candidate accounting for userID.
func (o *Orchestrator) ICEStats(userID domain.UserID) (domain.ICEStats, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.iceStats[userID]
	if !ok {
		return domain.ICEStats{}, false
	}
	cp := *st
	cp.LocalTypes = copyCounts(st.LocalTypes)
	cp.RemoteTypes = copyCounts(st.RemoteTypes)
	return cp, true
}

func (o *Orchestrator) IsMuted() bool {
	a := o.tracks.AudioTrack()
	return a == nil || !a.Enabled()
}

// VideoKind reports what feeds the local video slot.
func (o *Orchestrator) VideoKind() domain.TrackKind { return o.tracks.CurrentTrackType() }

func (o *Orchestrator) PeerQuality(userID domain.UserID) *domain.ConnectionQuality {
	return o.monitor.GetConnectionQuality(userID)
}

func (o *Orchestrator) IsVideoEnabled() bool {
	st := o.tracks.CurrentTrackState()
	return st.Kind != domain.TrackKindNone && st.Active
}

// Join acquires local media and announces this client in channelID.
// Offers to the existing participants are sent once the relay answers.
func (o *Orchestrator) Join(ctx context.Context, channelID domain.ChannelID, videoEnabled bool) error {
	o.mu.Lock()
	if o.joined {
		o.mu.Unlock()
		return domain.ErrAlreadyInChannel
	}
	o.joined = true
	o.channelID = channelID
	o.runCtx, o.cancelRun = context.WithCancel(context.Background())
	o.mu.Unlock()

	log := o.logger.With("channel_id", channelID)

	stream, err := services.QueueResult(ctx, o.tracks, "join", func(ctx context.Context) (*ports.MediaStream, error) {
		stream, err := o.acquireUserMedia(ctx, videoEnabled)
		if err != nil {
			return nil, err
		}
		if err := o.tracks.SetLocalStream(ctx, stream); err != nil {
			stopStream(stream)
			return nil, err
		}
		return stream, nil
	})
	if err != nil {
		o.abortJoin()
		log.Errorw("failed to acquire local media", "error", err)
		return err
	}

	o.emit(domain.EventLocalStream, domain.LocalStreamEvent{
		Audio:     mediaTrack(stream.Audio),
		Video:     mediaTrack(stream.Video),
		VideoKind: o.tracks.CurrentTrackType(),
	})
	o.attachLocalVAD(stream.Audio)

	payload := domain.JoinPayload{ChannelID: channelID, VideoEnabled: stream.Video != nil}
	if err := o.signaling.Send(ctx, domain.MsgJoin, payload); err != nil {
		log.Errorw("failed to send join", "error", err)
		o.teardown(ctx, false)
		return fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, err)
	}

	log.Infow("joined channel", "video", stream.Video != nil)
	return nil
}

// acquireUserMedia falls back to audio only when the camera cannot be
// opened.
func (o *Orchestrator) acquireUserMedia(ctx context.Context, video bool) (*ports.MediaStream, error) {
	constraints := ports.MediaConstraints{Audio: true, Video: video, Width: o.cfg.VideoWidth, Height: o.cfg.VideoHeight}
	stream, err := o.media.GetUserMedia(ctx, constraints)
	if err == nil || !video {
		return stream, err
	}

	o.logger.Warnw("camera unavailable, joining with audio only", "error", err)
	o.emitVideoError(err, "join-audio-only", nil)
	constraints.Video = false
	return o.media.GetUserMedia(ctx, constraints)
}

func (o *Orchestrator) abortJoin() {
	o.mu.Lock()
	o.joined = false
	o.channelID = ""
	cancel := o.cancelRun
	o.mu.Unlock()
	cancel()
}

// Leave tears down every session and releases local media.
func (o *Orchestrator) Leave(ctx context.Context) error {
	if !o.InChannel() {
		return domain.ErrNotInChannel
	}
	o.teardown(ctx, true)
	return nil
}

func (o *Orchestrator) teardown(ctx context.Context, notify bool) {
	o.mu.Lock()
	channelID := o.channelID
	o.joined = false
	sessions := o.sessions
	o.sessions = make(map[domain.UserID]*Session)
	o.iceStats = make(map[domain.UserID]*domain.ICEStats)
	o.fallbacks = make(map[domain.UserID]int)
	cancel := o.cancelRun
	o.mu.Unlock()

	cancel()

	o.vad.DetachAll()
	o.speaker.Reset()
	o.reconnect.CleanupAll()
	o.monitor.StopAll()
	o.breakers.Clear()

	if err := o.tracks.Queue(ctx, "leave", func(ctx context.Context) error {
		stopStream(o.tracks.LocalStream())
		o.cameraBeforeShare = false
		return o.tracks.Reset(ctx)
	}); err != nil {
		o.logger.Errorw("failed to reset local media", "error", err)
	}

	for id, s := range sessions {
		if err := s.close(); err != nil {
			o.logger.Debugw("error closing peer connection", "peer_id", id, "error", err)
		}
		o.metrics.SessionClosed("leave")
		o.metrics.ForgetPeer(id)
	}

	o.wg.Wait()

	if notify {
		if err := o.signaling.Send(ctx, domain.MsgLeave, domain.LeavePayload{ChannelID: channelID}); err != nil {
			o.logger.Warnw("failed to send leave", "channel_id", channelID, "error", err)
		}
	}

	o.mu.Lock()
	o.channelID = ""
	o.mu.Unlock()

	o.assertEmpty()
	o.logger.Infow("left channel", "channel_id", channelID, "peers", len(sessions))
}

// assertEmpty logs anything that survived teardown.
func (o *Orchestrator) assertEmpty() {
	o.mu.RLock()
	leftovers := map[string]int{
		"sessions":  len(o.sessions),
		"ice_stats": len(o.iceStats),
		"fallbacks": len(o.fallbacks),
	}
	o.mu.RUnlock()
	leftovers["reconnections"] = len(o.reconnect.GetActiveReconnections())
	leftovers["monitored"] = len(o.monitor.ActivePeers())
	leftovers["speakers"] = o.speaker.Tracked()
	if o.tracks.LocalStream() != nil {
		leftovers["local_stream"] = 1
	}

	for name, n := range leftovers {
		if n != 0 {
			o.logger.Errorw("state not cleared after leave", "collection", name, "size", n)
		}
	}
}

// newSessionFor creates a transport for userID, registers handlers and
// attaches the current local tracks. The session is not yet stored.
func (o *Orchestrator) newSessionFor(userID domain.UserID, username string, role domain.SignalingRole, turnOnly bool) (*Session, error) {
	pc, err := o.factory.NewPeerConnection(ports.PeerConnectionOptions{TURNOnly: turnOnly})
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", userID, err)
	}

	s := newSession(userID, username, role, turnOnly, pc, o.clock.Now())
	pc.OnICECandidate(o.handleLocalCandidate(s))
	pc.OnConnectionStateChange(o.handleConnectionState(s))
	pc.OnICEConnectionStateChange(o.handleICEConnectionState(s))
	pc.OnSignalingStateChange(o.handleSignalingState(s))
	pc.OnTrack(o.handleRemoteTrack(s))

	if err := o.attachLocalTracks(s); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

func (o *Orchestrator) attachLocalTracks(s *Session) error {
	stream := o.tracks.LocalStream()
	if stream == nil {
		return nil
	}
	if stream.Audio != nil {
		if _, err := s.pc.AddTrack(stream.Audio); err != nil {
			return fmt.Errorf("attach audio for %s: %w", s.UserID, err)
		}
	}
	if stream.Video != nil && !stream.Video.Stopped() {
		if _, err := s.pc.AddTrack(stream.Video); err != nil {
			return fmt.Errorf("attach video for %s: %w", s.UserID, err)
		}
	}
	return nil
}

// storeSession installs s as the session for its peer and returns the one
// it replaced, if any.
func (o *Orchestrator) storeSession(s *Session, reason string) (*Session, error) {
	o.mu.Lock()
	if !o.joined {
		o.mu.Unlock()
		_ = s.close()
		return nil, domain.ErrNotInChannel
	}
	old := o.sessions[s.UserID]
	o.sessions[s.UserID] = s
	o.iceStats[s.UserID] = domain.NewICEStats(o.clock.Now(), s.TURNOnly)
	o.mu.Unlock()

	o.monitor.StartMonitoring(s.UserID, s.pc)
	if old == nil {
		o.metrics.SessionOpened(reason)
	}
	o.logger.Infow("peer session created",
		"peer_id", s.UserID,
		"role", s.Role,
		"turn_only", s.TURNOnly,
		"reason", reason,
	)
	return old, nil
}

// replaceSession closes old and stores a fresh session for the same peer
// with the same local tracks. It fails with ErrSessionReplaced when old is
// no longer the live session.
func (o *Orchestrator) replaceSession(old *Session, role domain.SignalingRole, turnOnly bool, reason string) (*Session, error) {
	userID := old.UserID

	o.replaceMu.Lock()
	defer o.replaceMu.Unlock()

	if _, ok := o.Session(userID); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, userID)
	}
	if !o.isCurrent(old) {
		return nil, fmt.Errorf("%w: %s (%s)", domain.ErrSessionReplaced, userID, reason)
	}

	s, err := o.newSessionFor(userID, old.Username, role, turnOnly)
	if err != nil {
		return nil, err
	}

	o.vad.Detach(userID)
	if err := old.close(); err != nil {
		o.logger.Debugw("error closing replaced session", "peer_id", userID, "error", err)
	}
	if _, err := o.storeSession(s, reason); err != nil {
		return nil, err
	}
	return s, nil
}

// isCurrent reports whether s is still the live session for its peer.
// Handlers of replaced or closed sessions use it to ignore late events.
func (o *Orchestrator) isCurrent(s *Session) bool {
	if s.Closed() {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessions[s.UserID] == s
}

// removePeer drops every trace of userID, as when they leave.
func (o *Orchestrator) removePeer(userID domain.UserID, reason string) bool {
	o.mu.Lock()
	s, ok := o.sessions[userID]
	delete(o.sessions, userID)
	delete(o.iceStats, userID)
	delete(o.fallbacks, userID)
	o.mu.Unlock()

	o.reconnect.CancelReconnection(userID)
	o.monitor.StopMonitoring(userID)
	o.speaker.Remove(userID)
	o.vad.Detach(userID)
	o.breakers.Remove(userID)
	o.metrics.ForgetPeer(userID)

	if !ok {
		return false
	}
	if err := s.close(); err != nil {
		o.logger.Debugw("error closing peer connection", "peer_id", userID, "error", err)
	}
	o.metrics.SessionClosed(reason)
	o.logger.Infow("peer session removed", "peer_id", userID, "reason", reason)
	return true
}

// goBackground runs fn tied to the current call. Leave waits for it.
func (o *Orchestrator) goBackground(fn func(ctx context.Context)) {
	o.mu.RLock()
	if !o.joined {
		o.mu.RUnlock()
		return
	}
	ctx := o.runCtx
	o.wg.Add(1)
	o.mu.RUnlock()

	go func() {
		defer o.wg.Done()
		fn(ctx)
	}()
}

func (o *Orchestrator) handleLocalCandidate(s *Session) func(*webrtc.ICECandidate) {
	return func(c *webrtc.ICECandidate) {
		if c == nil || !o.isCurrent(s) {
			return
		}
		o.recordCandidate(s.UserID, ClassifyLocal(c), true)

		payload := domain.ICECandidatePayload{
			TargetUserID: s.UserID,
			Candidate:    fromICECandidateInit(c.ToJSON()),
		}
		if err := o.signaling.Send(context.Background(), domain.MsgICECandidate, payload); err != nil {
			o.logger.Warnw("failed to send ICE candidate", "peer_id", s.UserID, "error", err)
		}
	}
}

func (o *Orchestrator) handleConnectionState(s *Session) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		if !o.isCurrent(s) {
			return
		}
		s.onConnectionState()
		cs := domain.ConnectionState(state.String())
		o.monitor.NotifyConnectionState(s.UserID, cs)

		o.logger.Infow("peer connection state changed", "peer_id", s.UserID, "state", cs)

		switch {
		case cs == domain.ConnectionStateConnected:
			o.markEstablished(s.UserID)
			if o.reconnect.HasPendingTimer(s.UserID) {
				o.reconnect.CancelReconnection(s.UserID)
				o.logger.Infow("peer recovered before reconnection fired", "peer_id", s.UserID)
			}
		case cs.IsDown():
			o.scheduleReconnect(s.UserID)
		}
	}
}

func (o *Orchestrator) handleICEConnectionState(s *Session) func(webrtc.ICEConnectionState) {
	return func(state webrtc.ICEConnectionState) {
		if !o.isCurrent(s) {
			return
		}
		o.logger.Debugw("ICE connection state changed", "peer_id", s.UserID, "state", state.String())
		if state == webrtc.ICEConnectionStateFailed && !s.TURNOnly {
			o.goBackground(func(ctx context.Context) {
				if err := o.TURNFallback(ctx, s.UserID); err != nil {
					o.logger.Warnw("TURN fallback not performed", "peer_id", s.UserID, "error", err)
				}
			})
		}
	}
}

func (o *Orchestrator) handleSignalingState(s *Session) func(webrtc.SignalingState) {
	return func(state webrtc.SignalingState) {
		s.onSignalingState(o.clock.Now())
		if o.isCurrent(s) {
			o.logger.Debugw("signaling state changed", "peer_id", s.UserID, "state", state.String())
		}
	}
}

func (o *Orchestrator) handleRemoteTrack(s *Session) func(ports.RemoteTrack) {
	return func(track ports.RemoteTrack) {
		if !o.isCurrent(s) {
			return
		}
		s.addRemoteTrack(track)

		kind := domain.MediaKindAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.MediaKindVideo
		}
		o.logger.Infow("remote track received", "peer_id", s.UserID, "track_id", track.ID(), "kind", kind)
		o.emit(domain.EventRemoteStream, domain.RemoteStreamEvent{UserID: s.UserID, Kind: kind, Track: track})

		if kind == domain.MediaKindAudio {
			userID := s.UserID
			if err := o.vad.Attach(userID, track, o.voiceActivity(userID)); err != nil {
				o.logger.Warnw("failed to attach voice activity detector", "peer_id", userID, "error", err)
				go drainRemote(track)
			}
			return
		}

		// Ask for a keyframe so the first frames decode.
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := s.pc.WriteRTCP(pli); err != nil {
			o.logger.Debugw("failed to send PLI", "peer_id", s.UserID, "error", err)
		}
		go drainRemote(track)
	}
}

func drainRemote(track ports.RemoteTrack) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (o *Orchestrator) attachLocalVAD(audio ports.LocalTrack) {
	tapper, ok := audio.(ports.AudioTapper)
	if !ok {
		return
	}
	if err := o.vad.Attach(o.cfg.SelfID, tapper.AudioSource(), o.voiceActivity(o.cfg.SelfID)); err != nil {
		o.logger.Warnw("failed to attach local voice activity detector", "error", err)
	}
}

func (o *Orchestrator) voiceActivity(userID domain.UserID) func(bool, float64) {
	return func(active bool, level float64) {
		o.emit(domain.EventVoiceActivity, domain.VoiceActivityEvent{UserID: userID, IsActive: active, Level: level})
		o.speaker.HandleVoiceActivity(userID, active)
	}
}

func (o *Orchestrator) onSpeakerChange(prev, next *domain.UserID) {
	o.emit(domain.EventActiveSpeakerChange, domain.ActiveSpeakerEvent{PreviousSpeaker: prev, ActiveSpeaker: next})
}

func (o *Orchestrator) onQualityChange(userID domain.UserID, q domain.ConnectionQuality) {
	o.metrics.QualityTier(userID, q.Tier)
	o.emit(domain.EventConnectionQualityChange, domain.QualityChangeEvent{UserID: userID, Quality: q})
}

func (o *Orchestrator) recordCandidate(userID domain.UserID, t domain.CandidateType, local bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.iceStats[userID]
	if !ok {
		return
	}
	if local {
		st.LocalTypes[t]++
	} else {
		st.RemoteTypes[t]++
	}
}

func (o *Orchestrator) markEstablished(userID domain.UserID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.iceStats[userID]; ok && st.EstablishedAt.IsZero() {
		st.EstablishedAt = o.clock.Now()
		o.logger.Infow("peer connection established",
			"peer_id", userID,
			"time_to_connect", st.TimeToConnect(),
			"relay_only", st.UsedRelayOnly(),
		)
	}
}

func (o *Orchestrator) emit(eventType domain.EventType, payload any) {
	if o.events != nil {
		o.events.Emit(eventType, payload)
	}
}

func (o *Orchestrator) sessionsSnapshot() []*Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Session, 0, len(o.sessions))
	for _, id := range sortedKeys(o.sessions) {
		out = append(out, o.sessions[id])
	}
	return out
}

func (o *Orchestrator) traceNegotiation(ctx context.Context, step string, peer domain.UserID, reason string) (context.Context, func(error)) {
	ctx, span := tracing.TraceNegotiation(ctx, step, string(peer), reason)
	return ctx, func(err error) { tracing.End(span, err) }
}

func stopStream(stream *ports.MediaStream) {
	if stream == nil {
		return
	}
	if stream.Audio != nil {
		stream.Audio.Stop()
	}
	if stream.Video != nil {
		stream.Video.Stop()
	}
}

func mediaTrack(t ports.LocalTrack) domain.MediaTrack {
	if t == nil {
		return nil
	}
	return t
}

func sortedKeys[V any](m map[domain.UserID]V) []domain.UserID {
	ids := make([]domain.UserID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func copyCounts(m map[domain.CandidateType]int) map[domain.CandidateType]int {
	out := make(map[domain.CandidateType]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened(string)                          {}
func (nopMetrics) SessionClosed(string)                          {}
func (nopMetrics) OfferSent(string)                              {}
func (nopMetrics) AnswerSent()                                   {}
func (nopMetrics) ReconnectionAttempt(int)                       {}
func (nopMetrics) ReconnectionOutcome(bool)                      {}
func (nopMetrics) TURNFallback(bool)                             {}
func (nopMetrics) QualityTier(domain.UserID, domain.QualityTier) {}
func (nopMetrics) ForgetPeer(domain.UserID)                      {}
func (nopMetrics) RecoveryOutcome(domain.IssueKind, bool)        {}

type nopVAD struct{}

func (nopVAD) Attach(domain.UserID, ports.AudioSource, func(bool, float64)) error { return nil }
func (nopVAD) Detach(domain.UserID)                                               {}
func (nopVAD) DetachAll()                                                         {}
