package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
	rlog "peerlink/pkg/logger"
	"peerlink/pkg/tracing"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// MessagesPerSecond of zero disables per-connection limiting.
	MessagesPerSecond float64
	Burst             int
	InstanceID        string
	AllowedOrigins    []string
}

func RelayConfigFrom(cfg *config.Config) RelayConfig {
	rc := RelayConfig{
		PingInterval:   cfg.Relay.PingInterval,
		PongTimeout:    cfg.Relay.PongTimeout,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		SendBuffer:     cfg.Relay.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		InstanceID:     cfg.Relay.InstanceID,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return rc
}

// Identity is the authenticated user behind a relay connection.
type Identity struct {
	UserID   domain.UserID
	Username string
}

type relayClient struct {
	id       string
	identity Identity
	conn     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter

	// channel is guarded by Relay.mu.
	channel domain.ChannelID

	closeOnce sync.Once
	done      chan struct{}
}

func (c *relayClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Relay forwards voice signaling between members of a channel. Membership
// lives in the registry so several relay instances can share it; deliveries
// for users on other instances go through the fanout when one is set.
type Relay struct {
	cfg      RelayConfig
	registry ports.ChannelRegistry
	fanout   ports.RelayFanout
	metrics  ports.RelayMetrics
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*relayClient
	users    map[domain.UserID]*relayClient
	channels map[domain.ChannelID]map[domain.UserID]*relayClient

	// pumps counts read and write pumps still running.
	pumps sync.WaitGroup

	logger *zap.SugaredLogger
}

// NewRelay builds a relay. fanout and metrics may be nil.
func NewRelay(cfg RelayConfig, registry ports.ChannelRegistry, fanout ports.RelayFanout, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *Relay {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 5 * time.Minute
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}

	s := &Relay{
		cfg:      cfg,
		registry: registry,
		fanout:   fanout,
		metrics:  metrics,
		clients:  make(map[string]*relayClient),
		users:    make(map[domain.UserID]*relayClient),
		channels: make(map[domain.ChannelID]map[domain.UserID]*relayClient),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Relay) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler upgrades an authenticated gin request. The auth middleware must
// have stored the caller under "user_id" and "username".
func (s *Relay) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": domain.ErrUnauthenticated.Error()})
			return
		}
		if err := validation.ValidateUserID(userID); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.ServeWS(c.Writer, c.Request, Identity{
			UserID:   domain.UserID(userID),
			Username: c.GetString("username"),
		})
	}
}

// ServeWS takes over the connection until it closes.
func (s *Relay) ServeWS(w http.ResponseWriter, r *http.Request, id Identity) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &relayClient{
		id:       uuid.NewString(),
		identity: id,
		conn:     conn,
		send:     make(chan []byte, s.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.Burst, 1))
	}

	s.pumps.Add(2)
	s.register(c)
	go func() {
		defer s.pumps.Done()
		s.writePump(c)
	}()
	defer s.pumps.Done()
	s.readPump(c)
}

func (s *Relay) register(c *relayClient) {
	s.mu.Lock()
	previous := s.users[c.identity.UserID]
	s.clients[c.id] = c
	s.users[c.identity.UserID] = c
	s.mu.Unlock()

	if previous != nil {
		s.logger.Infow("closing previous connection for user", "user_id", c.identity.UserID, "conn_id", previous.id)
		previous.close()
	}

	s.metrics.ConnectionOpened()
	s.logger.Infow("relay client connected",
		"user_id", c.identity.UserID,
		"conn_id", c.id,
		"reconnect", previous != nil,
	)
}

func (s *Relay) unregister(c *relayClient) {
	uid := c.identity.UserID

	s.mu.Lock()
	delete(s.clients, c.id)
	successor := s.users[uid]
	if successor == c {
		delete(s.users, uid)
		successor = nil
	}
	channel := c.channel
	c.channel = ""
	if members := s.channels[channel]; members[uid] == c {
		delete(members, uid)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
	successorJoined := successor != nil && successor.channel == channel
	s.mu.Unlock()

	c.close()
	s.metrics.ConnectionClosed()

	if channel != "" && !successorJoined {
		s.leaveChannel(context.Background(), c, channel)
	}
	s.logger.Infow("relay client disconnected", "user_id", uid, "conn_id", c.id)
}

func (s *Relay) readPump(c *relayClient) {
	defer s.unregister(c)

	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Infow("relay read failed", "user_id", c.identity.UserID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.MessageDropped("rate_limited")
			s.sendError(c, "rate limit exceeded")
			continue
		}

		ctx := rlog.WithConnID(rlog.WithUserID(context.Background(), string(c.identity.UserID)), c.id)
		if err := s.handleMessage(ctx, c, raw); err != nil {
			rlog.FromContext(ctx, s.logger).Infow("error handling relay message", "error", err)
			s.sendError(c, err.Error())
		}
	}
}

func (s *Relay) writePump(c *relayClient) {
	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Infow("relay write failed", "user_id", c.identity.UserID, "error", err)
				c.close()
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.logger.Infow("relay ping failed", "user_id", c.identity.UserID, "error", err)
				c.close()
				return
			}
		}
	}
}

func (s *Relay) handleMessage(ctx context.Context, c *relayClient, raw []byte) (err error) {
	msgType, f, err := DecodeFrame(raw)
	if err != nil {
		return err
	}

	ctx, span := tracing.TraceSignal(ctx, string(msgType), string(c.identity.UserID))
	defer func() { tracing.End(span, err) }()

	switch msgType {
	case domain.MsgJoin:
		err = s.handleJoin(ctx, c, f)
	case domain.MsgLeave:
		err = s.handleLeave(ctx, c, f)
	case domain.MsgOffer, domain.MsgAnswer, domain.MsgICECandidate:
		err = s.handleTargeted(ctx, c, msgType, f)
	case domain.MsgMuteStatus, domain.MsgVideoStatus:
		err = s.handleStatus(ctx, c, msgType, f)
	default:
		return fmt.Errorf("unknown message type: %s", f.Type)
	}
	if err == nil {
		s.metrics.MessageRelayed(msgType)
	}
	return err
}

func (s *Relay) handleJoin(ctx context.Context, c *relayClient, f Frame) error {
	channel := f.ChannelID
	if channel == "" {
		return domain.ErrMissingChannel
	}
	if err := validation.ValidateChannelID(string(channel)); err != nil {
		return err
	}

	s.mu.RLock()
	current := c.channel
	s.mu.RUnlock()
	if current != "" && current != channel {
		s.detach(c, current)
		s.leaveChannel(ctx, c, current)
	}

	self := domain.Participant{UserID: c.identity.UserID, Username: c.identity.Username}
	existing, err := s.registry.Join(ctx, channel, self)
	if err != nil {
		return fmt.Errorf("join %s: %w", channel, err)
	}

	s.mu.Lock()
	c.channel = channel
	members := s.channels[channel]
	if members == nil {
		members = make(map[domain.UserID]*relayClient)
		s.channels[channel] = members
	}
	members[c.identity.UserID] = c
	s.mu.Unlock()

	others := make([]domain.Participant, 0, len(existing))
	for _, p := range existing {
		if p.UserID != c.identity.UserID {
			others = append(others, p)
		}
	}

	list, err := Flatten(domain.MsgExistingUsers, nil, map[string]any{"users": others, "channelId": channel})
	if err != nil {
		return err
	}
	s.deliver(c, list)

	joined, err := Flatten(domain.MsgUserJoined, nil, map[string]any{
		"userId":    c.identity.UserID,
		"username":  c.identity.Username,
		"channelId": channel,
	})
	if err != nil {
		return err
	}
	s.broadcast(ctx, channel, c.identity.UserID, joined)

	s.logger.Infow("user joined voice channel",
		"user_id", c.identity.UserID,
		"channel_id", channel,
		"existing", len(others),
	)
	return nil
}

func (s *Relay) handleLeave(ctx context.Context, c *relayClient, f Frame) error {
	s.mu.RLock()
	channel := c.channel
	s.mu.RUnlock()
	if channel == "" {
		return domain.ErrNotInChannel
	}
	if f.ChannelID != "" && f.ChannelID != channel {
		return fmt.Errorf("%w: %s", domain.ErrNotInChannel, f.ChannelID)
	}

	s.detach(c, channel)
	s.leaveChannel(ctx, c, channel)
	return nil
}

// detach removes c from its local channel entry.
func (s *Relay) detach(c *relayClient, channel domain.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.channel == channel {
		c.channel = ""
	}
	if members := s.channels[channel]; members[c.identity.UserID] == c {
		delete(members, c.identity.UserID)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
}

func (s *Relay) leaveChannel(ctx context.Context, c *relayClient, channel domain.ChannelID) {
	if err := s.registry.Leave(ctx, channel, c.identity.UserID); err != nil {
		s.logger.Warnw("registry leave failed", "user_id", c.identity.UserID, "channel_id", channel, "error", err)
	}

	left, err := Flatten(domain.MsgUserLeft, nil, map[string]any{
		"userId":    c.identity.UserID,
		"channelId": channel,
	})
	if err != nil {
		return
	}
	s.broadcast(ctx, channel, c.identity.UserID, left)
	s.logger.Infow("user left voice channel", "user_id", c.identity.UserID, "channel_id", channel)
}

func (s *Relay) handleTargeted(ctx context.Context, c *relayClient, msgType domain.MessageType, f Frame) error {
	var head struct {
		TargetUserID domain.UserID `json:"targetUserId"`
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &head); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msgType, err)
		}
	}
	if head.TargetUserID == "" {
		return domain.ErrMissingTarget
	}

	body, err := Flatten(msgType, f.Data, map[string]any{"userId": c.identity.UserID}, "targetUserId")
	if err != nil {
		return err
	}

	s.logger.Debugw("forwarding voice message",
		"type", msgType,
		"from", c.identity.UserID,
		"to", head.TargetUserID,
	)
	return s.sendTo(ctx, head.TargetUserID, body)
}

func (s *Relay) handleStatus(ctx context.Context, c *relayClient, msgType domain.MessageType, f Frame) error {
	s.mu.RLock()
	channel := c.channel
	s.mu.RUnlock()
	if f.ChannelID != "" {
		channel = f.ChannelID
	}
	if channel == "" {
		return domain.ErrNotInChannel
	}

	body, err := Flatten(msgType, f.Data, map[string]any{
		"userId":    c.identity.UserID,
		"channelId": channel,
	})
	if err != nil {
		return err
	}
	s.broadcast(ctx, channel, c.identity.UserID, body)
	return nil
}

// deliver queues msg for c. A client whose buffer is full is disconnected.
func (s *Relay) deliver(c *relayClient, msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		s.metrics.MessageDropped("slow_consumer")
		s.logger.Warnw("send buffer full, disconnecting client", "user_id", c.identity.UserID)
		c.close()
		return false
	}
}

func (s *Relay) sendTo(ctx context.Context, target domain.UserID, body []byte) error {
	s.mu.RLock()
	c := s.users[target]
	s.mu.RUnlock()

	if c != nil {
		s.deliver(c, body)
		return nil
	}
	if s.fanout == nil {
		s.metrics.MessageDropped("target_offline")
		return fmt.Errorf("%w: %s", domain.ErrTargetOffline, target)
	}
	return s.fanout.Publish(ctx, domain.RelayEnvelope{Target: target, Body: body})
}

func (s *Relay) broadcast(ctx context.Context, channel domain.ChannelID, exclude domain.UserID, body []byte) {
	s.broadcastLocal(channel, exclude, body)
	if s.fanout == nil {
		return
	}
	env := domain.RelayEnvelope{Channel: channel, Exclude: exclude, Body: body}
	if err := s.fanout.Publish(ctx, env); err != nil {
		s.logger.Warnw("fanout publish failed", "channel_id", channel, "error", err)
	}
}

func (s *Relay) broadcastLocal(channel domain.ChannelID, exclude domain.UserID, body []byte) int {
	s.mu.RLock()
	targets := make([]*relayClient, 0, len(s.channels[channel]))
	for uid, c := range s.channels[channel] {
		if uid != exclude {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if s.deliver(c, body) {
			n++
		}
	}
	return n
}

func (s *Relay) onEnvelope(env domain.RelayEnvelope) {
	if env.Target != "" {
		s.mu.RLock()
		c := s.users[env.Target]
		s.mu.RUnlock()
		if c != nil {
			s.deliver(c, env.Body)
		}
		return
	}
	if env.Channel != "" {
		s.broadcastLocal(env.Channel, env.Exclude, env.Body)
	}
}

// Run consumes deliveries from other instances until ctx is done.
func (s *Relay) Run(ctx context.Context) error {
	if s.fanout == nil {
		<-ctx.Done()
		return nil
	}
	err := s.fanout.Subscribe(ctx, s.onEnvelope)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Relay) sendError(c *relayClient, message string) {
	raw, err := json.Marshal(map[string]any{"type": "error", "message": message})
	if err != nil {
		return
	}
	s.deliver(c, raw)
}

// Shutdown disconnects every client and waits until their connections have
// unregistered or ctx is done.
func (s *Relay) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	clients := make([]*relayClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Relay) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// IsUserConnected reports whether userID holds a connection on this instance.
func (s *Relay) IsUserConnected(userID domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

func (s *Relay) HealthCheck(c *gin.Context) {
	s.mu.RLock()
	connections := len(s.clients)
	channels := len(s.channels)
	s.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"instance_id": s.cfg.InstanceID,
		"connections": connections,
		"channels":    channels,
		"fanout":      s.fanout != nil,
	})
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ConnectionOpened()                 {}
func (noopRelayMetrics) ConnectionClosed()                 {}
func (noopRelayMetrics) MessageRelayed(domain.MessageType) {}
func (noopRelayMetrics) MessageDropped(string)             {}
