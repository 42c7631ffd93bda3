package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
	"peerlink/pkg/retry"
	"peerlink/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientConfig configures the relay connection.
type ClientConfig struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendRetries  int
	Redial       retry.Config
}

func ClientConfigFrom(cfg *config.Config) ClientConfig {
	return ClientConfig{
		URL:          cfg.Signal.URL,
		Token:        cfg.Signal.Token,
		DialTimeout:  cfg.Signal.DialTimeout,
		PingInterval: cfg.Signal.PingInterval,
		PongTimeout:  cfg.Signal.PongTimeout,
		WriteTimeout: cfg.Signal.WriteTimeout,
		SendRetries:  cfg.Signal.SendRetries,
		Redial: retry.Config{
			Enabled:      true,
			InitialDelay: cfg.Signal.Reconnect.InitialDelay,
			MaxDelay:     cfg.Signal.Reconnect.MaxDelay,
			Multiplier:   2,
			Jitter:       0.2,
		},
	}
}

// Client is the websocket side of ports.SignalingChannel. Inbound handlers
// run on the read goroutine in arrival order.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	conn        *websocket.Conn
	handlers    map[domain.MessageType][]func(json.RawMessage)
	onReconnect []func()
	channel     domain.ChannelID
	lastJoin    *domain.JoinPayload
	closed      bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.SignalingChannel = (*Client)(nil)

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.Redial.InitialDelay <= 0 {
		c.Redial = retry.Config{Enabled: true, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2}
	}
	return c
}

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		logger:   logger,
		handlers: make(map[domain.MessageType][]func(json.RawMessage)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the relay, retrying with backoff until ctx is done, and
// starts the read loop. Later connection losses are redialled in the
// background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return domain.ErrSessionClosed
	}

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return err
	}
	if !c.attach(conn) {
		return domain.ErrSessionClosed
	}
	return nil
}

func (c *Client) endpoint() (string, error) {
	if err := validation.ValidateSignalURL(c.cfg.URL); err != nil {
		return "", fmt.Errorf("invalid signal url: %w", err)
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signal url: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	return retry.DoValue(ctx, c.cfg.Redial, func() (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, retry.Permanent(fmt.Errorf("relay rejected credentials: %s", resp.Status))
			}
			return nil, err
		}
		return conn, nil
	}, func(err error, next time.Duration) {
		c.logger.Warnw("signal dial failed", "url", c.cfg.URL, "error", err, "retry_in", next)
	})
}

// attach installs conn as the live socket unless the client was closed in
// the meantime.
func (c *Client) attach(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	stop := make(chan struct{})
	c.wg.Add(2)
	c.mu.Unlock()

	go c.pingLoop(conn, stop)
	go c.readLoop(conn, stop)

	c.logger.Infow("signal connected", "url", c.cfg.URL)
	return true
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer c.wg.Done()
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debugw("signal ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer c.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("signal read failed", "error", err)
			}
			break
		}
		c.dispatch(raw)
	}

	close(stop)
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.wg.Add(1)
		go c.redial()
	}
}

func (c *Client) dispatch(raw []byte) {
	msgType, payload, err := Decode(raw)
	if err != nil {
		c.logger.Debugw("ignoring relay message", "error", err)
		return
	}

	c.mu.RLock()
	handlers := slices.Clone(c.handlers[msgType])
	c.mu.RUnlock()

	for _, h := range handlers {
		c.invoke(msgType, h, payload)
	}
}

func (c *Client) invoke(msgType domain.MessageType, h func(json.RawMessage), payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("signal handler panicked", "type", msgType, "panic", r)
		}
	}()
	h(payload)
}

func (c *Client) redial() {
	defer c.wg.Done()

	c.logger.Warnw("signal connection lost, redialling", "url", c.cfg.URL)
	conn, err := c.dialWithRetry(c.ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Errorw("signal redial gave up", "error", err)
		}
		return
	}

	c.mu.RLock()
	join := c.lastJoin
	hooks := append([]func(){}, c.onReconnect...)
	c.mu.RUnlock()

	if !c.attach(conn) {
		return
	}

	if join != nil {
		if err := c.Send(c.ctx, domain.MsgJoin, *join); err != nil {
			c.logger.Warnw("rejoin after redial failed", "channel_id", join.ChannelID, "error", err)
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

// Send writes one message. It fails fast with ErrSignalingUnavailable while
// the socket is down, and retries transient write errors.
func (c *Client) Send(ctx context.Context, msgType domain.MessageType, payload any) error {
	if !c.IsConnected() {
		return domain.ErrSignalingUnavailable
	}

	channel := c.frameChannel(payload)
	data, err := Encode(msgType, channel, payload)
	if err != nil {
		return err
	}

	policy := retry.Config{
		Enabled:      c.cfg.SendRetries > 0,
		MaxAttempts:  c.cfg.SendRetries + 1,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
	}
	err = retry.Do(ctx, policy, func() error {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return domain.ErrSignalingUnavailable
		}

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}

	c.track(msgType, payload)
	return nil
}

func (c *Client) frameChannel(payload any) domain.ChannelID {
	switch p := payload.(type) {
	case domain.JoinPayload:
		return p.ChannelID
	case *domain.JoinPayload:
		return p.ChannelID
	case domain.LeavePayload:
		if p.ChannelID != "" {
			return p.ChannelID
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

func (c *Client) track(msgType domain.MessageType, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msgType {
	case domain.MsgJoin:
		var join domain.JoinPayload
		switch p := payload.(type) {
		case domain.JoinPayload:
			join = p
		case *domain.JoinPayload:
			join = *p
		default:
			return
		}
		c.channel = join.ChannelID
		c.lastJoin = &join
	case domain.MsgLeave:
		c.channel = ""
		c.lastJoin = nil
	}
}

func (c *Client) On(msgType domain.MessageType, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
}

// OnReconnect registers fn to run after a redial and channel rejoin.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.closed
}

// Channel returns the channel of the last successful join.
func (c *Client) Channel() domain.ChannelID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
	return nil
}
