package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"peerlink/pkg/tracing"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	// Signal is the client side of the relay connection.
	Signal struct {
		URL          string        `yaml:"url"`
		Token        string        `yaml:"token"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		SendRetries  int           `yaml:"send_retries"`
		Reconnect    struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
	} `yaml:"signal"`

	// Relay is the voice signaling server.
	Relay struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendBuffer      int           `yaml:"send_buffer"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		InstanceID      string        `yaml:"instance_id"`
	} `yaml:"relay"`

	WebRTC struct {
		STUNServers []string    `yaml:"stun_servers"`
		ICEServers  []ICEServer `yaml:"ice_servers"`
		TURN        struct {
			URL        string `yaml:"url"`
			Username   string `yaml:"username"`
			Credential string `yaml:"credential"`
		} `yaml:"turn"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		MaxTURNFallbacks int `yaml:"max_turn_fallbacks"`
	} `yaml:"webrtc"`

	Call struct {
		ChannelID            string          `yaml:"channel_id"`
		VideoOnJoin          bool            `yaml:"video_on_join"`
		SampleInterval       time.Duration   `yaml:"sample_interval"`
		ReconnectBackoff     []time.Duration `yaml:"reconnect_backoff"`
		MaxReconnectAttempts int             `yaml:"max_reconnect_attempts"`
		SpeakerThreshold     time.Duration   `yaml:"speaker_threshold"`
		StableTimeout        time.Duration   `yaml:"stable_timeout"`
		SignalingWaitTimeout time.Duration   `yaml:"signaling_wait_timeout"`
		ConnectTimeout       time.Duration   `yaml:"connect_timeout"`
		HealthCheckInterval  time.Duration   `yaml:"health_check_interval"`
		AutoRecovery         bool            `yaml:"auto_recovery"`
		VADThreshold         float64         `yaml:"vad_threshold"`
	} `yaml:"call"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		GuestTokens    bool          `yaml:"guest_tokens"` // POST /api/v1/auth/guest on the relay
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Signal.DialTimeout <= 0 {
		return fmt.Errorf("signal.dial_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 || c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval > 0")
	}
	if c.Signal.SendRetries < 0 {
		return fmt.Errorf("signal.send_retries must be >= 0")
	}

	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 || c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be greater than relay.ping_interval > 0")
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be > 0")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.MaxTURNFallbacks < 0 {
		return fmt.Errorf("webrtc.max_turn_fallbacks must be >= 0")
	}

	if c.Call.SampleInterval <= 0 {
		return fmt.Errorf("call.sample_interval must be > 0")
	}
	if len(c.Call.ReconnectBackoff) == 0 {
		return fmt.Errorf("call.reconnect_backoff must not be empty")
	}
	for i, d := range c.Call.ReconnectBackoff {
		if d <= 0 {
			return fmt.Errorf("call.reconnect_backoff[%d] must be > 0", i)
		}
	}
	if c.Call.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("call.max_reconnect_attempts must be > 0")
	}
	if c.Call.SpeakerThreshold <= 0 {
		return fmt.Errorf("call.speaker_threshold must be > 0")
	}
	if c.Call.StableTimeout <= 0 || c.Call.SignalingWaitTimeout <= 0 || c.Call.ConnectTimeout <= 0 {
		return fmt.Errorf("call timeouts must be > 0")
	}
	if c.Call.HealthCheckInterval < 0 {
		return fmt.Errorf("call.health_check_interval must be >= 0")
	}
	if c.Call.VADThreshold <= 0 || c.Call.VADThreshold >= 1 {
		return fmt.Errorf("call.vad_threshold must be in (0,1)")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http values must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 || c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket values must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
		}
	}

	return nil
}

// Warnings reports degraded but valid settings, for logging at startup.
func (c *Config) Warnings() []string {
	var w []string
	if !c.HasTURN() {
		w = append(w, "TURN server not configured, relay fallback disabled and calls run STUN-only")
	}
	if c.Auth.JWTSecret == defaultJWTSecret {
		w = append(w, "auth.jwt_secret is the built-in default, set JWT_SECRET in production")
	}
	return w
}

// HasTURN reports whether a usable TURN entry is configured.
func (c *Config) HasTURN() bool {
	return c.WebRTC.TURN.URL != ""
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalizeTURN()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

const defaultJWTSecret = "change-me-in-production"

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.DialTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendRetries = 2
	cfg.Signal.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Signal.Reconnect.MaxDelay = 10 * time.Second

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 54 * time.Second
	cfg.Relay.PongTimeout = 5 * time.Minute
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.SendBuffer = 256
	cfg.Relay.ShutdownTimeout = 15 * time.Second

	cfg.WebRTC.STUNServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	}
	cfg.WebRTC.MaxTURNFallbacks = 1

	cfg.Call.SampleInterval = time.Second
	cfg.Call.ReconnectBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	cfg.Call.MaxReconnectAttempts = 3
	cfg.Call.SpeakerThreshold = 500 * time.Millisecond
	cfg.Call.StableTimeout = 5 * time.Second
	cfg.Call.SignalingWaitTimeout = 5 * time.Second
	cfg.Call.ConnectTimeout = 15 * time.Second
	cfg.Call.HealthCheckInterval = 30 * time.Second
	cfg.Call.AutoRecovery = true
	cfg.Call.VADThreshold = 0.02

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.Address = ":9090"

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "peerlink:relay"

	cfg.Auth.JWTSecret = defaultJWTSecret
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PEERLINK_SIGNAL_URL"); v != "" {
		c.Signal.URL = v
	}
	if v := os.Getenv("PEERLINK_SIGNAL_TOKEN"); v != "" {
		c.Signal.Token = v
	}
	if v := os.Getenv("PEERLINK_RELAY_ADDRESS"); v != "" {
		c.Relay.Address = v
	}
	if v := os.Getenv("PEERLINK_CHANNEL_ID"); v != "" {
		c.Call.ChannelID = v
	}
	if v := os.Getenv("PEERLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PEERLINK_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("PEERLINK_MAX_TURN_FALLBACKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WebRTC.MaxTURNFallbacks = n
		}
	}
	for _, key := range []string{"PEERLINK_JWT_SECRET", "JWT_SECRET"} {
		if v := os.Getenv(key); v != "" {
			c.Auth.JWTSecret = v
			break
		}
	}

	if v := os.Getenv("TURN_URL"); v != "" {
		c.WebRTC.TURN.URL = v
	}
	if v := os.Getenv("TURN_USER"); v != "" {
		c.WebRTC.TURN.Username = v
	}
	if v := os.Getenv("TURN_PASS"); v != "" {
		c.WebRTC.TURN.Credential = v
	}
}

// normalizeTURN drops a TURN entry whose URL is not a turn: or turns: URI.
func (c *Config) normalizeTURN() {
	u := strings.TrimSpace(c.WebRTC.TURN.URL)
	if u != "" && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
		u = ""
	}
	c.WebRTC.TURN.URL = u
}
