package repositories

import (
	"context"
	"testing"

	"peerlink/internal/infrastructure/repositories/memory"
	"peerlink/pkg/config"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestNewRelayBackend_FallsBackToMemory(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*config.Config)
	}{
		{name: "redis disabled", setup: func(c *config.Config) { c.Redis.Enabled = false }},
		{name: "redis unreachable", setup: func(c *config.Config) {
			c.Redis.Enabled = true
			c.Redis.Address = "127.0.0.1:1"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.setup(cfg)

			b := NewRelayBackend(context.Background(), cfg, "relay-1", zaptest.NewLogger(t).Sugar())

			assert.IsType(t, &memory.ChannelRegistry{}, b.Registry)
			assert.Nil(t, b.Fanout)
			assert.False(t, b.Shared())
			assert.NoError(t, b.HealthCheck(context.Background()))
			assert.NoError(t, b.Close(context.Background()))
		})
	}
}
