package repositories

import (
	"context"
	"time"

	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/distributed"
	"peerlink/internal/infrastructure/repositories/memory"
	redisrepo "peerlink/internal/infrastructure/repositories/redis"
	"peerlink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RelayBackend holds the membership registry and the optional cross-instance
// fanout a relay runs on.
type RelayBackend struct {
	Registry ports.ChannelRegistry
	// Fanout is nil when the relay runs stand-alone.
	Fanout ports.RelayFanout

	redisClient *redis.Client
	shared      *distributed.SharedChannelRegistry
	logger      *zap.SugaredLogger
}

// NewRelayBackend uses redis when it is enabled and reachable and falls back
// to in-memory membership otherwise.
func NewRelayBackend(ctx context.Context, cfg *config.Config, instanceID string, logger *zap.SugaredLogger) *RelayBackend {
	b := &RelayBackend{logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(ctx, cfg, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to a stand-alone relay", "error", err)
		} else {
			b.redisClient = client
			b.shared = distributed.NewSharedChannelRegistry(client, cfg.Redis.Channel, instanceID, logger)
			b.Registry = b.shared
			b.Fanout = distributed.NewRelayFanout(client, cfg.Redis.Channel, instanceID, logger)
			logger.Infow("using Redis relay backend", "instance_id", instanceID)
			return b
		}
	}

	b.Registry = memory.NewChannelRegistry()
	logger.Info("using in-memory relay backend")
	return b
}

// Shared reports whether membership is kept in redis.
func (b *RelayBackend) Shared() bool {
	return b.shared != nil
}

// KeepAlive refreshes this instance's membership TTLs until ctx is done.
func (b *RelayBackend) KeepAlive(ctx context.Context, interval time.Duration) {
	if b.shared == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.shared.Refresh(ctx); err != nil {
				b.logger.Warnw("failed to refresh channel membership", "error", err)
			}
		}
	}
}

// HealthCheck checks the redis connection when one is in use.
func (b *RelayBackend) HealthCheck(ctx context.Context) error {
	if b.redisClient != nil {
		return b.redisClient.Ping(ctx).Err()
	}
	return nil
}

// Close removes this instance's members from redis and closes the client.
func (b *RelayBackend) Close(ctx context.Context) error {
	if b.redisClient == nil {
		return nil
	}
	if err := b.shared.CleanupInstance(ctx); err != nil {
		b.logger.Warnw("failed to clean up channel membership", "error", err)
	}
	return b.redisClient.Close()
}
