package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrAlreadySubscribed = errors.New("fanout already subscribed")

// RelayFanout publishes relay deliveries on a redis pub/sub channel shared
// by every relay instance. Envelopes published by this instance are skipped
// on receipt.
type RelayFanout struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu         sync.Mutex
	subscribed bool
}

var _ ports.RelayFanout = (*RelayFanout)(nil)

func NewRelayFanout(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *RelayFanout {
	return &RelayFanout{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

func (f *RelayFanout) Publish(ctx context.Context, env domain.RelayEnvelope) error {
	env.Origin = f.instanceID

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	f.logger.Debugw("published relay envelope",
		"channel_id", env.Channel,
		"target", env.Target,
	)
	return nil
}

func (f *RelayFanout) Subscribe(ctx context.Context, handler func(domain.RelayEnvelope)) error {
	f.mu.Lock()
	if f.subscribed {
		f.mu.Unlock()
		return ErrAlreadySubscribed
	}
	f.subscribed = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.subscribed = false
		f.mu.Unlock()
	}()

	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	// Wait for the subscription confirmation so publishes right after
	// Subscribe returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", f.channel, err)
	}
	f.logger.Infow("subscribed to relay fanout", "channel", f.channel, "instance_id", f.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("fanout subscription closed")
			}
			env, err := decodeEnvelope(msg.Payload)
			if err != nil {
				f.logger.Warnw("failed to unmarshal envelope", "error", err)
				continue
			}
			if env.Origin == f.instanceID {
				continue
			}
			handler(env)
		}
	}
}

func decodeEnvelope(payload string) (domain.RelayEnvelope, error) {
	var env domain.RelayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return env, err
	}
	if env.Target == "" && env.Channel == "" {
		return env, errors.New("envelope has neither target nor channel")
	}
	return env, nil
}
