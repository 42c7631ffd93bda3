package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"peerlink/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testRedis connects to PEERLINK_TEST_REDIS or skips the test.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("PEERLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("PEERLINK_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis at %s unreachable: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "targeted", payload: `{"origin":"a","target":"bob","body":{"type":"voice:offer"}}`},
		{name: "channel broadcast", payload: `{"origin":"a","channel":"room","exclude":"bob","body":{}}`},
		{name: "no destination", payload: `{"origin":"a","body":{}}`, wantErr: true},
		{name: "garbage", payload: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEnvelope(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSharedChannelRegistry_Redis(t *testing.T) {
	client := testRedis(t)
	prefix := "peerlink-test-" + uuid.NewString()
	logger := zaptest.NewLogger(t).Sugar()
	a := NewSharedChannelRegistry(client, prefix, "a", logger)
	b := NewSharedChannelRegistry(client, prefix, "b", logger)
	ctx := context.Background()

	existing, err := a.Join(ctx, "room", domain.Participant{UserID: "alice", Username: "Alice"})
	require.NoError(t, err)
	assert.Empty(t, existing)

	existing, err = b.Join(ctx, "room", domain.Participant{UserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Participant{{UserID: "alice", Username: "Alice"}}, existing)

	require.NoError(t, a.Refresh(ctx))
	require.NoError(t, a.CleanupInstance(ctx))

	members, err := b.Members(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []domain.Participant{{UserID: "bob"}}, members)

	require.NoError(t, b.Leave(ctx, "room", "bob"))
	members, err = b.Members(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRelayFanout_Redis(t *testing.T) {
	client := testRedis(t)
	channel := "peerlink-test-" + uuid.NewString()
	logger := zaptest.NewLogger(t).Sugar()
	a := NewRelayFanout(client, channel, "a", logger)
	b := NewRelayFanout(client, channel, "b", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.RelayEnvelope, 4)
	go b.Subscribe(ctx, func(env domain.RelayEnvelope) { got <- env })
	go a.Subscribe(ctx, func(env domain.RelayEnvelope) { t.Errorf("own envelope delivered: %+v", env) })

	// Subscriptions are asynchronous; keep publishing until one lands.
	require.Eventually(t, func() bool {
		if err := a.Publish(ctx, domain.RelayEnvelope{Target: "bob", Body: []byte(`{"type":"voice:offer"}`)}); err != nil {
			return false
		}
		select {
		case env := <-got:
			return env.Origin == "a" && env.Target == "bob"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, b.Subscribe(ctx, func(domain.RelayEnvelope) {}), ErrAlreadySubscribed)
}
