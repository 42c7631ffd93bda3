package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	memberTTL   = 10 * time.Minute
	joinLockTTL = 5 * time.Second
)

type memberRecord struct {
	Username   string `json:"username,omitempty"`
	InstanceID string `json:"instance_id"`
	JoinedAt   int64  `json:"joined_at"`
}

// SharedChannelRegistry keeps voice channel membership in redis so every
// relay instance sees the same members. Joins on one channel are serialized
// with a lock so two simultaneous joiners see each other.
type SharedChannelRegistry struct {
	client      redis.Cmdable
	lockManager *distributed.LockManager
	instanceID  string
	prefix      string
	logger      *zap.SugaredLogger
}

var _ ports.ChannelRegistry = (*SharedChannelRegistry)(nil)

func NewSharedChannelRegistry(client redis.Cmdable, prefix, instanceID string, logger *zap.SugaredLogger) *SharedChannelRegistry {
	return &SharedChannelRegistry{
		client:      client,
		lockManager: distributed.NewLockManager(client, prefix+":lock:"),
		instanceID:  instanceID,
		prefix:      prefix,
		logger:      logger,
	}
}

func (r *SharedChannelRegistry) Join(ctx context.Context, channel domain.ChannelID, p domain.Participant) ([]domain.Participant, error) {
	var existing []domain.Participant

	err := r.lockManager.WithLock(ctx, "channel:"+string(channel), joinLockTTL, func(ctx context.Context) error {
		members, err := r.load(ctx, channel)
		if err != nil {
			return err
		}
		existing = members.without(p.UserID)

		rec := memberRecord{Username: p.Username, InstanceID: r.instanceID, JoinedAt: time.Now().UnixNano()}
		if prev, ok := members[p.UserID]; ok {
			rec.JoinedAt = prev.JoinedAt
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		key := r.channelKey(channel)
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, key, string(p.UserID), data)
		pipe.Expire(ctx, key, memberTTL)
		pipe.SAdd(ctx, r.instanceKey(), r.instanceMember(channel, p.UserID))
		pipe.Expire(ctx, r.instanceKey(), memberTTL)
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("join channel %s: %w", channel, err)
	}

	r.logger.Debugw("registered channel member", "channel_id", channel, "user_id", p.UserID, "existing", len(existing))
	return existing, nil
}

func (r *SharedChannelRegistry) Leave(ctx context.Context, channel domain.ChannelID, userID domain.UserID) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.channelKey(channel), string(userID))
	pipe.SRem(ctx, r.instanceKey(), r.instanceMember(channel, userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leave channel %s: %w", channel, err)
	}
	return nil
}

func (r *SharedChannelRegistry) Members(ctx context.Context, channel domain.ChannelID) ([]domain.Participant, error) {
	members, err := r.load(ctx, channel)
	if err != nil {
		return nil, err
	}
	return members.without(""), nil
}

// Refresh extends the TTL of every channel this instance holds members in.
func (r *SharedChannelRegistry) Refresh(ctx context.Context) error {
	entries, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil {
		return fmt.Errorf("list instance members: %w", err)
	}
	seen := make(map[domain.ChannelID]bool)
	for _, e := range entries {
		channel, _, ok := splitInstanceMember(e)
		if !ok || seen[channel] {
			continue
		}
		seen[channel] = true
		r.client.Expire(ctx, r.channelKey(channel), memberTTL)
	}
	return r.client.Expire(ctx, r.instanceKey(), memberTTL).Err()
}

// CleanupInstance removes every member registered by this instance, for use
// on shutdown.
func (r *SharedChannelRegistry) CleanupInstance(ctx context.Context) error {
	entries, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil {
		return fmt.Errorf("list instance members: %w", err)
	}

	for _, e := range entries {
		channel, userID, ok := splitInstanceMember(e)
		if !ok {
			continue
		}
		if err := r.client.HDel(ctx, r.channelKey(channel), string(userID)).Err(); err != nil {
			r.logger.Warnw("failed to remove member during cleanup",
				"channel_id", channel,
				"user_id", userID,
				"error", err,
			)
		}
	}
	return r.client.Del(ctx, r.instanceKey()).Err()
}

type memberSet map[domain.UserID]memberRecord

func (m memberSet) without(exclude domain.UserID) []domain.Participant {
	ids := make([]domain.UserID, 0, len(m))
	for uid := range m {
		if uid != exclude {
			ids = append(ids, uid)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m[ids[i]], m[ids[j]]
		if a.JoinedAt == b.JoinedAt {
			return ids[i] < ids[j]
		}
		return a.JoinedAt < b.JoinedAt
	})

	out := make([]domain.Participant, len(ids))
	for i, uid := range ids {
		out[i] = domain.Participant{UserID: uid, Username: m[uid].Username}
	}
	return out
}

func (r *SharedChannelRegistry) load(ctx context.Context, channel domain.ChannelID) (memberSet, error) {
	raw, err := r.client.HGetAll(ctx, r.channelKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", channel, err)
	}

	members := make(memberSet, len(raw))
	for uid, data := range raw {
		var rec memberRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.logger.Warnw("skipping malformed member record", "channel_id", channel, "user_id", uid, "error", err)
			continue
		}
		members[domain.UserID(uid)] = rec
	}
	return members, nil
}

func (r *SharedChannelRegistry) channelKey(channel domain.ChannelID) string {
	return fmt.Sprintf("%s:channel:%s:members", r.prefix, channel)
}

func (r *SharedChannelRegistry) instanceKey() string {
	return fmt.Sprintf("%s:instance:%s:members", r.prefix, r.instanceID)
}

func (r *SharedChannelRegistry) instanceMember(channel domain.ChannelID, userID domain.UserID) string {
	return string(channel) + "|" + string(userID)
}

func splitInstanceMember(s string) (domain.ChannelID, domain.UserID, bool) {
	channel, user, ok := strings.Cut(s, "|")
	return domain.ChannelID(channel), domain.UserID(user), ok
}
