package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

type member struct {
	participant domain.Participant
	joinedAt    time.Time
}

// ChannelRegistry keeps channel membership for a single relay instance.
type ChannelRegistry struct {
	channels map[domain.ChannelID]map[domain.UserID]member
	mu       sync.RWMutex
}

var _ ports.ChannelRegistry = (*ChannelRegistry)(nil)

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[domain.ChannelID]map[domain.UserID]member),
	}
}

func (r *ChannelRegistry) Join(_ context.Context, channel domain.ChannelID, p domain.Participant) ([]domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[domain.UserID]member)
		r.channels[channel] = members
	}

	existing := sortedMembers(members, p.UserID)
	if m, rejoin := members[p.UserID]; rejoin {
		m.participant = p
		members[p.UserID] = m
	} else {
		members[p.UserID] = member{participant: p, joinedAt: time.Now()}
	}
	return existing, nil
}

func (r *ChannelRegistry) Leave(_ context.Context, channel domain.ChannelID, userID domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.channels[channel]
	if !ok {
		return nil
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
	return nil
}

func (r *ChannelRegistry) Members(_ context.Context, channel domain.ChannelID) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedMembers(r.channels[channel], ""), nil
}

// sortedMembers lists members in join order, skipping exclude.
func sortedMembers(members map[domain.UserID]member, exclude domain.UserID) []domain.Participant {
	list := make([]member, 0, len(members))
	for uid, m := range members {
		if uid != exclude {
			list = append(list, m)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].joinedAt.Equal(list[j].joinedAt) {
			return list[i].participant.UserID < list[j].participant.UserID
		}
		return list[i].joinedAt.Before(list[j].joinedAt)
	})

	out := make([]domain.Participant, len(list))
	for i, m := range list {
		out[i] = m.participant
	}
	return out
}
