package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// ChannelRegistry tracks voice channel membership for the relay.
type ChannelRegistry interface {
	// Join adds p to channel and returns the members that were already there.
	Join(ctx context.Context, channel domain.ChannelID, p domain.Participant) ([]domain.Participant, error)
	Leave(ctx context.Context, channel domain.ChannelID, userID domain.UserID) error
	Members(ctx context.Context, channel domain.ChannelID) ([]domain.Participant, error)
}

// RelayFanout moves deliveries between relay instances.
type RelayFanout interface {
	Publish(ctx context.Context, env domain.RelayEnvelope) error
	// Subscribe blocks, handing every foreign envelope to handler, until ctx
	// is done.
	Subscribe(ctx context.Context, handler func(domain.RelayEnvelope)) error
}

type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageRelayed(msgType domain.MessageType)
	MessageDropped(reason string)
}
