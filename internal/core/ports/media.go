package ports

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// LocalTrack is a captured local track. Disabling keeps the sender alive
// and only stops media from flowing.
type LocalTrack interface {
	webrtc.TrackLocal

	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
	// OnEnded fires once when the source goes away without Stop being
	// called, for example when the user ends a screen share natively.
	OnEnded(fn func())
}

// AudioTapper is implemented by local audio tracks that can feed a voice
// activity detector.
type AudioTapper interface {
	AudioSource() AudioSource
}

// MediaStream is the local capture handle.
type MediaStream struct {
	Audio LocalTrack
	Video LocalTrack
}

type MediaConstraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

type MediaAcquirer interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (*MediaStream, error)
	GetDisplayMedia(ctx context.Context) (LocalTrack, error)
}
