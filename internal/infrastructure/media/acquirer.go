package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/ports"
	apperrors "peerlink/pkg/errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var (
	OpusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// opusSilence is a 20ms CELT silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// AcquirerConfig controls the synthetic devices.
type AcquirerConfig struct {
	StreamID string
	// PumpAudio writes silence frames to every acquired microphone track so
	// the audio sender carries packets.
	PumpAudio bool
	// Failures maps a source to the device error returned when acquiring it.
	Failures map[Source]apperrors.ErrorCode
}

// Acquirer hands out sample tracks in place of real capture devices. It is
// used by the headless daemon and by tests.
type Acquirer struct {
	cfg    AcquirerConfig
	logger *zap.SugaredLogger

	mu       sync.Mutex
	failures map[Source]apperrors.ErrorCode
	acquired map[Source]int
}

var _ ports.MediaAcquirer = (*Acquirer)(nil)

func NewAcquirer(cfg AcquirerConfig, logger *zap.SugaredLogger) *Acquirer {
	if cfg.StreamID == "" {
		cfg.StreamID = "peerlink-" + uuid.NewString()[:8]
	}
	failures := make(map[Source]apperrors.ErrorCode, len(cfg.Failures))
	for k, v := range cfg.Failures {
		failures[k] = v
	}
	return &Acquirer{
		cfg:      cfg,
		logger:   logger,
		failures: failures,
		acquired: make(map[Source]int),
	}
}

// FailNext makes acquisitions of source fail with code until cleared with
// an empty code.
func (a *Acquirer) FailNext(source Source, code apperrors.ErrorCode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code == "" {
		delete(a.failures, source)
		return
	}
	a.failures[source] = code
}

// Acquired reports how many tracks of source have been handed out.
func (a *Acquirer) Acquired(source Source) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquired[source]
}

func (a *Acquirer) GetUserMedia(ctx context.Context, constraints ports.MediaConstraints) (*ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := &ports.MediaStream{}
	if constraints.Audio {
		track, err := a.newTrack(SourceMicrophone, OpusCodec)
		if err != nil {
			return nil, err
		}
		stream.Audio = track
		if a.cfg.PumpAudio {
			go a.pump(track)
		}
	}
	if constraints.Video {
		track, err := a.newTrack(SourceCamera, VP8Codec)
		if err != nil {
			if stream.Audio != nil {
				stream.Audio.Stop()
			}
			return nil, err
		}
		stream.Video = track
	}
	return stream, nil
}

func (a *Acquirer) GetDisplayMedia(ctx context.Context) (ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.newTrack(SourceScreen, VP8Codec)
}

func (a *Acquirer) newTrack(source Source, codec webrtc.RTPCodecCapability) (*SampleTrack, error) {
	a.mu.Lock()
	code, fail := a.failures[source]
	if !fail {
		a.acquired[source]++
	}
	a.mu.Unlock()

	if fail {
		return nil, apperrors.NewMediaError(code, fmt.Errorf("%s unavailable", source))
	}

	id := fmt.Sprintf("%s-%s", source, uuid.NewString())
	track, err := NewSampleTrack(source, codec, id, a.cfg.StreamID)
	if err != nil {
		return nil, apperrors.NewMediaError(apperrors.ErrCodeMediaUnavailable, err)
	}
	a.logger.Debugw("local track acquired", "source", source, "track_id", id)
	return track, nil
}

func (a *Acquirer) pump(track *SampleTrack) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for range ticker.C {
		if track.Stopped() {
			return
		}
		if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil && err != ErrTrackStopped {
			a.logger.Debugw("audio pump write failed", "track_id", track.ID(), "error", err)
		}
	}
}
