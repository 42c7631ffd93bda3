package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"peerlink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// Source says where a local track comes from.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
)

var ErrTrackStopped = errors.New("track stopped")

const tapBuffer = 64

// SampleTrack is a local track backed by pion's static sample track with
// the enable, stop and ended semantics of a capture device.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample

	source  Source
	enabled atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	onEnded []func()
	ended   bool
	taps    map[*audioTap]struct{}
	seq     uint16
	ts      uint32
}

var (
	_ ports.LocalTrack  = (*SampleTrack)(nil)
	_ ports.AudioTapper = (*SampleTrack)(nil)
)

func NewSampleTrack(source Source, codec webrtc.RTPCodecCapability, id, streamID string) (*SampleTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &SampleTrack{
		TrackLocalStaticSample: inner,
		source:                 source,
		taps:                   make(map[*audioTap]struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) Source() Source { return t.source }

func (t *SampleTrack) Enabled() bool { return t.enabled.Load() }

func (t *SampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *SampleTrack) Stopped() bool { return t.stopped.Load() }

// Stop releases the track. Ended callbacks do not fire for an explicit stop.
func (t *SampleTrack) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	t.ended = true
	t.onEnded = nil
	t.mu.Unlock()
	t.closeTaps()
}

// End simulates the source going away on its own, as when a user stops a
// screen share from the system UI.
func (t *SampleTrack) End() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	t.ended = true
	callbacks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	t.closeTaps()

	for _, fn := range callbacks {
		fn()
	}
}

func (t *SampleTrack) closeTaps() {
	t.mu.Lock()
	taps := t.taps
	t.taps = make(map[*audioTap]struct{})
	t.mu.Unlock()

	for tap := range taps {
		tap.close()
	}
}

func (t *SampleTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.onEnded = append(t.onEnded, fn)
}

// WriteSample forwards a sample to bound peer connections. Samples written
// while the track is disabled are dropped.
func (t *SampleTrack) WriteSample(s pionmedia.Sample) error {
	if t.Stopped() {
		return ErrTrackStopped
	}
	if !t.Enabled() {
		return nil
	}
	t.feedTaps(s)
	return t.TrackLocalStaticSample.WriteSample(s)
}

func (t *SampleTrack) feedTaps(s pionmedia.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.taps) == 0 {
		return
	}
	t.seq++
	t.ts += uint32(s.Duration.Seconds() * float64(t.Codec().ClockRate))
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: t.seq,
			Timestamp:      t.ts,
		},
		Payload: append([]byte(nil), s.Data...),
	}
	for tap := range t.taps {
		select {
		case tap.packets <- pkt:
		default:
			// Slow reader, drop.
		}
	}
}

// AudioSource returns a reader over the samples written to this track.
// Close the returned source when done with it.
func (t *SampleTrack) AudioSource() ports.AudioSource {
	tap := &audioTap{track: t, packets: make(chan *rtp.Packet, tapBuffer), done: make(chan struct{})}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Stopped() {
		tap.close()
		return tap
	}
	t.taps[tap] = struct{}{}
	return tap
}

type audioTap struct {
	track   *SampleTrack
	packets chan *rtp.Packet
	done    chan struct{}
	once    sync.Once
}

func (a *audioTap) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-a.packets:
		return pkt, nil, nil
	case <-a.done:
		return nil, nil, io.EOF
	}
}

func (a *audioTap) Close() error {
	a.track.mu.Lock()
	delete(a.track.taps, a)
	a.track.mu.Unlock()
	a.close()
	return nil
}

func (a *audioTap) close() {
	a.once.Do(func() { close(a.done) })
}
