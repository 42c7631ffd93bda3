package vad

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"peerlink/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// chanSource yields queued packets and io.EOF once closed.
type chanSource struct {
	packets chan *rtp.Packet
	once    sync.Once
	closed  chan struct{}
}

func newChanSource() *chanSource {
	return &chanSource{packets: make(chan *rtp.Packet, 64), closed: make(chan struct{})}
}

func (s *chanSource) push(payloads ...[]byte) {
	for _, p := range payloads {
		s.packets <- &rtp.Packet{Payload: p}
	}
}

func (s *chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-s.packets:
		return pkt, nil, nil
	case <-s.closed:
		return nil, nil, io.EOF
	}
}

func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// byteMeter reads the level from the first payload byte as a percentage.
type byteMeter struct{}

func (byteMeter) Level(p []byte) float64 { return float64(p[0]) / 100 }

type sample struct {
	active bool
	level  float64
}

type recorder struct {
	mu      sync.Mutex
	samples []sample
}

func (r *recorder) record(active bool, level float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample{active, level})
}

func (r *recorder) snapshot() []sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sample(nil), r.samples...)
}

func newTestDetector(t *testing.T) *Detector {
	d := NewDetector(Config{Threshold: 0.1, FramesPerWindow: 2, HangoverWindows: 1}, zaptest.NewLogger(t).Sugar())
	d.newMeter = func() meter { return byteMeter{} }
	return d
}

func TestDetector_WindowsWithHangover(t *testing.T) {
	d := newTestDetector(t)
	src := newChanSource()
	rec := &recorder{}
	require.NoError(t, d.Attach("alice", src, rec.record))

	src.push(
		[]byte{0}, []byte{0}, // silent window, no callback while inactive
		[]byte{20}, []byte{40}, // speech, level 0.3
		[]byte{0}, []byte{0}, // pause held by hangover
		[]byte{0}, []byte{0}, // pause ends speech
		[]byte{0}, []byte{0}, // still silent, no callback
	)

	want := []sample{{true, 0.3}, {true, 0}, {false, 0}}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == len(want) }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	for i := range want {
		assert.Equal(t, want[i].active, got[i].active, "sample %d", i)
		assert.InDelta(t, want[i].level, got[i].level, 1e-9, "sample %d", i)
	}

	src.Close()
	d.Wait()
	assert.Len(t, rec.snapshot(), len(want))
}

func TestDetector_SourceEndWhileActiveReportsSilence(t *testing.T) {
	d := newTestDetector(t)
	src := newChanSource()
	rec := &recorder{}
	require.NoError(t, d.Attach("alice", src, rec.record))

	src.push([]byte{50}, []byte{50})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	src.Close()
	d.Wait()
	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.False(t, got[1].active)
}

func TestDetector_DetachStopsCallbacks(t *testing.T) {
	d := newTestDetector(t)
	src := newChanSource()
	rec := &recorder{}
	require.NoError(t, d.Attach("alice", src, rec.record))
	assert.True(t, d.Attached("alice"))

	d.Detach("alice")
	assert.False(t, d.Attached("alice"))

	// The closable source was closed so the reader exits.
	d.Wait()
	src.push([]byte{90}, []byte{90})
	assert.Empty(t, rec.snapshot())
}

func TestDetector_AttachReplacesPrevious(t *testing.T) {
	d := newTestDetector(t)
	first, second := newChanSource(), newChanSource()
	oldRec, newRec := &recorder{}, &recorder{}

	require.NoError(t, d.Attach("alice", first, oldRec.record))
	require.NoError(t, d.Attach("alice", second, newRec.record))

	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("previous source was not closed")
	}

	second.push([]byte{90}, []byte{90})
	require.Eventually(t, func() bool { return len(newRec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, oldRec.snapshot())

	d.DetachAll()
	assert.False(t, d.Attached("alice"))
	d.Wait()
}

func TestDetector_RejectsNilSource(t *testing.T) {
	d := newTestDetector(t)
	assert.ErrorIs(t, d.Attach("alice", nil, nil), ErrNilSource)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Call.VADThreshold = 0.05
	c := ConfigFrom(cfg)
	assert.Equal(t, 0.05, c.Threshold)
	assert.Equal(t, DefaultConfig().FramesPerWindow, c.FramesPerWindow)
}

func TestRMS(t *testing.T) {
	pcm := func(samples ...int16) []byte {
		b := make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
		}
		return b
	}

	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{"empty", nil, 0},
		{"silence", pcm(0, 0, 0, 0), 0},
		{"full scale square", pcm(math.MaxInt16, -math.MaxInt16), 1},
		{"half scale", pcm(math.MaxInt16/2, -math.MaxInt16/2), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, rms(tt.pcm), 0.001)
		})
	}
}

func TestSizeLevel(t *testing.T) {
	assert.Zero(t, sizeLevel(3))
	assert.Zero(t, sizeLevel(silentPayload))
	assert.Equal(t, 1.0, sizeLevel(loudPayload+40))
	assert.InDelta(t, 0.5, sizeLevel((silentPayload+loudPayload)/2), 0.01)
}

func TestDecodedBytes(t *testing.T) {
	// Config 1 is SILK narrowband 20ms.
	assert.Equal(t, 8000*20/1000*2, decodedBytes(1<<3, 8000, false, pcmBufferSize))
	// Config 11 is SILK wideband 60ms, stereo doubles.
	assert.Equal(t, 16000*60/1000*2*2, decodedBytes(11<<3, 16000, true, pcmBufferSize))
	assert.Equal(t, 100, decodedBytes(11<<3, 16000, true, 100))
}

func TestOpusMeter_FallsBackForCELT(t *testing.T) {
	m := newOpusMeter()

	assert.Zero(t, m.Level([]byte{0xf8, 0xff, 0xfe}))

	// Config 31 is CELT fullband, which the decoder does not handle.
	frame := make([]byte, loudPayload)
	frame[0] = 0xf8
	assert.Equal(t, 1.0, m.Level(frame))
}
