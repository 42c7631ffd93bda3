// Package vad turns an RTP audio stream into voice-activity samples.
package vad

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"

	"github.com/pion/opus"
	"go.uber.org/zap"
)

var ErrNilSource = errors.New("vad: nil audio source")

const (
	// Payloads at or below silentPayload bytes are DTX or comfort noise.
	silentPayload = 10
	loudPayload   = 160

	// 120ms of 48kHz stereo int16.
	pcmBufferSize = 5760 * 2 * 2
)

type Config struct {
	// Threshold is the normalized RMS level in (0,1) above which a window
	// counts as speech.
	Threshold float64
	// FramesPerWindow packets are averaged into one sample. At 20ms
	// packetization the default of 5 gives 100ms windows.
	FramesPerWindow int
	// HangoverWindows keeps a speaker active across short pauses.
	HangoverWindows int
}

func DefaultConfig() Config {
	return Config{Threshold: 0.02, FramesPerWindow: 5, HangoverWindows: 3}
}

func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg.Call.VADThreshold > 0 {
		c.Threshold = cfg.Call.VADThreshold
	}
	return c
}

// meter reports the level of one encoded frame.
type meter interface {
	Level(payload []byte) float64
}

// Detector runs one reader goroutine per attached user. Callbacks fire on
// every window while the user is active and once on each transition.
type Detector struct {
	cfg      Config
	logger   *zap.SugaredLogger
	newMeter func() meter

	mu       sync.Mutex
	watchers map[domain.UserID]*watcher
	wg       sync.WaitGroup
}

var _ ports.VoiceActivityDetector = (*Detector)(nil)

func NewDetector(cfg Config, logger *zap.SugaredLogger) *Detector {
	def := DefaultConfig()
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.FramesPerWindow <= 0 {
		cfg.FramesPerWindow = def.FramesPerWindow
	}
	if cfg.HangoverWindows < 0 {
		cfg.HangoverWindows = def.HangoverWindows
	}
	return &Detector{
		cfg:      cfg,
		logger:   logger,
		newMeter: func() meter { return newOpusMeter() },
		watchers: make(map[domain.UserID]*watcher),
	}
}

// Attach replaces any detector already running for userID.
func (d *Detector) Attach(userID domain.UserID, source ports.AudioSource, onActivity func(active bool, level float64)) error {
	if source == nil {
		return ErrNilSource
	}
	w := &watcher{
		userID:     userID,
		source:     source,
		meter:      d.newMeter(),
		onActivity: onActivity,
		cfg:        d.cfg,
		stop:       make(chan struct{}),
	}

	d.mu.Lock()
	prev := d.watchers[userID]
	d.watchers[userID] = w
	d.wg.Add(1)
	d.mu.Unlock()

	if prev != nil {
		prev.halt()
	}

	go func() {
		defer d.wg.Done()
		w.run(d.logger)
	}()
	d.logger.Debugw("voice activity detector attached", "user_id", userID)
	return nil
}

func (d *Detector) Detach(userID domain.UserID) {
	d.mu.Lock()
	w := d.watchers[userID]
	delete(d.watchers, userID)
	d.mu.Unlock()

	if w != nil {
		w.halt()
		d.logger.Debugw("voice activity detector detached", "user_id", userID)
	}
}

func (d *Detector) DetachAll() {
	d.mu.Lock()
	ws := d.watchers
	d.watchers = make(map[domain.UserID]*watcher)
	d.mu.Unlock()

	for _, w := range ws {
		w.halt()
	}
}

// Attached reports whether a detector runs for userID.
func (d *Detector) Attached(userID domain.UserID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.watchers[userID]
	return ok
}

// Wait blocks until every reader goroutine has returned. Readers of remote
// tracks only return when the track ends.
func (d *Detector) Wait() {
	d.wg.Wait()
}

type watcher struct {
	userID     domain.UserID
	source     ports.AudioSource
	meter      meter
	onActivity func(bool, float64)
	cfg        Config

	stop     chan struct{}
	stopOnce sync.Once

	active   bool
	hangover int
}

// halt silences the callback. Sources we can close are closed so the
// reader returns; others keep being drained until they end.
func (w *watcher) halt() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if c, ok := w.source.(io.Closer); ok {
			_ = c.Close()
		}
	})
}

func (w *watcher) halted() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *watcher) run(logger *zap.SugaredLogger) {
	var sum float64
	var frames int

	for {
		pkt, _, err := w.source.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !w.halted() {
				logger.Debugw("audio source ended", "user_id", w.userID, "error", err)
			}
			if w.active && !w.halted() {
				w.emit(false, 0)
			}
			return
		}
		if w.halted() {
			continue
		}

		sum += w.meter.Level(pkt.Payload)
		frames++
		if frames < w.cfg.FramesPerWindow {
			continue
		}
		w.evaluate(sum / float64(frames))
		sum, frames = 0, 0
	}
}

func (w *watcher) evaluate(level float64) {
	speaking := level >= w.cfg.Threshold
	switch {
	case speaking:
		w.hangover = w.cfg.HangoverWindows
		w.active = true
		w.emit(true, level)
	case w.active && w.hangover > 0:
		w.hangover--
		w.emit(true, level)
	case w.active:
		w.active = false
		w.emit(false, level)
	}
}

func (w *watcher) emit(active bool, level float64) {
	if w.onActivity != nil {
		w.onActivity(active, level)
	}
}

// opusMeter decodes SILK frames with pion/opus and measures their RMS.
// Frames the decoder cannot handle (CELT and hybrid modes) are measured
// by payload size instead.
type opusMeter struct {
	decoder opus.Decoder
	pcm     []byte
}

func newOpusMeter() *opusMeter {
	return &opusMeter{decoder: opus.NewDecoder(), pcm: make([]byte, pcmBufferSize)}
}

func (m *opusMeter) Level(payload []byte) float64 {
	if len(payload) <= silentPayload {
		return 0
	}
	if bw, stereo, err := m.decoder.Decode(payload, m.pcm); err == nil {
		return rms(m.pcm[:decodedBytes(payload[0], bw.SampleRate(), stereo, len(m.pcm))])
	}
	return sizeLevel(len(payload))
}

// decodedBytes is the PCM length of one SILK frame. The frame duration is
// the low two bits of the TOC configuration: 10, 20, 40 or 60ms.
func decodedBytes(toc byte, sampleRate int, stereo bool, limit int) int {
	durations := [4]int{10, 20, 40, 60}
	ms := durations[(toc>>3)&0x3]
	n := sampleRate * ms / 1000 * 2
	if stereo {
		n *= 2
	}
	if n > limit {
		n = limit
	}
	return n
}

// rms of little-endian int16 samples, normalized to [0,1].
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / math.MaxInt16
		sum += s * s
	}
	return math.Min(1, math.Sqrt(sum/float64(n)))
}

func sizeLevel(n int) float64 {
	if n <= silentPayload {
		return 0
	}
	if n >= loudPayload {
		return 1
	}
	return float64(n-silentPayload) / float64(loudPayload-silentPayload)
}
