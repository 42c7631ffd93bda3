package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"go.uber.org/zap"
)

// ErrOutsideQueue is returned when local media state is mutated by code
// that is not running inside a queued operation.
var ErrOutsideQueue = errors.New("track state mutated outside the track queue")

type queueKey struct{}

type opResult struct {
	value any
	err   error
}

type trackOp struct {
	label    string
	ctx      context.Context
	fn       func(ctx context.Context) (any, error)
	result   chan opResult
	queuedAt time.Time
}

// TrackManager serializes every mutation of the local media stream. Queued
// operations run one at a time in FIFO order on a single goroutine, and a
// failed or panicking operation never blocks the ones behind it.
type TrackManager struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*trackOp
	closed bool
	done   chan struct{}

	stateMu sync.RWMutex
	stream  ports.MediaStream
	kind    domain.TrackKind
	active  bool
}

func NewTrackManager(logger *zap.SugaredLogger) *TrackManager {
	m := &TrackManager{
		logger: logger,
		done:   make(chan struct{}),
		kind:   domain.TrackKindNone,
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// Queue appends fn to the queue and waits for it to finish.
func (m *TrackManager) Queue(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	_, err := m.enqueue(ctx, label, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// QueueResult is Queue for operations that produce a value.
func QueueResult[T any](ctx context.Context, m *TrackManager, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := m.enqueue(ctx, label, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

func (m *TrackManager) enqueue(ctx context.Context, label string, fn func(ctx context.Context) (any, error)) (any, error) {
	// Operations queued from inside a running operation run inline,
	// otherwise they would wait on themselves.
	if m.insideQueue(ctx) {
		return m.execute(&trackOp{label: label, ctx: ctx, fn: fn})
	}

	op := &trackOp{
		label:    label,
		ctx:      ctx,
		fn:       fn,
		result:   make(chan opResult, 1),
		queuedAt: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrQueueClosed
	}
	m.queue = append(m.queue, op)
	m.cond.Signal()
	m.mu.Unlock()

	select {
	case r := <-op.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *TrackManager) insideQueue(ctx context.Context) bool {
	owner, _ := ctx.Value(queueKey{}).(*TrackManager)
	return owner == m
}

func (m *TrackManager) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		op := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		closing := m.closed
		m.mu.Unlock()

		if closing {
			op.result <- opResult{err: domain.ErrQueueClosed}
			continue
		}

		if err := op.ctx.Err(); err != nil {
			m.logger.Debugw("skipping cancelled track operation", "label", op.label, "error", err)
			op.result <- opResult{err: err}
			continue
		}

		value, err := m.execute(op)
		op.result <- opResult{value: value, err: err}
	}
}

func (m *TrackManager) execute(op *trackOp) (value any, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("track operation %q panicked: %v", op.label, r)
			m.logger.Errorw("track operation panicked", "label", op.label, "panic", r)
		}
		m.logger.Debugw("track operation finished",
			"label", op.label,
			"duration", time.Since(start),
			"error", err,
		)
	}()

	ctx := context.WithValue(op.ctx, queueKey{}, m)
	return op.fn(ctx)
}

// Pending returns the number of operations waiting to run.
func (m *TrackManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close stops the worker. Operations still queued fail with ErrQueueClosed.
func (m *TrackManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	<-m.done
}

func (m *TrackManager) CurrentVideoTrack() ports.LocalTrack {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.stream.Video
}

func (m *TrackManager) CurrentTrackType() domain.TrackKind {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.kind
}

func (m *TrackManager) CurrentTrackState() domain.TrackState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	state := domain.TrackState{Kind: m.kind, Active: m.active}
	if m.stream.Video != nil {
		state.TrackID = m.stream.Video.ID()
	}
	return state
}

func (m *TrackManager) AudioTrack() ports.LocalTrack {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.stream.Audio
}

// LocalStream returns a copy of the local stream, or nil before media
// has been acquired.
func (m *TrackManager) LocalStream() *ports.MediaStream {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.stream.Audio == nil && m.stream.Video == nil {
		return nil
	}
	s := m.stream
	return &s
}

// Fingerprint describes what every session is expected to be sending.
func (m *TrackManager) Fingerprint() domain.MediaFingerprint {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	fp := domain.MediaFingerprint{VideoKind: m.kind}
	if a := m.stream.Audio; a != nil {
		fp.AudioTrackID = a.ID()
		fp.AudioEnabled = a.Enabled()
	}
	if v := m.stream.Video; v != nil {
		fp.VideoTrackID = v.ID()
		fp.VideoEnabled = v.Enabled() && m.active
	}
	return fp
}

// AudioGuard snapshots the local audio track identity and enabled flag.
func (m *TrackManager) AudioGuard() domain.AudioGuard {
	a := m.AudioTrack()
	if a == nil {
		return domain.AudioGuard{}
	}
	return domain.AudioGuard{TrackID: a.ID(), Enabled: a.Enabled(), Present: true}
}

// SetLocalStream installs a freshly acquired stream.
func (m *TrackManager) SetLocalStream(ctx context.Context, stream *ports.MediaStream) error {
	if !m.insideQueue(ctx) {
		return ErrOutsideQueue
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if stream == nil {
		m.stream = ports.MediaStream{}
		m.kind = domain.TrackKindNone
		m.active = false
		return nil
	}
	m.stream = *stream
	if stream.Video != nil {
		m.kind = domain.TrackKindCamera
		m.active = stream.Video.Enabled()
	} else {
		m.kind = domain.TrackKindNone
		m.active = false
	}
	return nil
}

// UpdateTrackState splices track into the video slot of the local stream.
func (m *TrackManager) UpdateTrackState(ctx context.Context, kind domain.TrackKind, track ports.LocalTrack, active bool) error {
	if !m.insideQueue(ctx) {
		return ErrOutsideQueue
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if kind == domain.TrackKindNone {
		track = nil
		active = false
	}
	m.kind = kind
	m.stream.Video = track
	m.active = active
	return nil
}

// Reset forgets the local stream. Tracks are not stopped here.
func (m *TrackManager) Reset(ctx context.Context) error {
	if !m.insideQueue(ctx) {
		return ErrOutsideQueue
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.stream = ports.MediaStream{}
	m.kind = domain.TrackKindNone
	m.active = false
	return nil
}
