package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"peerlink/internal/core/domain"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var DefaultReconnectBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

const DefaultMaxReconnectAttempts = 3

// TableBackOff walks a fixed list of delays and repeats the last one.
type TableBackOff struct {
	table []time.Duration
	next  int
}

var _ backoff.BackOff = (*TableBackOff)(nil)

func NewTableBackOff(table []time.Duration) *TableBackOff {
	if len(table) == 0 {
		table = DefaultReconnectBackoff
	}
	return &TableBackOff{table: append([]time.Duration(nil), table...)}
}

func (b *TableBackOff) NextBackOff() time.Duration {
	d := b.table[min(b.next, len(b.table)-1)]
	b.next++
	return d
}

func (b *TableBackOff) Reset() { b.next = 0 }

// ReconnectFunc performs one reconnection attempt. Attempts are numbered
// from 1.
type ReconnectFunc func(ctx context.Context, peerID domain.UserID, attempt int) error

type ReconnectionConfig struct {
	Backoff     []time.Duration
	MaxAttempts int
}

type reconnectionState struct {
	attempts    int
	lastAttempt time.Time
	backoff     *TableBackOff
	timer       Timer
	inFlight    bool
	cancelled   chan struct{}
}

// ReconnectionManager schedules retries per peer. It knows nothing about
// what a reconnection does; that is the installed callback.
type ReconnectionManager struct {
	logger      *zap.SugaredLogger
	clock       Clock
	table       []time.Duration
	maxAttempts int

	mu       sync.Mutex
	callback ReconnectFunc
	states   map[domain.UserID]*reconnectionState
}

func NewReconnectionManager(logger *zap.SugaredLogger, cfg ReconnectionConfig, clock Clock) *ReconnectionManager {
	if clock == nil {
		clock = SystemClock()
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultReconnectBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxReconnectAttempts
	}
	return &ReconnectionManager{
		logger:      logger,
		clock:       clock,
		table:       cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		states:      make(map[domain.UserID]*reconnectionState),
	}
}

func (m *ReconnectionManager) SetReconnectionCallback(fn ReconnectFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = fn
}

func (m *ReconnectionManager) MaxAttempts() int { return m.maxAttempts }

// AttemptReconnection schedules attempts for peerID and blocks until one
// succeeds, the attempt cap is reached, or the schedule is cancelled.
// Calling it while a timer is pending or an attempt is running returns
// ErrReconnectionInProgress and schedules nothing.
func (m *ReconnectionManager) AttemptReconnection(ctx context.Context, peerID domain.UserID) error {
	m.mu.Lock()
	cb := m.callback
	if cb == nil {
		m.mu.Unlock()
		return domain.ErrNoReconnectionCallback
	}

	st, ok := m.states[peerID]
	if ok && (st.timer != nil || st.inFlight) {
		m.mu.Unlock()
		return domain.ErrReconnectionInProgress
	}
	if !ok {
		st = &reconnectionState{backoff: NewTableBackOff(m.table)}
		m.states[peerID] = st
	}
	if st.attempts >= m.maxAttempts {
		delete(m.states, peerID)
		m.mu.Unlock()
		return fmt.Errorf("%w for peer %s", domain.ErrMaxReconnectionAttempts, peerID)
	}

	for {
		attempt := st.attempts + 1
		delay := st.backoff.NextBackOff()
		fired := make(chan struct{})
		st.cancelled = make(chan struct{})
		st.timer = m.clock.AfterFunc(delay, func() { close(fired) })
		cancelled := st.cancelled
		m.mu.Unlock()

		m.logger.Infow("reconnection scheduled",
			"peer_id", peerID,
			"attempt", attempt,
			"max_attempts", m.maxAttempts,
			"delay", delay,
		)

		select {
		case <-fired:
		case <-cancelled:
			return fmt.Errorf("%w for peer %s", domain.ErrReconnectionCancelled, peerID)
		case <-ctx.Done():
			m.drop(peerID, st)
			return fmt.Errorf("%w for peer %s: %w", domain.ErrReconnectionCancelled, peerID, ctx.Err())
		}

		m.mu.Lock()
		if m.states[peerID] != st {
			m.mu.Unlock()
			return fmt.Errorf("%w for peer %s", domain.ErrReconnectionCancelled, peerID)
		}
		st.timer = nil
		st.attempts = attempt
		st.lastAttempt = m.clock.Now()
		st.inFlight = true
		m.mu.Unlock()

		err := m.run(ctx, cb, peerID, attempt)

		m.mu.Lock()
		st.inFlight = false
		if m.states[peerID] != st {
			m.mu.Unlock()
			return fmt.Errorf("%w for peer %s", domain.ErrReconnectionCancelled, peerID)
		}
		if err == nil {
			delete(m.states, peerID)
			m.mu.Unlock()
			m.logger.Infow("reconnection succeeded", "peer_id", peerID, "attempt", attempt)
			return nil
		}

		m.logger.Warnw("reconnection attempt failed",
			"peer_id", peerID,
			"attempt", attempt,
			"error", err,
		)
		if attempt >= m.maxAttempts {
			delete(m.states, peerID)
			m.mu.Unlock()
			return fmt.Errorf("%w for peer %s after %d attempts: %w",
				domain.ErrMaxReconnectionAttempts, peerID, attempt, err)
		}
		if ctx.Err() != nil {
			delete(m.states, peerID)
			m.mu.Unlock()
			return fmt.Errorf("%w for peer %s: %w", domain.ErrReconnectionCancelled, peerID, ctx.Err())
		}
	}
}

func (m *ReconnectionManager) run(ctx context.Context, cb ReconnectFunc, peerID domain.UserID, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconnection callback panicked: %v", r)
		}
	}()
	return cb(ctx, peerID, attempt)
}

func (m *ReconnectionManager) drop(peerID domain.UserID, st *reconnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[peerID] == st {
		m.clear(peerID, st)
	}
}

// clear stops the pending timer and wakes the waiting goroutine. Caller
// holds m.mu.
func (m *ReconnectionManager) clear(peerID domain.UserID, st *reconnectionState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.cancelled != nil {
		close(st.cancelled)
		st.cancelled = nil
	}
	delete(m.states, peerID)
}

// ShouldAttemptReconnection reports whether a new schedule would be
// accepted for peerID.
func (m *ReconnectionManager) ShouldAttemptReconnection(peerID domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[peerID]
	if !ok {
		return true
	}
	return st.timer == nil && !st.inFlight && st.attempts < m.maxAttempts
}

func (m *ReconnectionManager) GetAttemptCount(peerID domain.UserID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[peerID]; ok {
		return st.attempts
	}
	return 0
}

func (m *ReconnectionManager) HasPendingTimer(peerID domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[peerID]
	return ok && st.timer != nil
}

// LastAttempt returns when the most recent attempt for peerID started.
func (m *ReconnectionManager) LastAttempt(peerID domain.UserID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[peerID]
	if !ok || st.lastAttempt.IsZero() {
		return time.Time{}, false
	}
	return st.lastAttempt, true
}

// CancelReconnection stops a pending timer and forgets the peer. An attempt
// that is already running finishes, but its outcome is discarded.
func (m *ReconnectionManager) CancelReconnection(peerID domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[peerID]
	if !ok {
		return false
	}
	m.clear(peerID, st)
	m.logger.Debugw("reconnection cancelled", "peer_id", peerID)
	return true
}

// ResetReconnectionState zeroes the attempt counter, typically after the
// peer connected again on its own.
func (m *ReconnectionManager) ResetReconnectionState(peerID domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[peerID]; ok {
		m.clear(peerID, st)
	}
}

func (m *ReconnectionManager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.states {
		m.clear(id, st)
	}
	m.states = make(map[domain.UserID]*reconnectionState)
}

func (m *ReconnectionManager) GetActiveReconnections() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]domain.UserID, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
