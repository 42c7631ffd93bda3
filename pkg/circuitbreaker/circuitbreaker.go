package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without running the function while the breaker is
// open or its half-open trial budget is used up.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	FailureThreshold int           // consecutive failures that open the breaker
	SuccessThreshold int           // half-open successes needed to close it again
	OpenTimeout      time.Duration // time spent open before probing
	HalfOpenTrials   int           // concurrent calls allowed while half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      30 * time.Second,
		HalfOpenTrials:   1,
	}
}

type Stats struct {
	State           State
	Failures        int
	Successes       int
	InFlightTrials  int
	LastFailure     time.Time
	StateChangedAt  time.Time
	RejectedInState int
}

// CircuitBreaker stops calling a failing operation for a while after
// FailureThreshold consecutive failures.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	rejected  int
	lastFail  time.Time
	changedAt time.Time

	onChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	return &CircuitBreaker{cfg: cfg, now: now, changedAt: now()}
}

// OnStateChange installs a callback run synchronously after every
// transition, outside the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Execute runs fn unless the breaker is open. A context error from fn is
// not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	runErr := fn(ctx)
	switch {
	case runErr == nil:
		cb.record(trial, true)
	case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		cb.release(trial)
	default:
		cb.record(trial, false)
	}
	return runErr
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	var from, to State
	changed := false

	cb.mu.Lock()
	if cb.state == StateOpen && cb.now().Sub(cb.changedAt) >= cb.cfg.OpenTimeout {
		from, to, changed = cb.transition(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		cb.rejected++
		err = fmt.Errorf("%w: retry after %s", ErrOpen, cb.cfg.OpenTimeout-cb.now().Sub(cb.changedAt))
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenTrials {
			cb.rejected++
			err = ErrOpen
		} else {
			cb.trials++
			trial = true
		}
	}
	fn := cb.onChange
	cb.mu.Unlock()

	if changed && fn != nil {
		fn(from, to)
	}
	return trial, err
}

func (cb *CircuitBreaker) release(trial bool) {
	cb.mu.Lock()
	if trial && cb.trials > 0 {
		cb.trials--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(trial, success bool) {
	var from, to State
	changed := false

	cb.mu.Lock()
	if trial && cb.trials > 0 {
		cb.trials--
	}
	if success {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
			from, to, changed = cb.transition(StateClosed)
		}
	} else {
		cb.successes = 0
		cb.failures++
		cb.lastFail = cb.now()
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold) {
			from, to, changed = cb.transition(StateOpen)
		}
	}
	fn := cb.onChange
	cb.mu.Unlock()

	if changed && fn != nil {
		fn(from, to)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) (State, State, bool) {
	from := cb.state
	if from == to {
		return from, to, false
	}
	cb.state = to
	cb.changedAt = cb.now()
	cb.successes = 0
	cb.trials = 0
	if to != StateOpen {
		cb.failures = 0
	}
	return from, to, true
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		InFlightTrials:  cb.trials,
		LastFailure:     cb.lastFail,
		StateChangedAt:  cb.changedAt,
		RejectedInState: cb.rejected,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, to, changed := cb.transition(StateClosed)
	cb.failures = 0
	cb.rejected = 0
	fn := cb.onChange
	cb.mu.Unlock()

	if changed && fn != nil {
		fn(from, to)
	}
}
