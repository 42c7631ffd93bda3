package circuitbreaker

import (
	"context"
	"sync"
	"time"
)

// Group hands out one breaker per key so that a misbehaving key never
// trips the others.
type Group[K comparable] struct {
	cfg      Config
	now      func() time.Time
	onChange func(key K, from, to State)

	mu       sync.Mutex
	breakers map[K]*CircuitBreaker
}

func NewGroup[K comparable](cfg Config, onChange func(key K, from, to State)) *Group[K] {
	return &Group[K]{
		cfg:      cfg,
		now:      time.Now,
		onChange: onChange,
		breakers: make(map[K]*CircuitBreaker),
	}
}

func (g *Group[K]) Get(key K) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	cb := newWithClock(g.cfg, g.now)
	if g.onChange != nil {
		cb.OnStateChange(func(from, to State) {
			g.onChange(key, from, to)
		})
	}
	g.breakers[key] = cb
	return cb
}

func (g *Group[K]) Execute(ctx context.Context, key K, fn func(ctx context.Context) error) error {
	return g.Get(key).Execute(ctx, fn)
}

// Remove forgets the breaker for key.
func (g *Group[K]) Remove(key K) {
	g.mu.Lock()
	delete(g.breakers, key)
	g.mu.Unlock()
}

func (g *Group[K]) Clear() {
	g.mu.Lock()
	g.breakers = make(map[K]*CircuitBreaker)
	g.mu.Unlock()
}

// States returns a snapshot of every known breaker state.
func (g *Group[K]) States() map[K]State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[K]State, len(g.breakers))
	for k, cb := range g.breakers {
		out[k] = cb.State()
	}
	return out
}
