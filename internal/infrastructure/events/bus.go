package events

import (
	"sort"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"go.uber.org/zap"
)

// Handler receives a delivered event.
type Handler func(domain.Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is an in-process publish/subscribe hub for call events. Delivery is
// synchronous and in subscription order; a panicking listener is logged and
// skipped so the emitter never sees it.
type Bus struct {
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.RWMutex
	byType map[domain.EventType][]subscription
	all    []subscription
	nextID int
}

var _ ports.EventPublisher = (*Bus)(nil)

func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		logger: logger,
		now:    time.Now,
		byType: make(map[domain.EventType][]subscription),
	}
}

// Subscribe registers handler for one event type and returns a function
// that removes it.
func (b *Bus) Subscribe(eventType domain.EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byType[eventType] = append(b.byType[eventType], subscription{id: id, handler: handler})
	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})
	return func() { b.unsubscribeAll(id) }
}

// On subscribes a handler typed on the payload. Events whose payload is not
// a T are ignored.
func On[T any](b *Bus, eventType domain.EventType, handler func(T)) func() {
	return b.Subscribe(eventType, func(e domain.Event) {
		if p, ok := e.Payload.(T); ok {
			handler(p)
		}
	})
}

func (b *Bus) Emit(eventType domain.EventType, payload any) {
	event := domain.Event{Type: eventType, Payload: payload, Timestamp: b.now()}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.byType[eventType])+len(b.all))
	subs = append(subs, b.byType[eventType]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, s := range subs {
		b.deliver(s, event)
	}
}

// ListenerCount returns the number of handlers that would see eventType.
func (b *Bus) ListenerCount(eventType domain.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byType[eventType]) + len(b.all)
}

func (b *Bus) deliver(s subscription, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event listener panicked",
				"event", event.Type,
				"listener", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(event)
}

func (b *Bus) unsubscribe(eventType domain.EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[eventType] = remove(b.byType[eventType], id)
	if len(b.byType[eventType]) == 0 {
		delete(b.byType, eventType)
	}
}

func (b *Bus) unsubscribeAll(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = remove(b.all, id)
}

func remove(subs []subscription, id int) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
