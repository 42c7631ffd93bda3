package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

type SentMessage struct {
	Type    domain.MessageType
	Payload any
}

// FakeSignaling records outbound messages and lets tests deliver inbound
// ones synchronously.
type FakeSignaling struct {
	mu        sync.Mutex
	handlers  map[domain.MessageType][]func(json.RawMessage)
	sent      []SentMessage
	connected bool
	sendErr   error
}

var _ ports.SignalingChannel = (*FakeSignaling)(nil)

func NewFakeSignaling() *FakeSignaling {
	return &FakeSignaling{
		handlers:  make(map[domain.MessageType][]func(json.RawMessage)),
		connected: true,
	}
}

func (f *FakeSignaling) Send(_ context.Context, msgType domain.MessageType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return domain.ErrSignalingUnavailable
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, SentMessage{Type: msgType, Payload: payload})
	return nil
}

func (f *FakeSignaling) On(msgType domain.MessageType, handler func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = append(f.handlers[msgType], handler)
}

func (f *FakeSignaling) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeSignaling) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *FakeSignaling) FailSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Deliver marshals payload and hands it to every handler for msgType.
func (f *FakeSignaling) Deliver(msgType domain.MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	handlers := append([]func(json.RawMessage){}, f.handlers[msgType]...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(raw)
	}
	return nil
}

func (f *FakeSignaling) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

func (f *FakeSignaling) SentOfType(msgType domain.MessageType) []SentMessage {
	var out []SentMessage
	for _, m := range f.Sent() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *FakeSignaling) ResetSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// FakeVAD is a voice activity detector driven by the test.
type FakeVAD struct {
	mu        sync.Mutex
	attached  map[domain.UserID]func(bool, float64)
	attachErr error
}

var _ ports.VoiceActivityDetector = (*FakeVAD)(nil)

func NewFakeVAD() *FakeVAD {
	return &FakeVAD{attached: make(map[domain.UserID]func(bool, float64))}
}

func (v *FakeVAD) Attach(userID domain.UserID, _ ports.AudioSource, onActivity func(bool, float64)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.attachErr != nil {
		return v.attachErr
	}
	v.attached[userID] = onActivity
	return nil
}

func (v *FakeVAD) Detach(userID domain.UserID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.attached, userID)
}

func (v *FakeVAD) DetachAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attached = make(map[domain.UserID]func(bool, float64))
}

func (v *FakeVAD) Attached(userID domain.UserID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.attached[userID]
	return ok
}

func (v *FakeVAD) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.attached)
}

// Speak reports activity for userID as the detector would.
func (v *FakeVAD) Speak(userID domain.UserID, active bool) bool {
	v.mu.Lock()
	fn, ok := v.attached[userID]
	v.mu.Unlock()
	if ok {
		level := 0.0
		if active {
			level = 0.5
		}
		fn(active, level)
	}
	return ok
}

// EventRecorder keeps every event it is handed. Subscribe its Handle
// method to a bus.
type EventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
	notify chan struct{}
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{notify: make(chan struct{}, 1)}
}

func (r *EventRecorder) Handle(e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *EventRecorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *EventRecorder) OfType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until an event of type t has been recorded or timeout
// passes.
func (r *EventRecorder) WaitFor(t domain.EventType, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(r.OfType(t)) > 0 {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return false
		}
	}
}
