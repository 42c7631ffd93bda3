package services

import (
	"sync"
	"time"

	"peerlink/internal/core/domain"

	"go.uber.org/zap"
)

const DefaultSpeakerThreshold = 500 * time.Millisecond

// SpeakerChangeFunc receives the previous and new active speaker. Either
// may be nil.
type SpeakerChangeFunc func(previous, current *domain.UserID)

// ActiveSpeakerArbiter picks a single active speaker from voice activity
// samples. A speaker keeps the floor through pauses shorter than the
// threshold.
type ActiveSpeakerArbiter struct {
	logger    *zap.SugaredLogger
	clock     Clock
	threshold time.Duration
	onChange  SpeakerChangeFunc

	mu        sync.Mutex
	active    *domain.UserID
	lastSpoke map[domain.UserID]time.Time
	speaking  map[domain.UserID]bool
	reeval    Timer
	epoch     int
}

func NewActiveSpeakerArbiter(logger *zap.SugaredLogger, threshold time.Duration, clock Clock, onChange SpeakerChangeFunc) *ActiveSpeakerArbiter {
	if threshold <= 0 {
		threshold = DefaultSpeakerThreshold
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &ActiveSpeakerArbiter{
		logger:    logger,
		clock:     clock,
		threshold: threshold,
		onChange:  onChange,
		lastSpoke: make(map[domain.UserID]time.Time),
		speaking:  make(map[domain.UserID]bool),
	}
}

// Current returns the active speaker or nil.
func (a *ActiveSpeakerArbiter) Current() *domain.UserID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyUserID(a.active)
}

// HandleVoiceActivity feeds one detector sample for userID.
func (a *ActiveSpeakerArbiter) HandleVoiceActivity(userID domain.UserID, isActive bool) {
	a.mu.Lock()
	now := a.clock.Now()
	a.speaking[userID] = isActive

	var prev, next *domain.UserID
	changed := false

	switch {
	case isActive:
		a.lastSpoke[userID] = now
		switch {
		case a.active == nil:
			prev, next, changed = nil, copyUserID(&userID), true
		case *a.active == userID:
			a.stopReevalLocked()
		default:
			if now.Sub(a.lastSpoke[*a.active]) > a.threshold {
				prev, next, changed = copyUserID(a.active), copyUserID(&userID), true
			}
		}
		if changed {
			a.stopReevalLocked()
			a.active = copyUserID(next)
		}
	case a.active != nil && *a.active == userID:
		a.scheduleReevalLocked()
	}
	a.mu.Unlock()

	if changed {
		a.notify(prev, next)
	}
}

// Remove forgets userID. If they held the floor the next speaker is picked
// straight away.
func (a *ActiveSpeakerArbiter) Remove(userID domain.UserID) {
	a.mu.Lock()
	delete(a.lastSpoke, userID)
	delete(a.speaking, userID)
	if a.active == nil || *a.active != userID {
		a.mu.Unlock()
		return
	}
	a.stopReevalLocked()
	prev := copyUserID(a.active)
	next := a.pickAlternativeLocked(userID)
	a.active = copyUserID(next)
	a.mu.Unlock()

	a.notify(prev, next)
}

// Reset clears all state without notifying.
func (a *ActiveSpeakerArbiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopReevalLocked()
	a.active = nil
	a.lastSpoke = make(map[domain.UserID]time.Time)
	a.speaking = make(map[domain.UserID]bool)
}

// Tracked returns how many users have a last-spoke timestamp.
func (a *ActiveSpeakerArbiter) Tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lastSpoke)
}

func (a *ActiveSpeakerArbiter) scheduleReevalLocked() {
	if a.reeval != nil {
		return
	}
	a.epoch++
	epoch := a.epoch
	a.reeval = a.clock.AfterFunc(a.threshold, func() { a.reevaluate(epoch) })
}

func (a *ActiveSpeakerArbiter) stopReevalLocked() {
	if a.reeval != nil {
		a.reeval.Stop()
		a.reeval = nil
	}
	a.epoch++
}

func (a *ActiveSpeakerArbiter) reevaluate(epoch int) {
	a.mu.Lock()
	if epoch != a.epoch || a.active == nil {
		a.mu.Unlock()
		return
	}
	a.reeval = nil

	now := a.clock.Now()
	current := *a.active
	if a.speaking[current] || now.Sub(a.lastSpoke[current]) <= a.threshold {
		// Spoke again within the window.
		a.mu.Unlock()
		return
	}

	prev := copyUserID(a.active)
	next := a.pickAlternativeLocked(current)
	a.active = copyUserID(next)
	a.mu.Unlock()

	if !sameUser(prev, next) {
		a.notify(prev, next)
	}
}

// pickAlternativeLocked returns the most recent speaker other than exclude
// who is still talking or spoke within the threshold.
func (a *ActiveSpeakerArbiter) pickAlternativeLocked(exclude domain.UserID) *domain.UserID {
	now := a.clock.Now()
	var best *domain.UserID
	var bestAt time.Time
	for id, at := range a.lastSpoke {
		if id == exclude {
			continue
		}
		if !a.speaking[id] && now.Sub(at) > a.threshold {
			continue
		}
		if best == nil || at.After(bestAt) || (at.Equal(bestAt) && id < *best) {
			best = copyUserID(&id)
			bestAt = at
		}
	}
	return best
}

func (a *ActiveSpeakerArbiter) notify(prev, next *domain.UserID) {
	a.logger.Debugw("active speaker changed", "previous", deref(prev), "current", deref(next))
	if a.onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorw("active speaker callback panicked", "panic", r)
		}
	}()
	a.onChange(prev, next)
}

func copyUserID(id *domain.UserID) *domain.UserID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func sameUser(a, b *domain.UserID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(id *domain.UserID) string {
	if id == nil {
		return ""
	}
	return string(*id)
}
