package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

func fastConfig(attempts int) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  attempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		attempts++
		return errTestError
	})

	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Expected ErrExhausted, got: %v", err)
	}
	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped test error, got: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got: %d", attempts)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		attempts++
		return Permanent(errTestError)
	})

	if !errors.Is(err, errTestError) {
		t.Errorf("Expected test error, got: %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Errorf("Permanent errors should not be reported as exhausted")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(0)
	cfg.InitialDelay = 50 * time.Millisecond

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error { return errTestError })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}

func TestDo_Disabled(t *testing.T) {
	cfg := fastConfig(5)
	cfg.Enabled = false
	attempts := 0

	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errTestError
	})
	if !errors.Is(err, errTestError) {
		t.Errorf("Expected test error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDoNotify_CalledBetweenAttempts(t *testing.T) {
	var notified int32
	_ = DoNotify(context.Background(), fastConfig(3), func() error {
		return errTestError
	}, func(err error, next time.Duration) {
		atomic.AddInt32(&notified, 1)
	})
	if got := atomic.LoadInt32(&notified); got != 2 {
		t.Errorf("Expected 2 notifications, got: %d", got)
	}
}

func TestDoValue(t *testing.T) {
	attempts := 0
	v, err := DoValue(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", errTestError
		}
		return "ok", nil
	}, nil)
	if err != nil || v != "ok" {
		t.Errorf("Expected ok, got: %q %v", v, err)
	}
}

func TestPoll(t *testing.T) {
	var flips int32
	ok := Poll(context.Background(), 5*time.Millisecond, time.Second, func() bool {
		return atomic.AddInt32(&flips, 1) >= 3
	})
	if !ok {
		t.Error("Expected condition to be met")
	}

	ok = Poll(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func() bool { return false })
	if ok {
		t.Error("Expected timeout")
	}
}
