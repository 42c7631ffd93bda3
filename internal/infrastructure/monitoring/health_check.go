package monitoring

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

var errCheckFailed = errors.New("check failed")

type CheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name     string
	Check    CheckFunc
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s HealthStatus) Healthy() bool { return s.Status == StatusHealthy }

// HealthChecker runs named checks on demand and, once started, in the
// background. Status serves the background results without blocking.
type HealthChecker struct {
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.RWMutex
	checks []HealthCheck
	last   map[string]error
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		logger: logger,
		now:    time.Now,
		last:   make(map[string]error),
	}
}

func (h *HealthChecker) AddCheck(name string, check CheckFunc, interval, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Interval: interval, Timeout: timeout})
}

// AddBoolCheck adapts a plain predicate, such as the signaling client's
// IsConnected.
func (h *HealthChecker) AddBoolCheck(name string, ok func() bool, interval time.Duration) {
	h.AddCheck(name, func(context.Context) error {
		if !ok() {
			return errCheckFailed
		}
		return nil
	}, interval, 0)
}

func (h *HealthChecker) AddRedisCheck(client redis.Cmdable, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HealthCheck(nil), h.checks...)
}

func runCheck(ctx context.Context, check HealthCheck) error {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(ctx)
}

// CheckAll runs every check concurrently and records the results.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	checks := h.snapshot()
	results := make([]error, len(checks))

	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = runCheck(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	for i, check := range checks {
		h.last[check.Name] = results[i]
	}
	h.mu.Unlock()

	return h.Status()
}

// Status reports the most recent result of every check. Checks that have
// not run yet count as healthy.
func (h *HealthChecker) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: h.now(),
		Checks:    make(map[string]string, len(h.checks)),
	}
	for _, check := range h.checks {
		if err := h.last[check.Name]; err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
			continue
		}
		status.Checks[check.Name] = StatusHealthy
	}
	return status
}

// Run re-checks each entry on its own interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, check := range h.snapshot() {
		if check.Interval <= 0 {
			continue
		}
		g.Go(func() error {
			h.runPeriodically(ctx, check)
			return nil
		})
	}
	return g.Wait()
}

func (h *HealthChecker) runPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := runCheck(ctx, check)

			h.mu.Lock()
			prev, seen := h.last[check.Name]
			h.last[check.Name] = err
			h.mu.Unlock()

			if err != nil && (!seen || prev == nil) {
				h.logger.Warnw("health check failing", "check", check.Name, "error", err)
			} else if err == nil && prev != nil {
				h.logger.Infow("health check recovered", "check", check.Name)
			}
		}
	}
}

// Handler serves the checks, 503 when any fails. With ?fresh=1 the checks
// run inline instead of reporting the background results.
func (h *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status HealthStatus
		if c.Query("fresh") != "" {
			status = h.CheckAll(c.Request.Context())
		} else {
			status = h.Status()
		}

		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}
