package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"peerlink/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCallCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCallCollector(reg)

	c.SessionOpened("user-joined")
	c.SessionOpened("existing-users")
	c.SessionClosed("user-left")
	c.OfferSent("initial")
	c.OfferSent("ice-restart")
	c.OfferSent("ice-restart")
	c.AnswerSent()
	c.ReconnectionAttempt(2)
	c.ReconnectionOutcome(true)
	c.TURNFallback(false)
	c.RecoveryOutcome(domain.IssueMissingAudioSender, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsClosed.WithLabelValues("user-left")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.offersSent.WithLabelValues("ice-restart")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.answersSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnOutcomes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnFallbacks.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveries.WithLabelValues("missing-audio-sender", "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.reconnAttempts))
}

func TestCallCollector_QualityPerPeer(t *testing.T) {
	c := NewCallCollector(prometheus.NewRegistry())

	c.QualityTier("alice", domain.QualityExcellent)
	c.QualityTier("bob", domain.QualityPoor)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.peerQuality.WithLabelValues("alice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peerQuality.WithLabelValues("bob")))

	c.QualityTier("alice", domain.QualityCritical)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.peerQuality.WithLabelValues("alice")))

	c.ForgetPeer("bob")
	assert.Equal(t, 1, testutil.CollectAndCount(c.peerQuality))
}

func TestRelayCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRelayCollector(reg, "relay-a")

	r.ConnectionOpened()
	r.ConnectionOpened()
	r.ConnectionClosed()
	r.MessageRelayed(domain.MsgOffer)
	r.MessageDropped("rate-limited")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.connTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.relayed.WithLabelValues(string(domain.MsgOffer))))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var found bool
			for _, l := range m.GetLabel() {
				if l.GetName() == "instance_id" && l.GetValue() == "relay-a" {
					found = true
				}
			}
			assert.True(t, found, "metric %s lacks instance label", mf.GetName())
		}
	}
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	h.AddCheck("ok", func(context.Context) error { return nil }, 0, time.Second)
	h.AddCheck("broken", func(context.Context) error { return errors.New("redis down") }, 0, time.Second)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.False(t, status.Healthy())
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.Equal(t, "redis down", status.Checks["broken"])
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthChecker_StatusBeforeFirstRun(t *testing.T) {
	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	h.AddBoolCheck("signaling", func() bool { return false }, time.Minute)

	assert.True(t, h.Status().Healthy())
	assert.False(t, h.CheckAll(context.Background()).Healthy())
}

func TestHealthChecker_RunUpdatesInBackground(t *testing.T) {
	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	var up atomic.Bool
	h.AddBoolCheck("signaling", up.Load, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return !h.Status().Healthy() }, time.Second, 5*time.Millisecond)
	up.Store(true)
	require.Eventually(t, func() bool { return h.Status().Healthy() }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHealthChecker_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	var up atomic.Bool
	h.AddBoolCheck("signaling", up.Load, 0)

	router := gin.New()
	router.GET("/health", h.Handler())

	tests := []struct {
		name     string
		up       bool
		query    string
		wantCode int
	}{
		{name: "not yet checked", up: false, wantCode: http.StatusOK},
		{name: "fresh failing", up: false, query: "?fresh=1", wantCode: http.StatusServiceUnavailable},
		{name: "cached failure", up: true, wantCode: http.StatusServiceUnavailable},
		{name: "fresh recovered", up: true, query: "?fresh=1", wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up.Store(tt.up)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health"+tt.query, nil))
			assert.Equal(t, tt.wantCode, w.Code)

			var body HealthStatus
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Contains(t, body.Checks, "signaling")
		})
	}
}
