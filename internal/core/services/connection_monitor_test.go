package services_test

import (
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStats struct {
	mu     sync.Mutex
	report webrtc.StatsReport
	state  webrtc.PeerConnectionState
}

func (f *fakeStats) GetStats() webrtc.StatsReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeStats) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStats) set(received uint32, lost int32, bytes uint64, rttSeconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.report = webrtc.StatsReport{
		"inbound-audio": webrtc.InboundRTPStreamStats{
			PacketsReceived: received,
			PacketsLost:     lost,
			BytesReceived:   bytes,
			Jitter:          0.004,
		},
		"pair": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:            true,
			CurrentRoundTripTime: rttSeconds,
		},
		"pair-waiting": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateWaiting,
			CurrentRoundTripTime: 9,
		},
	}
}

func TestClassifyQuality(t *testing.T) {
	cases := []struct {
		loss    float64
		latency time.Duration
		want    domain.QualityTier
	}{
		{0.11, 0, domain.QualityCritical},
		{0, 501 * time.Millisecond, domain.QualityCritical},
		{0.10, 500 * time.Millisecond, domain.QualityPoor},
		{0.06, 0, domain.QualityPoor},
		{0, 301 * time.Millisecond, domain.QualityPoor},
		{0.05, 300 * time.Millisecond, domain.QualityGood},
		{0.02, 0, domain.QualityGood},
		{0, 151 * time.Millisecond, domain.QualityGood},
		{0.01, 150 * time.Millisecond, domain.QualityExcellent},
		{0, 0, domain.QualityExcellent},
	}

	for _, tc := range cases {
		if got := domain.ClassifyQuality(tc.loss, tc.latency); got != tc.want {
			t.Errorf("ClassifyQuality(%v, %v) = %s, want %s", tc.loss, tc.latency, got, tc.want)
		}
	}
}

func TestConnectionMonitor_SampleComputesQuality(t *testing.T) {
	m := services.NewConnectionMonitor(zaptest.NewLogger(t).Sugar(), time.Hour)
	t.Cleanup(m.StopAll)

	src := &fakeStats{state: webrtc.PeerConnectionStateConnected}
	src.set(90, 10, 1000, 0.2)
	m.StartMonitoring("peer-1", src)

	q, ok := m.Sample("peer-1")
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionStateConnected, q.State)
	assert.InDelta(t, 0.10, q.PacketLoss, 1e-9)
	assert.Equal(t, 200*time.Millisecond, q.Latency)
	assert.Equal(t, 4*time.Millisecond, q.Jitter)
	assert.Zero(t, q.Bandwidth, "first sample has no previous byte count")
	assert.Equal(t, domain.QualityPoor, q.Tier)

	time.Sleep(20 * time.Millisecond)
	src.set(190, 10, 26000, 0.05)
	q, _ = m.Sample("peer-1")
	assert.Greater(t, q.Bandwidth, 0.0)
	assert.Equal(t, 50*time.Millisecond, q.Latency)
	assert.Equal(t, domain.QualityGood, q.Tier)

	last := m.GetConnectionQuality("peer-1")
	require.NotNil(t, last)
	assert.Equal(t, q, *last)
}

func TestConnectionMonitor_EmptyStats(t *testing.T) {
	m := services.NewConnectionMonitor(zaptest.NewLogger(t).Sugar(), time.Hour)
	t.Cleanup(m.StopAll)

	m.StartMonitoring("p", &fakeStats{state: webrtc.PeerConnectionStateNew})
	q, ok := m.Sample("p")
	require.True(t, ok)
	assert.Zero(t, q.PacketLoss)
	assert.Zero(t, q.Latency)
	assert.Equal(t, domain.QualityExcellent, q.Tier)

	_, ok = m.Sample("unknown")
	assert.False(t, ok)
	assert.Nil(t, m.GetConnectionQuality("unknown"))
}

func TestConnectionMonitor_CallbacksOnlyOnChange(t *testing.T) {
	m := services.NewConnectionMonitor(zaptest.NewLogger(t).Sugar(), time.Hour)
	t.Cleanup(m.StopAll)

	var tiers []domain.QualityTier
	var states []domain.ConnectionState
	id := m.OnQualityChange(func(peerID domain.UserID, q domain.ConnectionQuality) {
		tiers = append(tiers, q.Tier)
		states = append(states, q.State)
	})

	src := &fakeStats{state: webrtc.PeerConnectionStateConnected}
	src.set(100, 0, 0, 0.01)
	m.StartMonitoring("p", src)

	m.Sample("p")
	m.Sample("p")
	m.Sample("p")
	assert.Equal(t, []domain.QualityTier{domain.QualityExcellent}, tiers)

	src.set(100, 20, 0, 0.01)
	m.Sample("p")
	m.Sample("p")
	assert.Equal(t, []domain.QualityTier{domain.QualityExcellent, domain.QualityCritical}, tiers)

	// State transitions notify immediately and once.
	m.NotifyConnectionState("p", domain.ConnectionStateDisconnected)
	m.NotifyConnectionState("p", domain.ConnectionStateDisconnected)
	assert.Len(t, states, 3)
	assert.Equal(t, domain.ConnectionStateDisconnected, states[2])
	assert.Equal(t, domain.QualityCritical, tiers[2])

	m.OffQualityChange(id)
	src.set(100, 0, 0, 0.01)
	m.Sample("p")
	assert.Len(t, tiers, 3)
}

func TestConnectionMonitor_PanickingCallbackIsContained(t *testing.T) {
	m := services.NewConnectionMonitor(zaptest.NewLogger(t).Sugar(), time.Hour)
	t.Cleanup(m.StopAll)

	called := false
	m.OnQualityChange(func(domain.UserID, domain.ConnectionQuality) { panic("listener bug") })
	m.OnQualityChange(func(domain.UserID, domain.ConnectionQuality) { called = true })

	m.StartMonitoring("p", &fakeStats{state: webrtc.PeerConnectionStateConnected})
	assert.NotPanics(t, func() { m.Sample("p") })
	assert.True(t, called)
}

func TestConnectionMonitor_PeriodicSamplingAndStop(t *testing.T) {
	m := services.NewConnectionMonitor(zaptest.NewLogger(t).Sugar(), 5*time.Millisecond)
	t.Cleanup(m.StopAll)

	src := &fakeStats{state: webrtc.PeerConnectionStateConnected}
	m.StartMonitoring("a", src)
	m.StartMonitoring("b", src)
	assert.Equal(t, []domain.UserID{"a", "b"}, m.ActivePeers())

	require.Eventually(t, func() bool { return m.GetConnectionQuality("a") != nil }, time.Second, time.Millisecond)

	m.StopMonitoring("a")
	assert.Nil(t, m.GetConnectionQuality("a"), "history is discarded on stop")
	assert.Equal(t, []domain.UserID{"b"}, m.ActivePeers())

	m.StopAll()
	assert.Empty(t, m.ActivePeers())
}
