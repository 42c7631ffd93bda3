package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const DefaultSampleInterval = time.Second

// QualityCallback is invoked when a peer's tier or connection state changes.
type QualityCallback func(peerID domain.UserID, quality domain.ConnectionQuality)

type monitoredPeer struct {
	source ports.StatsSource
	cancel context.CancelFunc

	mu        sync.Mutex
	last      *domain.ConnectionQuality
	prevBytes uint64
	prevAt    time.Time
	hasPrev   bool
}

// ConnectionMonitor samples transport stats for every remote peer on a
// fixed interval and reports quality tier changes.
type ConnectionMonitor struct {
	logger   *zap.SugaredLogger
	interval time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	peers map[domain.UserID]*monitoredPeer

	cbMu      sync.RWMutex
	callbacks map[int]QualityCallback
	nextCB    int
}

func NewConnectionMonitor(logger *zap.SugaredLogger, interval time.Duration) *ConnectionMonitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &ConnectionMonitor{
		logger:    logger,
		interval:  interval,
		now:       time.Now,
		peers:     make(map[domain.UserID]*monitoredPeer),
		callbacks: make(map[int]QualityCallback),
	}
}

// StartMonitoring begins sampling source. A peer that is already monitored
// is restarted with the new source and its history is dropped.
func (m *ConnectionMonitor) StartMonitoring(peerID domain.UserID, source ports.StatsSource) {
	ctx, cancel := context.WithCancel(context.Background())
	peer := &monitoredPeer{source: source, cancel: cancel}

	m.mu.Lock()
	if old, ok := m.peers[peerID]; ok {
		old.cancel()
	}
	m.peers[peerID] = peer
	m.mu.Unlock()

	go m.sampleLoop(ctx, peerID, peer)

	m.logger.Debugw("connection monitoring started", "peer_id", peerID, "interval", m.interval)
}

func (m *ConnectionMonitor) StopMonitoring(peerID domain.UserID) {
	m.mu.Lock()
	peer, ok := m.peers[peerID]
	delete(m.peers, peerID)
	m.mu.Unlock()

	if ok {
		peer.cancel()
		m.logger.Debugw("connection monitoring stopped", "peer_id", peerID)
	}
}

func (m *ConnectionMonitor) StopAll() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[domain.UserID]*monitoredPeer)
	m.mu.Unlock()

	for _, p := range peers {
		p.cancel()
	}
}

// ActivePeers lists monitored peers in a stable order.
func (m *ConnectionMonitor) ActivePeers() []domain.UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]domain.UserID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetConnectionQuality returns the last sample, or nil if none exists.
func (m *ConnectionMonitor) GetConnectionQuality(peerID domain.UserID) *domain.ConnectionQuality {
	peer := m.peer(peerID)
	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.last == nil {
		return nil
	}
	q := *peer.last
	return &q
}

func (m *ConnectionMonitor) OnQualityChange(cb QualityCallback) int {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCB++
	m.callbacks[m.nextCB] = cb
	return m.nextCB
}

func (m *ConnectionMonitor) OffQualityChange(id int) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	delete(m.callbacks, id)
}

// NotifyConnectionState records a transport state transition and notifies
// observers right away instead of waiting for the next sample.
func (m *ConnectionMonitor) NotifyConnectionState(peerID domain.UserID, state domain.ConnectionState) {
	peer := m.peer(peerID)
	if peer == nil {
		return
	}

	peer.mu.Lock()
	var q domain.ConnectionQuality
	if peer.last != nil {
		if peer.last.State == state {
			peer.mu.Unlock()
			return
		}
		q = *peer.last
	} else {
		q.Tier = domain.ClassifyQuality(0, 0)
	}
	q.State = state
	q.Timestamp = m.now()
	peer.last = &q
	peer.mu.Unlock()

	m.fire(peerID, q)
}

// Sample takes one stats sample immediately. The second return value is
// false when the peer is not monitored.
func (m *ConnectionMonitor) Sample(peerID domain.UserID) (domain.ConnectionQuality, bool) {
	peer := m.peer(peerID)
	if peer == nil {
		return domain.ConnectionQuality{}, false
	}
	return m.sample(peerID, peer), true
}

func (m *ConnectionMonitor) peer(peerID domain.UserID) *monitoredPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[peerID]
}

func (m *ConnectionMonitor) sampleLoop(ctx context.Context, peerID domain.UserID, peer *monitoredPeer) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(peerID, peer)
		}
	}
}

func (m *ConnectionMonitor) sample(peerID domain.UserID, peer *monitoredPeer) domain.ConnectionQuality {
	report := peer.source.GetStats()
	state := domain.ConnectionState(peer.source.ConnectionState().String())
	now := m.now()

	peer.mu.Lock()
	counters := collectStats(report)
	q := computeQuality(counters, state, now, peer.prevBytes, peer.prevAt, peer.hasPrev)
	peer.prevBytes = counters.bytesReceived
	peer.prevAt = now
	peer.hasPrev = true

	changed := peer.last == nil || peer.last.Tier != q.Tier || peer.last.State != q.State
	peer.last = &q
	peer.mu.Unlock()

	if changed {
		m.fire(peerID, q)
	}
	return q
}

func (m *ConnectionMonitor) fire(peerID domain.UserID, q domain.ConnectionQuality) {
	m.cbMu.RLock()
	ids := make([]int, 0, len(m.callbacks))
	for id := range m.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	cbs := make([]QualityCallback, 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, m.callbacks[id])
	}
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		m.invoke(cb, peerID, q)
	}
}

func (m *ConnectionMonitor) invoke(cb QualityCallback, peerID domain.UserID, q domain.ConnectionQuality) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorw("quality callback panicked", "peer_id", peerID, "panic", r)
		}
	}()
	cb(peerID, q)
}

type statsCounters struct {
	bytesReceived   uint64
	packetsReceived uint64
	packetsLost     int64
	rtt             time.Duration
	jitter          time.Duration
}

func collectStats(report webrtc.StatsReport) statsCounters {
	var c statsCounters
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			c.addInbound(st)
		case *webrtc.InboundRTPStreamStats:
			c.addInbound(*st)
		case webrtc.ICECandidatePairStats:
			c.addPair(st)
		case *webrtc.ICECandidatePairStats:
			c.addPair(*st)
		}
	}
	return c
}

func (c *statsCounters) addInbound(st webrtc.InboundRTPStreamStats) {
	c.bytesReceived += st.BytesReceived
	c.packetsReceived += uint64(st.PacketsReceived)
	if st.PacketsLost > 0 {
		c.packetsLost += int64(st.PacketsLost)
	}
	if j := seconds(st.Jitter); j > c.jitter {
		c.jitter = j
	}
}

func (c *statsCounters) addPair(st webrtc.ICECandidatePairStats) {
	if st.State != webrtc.StatsICECandidatePairStateSucceeded {
		return
	}
	rtt := seconds(st.CurrentRoundTripTime)
	// Prefer the nominated pair, otherwise keep the first succeeded one.
	if st.Nominated || c.rtt == 0 {
		c.rtt = rtt
	}
}

// computeQuality turns one set of counters into a quality sample.
func computeQuality(c statsCounters, state domain.ConnectionState, now time.Time, prevBytes uint64, prevAt time.Time, hasPrev bool) domain.ConnectionQuality {
	var loss float64
	if total := float64(c.packetsLost) + float64(c.packetsReceived); total > 0 {
		loss = float64(c.packetsLost) / total
	}

	var bandwidth float64
	if hasPrev {
		elapsed := now.Sub(prevAt).Seconds()
		if elapsed > 0 && c.bytesReceived >= prevBytes {
			bandwidth = float64(c.bytesReceived-prevBytes) * 8 / elapsed
		}
	}

	return domain.ConnectionQuality{
		State:      state,
		Latency:    c.rtt,
		PacketLoss: loss,
		Bandwidth:  bandwidth,
		Jitter:     c.jitter,
		Tier:       domain.ClassifyQuality(loss, c.rtt),
		Timestamp:  now,
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
