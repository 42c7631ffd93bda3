package domain

import "time"

type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityPoor      QualityTier = "poor"
	QualityCritical  QualityTier = "critical"
)

// Rank orders tiers from best (0) to worst (3).
func (t QualityTier) Rank() int {
	switch t {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityPoor:
		return 2
	default:
		return 3
	}
}

// ConnectionQuality is a single stats sample for one peer. Each sample
// replaces the previous one.
type ConnectionQuality struct {
	State      ConnectionState `json:"state"`
	Latency    time.Duration   `json:"latency"`
	PacketLoss float64         `json:"packetLoss"`
	Bandwidth  float64         `json:"bandwidth"` // bits per second
	Jitter     time.Duration   `json:"jitter"`
	Tier       QualityTier     `json:"tier"`
	Timestamp  time.Time       `json:"timestamp"`
}

type qualityThreshold struct {
	tier       QualityTier
	packetLoss float64
	latency    time.Duration
}

// Evaluated in order, first match wins.
var qualityThresholds = []qualityThreshold{
	{QualityCritical, 0.10, 500 * time.Millisecond},
	{QualityPoor, 0.05, 300 * time.Millisecond},
	{QualityGood, 0.01, 150 * time.Millisecond},
}

// ClassifyQuality maps packet loss and round trip latency onto a tier.
func ClassifyQuality(packetLoss float64, latency time.Duration) QualityTier {
	for _, th := range qualityThresholds {
		if packetLoss > th.packetLoss || latency > th.latency {
			return th.tier
		}
	}
	return QualityExcellent
}
