package domain

import "time"

// IssueKind names a defect found by the session health check. Each kind
// has a matching remedy in automatic recovery.
type IssueKind string

const (
	IssueMissingAudioSender IssueKind = "missing-audio-sender"
	IssueWrongAudioTrack    IssueKind = "wrong-audio-track"
	IssueMissingVideoSender IssueKind = "missing-video-sender"
	IssueWrongVideoTrack    IssueKind = "wrong-video-track"
	IssueStaleVideoSender   IssueKind = "stale-video-sender"
	IssueConnectionFailed   IssueKind = "connection-failed"
	IssueICEFailed          IssueKind = "ice-failed"
	IssueSignalingStuck     IssueKind = "signaling-stuck"
)

type HealthIssue struct {
	Kind   IssueKind `json:"kind"`
	Detail string    `json:"detail"`
}

type PeerHealth struct {
	UserID          UserID             `json:"userId"`
	Healthy         bool               `json:"healthy"`
	Issues          []HealthIssue      `json:"issues"`
	Recommendations []string           `json:"recommendations"`
	ConnectionState ConnectionState    `json:"connectionState"`
	ICEState        ICEConnectionState `json:"iceState"`
	SignalingState  SignalingState     `json:"signalingState"`
}

func (p *PeerHealth) HasIssue(kind IssueKind) bool {
	for _, i := range p.Issues {
		if i.Kind == kind {
			return true
		}
	}
	return false
}

type HealthReport struct {
	Expected  MediaFingerprint       `json:"expected"`
	Peers     map[UserID]*PeerHealth `json:"peers"`
	Healthy   bool                   `json:"healthy"`
	CheckedAt time.Time              `json:"checkedAt"`
}

// UnhealthyPeers returns the ids of peers with at least one issue.
func (r *HealthReport) UnhealthyPeers() []UserID {
	var ids []UserID
	for id, p := range r.Peers {
		if !p.Healthy {
			ids = append(ids, id)
		}
	}
	return ids
}

type RecoveryResult struct {
	Succeeded []UserID          `json:"succeeded"`
	Failed    map[UserID]string `json:"failed"`
	Skipped   []UserID          `json:"skipped"`
}
