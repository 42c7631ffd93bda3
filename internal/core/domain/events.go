package domain

import "time"

type EventType string

const (
	EventLocalStream               EventType = "local-stream"
	EventRemoteStream              EventType = "remote-stream"
	EventUserJoined                EventType = "user-joined"
	EventUserLeft                  EventType = "user-left"
	EventMuteStatusChanged         EventType = "mute-status-changed"
	EventVideoStatusChanged        EventType = "video-status-changed"
	EventVideoStateChange          EventType = "video-state-change"
	EventScreenShareStarted        EventType = "screen-share-started"
	EventScreenShareStopped        EventType = "screen-share-stopped"
	EventConnectionQualityChange   EventType = "connection-quality-change"
	EventReconnecting              EventType = "reconnecting"
	EventReconnected               EventType = "reconnected"
	EventReconnectionFailed        EventType = "reconnection-failed"
	EventVoiceActivity             EventType = "voice-activity"
	EventActiveSpeakerChange       EventType = "active-speaker-change"
	EventVideoError                EventType = "video-error"
	EventMediaStateDrift           EventType = "media-state-drift"
	EventHealthCheckComplete       EventType = "health-check-complete"
	EventAutomaticRecoveryComplete EventType = "automatic-recovery-complete"
)

// Event is what the bus delivers to listeners.
type Event struct {
	Type      EventType
	Payload   any
	Timestamp time.Time
}

type LocalStreamEvent struct {
	Audio     MediaTrack
	Video     MediaTrack
	VideoKind TrackKind
}

type RemoteStreamEvent struct {
	UserID UserID
	Kind   MediaKind
	Track  MediaTrack
}

type UserEvent struct {
	UserID   UserID `json:"userId"`
	Username string `json:"username,omitempty"`
}

type MuteStatusEvent struct {
	UserID  UserID `json:"userId"`
	IsMuted bool   `json:"isMuted"`
	Local   bool   `json:"local"`
}

type VideoStatusEvent struct {
	UserID         UserID `json:"userId"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
}

type VideoStateEvent struct {
	IsEnabled bool      `json:"isEnabled"`
	Type      TrackKind `json:"type"`
}

type ScreenShareEvent struct {
	TrackID string `json:"trackId,omitempty"`
}

type QualityChangeEvent struct {
	UserID  UserID            `json:"userId"`
	Quality ConnectionQuality `json:"quality"`
}

type ReconnectingEvent struct {
	UserID      UserID `json:"userId"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
}

type ReconnectedEvent struct {
	UserID  UserID `json:"userId"`
	Attempt int    `json:"attempt"`
}

type ReconnectionFailedEvent struct {
	UserID UserID `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type VoiceActivityEvent struct {
	UserID   UserID  `json:"userId"`
	IsActive bool    `json:"isActive"`
	Level    float64 `json:"level"`
}

type ActiveSpeakerEvent struct {
	PreviousSpeaker *UserID `json:"previousSpeaker"`
	ActiveSpeaker   *UserID `json:"activeSpeaker"`
}

// VideoErrorEvent is emitted instead of returning errors from local media
// operations.
type VideoErrorEvent struct {
	Error    string   `json:"error"`
	Code     string   `json:"code,omitempty"`
	Severity string   `json:"severity"`
	Action   string   `json:"action"`
	Guidance string   `json:"guidance,omitempty"`
	Peers    []UserID `json:"peers,omitempty"`
}

type MediaStateDriftEvent struct {
	UserID UserID           `json:"userId"`
	Before MediaFingerprint `json:"before"`
	After  MediaFingerprint `json:"after"`
	Fields []string         `json:"fields"`
}
