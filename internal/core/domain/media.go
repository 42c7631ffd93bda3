package domain

// TrackKind is what currently feeds the local video slot.
type TrackKind string

const (
	TrackKindNone   TrackKind = "none"
	TrackKindCamera TrackKind = "camera"
	TrackKindScreen TrackKind = "screen"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// MediaTrack is the read-only view of a track handed to event consumers.
type MediaTrack interface {
	ID() string
	StreamID() string
}

// TrackState is a snapshot of the local video slot.
type TrackState struct {
	Kind    TrackKind `json:"kind"`
	TrackID string    `json:"trackId,omitempty"`
	Active  bool      `json:"active"`
}

// MediaFingerprint captures the local media that every session should be
// sending. Two fingerprints are compared to detect drift across recoveries.
type MediaFingerprint struct {
	AudioTrackID string    `json:"audioTrackId,omitempty"`
	AudioEnabled bool      `json:"audioEnabled"`
	VideoTrackID string    `json:"videoTrackId,omitempty"`
	VideoEnabled bool      `json:"videoEnabled"`
	VideoKind    TrackKind `json:"videoKind"`
}

// Drift lists the fields that differ between two fingerprints.
func (f MediaFingerprint) Drift(other MediaFingerprint) []string {
	var fields []string
	if f.AudioTrackID != other.AudioTrackID {
		fields = append(fields, "audio_track")
	}
	if f.AudioEnabled != other.AudioEnabled {
		fields = append(fields, "audio_enabled")
	}
	if f.VideoTrackID != other.VideoTrackID {
		fields = append(fields, "video_track")
	}
	if f.VideoEnabled != other.VideoEnabled {
		fields = append(fields, "video_enabled")
	}
	return fields
}

// AudioGuard is the identity and enabled flag of the local audio track,
// captured before a video operation and checked afterwards.
type AudioGuard struct {
	TrackID string
	Enabled bool
	Present bool
}
