package domain

// MessageType is the logical signaling message name. The wire codec adds
// the relay's namespace prefix.
type MessageType string

const (
	MsgJoin          MessageType = "join"
	MsgLeave         MessageType = "leave"
	MsgOffer         MessageType = "offer"
	MsgAnswer        MessageType = "answer"
	MsgICECandidate  MessageType = "ice-candidate"
	MsgMuteStatus    MessageType = "mute-status"
	MsgVideoStatus   MessageType = "video-status"
	MsgExistingUsers MessageType = "existing-users"
	MsgUserJoined    MessageType = "user-joined"
	MsgUserLeft      MessageType = "user-left"
)

// SessionDescription mirrors the JSON form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the JSON form of a trickled ICE candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type JoinPayload struct {
	ChannelID    ChannelID `json:"channelId"`
	VideoEnabled bool      `json:"videoEnabled"`
}

type LeavePayload struct {
	ChannelID ChannelID `json:"channelId"`
}

// Outbound payloads carry TargetUserID, inbound ones carry UserID.

type OfferPayload struct {
	TargetUserID UserID             `json:"targetUserId,omitempty"`
	UserID       UserID             `json:"userId,omitempty"`
	Offer        SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	TargetUserID UserID             `json:"targetUserId,omitempty"`
	UserID       UserID             `json:"userId,omitempty"`
	Answer       SessionDescription `json:"answer"`
}

type ICECandidatePayload struct {
	TargetUserID UserID       `json:"targetUserId,omitempty"`
	UserID       UserID       `json:"userId,omitempty"`
	Candidate    ICECandidate `json:"candidate"`
}

type MuteStatusPayload struct {
	ChannelID ChannelID `json:"channelId,omitempty"`
	UserID    UserID    `json:"userId,omitempty"`
	IsMuted   bool      `json:"isMuted"`
}

type VideoStatusPayload struct {
	ChannelID      ChannelID `json:"channelId,omitempty"`
	UserID         UserID    `json:"userId,omitempty"`
	IsVideoEnabled bool      `json:"isVideoEnabled"`
}

type ExistingUsersPayload struct {
	Users []Participant `json:"users"`
}

type UserJoinedPayload struct {
	UserID    UserID    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	ChannelID ChannelID `json:"channelId,omitempty"`
}

type UserLeftPayload struct {
	UserID    UserID    `json:"userId"`
	ChannelID ChannelID `json:"channelId,omitempty"`
}
