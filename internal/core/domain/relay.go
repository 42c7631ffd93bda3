package domain

import "encoding/json"

// RelayEnvelope carries one relay delivery between relay instances. Exactly
// one of Target and Channel is set.
type RelayEnvelope struct {
	Origin  string          `json:"origin"`
	Channel ChannelID       `json:"channel,omitempty"`
	Target  UserID          `json:"target,omitempty"`
	Exclude UserID          `json:"exclude,omitempty"`
	Body    json.RawMessage `json:"body"`
}
