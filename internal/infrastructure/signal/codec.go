package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"peerlink/internal/core/domain"
)

// WirePrefix namespaces voice messages on the shared relay socket.
const WirePrefix = "voice:"

var (
	ErrUnknownNamespace = errors.New("message is not a voice message")
	ErrMalformedFrame   = errors.New("malformed signaling frame")
)

// Frame is what a client writes to the relay.
type Frame struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

// WireType returns the relay name of a logical message type.
func WireType(t domain.MessageType) string {
	return WirePrefix + string(t)
}

// ParseWireType strips the namespace from a relay message name.
func ParseWireType(s string) (domain.MessageType, error) {
	if !strings.HasPrefix(s, WirePrefix) || len(s) == len(WirePrefix) {
		return "", fmt.Errorf("%w: %q", ErrUnknownNamespace, s)
	}
	return domain.MessageType(strings.TrimPrefix(s, WirePrefix)), nil
}

// Encode builds an outbound frame. payload may be nil.
func Encode(msgType domain.MessageType, channelID domain.ChannelID, payload any) ([]byte, error) {
	f := Frame{Type: WireType(msgType), ChannelID: channelID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

// Decode reads an inbound relay message. Inbound messages are flat, so the
// whole object is handed back as the payload.
func Decode(raw []byte) (domain.MessageType, json.RawMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == "" {
		return "", nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	t, err := ParseWireType(head.Type)
	if err != nil {
		return "", nil, err
	}
	return t, json.RawMessage(bytes.Clone(raw)), nil
}

// DecodeFrame is the relay side of Encode.
func DecodeFrame(raw []byte) (domain.MessageType, Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", f, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	t, err := ParseWireType(f.Type)
	if err != nil {
		return "", f, err
	}
	return t, f, nil
}

// Flatten merges fields into a flat inbound message of the given type and
// drops the omitted keys. data must be a JSON object or empty.
func Flatten(msgType domain.MessageType, data json.RawMessage, fields map[string]any, omit ...string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(fields)+4)
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: data is not an object", ErrMalformedFrame)
		}
		if out == nil {
			out = make(map[string]json.RawMessage, len(fields)+1)
		}
	}
	for _, k := range omit {
		delete(out, k)
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	t, _ := json.Marshal(WireType(msgType))
	out["type"] = t
	return json.Marshal(out)
}
