package signal

import (
	"encoding/json"
	"testing"

	"peerlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_WrapsPayloadInData(t *testing.T) {
	raw, err := Encode(domain.MsgVideoStatus, "room-1", domain.VideoStatusPayload{IsVideoEnabled: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"voice:video-status","channelId":"room-1","data":{"isVideoEnabled":true}}`, string(raw))

	raw, err = Encode(domain.MsgLeave, "", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"voice:leave"}`, string(raw))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    domain.MessageType
		wantErr error
	}{
		{name: "flat voice message", raw: `{"type":"voice:answer","userId":"bob","answer":{"type":"answer","sdp":"v=0"}}`, want: domain.MsgAnswer},
		{name: "other namespace", raw: `{"type":"typing"}`, wantErr: ErrUnknownNamespace},
		{name: "bare prefix", raw: `{"type":"voice:"}`, wantErr: ErrUnknownNamespace},
		{name: "missing type", raw: `{"userId":"bob"}`, wantErr: ErrMalformedFrame},
		{name: "not json", raw: `voice:offer`, wantErr: ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, payload, err := Decode([]byte(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.JSONEq(t, tt.raw, string(payload))
		})
	}
}

func TestDecode_PayloadUnmarshalsIntoInboundType(t *testing.T) {
	_, payload, err := Decode([]byte(`{"type":"voice:existing-users","users":[{"userId":"bob","username":"Bob"}]}`))
	require.NoError(t, err)

	var p domain.ExistingUsersPayload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Equal(t, []domain.Participant{{UserID: "bob", Username: "Bob"}}, p.Users)
}

func TestFlatten_ForwardsWithSender(t *testing.T) {
	data := json.RawMessage(`{"targetUserId":"bob","offer":{"type":"offer","sdp":"v=0"}}`)

	raw, err := Flatten(domain.MsgOffer, data, map[string]any{"userId": "alice"}, "targetUserId")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"voice:offer","userId":"alice","offer":{"type":"offer","sdp":"v=0"}}`, string(raw))

	_, err = Flatten(domain.MsgOffer, json.RawMessage(`[1,2]`), nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	raw, err = Flatten(domain.MsgUserLeft, json.RawMessage(`null`), map[string]any{"userId": "alice"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"voice:user-left","userId":"alice"}`, string(raw))
}
