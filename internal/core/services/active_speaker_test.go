package services_test

import (
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type speakerChange struct {
	prev, next string
}

func newArbiter(t *testing.T) (*services.ActiveSpeakerArbiter, *testutil.FakeClock, *[]speakerChange) {
	clock := testutil.NewFakeClock()
	var changes []speakerChange
	a := services.NewActiveSpeakerArbiter(zaptest.NewLogger(t).Sugar(), 500*time.Millisecond, clock,
		func(prev, next *domain.UserID) {
			changes = append(changes, speakerChange{prev: str(prev), next: str(next)})
		})
	return a, clock, &changes
}

func str(id *domain.UserID) string {
	if id == nil {
		return ""
	}
	return string(*id)
}

func TestActiveSpeaker_FirstSpeakerIsImmediate(t *testing.T) {
	a, _, changes := newArbiter(t)

	a.HandleVoiceActivity("alice", true)

	require.NotNil(t, a.Current())
	assert.Equal(t, domain.UserID("alice"), *a.Current())
	assert.Equal(t, []speakerChange{{"", "alice"}}, *changes)
}

func TestActiveSpeaker_ShortPauseKeepsFloor(t *testing.T) {
	a, clock, changes := newArbiter(t)

	a.HandleVoiceActivity("alice", true)
	clock.Advance(100 * time.Millisecond)
	a.HandleVoiceActivity("alice", false)
	a.HandleVoiceActivity("bob", true)

	clock.Advance(300 * time.Millisecond)
	a.HandleVoiceActivity("alice", true)
	a.HandleVoiceActivity("bob", true)

	clock.Advance(time.Second)
	assert.Equal(t, domain.UserID("alice"), *a.Current())
	assert.Len(t, *changes, 1)
}

func TestActiveSpeaker_LongPauseHandsOver(t *testing.T) {
	a, clock, changes := newArbiter(t)

	a.HandleVoiceActivity("alice", true)
	a.HandleVoiceActivity("alice", false)
	a.HandleVoiceActivity("bob", true)
	assert.Equal(t, domain.UserID("alice"), *a.Current())

	clock.Advance(501 * time.Millisecond)

	assert.Equal(t, domain.UserID("bob"), *a.Current())
	assert.Equal(t, []speakerChange{{"", "alice"}, {"alice", "bob"}}, *changes)
}

func TestActiveSpeaker_DisplacementOnSampleAfterThreshold(t *testing.T) {
	a, clock, changes := newArbiter(t)

	a.HandleVoiceActivity("alice", true)
	clock.Advance(600 * time.Millisecond)
	// Alice never reported silence, but her last sample is stale.
	a.HandleVoiceActivity("bob", true)

	assert.Equal(t, domain.UserID("bob"), *a.Current())
	assert.Equal(t, speakerChange{"alice", "bob"}, (*changes)[1])
}

func TestActiveSpeaker_ClearsWhenEveryoneStops(t *testing.T) {
	a, clock, changes := newArbiter(t)

	a.HandleVoiceActivity("alice", true)
	a.HandleVoiceActivity("alice", false)
	clock.Advance(500 * time.Millisecond)
	// Exactly at the threshold alice still counts as recent.
	assert.NotNil(t, a.Current())

	a.HandleVoiceActivity("alice", false)
	clock.Advance(501 * time.Millisecond)
	assert.Nil(t, a.Current())
	assert.Equal(t, speakerChange{"alice", ""}, (*changes)[len(*changes)-1])
}

func TestActiveSpeaker_RemoveAndReset(t *testing.T) {
	a, clock, changes := newArbiter(t)

	a.HandleVoiceActivity("alice", true)
	clock.Advance(10 * time.Millisecond)
	a.HandleVoiceActivity("bob", true)
	assert.Equal(t, 2, a.Tracked())

	a.Remove("alice")
	assert.Equal(t, domain.UserID("bob"), *a.Current())
	assert.Equal(t, speakerChange{"alice", "bob"}, (*changes)[len(*changes)-1])

	a.Reset()
	assert.Nil(t, a.Current())
	assert.Equal(t, 0, a.Tracked())
	assert.Equal(t, 0, clock.Pending())
}
