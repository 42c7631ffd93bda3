package webrtc_test

import (
	"context"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/infrastructure/media"
	"peerlink/internal/testutil"
	apperrors "peerlink/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two audio-only peers; turning the camera on adds a video sender that
// only shows up after a second negotiation round.
func TestToggleVideo_AddsSenderWithRemedialRenegotiation(t *testing.T) {
	h := newHarness(t)
	h.join(t, false)
	bob := h.addPeer(t, "bob")
	carol := h.addPeer(t, "carol")
	bob.HideAddedSenders(2)
	carol.HideAddedSenders(2)

	require.True(t, h.o.ToggleVideo(context.Background()))

	cam := h.o.Tracks().CurrentVideoTrack()
	require.NotNil(t, cam)
	assert.Equal(t, domain.TrackKindCamera, h.o.Tracks().CurrentTrackType())
	for _, pc := range []*testutil.FakePeerConnection{bob, carol} {
		assert.Equal(t, cam.ID(), videoTrackID(pc))
		assert.Len(t, pc.Offers(), 3, "initial, add-video and remedial offers")
	}
	assert.Empty(t, h.events.OfType(domain.EventVideoError))

	status := h.sig.SentOfType(domain.MsgVideoStatus)
	require.Len(t, status, 1)
	assert.True(t, status[0].Payload.(domain.VideoStatusPayload).IsVideoEnabled)
	assert.True(t, h.o.IsVideoEnabled())
}

func TestToggleVideo_VerificationFailureIsPartial(t *testing.T) {
	h := newHarness(t)
	h.join(t, false)
	bob := h.addPeer(t, "bob")
	carol := h.addPeer(t, "carol")
	carol.HideAddedSenders(10)

	require.True(t, h.o.ToggleVideo(context.Background()), "one unreachable peer does not fail the toggle")

	cam := h.o.Tracks().CurrentVideoTrack()
	assert.Equal(t, cam.ID(), videoTrackID(bob))
	assert.Empty(t, videoTrackID(carol))

	errs := h.events.OfType(domain.EventVideoError)
	require.Len(t, errs, 1)
	ev := errs[0].Payload.(domain.VideoErrorEvent)
	assert.Equal(t, []domain.UserID{"carol"}, ev.Peers)
	assert.Equal(t, string(apperrors.SeverityWarning), ev.Severity)
	assert.Equal(t, string(apperrors.ErrCodeVerificationFailed), ev.Code)
}

func TestToggleVideo_CameraOnOffKeepsTrack(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	bob := h.addPeer(t, "bob")
	cam := h.o.Tracks().CurrentVideoTrack()

	require.True(t, h.o.ToggleVideo(context.Background()))
	assert.False(t, h.o.IsVideoEnabled())
	assert.False(t, cam.Enabled())
	assert.Same(t, cam, h.o.Tracks().CurrentVideoTrack())

	require.True(t, h.o.ToggleVideo(context.Background()))
	assert.True(t, h.o.IsVideoEnabled())
	assert.True(t, cam.Enabled())
	assert.Equal(t, cam.ID(), videoTrackID(bob))
	assert.Equal(t, 1, h.media.Acquired(media.SourceCamera), "camera acquired once at join")
}

func TestToggleVideo_CameraFailureReportsGuidance(t *testing.T) {
	h := newHarness(t)
	h.join(t, false)
	h.addPeer(t, "bob")
	h.media.FailNext(media.SourceCamera, apperrors.ErrCodeDeviceBusy)

	assert.False(t, h.o.ToggleVideo(context.Background()))

	errs := h.events.OfType(domain.EventVideoError)
	require.Len(t, errs, 1)
	ev := errs[0].Payload.(domain.VideoErrorEvent)
	assert.Equal(t, string(apperrors.ErrCodeDeviceBusy), ev.Code)
	assert.Equal(t, "toggle-video", ev.Action)
	assert.NotEmpty(t, ev.Guidance)
	assert.Equal(t, domain.TrackKindNone, h.o.Tracks().CurrentTrackType())
}

func TestAudioGuard_RestoresAudioAcrossVideoOps(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	bob := h.addPeer(t, "bob")
	require.True(t, h.o.ToggleMute(context.Background()))

	audio := h.o.Tracks().AudioTrack()
	sender := bob.SenderOfKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, sender.ReplaceTrack(nil))

	require.True(t, h.o.ToggleVideo(context.Background()))

	require.NotNil(t, sender.Track())
	assert.Equal(t, audio.ID(), sender.Track().ID())
	assert.True(t, h.o.IsMuted(), "mute state survives a video operation")
	assert.Same(t, audio, h.o.Tracks().AudioTrack())
}

func TestScreenShare_StartAndStopReturnsToCamera(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	bob := h.addPeer(t, "bob")
	cam := h.o.Tracks().CurrentVideoTrack()

	require.True(t, h.o.StartScreenShare(context.Background()))

	screen := h.o.Tracks().CurrentVideoTrack()
	assert.Equal(t, domain.TrackKindScreen, h.o.Tracks().CurrentTrackType())
	assert.Equal(t, screen.ID(), videoTrackID(bob))
	assert.True(t, cam.Stopped(), "camera released while sharing")
	assert.Len(t, h.events.OfType(domain.EventScreenShareStarted), 1)

	require.True(t, h.o.StopScreenShare(context.Background()))

	next := h.o.Tracks().CurrentVideoTrack()
	require.NotNil(t, next)
	assert.Equal(t, domain.TrackKindCamera, h.o.Tracks().CurrentTrackType())
	assert.Equal(t, next.ID(), videoTrackID(bob))
	assert.True(t, screen.Stopped())
	assert.Len(t, h.events.OfType(domain.EventScreenShareStopped), 1)
}

// With three peers and one sender that refuses the screen track, every
// peer is put back on the camera and the failure names that peer.
func TestScreenShare_RollsBackWhenOnePeerRejects(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	bob := h.addPeer(t, "bob")
	carol := h.addPeer(t, "carol")
	dave := h.addPeer(t, "dave")
	dave.LieOnReplace(true)
	cam := h.o.Tracks().CurrentVideoTrack()

	assert.False(t, h.o.StartScreenShare(context.Background()))

	for _, pc := range []*testutil.FakePeerConnection{bob, carol, dave} {
		assert.Equal(t, cam.ID(), videoTrackID(pc))
	}
	assert.Equal(t, domain.TrackKindCamera, h.o.Tracks().CurrentTrackType())
	assert.Same(t, cam, h.o.Tracks().CurrentVideoTrack())
	assert.False(t, cam.Stopped())
	assert.Empty(t, h.events.OfType(domain.EventScreenShareStarted))

	errs := h.events.OfType(domain.EventVideoError)
	require.Len(t, errs, 1)
	ev := errs[0].Payload.(domain.VideoErrorEvent)
	assert.Equal(t, []domain.UserID{"dave"}, ev.Peers)
	assert.Equal(t, "start-screen-share", ev.Action)
}

func TestScreenShare_StopWithoutCameraDisablesVideo(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	bob := h.addPeer(t, "bob")
	carol := h.addPeer(t, "carol")

	require.True(t, h.o.StartScreenShare(context.Background()))
	h.media.FailNext(media.SourceCamera, apperrors.ErrCodeDeviceBusy)

	require.True(t, h.o.StopScreenShare(context.Background()))

	assert.Equal(t, domain.TrackKindNone, h.o.Tracks().CurrentTrackType())
	assert.Nil(t, h.o.Tracks().CurrentVideoTrack())
	for _, pc := range []*testutil.FakePeerConnection{bob, carol} {
		for _, s := range pc.AllSenders() {
			if tr := s.Track(); tr != nil {
				stopped, ok := tr.(interface{ Stopped() bool })
				require.True(t, ok)
				assert.False(t, stopped.Stopped(), "sender still carries a stopped track")
			}
		}
		assert.Empty(t, videoTrackID(pc))
	}

	errs := h.events.OfType(domain.EventVideoError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrCodeDeviceBusy), errs[0].Payload.(domain.VideoErrorEvent).Code)
	assert.Len(t, h.events.OfType(domain.EventScreenShareStopped), 1)
	assert.False(t, h.o.IsVideoEnabled())
}

func TestScreenShare_SourceEndingStopsShare(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	bob := h.addPeer(t, "bob")

	require.True(t, h.o.StartScreenShare(context.Background()))
	screen, ok := h.o.Tracks().CurrentVideoTrack().(*media.SampleTrack)
	require.True(t, ok)

	screen.End()

	require.True(t, h.events.WaitFor(domain.EventScreenShareStopped, 2*time.Second))
	require.Eventually(t, func() bool {
		return h.o.Tracks().CurrentTrackType() == domain.TrackKindCamera
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, h.o.Tracks().CurrentVideoTrack().ID(), videoTrackID(bob))
}

func TestToggleVideo_WhileSharingTurnsVideoOff(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	bob := h.addPeer(t, "bob")

	require.True(t, h.o.StartScreenShare(context.Background()))
	screen := h.o.Tracks().CurrentVideoTrack()

	require.True(t, h.o.ToggleVideo(context.Background()))

	assert.Equal(t, domain.TrackKindNone, h.o.Tracks().CurrentTrackType())
	assert.True(t, screen.Stopped())
	assert.Empty(t, videoTrackID(bob))
	assert.Len(t, h.events.OfType(domain.EventScreenShareStopped), 1)
}

// A capture that ends while the queue is busy must not stop a share that
// was started after it.
func TestScreenShare_LateEndLeavesNewerShare(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	bob := h.addPeer(t, "bob")
	ctx := context.Background()

	require.True(t, h.o.StartScreenShare(ctx))
	first, ok := h.o.Tracks().CurrentVideoTrack().(*media.SampleTrack)
	require.True(t, ok)

	running, release := make(chan struct{}), make(chan struct{})
	go h.o.Tracks().Queue(ctx, "hold", func(context.Context) error {
		close(running)
		<-release
		return nil
	})
	<-running

	results := make(chan bool, 2)
	go func() { results <- h.o.StopScreenShare(ctx) }()
	require.Eventually(t, func() bool { return h.o.Tracks().Pending() == 1 }, time.Second, 5*time.Millisecond)
	go func() { results <- h.o.StartScreenShare(ctx) }()
	require.Eventually(t, func() bool { return h.o.Tracks().Pending() == 2 }, time.Second, 5*time.Millisecond)

	first.End()
	require.Eventually(t, func() bool { return h.o.Tracks().Pending() == 3 }, time.Second, 5*time.Millisecond)

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case ok := <-results:
			require.True(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("track operation did not finish")
		}
	}
	require.NoError(t, h.o.Tracks().Queue(ctx, "flush", func(context.Context) error { return nil }))

	current := h.o.Tracks().CurrentVideoTrack()
	require.NotNil(t, current)
	assert.Equal(t, domain.TrackKindScreen, h.o.Tracks().CurrentTrackType())
	assert.NotEqual(t, first.ID(), current.ID())
	assert.False(t, current.Stopped())
	assert.Equal(t, current.ID(), videoTrackID(bob))
}
