package webrtc_test

import (
	"context"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/infrastructure/media"
	peerwebrtc "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/circuitbreaker"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck_HealthySessions(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	h.addPeer(t, "bob")
	h.addPeer(t, "carol")

	report := h.o.PerformHealthCheck()

	assert.True(t, report.Healthy)
	assert.Len(t, report.Peers, 2)
	assert.Empty(t, report.UnhealthyPeers())
	assert.True(t, report.Expected.VideoEnabled)
	assert.Len(t, h.events.OfType(domain.EventHealthCheckComplete), 1)
}

func TestHealthCheck_SenderIssuesAreRepaired(t *testing.T) {
	tests := []struct {
		name   string
		video  bool
		damage func(t *testing.T, h *harness)
		issue  domain.IssueKind
		check  func(t *testing.T, h *harness)
	}{
		{
			name:  "missing video sender",
			video: true,
			damage: func(t *testing.T, h *harness) {
				require.NoError(t, h.pc(t, "bob").SenderOfKind(webrtc.RTPCodecTypeVideo).ReplaceTrack(nil))
			},
			issue: domain.IssueMissingVideoSender,
			check: func(t *testing.T, h *harness) {
				assert.Equal(t, h.o.Tracks().CurrentVideoTrack().ID(), videoTrackID(h.pc(t, "bob")))
			},
		},
		{
			name:  "wrong audio track",
			video: false,
			damage: func(t *testing.T, h *harness) {
				other, err := media.NewSampleTrack(media.SourceMicrophone, media.OpusCodec, "stray-mic", "stray")
				require.NoError(t, err)
				require.NoError(t, h.pc(t, "bob").SenderOfKind(webrtc.RTPCodecTypeAudio).ReplaceTrack(other))
			},
			issue: domain.IssueWrongAudioTrack,
			check: func(t *testing.T, h *harness) {
				sender := h.pc(t, "bob").SenderOfKind(webrtc.RTPCodecTypeAudio)
				assert.Equal(t, h.o.Tracks().AudioTrack().ID(), sender.Track().ID())
			},
		},
		{
			name:  "stale video sender",
			video: false,
			damage: func(t *testing.T, h *harness) {
				leftover, err := media.NewSampleTrack(media.SourceCamera, media.VP8Codec, "old-camera", "stray")
				require.NoError(t, err)
				_, err = h.pc(t, "bob").AddTrack(leftover)
				require.NoError(t, err)
			},
			issue: domain.IssueStaleVideoSender,
			check: func(t *testing.T, h *harness) {
				assert.Empty(t, videoTrackID(h.pc(t, "bob")))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.join(t, tt.video)
			h.addPeer(t, "bob")
			tt.damage(t, h)

			report := h.o.PerformHealthCheck()
			require.False(t, report.Healthy)
			ph := report.Peers["bob"]
			require.True(t, ph.HasIssue(tt.issue), "issues: %+v", ph.Issues)
			assert.NotEmpty(t, ph.Recommendations)

			result := h.o.PerformAutomaticRecovery(context.Background(), report)
			assert.Equal(t, []domain.UserID{"bob"}, result.Succeeded)
			assert.Empty(t, result.Failed)
			tt.check(t, h)

			assert.True(t, h.o.PerformHealthCheck().Healthy)
			assert.Len(t, h.events.OfType(domain.EventAutomaticRecoveryComplete), 1)
		})
	}
}

func TestHealthCheck_StuckSignalingRestartsSession(t *testing.T) {
	h := newHarness(t)
	h.join(t, false)
	pc := h.addPeer(t, "bob")
	pc.ForceSignalingState(webrtc.SignalingStateHaveLocalOffer)

	assert.True(t, h.o.PerformHealthCheck().Healthy, "not stuck until the stable timeout passes")

	h.clock.Advance(time.Second)
	report := h.o.PerformHealthCheck()
	require.True(t, report.Peers["bob"].HasIssue(domain.IssueSignalingStuck))

	result := h.o.PerformAutomaticRecovery(context.Background(), report)
	assert.Equal(t, []domain.UserID{"bob"}, result.Succeeded)

	fresh := h.pc(t, "bob")
	assert.NotSame(t, pc, fresh)
	assert.True(t, pc.Closed())
	assert.Len(t, fresh.Offers(), 1)
	assert.Equal(t, webrtc.SignalingStateStable, fresh.SignalingState())
}

func TestHealthCheck_ICEFailureFallsBackToRelay(t *testing.T) {
	h := newHarness(t)
	h.join(t, false)
	h.addPeer(t, "bob")

	report := &domain.HealthReport{Peers: map[domain.UserID]*domain.PeerHealth{
		"bob": {UserID: "bob", Issues: []domain.HealthIssue{{Kind: domain.IssueICEFailed}}},
	}}
	result := h.o.PerformAutomaticRecovery(context.Background(), report)

	assert.Equal(t, []domain.UserID{"bob"}, result.Succeeded)
	s, ok := h.o.Session("bob")
	require.True(t, ok)
	assert.True(t, s.TURNOnly)
}

func TestHealthCheck_BreakerSkipsRepeatedFailures(t *testing.T) {
	h := newHarness(t, func(c *peerwebrtc.Config) {
		c.RecoveryBreaker = circuitbreaker.Config{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			OpenTimeout:      time.Hour,
			HalfOpenTrials:   1,
		}
	})
	h.join(t, false)
	pc := h.addPeer(t, "bob")
	sender := pc.SenderOfKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, sender.ReplaceTrack(nil))
	sender.FailReplace(assert.AnError)

	report := h.o.PerformHealthCheck()
	require.True(t, report.Peers["bob"].HasIssue(domain.IssueMissingAudioSender))

	first := h.o.PerformAutomaticRecovery(context.Background(), report)
	assert.Contains(t, first.Failed, domain.UserID("bob"))

	second := h.o.PerformAutomaticRecovery(context.Background(), report)
	assert.Equal(t, []domain.UserID{"bob"}, second.Skipped)
	assert.Empty(t, second.Failed)
}

func TestHealthMonitor_RunsUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.join(t, true)
	h.addPeer(t, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.o.StartHealthMonitor(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.True(t, h.events.WaitFor(domain.EventHealthCheckComplete, 2*time.Second))
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("health monitor did not stop")
	}
}
