package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/tracing"
)

var recommendations = map[domain.IssueKind]string{
	domain.IssueMissingAudioSender: "re-add the local audio track and renegotiate",
	domain.IssueWrongAudioTrack:    "replace the audio sender track with the local microphone",
	domain.IssueMissingVideoSender: "re-add the local video track and renegotiate",
	domain.IssueWrongVideoTrack:    "replace the video sender track with the current local video",
	domain.IssueStaleVideoSender:   "clear the stale video sender",
	domain.IssueConnectionFailed:   "reconnect the peer session",
	domain.IssueICEFailed:          "retry over a TURN relay",
	domain.IssueSignalingStuck:     "recreate the peer session",
}

// PerformHealthCheck compares every session against the local media state
// and reports what is wrong with each.
func (o *Orchestrator) PerformHealthCheck() *domain.HealthReport {
	now := o.clock.Now()
	expected := o.tracks.Fingerprint()
	videoTrack := o.tracks.CurrentVideoTrack()

	report := &domain.HealthReport{
		Expected:  expected,
		Peers:     make(map[domain.UserID]*domain.PeerHealth),
		Healthy:   true,
		CheckedAt: now,
	}

	for _, s := range o.sessionsSnapshot() {
		ph := o.checkSession(s, expected, videoTrack != nil && videoTrack.Stopped(), now)
		report.Peers[s.UserID] = ph
		if !ph.Healthy {
			report.Healthy = false
		}
	}

	unhealthy := report.UnhealthyPeers()
	if len(unhealthy) > 0 {
		o.logger.Warnw("health check found issues", "peers", len(report.Peers), "unhealthy", unhealthy)
	} else {
		o.logger.Debugw("health check passed", "peers", len(report.Peers))
	}
	o.emit(domain.EventHealthCheckComplete, report)
	return report
}

func (o *Orchestrator) checkSession(s *Session, expected domain.MediaFingerprint, localVideoStopped bool, now time.Time) *domain.PeerHealth {
	ph := &domain.PeerHealth{
		UserID:          s.UserID,
		ConnectionState: domain.ConnectionState(s.pc.ConnectionState().String()),
		ICEState:        domain.ICEConnectionState(s.pc.ICEConnectionState().String()),
		SignalingState:  domain.SignalingState(s.pc.SignalingState().String()),
	}
	add := func(kind domain.IssueKind, format string, args ...any) {
		ph.Issues = append(ph.Issues, domain.HealthIssue{Kind: kind, Detail: fmt.Sprintf(format, args...)})
		ph.Recommendations = append(ph.Recommendations, recommendations[kind])
	}

	if expected.AudioTrackID != "" {
		switch sender := s.audioSender(); {
		case sender == nil || sender.Track() == nil:
			add(domain.IssueMissingAudioSender, "no audio sender")
		case sender.Track().ID() != expected.AudioTrackID:
			add(domain.IssueWrongAudioTrack, "sending %s, expected %s", sender.Track().ID(), expected.AudioTrackID)
		}
	}

	video := s.videoSender()
	var videoTrackID string
	if video != nil && video.Track() != nil {
		videoTrackID = video.Track().ID()
	}
	switch {
	case expected.VideoEnabled && videoTrackID == "":
		add(domain.IssueMissingVideoSender, "no video sender")
	case expected.VideoEnabled && videoTrackID != expected.VideoTrackID:
		add(domain.IssueWrongVideoTrack, "sending %s, expected %s", videoTrackID, expected.VideoTrackID)
	case videoTrackID != "" && (expected.VideoTrackID == "" || localVideoStopped):
		add(domain.IssueStaleVideoSender, "sender still carries %s", videoTrackID)
	}

	if ph.ConnectionState == domain.ConnectionStateFailed {
		add(domain.IssueConnectionFailed, "transport failed")
	}
	if ph.ICEState == domain.ICEStateFailed {
		add(domain.IssueICEFailed, "ICE failed (turn_only=%t)", s.TURNOnly)
	}
	if ph.SignalingState != domain.SignalingStateStable && ph.SignalingState != domain.SignalingStateClosed {
		if stuck := now.Sub(s.SignalingSince()); stuck > o.cfg.StableTimeout {
			add(domain.IssueSignalingStuck, "%s for %s", ph.SignalingState, stuck.Round(time.Millisecond))
		}
	}

	ph.Healthy = len(ph.Issues) == 0
	return ph
}

// PerformAutomaticRecovery applies the remedy for every issue in report.
// Peers are repaired concurrently and independently; a peer whose breaker
// is open is skipped.
func (o *Orchestrator) PerformAutomaticRecovery(ctx context.Context, report *domain.HealthReport) *domain.RecoveryResult {
	result := &domain.RecoveryResult{Failed: make(map[domain.UserID]string)}
	if report == nil {
		return result
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, userID := range sortedKeys(report.Peers) {
		ph := report.Peers[userID]
		if ph.Healthy {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.breakers.Execute(ctx, userID, func(ctx context.Context) error {
				return o.recoverPeer(ctx, ph)
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Succeeded = append(result.Succeeded, userID)
			case errors.Is(err, circuitbreaker.ErrOpen):
				result.Skipped = append(result.Skipped, userID)
			default:
				result.Failed[userID] = err.Error()
			}
		}()
	}
	wg.Wait()

	sortIDs(result.Succeeded)
	sortIDs(result.Skipped)
	o.logger.Infow("automatic recovery complete",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"skipped", len(result.Skipped),
	)
	o.emit(domain.EventAutomaticRecoveryComplete, result)
	return result
}

// recoverPeer runs the remedy for each issue of one peer. Transport issues
// are handled first since they replace the session and its senders.
func (o *Orchestrator) recoverPeer(ctx context.Context, ph *domain.PeerHealth) (err error) {
	ctx, span := tracing.TraceRecovery(ctx, "health", string(ph.UserID), 0)
	defer func() { tracing.End(span, err) }()

	s, ok := o.Session(ph.UserID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, ph.UserID)
	}

	var errs []error
	record := func(kind domain.IssueKind, err error) {
		o.metrics.RecoveryOutcome(kind, err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}

	switch {
	case ph.HasIssue(domain.IssueICEFailed) && s.TURNOnly:
		o.scheduleReconnect(ph.UserID)
		record(domain.IssueICEFailed, nil)
		return nil
	case ph.HasIssue(domain.IssueICEFailed):
		err := o.TURNFallback(ctx, ph.UserID)
		if errors.Is(err, domain.ErrTURNUnavailable) || errors.Is(err, domain.ErrFallbackExhausted) {
			o.scheduleReconnect(ph.UserID)
			err = nil
		}
		record(domain.IssueICEFailed, err)
		return errors.Join(errs...)
	case ph.HasIssue(domain.IssueConnectionFailed):
		o.scheduleReconnect(ph.UserID)
		record(domain.IssueConnectionFailed, nil)
		return nil
	case ph.HasIssue(domain.IssueSignalingStuck):
		record(domain.IssueSignalingStuck, o.restartSession(ctx, ph.UserID))
		return errors.Join(errs...)
	}

	for _, issue := range ph.Issues {
		record(issue.Kind, o.repairSender(ctx, ph.UserID, issue.Kind))
	}
	return errors.Join(errs...)
}

// restartSession replaces a session whose negotiation never completed.
func (o *Orchestrator) restartSession(ctx context.Context, userID domain.UserID) error {
	old, ok := o.Session(userID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, userID)
	}
	s, err := o.replaceSession(old, domain.RoleOfferer, old.TURNOnly, "signaling-stuck")
	if err != nil {
		return err
	}
	return o.sendOffer(ctx, s, "signaling-stuck", false)
}

// repairSender fixes one sender issue inside the track queue.
func (o *Orchestrator) repairSender(ctx context.Context, userID domain.UserID, kind domain.IssueKind) error {
	return o.tracks.Queue(ctx, "repair-"+string(kind), func(ctx context.Context) error {
		s, ok := o.Session(userID)
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, userID)
		}

		switch kind {
		case domain.IssueMissingAudioSender, domain.IssueWrongAudioTrack:
			a := o.tracks.AudioTrack()
			if a == nil {
				return domain.ErrNoLocalMedia
			}
			if sender := s.audioSender(); sender != nil {
				return sender.ReplaceTrack(a)
			}
			if _, err := s.pc.AddTrack(a); err != nil {
				return err
			}
			return o.renegotiate(ctx, s, "repair-audio")

		case domain.IssueMissingVideoSender, domain.IssueWrongVideoTrack:
			v := o.tracks.CurrentVideoTrack()
			if v == nil || v.Stopped() {
				return domain.ErrNoLocalMedia
			}
			return o.ensureVideoSender(ctx, s, v)

		case domain.IssueStaleVideoSender:
			if sender := s.videoSender(); sender != nil {
				return sender.ReplaceTrack(nil)
			}
			return nil
		}
		return nil
	})
}

// StartHealthMonitor runs a health check every interval and, when
// automatic recovery is on, repairs what it finds. It returns when ctx is
// done.
func (o *Orchestrator) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.InChannel() || o.SessionCount() == 0 {
				continue
			}
			report := o.PerformHealthCheck()
			if !report.Healthy && o.cfg.AutoRecovery {
				o.PerformAutomaticRecovery(ctx, report)
			}
		}
	}
}

func sortIDs(ids []domain.UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
