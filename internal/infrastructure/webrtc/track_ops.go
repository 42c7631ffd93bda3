package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	apperrors "peerlink/pkg/errors"

	"github.com/pion/webrtc/v3"
)

// peerFailures collects per-peer errors from work fanned out across every
// session. One peer failing never stops the others.
type peerFailures map[domain.UserID]error

func (f peerFailures) Peers() []domain.UserID { return sortedKeys(f) }

func (f peerFailures) Error() string {
	parts := make([]string, 0, len(f))
	for _, id := range f.Peers() {
		parts = append(parts, fmt.Sprintf("%s: %v", id, f[id]))
	}
	return fmt.Sprintf("%d peer(s) failed: %s", len(f), strings.Join(parts, "; "))
}

func (f peerFailures) orNil() error {
	if len(f) == 0 {
		return nil
	}
	return f
}

// ToggleMute flips the local audio track. The new state is announced to
// the channel.
func (o *Orchestrator) ToggleMute(ctx context.Context) bool {
	var muted bool
	ok := o.runTrackOp(ctx, "toggle-mute", false, func(ctx context.Context) error {
		a := o.tracks.AudioTrack()
		if a == nil {
			return domain.ErrNoLocalMedia
		}
		a.SetEnabled(!a.Enabled())
		muted = !a.Enabled()
		return nil
	})
	if !ok {
		return false
	}

	payload := domain.MuteStatusPayload{ChannelID: o.ChannelID(), IsMuted: muted}
	if err := o.signaling.Send(ctx, domain.MsgMuteStatus, payload); err != nil {
		o.logger.Warnw("failed to announce mute status", "error", err)
	}
	o.emit(domain.EventMuteStatusChanged, domain.MuteStatusEvent{UserID: o.cfg.SelfID, IsMuted: muted, Local: true})
	o.logger.Infow("mute toggled", "muted", muted)
	return true
}

// ToggleVideo turns the camera on or off. While sharing the screen it
// turns video off entirely.
func (o *Orchestrator) ToggleVideo(ctx context.Context) bool {
	ok := o.runTrackOp(ctx, "toggle-video", true, func(ctx context.Context) error {
		st := o.tracks.CurrentTrackState()
		switch {
		case st.Kind == domain.TrackKindScreen:
			err := o.disableVideo(ctx)
			o.cameraBeforeShare = false
			o.emit(domain.EventScreenShareStopped, domain.ScreenShareEvent{})
			return err

		case st.Kind == domain.TrackKindCamera && st.Active:
			cam := o.tracks.CurrentVideoTrack()
			cam.SetEnabled(false)
			return o.tracks.UpdateTrackState(ctx, domain.TrackKindCamera, cam, false)

		case st.Kind == domain.TrackKindCamera:
			cam := o.tracks.CurrentVideoTrack()
			cam.SetEnabled(true)
			if err := o.tracks.UpdateTrackState(ctx, domain.TrackKindCamera, cam, true); err != nil {
				return err
			}
			o.reportPartial("toggle-video", o.ensureAcrossPeers(ctx, cam))
			return nil

		default:
			cam, err := o.acquireCamera(ctx)
			if err != nil {
				return err
			}
			if err := o.tracks.UpdateTrackState(ctx, domain.TrackKindCamera, cam, true); err != nil {
				cam.Stop()
				return err
			}
			o.reportPartial("toggle-video", o.ensureAcrossPeers(ctx, cam))
			return nil
		}
	})
	if !ok {
		return false
	}
	o.announceVideoState(ctx)
	return true
}

// StartScreenShare replaces the video on every session with a display
// capture. If any peer cannot take it, every peer goes back to the
// previous track and the call returns false.
func (o *Orchestrator) StartScreenShare(ctx context.Context) bool {
	ok := o.runTrackOp(ctx, "start-screen-share", true, func(ctx context.Context) error {
		if o.tracks.CurrentTrackType() == domain.TrackKindScreen {
			return nil
		}

		screen, err := o.media.GetDisplayMedia(ctx)
		if err != nil {
			return err
		}

		prevState := o.tracks.CurrentTrackState()
		prev := o.tracks.CurrentVideoTrack()

		if failures := o.ensureAcrossPeers(ctx, screen); len(failures) > 0 {
			o.logger.Warnw("screen share rejected by some peers, restoring previous video",
				"peers", failures.Peers(),
				"error", failures,
			)
			o.restoreVideo(ctx, prev, prevState)
			screen.Stop()
			return failures
		}

		o.cameraBeforeShare = prevState.Kind == domain.TrackKindCamera && prevState.Active
		if prev != nil {
			prev.Stop()
		}
		if err := o.tracks.UpdateTrackState(ctx, domain.TrackKindScreen, screen, true); err != nil {
			return err
		}

		screenID := screen.ID()
		screen.OnEnded(func() {
			o.logger.Infow("screen capture ended by the source", "track_id", screenID)
			o.goBackground(func(ctx context.Context) { o.stopScreenShare(ctx, screenID) })
		})
		o.emit(domain.EventScreenShareStarted, domain.ScreenShareEvent{TrackID: screen.ID()})
		return nil
	})
	if !ok {
		return false
	}
	o.announceVideoState(ctx)
	return true
}

// StopScreenShare goes back to the camera if it was live before sharing,
// otherwise turns video off.
func (o *Orchestrator) StopScreenShare(ctx context.Context) bool {
	return o.stopScreenShare(ctx, "")
}

// stopScreenShare stops the current share. A non-empty trackID limits it to
// that capture, so a share that ended late leaves a newer one running.
func (o *Orchestrator) stopScreenShare(ctx context.Context, trackID string) bool {
	ok := o.runTrackOp(ctx, "stop-screen-share", true, func(ctx context.Context) error {
		if o.tracks.CurrentTrackType() != domain.TrackKindScreen {
			return nil
		}
		if current := o.tracks.CurrentVideoTrack(); trackID != "" && (current == nil || current.ID() != trackID) {
			o.logger.Debugw("ended capture is no longer shared", "track_id", trackID)
			return nil
		}
		defer func() { o.cameraBeforeShare = false }()

		screen := o.tracks.CurrentVideoTrack()

		if o.cameraBeforeShare {
			cam, err := o.acquireCamera(ctx)
			if err != nil {
				o.logger.Warnw("camera unavailable after screen share, disabling video", "error", err)
				o.emitVideoError(err, "stop-screen-share", nil)
			} else {
				failures := o.ensureAcrossPeers(ctx, cam)
				if len(failures) == 0 {
					screen.Stop()
					if err := o.tracks.UpdateTrackState(ctx, domain.TrackKindCamera, cam, true); err != nil {
						return err
					}
					o.emit(domain.EventScreenShareStopped, domain.ScreenShareEvent{})
					return nil
				}
				o.logger.Warnw("camera rejected by some peers, disabling video", "peers", failures.Peers())
				o.reportPartial("stop-screen-share", failures)
				defer cam.Stop()
			}
		}

		err := o.disableVideo(ctx)
		o.emit(domain.EventScreenShareStopped, domain.ScreenShareEvent{})
		return err
	})
	if !ok {
		return false
	}
	o.announceVideoState(ctx)
	return true
}

// runTrackOp serializes fn on the track queue. Video operations also check
// that the local audio track came through unchanged. Failures are emitted
// as video-error events.
func (o *Orchestrator) runTrackOp(ctx context.Context, label string, guardAudio bool, fn func(ctx context.Context) error) bool {
	err := o.tracks.Queue(ctx, label, func(ctx context.Context) error {
		if o.tracks.LocalStream() == nil {
			return domain.ErrNoLocalMedia
		}
		if !guardAudio {
			return fn(ctx)
		}
		guard := o.tracks.AudioGuard()
		err := fn(ctx)
		o.checkAudioGuard(label, guard)
		return err
	})
	if err != nil {
		o.logger.Warnw("track operation failed", "op", label, "error", err)
		var pf peerFailures
		var peers []domain.UserID
		if errors.As(err, &pf) {
			peers = pf.Peers()
		}
		o.emitVideoError(err, label, peers)
		return false
	}
	return true
}

// checkAudioGuard repairs the audio track when a video operation changed
// its enabled flag or a sender lost it.
func (o *Orchestrator) checkAudioGuard(label string, guard domain.AudioGuard) {
	if !guard.Present {
		return
	}
	a := o.tracks.AudioTrack()
	if a == nil || a.ID() != guard.TrackID {
		o.logger.Errorw("local audio track replaced during video operation", "op", label, "expected", guard.TrackID)
		return
	}
	if a.Enabled() != guard.Enabled {
		o.logger.Errorw("audio enabled flag changed during video operation, restoring",
			"op", label,
			"expected", guard.Enabled,
		)
		a.SetEnabled(guard.Enabled)
	}

	for _, s := range o.sessionsSnapshot() {
		sender := s.audioSender()
		if sender == nil {
			continue
		}
		if t := sender.Track(); t != nil && t.ID() == guard.TrackID {
			continue
		}
		o.logger.Errorw("audio sender lost the local track, restoring", "op", label, "peer_id", s.UserID)
		if err := sender.ReplaceTrack(a); err != nil {
			o.logger.Errorw("failed to restore audio sender", "peer_id", s.UserID, "error", err)
		}
	}
}

func (o *Orchestrator) acquireCamera(ctx context.Context) (ports.LocalTrack, error) {
	stream, err := o.media.GetUserMedia(ctx, ports.MediaConstraints{
		Video:  true,
		Width:  o.cfg.VideoWidth,
		Height: o.cfg.VideoHeight,
	})
	if err != nil {
		return nil, err
	}
	if stream == nil || stream.Video == nil {
		return nil, apperrors.NewMediaError(apperrors.ErrCodeDeviceNotFound, domain.ErrNoLocalMedia)
	}
	return stream.Video, nil
}

// ensureAcrossPeers puts track on the video sender of every session.
func (o *Orchestrator) ensureAcrossPeers(ctx context.Context, track ports.LocalTrack) peerFailures {
	failures := peerFailures{}
	for _, s := range o.sessionsSnapshot() {
		if err := o.ensureVideoSender(ctx, s, track); err != nil {
			o.logger.Warnw("failed to update video sender", "peer_id", s.UserID, "track_id", track.ID(), "error", err)
			failures[s.UserID] = err
		}
	}
	return failures
}

// ensureVideoSender replaces the track on an existing video sender or adds
// one and renegotiates. The result is verified and, if still missing,
// repaired with one remedial renegotiation.
func (o *Orchestrator) ensureVideoSender(ctx context.Context, s *Session, track ports.LocalTrack) error {
	if sender := s.videoSender(); sender != nil {
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace track: %w", err)
		}
	} else {
		if _, err := s.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
		if err := o.renegotiate(ctx, s, "add-video"); err != nil {
			return err
		}
	}
	if s.hasSenderWithTrack(track.ID()) {
		return nil
	}

	o.logger.Warnw("video sender not verified, renegotiating", "peer_id", s.UserID, "track_id", track.ID())
	if err := o.renegotiate(ctx, s, "remedial"); err != nil {
		return err
	}
	if s.hasSenderWithTrack(track.ID()) {
		return nil
	}
	return fmt.Errorf("%w: no sender carries %s", domain.ErrSenderVerification, track.ID())
}

// restoreVideo puts prev back on every session after a failed swap. If
// that fails too, video is disabled.
func (o *Orchestrator) restoreVideo(ctx context.Context, prev ports.LocalTrack, prevState domain.TrackState) {
	if prev == nil || prev.Stopped() {
		if err := o.clearVideoSenders(); err != nil {
			o.logger.Errorw("failed to clear video senders", "error", err)
		}
		return
	}

	failures := o.ensureAcrossPeers(ctx, prev)
	if len(failures) == 0 {
		o.logger.Infow("previous video restored", "kind", prevState.Kind, "track_id", prev.ID())
		return
	}

	o.logger.Errorw("failed to restore previous video, disabling", "peers", failures.Peers())
	if err := o.disableVideo(ctx); err != nil {
		o.logger.Errorw("failed to disable video", "error", err)
	}
	o.emitVideoError(failures, "restore-video", failures.Peers())
}

// disableVideo removes the local video track from every sender and then
// stops it.
func (o *Orchestrator) disableVideo(ctx context.Context) error {
	clearErr := o.clearVideoSenders()
	if v := o.tracks.CurrentVideoTrack(); v != nil {
		v.Stop()
	}
	if err := o.tracks.UpdateTrackState(ctx, domain.TrackKindNone, nil, false); err != nil {
		return err
	}
	return clearErr
}

func (o *Orchestrator) clearVideoSenders() error {
	failures := peerFailures{}
	for _, s := range o.sessionsSnapshot() {
		if err := clearVideoSender(s); err != nil {
			failures[s.UserID] = err
		}
	}
	return failures.orNil()
}

func clearVideoSender(s *Session) error {
	for _, sender := range s.pc.Senders() {
		if sender.Kind() != webrtc.RTPCodecTypeVideo || sender.Track() == nil {
			continue
		}
		if err := sender.ReplaceTrack(nil); err != nil {
			return err
		}
	}
	return nil
}

// reportPartial emits a warning naming the peers an operation could not
// reach. The operation itself still counts as done.
func (o *Orchestrator) reportPartial(action string, failures peerFailures) {
	if len(failures) == 0 {
		return
	}
	o.emit(domain.EventVideoError, domain.VideoErrorEvent{
		Error:    failures.Error(),
		Code:     string(apperrors.ErrCodeVerificationFailed),
		Severity: string(apperrors.SeverityWarning),
		Action:   action,
		Peers:    failures.Peers(),
	})
}

func (o *Orchestrator) emitVideoError(err error, action string, peers []domain.UserID) {
	ev := domain.VideoErrorEvent{
		Error:    err.Error(),
		Severity: string(apperrors.SeverityError),
		Action:   action,
		Peers:    peers,
	}

	var pf peerFailures
	appErr := apperrors.GetAppError(err)
	switch {
	case appErr != nil:
		ev.Code = string(appErr.Code)
		ev.Severity = string(appErr.Severity)
		ev.Guidance = appErr.Guidance
	case errors.As(err, &pf):
		ev.Code = string(apperrors.ErrCodeVerificationFailed)
		ev.Severity = string(apperrors.SeverityWarning)
	case errors.Is(err, domain.ErrSignalingNotStable):
		ev.Code = string(apperrors.ErrCodeSignalingNotStable)
		ev.Severity = string(apperrors.SeverityWarning)
	case errors.Is(err, domain.ErrNoLocalMedia):
		ev.Code = string(apperrors.ErrCodeMediaUnavailable)
		ev.Guidance = apperrors.MediaGuidance(apperrors.ErrCodeMediaUnavailable)
	}
	if len(ev.Peers) > 0 {
		sort.Slice(ev.Peers, func(i, j int) bool { return ev.Peers[i] < ev.Peers[j] })
	}
	o.emit(domain.EventVideoError, ev)
}

func (o *Orchestrator) announceVideoState(ctx context.Context) {
	st := o.tracks.CurrentTrackState()
	enabled := st.Kind != domain.TrackKindNone && st.Active

	payload := domain.VideoStatusPayload{ChannelID: o.ChannelID(), IsVideoEnabled: enabled}
	if err := o.signaling.Send(ctx, domain.MsgVideoStatus, payload); err != nil {
		o.logger.Warnw("failed to announce video status", "error", err)
	}
	o.emit(domain.EventVideoStateChange, domain.VideoStateEvent{IsEnabled: enabled, Type: st.Kind})
}
