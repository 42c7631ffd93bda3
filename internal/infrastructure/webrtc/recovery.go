package webrtc

import (
	"context"
	"errors"
	"fmt"

	"peerlink/internal/core/domain"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"

	"github.com/pion/webrtc/v3"
)

// scheduleReconnect starts the backoff schedule for userID in the
// background. A schedule already running for the peer is left alone.
func (o *Orchestrator) scheduleReconnect(userID domain.UserID) {
	o.goBackground(func(ctx context.Context) {
		err := o.reconnect.AttemptReconnection(ctx, userID)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrReconnectionInProgress):
			o.logger.Debugw("reconnection already running", "peer_id", userID)
		case errors.Is(err, domain.ErrMaxReconnectionAttempts):
			o.logger.Errorw("giving up on peer", "peer_id", userID, "error", err)
			o.emit(domain.EventReconnectionFailed, domain.ReconnectionFailedEvent{UserID: userID, Reason: err.Error()})
			if o.removePeer(userID, "reconnection-failed") {
				o.emit(domain.EventUserLeft, domain.UserEvent{UserID: userID})
			}
		case errors.Is(err, domain.ErrReconnectionCancelled):
			o.logger.Debugw("reconnection cancelled", "peer_id", userID)
		default:
			o.logger.Warnw("reconnection not started", "peer_id", userID, "error", err)
		}
	})
}

// recoverSession is the reconnection callback: it replaces the transport
// for userID, restarts ICE and waits for the new session to connect.
func (o *Orchestrator) recoverSession(ctx context.Context, userID domain.UserID, attempt int) (err error) {
	ctx, span := tracing.TraceRecovery(ctx, "reconnect", string(userID), attempt)
	defer func() {
		tracing.End(span, err)
		o.metrics.ReconnectionOutcome(err == nil)
	}()

	o.metrics.ReconnectionAttempt(attempt)

	old, ok := o.Session(userID)
	if !ok {
		o.reconnect.CancelReconnection(userID)
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, userID)
	}
	o.emit(domain.EventReconnecting, domain.ReconnectingEvent{
		UserID:      userID,
		Attempt:     attempt,
		MaxAttempts: o.reconnect.MaxAttempts(),
	})
	if old.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		o.logger.Infow("peer already connected, nothing to recover", "peer_id", userID)
		return nil
	}

	// The ICE-restart offer travels over signaling.
	if !retry.Poll(ctx, stablePollInterval, o.cfg.SignalingWaitTimeout, o.signaling.IsConnected) {
		return fmt.Errorf("%w: not back within %s", domain.ErrSignalingUnavailable, o.cfg.SignalingWaitTimeout)
	}

	settled := retry.Poll(ctx, stablePollInterval, o.cfg.StableTimeout, func() bool {
		return old.Closed() || old.pc.SignalingState() == webrtc.SignalingStateStable
	})
	if !settled {
		o.logger.Warnw("old session not stable before reconnection", "peer_id", userID, "state", old.pc.SignalingState().String())
	}

	expected := o.tracks.Fingerprint()
	s, err := o.replaceSession(old, domain.RoleOfferer, old.TURNOnly, "reconnect")
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPeerNotFound):
			// Left while we waited.
			o.reconnect.CancelReconnection(userID)
		case errors.Is(err, domain.ErrSessionReplaced):
			o.logger.Infow("session replaced during reconnection", "peer_id", userID)
		}
		return err
	}
	if err := o.sendOffer(ctx, s, "reconnect", true); err != nil {
		return err
	}
	if err := s.waitConnected(ctx, o.cfg.ConnectTimeout); err != nil {
		return err
	}

	o.checkDrift(userID, expected, s.Fingerprint(o.tracks.CurrentTrackType()))
	o.emit(domain.EventReconnected, domain.ReconnectedEvent{UserID: userID, Attempt: attempt})
	return nil
}

// TURNFallback replaces the session for userID with a relay-only one.
// It is used when ICE fails with direct candidates.
func (o *Orchestrator) TURNFallback(ctx context.Context, userID domain.UserID) (err error) {
	if !o.factory.TURNAvailable() {
		o.logger.Warnw("ICE failed and no TURN server is configured", "peer_id", userID)
		return domain.ErrTURNUnavailable
	}

	s, ok := o.Session(userID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, userID)
	}
	if s.TURNOnly {
		return nil
	}

	o.mu.Lock()
	used := o.fallbacks[userID]
	if used >= o.cfg.MaxTURNFallbacks {
		o.mu.Unlock()
		return fmt.Errorf("%w for peer %s (%d/%d)", domain.ErrFallbackExhausted, userID, used, o.cfg.MaxTURNFallbacks)
	}
	o.fallbacks[userID] = used + 1
	o.mu.Unlock()

	ctx, span := tracing.TraceRecovery(ctx, "turn-fallback", string(userID), used+1)
	defer func() {
		tracing.End(span, err)
		o.metrics.TURNFallback(err == nil)
	}()

	o.logger.Infow("falling back to TURN relay", "peer_id", userID, "fallback", used+1)

	// The relay session supersedes any pending retry on the old transport.
	o.reconnect.CancelReconnection(userID)

	expected := o.tracks.Fingerprint()
	fresh, err := o.replaceSession(s, domain.RoleOfferer, true, "turn-fallback")
	if err != nil {
		return err
	}

	if err := o.sendOffer(ctx, fresh, "turn-fallback", true); err != nil {
		return err
	}
	o.checkDrift(userID, expected, fresh.Fingerprint(o.tracks.CurrentTrackType()))
	return nil
}

// FallbacksUsed is how many relay fallbacks userID has consumed.
func (o *Orchestrator) FallbacksUsed(userID domain.UserID) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fallbacks[userID]
}

// checkDrift compares what every session should send with what s sends
// after a transport replacement.
func (o *Orchestrator) checkDrift(userID domain.UserID, expected, actual domain.MediaFingerprint) {
	fields := expected.Drift(actual)
	if len(fields) == 0 {
		return
	}
	o.logger.Warnw("media state drifted across recovery",
		"peer_id", userID,
		"fields", fields,
		"expected", expected,
		"actual", actual,
	)
	o.emit(domain.EventMediaStateDrift, domain.MediaStateDriftEvent{
		UserID: userID,
		Before: expected,
		After:  actual,
		Fields: fields,
	})
}
