package webrtc

import (
	"context"
	"fmt"

	"peerlink/internal/core/domain"
	apperrors "peerlink/pkg/errors"

	"github.com/pion/webrtc/v3"
)

// sendOffer creates and sends an offer on s. An ICE restart offer is used
// when recovering a dead transport.
func (o *Orchestrator) sendOffer(ctx context.Context, s *Session, reason string, iceRestart bool) (err error) {
	ctx, end := o.traceNegotiation(ctx, "offer", s.UserID, reason)
	defer func() { end(err) }()

	s.negMu.Lock()
	defer s.negMu.Unlock()

	if s.Closed() {
		return domain.ErrSessionClosed
	}

	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return apperrors.NewNegotiationError(string(s.UserID), fmt.Errorf("create offer: %w", err))
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return apperrors.NewNegotiationError(string(s.UserID), fmt.Errorf("set local offer: %w", err))
	}

	payload := domain.OfferPayload{
		TargetUserID: s.UserID,
		Offer:        domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
	}
	if err := o.signaling.Send(ctx, domain.MsgOffer, payload); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, err)
	}

	o.metrics.OfferSent(reason)
	o.logger.Debugw("offer sent", "peer_id", s.UserID, "reason", reason, "ice_restart", iceRestart)
	return nil
}

// renegotiate waits for a stable signaling state and sends a fresh offer.
func (o *Orchestrator) renegotiate(ctx context.Context, s *Session, reason string) error {
	if err := s.waitForStable(ctx, o.cfg.StableTimeout); err != nil {
		o.logger.Warnw("skipping renegotiation, signaling not stable", "peer_id", s.UserID, "reason", reason, "error", err)
		return err
	}
	return o.sendOffer(ctx, s, reason, false)
}

// handleOffer answers a remote offer, creating an answerer session when
// the peer is new. Offer collisions are resolved by id: the side with the
// greater id yields.
func (o *Orchestrator) handleOffer(ctx context.Context, from domain.UserID, sdp domain.SessionDescription) (err error) {
	ctx, end := o.traceNegotiation(ctx, "answer", from, "remote-offer")
	defer func() { end(err) }()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP}

	s, existed := o.Session(from)
	if !existed {
		if s, err = o.newSessionFor(from, "", domain.RoleAnswerer, false); err != nil {
			return err
		}
		if _, err = o.storeSession(s, "remote-offer"); err != nil {
			return err
		}
		o.emit(domain.EventUserJoined, domain.UserEvent{UserID: from})
	}

	retry, err := o.answerOffer(ctx, s, desc, existed)
	if !retry {
		return err
	}

	// The old transport cannot take this offer; start over with a fresh
	// answerer session.
	o.logger.Warnw("remote offer rejected, recreating session", "peer_id", from, "error", err)
	fresh, err := o.replaceSession(s, domain.RoleAnswerer, s.TURNOnly, "offer-retry")
	if err != nil {
		return err
	}
	_, err = o.answerOffer(ctx, fresh, desc, false)
	return err
}

// answerOffer applies desc and sends the answer. retry is set when the
// remote description was rejected and canRetry allows another session.
func (o *Orchestrator) answerOffer(ctx context.Context, s *Session, desc webrtc.SessionDescription, canRetry bool) (retry bool, err error) {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	if s.Closed() {
		return false, domain.ErrSessionClosed
	}

	if s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !o.isPolite(s.UserID) {
			o.logger.Infow("ignoring colliding offer", "peer_id", s.UserID)
			return false, nil
		}
		o.logger.Infow("rolling back local offer for colliding remote offer", "peer_id", s.UserID)
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return false, apperrors.NewNegotiationError(string(s.UserID), fmt.Errorf("rollback: %w", err))
		}
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return canRetry, apperrors.NewNegotiationError(string(s.UserID), fmt.Errorf("set remote offer: %w", err))
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return false, apperrors.NewNegotiationError(string(s.UserID), fmt.Errorf("create answer: %w", err))
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return false, apperrors.NewNegotiationError(string(s.UserID), fmt.Errorf("set local answer: %w", err))
	}

	payload := domain.AnswerPayload{
		TargetUserID: s.UserID,
		Answer:       domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
	}
	if err := o.signaling.Send(ctx, domain.MsgAnswer, payload); err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, err)
	}
	o.metrics.AnswerSent()

	o.flush(s)
	return false, nil
}

func (o *Orchestrator) handleAnswer(ctx context.Context, from domain.UserID, sdp domain.SessionDescription) (err error) {
	_, end := o.traceNegotiation(ctx, "apply-answer", from, "remote-answer")
	defer func() { end(err) }()

	s, ok := o.Session(from)
	if !ok {
		o.logger.Warnw("dropping answer for unknown peer", "peer_id", from)
		return nil
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	if st := s.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		o.logger.Warnw("dropping answer in unexpected signaling state", "peer_id", from, "state", st.String())
		return nil
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP}); err != nil {
		return apperrors.NewNegotiationError(string(from), fmt.Errorf("set remote answer: %w", err))
	}

	o.flush(s)
	return nil
}

func (o *Orchestrator) flush(s *Session) {
	applied, errs := s.flushCandidates()
	for _, err := range errs {
		o.logger.Warnw("failed to apply buffered ICE candidate", "peer_id", s.UserID, "error", err)
	}
	if applied > 0 {
		o.logger.Debugw("applied buffered ICE candidates", "peer_id", s.UserID, "count", applied)
	}
}

// isPolite reports whether this side yields when both peers offer at once.
func (o *Orchestrator) isPolite(remote domain.UserID) bool {
	return o.cfg.SelfID > remote
}
