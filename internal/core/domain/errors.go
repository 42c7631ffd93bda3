package domain

import "errors"

var (
	ErrPeerNotFound            = errors.New("peer not found")
	ErrSessionClosed           = errors.New("session closed")
	ErrSessionReplaced         = errors.New("session already replaced")
	ErrNotInChannel            = errors.New("not in a channel")
	ErrAlreadyInChannel        = errors.New("already in a channel")
	ErrNoLocalMedia            = errors.New("no local media")
	ErrSignalingNotStable      = errors.New("signaling state did not reach stable")
	ErrSignalingUnavailable    = errors.New("signaling channel unavailable")
	ErrConnectTimeout          = errors.New("peer connection did not reach connected")
	ErrSenderVerification      = errors.New("sender verification failed")
	ErrReconnectionInProgress  = errors.New("reconnection already scheduled")
	ErrMaxReconnectionAttempts = errors.New("maximum reconnection attempts reached")
	ErrReconnectionCancelled   = errors.New("reconnection cancelled")
	ErrNoReconnectionCallback  = errors.New("no reconnection callback installed")
	ErrTURNUnavailable         = errors.New("no TURN server configured")
	ErrFallbackExhausted       = errors.New("TURN fallback attempts exhausted")
	ErrQueueClosed             = errors.New("track queue closed")

	// Relay side.
	ErrUnauthenticated = errors.New("missing or invalid token")
	ErrTargetOffline   = errors.New("target user not connected")
	ErrMissingTarget   = errors.New("targetUserId is required")
	ErrMissingChannel  = errors.New("channelId is required")
)
