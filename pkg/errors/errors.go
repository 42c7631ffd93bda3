package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure surfaced to the UI or over HTTP.
type ErrorCode string

const (
	// Media acquisition.
	ErrCodePermissionDenied ErrorCode = "MEDIA_PERMISSION_DENIED"
	ErrCodeDeviceNotFound   ErrorCode = "MEDIA_DEVICE_NOT_FOUND"
	ErrCodeDeviceBusy       ErrorCode = "MEDIA_DEVICE_BUSY"
	ErrCodeOverconstrained  ErrorCode = "MEDIA_OVERCONSTRAINED"
	ErrCodeMediaUnavailable ErrorCode = "MEDIA_UNAVAILABLE"

	// Signaling and negotiation.
	ErrCodeNegotiationFailed  ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeSignalingNotStable ErrorCode = "SIGNALING_NOT_STABLE"
	ErrCodeSignalingTimeout   ErrorCode = "SIGNALING_TIMEOUT"

	// Transport.
	ErrCodeTransportFailed ErrorCode = "TRANSPORT_FAILED"

	// Post-condition checks after a track mutation.
	ErrCodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"

	// Relay HTTP surface.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// Severity tells the presentation layer how loudly to report a failure.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// AppError is an error with a code, a severity and optional user guidance.
type AppError struct {
	Code       ErrorCode
	Message    string
	Severity   Severity
	Guidance   string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds a key to the error context and returns the error.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithGuidance(guidance string) *AppError {
	e.Guidance = guidance
	return e
}

func (e *AppError) WithSeverity(severity Severity) *AppError {
	e.Severity = severity
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Severity:   defaultSeverity(code),
		HTTPStatus: defaultStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

func defaultSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeSignalingNotStable, ErrCodeVerificationFailed, ErrCodeNegotiationFailed:
		return SeverityWarning
	default:
		return SeverityError
	}
}

func defaultStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodePermissionDenied:
		return http.StatusForbidden
	case ErrCodeDeviceNotFound, ErrCodeDeviceBusy, ErrCodeOverconstrained, ErrCodeMediaUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeSignalingTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func NewMediaError(code ErrorCode, cause error) *AppError {
	return Wrap(cause, code, "media acquisition failed").WithGuidance(MediaGuidance(code))
}

func NewNegotiationError(peer string, cause error) *AppError {
	return Wrap(cause, ErrCodeNegotiationFailed, "negotiation failed").WithContext("peer", peer)
}

func NewVerificationError(peers []string) *AppError {
	return New(ErrCodeVerificationFailed, "sender verification failed").WithContext("peers", peers)
}

func NewUnauthorizedError(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func NewRateLimitError() *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

var mediaGuidance = map[ErrorCode]string{
	ErrCodePermissionDenied: "Allow camera and microphone access for this application, then try again.",
	ErrCodeDeviceNotFound:   "No matching capture device was found. Connect a camera or microphone and try again.",
	ErrCodeDeviceBusy:       "The device is in use by another application. Close it and try again.",
	ErrCodeOverconstrained:  "The device cannot satisfy the requested resolution. Try a lower quality setting.",
	ErrCodeMediaUnavailable: "Media capture is not available right now.",
}

// MediaGuidance returns the user-facing hint for a media error code.
func MediaGuidance(code ErrorCode) string {
	return mediaGuidance[code]
}

// GetAppError extracts the first AppError in err's chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// CodeOf returns the code of the first AppError in the chain, or the
// internal code when there is none.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
