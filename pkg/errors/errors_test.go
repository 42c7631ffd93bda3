package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrCodeInvalidInput, "bad payload")
	expected := "INVALID_INPUT: bad payload"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	cause := errors.New("device busy")
	err := Wrap(cause, ErrCodeDeviceBusy, "camera unavailable")

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should find the cause")
	}
	if !strings.Contains(err.Error(), "device busy") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeNegotiationFailed, "offer failed")
	err.WithContext("peer", "u1").WithContext("attempt", 2)

	if err.Context["peer"] != "u1" {
		t.Errorf("Context[peer] = %v, want u1", err.Context["peer"])
	}
	if err.Context["attempt"] != 2 {
		t.Errorf("Context[attempt] = %v, want 2", err.Context["attempt"])
	}
}

func TestDefaults(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		severity Severity
		status   int
	}{
		{ErrCodePermissionDenied, SeverityError, http.StatusForbidden},
		{ErrCodeDeviceBusy, SeverityError, http.StatusServiceUnavailable},
		{ErrCodeConflict, SeverityError, http.StatusConflict},
		{ErrCodeVerificationFailed, SeverityWarning, http.StatusInternalServerError},
		{ErrCodeSignalingNotStable, SeverityWarning, http.StatusInternalServerError},
		{ErrCodeUnauthorized, SeverityError, http.StatusUnauthorized},
		{ErrCodeRateLimit, SeverityError, http.StatusTooManyRequests},
		{ErrCodeInvalidInput, SeverityError, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "x")
			if err.Severity != tt.severity {
				t.Errorf("Severity = %v, want %v", err.Severity, tt.severity)
			}
			if err.HTTPStatus != tt.status {
				t.Errorf("HTTPStatus = %v, want %v", err.HTTPStatus, tt.status)
			}
		})
	}
}

func TestNewMediaError_Guidance(t *testing.T) {
	for _, code := range []ErrorCode{ErrCodePermissionDenied, ErrCodeDeviceNotFound, ErrCodeDeviceBusy, ErrCodeOverconstrained} {
		err := NewMediaError(code, errors.New("boom"))
		if err.Guidance == "" {
			t.Errorf("expected guidance for %s", code)
		}
	}
}

func TestGetAppError(t *testing.T) {
	appErr := New(ErrCodeTransportFailed, "ice failed")
	wrapped := fmt.Errorf("reconnect: %w", appErr)

	if GetAppError(wrapped) != appErr {
		t.Error("GetAppError() should unwrap to the AppError")
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Error("GetAppError() should return nil for a plain error")
	}
	if GetAppError(nil) != nil {
		t.Error("GetAppError(nil) should return nil")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(fmt.Errorf("x: %w", New(ErrCodeDeviceBusy, "busy"))) != ErrCodeDeviceBusy {
		t.Error("CodeOf should return the wrapped code")
	}
	if CodeOf(errors.New("plain")) != ErrCodeInternal {
		t.Error("CodeOf should default to internal")
	}
}
