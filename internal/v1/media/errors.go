package media

import (
	"context"
	"errors"
)

// Capture failures. Capturers wrap one of these so callers can classify with errors.Is.
var (
	ErrPermissionDenied = errors.New("screen capture permission denied")
	ErrNotSupported     = errors.New("screen capture not supported")
	ErrNoSource         = errors.New("no capture source selected")
	ErrCancelled        = errors.New("screen capture cancelled")
)

// CaptureErrorMessage returns the text shown to a user for a failed capture.
func CaptureErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Screen sharing permission was denied. Allow access and try again."
	case errors.Is(err, ErrNotSupported):
		return "Screen sharing is not supported for this source."
	case errors.Is(err, ErrNoSource):
		return "No screen or window was selected for sharing."
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "Screen sharing was cancelled."
	default:
		return "Failed to start screen sharing."
	}
}

// FailureReason is the metrics label for a capture error.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case errors.Is(err, ErrNoSource):
		return "no_source"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "unknown"
	}
}
