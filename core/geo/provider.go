package geo

import (
	"context"
	"errors"
	"time"
)

// Provider acquisition failure kinds. Callers branch on these: permission
// denial routes to a permission prompt, the transient kinds to a retry.
var (
	ErrUnsupported      = errors.New("geolocation is not supported on this device")
	ErrPermissionDenied = errors.New("geolocation permission denied")
	ErrUnavailable      = errors.New("geolocation position unavailable")
	ErrTimedOut         = errors.New("geolocation timed out")
)

// ErrorKind labels a provider failure for logs and display.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrTimedOut):
		return "timed_out"
	default:
		return "error"
	}
}

// Provider is any source of device location fixes.
//
// Acquire returns a fresh fix, never a cached one; verification
// correctness depends on currentness. A single call never retries
// internally so that repeated calls stay observable in isolation; the
// ctx timeout is the only cancellation mechanism.
type Provider interface {
	Acquire(ctx context.Context, timeout time.Duration, highAccuracy bool) (Sample, error)
}
