package sandbox

import "errors"

// Sentinel errors returned by Adapter implementations. Callers classify them
// with Classify rather than comparing against a specific adapter's error
// values, so the broker's error taxonomy (§7) stays adapter-agnostic.
var (
	// ErrNotFound indicates no live session exists for the given handle.
	ErrNotFound = errors.New("sandbox: session not found")

	// ErrAlreadyExists indicates CreateInteractive was called twice for the
	// same session ID without an intervening Remove.
	ErrAlreadyExists = errors.New("sandbox: session already exists")

	// ErrUnavailable indicates the backing infrastructure (daemon, cluster,
	// API) could not be reached. Distinct from ImageMissing/Permission:
	// this is a transient, retryable condition and drives the Health Gate's
	// backoff.
	ErrUnavailable = errors.New("sandbox: backend unavailable")

	// ErrPermissionDenied indicates the adapter was denied access to a
	// resource it needs (socket permissions, registry auth, RBAC).
	ErrPermissionDenied = errors.New("sandbox: permission denied")

	// ErrImageMissing indicates the configured image for a language could
	// not be found or pulled.
	ErrImageMissing = errors.New("sandbox: image missing")

	// ErrTimeout indicates an adapter operation exceeded its deadline.
	ErrTimeout = errors.New("sandbox: operation timed out")

	// ErrInternal is the catch-all for adapter failures that don't fit a
	// more specific category.
	ErrInternal = errors.New("sandbox: internal error")
)

// Kind is the broker's error taxonomy (§7), independent of any one
// adapter's error types.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindPermission  Kind = "permission"
	KindImageMissing Kind = "image_missing"
	KindTimeout     Kind = "timeout"
	KindInternal    Kind = "internal"
)

// Classify maps any error returned by an Adapter onto the broker's taxonomy.
// Errors that don't wrap one of this package's sentinels classify as
// KindInternal, which is the conservative (non-retryable, alert-worthy)
// choice.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return KindPermission
	case errors.Is(err, ErrImageMissing):
		return KindImageMissing
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindInternal
	}
}
