package domain

import "errors"

// Error kinds surfaced by the core. Components return these wrapped with
// context via fmt.Errorf("...: %w", err); callers match with errors.Is.
var (
	// ErrNotFound means the identifier does not resolve in the chosen
	// provider.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied means the upstream rejected our credentials.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnsupportedSourceFormat means the detector recognized no reader.
	ErrUnsupportedSourceFormat = errors.New("unsupported source format")

	// ErrUnsupportedOutputFormat means the operation list requests an
	// encoding with no writer.
	ErrUnsupportedOutputFormat = errors.New("unsupported output format")

	// ErrInvalidRequest means operation-list normalization failed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUpstreamUnavailable is a transient source I/O failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrTimeout means a stage exceeded its budget.
	ErrTimeout = errors.New("timeout")

	// ErrInternal is any other fault, including delegate failure.
	ErrInternal = errors.New("internal error")
)
