package venue

import (
	"errors"
	"fmt"
)

// Error taxonomy for upstream calls. Transport, RateLimited and ServerFault
// are retryable; BadRequest and Auth are surfaced to the caller as-is.

// ErrNotConfigured indicates the credential set is incomplete for an
// authenticated call.
var ErrNotConfigured = errors.New("venue: credentials not configured")

// APIError is a non-retryable (or retry-exhausted) upstream failure.
type APIError struct {
	Status    int
	Endpoint  string
	Reason    string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue: %s returned %d: %s", e.Endpoint, e.Status, e.Reason)
}

// IsAuthError reports whether err is an upstream 401/403.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 401 || apiErr.Status == 403
	}
	return false
}
