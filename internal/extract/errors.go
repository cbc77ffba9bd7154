package extract

import (
	"errors"
	"net"
	"strings"
)

// Batch-level failure kinds. Callers branch with errors.Is; the wrapped
// text carries symbol and attempt detail.
var (
	// ErrNetwork marks transport failures, both exhausted retries and
	// non-retryable HTTP statuses.
	ErrNetwork = errors.New("provider network failure")
	// ErrParse marks a malformed payload, including a missing header column.
	ErrParse = errors.New("provider payload malformed")
	// ErrEmpty marks a well-formed response carrying no data at all.
	// Callers treat it as "nothing to load", not as a failure.
	ErrEmpty = errors.New("provider returned no data")
)

// transientPatterns are error-text fragments that indicate a retryable
// transport condition when no typed check matches.
var transientPatterns = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"temporary failure",
	"unexpected eof",
	"broken pipe",
}

// isTransient reports whether err is worth retrying with backoff.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// isTransientStatus reports whether an HTTP status justifies a retry.
func isTransientStatus(code int) bool {
	return code == 429 || code >= 500
}
