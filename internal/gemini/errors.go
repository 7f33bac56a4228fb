package gemini

import "strings"

// retryableMarkers are message fragments that indicate a transient failure
// worth retrying. Matched case-sensitively where the upstream service uses
// fixed casing (gRPC status names, errno strings), lowercased otherwise.
var retryableMarkers = []string{
	"rate limit",
	"overloaded",
	"unavailable",
	"resource_exhausted",
	"resource has been exhausted",
	"deadline_exceeded",
	"deadline exceeded",
	"fetch failed",
	"econnreset",
	"etimedout",
	"timeout",
	"timed out",
	"connection reset",
}

// retryableStatus are HTTP status codes that indicate a transient failure.
var retryableStatus = []string{"429", "500", "502", "503", "504"}

// IsRetryable reports whether err looks transient: rate limiting, service
// overload, timeouts, or connection resets. Anything else propagates
// immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryableMessage(err.Error())
}

// IsRetryableMessage classifies a raw error message.
func IsRetryableMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	for _, code := range retryableStatus {
		if strings.Contains(lower, code) {
			return true
		}
	}
	for _, marker := range retryableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
