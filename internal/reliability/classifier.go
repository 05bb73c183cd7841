// Package reliability classifies transient upstream failures and computes
// retry backoff for the hosted voice provider's API.
package reliability

import "time"

// IsRetryableHTTPStatus reports whether a provider response status is worth
// retrying. Rate limiting (429) is deliberately excluded: the caller should
// see it and slow down, not hammer the provider.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
