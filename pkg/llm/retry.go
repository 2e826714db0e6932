package llm

import (
	"math/rand/v2"
	"strings"
	"time"
)

// Backoff constants. Rate-limit errors back off from a higher base
// because providers meter them in longer windows.
const (
	backoffBase          = 2 * time.Second
	backoffRateLimitBase = 5 * time.Second
	backoffCap           = 60 * time.Second
)

// retryableStatusCodes are HTTP/provider codes worth retrying.
var retryableStatusCodes = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// isRetryable classifies a provider error by code and message.
func isRetryable(code int, message string) bool {
	if retryableStatusCodes[code] {
		return true
	}
	msg := strings.ToLower(message)
	return strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "rate") ||
		strings.Contains(msg, "internal server")
}

// isRateLimited reports whether the error is a rate-limit rejection,
// which selects the slower backoff base.
func isRateLimited(code int, message string) bool {
	return code == 429 || strings.Contains(strings.ToLower(message), "rate")
}

// isUpstreamFault reports whether the error should count against the
// model's circuit breaker. Client-side errors (4xx other than the
// overload family) do not.
func isUpstreamFault(code int, message string) bool {
	if code >= 500 {
		return true
	}
	msg := strings.ToLower(message)
	return strings.Contains(msg, "overloaded") || strings.Contains(msg, "internal server")
}

// backoffDelay computes the full-jitter exponential delay for a retry:
// min(cap, base * 2^retries) * U(0.5, 1.5).
func backoffDelay(retries int, rateLimited bool) time.Duration {
	base := backoffBase
	if rateLimited {
		base = backoffRateLimitBase
	}
	delay := base << uint(retries)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
