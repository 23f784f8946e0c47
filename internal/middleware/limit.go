package middleware

import (
	"net/http"
	"strconv"
)

const (
	// defaultSubmitConcurrency is the fallback slot count when maxConcurrent ≤ 0.
	defaultSubmitConcurrency = 256

	// retryAfterSeconds is the value of the Retry-After header sent on 503.
	retryAfterSeconds = "5"

	// capacityErrorPayload is the fixed JSON body returned when the limiter rejects a request.
	capacityErrorPayload = `{"error":"server at capacity — retry in 5s"}`
)

// SubmitLimiter caps the number of concurrently in-flight archive-submission
// HTTP requests using a non-blocking channel semaphore. When the semaphore
// is full, new requests receive HTTP 503 + Retry-After immediately rather
// than queuing — queuing under a large spike of submissions would exhaust
// RAM before providing any relief. This guards the HTTP front door only; the
// actual bounded worker pool that runs accepted tasks lives in
// internal/coordinator and is sized independently.
type SubmitLimiter struct {
	sem chan struct{}
}

// NewSubmitLimiter creates a limiter allowing at most maxConcurrent
// simultaneous submit requests in flight.
func NewSubmitLimiter(maxConcurrent int) *SubmitLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultSubmitConcurrency
	}
	return &SubmitLimiter{sem: make(chan struct{}, maxConcurrent)}
}

// Limit wraps a handler so that each request must acquire a slot from the
// semaphore before proceeding. Requests that cannot acquire immediately get 503.
func (l *SubmitLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case l.sem <- struct{}{}:
			defer func() { <-l.sem }()
			next.ServeHTTP(w, r)
		default:
			// Server at capacity — tell the client to back off.
			w.Header().Set("Retry-After", retryAfterSeconds)
			w.Header().Set("X-Active-Submits", strconv.Itoa(len(l.sem)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(capacityErrorPayload)) //nolint:errcheck
		}
	})
}

// Active returns the number of submit slots currently in use.
func (l *SubmitLimiter) Active() int { return len(l.sem) }

// Cap returns the maximum number of concurrent submit slots.
func (l *SubmitLimiter) Cap() int { return cap(l.sem) }
