// Package scraper implements the job-search provider adapter: query the
// provider, normalise its listings and classify its failures.
package scraper

import (
	"context"
	"errors"
	"net"
)

// Provider failure classes surfaced to callers. Any other error is propagated
// unchanged.
var (
	// ErrRateLimited means the provider throttled us. Retryable; also counted
	// by the circuit breaker.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrUnauthenticated means credentials are missing or rejected. Fatal.
	ErrUnauthenticated = errors.New("provider unauthenticated or misconfigured")
	// ErrTransient covers 5xx responses, timeouts and network failures.
	ErrTransient = errors.New("provider transient failure")
)

// Retryable reports whether err belongs to a retryable provider class.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// isNetworkError reports whether a client.Do error came from the network or a
// timeout rather than from request construction.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
