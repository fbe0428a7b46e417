// Package shield provides the HTTP middleware wrapped around every slap
// route: security headers, HEAD handling, request tracing and per-client
// rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack() {
//	    r.Use(mw)
//	}
//	r.Use(shield.NewRateLimiter(5, 10, "/healthz").Middleware)
package shield

import "net/http"

// DefaultStack returns the middleware applied to every route.
// Order: HeadToGet → SecurityHeaders → TraceID.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		TraceID,
	}
}
