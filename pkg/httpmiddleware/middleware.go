// Package httpmiddleware contains net/http middlewares shared by the storefront
// API: panic recovery, CORS, rate limiting, request ids, logging and
// OpenTelemetry instrumentation.
package httpmiddleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Wrap applies middlewares to h. The first middleware is the outermost one,
// so it sees the request first and the response last.
func Wrap(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// routeContext returns the chi routing context of r, installing an empty one
// when the request has not reached a chi router yet. chi reuses an existing
// context instead of allocating its own, so middlewares that wrap the router
// can read the matched pattern once the handler returns.
func routeContext(r *http.Request) (*http.Request, *chi.Context) {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return r, rctx
	}
	rctx := chi.NewRouteContext()
	return r.WithContext(contextWithRoute(r.Context(), rctx)), rctx
}

// routePattern returns the matched route, e.g. "/api/checkout/{provider}", or
// "" for unmatched requests.
func routePattern(rctx *chi.Context) string {
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
