package middleware

import (
	"log/slog"
	"net/http"

	"github.com/crispinlab/cc-proxy/internal/config"
)

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// Chain represents a middleware chain
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then adds more middleware to the chain
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares, middlewares...)}
}

// Handler applies all middleware in the chain to the given handler
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// MiddlewareSet contains all configured middleware for easy composition.
type MiddlewareSet struct {
	Telemetry Middleware
	Logging   Middleware
	Auth      Middleware
	Metrics   *MetricsRegistry
}

// NewMiddlewareSet creates a complete set of middleware with proper
// dependencies.
func NewMiddlewareSet(cfg *config.Manager, logger *slog.Logger, metrics *MetricsRegistry) MiddlewareSet {
	return MiddlewareSet{
		Telemetry: NewTelemetryPassthrough(logger),
		Logging:   NewLoggingMiddleware(logger),
		Auth:      NewAuthMiddleware(cfg, logger),
		Metrics:   metrics,
	}
}

// ForRoute returns the standard chain for an authenticated, metered route.
func (ms MiddlewareSet) ForRoute(route string) Chain {
	return New(
		RequestID,
		ms.Telemetry, // intercept CLI telemetry beacons first
		ms.Metrics.Middleware(route),
		ms.Logging,
		ms.Auth, // authenticate last, after everything else has run
	)
}

// PublicChain returns the chain for unauthenticated routes (health check,
// the metrics endpoint itself).
func (ms MiddlewareSet) PublicChain(route string) Chain {
	return New(
		RequestID,
		ms.Telemetry,
		ms.Metrics.Middleware(route),
		ms.Logging,
	)
}
