// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so key usage
// stays discoverable and typo-free.
//
//	ctx = contextkeys.WithPrincipal(ctx, principal)
//	principal, ok := contextkeys.GetPrincipal(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains rbac.Principal
	// Set by: middleware.PrincipalMiddleware (pkg/middleware/principal.go)
	// Required by: every /api/v1 handler
	PrincipalKey Key = "principal"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.RequestIDMiddleware
	// Used by: Handlers and services that log with request context
	LoggerKey Key = "logger"
)

// WithPrincipal adds the caller principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// GetPrincipal retrieves the raw principal value from context
func GetPrincipal(ctx context.Context) interface{} {
	return ctx.Value(PrincipalKey)
}
