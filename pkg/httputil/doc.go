// Package httputil provides the JSON response helpers, request parsing and
// common middleware shared by the HTTP handlers.
//
// Service errors are mapped onto status codes in one place:
//
//	if err != nil {
//		httputil.WriteServiceError(w, err)
//		return
//	}
//
// rbac.ErrNotFound and rbac.ErrUserNotFound become 404, rbac.ErrUnauthorized
// 403, rbac.ErrDuplicateEmail 409, rbac.ErrInvalidArgument 400,
// rbac.ErrNotSupported 501 and rbac.ErrBackendUnavailable 503. Anything else
// is a 500.
//
// Middleware is composed with Chain, outermost first:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
