// Package middleware establishes who is calling and how often they may write.
//
// PrincipalMiddleware turns a request into an rbac.Principal, either from a
// verified OIDC bearer ID token (sub, email and an institution claim) or from
// trusted gateway headers:
//
//	X-Institution-ID: 10
//	X-Legacy-User-ID: u1
//	X-User-Email: sam@firm.example
//
// A bearer token, when a verifier is configured, always wins over headers.
// Handlers read the caller back with PrincipalFrom.
//
// RateLimitMutations caps state-changing requests per caller with either a
// MemoryLimiter or a RedisLimiter shared across instances. Limiter failures
// let the request through.
package middleware
