// Package api exposes the permission engine over HTTP.
//
// All routes live under /api/v1 and require a caller principal (see
// pkg/middleware). Admin routes accept an optional target_institution_id,
// in the body or the query string, which only global admins may point at
// another institution.
//
//	GET    /api/v1/permissions/status
//	GET    /api/v1/permissions/overview
//	POST   /api/v1/permissions
//	POST   /api/v1/roles
//	PUT    /api/v1/roles/{id}
//	DELETE /api/v1/roles/{id}
//	PUT    /api/v1/roles/{id}/permissions
//	PUT    /api/v1/users/{id}/roles
//	GET    /api/v1/features/catalog
//	PUT    /api/v1/features
//	GET    /api/v1/institutions/{id}/features
//	GET    /api/v1/users/{id}/features
//	PUT    /api/v1/users/{id}/features
//	GET    /api/v1/users
//	POST   /api/v1/users
//	PUT    /api/v1/users/{id}
//	DELETE /api/v1/users/{id}
//
// The overview returns an empty, denied result with 200 to callers without
// rights on the target. Mutations fail with 403 and the underlying message.
package api
