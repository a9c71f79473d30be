// Package rbac defines the institution-scoped access control entities shared by
// every backend and service: users, roles, permissions, menus, the link rows
// between them, and per-user feature overrides.
//
// # Entities
//
// Every row belongs to exactly one institution. Roles bundle permissions
// through RolePermission rows and reach users through UserRole rows. A Menu row
// is the per-institution switch for one catalog feature.
//
// # Sysadmin roles
//
// A role whose name equals "sysadmin" (case-insensitive, surrounding space
// ignored) grants full rights inside its institution:
//
//	role := rbac.Role{Name: " SysAdmin "}
//	role.Kind() // rbac.RoleKindSysAdmin
//
// Renaming the role removes the effect.
//
// # Errors
//
// The sentinel errors in this package are wrapped by the backends and mapped to
// HTTP status codes by pkg/httputil. Use errors.Is, or IsNotFound for either of
// the not-found variants.
package rbac
