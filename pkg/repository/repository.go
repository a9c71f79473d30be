package repository

import (
	"context"

	"github.com/platinummonkey/lexgate/pkg/rbac"
)

// DomainPermissions is the capability-switch domain covering every RBAC entity
const DomainPermissions = "permissions"

// UserStore persists users
type UserStore interface {
	// ListUsers returns every user row of the institution, active or not, ordered by id
	ListUsers(ctx context.Context, institutionID int64) ([]rbac.User, error)
	// GetUser returns rbac.ErrNotFound when the row does not exist
	GetUser(ctx context.Context, id int64) (*rbac.User, error)
	CreateUser(ctx context.Context, user *rbac.User) (*rbac.User, error)
	UpdateUser(ctx context.Context, user *rbac.User) (*rbac.User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// RoleStore persists roles and permissions
type RoleStore interface {
	ListRoles(ctx context.Context, institutionID int64) ([]rbac.Role, error)
	GetRole(ctx context.Context, id int64) (*rbac.Role, error)
	CreateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error)
	UpdateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error)
	DeleteRole(ctx context.Context, id int64) error

	ListPermissions(ctx context.Context, institutionID int64) ([]rbac.Permission, error)
	CreatePermission(ctx context.Context, perm *rbac.Permission) (*rbac.Permission, error)
}

// LinkStore persists the role-permission and user-role join rows
type LinkStore interface {
	ListRolePermissions(ctx context.Context, roleID int64) ([]rbac.RolePermission, error)
	CreateRolePermissions(ctx context.Context, links []rbac.RolePermission) error
	DeleteRolePermissions(ctx context.Context, ids []int64) error

	// ListUserRoles returns the role links of one user
	ListUserRoles(ctx context.Context, userID int64) ([]rbac.UserRole, error)
	// ListRoleMembers returns the user links of one role
	ListRoleMembers(ctx context.Context, roleID int64) ([]rbac.UserRole, error)
	CreateUserRoles(ctx context.Context, links []rbac.UserRole) error
	DeleteUserRoles(ctx context.Context, ids []int64) error
}

// FeatureStore persists per-institution menu rows and per-user overrides
type FeatureStore interface {
	// ListMenus returns the menu rows of the institution ordered by id
	ListMenus(ctx context.Context, institutionID int64) ([]rbac.Menu, error)
	// CreateMenus inserts all menus in one batch and returns them with ids
	CreateMenus(ctx context.Context, menus []rbac.Menu) ([]rbac.Menu, error)
	SetMenuActive(ctx context.Context, id int64, active bool) error

	ListUserOverrides(ctx context.Context, institutionID, userID int64) ([]rbac.UserFeatureOverride, error)
	// UpsertUserOverride creates or updates the row for (institution, user, key)
	UpsertUserOverride(ctx context.Context, override *rbac.UserFeatureOverride) (*rbac.UserFeatureOverride, error)
}

// Repository is the full persistence contract. Both backends implement it
// with the same filtering and uniqueness semantics.
type Repository interface {
	UserStore
	RoleStore
	LinkStore
	FeatureStore

	// Ping reports backend reachability
	Ping(ctx context.Context) error
	// Name identifies the backend in logs and metrics
	Name() string
}
