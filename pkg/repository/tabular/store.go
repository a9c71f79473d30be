package tabular

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/platinummonkey/lexgate/pkg/config"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository"
)

// Config configures the tabular backend
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Tables  config.TableIDs
}

// Store is the fallback repository backed by the tabular database REST API
type Store struct {
	client *client
	tables config.TableIDs
	logger *observability.Logger
}

// NewStore creates a tabular store
func NewStore(cfg Config, logger *observability.Logger) (*Store, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: tabular base URL is required", config.ErrConfiguration)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: tabular API token is required", config.ErrConfiguration)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Store{
		client: newClient(cfg.BaseURL, cfg.Token, cfg.Timeout),
		tables: cfg.Tables,
		logger: logger.WithField("backend", "tabular"),
	}, nil
}

// Name identifies the backend
func (s *Store) Name() string {
	return "tabular"
}

// Ping reads one page of the users table
func (s *Store) Ping(ctx context.Context) error {
	resp, err := s.client.request(ctx).
		SetQueryParam("size", "1").
		Get(rowsPath(s.tables.Users))
	return checkResponse(resp, err, "ping")
}

func sortByID[T any](items []T, id func(T) int64) {
	sort.Slice(items, func(i, j int) bool { return id(items[i]) < id(items[j]) })
}

func decode[T any](rows []row, from func(row) T, id func(T) int64) []T {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		out = append(out, from(r))
	}
	sortByID(out, id)
	return out
}

// Users

// ListUsers returns every user of the institution ordered by id
func (s *Store) ListUsers(ctx context.Context, institutionID int64) ([]rbac.User, error) {
	rows, err := s.client.list(ctx, s.tables.Users, equal(fieldInstitutionID, institutionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return decode(rows, userFromRow, func(u rbac.User) int64 { return u.ID }), nil
}

// GetUser returns one user by row id
func (s *Store) GetUser(ctx context.Context, id int64) (*rbac.User, error) {
	r, err := s.client.get(ctx, s.tables.Users, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	u := userFromRow(r)
	return &u, nil
}

// CreateUser inserts a user and persists the legacy id backfill
func (s *Store) CreateUser(ctx context.Context, user *rbac.User) (*rbac.User, error) {
	r, err := s.client.create(ctx, s.tables.Users, userToRow(user))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	created := userFromRow(r)

	if toString(r[fieldLegacyExternalID]) == "" {
		r, err = s.client.update(ctx, s.tables.Users, created.ID, row{
			fieldLegacyExternalID: strconv.FormatInt(created.ID, 10),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to backfill legacy id for user %d: %w", created.ID, err)
		}
		created = userFromRow(r)
	}
	return &created, nil
}

// UpdateUser overwrites the mutable columns of a user
func (s *Store) UpdateUser(ctx context.Context, user *rbac.User) (*rbac.User, error) {
	r, err := s.client.update(ctx, s.tables.Users, user.ID, userToRow(user))
	if err != nil {
		return nil, fmt.Errorf("failed to update user %d: %w", user.ID, err)
	}
	u := userFromRow(r)
	return &u, nil
}

// DeleteUser removes a user row
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	if err := s.client.delete(ctx, s.tables.Users, id); err != nil {
		return fmt.Errorf("failed to delete user %d: %w", id, err)
	}
	return nil
}

// Roles and permissions

// ListRoles returns the roles of an institution ordered by id
func (s *Store) ListRoles(ctx context.Context, institutionID int64) ([]rbac.Role, error) {
	rows, err := s.client.list(ctx, s.tables.Roles, equal(fieldInstitutionID, institutionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return decode(rows, roleFromRow, func(r rbac.Role) int64 { return r.ID }), nil
}

// GetRole returns one role by row id
func (s *Store) GetRole(ctx context.Context, id int64) (*rbac.Role, error) {
	r, err := s.client.get(ctx, s.tables.Roles, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get role %d: %w", id, err)
	}
	role := roleFromRow(r)
	return &role, nil
}

// CreateRole inserts a role
func (s *Store) CreateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error) {
	r, err := s.client.create(ctx, s.tables.Roles, roleToRow(role))
	if err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}
	created := roleFromRow(r)
	return &created, nil
}

// UpdateRole overwrites the name and system flag of a role
func (s *Store) UpdateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error) {
	r, err := s.client.update(ctx, s.tables.Roles, role.ID, row{
		fieldName:     role.Name,
		fieldIsSystem: role.IsSystem,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update role %d: %w", role.ID, err)
	}
	updated := roleFromRow(r)
	return &updated, nil
}

// DeleteRole removes a role row
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	if err := s.client.delete(ctx, s.tables.Roles, id); err != nil {
		return fmt.Errorf("failed to delete role %d: %w", id, err)
	}
	return nil
}

// ListPermissions returns the permissions of an institution ordered by id
func (s *Store) ListPermissions(ctx context.Context, institutionID int64) ([]rbac.Permission, error) {
	rows, err := s.client.list(ctx, s.tables.Permissions, equal(fieldInstitutionID, institutionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return decode(rows, permissionFromRow, func(p rbac.Permission) int64 { return p.ID }), nil
}

// CreatePermission inserts a permission
func (s *Store) CreatePermission(ctx context.Context, perm *rbac.Permission) (*rbac.Permission, error) {
	r, err := s.client.create(ctx, s.tables.Permissions, permissionToRow(perm))
	if err != nil {
		return nil, fmt.Errorf("failed to create permission: %w", err)
	}
	created := permissionFromRow(r)
	return &created, nil
}

// Links

// ListRolePermissions returns the permission links of a role
func (s *Store) ListRolePermissions(ctx context.Context, roleID int64) ([]rbac.RolePermission, error) {
	rows, err := s.client.list(ctx, s.tables.RolePermissions, linkRowHas(fieldRole, roleID))
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	return decode(rows, rolePermissionFromRow, func(l rbac.RolePermission) int64 { return l.ID }), nil
}

// CreateRolePermissions inserts links in batches
func (s *Store) CreateRolePermissions(ctx context.Context, links []rbac.RolePermission) error {
	if len(links) == 0 {
		return nil
	}
	items := make([]row, 0, len(links))
	for i := range links {
		items = append(items, rolePermissionToRow(&links[i]))
	}
	if _, err := s.client.batchCreate(ctx, s.tables.RolePermissions, items); err != nil {
		return fmt.Errorf("failed to create role permissions: %w", err)
	}
	return nil
}

// DeleteRolePermissions removes links by row id
func (s *Store) DeleteRolePermissions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.batchDelete(ctx, s.tables.RolePermissions, ids); err != nil {
		return fmt.Errorf("failed to delete role permissions: %w", err)
	}
	return nil
}

func (s *Store) listUserRoles(ctx context.Context, f filter) ([]rbac.UserRole, error) {
	rows, err := s.client.list(ctx, s.tables.UserRoles, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	return decode(rows, userRoleFromRow, func(l rbac.UserRole) int64 { return l.ID }), nil
}

// ListUserRoles returns the role links of a user
func (s *Store) ListUserRoles(ctx context.Context, userID int64) ([]rbac.UserRole, error) {
	return s.listUserRoles(ctx, linkRowHas(fieldUser, userID))
}

// ListRoleMembers returns the user links of a role
func (s *Store) ListRoleMembers(ctx context.Context, roleID int64) ([]rbac.UserRole, error) {
	return s.listUserRoles(ctx, linkRowHas(fieldRole, roleID))
}

// CreateUserRoles inserts links in batches
func (s *Store) CreateUserRoles(ctx context.Context, links []rbac.UserRole) error {
	if len(links) == 0 {
		return nil
	}
	items := make([]row, 0, len(links))
	for i := range links {
		items = append(items, userRoleToRow(&links[i]))
	}
	if _, err := s.client.batchCreate(ctx, s.tables.UserRoles, items); err != nil {
		return fmt.Errorf("failed to create user roles: %w", err)
	}
	return nil
}

// DeleteUserRoles removes links by row id
func (s *Store) DeleteUserRoles(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.batchDelete(ctx, s.tables.UserRoles, ids); err != nil {
		return fmt.Errorf("failed to delete user roles: %w", err)
	}
	return nil
}

// Menus and overrides

// ListMenus returns the menu rows of an institution ordered by id
func (s *Store) ListMenus(ctx context.Context, institutionID int64) ([]rbac.Menu, error) {
	rows, err := s.client.list(ctx, s.tables.Menus, equal(fieldInstitutionID, institutionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list menus: %w", err)
	}
	return decode(rows, menuFromRow, func(m rbac.Menu) int64 { return m.ID }), nil
}

// CreateMenus inserts menus in batches and returns them with ids, in input order
func (s *Store) CreateMenus(ctx context.Context, menus []rbac.Menu) ([]rbac.Menu, error) {
	if len(menus) == 0 {
		return []rbac.Menu{}, nil
	}
	items := make([]row, 0, len(menus))
	for i := range menus {
		items = append(items, menuToRow(&menus[i]))
	}
	rows, err := s.client.batchCreate(ctx, s.tables.Menus, items)
	if err != nil {
		return nil, fmt.Errorf("failed to create menus: %w", err)
	}
	created := make([]rbac.Menu, 0, len(rows))
	for _, r := range rows {
		created = append(created, menuFromRow(r))
	}
	return created, nil
}

// SetMenuActive toggles one menu row
func (s *Store) SetMenuActive(ctx context.Context, id int64, active bool) error {
	if _, err := s.client.update(ctx, s.tables.Menus, id, row{fieldIsActive: active}); err != nil {
		return fmt.Errorf("failed to update menu %d: %w", id, err)
	}
	return nil
}

// ListUserOverrides returns the overrides of one user in one institution
func (s *Store) ListUserOverrides(ctx context.Context, institutionID, userID int64) ([]rbac.UserFeatureOverride, error) {
	rows, err := s.client.list(ctx, s.tables.FeatureOverrides,
		equal(fieldInstitutionID, institutionID),
		linkRowHas(fieldUser, userID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	return decode(rows, overrideFromRow, func(o rbac.UserFeatureOverride) int64 { return o.ID }), nil
}

// UpsertUserOverride updates the first row matching (institution, user, key)
// or creates one. The API has no conditional insert, so concurrent upserts of
// the same key may create a duplicate; readers take the lowest id.
func (s *Store) UpsertUserOverride(ctx context.Context, override *rbac.UserFeatureOverride) (*rbac.UserFeatureOverride, error) {
	rows, err := s.client.list(ctx, s.tables.FeatureOverrides,
		equal(fieldInstitutionID, override.InstitutionID),
		linkRowHas(fieldUser, override.UserID),
		equal(fieldFeatureKey, override.FeatureKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to look up override: %w", err)
	}

	existing := decode(rows, overrideFromRow, func(o rbac.UserFeatureOverride) int64 { return o.ID })
	if len(existing) > 0 {
		r, err := s.client.update(ctx, s.tables.FeatureOverrides, existing[0].ID, row{fieldIsEnabled: override.IsEnabled})
		if err != nil {
			if errors.Is(err, rbac.ErrNotFound) {
				s.logger.WithField("override_id", existing[0].ID).Warn("override row vanished during upsert")
			}
			return nil, fmt.Errorf("failed to update override %d: %w", existing[0].ID, err)
		}
		o := overrideFromRow(r)
		return &o, nil
	}

	r, err := s.client.create(ctx, s.tables.FeatureOverrides, overrideToRow(override))
	if err != nil {
		return nil, fmt.Errorf("failed to create override: %w", err)
	}
	o := overrideFromRow(r)
	return &o, nil
}

var _ repository.Repository = (*Store)(nil)
