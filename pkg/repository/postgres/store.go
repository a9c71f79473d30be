package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository"
)

// Store is the relational primary backend. Queries use only portable SQL
// ($N placeholders, RETURNING, ON CONFLICT) so the same store runs against
// PostgreSQL in production and SQLite in tests.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Name identifies the backend
func (s *Store) Name() string {
	return "postgres"
}

// Ping checks database reachability
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying handle
func (s *Store) DB() *sql.DB {
	return s.db
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, institution_id, name, email, legacy_external_id, password_hash, is_active, is_office_admin, receives_cases`

func scanUser(row scanner) (*rbac.User, error) {
	var u rbac.User
	if err := row.Scan(
		&u.ID,
		&u.InstitutionID,
		&u.Name,
		&u.Email,
		&u.LegacyExternalID,
		&u.PasswordHash,
		&u.IsActive,
		&u.IsOfficeAdmin,
		&u.ReceivesCases,
	); err != nil {
		return nil, err
	}
	if u.LegacyExternalID == "" {
		u.LegacyExternalID = strconv.FormatInt(u.ID, 10)
	}
	return &u, nil
}

// ListUsers returns every user of the institution ordered by id
func (s *Store) ListUsers(ctx context.Context, institutionID int64) ([]rbac.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE institution_id = $1 ORDER BY id`,
		institutionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []rbac.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*rbac.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, rbac.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a user and persists the backfilled legacy id
func (s *Store) CreateUser(ctx context.Context, user *rbac.User) (*rbac.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := *user
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (institution_id, name, email, legacy_external_id, password_hash, is_active, is_office_admin, receives_cases)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		user.InstitutionID,
		user.Name,
		user.Email,
		user.LegacyExternalID,
		user.PasswordHash,
		user.IsActive,
		user.IsOfficeAdmin,
		user.ReceivesCases,
	).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if created.LegacyExternalID == "" {
		created.LegacyExternalID = strconv.FormatInt(created.ID, 10)
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET legacy_external_id = $1 WHERE id = $2`,
			created.LegacyExternalID, created.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to backfill legacy id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user: %w", err)
	}
	return &created, nil
}

// UpdateUser overwrites every mutable column of the user
func (s *Store) UpdateUser(ctx context.Context, user *rbac.User) (*rbac.User, error) {
	updated := *user
	if updated.LegacyExternalID == "" {
		updated.LegacyExternalID = strconv.FormatInt(updated.ID, 10)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET institution_id = $1, name = $2, email = $3, legacy_external_id = $4, password_hash = $5,
			is_active = $6, is_office_admin = $7, receives_cases = $8
		WHERE id = $9
	`,
		updated.InstitutionID,
		updated.Name,
		updated.Email,
		updated.LegacyExternalID,
		updated.PasswordHash,
		updated.IsActive,
		updated.IsOfficeAdmin,
		updated.ReceivesCases,
		updated.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if err := expectAffected(res, "user", updated.ID); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteUser removes a user row
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return expectAffected(res, "user", id)
}

func expectAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, rbac.ErrNotFound)
	}
	return nil
}

// Roles

func scanRole(row scanner) (*rbac.Role, error) {
	var r rbac.Role
	if err := row.Scan(&r.ID, &r.InstitutionID, &r.Name, &r.IsSystem); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRoles returns the roles of an institution ordered by id
func (s *Store) ListRoles(ctx context.Context, institutionID int64) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, institution_id, name, is_system FROM roles WHERE institution_id = $1 ORDER BY id`,
		institutionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

// GetRole retrieves a role by id
func (s *Store) GetRole(ctx context.Context, id int64) (*rbac.Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx,
		`SELECT id, institution_id, name, is_system FROM roles WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %d: %w", id, rbac.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// CreateRole inserts a role
func (s *Store) CreateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error) {
	created := *role
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO roles (institution_id, name, is_system) VALUES ($1, $2, $3) RETURNING id`,
		role.InstitutionID, role.Name, role.IsSystem,
	).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}
	return &created, nil
}

// UpdateRole renames a role and updates its system flag
func (s *Store) UpdateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE roles SET name = $1, is_system = $2 WHERE id = $3`,
		role.Name, role.IsSystem, role.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}
	if err := expectAffected(res, "role", role.ID); err != nil {
		return nil, err
	}
	updated := *role
	return &updated, nil
}

// DeleteRole removes a role row
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return expectAffected(res, "role", id)
}

// Permissions

// ListPermissions returns the permissions of an institution ordered by id
func (s *Store) ListPermissions(ctx context.Context, institutionID int64) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, institution_id, code, menu_id FROM permissions WHERE institution_id = $1 ORDER BY id`,
		institutionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		var menuID sql.NullInt64
		if err := rows.Scan(&p.ID, &p.InstitutionID, &p.Code, &menuID); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		if menuID.Valid {
			id := menuID.Int64
			p.MenuID = &id
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// CreatePermission inserts a permission
func (s *Store) CreatePermission(ctx context.Context, perm *rbac.Permission) (*rbac.Permission, error) {
	created := *perm
	var menuID sql.NullInt64
	if perm.MenuID != nil {
		menuID = sql.NullInt64{Int64: *perm.MenuID, Valid: true}
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO permissions (institution_id, code, menu_id) VALUES ($1, $2, $3) RETURNING id`,
		perm.InstitutionID, perm.Code, menuID,
	).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create permission: %w", err)
	}
	return &created, nil
}

// Links

// ListRolePermissions returns the permission links of a role
func (s *Store) ListRolePermissions(ctx context.Context, roleID int64) ([]rbac.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role_id, permission_id FROM role_permissions WHERE role_id = $1 ORDER BY id`,
		roleID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	var links []rbac.RolePermission
	for rows.Next() {
		var l rbac.RolePermission
		if err := rows.Scan(&l.ID, &l.RoleID, &l.PermissionID); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// CreateRolePermissions inserts links in one transaction
func (s *Store) CreateRolePermissions(ctx context.Context, links []rbac.RolePermission) error {
	if len(links) == 0 {
		return nil
	}
	return s.batch(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, len(links), func(i int) []interface{} {
		return []interface{}{links[i].RoleID, links[i].PermissionID}
	})
}

// DeleteRolePermissions removes links by id in one transaction
func (s *Store) DeleteRolePermissions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.batch(ctx, `DELETE FROM role_permissions WHERE id = $1`, len(ids), func(i int) []interface{} {
		return []interface{}{ids[i]}
	})
}

func (s *Store) listUserRoles(ctx context.Context, column string, id int64) ([]rbac.UserRole, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role_id FROM user_roles WHERE `+column+` = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()

	var links []rbac.UserRole
	for rows.Next() {
		var l rbac.UserRole
		if err := rows.Scan(&l.ID, &l.UserID, &l.RoleID); err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ListUserRoles returns the role links of a user
func (s *Store) ListUserRoles(ctx context.Context, userID int64) ([]rbac.UserRole, error) {
	return s.listUserRoles(ctx, "user_id", userID)
}

// ListRoleMembers returns the user links of a role
func (s *Store) ListRoleMembers(ctx context.Context, roleID int64) ([]rbac.UserRole, error) {
	return s.listUserRoles(ctx, "role_id", roleID)
}

// CreateUserRoles inserts links in one transaction
func (s *Store) CreateUserRoles(ctx context.Context, links []rbac.UserRole) error {
	if len(links) == 0 {
		return nil
	}
	return s.batch(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`, len(links), func(i int) []interface{} {
		return []interface{}{links[i].UserID, links[i].RoleID}
	})
}

// DeleteUserRoles removes links by id in one transaction
func (s *Store) DeleteUserRoles(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.batch(ctx, `DELETE FROM user_roles WHERE id = $1`, len(ids), func(i int) []interface{} {
		return []interface{}{ids[i]}
	})
}

// batch executes one prepared statement n times inside a transaction
func (s *Store) batch(ctx context.Context, query string, n int, args func(i int) []interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("failed to execute batch item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Menus and overrides

// ListMenus returns the menu rows of an institution ordered by id
func (s *Store) ListMenus(ctx context.Context, institutionID int64) ([]rbac.Menu, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, institution_id, label, path, is_active, display_order FROM menus WHERE institution_id = $1 ORDER BY id`,
		institutionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list menus: %w", err)
	}
	defer rows.Close()

	var menus []rbac.Menu
	for rows.Next() {
		var m rbac.Menu
		if err := rows.Scan(&m.ID, &m.InstitutionID, &m.Label, &m.Path, &m.IsActive, &m.DisplayOrder); err != nil {
			return nil, fmt.Errorf("failed to scan menu: %w", err)
		}
		menus = append(menus, m)
	}
	return menus, rows.Err()
}

// CreateMenus inserts all menus in one transaction
func (s *Store) CreateMenus(ctx context.Context, menus []rbac.Menu) ([]rbac.Menu, error) {
	created := make([]rbac.Menu, 0, len(menus))
	if len(menus) == 0 {
		return created, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO menus (institution_id, label, path, is_active, display_order)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare menu insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range menus {
		if err := stmt.QueryRowContext(ctx, m.InstitutionID, m.Label, m.Path, m.IsActive, m.DisplayOrder).Scan(&m.ID); err != nil {
			return nil, fmt.Errorf("failed to create menu %s: %w", m.Path, err)
		}
		created = append(created, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit menus: %w", err)
	}
	return created, nil
}

// SetMenuActive enables or disables a menu row
func (s *Store) SetMenuActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE menus SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update menu: %w", err)
	}
	return expectAffected(res, "menu", id)
}

// ListUserOverrides returns the feature overrides of a user in an institution
func (s *Store) ListUserOverrides(ctx context.Context, institutionID, userID int64) ([]rbac.UserFeatureOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, institution_id, feature_key, is_enabled
		FROM user_feature_overrides
		WHERE institution_id = $1 AND user_id = $2
		ORDER BY id
	`, institutionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []rbac.UserFeatureOverride
	for rows.Next() {
		var o rbac.UserFeatureOverride
		if err := rows.Scan(&o.ID, &o.UserID, &o.InstitutionID, &o.FeatureKey, &o.IsEnabled); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// UpsertUserOverride creates or updates the override for (institution, user, key)
func (s *Store) UpsertUserOverride(ctx context.Context, override *rbac.UserFeatureOverride) (*rbac.UserFeatureOverride, error) {
	var o rbac.UserFeatureOverride
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_feature_overrides (user_id, institution_id, feature_key, is_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (institution_id, user_id, feature_key) DO UPDATE SET is_enabled = excluded.is_enabled
		RETURNING id, user_id, institution_id, feature_key, is_enabled
	`, override.UserID, override.InstitutionID, override.FeatureKey, override.IsEnabled,
	).Scan(&o.ID, &o.UserID, &o.InstitutionID, &o.FeatureKey, &o.IsEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert override: %w", err)
	}
	return &o, nil
}

var _ repository.Repository = (*Store)(nil)
