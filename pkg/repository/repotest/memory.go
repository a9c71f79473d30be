// Package repotest provides an in-memory repository with call counting and
// failure injection, plus a conformance suite every backend must pass.
package repotest

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository"
)

// Memory is an in-memory repository.Repository. It records every call by
// operation name and can be told to fail operations.
type Memory struct {
	name string

	mu        sync.Mutex
	nextID    int64
	users     map[int64]rbac.User
	roles     map[int64]rbac.Role
	perms     map[int64]rbac.Permission
	menus     map[int64]rbac.Menu
	rolePerms map[int64]rbac.RolePermission
	userRoles map[int64]rbac.UserRole
	overrides map[int64]rbac.UserFeatureOverride

	calls    map[string]int
	failures map[string]error
}

// NewMemory creates an empty repository named name
func NewMemory(name string) *Memory {
	if name == "" {
		name = "memory"
	}
	return &Memory{
		name:      name,
		users:     make(map[int64]rbac.User),
		roles:     make(map[int64]rbac.Role),
		perms:     make(map[int64]rbac.Permission),
		menus:     make(map[int64]rbac.Menu),
		rolePerms: make(map[int64]rbac.RolePermission),
		userRoles: make(map[int64]rbac.UserRole),
		overrides: make(map[int64]rbac.UserFeatureOverride),
		calls:     make(map[string]int),
		failures:  make(map[string]error),
	}
}

// Fail makes every call of op return err until Heal is called. op "*" fails everything.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// Heal clears all injected failures
func (m *Memory) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]error)
}

// Calls returns how many times op was invoked
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls returns the number of invocations across all operations
func (m *Memory) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// WriteCalls returns the number of mutating invocations
func (m *Memory) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for op, n := range m.calls {
		if !strings.HasPrefix(op, "List") && !strings.HasPrefix(op, "Get") && op != "Ping" {
			total += n
		}
	}
	return total
}

// ResetCalls zeroes the call counters
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// enter records a call and returns an injected failure. Callers hold no lock.
func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	err := m.failures[op]
	if err == nil {
		err = m.failures["*"]
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// Name identifies the backend
func (m *Memory) Name() string { return m.name }

// Ping reports an injected failure, if any
func (m *Memory) Ping(ctx context.Context) error {
	return m.enter(ctx, "Ping")
}

func sortedByID[T any](items map[int64]T, keep func(T) bool) []T {
	ids := make([]int64, 0, len(items))
	for id, item := range items {
		if keep(item) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, items[id])
	}
	return out
}

// Users

func (m *Memory) ListUsers(ctx context.Context, institutionID int64) ([]rbac.User, error) {
	if err := m.enter(ctx, "ListUsers"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedByID(m.users, func(u rbac.User) bool { return u.InstitutionID == institutionID }), nil
}

func (m *Memory) GetUser(ctx context.Context, id int64) (*rbac.User, error) {
	if err := m.enter(ctx, "GetUser"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	return &u, nil
}

func (m *Memory) CreateUser(ctx context.Context, user *rbac.User) (*rbac.User, error) {
	if err := m.enter(ctx, "CreateUser"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *user
	u.ID = m.id()
	if u.LegacyExternalID == "" {
		u.LegacyExternalID = strconv.FormatInt(u.ID, 10)
	}
	m.users[u.ID] = u
	return &u, nil
}

func (m *Memory) UpdateUser(ctx context.Context, user *rbac.User) (*rbac.User, error) {
	if err := m.enter(ctx, "UpdateUser"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return nil, rbac.ErrNotFound
	}
	u := *user
	if u.LegacyExternalID == "" {
		u.LegacyExternalID = strconv.FormatInt(u.ID, 10)
	}
	m.users[u.ID] = u
	return &u, nil
}

func (m *Memory) DeleteUser(ctx context.Context, id int64) error {
	if err := m.enter(ctx, "DeleteUser"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return rbac.ErrNotFound
	}
	delete(m.users, id)
	return nil
}

// Roles and permissions

func (m *Memory) ListRoles(ctx context.Context, institutionID int64) ([]rbac.Role, error) {
	if err := m.enter(ctx, "ListRoles"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedByID(m.roles, func(r rbac.Role) bool { return r.InstitutionID == institutionID }), nil
}

func (m *Memory) GetRole(ctx context.Context, id int64) (*rbac.Role, error) {
	if err := m.enter(ctx, "GetRole"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	return &r, nil
}

func (m *Memory) CreateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error) {
	if err := m.enter(ctx, "CreateRole"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *role
	r.ID = m.id()
	m.roles[r.ID] = r
	return &r, nil
}

func (m *Memory) UpdateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error) {
	if err := m.enter(ctx, "UpdateRole"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[role.ID]; !ok {
		return nil, rbac.ErrNotFound
	}
	m.roles[role.ID] = *role
	r := *role
	return &r, nil
}

func (m *Memory) DeleteRole(ctx context.Context, id int64) error {
	if err := m.enter(ctx, "DeleteRole"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return rbac.ErrNotFound
	}
	delete(m.roles, id)
	return nil
}

func (m *Memory) ListPermissions(ctx context.Context, institutionID int64) ([]rbac.Permission, error) {
	if err := m.enter(ctx, "ListPermissions"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedByID(m.perms, func(p rbac.Permission) bool { return p.InstitutionID == institutionID }), nil
}

func (m *Memory) CreatePermission(ctx context.Context, perm *rbac.Permission) (*rbac.Permission, error) {
	if err := m.enter(ctx, "CreatePermission"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *perm
	p.ID = m.id()
	m.perms[p.ID] = p
	return &p, nil
}

// Links

func (m *Memory) ListRolePermissions(ctx context.Context, roleID int64) ([]rbac.RolePermission, error) {
	if err := m.enter(ctx, "ListRolePermissions"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedByID(m.rolePerms, func(l rbac.RolePermission) bool { return l.RoleID == roleID }), nil
}

func (m *Memory) CreateRolePermissions(ctx context.Context, links []rbac.RolePermission) error {
	if err := m.enter(ctx, "CreateRolePermissions"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range links {
		l.ID = m.id()
		m.rolePerms[l.ID] = l
	}
	return nil
}

func (m *Memory) DeleteRolePermissions(ctx context.Context, ids []int64) error {
	if err := m.enter(ctx, "DeleteRolePermissions"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.rolePerms, id)
	}
	return nil
}

func (m *Memory) ListUserRoles(ctx context.Context, userID int64) ([]rbac.UserRole, error) {
	if err := m.enter(ctx, "ListUserRoles"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedByID(m.userRoles, func(l rbac.UserRole) bool { return l.UserID == userID }), nil
}

func (m *Memory) ListRoleMembers(ctx context.Context, roleID int64) ([]rbac.UserRole, error) {
	if err := m.enter(ctx, "ListRoleMembers"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedByID(m.userRoles, func(l rbac.UserRole) bool { return l.RoleID == roleID }), nil
}

func (m *Memory) CreateUserRoles(ctx context.Context, links []rbac.UserRole) error {
	if err := m.enter(ctx, "CreateUserRoles"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range links {
		l.ID = m.id()
		m.userRoles[l.ID] = l
	}
	return nil
}

func (m *Memory) DeleteUserRoles(ctx context.Context, ids []int64) error {
	if err := m.enter(ctx, "DeleteUserRoles"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.userRoles, id)
	}
	return nil
}

// Features

func (m *Memory) ListMenus(ctx context.Context, institutionID int64) ([]rbac.Menu, error) {
	if err := m.enter(ctx, "ListMenus"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedByID(m.menus, func(mn rbac.Menu) bool { return mn.InstitutionID == institutionID }), nil
}

func (m *Memory) CreateMenus(ctx context.Context, menus []rbac.Menu) ([]rbac.Menu, error) {
	if err := m.enter(ctx, "CreateMenus"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rbac.Menu, 0, len(menus))
	for _, mn := range menus {
		mn.ID = m.id()
		m.menus[mn.ID] = mn
		out = append(out, mn)
	}
	return out, nil
}

func (m *Memory) SetMenuActive(ctx context.Context, id int64, active bool) error {
	if err := m.enter(ctx, "SetMenuActive"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mn, ok := m.menus[id]
	if !ok {
		return rbac.ErrNotFound
	}
	mn.IsActive = active
	m.menus[id] = mn
	return nil
}

func (m *Memory) ListUserOverrides(ctx context.Context, institutionID, userID int64) ([]rbac.UserFeatureOverride, error) {
	if err := m.enter(ctx, "ListUserOverrides"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedByID(m.overrides, func(o rbac.UserFeatureOverride) bool {
		return o.InstitutionID == institutionID && o.UserID == userID
	}), nil
}

func (m *Memory) UpsertUserOverride(ctx context.Context, override *rbac.UserFeatureOverride) (*rbac.UserFeatureOverride, error) {
	if err := m.enter(ctx, "UpsertUserOverride"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.overrides {
		if existing.InstitutionID == override.InstitutionID && existing.UserID == override.UserID && existing.FeatureKey == override.FeatureKey {
			existing.IsEnabled = override.IsEnabled
			m.overrides[id] = existing
			return &existing, nil
		}
	}
	o := *override
	o.ID = m.id()
	m.overrides[o.ID] = o
	return &o, nil
}

var _ repository.Repository = (*Memory)(nil)
