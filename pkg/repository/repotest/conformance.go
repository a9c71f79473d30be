package repotest

import (
	"context"
	"strconv"
	"testing"

	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty repository for one subtest
type Factory func(t *testing.T) repository.Repository

// RunConformance checks that a backend honours the repository contract.
// Every backend is expected to pass it unchanged.
func RunConformance(t *testing.T, newRepo Factory) {
	t.Run("users", func(t *testing.T) { testUsers(t, newRepo(t)) })
	t.Run("roles and permissions", func(t *testing.T) { testRoles(t, newRepo(t)) })
	t.Run("links", func(t *testing.T) { testLinks(t, newRepo(t)) })
	t.Run("menus", func(t *testing.T) { testMenus(t, newRepo(t)) })
	t.Run("overrides", func(t *testing.T) { testOverrides(t, newRepo(t)) })
}

func testUsers(t *testing.T, repo repository.Repository) {
	ctx := context.Background()

	alice, err := repo.CreateUser(ctx, &rbac.User{
		InstitutionID:    7,
		Name:             "Alice",
		Email:            "Alice@Firm.example",
		LegacyExternalID: "ext-alice",
		IsActive:         true,
		IsOfficeAdmin:    true,
		PasswordHash:     "$2a$10$hash",
	})
	require.NoError(t, err)
	require.NotZero(t, alice.ID)
	assert.Equal(t, "ext-alice", alice.LegacyExternalID)

	bob, err := repo.CreateUser(ctx, &rbac.User{InstitutionID: 7, Name: "Bob", Email: "bob@firm.example", IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(bob.ID, 10), bob.LegacyExternalID, "missing legacy id is backfilled with the row id")

	_, err = repo.CreateUser(ctx, &rbac.User{InstitutionID: 8, Name: "Carol", Email: "carol@other.example", IsActive: true})
	require.NoError(t, err)

	users, err := repo.ListUsers(ctx, 7)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, alice.ID, users[0].ID, "users are ordered by id")
	assert.Equal(t, "Alice@Firm.example", users[0].Email)
	assert.True(t, users[0].IsOfficeAdmin)
	assert.Equal(t, "$2a$10$hash", users[0].PasswordHash)

	none, err := repo.ListUsers(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err := repo.GetUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", got.Name)

	_, err = repo.GetUser(ctx, 424242)
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	got.Name = "Robert"
	got.IsActive = false
	got.ReceivesCases = true
	updated, err := repo.UpdateUser(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "Robert", updated.Name)

	reread, err := repo.GetUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "Robert", reread.Name)
	assert.False(t, reread.IsActive)
	assert.True(t, reread.ReceivesCases)

	require.NoError(t, repo.DeleteUser(ctx, bob.ID))
	_, err = repo.GetUser(ctx, bob.ID)
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func testRoles(t *testing.T, repo repository.Repository) {
	ctx := context.Background()

	admin, err := repo.CreateRole(ctx, &rbac.Role{InstitutionID: 7, Name: "SysAdmin", IsSystem: true})
	require.NoError(t, err)
	clerk, err := repo.CreateRole(ctx, &rbac.Role{InstitutionID: 7, Name: "Clerk"})
	require.NoError(t, err)
	_, err = repo.CreateRole(ctx, &rbac.Role{InstitutionID: 8, Name: "Clerk"})
	require.NoError(t, err)

	roles, err := repo.ListRoles(ctx, 7)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, admin.ID, roles[0].ID)
	assert.True(t, roles[0].IsSystem)
	assert.Equal(t, rbac.RoleKindSysAdmin, roles[0].Kind())

	clerk.Name = "Senior Clerk"
	_, err = repo.UpdateRole(ctx, clerk)
	require.NoError(t, err)
	got, err := repo.GetRole(ctx, clerk.ID)
	require.NoError(t, err)
	assert.Equal(t, "Senior Clerk", got.Name)

	require.NoError(t, repo.DeleteRole(ctx, clerk.ID))
	_, err = repo.GetRole(ctx, clerk.ID)
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	menus, err := repo.CreateMenus(ctx, []rbac.Menu{{InstitutionID: 7, Label: "Reports", Path: "/reports/advanced", IsActive: true}})
	require.NoError(t, err)
	menuID := menus[0].ID

	p1, err := repo.CreatePermission(ctx, &rbac.Permission{InstitutionID: 7, Code: "cases.read"})
	require.NoError(t, err)
	p2, err := repo.CreatePermission(ctx, &rbac.Permission{InstitutionID: 7, Code: "reports.view", MenuID: &menuID})
	require.NoError(t, err)
	_, err = repo.CreatePermission(ctx, &rbac.Permission{InstitutionID: 8, Code: "cases.read"})
	require.NoError(t, err)

	perms, err := repo.ListPermissions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.Equal(t, p1.ID, perms[0].ID)
	assert.Nil(t, perms[0].MenuID)
	assert.Equal(t, p2.ID, perms[1].ID)
	require.NotNil(t, perms[1].MenuID)
	assert.Equal(t, menuID, *perms[1].MenuID)
}

func testLinks(t *testing.T, repo repository.Repository) {
	ctx := context.Background()

	user, err := repo.CreateUser(ctx, &rbac.User{InstitutionID: 7, Name: "Dana", Email: "dana@firm.example", IsActive: true})
	require.NoError(t, err)
	other, err := repo.CreateUser(ctx, &rbac.User{InstitutionID: 7, Name: "Eli", Email: "eli@firm.example", IsActive: true})
	require.NoError(t, err)
	role, err := repo.CreateRole(ctx, &rbac.Role{InstitutionID: 7, Name: "Lawyer"})
	require.NoError(t, err)
	role2, err := repo.CreateRole(ctx, &rbac.Role{InstitutionID: 7, Name: "Intern"})
	require.NoError(t, err)
	p1, err := repo.CreatePermission(ctx, &rbac.Permission{InstitutionID: 7, Code: "a"})
	require.NoError(t, err)
	p2, err := repo.CreatePermission(ctx, &rbac.Permission{InstitutionID: 7, Code: "b"})
	require.NoError(t, err)

	require.NoError(t, repo.CreateRolePermissions(ctx, []rbac.RolePermission{
		{RoleID: role.ID, PermissionID: p1.ID},
		{RoleID: role.ID, PermissionID: p2.ID},
		{RoleID: role2.ID, PermissionID: p1.ID},
	}))
	links, err := repo.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, p1.ID, links[0].PermissionID)
	assert.NotZero(t, links[0].ID)

	require.NoError(t, repo.DeleteRolePermissions(ctx, []int64{links[0].ID}))
	links, err = repo.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, p2.ID, links[0].PermissionID)

	require.NoError(t, repo.CreateUserRoles(ctx, []rbac.UserRole{
		{UserID: user.ID, RoleID: role.ID},
		{UserID: user.ID, RoleID: role2.ID},
		{UserID: other.ID, RoleID: role.ID},
	}))
	userRoles, err := repo.ListUserRoles(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, userRoles, 2)

	members, err := repo.ListRoleMembers(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	require.NoError(t, repo.DeleteUserRoles(ctx, []int64{userRoles[0].ID, userRoles[1].ID}))
	userRoles, err = repo.ListUserRoles(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, userRoles)

	// empty batches are no-ops
	require.NoError(t, repo.CreateUserRoles(ctx, nil))
	require.NoError(t, repo.DeleteUserRoles(ctx, nil))
	require.NoError(t, repo.CreateRolePermissions(ctx, nil))
	require.NoError(t, repo.DeleteRolePermissions(ctx, nil))
}

func testMenus(t *testing.T, repo repository.Repository) {
	ctx := context.Background()

	created, err := repo.CreateMenus(ctx, []rbac.Menu{
		{InstitutionID: 7, Label: "Dashboard", Path: "/dashboard", IsActive: true, DisplayOrder: 0},
		{InstitutionID: 7, Label: "Clients", Path: "/clients", IsActive: true, DisplayOrder: 1},
		{InstitutionID: 8, Label: "Dashboard", Path: "/dashboard", IsActive: true, DisplayOrder: 0},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)
	for _, m := range created {
		assert.NotZero(t, m.ID)
	}

	menus, err := repo.ListMenus(ctx, 7)
	require.NoError(t, err)
	require.Len(t, menus, 2)
	assert.Equal(t, "/dashboard", menus[0].Path)
	assert.Equal(t, 1, menus[1].DisplayOrder)

	require.NoError(t, repo.SetMenuActive(ctx, menus[1].ID, false))
	menus, err = repo.ListMenus(ctx, 7)
	require.NoError(t, err)
	assert.True(t, menus[0].IsActive)
	assert.False(t, menus[1].IsActive)

	empty, err := repo.CreateMenus(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testOverrides(t *testing.T, repo repository.Repository) {
	ctx := context.Background()

	user, err := repo.CreateUser(ctx, &rbac.User{InstitutionID: 7, Name: "Fay", Email: "fay@firm.example", IsActive: true})
	require.NoError(t, err)

	first, err := repo.UpsertUserOverride(ctx, &rbac.UserFeatureOverride{UserID: user.ID, InstitutionID: 7, FeatureKey: "financial", IsEnabled: true})
	require.NoError(t, err)
	_, err = repo.UpsertUserOverride(ctx, &rbac.UserFeatureOverride{UserID: user.ID, InstitutionID: 7, FeatureKey: "export_data", IsEnabled: true})
	require.NoError(t, err)
	_, err = repo.UpsertUserOverride(ctx, &rbac.UserFeatureOverride{UserID: user.ID, InstitutionID: 8, FeatureKey: "financial", IsEnabled: true})
	require.NoError(t, err)

	second, err := repo.UpsertUserOverride(ctx, &rbac.UserFeatureOverride{UserID: user.ID, InstitutionID: 7, FeatureKey: "financial", IsEnabled: false})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "upsert updates the existing row")
	assert.False(t, second.IsEnabled)

	overrides, err := repo.ListUserOverrides(ctx, 7, user.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	byKey := map[string]bool{}
	for _, o := range overrides {
		byKey[o.FeatureKey] = o.IsEnabled
	}
	assert.Equal(t, map[string]bool{"financial": false, "export_data": true}, byKey)
}
