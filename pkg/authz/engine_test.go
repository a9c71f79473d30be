package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/platinummonkey/lexgate/pkg/cache"
	"github.com/platinummonkey/lexgate/pkg/features"
	"github.com/platinummonkey/lexgate/pkg/identity"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository/repotest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inst int64 = 10

type fixture struct {
	engine  *Engine
	repo    *repotest.Memory
	clock   *clockwork.FakeClock
	metrics *observability.Metrics

	sysAdmin    rbac.User
	regular     rbac.User
	officeAdmin rbac.User
	sysRole     rbac.Role
	clerkRole   rbac.Role
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo := repotest.NewMemory("primary")
	clock := clockwork.NewFakeClock()
	users, err := cache.NewMemoryCache[[]rbac.User]("users", 100, cache.WithClock(clock))
	require.NoError(t, err)
	statuses, err := cache.NewMemoryCache[Status]("status", 100, cache.WithClock(clock))
	require.NoError(t, err)

	metrics := observability.NewNopMetrics()
	resolver := identity.NewResolver(repo, users, 10*time.Minute, nil)
	featureSvc := features.NewService(repo, nil, nil)
	engine := NewEngine(repo, resolver, featureSvc, statuses, Config{StatusTTL: 10 * time.Minute}, nil, metrics)

	f := &fixture{engine: engine, repo: repo, clock: clock, metrics: metrics}

	create := func(u rbac.User) rbac.User {
		created, err := repo.CreateUser(ctx, &u)
		require.NoError(t, err)
		return *created
	}
	f.sysAdmin = create(rbac.User{InstitutionID: inst, Name: "Sam", Email: "sam@firm.example", LegacyExternalID: "u1", IsActive: true})
	f.regular = create(rbac.User{InstitutionID: inst, Name: "Rita", Email: "rita@firm.example", LegacyExternalID: "u2", IsActive: true})
	f.officeAdmin = create(rbac.User{InstitutionID: inst, Name: "Omar", Email: "omar@firm.example", LegacyExternalID: "u3", IsActive: true, IsOfficeAdmin: true})

	sysRole, err := repo.CreateRole(ctx, &rbac.Role{InstitutionID: inst, Name: "SysAdmin", IsSystem: true})
	require.NoError(t, err)
	clerkRole, err := repo.CreateRole(ctx, &rbac.Role{InstitutionID: inst, Name: "Clerk"})
	require.NoError(t, err)
	f.sysRole, f.clerkRole = *sysRole, *clerkRole

	require.NoError(t, repo.CreateUserRoles(ctx, []rbac.UserRole{
		{UserID: f.sysAdmin.ID, RoleID: sysRole.ID},
		{UserID: f.regular.ID, RoleID: clerkRole.ID},
	}))

	repo.ResetCalls()
	return f
}

func (f *fixture) principal(u rbac.User) rbac.Principal {
	return rbac.Principal{InstitutionID: u.InstitutionID, LegacyUserID: u.LegacyExternalID}
}

var globalAdmin = rbac.Principal{InstitutionID: DefaultGlobalAdminInstitutionID, LegacyUserID: "root"}

func adminDefaultPaths() []string {
	var paths []string
	for _, f := range features.DefaultRegistry().Features() {
		if f.AdminDefault {
			paths = append(paths, f.Path)
		}
	}
	return paths
}

func TestResolveStatus_GlobalAdmin(t *testing.T) {
	f := setup(t)
	registry := features.DefaultRegistry()

	for _, legacy := range []string{"anyone", "", "u1"} {
		st, err := f.engine.ResolveStatus(context.Background(), DefaultGlobalAdminInstitutionID, legacy, "")
		require.NoError(t, err)
		assert.True(t, st.IsGlobalAdmin)
		assert.True(t, st.IsSysAdmin)
		assert.Equal(t, registry.Paths(), st.EnabledPages)
		assert.Equal(t, registry.ActionKeys(), st.EnabledActions)
	}
	assert.Zero(t, f.repo.TotalCalls(), "no repository reads for the global admin")
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.ResolutionsTotal.WithLabelValues(TierGlobalAdmin)))
}

func TestResolveStatus_SysAdmin(t *testing.T) {
	f := setup(t)

	st, err := f.engine.ResolveStatus(context.Background(), inst, "u1", "")
	require.NoError(t, err)
	assert.True(t, st.IsSysAdmin)
	assert.False(t, st.IsGlobalAdmin)
	assert.Equal(t, f.sysAdmin.ID, st.UserID)
	assert.Equal(t, features.DefaultRegistry().Paths(), st.EnabledPages)
	assert.Equal(t, features.DefaultRegistry().ActionKeys(), st.EnabledActions)
}

func TestResolveStatus_RenamingSysAdminRoleRevokes(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	st, err := f.engine.ResolveStatus(ctx, inst, "u1", "")
	require.NoError(t, err)
	require.True(t, st.IsSysAdmin)

	_, err = f.engine.RenameRole(ctx, globalAdmin, inst, f.sysRole.ID, "Partner")
	require.NoError(t, err)

	st, err = f.engine.ResolveStatus(ctx, inst, "u1", "")
	require.NoError(t, err)
	assert.False(t, st.IsSysAdmin)
	role, err := f.repo.GetRole(ctx, f.sysRole.ID)
	require.NoError(t, err)
	assert.Equal(t, "Partner", role.Name, "the role still exists")

	_, err = f.engine.RenameRole(ctx, globalAdmin, inst, f.sysRole.ID, "SYSADMIN")
	require.NoError(t, err)
	st, err = f.engine.ResolveStatus(ctx, inst, "u1", "")
	require.NoError(t, err)
	assert.True(t, st.IsSysAdmin)
}

func TestResolveStatus_OfficeAdmin(t *testing.T) {
	f := setup(t)

	st, err := f.engine.ResolveStatus(context.Background(), inst, "u3", "")
	require.NoError(t, err)
	assert.True(t, st.IsOfficeAdmin)
	assert.False(t, st.IsSysAdmin)
	assert.False(t, st.IsGlobalAdmin)
	assert.Equal(t, features.DefaultRegistry().Paths(), st.EnabledPages)
	assert.Zero(t, f.repo.Calls("ListUserOverrides"))
}

func TestResolveStatus_RegularUserNeverSeesAdminDefaults(t *testing.T) {
	f := setup(t)

	st, err := f.engine.ResolveStatus(context.Background(), inst, "u2", "")
	require.NoError(t, err)
	assert.False(t, st.IsSysAdmin)
	assert.False(t, st.IsOfficeAdmin)
	assert.Equal(t, f.regular.ID, st.UserID)
	assert.Contains(t, st.EnabledPages, "/dashboard")
	assert.Contains(t, st.EnabledPages, "/messages")
	for _, p := range adminDefaultPaths() {
		assert.NotContains(t, st.EnabledPages, p)
	}
	assert.Empty(t, st.EnabledActions)
}

func TestResolveStatus_OverrideEnablesOneAdminDefault(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.repo.UpsertUserOverride(ctx, &rbac.UserFeatureOverride{
		UserID: f.regular.ID, InstitutionID: inst, FeatureKey: "advanced_reports", IsEnabled: true,
	})
	require.NoError(t, err)
	_, err = f.repo.UpsertUserOverride(ctx, &rbac.UserFeatureOverride{
		UserID: f.regular.ID, InstitutionID: inst, FeatureKey: "export_data", IsEnabled: true,
	})
	require.NoError(t, err)

	st, err := f.engine.ResolveStatus(ctx, inst, "u2", "")
	require.NoError(t, err)
	assert.Contains(t, st.EnabledPages, "/reports/advanced")
	for _, p := range adminDefaultPaths() {
		if p != "/reports/advanced" {
			assert.NotContains(t, st.EnabledPages, p)
		}
	}
	assert.Equal(t, []string{"export_data"}, st.EnabledActions)
}

func TestResolveStatus_DisabledInstitutionFeatureHidden(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	require.NoError(t, f.engine.UpdateInstitutionFeatures(ctx, f.principal(f.sysAdmin), 0, map[string]bool{"calendar": false}))

	st, err := f.engine.ResolveStatus(ctx, inst, "u2", "")
	require.NoError(t, err)
	assert.NotContains(t, st.EnabledPages, "/calendar")
	assert.Contains(t, st.EnabledPages, "/cases")
}

func TestResolveStatus_CachedWithinTTL(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	first, err := f.engine.ResolveStatus(ctx, inst, "u2", "")
	require.NoError(t, err)
	calls := f.repo.TotalCalls()
	require.NotZero(t, calls)

	second, err := f.engine.ResolveStatus(ctx, inst, "u2", "")
	require.NoError(t, err)
	assert.Equal(t, calls, f.repo.TotalCalls(), "second call within TTL does not touch the backend")
	assert.Equal(t, first, second)

	f.clock.Advance(11 * time.Minute)
	_, err = f.engine.ResolveStatus(ctx, inst, "u2", "")
	require.NoError(t, err)
	assert.Greater(t, f.repo.TotalCalls(), calls, "expired entries are recomputed")
}

func TestResolveStatus_OverrideFailureDegrades(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.repo.UpsertUserOverride(ctx, &rbac.UserFeatureOverride{
		UserID: f.regular.ID, InstitutionID: inst, FeatureKey: "financial", IsEnabled: true,
	})
	require.NoError(t, err)
	f.repo.Fail("ListUserOverrides", errors.New("timeout"))

	st, err := f.engine.ResolveStatus(ctx, inst, "u2", "")
	require.NoError(t, err)
	assert.NotContains(t, st.EnabledPages, "/financial")
	assert.Contains(t, st.EnabledPages, "/dashboard")
	assert.Empty(t, st.EnabledActions)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DegradedResolutionsTotal))

	f.repo.Heal()
	st, err = f.engine.ResolveStatus(ctx, inst, "u2", "")
	require.NoError(t, err)
	assert.Contains(t, st.EnabledPages, "/financial", "degraded results are not cached")
}

func TestResolveStatus_UnknownUserDegrades(t *testing.T) {
	f := setup(t)

	st, err := f.engine.ResolveStatus(context.Background(), inst, "ghost", "ghost@nowhere.example")
	require.NoError(t, err)
	assert.Zero(t, st.UserID)
	assert.False(t, st.IsSysAdmin)
	assert.Contains(t, st.EnabledPages, "/dashboard")
	for _, p := range adminDefaultPaths() {
		assert.NotContains(t, st.EnabledPages, p)
	}
	assert.Empty(t, st.EnabledActions)
}

func TestResolveStatus_FeatureFailurePropagates(t *testing.T) {
	f := setup(t)
	f.repo.Fail("ListMenus", errors.New("menus unavailable"))

	_, err := f.engine.ResolveStatus(context.Background(), inst, "u2", "")
	assert.ErrorContains(t, err, "menus unavailable")
}

func TestResolveStatus_RoleLookupFailurePropagates(t *testing.T) {
	f := setup(t)
	f.repo.Fail("ListUserRoles", errors.New("roles unavailable"))

	_, err := f.engine.ResolveStatus(context.Background(), inst, "u1", "")
	assert.ErrorContains(t, err, "roles unavailable")
}

func TestStatusKey(t *testing.T) {
	assert.Equal(t, "10:l:u1", StatusKey(10, "u1", "sam@firm.example"))
	assert.Equal(t, "10:e:sam@firm.example", StatusKey(10, "", " Sam@Firm.example "))
	assert.NotEqual(t, StatusKey(10, "", "sam@firm.example"), StatusKey(10, "", "rita@firm.example"))
	assert.NotEqual(t, StatusKey(10, "e:sam@firm.example", ""), StatusKey(10, "", "sam@firm.example"))
	assert.NotContains(t, StatusKey(100, "u1", ""), statusPrefix(10))
	assert.Contains(t, StatusKey(10, "", "sam@firm.example"), statusPrefix(10))
}

func TestResolveStatus_EmailOnlyPrincipalsCachedSeparately(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	sam, err := f.engine.ResolveStatus(ctx, inst, "", "sam@firm.example")
	require.NoError(t, err)
	assert.True(t, sam.IsSysAdmin)
	assert.Equal(t, f.sysAdmin.ID, sam.UserID)

	rita, err := f.engine.ResolveStatus(ctx, inst, "", "rita@firm.example")
	require.NoError(t, err)
	assert.False(t, rita.IsSysAdmin)
	assert.Equal(t, f.regular.ID, rita.UserID)
	assert.Empty(t, rita.EnabledActions)

	again, err := f.engine.ResolveStatus(ctx, inst, "", "SAM@firm.example")
	require.NoError(t, err)
	assert.Equal(t, sam, again)
}

func TestResolveStatus_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for _, id := range []int64{inst, DefaultGlobalAdminInstitutionID} {
		st, err := f.engine.ResolveStatus(ctx, id, "u1", "")
		require.NoError(t, err)
		require.NotEmpty(t, st.EnabledPages)
		require.NotEmpty(t, st.EnabledActions)
		st.EnabledPages[0] = "/altered"
		st.EnabledActions[0] = "altered"

		again, err := f.engine.ResolveStatus(ctx, id, "u1", "")
		require.NoError(t, err)
		assert.Equal(t, features.DefaultRegistry().Paths(), again.EnabledPages)
		assert.Equal(t, features.DefaultRegistry().ActionKeys(), again.EnabledActions)
	}
}
