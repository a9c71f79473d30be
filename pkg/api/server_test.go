package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/platinummonkey/lexgate/pkg/authz"
	"github.com/platinummonkey/lexgate/pkg/cache"
	"github.com/platinummonkey/lexgate/pkg/features"
	"github.com/platinummonkey/lexgate/pkg/identity"
	"github.com/platinummonkey/lexgate/pkg/middleware"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository/repotest"
	"github.com/platinummonkey/lexgate/pkg/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const inst int64 = 10

type testEnv struct {
	server  *Server
	repo    *repotest.Memory
	admin   rbac.User
	regular rbac.User
	role    rbac.Role
	perm    rbac.Permission
}

func newTestEnv(t *testing.T, limiter middleware.Limiter) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo := repotest.NewMemory("primary")
	clock := clockwork.NewFakeClock()
	userCache, err := cache.NewMemoryCache[[]rbac.User]("users", 100, cache.WithClock(clock))
	require.NoError(t, err)
	statusCache, err := cache.NewMemoryCache[authz.Status]("status", 100, cache.WithClock(clock))
	require.NoError(t, err)

	resolver := identity.NewResolver(repo, userCache, 10*time.Minute, nil)
	featureSvc := features.NewService(repo, nil, nil)
	engine := authz.NewEngine(repo, resolver, featureSvc, statusCache, authz.Config{}, nil, nil)
	userSvc := users.NewService(repo, engine, nil, users.WithBcryptCost(bcrypt.MinCost))

	server := NewServer(Config{
		Engine:    engine,
		Features:  featureSvc,
		Users:     userSvc,
		Principal: middleware.NewPrincipalMiddleware(middleware.PrincipalConfig{TrustGatewayHeaders: true}, nil),
		Limiter:   limiter,
	})

	env := &testEnv{server: server, repo: repo}
	admin, err := repo.CreateUser(ctx, &rbac.User{InstitutionID: inst, Name: "Sam", Email: "sam@firm.example", LegacyExternalID: "u1", IsActive: true})
	require.NoError(t, err)
	regular, err := repo.CreateUser(ctx, &rbac.User{InstitutionID: inst, Name: "Rita", Email: "rita@firm.example", LegacyExternalID: "u2", IsActive: true})
	require.NoError(t, err)
	sysRole, err := repo.CreateRole(ctx, &rbac.Role{InstitutionID: inst, Name: "SysAdmin", IsSystem: true})
	require.NoError(t, err)
	role, err := repo.CreateRole(ctx, &rbac.Role{InstitutionID: inst, Name: "Clerk"})
	require.NoError(t, err)
	perm, err := repo.CreatePermission(ctx, &rbac.Permission{InstitutionID: inst, Code: "cases.read"})
	require.NoError(t, err)
	require.NoError(t, repo.CreateUserRoles(ctx, []rbac.UserRole{{UserID: admin.ID, RoleID: sysRole.ID}}))

	env.admin, env.regular, env.role, env.perm = *admin, *regular, *role, *perm
	return env
}

func principalOf(u rbac.User) rbac.Principal {
	return rbac.Principal{InstitutionID: u.InstitutionID, LegacyUserID: u.LegacyExternalID}
}

func (e *testEnv) do(t *testing.T, method, path string, as *rbac.Principal, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set(middleware.HeaderInstitutionID, fmt.Sprint(as.InstitutionID))
		req.Header.Set(middleware.HeaderLegacyUserID, as.LegacyUserID)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestMissingPrincipal(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/permissions/status", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("regular user", func(t *testing.T) {
		p := principalOf(env.regular)
		w := env.do(t, http.MethodGet, "/api/v1/permissions/status", &p, nil)
		require.Equal(t, http.StatusOK, w.Code)

		st := decode[authz.Status](t, w)
		assert.False(t, st.IsSysAdmin)
		assert.Equal(t, env.regular.ID, st.UserID)
		assert.Contains(t, st.EnabledPages, "/dashboard")
		assert.NotContains(t, st.EnabledPages, "/financial")
		assert.Empty(t, st.EnabledActions)
	})

	t.Run("sysadmin", func(t *testing.T) {
		p := principalOf(env.admin)
		st := decode[authz.Status](t, env.do(t, http.MethodGet, "/api/v1/permissions/status", &p, nil))
		assert.True(t, st.IsSysAdmin)
		assert.Contains(t, st.EnabledPages, "/financial")
	})

	t.Run("global admin", func(t *testing.T) {
		p := rbac.Principal{InstitutionID: authz.DefaultGlobalAdminInstitutionID, LegacyUserID: "root"}
		st := decode[authz.Status](t, env.do(t, http.MethodGet, "/api/v1/permissions/status", &p, nil))
		assert.True(t, st.IsGlobalAdmin)
	})
}

func TestGetOverview(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("denied shape for a regular user", func(t *testing.T) {
		p := principalOf(env.regular)
		w := env.do(t, http.MethodGet, "/api/v1/permissions/overview", &p, nil)
		require.Equal(t, http.StatusOK, w.Code)

		ov := decode[authz.Overview](t, w)
		assert.False(t, ov.IsSysAdmin)
		assert.Empty(t, ov.Roles)
		assert.Empty(t, ov.Users)
	})

	t.Run("denied shape for another institution", func(t *testing.T) {
		p := principalOf(env.admin)
		w := env.do(t, http.MethodGet, "/api/v1/permissions/overview?target_institution_id=11", &p, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decode[authz.Overview](t, w).Roles)
	})

	t.Run("sysadmin sees the institution", func(t *testing.T) {
		p := principalOf(env.admin)
		ov := decode[authz.Overview](t, env.do(t, http.MethodGet, "/api/v1/permissions/overview", &p, nil))
		assert.True(t, ov.IsSysAdmin)
		assert.Len(t, ov.Roles, 2)
		assert.Len(t, ov.Users, 2)
		assert.NotContains(t, env.do(t, http.MethodGet, "/api/v1/permissions/overview", &p, nil).Body.String(), "password")
	})

	t.Run("bad target parameter", func(t *testing.T) {
		p := principalOf(env.admin)
		w := env.do(t, http.MethodGet, "/api/v1/permissions/overview?target_institution_id=x", &p, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUpdateRolePermissions(t *testing.T) {
	env := newTestEnv(t, nil)
	path := fmt.Sprintf("/api/v1/roles/%d/permissions", env.role.ID)
	body := UpdateRolePermissionsRequest{PermissionIDs: []int64{env.perm.ID}}

	regular := principalOf(env.regular)
	w := env.do(t, http.MethodPut, path, &regular, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	admin := principalOf(env.admin)
	w = env.do(t, http.MethodPut, path, &admin, body)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	links, err := env.repo.ListRolePermissions(context.Background(), env.role.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, env.perm.ID, links[0].PermissionID)

	w = env.do(t, http.MethodPut, path, &admin, UpdateRolePermissionsRequest{PermissionIDs: []int64{9999}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateUserRoles(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := principalOf(env.admin)
	path := fmt.Sprintf("/api/v1/users/%d/roles", env.regular.ID)

	w := env.do(t, http.MethodPut, path, &admin, UpdateUserRolesRequest{RoleIDs: []int64{env.role.ID}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	links, err := env.repo.ListUserRoles(context.Background(), env.regular.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	req := httptest.NewRequest(http.MethodPut, path, bytes.NewBufferString("{broken"))
	req.Header.Set(middleware.HeaderInstitutionID, "10")
	req.Header.Set(middleware.HeaderLegacyUserID, "u1")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = env.do(t, http.MethodPut, "/api/v1/users/9999/roles", &admin, UpdateUserRolesRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInstitutionFeatures(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := principalOf(env.admin)
	regular := principalOf(env.regular)

	w := env.do(t, http.MethodGet, "/api/v1/institutions/10/features", &regular, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]features.InstitutionFeature](t, w)
	require.NotEmpty(t, list)
	assert.Equal(t, "dashboard", list[0].Key)
	assert.True(t, list[0].IsEnabled)

	w = env.do(t, http.MethodPut, "/api/v1/features", &regular, UpdateFeaturesRequest{Features: map[string]bool{"clients": false}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/features", &admin, UpdateFeaturesRequest{Features: map[string]bool{"clients": false}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	list = decode[[]features.InstitutionFeature](t, env.do(t, http.MethodGet, "/api/v1/institutions/10/features", &regular, nil))
	for _, f := range list {
		if f.Key == "clients" {
			assert.False(t, f.IsEnabled)
		}
	}

	w = env.do(t, http.MethodPut, "/api/v1/features", &admin, UpdateFeaturesRequest{Features: map[string]bool{"nope": true}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInstitutionFeatures_CrossTenantRead(t *testing.T) {
	env := newTestEnv(t, nil)
	regular := principalOf(env.regular)

	w := env.do(t, http.MethodGet, "/api/v1/institutions/11/features", &regular, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	global := rbac.Principal{InstitutionID: authz.DefaultGlobalAdminInstitutionID, LegacyUserID: "root"}
	w = env.do(t, http.MethodGet, "/api/v1/institutions/11/features", &global, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserFeatureOverrides(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := principalOf(env.admin)
	regular := principalOf(env.regular)
	path := fmt.Sprintf("/api/v1/users/%d/features", env.regular.ID)

	w := env.do(t, http.MethodPut, path, &admin, SetOverridesRequest{Overrides: map[string]bool{"financial": true}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	resp := decode[UserFeatureKeysResponse](t, env.do(t, http.MethodGet, path, &regular, nil))
	assert.Equal(t, []string{"financial"}, resp.Keys)

	st := decode[authz.Status](t, env.do(t, http.MethodGet, "/api/v1/permissions/status", &regular, nil))
	assert.Contains(t, st.EnabledPages, "/financial")
	assert.NotContains(t, st.EnabledPages, "/audit")

	w = env.do(t, http.MethodPut, path, &admin, SetOverridesRequest{Overrides: map[string]bool{"dashboard": true}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserCRUD(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := principalOf(env.admin)
	regular := principalOf(env.regular)

	w := env.do(t, http.MethodPost, "/api/v1/users", &regular, users.CreateInput{Name: "Ana", Email: "ana@firm.example"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/users", &admin, users.CreateInput{Name: "Ana", Email: "ana@firm.example", Password: "s3cret"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "s3cret")
	created := decode[rbac.PublicUser](t, w)
	assert.Equal(t, inst, created.InstitutionID)

	w = env.do(t, http.MethodPost, "/api/v1/users", &admin, users.CreateInput{Name: "Ana", Email: "ANA@firm.example"})
	assert.Equal(t, http.StatusConflict, w.Code)

	name := "Ana Maria"
	w = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/users/%d", created.ID), &admin, users.UpdateInput{Name: &name})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ana Maria", decode[rbac.PublicUser](t, w).Name)

	list := decode[[]rbac.PublicUser](t, env.do(t, http.MethodGet, "/api/v1/users", &admin, nil))
	assert.Len(t, list, 3)

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/users/%d", created.ID), &admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/users/%d", created.ID), &admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserCRUD_NewUserResolvesImmediately(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := principalOf(env.admin)

	// warm the identity cache before the write
	decode[authz.Status](t, env.do(t, http.MethodGet, "/api/v1/permissions/status", &admin, nil))

	w := env.do(t, http.MethodPost, "/api/v1/users", &admin, users.CreateInput{Name: "Ana", Email: "ana@firm.example", LegacyExternalID: "u9"})
	require.Equal(t, http.StatusCreated, w.Code)

	p := rbac.Principal{InstitutionID: inst, LegacyUserID: "u9"}
	st := decode[authz.Status](t, env.do(t, http.MethodGet, "/api/v1/permissions/status", &p, nil))
	assert.NotZero(t, st.UserID)
}

func TestRoleAndPermissionCRUD(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := principalOf(env.admin)

	w := env.do(t, http.MethodPost, "/api/v1/roles", &admin, RoleRequest{Name: "Paralegal"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	role := decode[rbac.Role](t, w)
	assert.Equal(t, inst, role.InstitutionID)

	w = env.do(t, http.MethodPost, "/api/v1/roles", &admin, RoleRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/roles/%d", role.ID), &admin, RoleRequest{Name: "Senior Paralegal"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Senior Paralegal", decode[rbac.Role](t, w).Name)

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/roles/%d", role.ID), &admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/permissions", &admin, CreatePermissionRequest{Code: "cases.write"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "cases.write", decode[rbac.Permission](t, w).Code)
}

func TestFeatureCatalog(t *testing.T) {
	env := newTestEnv(t, nil)
	regular := principalOf(env.regular)

	resp := decode[CatalogResponse](t, env.do(t, http.MethodGet, "/api/v1/features/catalog", &regular, nil))
	assert.Len(t, resp.Features, 14)
	assert.Len(t, resp.Actions, 4)
}

func TestMutationRateLimit(t *testing.T) {
	limiter := middleware.NewMemoryLimiter(middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, clockwork.NewFakeClock())
	env := newTestEnv(t, limiter)
	admin := principalOf(env.admin)
	path := fmt.Sprintf("/api/v1/roles/%d/permissions", env.role.ID)

	w := env.do(t, http.MethodPut, path, &admin, UpdateRolePermissionsRequest{})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPut, path, &admin, UpdateRolePermissionsRequest{})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/permissions/status", &admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
