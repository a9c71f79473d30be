package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/platinummonkey/lexgate/pkg/cache"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupResolver(t *testing.T) (*Resolver, *repotest.Memory, *clockwork.FakeClock) {
	t.Helper()
	repo := repotest.NewMemory("primary")
	clock := clockwork.NewFakeClock()
	users, err := cache.NewMemoryCache[[]rbac.User]("users", 100, cache.WithClock(clock))
	require.NoError(t, err)
	return NewResolver(repo, users, 10*time.Minute, nil), repo, clock
}

func seedUser(t *testing.T, repo *repotest.Memory, u rbac.User) rbac.User {
	t.Helper()
	created, err := repo.CreateUser(context.Background(), &u)
	require.NoError(t, err)
	return *created
}

func TestResolve_Precedence(t *testing.T) {
	ctx := context.Background()
	r, repo, _ := setupResolver(t)

	byEmail := seedUser(t, repo, rbac.User{InstitutionID: 10, Name: "Email Match", Email: "shared@firm.example"})
	byLegacy := seedUser(t, repo, rbac.User{InstitutionID: 10, Name: "Legacy Match", Email: "legacy@firm.example", LegacyExternalID: "AUTH0|abc"})

	u, err := r.Resolve(ctx, 10, "auth0|ABC", "shared@firm.example")
	require.NoError(t, err)
	assert.Equal(t, byLegacy.ID, u.ID, "legacy id wins over an email supplied in the same call")

	u, err = r.Resolve(ctx, 10, "unknown-token", "SHARED@firm.example")
	require.NoError(t, err)
	assert.Equal(t, byEmail.ID, u.ID)
}

func TestResolve_NumericID(t *testing.T) {
	ctx := context.Background()
	r, repo, _ := setupResolver(t)

	seedUser(t, repo, rbac.User{InstitutionID: 10, Name: "First", LegacyExternalID: "ext-1"})
	second := seedUser(t, repo, rbac.User{InstitutionID: 10, Name: "Second", LegacyExternalID: "ext-2"})

	u, err := r.Resolve(ctx, 10, "2", "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, u.ID)

	_, err = r.Resolve(ctx, 10, "-2", "")
	assert.ErrorIs(t, err, rbac.ErrUserNotFound)
}

func TestResolve_LegacyIDLooksLikeEmail(t *testing.T) {
	ctx := context.Background()
	r, repo, _ := setupResolver(t)

	want := seedUser(t, repo, rbac.User{InstitutionID: 10, Email: "Gil@Firm.example", LegacyExternalID: "ext-gil"})

	u, err := r.Resolve(ctx, 10, "gil@firm.example", "")
	require.NoError(t, err)
	assert.Equal(t, want.ID, u.ID)
}

func TestResolve_ScopedToInstitution(t *testing.T) {
	ctx := context.Background()
	r, repo, _ := setupResolver(t)

	seedUser(t, repo, rbac.User{InstitutionID: 11, Email: "x@other.example", LegacyExternalID: "u1"})

	_, err := r.Resolve(ctx, 10, "u1", "x@other.example")
	assert.ErrorIs(t, err, rbac.ErrUserNotFound)
	assert.True(t, rbac.IsNotFound(err))
	assert.Contains(t, err.Error(), "user not found in permissions base")
}

func TestResolve_CachesUserList(t *testing.T) {
	ctx := context.Background()
	r, repo, clock := setupResolver(t)
	seedUser(t, repo, rbac.User{InstitutionID: 10, LegacyExternalID: "u1"})
	repo.ResetCalls()

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(ctx, 10, "u1", "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, repo.Calls("ListUsers"))

	clock.Advance(11 * time.Minute)
	_, err := r.Resolve(ctx, 10, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.Calls("ListUsers"), "expired entry is reloaded")
}

func TestInstitutionUsers_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r, repo, _ := setupResolver(t)
	seedUser(t, repo, rbac.User{InstitutionID: 10, Name: "Sam", Email: "sam@firm.example", LegacyExternalID: "u1"})
	repo.ResetCalls()

	users, err := r.InstitutionUsers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	users[0].Email = "altered@firm.example"
	users[0].LegacyExternalID = "altered"

	again, err := r.InstitutionUsers(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "sam@firm.example", again[0].Email)

	u, err := r.Resolve(ctx, 10, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "Sam", u.Name)
	u.Name = "Altered"

	u, err = r.Resolve(ctx, 10, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "Sam", u.Name)
	assert.Equal(t, 1, repo.Calls("ListUsers"))
}

func TestResolve_Invalidate(t *testing.T) {
	ctx := context.Background()
	r, repo, _ := setupResolver(t)
	seedUser(t, repo, rbac.User{InstitutionID: 10, LegacyExternalID: "u1"})

	_, err := r.Resolve(ctx, 10, "u1", "")
	require.NoError(t, err)

	seedUser(t, repo, rbac.User{InstitutionID: 10, LegacyExternalID: "u2"})
	_, err = r.Resolve(ctx, 10, "u2", "")
	assert.ErrorIs(t, err, rbac.ErrUserNotFound, "stale list until invalidated")

	require.NoError(t, r.Invalidate(ctx, 10))
	_, err = r.Resolve(ctx, 10, "u2", "")
	assert.NoError(t, err)
}

func TestResolve_BackendErrorNotCached(t *testing.T) {
	ctx := context.Background()
	r, repo, _ := setupResolver(t)
	seedUser(t, repo, rbac.User{InstitutionID: 10, LegacyExternalID: "u1"})

	boom := errors.New("connection refused")
	repo.Fail("ListUsers", boom)
	_, err := r.Resolve(ctx, 10, "u1", "")
	assert.ErrorIs(t, err, boom)

	repo.Heal()
	_, err = r.Resolve(ctx, 10, "u1", "")
	assert.NoError(t, err)
}

func TestMatch_EmptyInputs(t *testing.T) {
	users := []rbac.User{{ID: 1, Email: "", LegacyExternalID: "1"}}
	assert.Nil(t, Match(users, "", ""))
	assert.Nil(t, Match(nil, "1", "a@b.c"))
}
