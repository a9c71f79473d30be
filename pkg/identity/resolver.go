// Package identity maps an external caller identity to a user row of an
// institution.
package identity

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/lexgate/pkg/cache"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository"
)

// Resolver resolves (institution, legacy user id, email) to a user. The user
// list of each institution is cached.
type Resolver struct {
	repo   repository.UserStore
	users  *cache.Loader[[]rbac.User]
	logger *observability.Logger
}

// NewResolver creates a resolver backed by repo with users cached for ttl
func NewResolver(repo repository.UserStore, users cache.Cache[[]rbac.User], ttl time.Duration, logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	logger = logger.WithField("component", "identity")
	return &Resolver{
		repo:   repo,
		users:  cache.NewLoader(users, ttl, logger),
		logger: logger,
	}
}

// Key is the cache key of an institution's user list
func Key(institutionID int64) string {
	return strconv.FormatInt(institutionID, 10)
}

// InstitutionUsers returns the cached user list of an institution
func (r *Resolver) InstitutionUsers(ctx context.Context, institutionID int64) ([]rbac.User, error) {
	users, err := r.cached(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(users), nil
}

// cached returns the shared cached list, callers must not modify it
func (r *Resolver) cached(ctx context.Context, institutionID int64) ([]rbac.User, error) {
	return r.users.GetOrLoad(ctx, Key(institutionID), func(ctx context.Context) ([]rbac.User, error) {
		users, err := r.repo.ListUsers(ctx, institutionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load users of institution %d: %w", institutionID, err)
		}
		return users, nil
	})
}

// Resolve finds the user. Matching order, first hit wins:
//  1. legacy external id, case-insensitive
//  2. numeric row id when legacyUserID is a positive integer
//  3. email, case-insensitive
//  4. email equal to legacyUserID when it contains "@"
//
// rbac.ErrUserNotFound is returned when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, institutionID int64, legacyUserID, email string) (*rbac.User, error) {
	users, err := r.cached(ctx, institutionID)
	if err != nil {
		return nil, err
	}

	if u := Match(users, legacyUserID, email); u != nil {
		return u, nil
	}
	return nil, fmt.Errorf("%w: institution %d, user %q", rbac.ErrUserNotFound, institutionID, legacyUserID)
}

// Match applies the resolution order to an already loaded user list
func Match(users []rbac.User, legacyUserID, email string) *rbac.User {
	legacyUserID = strings.TrimSpace(legacyUserID)
	email = strings.TrimSpace(email)

	find := func(pred func(u *rbac.User) bool) *rbac.User {
		for i := range users {
			if pred(&users[i]) {
				u := users[i]
				return &u
			}
		}
		return nil
	}

	if legacyUserID != "" {
		if u := find(func(u *rbac.User) bool { return strings.EqualFold(u.LegacyExternalID, legacyUserID) }); u != nil {
			return u
		}
		if id, err := strconv.ParseInt(legacyUserID, 10, 64); err == nil && id > 0 {
			if u := find(func(u *rbac.User) bool { return u.ID == id }); u != nil {
				return u
			}
		}
	}
	if email != "" {
		if u := find(func(u *rbac.User) bool { return strings.EqualFold(u.Email, email) }); u != nil {
			return u
		}
	}
	if strings.Contains(legacyUserID, "@") {
		if u := find(func(u *rbac.User) bool { return strings.EqualFold(u.Email, legacyUserID) }); u != nil {
			return u
		}
	}
	return nil
}

// Invalidate drops the cached user list of an institution
func (r *Resolver) Invalidate(ctx context.Context, institutionID int64) error {
	if err := r.users.Invalidate(ctx, Key(institutionID)); err != nil {
		return fmt.Errorf("failed to invalidate users of institution %d: %w", institutionID, err)
	}
	r.logger.WithField("institution_id", institutionID).Debug("user cache invalidated")
	return nil
}
