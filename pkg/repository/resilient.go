package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	backendPrimary  = "primary"
	backendFallback = "fallback"
)

// DomainSwitch reports whether the primary backend serves a domain
type DomainSwitch func(domain string) bool

// ResilientConfig configures a Resilient repository
type ResilientConfig struct {
	Domain          string
	Switch          DomainSwitch
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
}

// DefaultResilientConfig returns the default configuration
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Domain:          DomainPermissions,
		Switch:          func(string) bool { return true },
		PrimaryTimeout:  15 * time.Second,
		FallbackTimeout: 30 * time.Second,
	}
}

// Resilient tries the primary backend and falls through to the fallback backend
// when the primary is absent, switched off for the domain, fails, does not
// support the operation, or yields no usable result. The primary is never retried.
type Resilient struct {
	primary  Repository
	fallback Repository
	cfg      ResilientConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// NewResilient creates the decorator. Either backend may be nil, not both.
func NewResilient(primary, fallback Repository, cfg ResilientConfig, logger *observability.Logger, metrics *observability.Metrics) (*Resilient, error) {
	if primary == nil && fallback == nil {
		return nil, fmt.Errorf("%w: no repository backend configured", rbac.ErrBackendUnavailable)
	}
	defaults := DefaultResilientConfig()
	if cfg.Domain == "" {
		cfg.Domain = defaults.Domain
	}
	if cfg.Switch == nil {
		cfg.Switch = defaults.Switch
	}
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = defaults.PrimaryTimeout
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = defaults.FallbackTimeout
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Resilient{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger.WithField("component", "repository"),
		metrics:  metrics,
		tracer:   observability.Tracer(),
	}, nil
}

// Name identifies the decorator
func (r *Resilient) Name() string {
	return "resilient"
}

// Ping succeeds when at least one backend is reachable
func (r *Resilient) Ping(ctx context.Context) error {
	var errs []error
	for _, repo := range []Repository{r.primary, r.fallback} {
		if repo == nil {
			continue
		}
		if err := repo.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", repo.Name(), err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

func always[T any](T) bool { return true }

func nonEmpty[T any](v []T) bool { return len(v) > 0 }

func nonNil[T any](v *T) bool { return v != nil }

// tryPrimary runs call against the primary backend and, when its result is not
// usable, against the fallback backend. Each attempt has its own timeout.
func tryPrimary[T any](ctx context.Context, r *Resilient, op string, usable func(T) bool, call func(ctx context.Context, repo Repository) (T, error)) (T, error) {
	ctx, span := r.tracer.Start(ctx, "repository."+op, trace.WithAttributes(attribute.String("domain", r.cfg.Domain)))
	defer span.End()

	var zero T

	reason := "disabled"
	if r.primary == nil {
		reason = "no_primary"
	}
	if r.primary != nil && (r.cfg.Switch(r.cfg.Domain) || r.fallback == nil) {
		typed, err := attempt(ctx, r, backendPrimary, r.primary, r.cfg.PrimaryTimeout, op, call)
		if err == nil && usable(typed) {
			span.SetAttributes(attribute.String("backend", backendPrimary))
			return typed, nil
		}
		if r.fallback == nil || isDefinitive(err) {
			span.SetAttributes(attribute.String("backend", backendPrimary))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return zero, err
			}
			return typed, nil
		}

		switch {
		case err == nil:
			reason = "empty"
		case errors.Is(err, rbac.ErrNotSupported):
			reason = "not_supported"
		case rbac.IsNotFound(err):
			reason = "not_found"
		default:
			reason = "error"
			r.logger.WithError(fmt.Errorf("%w: %v", rbac.ErrBackendUnavailable, err)).
				WithFields(map[string]interface{}{"operation": op, "backend": r.primary.Name()}).
				Warn("primary backend failed, using fallback")
		}
	}

	if r.metrics != nil {
		r.metrics.BackendFallbackTotal.WithLabelValues(op, reason).Inc()
	}
	span.SetAttributes(attribute.String("backend", backendFallback), attribute.String("fallback_reason", reason))

	v, err := attempt(ctx, r, backendFallback, r.fallback, r.cfg.FallbackTimeout, op, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	return v, nil
}

// isDefinitive reports errors that describe the request rather than the backend.
// They are returned as-is so the fallback never repeats a rejected write.
func isDefinitive(err error) bool {
	return errors.Is(err, rbac.ErrDuplicateEmail) || errors.Is(err, rbac.ErrInvalidArgument)
}

func attempt[T any](ctx context.Context, r *Resilient, backend string, repo Repository, timeout time.Duration, op string, call func(ctx context.Context, repo Repository) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := call(ctx, repo)

	if r.metrics != nil {
		status := "ok"
		switch {
		case err == nil:
		case rbac.IsNotFound(err):
			status = "not_found"
		case errors.Is(err, rbac.ErrNotSupported):
			status = "not_supported"
		default:
			status = "error"
		}
		r.metrics.BackendCallsTotal.WithLabelValues(backend, op, status).Inc()
		r.metrics.BackendCallDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
	return v, err
}

func tryWrite(ctx context.Context, r *Resilient, op string, call func(ctx context.Context, repo Repository) error) error {
	_, err := tryPrimary(ctx, r, op, always[struct{}], func(ctx context.Context, repo Repository) (struct{}, error) {
		return struct{}{}, call(ctx, repo)
	})
	return err
}

// Users

func (r *Resilient) ListUsers(ctx context.Context, institutionID int64) ([]rbac.User, error) {
	return tryPrimary(ctx, r, "ListUsers", nonEmpty[rbac.User], func(ctx context.Context, repo Repository) ([]rbac.User, error) {
		return repo.ListUsers(ctx, institutionID)
	})
}

func (r *Resilient) GetUser(ctx context.Context, id int64) (*rbac.User, error) {
	return tryPrimary(ctx, r, "GetUser", nonNil[rbac.User], func(ctx context.Context, repo Repository) (*rbac.User, error) {
		return repo.GetUser(ctx, id)
	})
}

func (r *Resilient) CreateUser(ctx context.Context, user *rbac.User) (*rbac.User, error) {
	return tryPrimary(ctx, r, "CreateUser", nonNil[rbac.User], func(ctx context.Context, repo Repository) (*rbac.User, error) {
		return repo.CreateUser(ctx, user)
	})
}

func (r *Resilient) UpdateUser(ctx context.Context, user *rbac.User) (*rbac.User, error) {
	return tryPrimary(ctx, r, "UpdateUser", nonNil[rbac.User], func(ctx context.Context, repo Repository) (*rbac.User, error) {
		return repo.UpdateUser(ctx, user)
	})
}

func (r *Resilient) DeleteUser(ctx context.Context, id int64) error {
	return tryWrite(ctx, r, "DeleteUser", func(ctx context.Context, repo Repository) error {
		return repo.DeleteUser(ctx, id)
	})
}

// Roles and permissions

func (r *Resilient) ListRoles(ctx context.Context, institutionID int64) ([]rbac.Role, error) {
	return tryPrimary(ctx, r, "ListRoles", nonEmpty[rbac.Role], func(ctx context.Context, repo Repository) ([]rbac.Role, error) {
		return repo.ListRoles(ctx, institutionID)
	})
}

func (r *Resilient) GetRole(ctx context.Context, id int64) (*rbac.Role, error) {
	return tryPrimary(ctx, r, "GetRole", nonNil[rbac.Role], func(ctx context.Context, repo Repository) (*rbac.Role, error) {
		return repo.GetRole(ctx, id)
	})
}

func (r *Resilient) CreateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error) {
	return tryPrimary(ctx, r, "CreateRole", nonNil[rbac.Role], func(ctx context.Context, repo Repository) (*rbac.Role, error) {
		return repo.CreateRole(ctx, role)
	})
}

func (r *Resilient) UpdateRole(ctx context.Context, role *rbac.Role) (*rbac.Role, error) {
	return tryPrimary(ctx, r, "UpdateRole", nonNil[rbac.Role], func(ctx context.Context, repo Repository) (*rbac.Role, error) {
		return repo.UpdateRole(ctx, role)
	})
}

func (r *Resilient) DeleteRole(ctx context.Context, id int64) error {
	return tryWrite(ctx, r, "DeleteRole", func(ctx context.Context, repo Repository) error {
		return repo.DeleteRole(ctx, id)
	})
}

func (r *Resilient) ListPermissions(ctx context.Context, institutionID int64) ([]rbac.Permission, error) {
	return tryPrimary(ctx, r, "ListPermissions", nonEmpty[rbac.Permission], func(ctx context.Context, repo Repository) ([]rbac.Permission, error) {
		return repo.ListPermissions(ctx, institutionID)
	})
}

func (r *Resilient) CreatePermission(ctx context.Context, perm *rbac.Permission) (*rbac.Permission, error) {
	return tryPrimary(ctx, r, "CreatePermission", nonNil[rbac.Permission], func(ctx context.Context, repo Repository) (*rbac.Permission, error) {
		return repo.CreatePermission(ctx, perm)
	})
}

// Links

func (r *Resilient) ListRolePermissions(ctx context.Context, roleID int64) ([]rbac.RolePermission, error) {
	return tryPrimary(ctx, r, "ListRolePermissions", nonEmpty[rbac.RolePermission], func(ctx context.Context, repo Repository) ([]rbac.RolePermission, error) {
		return repo.ListRolePermissions(ctx, roleID)
	})
}

func (r *Resilient) CreateRolePermissions(ctx context.Context, links []rbac.RolePermission) error {
	return tryWrite(ctx, r, "CreateRolePermissions", func(ctx context.Context, repo Repository) error {
		return repo.CreateRolePermissions(ctx, links)
	})
}

func (r *Resilient) DeleteRolePermissions(ctx context.Context, ids []int64) error {
	return tryWrite(ctx, r, "DeleteRolePermissions", func(ctx context.Context, repo Repository) error {
		return repo.DeleteRolePermissions(ctx, ids)
	})
}

func (r *Resilient) ListUserRoles(ctx context.Context, userID int64) ([]rbac.UserRole, error) {
	return tryPrimary(ctx, r, "ListUserRoles", nonEmpty[rbac.UserRole], func(ctx context.Context, repo Repository) ([]rbac.UserRole, error) {
		return repo.ListUserRoles(ctx, userID)
	})
}

func (r *Resilient) ListRoleMembers(ctx context.Context, roleID int64) ([]rbac.UserRole, error) {
	return tryPrimary(ctx, r, "ListRoleMembers", nonEmpty[rbac.UserRole], func(ctx context.Context, repo Repository) ([]rbac.UserRole, error) {
		return repo.ListRoleMembers(ctx, roleID)
	})
}

func (r *Resilient) CreateUserRoles(ctx context.Context, links []rbac.UserRole) error {
	return tryWrite(ctx, r, "CreateUserRoles", func(ctx context.Context, repo Repository) error {
		return repo.CreateUserRoles(ctx, links)
	})
}

func (r *Resilient) DeleteUserRoles(ctx context.Context, ids []int64) error {
	return tryWrite(ctx, r, "DeleteUserRoles", func(ctx context.Context, repo Repository) error {
		return repo.DeleteUserRoles(ctx, ids)
	})
}

// Features

func (r *Resilient) ListMenus(ctx context.Context, institutionID int64) ([]rbac.Menu, error) {
	return tryPrimary(ctx, r, "ListMenus", nonEmpty[rbac.Menu], func(ctx context.Context, repo Repository) ([]rbac.Menu, error) {
		return repo.ListMenus(ctx, institutionID)
	})
}

func (r *Resilient) CreateMenus(ctx context.Context, menus []rbac.Menu) ([]rbac.Menu, error) {
	return tryPrimary(ctx, r, "CreateMenus", always[[]rbac.Menu], func(ctx context.Context, repo Repository) ([]rbac.Menu, error) {
		return repo.CreateMenus(ctx, menus)
	})
}

func (r *Resilient) SetMenuActive(ctx context.Context, id int64, active bool) error {
	return tryWrite(ctx, r, "SetMenuActive", func(ctx context.Context, repo Repository) error {
		return repo.SetMenuActive(ctx, id, active)
	})
}

func (r *Resilient) ListUserOverrides(ctx context.Context, institutionID, userID int64) ([]rbac.UserFeatureOverride, error) {
	return tryPrimary(ctx, r, "ListUserOverrides", nonEmpty[rbac.UserFeatureOverride], func(ctx context.Context, repo Repository) ([]rbac.UserFeatureOverride, error) {
		return repo.ListUserOverrides(ctx, institutionID, userID)
	})
}

func (r *Resilient) UpsertUserOverride(ctx context.Context, override *rbac.UserFeatureOverride) (*rbac.UserFeatureOverride, error) {
	return tryPrimary(ctx, r, "UpsertUserOverride", nonNil[rbac.UserFeatureOverride], func(ctx context.Context, repo Repository) (*rbac.UserFeatureOverride, error) {
		return repo.UpsertUserOverride(ctx, override)
	})
}

var _ Repository = (*Resilient)(nil)
