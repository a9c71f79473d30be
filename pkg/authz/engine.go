package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/lexgate/pkg/cache"
	"github.com/platinummonkey/lexgate/pkg/features"
	"github.com/platinummonkey/lexgate/pkg/identity"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Privilege tiers, in evaluation order
const (
	TierGlobalAdmin = "global_admin"
	TierSysAdmin    = "sysadmin"
	TierOfficeAdmin = "office_admin"
	TierRegular     = "regular"
)

// DefaultGlobalAdminInstitutionID is the reserved institution whose users bypass tenant checks
const DefaultGlobalAdminInstitutionID int64 = 4

// Status is the resolved access of one principal
type Status struct {
	IsSysAdmin     bool     `json:"is_sys_admin"`
	IsGlobalAdmin  bool     `json:"is_global_admin"`
	IsOfficeAdmin  bool     `json:"is_office_admin"`
	UserID         int64    `json:"user_id"`
	EnabledPages   []string `json:"enabled_pages"`
	EnabledActions []string `json:"enabled_actions"`
}

// Config configures the engine
type Config struct {
	GlobalAdminInstitutionID int64
	StatusTTL                time.Duration
}

// Engine resolves privilege tiers and performs admin mutations
type Engine struct {
	repo     repository.Repository
	identity *identity.Resolver
	features *features.Service
	status   *cache.Loader[Status]
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// NewEngine wires an engine. statusCache holds full resolutions keyed by
// "institution:legacyUser".
func NewEngine(
	repo repository.Repository,
	resolver *identity.Resolver,
	featureSvc *features.Service,
	statusCache cache.Cache[Status],
	cfg Config,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Engine {
	if cfg.GlobalAdminInstitutionID == 0 {
		cfg.GlobalAdminInstitutionID = DefaultGlobalAdminInstitutionID
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = cache.DefaultTTL
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	logger = logger.WithField("component", "authz")

	return &Engine{
		repo:     repo,
		identity: resolver,
		features: featureSvc,
		status:   cache.NewLoader(statusCache, cfg.StatusTTL, logger),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   observability.Tracer(),
	}
}

// GlobalAdminInstitutionID returns the reserved institution id
func (e *Engine) GlobalAdminInstitutionID() int64 {
	return e.cfg.GlobalAdminInstitutionID
}

// StatusKey is the status cache key of a principal. Principals without a
// legacy id are keyed by their lowercased email. The tag keeps the two
// namespaces apart.
func StatusKey(institutionID int64, legacyUserID, email string) string {
	if legacyUserID != "" {
		return statusPrefix(institutionID) + "l:" + legacyUserID
	}
	return statusPrefix(institutionID) + "e:" + strings.ToLower(strings.TrimSpace(email))
}

func statusPrefix(institutionID int64) string {
	return strconv.FormatInt(institutionID, 10) + ":"
}

// degradedError carries a safe-default status that must not be cached
type degradedError struct {
	status Status
	cause  error
}

func (d *degradedError) Error() string {
	return "degraded resolution: " + d.cause.Error()
}

func (d *degradedError) Unwrap() error {
	return d.cause
}

// ResolveStatus returns the pages and actions available to the principal.
// Tiers are evaluated in order and the first match wins. Complete results are
// cached per principal; degraded results are returned but not cached.
func (e *Engine) ResolveStatus(ctx context.Context, institutionID int64, legacyUserID, email string) (*Status, error) {
	ctx, span := e.tracer.Start(ctx, "authz.ResolveStatus", trace.WithAttributes(
		attribute.Int64("institution_id", institutionID),
	))
	defer span.End()

	if institutionID == e.cfg.GlobalAdminInstitutionID {
		e.metrics.ResolutionsTotal.WithLabelValues(TierGlobalAdmin).Inc()
		span.SetAttributes(attribute.String("tier", TierGlobalAdmin))
		st := e.fullAccess(0)
		st.IsGlobalAdmin = true
		return &st, nil
	}

	st, err := e.status.GetOrLoad(ctx, StatusKey(institutionID, legacyUserID, email), func(ctx context.Context) (Status, error) {
		return e.resolve(ctx, institutionID, legacyUserID, email)
	})
	var degraded *degradedError
	if errors.As(err, &degraded) {
		e.metrics.DegradedResolutionsTotal.Inc()
		span.SetAttributes(attribute.Bool("degraded", true))
		return degraded.status.clone(), nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return st.clone(), nil
}

// clone returns a copy that shares no slices with cached entries
func (s Status) clone() *Status {
	s.EnabledPages = slices.Clone(s.EnabledPages)
	s.EnabledActions = slices.Clone(s.EnabledActions)
	return &s
}

func (e *Engine) fullAccess(userID int64) Status {
	registry := e.features.Registry()
	return Status{
		IsSysAdmin:     true,
		UserID:         userID,
		EnabledPages:   registry.Paths(),
		EnabledActions: registry.ActionKeys(),
	}
}

func (e *Engine) resolve(ctx context.Context, institutionID int64, legacyUserID, email string) (Status, error) {
	log := e.logger.WithFields(map[string]interface{}{
		"institution_id": institutionID,
		"legacy_user_id": legacyUserID,
	})

	user, err := e.identity.Resolve(ctx, institutionID, legacyUserID, email)
	if err != nil {
		log.WithError(err).Warn("identity resolution failed, using safe default")
		st, ferr := e.regular(ctx, institutionID, nil)
		if ferr != nil {
			return Status{}, ferr
		}
		return Status{}, &degradedError{status: st, cause: err}
	}

	isSys, err := e.hasSysAdminRole(ctx, institutionID, user.ID)
	if err != nil {
		return Status{}, err
	}
	if isSys {
		e.metrics.ResolutionsTotal.WithLabelValues(TierSysAdmin).Inc()
		st := e.fullAccess(user.ID)
		st.IsOfficeAdmin = user.IsOfficeAdmin
		return st, nil
	}

	if user.IsOfficeAdmin {
		e.metrics.ResolutionsTotal.WithLabelValues(TierOfficeAdmin).Inc()
		st := e.fullAccess(user.ID)
		st.IsSysAdmin = false
		st.IsOfficeAdmin = true
		return st, nil
	}

	st, err := e.regular(ctx, institutionID, user)
	var degraded *degradedError
	if errors.As(err, &degraded) {
		log.WithError(degraded.cause).Warn("override lookup failed, using safe default")
	}
	return st, err
}

// hasSysAdminRole fetches the user's role links and the institution roles
// concurrently and reports whether any linked role is a sysadmin role.
func (e *Engine) hasSysAdminRole(ctx context.Context, institutionID, userID int64) (bool, error) {
	var (
		links []rbac.UserRole
		roles []rbac.Role
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recoverInto(&err)
		links, err = e.repo.ListUserRoles(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		defer recoverInto(&err)
		roles, err = e.repo.ListRoles(gctx, institutionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, fmt.Errorf("failed to load roles of user %d: %w", userID, err)
	}

	linked := make(map[int64]bool, len(links))
	for _, l := range links {
		linked[l.RoleID] = true
	}
	for _, r := range roles {
		if linked[r.ID] && r.Kind() == rbac.RoleKindSysAdmin {
			return true, nil
		}
	}
	return false, nil
}

// regular computes the regular-user tier. A nil user or a failed override
// lookup yields the safe default wrapped in a degradedError.
func (e *Engine) regular(ctx context.Context, institutionID int64, user *rbac.User) (Status, error) {
	var (
		institution []features.InstitutionFeature
		overrides   []rbac.UserFeatureOverride
		overrideErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recoverInto(&err)
		institution, err = e.features.InstitutionFeatures(gctx, institutionID)
		return err
	})
	if user != nil {
		g.Go(func() (err error) {
			defer recoverInto(&overrideErr)
			overrides, overrideErr = e.repo.ListUserOverrides(gctx, institutionID, user.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Status{}, err
	}

	enabled := map[string]bool{}
	if overrideErr == nil {
		for _, key := range e.features.EnabledKeys(overrides) {
			enabled[key] = true
		}
	}

	st := Status{EnabledPages: []string{}, EnabledActions: []string{}}
	if user != nil {
		st.UserID = user.ID
	}
	for _, f := range institution {
		if !f.IsEnabled {
			continue
		}
		if f.AdminDefault && !enabled[f.Key] {
			continue
		}
		st.EnabledPages = append(st.EnabledPages, f.Path)
	}
	for _, key := range e.features.Registry().ActionKeys() {
		if enabled[key] {
			st.EnabledActions = append(st.EnabledActions, key)
		}
	}

	if user == nil {
		return st, nil
	}
	if overrideErr != nil {
		return Status{}, &degradedError{status: st, cause: overrideErr}
	}
	e.metrics.ResolutionsTotal.WithLabelValues(TierRegular).Inc()
	return st, nil
}

// InvalidateInstitution synchronously drops the user list and every cached
// status of the institution.
func (e *Engine) InvalidateInstitution(ctx context.Context, institutionID int64) error {
	identityErr := e.identity.Invalidate(ctx, institutionID)
	statusErr := e.status.InvalidatePrefix(ctx, statusPrefix(institutionID))
	if err := errors.Join(identityErr, statusErr); err != nil {
		return fmt.Errorf("failed to invalidate caches of institution %d: %w", institutionID, err)
	}
	e.logger.WithField("institution_id", institutionID).Debug("institution caches invalidated")
	return nil
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = observability.MustRecover(r)
	}
}
