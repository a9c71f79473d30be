// Package features owns the static feature catalog, its per-institution menu
// rows, and per-user feature overrides.
package features

import (
	"context"
	"fmt"
	"sort"

	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository"
	"golang.org/x/sync/errgroup"
)

// InstitutionFeature is one catalog feature as configured for an institution
type InstitutionFeature struct {
	Key          string `json:"key"`
	Path         string `json:"path"`
	Label        string `json:"label"`
	IsEnabled    bool   `json:"is_enabled"`
	MenuRowID    int64  `json:"menu_row_id"`
	AdminDefault bool   `json:"admin_default"`
}

// Service reconciles institution menus against the registry and manages overrides
type Service struct {
	repo     repository.FeatureStore
	registry *Registry
	logger   *observability.Logger
}

// NewService creates a feature service. A nil registry uses the compiled-in catalog.
func NewService(repo repository.FeatureStore, registry *Registry, logger *observability.Logger) *Service {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		repo:     repo,
		registry: registry,
		logger:   logger.WithField("component", "features"),
	}
}

// Registry returns the catalog the service reconciles against
func (s *Service) Registry() *Registry {
	return s.registry
}

// InstitutionFeatures returns one entry per catalog feature, in catalog order.
// Missing menu rows are created in one batch, enabled by default. When
// duplicate rows exist for a path the lowest id wins.
func (s *Service) InstitutionFeatures(ctx context.Context, institutionID int64) ([]InstitutionFeature, error) {
	menus, err := s.repo.ListMenus(ctx, institutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list menus: %w", err)
	}

	byPath := firstByPath(menus)

	var missing []rbac.Menu
	for i, f := range s.registry.features {
		if _, ok := byPath[f.Path]; !ok {
			missing = append(missing, rbac.Menu{
				InstitutionID: institutionID,
				Label:         f.Label,
				Path:          f.Path,
				IsActive:      true,
				DisplayOrder:  i,
			})
		}
	}

	if len(missing) > 0 {
		created, err := s.repo.CreateMenus(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("failed to create %d menu rows: %w", len(missing), err)
		}
		for _, m := range created {
			if _, ok := byPath[m.Path]; !ok {
				byPath[m.Path] = m
			}
		}
		s.logger.WithFields(map[string]interface{}{
			"institution_id": institutionID,
			"created":        len(created),
		}).Info("reconciled institution menus")
	}

	out := make([]InstitutionFeature, 0, len(s.registry.features))
	for _, f := range s.registry.features {
		feature := InstitutionFeature{
			Key:          f.Key,
			Path:         f.Path,
			Label:        f.Label,
			IsEnabled:    true,
			AdminDefault: f.AdminDefault,
		}
		if m, ok := byPath[f.Path]; ok {
			feature.IsEnabled = m.IsActive
			feature.MenuRowID = m.ID
		}
		out = append(out, feature)
	}
	return out, nil
}

// firstByPath indexes menus by path keeping the lowest id per path
func firstByPath(menus []rbac.Menu) map[string]rbac.Menu {
	sorted := append([]rbac.Menu(nil), menus...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byPath := make(map[string]rbac.Menu, len(sorted))
	for _, m := range sorted {
		if _, ok := byPath[m.Path]; !ok {
			byPath[m.Path] = m
		}
	}
	return byPath
}

// SetInstitutionFeatures applies the desired enabled state per feature key.
// Unknown keys are rejected before any write; unchanged rows are not written.
// It returns the number of rows changed.
func (s *Service) SetInstitutionFeatures(ctx context.Context, institutionID int64, desired map[string]bool) (int, error) {
	for key := range desired {
		if _, ok := s.registry.Feature(key); !ok {
			return 0, fmt.Errorf("%w: unknown feature key %q", rbac.ErrInvalidArgument, key)
		}
	}

	current, err := s.InstitutionFeatures(ctx, institutionID)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	changed := 0
	for _, f := range current {
		want, ok := desired[f.Key]
		if !ok || want == f.IsEnabled || f.MenuRowID == 0 {
			continue
		}
		changed++
		id, active := f.MenuRowID, want
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = observability.MustRecover(r)
				}
			}()
			return s.repo.SetMenuActive(gctx, id, active)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("failed to update institution features: %w", err)
	}
	return changed, nil
}

// UserEnabledFeatureKeys returns the overridable keys the user has enabled,
// admin-default features first then actions, in catalog order. Overrides for
// keys outside the catalog are ignored.
func (s *Service) UserEnabledFeatureKeys(ctx context.Context, userID, institutionID int64) ([]string, error) {
	overrides, err := s.repo.ListUserOverrides(ctx, institutionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	return s.EnabledKeys(overrides), nil
}

// EnabledKeys filters overrides to the enabled, overridable keys in catalog order.
// When duplicate rows exist for a key the lowest id wins.
func (s *Service) EnabledKeys(overrides []rbac.UserFeatureOverride) []string {
	sorted := append([]rbac.UserFeatureOverride(nil), overrides...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	state := make(map[string]bool, len(sorted))
	for _, o := range sorted {
		if _, seen := state[o.FeatureKey]; !seen {
			state[o.FeatureKey] = o.IsEnabled
		}
	}

	keys := []string{}
	for _, key := range s.registry.OverridableKeys() {
		if state[key] {
			keys = append(keys, key)
		}
	}
	return keys
}

// SetUserOverrides upserts one override per key. Only admin-default feature
// keys and action keys are accepted; the input is validated before any write.
func (s *Service) SetUserOverrides(ctx context.Context, institutionID, userID int64, overrides map[string]bool) error {
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		if !s.registry.IsOverridable(key) {
			return fmt.Errorf("%w: %q cannot be overridden per user", rbac.ErrInvalidArgument, key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, err := s.repo.UpsertUserOverride(ctx, &rbac.UserFeatureOverride{
			UserID:        userID,
			InstitutionID: institutionID,
			FeatureKey:    key,
			IsEnabled:     overrides[key],
		}); err != nil {
			return fmt.Errorf("failed to set override %q: %w", key, err)
		}
	}
	return nil
}
