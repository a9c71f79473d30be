package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/lexgate/pkg/authz"
	"github.com/platinummonkey/lexgate/pkg/features"
	"github.com/platinummonkey/lexgate/pkg/httputil"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
)

// FeatureHandlers serves institution features and per-user overrides
type FeatureHandlers struct {
	engine   *authz.Engine
	features *features.Service
	logger   *observability.Logger
}

// NewFeatureHandlers creates feature handlers
func NewFeatureHandlers(engine *authz.Engine, svc *features.Service, logger *observability.Logger) *FeatureHandlers {
	return &FeatureHandlers{engine: engine, features: svc, logger: logger}
}

// RegisterRoutes registers feature routes
func (h *FeatureHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/features/catalog", h.getCatalog).Methods("GET")
	router.HandleFunc("/features", h.updateInstitutionFeatures).Methods("PUT")
	router.HandleFunc("/institutions/{id}/features", h.getInstitutionFeatures).Methods("GET")
	router.HandleFunc("/users/{id}/features", h.getUserFeatureKeys).Methods("GET")
	router.HandleFunc("/users/{id}/features", h.setUserFeatureOverrides).Methods("PUT")
}

// UpdateFeaturesRequest is the body of PUT /features
type UpdateFeaturesRequest struct {
	Features            map[string]bool `json:"features"`
	TargetInstitutionID int64           `json:"target_institution_id,omitempty"`
}

// SetOverridesRequest is the body of PUT /users/{id}/features
type SetOverridesRequest struct {
	Overrides           map[string]bool `json:"overrides"`
	TargetInstitutionID int64           `json:"target_institution_id,omitempty"`
}

// UserFeatureKeysResponse is the body of GET /users/{id}/features
type UserFeatureKeysResponse struct {
	UserID int64    `json:"user_id"`
	Keys   []string `json:"keys"`
}

// CatalogResponse is the body of GET /features/catalog
type CatalogResponse struct {
	Features []features.Feature `json:"features"`
	Actions  []features.Action  `json:"actions"`
}

// readableInstitution resolves which institution a read may target: the
// caller's own, or any when the caller belongs to the global admin institution
func (h *FeatureHandlers) readableInstitution(p rbac.Principal, requested int64) (int64, error) {
	if requested == 0 || requested == p.InstitutionID {
		return p.InstitutionID, nil
	}
	if p.InstitutionID == h.engine.GlobalAdminInstitutionID() {
		return requested, nil
	}
	return 0, rbac.ErrUnauthorized
}

// getCatalog handles GET /features/catalog
func (h *FeatureHandlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	reg := h.features.Registry()
	httputil.WriteSuccess(w, CatalogResponse{Features: reg.Features(), Actions: reg.Actions()})
}

// getInstitutionFeatures handles GET /institutions/{id}/features
func (h *FeatureHandlers) getInstitutionFeatures(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	requested, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	inst, err := h.readableInstitution(p, requested)
	if err != nil {
		writeError(w, r, h.logger, "institution_features", err)
		return
	}

	list, err := h.features.InstitutionFeatures(r.Context(), inst)
	if err != nil {
		writeError(w, r, h.logger, "institution_features", err)
		return
	}
	httputil.WriteSuccess(w, list)
}

// updateInstitutionFeatures handles PUT /features
func (h *FeatureHandlers) updateInstitutionFeatures(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req UpdateFeaturesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tgt, ok := target(w, r, req.TargetInstitutionID)
	if !ok {
		return
	}

	if err := h.engine.UpdateInstitutionFeatures(r.Context(), p, tgt, req.Features); err != nil {
		writeError(w, r, h.logger, "update_institution_features", err)
		return
	}
	httputil.WriteNoContent(w)
}

// getUserFeatureKeys handles GET /users/{id}/features
func (h *FeatureHandlers) getUserFeatureKeys(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	requested, ok := httputil.ParseQueryInt64OrError(w, r, targetParam, 0)
	if !ok {
		return
	}
	inst, err := h.readableInstitution(p, requested)
	if err != nil {
		writeError(w, r, h.logger, "user_feature_keys", err)
		return
	}

	keys, err := h.features.UserEnabledFeatureKeys(r.Context(), userID, inst)
	if err != nil {
		writeError(w, r, h.logger, "user_feature_keys", err)
		return
	}
	httputil.WriteSuccess(w, UserFeatureKeysResponse{UserID: userID, Keys: keys})
}

// setUserFeatureOverrides handles PUT /users/{id}/features
func (h *FeatureHandlers) setUserFeatureOverrides(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req SetOverridesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tgt, ok := target(w, r, req.TargetInstitutionID)
	if !ok {
		return
	}

	if err := h.engine.SetUserFeatureOverrides(r.Context(), p, userID, tgt, req.Overrides); err != nil {
		writeError(w, r, h.logger, "set_user_feature_overrides", err)
		return
	}
	httputil.WriteNoContent(w)
}
