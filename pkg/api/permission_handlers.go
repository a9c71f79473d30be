package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/lexgate/pkg/authz"
	"github.com/platinummonkey/lexgate/pkg/httputil"
	"github.com/platinummonkey/lexgate/pkg/observability"
)

// PermissionHandlers serves status, overview and role administration
type PermissionHandlers struct {
	engine *authz.Engine
	logger *observability.Logger
}

// NewPermissionHandlers creates permission handlers
func NewPermissionHandlers(engine *authz.Engine, logger *observability.Logger) *PermissionHandlers {
	return &PermissionHandlers{engine: engine, logger: logger}
}

// RegisterRoutes registers permission routes
func (h *PermissionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/permissions/status", h.getStatus).Methods("GET")
	router.HandleFunc("/permissions/overview", h.getOverview).Methods("GET")
	router.HandleFunc("/permissions", h.createPermission).Methods("POST")

	router.HandleFunc("/roles", h.createRole).Methods("POST")
	router.HandleFunc("/roles/{id}", h.renameRole).Methods("PUT")
	router.HandleFunc("/roles/{id}", h.deleteRole).Methods("DELETE")
	router.HandleFunc("/roles/{id}/permissions", h.updateRolePermissions).Methods("PUT")

	router.HandleFunc("/users/{id}/roles", h.updateUserRoles).Methods("PUT")
}

// UpdateRolePermissionsRequest is the body of PUT /roles/{id}/permissions
type UpdateRolePermissionsRequest struct {
	PermissionIDs       []int64 `json:"permission_ids"`
	TargetInstitutionID int64   `json:"target_institution_id,omitempty"`
}

// UpdateUserRolesRequest is the body of PUT /users/{id}/roles
type UpdateUserRolesRequest struct {
	RoleIDs             []int64 `json:"role_ids"`
	TargetInstitutionID int64   `json:"target_institution_id,omitempty"`
}

// RoleRequest is the body of POST /roles and PUT /roles/{id}
type RoleRequest struct {
	Name                string `json:"name"`
	TargetInstitutionID int64  `json:"target_institution_id,omitempty"`
}

// CreatePermissionRequest is the body of POST /permissions
type CreatePermissionRequest struct {
	Code                string `json:"code"`
	MenuID              *int64 `json:"menu_id,omitempty"`
	TargetInstitutionID int64  `json:"target_institution_id,omitempty"`
}

// getStatus handles GET /permissions/status
func (h *PermissionHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}

	status, err := h.engine.ResolveStatus(r.Context(), p.InstitutionID, p.LegacyUserID, p.Email)
	if err != nil {
		writeError(w, r, h.logger, "status", err)
		return
	}
	httputil.WriteSuccess(w, status)
}

// getOverview handles GET /permissions/overview. Callers without rights on
// the target get the denied shape with 200.
func (h *PermissionHandlers) getOverview(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	tgt, ok := target(w, r, 0)
	if !ok {
		return
	}

	overview, err := h.engine.Overview(r.Context(), p, tgt)
	if err != nil {
		writeError(w, r, h.logger, "overview", err)
		return
	}
	httputil.WriteSuccess(w, overview)
}

// updateRolePermissions handles PUT /roles/{id}/permissions
func (h *PermissionHandlers) updateRolePermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdateRolePermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tgt, ok := target(w, r, req.TargetInstitutionID)
	if !ok {
		return
	}

	if err := h.engine.UpdateRolePermissions(r.Context(), p, roleID, req.PermissionIDs, tgt); err != nil {
		writeError(w, r, h.logger, "update_role_permissions", err)
		return
	}
	httputil.WriteNoContent(w)
}

// updateUserRoles handles PUT /users/{id}/roles
func (h *PermissionHandlers) updateUserRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdateUserRolesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tgt, ok := target(w, r, req.TargetInstitutionID)
	if !ok {
		return
	}

	if err := h.engine.UpdateUserRoles(r.Context(), p, userID, req.RoleIDs, tgt); err != nil {
		writeError(w, r, h.logger, "update_user_roles", err)
		return
	}
	httputil.WriteNoContent(w)
}

// createRole handles POST /roles
func (h *PermissionHandlers) createRole(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tgt, ok := target(w, r, req.TargetInstitutionID)
	if !ok {
		return
	}

	role, err := h.engine.CreateRole(r.Context(), p, tgt, req.Name)
	if err != nil {
		writeError(w, r, h.logger, "create_role", err)
		return
	}
	httputil.WriteCreated(w, role)
}

// renameRole handles PUT /roles/{id}
func (h *PermissionHandlers) renameRole(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tgt, ok := target(w, r, req.TargetInstitutionID)
	if !ok {
		return
	}

	role, err := h.engine.RenameRole(r.Context(), p, tgt, roleID, req.Name)
	if err != nil {
		writeError(w, r, h.logger, "rename_role", err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// deleteRole handles DELETE /roles/{id}
func (h *PermissionHandlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	tgt, ok := target(w, r, 0)
	if !ok {
		return
	}

	if err := h.engine.DeleteRole(r.Context(), p, tgt, roleID); err != nil {
		writeError(w, r, h.logger, "delete_role", err)
		return
	}
	httputil.WriteNoContent(w)
}

// createPermission handles POST /permissions
func (h *PermissionHandlers) createPermission(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req CreatePermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tgt, ok := target(w, r, req.TargetInstitutionID)
	if !ok {
		return
	}

	perm, err := h.engine.CreatePermission(r.Context(), p, tgt, req.Code, req.MenuID)
	if err != nil {
		writeError(w, r, h.logger, "create_permission", err)
		return
	}
	httputil.WriteCreated(w, perm)
}
