package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/lexgate/pkg/authz"
	"github.com/platinummonkey/lexgate/pkg/httputil"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/users"
)

// UserHandlers serves institution-scoped user administration. Every route
// requires sysadmin rights on the target institution.
type UserHandlers struct {
	engine *authz.Engine
	users  *users.Service
	logger *observability.Logger
}

// NewUserHandlers creates user handlers
func NewUserHandlers(engine *authz.Engine, svc *users.Service, logger *observability.Logger) *UserHandlers {
	return &UserHandlers{engine: engine, users: svc, logger: logger}
}

// RegisterRoutes registers user routes
func (h *UserHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users", h.listUsers).Methods("GET")
	router.HandleFunc("/users", h.createUser).Methods("POST")
	router.HandleFunc("/users/{id}", h.updateUser).Methods("PUT")
	router.HandleFunc("/users/{id}", h.deleteUser).Methods("DELETE")
}

// admin authorizes the caller and returns the institution to act on
func (h *UserHandlers) admin(w http.ResponseWriter, r *http.Request) (int64, bool) {
	p, ok := caller(w, r)
	if !ok {
		return 0, false
	}
	tgt, ok := target(w, r, 0)
	if !ok {
		return 0, false
	}
	inst, err := h.engine.AssertSysAdmin(r.Context(), p, tgt)
	if err != nil {
		writeError(w, r, h.logger, "user_admin", err)
		return 0, false
	}
	return inst, true
}

// listUsers handles GET /users
func (h *UserHandlers) listUsers(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.admin(w, r)
	if !ok {
		return
	}

	list, err := h.users.List(r.Context(), inst)
	if err != nil {
		writeError(w, r, h.logger, "list_users", err)
		return
	}
	httputil.WriteSuccess(w, list)
}

// createUser handles POST /users
func (h *UserHandlers) createUser(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.admin(w, r)
	if !ok {
		return
	}
	var req users.CreateInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := h.users.Create(r.Context(), inst, req)
	if err != nil {
		writeError(w, r, h.logger, "create_user", err)
		return
	}
	httputil.WriteCreated(w, user)
}

// updateUser handles PUT /users/{id}
func (h *UserHandlers) updateUser(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.admin(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req users.UpdateInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := h.users.Update(r.Context(), inst, userID, req)
	if err != nil {
		writeError(w, r, h.logger, "update_user", err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// deleteUser handles DELETE /users/{id}
func (h *UserHandlers) deleteUser(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.admin(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.users.Delete(r.Context(), inst, userID); err != nil {
		writeError(w, r, h.logger, "delete_user", err)
		return
	}
	httputil.WriteNoContent(w)
}

