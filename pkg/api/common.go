package api

import (
	"net/http"

	"github.com/platinummonkey/lexgate/pkg/httputil"
	"github.com/platinummonkey/lexgate/pkg/middleware"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
)

// targetParam names the optional institution a global admin acts on
const targetParam = "target_institution_id"

// caller returns the request principal or writes 401
func caller(w http.ResponseWriter, r *http.Request) (rbac.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "no caller identity on request")
		return rbac.Principal{}, false
	}
	return p, true
}

// target picks the institution an admin request acts on: the body value when
// set, else the query parameter, else 0 meaning the caller's own
func target(w http.ResponseWriter, r *http.Request, fromBody int64) (int64, bool) {
	if fromBody != 0 {
		return fromBody, true
	}
	return httputil.ParseQueryInt64OrError(w, r, targetParam, 0)
}

// writeError logs server-side failures and maps err onto a status
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, op string, err error) {
	if httputil.StatusFor(err) >= http.StatusInternalServerError {
		observability.FromContext(r.Context(), logger).WithError(err).WithField("operation", op).Error("request failed")
	}
	httputil.WriteServiceError(w, err)
}
