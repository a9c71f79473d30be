package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/platinummonkey/lexgate/pkg/contextkeys"
	"github.com/platinummonkey/lexgate/pkg/httputil"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/spf13/cast"
)

// Gateway headers carrying an already authenticated caller
const (
	HeaderInstitutionID = "X-Institution-ID"
	HeaderLegacyUserID  = "X-Legacy-User-ID"
	HeaderUserEmail     = "X-User-Email"
)

// DefaultInstitutionClaim is the ID token claim holding the institution id
const DefaultInstitutionClaim = "institution_id"

var errNoPrincipal = errors.New("no caller identity on request")

// TokenVerifier verifies a raw ID token. *oidc.IDTokenVerifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// NewOIDCVerifier discovers the issuer and returns a verifier bound to clientID
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

// PrincipalConfig configures PrincipalMiddleware
type PrincipalConfig struct {
	// Verifier enables bearer ID tokens when set
	Verifier TokenVerifier
	// InstitutionClaim defaults to DefaultInstitutionClaim
	InstitutionClaim string
	// TrustGatewayHeaders accepts the X-Institution-ID family of headers
	TrustGatewayHeaders bool
}

// PrincipalMiddleware establishes the caller principal for every request
type PrincipalMiddleware struct {
	cfg    PrincipalConfig
	logger *observability.Logger
}

// NewPrincipalMiddleware creates the middleware
func NewPrincipalMiddleware(cfg PrincipalConfig, logger *observability.Logger) *PrincipalMiddleware {
	if cfg.InstitutionClaim == "" {
		cfg.InstitutionClaim = DefaultInstitutionClaim
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &PrincipalMiddleware{cfg: cfg, logger: logger}
}

// Handler rejects requests without a usable principal with 401
func (m *PrincipalMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.principal(r)
		if err != nil {
			observability.FromContext(r.Context(), m.logger).WithError(err).Debug("principal rejected")
			httputil.WriteUnauthorized(w, err.Error())
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *PrincipalMiddleware) principal(r *http.Request) (rbac.Principal, error) {
	if m.cfg.Verifier != nil {
		if raw, ok := bearerToken(r); ok {
			return m.fromToken(r.Context(), raw)
		}
	}
	if m.cfg.TrustGatewayHeaders && r.Header.Get(HeaderInstitutionID) != "" {
		return fromHeaders(r)
	}
	return rbac.Principal{}, errNoPrincipal
}

func (m *PrincipalMiddleware) fromToken(ctx context.Context, raw string) (rbac.Principal, error) {
	token, err := m.cfg.Verifier.Verify(ctx, raw)
	if err != nil {
		return rbac.Principal{}, fmt.Errorf("invalid ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := token.Claims(&claims); err != nil {
		return rbac.Principal{}, fmt.Errorf("invalid ID token claims: %w", err)
	}

	inst, err := cast.ToInt64E(claims[m.cfg.InstitutionClaim])
	if err != nil || inst <= 0 {
		return rbac.Principal{}, fmt.Errorf("ID token has no valid %s claim", m.cfg.InstitutionClaim)
	}

	return rbac.Principal{
		InstitutionID: inst,
		LegacyUserID:  token.Subject,
		Email:         cast.ToString(claims["email"]),
	}, nil
}

func fromHeaders(r *http.Request) (rbac.Principal, error) {
	inst, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderInstitutionID)), 10, 64)
	if err != nil || inst <= 0 {
		return rbac.Principal{}, fmt.Errorf("invalid %s header", HeaderInstitutionID)
	}
	legacy := strings.TrimSpace(r.Header.Get(HeaderLegacyUserID))
	email := strings.TrimSpace(r.Header.Get(HeaderUserEmail))
	if legacy == "" && email == "" {
		return rbac.Principal{}, fmt.Errorf("%s or %s header is required", HeaderLegacyUserID, HeaderUserEmail)
	}
	return rbac.Principal{InstitutionID: inst, LegacyUserID: legacy, Email: email}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// PrincipalFrom returns the caller principal stored by PrincipalMiddleware
func PrincipalFrom(ctx context.Context) (rbac.Principal, bool) {
	p, ok := contextkeys.GetPrincipal(ctx).(rbac.Principal)
	return p, ok
}
