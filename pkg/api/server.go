package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/lexgate/pkg/authz"
	"github.com/platinummonkey/lexgate/pkg/features"
	"github.com/platinummonkey/lexgate/pkg/httputil"
	"github.com/platinummonkey/lexgate/pkg/middleware"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/users"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultMaxBodyBytes caps request bodies when Config.MaxBodyBytes is zero
const DefaultMaxBodyBytes = 1 << 20

// Config holds the collaborators of the API server
type Config struct {
	Engine    *authz.Engine
	Features  *features.Service
	Users     *users.Service
	Principal *middleware.PrincipalMiddleware
	// Limiter throttles admin writes per caller; nil disables it
	Limiter      middleware.Limiter
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	MaxBodyBytes int64
}

// Server routes the /api/v1 surface
type Server struct {
	cfg    Config
	router *mux.Router
	logger *observability.Logger
}

// RouteRegistrar is implemented by handler groups
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// NewServer creates the API server and registers every handler group
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		logger: cfg.Logger.WithField("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	if s.cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.cfg.Metrics))
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.cfg.Principal.Handler)
	if s.cfg.Limiter != nil {
		v1.Use(middleware.RateLimitMutations(s.cfg.Limiter, s.logger))
	}
	v1.Use(httputil.ContentTypeMiddleware)

	for _, group := range []RouteRegistrar{
		NewPermissionHandlers(s.cfg.Engine, s.logger),
		NewFeatureHandlers(s.cfg.Engine, s.cfg.Features, s.logger),
		NewUserHandlers(s.cfg.Engine, s.cfg.Users, s.logger),
	} {
		group.RegisterRoutes(v1)
	}
}

// RegisterRoutes adds routes outside /api/v1, such as health and metrics
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}

// Router exposes the root router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the fully wrapped handler to serve
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware(s.cfg.Logger),
		httputil.RecoveryMiddleware(s.cfg.Logger),
		httputil.LoggingMiddleware(s.cfg.Logger),
		httputil.MaxBytesMiddleware(s.cfg.MaxBodyBytes),
	)
	return otelhttp.NewHandler(chain(s.router), "lexgate")
}

// ServeHTTP implements http.Handler without the outer middleware chain
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
