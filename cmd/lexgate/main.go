package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/lexgate/pkg/api"
	"github.com/platinummonkey/lexgate/pkg/authz"
	"github.com/platinummonkey/lexgate/pkg/cache"
	"github.com/platinummonkey/lexgate/pkg/config"
	"github.com/platinummonkey/lexgate/pkg/features"
	"github.com/platinummonkey/lexgate/pkg/identity"
	"github.com/platinummonkey/lexgate/pkg/middleware"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository"
	"github.com/platinummonkey/lexgate/pkg/repository/postgres"
	"github.com/platinummonkey/lexgate/pkg/repository/tabular"
	"github.com/platinummonkey/lexgate/pkg/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lexgate: %v\n", err)
		os.Exit(2)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "lexgate")
	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Error("lexgate stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	httpServer, summary, err := build(ctx, cfg, logger, shutdown)
	if err != nil {
		_ = shutdown.Shutdown(context.Background())
		return err
	}
	shutdown.AttachServer(httpServer)

	serveErr := make(chan error, 1)
	go func() {
		defer observability.RecoverPanic(logger, "http server")
		logger.WithFields(summary).Info("lexgate listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	return shutdown.WaitForShutdown(waitCtx)
}

// build wires every dependency and returns the configured server. Each opened
// resource registers its release hook on shutdown as soon as it exists.
func build(ctx context.Context, cfg *config.Config, logger *observability.Logger, shutdown *observability.ShutdownManager) (*http.Server, map[string]interface{}, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	shutdown.Register("tracing", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	// Backends
	var (
		db       *sql.DB
		primary  repository.Repository
		fallback repository.Repository
		fbPinger observability.Pinger
	)
	if cfg.Primary.Enabled() {
		db, err = postgres.Open(ctx, postgres.ConnectionConfig{
			URL:          cfg.Primary.URL,
			MaxOpenConns: cfg.Primary.MaxOpenConns,
			MaxIdleConns: cfg.Primary.MaxIdleConns,
			MaxLifetime:  cfg.Primary.ConnMaxLifetime,
			Timeout:      cfg.Primary.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		shutdown.Register("postgres", func(context.Context) error { return db.Close() })

		if cfg.Primary.RunMigrations {
			if err := postgres.RunMigrations(ctx, db, logger); err != nil {
				return nil, nil, err
			}
		}
		primary = postgres.NewStore(db)
	}
	if cfg.Fallback.Enabled() {
		store, err := tabular.NewStore(tabular.Config{
			BaseURL: cfg.Fallback.BaseURL,
			Token:   cfg.Fallback.Token,
			Timeout: cfg.Fallback.Timeout,
			Tables:  cfg.Fallback.Tables,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		fallback = store
		fbPinger = store
	}

	repo, err := repository.NewResilient(primary, fallback, repository.ResilientConfig{
		Domain:          repository.DomainPermissions,
		Switch:          cfg.Authz.PrimaryEnabledFor,
		PrimaryTimeout:  cfg.Primary.Timeout,
		FallbackTimeout: cfg.Fallback.Timeout,
	}, logger, metrics)
	if err != nil {
		return nil, nil, err
	}

	// Caches
	var (
		redisClient *redis.Client
		userCache   cache.Cache[[]rbac.User]
		statusCache cache.Cache[authz.Status]
		limiter     middleware.Limiter
	)
	switch cfg.Cache.Backend {
	case "redis":
		redisClient, err = cache.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
		userCache = cache.NewRedisCache[[]rbac.User](redisClient, cfg.Cache.KeyPrefix, "users", metrics)
		statusCache = cache.NewRedisCache[authz.Status](redisClient, cfg.Cache.KeyPrefix, "status", metrics)
		if cfg.Server.MutationRateLimit > 0 {
			limiter = middleware.NewRedisLimiter(redisClient, middleware.MutationRateLimitConfig(cfg.Server.MutationRateLimit), cfg.Cache.KeyPrefix+"ratelimit")
		}
	default:
		uc, err := cache.NewMemoryCache[[]rbac.User]("users", cfg.Cache.Size, cache.WithMetrics(metrics))
		if err != nil {
			return nil, nil, err
		}
		sc, err := cache.NewMemoryCache[authz.Status]("status", cfg.Cache.Size, cache.WithMetrics(metrics))
		if err != nil {
			return nil, nil, err
		}
		userCache, statusCache = uc, sc
		if cfg.Server.MutationRateLimit > 0 {
			memLimiter := middleware.NewMemoryLimiter(middleware.MutationRateLimitConfig(cfg.Server.MutationRateLimit), nil)
			limiterCtx, stopLimiter := context.WithCancel(ctx)
			memLimiter.StartCleanup(limiterCtx)
			shutdown.Register("rate limiter", func(context.Context) error { stopLimiter(); return nil })
			limiter = memLimiter
		}
	}

	// Services
	resolver := identity.NewResolver(repo, userCache, cfg.Cache.TTL, logger)
	featureSvc := features.NewService(repo, nil, logger)
	engine := authz.NewEngine(repo, resolver, featureSvc, statusCache, authz.Config{
		GlobalAdminInstitutionID: cfg.Authz.GlobalAdminInstitutionID,
		StatusTTL:                cfg.Cache.TTL,
	}, logger, metrics)
	userSvc := users.NewService(repo, engine, logger)

	principalCfg := middleware.PrincipalConfig{
		InstitutionClaim:    cfg.Auth.InstitutionClaim,
		TrustGatewayHeaders: cfg.Auth.TrustGatewayHeader,
	}
	if cfg.Auth.OIDCIssuer != "" {
		verifier, err := middleware.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
		if err != nil {
			return nil, nil, err
		}
		principalCfg.Verifier = verifier
	}

	server := api.NewServer(api.Config{
		Engine:       engine,
		Features:     featureSvc,
		Users:        userSvc,
		Principal:    middleware.NewPrincipalMiddleware(principalCfg, logger),
		Limiter:      limiter,
		Logger:       logger,
		Metrics:      metrics,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	observability.RegisterHealthRoutes(server.Router(), observability.NewHealthChecker(db, redisClient, fbPinger, version))
	if cfg.Observability.MetricsEnabled {
		server.Router().Handle("/metrics", observability.MetricsHandler(registry)).Methods("GET")
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	summary := map[string]interface{}{
		"addr":     httpServer.Addr,
		"version":  version,
		"primary":  primary != nil,
		"fallback": fallback != nil,
		"cache":    cfg.Cache.Backend,
	}
	return httpServer, summary, nil
}
