// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("institution_id", 7).Info("permissions resolved")
//
// Request-scoped loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx, fallback).Warn("primary backend failed")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.BackendFallbackTotal.WithLabelValues("ListUsers", "error").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, tabularStore, version)
//	status := checker.Check(ctx)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Graceful Shutdown
//
//	sm := observability.NewShutdownManager(logger, 30*time.Second)
//	sm.Register("postgres", func(context.Context) error { return db.Close() })
//	sm.AttachServer(httpServer)
//	err := sm.WaitForShutdown(ctx)
//
// Hooks run after the server drains, last registered first.
package observability
