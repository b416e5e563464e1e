package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/auditledger/pkg/async"
	"github.com/platinummonkey/auditledger/pkg/audit/diff"
	"github.com/platinummonkey/auditledger/pkg/audit/handlers"
	"github.com/platinummonkey/auditledger/pkg/audit/integrity"
	"github.com/platinummonkey/auditledger/pkg/audit/query"
	"github.com/platinummonkey/auditledger/pkg/audit/recorder"
	"github.com/platinummonkey/auditledger/pkg/config"
	"github.com/platinummonkey/auditledger/pkg/httputil"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

var version = "dev"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if level, err := logrus.ParseLevel(strings.ToLower(cfg.Observability.LogLevel.String())); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("auditd stopped")
	}
	log.Info("auditd stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "auditd")
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	health := observability.NewHealthChecker(version)

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTelConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	if providers != nil {
		shutdown.Register("otel", providers.Shutdown)
	}

	st, db, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if db != nil {
		shutdown.Register("database", func(context.Context) error { return db.db.Close() })
		health.AddDatabase(db.db)
		async.SafeGo(ctx, 0, "db stats", logger, func(ctx context.Context) error {
			return reportDBStats(ctx, db.db, metrics)
		})
	}
	log.WithField("storage", cfg.Storage.Type).Info("Audit store ready")

	keys, err := integrity.LoadKeys(cfg.Integrity.KeyConfig())
	if err != nil {
		return fmt.Errorf("failed to load integrity keys: %w", err)
	}
	if keys.Plaintext {
		log.Warn("Running in plaintext mode: records are not signed")
	}

	cat, err := loadCatalog(cfg.Ledger)
	if err != nil {
		return err
	}

	cls, err := startClassification(ctx, cfg.Rules, db, logger, metrics)
	if err != nil {
		return err
	}
	shutdown.Register("scheduler", func(context.Context) error {
		cls.scheduler.Stop()
		return nil
	})
	log.WithField("rules", cls.engine.Len()).Info("Rule engine loaded")

	gate, err := openGate(cfg.Dedup, health, shutdown)
	if err != nil {
		return err
	}

	opts := []recorder.Option{
		recorder.WithLogger(logger),
		recorder.WithMetrics(metrics),
		recorder.WithCatalog(cat),
		recorder.WithGate(gate),
		recorder.WithClassifier(cls.engine),
		recorder.WithSourceSystem(cfg.Ledger.SourceSystem),
	}
	if cfg.Forwarder.Enabled() {
		fwd, err := openForwarder(cfg.Forwarder)
		if err != nil {
			return err
		}
		opts = append(opts, recorder.WithForwarder(fwd, cfg.Forwarder.AsyncConfig()))
		log.WithField("urls", cfg.Forwarder.WebhookURLs).Info("Forwarding records to webhooks")
	}
	rec, err := recorder.New(st, keys, opts...)
	if err != nil {
		return fmt.Errorf("failed to create recorder: %w", err)
	}
	shutdown.Register("recorder", rec.Close)

	queryOpts := []query.Option{
		query.WithLogger(logger),
		query.WithMetrics(metrics),
		query.WithWriteBarrier(rec),
	}
	if keys.Signer != nil {
		queryOpts = append(queryOpts, query.WithVerifier(integrity.NewVerifier(keys.Signer, keys.Cipher)))
	}
	if cfg.Archive.Enabled {
		arch, err := openArchiver(ctx, cfg.Archive, logger, health)
		if err != nil {
			return err
		}
		queryOpts = append(queryOpts, query.WithArchiver(arch))
	}
	svc := query.NewService(st, queryOpts...)

	router := mux.NewRouter()
	router.Use(
		httputil.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics, routeTemplate),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		handlers.ActorMiddleware,
		handlers.NewAuditMiddleware(rec, cls.engine, handlers.AuditConfig{RecordUnmatched: cfg.Rules.RecordUnmatched}, logger).Handler,
	)
	handlers.NewHandlers(svc, rec, diff.NewFormatter(cls.dictionary), logger).RegisterRoutes(router)

	api := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "auditd"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	shutdown.Register("api server", api.Shutdown)

	ops := http.NewServeMux()
	ops.HandleFunc("/health/live", health.Liveness)
	ops.HandleFunc("/health/ready", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		ops.Handle("/metrics", observability.MetricsHandler(registry))
	}
	opsServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           ops,
		ReadHeaderTimeout: 5 * time.Second,
	}
	shutdown.Register("health server", opsServer.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", api.Addr).Info("Starting audit API server")
		return serve(api)
	})
	g.Go(func() error {
		log.WithField("addr", opsServer.Addr).Info("Starting health server")
		return serve(opsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		return shutdown.Shutdown(context.Background())
	})
	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", srv.Addr, err)
	}
	return nil
}

// routeTemplate labels metrics with the matched mux route
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
