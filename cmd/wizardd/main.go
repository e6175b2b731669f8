// Package main is the entry point for the care wizard server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/definition"
	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/internal/schema"
	"github.com/pitabwire/carewizard/internal/submission"
	"github.com/pitabwire/carewizard/internal/transport"
	"github.com/pitabwire/carewizard/internal/upload"
	"github.com/pitabwire/carewizard/internal/validate"
	"github.com/pitabwire/carewizard/internal/wizard"
	"github.com/pitabwire/carewizard/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// existenceCheckTimeout bounds one unique-rule lookup before it fails open.
const existenceCheckTimeout = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "carewizard", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Wizard definitions.
	defs, err := loadDefinitions(cfg.Definitions)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	// External boundaries.
	storage, err := upload.OpenBlobStorage(ctx, cfg.Upload.BucketURL, cfg.Upload.CircuitBreaker, metrics, logger)
	if err != nil {
		logger.Error("storage initialization failed", zap.Error(err))
		return 1
	}
	defer storage.Close()

	recs, err := buildRecords(ctx, cfg.Records, logger, metrics)
	if err != nil {
		logger.Error("record boundary initialization failed", zap.Error(err))
		return 1
	}
	defer recs.close()

	ledger, closeLedger, err := buildLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		logger.Error("provisioning ledger initialization failed", zap.Error(err))
		return 1
	}
	defer closeLedger()

	gateway, webhook, err := buildGateway(cfg.Payment, ledger, logger, metrics)
	if err != nil {
		logger.Error("payment gateway initialization failed", zap.Error(err))
		return 1
	}

	publisher, publisherHealth, err := buildPublisher(cfg.Events, logger)
	if err != nil {
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}
	defer publisher.Close()

	// Wizard core.
	resolver := schema.NewResolver()
	validatorOpts := []validate.Option{validate.WithLogger(logger)}
	if recs.existence != nil {
		validatorOpts = append(validatorOpts, validate.WithExistenceChecker(
			validate.NewFailOpen(recs.existence, existenceCheckTimeout, logger, metrics),
		))
	}

	orchestrator := submission.NewOrchestrator(
		upload.NewUploader(storage, cfg.Upload, logger, metrics),
		gateway,
		recs.inserter,
		submission.WithLedger(ledger),
		submission.WithPublisher(publisher),
		submission.WithResolver(resolver),
		submission.WithTimeouts(cfg.Submission),
		submission.WithOrphanTTL(cfg.Upload.OrphanTTL),
		submission.WithLogger(logger),
		submission.WithMetrics(metrics),
	)

	engine := wizard.NewEngine(registry, wizard.NewMemorySessionStore(), orchestrator,
		wizard.WithResolver(resolver),
		wizard.WithValidator(validate.NewValidator(validatorOpts...)),
		wizard.WithLogger(logger),
		wizard.WithMetrics(metrics),
		wizard.WithSessionTTL(cfg.Session.TTL),
	)

	// Finish provisioning for receipts left behind by a previous process.
	if n, err := orchestrator.RecoverPending(ctx); err != nil {
		logger.Warn("pending provisioning not fully recovered", zap.Int("recovered", n), zap.Error(err))
	} else if n > 0 {
		logger.Info("pending provisioning recovered", zap.Int("recovered", n))
	}

	// HTTP server.
	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.JWKSURL != "" {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		authenticate = transport.Authenticator(cfg.Identity, jwks)
	}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		Boundaries: map[string]observability.HealthChecker{
			"storage": storage,
		},
	}
	if recs.health != nil {
		readiness.Boundaries["records"] = recs.health
	}
	if hc, ok := ledger.(observability.HealthChecker); ok {
		readiness.Boundaries["ledger"] = hc
	}
	if publisherHealth != nil {
		readiness.Boundaries["events"] = publisherHealth
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Registry:     registry,
		Resolver:     resolver,
		Webhook:      webhook,
		Authenticate: authenticate,
		Readiness:    readiness,
		Metrics:      metrics,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go runSessionSweeper(bgCtx, engine, cfg.Session.SweepInterval, logger)
	go watchDefinitionReloads(bgCtx, cfg.Definitions, registry, metrics, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defs)),
		zap.String("payment_provider", cfg.Payment.Provider),
		zap.String("records_driver", cfg.Records.Driver),
		zap.String("ledger_driver", cfg.Ledger.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadDefinitions reads the configured definition directories, falling
// back to the definitions built into the binary.
func loadDefinitions(cfg config.DefinitionsConfig) ([]model.WizardDefinition, error) {
	loader := definition.NewLoader()
	var defs []model.WizardDefinition
	if cfg.UseBuiltin {
		builtin, err := loader.LoadBuiltin()
		if err != nil {
			return nil, fmt.Errorf("builtin definitions: %w", err)
		}
		defs = append(defs, builtin...)
	}
	if len(cfg.Directories) > 0 {
		loaded, err := loader.LoadAll(cfg.Directories)
		if err != nil {
			return nil, err
		}
		defs = append(defs, loaded...)
	}
	return defs, nil
}

// runSessionSweeper periodically removes expired sessions.
func runSessionSweeper(ctx context.Context, engine *wizard.Engine, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ProcessExpired(ctx)
			if err != nil {
				logger.Error("session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired sessions removed", zap.Int("count", n))
			}
		}
	}
}

// watchDefinitionReloads swaps in freshly loaded definitions on SIGHUP.
// A set that fails to load or validate leaves the current one in place.
func watchDefinitionReloads(ctx context.Context, cfg config.DefinitionsConfig, registry *definition.Registry, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			defs, err := loadDefinitions(cfg)
			if err == nil {
				if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
					err = fmt.Errorf("%d validation errors, first: %w", len(verrs), verrs[0])
				}
			}
			if err != nil {
				metrics.RecordDefinitionReload("error")
				logger.Error("definition reload failed", zap.Error(err))
				continue
			}
			registry.Replace(defs)
			metrics.RecordDefinitionReload("ok")
			metrics.SetDefinitionsLoaded(float64(registry.Len()))
			logger.Info("definitions reloaded",
				zap.Int("definitions", registry.Len()),
				zap.String("checksum", registry.Checksum()),
			)
		}
	}
}
