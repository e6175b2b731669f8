package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/events"
	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/internal/payment"
	"github.com/pitabwire/carewizard/internal/provision"
	"github.com/pitabwire/carewizard/internal/records"
	"github.com/pitabwire/carewizard/internal/validate"
)

// recordBoundary is the wired record-creation boundary.
type recordBoundary struct {
	inserter  records.Inserter
	existence validate.ExistenceChecker
	health    observability.HealthChecker
	close     func()
}

func buildRecords(ctx context.Context, cfg config.RecordsConfig, logger *zap.Logger, metrics *observability.Metrics) (*recordBoundary, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory record store")
		mem := records.NewMemoryInserter("email")
		return &recordBoundary{inserter: mem, existence: mem, close: func() {}}, nil

	case "postgres":
		pool, err := openPool(ctx, "records", cfg.DSNEnv, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		pg := records.NewPgInserter(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		guarded := records.NewGuarded(pg, cfg, logger, metrics)
		return &recordBoundary{
			inserter:  guarded,
			existence: records.NewPgExistenceChecker(pool),
			health:    guarded,
			close:     pool.Close,
		}, nil

	case "http":
		var schemas *records.SchemaIndex
		if cfg.SpecFile != "" {
			idx, err := records.LoadSchemaIndex(cfg.SpecFile)
			if err != nil {
				return nil, err
			}
			schemas = idx
		}
		guarded := records.NewGuarded(records.NewHTTPInserter(cfg.BaseURL, schemas, cfg.Timeout), cfg, logger, metrics)
		return &recordBoundary{inserter: guarded, health: guarded, close: func() {}}, nil

	default:
		return nil, fmt.Errorf("unsupported records driver: %q", cfg.Driver)
	}
}

func buildLedger(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (provision.Ledger, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory provisioning ledger; receipts do not survive a restart")
		return provision.NewMemoryLedger(cfg.TTL), func() {}, nil

	case "redis":
		addr := "localhost:6379"
		if cfg.AddrEnv != "" {
			if v := os.Getenv(cfg.AddrEnv); v != "" {
				addr = v
			}
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ledger: ping redis: %w", err)
		}
		return provision.NewRedisLedger(client, cfg.TTL), func() { client.Close() }, nil

	case "postgres":
		pool, err := openPool(ctx, "ledger", cfg.DSNEnv, 4, 1)
		if err != nil {
			return nil, nil, err
		}
		ledger := provision.NewPgLedger(pool, cfg.TTL)
		if err := ledger.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return ledger, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported ledger driver: %q", cfg.Driver)
	}
}

// buildGateway returns the payment gateway and, for the hosted provider,
// the webhook handler that resolves its payments. Late successes of the
// hosted provider are kept in ledger.
func buildGateway(cfg config.PaymentConfig, ledger provision.Ledger, logger *zap.Logger, metrics *observability.Metrics) (payment.Gateway, http.Handler, error) {
	switch cfg.Provider {
	case "fake":
		logger.Warn("using fake payment gateway; every payment is approved")
		return payment.NewFakeGateway(payment.AutoApprove, logger, metrics), nil, nil

	case "hosted":
		secret := os.Getenv(cfg.WebhookSecretEnv)
		if secret == "" {
			return nil, nil, fmt.Errorf("payment: %s environment variable not set", cfg.WebhookSecretEnv)
		}
		gw := payment.NewHostedGateway(cfg, os.Getenv(cfg.APIKeyEnv), []byte(secret), logger, metrics)
		gw.HoldLateReceipts(provision.ReceiptHolder{Ledger: ledger})
		return gw, gw, nil

	default:
		return nil, nil, fmt.Errorf("unsupported payment provider: %q", cfg.Provider)
	}
}

func buildPublisher(cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, observability.HealthChecker, error) {
	if !cfg.Enabled {
		return events.Nop{}, nil, nil
	}
	p, err := events.NewKafkaPublisher(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("publishing submission events", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return p, p, nil
}

func openPool(ctx context.Context, name, dsnEnv string, maxConns, minConns int) (*pgxpool.Pool, error) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s: %s environment variable not set", name, dsnEnv)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: parse DSN: %w", name, err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		poolCfg.MinConns = int32(minConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", name, err)
	}
	return pool, nil
}
