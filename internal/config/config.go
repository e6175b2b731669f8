// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Session       SessionConfig       `yaml:"session"`
	Upload        UploadConfig        `yaml:"upload"`
	Submission    SubmissionConfig    `yaml:"submission"`
	Payment       PaymentConfig       `yaml:"payment"`
	Records       RecordsConfig       `yaml:"records"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadMemory int64         `yaml:"max_upload_memory"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how bearer tokens are verified. Wizards may be
// used anonymously; a verified token only attributes the session to its
// subject. Verification is off while JWKSURL is empty.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
	Required     bool          `yaml:"required"`
}

// DefinitionsConfig describes where to find wizard definition YAML files.
// When Directories is empty the built-in definitions are used.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	UseBuiltin  bool     `yaml:"use_builtin"`
}

// SessionConfig describes wizard session lifetime.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// UploadConfig describes the storage boundary and upload limits.
type UploadConfig struct {
	BucketURL      string               `yaml:"bucket_url"`
	MaxBytes       int64                `yaml:"max_bytes"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxConcurrency int                  `yaml:"max_concurrency"`
	OrphanTTL      time.Duration        `yaml:"orphan_ttl"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// SubmissionConfig bounds each submission phase. A phase that does not
// resolve in time fails the attempt with a retryable timeout.
type SubmissionConfig struct {
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
	PaymentTimeout time.Duration `yaml:"payment_timeout"`
	RecordTimeout  time.Duration `yaml:"record_timeout"`
	BcryptCost     int           `yaml:"bcrypt_cost"`
}

// PaymentConfig describes the hosted payment provider.
type PaymentConfig struct {
	Provider         string        `yaml:"provider"`
	BaseURL          string        `yaml:"base_url"`
	APIKeyEnv        string        `yaml:"api_key_env"`
	WebhookSecretEnv string        `yaml:"webhook_secret_env"`
	Timeout          time.Duration `yaml:"timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// RecordsConfig describes the record-creation boundary.
type RecordsConfig struct {
	Driver         string               `yaml:"driver"`
	DSNEnv         string               `yaml:"dsn_env"`
	BaseURL        string               `yaml:"base_url"`
	SpecFile       string               `yaml:"spec_file"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxOpenConns   int                  `yaml:"max_open_conns"`
	MaxIdleConns   int                  `yaml:"max_idle_conns"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per boundary.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// LedgerConfig describes where payment receipts awaiting provisioning are
// recorded.
type LedgerConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	DSNEnv  string        `yaml:"dsn_env"`
	TTL     time.Duration `yaml:"ttl"`
}

// EventsConfig describes submission event publishing.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  45 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadMemory: 8 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"RS256", "ES256"},
		},
		Definitions: DefinitionsConfig{
			UseBuiltin: true,
		},
		Session: SessionConfig{
			TTL:           2 * time.Hour,
			SweepInterval: time.Minute,
		},
		Upload: UploadConfig{
			BucketURL:      "mem://",
			MaxBytes:       10 << 20,
			Timeout:        2 * time.Minute,
			MaxConcurrency: 4,
			OrphanTTL:      7 * 24 * time.Hour,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Submission: SubmissionConfig{
			UploadTimeout:  10 * time.Minute,
			PaymentTimeout: 35 * time.Minute,
			RecordTimeout:  time.Minute,
			BcryptCost:     12,
		},
		Payment: PaymentConfig{
			Provider:         "fake",
			WebhookSecretEnv: "CAREWIZARD_PAYMENT_WEBHOOK_SECRET",
			APIKeyEnv:        "CAREWIZARD_PAYMENT_API_KEY",
			Timeout:          30 * time.Minute,
			RequestTimeout:   10 * time.Second,
		},
		Records: RecordsConfig{
			Driver:       "memory",
			Timeout:      10 * time.Second,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Ledger: LedgerConfig{
			Driver: "memory",
			TTL:    30 * 24 * time.Hour,
		},
		Events: EventsConfig{
			Topic: "wizard.submissions",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Required && c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required when identity.required is set")
	}
	if c.Identity.JWKSURL != "" && len(c.Identity.Algorithms) == 0 {
		errs = append(errs, "identity.algorithms must not be empty")
	}
	if !c.Definitions.UseBuiltin && len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories is required when use_builtin is false")
	}
	if c.Upload.BucketURL == "" {
		errs = append(errs, "upload.bucket_url is required")
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, "upload.max_bytes must be positive")
	}
	if c.Upload.Timeout <= 0 {
		errs = append(errs, "upload.timeout must be positive")
	}
	if c.Submission.UploadTimeout <= 0 || c.Submission.PaymentTimeout <= 0 || c.Submission.RecordTimeout <= 0 {
		errs = append(errs, "submission phase timeouts must be positive")
	}
	if c.Submission.BcryptCost < 4 || c.Submission.BcryptCost > 31 {
		errs = append(errs, "submission.bcrypt_cost must be between 4 and 31")
	}
	if c.Payment.Timeout <= 0 {
		errs = append(errs, "payment.timeout must be positive")
	}
	switch c.Payment.Provider {
	case "fake":
	case "hosted":
		if c.Payment.BaseURL == "" {
			errs = append(errs, "payment.base_url is required for the hosted provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("payment.provider %q is not supported", c.Payment.Provider))
	}
	switch c.Records.Driver {
	case "memory", "postgres":
	case "http":
		if c.Records.BaseURL == "" {
			errs = append(errs, "records.base_url is required for the http driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("records.driver %q is not supported", c.Records.Driver))
	}
	switch c.Ledger.Driver {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("ledger.driver %q is not supported", c.Ledger.Driver))
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		errs = append(errs, "events.brokers is required when events are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CAREWIZARD_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAREWIZARD_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CAREWIZARD_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CAREWIZARD_UPLOAD_BUCKET_URL"); v != "" {
		cfg.Upload.BucketURL = v
	}
	if v := os.Getenv("CAREWIZARD_PAYMENT_PROVIDER"); v != "" {
		cfg.Payment.Provider = v
	}
	if v := os.Getenv("CAREWIZARD_PAYMENT_BASE_URL"); v != "" {
		cfg.Payment.BaseURL = v
	}
	if v := os.Getenv("CAREWIZARD_RECORDS_DRIVER"); v != "" {
		cfg.Records.Driver = v
	}
	if v := os.Getenv("CAREWIZARD_LEDGER_DRIVER"); v != "" {
		cfg.Ledger.Driver = v
	}
	if v := os.Getenv("CAREWIZARD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
