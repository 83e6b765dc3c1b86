package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/patientflow/internal/platform/outbox"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`

	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	HTTPBodyLimit      string        `mapstructure:"HTTP_BODY_LIMIT"`
	HTTPRequestTimeout time.Duration `mapstructure:"HTTP_REQUEST_TIMEOUT"`
	ShutdownTimeout    time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	BillingGRPCAddr        string        `mapstructure:"BILLING_GRPC_ADDR"`
	BillingBreakerFailures uint32        `mapstructure:"BILLING_BREAKER_FAILURES"`
	BillingBreakerTimeout  time.Duration `mapstructure:"BILLING_BREAKER_TIMEOUT"`

	NATSURL              string        `mapstructure:"NATS_URL"`
	EventSubjectPrefix   string        `mapstructure:"EVENT_SUBJECT_PREFIX"`
	EventStream          string        `mapstructure:"EVENT_STREAM"`
	EventDuplicateWindow time.Duration `mapstructure:"EVENT_DUPLICATE_WINDOW"`

	OTelEndpoint   string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSampleRate float64 `mapstructure:"OTEL_SAMPLE_RATE"`

	Relay Relay `mapstructure:",squash"`
}

// Relay holds the outbox relay tuning knobs.
type Relay struct {
	Enabled         bool          `mapstructure:"RELAY_ENABLED"`
	Workers         int           `mapstructure:"RELAY_WORKERS"`
	BatchSize       int           `mapstructure:"RELAY_BATCH_SIZE"`
	PollInterval    time.Duration `mapstructure:"RELAY_POLL_INTERVAL"`
	DispatchTimeout time.Duration `mapstructure:"RELAY_DISPATCH_TIMEOUT"`
	ClaimTTL        time.Duration `mapstructure:"RELAY_CLAIM_TTL"`
	MaxAttempts     int           `mapstructure:"RELAY_MAX_ATTEMPTS"`
	BackoffBase     time.Duration `mapstructure:"RELAY_BACKOFF_BASE"`
	BackoffMax      time.Duration `mapstructure:"RELAY_BACKOFF_MAX"`
	BackoffJitter   float64       `mapstructure:"RELAY_BACKOFF_JITTER"`
	DoneRetention   time.Duration `mapstructure:"RELAY_DONE_RETENTION"`
	CleanupInterval time.Duration `mapstructure:"RELAY_CLEANUP_INTERVAL"`
}

var defaults = map[string]interface{}{
	"PORT":                     "8080",
	"ENV":                      "development",
	"STORE_DRIVER":             StoreDriverPostgres,
	"DB_MAX_CONNS":             20,
	"DB_MIN_CONNS":             2,
	"DB_SCHEMA":                "public",
	"CORS_ORIGINS":             []string{"*"},
	"HTTP_BODY_LIMIT":          "1M",
	"HTTP_REQUEST_TIMEOUT":     "30s",
	"SHUTDOWN_TIMEOUT":         "30s",
	"BILLING_GRPC_ADDR":        "localhost:9001",
	"BILLING_BREAKER_FAILURES": 5,
	"BILLING_BREAKER_TIMEOUT":  "30s",
	"NATS_URL":                 "nats://localhost:4222",
	"EVENT_SUBJECT_PREFIX":     "patient.events",
	"EVENT_STREAM":             "PATIENT_EVENTS",
	"EVENT_DUPLICATE_WINDOW":   "2m",
	"OTEL_SAMPLE_RATE":         1.0,
	"RELAY_ENABLED":            true,
	"RELAY_WORKERS":            4,
	"RELAY_BATCH_SIZE":         32,
	"RELAY_POLL_INTERVAL":      "1s",
	"RELAY_DISPATCH_TIMEOUT":   "10s",
	"RELAY_CLAIM_TTL":          "3m",
	"RELAY_MAX_ATTEMPTS":       8,
	"RELAY_BACKOFF_BASE":       "1s",
	"RELAY_BACKOFF_MAX":        "5m",
	"RELAY_BACKOFF_JITTER":     0.2,
	"RELAY_DONE_RETENTION":     "168h",
	"RELAY_CLEANUP_INTERVAL":   "1h",
}

// Load reads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	// Unmarshal only sees keys viper knows about, so bind the ones without defaults too.
	for _, key := range []string{"DATABASE_URL", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER is \"postgres\""))
		}
		if c.DBMinConns > c.DBMaxConns {
			errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver))
	}

	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.BillingGRPCAddr == "" {
		errs = append(errs, errors.New("BILLING_GRPC_ADDR is required"))
	}
	if c.EventSubjectPrefix == "" {
		errs = append(errs, errors.New("EVENT_SUBJECT_PREFIX is required"))
	}

	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATE must be in [0, 1], got %v", c.OTelSampleRate))
	}

	r := c.Relay
	if r.Workers < 1 {
		errs = append(errs, fmt.Errorf("RELAY_WORKERS must be at least 1, got %d", r.Workers))
	}
	if r.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("RELAY_BATCH_SIZE must be at least 1, got %d", r.BatchSize))
	}
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RELAY_MAX_ATTEMPTS must be at least 1, got %d", r.MaxAttempts))
	}
	if r.PollInterval <= 0 {
		errs = append(errs, errors.New("RELAY_POLL_INTERVAL must be positive"))
	}
	if r.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("RELAY_DISPATCH_TIMEOUT must be positive"))
	}
	// The last entry of a batch starts only after ceil(batch/workers)-1 other
	// dispatches; its claim must not expire before then.
	if minTTL := outbox.MinClaimTTL(r.BatchSize, r.Workers, r.DispatchTimeout); r.ClaimTTL <= minTTL {
		errs = append(errs, fmt.Errorf("RELAY_CLAIM_TTL (%s) must exceed %s for RELAY_BATCH_SIZE=%d, RELAY_WORKERS=%d and RELAY_DISPATCH_TIMEOUT=%s",
			r.ClaimTTL, minTTL, r.BatchSize, r.Workers, r.DispatchTimeout))
	}
	if r.BackoffBase <= 0 || r.BackoffMax < r.BackoffBase {
		errs = append(errs, fmt.Errorf("RELAY_BACKOFF_BASE (%s) must be positive and not above RELAY_BACKOFF_MAX (%s)", r.BackoffBase, r.BackoffMax))
	}
	if r.BackoffJitter < 0 || r.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("RELAY_BACKOFF_JITTER must be in [0, 1), got %v", r.BackoffJitter))
	}

	return errors.Join(errs...)
}
