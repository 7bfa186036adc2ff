// Package config defines the process configuration for Hermes.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret references (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"hermes/internal/types"
)

// SecretString is an alias for types.SecretString so secret fields never
// leak through logs or config dumps.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"hermes"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Scheduler     SchedulerConfig
	Monitor       MonitorConfig
	Retention     RetentionConfig
	Observability ObservabilityConfig
	AWS           AWSConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"45s" validate:"gt=0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"gte=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"gte=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	AutoMigrate       bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

// SchedulerConfig tunes the tick loop.
type SchedulerConfig struct {
	// Embedded runs the scheduler loop and the retention cron inside the API
	// process. Disable when dedicated pollers are deployed.
	Embedded     bool          `envconfig:"SCHEDULER_EMBEDDED" default:"true"`
	InstanceID   string        `envconfig:"SCHEDULER_INSTANCE_ID"`
	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"30s" validate:"gt=0"`
	Concurrency  int           `envconfig:"SCHEDULER_CONCURRENCY" default:"16" validate:"gte=1,lte=512"`
	CallTimeout  time.Duration `envconfig:"CALL_TIMEOUT" default:"30s" validate:"gt=0"`
	ClaimLease   time.Duration `envconfig:"CLAIM_LEASE" default:"90s" validate:"gt=0"`
}

// MonitorConfig bounds what tenants may configure and how results are shown.
type MonitorConfig struct {
	MinIntervalMinutes     float64       `envconfig:"MIN_INTERVAL_MINUTES" default:"1" validate:"gt=0"`
	MaxIntervalMinutes     float64       `envconfig:"MAX_INTERVAL_MINUTES" default:"1440" validate:"gtefield=MinIntervalMinutes"`
	DefaultIntervalMinutes float64       `envconfig:"DEFAULT_INTERVAL_MINUTES" default:"20" validate:"gt=0"`
	MaxWindow              time.Duration `envconfig:"MAX_WINDOW" default:"168h" validate:"gt=0"`
	DefaultWindow          time.Duration `envconfig:"DEFAULT_WINDOW" default:"24h" validate:"gt=0"`
	StartSkew              time.Duration `envconfig:"START_SKEW" default:"1m"`
	SummaryLimit           int           `envconfig:"SUMMARY_LIMIT" default:"10" validate:"gte=1"`
	ExcerptChars           int           `envconfig:"EXCERPT_CHARS" default:"200" validate:"gte=1"`
	MaxResponseBytes       int64         `envconfig:"MAX_RESPONSE_BYTES" default:"1048576" validate:"gte=1024"`
	AllowPrivateTargets    bool          `envconfig:"ALLOW_PRIVATE_TARGETS" default:"false"`
	UserAgent              string        `envconfig:"USER_AGENT" default:"Hermes-Monitor/1.0"`
	MaxRedirects           int           `envconfig:"MAX_REDIRECTS" default:"3" validate:"gte=0"`
	TenantKeyHashCost      int           `envconfig:"TENANT_KEY_HASH_COST" default:"10" validate:"gte=4,lte=31"`
}

// RetentionConfig controls the retention sweeper.
type RetentionConfig struct {
	Window    time.Duration `envconfig:"RETENTION_WINDOW" default:"336h" validate:"gt=0"`
	Schedule  string        `envconfig:"SWEEP_SCHEDULE" default:"0 0 * * *"`
	BatchSize int           `envconfig:"SWEEP_BATCH_SIZE" default:"500" validate:"gte=1"`
	LockTTL   time.Duration `envconfig:"SWEEP_LOCK_TTL" default:"10m"`
}

// ObservabilityConfig selects the metrics backend.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"none" validate:"oneof=none cloudwatch prometheus"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Hermes"`
}

// AWSConfig holds AWS regional configuration and optional resources.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Empty disables result event publishing.
	ResultQueueURL string `envconfig:"RESULT_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv       ConfigErrorType = "MISSING_ENV"
	ErrSecretResolution ConfigErrorType = "SECRET_RESOLUTION_FAILED"
	ErrValidation       ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing          ConfigErrorType = "PARSING_FAILED"
)
