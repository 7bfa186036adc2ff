// Package app wires Hermes components from configuration. Each binary under
// cmd/ builds the subset it needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"hermes/internal/auth"
	"hermes/internal/config"
	"hermes/internal/db"
	"hermes/internal/external"
	"hermes/internal/monitor"
	"hermes/internal/queue"
	"hermes/internal/scheduler"
	"hermes/internal/security"
	"hermes/internal/telemetry"
	"hermes/internal/types"
)

// NewLogger returns a JSON logger on stdout at the given level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// LoadConfig resolves secret references through the provider named by
// SECRET_PROVIDER and loads the configuration.
func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(config.ProviderFor(os.Getenv("SECRET_PROVIDER")))
}

// Components holds the long-lived dependencies shared by the binaries.
type Components struct {
	Config  *config.Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Metrics telemetry.Recorder

	Configs   *db.ConfigRepository
	Results   *db.ResultRepository
	Firings   *db.FiringRepository
	Locks     *db.JobLockRepository
	History   *db.JobHistoryRepository
	Keys      *auth.TenantKeys
	Caller    *external.TargetClient
	Transport *security.SafeTransport
	Publisher *queue.ResultPublisher
}

// Build opens the database, applies migrations when enabled and constructs
// every shared component. Close releases them.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
		AcquireTimeout:    cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrating schema: %w", err)
		}
	}

	c := &Components{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Configs: db.NewConfigRepository(pool),
		Results: db.NewResultRepository(pool),
		Firings: db.NewFiringRepository(pool),
		Locks:   db.NewJobLockRepository(pool),
		History: db.NewJobHistoryRepository(pool),
		Keys:    auth.NewTenantKeys(cfg.Monitor.TenantKeyHashCost),
	}

	httpClient, transport, err := external.NewTargetHTTPClient(security.Policy{
		AllowPrivate: cfg.Monitor.AllowPrivateTargets,
	}, cfg.Monitor.MaxRedirects)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("building target client: %w", err)
	}
	c.Transport = transport
	c.Caller = external.NewTargetClient(httpClient, cfg.Monitor.MaxResponseBytes, cfg.Monitor.UserAgent)

	needAWS := cfg.Observability.MetricsBackend == telemetry.BackendCloudWatch || cfg.AWS.ResultQueueURL != ""
	var awsCfg aws.Config
	if needAWS {
		awsCfg, err = loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			pool.Close()
			return nil, err
		}
	}

	var cw telemetry.CloudWatchClient
	if cfg.Observability.MetricsBackend == telemetry.BackendCloudWatch {
		cw = cloudwatch.NewFromConfig(awsCfg)
	}
	c.Metrics, err = telemetry.New(cfg.Observability.MetricsBackend, cfg.Observability.MetricNamespace, cw, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.AWS.ResultQueueURL != "" {
		c.Publisher = queue.NewResultPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.ResultQueueURL, logger)
	}

	return c, nil
}

func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	if c.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(c.EndpointURL)
	}
	return awsCfg, nil
}

// Close releases the database pool.
func (c *Components) Close() error {
	c.Pool.Close()
	return nil
}

// Scheduler builds the polling scheduler.
func (c *Components) Scheduler() *scheduler.Scheduler {
	deps := scheduler.Deps{
		Store:   c.Configs,
		Firings: c.Firings,
		Caller:  c.Caller,
		Keys:    c.Keys,
		Metrics: c.Metrics,
		Clock:   types.RealClock{},
		Logger:  c.Logger,
	}
	if c.Publisher != nil {
		deps.Publisher = c.Publisher
	}
	sc := c.Config.Scheduler
	return scheduler.New(deps, scheduler.Options{
		WorkerID:     sc.InstanceID,
		TickInterval: sc.TickInterval,
		Concurrency:  sc.Concurrency,
		CallTimeout:  sc.CallTimeout,
		ClaimLease:   sc.ClaimLease,
	})
}

// Validator builds the draft validator.
func (c *Components) Validator() *monitor.Validator {
	m := c.Config.Monitor
	return monitor.NewValidator(monitor.ValidatorDeps{
		Store:  c.Configs,
		Caller: c.Caller,
		Hosts:  c.Transport,
		Keys:   c.Keys,
		Limits: monitor.Limits{
			MinIntervalMinutes:     m.MinIntervalMinutes,
			MaxIntervalMinutes:     m.MaxIntervalMinutes,
			DefaultIntervalMinutes: m.DefaultIntervalMinutes,
			MaxWindow:              m.MaxWindow,
			DefaultWindow:          m.DefaultWindow,
			StartSkew:              m.StartSkew,
			CallTimeout:            c.Config.Scheduler.CallTimeout,
		},
		Clock:   types.RealClock{},
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
}

// Retrieval builds the read side.
func (c *Components) Retrieval() *monitor.Retrieval {
	return monitor.NewRetrieval(c.Configs, c.Results, c.Keys, c.Config.Monitor.SummaryLimit, c.Config.Monitor.ExcerptChars, c.Logger)
}

// Sweeper builds the retention sweeper.
func (c *Components) Sweeper() *scheduler.RetentionSweeper {
	r := c.Config.Retention
	return scheduler.NewRetentionSweeper(c.Configs, c.Locks, c.History, c.Metrics, scheduler.RetentionConfig{
		Window:    r.Window,
		BatchSize: r.BatchSize,
		LockTTL:   r.LockTTL,
		WorkerID:  c.Config.Scheduler.InstanceID,
	}, c.Logger)
}
