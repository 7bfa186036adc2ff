// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Outside local, resolve *_SECRET_REF variables through the SecretProvider
//     and inject the values back into the environment.
//  4. Populate the Config struct with envconfig.
//  5. Populate BuildInfo and derived defaults.
//  6. Validate the struct using go-playground/validator.
package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretRefSuffix marks a variable holding a reference to a secret. For
// DATABASE_URL_SECRET_REF the resolved value is written to DATABASE_URL.
const secretRefSuffix = "_SECRET_REF"

const localEnv = "local"

type envLookup func(key string) (string, bool)
type envSet func(key, value string) error
type environ func() []string

// loaderDeps holds the injectable dependencies for the loader.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration. provider may be nil in
// local mode or when no *_SECRET_REF variables are set.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Does not override variables already present.
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSecretRefs(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()
	if cfg.Scheduler.InstanceID == "" {
		cfg.Scheduler.InstanceID = defaultInstanceID()
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if cfg.Scheduler.ClaimLease <= cfg.Scheduler.CallTimeout {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("CLAIM_LEASE (%s) must exceed CALL_TIMEOUT (%s)", cfg.Scheduler.ClaimLease, cfg.Scheduler.CallTimeout),
		}
	}
	if cfg.Monitor.DefaultWindow > cfg.Monitor.MaxWindow {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "DEFAULT_WINDOW must not exceed MAX_WINDOW",
		}
	}

	return &cfg, nil
}

// defaultInstanceID identifies this scheduler process in claim leases.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hermes"
	}
	return host + "-" + uuid.NewString()[:8]
}

// ResolveSecrets runs only the secret-reference step, for entry points that
// read single variables instead of calling LoadConfig.
func ResolveSecrets(provider SecretProvider) error {
	appEnv, _ := os.LookupEnv("APP_ENV")
	if appEnv == localEnv {
		return nil
	}
	return resolveSecretRefs(provider, defaultDeps())
}

// resolveSecretRefs scans the environment for *_SECRET_REF variables,
// resolves them through provider and injects the values. A target that is
// already set wins over its reference.
func resolveSecretRefs(provider SecretProvider, deps loaderDeps) error {
	refToTarget := make(map[string]string)
	var targets []string

	for _, entry := range deps.environ() {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		key := entry[:eq]
		if !strings.HasSuffix(key, secretRefSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, secretRefSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		ref := entry[eq+1:]
		if ref == "" {
			continue
		}
		refToTarget[ref] = target
		targets = append(targets, target)
	}

	if len(refToTarget) == 0 {
		return nil
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	refs := make([]string, 0, len(refToTarget))
	for ref := range refToTarget {
		refs = append(refs, ref)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, refs)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d secret references", len(refs)),
			Err:     err,
		}
	}

	var missing []string
	for ref, target := range refToTarget {
		value, ok := resolved[ref]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrSecretResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("secret references not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
