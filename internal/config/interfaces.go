package config

import "context"

// SecretProvider resolves secret references to plaintext values. Keys are
// provider-specific: environment variable names for EnvVarProvider, file
// paths for FileProvider.
type SecretProvider interface {
	// GetParametersBatch returns the values for every key it could resolve.
	// Missing keys are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
