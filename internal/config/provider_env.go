package config

import (
	"context"
	"os"
	"strings"
)

// EnvVarProvider resolves secret references from other environment
// variables, e.g. DATABASE_URL_SECRET_REF=PRIMARY_PG_DSN.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch looks each key up with os.LookupEnv.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}

// FileProvider resolves secret references from mounted secret files, e.g.
// DATABASE_URL_SECRET_REF=/run/secrets/database_url. Trailing newlines are
// trimmed.
type FileProvider struct {
	readFile func(string) ([]byte, error)
}

// NewFileProvider creates a FileProvider backed by the local filesystem.
func NewFileProvider() *FileProvider {
	return &FileProvider{readFile: os.ReadFile}
}

// GetParametersBatch reads each key as a file path. Unreadable files are
// omitted so the loader reports them as missing.
func (p *FileProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := p.readFile(key)
		if err != nil {
			continue
		}
		result[key] = strings.TrimRight(string(data), "\r\n")
	}
	return result, nil
}

// ProviderFor picks a provider from a SECRET_PROVIDER style name. Unknown
// names fall back to the environment provider.
func ProviderFor(name string) SecretProvider {
	switch strings.ToLower(name) {
	case "file":
		return NewFileProvider()
	default:
		return NewEnvVarProvider()
	}
}
