package secrets

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// DefaultEnvPrefix is prepended to secret keys looked up in the environment.
const DefaultEnvPrefix = "RISK_ENGINE_"

// EnvProvider retrieves secrets from environment variables.
type EnvProvider struct {
	prefix string
	logger *slog.Logger
}

// NewEnvProvider creates a new environment variable provider.
func NewEnvProvider(prefix string, logger *slog.Logger) *EnvProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	return &EnvProvider{
		prefix: prefix,
		logger: logger,
	}
}

// Name returns the provider name.
func (e *EnvProvider) Name() string {
	return "env"
}

// Get retrieves a secret from environment variables. The prefixed,
// normalized name is tried first, then the key exactly as given.
func (e *EnvProvider) Get(ctx context.Context, key string) (*Secret, error) {
	value := os.Getenv(normalizeEnvKey(e.prefix, key))
	if value == "" {
		value = os.Getenv(key)
		if value == "" {
			return nil, ErrSecretNotFound
		}
	}

	return &Secret{
		Value:    value,
		Version:  1,
		Metadata: map[string]string{"source": "env"},
	}, nil
}

// Close is a no-op for environment variables.
func (e *EnvProvider) Close() error {
	return nil
}

// HealthCheck always returns nil as environment variables are always available.
func (e *EnvProvider) HealthCheck(ctx context.Context) error {
	return nil
}

// normalizeEnvKey converts a key to uppercase environment variable format.
// Examples:
//   - "master_key" -> "RISK_ENGINE_MASTER_KEY"
//   - "RISK_ENGINE_MASTER_KEY" -> "RISK_ENGINE_MASTER_KEY"
//   - "encryption.master-key" -> "RISK_ENGINE_ENCRYPTION_MASTER_KEY"
func normalizeEnvKey(prefix, key string) string {
	normalized := strings.ToUpper(key)
	normalized = strings.ReplaceAll(normalized, ".", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")

	if !strings.HasPrefix(normalized, prefix) {
		normalized = prefix + normalized
	}
	return normalized
}
