// Package secrets resolves key material for the risk engine. Secrets come
// from environment variables, mounted files, or KMS-wrapped blobs, and are
// cached per manager instance with explicit invalidation.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSecretNotFound is returned when a secret is not found in any provider.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrNoProvider is returned when no secret providers are configured.
	ErrNoProvider = errors.New("no secret provider configured")

	// ErrUnknownProvider is returned for a secret reference naming a provider
	// the manager does not have.
	ErrUnknownProvider = errors.New("unknown secret provider")
)

// Secret represents a retrieved secret with metadata.
type Secret struct {
	Value     string
	Version   int
	Metadata  map[string]string
	ExpiresAt *time.Time
}

// Provider is the interface that secret providers must implement.
type Provider interface {
	// Name returns the provider name used in secret references.
	Name() string

	// Get retrieves a secret by key.
	Get(ctx context.Context, key string) (*Secret, error)

	// Close releases provider resources.
	Close() error

	// HealthCheck verifies the provider is accessible.
	HealthCheck(ctx context.Context) error
}

// Manager resolves secrets across providers in priority order.
type Manager struct {
	providers []Provider
	cache     map[string]*cachedSecret
	cacheMu   sync.RWMutex
	cacheTTL  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type cachedSecret struct {
	secret    *Secret
	fetchedAt time.Time
}

// Config holds configuration for the secrets manager.
type Config struct {
	// Providers in priority order: KMS, Env, File.
	EnableKMS  bool
	EnableEnv  bool
	EnableFile bool

	// EnvPrefix is prepended to normalized keys by the env provider.
	EnvPrefix string

	// FileDir is the directory the file provider reads from.
	FileDir string

	// KMS configuration. Wrapped blobs are looked up through the env and
	// file providers under "<key>_kms".
	KMSKeyID  string
	KMSRegion string
	KMSClient KMSDecrypter

	CacheTTL time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns default secrets manager configuration.
func DefaultConfig() *Config {
	return &Config{
		EnableEnv: true,
		EnvPrefix: DefaultEnvPrefix,
		FileDir:   "/etc/risk-engine/secrets",
		CacheTTL:  5 * time.Minute,
		Logger:    slog.Default(),
	}
}

// NewManager creates a new secrets manager with the given configuration.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EnvPrefix == "" {
		cfg.EnvPrefix = DefaultEnvPrefix
	}

	m := &Manager{
		cache:    make(map[string]*cachedSecret),
		cacheTTL: cfg.CacheTTL,
		now:      time.Now,
		logger:   cfg.Logger,
	}

	var plain []Provider
	if cfg.EnableEnv {
		plain = append(plain, NewEnvProvider(cfg.EnvPrefix, cfg.Logger))
	}
	if cfg.EnableFile {
		plain = append(plain, NewFileProvider(cfg.FileDir, cfg.Logger))
	}

	if cfg.EnableKMS {
		kmsProvider, err := NewKMSProvider(KMSConfig{
			KeyID:   cfg.KMSKeyID,
			Region:  cfg.KMSRegion,
			Client:  cfg.KMSClient,
			Sources: plain,
			Logger:  cfg.Logger,
		})
		if err != nil {
			cfg.Logger.Warn("failed to initialize KMS provider, skipping", "error", err)
		} else {
			m.providers = append(m.providers, kmsProvider)
			cfg.Logger.Info("KMS secret provider initialized")
		}
	}

	m.providers = append(m.providers, plain...)
	if len(m.providers) == 0 {
		return nil, ErrNoProvider
	}

	return m, nil
}

// Get retrieves a secret, trying each provider in order until found.
// Results are cached for the configured TTL.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if cached := m.getFromCache(key); cached != nil {
		return cached.Value, nil
	}

	var lastErr error
	for _, provider := range m.providers {
		secret, err := m.getFrom(ctx, provider, key)
		if err == nil {
			m.cacheSecret(key, secret)
			return secret.Value, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrSecretNotFound
	}
	return "", fmt.Errorf("failed to get secret %q: %w", key, lastErr)
}

func (m *Manager) getFrom(ctx context.Context, provider Provider, key string) (*Secret, error) {
	secret, err := provider.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			m.logger.Warn("provider error",
				"provider", provider.Name(),
				"key", key,
				"error", err)
		}
		return nil, err
	}
	if secret == nil {
		return nil, ErrSecretNotFound
	}

	m.logger.Debug("secret retrieved", "key", key, "provider", provider.Name())
	return secret, nil
}

// GetWithDefault retrieves a secret, returning the default value if not found.
func (m *Manager) GetWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := m.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	return value
}

// Close shuts down all providers and clears the cache.
func (m *Manager) Close() error {
	m.ClearCache()

	var errs []error
	for _, provider := range m.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck verifies all providers are accessible.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, provider := range m.providers {
		if err := provider.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) getFromCache(key string) *Secret {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	cached, exists := m.cache[key]
	if !exists {
		return nil
	}

	now := m.now()
	if now.Sub(cached.fetchedAt) > m.cacheTTL {
		return nil
	}
	if cached.secret.ExpiresAt != nil && now.After(*cached.secret.ExpiresAt) {
		return nil
	}
	return cached.secret
}

func (m *Manager) cacheSecret(key string, secret *Secret) {
	if m.cacheTTL <= 0 {
		return
	}

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	m.cache[key] = &cachedSecret{
		secret:    secret,
		fetchedAt: m.now(),
	}
}

// Invalidate drops a single cached secret.
func (m *Manager) Invalidate(key string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	delete(m.cache, key)
}

// ClearCache clears all cached secrets.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	m.cache = make(map[string]*cachedSecret)
	m.logger.Debug("secret cache cleared")
}

// ParseSecretRef parses a secret reference string.
// Formats supported:
//   - "value" - literal value
//   - "env:VAR_NAME" - environment variable
//   - "file:name" - file under the secrets directory
//   - "kms:name" - KMS-wrapped blob
func ParseSecretRef(ref string) (provider, key string) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) == 1 {
		return "literal", parts[0]
	}
	return parts[0], parts[1]
}

// ResolveSecret resolves a secret reference. Literal values are returned
// as-is; prefixed references are resolved by the named provider only.
func (m *Manager) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, key := ParseSecretRef(ref)
	if name == "literal" {
		return key, nil
	}

	for _, provider := range m.providers {
		if provider.Name() != name {
			continue
		}
		if cached := m.getFromCache(ref); cached != nil {
			return cached.Value, nil
		}
		secret, err := m.getFrom(ctx, provider, key)
		if err != nil {
			return "", fmt.Errorf("failed to resolve secret %q: %w", ref, err)
		}
		m.cacheSecret(ref, secret)
		return secret.Value, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}
