package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"

	"security-risk-engine/internal/encryption"
	"security-risk-engine/internal/secrets"
)

// NewSecretsManager builds the secret providers described by the secrets
// section.
func (c *Config) NewSecretsManager(logger *slog.Logger) (*secrets.Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return secrets.NewManager(&secrets.Config{
		EnableEnv:  c.Secrets.EnableEnv,
		EnableFile: c.Secrets.EnableFile,
		EnableKMS:  c.Secrets.EnableKMS,
		EnvPrefix:  c.Secrets.EnvPrefix,
		FileDir:    c.Secrets.FileDir,
		KMSKeyID:   c.Secrets.KMSKeyID,
		KMSRegion:  c.Secrets.KMSRegion,
		CacheTTL:   c.Secrets.CacheTTL,
		Logger:     logger.With("component", "secrets"),
	})
}

// NewEncryptionEngine resolves the master key through mgr and returns an
// engine at the configured key version, with retired versions loaded for
// decryption. A disabled section yields a disabled engine.
func (c *Config) NewEncryptionEngine(ctx context.Context, mgr *secrets.Manager, logger *slog.Logger) (*encryption.Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "encryption")

	if !c.Encryption.Enabled {
		return encryption.NewEngine(&encryption.Config{Enabled: false, Logger: logger})
	}

	versions := make([]int, 0, len(c.Encryption.PreviousKeyRefs))
	for v := range c.Encryption.PreviousKeyRefs {
		if v >= c.Encryption.KeyVersion {
			return nil, fmt.Errorf("previous key version %d is not below current version %d", v, c.Encryption.KeyVersion)
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	versions = append(versions, c.Encryption.KeyVersion)

	var engine *encryption.Engine
	for _, v := range versions {
		ref := c.Encryption.KeyRef
		if v != c.Encryption.KeyVersion {
			ref = c.Encryption.PreviousKeyRefs[v]
		}
		key, err := resolveKey(ctx, mgr, ref)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", v, err)
		}

		if engine == nil {
			engine, err = encryption.NewEngine(&encryption.Config{
				Enabled:    true,
				MasterKey:  key,
				KeyVersion: v,
				Logger:     logger,
			})
		} else {
			err = engine.RotateKey(key, v)
		}
		if err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func resolveKey(ctx context.Context, mgr *secrets.Manager, ref string) ([]byte, error) {
	if mgr == nil {
		return nil, secrets.ErrNoProvider
	}
	encoded, err := mgr.ResolveSecret(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve encryption key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: master key is not valid base64", encryption.ErrInvalidKey)
	}
	return key, nil
}
