package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnvProvider(t *testing.T) {
	provider := NewEnvProvider("", quietLogger())
	ctx := context.Background()

	t.Run("get existing env var", func(t *testing.T) {
		t.Setenv("RISK_ENGINE_TEST_SECRET", "test-value")

		secret, err := provider.Get(ctx, "TEST_SECRET")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if secret.Value != "test-value" {
			t.Errorf("expected value 'test-value', got %q", secret.Value)
		}
	})

	t.Run("get with normalization", func(t *testing.T) {
		t.Setenv("RISK_ENGINE_ENCRYPTION_MASTER_KEY", "k")

		secret, err := provider.Get(ctx, "encryption.master-key")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if secret.Value != "k" {
			t.Errorf("expected value 'k', got %q", secret.Value)
		}
	})

	t.Run("unprefixed fallback", func(t *testing.T) {
		t.Setenv("PLAIN_SECRET_NAME", "plain")

		secret, err := provider.Get(ctx, "PLAIN_SECRET_NAME")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if secret.Value != "plain" {
			t.Errorf("expected value 'plain', got %q", secret.Value)
		}
	})

	t.Run("get non-existent secret", func(t *testing.T) {
		_, err := provider.Get(ctx, "NONEXISTENT_SECRET")
		if !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("expected ErrSecretNotFound, got %v", err)
		}
	})
}

func TestNormalizeEnvKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"master_key", "RISK_ENGINE_MASTER_KEY"},
		{"MASTER_KEY", "RISK_ENGINE_MASTER_KEY"},
		{"RISK_ENGINE_MASTER_KEY", "RISK_ENGINE_MASTER_KEY"},
		{"encryption.master-key", "RISK_ENGINE_ENCRYPTION_MASTER_KEY"},
	}

	for _, tt := range tests {
		if got := normalizeEnvKey(DefaultEnvPrefix, tt.input); got != tt.expected {
			t.Errorf("normalizeEnvKey(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestFileProvider(t *testing.T) {
	tmpDir := t.TempDir()
	provider := NewFileProvider(tmpDir, quietLogger())
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(tmpDir, "encryption_master_key"), []byte("file-value\n"), 0600); err != nil {
		t.Fatalf("failed to write secret: %v", err)
	}

	t.Run("get secret trims newline", func(t *testing.T) {
		secret, err := provider.Get(ctx, "encryption/master-key")
		if err != nil {
			t.Fatalf("failed to get secret: %v", err)
		}
		if secret.Value != "file-value" {
			t.Errorf("expected value 'file-value', got %q", secret.Value)
		}
	})

	t.Run("get non-existent secret", func(t *testing.T) {
		_, err := provider.Get(ctx, "nonexistent")
		if !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("expected ErrSecretNotFound, got %v", err)
		}
	})

	t.Run("health check", func(t *testing.T) {
		if err := provider.HealthCheck(ctx); err != nil {
			t.Errorf("health check failed: %v", err)
		}
		missing := NewFileProvider(filepath.Join(tmpDir, "missing"), quietLogger())
		if err := missing.HealthCheck(ctx); err == nil {
			t.Error("expected health check failure for missing directory")
		}
	})

	t.Run("key to filename conversion", func(t *testing.T) {
		tests := []struct {
			key      string
			expected string
		}{
			{"simple", "simple"},
			{"database/password", "database_password"},
			{"app.api.key", "app_api_key"},
			{"UPPER_CASE", "upper_case"},
		}
		for _, tt := range tests {
			if got := keyToFilename(tt.key); got != tt.expected {
				t.Errorf("keyToFilename(%q) = %q, expected %q", tt.key, got, tt.expected)
			}
		}
	})
}

type fakeKMS struct {
	plaintext []byte
	err       error
	lastInput *kms.DecryptInput
}

func (f *fakeKMS) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DecryptOutput{Plaintext: f.plaintext, KeyId: aws.String("arn:aws:kms:test")}, nil
}

func TestKMSProvider(t *testing.T) {
	ctx := context.Background()
	blob := []byte("wrapped-key-bytes")
	t.Setenv("RISK_ENGINE_MASTER_KEY_KMS", base64.StdEncoding.EncodeToString(blob))

	fake := &fakeKMS{plaintext: []byte("unwrapped-master-key")}
	provider, err := NewKMSProvider(KMSConfig{
		KeyID:   "alias/risk-engine",
		Client:  fake,
		Sources: []Provider{NewEnvProvider("", quietLogger())},
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewKMSProvider() error = %v", err)
	}

	secret, err := provider.Get(ctx, "master_key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, _ := base64.StdEncoding.DecodeString(secret.Value)
	if string(got) != "unwrapped-master-key" {
		t.Errorf("Get() plaintext = %q", got)
	}
	if !bytes.Equal(fake.lastInput.CiphertextBlob, blob) {
		t.Errorf("CiphertextBlob = %q, want %q", fake.lastInput.CiphertextBlob, blob)
	}
	if aws.ToString(fake.lastInput.KeyId) != "alias/risk-engine" {
		t.Errorf("KeyId = %q", aws.ToString(fake.lastInput.KeyId))
	}

	if _, err := provider.Get(ctx, "absent"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get(absent) error = %v, want ErrSecretNotFound", err)
	}

	fake.err = errors.New("access denied")
	if _, err := provider.Get(ctx, "master_key"); err == nil {
		t.Error("expected decrypt failure to propagate")
	}

	if _, err := NewKMSProvider(KMSConfig{Client: fake}); err == nil {
		t.Error("expected error without blob sources")
	}
}

func TestManager(t *testing.T) {
	ctx := context.Background()

	manager, err := NewManager(&Config{
		EnableEnv: true,
		CacheTTL:  time.Minute,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	defer manager.Close()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	t.Setenv("RISK_ENGINE_CACHED", "v1")

	t.Run("get and cache", func(t *testing.T) {
		value, err := manager.Get(ctx, "cached")
		if err != nil || value != "v1" {
			t.Fatalf("Get() = %q, %v", value, err)
		}

		os.Setenv("RISK_ENGINE_CACHED", "v2")
		value, _ = manager.Get(ctx, "cached")
		if value != "v1" {
			t.Errorf("expected cached value v1, got %q", value)
		}
	})

	t.Run("invalidate", func(t *testing.T) {
		manager.Invalidate("cached")
		value, _ := manager.Get(ctx, "cached")
		if value != "v2" {
			t.Errorf("expected fresh value v2 after Invalidate, got %q", value)
		}
	})

	t.Run("ttl expiry", func(t *testing.T) {
		os.Setenv("RISK_ENGINE_CACHED", "v3")
		now = now.Add(2 * time.Minute)
		value, _ := manager.Get(ctx, "cached")
		if value != "v3" {
			t.Errorf("expected v3 after TTL expiry, got %q", value)
		}
	})

	t.Run("clear cache", func(t *testing.T) {
		os.Setenv("RISK_ENGINE_CACHED", "v4")
		manager.ClearCache()
		value, _ := manager.Get(ctx, "cached")
		if value != "v4" {
			t.Errorf("expected v4 after ClearCache, got %q", value)
		}
	})

	t.Run("missing with default", func(t *testing.T) {
		if got := manager.GetWithDefault(ctx, "definitely_missing", "fallback"); got != "fallback" {
			t.Errorf("GetWithDefault() = %q", got)
		}
		if _, err := manager.Get(ctx, "definitely_missing"); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("Get() error = %v, want ErrSecretNotFound", err)
		}
	})
}

func TestNewManagerWithoutProviders(t *testing.T) {
	_, err := NewManager(&Config{Logger: quietLogger()})
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("NewManager() error = %v, want ErrNoProvider", err)
	}
}

func TestProviderFallback(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "fallback_test"), []byte("file-value"), 0600); err != nil {
		t.Fatalf("failed to write secret: %v", err)
	}

	manager, err := NewManager(&Config{
		EnableEnv:  true,
		EnableFile: true,
		FileDir:    tmpDir,
		CacheTTL:   time.Minute,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	value, err := manager.Get(context.Background(), "fallback_test")
	if err != nil {
		t.Fatalf("failed to get secret: %v", err)
	}
	if value != "file-value" {
		t.Errorf("expected 'file-value', got %q", value)
	}
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		ref          string
		wantProvider string
		wantKey      string
	}{
		{"plain-value", "literal", "plain-value"},
		{"env:MASTER_KEY", "env", "MASTER_KEY"},
		{"file:master_key", "file", "master_key"},
		{"kms:master_key", "kms", "master_key"},
	}

	for _, tt := range tests {
		provider, key := ParseSecretRef(tt.ref)
		if provider != tt.wantProvider || key != tt.wantKey {
			t.Errorf("ParseSecretRef(%q) = (%q, %q), want (%q, %q)",
				tt.ref, provider, key, tt.wantProvider, tt.wantKey)
		}
	}
}

func TestResolveSecret(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "shared"), []byte("from-file"), 0600); err != nil {
		t.Fatalf("failed to write secret: %v", err)
	}
	t.Setenv("RISK_ENGINE_SHARED", "from-env")

	manager, err := NewManager(&Config{
		EnableEnv:  true,
		EnableFile: true,
		FileDir:    tmpDir,
		CacheTTL:   time.Minute,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{ref: "literal-key", want: "literal-key"},
		{ref: "env:shared", want: "from-env"},
		{ref: "file:shared", want: "from-file"},
		{ref: "vault:shared", wantErr: ErrUnknownProvider},
		{ref: "file:missing", wantErr: ErrSecretNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := manager.ResolveSecret(ctx, tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ResolveSecret() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveSecret() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveSecret() = %q, want %q", got, tt.want)
			}
		})
	}
}

func BenchmarkManagerGetCached(b *testing.B) {
	os.Setenv("RISK_ENGINE_BENCH_SECRET", "bench-value")
	defer os.Unsetenv("RISK_ENGINE_BENCH_SECRET")

	manager, _ := NewManager(&Config{EnableEnv: true, CacheTTL: time.Hour, Logger: quietLogger()})
	ctx := context.Background()
	manager.Get(ctx, "bench_secret")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		manager.Get(ctx, "bench_secret")
	}
}
