package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider retrieves secrets from files on disk, e.g. Docker or
// Kubernetes secrets mounted into a directory.
type FileProvider struct {
	baseDir string
	logger  *slog.Logger
}

// NewFileProvider creates a new file-based secret provider. Each file in
// baseDir holds a single secret value.
func NewFileProvider(baseDir string, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileProvider{
		baseDir: baseDir,
		logger:  logger,
	}
}

// Name returns the provider name.
func (f *FileProvider) Name() string {
	return "file"
}

// Get retrieves a secret from a file.
func (f *FileProvider) Get(ctx context.Context, key string) (*Secret, error) {
	fullPath := filepath.Join(f.baseDir, keyToFilename(key))

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	// Mounted secrets usually end with a newline.
	value := strings.TrimRight(string(data), "\n\r")

	return &Secret{
		Value:    value,
		Version:  1,
		Metadata: map[string]string{"source": "file", "path": fullPath},
	}, nil
}

// Close is a no-op for file provider.
func (f *FileProvider) Close() error {
	return nil
}

// HealthCheck verifies the base directory is readable.
func (f *FileProvider) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(f.baseDir)
	if err != nil {
		return fmt.Errorf("cannot access secrets directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("secrets path is not a directory: %s", f.baseDir)
	}
	return nil
}

// keyToFilename converts a secret key to a safe filename.
// Examples:
//   - "master_key" -> "master_key"
//   - "encryption/master-key" -> "encryption_master_key"
//   - "App.Key" -> "app_key"
func keyToFilename(key string) string {
	filename := strings.ReplaceAll(key, "/", "_")
	filename = strings.ReplaceAll(filename, ".", "_")
	filename = strings.ReplaceAll(filename, "-", "_")
	return strings.ToLower(filename)
}
