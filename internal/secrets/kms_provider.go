package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// kmsBlobSuffix names the companion key holding a KMS ciphertext blob.
const kmsBlobSuffix = "_kms"

// KMSDecrypter is the subset of the KMS client used by KMSProvider.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSConfig configures a KMSProvider.
type KMSConfig struct {
	// KeyID optionally pins decryption to one KMS key.
	KeyID string
	// Region is used when Client is nil and a client is built from the
	// default AWS credential chain.
	Region string
	Client KMSDecrypter
	// Sources hold the base64 ciphertext blobs.
	Sources []Provider
	Logger  *slog.Logger
}

// KMSProvider unwraps secrets that are stored encrypted under a KMS key.
// For a key "master_key" the blob is read from the sources under
// "master_key_kms" and the plaintext is returned base64-encoded.
type KMSProvider struct {
	client  KMSDecrypter
	keyID   string
	sources []Provider
	logger  *slog.Logger
}

// NewKMSProvider creates a KMS-backed provider.
func NewKMSProvider(cfg KMSConfig) (*KMSProvider, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("kms provider needs at least one blob source")
	}

	client := cfg.Client
	if client == nil {
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = kms.NewFromConfig(awsCfg)
	}

	return &KMSProvider{
		client:  client,
		keyID:   cfg.KeyID,
		sources: cfg.Sources,
		logger:  cfg.Logger,
	}, nil
}

// Name returns the provider name.
func (k *KMSProvider) Name() string {
	return "kms"
}

// Get unwraps the blob stored for key.
func (k *KMSProvider) Get(ctx context.Context, key string) (*Secret, error) {
	blob, err := k.lookupBlob(ctx, key+kmsBlobSuffix)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("kms blob for %q is not base64: %w", key, err)
	}

	input := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if k.keyID != "" {
		input.KeyId = aws.String(k.keyID)
	}

	out, err := k.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("kms decrypt %q: %w", key, err)
	}

	keyID := ""
	if out.KeyId != nil {
		keyID = *out.KeyId
	}

	return &Secret{
		Value:    base64.StdEncoding.EncodeToString(out.Plaintext),
		Version:  1,
		Metadata: map[string]string{"source": "kms", "key_id": keyID},
	}, nil
}

func (k *KMSProvider) lookupBlob(ctx context.Context, key string) (string, error) {
	for _, source := range k.sources {
		secret, err := source.Get(ctx, key)
		if err == nil && secret != nil {
			return secret.Value, nil
		}
		if err != nil && !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", ErrSecretNotFound
}

// Close is a no-op for the KMS provider.
func (k *KMSProvider) Close() error {
	return nil
}

// HealthCheck verifies at least one blob source is reachable.
func (k *KMSProvider) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, source := range k.sources {
		err := source.HealthCheck(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
