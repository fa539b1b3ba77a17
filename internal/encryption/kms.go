package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"paypollen-api/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const (
	ProviderAWS   = "aws"
	ProviderLocal = "local"
)

var ErrKMSUnavailable = errors.New("kms unavailable")

// GeneratedKey is a fresh data key in plaintext and wrapped form.
type GeneratedKey struct {
	Plaintext  []byte
	Ciphertext []byte
}

// KeyManagementService wraps and unwraps data keys under a master key.
type KeyManagementService interface {
	Provider() string
	GenerateDataKey(ctx context.Context, masterKeyRef string) (*GeneratedKey, error)
	Decrypt(ctx context.Context, masterKeyRef string, wrapped []byte) ([]byte, error)
}

// kmsAPI is the subset of *kms.Client the envelope scheme needs.
type kmsAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKMS uses AWS KMS as the master-key holder.
type AWSKMS struct {
	client  kmsAPI
	region  string
	timeout time.Duration
}

func NewAWSKMS(client kmsAPI, region string, timeout time.Duration) *AWSKMS {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AWSKMS{client: client, region: region, timeout: timeout}
}

func (a *AWSKMS) Provider() string { return ProviderAWS }

func (a *AWSKMS) Region() string { return a.region }

// GenerateDataKey asks KMS for an AES-256 key wrapped under masterKeyRef.
func (a *AWSKMS) GenerateDataKey(ctx context.Context, masterKeyRef string) (*GeneratedKey, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result, err := a.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(masterKeyRef),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate data key: %v", ErrKMSUnavailable, err)
	}

	return &GeneratedKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
	}, nil
}

func (a *AWSKMS) Decrypt(ctx context.Context, masterKeyRef string, wrapped []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	input := &kms.DecryptInput{CiphertextBlob: wrapped}
	if masterKeyRef != "" {
		input.KeyId = aws.String(masterKeyRef)
	}

	result, err := a.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt data key: %v", ErrKMSUnavailable, err)
	}
	return result.Plaintext, nil
}

// LocalKMS wraps data keys with a master key held in configuration. It
// exists for development and tests and is refused in production.
type LocalKMS struct {
	masterKey []byte
}

// NewLocalKMS accepts a base64 master key of 32 or 96 bytes; a 96-byte key
// (the CSFLE local-provider size) uses its first 32 bytes.
func NewLocalKMS(encodedMasterKey string) (*LocalKMS, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedMasterKey)
	if err != nil {
		return nil, fmt.Errorf("local master key: %w", err)
	}
	switch len(raw) {
	case 32:
	case 96:
		raw = raw[:32]
	default:
		return nil, fmt.Errorf("local master key must be 32 or 96 bytes, got %d", len(raw))
	}
	return &LocalKMS{masterKey: raw}, nil
}

func (l *LocalKMS) Provider() string { return ProviderLocal }

func (l *LocalKMS) GenerateDataKey(_ context.Context, _ string) (*GeneratedKey, error) {
	key := make([]byte, dataKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generate local key: %v", ErrKMSUnavailable, err)
	}

	gcm, err := l.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKMSUnavailable, err)
	}

	return &GeneratedKey{
		Plaintext:  key,
		Ciphertext: gcm.Seal(nonce, nonce, key, nil),
	}, nil
}

func (l *LocalKMS) Decrypt(_ context.Context, _ string, wrapped []byte) ([]byte, error) {
	gcm, err := l.aead()
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: wrapped key too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap local key: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (l *LocalKMS) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(l.masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKMSUnavailable, err)
	}
	return cipher.NewGCM(block)
}

// NewKMSFromConfig builds the configured KMS backend together with the
// credentials provider used to reach it (nil for the local provider).
func NewKMSFromConfig(ctx context.Context, cfg config.KMSConfig) (KeyManagementService, aws.CredentialsProvider, error) {
	switch cfg.Provider {
	case config.KMSProviderLocal:
		local, err := NewLocalKMS(cfg.LocalMasterKey)
		if err != nil {
			return nil, nil, err
		}
		return local, nil, nil
	case config.KMSProviderAWS:
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewAWSKMS(kms.NewFromConfig(awsCfg), cfg.Region, cfg.Timeout), awsCfg.Credentials, nil
	default:
		return nil, nil, fmt.Errorf("unsupported kms provider %q", cfg.Provider)
	}
}
