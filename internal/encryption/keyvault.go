package encryption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paypollen-api/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrKeyAltNameExists       = errors.New("data key with this alt name already exists")
	ErrDataKeyNotFound        = errors.New("data key not found")
	ErrCredentialsUnavailable = errors.New("kms credentials unavailable")
)

// KeyVaultStore persists data-key documents.
type KeyVaultStore interface {
	EnsureIndexes(ctx context.Context) error
	// InsertDataKey returns ErrKeyAltNameExists on a unique index violation.
	InsertDataKey(ctx context.Context, key *models.DataEncryptionKey) error
	FindByAltName(ctx context.Context, altName string) (*models.DataEncryptionKey, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.DataEncryptionKey, error)
	ListKeys(ctx context.Context) ([]*models.DataEncryptionKey, error)
}

// KMSCredentials are the resolved credentials for the KMS provider.
type KMSCredentials struct {
	Provider        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// String never prints the secret parts.
func (c KMSCredentials) String() string {
	id := c.AccessKeyID
	if len(id) > 4 {
		id = id[:4] + "****"
	}
	return fmt.Sprintf("KMSCredentials{provider=%s access_key=%s}", c.Provider, id)
}

// KeyVaultManager provisions data keys and unwraps them for the encryptor.
type KeyVaultManager struct {
	store       KeyVaultStore
	kms         KeyManagementService
	credentials aws.CredentialsProvider
	timeout     time.Duration
	logger      *zap.Logger

	// altName -> *DataKey and uuid -> *DataKey
	byAltName sync.Map
	byID      sync.Map
}

func NewKeyVaultManager(store KeyVaultStore, kms KeyManagementService, credentials aws.CredentialsProvider, timeout time.Duration, logger *zap.Logger) *KeyVaultManager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyVaultManager{
		store:       store,
		kms:         kms,
		credentials: credentials,
		timeout:     timeout,
		logger:      logger,
	}
}

func (m *KeyVaultManager) Provider() string {
	return m.kms.Provider()
}

func (m *KeyVaultManager) EnsureIndexes(ctx context.Context) error {
	if err := m.store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("key vault indexes: %w", err)
	}
	return nil
}

// ProvisionDataKey generates a data key wrapped under masterKeyRef and
// records it under altName. An existing alt name is an error, never
// overwritten.
func (m *KeyVaultManager) ProvisionDataKey(ctx context.Context, masterKeyRef, altName string) (uuid.UUID, error) {
	if altName == "" {
		return uuid.Nil, fmt.Errorf("provision data key: alt name is required")
	}

	generated, err := m.kms.GenerateDataKey(ctx, masterKeyRef)
	if err != nil {
		return uuid.Nil, fmt.Errorf("provision data key %s: %w", altName, err)
	}

	now := time.Now().UTC()
	key := &models.DataEncryptionKey{
		ID:          uuid.New(),
		AltNames:    []string{altName},
		KeyMaterial: generated.Ciphertext,
		MasterKey: models.MasterKey{
			Provider: m.kms.Provider(),
			Key:      masterKeyRef,
		},
		Status:    models.DataKeyStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if region, ok := m.region(); ok {
		key.MasterKey.Region = region
	}

	if err := m.store.InsertDataKey(ctx, key); err != nil {
		return uuid.Nil, fmt.Errorf("provision data key %s: %w", altName, err)
	}

	m.logger.Info("Data key provisioned",
		zap.String("key_id", key.ID.String()),
		zap.String("key_alt_name", altName),
		zap.String("kms_provider", m.kms.Provider()),
	)
	return key.ID, nil
}

func (m *KeyVaultManager) region() (string, bool) {
	if r, ok := m.kms.(interface{ Region() string }); ok {
		return r.Region(), true
	}
	return "", false
}

// Credentials resolves the active KMS credentials. The local provider has
// none and always succeeds.
func (m *KeyVaultManager) Credentials(ctx context.Context) (KMSCredentials, error) {
	if m.kms.Provider() == ProviderLocal {
		return KMSCredentials{Provider: ProviderLocal}, nil
	}
	if m.credentials == nil {
		return KMSCredentials{}, ErrCredentialsUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	creds, err := m.credentials.Retrieve(ctx)
	if err != nil {
		return KMSCredentials{}, fmt.Errorf("%w: %v", ErrCredentialsUnavailable, err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return KMSCredentials{}, ErrCredentialsUnavailable
	}

	return KMSCredentials{
		Provider:        m.kms.Provider(),
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Expires:         creds.Expires,
	}, nil
}

// ResolveKey loads and unwraps the key registered under altName.
func (m *KeyVaultManager) ResolveKey(ctx context.Context, altName string) (*DataKey, error) {
	if cached, ok := m.byAltName.Load(altName); ok {
		return cached.(*DataKey), nil
	}

	doc, err := m.store.FindByAltName(ctx, altName)
	if err != nil {
		return nil, fmt.Errorf("resolve data key %s: %w", altName, err)
	}
	return m.unwrap(ctx, doc, altName)
}

// KeyByID loads and unwraps a key referenced by a ciphertext header.
func (m *KeyVaultManager) KeyByID(ctx context.Context, id uuid.UUID) (*DataKey, error) {
	if cached, ok := m.byID.Load(id); ok {
		return cached.(*DataKey), nil
	}

	doc, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve data key %s: %w", id, err)
	}
	altName := ""
	if len(doc.AltNames) > 0 {
		altName = doc.AltNames[0]
	}
	return m.unwrap(ctx, doc, altName)
}

func (m *KeyVaultManager) unwrap(ctx context.Context, doc *models.DataEncryptionKey, altName string) (*DataKey, error) {
	material, err := m.kms.Decrypt(ctx, doc.MasterKey.Key, doc.KeyMaterial)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key %s: %w", doc.ID, err)
	}

	key, err := NewDataKey(doc.ID, altName, material)
	if err != nil {
		return nil, err
	}

	m.byID.Store(doc.ID, key)
	for _, name := range doc.AltNames {
		m.byAltName.Store(name, key)
	}

	m.logger.Debug("Data key unwrapped", zap.String("key_id", doc.ID.String()))
	return key, nil
}

// ListKeys returns the vault documents without unwrapping them.
func (m *KeyVaultManager) ListKeys(ctx context.Context) ([]*models.DataEncryptionKey, error) {
	return m.store.ListKeys(ctx)
}

// Clear drops every unwrapped key from memory.
func (m *KeyVaultManager) Clear() {
	m.byAltName.Range(func(k, _ any) bool {
		m.byAltName.Delete(k)
		return true
	})
	m.byID.Range(func(k, _ any) bool {
		m.byID.Delete(k)
		return true
	})
}
