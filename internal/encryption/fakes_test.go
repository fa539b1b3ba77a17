package encryption

import (
	"bytes"
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"paypollen-api/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeKeyVaultStore struct {
	mu          sync.Mutex
	keys        map[uuid.UUID]*models.DataEncryptionKey
	altLookups  int
	indexesMade bool
}

func newFakeKeyVaultStore() *fakeKeyVaultStore {
	return &fakeKeyVaultStore{keys: make(map[uuid.UUID]*models.DataEncryptionKey)}
}

func (s *fakeKeyVaultStore) EnsureIndexes(context.Context) error {
	s.indexesMade = true
	return nil
}

func (s *fakeKeyVaultStore) InsertDataKey(_ context.Context, key *models.DataEncryptionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys {
		for _, alt := range key.AltNames {
			if existing.HasAltName(alt) {
				return ErrKeyAltNameExists
			}
		}
	}
	copied := *key
	s.keys[key.ID] = &copied
	return nil
}

func (s *fakeKeyVaultStore) FindByAltName(_ context.Context, altName string) (*models.DataEncryptionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.altLookups++
	for _, key := range s.keys {
		if key.HasAltName(altName) {
			return key, nil
		}
	}
	return nil, ErrDataKeyNotFound
}

func (s *fakeKeyVaultStore) FindByID(_ context.Context, id uuid.UUID) (*models.DataEncryptionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[id]; ok {
		return key, nil
	}
	return nil, ErrDataKeyNotFound
}

func (s *fakeKeyVaultStore) ListKeys(context.Context) ([]*models.DataEncryptionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.DataEncryptionKey, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, key)
	}
	return out, nil
}

func testLocalKMS(t *testing.T) *LocalKMS {
	t.Helper()
	kms, err := NewLocalKMS(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)
	return kms
}

// newTestEncryptor provisions the default key in an in-memory vault.
func newTestEncryptor(t *testing.T) (*FieldEncryptor, *KeyVaultManager, *fakeKeyVaultStore) {
	t.Helper()
	store := newFakeKeyVaultStore()
	vault := NewKeyVaultManager(store, testLocalKMS(t), nil, 0, zaptest.NewLogger(t))
	_, err := vault.ProvisionDataKey(context.Background(), "local", DefaultDataKeyAltName)
	require.NoError(t, err)
	return NewFieldEncryptor(DefaultSchemaRegistry(DefaultDataKeyAltName), vault), vault, store
}
