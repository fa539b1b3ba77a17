package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paypollen-api/internal/encryption"
	"paypollen-api/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const keyAltNameIndex = "keyAltNames_unique"

// keyVaultDocument is the on-disk shape of a data key, compatible with the
// driver's own key-vault layout.
type keyVaultDocument struct {
	ID          primitive.Binary `bson:"_id"`
	AltNames    []string         `bson:"keyAltNames,omitempty"`
	KeyMaterial []byte           `bson:"keyMaterial"`
	MasterKey   models.MasterKey `bson:"masterKey"`
	Status      int              `bson:"status"`
	CreatedAt   time.Time        `bson:"creationDate"`
	UpdatedAt   time.Time        `bson:"updateDate"`
}

// KeyVaultStore keeps data-key documents in the key-vault namespace.
type KeyVaultStore struct {
	store DocumentStore
}

func NewKeyVaultStore(store DocumentStore) *KeyVaultStore {
	return &KeyVaultStore{store: store}
}

// EnsureIndexes creates the unique alt-name index. Only documents that
// declare an alt name take part in it.
func (s *KeyVaultStore) EnsureIndexes(ctx context.Context) error {
	return s.store.EnsureIndex(ctx, IndexSpec{
		Name:    keyAltNameIndex,
		Keys:    bson.D{{Key: "keyAltNames", Value: 1}},
		Unique:  true,
		Partial: bson.M{"keyAltNames": bson.M{"$exists": true}},
	})
}

func (s *KeyVaultStore) InsertDataKey(ctx context.Context, key *models.DataEncryptionKey) error {
	doc := keyVaultDocument{
		ID:          uuidBinary(key.ID),
		AltNames:    key.AltNames,
		KeyMaterial: key.KeyMaterial,
		MasterKey:   key.MasterKey,
		Status:      key.Status,
		CreatedAt:   key.CreatedAt,
		UpdatedAt:   key.UpdatedAt,
	}
	if err := s.store.InsertOne(ctx, doc); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return fmt.Errorf("%w: %v", encryption.ErrKeyAltNameExists, key.AltNames)
		}
		return fmt.Errorf("failed to insert data key: %w", err)
	}
	return nil
}

func (s *KeyVaultStore) FindByAltName(ctx context.Context, altName string) (*models.DataEncryptionKey, error) {
	return s.findOne(ctx, bson.M{"keyAltNames": altName})
}

func (s *KeyVaultStore) FindByID(ctx context.Context, id uuid.UUID) (*models.DataEncryptionKey, error) {
	return s.findOne(ctx, bson.M{"_id": uuidBinary(id)})
}

func (s *KeyVaultStore) ListKeys(ctx context.Context) ([]*models.DataEncryptionKey, error) {
	docs, err := s.store.Find(ctx, bson.M{}, FindOptions{Sort: bson.D{{Key: "creationDate", Value: 1}}})
	if err != nil {
		return nil, fmt.Errorf("failed to list data keys: %w", err)
	}
	out := make([]*models.DataEncryptionKey, 0, len(docs))
	for _, doc := range docs {
		key, err := decodeKey(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

func (s *KeyVaultStore) findOne(ctx context.Context, filter bson.M) (*models.DataEncryptionKey, error) {
	doc, err := s.store.FindOne(ctx, filter)
	if err != nil {
		if errors.Is(err, ErrNoDocument) {
			return nil, encryption.ErrDataKeyNotFound
		}
		return nil, fmt.Errorf("failed to load data key: %w", err)
	}
	return decodeKey(doc)
}

func decodeKey(doc bson.M) (*models.DataEncryptionKey, error) {
	var raw keyVaultDocument
	if err := Decode(doc, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode data key: %w", err)
	}
	id, err := uuid.FromBytes(raw.ID.Data)
	if err != nil {
		return nil, fmt.Errorf("data key has malformed _id: %w", err)
	}
	return &models.DataEncryptionKey{
		ID:          id,
		AltNames:    raw.AltNames,
		KeyMaterial: raw.KeyMaterial,
		MasterKey:   raw.MasterKey,
		Status:      raw.Status,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}, nil
}

func uuidBinary(id uuid.UUID) primitive.Binary {
	return primitive.Binary{Subtype: encryption.BinarySubtypeUUID, Data: id[:]}
}
