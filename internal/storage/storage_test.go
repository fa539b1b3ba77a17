package storage_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"paypollen-api/internal/config"
	"paypollen-api/internal/encryption"
	"paypollen-api/internal/models"
	"paypollen-api/internal/storage"
	"paypollen-api/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"
)

func newTestVault(t *testing.T) (*encryption.KeyVaultManager, *storagetest.MemoryStore) {
	t.Helper()
	kms, err := encryption.NewLocalKMS(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, 32)))
	require.NoError(t, err)

	backing := storagetest.NewMemoryStore()
	vault := encryption.NewKeyVaultManager(storage.NewKeyVaultStore(backing), kms, nil, 0, zaptest.NewLogger(t))
	require.NoError(t, vault.EnsureIndexes(context.Background()))
	return vault, backing
}

func newTestUsers(t *testing.T) (*storage.EncryptedCollection, *storagetest.MemoryStore) {
	t.Helper()
	vault, _ := newTestVault(t)
	_, err := vault.ProvisionDataKey(context.Background(), "local", encryption.DefaultDataKeyAltName)
	require.NoError(t, err)

	encryptor := encryption.NewFieldEncryptor(encryption.DefaultSchemaRegistry(""), vault)
	backing := storagetest.NewMemoryStore()
	return storage.NewEncryptedCollection(encryption.CollectionUsers, backing, encryptor), backing
}

func TestGatewayAccessorsBeforeConnect(t *testing.T) {
	ctx := context.Background()
	gateway := storage.NewGateway(config.MongoConfig{Database: "paypollen"}, zaptest.NewLogger(t))

	_, err := gateway.Database()
	assert.ErrorIs(t, err, storage.ErrGatewayNotInitialized)
	_, err = gateway.Collection("kyc_sessions")
	assert.ErrorIs(t, err, storage.ErrGatewayNotInitialized)
	_, err = gateway.Store("kyc_sessions")
	assert.ErrorIs(t, err, storage.ErrGatewayNotInitialized)
	assert.ErrorIs(t, gateway.Ping(ctx), storage.ErrGatewayNotInitialized)

	assert.NoError(t, gateway.Close(ctx))
	assert.NoError(t, gateway.Close(ctx))
}

func TestEncryptedGatewayAccessorsBeforeConnect(t *testing.T) {
	ctx := context.Background()
	gateway := storage.NewEncryptedGateway(storage.EncryptedGatewayOptions{Logger: zaptest.NewLogger(t)})

	_, err := gateway.Database()
	assert.ErrorIs(t, err, storage.ErrEncryptedGatewayNotInitialized)
	_, err = gateway.Collection(encryption.CollectionUsers)
	assert.ErrorIs(t, err, storage.ErrEncryptedGatewayNotInitialized)
	_, err = gateway.Encryptor()
	assert.ErrorIs(t, err, storage.ErrEncryptedGatewayNotInitialized)
	_, err = gateway.KeyVault()
	assert.ErrorIs(t, err, storage.ErrEncryptedGatewayNotInitialized)
	assert.ErrorIs(t, gateway.Ping(ctx), storage.ErrEncryptedGatewayNotInitialized)

	assert.NoError(t, gateway.Close(ctx))
}

func TestEncryptedGatewayRequiresKMS(t *testing.T) {
	gateway := storage.NewEncryptedGateway(storage.EncryptedGatewayOptions{Logger: zaptest.NewLogger(t)})
	assert.Error(t, gateway.Connect(context.Background()))
}

func TestEncryptedCollectionStoresOnlyCiphertext(t *testing.T) {
	users, backing := newTestUsers(t)
	ctx := context.Background()

	record := models.UserPIIRecord{
		UserID:  "user-1",
		Email:   "test@example.com",
		Phone:   "+14155550100",
		SSN:     "123-45-6789",
		Address: &models.Address{Street: "1 Main St", City: "Springfield"},
	}
	require.NoError(t, users.InsertOne(ctx, record))

	stored := backing.Documents()
	require.Len(t, stored, 1)
	assert.Equal(t, "user-1", stored[0]["user_id"])
	for _, field := range []string{"email", "phone", "ssn"} {
		blob, ok := stored[0][field].(primitive.Binary)
		require.True(t, ok, field)
		assert.Equal(t, encryption.BinarySubtypeEncrypted, blob.Subtype)
	}
	street, ok := stored[0]["address"].(bson.M)["street"].(primitive.Binary)
	require.True(t, ok)
	assert.NotContains(t, string(street.Data), "Main")

	doc, err := users.FindOne(ctx, bson.M{"email": "test@example.com"})
	require.NoError(t, err)

	var got models.UserPIIRecord
	require.NoError(t, storage.Decode(doc, &got))
	assert.Equal(t, record.SSN, got.SSN)
	assert.Equal(t, record.Address, got.Address)
}

func TestEncryptedCollectionRejectsRandomFieldQueries(t *testing.T) {
	users, _ := newTestUsers(t)
	ctx := context.Background()
	require.NoError(t, users.InsertOne(ctx, bson.M{"user_id": "user-1", "ssn": "123-45-6789"}))

	_, err := users.FindOne(ctx, bson.M{"ssn": "123-45-6789"})
	assert.ErrorIs(t, err, storage.ErrFieldNotQueryable)

	_, err = users.DeleteOne(ctx, bson.M{"phone": "+14155550100"})
	assert.ErrorIs(t, err, storage.ErrFieldNotQueryable)

	_, err = users.Find(ctx, bson.M{}, storage.FindOptions{Sort: bson.D{{Key: "ssn", Value: 1}}})
	assert.ErrorIs(t, err, storage.ErrFieldNotQueryable)

	assert.ErrorIs(t, users.EnsureIndex(ctx, storage.IndexSpec{Keys: bson.D{{Key: "address.city", Value: 1}}}), storage.ErrFieldNotQueryable)
	assert.NoError(t, users.EnsureIndex(ctx, storage.IndexSpec{Keys: bson.D{{Key: "email", Value: 1}}, Unique: true}))
}

func TestEncryptedCollectionUpdateAndDelete(t *testing.T) {
	users, backing := newTestUsers(t)
	ctx := context.Background()
	require.NoError(t, users.InsertOne(ctx, bson.M{"user_id": "user-1", "email": "a@example.com", "phone": "+14155550100"}))

	result, err := users.UpdateOne(ctx, bson.M{"user_id": "user-1"}, bson.M{"$set": bson.M{"phone": "+14155550199"}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Matched)

	_, isCipher := backing.Documents()[0]["phone"].(primitive.Binary)
	assert.True(t, isCipher)

	doc, err := users.FindOne(ctx, bson.M{"user_id": "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "+14155550199", doc["phone"])

	result, err = users.UpdateOne(ctx, bson.M{"user_id": "nobody"}, bson.M{"$set": bson.M{"phone": "1"}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Matched)

	deleted, err := users.DeleteOne(ctx, bson.M{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Empty(t, backing.Documents())
}

func TestKeyVaultStoreUniqueAltName(t *testing.T) {
	vault, backing := newTestVault(t)
	ctx := context.Background()

	indexes := backing.Indexes()
	require.Len(t, indexes, 1)
	assert.True(t, indexes[0].Unique)
	assert.Equal(t, bson.M{"keyAltNames": bson.M{"$exists": true}}, indexes[0].Partial)

	id, err := vault.ProvisionDataKey(ctx, "local", "pii-data-key")
	require.NoError(t, err)

	stored := backing.Documents()
	require.Len(t, stored, 1)
	assert.Equal(t, primitive.Binary{Subtype: encryption.BinarySubtypeUUID, Data: id[:]}, stored[0]["_id"])

	_, err = vault.ProvisionDataKey(ctx, "local", "pii-data-key")
	assert.ErrorIs(t, err, encryption.ErrKeyAltNameExists)

	key, err := vault.KeyByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pii-data-key", key.AltName)

	_, err = storage.NewKeyVaultStore(backing).FindByAltName(ctx, "missing")
	assert.ErrorIs(t, err, encryption.ErrDataKeyNotFound)
}
