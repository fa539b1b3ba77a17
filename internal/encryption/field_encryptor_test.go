package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestDeterministicFieldsEncryptIdentically(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	ctx := context.Background()

	a, err := enc.Encrypt(ctx, CollectionUsers, "email", "test@example.com")
	require.NoError(t, err)
	b, err := enc.Encrypt(ctx, CollectionUsers, "email", "test@example.com")
	require.NoError(t, err)

	assert.Equal(t, BinarySubtypeEncrypted, a.Subtype)
	assert.Equal(t, a.Data, b.Data)
	assert.NotContains(t, string(a.Data), "test@example.com")

	plaintext, err := enc.Decrypt(ctx, "email", a)
	require.NoError(t, err)
	assert.Equal(t, "test@example.com", plaintext)
}

func TestRandomFieldsEncryptDifferently(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	ctx := context.Background()

	for _, path := range []string{"phone", "ssn", "address.street", "address.zip_code"} {
		a, err := enc.Encrypt(ctx, CollectionUsers, path, "123-45-6789")
		require.NoError(t, err)
		b, err := enc.Encrypt(ctx, CollectionUsers, path, "123-45-6789")
		require.NoError(t, err)
		assert.NotEqual(t, a.Data, b.Data, path)

		for _, blob := range []primitive.Binary{a, b} {
			plaintext, err := enc.Decrypt(ctx, path, blob)
			require.NoError(t, err)
			assert.Equal(t, "123-45-6789", plaintext)
		}
	}
}

func TestDecryptRejectsTamperingAndPathSwap(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	ctx := context.Background()

	ssn, err := enc.Encrypt(ctx, CollectionUsers, "ssn", "123-45-6789")
	require.NoError(t, err)

	_, err = enc.Decrypt(ctx, "phone", ssn)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	tampered := primitive.Binary{Subtype: ssn.Subtype, Data: append([]byte(nil), ssn.Data...)}
	tampered.Data[len(tampered.Data)-1] ^= 0x01
	_, err = enc.Decrypt(ctx, "ssn", tampered)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = enc.Decrypt(ctx, "ssn", primitive.Binary{Subtype: BinarySubtypeEncrypted, Data: []byte{1, 2}})
	assert.ErrorIs(t, err, ErrMalformedBlob)

	_, err = enc.Decrypt(ctx, "ssn", primitive.Binary{Subtype: 0x00, Data: ssn.Data})
	assert.ErrorIs(t, err, ErrMalformedBlob)
}

func TestEncryptUndeclaredField(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	_, err := enc.Encrypt(context.Background(), CollectionUsers, "user_id", "u1")
	assert.ErrorIs(t, err, ErrFieldNotEncrypted)
}

func TestEncryptDocumentRoundTrip(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	ctx := context.Background()

	doc := bson.M{
		"user_id": "user-1",
		"email":   "test@example.com",
		"phone":   "+14155550100",
		"address": bson.M{"street": "1 Main St", "city": "Springfield", "zip_code": "12345"},
	}

	sealed, err := enc.EncryptDocument(ctx, CollectionUsers, doc)
	require.NoError(t, err)

	assert.Equal(t, "user-1", sealed["user_id"])
	assert.IsType(t, primitive.Binary{}, sealed["email"])
	assert.IsType(t, primitive.Binary{}, sealed["phone"])
	address := sealed["address"].(bson.M)
	assert.IsType(t, primitive.Binary{}, address["street"])
	assert.IsType(t, primitive.Binary{}, address["city"])

	// the caller's document is left untouched
	assert.Equal(t, "test@example.com", doc["email"])
	assert.Equal(t, "1 Main St", doc["address"].(bson.M)["street"])

	opened, err := enc.DecryptDocument(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, doc, opened)
}

func TestEncryptDocumentRejectsNonStringPII(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	ctx := context.Background()

	_, err := enc.EncryptDocument(ctx, CollectionUsers, bson.M{"ssn": 123456789})
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	_, err = enc.EncryptDocument(ctx, CollectionUsers, bson.M{"address": "1 Main St"})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestEncryptUpdateDottedPaths(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	ctx := context.Background()

	update, err := enc.EncryptUpdate(ctx, CollectionUsers, bson.M{
		"$set":   bson.M{"address.city": "Shelbyville", "updated_at": "now"},
		"$unset": bson.M{"ssn": ""},
	})
	require.NoError(t, err)

	set := update["$set"].(bson.M)
	city, ok := set["address.city"].(primitive.Binary)
	require.True(t, ok)
	assert.Equal(t, "now", set["updated_at"])

	// nested and dotted writes bind the same path
	plaintext, err := enc.Decrypt(ctx, "address.city", city)
	require.NoError(t, err)
	assert.Equal(t, "Shelbyville", plaintext)

	_, err = enc.EncryptUpdate(ctx, CollectionUsers, bson.M{"$push": bson.M{"phone": "x"}})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestEncryptFilterDeterministicEquality(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	ctx := context.Background()

	stored, err := enc.Encrypt(ctx, CollectionUsers, "email", "test@example.com")
	require.NoError(t, err)

	filter, err := enc.EncryptFilter(ctx, CollectionUsers, bson.M{"email": "test@example.com", "user_id": "user-1"})
	require.NoError(t, err)
	assert.Equal(t, stored, filter["email"])
	assert.Equal(t, "user-1", filter["user_id"])

	filter, err = enc.EncryptFilter(ctx, CollectionUsers, bson.M{"email": bson.M{"$in": bson.A{"test@example.com", "other@example.com"}}})
	require.NoError(t, err)
	in := filter["email"].(bson.M)["$in"].(bson.A)
	require.Len(t, in, 2)
	assert.Equal(t, stored, in[0])

	filter, err = enc.EncryptFilter(ctx, CollectionUsers, bson.D{{Key: "$or", Value: bson.A{bson.M{"email": "test@example.com"}}}})
	require.NoError(t, err)
	assert.Equal(t, stored, filter["$or"].(bson.A)[0].(bson.M)["email"])
}

func TestEncryptFilterRejectsRandomFields(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	ctx := context.Background()

	rejected := []bson.M{
		{"ssn": "123-45-6789"},
		{"phone": bson.M{"$eq": "+14155550100"}},
		{"address.city": "Springfield"},
		{"address": bson.M{"city": "Springfield"}},
		{"email": bson.M{"$regex": "^test"}},
		{"$and": bson.A{bson.M{"user_id": "u1"}, bson.M{"ssn": "1"}}},
	}
	for _, filter := range rejected {
		_, err := enc.EncryptFilter(ctx, CollectionUsers, filter)
		assert.ErrorIs(t, err, ErrFieldNotQueryable, "%v", filter)
	}

	_, err := enc.EncryptFilter(ctx, CollectionUsers, bson.M{"ssn": bson.M{"$exists": true}})
	assert.NoError(t, err)
}

func TestUncoveredCollectionsPassThrough(t *testing.T) {
	enc, _, _ := newTestEncryptor(t)
	ctx := context.Background()

	doc := bson.M{"idv_id": "idv_123", "status": "pending"}
	out, err := enc.EncryptDocument(ctx, "kyc_sessions", doc)
	require.NoError(t, err)
	assert.Equal(t, doc, out)

	filter, err := enc.EncryptFilter(ctx, "kyc_sessions", bson.M{"ssn": "1"})
	require.NoError(t, err)
	assert.Equal(t, "1", filter["ssn"])
}

func TestCheckRoundTripsEveryKey(t *testing.T) {
	enc, vault, _ := newTestEncryptor(t)
	ctx := context.Background()
	require.NoError(t, enc.Check(ctx))

	missing := NewFieldEncryptor(DefaultSchemaRegistry("pii-archive-key"), vault)
	assert.ErrorIs(t, missing.Check(ctx), ErrDataKeyNotFound)
}
