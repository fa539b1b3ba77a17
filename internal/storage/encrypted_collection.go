package storage

import (
	"context"
	"fmt"

	"paypollen-api/internal/encryption"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrFieldNotQueryable is returned for predicates, sorts or indexes on
// randomly encrypted fields.
var ErrFieldNotQueryable = encryption.ErrFieldNotQueryable

// EncryptedCollection seals declared fields on every write, rewrites
// equality filters on deterministic fields and opens envelopes on every
// read. The wrapped store only ever sees ciphertext.
type EncryptedCollection struct {
	name      string
	inner     DocumentStore
	encryptor *encryption.FieldEncryptor
}

func NewEncryptedCollection(name string, inner DocumentStore, encryptor *encryption.FieldEncryptor) *EncryptedCollection {
	return &EncryptedCollection{name: name, inner: inner, encryptor: encryptor}
}

func (c *EncryptedCollection) Name() string {
	return c.name
}

func (c *EncryptedCollection) InsertOne(ctx context.Context, doc interface{}) error {
	sealed, err := c.encryptor.EncryptDocument(ctx, c.name, doc)
	if err != nil {
		return fmt.Errorf("encrypt %s document: %w", c.name, err)
	}
	return c.inner.InsertOne(ctx, sealed)
}

func (c *EncryptedCollection) FindOne(ctx context.Context, filter interface{}, opts ...FindOptions) (bson.M, error) {
	sealed, err := c.prepareRead(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	doc, err := c.inner.FindOne(ctx, sealed, opts...)
	if err != nil {
		return nil, err
	}
	return c.encryptor.DecryptDocument(ctx, doc)
}

func (c *EncryptedCollection) Find(ctx context.Context, filter interface{}, opts ...FindOptions) ([]bson.M, error) {
	sealed, err := c.prepareRead(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	docs, err := c.inner.Find(ctx, sealed, opts...)
	if err != nil {
		return nil, err
	}

	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		opened, err := c.encryptor.DecryptDocument(ctx, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, opened)
	}
	return out, nil
}

func (c *EncryptedCollection) UpdateOne(ctx context.Context, filter, update interface{}, upsert bool) (UpdateResult, error) {
	sealedFilter, sealedUpdate, err := c.prepareWrite(ctx, filter, update)
	if err != nil {
		return UpdateResult{}, err
	}
	return c.inner.UpdateOne(ctx, sealedFilter, sealedUpdate, upsert)
}

func (c *EncryptedCollection) FindOneAndUpdate(ctx context.Context, filter, update interface{}, upsert bool) (bson.M, error) {
	sealedFilter, sealedUpdate, err := c.prepareWrite(ctx, filter, update)
	if err != nil {
		return nil, err
	}
	doc, err := c.inner.FindOneAndUpdate(ctx, sealedFilter, sealedUpdate, upsert)
	if err != nil {
		return nil, err
	}
	return c.encryptor.DecryptDocument(ctx, doc)
}

func (c *EncryptedCollection) DeleteOne(ctx context.Context, filter interface{}) (int64, error) {
	sealed, err := c.encryptor.EncryptFilter(ctx, c.name, filter)
	if err != nil {
		return 0, err
	}
	return c.inner.DeleteOne(ctx, sealed)
}

// EnsureIndex refuses indexes over randomly encrypted fields.
func (c *EncryptedCollection) EnsureIndex(ctx context.Context, index IndexSpec) error {
	if err := c.checkKeys(index.Keys); err != nil {
		return err
	}
	return c.inner.EnsureIndex(ctx, index)
}

func (c *EncryptedCollection) prepareRead(ctx context.Context, filter interface{}, opts []FindOptions) (bson.M, error) {
	if err := c.checkKeys(firstOption(opts).Sort); err != nil {
		return nil, err
	}
	return c.encryptor.EncryptFilter(ctx, c.name, filter)
}

func (c *EncryptedCollection) prepareWrite(ctx context.Context, filter, update interface{}) (bson.M, bson.M, error) {
	sealedFilter, err := c.encryptor.EncryptFilter(ctx, c.name, filter)
	if err != nil {
		return nil, nil, err
	}
	sealedUpdate, err := c.encryptor.EncryptUpdate(ctx, c.name, update)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt %s update: %w", c.name, err)
	}
	return sealedFilter, sealedUpdate, nil
}

func (c *EncryptedCollection) checkKeys(keys bson.D) error {
	registry := c.encryptor.Registry()
	for _, key := range keys {
		spec, declared := registry.Lookup(c.name, key.Key)
		if (declared && !spec.Algorithm.Queryable()) || registry.EncryptsBelow(c.name, key.Key) {
			return fmt.Errorf("%w: %s.%s", ErrFieldNotQueryable, c.name, key.Key)
		}
	}
	return nil
}
