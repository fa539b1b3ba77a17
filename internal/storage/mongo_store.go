package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore adapts *mongo.Collection to DocumentStore and translates
// driver errors into the storage sentinels.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func (s *MongoStore) Name() string {
	return s.coll.Name()
}

func (s *MongoStore) InsertOne(ctx context.Context, doc interface{}) error {
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return translate(err)
	}
	return nil
}

func (s *MongoStore) FindOne(ctx context.Context, filter interface{}, opts ...FindOptions) (bson.M, error) {
	o := firstOption(opts)
	findOpts := options.FindOne()
	if len(o.Sort) > 0 {
		findOpts.SetSort(o.Sort)
	}

	var out bson.M
	if err := s.coll.FindOne(ctx, filter, findOpts).Decode(&out); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *MongoStore) Find(ctx context.Context, filter interface{}, opts ...FindOptions) ([]bson.M, error) {
	o := firstOption(opts)
	findOpts := options.Find()
	if len(o.Sort) > 0 {
		findOpts.SetSort(o.Sort)
	}
	if o.Limit > 0 {
		findOpts.SetLimit(o.Limit)
	}

	cursor, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, translate(err)
	}
	defer cursor.Close(ctx)

	var out []bson.M
	if err := cursor.All(ctx, &out); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *MongoStore) UpdateOne(ctx context.Context, filter, update interface{}, upsert bool) (UpdateResult, error) {
	result, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return UpdateResult{}, translate(err)
	}
	return UpdateResult{
		Matched:  result.MatchedCount,
		Modified: result.ModifiedCount,
		Upserted: result.UpsertedCount,
	}, nil
}

// FindOneAndUpdate applies update atomically and returns the document as
// it is after the update.
func (s *MongoStore) FindOneAndUpdate(ctx context.Context, filter, update interface{}, upsert bool) (bson.M, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetUpsert(upsert)

	var out bson.M
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *MongoStore) DeleteOne(ctx context.Context, filter interface{}) (int64, error) {
	result, err := s.coll.DeleteOne(ctx, filter)
	if err != nil {
		return 0, translate(err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) EnsureIndex(ctx context.Context, index IndexSpec) error {
	opts := options.Index().SetUnique(index.Unique)
	if index.Name != "" {
		opts.SetName(index.Name)
	}
	if index.Partial != nil {
		opts.SetPartialFilterExpression(index.Partial)
	}

	if _, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: index.Keys, Options: opts}); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", s.coll.Name(), err)
	}
	return nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNoDocument
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}
