package storage

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	ErrNoDocument = errors.New("no document matched")
	ErrDuplicate  = errors.New("duplicate key")
)

type FindOptions struct {
	Sort  bson.D
	Limit int64
}

type UpdateResult struct {
	Matched  int64
	Modified int64
	Upserted int64
}

type IndexSpec struct {
	Name    string
	Keys    bson.D
	Unique  bool
	Partial bson.M
}

// DocumentStore is the document-level contract shared by plain and
// encrypted collections. Repositories depend on it rather than on the
// driver so they can run against an in-memory store in tests.
type DocumentStore interface {
	InsertOne(ctx context.Context, doc interface{}) error
	FindOne(ctx context.Context, filter interface{}, opts ...FindOptions) (bson.M, error)
	Find(ctx context.Context, filter interface{}, opts ...FindOptions) ([]bson.M, error)
	UpdateOne(ctx context.Context, filter, update interface{}, upsert bool) (UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter, update interface{}, upsert bool) (bson.M, error)
	DeleteOne(ctx context.Context, filter interface{}) (int64, error)
	EnsureIndex(ctx context.Context, index IndexSpec) error
}

func firstOption(opts []FindOptions) FindOptions {
	if len(opts) == 0 {
		return FindOptions{}
	}
	return opts[0]
}

// Decode converts a document returned by a DocumentStore into a typed value.
func Decode(doc bson.M, out interface{}) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}
