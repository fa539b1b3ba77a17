package encryption

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrFieldNotQueryable = errors.New("field is not queryable")
	ErrFieldNotEncrypted = errors.New("field is not declared for encryption")
	ErrUnsupportedValue  = errors.New("unsupported value for encrypted field")
)

// KeyResolver hands out unwrapped data keys.
type KeyResolver interface {
	ResolveKey(ctx context.Context, altName string) (*DataKey, error)
	KeyByID(ctx context.Context, id uuid.UUID) (*DataKey, error)
}

// FieldEncryptor applies the schema registry to documents, update
// operators and query filters. It is also the manual encryption API for
// one-off jobs that run outside the automatic collection path.
type FieldEncryptor struct {
	registry *SchemaRegistry
	keys     KeyResolver
}

func NewFieldEncryptor(registry *SchemaRegistry, keys KeyResolver) *FieldEncryptor {
	return &FieldEncryptor{registry: registry, keys: keys}
}

func (e *FieldEncryptor) Registry() *SchemaRegistry {
	return e.registry
}

// Encrypt seals value for the declared field collection.path.
func (e *FieldEncryptor) Encrypt(ctx context.Context, collection, path, value string) (primitive.Binary, error) {
	spec, ok := e.registry.Lookup(collection, path)
	if !ok {
		return primitive.Binary{}, fmt.Errorf("%w: %s.%s", ErrFieldNotEncrypted, collection, path)
	}
	return e.EncryptWith(ctx, spec, value)
}

// EncryptWith seals value under an explicit spec, bypassing the registry.
func (e *FieldEncryptor) EncryptWith(ctx context.Context, spec FieldSpec, value string) (primitive.Binary, error) {
	key, err := e.keys.ResolveKey(ctx, spec.KeyAltName)
	if err != nil {
		return primitive.Binary{}, err
	}
	blob, err := key.seal(spec.Algorithm, spec.Path, []byte(value))
	if err != nil {
		return primitive.Binary{}, err
	}
	return primitive.Binary{Subtype: BinarySubtypeEncrypted, Data: blob}, nil
}

// Decrypt opens an envelope produced for path.
func (e *FieldEncryptor) Decrypt(ctx context.Context, path string, value primitive.Binary) (string, error) {
	if value.Subtype != BinarySubtypeEncrypted {
		return "", fmt.Errorf("%w: binary subtype 0x%02x", ErrMalformedBlob, value.Subtype)
	}
	_, keyID, err := parseHeader(value.Data)
	if err != nil {
		return "", err
	}
	key, err := e.keys.KeyByID(ctx, keyID)
	if err != nil {
		return "", err
	}
	plaintext, err := key.open(value.Data, path)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Check seals and opens a sample value once per referenced data key.
func (e *FieldEncryptor) Check(ctx context.Context) error {
	const sample = "paypollen-encryption-check"

	checked := make(map[string]bool)
	for _, collection := range e.registry.Collections() {
		for _, spec := range e.registry.Fields(collection) {
			if checked[spec.KeyAltName] {
				continue
			}
			checked[spec.KeyAltName] = true

			blob, err := e.EncryptWith(ctx, spec, sample)
			if err != nil {
				return fmt.Errorf("encrypt %s.%s: %w", collection, spec.Path, err)
			}
			got, err := e.Decrypt(ctx, spec.Path, blob)
			if err != nil {
				return fmt.Errorf("decrypt %s.%s: %w", collection, spec.Path, err)
			}
			if got != sample {
				return fmt.Errorf("decrypt %s.%s: round trip mismatch", collection, spec.Path)
			}
		}
	}
	return nil
}

// EncryptDocument returns a copy of doc with every declared field sealed.
// Keys may be nested maps or dotted paths.
func (e *FieldEncryptor) EncryptDocument(ctx context.Context, collection string, doc interface{}) (bson.M, error) {
	m, err := normalize(doc)
	if err != nil {
		return nil, err
	}
	if !e.registry.Covers(collection) {
		return m, nil
	}
	return m, e.encryptInto(ctx, collection, "", m)
}

func (e *FieldEncryptor) encryptInto(ctx context.Context, collection, prefix string, m bson.M) error {
	for key, value := range m {
		path := joinPath(prefix, key)

		if _, ok := e.registry.Lookup(collection, path); ok {
			sealed, err := e.encryptValue(ctx, collection, path, value)
			if err != nil {
				return err
			}
			m[key] = sealed
			continue
		}

		if child, ok := asMap(value); ok {
			if err := e.encryptInto(ctx, collection, path, child); err != nil {
				return err
			}
			m[key] = child
			continue
		}

		if value != nil && e.registry.EncryptsBelow(collection, path) {
			return fmt.Errorf("%w: %s.%s must be a document", ErrUnsupportedValue, collection, path)
		}
	}
	return nil
}

func (e *FieldEncryptor) encryptValue(ctx context.Context, collection, path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return e.Encrypt(ctx, collection, path, v)
	case primitive.Binary:
		if v.Subtype == BinarySubtypeEncrypted {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s has type %T", ErrUnsupportedValue, collection, path, value)
}

// EncryptUpdate seals the declared fields inside $set and $setOnInsert.
// Other operators may not touch encrypted fields.
func (e *FieldEncryptor) EncryptUpdate(ctx context.Context, collection string, update interface{}) (bson.M, error) {
	m, err := normalize(update)
	if err != nil {
		return nil, err
	}
	if !e.registry.Covers(collection) {
		return m, nil
	}

	for op, body := range m {
		fields, ok := asMap(body)
		if !ok {
			return nil, fmt.Errorf("%w: update operator %s must be a document", ErrUnsupportedValue, op)
		}
		switch op {
		case "$set", "$setOnInsert":
			if err := e.encryptInto(ctx, collection, "", fields); err != nil {
				return nil, err
			}
		case "$unset":
		default:
			for path := range fields {
				if _, enc := e.registry.Lookup(collection, path); enc || e.registry.EncryptsBelow(collection, path) {
					return nil, fmt.Errorf("%w: %s cannot target encrypted field %s", ErrUnsupportedValue, op, path)
				}
			}
		}
		m[op] = fields
	}
	return m, nil
}

// EncryptFilter rewrites equality predicates on deterministic fields into
// ciphertext. Any predicate on a random field is rejected.
func (e *FieldEncryptor) EncryptFilter(ctx context.Context, collection string, filter interface{}) (bson.M, error) {
	m, err := normalize(filter)
	if err != nil {
		return nil, err
	}
	if !e.registry.Covers(collection) {
		return m, nil
	}
	return m, e.encryptFilterInto(ctx, collection, m)
}

func (e *FieldEncryptor) encryptFilterInto(ctx context.Context, collection string, m bson.M) error {
	for key, value := range m {
		switch key {
		case "$and", "$or", "$nor":
			clauses, ok := value.(bson.A)
			if !ok {
				if raw, isSlice := value.([]interface{}); isSlice {
					clauses = bson.A(raw)
				} else {
					return fmt.Errorf("%w: %s expects an array", ErrUnsupportedValue, key)
				}
			}
			out := make(bson.A, 0, len(clauses))
			for _, clause := range clauses {
				sub, err := normalize(clause)
				if err != nil {
					return err
				}
				if err := e.encryptFilterInto(ctx, collection, sub); err != nil {
					return err
				}
				out = append(out, sub)
			}
			m[key] = out
			continue
		}

		spec, declared := e.registry.Lookup(collection, key)
		if !declared {
			if e.registry.EncryptsBelow(collection, key) && !isExistenceCheck(value) {
				return fmt.Errorf("%w: %s.%s contains encrypted fields", ErrFieldNotQueryable, collection, key)
			}
			continue
		}
		if isExistenceCheck(value) {
			continue
		}
		if !spec.Algorithm.Queryable() {
			return fmt.Errorf("%w: %s.%s uses %s", ErrFieldNotQueryable, collection, key, spec.Algorithm)
		}

		rewritten, err := e.encryptPredicate(ctx, spec, value)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", collection, key, err)
		}
		m[key] = rewritten
	}
	return nil
}

func (e *FieldEncryptor) encryptPredicate(ctx context.Context, spec FieldSpec, value interface{}) (interface{}, error) {
	if s, ok := value.(string); ok {
		return e.EncryptWith(ctx, spec, s)
	}

	ops, ok := asMap(value)
	if !ok {
		return nil, fmt.Errorf("%w: equality value must be a string", ErrUnsupportedValue)
	}
	for op, operand := range ops {
		switch op {
		case "$eq", "$ne":
			s, ok := operand.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s operand must be a string", ErrUnsupportedValue, op)
			}
			sealed, err := e.EncryptWith(ctx, spec, s)
			if err != nil {
				return nil, err
			}
			ops[op] = sealed
		case "$in", "$nin":
			values, err := stringSlice(operand)
			if err != nil {
				return nil, fmt.Errorf("%w: %s operand: %v", ErrUnsupportedValue, op, err)
			}
			sealed := make(bson.A, 0, len(values))
			for _, s := range values {
				b, err := e.EncryptWith(ctx, spec, s)
				if err != nil {
					return nil, err
				}
				sealed = append(sealed, b)
			}
			ops[op] = sealed
		case "$exists":
		default:
			return nil, fmt.Errorf("%w: operator %s", ErrFieldNotQueryable, op)
		}
	}
	return ops, nil
}

// DecryptDocument returns a copy of doc with every envelope opened. It does
// not consult the registry: the envelope header names its own key.
func (e *FieldEncryptor) DecryptDocument(ctx context.Context, doc interface{}) (bson.M, error) {
	m, err := normalize(doc)
	if err != nil {
		return nil, err
	}
	return m, e.decryptInto(ctx, "", m)
}

func (e *FieldEncryptor) decryptInto(ctx context.Context, prefix string, m bson.M) error {
	for key, value := range m {
		path := joinPath(prefix, key)
		switch v := value.(type) {
		case primitive.Binary:
			if v.Subtype != BinarySubtypeEncrypted {
				continue
			}
			plaintext, err := e.Decrypt(ctx, path, v)
			if err != nil {
				return err
			}
			m[key] = plaintext
		default:
			if child, ok := asMap(value); ok {
				if err := e.decryptInto(ctx, path, child); err != nil {
					return err
				}
				m[key] = child
			}
		}
	}
	return nil
}

func isExistenceCheck(value interface{}) bool {
	ops, ok := asMap(value)
	if !ok || len(ops) != 1 {
		return false
	}
	_, ok = ops["$exists"]
	return ok
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func stringSlice(v interface{}) ([]string, error) {
	var items []interface{}
	switch t := v.(type) {
	case []string:
		return t, nil
	case bson.A:
		items = t
	case []interface{}:
		items = t
	default:
		return nil, fmt.Errorf("expected an array, got %T", v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected strings, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

// asMap returns a deep copy of v when it is a document.
func asMap(v interface{}) (bson.M, bool) {
	switch v.(type) {
	case bson.M, map[string]interface{}, bson.D:
		m, err := normalize(v)
		return m, err == nil
	}
	return nil, false
}

// normalize converts the document forms callers pass into a fresh bson.M
// so callers' values are never modified in place.
func normalize(v interface{}) (bson.M, error) {
	switch doc := v.(type) {
	case nil:
		return bson.M{}, nil
	case bson.M:
		return cloneMap(doc), nil
	case map[string]interface{}:
		return cloneMap(doc), nil
	case bson.D:
		out := make(bson.M, len(doc))
		for _, elem := range doc {
			out[elem.Key] = cloneValue(elem.Value)
		}
		return out, nil
	default:
		raw, err := bson.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
		}
		var out bson.M
		if err := bson.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func cloneMap(m map[string]interface{}) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		return cloneMap(t)
	case map[string]interface{}:
		return cloneMap(t)
	case bson.D:
		m, _ := normalize(t)
		return m
	case bson.A:
		out := make(bson.A, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []interface{}:
		out := make(bson.A, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	}
	return v
}
