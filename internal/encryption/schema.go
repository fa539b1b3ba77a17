package encryption

import (
	"fmt"
	"sort"
	"strings"
)

// Algorithm selects how a field is encrypted.
type Algorithm byte

const (
	// AlgorithmDeterministic yields identical ciphertext for identical
	// plaintext under the same key, so the field can be matched by equality.
	AlgorithmDeterministic Algorithm = 1
	// AlgorithmRandom yields fresh ciphertext on every write. Random fields
	// can never appear in a query predicate.
	AlgorithmRandom Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmDeterministic:
		return "aes256gcm-hkdf-deterministic"
	case AlgorithmRandom:
		return "aes256gcm-hkdf-random"
	default:
		return fmt.Sprintf("Algorithm(%d)", byte(a))
	}
}

func (a Algorithm) valid() bool {
	return a == AlgorithmDeterministic || a == AlgorithmRandom
}

// Queryable reports whether equality predicates may target the field.
func (a Algorithm) Queryable() bool {
	return a == AlgorithmDeterministic
}

const (
	CollectionUsers             = "users"
	CollectionFinancialAccounts = "financial_accounts"

	DefaultDataKeyAltName = "pii-data-key"
)

// FieldSpec declares the encryption of one field path inside a collection.
type FieldSpec struct {
	Path       string
	Algorithm  Algorithm
	KeyAltName string
}

// CollectionSchema groups the encrypted fields of one collection.
type CollectionSchema struct {
	Collection string
	Fields     []FieldSpec
}

// SchemaRegistry is an immutable lookup from (collection, path) to FieldSpec.
type SchemaRegistry struct {
	collections map[string]map[string]FieldSpec
}

// NewSchemaRegistry validates the declarations and freezes them.
func NewSchemaRegistry(schemas ...CollectionSchema) (*SchemaRegistry, error) {
	registry := &SchemaRegistry{collections: make(map[string]map[string]FieldSpec, len(schemas))}

	for _, schema := range schemas {
		if schema.Collection == "" {
			return nil, fmt.Errorf("schema registry: collection name is required")
		}
		if _, dup := registry.collections[schema.Collection]; dup {
			return nil, fmt.Errorf("schema registry: collection %q declared twice", schema.Collection)
		}

		fields := make(map[string]FieldSpec, len(schema.Fields))
		for _, spec := range schema.Fields {
			if spec.Path == "" || strings.HasPrefix(spec.Path, ".") || strings.HasSuffix(spec.Path, ".") {
				return nil, fmt.Errorf("schema registry: %s: invalid field path %q", schema.Collection, spec.Path)
			}
			if !spec.Algorithm.valid() {
				return nil, fmt.Errorf("schema registry: %s.%s: algorithm must be declared", schema.Collection, spec.Path)
			}
			if spec.KeyAltName == "" {
				return nil, fmt.Errorf("schema registry: %s.%s: key alt name is required", schema.Collection, spec.Path)
			}
			if _, dup := fields[spec.Path]; dup {
				return nil, fmt.Errorf("schema registry: %s.%s declared twice", schema.Collection, spec.Path)
			}
			fields[spec.Path] = spec
		}

		// An encrypted field cannot also be the parent of another encrypted field.
		for path := range fields {
			for other := range fields {
				if other != path && strings.HasPrefix(other, path+".") {
					return nil, fmt.Errorf("schema registry: %s.%s overlaps %s", schema.Collection, path, other)
				}
			}
		}

		registry.collections[schema.Collection] = fields
	}

	return registry, nil
}

// DefaultSchemaRegistry declares the PII fields of the banking collections.
func DefaultSchemaRegistry(keyAltName string) *SchemaRegistry {
	if keyAltName == "" {
		keyAltName = DefaultDataKeyAltName
	}
	random := func(path string) FieldSpec {
		return FieldSpec{Path: path, Algorithm: AlgorithmRandom, KeyAltName: keyAltName}
	}

	registry, err := NewSchemaRegistry(
		CollectionSchema{
			Collection: CollectionUsers,
			Fields: []FieldSpec{
				// email is looked up by equality
				{Path: "email", Algorithm: AlgorithmDeterministic, KeyAltName: keyAltName},
				random("phone"),
				random("ssn"),
				random("address.street"),
				random("address.city"),
				random("address.state"),
				random("address.zip_code"),
			},
		},
		CollectionSchema{
			Collection: CollectionFinancialAccounts,
			Fields: []FieldSpec{
				random("account_number"),
				random("routing_number"),
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return registry
}

// Lookup returns the FieldSpec for an exact field path.
func (r *SchemaRegistry) Lookup(collection, path string) (FieldSpec, bool) {
	spec, ok := r.collections[collection][path]
	return spec, ok
}

// Covers reports whether the collection has any encrypted fields.
func (r *SchemaRegistry) Covers(collection string) bool {
	return len(r.collections[collection]) > 0
}

// Fields returns the collection's specs ordered by path.
func (r *SchemaRegistry) Fields(collection string) []FieldSpec {
	fields := r.collections[collection]
	out := make([]FieldSpec, 0, len(fields))
	for _, spec := range fields {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// EncryptsBelow reports whether path is a strict parent of an encrypted field.
func (r *SchemaRegistry) EncryptsBelow(collection, path string) bool {
	for other := range r.collections[collection] {
		if strings.HasPrefix(other, path+".") {
			return true
		}
	}
	return false
}

func (r *SchemaRegistry) Collections() []string {
	out := make([]string, 0, len(r.collections))
	for name := range r.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// KeyAltNames lists every key the registry references.
func (r *SchemaRegistry) KeyAltNames() []string {
	seen := make(map[string]struct{})
	for _, fields := range r.collections {
		for _, spec := range fields {
			seen[spec.KeyAltName] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
