package storagetest

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"paypollen-api/internal/storage"
)

// MemoryStore is an in-process storage.DocumentStore for tests. It
// understands the subset of the query language the repositories issue:
// equality (including array membership), $in, $ne, $exists, $and, $or, and
// the $set, $setOnInsert, $unset and $push update operators.
type MemoryStore struct {
	mu      sync.Mutex
	docs    []bson.M
	indexes []storage.IndexSpec
}

var _ storage.DocumentStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Documents returns copies of every stored document in insertion order.
func (s *MemoryStore) Documents() []bson.M {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bson.M, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, copyDoc(doc))
	}
	return out
}

func (s *MemoryStore) Indexes() []storage.IndexSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.IndexSpec(nil), s.indexes...)
}

func (s *MemoryStore) InsertOne(_ context.Context, doc interface{}) error {
	m, err := toDoc(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnique(m, -1); err != nil {
		return err
	}
	s.docs = append(s.docs, m)
	return nil
}

func (s *MemoryStore) FindOne(ctx context.Context, filter interface{}, opts ...storage.FindOptions) (bson.M, error) {
	o := firstOption(opts)
	o.Limit = 1
	docs, err := s.Find(ctx, filter, o)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, storage.ErrNoDocument
	}
	return docs[0], nil
}

func (s *MemoryStore) Find(_ context.Context, filter interface{}, opts ...storage.FindOptions) ([]bson.M, error) {
	f, err := toDoc(filter)
	if err != nil {
		return nil, err
	}
	o := firstOption(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bson.M
	for _, doc := range s.docs {
		ok, err := matches(doc, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, copyDoc(doc))
		}
	}

	if len(o.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, key := range o.Sort {
				a, _ := lookup(out[i], key.Key)
				b, _ := lookup(out[j], key.Key)
				c := compareValues(a, b)
				if c == 0 {
					continue
				}
				if direction(key.Value) < 0 {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if o.Limit > 0 && int64(len(out)) > o.Limit {
		out = out[:o.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateOne(_ context.Context, filter, update interface{}, upsert bool) (storage.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, result, err := s.update(filter, update, upsert)
	return result, err
}

func (s *MemoryStore) FindOneAndUpdate(_ context.Context, filter, update interface{}, upsert bool) (bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, result, err := s.update(filter, update, upsert)
	if err != nil {
		return nil, err
	}
	if result.Matched == 0 && result.Upserted == 0 {
		return nil, storage.ErrNoDocument
	}
	return copyDoc(doc), nil
}

func (s *MemoryStore) update(filter, update interface{}, upsert bool) (bson.M, storage.UpdateResult, error) {
	f, err := toDoc(filter)
	if err != nil {
		return nil, storage.UpdateResult{}, err
	}
	u, err := toDoc(update)
	if err != nil {
		return nil, storage.UpdateResult{}, err
	}

	for i, doc := range s.docs {
		ok, err := matches(doc, f)
		if err != nil {
			return nil, storage.UpdateResult{}, err
		}
		if !ok {
			continue
		}

		next := copyDoc(doc)
		if err := applyUpdate(next, u, false); err != nil {
			return nil, storage.UpdateResult{}, err
		}
		if err := s.checkUnique(next, i); err != nil {
			return nil, storage.UpdateResult{}, err
		}
		result := storage.UpdateResult{Matched: 1}
		if !reflect.DeepEqual(doc, next) {
			result.Modified = 1
		}
		s.docs[i] = next
		return next, result, nil
	}

	if !upsert {
		return nil, storage.UpdateResult{}, nil
	}

	doc := bson.M{}
	for key, value := range f {
		if strings.HasPrefix(key, "$") || isOperatorDoc(value) {
			continue
		}
		setPath(doc, key, value)
	}
	if err := applyUpdate(doc, u, true); err != nil {
		return nil, storage.UpdateResult{}, err
	}
	if err := s.checkUnique(doc, -1); err != nil {
		return nil, storage.UpdateResult{}, err
	}
	s.docs = append(s.docs, doc)
	return doc, storage.UpdateResult{Upserted: 1}, nil
}

func (s *MemoryStore) DeleteOne(_ context.Context, filter interface{}) (int64, error) {
	f, err := toDoc(filter)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, doc := range s.docs {
		ok, err := matches(doc, f)
		if err != nil {
			return 0, err
		}
		if ok {
			s.docs = append(s.docs[:i], s.docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (s *MemoryStore) EnsureIndex(_ context.Context, index storage.IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.indexes {
		if reflect.DeepEqual(existing.Keys, index.Keys) {
			return nil
		}
	}
	s.indexes = append(s.indexes, index)
	return nil
}

// checkUnique enforces single-field unique indexes. skip is the position of
// the document being replaced, or -1.
func (s *MemoryStore) checkUnique(doc bson.M, skip int) error {
	for _, index := range s.indexes {
		if !index.Unique || len(index.Keys) != 1 {
			continue
		}
		path := index.Keys[0].Key
		value, ok := lookup(doc, path)
		if !ok {
			continue
		}
		for i, other := range s.docs {
			if i == skip {
				continue
			}
			otherValue, found := lookup(other, path)
			if found && overlaps(value, otherValue) {
				return fmt.Errorf("%w: index %s", storage.ErrDuplicate, index.Name)
			}
		}
	}
	return nil
}

func overlaps(a, b interface{}) bool {
	for _, x := range elements(a) {
		for _, y := range elements(b) {
			if reflect.DeepEqual(x, y) {
				return true
			}
		}
	}
	return false
}

func elements(v interface{}) []interface{} {
	switch t := v.(type) {
	case bson.A:
		return t
	case []interface{}:
		return t
	}
	return []interface{}{v}
}

func matches(doc, filter bson.M) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and", "$or":
			clauses, ok := cond.(bson.A)
			if !ok {
				return false, fmt.Errorf("memory store: %s expects an array", key)
			}
			matchedAny := false
			for _, clause := range clauses {
				sub, err := toDoc(clause)
				if err != nil {
					return false, err
				}
				ok, err := matches(doc, sub)
				if err != nil {
					return false, err
				}
				if key == "$and" && !ok {
					return false, nil
				}
				matchedAny = matchedAny || ok
			}
			if key == "$or" && !matchedAny {
				return false, nil
			}
			continue
		}

		value, found := lookup(doc, key)
		ok, err := matchValue(value, found, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchValue(value interface{}, found bool, cond interface{}) (bool, error) {
	ops, isOps := asOperatorDoc(cond)
	if !isOps {
		return found && contains(value, cond), nil
	}

	for op, operand := range ops {
		switch op {
		case "$eq":
			if !found || !contains(value, operand) {
				return false, nil
			}
		case "$ne":
			if found && contains(value, operand) {
				return false, nil
			}
		case "$in":
			hit := false
			for _, candidate := range elements(operand) {
				if found && contains(value, candidate) {
					hit = true
					break
				}
			}
			if !hit {
				return false, nil
			}
		case "$exists":
			want, _ := operand.(bool)
			if found != want {
				return false, nil
			}
		default:
			return false, fmt.Errorf("memory store: unsupported operator %s", op)
		}
	}
	return true, nil
}

// contains is equality, or membership when the stored value is an array.
func contains(value, want interface{}) bool {
	if reflect.DeepEqual(value, want) {
		return true
	}
	if arr, ok := value.(bson.A); ok {
		for _, item := range arr {
			if reflect.DeepEqual(item, want) {
				return true
			}
		}
	}
	return false
}

func applyUpdate(doc, update bson.M, inserting bool) error {
	for op, body := range update {
		fields, err := toDoc(body)
		if err != nil {
			return err
		}
		for path, value := range fields {
			switch op {
			case "$set":
				setPath(doc, path, value)
			case "$setOnInsert":
				if inserting {
					setPath(doc, path, value)
				}
			case "$unset":
				unsetPath(doc, path)
			case "$push":
				current, _ := lookup(doc, path)
				arr, _ := current.(bson.A)
				setPath(doc, path, append(append(bson.A(nil), arr...), value))
			default:
				return fmt.Errorf("memory store: unsupported update operator %s", op)
			}
		}
	}
	return nil
}

func lookup(doc bson.M, path string) (interface{}, bool) {
	var current interface{} = doc
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(bson.M)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(doc bson.M, path string, value interface{}) {
	segments := strings.Split(path, ".")
	node := doc
	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment].(bson.M)
		if !ok {
			child = bson.M{}
			node[segment] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value
}

func unsetPath(doc bson.M, path string) {
	segments := strings.Split(path, ".")
	node := doc
	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment].(bson.M)
		if !ok {
			return
		}
		node = child
	}
	delete(node, segments[len(segments)-1])
}

func isOperatorDoc(v interface{}) bool {
	_, ok := asOperatorDoc(v)
	return ok
}

func asOperatorDoc(v interface{}) (bson.M, bool) {
	m, ok := v.(bson.M)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return nil, false
		}
	}
	return m, true
}

func direction(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	}
	return 1
}

func compareValues(a, b interface{}) int {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case primitive.DateTime:
		if y, ok := b.(primitive.DateTime); ok {
			return compareInts(int64(x), int64(y))
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case int32:
		if y, ok := b.(int32); ok {
			return compareInts(int64(x), int64(y))
		}
	case int64:
		if y, ok := b.(int64); ok {
			return compareInts(x, y)
		}
	}
	// missing values sort first
	switch {
	case a == nil && b != nil:
		return -1
	case a != nil && b == nil:
		return 1
	}
	return 0
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// toDoc round-trips v through BSON so the store holds the same value types
// a driver read would return.
func toDoc(v interface{}) (bson.M, error) {
	if v == nil {
		return bson.M{}, nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	return fixNested(out), nil
}

// fixNested turns embedded bson.D documents into bson.M.
func fixNested(m bson.M) bson.M {
	for key, value := range m {
		m[key] = fixValue(value)
	}
	return m
}

func fixValue(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		return fixNested(t)
	case bson.D:
		out := make(bson.M, len(t))
		for _, elem := range t {
			out[elem.Key] = fixValue(elem.Value)
		}
		return out
	case bson.A:
		for i := range t {
			t[i] = fixValue(t[i])
		}
		return t
	}
	return v
}

func copyDoc(doc bson.M) bson.M {
	out, err := toDoc(doc)
	if err != nil {
		return bson.M{}
	}
	return out
}

func firstOption(opts []storage.FindOptions) storage.FindOptions {
	if len(opts) == 0 {
		return storage.FindOptions{}
	}
	return opts[0]
}
