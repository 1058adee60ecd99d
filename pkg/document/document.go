package document

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrInvalidPath is returned for empty paths or paths with empty segments.
	ErrInvalidPath = errors.New("invalid path")

	// ErrPathConflict is returned when a write has to pass through a value
	// that cannot hold children (a scalar, or an array addressed by a
	// non-numeric segment).
	ErrPathConflict = errors.New("path conflict")
)

// Document is an ordered mapping of field names to values. Values are
// scalars, *Document or *Array. Nested maps and slices handed to a Document
// are wrapped on the way in.
type Document struct {
	keys   []string
	values map[string]any
}

func New() *Document {
	return &Document{
		values: make(map[string]any),
	}
}

// FromBSON wraps bson.D, bson.M, map[string]any or bson.Raw into a Document.
func FromBSON(v any) (*Document, error) {
	switch t := v.(type) {
	case nil:
		return New(), nil
	case *Document:
		return t, nil
	case bson.Raw:
		var d bson.D
		if err := bson.Unmarshal(t, &d); err != nil {
			return nil, err
		}
		return fromD(d), nil
	case bson.D, bson.M, map[string]any:
		return wrap(t).(*Document), nil
	default:
		return nil, fmt.Errorf("cannot build document from %T", v)
	}
}

func fromD(d bson.D) *Document {
	doc := New()
	for _, e := range d {
		doc.Put(e.Key, e.Value)
	}
	return doc
}

func fromMap(m map[string]any) *Document {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// map order is random, keep it stable
	sort.Strings(keys)

	doc := New()
	for _, k := range keys {
		doc.Put(k, m[k])
	}
	return doc
}

// wrap converts driver and plain Go containers into *Document / *Array.
func wrap(v any) any {
	switch t := v.(type) {
	case bson.D:
		return fromD(t)
	case bson.M:
		return fromMap(t)
	case map[string]any:
		return fromMap(t)
	case bson.A:
		return NewArray(t...)
	case []any:
		return NewArray(t...)
	case bson.Raw:
		doc, err := FromBSON(t)
		if err != nil {
			return t
		}
		return doc
	}
	return v
}

// unwrap is the inverse of wrap, producing plain maps and slices.
func unwrap(v any) any {
	switch t := v.(type) {
	case *Document:
		return t.Map()
	case *Array:
		return t.Slice()
	}
	return v
}

func (d *Document) Len() int {
	return len(d.keys)
}

// Keys returns the field names in insertion order.
func (d *Document) Keys() []string {
	keys := make([]string, len(d.keys))
	copy(keys, d.keys)
	return keys
}

// Lookup returns the value stored directly under key.
func (d *Document) Lookup(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Put stores v under key. An existing key keeps its position.
func (d *Document) Put(key string, v any) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = wrap(v)
}

// Delete removes key and reports whether it was present.
func (d *Document) Delete(key string) bool {
	if _, ok := d.values[key]; !ok {
		return false
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	return true
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := &Document{
		keys:   make([]string, len(d.keys)),
		values: make(map[string]any, len(d.values)),
	}
	copy(c.keys, d.keys)
	for k, v := range d.values {
		c.values[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case *Document:
		return t.Clone()
	case *Array:
		return t.Clone()
	}
	return v
}

// Map returns the document as nested map[string]any / []any values.
func (d *Document) Map() map[string]any {
	m := make(map[string]any, len(d.keys))
	for _, k := range d.keys {
		m[k] = unwrap(d.values[k])
	}
	return m
}

// D returns the document as an ordered bson.D.
func (d *Document) D() bson.D {
	out := make(bson.D, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, bson.E{Key: k, Value: toBSON(d.values[k])})
	}
	return out
}

func toBSON(v any) any {
	switch t := v.(type) {
	case *Document:
		return t.D()
	case *Array:
		a := make(bson.A, len(t.elems))
		for i, e := range t.elems {
			a[i] = toBSON(e)
		}
		return a
	}
	return v
}

func (d *Document) MarshalBSON() ([]byte, error) {
	return bson.Marshal(d.D())
}

func (d *Document) UnmarshalBSON(data []byte) error {
	var raw bson.D
	if err := bson.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = *fromD(raw)
	return nil
}

// MarshalJSON renders relaxed Extended JSON with field order preserved.
func (d *Document) MarshalJSON() ([]byte, error) {
	return bson.MarshalExtJSON(d.D(), false, false)
}

// Equal reports whether two values are deeply equal once unwrapped.
func Equal(a, b any) bool {
	return reflect.DeepEqual(unwrap(a), unwrap(b))
}
