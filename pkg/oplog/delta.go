package oplog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/turbolytics/observer/pkg/document"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrUnsupportedOperator is returned for update entries carrying
	// operators other than $set/$unset. The server normally rewrites
	// $inc, $push, $rename and friends into $set/$unset before logging;
	// anything else is refused rather than guessed at.
	ErrUnsupportedOperator = errors.New("unsupported update operator")

	ErrMalformedDelta = errors.New("malformed update delta")
)

type MutationKind int

const (
	MutationSet MutationKind = iota
	MutationUnset
	MutationResize
)

func (k MutationKind) String() string {
	switch k {
	case MutationSet:
		return "set"
	case MutationUnset:
		return "unset"
	case MutationResize:
		return "resize"
	}
	return "unknown"
}

// Mutation is one field level change of an update entry.
type Mutation struct {
	Kind  MutationKind
	Path  string
	Value any
	// Length is the new array length for MutationResize.
	Length int
}

// Delta is the ordered list of mutations an update entry applies.
type Delta []Mutation

// ParseDelta reads the o field of an update entry. Both the $set/$unset form
// and the {$v: 2, diff: {...}} form written by newer servers are understood.
// An entry carrying neither yields an empty delta.
func ParseDelta(o bson.D) (Delta, error) {
	var delta Delta
	_, versioned := lookup(o, "$v")
	for _, e := range o {
		switch e.Key {
		case "$set":
			fields, ok := asD(e.Value)
			if !ok {
				return nil, fmt.Errorf("%w: $set is a %T", ErrMalformedDelta, e.Value)
			}
			for _, f := range fields {
				delta = append(delta, Mutation{Kind: MutationSet, Path: f.Key, Value: f.Value})
			}
		case "$unset":
			fields, ok := asD(e.Value)
			if !ok {
				return nil, fmt.Errorf("%w: $unset is a %T", ErrMalformedDelta, e.Value)
			}
			for _, f := range fields {
				delta = append(delta, Mutation{Kind: MutationUnset, Path: f.Key})
			}
		case "$v":
		case "diff":
			if !versioned {
				continue
			}
			diff, ok := asD(e.Value)
			if !ok {
				return nil, fmt.Errorf("%w: diff is a %T", ErrMalformedDelta, e.Value)
			}
			if err := parseDiff("", diff, &delta); err != nil {
				return nil, err
			}
		default:
			if strings.HasPrefix(e.Key, "$") {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, e.Key)
			}
		}
	}
	return delta, nil
}

func parseDiff(prefix string, diff bson.D, delta *Delta) error {
	if isArrayDiff(diff) {
		return parseArrayDiff(prefix, diff, delta)
	}

	for _, e := range diff {
		switch {
		case e.Key == "u" || e.Key == "i":
			fields, ok := asD(e.Value)
			if !ok {
				return fmt.Errorf("%w: diff section %q is a %T", ErrMalformedDelta, e.Key, e.Value)
			}
			for _, f := range fields {
				*delta = append(*delta, Mutation{Kind: MutationSet, Path: join(prefix, f.Key), Value: f.Value})
			}
		case e.Key == "d":
			fields, ok := asD(e.Value)
			if !ok {
				return fmt.Errorf("%w: diff section %q is a %T", ErrMalformedDelta, e.Key, e.Value)
			}
			for _, f := range fields {
				*delta = append(*delta, Mutation{Kind: MutationUnset, Path: join(prefix, f.Key)})
			}
		case len(e.Key) > 1 && e.Key[0] == 's':
			sub, ok := asD(e.Value)
			if !ok {
				return fmt.Errorf("%w: sub diff %q is a %T", ErrMalformedDelta, e.Key, e.Value)
			}
			if err := parseDiff(join(prefix, e.Key[1:]), sub, delta); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: diff section %q", ErrUnsupportedOperator, e.Key)
		}
	}
	return nil
}

func parseArrayDiff(prefix string, diff bson.D, delta *Delta) error {
	for _, e := range diff {
		switch {
		case e.Key == "a":
		case e.Key == "l":
			n, ok := asInt(e.Value)
			if !ok {
				return fmt.Errorf("%w: array length is a %T", ErrMalformedDelta, e.Value)
			}
			*delta = append(*delta, Mutation{Kind: MutationResize, Path: prefix, Length: n})
		case len(e.Key) > 1 && e.Key[0] == 'u':
			if _, err := strconv.Atoi(e.Key[1:]); err != nil {
				return fmt.Errorf("%w: array index %q", ErrMalformedDelta, e.Key)
			}
			*delta = append(*delta, Mutation{Kind: MutationSet, Path: join(prefix, e.Key[1:]), Value: e.Value})
		case len(e.Key) > 1 && e.Key[0] == 's':
			if _, err := strconv.Atoi(e.Key[1:]); err != nil {
				return fmt.Errorf("%w: array index %q", ErrMalformedDelta, e.Key)
			}
			sub, ok := asD(e.Value)
			if !ok {
				return fmt.Errorf("%w: sub diff %q is a %T", ErrMalformedDelta, e.Key, e.Value)
			}
			if err := parseDiff(join(prefix, e.Key[1:]), sub, delta); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: array diff section %q", ErrUnsupportedOperator, e.Key)
		}
	}
	return nil
}

// Apply runs the mutations against doc in order.
func (d Delta) Apply(doc *document.Document) error {
	for _, m := range d {
		var err error
		switch m.Kind {
		case MutationSet:
			err = doc.Set(m.Path, m.Value)
		case MutationUnset:
			err = doc.Unset(m.Path)
		case MutationResize:
			err = doc.Resize(m.Path, m.Length)
		}
		if err != nil {
			return fmt.Errorf("%s %q: %w", m.Kind, m.Path, err)
		}
	}
	return nil
}

// Paths returns the distinct paths the delta touches.
func (d Delta) Paths() []string {
	seen := make(map[string]struct{}, len(d))
	var paths []string
	for _, m := range d {
		if _, ok := seen[m.Path]; ok {
			continue
		}
		seen[m.Path] = struct{}{}
		paths = append(paths, m.Path)
	}
	return paths
}

func isArrayDiff(diff bson.D) bool {
	v, ok := lookup(diff, "a")
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func asD(v any) (bson.D, bool) {
	switch t := v.(type) {
	case bson.D:
		return t, true
	case bson.M:
		d := make(bson.D, 0, len(t))
		for k, v := range t {
			d = append(d, bson.E{Key: k, Value: v})
		}
		return d, true
	}
	return nil, false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}
