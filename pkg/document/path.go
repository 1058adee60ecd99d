package document

import (
	"fmt"
	"strconv"
	"strings"
)

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

func arrayIndex(seg string) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// child returns the value under seg in container c.
func child(c any, seg string) (any, bool) {
	switch t := c.(type) {
	case *Document:
		return t.Lookup(seg)
	case *Array:
		i, ok := arrayIndex(seg)
		if !ok {
			return nil, false
		}
		return t.Index(i)
	}
	return nil, false
}

func assign(c any, seg string, v any) error {
	switch t := c.(type) {
	case *Document:
		t.Put(seg, v)
		return nil
	case *Array:
		i, ok := arrayIndex(seg)
		if !ok {
			return fmt.Errorf("%w: %q is not an array index", ErrPathConflict, seg)
		}
		t.Set(i, v)
		return nil
	}
	return fmt.Errorf("%w: cannot write %q into %T", ErrPathConflict, seg, c)
}

func isContainer(v any) bool {
	switch v.(type) {
	case *Document, *Array:
		return true
	}
	return false
}

// walk follows segs from d. With create set, missing or null intermediates
// are replaced by empty documents; otherwise a missing step returns ok=false.
func (d *Document) walk(segs []string, create bool) (any, bool, error) {
	var cur any = d
	for i, seg := range segs {
		next, found := child(cur, seg)
		if found && isContainer(next) {
			cur = next
			continue
		}
		if !create {
			return nil, false, nil
		}
		if found && next != nil {
			return nil, false, fmt.Errorf("%w: %q holds a %T", ErrPathConflict, strings.Join(segs[:i+1], "."), next)
		}
		nd := New()
		if err := assign(cur, seg, nd); err != nil {
			return nil, false, err
		}
		cur = nd
	}
	return cur, true, nil
}

// Get returns the value at a dotted path. Numeric segments index arrays.
func (d *Document) Get(path string) (any, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	parent, ok, _ := d.walk(segs[:len(segs)-1], false)
	if !ok {
		return nil, false
	}
	return child(parent, segs[len(segs)-1])
}

// Set writes v at a dotted path, creating every missing intermediate
// document along the way. Writing past the end of an array pads it with nil.
func (d *Document) Set(path string, v any) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	parent, _, err := d.walk(segs[:len(segs)-1], true)
	if err != nil {
		return err
	}
	return assign(parent, segs[len(segs)-1], v)
}

// Unset removes the value at a dotted path. Array elements are replaced by
// a nil tombstone instead of being removed. Paths that do not resolve are a
// no-op.
func (d *Document) Unset(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	parent, ok, _ := d.walk(segs[:len(segs)-1], false)
	if !ok {
		return nil
	}

	last := segs[len(segs)-1]
	switch t := parent.(type) {
	case *Document:
		t.Delete(last)
	case *Array:
		if i, ok := arrayIndex(last); ok {
			t.Delete(i)
		}
	}
	return nil
}

// Resize sets the length of the array at path. A missing path is a no-op.
func (d *Document) Resize(path string, n int) error {
	v, ok := d.Get(path)
	if !ok {
		return nil
	}
	a, ok := v.(*Array)
	if !ok {
		return fmt.Errorf("%w: %q is not an array", ErrPathConflict, path)
	}
	a.Resize(n)
	return nil
}
