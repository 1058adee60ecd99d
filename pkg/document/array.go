package document

// Array is a list whose deletions leave a nil tombstone in place, so element
// positions keep lining up with the positions the oplog refers to.
type Array struct {
	elems []any
}

func NewArray(values ...any) *Array {
	a := &Array{elems: make([]any, len(values))}
	for i, v := range values {
		a.elems[i] = wrap(v)
	}
	return a
}

func (a *Array) Len() int {
	return len(a.elems)
}

// Index returns the element at i. A tombstone is returned as (nil, true).
func (a *Array) Index(i int) (any, bool) {
	if i < 0 || i >= len(a.elems) {
		return nil, false
	}
	return a.elems[i], true
}

// Set writes v at i, padding with nil when i is past the end.
func (a *Array) Set(i int, v any) {
	if i >= len(a.elems) {
		a.Resize(i + 1)
	}
	a.elems[i] = wrap(v)
}

// Delete replaces the element at i with a tombstone. Out of range is a no-op.
func (a *Array) Delete(i int) {
	if i < 0 || i >= len(a.elems) {
		return
	}
	a.elems[i] = nil
}

func (a *Array) Append(v any) {
	a.elems = append(a.elems, wrap(v))
}

// Resize truncates the array to n elements or grows it with tombstones.
func (a *Array) Resize(n int) {
	if n < 0 {
		n = 0
	}
	if n <= len(a.elems) {
		for i := n; i < len(a.elems); i++ {
			a.elems[i] = nil
		}
		a.elems = a.elems[:n]
		return
	}
	a.elems = append(a.elems, make([]any, n-len(a.elems))...)
}

func (a *Array) Clone() *Array {
	c := &Array{elems: make([]any, len(a.elems))}
	for i, v := range a.elems {
		c.elems[i] = cloneValue(v)
	}
	return c
}

// Slice returns the elements unwrapped into plain Go values.
func (a *Array) Slice() []any {
	out := make([]any, len(a.elems))
	for i, v := range a.elems {
		out[i] = unwrap(v)
	}
	return out
}
