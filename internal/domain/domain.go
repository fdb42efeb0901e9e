// Package domain implements the surrogate-key bookkeeping behind value and
// composite-key normalization: a value (or composite key) is deduplicated
// into a dense, monotonically increasing integer id, starting at 1.
//
// This package owns only the id-allocation primitive; internal/tabletree
// pairs a KeyMap with a lookup Table to produce the full Domain behavior
// described by the specification (surrogate key plus an emitted lookup
// row), which keeps this package free of any dependency on how or where
// lookup rows are written.
package domain

import "sort"

// KeyMap deduplicates observed keys into surrogate integer ids. The zero
// value is ready to use.
type KeyMap struct {
	lastID uint32
	ids    map[string]uint32
}

// Resolve returns the id for key, allocating a new one (starting at 1) the
// first time a key is seen. isNew reports whether this call allocated the
// id, so the caller knows whether a lookup row still needs to be emitted.
func (m *KeyMap) Resolve(key string) (id uint32, isNew bool) {
	if m.ids == nil {
		m.ids = make(map[string]uint32)
	}
	if id, ok := m.ids[key]; ok {
		return id, false
	}
	m.lastID++
	m.ids[key] = m.lastID
	return m.lastID, true
}

// Len reports how many distinct keys have been resolved so far.
func (m *KeyMap) Len() int {
	return len(m.ids)
}

// Entries returns a snapshot of id -> value pairs in ascending id order,
// for diagnostic dumps (see internal/app's --dump-domains-xlsx flag).
func (m *KeyMap) Entries() []Entry {
	out := make([]Entry, 0, len(m.ids))
	for value, id := range m.ids {
		out = append(out, Entry{ID: id, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entry is one resolved key/id pair.
type Entry struct {
	ID    uint32
	Value string
}
