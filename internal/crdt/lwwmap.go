package crdt

import "sort"

// Value is one stamped map entry. Deleted entries stay behind as
// tombstones so a delete can win against a concurrent set.
type Value struct {
	V       any   `msgpack:"v"`
	S       Stamp `msgpack:"s"`
	Deleted bool  `msgpack:"d,omitempty"`
}

// Map is a replicated last-writer-wins map from string keys to opaque
// values. Per key, the write with the greatest stamp wins; merging two
// maps is a per-key stamp maximum, which is commutative, associative
// and idempotent. The type itself is not internally locked, the owning
// document serializes access; replication safety comes from the merge
// rules, not from a mutex.
type Map struct {
	entries map[string]Value
}

func NewMap() *Map {
	return &Map{entries: make(map[string]Value)}
}

// Set writes key=v at stamp s. Reports whether the write took effect
// (false means an equal-or-newer write was already present).
func (m *Map) Set(key string, v any, s Stamp) bool {
	return m.apply(key, Value{V: v, S: s})
}

// Delete tombstones key at stamp s. Deleting an absent key is not an
// error: the tombstone is recorded so the delete also wins against
// older concurrent sets that have not arrived yet.
func (m *Map) Delete(key string, s Stamp) bool {
	return m.apply(key, Value{S: s, Deleted: true})
}

func (m *Map) apply(key string, v Value) bool {
	cur, ok := m.entries[key]
	if ok && !v.S.After(cur.S) {
		return false
	}
	m.entries[key] = v
	return true
}

// Get returns the live value for key.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.entries[key]
	if !ok || v.Deleted {
		return nil, false
	}
	return v.V, true
}

func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Len counts live entries.
func (m *Map) Len() int {
	n := 0
	for _, v := range m.entries {
		if !v.Deleted {
			n++
		}
	}
	return n
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, v := range m.entries {
		if !v.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Range calls fn for every live entry until fn returns false.
func (m *Map) Range(fn func(key string, v any) bool) {
	for _, k := range m.Keys() {
		v := m.entries[k]
		if !fn(k, v.V) {
			return
		}
	}
}

// Entries exposes the raw stamped entries, tombstones included, for
// state encoding and merging.
func (m *Map) Entries() map[string]Value {
	out := make(map[string]Value, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Apply merges a single raw entry (as produced by Entries on another
// replica). Reports whether it took effect.
func (m *Map) Apply(key string, v Value) bool {
	return m.apply(key, v)
}

// Merge folds every entry of other into m.
func (m *Map) Merge(other *Map) {
	for k, v := range other.entries {
		m.apply(k, v)
	}
}
