package doc

import (
	"encoding/json"
	"sort"
)

// Value is a stored JSON value.
type Value struct {
	raw json.RawMessage
}

// Raw returns the stored JSON.
func (v Value) Raw() json.RawMessage {
	return v.raw
}

// Decode unmarshals the stored JSON into into.
func (v Value) Decode(into any) error {
	return json.Unmarshal(v.raw, into)
}

// String returns the value as a string. Non-string values return their JSON text.
func (v Value) String() string {
	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		return s
	}
	return string(v.raw)
}

// Bool returns the value as a bool. Non-bool values report false.
func (v Value) Bool() bool {
	var b bool
	_ = json.Unmarshal(v.raw, &b)
	return b
}

// Map is a view of one named sub-map of a Document.
type Map struct {
	doc  *Document
	name string
}

// Name returns the map's name.
func (m *Map) Name() string {
	return m.name
}

// Get returns the live value for key.
func (m *Map) Get(key string) (Value, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e := m.doc.lookup(m.name, key)
	if e == nil || e.deleted {
		return Value{}, false
	}
	return Value{raw: append(json.RawMessage(nil), e.value...)}, true
}

// Set writes key as a single-op transaction.
func (m *Map) Set(key string, v any) error {
	return m.doc.Transact(nil, func(tx *Txn) { tx.Set(m.name, key, v) })
}

// Delete removes key as a single-op transaction.
func (m *Map) Delete(key string) error {
	return m.doc.Transact(nil, func(tx *Txn) { tx.Delete(m.name, key) })
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	var keys []string
	for k, e := range m.doc.maps[m.name] {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	return len(m.Keys())
}

// ForEach calls fn for every live key in sorted order until fn returns false.
// fn runs without the document lock held and may write to the document.
func (m *Map) ForEach(fn func(key string, v Value) bool) {
	for _, k := range m.Keys() {
		v, ok := m.Get(k)
		if !ok {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
}

// Observe registers fn for change batches touching this map. The returned function
// unregisters it.
func (m *Map) Observe(fn func(MapEvent)) func() {
	return m.doc.observe(m.name, fn)
}
