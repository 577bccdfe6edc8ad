package doc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	value   json.RawMessage
	deleted bool
	stamp   Stamp
}

// MapEvent describes one batch of changes to a single map.
type MapEvent struct {
	Map    string
	Keys   []string
	Origin any
}

// Option configures a Document.
type Option func(*Document)

// WithNow overrides the wall clock used for stamps.
func WithNow(now func() time.Time) Option {
	return func(d *Document) { d.now = now }
}

// Document is a replicated container of named last-writer-wins maps.
//
// All methods are safe for concurrent use. Observers run outside the internal lock, in
// the order the changes were applied. A write made from inside an observer is queued and
// delivered once the current round of callbacks returns, never re-entrantly. Every local
// write is stamped and sent to update subscribers, but map observers only hear about keys
// whose visible value changed, so rewriting the current value wakes no observer. An
// observer that writes a new value on every notification will keep the dispatch loop
// busy, and preventing that is the caller's job.
type Document struct {
	mu    sync.Mutex
	actor string
	now   func() time.Time
	clock *Clock
	maps  map[string]map[string]*entry

	nextSub    int
	updateSubs map[int]func([]byte, any)
	mapSubs    map[string]map[int]func(MapEvent)

	queue       []func()
	dispatching bool
}

// New creates an empty document writing as actor. An empty actor gets a random one.
func New(actor string, opts ...Option) *Document {
	if actor == "" {
		actor = uuid.NewString()
	}
	d := &Document{
		actor:      actor,
		maps:       make(map[string]map[string]*entry),
		updateSubs: make(map[int]func([]byte, any)),
		mapSubs:    make(map[string]map[int]func(MapEvent)),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.clock = NewClock(actor, d.now)
	return d
}

// Actor returns the identity stamped on local writes.
func (d *Document) Actor() string {
	return d.actor
}

// Map returns the named sub-map. Maps exist implicitly; referencing one does not create state.
func (d *Document) Map(name string) *Map {
	return &Map{doc: d, name: name}
}

// Transact runs fn and commits every write it made as one update. Observers of each
// touched map are notified once. Reads made inside fn see the state before the transaction.
func (d *Document) Transact(origin any, fn func(*Txn)) error {
	tx := &Txn{}
	fn(tx)
	if tx.err != nil {
		return tx.err
	}
	if len(tx.writes) == 0 {
		return nil
	}

	d.mu.Lock()
	applied := make([]Op, 0, len(tx.writes))
	var changed []Op
	for _, w := range tx.writes {
		op := Op{Map: w.mapName, Key: w.key, Value: w.value, Deleted: w.deleted, Stamp: d.clock.Next()}
		if visiblyChanges(d.lookup(w.mapName, w.key), op) {
			changed = append(changed, op)
		}
		d.store(op)
		applied = append(applied, op)
	}
	d.enqueueLocked(applied, changed, origin)
	d.mu.Unlock()

	d.flush()
	return nil
}

// Apply merges a remote update. Malformed input returns a protocol error and leaves
// the document untouched. Duplicate or stale ops are ignored.
func (d *Document) Apply(data []byte, origin any) error {
	ops, err := DecodeUpdate(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var applied, changed []Op
	for _, op := range ops {
		d.clock.Observe(op.Stamp)
		cur := d.lookup(op.Map, op.Key)
		if cur != nil && !op.Stamp.After(cur.stamp) {
			continue
		}
		if visiblyChanges(cur, op) {
			changed = append(changed, op)
		}
		d.store(op)
		applied = append(applied, op)
	}
	d.enqueueLocked(applied, changed, origin)
	d.mu.Unlock()

	d.flush()
	return nil
}

// EncodeState returns a full-state update covering every entry and tombstone.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.maps))
	for name := range d.maps {
		names = append(names, name)
	}
	sort.Strings(names)

	ops := []Op{}
	for _, name := range names {
		m := d.maps[name]
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e := m[k]
			ops = append(ops, Op{Map: name, Key: k, Value: e.value, Deleted: e.deleted, Stamp: e.stamp})
		}
	}
	return encodeOps(ops)
}

// IsEmpty reports whether no map holds a live entry.
func (d *Document) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.maps {
		for _, e := range m {
			if !e.deleted {
				return false
			}
		}
	}
	return true
}

// OnUpdate registers fn to receive every change as an encoded update. Local writes
// are always included, even when they rewrite the current value; remote ops are
// included only when they win over the stored stamp.
func (d *Document) OnUpdate(fn func(update []byte, origin any)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.updateSubs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.updateSubs, id)
	}
}

func (d *Document) observe(mapName string, fn func(MapEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	subs, ok := d.mapSubs[mapName]
	if !ok {
		subs = make(map[int]func(MapEvent))
		d.mapSubs[mapName] = subs
	}
	subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.mapSubs[mapName], id)
	}
}

func (d *Document) lookup(mapName, key string) *entry {
	m, ok := d.maps[mapName]
	if !ok {
		return nil
	}
	return m[key]
}

func (d *Document) store(op Op) {
	m, ok := d.maps[op.Map]
	if !ok {
		m = make(map[string]*entry)
		d.maps[op.Map] = m
	}
	var value json.RawMessage
	if !op.Deleted {
		value = append(json.RawMessage(nil), op.Value...)
	}
	m[op.Key] = &entry{value: value, deleted: op.Deleted, stamp: op.Stamp}
}

// visiblyChanges reports whether storing op alters what readers of the key see.
func visiblyChanges(cur *entry, op Op) bool {
	if cur == nil || cur.deleted {
		return !op.Deleted
	}
	return op.Deleted || !bytes.Equal(cur.value, op.Value)
}

// enqueueLocked snapshots the current subscribers and queues their notifications.
// Update subscribers get every applied op; map observers get the keys in changed.
func (d *Document) enqueueLocked(applied, changed []Op, origin any) {
	if len(applied) == 0 {
		return
	}
	payload := encodeOps(applied)
	for _, id := range sortedIDs(d.updateSubs) {
		fn := d.updateSubs[id]
		d.queue = append(d.queue, func() { fn(payload, origin) })
	}

	touched := make(map[string][]string)
	var order []string
	for _, op := range changed {
		if _, seen := touched[op.Map]; !seen {
			order = append(order, op.Map)
		}
		touched[op.Map] = append(touched[op.Map], op.Key)
	}
	for _, name := range order {
		ev := MapEvent{Map: name, Keys: touched[name], Origin: origin}
		subs := d.mapSubs[name]
		for _, id := range sortedIDs(subs) {
			fn := subs[id]
			d.queue = append(d.queue, func() { fn(ev) })
		}
	}
}

// flush delivers queued notifications. Only one goroutine dispatches at a time; the
// others leave their notifications to it.
func (d *Document) flush() {
	d.mu.Lock()
	if d.dispatching {
		d.mu.Unlock()
		return
	}
	d.dispatching = true
	for len(d.queue) > 0 {
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		d.mu.Lock()
	}
	d.dispatching = false
	d.mu.Unlock()
}

func sortedIDs[T any](m map[int]T) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type write struct {
	mapName string
	key     string
	value   json.RawMessage
	deleted bool
}

// Txn collects writes for one Transact call.
type Txn struct {
	writes []write
	err    error
}

// Set queues a write of v, which must marshal to JSON.
func (t *Txn) Set(mapName, key string, v any) {
	if t.err != nil {
		return
	}
	raw, err := marshalValue(v)
	if err != nil {
		t.err = fmt.Errorf("set %s.%s: %w", mapName, key, err)
		return
	}
	t.writes = append(t.writes, write{mapName: mapName, key: key, value: raw})
}

// Delete queues a tombstone for key.
func (t *Txn) Delete(mapName, key string) {
	if t.err != nil {
		return
	}
	t.writes = append(t.writes, write{mapName: mapName, key: key, deleted: true})
}

func marshalValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw JSON value")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(v)
}
