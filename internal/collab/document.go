// Package collab keeps one shared, convergent document per collaboration room
// and tracks ephemeral per-user presence. Replicas exchange keyed
// last-writer-wins operations over a relay; any two replicas that have seen
// the same set of operations hold the same document, regardless of delivery
// order or duplication.
package collab

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Document keys. Content holds the ordered component sequence of a page,
// Root holds free-form metadata.
const (
	KeyContent = "content"
	KeyRoot    = "root"
)

// Entry is one keyed last-writer-wins register: the value, the lamport clock
// it was written at, and the actor that wrote it. Merge order is clock first,
// actor id as the tie-break, so the merge is commutative and idempotent.
type Entry struct {
	Value json.RawMessage `json:"value"`
	Clock uint64          `json:"clock"`
	Actor string          `json:"actor"`
}

// Op is one keyed operation on the wire.
type Op struct {
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}

// Data is the merged document value handed to callers.
type Data struct {
	Content json.RawMessage `json:"content"`
	Root    json.RawMessage `json:"root"`
}

// Document is one replica of the shared key-value structure. Every local
// write bumps the lamport clock; every received operation advances it, so
// later local writes order after everything the replica has observed.
type Document struct {
	mu      sync.Mutex
	actor   string
	clock   uint64
	entries map[string]Entry
}

func NewDocument(actor string) *Document {
	return &Document{
		actor:   actor,
		entries: make(map[string]Entry),
	}
}

// Apply merges one operation into the replica. Returns true if the replica
// changed. Applying the same operation twice, or operations in any order,
// yields the same final state.
func (d *Document) Apply(op Op) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if op.Entry.Clock > d.clock {
		d.clock = op.Entry.Clock
	}

	current, ok := d.entries[op.Key]
	if ok && !wins(op.Entry, current) {
		return false
	}
	d.entries[op.Key] = op.Entry
	return true
}

// Set overwrites the given keys as one causal unit: all entries carry the
// same, freshly bumped clock. Returns the operations to broadcast.
func (d *Document) Set(values map[string]json.RawMessage) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clock++
	ops := make([]Op, 0, len(values))
	for key, value := range values {
		entry := Entry{Value: value, Clock: d.clock, Actor: d.actor}
		d.entries[key] = entry
		ops = append(ops, Op{Key: key, Entry: entry})
	}
	return ops
}

// Get returns the value under key, if present.
func (d *Document) Get(key string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Ops returns every entry as an operation, for state republish on reconnect.
// Replaying them elsewhere is harmless: merge is idempotent.
func (d *Document) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]Op, 0, len(d.entries))
	for key, entry := range d.entries {
		ops = append(ops, Op{Key: key, Entry: entry})
	}
	return ops
}

// Data assembles the merged document, or nil when both tracked keys are
// absent.
func (d *Document) Data() *Data {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, hasContent := d.entries[KeyContent]
	root, hasRoot := d.entries[KeyRoot]
	if !hasContent && !hasRoot {
		return nil
	}
	return &Data{Content: content.Value, Root: root.Value}
}

// Empty reports whether the replica holds no keys at all.
func (d *Document) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries) == 0
}

// wins reports whether candidate should replace current under LWW order.
func wins(candidate, current Entry) bool {
	if candidate.Clock != current.Clock {
		return candidate.Clock > current.Clock
	}
	return candidate.Actor > current.Actor
}

// ContentEmpty reports whether a content value holds no components: absent,
// null, or an empty array.
func ContentEmpty(raw json.RawMessage) bool {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return true
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		// Not a component array; treat any parseable non-array as content.
		return false
	}
	return len(items) == 0
}
