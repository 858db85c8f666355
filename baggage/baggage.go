// Package baggage implements immutable, ordered baggage snapshots.
//
// A Baggage value never changes after it is built. Deriving a new snapshot
// goes through a Builder which copies on first write: if no entry is added,
// changed or removed, Build returns the source snapshot itself.
package baggage

import (
	"sync/atomic"
)

// Entry is a single baggage member.
type Entry struct {
	Key      string
	Value    string
	Metadata string
}

// Baggage is an immutable ordered mapping of keys to entries.
// Safe for concurrent use by multiple goroutines.
type Baggage struct {
	entries []Entry
	index   map[string]int

	// header caches the serialized propagation form, computed lazily.
	header atomic.Pointer[string]
}

// Empty is the baggage without entries.
var Empty = &Baggage{}

// New returns a builder starting from Empty.
func New() *Builder {
	return Empty.ToBuilder()
}

// Len returns the number of entries.
func (b *Baggage) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// IsEmpty reports whether the baggage has no entries.
func (b *Baggage) IsEmpty() bool {
	return b.Len() == 0
}

// Get returns the value stored for key.
func (b *Baggage) Get(key string) (string, bool) {
	e, ok := b.lookup(key)
	return e.Value, ok
}

// Metadata returns the metadata stored for key, empty when absent.
func (b *Baggage) Metadata(key string) string {
	e, _ := b.lookup(key)
	return e.Metadata
}

// Entry returns the full entry for key.
func (b *Baggage) Entry(key string) (Entry, bool) {
	return b.lookup(key)
}

// Keys returns the keys in insertion order.
func (b *Baggage) Keys() []string {
	if b == nil {
		return nil
	}
	keys := make([]string, len(b.entries))
	for i := range b.entries {
		keys[i] = b.entries[i].Key
	}
	return keys
}

// Entries returns a copy of the entries in insertion order.
func (b *Baggage) Entries() []Entry {
	if b == nil || len(b.entries) == 0 {
		return nil
	}
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Range calls fn for every entry in order until fn returns false.
func (b *Baggage) Range(fn func(Entry) bool) {
	if b == nil {
		return
	}
	for _, e := range b.entries {
		if !fn(e) {
			return
		}
	}
}

// Equal reports whether both snapshots hold the same entries, ignoring order.
func (b *Baggage) Equal(other *Baggage) bool {
	if b == other {
		return true
	}
	if b.Len() != other.Len() {
		return false
	}
	if b.Len() == 0 {
		return true
	}
	for _, e := range b.entries {
		o, ok := other.lookup(e.Key)
		if !ok || o != e {
			return false
		}
	}
	return true
}

// CachedHeader returns a previously stored serialized form.
func (b *Baggage) CachedHeader() (string, bool) {
	if b == nil {
		return "", false
	}
	if h := b.header.Load(); h != nil {
		return *h, true
	}
	return "", false
}

// SetCachedHeader stores the serialized form. Snapshots are immutable so the
// value stays valid for the snapshot's lifetime.
func (b *Baggage) SetCachedHeader(header string) {
	if b == nil || b == Empty {
		return
	}
	b.header.Store(&header)
}

// ToBuilder returns a builder pre-populated with this snapshot.
func (b *Baggage) ToBuilder() *Builder {
	if b == nil {
		b = Empty
	}
	return &Builder{parent: b, entries: b.entries, index: b.index}
}

func (b *Baggage) lookup(key string) (Entry, bool) {
	if b == nil || b.index == nil {
		return Entry{}, false
	}
	i, ok := b.index[key]
	if !ok {
		return Entry{}, false
	}
	return b.entries[i], true
}
