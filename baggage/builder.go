package baggage

// Builder derives a new Baggage from a parent snapshot.
// A Builder is single-use: writes after Build are ignored and Build returns
// the first result again. Not safe for concurrent use.
type Builder struct {
	parent  *Baggage
	built   *Baggage
	entries []Entry
	index   map[string]int
	copied  bool
}

// Put sets key to value, clearing any metadata.
func (b *Builder) Put(key, value string) *Builder {
	return b.PutWithMetadata(key, value, "")
}

// PutWithMetadata sets key to value with the given metadata.
func (b *Builder) PutWithMetadata(key, value, metadata string) *Builder {
	if b.built != nil {
		return b
	}
	next := Entry{Key: key, Value: value, Metadata: metadata}
	if i, ok := b.index[key]; ok {
		if b.entries[i] == next {
			return b
		}
		b.copyOnWrite()
		b.entries[i] = next
		return b
	}
	b.copyOnWrite()
	b.index[key] = len(b.entries)
	b.entries = append(b.entries, next)
	return b
}

// Remove deletes key.
func (b *Builder) Remove(key string) *Builder {
	if b.built != nil {
		return b
	}
	i, ok := b.index[key]
	if !ok {
		return b
	}
	b.copyOnWrite()
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	delete(b.index, key)
	for j := i; j < len(b.entries); j++ {
		b.index[b.entries[j].Key] = j
	}
	return b
}

// Build returns the resulting snapshot. When nothing changed the parent
// instance itself is returned.
func (b *Builder) Build() *Baggage {
	if b.built != nil {
		return b.built
	}
	switch {
	case !b.copied:
		b.built = b.parent
	case len(b.entries) == 0:
		b.built = Empty
	default:
		b.built = &Baggage{entries: b.entries, index: b.index}
	}
	return b.built
}

// copyOnWrite detaches the builder from the parent's storage. Entries are
// plain strings so the copy shares their backing data.
func (b *Builder) copyOnWrite() {
	if b.copied {
		return
	}
	b.copied = true
	entries := make([]Entry, len(b.entries), len(b.entries)+1)
	copy(entries, b.entries)
	index := make(map[string]int, len(entries)+1)
	for i, e := range entries {
		index[e.Key] = i
	}
	b.entries = entries
	b.index = index
}
