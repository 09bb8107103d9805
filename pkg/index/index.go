// Package index provides the named text indexes of koandb.
//
// A named index maps (field, value) pairs to nodes. Values are analyzed into
// tokens according to the index Config: exact indexes treat the whole value
// as one case-sensitive token, fulltext indexes split it into lowercased
// words. Queries are either exact (all query tokens must match) or wildcard
// patterns matched against the tokens of a field.
//
// The index state is an immutable Snapshot. Apply returns a new Snapshot
// with a batch of operations applied and leaves the receiver untouched, which
// lets the transaction coordinator validate an index change before publishing
// it together with the graph state it belongs to.
//
// Example Usage:
//
//	snap, _ := index.New(index.Config{})
//	snap, err := snap.Apply([]index.Op{
//		{Type: index.OpAdd, Index: "species", Node: 7, Field: "species", Value: "Sontaran"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	hits := snap.Wildcard("species", "species", "S*n")
//	fmt.Println(hits.Nodes()) // [7]
//
// ELI12 (Explain Like I'm 12):
//
// An index is like the index at the back of a book. Instead of reading every
// page to find "Sontaran", you look the word up and it tells you which pages
// (nodes) mention it. A wildcard query is like running your finger down the
// index looking for every word that starts with "S" and ends with "n".
package index

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/orneryd/koandb/pkg/pool"
	"github.com/orneryd/koandb/pkg/storage"
)

// Snapshot is an immutable set of named indexes.
//
// Thread Safety:
//
//	A Snapshot is never modified after it is returned, so all query methods
//	are safe for concurrent use without locking.
type Snapshot struct {
	defaults Config
	indexes  map[string]*namedIndex
	seq      uint64 // last entry sequence number handed out
}

// New creates an empty snapshot. Indexes created implicitly by an add use
// defaults as their configuration.
func New(defaults Config) (*Snapshot, error) {
	if err := defaults.validate(); err != nil {
		return nil, err
	}
	return &Snapshot{
		defaults: defaults.withDefaults(Config{}),
		indexes:  make(map[string]*namedIndex),
	}, nil
}

// namedIndex holds the fields of one named index.
type namedIndex struct {
	config  Config
	fields  map[string]*fieldIndex
	entries int
}

// fieldIndex holds the entries of one field of a named index.
type fieldIndex struct {
	// entries per node, in insertion order
	entries map[storage.NodeID][]entry
	// token -> node -> sequence of the earliest entry producing the token
	postings map[string]map[storage.NodeID]uint64
}

// entry is one (node, field, value) association.
type entry struct {
	value  string
	tokens []string
	seq    uint64
}

func newFieldIndex() *fieldIndex {
	return &fieldIndex{
		entries:  make(map[storage.NodeID][]entry),
		postings: make(map[string]map[storage.NodeID]uint64),
	}
}

func (f *fieldIndex) clone() *fieldIndex {
	c := &fieldIndex{
		entries:  maps.Clone(f.entries),
		postings: make(map[string]map[storage.NodeID]uint64, len(f.postings)),
	}
	for tok, nodes := range f.postings {
		c.postings[tok] = maps.Clone(nodes)
	}
	return c
}

// ============================================================================
// Apply
// ============================================================================

// Apply returns a new snapshot with ops applied in order. On error the
// receiver is still valid and nothing of the batch is visible anywhere.
func (s *Snapshot) Apply(ops []Op) (*Snapshot, error) {
	if len(ops) == 0 {
		return s, nil
	}

	b := &builder{
		snap: &Snapshot{
			defaults: s.defaults,
			indexes:  maps.Clone(s.indexes),
			seq:      s.seq,
		},
		ownedIndexes: make(map[string]struct{}),
		ownedFields:  make(map[string]map[string]struct{}),
	}

	for i, op := range ops {
		if err := b.apply(op); err != nil {
			return nil, fmt.Errorf("index operation %d (%s on %q): %w", i, op.Type, op.Index, err)
		}
	}
	return b.snap, nil
}

// builder applies operations to a snapshot under construction, copying
// named indexes and fields the first time they are touched.
type builder struct {
	snap         *Snapshot
	ownedIndexes map[string]struct{}
	ownedFields  map[string]map[string]struct{}
}

func (b *builder) index(name string) *namedIndex {
	idx := b.snap.indexes[name]
	if idx == nil {
		return nil
	}
	if _, ok := b.ownedIndexes[name]; !ok {
		idx = &namedIndex{
			config:  idx.config,
			fields:  maps.Clone(idx.fields),
			entries: idx.entries,
		}
		b.snap.indexes[name] = idx
		b.ownedIndexes[name] = struct{}{}
		b.ownedFields[name] = make(map[string]struct{})
	}
	return idx
}

func (b *builder) create(name string, cfg Config) *namedIndex {
	idx := &namedIndex{config: cfg, fields: make(map[string]*fieldIndex)}
	b.snap.indexes[name] = idx
	b.ownedIndexes[name] = struct{}{}
	b.ownedFields[name] = make(map[string]struct{})
	return idx
}

func (b *builder) field(indexName string, idx *namedIndex, name string, create bool) *fieldIndex {
	f := idx.fields[name]
	if f == nil {
		if !create {
			return nil
		}
		f = newFieldIndex()
		idx.fields[name] = f
		b.ownedFields[indexName][name] = struct{}{}
		return f
	}
	if _, ok := b.ownedFields[indexName][name]; !ok {
		f = f.clone()
		idx.fields[name] = f
		b.ownedFields[indexName][name] = struct{}{}
	}
	return f
}

func (b *builder) apply(op Op) error {
	if op.Index == "" {
		return fmt.Errorf("%w: empty index name", ErrInvalidEntry)
	}

	switch op.Type {
	case OpConfigure:
		if err := op.Config.validate(); err != nil {
			return err
		}
		cfg := op.Config.withDefaults(b.snap.defaults)
		if existing := b.snap.indexes[op.Index]; existing != nil {
			if existing.config != cfg {
				return fmt.Errorf("%w: index %q is %s, requested %s",
					ErrConfigMismatch, op.Index, existing.config.Type, cfg.Type)
			}
			return nil
		}
		b.create(op.Index, cfg)

	case OpAdd:
		if op.Field == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidEntry)
		}
		if op.Node == 0 {
			return fmt.Errorf("%w: zero node id", ErrInvalidEntry)
		}
		value, err := ValueString(op.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
		}
		idx := b.index(op.Index)
		if idx == nil {
			idx = b.create(op.Index, b.snap.defaults)
		}
		f := b.field(op.Index, idx, op.Field, true)
		if f.add(op.Node, value, idx.config.analyzer(), b.snap.seq+1) {
			b.snap.seq++
			idx.entries++
		}

	case OpRemoveNode:
		idx := b.index(op.Index)
		if idx == nil {
			return nil
		}
		for name := range idx.fields {
			if !idx.fields[name].has(op.Node) {
				continue
			}
			f := b.field(op.Index, idx, name, false)
			idx.entries -= f.remove(op.Node, func(entry) bool { return true })
			if f.empty() {
				delete(idx.fields, name)
			}
		}

	case OpRemoveField:
		idx := b.index(op.Index)
		if idx == nil || idx.fields[op.Field] == nil || !idx.fields[op.Field].has(op.Node) {
			return nil
		}
		f := b.field(op.Index, idx, op.Field, false)
		idx.entries -= f.remove(op.Node, func(entry) bool { return true })
		if f.empty() {
			delete(idx.fields, op.Field)
		}

	case OpRemoveEntry:
		value, err := ValueString(op.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
		}
		idx := b.index(op.Index)
		if idx == nil || idx.fields[op.Field] == nil || !idx.fields[op.Field].has(op.Node) {
			return nil
		}
		f := b.field(op.Index, idx, op.Field, false)
		idx.entries -= f.remove(op.Node, func(e entry) bool { return e.value == value })
		if f.empty() {
			delete(idx.fields, op.Field)
		}

	default:
		return fmt.Errorf("%w: unknown operation %s", ErrInvalidEntry, op.Type)
	}
	return nil
}

// add records an entry unless the node already has the same value in this
// field. Reports whether an entry was added.
func (f *fieldIndex) add(node storage.NodeID, value string, analyzer Analyzer, seq uint64) bool {
	existing := f.entries[node]
	for _, e := range existing {
		if e.value == value {
			return false
		}
	}

	e := entry{value: value, tokens: analyzer.Tokens(value), seq: seq}
	// Clip so the append never writes into an array shared with an older snapshot.
	f.entries[node] = append(slices.Clip(existing), e)

	for _, tok := range e.tokens {
		nodes := f.postings[tok]
		if nodes == nil {
			nodes = make(map[storage.NodeID]uint64)
			f.postings[tok] = nodes
		}
		if _, ok := nodes[node]; !ok {
			nodes[node] = seq
		}
	}
	return true
}

// remove drops the node's entries selected by match and rebuilds the node's
// postings from what is left. Returns the number of entries removed.
func (f *fieldIndex) remove(node storage.NodeID, match func(entry) bool) int {
	existing := f.entries[node]
	kept := make([]entry, 0, len(existing))
	for _, e := range existing {
		if !match(e) {
			kept = append(kept, e)
		}
	}
	removed := len(existing) - len(kept)
	if removed == 0 {
		return 0
	}

	for _, e := range existing {
		for _, tok := range e.tokens {
			if nodes := f.postings[tok]; nodes != nil {
				delete(nodes, node)
				if len(nodes) == 0 {
					delete(f.postings, tok)
				}
			}
		}
	}

	if len(kept) == 0 {
		delete(f.entries, node)
		return removed
	}

	f.entries[node] = kept
	for _, e := range kept {
		for _, tok := range e.tokens {
			nodes := f.postings[tok]
			if nodes == nil {
				nodes = make(map[storage.NodeID]uint64)
				f.postings[tok] = nodes
			}
			if _, ok := nodes[node]; !ok {
				nodes[node] = e.seq
			}
		}
	}
	return removed
}

func (f *fieldIndex) has(node storage.NodeID) bool {
	_, ok := f.entries[node]
	return ok
}

func (f *fieldIndex) empty() bool { return len(f.entries) == 0 }

// ============================================================================
// Queries
// ============================================================================

// Exact returns the nodes indexed under field with the given value, in the
// order their entries were added. For fulltext indexes every word of value
// must match. Unknown indexes, fields and values give empty Hits.
func (s *Snapshot) Exact(indexName, field string, value any) Hits {
	idx := s.indexes[indexName]
	if idx == nil {
		return Hits{}
	}
	f := idx.fields[field]
	if f == nil {
		return Hits{}
	}
	str, err := ValueString(value)
	if err != nil {
		return Hits{}
	}
	tokens := idx.config.analyzer().Tokens(str)
	if len(tokens) == 0 {
		return Hits{}
	}

	matched := pool.GetMatchMap()
	defer pool.PutMatchMap(matched)
	for node, seq := range f.postings[tokens[0]] {
		first := seq
		for _, tok := range tokens[1:] {
			other, ok := f.postings[tok][node]
			if !ok {
				first = 0
				break
			}
			first = min(first, other)
		}
		if first != 0 {
			matched[node] = first
		}
	}
	return sortedHits(matched)
}

// Wildcard returns the nodes with at least one token under field matching
// pattern ('*' any run, '?' one character, '\' escape), ordered by their
// earliest matching entry.
func (s *Snapshot) Wildcard(indexName, field, pattern string) Hits {
	idx := s.indexes[indexName]
	if idx == nil {
		return Hits{}
	}
	f := idx.fields[field]
	if f == nil {
		return Hits{}
	}

	g := compileWildcard(idx.config.analyzer().Pattern(pattern))
	matched := pool.GetMatchMap()
	defer pool.PutMatchMap(matched)
	for tok, nodes := range f.postings {
		if !g.Match(tok) {
			continue
		}
		for node, seq := range nodes {
			if prev, ok := matched[node]; !ok || seq < prev {
				matched[node] = seq
			}
		}
	}
	return sortedHits(matched)
}

func sortedHits(matched map[storage.NodeID]uint64) Hits {
	if len(matched) == 0 {
		return Hits{}
	}
	nodes := slices.Collect(maps.Keys(matched))
	slices.SortFunc(nodes, func(a, b storage.NodeID) int {
		return cmp.Or(cmp.Compare(matched[a], matched[b]), cmp.Compare(a, b))
	})
	return Hits{nodes: nodes}
}

// Names returns the names of all indexes, sorted.
func (s *Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.indexes))
}

// Has reports whether a named index exists.
func (s *Snapshot) Has(name string) bool {
	_, ok := s.indexes[name]
	return ok
}

// Config returns the configuration of a named index.
func (s *Snapshot) Config(name string) (Config, bool) {
	idx, ok := s.indexes[name]
	if !ok {
		return Config{}, false
	}
	return idx.config, true
}

// Defaults returns the configuration used for implicitly created indexes.
func (s *Snapshot) Defaults() Config { return s.defaults }

// Fields returns the field names of a named index that hold entries, sorted.
func (s *Snapshot) Fields(name string) []string {
	idx, ok := s.indexes[name]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(idx.fields))
}

// Len returns the number of entries in a named index.
func (s *Snapshot) Len(name string) int {
	idx, ok := s.indexes[name]
	if !ok {
		return 0
	}
	return idx.entries
}

// References returns the names of the indexes that still hold an entry for
// node, sorted.
func (s *Snapshot) References(node storage.NodeID) []string {
	var names []string
	for name, idx := range s.indexes {
		for _, f := range idx.fields {
			if f.has(node) {
				names = append(names, name)
				break
			}
		}
	}
	slices.Sort(names)
	return names
}
