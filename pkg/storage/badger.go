// Package storage provides storage engine implementations for koandb.
//
// BadgerEngine keeps committed graph state in an in-memory BadgerDB opened in
// managed mode. koandb assigns commit timestamps itself (one per commit), so
// every View reads at a fixed timestamp and BadgerDB's MVCC gives it a stable
// snapshot without any locking.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixNode      = byte(0x01) // node:nodeID -> Node
	prefixEdge      = byte(0x02) // edge:edgeID -> Edge
	prefixAdjacency = byte(0x03) // adj:nodeID:edgeID -> []byte{}
	prefixCounter   = byte(0x04) // counter:name -> uint64
)

var (
	counterNodes = []byte{prefixCounter, 'n'}
	counterEdges = []byte{prefixCounter, 'e'}
)

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is disabled.
	Logger badger.Logger

	// LowMemory reduces memtable and cache sizes.
	LowMemory bool
}

// BadgerEngine provides graph storage on top of BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID(8) -> CBOR(Node)
//   - Edges: 0x02 + edgeID(8) -> CBOR(Edge)
//   - Adjacency: 0x03 + nodeID(8) + edgeID(8) -> empty
//   - Counters: 0x04 + 'n' | 'e' -> uint64
//
// The database always runs with InMemory set: koandb does not offer
// durability, and the engine exists to give large graphs BadgerDB's
// compressed, MVCC-versioned storage instead of Go maps.
//
// A single batch is bounded by BadgerDB's transaction size limit, which
// depends on the memtable size. Larger batches fail in Prepare with
// ErrBatchTooLarge and leave the engine untouched.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine(storage.BadgerOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db      *badger.DB
	mu      sync.Mutex // serializes writers
	version atomic.Uint64
	pending bool

	// closeMu is held for reading by every view read so that Close never
	// closes the DB under an open read transaction.
	closeMu sync.RWMutex
	closed  atomic.Bool
}

// NewBadgerEngine opens an in-memory, managed-mode BadgerDB.
func NewBadgerEngine(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(opts.Logger)

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).   // 16MB instead of 64MB
			WithNumMemtables(2).          // 2 instead of 5
			WithNumLevelZeroTables(2).    // 2 instead of 5
			WithBlockCacheSize(32 << 20). // 32MB block cache
			WithIndexCacheSize(16 << 20)  // 16MB index cache
	}

	db, err := badger.OpenManaged(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

// Name implements Engine.
func (b *BadgerEngine) Name() string { return "badger" }

// Current implements Engine.
func (b *BadgerEngine) Current() View {
	return &badgerView{engine: b, readTs: b.version.Load()}
}

// Prepare implements Engine. The operations are written into a single
// BadgerDB transaction that is committed at version+1 by Pending.Commit.
func (b *BadgerEngine) Prepare(ops []Operation) (Pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, ErrStorageClosed
	}
	if b.pending {
		return nil, fmt.Errorf("%w: a prepared batch is already outstanding", ErrInvalidData)
	}

	readTs := b.version.Load()
	txn := b.db.NewTransactionAt(readTs, true)

	for i, op := range ops {
		if err := applyBadgerOp(txn, op); err != nil {
			txn.Discard()
			if errors.Is(err, badger.ErrTxnTooBig) {
				return nil, fmt.Errorf("%w: %d operations, limit reached at operation %d: %w",
					ErrBatchTooLarge, len(ops), i, err)
			}
			return nil, fmt.Errorf("operation %d (%s): %w", i, op.Type, err)
		}
	}

	b.pending = true
	return &badgerPending{engine: b, txn: txn, version: readTs + 1}, nil
}

// Close implements Engine.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	key := make([]byte, 9)
	key[0] = prefixNode
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}

func edgeKey(id EdgeID) []byte {
	key := make([]byte, 9)
	key[0] = prefixEdge
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}

func adjacencyKey(nodeID NodeID, edgeID EdgeID) []byte {
	key := make([]byte, 17)
	key[0] = prefixAdjacency
	binary.BigEndian.PutUint64(key[1:9], uint64(nodeID))
	binary.BigEndian.PutUint64(key[9:], uint64(edgeID))
	return key
}

func edgeIDFromAdjacencyKey(key []byte) EdgeID {
	return EdgeID(binary.BigEndian.Uint64(key[9:17]))
}

// ============================================================================
// Transaction-level helpers shared by views and pending batches
// ============================================================================

func txnGetNode(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var node *Node
	err = item.Value(func(val []byte) error {
		var decodeErr error
		node, decodeErr = decodeNode(val)
		return decodeErr
	})
	return node, err
}

func txnGetEdge(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("relationship %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var edge *Edge
	err = item.Value(func(val []byte) error {
		var decodeErr error
		edge, decodeErr = decodeEdge(val)
		return decodeErr
	})
	return edge, err
}

func txnHasKey(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// txnAdjacentEdgeIDs lists edge IDs incident to a node in ascending order
// (big-endian keys sort numerically).
func txnAdjacentEdgeIDs(txn *badger.Txn, nodeID NodeID) []EdgeID {
	prefix := adjacencyKey(nodeID, 0)[:9]

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []EdgeID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, edgeIDFromAdjacencyKey(it.Item().Key()))
	}
	return ids
}

func txnCounter(txn *badger.Txn, key []byte) int64 {
	item, err := txn.Get(key)
	if err != nil {
		return 0
	}
	var n uint64
	_ = item.Value(func(val []byte) error {
		if len(val) == 8 {
			n = binary.BigEndian.Uint64(val)
		}
		return nil
	})
	return int64(n)
}

func txnAddCounter(txn *badger.Txn, key []byte, delta int64) error {
	n := txnCounter(txn, key) + delta
	if n < 0 {
		n = 0
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(n))
	return txn.Set(key, val)
}

func txnRelationships(txn *badger.Txn, nodeID NodeID) ([]*Edge, error) {
	if ok, err := txnHasKey(txn, nodeKey(nodeID)); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	ids := txnAdjacentEdgeIDs(txn, nodeID)
	out := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		edge, err := txnGetEdge(txn, id)
		if err != nil {
			return nil, err
		}
		out = append(out, edge)
	}
	return out, nil
}

func putNode(txn *badger.Txn, node *Node) error {
	data, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	return txn.Set(nodeKey(node.ID), data)
}

func putEdge(txn *badger.Txn, edge *Edge) error {
	data, err := encodeEdge(edge)
	if err != nil {
		return fmt.Errorf("failed to encode relationship: %w", err)
	}
	return txn.Set(edgeKey(edge.ID), data)
}

// applyBadgerOp validates and writes a single operation inside txn.
func applyBadgerOp(txn *badger.Txn, op Operation) error {
	switch op.Type {
	case OpCreateNode:
		if op.Node == nil {
			return ErrInvalidData
		}
		exists, err := txnHasKey(txn, nodeKey(op.NodeID))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("node %d: %w", op.NodeID, ErrAlreadyExists)
		}
		if err := putNode(txn, op.Node); err != nil {
			return err
		}
		return txnAddCounter(txn, counterNodes, 1)

	case OpUpdateNode:
		if op.Node == nil {
			return ErrInvalidData
		}
		exists, err := txnHasKey(txn, nodeKey(op.NodeID))
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("node %d: %w", op.NodeID, ErrNotFound)
		}
		return putNode(txn, op.Node)

	case OpDeleteNode:
		exists, err := txnHasKey(txn, nodeKey(op.NodeID))
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("node %d: %w", op.NodeID, ErrNotFound)
		}
		if n := len(txnAdjacentEdgeIDs(txn, op.NodeID)); n > 0 {
			return fmt.Errorf("%w: node %d still has %d relationship(s)", ErrIntegrityViolation, op.NodeID, n)
		}
		if err := txn.Delete(nodeKey(op.NodeID)); err != nil {
			return err
		}
		return txnAddCounter(txn, counterNodes, -1)

	case OpCreateEdge:
		e := op.Edge
		if e == nil {
			return ErrInvalidData
		}
		exists, err := txnHasKey(txn, edgeKey(op.EdgeID))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("relationship %d: %w", op.EdgeID, ErrAlreadyExists)
		}
		if ok, err := txnHasKey(txn, nodeKey(e.StartNode)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("start node %d: %w", e.StartNode, ErrNotFound)
		}
		if ok, err := txnHasKey(txn, nodeKey(e.EndNode)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("end node %d: %w", e.EndNode, ErrNotFound)
		}
		if err := putEdge(txn, e); err != nil {
			return err
		}
		if err := txn.Set(adjacencyKey(e.StartNode, e.ID), []byte{}); err != nil {
			return err
		}
		if err := txn.Set(adjacencyKey(e.EndNode, e.ID), []byte{}); err != nil {
			return err
		}
		return txnAddCounter(txn, counterEdges, 1)

	case OpUpdateEdge:
		if op.Edge == nil {
			return ErrInvalidData
		}
		existing, err := txnGetEdge(txn, op.EdgeID)
		if err != nil {
			return err
		}
		if existing.StartNode != op.Edge.StartNode || existing.EndNode != op.Edge.EndNode {
			return fmt.Errorf("%w: relationship %d endpoints are immutable", ErrInvalidData, op.EdgeID)
		}
		return putEdge(txn, op.Edge)

	case OpDeleteEdge:
		existing, err := txnGetEdge(txn, op.EdgeID)
		if err != nil {
			return err
		}
		if err := txn.Delete(edgeKey(op.EdgeID)); err != nil {
			return err
		}
		if err := txn.Delete(adjacencyKey(existing.StartNode, op.EdgeID)); err != nil {
			return err
		}
		if err := txn.Delete(adjacencyKey(existing.EndNode, op.EdgeID)); err != nil {
			return err
		}
		return txnAddCounter(txn, counterEdges, -1)

	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidData, op.Type)
	}
}

// ============================================================================
// Views
// ============================================================================

// badgerView reads committed state at a fixed timestamp.
type badgerView struct {
	engine *BadgerEngine
	readTs uint64
}

func (v *badgerView) read(fn func(txn *badger.Txn) error) error {
	v.engine.closeMu.RLock()
	defer v.engine.closeMu.RUnlock()
	if v.engine.closed.Load() {
		return ErrStorageClosed
	}
	txn := v.engine.db.NewTransactionAt(v.readTs, false)
	defer txn.Discard()
	return fn(txn)
}

func (v *badgerView) Version() uint64 { return v.readTs }

func (v *badgerView) GetNode(id NodeID) (node *Node, err error) {
	err = v.read(func(txn *badger.Txn) error {
		node, err = txnGetNode(txn, id)
		return err
	})
	return node, err
}

func (v *badgerView) GetEdge(id EdgeID) (edge *Edge, err error) {
	err = v.read(func(txn *badger.Txn) error {
		edge, err = txnGetEdge(txn, id)
		return err
	})
	return edge, err
}

func (v *badgerView) Relationships(id NodeID) (edges []*Edge, err error) {
	err = v.read(func(txn *badger.Txn) error {
		edges, err = txnRelationships(txn, id)
		return err
	})
	return edges, err
}

func (v *badgerView) Degree(id NodeID) (n int) {
	_ = v.read(func(txn *badger.Txn) error {
		n = len(txnAdjacentEdgeIDs(txn, id))
		return nil
	})
	return n
}

func (v *badgerView) NodeCount() (n int64) {
	_ = v.read(func(txn *badger.Txn) error {
		n = txnCounter(txn, counterNodes)
		return nil
	})
	return n
}

func (v *badgerView) EdgeCount() (n int64) {
	_ = v.read(func(txn *badger.Txn) error {
		n = txnCounter(txn, counterEdges)
		return nil
	})
	return n
}

// badgerPending reads through the uncommitted write transaction, which
// includes its own pending writes.
type badgerPending struct {
	engine  *BadgerEngine
	txn     *badger.Txn
	version uint64
	done    bool
}

func (p *badgerPending) Version() uint64 { return p.version }

func (p *badgerPending) GetNode(id NodeID) (*Node, error) { return txnGetNode(p.txn, id) }

func (p *badgerPending) GetEdge(id EdgeID) (*Edge, error) { return txnGetEdge(p.txn, id) }

func (p *badgerPending) Relationships(id NodeID) ([]*Edge, error) {
	return txnRelationships(p.txn, id)
}

func (p *badgerPending) Degree(id NodeID) int { return len(txnAdjacentEdgeIDs(p.txn, id)) }

func (p *badgerPending) NodeCount() int64 { return txnCounter(p.txn, counterNodes) }

func (p *badgerPending) EdgeCount() int64 { return txnCounter(p.txn, counterEdges) }

func (p *badgerPending) Commit() (View, error) {
	b := p.engine
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.done {
		return nil, fmt.Errorf("%w: batch already finished", ErrInvalidData)
	}
	p.done = true
	b.pending = false

	if b.closed.Load() {
		p.txn.Discard()
		return nil, ErrStorageClosed
	}
	if err := p.txn.CommitAt(p.version, nil); err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return nil, fmt.Errorf("%w: badger commit at %d: %w", ErrBatchTooLarge, p.version, err)
		}
		return nil, fmt.Errorf("badger commit at %d: %w", p.version, err)
	}
	b.version.Store(p.version)
	return &badgerView{engine: b, readTs: p.version}, nil
}

func (p *badgerPending) Discard() {
	b := p.engine
	b.mu.Lock()
	defer b.mu.Unlock()

	if !p.done {
		p.done = true
		b.pending = false
		p.txn.Discard()
	}
}
