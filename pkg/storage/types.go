// Package storage provides the graph store for koandb.
//
// The store holds nodes, relationships (edges) and their scalar properties and
// enforces referential integrity: a relationship can only be created between
// existing nodes, and a node can only be deleted once no relationship
// references it.
//
// Design Principles:
//   - Committed state is exposed through immutable Views
//   - Mutations are staged in a Transaction and applied through an Engine in
//     two phases (Prepare, then Commit) so a caller can abort after the store
//     has validated its part of a larger commit
//   - Engines are interchangeable (MemoryEngine, BadgerEngine)
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	tx := storage.NewTransaction(engine.Current())
//	alice, _ := tx.CreateNode(1)
//	_ = tx.SetProperty(alice.ID, "name", "Alice")
//
//	pending, err := engine.Prepare(tx.Operations())
//	if err != nil {
//		log.Fatal(err)
//	}
//	view, err := pending.Commit()
//	if err != nil {
//		log.Fatal(err)
//	}
//	node, _ := view.GetNode(alice.ID)
//	fmt.Println(node.Properties["name"])
package storage

import (
	"errors"
	"strconv"
	"time"
)

// Common errors
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidData         = errors.New("invalid data")
	ErrInvalidProperty     = errors.New("invalid property")
	ErrIntegrityViolation  = errors.New("integrity violation")
	ErrNoActiveTransaction = errors.New("no active transaction")
	ErrStorageClosed       = errors.New("storage closed")
	ErrBatchTooLarge       = errors.New("batch too large")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
//
// IDs are allocated monotonically by the owning store instance and are never
// reused, not even after the creating transaction rolls back. Zero is never
// a valid ID.
type NodeID uint64

// String returns the decimal form of the ID.
func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// EdgeID is a strongly-typed unique identifier for relationships.
//
// Similar to NodeID, provides type safety so an EdgeID cannot be passed where
// a NodeID is expected.
type EdgeID uint64

// String returns the decimal form of the ID.
func (id EdgeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Node represents a graph node (vertex) with scalar properties.
//
// The set of relationships incident to a node is maintained by the engine and
// is available through View.Relationships and View.Degree.
//
// Thread Safety:
//
//	Node structs are NOT thread-safe. Engines hand out deep copies, so a
//	caller may freely mutate the Node it received.
type Node struct {
	ID         NodeID         `json:"id"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Edge represents a typed, directed relationship between two nodes.
//
// Both StartNode and EndNode must exist when the edge is created. While the
// edge exists, neither endpoint can be deleted.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Other returns the endpoint of e that is not id. For a self-loop it returns id.
func (e *Edge) Other(id NodeID) NodeID {
	if e.StartNode == id {
		return e.EndNode
	}
	return e.StartNode
}

// View is a read-only, immutable view of committed graph state.
//
// A View never changes once obtained: commits that happen afterwards produce
// new Views. All implementations are safe for concurrent use.
type View interface {
	// Version is the commit version this view reflects. The empty store is
	// version 0 and every successful commit increments it by one.
	Version() uint64

	GetNode(id NodeID) (*Node, error)
	GetEdge(id EdgeID) (*Edge, error)

	// Relationships returns every edge incident to the node (both
	// directions), ordered by EdgeID.
	Relationships(id NodeID) ([]*Edge, error)
	Degree(id NodeID) int

	NodeCount() int64
	EdgeCount() int64
}

// Engine is the committed-state backend of the graph store.
//
// Engines apply batches of operations produced by a Transaction. Applying is
// split into two phases so the coordinator can validate other resources (the
// text index) against the post-apply state before anything becomes visible:
//
//	pending, err := engine.Prepare(ops) // validated, invisible to readers
//	...                                 // check other invariants
//	view, err := pending.Commit()       // or pending.Discard()
//
// Only one Pending may be outstanding at a time; callers serialize writers.
type Engine interface {
	// Name identifies the engine in logs and metrics ("memory", "badger").
	Name() string

	// Current returns the latest committed view.
	Current() View

	// Prepare validates ops in order against the evolving state and stages
	// them. On error the engine is unchanged.
	Prepare(ops []Operation) (Pending, error)

	Close() error
}

// Pending is a prepared but unpublished batch.
//
// The embedded View reflects the state after the batch. Exactly one of Commit
// or Discard must be called.
type Pending interface {
	View
	Commit() (View, error)
	Discard()
}
