// Package storage - Transaction staging for atomic graph mutations.
//
// A Transaction buffers graph mutations on top of a committed View. Nothing
// is applied to an engine until the owner hands Operations() to
// Engine.Prepare, so an abandoned transaction has no effect at all.
//
// # Transaction Semantics
//
//   - Atomicity: the buffered operations are applied together or not at all
//   - Isolation: buffered changes are invisible outside the transaction
//   - Read-your-writes: GetNode/GetEdge/Relationships see staged changes
//
// # ELI12 (Explain Like I'm 12)
//
// Imagine writing changes to a school project on sticky notes stuck on top of
// the real poster. You can read the poster with the sticky notes on it and it
// looks finished. COMMIT means redrawing the poster with the changes. ROLLBACK
// means peeling all the sticky notes off: the poster was never touched.
package storage

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// TransactionStatus represents the current state of a transaction.
type TransactionStatus string

const (
	TxStatusActive     TransactionStatus = "active"
	TxStatusCommitted  TransactionStatus = "committed"
	TxStatusRolledBack TransactionStatus = "rolled_back"
)

// OperationType represents the type of operation in a transaction.
type OperationType string

const (
	OpCreateNode OperationType = "create_node"
	OpUpdateNode OperationType = "update_node"
	OpDeleteNode OperationType = "delete_node"
	OpCreateEdge OperationType = "create_edge"
	OpUpdateEdge OperationType = "update_edge"
	OpDeleteEdge OperationType = "delete_edge"
)

// Operation represents a single operation within a transaction.
//
// Create and update operations carry the full post-image of the entity;
// engines store it as-is. The post-image is never mutated after the
// operation has been recorded.
type Operation struct {
	Type      OperationType
	Timestamp time.Time

	// For node operations
	NodeID NodeID
	Node   *Node

	// For edge operations
	EdgeID EdgeID
	Edge   *Edge
}

// Transaction represents an atomic unit of staged graph work.
type Transaction struct {
	mu sync.Mutex

	Status TransactionStatus

	// Committed state the transaction reads through to
	base View

	// Buffered operations (applied on commit)
	operations []Operation

	// Pending node/edge states for read-your-writes
	pendingNodes map[NodeID]*Node
	pendingEdges map[EdgeID]*Edge
	deletedNodes map[NodeID]struct{}
	deletedEdges map[EdgeID]struct{}

	now func() time.Time
}

// NewTransaction creates a transaction that stages mutations on top of base.
//
// The caller is responsible for making sure base is still the latest
// committed state when the operations are prepared; koandb guarantees this by
// allowing a single writer at a time.
//
// Example:
//
//	tx := storage.NewTransaction(engine.Current())
//	rose, _ := tx.CreateNode(nextID())
//	_ = tx.SetProperty(rose.ID, "name", "Rose Tyler")
//	pending, err := engine.Prepare(tx.Operations())
func NewTransaction(base View) *Transaction {
	return &Transaction{
		Status:       TxStatusActive,
		base:         base,
		operations:   make([]Operation, 0),
		pendingNodes: make(map[NodeID]*Node),
		pendingEdges: make(map[EdgeID]*Edge),
		deletedNodes: make(map[NodeID]struct{}),
		deletedEdges: make(map[EdgeID]struct{}),
		now:          time.Now,
	}
}

// IsActive returns true if the transaction is still active.
func (tx *Transaction) IsActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.Status == TxStatusActive
}

// CreateNode buffers the creation of an empty node with the given ID.
func (tx *Transaction) CreateNode(id NodeID) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrNoActiveTransaction
	}
	if id == 0 {
		return nil, fmt.Errorf("%w: zero node id", ErrInvalidData)
	}
	if _, exists := tx.lookupNode(id); exists {
		return nil, fmt.Errorf("node %d: %w", id, ErrAlreadyExists)
	}

	now := tx.now()
	node := &Node{
		ID:         id,
		Properties: make(map[string]any),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx.pendingNodes[id] = node

	tx.operations = append(tx.operations, Operation{
		Type:      OpCreateNode,
		Timestamp: now,
		NodeID:    id,
		Node:      node,
	})

	return copyNode(node), nil
}

// SetProperty buffers setting a scalar property on a node.
func (tx *Transaction) SetProperty(id NodeID, key string, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrNoActiveTransaction
	}

	v, err := validateProperty(key, value)
	if err != nil {
		return err
	}

	current, exists := tx.lookupNode(id)
	if !exists {
		return fmt.Errorf("node %d: %w", id, ErrNotFound)
	}

	updated := copyNode(current)
	updated.Properties[key] = v
	tx.stageNodeUpdate(updated)
	return nil
}

// RemoveProperty buffers removing a property from a node. Removing a property
// the node does not have is a no-op.
func (tx *Transaction) RemoveProperty(id NodeID, key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrNoActiveTransaction
	}

	current, exists := tx.lookupNode(id)
	if !exists {
		return fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	if _, has := current.Properties[key]; !has {
		return nil
	}

	updated := copyNode(current)
	delete(updated.Properties, key)
	tx.stageNodeUpdate(updated)
	return nil
}

// stageNodeUpdate records a node post-image. Must be called with tx.mu held.
func (tx *Transaction) stageNodeUpdate(node *Node) {
	now := tx.now()
	node.UpdatedAt = now
	tx.pendingNodes[node.ID] = node
	tx.operations = append(tx.operations, Operation{
		Type:      OpUpdateNode,
		Timestamp: now,
		NodeID:    node.ID,
		Node:      node,
	})
}

// DeleteNode buffers a node deletion.
//
// The node must not have any relationship left, committed or staged; delete
// the relationships first. This is what keeps the graph free of dangling
// relationship endpoints.
func (tx *Transaction) DeleteNode(id NodeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrNoActiveTransaction
	}

	if _, exists := tx.lookupNode(id); !exists {
		return fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	if rels := tx.relationships(id); len(rels) > 0 {
		return fmt.Errorf("%w: node %d still has %d relationship(s)", ErrIntegrityViolation, id, len(rels))
	}

	delete(tx.pendingNodes, id)
	tx.deletedNodes[id] = struct{}{}

	tx.operations = append(tx.operations, Operation{
		Type:      OpDeleteNode,
		Timestamp: tx.now(),
		NodeID:    id,
	})

	return nil
}

// CreateEdge buffers the creation of a relationship between two existing nodes.
func (tx *Transaction) CreateEdge(id EdgeID, start, end NodeID, edgeType string) (*Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrNoActiveTransaction
	}
	if id == 0 {
		return nil, fmt.Errorf("%w: zero relationship id", ErrInvalidData)
	}
	if edgeType == "" {
		return nil, fmt.Errorf("%w: empty relationship type", ErrInvalidData)
	}
	if _, exists := tx.lookupEdge(id); exists {
		return nil, fmt.Errorf("relationship %d: %w", id, ErrAlreadyExists)
	}

	// Verify start/end nodes exist (in pending or storage)
	if _, exists := tx.lookupNode(start); !exists {
		return nil, fmt.Errorf("start node %d: %w", start, ErrNotFound)
	}
	if _, exists := tx.lookupNode(end); !exists {
		return nil, fmt.Errorf("end node %d: %w", end, ErrNotFound)
	}

	now := tx.now()
	edge := &Edge{
		ID:         id,
		StartNode:  start,
		EndNode:    end,
		Type:       edgeType,
		Properties: make(map[string]any),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx.pendingEdges[id] = edge

	tx.operations = append(tx.operations, Operation{
		Type:      OpCreateEdge,
		Timestamp: now,
		EdgeID:    id,
		Edge:      edge,
	})

	return copyEdge(edge), nil
}

// SetEdgeProperty buffers setting a scalar property on a relationship.
func (tx *Transaction) SetEdgeProperty(id EdgeID, key string, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrNoActiveTransaction
	}

	v, err := validateProperty(key, value)
	if err != nil {
		return err
	}

	current, exists := tx.lookupEdge(id)
	if !exists {
		return fmt.Errorf("relationship %d: %w", id, ErrNotFound)
	}

	now := tx.now()
	updated := copyEdge(current)
	updated.Properties[key] = v
	updated.UpdatedAt = now
	tx.pendingEdges[id] = updated

	tx.operations = append(tx.operations, Operation{
		Type:      OpUpdateEdge,
		Timestamp: now,
		EdgeID:    id,
		Edge:      updated,
	})
	return nil
}

// DeleteEdge buffers a relationship deletion.
func (tx *Transaction) DeleteEdge(id EdgeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrNoActiveTransaction
	}

	if _, exists := tx.lookupEdge(id); !exists {
		return fmt.Errorf("relationship %d: %w", id, ErrNotFound)
	}

	delete(tx.pendingEdges, id)
	tx.deletedEdges[id] = struct{}{}

	tx.operations = append(tx.operations, Operation{
		Type:      OpDeleteEdge,
		Timestamp: tx.now(),
		EdgeID:    id,
	})

	return nil
}

// lookupNode resolves a node through the overlay. Must be called with tx.mu held.
func (tx *Transaction) lookupNode(id NodeID) (*Node, bool) {
	if _, deleted := tx.deletedNodes[id]; deleted {
		return nil, false
	}
	if pending, exists := tx.pendingNodes[id]; exists {
		return pending, true
	}
	node, err := tx.base.GetNode(id)
	if err != nil {
		return nil, false
	}
	return node, true
}

// lookupEdge resolves an edge through the overlay. Must be called with tx.mu held.
func (tx *Transaction) lookupEdge(id EdgeID) (*Edge, bool) {
	if _, deleted := tx.deletedEdges[id]; deleted {
		return nil, false
	}
	if pending, exists := tx.pendingEdges[id]; exists {
		return pending, true
	}
	edge, err := tx.base.GetEdge(id)
	if err != nil {
		return nil, false
	}
	return edge, true
}

// relationships merges committed and staged edges incident to id.
// Must be called with tx.mu held.
func (tx *Transaction) relationships(id NodeID) []*Edge {
	byID := make(map[EdgeID]*Edge)

	committed, _ := tx.base.Relationships(id)
	for _, e := range committed {
		if _, deleted := tx.deletedEdges[e.ID]; deleted {
			continue
		}
		byID[e.ID] = e
	}
	for eid, e := range tx.pendingEdges {
		if e.StartNode == id || e.EndNode == id {
			byID[eid] = e
		}
	}

	out := make([]*Edge, 0, len(byID))
	for _, e := range byID {
		out = append(out, copyEdge(e))
	}
	slices.SortFunc(out, func(a, b *Edge) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// GetNode retrieves a node, checking pending changes first (read-your-writes).
func (tx *Transaction) GetNode(id NodeID) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrNoActiveTransaction
	}
	node, exists := tx.lookupNode(id)
	if !exists {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return copyNode(node), nil
}

// GetEdge retrieves a relationship, checking pending changes first.
func (tx *Transaction) GetEdge(id EdgeID) (*Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrNoActiveTransaction
	}
	edge, exists := tx.lookupEdge(id)
	if !exists {
		return nil, fmt.Errorf("relationship %d: %w", id, ErrNotFound)
	}
	return copyEdge(edge), nil
}

// Relationships returns every relationship incident to the node as seen by
// this transaction, ordered by EdgeID.
func (tx *Transaction) Relationships(id NodeID) ([]*Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrNoActiveTransaction
	}
	if _, exists := tx.lookupNode(id); !exists {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return tx.relationships(id), nil
}

// Operations returns the buffered operations in the order they were issued.
func (tx *Transaction) Operations() []Operation {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return slices.Clone(tx.operations)
}

// DeletedNodes returns the IDs of committed or staged nodes this transaction deletes.
func (tx *Transaction) DeletedNodes() []NodeID {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	ids := make([]NodeID, 0, len(tx.deletedNodes))
	for id := range tx.deletedNodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OperationCount returns the number of buffered operations.
func (tx *Transaction) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.operations)
}

// MarkCommitted closes the transaction after its operations were applied.
func (tx *Transaction) MarkCommitted() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrNoActiveTransaction
	}
	tx.Status = TxStatusCommitted
	return nil
}

// Rollback discards all buffered operations.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrNoActiveTransaction
	}

	// Simply discard all pending state
	tx.operations = nil
	tx.pendingNodes = nil
	tx.pendingEdges = nil
	tx.deletedNodes = nil
	tx.deletedEdges = nil

	tx.Status = TxStatusRolledBack
	return nil
}
