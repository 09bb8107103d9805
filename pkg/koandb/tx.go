package koandb

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/koandb/pkg/index"
	"github.com/orneryd/koandb/pkg/storage"
)

// TxStatus is the lifecycle state of a transaction.
type TxStatus = storage.TransactionStatus

const (
	TxActive     = storage.TxStatusActive
	TxCommitted  = storage.TxStatusCommitted
	TxRolledBack = storage.TxStatusRolledBack
)

// maxMetadataSize bounds the summed length of metadata keys and values.
const maxMetadataSize = 2048

// Tx is a read-write transaction. It holds the DB writer slot from Begin
// until Commit or Rollback.
//
// Graph mutations are validated when they are issued (missing nodes,
// remaining relationships, bad property values) and staged together with
// index mutations; nothing is visible to DB readers before Commit. Reads on
// the Tx see its own staged changes.
//
// A Tx may be used from several goroutines, but its operations are
// serialized.
type Tx struct {
	db *DB
	id string

	mu       sync.Mutex
	status   TxStatus
	base     *state
	staged   *storage.Transaction
	indexOps []index.Op
	preview  *index.Snapshot
	metadata map[string]any
	started  time.Time
}

func newTx(db *DB, base *state) *Tx {
	return &Tx{
		db:       db,
		id:       uuid.NewString(),
		status:   TxActive,
		base:     base,
		staged:   storage.NewTransaction(base.graph),
		metadata: make(map[string]any),
		started:  time.Now(),
	}
}

// ID returns the unique transaction ID.
func (tx *Tx) ID() string { return tx.id }

// Status returns the lifecycle state.
func (tx *Tx) Status() TxStatus {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// OperationCount returns the number of staged graph and index operations.
// Setting a property counts as one graph operation.
func (tx *Tx) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != TxActive {
		return 0
	}
	return tx.staged.OperationCount() + len(tx.indexOps)
}

// lock takes tx.mu and fails if the transaction is finished. The caller
// must unlock when lock returns nil.
func (tx *Tx) lock() error {
	tx.mu.Lock()
	if tx.status != TxActive {
		tx.mu.Unlock()
		return ErrNoActiveTransaction
	}
	return nil
}

// ============================================================================
// Graph operations
// ============================================================================

// CreateNode stages a new node with the given properties and returns it.
// Properties are validated first, so a bad value stages nothing.
func (tx *Tx) CreateNode(props map[string]any) (*Node, error) {
	if err := tx.lock(); err != nil {
		return nil, err
	}
	defer tx.mu.Unlock()

	if err := validateProperties(props); err != nil {
		return nil, err
	}

	node, err := tx.staged.CreateNode(NodeID(tx.db.nextNode.Add(1)))
	if err != nil {
		return nil, err
	}
	for _, key := range slices.Sorted(maps.Keys(props)) {
		if err := tx.staged.SetProperty(node.ID, key, props[key]); err != nil {
			return nil, err
		}
	}
	return tx.staged.GetNode(node.ID)
}

// SetProperty stages setting a property on a node.
func (tx *Tx) SetProperty(id NodeID, key string, value any) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()
	return tx.staged.SetProperty(id, key, value)
}

// RemoveProperty stages removing a property from a node. Removing an absent
// property is a no-op.
func (tx *Tx) RemoveProperty(id NodeID, key string) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()
	return tx.staged.RemoveProperty(id, key)
}

// GetNode returns a node as this transaction sees it.
func (tx *Tx) GetNode(id NodeID) (*Node, error) {
	if err := tx.lock(); err != nil {
		return nil, err
	}
	defer tx.mu.Unlock()
	return tx.staged.GetNode(id)
}

// DeleteNode stages a node deletion. It fails with ErrIntegrityViolation
// while any relationship, committed or staged, still references the node.
//
// Index entries are not removed implicitly: remove them in the same
// transaction or Commit fails with ErrIntegrityViolation.
//
// Example:
//
//	_ = tx.RemoveFromIndex("enemies", cyberleader)
//	rels, _ := tx.Relationships(cyberleader)
//	for _, rel := range rels {
//		_ = tx.DeleteRelationship(rel.ID)
//	}
//	_ = tx.DeleteNode(cyberleader)
func (tx *Tx) DeleteNode(id NodeID) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()
	return tx.staged.DeleteNode(id)
}

// CreateRelationship stages a typed relationship between two existing nodes.
func (tx *Tx) CreateRelationship(start, end NodeID, relType string, props map[string]any) (*Relationship, error) {
	if err := tx.lock(); err != nil {
		return nil, err
	}
	defer tx.mu.Unlock()

	if err := validateProperties(props); err != nil {
		return nil, err
	}

	rel, err := tx.staged.CreateEdge(RelationshipID(tx.db.nextEdge.Add(1)), start, end, relType)
	if err != nil {
		return nil, err
	}
	for _, key := range slices.Sorted(maps.Keys(props)) {
		if err := tx.staged.SetEdgeProperty(rel.ID, key, props[key]); err != nil {
			return nil, err
		}
	}
	return tx.staged.GetEdge(rel.ID)
}

// SetRelationshipProperty stages setting a property on a relationship.
func (tx *Tx) SetRelationshipProperty(id RelationshipID, key string, value any) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()
	return tx.staged.SetEdgeProperty(id, key, value)
}

// GetRelationship returns a relationship as this transaction sees it.
func (tx *Tx) GetRelationship(id RelationshipID) (*Relationship, error) {
	if err := tx.lock(); err != nil {
		return nil, err
	}
	defer tx.mu.Unlock()
	return tx.staged.GetEdge(id)
}

// DeleteRelationship stages a relationship deletion.
func (tx *Tx) DeleteRelationship(id RelationshipID) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()
	return tx.staged.DeleteEdge(id)
}

// Relationships returns the relationships incident to a node as this
// transaction sees them, ordered by ID.
func (tx *Tx) Relationships(id NodeID) ([]*Relationship, error) {
	if err := tx.lock(); err != nil {
		return nil, err
	}
	defer tx.mu.Unlock()
	return tx.staged.Relationships(id)
}

func validateProperties(props map[string]any) error {
	for key, value := range props {
		if key == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidProperty)
		}
		if _, err := storage.NormalizeValue(value); err != nil {
			return fmt.Errorf("property %q: %w", key, err)
		}
	}
	return nil
}

// ============================================================================
// Index operations
// ============================================================================

// CreateIndex stages the creation of a named index. Creating an index that
// exists with the same configuration is a no-op; a different configuration
// fails with ErrConfigMismatch.
func (tx *Tx) CreateIndex(name string, cfg IndexConfig) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()

	op := index.Op{Type: index.OpConfigure, Index: name, Config: cfg}

	// Replaying configure ops never copies index fields.
	var ops []index.Op
	for _, staged := range tx.indexOps {
		if staged.Type == index.OpConfigure {
			ops = append(ops, staged)
		}
	}
	if _, err := tx.base.index.Apply(append(ops, op)); err != nil {
		return err
	}
	tx.stageIndexOp(op)
	return nil
}

// AddToIndex stages an index entry for node under field. The node must be
// visible in this transaction. Adding an entry that already exists is a
// no-op.
func (tx *Tx) AddToIndex(name string, node NodeID, field string, value any) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()

	if name == "" || field == "" {
		return fmt.Errorf("%w: index and field names must not be empty", ErrInvalidData)
	}
	if _, err := index.ValueString(value); err != nil {
		return err
	}
	if _, err := tx.staged.GetNode(node); err != nil {
		return err
	}
	tx.stageIndexOp(index.Op{Type: index.OpAdd, Index: name, Node: node, Field: field, Value: value})
	return nil
}

// RemoveFromIndex stages removing every entry of node from a named index.
// Removing a node that is not indexed is a no-op.
func (tx *Tx) RemoveFromIndex(name string, node NodeID) error {
	return tx.stageRemoval(index.Op{Type: index.OpRemoveNode, Index: name, Node: node})
}

// RemoveFromIndexField stages removing the entries of node under one field.
func (tx *Tx) RemoveFromIndexField(name string, node NodeID, field string) error {
	return tx.stageRemoval(index.Op{Type: index.OpRemoveField, Index: name, Node: node, Field: field})
}

// RemoveFromIndexEntry stages removing the entry of node under field with
// the given value.
func (tx *Tx) RemoveFromIndexEntry(name string, node NodeID, field string, value any) error {
	if _, err := index.ValueString(value); err != nil {
		return err
	}
	return tx.stageRemoval(index.Op{Type: index.OpRemoveEntry, Index: name, Node: node, Field: field, Value: value})
}

func (tx *Tx) stageRemoval(op index.Op) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()

	if op.Index == "" {
		return fmt.Errorf("%w: empty index name", ErrInvalidData)
	}
	tx.stageIndexOp(op)
	return nil
}

// stageIndexOp must be called with tx.mu held.
func (tx *Tx) stageIndexOp(op index.Op) {
	tx.indexOps = append(tx.indexOps, op)
	tx.preview = nil
}

// ExactQuery is DB.ExactQuery against the index as this transaction sees it.
func (tx *Tx) ExactQuery(indexName, field string, value any) (Hits, error) {
	if err := tx.lock(); err != nil {
		return Hits{}, err
	}
	defer tx.mu.Unlock()

	str, err := index.ValueString(value)
	if err != nil {
		return Hits{}, err
	}
	snap, err := tx.indexView()
	if err != nil {
		return Hits{}, err
	}
	return snap.Exact(indexName, field, str), nil
}

// WildcardQuery is DB.WildcardQuery against the index as this transaction
// sees it.
func (tx *Tx) WildcardQuery(indexName, field, pattern string) (Hits, error) {
	if err := tx.lock(); err != nil {
		return Hits{}, err
	}
	defer tx.mu.Unlock()

	snap, err := tx.indexView()
	if err != nil {
		return Hits{}, err
	}
	return snap.Wildcard(indexName, field, pattern), nil
}

// indexView returns the base index with the staged index ops applied. Must
// be called with tx.mu held.
func (tx *Tx) indexView() (*index.Snapshot, error) {
	if tx.preview == nil {
		snap, err := tx.base.index.Apply(tx.indexOps)
		if err != nil {
			return nil, err
		}
		tx.preview = snap
	}
	return tx.preview, nil
}

// ============================================================================
// Metadata
// ============================================================================

// SetMetadata merges metadata into the transaction. It is logged on commit
// and never stored. The summed size of keys and values is limited to 2048
// characters.
func (tx *Tx) SetMetadata(metadata map[string]any) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()

	merged := maps.Clone(tx.metadata)
	maps.Copy(merged, metadata)

	totalSize := 0
	for k, v := range merged {
		totalSize += len(k)
		if v != nil {
			totalSize += len(fmt.Sprint(v))
		}
	}
	if totalSize > maxMetadataSize {
		return fmt.Errorf("%w: transaction metadata too large: %d chars (max %d)", ErrInvalidData, totalSize, maxMetadataSize)
	}

	tx.metadata = merged
	return nil
}

// Metadata returns a copy of the transaction metadata.
func (tx *Tx) Metadata() map[string]any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return maps.Clone(tx.metadata)
}

// ============================================================================
// Commit / Rollback
// ============================================================================

// Commit applies all staged graph and index mutations atomically and
// releases the writer slot.
//
// If the store rejects an operation, the index rejects an entry, or an
// indexed node would no longer exist, nothing is applied and Commit returns
// a *CommitError; the transaction is then rolled back. Committing a finished
// transaction returns ErrNoActiveTransaction.
func (tx *Tx) Commit() error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.mu.Unlock()

	db := tx.db
	start := time.Now()
	err := db.apply(tx.staged.Operations(), tx.indexOps, tx.staged.DeletedNodes())
	db.metrics.CommitDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		_ = tx.staged.Rollback()
		tx.finish(TxRolledBack)
		db.metrics.CommitFailures.WithLabelValues(failureReason(err)).Inc()
		db.metrics.TxRolledBack.Inc()
		db.logger.Warn("commit failed", "tx", tx.id, "error", err)
		return &CommitError{TxID: tx.id, Cause: err}
	}

	_ = tx.staged.MarkCommitted()
	ops := len(tx.indexOps)
	tx.finish(TxCommitted)
	db.metrics.TxCommitted.Inc()

	keyvals := []any{"tx", tx.id, "version", db.Version(), "index_ops", ops, "duration", time.Since(tx.started)}
	if len(tx.metadata) > 0 {
		keyvals = append(keyvals, "metadata", tx.metadata)
	}
	db.logger.Debug("transaction committed", keyvals...)
	return nil
}

// Rollback discards the staged mutations and releases the writer slot.
// Rolling back a finished transaction is a no-op, so it can be deferred
// right after Begin.
func (tx *Tx) Rollback() {
	if err := tx.lock(); err != nil {
		return
	}
	defer tx.mu.Unlock()

	_ = tx.staged.Rollback()
	tx.finish(TxRolledBack)
	tx.db.metrics.TxRolledBack.Inc()
	tx.db.logger.Debug("transaction rolled back", "tx", tx.id)
}

// finish ends the transaction and hands the writer slot to the next one.
// Must be called with tx.mu held.
func (tx *Tx) finish(status TxStatus) {
	tx.status = status
	tx.indexOps = nil
	tx.preview = nil
	tx.db.writer.Release(1)
}

// apply runs the commit protocol: prepare the store, build the next index
// snapshot, check that both agree, then publish them together.
func (db *DB) apply(storeOps []storage.Operation, indexOps []index.Op, deleted []NodeID) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}

	cur := db.current.Load()

	pending, err := db.engine.Prepare(storeOps)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	nextIndex, err := cur.index.Apply(indexOps)
	if err != nil {
		pending.Discard()
		return fmt.Errorf("index: %w", err)
	}

	if err := checkConsistency(pending, nextIndex, indexOps, deleted); err != nil {
		pending.Discard()
		return err
	}

	view, err := pending.Commit()
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	db.publish(&state{graph: view, index: nextIndex})
	db.cache.Clear()
	return nil
}

// checkConsistency verifies that every node the index would still hold
// after the commit exists in graph. Only nodes touched by the transaction
// are checked: added to an index or deleted from the store.
func checkConsistency(graph storage.View, idx *index.Snapshot, ops []index.Op, deleted []NodeID) error {
	touched := make(map[NodeID]struct{}, len(deleted))
	for _, id := range deleted {
		touched[id] = struct{}{}
	}
	for _, op := range ops {
		if op.Type == index.OpAdd {
			touched[op.Node] = struct{}{}
		}
	}

	for _, id := range slices.Sorted(maps.Keys(touched)) {
		refs := idx.References(id)
		if len(refs) == 0 {
			continue
		}
		if _, err := graph.GetNode(id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: node %d does not exist but is indexed in %s",
					ErrIntegrityViolation, id, strings.Join(refs, ", "))
			}
			return err
		}
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, storage.ErrStorageClosed):
		return "closed"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrBatchTooLarge):
		return "too_large"
	case errors.Is(err, ErrConfigMismatch), errors.Is(err, index.ErrInvalidConfig):
		return "config"
	default:
		return "other"
	}
}
