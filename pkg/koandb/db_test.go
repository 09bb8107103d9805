package koandb

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/koandb/pkg/config"
	"github.com/orneryd/koandb/pkg/storage"
)

func openTestDB(t *testing.T, mutate func(*config.Config), opts ...Option) *DB {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithLogger(log.New(io.Discard))}, opts...)
	db, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createNode(t *testing.T, db *DB, props map[string]any) NodeID {
	t.Helper()
	var id NodeID
	require.NoError(t, db.Update(context.Background(), func(tx *Tx) error {
		node, err := tx.CreateNode(props)
		if err != nil {
			return err
		}
		id = node.ID
		return nil
	}))
	return id
}

func TestOpen(t *testing.T) {
	t.Run("nil_config_uses_defaults", func(t *testing.T) {
		db, err := Open(nil, WithLogger(log.New(io.Discard)))
		require.NoError(t, err)
		defer db.Close()

		assert.Equal(t, config.EngineMemory, db.Config().Storage.Engine)
		count, err := db.NodeCount()
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.Zero(t, db.Version())
	})

	t.Run("invalid_config_is_rejected", func(t *testing.T) {
		cfg := config.Default()
		cfg.Transactions.Mode = "optimistic"
		_, err := Open(cfg, WithLogger(log.New(io.Discard)))
		assert.Error(t, err)
	})

	t.Run("badger_engine", func(t *testing.T) {
		db := openTestDB(t, func(c *config.Config) {
			c.Storage.Engine = config.EngineBadger
			c.Storage.LowMemory = true
		})
		id := createNode(t, db, map[string]any{"name": "K-9"})
		node, err := db.GetNode(id)
		require.NoError(t, err)
		assert.Equal(t, "K-9", node.Properties["name"])
	})

	t.Run("metrics_on_shared_registerer", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		db := openTestDB(t, nil, WithRegisterer(reg))
		createNode(t, db, nil)

		families, err := reg.Gather()
		require.NoError(t, err)
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.Contains(t, names, "koandb_tx_committed_total")
		assert.Contains(t, names, "koandb_graph_nodes")
	})

	t.Run("two_databases_share_a_registerer", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		tardis := openTestDB(t, nil, WithRegisterer(reg), WithName("tardis"))
		_ = openTestDB(t, nil, WithRegisterer(reg))
		createNode(t, tardis, nil)

		families, err := reg.Gather()
		require.NoError(t, err)
		var committed *dto.MetricFamily
		for _, f := range families {
			if f.GetName() == "koandb_tx_committed_total" {
				committed = f
			}
		}
		require.NotNil(t, committed)
		require.Len(t, committed.GetMetric(), 2)

		byDB := make(map[string]float64)
		for _, m := range committed.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "db" {
					byDB[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
		assert.Equal(t, 1.0, byDB["tardis"])
	})

	t.Run("duplicate_name_on_one_registerer", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		first, err := Open(nil, WithLogger(log.New(io.Discard)), WithRegisterer(reg), WithName("skaro"))
		require.NoError(t, err)

		_, err = Open(nil, WithLogger(log.New(io.Discard)), WithRegisterer(reg), WithName("skaro"))
		require.Error(t, err)

		require.NoError(t, first.Close())
		again, err := Open(nil, WithLogger(log.New(io.Discard)), WithRegisterer(reg), WithName("skaro"))
		require.NoError(t, err, "closing a DB frees its name")
		require.NoError(t, again.Close())
	})

	t.Run("non_empty_engine_is_rejected", func(t *testing.T) {
		engine := storage.NewMemoryEngine()
		staged := storage.NewTransaction(engine.Current())
		_, err := staged.CreateNode(1)
		require.NoError(t, err)
		pending, err := engine.Prepare(staged.Operations())
		require.NoError(t, err)
		_, err = pending.Commit()
		require.NoError(t, err)

		_, err = Open(nil, WithLogger(log.New(io.Discard)), WithEngine(engine))
		assert.ErrorIs(t, err, ErrInvalidData)
	})
}

func TestDB_Close(t *testing.T) {
	db := openTestDB(t, nil)
	id := createNode(t, db, nil)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	_, err := db.GetNode(id)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.NodeCount()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.ExactQuery("companions", "name", "Rose Tyler")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.IndexNames()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Begin(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDB_CloseWithOpenTransaction(t *testing.T) {
	db := openTestDB(t, nil)
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx.CreateNode(nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())

	err = tx.Commit()
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, TxRolledBack, tx.Status())
}

func TestDB_DeleteNode(t *testing.T) {
	ctx := context.Background()

	t.Run("relationship_free_node", func(t *testing.T) {
		db := openTestDB(t, nil)
		id := createNode(t, db, map[string]any{"name": "Adipose"})

		require.NoError(t, db.Update(ctx, func(tx *Tx) error { return tx.DeleteNode(id) }))

		_, err := db.GetNode(id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("node_with_relationships", func(t *testing.T) {
		db := openTestDB(t, nil)
		doctor := createNode(t, db, map[string]any{"name": "Doctor"})
		rose := createNode(t, db, map[string]any{"name": "Rose Tyler"})
		require.NoError(t, db.Update(ctx, func(tx *Tx) error {
			_, err := tx.CreateRelationship(rose, doctor, "COMPANION_OF", map[string]any{"since": 2005})
			return err
		}))

		err := db.Update(ctx, func(tx *Tx) error { return tx.DeleteNode(doctor) })
		assert.ErrorIs(t, err, ErrIntegrityViolation)

		node, err := db.GetNode(doctor)
		require.NoError(t, err)
		assert.Equal(t, "Doctor", node.Properties["name"])

		rels, err := db.Relationships(doctor)
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, rose, rels[0].Other(doctor))
		assert.Equal(t, int64(2005), rels[0].Properties["since"])
	})

	t.Run("after_deleting_relationships", func(t *testing.T) {
		db := openTestDB(t, nil)
		a := createNode(t, db, nil)
		b := createNode(t, db, nil)

		var relID RelationshipID
		require.NoError(t, db.Update(ctx, func(tx *Tx) error {
			rel, err := tx.CreateRelationship(a, b, "KNOWS", nil)
			if err != nil {
				return err
			}
			relID = rel.ID
			return nil
		}))

		require.NoError(t, db.Update(ctx, func(tx *Tx) error {
			if err := tx.DeleteRelationship(relID); err != nil {
				return err
			}
			return tx.DeleteNode(a)
		}))

		_, err := db.GetRelationship(relID)
		assert.ErrorIs(t, err, ErrNotFound)
		count, err := db.RelationshipCount()
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestTx_Atomicity(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)
	doctor := createNode(t, db, nil)
	clara := createNode(t, db, nil)
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		_, err := tx.CreateRelationship(clara, doctor, "COMPANION_OF", nil)
		return err
	}))
	before, err := db.NodeCount()
	require.NoError(t, err)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.CreateNode(map[string]any{"name": "Oswin"})
	require.NoError(t, err)
	assert.ErrorIs(t, tx.DeleteNode(doctor), ErrIntegrityViolation)
	tx.Rollback()

	after, err := db.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTx_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	t.Run("commit_twice", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		assert.Equal(t, TxActive, tx.Status())
		assert.NotEmpty(t, tx.ID())

		require.NoError(t, tx.Commit())
		assert.Equal(t, TxCommitted, tx.Status())
		assert.ErrorIs(t, tx.Commit(), ErrNoActiveTransaction)
	})

	t.Run("rollback_is_idempotent", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		tx.Rollback()
		tx.Rollback()
		assert.Equal(t, TxRolledBack, tx.Status())
		assert.ErrorIs(t, tx.Commit(), ErrNoActiveTransaction)
	})

	t.Run("rollback_after_commit_keeps_changes", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		node, err := tx.CreateNode(nil)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		tx.Rollback()

		assert.Equal(t, TxCommitted, tx.Status())
		_, err = db.GetNode(node.ID)
		assert.NoError(t, err)
	})

	t.Run("operations_on_finished_transaction", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		tx.Rollback()

		_, err = tx.CreateNode(nil)
		assert.ErrorIs(t, err, ErrNoActiveTransaction)
		assert.ErrorIs(t, tx.AddToIndex("companions", 1, "name", "Amy Pond"), ErrNoActiveTransaction)
		assert.ErrorIs(t, tx.RemoveFromIndex("companions", 1), ErrNoActiveTransaction)
		_, err = tx.ExactQuery("companions", "name", "Amy Pond")
		assert.ErrorIs(t, err, ErrNoActiveTransaction)
		assert.Zero(t, tx.OperationCount())
	})

	t.Run("update_rolls_back_on_error", func(t *testing.T) {
		boom := errors.New("boom")
		var id NodeID
		err := db.Update(ctx, func(tx *Tx) error {
			node, err := tx.CreateNode(nil)
			require.NoError(t, err)
			id = node.ID
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = db.GetNode(id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update_rolls_back_on_panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = db.Update(ctx, func(tx *Tx) error { panic("exterminate") })
		})

		// The writer slot was released.
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		tx.Rollback()
	})
}

func TestTx_IDsAreNeverReused(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	burned, err := tx.CreateNode(nil)
	require.NoError(t, err)
	tx.Rollback()

	next := createNode(t, db, nil)
	assert.Equal(t, NodeID(1), burned.ID)
	assert.Equal(t, NodeID(2), next)
}

func TestTx_Properties(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	t.Run("invalid_values_stage_nothing", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()

		_, err = tx.CreateNode(map[string]any{"name": "Ood Sigma", "tags": []string{"ood"}})
		assert.ErrorIs(t, err, ErrInvalidProperty)
		_, err = tx.CreateNode(map[string]any{"": "nameless"})
		assert.ErrorIs(t, err, ErrInvalidProperty)
		assert.Zero(t, tx.OperationCount())
	})

	t.Run("set_and_remove", func(t *testing.T) {
		id := createNode(t, db, map[string]any{"name": "River Song", "regenerations": 1})

		require.NoError(t, db.Update(ctx, func(tx *Tx) error {
			if err := tx.SetProperty(id, "archaeologist", true); err != nil {
				return err
			}
			return tx.RemoveProperty(id, "regenerations")
		}))

		node, err := db.GetNode(id)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "River Song", "archaeologist": true}, node.Properties)
	})

	t.Run("missing_node", func(t *testing.T) {
		err := db.Update(ctx, func(tx *Tx) error { return tx.SetProperty(9999, "name", "Nobody") })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTx_Metadata(t *testing.T) {
	db := openTestDB(t, nil)
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, tx.SetMetadata(map[string]any{"app": "koans"}))
	require.NoError(t, tx.SetMetadata(map[string]any{"koan": 3}))
	assert.Equal(t, map[string]any{"app": "koans", "koan": 3}, tx.Metadata())

	big := make([]byte, 3000)
	err = tx.SetMetadata(map[string]any{"blob": string(big)})
	assert.ErrorIs(t, err, ErrInvalidData)
	assert.Len(t, tx.Metadata(), 2, "rejected metadata is not merged")
}

func TestDB_ReadersDuringOpenTransaction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)
	existing := createNode(t, db, map[string]any{"name": "Wilfred Mott"})
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		return tx.AddToIndex("characters", existing, "name", "Wilfred Mott")
	}))

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	node, err := tx.CreateNode(map[string]any{"name": "Sylvia Noble"})
	require.NoError(t, err)
	require.NoError(t, tx.AddToIndex("characters", node.ID, "name", "Sylvia Noble"))
	require.NoError(t, tx.SetProperty(existing, "name", "Wilf"))

	// The transaction sees its own writes.
	hits, err := tx.WildcardQuery("characters", "name", "S*")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{node.ID}, hits.Nodes())
	staged, err := tx.GetNode(existing)
	require.NoError(t, err)
	assert.Equal(t, "Wilf", staged.Properties["name"])

	// Readers see only committed state and are not blocked.
	_, err = db.GetNode(node.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	committed, err := db.GetNode(existing)
	require.NoError(t, err)
	assert.Equal(t, "Wilfred Mott", committed.Properties["name"])
	hits, err = db.WildcardQuery("characters", "name", "S*")
	require.NoError(t, err)
	assert.Zero(t, hits.Len())

	require.NoError(t, tx.Commit())
	hits, err = db.ExactQuery("characters", "name", "Sylvia Noble")
	require.NoError(t, err)
	assert.True(t, hits.Contains(node.ID))
}

func TestBegin_FailFast(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, func(c *config.Config) { c.Transactions.Mode = config.ModeFailFast })

	first, err := db.Begin(ctx)
	require.NoError(t, err)

	_, err = db.Begin(ctx)
	assert.ErrorIs(t, err, ErrConcurrentTransaction)
	assert.Equal(t, 1.0, promtest.ToFloat64(db.Metrics().BeginRejections.WithLabelValues(config.ModeFailFast)))

	first.Rollback()

	second, err := db.Begin(ctx)
	require.NoError(t, err)
	second.Rollback()
}

func TestBegin_Blocking(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	t.Run("times_out_with_context", func(t *testing.T) {
		first, err := db.Begin(ctx)
		require.NoError(t, err)
		defer first.Rollback()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = db.Begin(waitCtx)
		assert.ErrorIs(t, err, ErrConcurrentTransaction)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("waits_for_release", func(t *testing.T) {
		first, err := db.Begin(ctx)
		require.NoError(t, err)
		node, err := first.CreateNode(map[string]any{"name": "Harold Saxon"})
		require.NoError(t, err)

		started := make(chan *Tx)
		go func() {
			tx, err := db.Begin(ctx)
			if err != nil {
				close(started)
				return
			}
			started <- tx
		}()

		select {
		case <-started:
			t.Fatal("second transaction started while the first was open")
		case <-time.After(20 * time.Millisecond):
		}

		require.NoError(t, first.Commit())

		select {
		case second, ok := <-started:
			require.True(t, ok, "second Begin failed")
			defer second.Rollback()
			got, err := second.GetNode(node.ID)
			require.NoError(t, err, "second transaction sees the first one's commit")
			assert.Equal(t, "Harold Saxon", got.Properties["name"])
		case <-time.After(time.Second):
			t.Fatal("second transaction never started")
		}
	})
}

func TestUpdate_ConcurrentWritersNeverInterleave(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)
	counter := createNode(t, db, map[string]any{"count": 0})

	const writers = 20
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			errs <- db.Update(ctx, func(tx *Tx) error {
				node, err := tx.GetNode(counter)
				if err != nil {
					return err
				}
				return tx.SetProperty(counter, "count", node.Properties["count"].(int64)+1)
			})
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}

	node, err := db.GetNode(counter)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), node.Properties["count"])
	assert.Equal(t, float64(writers+1), promtest.ToFloat64(db.Metrics().TxCommitted))
}

// failingEngine prepares normally but refuses to commit.
type failingEngine struct {
	storage.Engine
	err error
}

func (e *failingEngine) Prepare(ops []storage.Operation) (storage.Pending, error) {
	p, err := e.Engine.Prepare(ops)
	if err != nil {
		return nil, err
	}
	return &failingPending{Pending: p, err: e.err}, nil
}

type failingPending struct {
	storage.Pending
	err error
}

func (p *failingPending) Commit() (storage.View, error) {
	p.Discard()
	return nil, p.err
}

func TestCommit_EngineFailure(t *testing.T) {
	ctx := context.Background()
	diskFull := errors.New("disk full")
	engine := &failingEngine{Engine: storage.NewMemoryEngine(), err: diskFull}
	db := openTestDB(t, func(c *config.Config) { c.Transactions.Mode = config.ModeFailFast }, WithEngine(engine))

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	node, err := tx.CreateNode(map[string]any{"name": "Rory Williams"})
	require.NoError(t, err)
	require.NoError(t, tx.AddToIndex("companions", node.ID, "name", "Rory Williams"))

	err = tx.Commit()
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, diskFull)
	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, tx.ID(), commitErr.TxID)
	assert.Equal(t, TxRolledBack, tx.Status())

	_, err = db.GetNode(node.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	exists, err := db.IndexExists("companions")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 1.0, promtest.ToFloat64(db.Metrics().CommitFailures.WithLabelValues("other")))

	// The writer slot was released.
	next, err := db.Begin(ctx)
	require.NoError(t, err)
	next.Rollback()
}

func TestCommit_PrepareFailure(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	created, err := tx.CreateNode(map[string]any{"name": "Jenny"})
	require.NoError(t, err)

	// Commit a node with the same ID directly through the engine.
	other := storage.NewTransaction(db.engine.Current())
	_, err = other.CreateNode(created.ID)
	require.NoError(t, err)
	pending, err := db.engine.Prepare(other.Operations())
	require.NoError(t, err)
	_, err = pending.Commit()
	require.NoError(t, err)

	err = tx.Commit()
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1.0, promtest.ToFloat64(db.Metrics().CommitFailures.WithLabelValues("already_exists")))
}

func TestCommit_BadgerBatchTooLarge(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, func(c *config.Config) {
		c.Storage.Engine = config.EngineBadger
		c.Storage.LowMemory = true
	})

	err := db.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 30000; i++ {
			if _, err := tx.CreateNode(nil); err != nil {
				return err
			}
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
	assert.Equal(t, 1.0, promtest.ToFloat64(db.Metrics().CommitFailures.WithLabelValues("too_large")))

	count, err := db.NodeCount()
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, db.Version())

	// Smaller batches still commit.
	id := createNode(t, db, map[string]any{"name": "Clara Oswald"})
	_, err = db.GetNode(id)
	assert.NoError(t, err)
}

func TestIndex_Configuration(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)
	id := createNode(t, db, map[string]any{"title": "Blink"})

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		if err := tx.CreateIndex("episodes", IndexConfig{Type: IndexFulltext}); err != nil {
			return err
		}
		return tx.AddToIndex("episodes", id, "title", "Don't Blink")
	}))

	cfg, err := db.IndexConfiguration("episodes")
	require.NoError(t, err)
	assert.Equal(t, IndexFulltext, cfg.Type)
	_, err = db.IndexConfiguration("villains")
	assert.ErrorIs(t, err, ErrNotFound)

	hits, err := db.ExactQuery("episodes", "title", "blink")
	require.NoError(t, err)
	assert.True(t, hits.Contains(id))

	t.Run("same_config_is_noop", func(t *testing.T) {
		assert.NoError(t, db.Update(ctx, func(tx *Tx) error {
			return tx.CreateIndex("episodes", IndexConfig{Type: IndexFulltext})
		}))
	})

	t.Run("mismatch_fails_when_issued", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		assert.ErrorIs(t, tx.CreateIndex("episodes", IndexConfig{Type: IndexExact}), ErrConfigMismatch)
		assert.Zero(t, tx.OperationCount())
	})

	t.Run("mismatch_within_transaction", func(t *testing.T) {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		require.NoError(t, tx.CreateIndex("planets", IndexConfig{Type: IndexExact}))
		assert.ErrorIs(t, tx.CreateIndex("planets", IndexConfig{Type: IndexFulltext}), ErrConfigMismatch)
	})
}

func TestIndex_AddRequiresVisibleNode(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	assert.ErrorIs(t, tx.AddToIndex("companions", 42, "name", "Nobody"), ErrNotFound)
	assert.ErrorIs(t, tx.AddToIndex("", 42, "name", "Nobody"), ErrInvalidData)

	node, err := tx.CreateNode(nil)
	require.NoError(t, err)
	assert.NoError(t, tx.AddToIndex("companions", node.ID, "name", "Amy Pond"), "staged nodes are visible")
	assert.Error(t, tx.AddToIndex("companions", node.ID, "name", map[string]any{}))
}

func TestIndex_AddThenDeleteInOneTransaction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	t.Run("removed_before_delete", func(t *testing.T) {
		err := db.Update(ctx, func(tx *Tx) error {
			node, err := tx.CreateNode(nil)
			if err != nil {
				return err
			}
			if err := tx.AddToIndex("ghosts", node.ID, "name", "Cassandra"); err != nil {
				return err
			}
			if err := tx.RemoveFromIndex("ghosts", node.ID); err != nil {
				return err
			}
			return tx.DeleteNode(node.ID)
		})
		assert.NoError(t, err)
	})

	t.Run("still_indexed", func(t *testing.T) {
		err := db.Update(ctx, func(tx *Tx) error {
			node, err := tx.CreateNode(nil)
			if err != nil {
				return err
			}
			if err := tx.AddToIndex("ghosts", node.ID, "name", "Cassandra"); err != nil {
				return err
			}
			return tx.DeleteNode(node.ID)
		})
		assert.ErrorIs(t, err, ErrCommitFailed)
		assert.ErrorIs(t, err, ErrIntegrityViolation)
	})
}

func TestQueryCache(t *testing.T) {
	ctx := context.Background()

	t.Run("hits_until_next_commit", func(t *testing.T) {
		db := openTestDB(t, nil)
		rose := createNode(t, db, nil)
		require.NoError(t, db.Update(ctx, func(tx *Tx) error {
			return tx.AddToIndex("companions", rose, "name", "Rose Tyler")
		}))

		for i := 0; i < 3; i++ {
			hits, err := db.ExactQuery("companions", "name", "Rose Tyler")
			require.NoError(t, err)
			assert.Equal(t, []NodeID{rose}, hits.Nodes())
		}
		assert.Equal(t, 2.0, promtest.ToFloat64(db.Metrics().CacheHits))
		assert.Equal(t, 1.0, promtest.ToFloat64(db.Metrics().CacheMisses))
		assert.Equal(t, 3.0, promtest.ToFloat64(db.Metrics().Queries.WithLabelValues("exact")))

		other := createNode(t, db, nil)
		require.NoError(t, db.Update(ctx, func(tx *Tx) error {
			return tx.AddToIndex("companions", other, "name", "Rose Tyler")
		}))

		hits, err := db.ExactQuery("companions", "name", "Rose Tyler")
		require.NoError(t, err)
		assert.Equal(t, []NodeID{rose, other}, hits.Nodes())
	})

	t.Run("disabled", func(t *testing.T) {
		db := openTestDB(t, func(c *config.Config) { c.Index.QueryCacheSize = 0 })
		id := createNode(t, db, nil)
		require.NoError(t, db.Update(ctx, func(tx *Tx) error {
			return tx.AddToIndex("species", id, "species", "Ood")
		}))

		for i := 0; i < 2; i++ {
			hits, err := db.WildcardQuery("species", "species", "O*")
			require.NoError(t, err)
			assert.True(t, hits.Contains(id))
		}
		assert.Zero(t, promtest.ToFloat64(db.Metrics().CacheHits))
	})

	t.Run("invalid_exact_value", func(t *testing.T) {
		db := openTestDB(t, nil)
		_, err := db.ExactQuery("companions", "name", []string{"Rose"})
		assert.ErrorIs(t, err, ErrInvalidProperty)
	})
}
