// Package koandb provides an embedded property graph with a synchronized text
// index.
//
// A DB owns a graph store (nodes, relationships and scalar properties) and a
// set of named text indexes over node values. Both are changed only through a
// transaction, and a transaction commits its graph and index mutations as one
// unit: readers see either all of them or none.
//
// Key Features:
//   - Single writer, many readers: at most one transaction is open at a time
//     while reads run lock-free against the last committed state
//   - Referential integrity: relationships need existing endpoints and nodes
//     can only be deleted once nothing references them
//   - Exact and wildcard index queries ("S*n", "Cyber*", "*or*")
//   - Interchangeable storage engines (memory, badger)
//
// Example Usage:
//
//	db, err := koandb.Open(config.Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.Update(ctx, func(tx *koandb.Tx) error {
//		rose, err := tx.CreateNode(map[string]any{"name": "Rose Tyler"})
//		if err != nil {
//			return err
//		}
//		return tx.AddToIndex("companions", rose.ID, "name", "Rose Tyler")
//	})
//
//	hits, _ := db.ExactQuery("companions", "name", "Rose Tyler")
//	for id := range hits.All() {
//		node, _ := db.GetNode(id)
//		fmt.Println(node.Properties["name"])
//	}
//
// ELI12 (Explain Like I'm 12):
//
// Think of a library with a big wall of shelves (the graph) and a card
// catalogue (the index). Only one librarian may rearrange things at a time,
// and they prepare every change on a trolley first. When they are done, the
// shelves and the catalogue are swapped in together, so a visitor never finds
// a catalogue card pointing at a book that has already been thrown away.
package koandb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/orneryd/koandb/pkg/cache"
	"github.com/orneryd/koandb/pkg/config"
	"github.com/orneryd/koandb/pkg/index"
	"github.com/orneryd/koandb/pkg/storage"
)

// Aliases for the storage and index types that appear in the DB API.
type (
	NodeID         = storage.NodeID
	RelationshipID = storage.EdgeID
	Node           = storage.Node
	Relationship   = storage.Edge
	IndexConfig    = index.Config
	Hits           = index.Hits
)

// Index types.
const (
	IndexExact    = index.TypeExact
	IndexFulltext = index.TypeFulltext
)

// state is one committed (graph, index) pair. It is replaced as a whole on
// every commit and never modified after publication.
type state struct {
	graph storage.View
	index *index.Snapshot
}

func (s *state) version() uint64 { return s.graph.Version() }

// DB is an embedded graph database.
//
// All methods are safe for concurrent use.
type DB struct {
	name     string
	config   *config.Config
	logger   *log.Logger
	engine   storage.Engine
	metrics  *Metrics
	cache    *cache.QueryCache
	failFast bool

	// writer is the single transaction slot
	writer *semaphore.Weighted

	current  atomic.Pointer[state]
	nextNode atomic.Uint64
	nextEdge atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Option configures Open.
type Option func(*options)

type options struct {
	name       string
	logger     *log.Logger
	registerer prometheus.Registerer
	engine     storage.Engine
}

// WithName names the DB. The name is the "db" label of every metric; two open
// databases sharing a registerer must have different names. Without it the
// DB gets a random name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger makes the DB log to logger instead of building one from the
// logging section of the config.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the DB metrics on reg. Without it the metrics
// live on a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithEngine uses engine instead of creating the one named by the config.
// The engine must be empty, otherwise Open fails with ErrInvalidData; the
// DB takes ownership and closes it.
func WithEngine(engine storage.Engine) Option {
	return func(o *options) { o.engine = engine }
}

// Open creates a database. A nil config means config.Default().
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	db, err := koandb.Open(cfg,
//		koandb.WithName("gallifrey"),
//		koandb.WithRegisterer(prometheus.DefaultRegisterer),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
func Open(cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = cfg.Logging.NewLogger(os.Stderr)
		if err != nil {
			return nil, err
		}
	}

	snap, err := index.New(index.Config{Type: index.Type(cfg.Index.DefaultType)})
	if err != nil {
		return nil, err
	}

	engine := o.engine
	if engine == nil {
		engine, err = newEngine(cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
	} else if v := engine.Current(); v.NodeCount() != 0 || v.EdgeCount() != 0 {
		return nil, fmt.Errorf("%w: engine %s already holds %d nodes and %d relationships",
			ErrInvalidData, engine.Name(), v.NodeCount(), v.EdgeCount())
	}

	qc := cache.NewQueryCache(cfg.Index.QueryCacheSize, cfg.Index.QueryCacheTTL)
	if cfg.Index.QueryCacheSize == 0 {
		qc.SetEnabled(false)
	}

	reg := o.registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	name := o.name
	if name == "" {
		name = uuid.NewString()
	}
	metrics, err := newMetrics(reg, name, qc)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	db := &DB{
		name:     name,
		config:   cfg,
		logger:   logger,
		engine:   engine,
		cache:    qc,
		metrics:  metrics,
		failFast: cfg.Transactions.Mode == config.ModeFailFast,
		writer:   semaphore.NewWeighted(1),
	}
	db.publish(&state{graph: engine.Current(), index: snap})

	logger.Info("database opened", "db", name, "engine", engine.Name(), "mode", cfg.Transactions.Mode, "index", cfg.Index.DefaultType)
	return db, nil
}

func newEngine(cfg config.StorageConfig, logger *log.Logger) (storage.Engine, error) {
	switch cfg.Engine {
	case config.EngineBadger:
		engine, err := storage.NewBadgerEngine(storage.BadgerOptions{
			Logger:    badgerLogger{logger.WithPrefix("badger")},
			LowMemory: cfg.LowMemory,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger storage: %w", err)
		}
		return engine, nil
	case config.EngineMemory, "":
		return storage.NewMemoryEngine(), nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

// badgerLogger routes BadgerDB's internal messages to the DB logger.
type badgerLogger struct {
	l *log.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	// Badger is chatty at info level.
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// publish makes st the committed state and refreshes the size gauges.
func (db *DB) publish(st *state) {
	db.current.Store(st)
	db.metrics.Nodes.Set(float64(st.graph.NodeCount()))
	db.metrics.Relationships.Set(float64(st.graph.EdgeCount()))
}

// snapshot returns the committed state, or ErrClosed.
func (db *DB) snapshot() (*state, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.current.Load(), nil
}

func (db *DB) isClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

// Close closes the database. A transaction still open keeps its staged
// changes but can no longer commit. Close is idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	db.cache.Clear()
	db.metrics.unregister()

	var errs []error
	if err := db.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}
	db.logger.Info("database closed", "db", db.name)
	return errors.Join(errs...)
}

// Name returns the DB name used as the "db" metric label.
func (db *DB) Name() string { return db.name }

// Config returns the configuration the database was opened with.
func (db *DB) Config() *config.Config { return db.config }

// Metrics returns the collectors of this database.
func (db *DB) Metrics() *Metrics { return db.metrics }

// Version returns the number of commits applied so far.
func (db *DB) Version() uint64 { return db.current.Load().version() }

// ============================================================================
// Reads
//
// Reads load the published state once and never take the writer slot, so
// they proceed while a transaction is open and see only committed data.
// ============================================================================

// GetNode returns a committed node. Unknown and deleted IDs fail with
// ErrNotFound.
func (db *DB) GetNode(id NodeID) (*Node, error) {
	st, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	return st.graph.GetNode(id)
}

// GetRelationship returns a committed relationship.
func (db *DB) GetRelationship(id RelationshipID) (*Relationship, error) {
	st, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	return st.graph.GetEdge(id)
}

// Relationships returns the committed relationships incident to a node,
// ordered by ID.
func (db *DB) Relationships(id NodeID) ([]*Relationship, error) {
	st, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	return st.graph.Relationships(id)
}

// NodeCount returns the number of committed nodes.
func (db *DB) NodeCount() (int64, error) {
	st, err := db.snapshot()
	if err != nil {
		return 0, err
	}
	return st.graph.NodeCount(), nil
}

// RelationshipCount returns the number of committed relationships.
func (db *DB) RelationshipCount() (int64, error) {
	st, err := db.snapshot()
	if err != nil {
		return 0, err
	}
	return st.graph.EdgeCount(), nil
}

// ExactQuery returns the nodes indexed in indexName under field with the
// given value, in insertion order. Unknown indexes and fields give empty
// Hits.
func (db *DB) ExactQuery(indexName, field string, value any) (Hits, error) {
	st, err := db.snapshot()
	if err != nil {
		return Hits{}, err
	}
	str, err := index.ValueString(value)
	if err != nil {
		return Hits{}, err
	}
	db.metrics.Queries.WithLabelValues("exact").Inc()
	return db.cached("exact", st, func() Hits {
		return st.index.Exact(indexName, field, str)
	}, indexName, field, str), nil
}

// WildcardQuery returns the nodes with a value under field matching pattern.
// '*' matches any run of characters, '?' exactly one, and '\' escapes the
// next character.
//
// Example:
//
//	hits, _ := db.WildcardQuery("species", "species", "S*n")
//	// Silurian, Slitheen, Sontaran
func (db *DB) WildcardQuery(indexName, field, pattern string) (Hits, error) {
	st, err := db.snapshot()
	if err != nil {
		return Hits{}, err
	}
	db.metrics.Queries.WithLabelValues("wildcard").Inc()
	return db.cached("wildcard", st, func() Hits {
		return st.index.Wildcard(indexName, field, pattern)
	}, indexName, field, pattern), nil
}

func (db *DB) cached(kind string, st *state, query func() Hits, parts ...string) Hits {
	key := cache.Key(kind, st.version(), parts...)
	if v, ok := db.cache.Get(key); ok {
		return v.(Hits)
	}
	hits := query()
	db.cache.Put(key, hits)
	return hits
}

// IndexNames returns the names of all indexes, sorted.
func (db *DB) IndexNames() ([]string, error) {
	st, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	return st.index.Names(), nil
}

// IndexExists reports whether a named index exists.
func (db *DB) IndexExists(name string) (bool, error) {
	st, err := db.snapshot()
	if err != nil {
		return false, err
	}
	return st.index.Has(name), nil
}

// IndexConfiguration returns the configuration of a named index, or
// ErrNotFound.
func (db *DB) IndexConfiguration(name string) (IndexConfig, error) {
	st, err := db.snapshot()
	if err != nil {
		return IndexConfig{}, err
	}
	cfg, ok := st.index.Config(name)
	if !ok {
		return IndexConfig{}, fmt.Errorf("index %q: %w", name, ErrNotFound)
	}
	return cfg, nil
}

// ============================================================================
// Transactions
// ============================================================================

// Begin starts a transaction. Only one transaction is open at a time: in
// blocking mode Begin waits for the current one to finish or for ctx to end,
// in fail_fast mode it returns ErrConcurrentTransaction at once.
//
// The returned transaction must be finished with Commit or Rollback:
//
//	tx, err := db.Begin(ctx)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
//	...
//	return tx.Commit()
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}

	if db.failFast {
		if !db.writer.TryAcquire(1) {
			db.metrics.BeginRejections.WithLabelValues(config.ModeFailFast).Inc()
			return nil, ErrConcurrentTransaction
		}
	} else if err := db.writer.Acquire(ctx, 1); err != nil {
		db.metrics.BeginRejections.WithLabelValues(config.ModeBlocking).Inc()
		return nil, fmt.Errorf("%w: %w", ErrConcurrentTransaction, err)
	}

	st, err := db.snapshot()
	if err != nil {
		db.writer.Release(1)
		return nil, err
	}

	tx := newTx(db, st)
	db.metrics.TxBegun.Inc()
	db.logger.Debug("transaction started", "tx", tx.id, "version", st.version())
	return tx, nil
}

// Update runs fn in a transaction. The transaction commits if fn returns
// nil and rolls back otherwise, including when fn panics.
//
// Example:
//
//	err := db.Update(ctx, func(tx *koandb.Tx) error {
//		return tx.RemoveFromIndex("enemies", cyberleader)
//	})
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
