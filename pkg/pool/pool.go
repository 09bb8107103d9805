// Package pool provides object pooling for koandb index queries.
//
// Every exact or wildcard query collects matching nodes in a scratch map
// before ordering them, and every fulltext value is deduplicated through a
// scratch set. Reusing those maps instead of allocating new ones reduces GC
// pressure for read-heavy workloads.
//
// Pooled objects:
// - Match maps (node -> earliest entry sequence)
// - String sets (token deduplication)
//
// Usage:
//
//	matched := pool.GetMatchMap()
//	defer pool.PutMatchMap(matched)
//
//	matched[node] = seq
package pool

import (
	"sync"

	"github.com/orneryd/koandb/pkg/storage"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the number of entries a pooled object may hold when it
	// is returned; larger objects are dropped
	MaxSize int
}

var (
	configMu     sync.RWMutex
	globalConfig = PoolConfig{
		Enabled: true,
		MaxSize: 4096,
	}
)

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = config
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return current().Enabled
}

func current() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// =============================================================================
// Match Map Pool (for query results)
// =============================================================================

var matchMapPool = sync.Pool{
	New: func() any {
		return make(map[storage.NodeID]uint64, 64)
	},
}

// GetMatchMap returns an empty match map from the pool.
// Call PutMatchMap when done.
func GetMatchMap() map[storage.NodeID]uint64 {
	if !IsEnabled() {
		return make(map[storage.NodeID]uint64, 64)
	}
	return matchMapPool.Get().(map[storage.NodeID]uint64)
}

// PutMatchMap clears m and returns it to the pool. m must not be used
// afterwards.
func PutMatchMap(m map[storage.NodeID]uint64) {
	cfg := current()
	if !cfg.Enabled || m == nil {
		return
	}
	// Don't pool very large maps (memory leak prevention)
	if len(m) > cfg.MaxSize {
		return
	}
	clear(m)
	matchMapPool.Put(m)
}

// =============================================================================
// String Set Pool (for token deduplication)
// =============================================================================

var stringSetPool = sync.Pool{
	New: func() any {
		return make(map[string]struct{}, 16)
	},
}

// GetStringSet returns an empty string set from the pool.
func GetStringSet() map[string]struct{} {
	if !IsEnabled() {
		return make(map[string]struct{}, 16)
	}
	return stringSetPool.Get().(map[string]struct{})
}

// PutStringSet clears s and returns it to the pool.
func PutStringSet(s map[string]struct{}) {
	cfg := current()
	if !cfg.Enabled || s == nil {
		return
	}
	if len(s) > cfg.MaxSize {
		return
	}
	clear(s)
	stringSetPool.Put(s)
}
