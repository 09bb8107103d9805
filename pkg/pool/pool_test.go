package pool

import (
	"sync"
	"testing"

	"github.com/orneryd/koandb/pkg/storage"
)

// =============================================================================
// Configuration Tests
// =============================================================================

func TestConfigure(t *testing.T) {
	// Save original config
	origConfig := current()
	defer func() {
		Configure(origConfig)
	}()

	t.Run("enable pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxSize: 500})

		if !IsEnabled() {
			t.Error("IsEnabled() = false, want true")
		}
		if current().MaxSize != 500 {
			t.Errorf("MaxSize = %d, want 500", current().MaxSize)
		}
	})

	t.Run("disable pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: false, MaxSize: 1000})

		if IsEnabled() {
			t.Error("IsEnabled() = true, want false")
		}
		m := GetMatchMap()
		if m == nil || len(m) != 0 {
			t.Errorf("disabled pool should still return an empty map, got %v", m)
		}
		PutMatchMap(m) // Should not panic
	})
}

// =============================================================================
// Match Map Pool Tests
// =============================================================================

func TestMatchMapPool(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	t.Run("get returns empty map", func(t *testing.T) {
		m := GetMatchMap()
		if len(m) != 0 {
			t.Errorf("len = %d, want 0", len(m))
		}
		PutMatchMap(m)
	})

	t.Run("map is cleared on put", func(t *testing.T) {
		m := GetMatchMap()
		m[storage.NodeID(1)] = 10
		m[storage.NodeID(2)] = 20
		PutMatchMap(m)

		m2 := GetMatchMap()
		if len(m2) != 0 {
			t.Errorf("reused map len = %d, want 0", len(m2))
		}
		PutMatchMap(m2)
	})

	t.Run("nil put does not panic", func(t *testing.T) {
		PutMatchMap(nil)
	})

	t.Run("oversized map not pooled", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxSize: 10})
		defer Configure(PoolConfig{Enabled: true, MaxSize: 1000})

		m := GetMatchMap()
		for i := 0; i < 20; i++ {
			m[storage.NodeID(i+1)] = uint64(i)
		}
		PutMatchMap(m) // Should not panic, just not pool it
	})
}

// =============================================================================
// String Set Pool Tests
// =============================================================================

func TestStringSetPool(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	s := GetStringSet()
	s["sontaran"] = struct{}{}
	PutStringSet(s)

	s2 := GetStringSet()
	if len(s2) != 0 {
		t.Errorf("reused set len = %d, want 0", len(s2))
	}
	PutStringSet(s2)
	PutStringSet(nil)
}

// =============================================================================
// Concurrent Access Tests
// =============================================================================

func TestConcurrentPoolAccess(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	const goroutines = 100
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m := GetMatchMap()
				m[storage.NodeID(id+1)] = uint64(j)
				if len(m) != 1 {
					t.Errorf("map shared between goroutines: len = %d", len(m))
				}
				PutMatchMap(m)
			}
		}(i)
	}

	wg.Wait()
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkMatchMapPool(b *testing.B) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1000})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := GetMatchMap()
		m[storage.NodeID(i+1)] = uint64(i)
		PutMatchMap(m)
	}
}

func BenchmarkMatchMapAlloc(b *testing.B) {
	for i := 0; i < b.N; i++ {
		m := make(map[storage.NodeID]uint64, 64)
		m[storage.NodeID(i+1)] = uint64(i)
	}
}
