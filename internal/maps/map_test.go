package maps

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
)

const keySpace = 1024

func implementations() map[string]func() ConcurrentMap[uint64, int] {
	return map[string]func() ConcurrentMap[uint64, int]{
		"xsync": NewXSyncMap[uint64, int],
		"sync":  NewStdSyncMap[uint64, int],
	}
}

func TestConcurrentMapBasics(t *testing.T) {
	for name, newMap := range implementations() {
		t.Run(name, func(t *testing.T) {
			m := newMap()

			if _, ok := m.Load(1); ok {
				t.Fatal("Load on empty map reported a hit")
			}

			m.Store(1, 100)
			if v, ok := m.Load(1); !ok || v != 100 {
				t.Fatalf("Load(1) = %v, %v; want 100, true", v, ok)
			}

			m.Store(1, 200)
			if v, _ := m.Load(1); v != 200 {
				t.Fatalf("Store did not overwrite: got %v", v)
			}

			if v, loaded := m.LoadAndDelete(1); !loaded || v != 200 {
				t.Fatalf("LoadAndDelete(1) = %v, %v; want 200, true", v, loaded)
			}
			if _, ok := m.Load(1); ok {
				t.Fatal("key survived LoadAndDelete")
			}

			m.Delete(2) // deleting a missing key must not panic
		})
	}
}

func TestConcurrentMapLoadOrStore(t *testing.T) {
	for name, newMap := range implementations() {
		t.Run(name, func(t *testing.T) {
			m := newMap()

			v, loaded := m.LoadOrStore(7, func() int { return 70 })
			if loaded || v != 70 {
				t.Fatalf("first LoadOrStore = %v, %v; want 70, false", v, loaded)
			}
			v, loaded = m.LoadOrStore(7, func() int { return 71 })
			if !loaded || v != 70 {
				t.Fatalf("second LoadOrStore = %v, %v; want 70, true", v, loaded)
			}
		})
	}
}

func TestConcurrentMapUpdate(t *testing.T) {
	for name, newMap := range implementations() {
		t.Run(name, func(t *testing.T) {
			m := newMap()
			m.Store(5, 1)

			// Conditional delete: only if the value matches, mirroring the
			// pid-reuse-aware cleanup in the session registry.
			m.Update(5, func(v int, exists bool) (int, bool) {
				if exists && v == 2 {
					return 0, false
				}
				return v, true
			})
			if _, ok := m.Load(5); !ok {
				t.Fatal("Update deleted an entry whose value did not match")
			}

			m.Update(5, func(v int, exists bool) (int, bool) {
				if exists && v == 1 {
					return 0, false
				}
				return v, true
			})
			if _, ok := m.Load(5); ok {
				t.Fatal("Update kept an entry whose value matched the delete condition")
			}

			// Update on a missing key can create it.
			m.Update(9, func(v int, exists bool) (int, bool) {
				if exists {
					t.Fatal("exists reported true for missing key")
				}
				return 42, true
			})
			if v, _ := m.Load(9); v != 42 {
				t.Fatalf("Update insert failed: got %v", v)
			}
		})
	}
}

// The registry's reuse-aware cleanup callbacks return keep=exists so that an
// Update racing a prior removal leaves an absent key absent; keep=true on a
// missing key would plant a zero-value (nil pointer) entry.
func TestConcurrentMapConditionalDeleteOnAbsentKey(t *testing.T) {
	impls := map[string]func() ConcurrentMap[uint64, *int]{
		"xsync": NewXSyncMap[uint64, *int],
		"sync":  NewStdSyncMap[uint64, *int],
	}
	for name, newMap := range impls {
		t.Run(name, func(t *testing.T) {
			m := newMap()
			stale := new(int)

			m.Update(3, func(cur *int, exists bool) (*int, bool) {
				if exists && cur == stale {
					return nil, false
				}
				return cur, exists
			})

			if v, ok := m.Load(3); ok {
				t.Fatalf("absent key materialized by conditional delete: %v", v)
			}
			var entries int
			m.Range(func(uint64, *int) bool {
				entries++
				return true
			})
			if entries != 0 {
				t.Fatalf("map should stay empty; has %d entries", entries)
			}
		})
	}
}

func TestConcurrentMapRange(t *testing.T) {
	for name, newMap := range implementations() {
		t.Run(name, func(t *testing.T) {
			m := newMap()
			for i := uint64(0); i < 10; i++ {
				m.Store(i, int(i))
			}
			seen := make(map[uint64]bool)
			m.Range(func(k uint64, v int) bool {
				seen[k] = true
				return true
			})
			if len(seen) != 10 {
				t.Fatalf("Range visited %d keys; want 10", len(seen))
			}

			var visited int
			m.Range(func(k uint64, v int) bool {
				visited++
				return false
			})
			if visited != 1 {
				t.Fatalf("Range ignored early stop: visited %d", visited)
			}
		})
	}
}

func TestConcurrentMapParallel(t *testing.T) {
	for name, newMap := range implementations() {
		if name == "sync" {
			continue // Update is documented as non-atomic for the fallback.
		}
		t.Run(name, func(t *testing.T) {
			m := newMap()
			var wg sync.WaitGroup
			var stored atomic.Int64

			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					r := rand.New(rand.NewSource(seed))
					for i := 0; i < 10000; i++ {
						k := uint64(r.Intn(keySpace))
						switch r.Intn(3) {
						case 0:
							m.Store(k, int(k))
							stored.Add(1)
						case 1:
							if v, ok := m.Load(k); ok && v != int(k) {
								t.Errorf("Load(%d) returned foreign value %d", k, v)
								return
							}
						case 2:
							m.Delete(k)
						}
					}
				}(int64(g))
			}
			wg.Wait()
		})
	}
}
