// Package watermark keeps the per-entity high-water marks that make the sync
// incremental, and reconciles them against what the warehouse actually holds.
//
// A Store is an in-memory map loaded from and saved to a Backend. Loading
// never fails the run: a missing, unreadable or corrupt document degrades to
// an empty state, which in turn makes every entity resync from zero (or from
// the warehouse maximum after RefreshFromWarehouse).
package watermark

import (
	"context"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"

	"odooetl/internal/metrics"
	"odooetl/internal/storage"
)

// Backend persists the whole watermark document.
type Backend interface {
	// Load returns the stored document. A document that was never saved
	// is an empty map and no error.
	Load(ctx context.Context) (map[string]int64, error)
	// Save replaces the stored document with m.
	Save(ctx context.Context, m map[string]int64) error
	// Describe names the backend in logs, e.g. "file:db_vars.json".
	Describe() string
}

// Tracked declares a watermark that can be recomputed from the warehouse as
// the maximum of Table.Column. With a Prefix only ids of the form
// <Prefix><digits> count.
type Tracked struct {
	Key    string
	Table  string
	Column string
	Prefix string
}

// MaxKeyer computes the maximum stored id for a tracked watermark.
type MaxKeyer interface {
	MaxID(ctx context.Context, table, column, prefix string) (int64, error)
}

// WarehouseMax adapts a storage.Warehouse to MaxKeyer.
type WarehouseMax struct {
	W storage.Warehouse
}

func (m WarehouseMax) MaxID(ctx context.Context, table, column, prefix string) (int64, error) {
	return storage.MaxID(ctx, m.W, table, column, prefix)
}

// Store is the in-memory watermark state.
type Store struct {
	backend Backend

	mu     sync.Mutex
	values map[string]int64
}

// New returns an empty Store persisted through backend.
func New(backend Backend) *Store {
	return &Store{backend: backend, values: map[string]int64{}}
}

// Load replaces the in-memory state with the backend's document. Errors are
// logged and leave the store empty.
func (s *Store) Load(ctx context.Context) {
	m, err := s.backend.Load(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		log.Printf("watermark: WARNING load from %s failed, starting empty: %v", s.backend.Describe(), err)
		s.values = map[string]int64{}
		return
	}
	if m == nil {
		m = map[string]int64{}
	}
	s.values = m
	log.Printf("watermark: loaded %d keys from %s", len(m), s.backend.Describe())
}

// Get returns the watermark for key, or def when unset.
func (s *Store) Get(key string, def int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// Set assigns key.
func (s *Store) Set(key string, v int64) {
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
}

// Update assigns every key in m.
func (s *Store) Update(m map[string]int64) {
	s.mu.Lock()
	maps.Copy(s.values, m)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// Keys returns the set keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.values))
}

// Save writes the full state to the backend and publishes each value as a
// gauge.
func (s *Store) Save(ctx context.Context) error {
	snap := s.Snapshot()
	if err := s.backend.Save(ctx, snap); err != nil {
		return fmt.Errorf("watermark: save to %s: %w", s.backend.Describe(), err)
	}
	for _, k := range slices.Sorted(maps.Keys(snap)) {
		metrics.SetWatermark(k, snap[k])
	}
	log.Printf("watermark: saved %d keys to %s", len(snap), s.backend.Describe())
	return nil
}

// RefreshFromWarehouse recomputes every tracked key from the warehouse. A
// lower value than the cached one is accepted (rows were deleted). A failed
// query keeps the cached value. It returns the number of keys refreshed.
func (s *Store) RefreshFromWarehouse(ctx context.Context, mk MaxKeyer, tracked []Tracked) int {
	refreshed := 0
	for _, t := range tracked {
		v, err := mk.MaxID(ctx, t.Table, t.Column, t.Prefix)
		if err != nil {
			log.Printf("watermark: WARNING refresh key=%s from %s.%s failed, keeping %d: %v",
				t.Key, t.Table, t.Column, s.Get(t.Key, 0), err)
			continue
		}
		s.mu.Lock()
		old, had := s.values[t.Key]
		s.values[t.Key] = v
		s.mu.Unlock()
		switch {
		case had && v < old:
			log.Printf("watermark: key=%s decreased %d -> %d (rows removed from %s)", t.Key, old, v, t.Table)
		case !had || v != old:
			log.Printf("watermark: key=%s %d -> %d", t.Key, old, v)
		}
		refreshed++
	}
	return refreshed
}
