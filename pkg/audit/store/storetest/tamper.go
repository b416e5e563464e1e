// Package storetest provides audit stores for tests.
package storetest

import (
	"context"
	"sync"

	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/audit/store"
)

// TamperStore is a MemoryStore whose readers can be shown edited or missing
// records, the way someone with direct database access could change them.
// Writes go to the embedded store untouched.
type TamperStore struct {
	*store.MemoryStore

	mu       sync.RWMutex
	replaced map[int64]*audit.Record
	deleted  map[int64]bool
}

// NewTamperStore creates an empty store
func NewTamperStore() *TamperStore {
	return &TamperStore{
		MemoryStore: store.NewMemoryStore(),
		replaced:    make(map[int64]*audit.Record),
		deleted:     make(map[int64]bool),
	}
}

// Replace makes readers see rec in place of the stored record with its id.
// It reports false for an unknown id.
func (s *TamperStore) Replace(rec *audit.Record) bool {
	if _, err := s.MemoryStore.Get(context.Background(), rec.ID); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted[rec.ID] {
		return false
	}
	c := *rec
	s.replaced[rec.ID] = &c
	return true
}

// Delete hides a record from readers. It reports false when the id is
// unknown or already hidden.
func (s *TamperStore) Delete(id int64) bool {
	if _, err := s.MemoryStore.Get(context.Background(), id); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted[id] {
		return false
	}
	s.deleted[id] = true
	return true
}

func (s *TamperStore) view(rec *audit.Record) (*audit.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deleted[rec.ID] {
		return nil, false
	}
	if r, ok := s.replaced[rec.ID]; ok {
		c := *r
		return &c, true
	}
	return rec, true
}

// Get implements store.Store
func (s *TamperStore) Get(ctx context.Context, id int64) (*audit.Record, error) {
	rec, err := s.MemoryStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, ok := s.view(rec)
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// Search implements store.Store. Filters apply to the original records.
func (s *TamperStore) Search(ctx context.Context, filter store.Filter) ([]*audit.Record, int64, error) {
	records, total, err := s.MemoryStore.Search(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*audit.Record, 0, len(records))
	for _, rec := range records {
		if v, ok := s.view(rec); ok {
			out = append(out, v)
		} else {
			total--
		}
	}
	return out, total, nil
}

// LastInChain implements store.Store
func (s *TamperStore) LastInChain(ctx context.Context, chainID string) (*audit.Record, error) {
	var last *audit.Record
	err := s.Chain(ctx, chainID, func(rec *audit.Record) error {
		last = rec
		return nil
	})
	return last, err
}

// Chain implements store.Store
func (s *TamperStore) Chain(ctx context.Context, chainID string, fn func(*audit.Record) error) error {
	return s.MemoryStore.Chain(ctx, chainID, func(rec *audit.Record) error {
		if v, ok := s.view(rec); ok {
			return fn(v)
		}
		return nil
	})
}

// PurgeAll implements store.Store and forgets every edit
func (s *TamperStore) PurgeAll(ctx context.Context) (int64, error) {
	n, err := s.MemoryStore.PurgeAll(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.replaced = make(map[int64]*audit.Record)
	s.deleted = make(map[int64]bool)
	s.mu.Unlock()
	return n, nil
}
