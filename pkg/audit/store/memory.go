package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// MemoryStore keeps records in process. It backs tests and single-node
// deployments that ship records downstream instead of keeping them.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*audit.Record
	nextID  int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Append stores a copy of rec and assigns its ID
func (s *MemoryStore) Append(_ context.Context, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	s.nextID++
	s.records = append(s.records, cloneRecord(rec))
	return nil
}

// Get retrieves a record by id
func (s *MemoryStore) Get(_ context.Context, id int64) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.ID == id {
			return cloneRecord(rec), nil
		}
	}
	return nil, ErrNotFound
}

// Search filters in memory with the same semantics as SQLStore
func (s *MemoryStore) Search(_ context.Context, filter Filter) ([]*audit.Record, int64, error) {
	s.mu.RLock()
	matched := make([]*audit.Record, 0)
	for _, rec := range s.records {
		if matches(rec, filter) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.After(b.OccurredAt)
		}
		return a.ID > b.ID
	})

	total := int64(len(matched))
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = matched[:0]
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*audit.Record, len(matched))
	for i, rec := range matched {
		out[i] = cloneRecord(rec)
	}
	return out, total, nil
}

// PurgeAll drops every record and returns the prior count
func (s *MemoryStore) PurgeAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.records))
	s.records = nil
	return n, nil
}

// LastInChain returns the newest record of chainID or nil
func (s *MemoryStore) LastInChain(_ context.Context, chainID string) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ChainID == chainID {
			return cloneRecord(s.records[i]), nil
		}
	}
	return nil, nil
}

// Chain calls fn for each record of chainID in append order
func (s *MemoryStore) Chain(ctx context.Context, chainID string, fn func(*audit.Record) error) error {
	s.mu.RLock()
	chain := make([]*audit.Record, 0)
	for _, rec := range s.records {
		if rec.ChainID == chainID {
			chain = append(chain, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()

	for _, rec := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Chains lists chain ids in sorted order
func (s *MemoryStore) Chains(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	chains := []string{}
	for _, rec := range s.records {
		if _, ok := seen[rec.ChainID]; !ok {
			seen[rec.ChainID] = struct{}{}
			chains = append(chains, rec.ChainID)
		}
	}
	sort.Strings(chains)
	return chains, nil
}

// Stats aggregates records in the optional time range
func (s *MemoryStore) Stats(_ context.Context, start, end *time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newStats()
	f := Filter{Start: start, End: end}
	for _, rec := range s.records {
		if !matches(rec, f) {
			continue
		}
		stats.Total++
		stats.ByResult[rec.Result]++
		stats.ByModule[rec.ModuleKey]++
		stats.ByKind[rec.OperationKind]++
	}
	return stats, nil
}

func matches(rec *audit.Record, f Filter) bool {
	if f.Actor != "" && rec.ActorID != f.Actor && !containsFold(rec.ActorName, f.Actor) {
		return false
	}
	if f.ModuleKey != "" && rec.ModuleKey != f.ModuleKey {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if rec.OperationKind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Result != "" && rec.Result != f.Result {
		return false
	}
	if f.TargetTable != "" || f.TargetID != "" {
		found := false
		for _, t := range rec.Targets {
			if (f.TargetTable == "" || strings.EqualFold(t.Table, f.TargetTable)) &&
				(f.TargetID == "" || t.ID == f.TargetID) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ClientIP != "" && !containsFold(rec.ClientIP, f.ClientIP) {
		return false
	}
	if f.Keyword != "" && !containsFold(rec.Summary, f.Keyword) &&
		!containsFold(rec.OperationName, f.Keyword) && !containsFold(rec.RequestURI, f.Keyword) {
		return false
	}
	if f.ChainID != "" && rec.ChainID != f.ChainID {
		return false
	}
	if f.Start != nil && rec.OccurredAt.Before(*f.Start) {
		return false
	}
	if f.End != nil && rec.OccurredAt.After(*f.End) {
		return false
	}
	if f.Before != nil {
		if rec.OccurredAt.After(f.Before.OccurredAt) {
			return false
		}
		if rec.OccurredAt.Equal(f.Before.OccurredAt) && rec.ID >= f.Before.ID {
			return false
		}
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func cloneRecord(rec *audit.Record) *audit.Record {
	c := *rec
	c.ActorRoles = append([]string(nil), rec.ActorRoles...)
	c.Targets = append([]audit.Target(nil), rec.Targets...)
	c.Details = append([]audit.Detail(nil), rec.Details...)
	c.EncryptedPayload = append([]byte(nil), rec.EncryptedPayload...)
	c.PayloadIV = append([]byte(nil), rec.PayloadIV...)
	if len(c.EncryptedPayload) == 0 {
		c.EncryptedPayload = nil
	}
	if len(c.PayloadIV) == 0 {
		c.PayloadIV = nil
	}
	if rec.Metadata != nil {
		c.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			c.Metadata[k] = v
		}
	}
	if rec.ExtraAttributes != nil {
		c.ExtraAttributes = make(map[string]string, len(rec.ExtraAttributes))
		for k, v := range rec.ExtraAttributes {
			c.ExtraAttributes[k] = v
		}
	}
	return &c
}
