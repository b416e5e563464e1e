package dedup

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// Gate decides whether a record is a near-duplicate read event that should
// not be persisted. Only QUERY records are ever suppressed.
type Gate interface {
	Check(ctx context.Context, rec *audit.Record) (suppress bool, err error)
	// Release forgets the fingerprint rec claimed in Check. The recorder
	// calls it when the record could not be persisted.
	Release(ctx context.Context, rec *audit.Record) error
}

// Config tunes a gate
type Config struct {
	// Window is the interval within which identical reads collapse
	Window time.Duration
	// MaxEntries bounds the table. Once full, expired entries are dropped
	// first and then the oldest ones.
	MaxEntries int
	// Retention is the age beyond which entries count as expired
	Retention time.Duration
	// Fields selects the fingerprint
	Fields []Field
}

// DefaultConfig returns a 2s window, 4096 entry cap and one minute retention
func DefaultConfig() Config {
	return Config{
		Window:     2 * time.Second,
		MaxEntries: 4096,
		Retention:  time.Minute,
		Fields:     append([]Field(nil), DefaultFields...),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.Retention < c.Window {
		c.Retention = d.Retention
		if c.Retention < c.Window {
			c.Retention = c.Window
		}
	}
	if len(c.Fields) == 0 {
		c.Fields = d.Fields
	}
	return c
}

// MemoryGate is an in-process gate keyed by fingerprint. Timestamps come
// from the candidate record, never the wall clock.
type MemoryGate struct {
	cfg Config
	// mu makes lookup and insert one step; the cache is only touched under it
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
}

// NewMemoryGate creates an in-process gate
func NewMemoryGate(cfg Config) *MemoryGate {
	cfg = cfg.withDefaults()
	// only fails for a non-positive size
	entries, _ := lru.New[string, time.Time](cfg.MaxEntries)
	return &MemoryGate{cfg: cfg, entries: entries}
}

// Check implements Gate. A suppressed candidate does not refresh the stored
// timestamp, so a steady stream of reads still yields one record per window.
func (g *MemoryGate) Check(_ context.Context, rec *audit.Record) (bool, error) {
	if rec.OperationKind != audit.KindQuery {
		return false, nil
	}
	key := Fingerprint(rec, g.cfg.Fields)
	at := rec.OccurredAt

	g.mu.Lock()
	defer g.mu.Unlock()

	if prior, ok := g.entries.Peek(key); ok && within(prior, at, g.cfg.Window) {
		return true, nil
	}

	if g.entries.Len() >= g.cfg.MaxEntries {
		g.prune(at)
	}
	// a full cache evicts its least recently stored entry
	g.entries.Add(key, at)
	return false, nil
}

// Release implements Gate. The entry is only dropped while it still holds
// rec's timestamp, so a newer claim on the same fingerprint survives.
func (g *MemoryGate) Release(_ context.Context, rec *audit.Record) error {
	if rec.OperationKind != audit.KindQuery {
		return nil
	}
	key := Fingerprint(rec, g.cfg.Fields)

	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.entries.Peek(key); ok && at.Equal(rec.OccurredAt) {
		g.entries.Remove(key)
	}
	return nil
}

// Len returns the number of tracked fingerprints
func (g *MemoryGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entries.Len()
}

// prune drops expired entries from the old end of the cache
func (g *MemoryGate) prune(now time.Time) {
	cutoff := now.Add(-g.cfg.Retention)
	for {
		_, at, ok := g.entries.GetOldest()
		if !ok || !at.Before(cutoff) {
			return
		}
		g.entries.RemoveOldest()
	}
}

func within(a, b time.Time, window time.Duration) bool {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// Nop never suppresses
type Nop struct{}

// Check implements Gate
func (Nop) Check(context.Context, *audit.Record) (bool, error) { return false, nil }

// Release implements Gate
func (Nop) Release(context.Context, *audit.Record) error { return nil }
