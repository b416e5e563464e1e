package store

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// ErrNotFound is returned by Get for an unknown id
var ErrNotFound = errors.New("audit record not found")

// Filter selects records. All set fields must match.
type Filter struct {
	// Actor matches the exact actor id or a case-insensitive substring of
	// the actor name
	Actor       string
	ModuleKey   string
	Kinds       []audit.OperationKind
	Result      audit.Result
	TargetTable string
	TargetID    string
	// ClientIP is a substring match
	ClientIP string
	// Keyword searches summary, operation name and request uri
	Keyword string
	ChainID string
	Start   *time.Time
	End     *time.Time
	// Before keeps only records that sort after the cursor in newest-first
	// order. Pages read this way don't shift when new records arrive.
	Before *Cursor

	Limit  int
	Offset int
}

// Cursor is a position in the newest-first (occurred_at, id) ordering
type Cursor struct {
	OccurredAt time.Time
	ID         int64
}

// CursorAfter returns the cursor that continues a page ending at rec
func CursorAfter(rec *audit.Record) *Cursor {
	return &Cursor{OccurredAt: rec.OccurredAt, ID: rec.ID}
}

// Stats summarizes records in a time range
type Stats struct {
	Total    int64                         `json:"total"`
	ByResult map[audit.Result]int64        `json:"by_result"`
	ByModule map[string]int64              `json:"by_module"`
	ByKind   map[audit.OperationKind]int64 `json:"by_kind"`
}

func newStats() *Stats {
	return &Stats{
		ByResult: make(map[audit.Result]int64),
		ByModule: make(map[string]int64),
		ByKind:   make(map[audit.OperationKind]int64),
	}
}

// Store is the persistence collaborator for audit records. Records are
// append-only; PurgeAll is the only bulk mutation.
type Store interface {
	// Append persists rec and assigns its ID
	Append(ctx context.Context, rec *audit.Record) error

	// Get retrieves a record by id
	Get(ctx context.Context, id int64) (*audit.Record, error)

	// Search returns the matching page, newest first, and the total match count
	Search(ctx context.Context, filter Filter) ([]*audit.Record, int64, error)

	// PurgeAll deletes every record and returns how many it deleted
	PurgeAll(ctx context.Context) (int64, error)

	// LastInChain returns the most recent record of a chain, or nil
	LastInChain(ctx context.Context, chainID string) (*audit.Record, error)

	// Chain calls fn for every record of a chain in append order
	Chain(ctx context.Context, chainID string, fn func(*audit.Record) error) error

	// Chains lists the known chain ids
	Chains(ctx context.Context) ([]string, error)

	// Stats aggregates records in the optional time range
	Stats(ctx context.Context, start, end *time.Time) (*Stats, error)
}
