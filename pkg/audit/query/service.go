package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/audit/export"
	"github.com/platinummonkey/auditledger/pkg/audit/integrity"
	"github.com/platinummonkey/auditledger/pkg/audit/store"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/auditledger/pkg/audit/query")

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
	// MaxExportRows caps a single export
	MaxExportRows = 100000
)

// ErrNoVerifier is returned by Verify when no signing key is configured
var ErrNoVerifier = errors.New("chain verification requires a signing key")

// Criteria are conjunctive search filters. Empty fields are ignored.
type Criteria struct {
	Actor       string
	ModuleKey   string
	Kinds       []audit.OperationKind
	Result      audit.Result
	TargetTable string
	TargetID    string
	ClientIP    string
	Keyword     string
	ChainID     string
	Start       *time.Time
	End         *time.Time
}

// Validate rejects unknown enum values and inverted time ranges
func (c Criteria) Validate() error {
	for _, k := range c.Kinds {
		if !k.Valid() {
			return &audit.ValidationError{Field: "operation_kind", Reason: fmt.Sprintf("%q is not a known kind", k)}
		}
	}
	if c.Result != "" && !c.Result.Valid() {
		return &audit.ValidationError{Field: "result", Reason: fmt.Sprintf("%q is not a known result", c.Result)}
	}
	if c.Start != nil && c.End != nil && c.Start.After(*c.End) {
		return &audit.ValidationError{Field: "time_range", Reason: "start is after end"}
	}
	return nil
}

func (c Criteria) filter() store.Filter {
	return store.Filter{
		Actor:       strings.TrimSpace(c.Actor),
		ModuleKey:   strings.TrimSpace(c.ModuleKey),
		Kinds:       c.Kinds,
		Result:      c.Result,
		TargetTable: strings.TrimSpace(c.TargetTable),
		TargetID:    strings.TrimSpace(c.TargetID),
		ClientIP:    strings.TrimSpace(c.ClientIP),
		Keyword:     strings.TrimSpace(c.Keyword),
		ChainID:     strings.TrimSpace(c.ChainID),
		Start:       c.Start,
		End:         c.End,
	}
}

// PageRequest selects a 1-based page
type PageRequest struct {
	Page int
	Size int
}

func (p PageRequest) normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Page is one page of search results, newest first
type Page struct {
	Items []*audit.Record `json:"items"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
	Pages int             `json:"pages"`
}

// Archiver receives every record of a chain before a purge
type Archiver interface {
	Archive(ctx context.Context, chainID string, records []*audit.Record) error
}

// WriteBarrier runs a purge with every chain writer held off, then resets
// the writers' cached chain heads. *recorder.Recorder implements it.
type WriteBarrier interface {
	Exclusive(ctx context.Context, fn func(context.Context) error) error
}

// Service is the read side of the ledger
type Service struct {
	store         store.Store
	verifier      *integrity.Verifier
	archiver      Archiver
	barrier       WriteBarrier
	logger        *observability.Logger
	metrics       *observability.Metrics
	parallelism   int
	maxExportRows int
}

// Option configures a Service
type Option func(*Service)

// WithVerifier enables Verify
func WithVerifier(v *integrity.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithArchiver copies records out before PurgeAll deletes them
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithWriteBarrier serializes PurgeAll against the recorder writing into
// the same store
func WithWriteBarrier(b WriteBarrier) Option {
	return func(s *Service) { s.barrier = b }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithParallelism bounds concurrent chain verification in VerifyAll
func WithParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithMaxExportRows overrides MaxExportRows
func WithMaxExportRows(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxExportRows = n
		}
	}
}

// NewService creates a query service over st
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:         st,
		logger:        observability.NewNopLogger(),
		parallelism:   4,
		maxExportRows: MaxExportRows,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "query")
	return s
}

// Search returns one page of matching records sorted by occurrence time,
// newest first
func (s *Service) Search(ctx context.Context, c Criteria, p PageRequest) (_ *Page, err error) {
	ctx, span := tracer.Start(ctx, "audit.Search")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	p = p.normalize()

	f := c.filter()
	f.Limit = p.Size
	f.Offset = (p.Page - 1) * p.Size

	items, total, err := s.store.Search(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit records: %w", err)
	}
	span.SetAttributes(attribute.Int64("audit.total", total))

	pages := int((total + int64(p.Size) - 1) / int64(p.Size))
	return &Page{Items: items, Total: total, Page: p.Page, Size: p.Size, Pages: pages}, nil
}

// Get returns one record
func (s *Service) Get(ctx context.Context, id int64) (*audit.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get audit record %d: %w", id, err)
	}
	return rec, nil
}

// Stats aggregates records in the optional time range
func (s *Service) Stats(ctx context.Context, start, end *time.Time) (*store.Stats, error) {
	if start != nil && end != nil && start.After(*end) {
		return nil, &audit.ValidationError{Field: "time_range", Reason: "start is after end"}
	}
	stats, err := s.store.Stats(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to compute audit stats: %w", err)
	}
	return stats, nil
}

// Export writes every matching record to w in format f, page by page. Pages
// continue from the last record written, so records appended during the
// export neither repeat nor displace rows. It returns the number of records
// written.
func (s *Service) Export(ctx context.Context, c Criteria, f export.Format, w io.Writer) (int, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	out, err := export.NewWriter(f, w)
	if err != nil {
		return 0, err
	}

	filter := c.filter()
	filter.Limit = MaxPageSize
	written := 0
	for written < s.maxExportRows {
		if remaining := s.maxExportRows - written; remaining < filter.Limit {
			filter.Limit = remaining
		}
		items, _, err := s.store.Search(ctx, filter)
		if err != nil {
			return written, fmt.Errorf("failed to read export page: %w", err)
		}
		for _, rec := range items {
			if err := out.Write(rec); err != nil {
				return written, err
			}
			written++
		}
		if len(items) < filter.Limit {
			break
		}
		filter.Before = store.CursorAfter(items[len(items)-1])
	}
	return written, out.Close()
}

// PurgeAll deletes every record and returns how many were deleted. With an
// archiver attached every chain is archived first and any archive failure
// aborts the purge. Archive, delete and chain reset run inside the write
// barrier, so no record lands between them.
func (s *Service) PurgeAll(ctx context.Context) (n int64, err error) {
	ctx, span := tracer.Start(ctx, "audit.PurgeAll")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	purge := func(ctx context.Context) error {
		if s.archiver != nil {
			if err := s.archiveAll(ctx); err != nil {
				return fmt.Errorf("purge aborted: %w", err)
			}
		}
		deleted, err := s.store.PurgeAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to purge audit records: %w", err)
		}
		n = deleted
		return nil
	}
	if s.barrier != nil {
		err = s.barrier.Exclusive(ctx, purge)
	} else {
		err = purge(ctx)
	}
	if err != nil {
		return 0, err
	}

	s.metrics.ObservePurge(n)
	s.logger.WithField("purged", n).Warn("audit records purged")
	return n, nil
}

func (s *Service) archiveAll(ctx context.Context) error {
	chains, err := s.store.Chains(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chains: %w", err)
	}
	for _, chainID := range chains {
		var records []*audit.Record
		err := s.store.Chain(ctx, chainID, func(rec *audit.Record) error {
			records = append(records, rec)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read chain %s: %w", chainID, err)
		}
		if err := s.archiver.Archive(ctx, chainID, records); err != nil {
			return fmt.Errorf("failed to archive chain %s: %w", chainID, err)
		}
		s.logger.WithFields(map[string]any{"chain_id": chainID, "records": len(records)}).Info("chain archived")
	}
	return nil
}

// Verify recomputes one chain from its first record
func (s *Service) Verify(ctx context.Context, chainID string) (*integrity.Report, error) {
	if s.verifier == nil {
		return nil, ErrNoVerifier
	}
	ctx, span := tracer.Start(ctx, "audit.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("audit.chain", chainID))

	pass := s.verifier.Begin(chainID)
	err := s.store.Chain(ctx, chainID, func(rec *audit.Record) error {
		pass.Add(rec)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read chain %s: %w", chainID, err)
	}

	report := pass.Report()
	for _, f := range report.Findings {
		s.metrics.ObserveFinding(string(f.Kind))
	}
	if !report.OK() {
		s.logger.WithFields(map[string]any{
			"chain_id":  chainID,
			"findings":  len(report.Findings),
			"first_bad": report.FirstBadIndex(),
		}).Error("audit chain failed verification")
	}
	span.SetAttributes(attribute.Int("audit.findings", len(report.Findings)))
	return report, nil
}

// VerifyAll verifies every chain concurrently. Reports are returned in the
// order the store lists the chains.
func (s *Service) VerifyAll(ctx context.Context) ([]*integrity.Report, error) {
	if s.verifier == nil {
		return nil, ErrNoVerifier
	}
	chains, err := s.store.Chains(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}

	reports := make([]*integrity.Report, len(chains))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, chainID := range chains {
		g.Go(func() error {
			report, err := s.Verify(gctx, chainID)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
