package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/audit/catalog"
	"github.com/platinummonkey/auditledger/pkg/audit/dedup"
	"github.com/platinummonkey/auditledger/pkg/audit/forward"
	"github.com/platinummonkey/auditledger/pkg/audit/integrity"
	"github.com/platinummonkey/auditledger/pkg/audit/rules"
	"github.com/platinummonkey/auditledger/pkg/audit/store"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/auditledger/pkg/audit/recorder")

// Classifier gives an advisory classification for a request. *rules.Engine
// implements it.
type Classifier interface {
	Resolve(ev rules.Event) (rules.Descriptor, bool)
}

// chainState is the cached head of one chain. mu is held from reading the
// head until the new head is stored.
type chainState struct {
	mu        sync.Mutex
	loaded    bool
	signature string
	at        time.Time
}

// Recorder turns drafts into persisted, signed audit records
type Recorder struct {
	store      store.Store
	catalog    *catalog.Catalog
	gate       dedup.Gate
	classifier Classifier
	signer     *integrity.Signer
	cipher     *integrity.Cipher
	plaintext  bool
	forwarder  *forward.Async
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	source     string

	// writeMu is held shared by every append and exclusively by Exclusive
	writeMu  sync.RWMutex
	chainsMu sync.Mutex
	chains   map[string]*chainState
}

// Option configures a Recorder
type Option func(*Recorder)

// WithCatalog sets the action catalog (catalog.Default when unset)
func WithCatalog(c *catalog.Catalog) Option {
	return func(r *Recorder) {
		if c != nil {
			r.catalog = c
		}
	}
}

// WithGate sets the read deduplication gate (none when unset)
func WithGate(g dedup.Gate) Option {
	return func(r *Recorder) {
		if g != nil {
			r.gate = g
		}
	}
}

// WithClassifier attaches the rule engine used for advisory classification
func WithClassifier(c Classifier) Option {
	return func(r *Recorder) { r.classifier = c }
}

// WithForwarder delivers every persisted record to f in the background
func WithForwarder(f forward.Forwarder, cfg forward.AsyncConfig) Option {
	return func(r *Recorder) {
		if f != nil {
			r.forwarder = forward.NewAsync(f, cfg, r.logger, r.metrics)
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSourceSystem sets the default source system, which also names the
// default chain
func WithSourceSystem(source string) Option {
	return func(r *Recorder) { r.source = source }
}

// New creates a recorder. keys must carry a signer unless plaintext mode was
// chosen explicitly. Options are applied in order, so WithLogger and
// WithMetrics should precede WithForwarder.
func New(st store.Store, keys *integrity.Keys, opts ...Option) (*Recorder, error) {
	if st == nil {
		return nil, errors.New("audit store is required")
	}
	if keys == nil {
		return nil, integrity.ErrMissingKey
	}
	if keys.Signer == nil && !keys.Plaintext {
		return nil, integrity.ErrMissingKey
	}

	r := &Recorder{
		store:     st,
		catalog:   catalog.Default,
		gate:      dedup.Nop{},
		signer:    keys.Signer,
		cipher:    keys.Cipher,
		plaintext: keys.Signer == nil,
		logger:    observability.NewNopLogger(),
		now:       time.Now,
		chains:    make(map[string]*chainState),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("component", "recorder")

	if r.plaintext {
		r.logger.Warn("INTEGRITY DISABLED: audit records will be stored unsigned and cannot be verified")
	}
	return r, nil
}

// Record validates, deduplicates, signs and persists a draft. A read event
// collapsed by the dedup gate returns (nil, nil).
func (r *Recorder) Record(ctx context.Context, d audit.Draft) (*audit.Record, error) {
	rec, err := r.RecordOrSuppressed(ctx, d)
	if errors.Is(err, audit.ErrSuppressed) {
		return nil, nil
	}
	return rec, err
}

// RecordOnce records d unless its scope was already audited
func (r *Recorder) RecordOnce(ctx context.Context, d audit.Draft) (*audit.Record, error) {
	if d.Scope.Audited() {
		return nil, nil
	}
	return r.Record(ctx, d)
}

// RecordOrSuppressed is Record but reports suppression as audit.ErrSuppressed
func (r *Recorder) RecordOrSuppressed(ctx context.Context, d audit.Draft) (rec *audit.Record, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "audit.Record")
	defer func() {
		if err != nil && !errors.Is(err, audit.ErrSuppressed) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	candidate, allowEmpty := r.merge(d)
	rec, err = audit.NewRecord(candidate, allowEmpty)
	if err != nil {
		var verr *audit.ValidationError
		if errors.As(err, &verr) {
			r.metrics.ObserveRejected(verr.Field)
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.String("audit.module", rec.ModuleKey),
		attribute.String("audit.kind", string(rec.OperationKind)),
		attribute.String("audit.chain", rec.ChainID),
	)

	// validated: from here on the caller cannot cancel
	ctx = context.WithoutCancel(ctx)
	log := r.logger.WithContext(ctx)

	suppress, gateErr := r.gate.Check(ctx, rec)
	if gateErr != nil {
		r.metrics.ObserveDedupError()
		log.WithError(gateErr).Warn("dedup gate failed, recording anyway")
	}
	if suppress {
		r.metrics.ObserveSuppressed(rec.ModuleKey, time.Since(start))
		return nil, audit.ErrSuppressed
	}
	claim := *rec

	if err := r.appendToChain(ctx, rec); err != nil {
		log.WithError(err).WithField("chain_id", rec.ChainID).Error("failed to persist audit record")
		// a retry of the same read must not be collapsed into a record that
		// was never written
		if gateErr == nil {
			if relErr := r.gate.Release(ctx, &claim); relErr != nil {
				log.WithError(relErr).Warn("failed to release dedup fingerprint")
			}
		}
		return nil, err
	}

	d.Scope.MarkAudited()
	r.metrics.ObserveRecord(rec.ModuleKey, string(rec.OperationKind), string(rec.Result), time.Since(start))
	span.SetAttributes(attribute.Int64("audit.record_id", rec.ID))

	if r.forwarder != nil {
		r.forwarder.Submit(forwardCopy(rec))
	}
	return rec, nil
}

// merge applies draft > catalog > rule engine precedence and returns the
// candidate record with its resolved empty-target allowance
func (r *Recorder) merge(d audit.Draft) (audit.Record, bool) {
	desc, _ := r.catalog.Resolve(d.ActionCode)

	rec := audit.Record{
		OccurredAt:       d.OccurredAt,
		SourceSystem:     first(d.SourceSystem, r.source),
		ChainID:          d.ChainID,
		ActorID:          d.Actor.ID,
		ActorName:        d.Actor.Name,
		ActorRoles:       d.Actor.Roles,
		ModuleKey:        first(d.ModuleKey, desc.ModuleKey),
		ModuleName:       first(d.ModuleName, desc.ModuleName),
		ActionCode:       d.ActionCode,
		OperationCode:    first(d.OperationCode, desc.OperationCode),
		OperationName:    first(d.OperationName, desc.OperationName),
		OperationKind:    d.OperationKind,
		Result:           d.Result,
		Summary:          d.Summary,
		ChangeRequestRef: d.ChangeRequestRef,
		ClientIP:         d.Client.IP,
		ClientAgent:      d.Client.Agent,
		RequestURI:       d.Client.RequestURI,
		HTTPMethod:       d.Client.HTTPMethod,
		Metadata:         d.Metadata,
		ExtraAttributes:  d.ExtraAttributes,
		Targets:          d.Targets,
		Details:          d.Details,
	}
	if rec.OperationKind == "" {
		rec.OperationKind = desc.OperationKind
	}
	if len(rec.Targets) == 0 {
		rec.Targets = d.Scope.Targets()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = r.now()
	}

	if r.classifier != nil && (rec.ModuleName == "" || rec.OperationKind == "") && rec.RequestURI != "" {
		if hint, ok := r.classifier.Resolve(rules.Event{
			Method: rec.HTTPMethod,
			Path:   rec.RequestURI,
			Status: d.Client.StatusCode,
		}); ok {
			rec.ModuleName = first(rec.ModuleName, hint.ModuleName)
			if rec.OperationKind == "" {
				rec.OperationKind = hint.OperationKind
			}
			rec.Summary = first(rec.Summary, hint.Summary)
		}
	}

	if r.plaintext {
		meta := make(map[string]string, len(rec.Metadata)+1)
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		meta["integrity"] = "plaintext"
		rec.Metadata = meta
	}
	return rec, d.AllowEmptyTargets || desc.AllowEmptyTargets
}

func (r *Recorder) chain(id string) *chainState {
	r.chainsMu.Lock()
	defer r.chainsMu.Unlock()
	st, ok := r.chains[id]
	if !ok {
		st = &chainState{}
		r.chains[id] = st
	}
	return st
}

// appendToChain signs rec against the chain head and persists it. The head
// only advances when the append succeeds.
func (r *Recorder) appendToChain(ctx context.Context, rec *audit.Record) error {
	r.writeMu.RLock()
	defer r.writeMu.RUnlock()

	st := r.chain(rec.ChainID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		head, err := r.store.LastInChain(ctx, rec.ChainID)
		if err != nil {
			return fmt.Errorf("failed to load chain head: %w", err)
		}
		if head != nil {
			st.signature = head.Signature
			st.at = head.OccurredAt
		}
		st.loaded = true
	}

	if rec.OccurredAt.Before(st.at) {
		rec.OccurredAt = st.at
	}

	if r.signer != nil {
		payload, err := audit.CanonicalPayload(rec)
		if err != nil {
			return err
		}
		sig, err := r.signer.Sign(st.signature, payload)
		if err != nil {
			return fmt.Errorf("failed to sign record: %w", err)
		}
		rec.PreviousSignatureRef = st.signature
		rec.Signature = sig
	}

	stored := *rec
	if r.cipher != nil && len(rec.Details) > 0 {
		sensitive, err := audit.SensitivePayload(rec)
		if err != nil {
			return err
		}
		iv, sealed, err := r.cipher.Seal(sensitive)
		if err != nil {
			return fmt.Errorf("failed to seal record payload: %w", err)
		}
		rec.PayloadIV, rec.EncryptedPayload = iv, sealed
		stored.PayloadIV, stored.EncryptedPayload = iv, sealed
		stored.Details = nil
	}

	if err := r.store.Append(ctx, &stored); err != nil {
		return fmt.Errorf("failed to persist audit record: %w", err)
	}
	rec.ID = stored.ID

	if r.signer != nil {
		st.signature = rec.Signature
	}
	st.at = rec.OccurredAt
	return nil
}

// Exclusive runs fn while no record is being appended, then forgets every
// cached chain head so the next append reloads it from the store. The query
// service purges through it.
func (r *Recorder) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	err := fn(ctx)
	r.resetChains()
	return err
}

// resetChains clears chain heads in place. Callers hold writeMu exclusively,
// so no appender holds a chainState.
func (r *Recorder) resetChains() {
	r.chainsMu.Lock()
	defer r.chainsMu.Unlock()
	for _, st := range r.chains {
		st.mu.Lock()
		st.loaded = false
		st.signature = ""
		st.at = time.Time{}
		st.mu.Unlock()
	}
}

// Close drains pending forwards
func (r *Recorder) Close(ctx context.Context) error {
	if r.forwarder == nil {
		return nil
	}
	return r.forwarder.Close(ctx)
}

func first(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// forwardCopy is what leaves the process: when the details were sealed for
// storage only the sealed copy is sent
func forwardCopy(rec *audit.Record) *audit.Record {
	c := clone(rec)
	if len(c.EncryptedPayload) > 0 {
		c.Details = nil
	}
	return c
}

func clone(rec *audit.Record) *audit.Record {
	c := *rec
	c.ActorRoles = append([]string(nil), rec.ActorRoles...)
	c.Targets = append([]audit.Target(nil), rec.Targets...)
	c.Details = append([]audit.Detail(nil), rec.Details...)
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
