package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

// ErrNotReady is returned by Reload when the source is not available yet.
// The previous snapshot stays active.
var ErrNotReady = errors.New("rule source is not ready")

const defaultCacheSize = 1024

var tracer = otel.Tracer("github.com/platinummonkey/auditledger/pkg/audit/rules")

type resolution struct {
	desc Descriptor
	ok   bool
}

// snapshot is an immutable compiled rule set with its own resolve cache
type snapshot struct {
	rules    []*compiledRule
	cache    *lru.Cache[string, resolution]
	loadedAt time.Time
}

func newSnapshot(rules []*compiledRule, cacheSize int, loadedAt time.Time) *snapshot {
	cache, err := lru.New[string, resolution](cacheSize)
	if err != nil {
		// only fails for a non-positive size
		cache, _ = lru.New[string, resolution](defaultCacheSize)
	}
	return &snapshot{rules: rules, cache: cache, loadedAt: loadedAt}
}

// Engine classifies requests against the active rule snapshot. Resolve never
// blocks on a reload.
type Engine struct {
	source    Source
	logger    *observability.Logger
	metrics   *observability.Metrics
	cacheSize int

	current  atomic.Pointer[snapshot]
	reloadMu sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCacheSize bounds the per-snapshot resolve cache
func WithCacheSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cacheSize = n
		}
	}
}

// NewEngine creates an engine with an empty snapshot. Call Reload, or add
// it to a Scheduler, to load rules.
func NewEngine(source Source, opts ...Option) *Engine {
	e := &Engine{
		source:    source,
		logger:    observability.NewNopLogger(),
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithField("component", "rules")
	e.current.Store(newSnapshot(nil, e.cacheSize, time.Time{}))
	return e
}

// Name identifies the engine to the scheduler
func (e *Engine) Name() string { return "rules" }

// Reload loads, filters, orders and compiles the source's rules and swaps
// the snapshot. Any failure leaves the previous snapshot in place.
func (e *Engine) Reload(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "rules.Reload")
	defer func() {
		if err != nil && !errors.Is(err, ErrNotReady) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	ready, err := e.source.Ready(ctx)
	if err != nil {
		return fmt.Errorf("rule source readiness probe failed: %w", err)
	}
	if !ready {
		e.logger.Warn("rule source not ready, keeping current rules")
		return ErrNotReady
	}

	loaded, err := e.source.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	compiled, err := compileAll(loaded)
	if err != nil {
		return err
	}

	e.current.Store(newSnapshot(compiled, e.cacheSize, time.Now()))
	e.metrics.SetActiveRules(len(compiled))
	span.SetAttributes(attribute.Int("rules.active", len(compiled)))
	e.logger.WithField("active", len(compiled)).Debug("rules reloaded")
	return nil
}

func compileAll(loaded []Rule) ([]*compiledRule, error) {
	enabled := make([]Rule, 0, len(loaded))
	for _, r := range loaded {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].OrderValue != enabled[j].OrderValue {
			return enabled[i].OrderValue < enabled[j].OrderValue
		}
		return enabled[i].ID < enabled[j].ID
	})

	compiled := make([]*compiledRule, 0, len(enabled))
	for _, r := range enabled {
		c, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// Resolve returns the descriptor of the first matching rule
func (e *Engine) Resolve(ev Event) (Descriptor, bool) {
	snap := e.current.Load()
	method := strings.ToUpper(strings.TrimSpace(ev.Method))
	path := NormalizePath(ev.Path)
	key := method + " " + path + " " + strconv.Itoa(ev.Status)

	if cached, ok := snap.cache.Get(key); ok {
		return cached.desc, cached.ok
	}

	var res resolution
	for _, r := range snap.rules {
		if vars, ok := r.match(method, path, ev.Status); ok {
			res = resolution{desc: r.describe(method, path, ev.Status, vars), ok: true}
			break
		}
	}
	snap.cache.Add(key, res)
	return res.desc, res.ok
}

// ResolveWithFallback always returns a usable descriptor. Fields a matching
// rule leaves empty are taken from the event hints and then from fixed
// defaults.
func (e *Engine) ResolveWithFallback(ev Event) Descriptor {
	desc, _ := e.Resolve(ev)

	if desc.ModuleName == "" {
		desc.ModuleName = firstNonEmpty(ev.ModuleName, "Other")
	}
	if !desc.Matched || desc.OperationKind == "" {
		desc.OperationKind = audit.KindOther
		if kind, ok := audit.ParseOperationKind(ev.OperationType); ok {
			desc.OperationKind = kind
		}
	}
	if desc.Summary == "" {
		desc.Summary = firstNonEmpty(ev.Summary,
			strings.ToUpper(strings.TrimSpace(ev.Method))+" "+NormalizePath(ev.Path))
	}
	return desc
}

// Len returns the number of active rules
func (e *Engine) Len() int {
	return len(e.current.Load().rules)
}

// LoadedAt returns when the active snapshot was built, zero before the
// first successful reload
func (e *Engine) LoadedAt() time.Time {
	return e.current.Load().loadedAt
}

// Rules returns a copy of the active rules in match order
func (e *Engine) Rules() []Rule {
	snap := e.current.Load()
	out := make([]Rule, len(snap.rules))
	for i, r := range snap.rules {
		out[i] = r.Rule
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
