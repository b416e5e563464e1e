package handlers

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/audit/rules"
	"github.com/platinummonkey/auditledger/pkg/contextkeys"
	"github.com/platinummonkey/auditledger/pkg/httputil"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

// Headers set by the authenticating gateway in front of the ledger
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorName  = "X-Actor-Name"
	HeaderActorRoles = "X-Actor-Roles"
)

// ActorMiddleware reads the authenticated actor from gateway headers. An
// actor already on the context wins.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := contextkeys.Actor(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor := audit.Actor{ID: id, Name: r.Header.Get(HeaderActorName)}
		for _, role := range strings.Split(r.Header.Get(HeaderActorRoles), ",") {
			if role = strings.TrimSpace(role); role != "" {
				actor.Roles = append(actor.Roles, role)
			}
		}
		ctx := contextkeys.WithActor(r.Context(), actor)
		ctx = observability.WithActorID(ctx, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Classifier maps a request onto a display descriptor. *rules.Engine
// implements it.
type Classifier interface {
	ResolveWithFallback(ev rules.Event) rules.Descriptor
}

// AuditConfig tunes AuditMiddleware
type AuditConfig struct {
	// RecordUnmatched also records requests no rule matched
	RecordUnmatched bool
	// SkipPrefixes are paths never recorded (health, metrics)
	SkipPrefixes []string
}

// AuditMiddleware records every request a handler did not record itself.
// Each request gets an audit.Scope that mutation sites fill through
// contextkeys.Reporter; the rule engine supplies the classification.
// Read requests go through the recorder's dedup gate like any other QUERY.
type AuditMiddleware struct {
	recorder   Recorder
	classifier Classifier
	cfg        AuditConfig
	logger     *observability.Logger
}

// NewAuditMiddleware creates the middleware
func NewAuditMiddleware(recorder Recorder, classifier Classifier, cfg AuditConfig, logger *observability.Logger) *AuditMiddleware {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &AuditMiddleware{
		recorder:   recorder,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger.WithField("component", "audit_middleware"),
	}
}

// Handler wraps next
func (m *AuditMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		scope := audit.NewScope()
		ctx := contextkeys.WithScope(r.Context(), scope)
		ctx = contextkeys.WithRequestStartTime(ctx, time.Now())
		r = r.WithContext(ctx)

		sw := httputil.NewStatusWriter(w)
		next.ServeHTTP(sw, r)

		if scope.Audited() {
			return
		}
		actor, ok := contextkeys.Actor(r.Context())
		if !ok {
			return
		}
		d, ok := m.draft(r, sw.Status, actor, scope)
		if !ok {
			return
		}
		if _, err := m.recorder.Record(r.Context(), d); err != nil {
			observability.FromContext(r.Context(), m.logger).WithError(err).
				WithField("path", r.URL.Path).Warn("failed to record request")
		}
	})
}

func (m *AuditMiddleware) skipped(path string) bool {
	for _, prefix := range m.cfg.SkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// draft builds the record for a finished request. It reports false when
// the request should not be recorded.
func (m *AuditMiddleware) draft(r *http.Request, status int, actor audit.Actor, scope *audit.Scope) (audit.Draft, bool) {
	desc := m.classifier.ResolveWithFallback(rules.Event{
		Method: r.Method,
		Path:   r.URL.Path,
		Status: status,
	})
	if !desc.Matched && !m.cfg.RecordUnmatched {
		return audit.Draft{}, false
	}

	kind := desc.OperationKind
	if !desc.Matched || kind == audit.KindOther {
		kind = kindForMethod(r.Method)
	}

	d := audit.Draft{
		Actor:         actor,
		Client:        clientOf(r, status),
		ModuleKey:     moduleKey(desc),
		ModuleName:    desc.ModuleName,
		OperationCode: desc.OperationGroup,
		OperationName: desc.GroupDisplayName,
		OperationKind: kind,
		Summary:       desc.Summary,
		Scope:         scope,
		Metadata:      map[string]string{"classified_by": "rules"},
	}
	if status >= http.StatusBadRequest {
		d.Result = audit.ResultFailed
	}
	if desc.Matched {
		d.Metadata["rule_id"] = strconv.FormatInt(desc.RuleID, 10)
	}
	if id := observability.RequestID(r.Context()); id != "" {
		d.Metadata["request_id"] = id
	}

	if len(scope.Targets()) == 0 {
		if desc.SourceTable != "" {
			d.AddTarget(desc.SourceTable, "", "")
		} else {
			// nothing reported the touched entities; keep the request anyway
			d.AllowEmptyTargets = true
		}
	}
	return d, true
}

// moduleKey derives a stable key from the rule's group or module name
func moduleKey(desc rules.Descriptor) string {
	name := desc.OperationGroup
	if name == "" {
		name = desc.ModuleName
	}
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "_")
}

func kindForMethod(method string) audit.OperationKind {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return audit.KindQuery
	case http.MethodPost:
		return audit.KindCreate
	case http.MethodPut, http.MethodPatch:
		return audit.KindUpdate
	case http.MethodDelete:
		return audit.KindDelete
	}
	return audit.KindOther
}

func clientOf(r *http.Request, status int) audit.Client {
	return audit.Client{
		IP:         clientIP(r),
		Agent:      r.UserAgent(),
		RequestURI: r.URL.RequestURI(),
		HTTPMethod: r.Method,
		StatusCode: status,
	}
}

// clientIP prefers the first X-Forwarded-For hop
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
