package audit

import (
	"strings"
	"sync"
	"time"
)

// Actor identifies who performed an action
type Actor struct {
	ID    string
	Name  string
	Roles []string
}

// Client carries request context for an action
type Client struct {
	IP         string
	Agent      string
	RequestURI string
	HTTPMethod string
	StatusCode int
}

// Draft is an in-flight record request. Zero-valued fields are filled from
// the action catalog and then from derived fallbacks.
type Draft struct {
	ActionCode   string
	OccurredAt   time.Time
	SourceSystem string
	ChainID      string

	Actor  Actor
	Client Client

	ModuleKey        string
	ModuleName       string
	OperationCode    string
	OperationName    string
	OperationKind    OperationKind
	Result           Result
	Summary          string
	ChangeRequestRef string

	Metadata        map[string]string
	ExtraAttributes map[string]string
	Targets         []Target
	Details         []Detail

	// AllowEmptyTargets lets a mutating action through without targets
	AllowEmptyTargets bool

	// Scope, when set, supplies targets reported by mutation sites and
	// remembers that the request has been audited.
	Scope *Scope
}

// AddTarget appends a target to the draft
func (d *Draft) AddTarget(table, id, label string) {
	d.Targets = append(d.Targets, Target{Table: table, ID: id, Label: label})
}

// AddDetail serializes value and appends it to the draft
func (d *Draft) AddDetail(key string, value any) error {
	detail, err := NewDetail(key, value)
	if err != nil {
		return err
	}
	d.Details = append(d.Details, detail)
	return nil
}

// SetMetadata sets a metadata entry, allocating the map on first use
func (d *Draft) SetMetadata(key, value string) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]string)
	}
	d.Metadata[key] = value
}

// ChangeReporter is implemented by anything that collects the entities a
// request mutated. Mutation sites call ReportChange directly.
type ChangeReporter interface {
	ReportChange(table, id, label string)
}

// Scope is the explicit per-request audit context. It is created by the
// caller (usually HTTP middleware), handed to mutation sites as a
// ChangeReporter and finally passed to the recorder inside a Draft.
type Scope struct {
	mu      sync.Mutex
	targets []Target
	seen    map[string]struct{}
	audited bool
}

// NewScope creates an empty scope
func NewScope() *Scope {
	return &Scope{seen: make(map[string]struct{})}
}

// ReportChange records that an entity was touched. Repeated reports of the
// same table/id pair are ignored.
func (s *Scope) ReportChange(table, id, label string) {
	if s == nil {
		return
	}
	key := strings.ToLower(table) + "\x00" + id
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.targets = append(s.targets, Target{Table: table, ID: id, Label: label})
}

// Targets returns a copy of the reported targets in report order
func (s *Scope) Targets() []Target {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Target(nil), s.targets...)
}

// MarkAudited flags the request as recorded
func (s *Scope) MarkAudited() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.audited = true
	s.mu.Unlock()
}

// Audited reports whether a record was already written for this scope
func (s *Scope) Audited() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audited
}

var _ ChangeReporter = (*Scope)(nil)
