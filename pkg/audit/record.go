package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NewRecord validates r and returns a normalized copy. allowEmptyTargets
// relaxes the target requirement for kinds that otherwise need one.
func NewRecord(r Record, allowEmptyTargets bool) (*Record, error) {
	r.ActorID = strings.TrimSpace(r.ActorID)
	r.ModuleKey = strings.TrimSpace(r.ModuleKey)

	if r.ActorID == "" {
		return nil, invalid("actor_id", "is required")
	}
	if r.ModuleKey == "" {
		return nil, invalid("module_key", "is required")
	}
	if r.OperationKind == "" {
		return nil, invalid("operation_kind", "is required")
	}
	if !r.OperationKind.Valid() {
		return nil, invalid("operation_kind", fmt.Sprintf("%q is not a known kind", r.OperationKind))
	}

	if r.Result == "" {
		r.Result = ResultSuccess
	}
	if !r.Result.Valid() {
		return nil, invalid("result", fmt.Sprintf("%q is not a known result", r.Result))
	}

	targets := make([]Target, 0, len(r.Targets))
	for _, t := range r.Targets {
		if strings.TrimSpace(t.Table) == "" && strings.TrimSpace(t.ID) == "" {
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 && r.OperationKind.RequiresTargets() && !allowEmptyTargets {
		return nil, invalid("targets", fmt.Sprintf("must not be empty for %s operations", r.OperationKind))
	}
	r.Targets = targets

	if r.ModuleName == "" {
		r.ModuleName = r.ModuleKey
	}
	if r.OperationName == "" {
		r.OperationName = firstNonEmpty(r.OperationCode, r.Summary, r.OperationKind.Label())
	}
	if r.Summary == "" {
		r.Summary = firstNonEmpty(r.OperationName, r.OperationKind.Label())
	}
	if r.ChainID == "" {
		r.ChainID = firstNonEmpty(r.SourceSystem, DefaultChainID)
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now()
	}
	// storage keeps microsecond precision; the signed payload must survive a round trip
	r.OccurredAt = r.OccurredAt.UTC().Truncate(time.Microsecond)

	r.ActorRoles = uniqueStrings(r.ActorRoles)
	r.Metadata = copyMap(r.Metadata)
	r.ExtraAttributes = copyMap(r.ExtraAttributes)
	r.Details = append([]Detail(nil), r.Details...)

	return &r, nil
}

// NewDetail serializes value into a Detail. Strings are stored verbatim,
// anything else as JSON.
func NewDetail(key string, value any) (Detail, error) {
	switch v := value.(type) {
	case string:
		return Detail{Key: key, Value: v}, nil
	case fmt.Stringer:
		return Detail{Key: key, Value: v.String()}, nil
	case nil:
		return Detail{Key: key}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return Detail{}, fmt.Errorf("failed to serialize detail %s: %w", key, err)
	}
	return Detail{Key: key, Value: string(data)}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
