package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// canonicalRecord fixes the field order of the signed payload. Maps are
// emitted with sorted keys by encoding/json.
type canonicalRecord struct {
	OccurredAt       string            `json:"occurred_at"`
	ChainID          string            `json:"chain_id"`
	SourceSystem     string            `json:"source_system"`
	ActorID          string            `json:"actor_id"`
	ActorName        string            `json:"actor_name"`
	ActorRoles       []string          `json:"actor_roles"`
	ModuleKey        string            `json:"module_key"`
	ModuleName       string            `json:"module_name"`
	ActionCode       string            `json:"action_code"`
	OperationCode    string            `json:"operation_code"`
	OperationName    string            `json:"operation_name"`
	OperationKind    OperationKind     `json:"operation_kind"`
	Result           Result            `json:"result"`
	Summary          string            `json:"summary"`
	ChangeRequestRef string            `json:"change_request_ref"`
	ClientIP         string            `json:"client_ip"`
	ClientAgent      string            `json:"client_agent"`
	RequestURI       string            `json:"request_uri"`
	HTTPMethod       string            `json:"http_method"`
	Metadata         map[string]string `json:"metadata"`
	ExtraAttributes  map[string]string `json:"extra_attributes"`
	Targets          []Target          `json:"targets"`
	Details          []Detail          `json:"details"`
}

// CanonicalPayload returns the deterministic byte encoding that the integrity
// chain signs. Storage-assigned and integrity fields are excluded, so the
// payload can be recomputed from a stored record once any sealed details
// have been restored.
func CanonicalPayload(r *Record) ([]byte, error) {
	c := canonicalRecord{
		OccurredAt:       r.OccurredAt.UTC().Format(time.RFC3339Nano),
		ChainID:          r.ChainID,
		SourceSystem:     r.SourceSystem,
		ActorID:          r.ActorID,
		ActorName:        r.ActorName,
		ActorRoles:       nonNilStrings(r.ActorRoles),
		ModuleKey:        r.ModuleKey,
		ModuleName:       r.ModuleName,
		ActionCode:       r.ActionCode,
		OperationCode:    r.OperationCode,
		OperationName:    r.OperationName,
		OperationKind:    r.OperationKind,
		Result:           r.Result,
		Summary:          r.Summary,
		ChangeRequestRef: r.ChangeRequestRef,
		ClientIP:         r.ClientIP,
		ClientAgent:      r.ClientAgent,
		RequestURI:       r.RequestURI,
		HTTPMethod:       r.HTTPMethod,
		Metadata:         nonNilMap(r.Metadata),
		ExtraAttributes:  nonNilMap(r.ExtraAttributes),
		Targets:          r.Targets,
		Details:          r.Details,
	}
	if c.Targets == nil {
		c.Targets = []Target{}
	}
	if c.Details == nil {
		c.Details = []Detail{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode canonical payload: %w", err)
	}
	return data, nil
}

// SensitivePayload encodes the fields that are sealed when payload
// encryption is enabled.
func SensitivePayload(r *Record) ([]byte, error) {
	details := r.Details
	if details == nil {
		details = []Detail{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sensitive payload: %w", err)
	}
	return data, nil
}

// RestoreSensitive puts decrypted sensitive fields back onto r
func RestoreSensitive(r *Record, plaintext []byte) error {
	var details []Detail
	if err := json.Unmarshal(plaintext, &details); err != nil {
		return fmt.Errorf("failed to decode sensitive payload: %w", err)
	}
	if len(details) == 0 {
		details = nil
	}
	r.Details = details
	return nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
