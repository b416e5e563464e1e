package audit

import (
	"strings"
	"time"
)

// OperationKind classifies the effect of an administrative action
type OperationKind string

const (
	KindQuery    OperationKind = "QUERY"
	KindCreate   OperationKind = "CREATE"
	KindUpdate   OperationKind = "UPDATE"
	KindDelete   OperationKind = "DELETE"
	KindEnable   OperationKind = "ENABLE"
	KindDisable  OperationKind = "DISABLE"
	KindGrant    OperationKind = "GRANT"
	KindRevoke   OperationKind = "REVOKE"
	KindApprove  OperationKind = "APPROVE"
	KindReject   OperationKind = "REJECT"
	KindExport   OperationKind = "EXPORT"
	KindImport   OperationKind = "IMPORT"
	KindExecute  OperationKind = "EXECUTE"
	KindLogin    OperationKind = "LOGIN"
	KindLogout   OperationKind = "LOGOUT"
	KindRefresh  OperationKind = "REFRESH"
	KindClean    OperationKind = "CLEAN"
	KindUpload   OperationKind = "UPLOAD"
	KindDownload OperationKind = "DOWNLOAD"
	KindSubmit   OperationKind = "SUBMIT"
	KindOther    OperationKind = "OTHER"
)

var kindLabels = map[OperationKind]string{
	KindQuery:    "Query",
	KindCreate:   "Create",
	KindUpdate:   "Update",
	KindDelete:   "Delete",
	KindEnable:   "Enable",
	KindDisable:  "Disable",
	KindGrant:    "Grant",
	KindRevoke:   "Revoke",
	KindApprove:  "Approve",
	KindReject:   "Reject",
	KindExport:   "Export",
	KindImport:   "Import",
	KindExecute:  "Execute",
	KindLogin:    "Login",
	KindLogout:   "Logout",
	KindRefresh:  "Refresh",
	KindClean:    "Clean",
	KindUpload:   "Upload",
	KindDownload: "Download",
	KindSubmit:   "Submit",
	KindOther:    "Other",
}

// ParseOperationKind parses a kind name case-insensitively
func ParseOperationKind(s string) (OperationKind, bool) {
	k := OperationKind(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := kindLabels[k]; !ok {
		return "", false
	}
	return k, true
}

// Valid reports whether k is one of the known kinds
func (k OperationKind) Valid() bool {
	_, ok := kindLabels[k]
	return ok
}

// Label returns the display label for the kind
func (k OperationKind) Label() string {
	if label, ok := kindLabels[k]; ok {
		return label
	}
	return string(k)
}

// RequiresTargets reports whether a record of this kind must name at least one
// target unless the action explicitly allows an empty target list.
func (k OperationKind) RequiresTargets() bool {
	return k != KindQuery && k != KindClean
}

// Result is the outcome of a recorded action
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailed  Result = "FAILED"
	ResultPending Result = "PENDING"
)

// Valid reports whether r is a known result
func (r Result) Valid() bool {
	switch r {
	case ResultSuccess, ResultFailed, ResultPending:
		return true
	}
	return false
}

// Target identifies an entity affected by an action
type Target struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Detail is a structured or serialized piece of supplementary data
type Detail struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is a single persisted audit entry. Records are append-only.
type Record struct {
	ID           int64     `json:"id"`
	OccurredAt   time.Time `json:"occurred_at"`
	SourceSystem string    `json:"source_system,omitempty"`
	ChainID      string    `json:"chain_id"`

	// Actor
	ActorID    string   `json:"actor_id"`
	ActorName  string   `json:"actor_name,omitempty"`
	ActorRoles []string `json:"actor_roles,omitempty"`

	// Classification
	ModuleKey     string        `json:"module_key"`
	ModuleName    string        `json:"module_name,omitempty"`
	ActionCode    string        `json:"action_code,omitempty"`
	OperationCode string        `json:"operation_code,omitempty"`
	OperationName string        `json:"operation_name,omitempty"`
	OperationKind OperationKind `json:"operation_kind"`
	Result        Result        `json:"result"`
	Summary       string        `json:"summary,omitempty"`

	ChangeRequestRef string `json:"change_request_ref,omitempty"`

	// Request context
	ClientIP    string `json:"client_ip,omitempty"`
	ClientAgent string `json:"client_agent,omitempty"`
	RequestURI  string `json:"request_uri,omitempty"`
	HTTPMethod  string `json:"http_method,omitempty"`

	Metadata        map[string]string `json:"metadata,omitempty"`
	ExtraAttributes map[string]string `json:"extra_attributes,omitempty"`
	Targets         []Target          `json:"targets,omitempty"`
	Details         []Detail          `json:"details,omitempty"`

	// Integrity chain
	Signature            string `json:"signature,omitempty"`
	PreviousSignatureRef string `json:"previous_signature_ref,omitempty"`
	EncryptedPayload     []byte `json:"encrypted_payload,omitempty"`
	PayloadIV            []byte `json:"payload_iv,omitempty"`
}

// DefaultChainID is the chain used when neither the chain nor the source
// system is set.
const DefaultChainID = "default"
