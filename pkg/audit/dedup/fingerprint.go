package dedup

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// Field names a record attribute that takes part in the fingerprint
type Field string

const (
	FieldActor    Field = "actor"
	FieldAction   Field = "action"
	FieldModule   Field = "module"
	FieldURI      Field = "uri"
	FieldSummary  Field = "summary"
	FieldIP       Field = "ip"
	FieldMethod   Field = "method"
	FieldMetadata Field = "metadata"
)

// DefaultFields is the fingerprint used when none is configured
var DefaultFields = []Field{FieldActor, FieldAction, FieldModule, FieldURI, FieldSummary, FieldIP}

// ParseFields parses a comma separated field list
func ParseFields(s string) ([]Field, error) {
	if strings.TrimSpace(s) == "" {
		return append([]Field(nil), DefaultFields...), nil
	}
	var fields []Field
	for _, part := range strings.Split(s, ",") {
		f := Field(strings.ToLower(strings.TrimSpace(part)))
		switch f {
		case FieldActor, FieldAction, FieldModule, FieldURI, FieldSummary, FieldIP, FieldMethod, FieldMetadata:
			fields = append(fields, f)
		case "":
		default:
			return nil, fmt.Errorf("unknown fingerprint field %q", part)
		}
	}
	return fields, nil
}

const sep = "\x1f"

// Fingerprint joins the selected fields of rec into a stable key
func Fingerprint(rec *audit.Record, fields []Field) string {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteString(sep)
		}
		switch f {
		case FieldActor:
			b.WriteString(rec.ActorID)
		case FieldAction:
			b.WriteString(rec.ActionCode)
		case FieldModule:
			b.WriteString(rec.ModuleKey)
		case FieldURI:
			b.WriteString(rec.RequestURI)
		case FieldSummary:
			b.WriteString(rec.Summary)
		case FieldIP:
			b.WriteString(rec.ClientIP)
		case FieldMethod:
			b.WriteString(rec.HTTPMethod)
		case FieldMetadata:
			// JSON quotes keys and values and sorts the keys
			if len(rec.Metadata) > 0 {
				encoded, _ := json.Marshal(rec.Metadata)
				b.Write(encoded)
			}
		}
	}
	return b.String()
}
