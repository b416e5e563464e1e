package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// Format is an export encoding
type Format string

const (
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatCSV    Format = "csv"
)

// ParseFormat parses a format name. The empty string means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatNDJSON, "jsonl":
		return FormatNDJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type for f
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Filename returns the attachment name for f
func (f Format) Filename() string {
	return "audit-records." + string(f)
}

// Writer streams records in one format. Close must be called to finish the
// document; it does not close the underlying io.Writer.
type Writer interface {
	Write(rec *audit.Record) error
	Close() error
}

// NewWriter returns a streaming writer for f
func NewWriter(f Format, w io.Writer) (Writer, error) {
	switch f {
	case FormatJSON:
		return &jsonWriter{w: w}, nil
	case FormatNDJSON:
		return &ndjsonWriter{enc: json.NewEncoder(w)}, nil
	case FormatCSV:
		return &csvWriter{w: csv.NewWriter(w)}, nil
	}
	return nil, fmt.Errorf("unsupported export format %q", f)
}

// jsonWriter emits an indented JSON array
type jsonWriter struct {
	w     io.Writer
	count int
}

func (j *jsonWriter) Write(rec *audit.Record) error {
	data, err := json.MarshalIndent(rec, "  ", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record %d: %w", rec.ID, err)
	}
	sep := ",\n  "
	if j.count == 0 {
		sep = "[\n  "
	}
	j.count++
	if _, err := io.WriteString(j.w, sep); err != nil {
		return err
	}
	_, err = j.w.Write(data)
	return err
}

func (j *jsonWriter) Close() error {
	end := "\n]\n"
	if j.count == 0 {
		end = "[]\n"
	}
	_, err := io.WriteString(j.w, end)
	return err
}

type ndjsonWriter struct {
	enc *json.Encoder
}

func (n *ndjsonWriter) Write(rec *audit.Record) error {
	if err := n.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode record %d: %w", rec.ID, err)
	}
	return nil
}

func (n *ndjsonWriter) Close() error { return nil }

// Header is the CSV column row
var Header = []string{
	"ID",
	"OccurredAt",
	"ChainID",
	"ActorID",
	"ActorName",
	"ModuleKey",
	"ModuleName",
	"OperationCode",
	"OperationName",
	"OperationKind",
	"Result",
	"Summary",
	"Targets",
	"ClientIP",
	"HTTPMethod",
	"RequestURI",
	"ChangeRequestRef",
	"Signature",
}

type csvWriter struct {
	w      *csv.Writer
	header bool
}

func (c *csvWriter) Write(rec *audit.Record) error {
	if !c.header {
		if err := c.w.Write(Header); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
		c.header = true
	}
	row := []string{
		strconv.FormatInt(rec.ID, 10),
		rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		rec.ChainID,
		rec.ActorID,
		rec.ActorName,
		rec.ModuleKey,
		rec.ModuleName,
		rec.OperationCode,
		rec.OperationName,
		string(rec.OperationKind),
		string(rec.Result),
		rec.Summary,
		formatTargets(rec.Targets),
		rec.ClientIP,
		rec.HTTPMethod,
		rec.RequestURI,
		rec.ChangeRequestRef,
		rec.Signature,
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}
	return nil
}

func (c *csvWriter) Close() error {
	if !c.header {
		if err := c.w.Write(Header); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// formatTargets renders targets as "table:id" pairs separated by "; "
func formatTargets(targets []audit.Target) string {
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		parts = append(parts, t.Table+":"+t.ID)
	}
	return strings.Join(parts, "; ")
}

// Records writes every record in f to w
func Records(f Format, w io.Writer, records []*audit.Record) error {
	out, err := NewWriter(f, w)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := out.Write(rec); err != nil {
			return err
		}
	}
	return out.Close()
}
