package integrity

import (
	"encoding/hex"
	"fmt"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// FindingKind classifies a verification failure
type FindingKind string

const (
	// FindingSignatureMismatch means the recomputed signature differs from
	// the stored one: this record or an earlier one was altered.
	FindingSignatureMismatch FindingKind = "signature_mismatch"
	// FindingBrokenLink means the stored previous reference does not equal
	// the stored signature of the preceding record: a record was removed or
	// reordered.
	FindingBrokenLink FindingKind = "broken_link"
	// FindingDecryptFailed means the sealed payload did not authenticate
	FindingDecryptFailed FindingKind = "decrypt_failed"
	// FindingUnsigned means the record carries no signature
	FindingUnsigned FindingKind = "unsigned"
)

// Finding is one piece of tamper evidence
type Finding struct {
	Index    int         `json:"index"`
	RecordID int64       `json:"record_id"`
	Kind     FindingKind `json:"kind"`
	Detail   string      `json:"detail,omitempty"`
}

// Report is the outcome of a verification pass
type Report struct {
	ChainID  string    `json:"chain_id"`
	Checked  int       `json:"checked"`
	Findings []Finding `json:"findings"`
}

// OK reports whether the chain verified cleanly
func (r *Report) OK() bool {
	return len(r.Findings) == 0
}

// FirstBadIndex returns the lowest index with a finding, or -1
func (r *Report) FirstBadIndex() int {
	first := -1
	for _, f := range r.Findings {
		if first == -1 || f.Index < first {
			first = f.Index
		}
	}
	return first
}

// Verifier recomputes a chain from the first record forward
type Verifier struct {
	signer *Signer
	cipher *Cipher
}

// NewVerifier creates a verifier. cipher may be nil when payload encryption
// was never enabled.
func NewVerifier(signer *Signer, cipher *Cipher) *Verifier {
	return &Verifier{signer: signer, cipher: cipher}
}

// Chain is an incremental verification pass over records supplied in
// ascending chain order.
type Chain struct {
	v            *Verifier
	report       Report
	recomputed   []byte
	previousSeen string
	index        int
}

// Begin starts an incremental pass
func (v *Verifier) Begin(chainID string) *Chain {
	return &Chain{v: v, report: Report{ChainID: chainID, Findings: []Finding{}}}
}

// Verify checks a complete chain held in memory
func (v *Verifier) Verify(chainID string, records []*audit.Record) *Report {
	c := v.Begin(chainID)
	for _, rec := range records {
		c.Add(rec)
	}
	return c.Report()
}

// Add verifies the next record. The recomputed signature, not the stored
// one, is carried forward, so a single altered record surfaces at its own
// index and at every later index.
func (c *Chain) Add(rec *audit.Record) {
	i := c.index
	c.index++
	c.report.Checked++

	if rec.PreviousSignatureRef != c.previousSeen {
		c.find(i, rec, FindingBrokenLink, fmt.Sprintf("previous reference %s does not follow %s", short(rec.PreviousSignatureRef), short(c.previousSeen)))
	}
	c.previousSeen = rec.Signature

	if rec.Signature == "" {
		c.find(i, rec, FindingUnsigned, "")
		c.recomputed = nil
		return
	}

	payload, err := c.v.payload(rec)
	if err != nil {
		c.find(i, rec, FindingDecryptFailed, err.Error())
		c.recomputed = nil
		return
	}

	next := c.v.signer.Chain(c.recomputed, payload)
	c.recomputed = next
	if !Equal(hex.EncodeToString(next), rec.Signature) {
		c.find(i, rec, FindingSignatureMismatch, "")
	}
}

// Report returns the findings so far
func (c *Chain) Report() *Report {
	r := c.report
	return &r
}

func (c *Chain) find(i int, rec *audit.Record, kind FindingKind, detail string) {
	c.report.Findings = append(c.report.Findings, Finding{Index: i, RecordID: rec.ID, Kind: kind, Detail: detail})
}

func (v *Verifier) payload(rec *audit.Record) ([]byte, error) {
	if len(rec.EncryptedPayload) == 0 {
		return audit.CanonicalPayload(rec)
	}
	if v.cipher == nil {
		return nil, fmt.Errorf("record has a sealed payload but no encryption key is configured")
	}
	plaintext, err := v.cipher.Open(rec.PayloadIV, rec.EncryptedPayload)
	if err != nil {
		return nil, err
	}
	restored := *rec
	if err := audit.RestoreSensitive(&restored, plaintext); err != nil {
		return nil, err
	}
	return audit.CanonicalPayload(&restored)
}

// Recompute returns the signature each record should carry when the chain
// is rebuilt from scratch.
func (v *Verifier) Recompute(records []*audit.Record) ([]string, error) {
	out := make([]string, 0, len(records))
	var prev []byte
	for i, rec := range records {
		payload, err := v.payload(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		prev = v.signer.Chain(prev, payload)
		out = append(out, hex.EncodeToString(prev))
	}
	return out, nil
}

func short(sig string) string {
	if sig == "" {
		return "<start>"
	}
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
