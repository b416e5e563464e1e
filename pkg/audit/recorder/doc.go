// Package recorder is the write path of the audit ledger.
//
// A Recorder merges a caller's Draft with the action catalog and the
// optional rule engine, validates the result, asks the dedup gate whether a
// read event should collapse, then signs the record against its chain head
// and appends it to the store. Each chain is serialized by its own mutex so
// concurrent writers never fork a chain. Persisted records are handed to an
// optional forwarder in the background.
package recorder
