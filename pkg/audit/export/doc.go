// Package export encodes audit records as JSON, NDJSON or CSV. Writers
// stream one record at a time so large result sets never need to be held in
// memory.
package export
