// Package store persists audit records.
//
// SQLStore targets postgres (lib/pq) and sqlite (go-sqlite3) through a small
// Dialect type that owns placeholders, case-insensitive matching and DDL.
// Records live in audit_records with their targets in audit_targets so
// target filters can use an EXISTS join. The schema also carries the
// audit_operation_mappings table read by the rules package.
//
// MemoryStore implements the same contract in process and is what most
// tests run against.
package store
