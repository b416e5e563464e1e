// Package query is the read side of the audit ledger: paginated search,
// statistics, export, chain verification and the archive-then-purge
// operation.
package query
