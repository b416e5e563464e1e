// Package audit defines the audit record model for administrative actions.
//
// # Overview
//
// Every privileged action (user, role, menu, datasource, compliance change)
// produces one append-only Record. A Record is built from a Draft, validated
// by NewRecord and then signed into a per-chain hash chain before it is
// persisted. The recorder that drives this pipeline lives in
// pkg/audit/recorder; this package only holds the model and its invariants.
//
// # Invariants
//
// actor_id, module_key and operation_kind are always set. Targets are
// required unless the kind is QUERY or CLEAN, or the action explicitly allows
// an empty target list.
//
// # Usage Example
//
//	scope := audit.NewScope()
//	userService.Disable(ctx, scope, userID) // calls scope.ReportChange("sys_user", id, name)
//
//	record, err := recorder.Record(ctx, audit.Draft{
//		ActionCode: "user.disable",
//		Actor:      audit.Actor{ID: "42", Name: "alice"},
//		Scope:      scope,
//	})
//
// # Related Packages
//
//   - pkg/audit/catalog: action code defaults
//   - pkg/audit/integrity: signing, encryption and verification
//   - pkg/audit/dedup: read-event suppression
//   - pkg/audit/diff: before/after rendering
//   - pkg/audit/rules: URL classification of untagged actions
//   - pkg/audit/query: search and purge
package audit
