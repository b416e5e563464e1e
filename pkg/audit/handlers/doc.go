// Package handlers exposes the audit ledger over HTTP with gorilla/mux.
//
// Routes:
//
//	GET    /audit/records        paginated search
//	GET    /audit/records/{id}   one record
//	DELETE /audit/records        archive (when configured) and purge
//	GET    /audit/export         JSON, NDJSON or CSV export
//	GET    /audit/stats          counts by result, module and kind
//	POST   /audit/verify         chain verification reports
//	POST   /audit/diff           dictionary-formatted before/after changes
//
// AuditMiddleware records requests that handlers did not record
// themselves, classified through the rule engine.
package handlers
