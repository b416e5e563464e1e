// Package httputil provides HTTP helpers shared by the ledger's handlers:
// JSON responses and error bodies, path and query parsing, and the common
// middleware (request ids, panic recovery, request logging, body limits).
//
//	router.Use(httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//	))
package httputil
