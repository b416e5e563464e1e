// Package observability provides structured logging, Prometheus metrics,
// health probes and OpenTelemetry setup for the audit service.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("chain_id", "admin").Warn("chain head reloaded")
//
// Library packages accept a *Logger and fall back to NewNopLogger when
// given nil.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	http.Handle("/metrics", observability.MetricsHandler(registry))
//
// All Metrics methods accept a nil receiver.
//
// # Tracing
//
// InitOTel installs OTLP/gRPC exporters as the global providers. Packages
// create spans through otel.Tracer and never depend on the SDK directly.
//
// # Related Packages
//
//   - pkg/config: observability settings
//   - pkg/audit/recorder: the main producer of metrics
package observability
