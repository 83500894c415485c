// Package observe provides the logging, audit, tracing and metrics primitives
// shared by the page cache packages.
//
// Loggers are backed by zerolog and redact sensitive field keys. Audit events
// are emitted through an AuditSink so security relevant decisions (rejected
// content, rejected keys, lock timeouts, rate limiting, invalidations) can be
// routed apart from ordinary logs. Metrics and spans use OpenTelemetry; the
// exporters subpackage builds the configured exporter.
package observe
