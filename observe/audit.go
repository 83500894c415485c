package observe

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// AuditKind classifies an audit event.
type AuditKind string

// Audit event kinds.
const (
	AuditContentRejected     AuditKind = "content_rejected"
	AuditKeyRejected         AuditKind = "key_rejected"
	AuditLockTimeout         AuditKind = "lock_timeout"
	AuditRateLimited         AuditKind = "rate_limited"
	AuditInvalidation        AuditKind = "invalidation"
	AuditStatsWrapWarning    AuditKind = "stats_wrap_warning"
	AuditLockDrainIncomplete AuditKind = "lock_drain_incomplete"
)

const (
	// MaxAuditKeyLen bounds the cache key carried by an audit record.
	MaxAuditKeyLen = 200
	// MaxAuditPayloadLen bounds the matched content carried by an audit record.
	MaxAuditPayloadLen = 100

	truncatedMarker = "…[truncated]"
)

// AuditEvent describes a security or integrity relevant decision.
type AuditEvent struct {
	Kind AuditKind

	// Severity is the textual severity, e.g. "critical". Optional.
	Severity string

	// CorrelationID overrides the id carried by the emit context.
	CorrelationID string

	// Key is the cache key involved, if any. Truncated on emit.
	Key string

	// Payload is the offending input excerpt. Truncated and stripped of
	// control characters on emit.
	Payload string

	Elapsed time.Duration
	Fields  []Field
}

// AuditSink receives audit events.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: Emit is best-effort; failures must not reach the caller.
type AuditSink interface {
	Emit(ctx context.Context, ev AuditEvent)
}

type logAuditSink struct {
	logger Logger
}

// NewLogAuditSink returns an AuditSink writing warn-level records to logger.
func NewLogAuditSink(logger Logger) AuditSink {
	if logger == nil {
		logger = NopLogger()
	}
	return &logAuditSink{logger: logger.With(Field{Key: "audit", Value: true})}
}

func (s *logAuditSink) Emit(ctx context.Context, ev AuditEvent) {
	if ev.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, ev.CorrelationID)
	}
	fields := make([]Field, 0, len(ev.Fields)+5)
	fields = append(fields, Field{Key: "audit_kind", Value: string(ev.Kind)})
	if ev.Severity != "" {
		fields = append(fields, Field{Key: "severity", Value: ev.Severity})
	}
	if ev.Key != "" {
		fields = append(fields, Field{Key: "key", Value: ev.Key})
	}
	if ev.Payload != "" {
		fields = append(fields, Field{Key: "payload", Value: TruncatePayload(ev.Payload)})
	}
	if ev.Elapsed > 0 {
		fields = append(fields, Field{Key: "elapsed_ms", Value: float64(ev.Elapsed.Microseconds()) / 1000})
	}
	fields = append(fields, ev.Fields...)
	s.logger.Warn(ctx, "audit event", fields...)
}

type nopAuditSink struct{}

// NopAuditSink returns an AuditSink that discards events.
func NopAuditSink() AuditSink { return nopAuditSink{} }

func (nopAuditSink) Emit(context.Context, AuditEvent) {}

// TruncateKey shortens keys longer than MaxAuditKeyLen runes.
func TruncateKey(key string) string {
	return truncateRunes(key, MaxAuditKeyLen)
}

// TruncatePayload replaces control characters with '?' and shortens the
// result to MaxAuditPayloadLen runes.
func TruncatePayload(payload string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '?'
		}
		return r
	}, payload)
	return truncateRunes(clean, MaxAuditPayloadLen)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + truncatedMarker
		}
		i++
	}
	return s
}
