package security

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jonwraymond/pagecache/observe"
)

// MaxMatchLen bounds the excerpt carried by a Verdict.
const MaxMatchLen = 100

// Verdict is the outcome of validating one piece of content.
type Verdict struct {
	// Accept reports whether the content may be cached.
	Accept bool

	// Severity ranks the finding. SeverityNone when accepted.
	Severity Severity

	// Pattern names the detector or rule that matched.
	Pattern string

	// Match is the offending excerpt, at most MaxMatchLen runes with
	// control characters replaced.
	Match string

	Reason        string
	Elapsed       time.Duration
	CorrelationID string
}

// Blocks reports whether the verdict rejects content at or above threshold.
// A threshold of SeverityNone is treated as SeverityLow.
func (v Verdict) Blocks(threshold Severity) bool {
	return !v.Accept && v.Severity >= max(threshold, SeverityLow)
}

// Validator inspects content before it is cached.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Content: implementations must not retain or log content beyond the
//   Verdict excerpt.
// - Cancellation: a done ctx must yield a rejecting Verdict.
type Validator interface {
	Validate(ctx context.Context, content []byte, contextKey string) Verdict
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, content []byte, contextKey string) Verdict

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, content []byte, contextKey string) Verdict {
	return f(ctx, content, contextKey)
}

// Chain runs validators in order and returns the most severe rejection.
// It stops early at a critical rejection. Nil members are skipped.
type Chain []Validator

// Validate implements Validator.
func (c Chain) Validate(ctx context.Context, content []byte, contextKey string) Verdict {
	start := time.Now()
	var worst *Verdict
	for _, v := range c {
		if v == nil {
			continue
		}
		verdict := v.Validate(ctx, content, contextKey)
		if verdict.Accept {
			continue
		}
		if worst == nil || verdict.Severity > worst.Severity {
			worst = &verdict
		}
		if verdict.Severity >= SeverityCritical {
			break
		}
	}
	if worst != nil {
		worst.Elapsed = time.Since(start)
		return *worst
	}
	return accepted(ctx, start)
}

// SizeValidator rejects content larger than MaxBytes.
type SizeValidator struct {
	// MaxBytes is the largest cacheable body. Non-positive disables the cap.
	MaxBytes int

	// Severity ranks an oversized body.
	// Default: SeverityMedium
	Severity Severity

	// Audit receives rejections. Optional.
	Audit observe.AuditSink
}

// Validate implements Validator.
func (s SizeValidator) Validate(ctx context.Context, content []byte, contextKey string) Verdict {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return canceled(ctx, start, err)
	}
	if s.MaxBytes <= 0 || len(content) <= s.MaxBytes {
		return accepted(ctx, start)
	}
	severity := s.Severity
	if severity == SeverityNone {
		severity = SeverityMedium
	}
	v := Verdict{
		Severity:      severity,
		Pattern:       "size_limit",
		Reason:        fmt.Sprintf("content is %d bytes, limit %d", len(content), s.MaxBytes),
		Elapsed:       time.Since(start),
		CorrelationID: observe.CorrelationID(ctx),
	}
	emit(ctx, s.Audit, v, contextKey)
	return v
}

func accepted(ctx context.Context, start time.Time) Verdict {
	return Verdict{
		Accept:        true,
		Elapsed:       time.Since(start),
		CorrelationID: observe.CorrelationID(ctx),
	}
}

func canceled(ctx context.Context, start time.Time, err error) Verdict {
	return Verdict{
		Severity:      SeverityCritical,
		Pattern:       "scan_canceled",
		Reason:        "scan did not complete: " + err.Error(),
		Elapsed:       time.Since(start),
		CorrelationID: observe.CorrelationID(ctx),
	}
}

func emit(ctx context.Context, sink observe.AuditSink, v Verdict, contextKey string) {
	if sink == nil {
		return
	}
	sink.Emit(ctx, observe.AuditEvent{
		Kind:          observe.AuditContentRejected,
		Severity:      v.Severity.String(),
		CorrelationID: v.CorrelationID,
		Key:           contextKey,
		Payload:       v.Match,
		Elapsed:       v.Elapsed,
		Fields: []observe.Field{
			{Key: "pattern", Value: v.Pattern},
			{Key: "reason", Value: v.Reason},
		},
	})
}

// excerpt replaces control characters and cuts s to MaxMatchLen runes.
func excerpt(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '?'
		}
		return r
	}, s)
	if utf8.RuneCountInString(s) <= MaxMatchLen {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxMatchLen {
			return s[:i]
		}
		n++
	}
	return s
}
