package security

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
)

// HTMLConfig configures an HTMLValidator.
type HTMLConfig struct {
	// DetectorTimeout bounds each detector. A detector that overruns is
	// logged and skipped.
	// Default: 25ms
	DetectorTimeout time.Duration

	// MaxScriptTags caps the number of script elements.
	// Default: 20
	MaxScriptTags int

	// AllowScriptElements drops the script element detector, leaving only
	// the count cap. For pages that legitimately ship inline scripts.
	AllowScriptElements bool

	// Disabled lists detector names to skip.
	Disabled []string

	// Detectors replaces the standard battery.
	// Default: DefaultDetectors()
	Detectors []Detector

	// Audit receives rejections.
	// Default: no-op sink
	Audit observe.AuditSink

	// Logger receives detector timeouts.
	// Default: no-op logger
	Logger observe.Logger
}

// HTMLValidator runs an ordered detector battery over candidate HTML and
// rejects at the first match.
type HTMLValidator struct {
	config    HTMLConfig
	detectors []Detector
}

var _ Validator = (*HTMLValidator)(nil)

// NewHTMLValidator builds the detector table once. The table is not
// modified afterwards.
func NewHTMLValidator(config HTMLConfig) *HTMLValidator {
	if config.DetectorTimeout <= 0 {
		config.DetectorTimeout = 25 * time.Millisecond
	}
	if config.MaxScriptTags <= 0 {
		config.MaxScriptTags = 20
	}
	if config.Detectors == nil {
		config.Detectors = defaultDetectors
	}
	if config.Audit == nil {
		config.Audit = observe.NopAuditSink()
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}

	all := append(slices.Clip(config.Detectors), scriptCount(config.MaxScriptTags))
	detectors := make([]Detector, 0, len(all))
	for _, d := range all {
		if d.Match == nil || slices.Contains(config.Disabled, d.Name) {
			continue
		}
		if config.AllowScriptElements && d.Name == DetectScriptElement {
			continue
		}
		detectors = append(detectors, d)
	}

	return &HTMLValidator{config: config, detectors: detectors}
}

// Detectors returns the names of the active detectors in evaluation order.
func (v *HTMLValidator) Detectors() []string {
	names := make([]string, len(v.detectors))
	for i, d := range v.detectors {
		names[i] = d.Name
	}
	return names
}

type detection struct {
	match string
	ok    bool
}

// Validate implements Validator. It reports the most severe matching
// detector, first in evaluation order on ties, and stops at a critical match.
func (v *HTMLValidator) Validate(ctx context.Context, content []byte, contextKey string) Verdict {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return v.reject(ctx, canceled(ctx, start, err), contextKey)
	}
	if len(content) == 0 {
		return accepted(ctx, start)
	}

	s := string(content)
	var worst *Verdict
	for _, d := range v.detectors {
		if worst != nil && d.Severity <= worst.Severity {
			continue
		}
		res, err := resilience.Bounded(ctx, v.config.DetectorTimeout, func() detection {
			m, ok := d.Match(s)
			return detection{match: m, ok: ok}
		})
		if errors.Is(err, resilience.ErrTimeout) {
			v.config.Logger.Warn(ctx, "content detector timed out, skipping",
				observe.Field{Key: "detector", Value: d.Name},
				observe.Field{Key: "tier", Value: string(d.Tier)},
				observe.Field{Key: "cache_key", Value: contextKey},
				observe.Field{Key: "timeout_ms", Value: v.config.DetectorTimeout.Milliseconds()})
			continue
		}
		if err != nil {
			return v.reject(ctx, canceled(ctx, start, err), contextKey)
		}
		if !res.ok {
			continue
		}
		worst = &Verdict{
			Severity:      d.Severity,
			Pattern:       d.Name,
			Match:         excerpt(res.match),
			Reason:        string(d.Tier) + " tier detector " + d.Name + " matched",
			CorrelationID: observe.CorrelationID(ctx),
		}
		if d.Severity >= SeverityCritical {
			break
		}
	}
	if worst == nil {
		return accepted(ctx, start)
	}
	worst.Elapsed = time.Since(start)
	return v.reject(ctx, *worst, contextKey)
}

func (v *HTMLValidator) reject(ctx context.Context, verdict Verdict, contextKey string) Verdict {
	emit(ctx, v.config.Audit, verdict, contextKey)
	return verdict
}
