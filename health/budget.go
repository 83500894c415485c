package health

import (
	"context"
	"fmt"
)

// BudgetConfig configures a BudgetChecker.
type BudgetConfig struct {
	// Limit is the budget that Usage is measured against. Required.
	Limit int64

	// Usage reports current consumption, e.g. cached bytes. Required.
	Usage func() int64

	// WarningThreshold is the fraction of Limit that degrades the check.
	// Default: 0.8
	WarningThreshold float64

	// CriticalThreshold is the fraction of Limit that fails the check.
	// Default: 0.95
	CriticalThreshold float64
}

// BudgetChecker compares a usage gauge against a limit. The page cache
// uses it for the cached byte quota.
type BudgetChecker struct {
	name   string
	config BudgetConfig
}

var _ Checker = (*BudgetChecker)(nil)

// NewBudgetChecker creates a BudgetChecker.
func NewBudgetChecker(name string, config BudgetConfig) *BudgetChecker {
	if config.WarningThreshold <= 0 || config.WarningThreshold >= 1 {
		config.WarningThreshold = 0.8
	}
	if config.CriticalThreshold <= 0 || config.CriticalThreshold > 1 {
		config.CriticalThreshold = 0.95
	}
	if config.CriticalThreshold < config.WarningThreshold {
		config.CriticalThreshold = min(config.WarningThreshold+0.1, 1)
	}
	return &BudgetChecker{name: name, config: config}
}

// Name returns the name of this checker.
func (b *BudgetChecker) Name() string { return b.name }

// Check compares usage against the limit.
func (b *BudgetChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}
	if b.config.Usage == nil || b.config.Limit <= 0 {
		return Healthy("no budget configured")
	}

	used := b.config.Usage()
	ratio := float64(used) / float64(b.config.Limit)
	details := map[string]any{
		"used":          used,
		"limit":         b.config.Limit,
		"usage_percent": ratio * 100,
	}

	switch {
	case ratio >= b.config.CriticalThreshold:
		return Unhealthy(fmt.Sprintf("%s usage critical: %.1f%%", b.name, ratio*100), ErrCheckFailed).
			WithDetails(details)
	case ratio >= b.config.WarningThreshold:
		return Degraded(fmt.Sprintf("%s usage high: %.1f%%", b.name, ratio*100)).
			WithDetails(details)
	default:
		return Healthy(fmt.Sprintf("%s usage normal: %.1f%%", b.name, ratio*100)).
			WithDetails(details)
	}
}
