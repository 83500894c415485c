package cachekey

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/jonwraymond/pagecache/resilience"
)

// MaxKeyBytes is the default byte budget for an assembled key.
const MaxKeyBytes = 2048

// suspiciousPattern is one named heuristic.
type suspiciousPattern struct {
	name string
	re   *regexp.Regexp
}

// Separators a sanitized key may carry between SQL words.
const (
	sqlSep    = `(?:\\? |\\?\+|%20|%09|/\\\*\\\*/)+`
	sqlSepOpt = `(?:\\? |\\?\+|%20|%09)*`
)

var suspiciousPatterns = []suspiciousPattern{
	{"repeated_slashes", regexp.MustCompile(`[/\\]{3,}`)},
	{"repeated_escapes", regexp.MustCompile(`(?:\\.){5,}`)},
	{"sql_keywords", regexp.MustCompile(`(?i)` +
		`union` + sqlSep + `(?:all` + sqlSep + `)?select` +
		`|insert` + sqlSep + `into` +
		`|delete` + sqlSep + `from` +
		`|drop` + sqlSep + `(?:table|database)` +
		`|(?:sleep|benchmark)\\?\(` +
		`|waitfor` + sqlSep + `delay` +
		`|'` + sqlSepOpt + `or` + sqlSep + `'?1'?` + sqlSepOpt + `\\?=` + sqlSepOpt + `'?1`)},
	{"path_traversal", regexp.MustCompile(`(?i)\.\./|\.\.\\|/\.\.|\\\.\.|%2e%2e`)},
	{"null_byte", regexp.MustCompile(`(?i)%00|\\0|\\x00|\\u0000`)},
	{"repeated_colons", regexp.MustCompile(`:{5,}`)},
}

// allowed is the full-key character class: alphanumerics, -_:./\, escape
// pairs of printable ASCII, and percent-hex pairs.
var allowed = regexp.MustCompile(`^(?:\\[ -~]|[A-Za-z0-9\-_:./\\]|%[0-9A-Fa-f]{2})+$`)

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid   bool
	Kind    Kind
	Details string
}

// Err returns nil for a valid result and a *KeyError otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &KeyError{Kind: r.Kind, Details: r.Details}
}

func invalid(kind Kind, format string, args ...any) ValidationResult {
	return ValidationResult{Kind: kind, Details: fmt.Sprintf(format, args...)}
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// MaxKeyBytes is the UTF-8 byte budget for a key.
	// Default: 2048
	MaxKeyBytes int

	// Timeout bounds all pattern matching for one key. A key whose checks
	// do not finish in time is invalid.
	// Default: 25ms
	Timeout time.Duration
}

// Validator performs the post-assembly acceptance check on keys.
// It is stateless and safe for concurrent use.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator creates a Validator, applying defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.MaxKeyBytes <= 0 {
		cfg.MaxKeyBytes = MaxKeyBytes
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 25 * time.Millisecond
	}
	return &Validator{cfg: cfg}
}

var defaultValidator = NewValidator(ValidatorConfig{})

// Validate checks key with the default Validator.
func Validate(key string) ValidationResult {
	return defaultValidator.Validate(key)
}

// ValidateOrFail checks key with the default Validator and returns a
// *KeyError on failure.
func ValidateOrFail(key string) error {
	return defaultValidator.ValidateOrFail(key)
}

// ValidateOrFail returns a *KeyError when key is not acceptable.
func (v *Validator) ValidateOrFail(key string) error {
	return v.Validate(key).Err()
}

// Validate runs the ordered checks: empty, length, control characters,
// suspicious patterns, allowed characters. The first failure wins.
func (v *Validator) Validate(key string) ValidationResult {
	if key == "" {
		return invalid(KindEmptyKey, "key is empty")
	}
	if len(key) > v.cfg.MaxKeyBytes {
		return invalid(KindTooLong, "%d bytes exceeds %d", len(key), v.cfg.MaxKeyBytes)
	}
	if i := strings.IndexFunc(key, unicode.IsControl); i >= 0 {
		return invalid(KindControlCharacters, "control character at byte %d", i)
	}

	res, err := resilience.Bounded(context.Background(), v.cfg.Timeout, func() ValidationResult {
		return matchPatterns(key)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrTimeout) {
			return invalid(KindPatternTimeout, "pattern checks exceeded %s", v.cfg.Timeout)
		}
		return invalid(KindPatternTimeout, "pattern checks aborted: %v", err)
	}
	return res
}

func matchPatterns(key string) ValidationResult {
	for _, p := range suspiciousPatterns {
		if p.re.MatchString(key) {
			return invalid(KindSuspiciousPattern, "matched %s", p.name)
		}
	}
	if !allowed.MatchString(key) {
		return invalid(KindInvalidCharacters, "characters outside the allowed set")
	}
	return ValidationResult{Valid: true}
}
