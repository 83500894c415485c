package cachekey

import "errors"

// Sentinel errors. KeyError unwraps to one of these.
var (
	ErrEmptyKey          = errors.New("cachekey: empty key")
	ErrKeyTooLong        = errors.New("cachekey: key too long")
	ErrControlCharacters = errors.New("cachekey: control characters in key")
	ErrSuspiciousPattern = errors.New("cachekey: suspicious pattern in key")
	ErrInvalidCharacters = errors.New("cachekey: invalid characters in key")
	ErrPatternTimeout    = errors.New("cachekey: pattern check timed out")
	ErrSegmentTooLong    = errors.New("cachekey: sanitized segment too long")
	ErrNoIdentifier      = errors.New("cachekey: no identifier for authenticated caching")
)

// Kind classifies a key failure.
type Kind int

const (
	KindNone Kind = iota
	KindEmptyKey
	KindTooLong
	KindControlCharacters
	KindSuspiciousPattern
	KindInvalidCharacters
	KindPatternTimeout
	KindSegmentTooLong
	KindNoIdentifier
)

var kindNames = [...]string{
	KindNone:              "None",
	KindEmptyKey:          "EmptyKey",
	KindTooLong:           "TooLong",
	KindControlCharacters: "ControlCharacters",
	KindSuspiciousPattern: "SuspiciousPattern",
	KindInvalidCharacters: "InvalidCharacters",
	KindPatternTimeout:    "PatternTimeout",
	KindSegmentTooLong:    "SegmentTooLong",
	KindNoIdentifier:      "NoIdentifier",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

func (k Kind) sentinel() error {
	switch k {
	case KindEmptyKey:
		return ErrEmptyKey
	case KindTooLong:
		return ErrKeyTooLong
	case KindControlCharacters:
		return ErrControlCharacters
	case KindSuspiciousPattern:
		return ErrSuspiciousPattern
	case KindInvalidCharacters:
		return ErrInvalidCharacters
	case KindPatternTimeout:
		return ErrPatternTimeout
	case KindSegmentTooLong:
		return ErrSegmentTooLong
	case KindNoIdentifier:
		return ErrNoIdentifier
	default:
		return nil
	}
}

// KeyError reports why a key or key component was refused.
type KeyError struct {
	Kind    Kind
	Details string
}

func (e *KeyError) Error() string {
	msg := "cachekey: " + e.Kind.String()
	if s := e.Kind.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (e *KeyError) Unwrap() error {
	return e.Kind.sentinel()
}
