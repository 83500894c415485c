package cachekey

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxSegmentBytes is the ceiling on a sanitized segment, measured after
// normalization so lookalike characters cannot bypass it.
const MaxSegmentBytes = 1024

// dangerous lists the ASCII characters that are backslash-escaped.
const dangerous = "*?[]{}|^()+ ;&="

const upperHex = "0123456789ABCDEF"

// Sanitize normalizes and escapes a single untrusted key segment.
// Sanitize(Sanitize(x)) == Sanitize(x) for every x.
func Sanitize(segment string) (string, error) {
	s := collapseSpace(stripInvisible(norm.NFC.String(segment)))
	out := escape(s)
	if len(out) > MaxSegmentBytes {
		return "", &KeyError{
			Kind:    KindSegmentTooLong,
			Details: fmt.Sprintf("%d bytes exceeds %d", len(out), MaxSegmentBytes),
		}
	}
	return out, nil
}

// isInvisible reports zero-width characters and bidirectional controls.
func isInvisible(r rune) bool {
	switch r {
	case '\u200B', '\u200C', '\u200D', '\uFEFF':
		return true
	}
	return (r >= '\u202A' && r <= '\u202E') || (r >= '\u2066' && r <= '\u2069')
}

func stripInvisible(s string) string {
	if strings.IndexFunc(s, isInvisible) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isInvisible(r) {
			return -1
		}
		return r
	}, s)
}

// collapseSpace folds every run of Unicode whitespace into one ASCII space
// and trims both ends.
func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func isEscapable(c byte) bool {
	return c == '%' || strings.IndexByte(dangerous, c) >= 0
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func upperHexDigit(c byte) byte {
	if 'a' <= c && c <= 'f' {
		return c - 'a' + 'A'
	}
	return c
}

// escape walks s byte by byte. Existing escape pairs are copied verbatim
// and percent triplets are upper-cased, which keeps it idempotent.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && isEscapable(s[i+1]):
			b.WriteByte('\\')
			b.WriteByte(s[i+1])
			i += 2
		case c == '.' && i+1 < len(s) && s[i+1] == '.':
			b.WriteString("__")
			i += 2
		case c >= utf8.RuneSelf:
			b.WriteByte('%')
			b.WriteByte(upperHex[c>>4])
			b.WriteByte(upperHex[c&0x0F])
			i++
		case c < 0x20 || c == 0x7F:
			b.WriteByte('_')
			i++
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			// Hex digits are upper-cased so both spellings of a triplet agree
			// with the encoding of a raw non-ASCII byte.
			b.WriteByte('%')
			b.WriteByte(upperHexDigit(s[i+1]))
			b.WriteByte(upperHexDigit(s[i+2]))
			i += 3
		case c == '%':
			b.WriteString(`\%`)
			i++
		case strings.IndexByte(dangerous, c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}
