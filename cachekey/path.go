package cachekey

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// fold applies Unicode case folding between NFC passes. A Caser is
// stateful, so one is created per call.
func fold(s string) string {
	return norm.NFC.String(cases.Fold().String(norm.NFC.String(s)))
}

// NormalizePath canonicalizes a request path for use in a key: NFC, case
// folded, invisible characters removed, backslashes turned into slashes,
// dot segments and duplicate slashes collapsed, leftover ".." neutralized,
// non-ASCII percent-encoded, dangerous characters escaped and the trailing
// slash trimmed (except for the root).
func NormalizePath(p string) string {
	p = stripInvisible(fold(p))
	p = strings.ReplaceAll(p, `\`, "/")
	p = collapseSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	return escapeComponent(escape(p))
}

// NormalizePattern canonicalizes a route glob so its literal runs compare
// equal to routes produced by NormalizePath. '*' stays the wildcard. A
// pattern without '*' is normalized as a path.
func NormalizePattern(glob string) string {
	glob = strings.TrimSpace(glob)
	if !strings.Contains(glob, "*") {
		return NormalizePath(glob)
	}
	runs := strings.Split(glob, "*")
	for i, run := range runs {
		run = stripInvisible(fold(run))
		run = squeezeSpace(strings.ReplaceAll(run, `\`, "/"))
		if i == 0 && run != "" && run[0] != '/' {
			run = "/" + run
		}
		runs[i] = escapeComponent(escape(run))
	}
	return strings.Join(runs, "*")
}

// squeezeSpace is collapseSpace without the trim, for runs that sit next
// to a wildcard.
func squeezeSpace(s string) string {
	if strings.IndexFunc(s, unicode.IsSpace) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !space {
				b.WriteByte(' ')
			}
			space = true
			continue
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
