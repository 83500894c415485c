package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
)

// ExpandEnvStrict substitutes environment variables in s before it is
// parsed as YAML.
//
//	${NAME}  value of NAME, an error when NAME is unset
//	$NAME    value of NAME, empty when unset
//	$$       a literal dollar
//
// Any other dollar is kept as is. Every unset ${NAME} is named in the one
// returned error.
func ExpandEnvStrict(s string) (string, error) {
	return expandEnv(s, os.LookupEnv)
}

func expandEnv(s string, lookup func(string) (string, bool)) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	missing := map[string]bool{}

	for i := 0; i < len(s); {
		if s[i] != '$' || i+1 == len(s) {
			b.WriteByte(s[i])
			i++
			continue
		}

		switch next := s[i+1]; {
		case next == '$':
			b.WriteByte('$')
			i += 2
		case next == '{':
			end := strings.IndexByte(s[i+2:], '}')
			name := ""
			if end >= 0 {
				name = s[i+2 : i+2+end]
			}
			if !isEnvName(name) {
				b.WriteByte('$')
				i++
				continue
			}
			if v, ok := lookup(name); ok {
				b.WriteString(v)
			} else {
				missing[name] = true
			}
			i += len(name) + 3
		default:
			n := envNameLen(s[i+1:])
			if n == 0 {
				b.WriteByte('$')
				i++
				continue
			}
			v, _ := lookup(s[i+1 : i+1+n])
			b.WriteString(v)
			i += n + 1
		}
	}

	if len(missing) > 0 {
		names := slices.Sorted(maps.Keys(missing))
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(names, ", "))
	}
	return b.String(), nil
}

// envNameLen returns the length of the variable name at the start of s.
func envNameLen(s string) int {
	n := 0
	for n < len(s) && (s[n] == '_' || isLetter(s[n]) || (n > 0 && isDigit(s[n]))) {
		n++
	}
	return n
}

func isEnvName(s string) bool {
	return s != "" && envNameLen(s) == len(s)
}

func isLetter(c byte) bool { return c|0x20 >= 'a' && c|0x20 <= 'z' }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
