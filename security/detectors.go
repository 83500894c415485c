package security

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// Tier groups detectors. Tiers run from critical to advanced.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierAdvanced Tier = "advanced"
)

// MatchFunc returns the first offending excerpt in content, if any.
// It must be safe for concurrent use and must not retain content.
type MatchFunc func(content string) (match string, ok bool)

// Detector is one named check in the battery.
type Detector struct {
	Name     string
	Tier     Tier
	Severity Severity
	Match    MatchFunc
}

// Detector names.
const (
	DetectScriptElement     = "script_element"
	DetectEventHandler      = "event_handler"
	DetectJavaScriptURL     = "javascript_protocol"
	DetectVBScriptURL       = "vbscript_protocol"
	DetectDangerousAPI      = "dangerous_api"
	DetectBase64Script      = "base64_script"
	DetectCSSExpression     = "css_expression"
	DetectSVGMathScript     = "svg_mathml_script"
	DetectDangerousSource   = "dangerous_element_source"
	DetectDOMClobbering     = "dom_clobbering"
	DetectTemplateInjection = "template_injection"
	DetectBacktickBreakout  = "backtick_breakout"
	DetectEncodedProtocol   = "encoded_protocol"
	DetectMalformedClosing  = "malformed_closing_tag"
	DetectNamespaceConfuse  = "namespace_confusion"
	DetectScriptCount       = "script_count"
)

// spaced matches word with whitespace or NUL bytes between its letters.
func spaced(word string) string {
	parts := make([]string, len(word))
	for i := range word {
		parts[i] = regexp.QuoteMeta(word[i : i+1])
	}
	return strings.Join(parts, `[\s\x00]*`)
}

func pattern(expr string) MatchFunc {
	re := regexp.MustCompile(expr)
	return func(content string) (string, bool) {
		loc := re.FindStringIndex(content)
		if loc == nil {
			return "", false
		}
		return content[loc[0]:loc[1]], true
	}
}

const (
	clobberNames = `location|document|window|cookie|domain|referrer|alert|eval|self|top|parent|` +
		`opener|frames|defaultview|innerhtml|outerhtml|attributes|body|head|forms|images|` +
		`links|scripts|getelementbyid|queryselector`

	rawTextElements = `script|style|title|textarea|noscript|xmp|iframe|noembed|noframes|plaintext`
)

// defaultDetectors is built once and shared read-only.
var defaultDetectors = []Detector{
	{DetectScriptElement, TierCritical, SeverityCritical,
		pattern(`(?i)<[\s/]*script\b`)},
	{DetectEventHandler, TierCritical, SeverityCritical,
		pattern(`(?i)<[a-z][^>]*?[\s"'/]on[a-z]{3,}[\s\x00]*=`)},
	{DetectJavaScriptURL, TierCritical, SeverityCritical,
		pattern(`(?i)` + spaced("javascript") + `[\s\x00]*:`)},
	{DetectVBScriptURL, TierCritical, SeverityCritical,
		pattern(`(?i)` + spaced("vbscript") + `[\s\x00]*:`)},

	{DetectDangerousAPI, TierHigh, SeverityHigh,
		pattern(`(?i)\beval\s*\(|\bdocument\s*\.\s*(?:cookie|domain|write(?:ln)?\s*\()|` +
			`\b(?:local|session)storage\b|\bnew\s+function\s*\(|` +
			`\bset(?:timeout|interval)\s*\(\s*["'` + "`" + `]`)},
	{DetectBase64Script, TierHigh, SeverityHigh,
		pattern(`(?i:data:[a-z0-9/+.-]*;base64,)\s*(?:PHNjcmlw|PHN2Z|PGlmcmFt|amF2YXNjcmlw)|(?i:\batob\s*\()`)},
	{DetectCSSExpression, TierHigh, SeverityHigh,
		pattern(`(?i)\bexpression\s*\(|-moz-binding\s*:|\bbehavior\s*:\s*url\s*\(`)},
	{DetectSVGMathScript, TierHigh, SeverityHigh,
		pattern(`(?i)<\s*(?:svg|math)\b[\s\S]*?<\s*(?:script|animate|set|handler|maction|foreignobject)\b|` +
			`xlink:href\s*=\s*["']?\s*(?:javascript|data)\s*:`)},
	{DetectDangerousSource, TierHigh, SeverityHigh,
		pattern(`(?i)<\s*(?:img|image|iframe|frame|object|embed|form|input|button|video|audio|source|link|base|meta)\b` +
			`[^>]*?\b(?:src|href|data|action|formaction|poster|content)\s*=\s*["']?\s*data\s*:|` +
			`<\s*iframe\b[^>]*?\bsrcdoc\s*=`)},

	{DetectDOMClobbering, TierMedium, SeverityMedium,
		pattern(`(?i)<[a-z][^>]*?\s(?:id|name)\s*=\s*["']?(?:` + clobberNames + `)["'\s/>]`)},
	{DetectTemplateInjection, TierMedium, SeverityMedium,
		pattern(`\{\{[^}]*?(?:constructor|__proto__|prototype|\$on|\$eval|\$emit)|` +
			`\$\{[^}]*?(?:constructor|__proto__|eval|require|process)|` +
			`\{%[^%]*?(?:import|system|popen|exec)|` +
			`<%[=-]?[^%]*?(?:system|exec|eval|require)`)},

	{DetectBacktickBreakout, TierAdvanced, SeverityHigh,
		pattern("(?i)<[a-z][^>]*?\\s[a-z:-]+\\s*=\\s*`")},
	{DetectEncodedProtocol, TierAdvanced, SeverityHigh, decodedProtocol},
	{DetectMalformedClosing, TierAdvanced, SeverityMedium,
		pattern(`(?i)</\s*(?:` + rawTextElements + `)\b[^>]*?[\s/][^>\s]+[^>]*>|<!--!?-?>|--!>`)},
	{DetectNamespaceConfuse, TierAdvanced, SeverityMedium,
		pattern(`(?i)<\s*math\b[\s\S]*?<\s*(?:style|mglyph|malignmark)\b|` +
			`<\s*(?:svg|math)\b[\s\S]*?<\s*(?:noscript|textarea|xmp|noembed|noframes)\b|` +
			`<\s*[a-z]+:(?:script|svg|img|iframe)\b`)},
}

// DefaultDetectors returns the standard battery in evaluation order. The
// script count cap is not part of it; HTMLValidator adds that itself.
func DefaultDetectors() []Detector {
	return append([]Detector(nil), defaultDetectors...)
}

var (
	jsEscape          = regexp.MustCompile(`\\(?:x[0-9A-Fa-f]{2}|u[0-9A-Fa-f]{4}|[0-7]{1,3})`)
	dangerousProtocol = regexp.MustCompile(`(?i)(?:java|vb|live)script:|data:text/html`)
)

// decodedProtocol undoes double percent-encoding, HTML entities (twice) and
// JavaScript hex, unicode and octal escapes, then looks for a script
// protocol in what remains.
func decodedProtocol(content string) (string, bool) {
	if !strings.ContainsAny(content, `&%\`) {
		return "", false
	}
	s := percentDecode(percentDecode(content))
	s = html.UnescapeString(html.UnescapeString(s))
	s = jsEscape.ReplaceAllStringFunc(s, decodeJSEscape)
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	loc := dangerousProtocol.FindStringIndex(s)
	if loc == nil {
		return "", false
	}
	return s[loc[0]:loc[1]], true
}

func percentDecode(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func decodeJSEscape(m string) string {
	var (
		v   uint64
		err error
	)
	switch m[1] {
	case 'x', 'u':
		v, err = strconv.ParseUint(m[2:], 16, 32)
	default:
		v, err = strconv.ParseUint(m[1:], 8, 32)
	}
	if err != nil {
		return m
	}
	return string(rune(v))
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= 'a':
		return c - 'a' + 10
	case c >= 'A':
		return c - 'A' + 10
	default:
		return c - '0'
	}
}

// scriptCount caps the number of script elements, counted with a real HTML
// tokenizer so comments and attribute text are not miscounted.
func scriptCount(limit int) Detector {
	return Detector{
		Name:     DetectScriptCount,
		Tier:     TierAdvanced,
		Severity: SeverityHigh,
		Match: func(content string) (string, bool) {
			z := html.NewTokenizer(strings.NewReader(content))
			n := 0
			for {
				switch z.Next() {
				case html.ErrorToken:
					return "", false
				case html.StartTagToken, html.SelfClosingTagToken:
					if name, _ := z.TagName(); string(name) == "script" {
						n++
						if n > limit {
							return fmt.Sprintf("%d script elements, limit %d", n, limit), true
						}
					}
				}
			}
		},
	}
}
