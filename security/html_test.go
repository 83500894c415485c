package security

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonwraymond/pagecache/observe"
)

const safePage = `<html><head><title>Shop</title><link rel="stylesheet" href="/site.css"></head>` +
	`<body><h1>Products</h1><a href="/products?id=42&amp;sort=asc">Next</a>` +
	`<img src="/img/a.png" alt="A"><form action="/search" method="get">` +
	`<input name="q" type="text"><button type="submit">Go</button></form>` +
	`<svg viewBox="0 0 10 10"><title>icon</title><path d="M0 0h10v10z"/></svg>` +
	`<!-- regular comment --><p>Price: 100% off &amp; more. Once upon a time, one=1.</p></body></html>`

func TestHTMLValidator_Accepts(t *testing.T) {
	v := NewHTMLValidator(HTMLConfig{})
	ctx := context.Background()

	for _, content := range []string{
		"",
		"<div><p>Hello</p></div>",
		safePage,
		`<input name="email" id="email-field">`,
	} {
		got := v.Validate(ctx, []byte(content), "k")
		if !got.Accept {
			t.Errorf("Validate(%.40q) rejected: %+v", content, got)
		}
	}
}

func TestHTMLValidator_Rejects(t *testing.T) {
	v := NewHTMLValidator(HTMLConfig{})
	ctx := context.Background()

	tests := []struct {
		name     string
		content  string
		pattern  string
		severity Severity
	}{
		{"inline handler", `<button onclick='alert(1)'>`, DetectEventHandler, SeverityCritical},
		{"javascript url", `<a href='javascript:alert(1)'>`, DetectJavaScriptURL, SeverityCritical},
		{"script element", `<script>alert(1)</script>`, DetectScriptElement, SeverityCritical},
		{"spaced javascript url", "<a href=\"java\tscript:x\">", DetectJavaScriptURL, SeverityCritical},
		{"vbscript url", `<a href="vbscript:msgbox(1)">`, DetectVBScriptURL, SeverityCritical},
		{"eval", `<p>eval(atob('x'))</p>`, DetectDangerousAPI, SeverityHigh},
		{"cookie access", `<div>document.cookie</div>`, DetectDangerousAPI, SeverityHigh},
		{"storage access", `<p>localStorage.getItem('t')</p>`, DetectDangerousAPI, SeverityHigh},
		{"base64 svg", `<img src="data:image/svg+xml;base64,PHN2ZyBvbmxvYWQ9YWxlcnQoMSk+">`, DetectBase64Script, SeverityHigh},
		{"css expression", `<div style="width: expression(alert(1))">`, DetectCSSExpression, SeverityHigh},
		{"svg animate", `<svg><animate attributeName="href" values="x"/></svg>`, DetectSVGMathScript, SeverityHigh},
		{"iframe srcdoc", `<iframe srcdoc="<p>x</p>"></iframe>`, DetectDangerousSource, SeverityHigh},
		{"data uri image", `<img src="data:text/html,hello">`, DetectDangerousSource, SeverityHigh},
		{"dom clobbering", `<form id="location"></form>`, DetectDOMClobbering, SeverityMedium},
		{"template injection", `<p>{{constructor.constructor('alert(1)')()}}</p>`, DetectTemplateInjection, SeverityMedium},
		{"backtick attribute", "<a title=`x`>y</a>", DetectBacktickBreakout, SeverityHigh},
		{"decimal entity protocol", `<a href="&#106;avascript:alert(1)">x</a>`, DetectEncodedProtocol, SeverityHigh},
		{"hex entity protocol", `<a href="&#x6A;avascript&colon;alert(1)">x</a>`, DetectEncodedProtocol, SeverityHigh},
		{"double url encoded protocol", `<a href="%256Aavascript:alert(1)">x</a>`, DetectEncodedProtocol, SeverityHigh},
		{"octal escaped protocol", `<a href="\152avascript:alert(1)">x</a>`, DetectEncodedProtocol, SeverityHigh},
		{"malformed closing tag", `<textarea></textarea foo><p>x</p>`, DetectMalformedClosing, SeverityMedium},
		{"abrupt comment", `<!--><p>x</p>`, DetectMalformedClosing, SeverityMedium},
		{"namespace confusion", `<math><mglyph><style></style></mglyph></math>`, DetectNamespaceConfuse, SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(ctx, []byte(tt.content), "k")
			if got.Accept {
				t.Fatalf("accepted %q", tt.content)
			}
			if got.Pattern != tt.pattern || got.Severity != tt.severity {
				t.Errorf("got %s/%v, want %s/%v (match %q)", got.Pattern, got.Severity, tt.pattern, tt.severity, got.Match)
			}
			if got.Match == "" || len([]rune(got.Match)) > MaxMatchLen {
				t.Errorf("Match = %q", got.Match)
			}
		})
	}
}

func TestHTMLValidator_MostSevereWins(t *testing.T) {
	sink := &recordingSink{}
	v := NewHTMLValidator(HTMLConfig{Audit: sink})
	ctx := context.Background()

	tests := []struct {
		name     string
		content  string
		pattern  string
		severity Severity
	}{
		{"medium then advanced high", `<p id="location">x</p><a href="&#106;avascript:alert(1)">go</a>`,
			DetectEncodedProtocol, SeverityHigh},
		{"medium then backtick", "<p id=\"location\">x</p><a title=`x`>y</a>", DetectBacktickBreakout, SeverityHigh},
		{"high then critical", `<p>eval(x)</p><button onclick='go()'>`, DetectEventHandler, SeverityCritical},
		{"two highs keep first", `<p>eval(atob('x'))</p>`, DetectDangerousAPI, SeverityHigh},
		{"medium only", `<form id="location"></form>`, DetectDOMClobbering, SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(ctx, []byte(tt.content), "k")
			if got.Accept || got.Pattern != tt.pattern || got.Severity != tt.severity {
				t.Fatalf("got %s/%v accept=%v, want %s/%v", got.Pattern, got.Severity, got.Accept, tt.pattern, tt.severity)
			}
			if tt.severity >= SeverityHigh && !got.Blocks(SeverityHigh) {
				t.Errorf("verdict %+v does not block at high", got)
			}
		})
	}
	if n := len(sink.Events()); n != len(tests) {
		t.Errorf("got %d audit events, want one per rejection", n)
	}
}

func TestHTMLValidator_ScriptCount(t *testing.T) {
	v := NewHTMLValidator(HTMLConfig{AllowScriptElements: true, MaxScriptTags: 2})
	ctx := context.Background()
	script := `<script src="/app.js"></script>`

	if got := v.Validate(ctx, []byte(strings.Repeat(script, 2)), "k"); !got.Accept {
		t.Fatalf("two scripts must pass: %+v", got)
	}
	got := v.Validate(ctx, []byte(strings.Repeat(script, 3)), "k")
	if got.Accept || got.Pattern != DetectScriptCount {
		t.Fatalf("got %+v", got)
	}
	// Script markup inside a comment is not an element.
	commented := strings.Repeat(script, 2) + "<!-- " + script + " -->"
	if got := v.Validate(ctx, []byte(commented), "k"); !got.Accept {
		t.Errorf("commented script counted: %+v", got)
	}
}

func TestHTMLValidator_Disabled(t *testing.T) {
	v := NewHTMLValidator(HTMLConfig{Disabled: []string{DetectEventHandler}})
	for _, name := range v.Detectors() {
		if name == DetectEventHandler {
			t.Fatal("disabled detector still active")
		}
	}
	if got := v.Validate(context.Background(), []byte(`<button onclick='go()'>`), "k"); !got.Accept {
		t.Errorf("got %+v", got)
	}
}

func TestHTMLValidator_Order(t *testing.T) {
	names := NewHTMLValidator(HTMLConfig{}).Detectors()
	if len(names) != len(DefaultDetectors())+1 {
		t.Fatalf("got %d detectors", len(names))
	}
	if names[0] != DetectScriptElement || names[len(names)-1] != DetectScriptCount {
		t.Errorf("unexpected order: %v", names)
	}

	rank := map[Tier]int{TierCritical: 0, TierHigh: 1, TierMedium: 2, TierAdvanced: 3}
	prev := 0
	for _, d := range DefaultDetectors() {
		if rank[d.Tier] < prev {
			t.Errorf("%s in tier %s runs after a later tier", d.Name, d.Tier)
		}
		prev = rank[d.Tier]
	}
}

func TestHTMLValidator_DetectorTimeoutContinues(t *testing.T) {
	var buf bytes.Buffer
	slow := Detector{Name: "slow", Tier: TierHigh, Severity: SeverityCritical, Match: func(string) (string, bool) {
		time.Sleep(200 * time.Millisecond)
		return "x", true
	}}
	marker := Detector{Name: "marker", Tier: TierMedium, Severity: SeverityMedium, Match: func(s string) (string, bool) {
		return s, strings.Contains(s, "marker")
	}}
	v := NewHTMLValidator(HTMLConfig{
		DetectorTimeout: 5 * time.Millisecond,
		Detectors:       []Detector{slow, marker},
		Logger:          observe.NewLoggerWithWriter("debug", &buf),
	})

	got := v.Validate(context.Background(), []byte("<p>marker</p>"), "k")
	if got.Accept || got.Pattern != "marker" {
		t.Fatalf("timed out detector must be skipped: %+v", got)
	}
	if !strings.Contains(buf.String(), "content detector timed out") {
		t.Errorf("timeout not logged: %s", buf.String())
	}
}

func TestHTMLValidator_CanceledRejects(t *testing.T) {
	sink := &recordingSink{}
	v := NewHTMLValidator(HTMLConfig{Audit: sink})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := v.Validate(ctx, []byte("<div><p>Hello</p></div>"), "k")
	if got.Accept || got.Pattern != "scan_canceled" || got.Severity != SeverityCritical {
		t.Fatalf("got %+v", got)
	}
	if len(sink.Events()) != 1 {
		t.Error("cancellation must be audited")
	}
}

func TestHTMLValidator_Audit(t *testing.T) {
	sink := &recordingSink{}
	v := NewHTMLValidator(HTMLConfig{Audit: sink})
	ctx := observe.WithCorrelationID(context.Background(), "corr-7")
	content := `<p>` + strings.Repeat("padding ", 50) + `</p><button onclick='steal()'>` + strings.Repeat("secret ", 50)

	got := v.Validate(ctx, []byte(content), "PageCache:/account")
	if got.Accept {
		t.Fatal("expected rejection")
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	ev := events[0]
	if ev.Kind != observe.AuditContentRejected || ev.Severity != "critical" || ev.CorrelationID != "corr-7" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Key != "PageCache:/account" {
		t.Errorf("Key = %q", ev.Key)
	}
	if strings.Contains(ev.Payload, "secret") || strings.Contains(ev.Payload, "padding") {
		t.Errorf("payload carries surrounding content: %q", ev.Payload)
	}
}

func TestHTMLValidator_Concurrent(t *testing.T) {
	v := NewHTMLValidator(HTMLConfig{})
	done := make(chan bool)
	for i := 0; i < 16; i++ {
		go func(i int) {
			content := safePage
			if i%2 == 1 {
				content = `<a href='javascript:alert(1)'>`
			}
			done <- v.Validate(context.Background(), []byte(content), "k").Accept == (i%2 == 0)
		}(i)
	}
	for i := 0; i < 16; i++ {
		if !<-done {
			t.Error("unexpected verdict under concurrency")
		}
	}
}
