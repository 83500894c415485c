package config

import (
	"testing"
	"time"

	"github.com/jonwraymond/pagecache/security"
)

func TestPolicyTable_Lookup(t *testing.T) {
	table := NewPolicyTable([]RouteConfig{
		{Prefix: "/admin"},
		{Pattern: "/products/{id}", Duration: 10 * time.Minute, VaryByQuery: []string{"page"}, Tags: []string{"catalog"}},
		{Pattern: "/me", Duration: time.Minute, CacheAuthenticated: true, RejectAt: security.SeverityCritical},
		{Prefix: "/", Duration: time.Minute, Sliding: true},
	}, security.SeverityHigh)

	tests := []struct {
		name     string
		pattern  string
		path     string
		matched  bool
		cache    bool
		rejectAt security.Severity
	}{
		{"prefix no-cache wins first", "/admin/*", "/admin/users", true, false, security.SeverityHigh},
		{"pattern", "/products/{id}", "/products/42", true, true, security.SeverityHigh},
		{"own threshold", "/me", "/me", true, true, security.SeverityCritical},
		{"catch-all prefix", "/about", "/about", true, true, security.SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := table.Lookup(tt.pattern, tt.path)
			if ok != tt.matched {
				t.Fatalf("matched = %v, want %v", ok, tt.matched)
			}
			if p.ShouldCache() != tt.cache {
				t.Errorf("ShouldCache() = %v, want %v", p.ShouldCache(), tt.cache)
			}
			if tt.cache && p.RejectAt != tt.rejectAt {
				t.Errorf("RejectAt = %v, want %v", p.RejectAt, tt.rejectAt)
			}
		})
	}

	p, _ := table.Lookup("/me", "/me")
	if !p.CacheAuthenticated {
		t.Error("CacheAuthenticated not carried")
	}
}

func TestPolicyTable_NoMatch(t *testing.T) {
	table := NewPolicyTable([]RouteConfig{{Pattern: "/products/{id}", Duration: time.Minute}}, security.SeverityLow)

	p, ok := table.Lookup("/blog/{slug}", "/blog/hello")
	if ok || p.ShouldCache() {
		t.Errorf("Lookup() = %+v, %v, want uncached miss", p, ok)
	}
}

func TestPolicyTable_ReturnsCopies(t *testing.T) {
	table := NewPolicyTable([]RouteConfig{
		{Pattern: "/p", Duration: time.Minute, Tags: []string{"a"}, VaryByQuery: []string{"q"}},
	}, security.SeverityLow)

	p, _ := table.Lookup("/p", "/p")
	p.Tags[0] = "mutated"
	p.QueryKeys[0] = "mutated"

	again, _ := table.Lookup("/p", "/p")
	if again.Tags[0] != "a" || again.QueryKeys[0] != "q" {
		t.Errorf("table was mutated through a returned policy: %+v", again)
	}
}

func TestRouteConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		route   RouteConfig
		wantErr bool
	}{
		{"pattern", RouteConfig{Pattern: "/p", Duration: time.Minute}, false},
		{"prefix", RouteConfig{Prefix: "/static"}, false},
		{"neither", RouteConfig{Duration: time.Minute}, true},
		{"both", RouteConfig{Pattern: "/p", Prefix: "/p"}, true},
		{"relative", RouteConfig{Pattern: "p"}, true},
		{"negative", RouteConfig{Pattern: "/p", Duration: -time.Second}, true},
		{"bad header", RouteConfig{Pattern: "/p", VaryByHeader: "X Theme"}, true},
		{"blank tag", RouteConfig{Pattern: "/p", Tags: []string{"ok", " "}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.route.validate(); (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
