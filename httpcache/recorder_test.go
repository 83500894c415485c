package httpcache

import (
	"io"
	"net/http"
	"testing"
)

func TestRecorder_RoundTrip(t *testing.T) {
	rec := newRecorder()
	rec.Header().Set("Content-Type", "text/html")
	rec.Header().Set("Connection", "keep-alive")
	rec.Header().Set(HeaderRequestID, "req-1")
	rec.Header().Add("Vary", "Accept-Language")
	_, _ = rec.Write([]byte("<p>hi</p>"))
	rec.WriteHeader(http.StatusTeapot)

	wire, err := rec.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}

	resp, err := decode(wire)
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want the implicit 200 of the first write", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<p>hi</p>" {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("Content-Type") != "text/html" || resp.Header.Get("Vary") != "Accept-Language" {
		t.Errorf("header = %v", resp.Header)
	}
	for _, h := range []string{"Connection", HeaderRequestID} {
		if resp.Header.Get(h) != "" {
			t.Errorf("%s was stored", h)
		}
	}
}

func TestRecorder_Cacheable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		want   bool
	}{
		{"ok", http.StatusOK, nil, true},
		{"public max-age", http.StatusOK, http.Header{"Cache-Control": {"public, max-age=60"}}, true},
		{"no-store", http.StatusOK, http.Header{"Cache-Control": {"No-Store"}}, false},
		{"private", http.StatusOK, http.Header{"Cache-Control": {"max-age=0", "private"}}, false},
		{"cookie", http.StatusOK, http.Header{"Set-Cookie": {"a=b"}}, false},
		{"redirect", http.StatusFound, nil, false},
		{"error", http.StatusInternalServerError, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			for k, v := range tt.header {
				rec.Header()[k] = v
			}
			rec.WriteHeader(tt.status)
			if got := rec.cacheable(); got != tt.want {
				t.Errorf("cacheable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecorder_EmptyBody(t *testing.T) {
	wire, err := newRecorder().encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	resp, err := decode(wire)
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength != 0 {
		t.Errorf("status = %d, length = %d", resp.StatusCode, resp.ContentLength)
	}
}
