package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(results map[string]Result) http.Handler {
	agg := NewAggregator(AggregatorConfig{})
	for name, r := range results {
		agg.Register(name, staticChecker(name, r))
	}
	r := chi.NewRouter()
	RegisterHandlers(r, agg)
	return r
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestLiveness(t *testing.T) {
	rec := serve(newTestRouter(map[string]Result{"cache": Unhealthy("down", nil)}), http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("liveness = %d %q, want 200 OK regardless of checks", rec.Code, rec.Body.String())
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name     string
		result   Result
		wantCode int
		wantBody string
	}{
		{"healthy", Healthy("ok"), http.StatusOK, "OK"},
		{"degraded", Degraded("circuit open"), http.StatusOK, "DEGRADED"},
		{"unhealthy", Unhealthy("down", nil), http.StatusServiceUnavailable, "UNHEALTHY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newTestRouter(map[string]Result{"cache": tt.result}), http.MethodGet, "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestReport(t *testing.T) {
	router := newTestRouter(map[string]Result{
		"cache":       Healthy("probe ok").With("routes", 2),
		"cache_bytes": Degraded("usage high"),
	})

	rec := serve(router, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp struct {
		Status    string `json:"status"`
		CheckedAt string `json:"checked_at"`
		Checks    map[string]struct {
			Status  string         `json:"status"`
			Details map[string]any `json:"details"`
		} `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.CheckedAt == "" {
		t.Error("checked_at missing")
	}
	if len(resp.Checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(resp.Checks))
	}
	if resp.Checks["cache_bytes"].Status != "degraded" {
		t.Errorf("cache_bytes status = %q", resp.Checks["cache_bytes"].Status)
	}
	if resp.Checks["cache"].Details["routes"] != float64(2) {
		t.Errorf("cache details = %v", resp.Checks["cache"].Details)
	}
}

func TestSingleCheck(t *testing.T) {
	router := newTestRouter(map[string]Result{
		"cache":   Healthy("ok"),
		"storage": Unhealthy("down", ErrCheckFailed),
	})

	tests := []struct {
		path      string
		wantCode  int
		wantError string
	}{
		{"/health/cache", http.StatusOK, ""},
		{"/health/storage", http.StatusServiceUnavailable, ErrCheckFailed.Error()},
		{"/health/missing", http.StatusNotFound, ErrUnknownCheck.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(router, http.MethodGet, tt.path)
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body map[string]any
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got, _ := body["error"].(string)
			if !strings.HasPrefix(got, tt.wantError) || (tt.wantError == "" && got != "") {
				t.Errorf("error = %q, want prefix %q", got, tt.wantError)
			}
		})
	}
}

func TestRegisterHandlers_MethodNotAllowed(t *testing.T) {
	if rec := serve(newTestRouter(nil), http.MethodPost, "/healthz"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", rec.Code)
	}
}
