package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// RegisterHandlers mounts the probe endpoints on r:
//
//	GET /healthz        liveness, always OK while the process serves HTTP
//	GET /readyz         OK, DEGRADED or UNHEALTHY as plain text
//	GET /health         the full Report as JSON
//	GET /health/{name}  one check as JSON
//
// Degraded still counts as ready: the cache serves pages, some uncached.
// Only unhealthy answers 503.
func RegisterHandlers(r chi.Router, agg *Aggregator) {
	h := probes{agg: agg}
	r.Get("/healthz", h.live)
	r.Get("/readyz", h.ready)
	r.Get("/health", h.report)
	r.Get("/health/{name}", h.single)
}

type probes struct {
	agg *Aggregator
}

func (probes) live(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func (p probes) ready(w http.ResponseWriter, r *http.Request) {
	status := p.agg.Run(r.Context()).Status
	body := "OK"
	if status != StatusHealthy {
		body = strings.ToUpper(status.String())
	}
	writeText(w, httpStatus(status), body)
}

func (p probes) report(w http.ResponseWriter, r *http.Request) {
	report := p.agg.Run(r.Context())
	writeJSON(w, httpStatus(report.Status), report)
}

func (p probes) single(w http.ResponseWriter, r *http.Request) {
	result, err := p.agg.Check(r.Context(), chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, ErrUnknownCheck):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, httpStatus(result.Status), result)
	}
}

func httpStatus(s Status) int {
	if s >= StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
