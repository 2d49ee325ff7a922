package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// TelemetryPassthrough answers the client's own telemetry calls (Statsig
// feature-flag fetches, Anthropic's Claude Code usage-metrics beacon) with
// a canned success response instead of forwarding them upstream. The
// proxy fronts the real Claude Code CLI, which fires these on a timer
// regardless of which API endpoint it's pointed at; answering locally
// avoids spending a retry budget and a history row on traffic that isn't
// a model request.
type TelemetryPassthrough struct {
	logger *slog.Logger
}

func NewTelemetryPassthrough(logger *slog.Logger) func(http.Handler) http.Handler {
	tp := &TelemetryPassthrough{logger: logger}
	return tp.middleware
}

func (tp *TelemetryPassthrough) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if host == "" {
			host = r.Header.Get("Host")
		}

		if tp.isStatsigRequest(host, r.URL.Path) {
			tp.sendStatsigResponse(w)
			return
		}

		if tp.isMetricsBeacon(host, r.URL.Path) {
			tp.sendMetricsResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (tp *TelemetryPassthrough) isStatsigRequest(host, path string) bool {
	if strings.Contains(host, "statsig.anthropic.com") {
		return true
	}

	for _, p := range []string{"/v1/initialize", "/v1/log_event", "/v1/rgstr", "/statsig"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}

	return false
}

func (tp *TelemetryPassthrough) sendStatsigResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"success":true}`))
}

func (tp *TelemetryPassthrough) isMetricsBeacon(host, path string) bool {
	if strings.Contains(host, "api.anthropic.com") {
		for _, p := range []string{"/api/claude_code/metrics", "/claude_code/metrics"} {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
	}

	return false
}

func (tp *TelemetryPassthrough) sendMetricsResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"accepted_count":0,"rejected_count":0}`))
}
