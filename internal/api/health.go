package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 3 * time.Second

// Check is a named dependency probe.
type Check struct {
	Name     string
	Required bool
	Probe    func(ctx context.Context) error
}

// HealthHandler serves liveness and readiness endpoints.
type HealthHandler struct {
	*Handler
	checks  []Check
	version string
	started time.Time
}

// NewHealthHandler creates a HealthHandler. The database is always checked;
// extra checks cover optional backends such as the violation ledger.
func NewHealthHandler(base *Handler, version string, checks ...Check) *HealthHandler {
	all := append([]Check{{Name: "database", Required: true, Probe: base.svc.Ping}}, checks...)
	return &HealthHandler{Handler: base, checks: all, version: version, started: time.Now()}
}

// RegisterRoutes registers health routes.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/health/detailed", h.Detailed)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *HealthHandler) run(ctx context.Context) (map[string]checkResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	healthy := true
	results := make(map[string]checkResult, len(h.checks))
	for _, c := range h.checks {
		if err := c.Probe(ctx); err != nil {
			slog.Warn("Health check failed", "check", c.Name, "error", err)
			results[c.Name] = checkResult{Status: "unhealthy", Error: err.Error()}
			if c.Required {
				healthy = false
			}
			continue
		}
		results[c.Name] = checkResult{Status: "healthy"}
	}
	return results, healthy
}

func statusWord(healthy bool) (int, string) {
	if healthy {
		return http.StatusOK, "healthy"
	}
	return http.StatusServiceUnavailable, "unhealthy"
}

// Health reports overall service health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	_, healthy := h.run(r.Context())
	status, word := statusWord(healthy)
	JSON(w, status, map[string]any{
		"status":    word,
		"version":   h.version,
		"timestamp": time.Now().UTC(),
	})
}

// Detailed reports per-dependency health and the active configuration.
func (h *HealthHandler) Detailed(w http.ResponseWriter, r *http.Request) {
	results, healthy := h.run(r.Context())
	status, word := statusWord(healthy)

	names := make([]string, 0)
	for _, d := range h.svc.Tools() {
		names = append(names, d.Name)
	}
	JSON(w, status, map[string]any{
		"status":         word,
		"version":        h.version,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"checks":         results,
		"llm_provider":   h.svc.Provider(),
		"tools":          names,
	})
}

// Ready reports whether the service can take traffic.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	_, healthy := h.run(r.Context())
	if !healthy {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live reports that the process is running.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
