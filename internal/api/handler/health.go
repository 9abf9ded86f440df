package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/kiranshivaraju/podcastd/internal/api/response"
)

const healthCheckTimeout = 3 * time.Second

// Pinger is any dependency that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health that
// pings every named dependency.
func NewHealthHandler(version string, checks map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		services := make(map[string]string, len(names))
		degraded := false
		for _, name := range names {
			if err := checks[name].Ping(ctx); err != nil {
				slog.Warn("health check failed", "service", name, "error", err)
				services[name] = "degraded"
				degraded = true
				continue
			}
			services[name] = "ok"
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}

		response.JSON(w, map[string]any{
			"status":    "ok",
			"version":   version,
			"services":  services,
			"timestamp": time.Now().UTC(),
		})
	}
}
