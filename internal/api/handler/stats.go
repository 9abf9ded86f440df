package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mw "github.com/kiranshivaraju/podcastd/internal/api/middleware"
	"github.com/kiranshivaraju/podcastd/internal/api/response"
	"github.com/kiranshivaraju/podcastd/internal/engine"
	"github.com/kiranshivaraju/podcastd/internal/quota"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

// StatsService reports job counts for a principal.
type StatsService interface {
	Stats(ctx context.Context, p models.Principal) (*engine.Stats, error)
}

// UsageReporter reports daily quota consumption. *quota.Limiter satisfies it.
type UsageReporter interface {
	Usage(ctx context.Context, p models.Principal) (quota.Usage, error)
}

type usageView struct {
	RequestsToday  int64     `json:"requests_today"`
	QuotaDaily     int       `json:"quota_daily"`
	QuotaRemaining int64     `json:"quota_remaining"`
	QuotaResetAt   time.Time `json:"quota_reset_at"`
	RateLimit      int       `json:"rate_limit_per_minute"`
}

type statsResponse struct {
	Principal string       `json:"principal"`
	Usage     *usageView   `json:"usage,omitempty"`
	Jobs      engine.Stats `json:"jobs"`
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/stats.
// Usage is omitted when the counter store is unavailable.
func NewStatsHandler(svc StatsService, usage UsageReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := mw.GetPrincipal(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing principal", nil)
			return
		}

		stats, err := svc.Stats(r.Context(), p)
		if err != nil {
			writeError(w, r, err)
			return
		}

		resp := statsResponse{Principal: p.Name, Jobs: *stats}

		u, err := usage.Usage(r.Context(), p)
		switch {
		case err == nil:
			remaining := int64(u.Limit) - u.Used
			if remaining < 0 {
				remaining = 0
			}
			rateLimit := p.RateLimit
			if rateLimit <= 0 {
				rateLimit = models.DefaultRateLimit
			}
			resp.Usage = &usageView{
				RequestsToday:  u.Used,
				QuotaDaily:     u.Limit,
				QuotaRemaining: remaining,
				QuotaResetAt:   u.ResetAt.UTC(),
				RateLimit:      rateLimit,
			}
		case errors.Is(err, quota.ErrUnavailable):
			slog.Warn("usage unavailable for stats", "principal", p.Name, "error", err)
		default:
			writeError(w, r, err)
			return
		}

		response.JSON(w, resp)
	}
}
