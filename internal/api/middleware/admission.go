package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/podcastd/internal/api/response"
	"github.com/kiranshivaraju/podcastd/internal/quota"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

// Checker runs the rate limit and daily quota checks. *quota.Limiter satisfies it.
type Checker interface {
	Check(ctx context.Context, p models.Principal) (quota.Result, error)
}

// Admission gates job creation on the caller's rate limit and daily quota.
// It fails closed: when the counter store is unreachable the request is rejected.
type Admission struct {
	checker Checker
	now     func() time.Time
}

// NewAdmission creates a new Admission middleware.
func NewAdmission(c Checker) *Admission {
	return &Admission{checker: c, now: time.Now}
}

// Limit applies admission control using the principal set by Authenticate.
func (a *Admission) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing principal", nil)
			return
		}

		res, err := a.checker.Check(r.Context(), p)
		setRateHeaders(w, res)

		var rle *quota.RateLimitError
		var qe *quota.QuotaExceededError
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.As(err, &rle):
			w.Header().Set("Retry-After", a.retryAfter(rle.ResetAt))
			response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
				"Too many requests", map[string]any{
					"limit":    rle.Limit,
					"reset_at": rle.ResetAt.UTC(),
				})
		case errors.As(err, &qe):
			w.Header().Set("Retry-After", a.retryAfter(qe.ResetAt))
			response.Error(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED",
				"Daily quota exceeded", map[string]any{
					"limit":    qe.Limit,
					"used":     qe.Used,
					"reset_at": qe.ResetAt.UTC(),
				})
		case errors.Is(err, quota.ErrUnavailable):
			slog.Error("admission check unavailable", "principal", p.Name, "error", err)
			response.Error(w, http.StatusServiceUnavailable, "ADMISSION_UNAVAILABLE",
				"Rate limiting is temporarily unavailable", nil)
		default:
			slog.Error("admission check failed", "principal", p.Name, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
		}
	})
}

func (a *Admission) retryAfter(reset time.Time) string {
	secs := int(math.Ceil(reset.Sub(a.now()).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func setRateHeaders(w http.ResponseWriter, res quota.Result) {
	if res.Rate.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Rate.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Rate.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Rate.ResetAt.Unix(), 10))
	}
	if res.Quota.Limit > 0 {
		w.Header().Set("X-Quota-Limit", strconv.Itoa(res.Quota.Limit))
		w.Header().Set("X-Quota-Used", strconv.FormatInt(res.Quota.Used, 10))
		w.Header().Set("X-Quota-Reset", strconv.FormatInt(res.Quota.ResetAt.Unix(), 10))
	}
}
