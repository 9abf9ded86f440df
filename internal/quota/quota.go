// Package quota implements admission control: a per-principal sliding
// window rate limit and a per-principal daily quota, both kept in the shared
// counter store so every API instance sees the same counts.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/podcastd/internal/cache"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

// ErrUnavailable means the counter store could not be reached. Admission
// fails closed: callers must reject the request.
var ErrUnavailable = errors.New("quota: counter store unavailable")

// RateLimitError is returned by Check when the sliding window is full.
type RateLimitError struct {
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded", e.Limit)
}

// QuotaExceededError is returned by Check when the daily quota is used up.
type QuotaExceededError struct {
	Limit   int
	Used    int64
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota of %d requests exceeded", e.Limit)
}

// Decision is the outcome of one sliding window admission.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Usage describes daily quota consumption.
type Usage struct {
	Limit   int
	Used    int64
	ResetAt time.Time
}

// Result carries both halves of an admission check so the caller can emit
// rate and quota headers whether or not the request was admitted.
type Result struct {
	Rate  Decision
	Quota Usage
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter performs admission checks against a cache.Counter.
type Limiter struct {
	counter cache.Counter
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter. window is the sliding window used by Check.
func New(counter cache.Counter, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{counter: counter, window: window, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the sliding window length used by Check.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Admit records one request for principal and decides whether it fits in
// limit requests per window. Eviction, insertion and counting happen in a
// single atomic step on the counter store.
func (l *Limiter) Admit(ctx context.Context, principal string, limit int, window time.Duration) (Decision, error) {
	now := l.now()
	count, err := l.counter.SlidingWindow(ctx, cache.RateLimitKey(principal), now, window)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}, nil
}

// DailyUsage returns the number of admitted requests for principal in the
// current UTC day.
func (l *Limiter) DailyUsage(ctx context.Context, principal string) (int64, error) {
	n, err := l.counter.GetCount(ctx, cache.DailyQuotaKey(principal, l.now()))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// ConsumeDaily counts one request against today's quota unless limit is
// already reached. The check and the increment are one atomic step on the
// counter store, so concurrent requests cannot overrun the quota. The
// counter expires at the next UTC midnight.
func (l *Limiter) ConsumeDaily(ctx context.Context, principal string, limit int) (used int64, ok bool, err error) {
	now := l.now()
	used, ok, err = l.counter.IncrBelow(ctx, cache.DailyQuotaKey(principal, now), int64(limit), NextUTCMidnight(now))
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return used, ok, nil
}

// Check runs the full admission sequence for a principal: rate limit first,
// then the daily quota check-and-increment.
func (l *Limiter) Check(ctx context.Context, p models.Principal) (Result, error) {
	var res Result

	rateLimit := p.RateLimit
	if rateLimit <= 0 {
		rateLimit = models.DefaultRateLimit
	}
	quotaDaily := p.QuotaDaily
	if quotaDaily <= 0 {
		quotaDaily = models.DefaultQuotaDaily
	}

	decision, err := l.Admit(ctx, p.Name, rateLimit, l.window)
	if err != nil {
		return res, err
	}
	res.Rate = decision
	res.Quota = Usage{Limit: quotaDaily, ResetAt: NextUTCMidnight(l.now())}
	if !decision.Allowed {
		return res, &RateLimitError{Limit: rateLimit, ResetAt: decision.ResetAt}
	}

	used, ok, err := l.ConsumeDaily(ctx, p.Name, quotaDaily)
	if err != nil {
		return res, err
	}
	res.Quota.Used = used
	if !ok {
		return res, &QuotaExceededError{Limit: quotaDaily, Used: used, ResetAt: res.Quota.ResetAt}
	}
	return res, nil
}

// Usage reports today's quota consumption without recording anything.
func (l *Limiter) Usage(ctx context.Context, p models.Principal) (Usage, error) {
	used, err := l.DailyUsage(ctx, p.Name)
	if err != nil {
		return Usage{}, err
	}
	limit := p.QuotaDaily
	if limit <= 0 {
		limit = models.DefaultQuotaDaily
	}
	return Usage{Limit: limit, Used: used, ResetAt: NextUTCMidnight(l.now())}, nil
}

// NextUTCMidnight returns the start of the UTC day after t.
func NextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
