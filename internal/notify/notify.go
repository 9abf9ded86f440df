// Package notify delivers job completion webhooks. Delivery is best effort:
// a failed webhook is logged and never retried, and it never affects the
// job's state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/podcastd/pkg/models"
	"golang.org/x/time/rate"
)

// ErrDeliveryFailed is returned by Deliver for transport errors and non-2xx responses.
var ErrDeliveryFailed = errors.New("webhook delivery failed")

// Notifier is told about every terminal transition that won its conditional update.
type Notifier interface {
	Notify(job *models.Job)
}

// Payload is the JSON body posted to a job's webhook.
type Payload struct {
	JobID         string           `json:"job_id"`
	Status        models.JobStatus `json:"status"`
	AudioURL      *string          `json:"audio_url"`
	TranscriptURL *string          `json:"transcript_url"`
	CompletedAt   *time.Time       `json:"completed_at"`
	Error         *string          `json:"error"`
}

// PayloadFor builds the webhook body for a job.
func PayloadFor(job *models.Job) Payload {
	p := Payload{
		JobID:       job.ID.String(),
		Status:      job.Status,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
	}
	if job.Result != nil {
		audio := job.Result.AudioURL
		p.AudioURL = &audio
		p.TranscriptURL = job.Result.TranscriptURL
	}
	return p
}

// Dispatcher posts webhooks in the background.
type Dispatcher struct {
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. timeout bounds each delivery including
// time spent waiting for the outbound rate limiter.
func NewDispatcher(timeout time.Duration, perSecond float64, burst int, logger *slog.Logger) *Dispatcher {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		logger:  logger,
	}
}

// Notify delivers the webhook for job in a new goroutine. Jobs without a
// webhook are ignored.
func (d *Dispatcher) Notify(job *models.Job) {
	if job == nil || job.WebhookURL == nil || *job.WebhookURL == "" {
		return
	}
	snapshot := job.Clone()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("panic in webhook delivery", "error", r, "job_id", snapshot.ID)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.Deliver(ctx, snapshot); err != nil {
			d.logger.Error("webhook notification failed", "job_id", snapshot.ID, "error", err)
			return
		}
		d.logger.Info("webhook notification sent", "job_id", snapshot.ID, "status", snapshot.Status)
	}()
}

// Deliver posts the webhook synchronously.
func (d *Dispatcher) Deliver(ctx context.Context, job *models.Job) error {
	if job.WebhookURL == nil || *job.WebhookURL == "" {
		return nil
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrDeliveryFailed, err)
	}

	body, err := json.Marshal(PayloadFor(job))
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "podcastd-webhook/1")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
