// Package engine drives podcast jobs through their lifecycle: admission of
// new requests, attempt execution with retries and time limits, artifact
// upload, cancellation and completion notification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcastd/internal/generator"
	"github.com/kiranshivaraju/podcastd/internal/notify"
	"github.com/kiranshivaraju/podcastd/internal/queue"
	"github.com/kiranshivaraju/podcastd/internal/storage"
	"github.com/kiranshivaraju/podcastd/internal/store"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

// Progress milestones written during an attempt.
const (
	ProgressGenerating = 20
	ProgressUploading  = 80

	StepGenerating = "Starting content generation..."
	StepUploading  = "Uploading files to storage..."
)

const (
	progressWriteTimeout = 5 * time.Second
	staleClaimGrace      = 5 * time.Minute
	recoverBatch         = 500
)

// Outcome describes how one Execute call ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeSkipped means the job was not claimable by this delivery.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeMissing means the job no longer exists; the delivery is dropped.
	OutcomeMissing Outcome = "missing"
	// OutcomeAbandoned means the attempt stopped without a verdict, either on
	// shutdown or after losing its claim. Recovery picks the job up again.
	OutcomeAbandoned Outcome = "abandoned"
)

// Config holds the attempt policy.
type Config struct {
	MaxRetries    int
	Backoff       Backoff
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Store     store.Store
	Queue     queue.Queue
	Generator generator.Generator
	Storage   storage.Storage
	Notifier  notify.Notifier
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine owns every job state transition made on behalf of clients and workers.
type Engine struct {
	store    store.Store
	queue    queue.Queue
	gen      generator.Generator
	storage  storage.Storage
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Exponential{Initial: time.Minute, Max: time.Hour}
	}
	if cfg.HardTimeLimit <= 0 {
		cfg.HardTimeLimit = time.Hour
	}
	if cfg.SoftTimeLimit <= 0 || cfg.SoftTimeLimit > cfg.HardTimeLimit {
		cfg.SoftTimeLimit = cfg.HardTimeLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    deps.Store,
		queue:    deps.Queue,
		gen:      deps.Generator,
		storage:  deps.Storage,
		notifier: deps.Notifier,
		logger:   logger,
		now:      now,
		cfg:      cfg,
	}
}

// Submit validates req, persists a pending job owned by p and enqueues it.
// A failed enqueue leaves the job pending for the recovery sweep.
func (e *Engine) Submit(ctx context.Context, p models.Principal, req models.GenerationRequest) (*models.Job, error) {
	req = req.Clone()
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		Status:    models.JobStatusPending,
		Request:   req,
		Owner:     p.Name,
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.WebhookURL != "" {
		hook := req.WebhookURL
		job.WebhookURL = &hook
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := e.queue.Enqueue(ctx, job.ID); err != nil {
		e.logger.Warn("enqueue failed, job left for recovery", "job_id", job.ID, "error", err)
	}

	e.logger.Info("job submitted", "job_id", job.ID, "owner", job.Owner)
	return job, nil
}

// Get returns a job visible to p.
func (e *Engine) Get(ctx context.Context, p models.Principal, id uuid.UUID) (*models.Job, error) {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanAccess(job.Owner) {
		return nil, ErrAccessDenied
	}
	return job, nil
}

// List returns a page of jobs visible to p, newest first, and the total match count.
// Non-admin principals only see their own jobs.
func (e *Engine) List(ctx context.Context, p models.Principal, filter store.JobFilter) ([]*models.Job, int, error) {
	if !p.Admin {
		filter.Owner = p.Name
	}
	return e.store.ListJobs(ctx, filter.Normalize())
}

// Cancel moves a pending or processing job to cancelled. An in-flight
// attempt notices at its next checkpoint and discards its work.
func (e *Engine) Cancel(ctx context.Context, p models.Principal, id uuid.UUID) (*models.Job, error) {
	if _, err := e.Get(ctx, p, id); err != nil {
		return nil, err
	}

	job, err := e.store.CancelJob(ctx, id)
	if err != nil {
		var ite *store.InvalidTransitionError
		if errors.As(err, &ite) {
			return nil, &InvalidStateError{Status: ite.From}
		}
		return nil, err
	}

	e.logger.Info("job cancelled", "job_id", id, "by", p.Name)
	e.notify(job)
	return job, nil
}

// Stats summarises the jobs visible to p.
type Stats struct {
	Total       int                      `json:"total_jobs"`
	ByStatus    map[models.JobStatus]int `json:"jobs_by_status"`
	SuccessRate float64                  `json:"success_rate"`
}

// Stats counts jobs by status for p (all owners for admins). SuccessRate is
// the percentage of finished jobs that completed.
func (e *Engine) Stats(ctx context.Context, p models.Principal) (*Stats, error) {
	owner := p.Name
	if p.Admin {
		owner = ""
	}
	counts, err := e.store.CountJobsByStatus(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	s := &Stats{ByStatus: make(map[models.JobStatus]int)}
	for _, st := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusProcessing,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
	} {
		s.ByStatus[st] = counts[st]
		s.Total += counts[st]
	}
	finished := s.ByStatus[models.JobStatusCompleted] + s.ByStatus[models.JobStatusFailed]
	if finished > 0 {
		s.SuccessRate = float64(s.ByStatus[models.JobStatusCompleted]) / float64(finished) * 100
	}
	return s, nil
}

// Recover releases claims older than the hard limit plus a grace period and
// re-enqueues every job that is due. It returns the number of claims
// released and jobs enqueued.
func (e *Engine) Recover(ctx context.Context) (released int64, enqueued int, err error) {
	cutoff := e.now().Add(-(e.cfg.HardTimeLimit + staleClaimGrace))
	released, err = e.store.ReleaseStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("releasing stale claims: %w", err)
	}
	if released > 0 {
		e.logger.Warn("released stale claims", "count", released)
	}

	ids, err := e.store.ListRecoverable(ctx, recoverBatch)
	if err != nil {
		return released, 0, fmt.Errorf("listing recoverable jobs: %w", err)
	}
	for _, id := range ids {
		if err := e.queue.Enqueue(ctx, id); err != nil {
			return released, enqueued, fmt.Errorf("enqueueing %s: %w", id, err)
		}
		enqueued++
	}
	return released, enqueued, nil
}

// Execute runs one attempt of job id. The returned error reports
// infrastructure failures only; job failures are recorded on the job.
func (e *Engine) Execute(ctx context.Context, id uuid.UUID) (Outcome, error) {
	token := uuid.New()
	job, err := e.store.ClaimJob(ctx, id, token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.logger.Error("job not found, dropping delivery", "job_id", id)
		return OutcomeMissing, nil
	case errors.Is(err, store.ErrNotClaimable):
		return OutcomeSkipped, nil
	case err != nil:
		return "", fmt.Errorf("claiming job %s: %w", id, err)
	}

	a := &attempt{engine: e, job: job, token: token}
	a.log = e.logger.With("job_id", id, "attempt", job.RetryCount+1)
	a.log.Info("attempt started")
	return a.run(ctx), nil
}

// attempt is one claimed execution of a job.
type attempt struct {
	engine *Engine
	job    *models.Job
	token  uuid.UUID
	log    *slog.Logger
}

func (a *attempt) run(ctx context.Context) Outcome {
	e := a.engine
	if err := a.job.Request.Validate(); err != nil {
		return a.fail(ctx, err)
	}

	a.progress(ctx, ProgressGenerating, StepGenerating)
	if out, stop := a.checkpoint(ctx); stop {
		return out
	}

	art, err := a.generate(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}
	defer removeFiles(a.log, art)

	a.progress(ctx, ProgressUploading, StepUploading)
	if out, stop := a.checkpoint(ctx); stop {
		return out
	}

	result, err := a.upload(ctx, art)
	if err != nil {
		return a.fail(ctx, err)
	}

	done, err := e.store.CompleteJob(ctx, a.job.ID, a.token, *result)
	if errors.Is(err, store.ErrClaimLost) {
		return a.discard(ctx, result)
	}
	if err != nil {
		a.log.Error("recording completion failed", "error", err)
		return OutcomeAbandoned
	}

	a.log.Info("job completed", "audio_key", result.AudioKey)
	e.notify(done)
	return OutcomeCompleted
}

// progress records a milestone. Failures are logged and never stop the attempt.
func (a *attempt) progress(ctx context.Context, pct float64, step string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressWriteTimeout)
	defer cancel()
	if err := a.engine.store.UpdateProgress(pctx, a.job.ID, a.token, pct, step); err != nil &&
		!errors.Is(err, store.ErrClaimLost) {
		a.log.Warn("progress update failed", "progress", pct, "error", err)
	}
}

// checkpoint reports whether the attempt must stop because the job was
// cancelled or the claim was lost.
func (a *attempt) checkpoint(ctx context.Context) (Outcome, bool) {
	if ctx.Err() != nil {
		return OutcomeAbandoned, true
	}
	cur, err := a.engine.store.GetJob(ctx, a.job.ID)
	if errors.Is(err, store.ErrNotFound) {
		a.log.Error("job deleted during attempt")
		return OutcomeMissing, true
	}
	if err != nil {
		a.log.Warn("cancellation check failed", "error", err)
		return "", false
	}
	if cur.Status == models.JobStatusCancelled {
		a.log.Info("job cancelled, stopping attempt")
		return OutcomeCancelled, true
	}
	if cur.Status != models.JobStatusProcessing || cur.ClaimedBy == nil || *cur.ClaimedBy != a.token {
		a.log.Warn("claim lost, stopping attempt", "status", cur.Status)
		return OutcomeAbandoned, true
	}
	return "", false
}

type genResult struct {
	art generator.Artifact
	err error
}

// generate calls the generator under the soft limit and stops waiting at the
// hard limit or when ctx is done. A result that arrives after the attempt
// stopped waiting is thrown away.
func (a *attempt) generate(ctx context.Context) (generator.Artifact, error) {
	e := a.engine
	softCtx, cancel := context.WithTimeout(ctx, e.cfg.SoftTimeLimit)
	defer cancel()

	ch := make(chan genResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- genResult{err: fmt.Errorf("generator panic: %v", r)}
			}
		}()
		art, err := e.gen.Generate(softCtx, generator.InputFrom(a.job.Request))
		ch <- genResult{art: art, err: err}
	}()

	hard := time.NewTimer(e.cfg.HardTimeLimit)
	defer hard.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(softCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return generator.Artifact{}, fmt.Errorf("generation exceeded soft time limit of %s: %w", e.cfg.SoftTimeLimit, r.err)
			}
			return generator.Artifact{}, r.err
		}
		if r.art.AudioPath == "" {
			return generator.Artifact{}, fmt.Errorf("%w: no audio file", generator.ErrInvalidResponse)
		}
		return r.art, nil
	case <-hard.C:
		a.dropLate(ch)
		return generator.Artifact{}, fmt.Errorf("%w of %s", ErrHardTimeout, e.cfg.HardTimeLimit)
	case <-ctx.Done():
		a.dropLate(ch)
		return generator.Artifact{}, ctx.Err()
	}
}

// dropLate removes the files of a generator result nobody waits for anymore.
func (a *attempt) dropLate(ch <-chan genResult) {
	log := a.log
	go func() {
		if r := <-ch; r.err == nil {
			log.Warn("discarding late generator result")
			removeFiles(log, r.art)
		}
	}()
}

// upload stores the audio (required) and the transcript (best effort).
func (a *attempt) upload(ctx context.Context, art generator.Artifact) (*models.JobResult, error) {
	st := a.engine.storage
	audioKey := storage.AudioKey(a.job.ID)
	audioURL, err := st.Upload(ctx, art.AudioPath, audioKey)
	if err != nil {
		return nil, fmt.Errorf("uploading audio: %w", err)
	}
	result := &models.JobResult{AudioURL: audioURL, AudioKey: audioKey}

	transcript := art.TranscriptPath
	if transcript == "" {
		if p := generator.TranscriptPathFor(art.AudioPath); p != art.AudioPath && fileExists(p) {
			transcript = p
		}
	}
	if transcript == "" {
		return result, nil
	}

	transcriptKey := storage.TranscriptKey(a.job.ID)
	transcriptURL, err := st.Upload(ctx, transcript, transcriptKey)
	if err != nil {
		a.log.Warn("transcript upload failed", "error", err)
		return result, nil
	}
	result.TranscriptURL = &transcriptURL
	result.TranscriptKey = &transcriptKey
	return result, nil
}

// discard handles a completion that lost its claim. Uploaded objects are
// removed only when the job ended up cancelled; any other state means another
// attempt owns the same keys.
func (a *attempt) discard(ctx context.Context, result *models.JobResult) Outcome {
	cur, err := a.engine.store.GetJob(ctx, a.job.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.log.Warn("claim lost at completion, leaving artifacts", "error", err)
		return OutcomeAbandoned
	}
	if err == nil && cur.Status != models.JobStatusCancelled {
		a.log.Warn("claim lost at completion", "status", cur.Status)
		return OutcomeAbandoned
	}

	keys := []string{result.AudioKey}
	if result.TranscriptKey != nil {
		keys = append(keys, *result.TranscriptKey)
	}
	for _, key := range keys {
		if err := a.engine.storage.Delete(ctx, key); err != nil {
			a.log.Warn("deleting discarded artifact failed", "key", key, "error", err)
		}
	}
	a.log.Info("job cancelled before completion, artifacts discarded")
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeMissing
	}
	return OutcomeCancelled
}

// fail records a failed attempt: a retry while attempts remain and the cause
// is transient, a terminal failure otherwise.
func (a *attempt) fail(ctx context.Context, cause error) Outcome {
	e := a.engine
	if ctx.Err() != nil {
		a.log.Warn("attempt interrupted", "error", cause)
		return OutcomeAbandoned
	}

	attempts := a.job.RetryCount + 1
	if !generator.IsPermanent(cause) && attempts < e.cfg.MaxRetries {
		delay := e.cfg.Backoff.Delay(attempts)
		if _, err := e.store.ScheduleRetry(ctx, a.job.ID, a.token, delay); err != nil {
			return a.lost(err, "scheduling retry failed")
		}
		if err := e.queue.Requeue(ctx, a.job.ID, delay); err != nil {
			a.log.Warn("requeue failed, job left for recovery", "error", err)
		}
		a.log.Warn("attempt failed, retrying", "error", cause, "retry_in", delay)
		return OutcomeRetrying
	}

	job, err := e.store.FailJob(ctx, a.job.ID, a.token, cause.Error())
	if err != nil {
		return a.lost(err, "recording failure failed")
	}
	a.log.Error("job failed", "error", cause, "attempts", attempts)
	e.notify(job)
	return OutcomeFailed
}

func (a *attempt) lost(err error, msg string) Outcome {
	if errors.Is(err, store.ErrClaimLost) {
		a.log.Info("claim lost, dropping attempt verdict")
		return OutcomeAbandoned
	}
	a.log.Error(msg, "error", err)
	return OutcomeAbandoned
}

func (e *Engine) notify(job *models.Job) {
	if e.notifier == nil || job == nil {
		return
	}
	e.notifier.Notify(job)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeFiles(log *slog.Logger, art generator.Artifact) {
	for _, p := range []string{art.AudioPath, art.TranscriptPath, generator.TranscriptPathFor(art.AudioPath)} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("removing local artifact failed", "path", p, "error", err)
		}
	}
}
