package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrNotClaimable is returned by ClaimJob when the job exists but is not
// available: terminal, already claimed, or not yet due for its next attempt.
var ErrNotClaimable = errors.New("job not claimable")

// ErrClaimLost is returned by attempt mutations when the caller no longer
// holds the claim, either because the job was cancelled or because the claim
// was released as stale.
var ErrClaimLost = errors.New("job claim lost")

// InvalidTransitionError is returned when a requested transition is not
// allowed from the job's current status.
type InvalidTransitionError struct {
	From models.JobStatus
	To   models.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition: %s -> %s", e.From, e.To)
}

// Store is the data access interface. All database operations go through here.
// Every job mutation enforces the state machine in the same conditional
// statement that performs it.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	SetAPIKeyActive(ctx context.Context, name string, active bool) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	CountJobsByStatus(ctx context.Context, owner string) (map[models.JobStatus]int, error)

	// ClaimJob moves a pending job, or a processing job whose previous
	// attempt released its claim and whose run_at has passed, to processing
	// under token.
	ClaimJob(ctx context.Context, id, token uuid.UUID) (*models.Job, error)
	UpdateProgress(ctx context.Context, id, token uuid.UUID, progress float64, step string) error
	CompleteJob(ctx context.Context, id, token uuid.UUID, result models.JobResult) (*models.Job, error)
	// FailJob marks the job failed and counts the attempt.
	FailJob(ctx context.Context, id, token uuid.UUID, errMsg string) (*models.Job, error)
	// ScheduleRetry counts the failed attempt, releases the claim and makes
	// the job claimable again once delay has elapsed on the store's clock.
	ScheduleRetry(ctx context.Context, id, token uuid.UUID, delay time.Duration) (*models.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	ListRecoverable(ctx context.Context, limit int) ([]uuid.UUID, error)
	ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error)
	ListExpiredJobs(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// JobFilter selects jobs for ListJobs. An empty Owner matches every owner.
type JobFilter struct {
	Owner  string
	Status models.JobStatus
	Limit  int
	Offset int
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Normalize clamps pagination to sane bounds.
func (f JobFilter) Normalize() JobFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Progress steps written by the store itself.
const (
	StepClaimed   = "Job claimed by worker"
	StepCompleted = "Completed"
	StepFailed    = "Failed"
	StepRetrying  = "Waiting to retry"
	StepCancelled = "Cancelled"
	ClaimProgress = 10
)
