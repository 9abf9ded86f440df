package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, rate_limit, quota_daily, active, admin, last_used_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.RateLimit, &k.QuotaDaily,
			&k.Active, &k.Admin, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.RateLimit, key.QuotaDaily,
		key.Active, key.Admin, key.LastUsedAt, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetAPIKeyActive(ctx context.Context, name string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET active = $2, updated_at = NOW() WHERE name = $1`, name, active)
	if err != nil {
		return fmt.Errorf("set api key active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, status, progress, current_step, request, result, error, owner, webhook_url,
	retry_count, claimed_by, claimed_at, run_at, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j         models.Job
		requestJS []byte
		resultJS  []byte
	)
	if err := row.Scan(&j.ID, &j.Status, &j.Progress, &j.CurrentStep, &requestJS, &resultJS,
		&j.Error, &j.Owner, &j.WebhookURL, &j.RetryCount, &j.ClaimedBy, &j.ClaimedAt, &j.RunAt,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(requestJS, &j.Request); err != nil {
		return nil, fmt.Errorf("decode job request: %w", err)
	}
	if len(resultJS) > 0 {
		var r models.JobResult
		if err := json.Unmarshal(resultJS, &r); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		j.Result = &r
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	requestJS, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("encode job request: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, progress, current_step, request, owner, webhook_url, retry_count, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9, $10)`,
		job.ID, job.Status, job.Progress, job.CurrentStep, requestJS, job.Owner, job.WebhookURL,
		job.RetryCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	filter = filter.Normalize()

	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Owner != "" {
		conditions = append(conditions, fmt.Sprintf("owner = $%d", argIdx))
		args = append(args, filter.Owner)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context, owner string) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE ($1 = '' OR owner = $1) GROUP BY status`, owner)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var (
			status models.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id, token uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', claimed_by = $2, claimed_at = NOW(),
		   started_at = COALESCE(started_at, NOW()), progress = GREATEST(progress, $3),
		   current_step = $4, updated_at = NOW()
		 WHERE id = $1
		   AND (status = 'pending' OR (status = 'processing' AND claimed_by IS NULL))
		   AND run_at <= NOW()
		 RETURNING `+jobColumns,
		id, token, float64(ClaimProgress), StepClaimed))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missingOr(ctx, id, ErrNotClaimable)
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id, token uuid.UUID, progress float64, step string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $3), current_step = $4, updated_at = NOW()
		 WHERE id = $1 AND claimed_by = $2 AND status = 'processing'`,
		id, token, progress, step)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id, token uuid.UUID, result models.JobResult) (*models.Job, error) {
	resultJS, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return s.finishAttempt(ctx, "complete job",
		`UPDATE jobs SET status = 'completed', progress = 100, result = $3, error = NULL,
		   current_step = $4, claimed_by = NULL, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND claimed_by = $2 AND status = 'processing'
		 RETURNING `+jobColumns,
		id, token, resultJS, StepCompleted)
}

func (s *PostgresStore) FailJob(ctx context.Context, id, token uuid.UUID, errMsg string) (*models.Job, error) {
	return s.finishAttempt(ctx, "fail job",
		`UPDATE jobs SET status = 'failed', error = $3, result = NULL, current_step = $4,
		   retry_count = retry_count + 1, claimed_by = NULL, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND claimed_by = $2 AND status = 'processing'
		 RETURNING `+jobColumns,
		id, token, errMsg, StepFailed)
}

// ScheduleRetry derives run_at from the database clock, the same clock
// ClaimJob compares it against.
func (s *PostgresStore) ScheduleRetry(ctx context.Context, id, token uuid.UUID, delay time.Duration) (*models.Job, error) {
	return s.finishAttempt(ctx, "schedule retry",
		`UPDATE jobs SET retry_count = retry_count + 1, claimed_by = NULL, claimed_at = NULL,
		   run_at = NOW() + $3::bigint * interval '1 millisecond', current_step = $4, updated_at = NOW()
		 WHERE id = $1 AND claimed_by = $2 AND status = 'processing'
		 RETURNING `+jobColumns,
		id, token, delay.Milliseconds(), StepRetrying)
}

func (s *PostgresStore) finishAttempt(ctx context.Context, op, query string, args ...any) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'cancelled', current_step = $2, claimed_by = NULL,
		   completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')
		 RETURNING `+jobColumns,
		id, StepCancelled))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &InvalidTransitionError{From: current.Status, To: models.JobStatusCancelled}
	}
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListRecoverable(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM jobs
		 WHERE (status = 'pending' OR (status = 'processing' AND claimed_by IS NULL))
		   AND run_at <= NOW()
		 ORDER BY run_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recoverable jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		 WHERE status = 'processing' AND claimed_by IS NOT NULL AND claimed_at < $1`,
		claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListExpiredJobs(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1
		 ORDER BY created_at LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// missingOr distinguishes a missing job from one that exists but did not
// match a conditional update.
func (s *PostgresStore) missingOr(ctx context.Context, id uuid.UUID, otherwise error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return otherwise
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
