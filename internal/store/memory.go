package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for tests and local development.
// Safe for concurrent access. Every conditional update runs under one lock,
// which gives it the same atomicity as the single-statement Postgres updates.
type MemoryStore struct {
	mu   sync.RWMutex
	now  func() time.Time
	jobs map[uuid.UUID]*models.Job
	keys map[uuid.UUID]*models.APIKey
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source used for timestamps and run_at checks.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		now:  time.Now,
		jobs: make(map[uuid.UUID]*models.Job),
		keys: make(map[uuid.UUID]*models.APIKey),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// --- API Keys ---

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := m.now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.ID == key.ID || k.Name == key.Name {
			return ErrDuplicateKey
		}
	}
	c := *key
	m.keys[key.ID] = &c
	return nil
}

func (m *MemoryStore) SetAPIKeyActive(_ context.Context, name string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Name == name {
			k.Active = active
			k.UpdatedAt = m.now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

// --- Jobs ---

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	c := job.Clone()
	c.RunAt = m.now().UTC()
	m.jobs[job.ID] = c
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	filter = filter.Normalize()

	m.mu.RLock()
	var matched []*models.Job
	for _, j := range m.jobs {
		if filter.Owner != "" && j.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, j.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID.String() < matched[b].ID.String()
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*models.Job{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (m *MemoryStore) CountJobsByStatus(_ context.Context, owner string) (map[models.JobStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.JobStatus]int)
	for _, j := range m.jobs {
		if owner == "" || j.Owner == owner {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, id, token uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now().UTC()
	claimable := j.Status == models.JobStatusPending ||
		(j.Status == models.JobStatusProcessing && j.ClaimedBy == nil)
	if !claimable || j.RunAt.After(now) {
		return nil, ErrNotClaimable
	}

	j.Status = models.JobStatusProcessing
	tok := token
	j.ClaimedBy = &tok
	j.ClaimedAt = &now
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	if j.Progress < ClaimProgress {
		j.Progress = ClaimProgress
	}
	step := StepClaimed
	j.CurrentStep = &step
	j.UpdatedAt = now
	return j.Clone(), nil
}

// heldBy returns the job if token currently holds its claim.
func (m *MemoryStore) heldBy(id, token uuid.UUID) (*models.Job, bool) {
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing || j.ClaimedBy == nil || *j.ClaimedBy != token {
		return nil, false
	}
	return j, true
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id, token uuid.UUID, progress float64, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.heldBy(id, token)
	if !ok {
		return ErrClaimLost
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStep = &step
	j.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, id, token uuid.UUID, result models.JobResult) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.heldBy(id, token)
	if !ok {
		return nil, ErrClaimLost
	}
	now := m.now().UTC()
	r := result
	j.Status = models.JobStatusCompleted
	j.Progress = 100
	j.Result = &r
	j.Error = nil
	j.ClaimedBy = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	step := StepCompleted
	j.CurrentStep = &step
	return j.Clone(), nil
}

func (m *MemoryStore) FailJob(_ context.Context, id, token uuid.UUID, errMsg string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.heldBy(id, token)
	if !ok {
		return nil, ErrClaimLost
	}
	now := m.now().UTC()
	msg := errMsg
	j.Status = models.JobStatusFailed
	j.Error = &msg
	j.Result = nil
	j.RetryCount++
	j.ClaimedBy = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	step := StepFailed
	j.CurrentStep = &step
	return j.Clone(), nil
}

func (m *MemoryStore) ScheduleRetry(_ context.Context, id, token uuid.UUID, delay time.Duration) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.heldBy(id, token)
	if !ok {
		return nil, ErrClaimLost
	}
	j.RetryCount++
	j.ClaimedBy = nil
	j.ClaimedAt = nil
	now := m.now().UTC()
	j.RunAt = now.Add(delay)
	j.UpdatedAt = now
	step := StepRetrying
	j.CurrentStep = &step
	return j.Clone(), nil
}

func (m *MemoryStore) CancelJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !models.CanTransition(j.Status, models.JobStatusCancelled) {
		return nil, &InvalidTransitionError{From: j.Status, To: models.JobStatusCancelled}
	}
	now := m.now().UTC()
	j.Status = models.JobStatusCancelled
	j.ClaimedBy = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	step := StepCancelled
	j.CurrentStep = &step
	return j.Clone(), nil
}

func (m *MemoryStore) ListRecoverable(_ context.Context, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	now := m.now().UTC()
	var due []*models.Job
	for _, j := range m.jobs {
		runnable := j.Status == models.JobStatusPending ||
			(j.Status == models.JobStatusProcessing && j.ClaimedBy == nil)
		if runnable && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	m.mu.RUnlock()

	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, 0, len(due))
	for _, j := range due {
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (m *MemoryStore) ReleaseStaleClaims(_ context.Context, claimedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.JobStatusProcessing && j.ClaimedBy != nil &&
			j.ClaimedAt != nil && j.ClaimedAt.Before(claimedBefore) {
			j.ClaimedBy = nil
			j.ClaimedAt = nil
			j.UpdatedAt = m.now().UTC()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListExpiredJobs(_ context.Context, createdBefore time.Time, limit int) ([]*models.Job, error) {
	m.mu.RLock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status.IsTerminal() && j.CreatedAt.Before(createdBefore) {
			out = append(out, j.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}
