package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-process Queue for tests and single-binary development.
type MemoryQueue struct {
	mu    sync.Mutex
	now   func() time.Time
	ready map[uuid.UUID]time.Time
}

// NewMemoryQueue returns an empty MemoryQueue. A nil clock means time.Now.
func NewMemoryQueue(now func() time.Time) *MemoryQueue {
	if now == nil {
		now = time.Now
	}
	return &MemoryQueue{now: now, ready: make(map[uuid.UUID]time.Time)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ready[id]; !ok {
		q.ready[id] = q.now()
	}
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, id uuid.UUID, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready[id] = q.now().Add(delay)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (uuid.UUID, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var (
		best   uuid.UUID
		bestAt time.Time
		found  bool
	)
	for id, at := range q.ready {
		if at.After(now) {
			continue
		}
		if !found || at.Before(bestAt) {
			best, bestAt, found = id, at, true
		}
	}
	if !found {
		return uuid.Nil, false, nil
	}
	delete(q.ready, best)
	return best, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}
