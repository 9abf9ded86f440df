// Package queue carries job ids from the API to the worker pool. Delivery is
// at-least-once: a job id may be dequeued more than once, and the store's
// atomic claim decides which delivery actually runs the job.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue is a delay queue of job ids ordered by ready time.
type Queue interface {
	// Enqueue makes id ready now. Enqueueing an id that is already queued
	// keeps its existing ready time.
	Enqueue(ctx context.Context, id uuid.UUID) error
	// Requeue makes id ready after delay, replacing any existing ready time.
	Requeue(ctx context.Context, id uuid.UUID, delay time.Duration) error
	// Dequeue removes and returns one id whose ready time has passed.
	// ok is false when nothing is due.
	Dequeue(ctx context.Context) (id uuid.UUID, ok bool, err error)
	Len(ctx context.Context) (int64, error)
}
