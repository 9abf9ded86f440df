// Package storage uploads generated artifacts to object storage and removes
// them again when their job is reaped.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for object storage failures.
var (
	ErrNotFound       = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("storage access denied")
	ErrUnavailable    = errors.New("storage unavailable")
)

// Storage is the artifact store used by the engine and the retention sweeper.
type Storage interface {
	// Upload copies the local file at path to key and returns its public URL.
	Upload(ctx context.Context, path, key string) (string, error)
	// Delete removes key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}

// AudioKey is the object key of a job's primary artifact.
func AudioKey(jobID fmt.Stringer) string {
	return fmt.Sprintf("podcasts/%s.mp3", jobID)
}

// TranscriptKey is the object key of a job's transcript.
func TranscriptKey(jobID fmt.Stringer) string {
	return fmt.Sprintf("transcripts/%s.txt", jobID)
}

// Error wraps a storage failure with the operation and key involved.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
