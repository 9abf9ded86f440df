package engine

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/podcastd/internal/store"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = store.ErrNotFound
	// ErrAccessDenied is returned when a principal touches a job it does not own.
	ErrAccessDenied = errors.New("access denied")
	// ErrHardTimeout marks an attempt the engine stopped waiting for.
	ErrHardTimeout = errors.New("generation exceeded hard time limit")
)

// InvalidStateError is returned by Cancel when the job is already terminal.
type InvalidStateError struct {
	Status models.JobStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot cancel job in status %s", e.Status)
}
