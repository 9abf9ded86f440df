// Package models contains shared data models used across the podcastd codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a podcast generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// validTransitions is the job state machine. Processing -> Processing is a
// retry: the attempt failed and the job waits to be claimed again.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// IsTerminal reports whether no further transition is possible from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TerminalStatuses lists every status a job can finish in.
func TerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
}

// JobResult references the uploaded artifacts of a completed job.
type JobResult struct {
	AudioURL      string  `json:"audio_url"`
	AudioKey      string  `json:"audio_key"`
	TranscriptURL *string `json:"transcript_url,omitempty"`
	TranscriptKey *string `json:"transcript_key,omitempty"`
}

// Job tracks one podcast generation request. The API returns the id on
// POST /api/v1/podcasts; the client polls GET /api/v1/podcasts/{job_id}
// until the status is terminal.
type Job struct {
	ID          uuid.UUID         `db:"id"           json:"job_id"`
	Status      JobStatus         `db:"status"       json:"status"`
	Progress    float64           `db:"progress"     json:"progress"`
	CurrentStep *string           `db:"current_step" json:"current_step,omitempty"`
	Request     GenerationRequest `db:"request"      json:"request"`
	Result      *JobResult        `db:"result"       json:"result,omitempty"`
	Error       *string           `db:"error"        json:"error,omitempty"`
	Owner       string            `db:"owner"        json:"owner"`
	WebhookURL  *string           `db:"webhook_url"  json:"webhook_url,omitempty"`
	RetryCount  int               `db:"retry_count"  json:"retry_count"`
	ClaimedBy   *uuid.UUID        `db:"claimed_by"   json:"-"`
	ClaimedAt   *time.Time        `db:"claimed_at"   json:"-"`
	RunAt       time.Time         `db:"run_at"       json:"-"`
	StartedAt   *time.Time        `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time         `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"   json:"updated_at"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	c.Request = j.Request.Clone()
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	c.CurrentStep = cloneString(j.CurrentStep)
	c.Error = cloneString(j.Error)
	c.WebhookURL = cloneString(j.WebhookURL)
	if j.ClaimedBy != nil {
		id := *j.ClaimedBy
		c.ClaimedBy = &id
	}
	c.ClaimedAt = cloneTime(j.ClaimedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
