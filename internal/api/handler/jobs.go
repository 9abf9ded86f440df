package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/podcastd/internal/api/middleware"
	"github.com/kiranshivaraju/podcastd/internal/api/response"
	"github.com/kiranshivaraju/podcastd/internal/store"
	"github.com/kiranshivaraju/podcastd/pkg/models"
)

// JobService defines the engine operations the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, p models.Principal, req models.GenerationRequest) (*models.Job, error)
	Get(ctx context.Context, p models.Principal, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, p models.Principal, filter store.JobFilter) ([]*models.Job, int, error)
	Cancel(ctx context.Context, p models.Principal, id uuid.UUID) (*models.Job, error)
}

type submitResponse struct {
	JobID     uuid.UUID        `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"created_at"`
}

type resultView struct {
	AudioURL      string  `json:"audio_url"`
	TranscriptURL *string `json:"transcript_url,omitempty"`
}

// jobView is the client-facing status projection of a job.
type jobView struct {
	JobID       uuid.UUID        `json:"job_id"`
	Status      models.JobStatus `json:"status"`
	Progress    float64          `json:"progress"`
	CurrentStep *string          `json:"current_step,omitempty"`
	Result      *resultView      `json:"result,omitempty"`
	Error       *string          `json:"error,omitempty"`
	RetryCount  int              `json:"retry_count"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func viewOf(j *models.Job) jobView {
	v := jobView{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		Error:       j.Error,
		RetryCount:  j.RetryCount,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Result != nil {
		v.Result = &resultView{AudioURL: j.Result.AudioURL, TranscriptURL: j.Result.TranscriptURL}
	}
	return v
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/podcasts.
func NewSubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := mw.GetPrincipal(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing principal", nil)
			return
		}

		var req models.GenerationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), p, req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Accepted(w, submitResponse{
			JobID:     job.ID,
			Status:    job.Status,
			Message:   "Podcast generation job created successfully",
			CreatedAt: job.CreatedAt,
		})
	}
}

// NewGetHandler returns an http.HandlerFunc for GET /api/v1/podcasts/{jobID}.
func NewGetHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, id, ok := principalAndJobID(w, r)
		if !ok {
			return
		}

		job, err := svc.Get(r.Context(), p, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, viewOf(job))
	}
}

// NewCancelHandler returns an http.HandlerFunc for DELETE /api/v1/podcasts/{jobID}.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, id, ok := principalAndJobID(w, r)
		if !ok {
			return
		}

		if _, err := svc.Cancel(r.Context(), p, id); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewListHandler returns an http.HandlerFunc for GET /api/v1/podcasts.
func NewListHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := mw.GetPrincipal(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing principal", nil)
			return
		}

		q := r.URL.Query()
		var filter store.JobFilter
		if s := q.Get("status"); s != "" {
			filter.Status = models.JobStatus(s)
			if !filter.Status.Valid() {
				response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
					"status must be one of pending, processing, completed, failed, cancelled",
					map[string]string{"field": "status"})
				return
			}
		}
		var err error
		if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"limit must be an integer", map[string]string{"field": "limit"})
			return
		}
		if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"offset must be an integer", map[string]string{"field": "offset"})
			return
		}
		filter = filter.Normalize()

		jobs, total, err := svc.List(r.Context(), p, filter)
		if err != nil {
			writeError(w, r, err)
			return
		}

		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, viewOf(j))
		}
		response.Collection(w, views, response.PaginationMeta{
			Limit:   filter.Limit,
			Offset:  filter.Offset,
			Total:   total,
			HasNext: filter.Offset+len(jobs) < total,
		})
	}
}

func principalAndJobID(w http.ResponseWriter, r *http.Request) (models.Principal, uuid.UUID, bool) {
	p, ok := mw.GetPrincipal(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing principal", nil)
		return p, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job id must be a UUID", nil)
		return p, uuid.Nil, false
	}
	return p, id, true
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
