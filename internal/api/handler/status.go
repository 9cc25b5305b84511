package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/imthatdev/swush/internal/api/response"
	"github.com/imthatdev/swush/internal/store"
	"github.com/imthatdev/swush/pkg/models"
)

// StatusReader is the cache side of the status lookup.
type StatusReader interface {
	GetJobStatus(ctx context.Context, kind string, jobID uuid.UUID) (string, bool, error)
}

// JobGetter is the store side of the status lookup.
type JobGetter interface {
	GetJob(ctx context.Context, kind string, id uuid.UUID) (*models.Job, error)
}

type jobStatus struct {
	ID     uuid.UUID `json:"id"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
}

// NewJobStatusHandler returns the handler for GET /api/v1/jobs/{kind}/{id}.
// The pipeline mirrors every transition into the cache, so the common polling
// case never touches Postgres; the store stays the source of truth on a miss.
func NewJobStatusHandler(c StatusReader, s JobGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		if !models.IsKind(kind) {
			response.Error(w, http.StatusNotFound, "UNKNOWN_KIND",
				"No such job kind", nil)
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Invalid job id", nil)
			return
		}

		if status, ok, err := c.GetJobStatus(r.Context(), kind, id); err == nil && ok {
			response.JSON(w, jobStatus{ID: id, Kind: kind, Status: status})
			return
		}

		job, err := s.GetJob(r.Context(), kind, id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND",
				"No such job", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to look up job", nil)
			return
		}

		response.JSON(w, jobStatus{ID: job.ID, Kind: kind, Status: job.Status})
	}
}
