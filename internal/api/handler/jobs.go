package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/imthatdev/swush/internal/api/response"
	"github.com/imthatdev/swush/internal/store"
	"github.com/imthatdev/swush/pkg/models"
)

// JobLister is the interface the job-history handler depends on.
type JobLister interface {
	ListJobs(ctx context.Context, kind string, limit, offset int) ([]*models.Job, int, error)
}

// NewListJobsHandler returns the handler for GET /api/v1/jobs/{kind}, the
// operator job-history view, paginated by limit/offset.
func NewListJobsHandler(s JobLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		if !models.IsKind(kind) {
			response.Error(w, http.StatusNotFound, "UNKNOWN_KIND",
				"No such job kind", nil)
			return
		}

		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		jobs, total, err := s.ListJobs(r.Context(), kind, limit, offset)
		if err != nil {
			if errors.Is(err, store.ErrUnknownKind) {
				response.Error(w, http.StatusNotFound, "UNKNOWN_KIND",
					"No such job kind", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list jobs", nil)
			return
		}

		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.PaginationMeta{
			Limit:   limit,
			Offset:  offset,
			Total:   total,
			HasNext: offset+len(jobs) < total,
		})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
