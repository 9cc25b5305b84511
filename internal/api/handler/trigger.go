package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/imthatdev/swush/internal/api/response"
	"github.com/imthatdev/swush/internal/pipeline"
	"github.com/imthatdev/swush/pkg/models"
)

// Pipeline is the interface the trigger handler depends on.
type Pipeline interface {
	Kick(ctx context.Context, kind string, req pipeline.KickRequest) (int, error)
	Backfill(ctx context.Context, kind string, scan int) (int, error)
}

// TriggerLimits clamp operator-supplied batch sizes.
type TriggerLimits struct {
	MaxBatch    int
	MaxBackfill int
}

// triggerResponse is the wire shape schedule-invoked callers parse; it
// predates the response envelope and stays flat.
type triggerResponse struct {
	Status    bool `json:"status"`
	Enqueued  *int `json:"enqueued,omitempty"`
	Processed int  `json:"processed"`
}

// NewTriggerHandler returns the handler for POST /api/v1/jobs/{kind}/trigger.
// Query parameters: limit (rows to claim this invocation), and for generation
// kinds mode=backfill with scan (sources to scan for missing artifacts).
func NewTriggerHandler(p Pipeline, limits TriggerLimits) http.HandlerFunc {
	if limits.MaxBatch <= 0 {
		limits.MaxBatch = 10
	}
	if limits.MaxBackfill <= 0 {
		limits.MaxBackfill = 50
	}

	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		if !models.IsKind(kind) {
			response.Error(w, http.StatusNotFound, "UNKNOWN_KIND",
				"No such job kind", nil)
			return
		}

		limit := clampedQueryInt(r, "limit", limits.MaxBatch, limits.MaxBatch)

		var enqueued *int
		if r.URL.Query().Get("mode") == "backfill" {
			if kind == models.KindCleanup {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"cleanup jobs cannot be backfilled", nil)
				return
			}
			scan := clampedQueryInt(r, "scan", limits.MaxBackfill, limits.MaxBackfill)
			n, err := p.Backfill(r.Context(), kind, scan)
			if err != nil {
				response.Error(w, http.StatusBadGateway, "PIPELINE_UNAVAILABLE",
					err.Error(), nil)
				return
			}
			enqueued = &n
		}

		processed, err := p.Kick(r.Context(), kind, pipeline.KickRequest{SweepLimit: limit})
		if err != nil {
			if errors.Is(err, pipeline.ErrUnknownKind) {
				response.Error(w, http.StatusNotFound, "UNKNOWN_KIND",
					"No such job kind", nil)
				return
			}
			response.Error(w, http.StatusBadGateway, "PIPELINE_UNAVAILABLE",
				err.Error(), nil)
			return
		}

		response.Raw(w, triggerResponse{
			Status:    true,
			Enqueued:  enqueued,
			Processed: processed,
		})
	}
}

// clampedQueryInt parses an int query parameter, falling back to def and
// clamping to [1, max].
func clampedQueryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
