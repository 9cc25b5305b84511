package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/imthatdev/swush/internal/pipeline"
)

// --- mock Pipeline ---

type mockPipeline struct {
	kickFn     func(kind string, req pipeline.KickRequest) (int, error)
	backfillFn func(kind string, scan int) (int, error)

	kicks     []pipeline.KickRequest
	backfills []int
}

func (m *mockPipeline) Kick(ctx context.Context, kind string, req pipeline.KickRequest) (int, error) {
	m.kicks = append(m.kicks, req)
	if m.kickFn != nil {
		return m.kickFn(kind, req)
	}
	return req.SweepLimit, nil
}

func (m *mockPipeline) Backfill(ctx context.Context, kind string, scan int) (int, error) {
	m.backfills = append(m.backfills, scan)
	if m.backfillFn != nil {
		return m.backfillFn(kind, scan)
	}
	return 0, nil
}

// --- helpers ---

func triggerReq(t *testing.T, kind, query string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+kind+"/trigger"+query, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("kind", kind)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func parseTriggerOK(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func parseTriggerErr(t *testing.T, rec *httptest.ResponseRecorder) (int, string) {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, env.Error.Code
}

// --- tests ---

func TestTriggerHandler_SweepDefaultLimit(t *testing.T) {
	p := &mockPipeline{}
	h := NewTriggerHandler(p, TriggerLimits{MaxBatch: 10, MaxBackfill: 50})

	rec := httptest.NewRecorder()
	h(rec, triggerReq(t, "transform", ""))

	body := parseTriggerOK(t, rec)
	if body["status"] != true {
		t.Fatalf("expected status true, got %v", body["status"])
	}
	if body["processed"] != float64(10) {
		t.Fatalf("expected processed 10, got %v", body["processed"])
	}
	if _, present := body["enqueued"]; present {
		t.Fatal("enqueued must be omitted outside backfill mode")
	}
	if len(p.kicks) != 1 || p.kicks[0].SweepLimit != 10 {
		t.Fatalf("expected one kick with default limit, got %+v", p.kicks)
	}
}

func TestTriggerHandler_LimitIsClamped(t *testing.T) {
	p := &mockPipeline{}
	h := NewTriggerHandler(p, TriggerLimits{MaxBatch: 10, MaxBackfill: 50})

	rec := httptest.NewRecorder()
	h(rec, triggerReq(t, "preview", "?limit=500"))
	parseTriggerOK(t, rec)

	if p.kicks[0].SweepLimit != 10 {
		t.Fatalf("expected limit clamped to 10, got %d", p.kicks[0].SweepLimit)
	}

	// Garbage limit falls back to the default too.
	rec = httptest.NewRecorder()
	h(rec, triggerReq(t, "preview", "?limit=banana"))
	parseTriggerOK(t, rec)
	if p.kicks[1].SweepLimit != 10 {
		t.Fatalf("expected default limit on garbage input, got %d", p.kicks[1].SweepLimit)
	}
}

func TestTriggerHandler_UnknownKind(t *testing.T) {
	p := &mockPipeline{}
	h := NewTriggerHandler(p, TriggerLimits{})

	rec := httptest.NewRecorder()
	h(rec, triggerReq(t, "ocr", ""))

	code, errCode := parseTriggerErr(t, rec)
	if code != http.StatusNotFound || errCode != "UNKNOWN_KIND" {
		t.Fatalf("expected 404 UNKNOWN_KIND, got %d %s", code, errCode)
	}
	if len(p.kicks) != 0 {
		t.Fatal("pipeline must not be kicked for an unknown kind")
	}
}

func TestTriggerHandler_BackfillMode(t *testing.T) {
	p := &mockPipeline{
		backfillFn: func(kind string, scan int) (int, error) { return 7, nil },
		kickFn:     func(kind string, req pipeline.KickRequest) (int, error) { return 3, nil },
	}
	h := NewTriggerHandler(p, TriggerLimits{MaxBatch: 10, MaxBackfill: 50})

	rec := httptest.NewRecorder()
	h(rec, triggerReq(t, "audiotag", "?mode=backfill&scan=20"))

	body := parseTriggerOK(t, rec)
	if body["enqueued"] != float64(7) {
		t.Fatalf("expected enqueued 7, got %v", body["enqueued"])
	}
	if body["processed"] != float64(3) {
		t.Fatalf("expected processed 3, got %v", body["processed"])
	}
	if len(p.backfills) != 1 || p.backfills[0] != 20 {
		t.Fatalf("expected backfill scan 20, got %+v", p.backfills)
	}
	if len(p.kicks) != 1 {
		t.Fatal("backfill mode must still run the normal batch")
	}
}

func TestTriggerHandler_BackfillRejectedForCleanup(t *testing.T) {
	p := &mockPipeline{}
	h := NewTriggerHandler(p, TriggerLimits{})

	rec := httptest.NewRecorder()
	h(rec, triggerReq(t, "cleanup", "?mode=backfill"))

	code, errCode := parseTriggerErr(t, rec)
	if code != http.StatusBadRequest || errCode != "INVALID_REQUEST" {
		t.Fatalf("expected 400 INVALID_REQUEST, got %d %s", code, errCode)
	}
	if len(p.backfills) != 0 || len(p.kicks) != 0 {
		t.Fatal("nothing may run after a rejected backfill")
	}
}

func TestTriggerHandler_PipelineError(t *testing.T) {
	p := &mockPipeline{
		kickFn: func(kind string, req pipeline.KickRequest) (int, error) {
			return 0, errors.New("store down")
		},
	}
	h := NewTriggerHandler(p, TriggerLimits{})

	rec := httptest.NewRecorder()
	h(rec, triggerReq(t, "stream", ""))

	code, errCode := parseTriggerErr(t, rec)
	if code != http.StatusBadGateway || errCode != "PIPELINE_UNAVAILABLE" {
		t.Fatalf("expected 502 PIPELINE_UNAVAILABLE, got %d %s", code, errCode)
	}
}
