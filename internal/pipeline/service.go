package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/imthatdev/swush/internal/store"
	"github.com/imthatdev/swush/pkg/models"
)

// maxErrorLen caps the failure reason stored on a row.
const maxErrorLen = 1024

// maxPasses bounds the drain-recheck-loop of a single Kick call. Work
// recorded after the bound is hit stays recorded and is honored by the next
// Kick; in practice the bound is never reached.
const maxPasses = 100

// StatusCache mirrors job status transitions into a fast store so operator
// polling does not hit Postgres. Writes are best effort.
type StatusCache interface {
	SetJobStatus(ctx context.Context, kind string, id uuid.UUID, status string) error
}

// EnqueueParams identifies the subject a job should be created for.
// IsPrefix only discriminates cleanup jobs; every other kind leaves it false.
type EnqueueParams struct {
	OwnerID    uuid.UUID
	SubjectKey string
	Driver     string
	IsPrefix   bool
	Params     json.RawMessage
}

// KickRequest wakes the runner for one job id, a batch sweep, or both.
type KickRequest struct {
	JobID      *uuid.UUID
	SweepLimit int
}

// Service is the scheduler for one job kind: the sole enqueue path and the
// in-process runner that drains queued rows. One instance exists per kind;
// all mutable scheduler state lives on the instance so tests can construct
// independent schedulers.
type Service struct {
	kind        string
	store       store.Store
	processor   Processor
	statusCache StatusCache
	log         *slog.Logger

	maxAttempts int
	backoff     BackoffStrategy
	claimLease  time.Duration

	mu         sync.Mutex
	active     bool
	pending    map[uuid.UUID]struct{}
	sweep      bool
	sweepLimit int
}

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	MaxAttempts int
	Backoff     BackoffStrategy
	ClaimLease  time.Duration
	StatusCache StatusCache
}

// New creates a scheduler for one job kind.
func New(kind string, st store.Store, proc Processor, opts Options, log *slog.Logger) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = ExponentialBackoff{Initial: 30 * time.Second, Max: 10 * time.Minute}
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		kind:        kind,
		store:       st,
		processor:   proc,
		statusCache: opts.StatusCache,
		log:         log.With("kind", kind),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		claimLease:  opts.ClaimLease,
		pending:     make(map[uuid.UUID]struct{}),
	}
}

// Kind returns the job kind this scheduler drains.
func (s *Service) Kind() string {
	return s.kind
}

// Enqueue creates or reactivates the job row for the dedup key and returns
// its id. ok is false when the subject is already ready: nothing to do, and
// the caller must not kick the runner. When an active (queued or processing)
// row already exists its id is returned unchanged; params are fixed at first
// enqueue and newly supplied params are ignored by design.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (uuid.UUID, bool, error) {
	latest, err := s.store.LatestJobForSubject(ctx, s.kind, p.OwnerID, p.SubjectKey, p.IsPrefix)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, false, fmt.Errorf("look up %s job for %q: %w", s.kind, p.SubjectKey, err)
	}

	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		job := &models.Job{
			ID:            uuid.New(),
			OwnerID:       p.OwnerID,
			SubjectKey:    p.SubjectKey,
			Driver:        p.Driver,
			IsPrefix:      p.IsPrefix,
			Status:        models.JobStatusQueued,
			Params:        p.Params,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.CreateJob(ctx, s.kind, job); err != nil {
			return uuid.Nil, false, err
		}
		s.cacheStatus(ctx, job.ID, models.JobStatusQueued)
		s.log.Info("job enqueued", "job_id", job.ID, "subject", p.SubjectKey)
		return job.ID, true, nil
	}

	switch {
	case latest.Active():
		return latest.ID, true, nil
	case latest.Status == models.JobStatusReady:
		return uuid.Nil, false, nil
	case latest.Status == models.JobStatusFailed:
		if err := s.store.ReactivateJob(ctx, s.kind, latest.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, false, fmt.Errorf("reactivate %s job %s: %w", s.kind, latest.ID, err)
		}
		// ErrNotFound here means a concurrent enqueue won the reactivation;
		// either way the row is queued again under the same id.
		s.cacheStatus(ctx, latest.ID, models.JobStatusQueued)
		s.log.Info("job reactivated", "job_id", latest.ID, "subject", p.SubjectKey)
		return latest.ID, true, nil
	default:
		return uuid.Nil, false, fmt.Errorf("%s job %s has unexpected status %q", s.kind, latest.ID, latest.Status)
	}
}

// Kick records the request and, if no pass is active, runs passes until no
// new work was recorded during the last one. It returns how many jobs this
// particular call processed; a call absorbed by an already-active pass
// returns 0 immediately and its work is still completed by that pass.
func (s *Service) Kick(ctx context.Context, req KickRequest) (int, error) {
	s.mu.Lock()
	s.record(req)
	if s.active {
		s.mu.Unlock()
		return 0, nil
	}
	s.active = true
	s.mu.Unlock()

	total := 0
	for pass := 0; pass < maxPasses; pass++ {
		n, err := s.runPass(ctx)
		total += n
		if err != nil {
			// Pending work stays recorded for the next Kick.
			s.deactivate()
			return total, err
		}

		// The exit decision and the active flag flip must happen under one
		// lock acquisition: a kick landing between "no more work" and
		// "inactive" would otherwise be absorbed by nobody.
		s.mu.Lock()
		if len(s.pending) == 0 && !s.sweep {
			s.active = false
			s.mu.Unlock()
			return total, nil
		}
		s.mu.Unlock()
	}

	s.log.Warn("pass budget exhausted with work still pending", "passes", maxPasses)
	s.deactivate()
	return total, nil
}

func (s *Service) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// record merges a kick request into the scheduler state. Must hold s.mu.
func (s *Service) record(req KickRequest) {
	if req.JobID != nil {
		s.pending[*req.JobID] = struct{}{}
	}
	if req.SweepLimit > 0 {
		s.sweep = true
		if req.SweepLimit > s.sweepLimit {
			s.sweepLimit = req.SweepLimit
		}
	}
}

// runPass drains the explicit-id set, then the batch sweep if one was
// requested. The claimed state is snapshot under the lock so requests that
// arrive mid-pass are left recorded for the caller's re-check.
func (s *Service) runPass(ctx context.Context) (int, error) {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.pending = make(map[uuid.UUID]struct{})
	sweep, sweepLimit := s.sweep, s.sweepLimit
	s.sweep, s.sweepLimit = false, 0
	s.mu.Unlock()

	processed := 0

	for _, id := range ids {
		job, err := s.store.GetJob(ctx, s.kind, id)
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("kicked job no longer exists", "job_id", id)
			continue
		}
		if err != nil {
			return processed, fmt.Errorf("load %s job %s: %w", s.kind, id, err)
		}
		if job.Status != models.JobStatusQueued {
			// Raced to ready/failed since the kick; skip, never retry here.
			continue
		}
		if s.processJob(ctx, job) {
			processed++
		}
	}

	if sweep {
		if n, err := s.store.ReleaseStaleClaims(ctx, s.kind, s.claimLease); err != nil {
			s.log.Error("release stale claims failed", "error", err)
		} else if n > 0 {
			s.log.Info("requeued stale processing rows", "count", n)
		}

		jobs, err := s.store.ListQueuedJobs(ctx, s.kind, sweepLimit, time.Now().UTC())
		if err != nil {
			return processed, fmt.Errorf("sweep %s jobs: %w", s.kind, err)
		}
		for _, job := range jobs {
			if s.processJob(ctx, job) {
				processed++
			}
		}
	}

	return processed, nil
}

// processJob runs one attempt and writes the outcome back to the row. It
// never returns an error: every failure is recorded on the row itself. The
// return value reports whether an attempt actually ran.
func (s *Service) processJob(ctx context.Context, job *models.Job) bool {
	claimed, err := s.store.MarkProcessing(ctx, s.kind, job.ID)
	if err != nil {
		s.log.Error("claim failed", "job_id", job.ID, "error", err)
		return false
	}
	if !claimed {
		// Row changed out from under us; skip rather than error.
		return false
	}
	s.cacheStatus(ctx, job.ID, models.JobStatusProcessing)

	result, procErr := s.processor.Process(ctx, job)
	if procErr == nil {
		if err := s.store.MarkReady(ctx, s.kind, job.ID, result); err != nil {
			s.log.Error("mark ready failed", "job_id", job.ID, "error", err)
			return true
		}
		s.cacheStatus(ctx, job.ID, models.JobStatusReady)
		s.log.Info("job ready", "job_id", job.ID, "subject", job.SubjectKey, "attempts", job.Attempts)
		return true
	}

	attempts := job.Attempts + 1
	reason := truncate(procErr.Error(), maxErrorLen)

	if attempts >= s.maxAttempts {
		if err := s.store.MarkFailed(ctx, s.kind, job.ID, reason, attempts); err != nil {
			s.log.Error("mark failed failed", "job_id", job.ID, "error", err)
			return true
		}
		s.cacheStatus(ctx, job.ID, models.JobStatusFailed)
		s.log.Error("job failed permanently", "job_id", job.ID, "subject", job.SubjectKey,
			"attempts", attempts, "error", reason)
		return true
	}

	next := time.Now().UTC().Add(s.backoff.Delay(attempts))
	if err := s.store.MarkRetry(ctx, s.kind, job.ID, reason, attempts, next); err != nil {
		s.log.Error("mark retry failed", "job_id", job.ID, "error", err)
		return true
	}
	s.cacheStatus(ctx, job.ID, models.JobStatusQueued)
	s.log.Warn("job attempt failed, requeued", "job_id", job.ID, "subject", job.SubjectKey,
		"attempts", attempts, "next_attempt_at", next, "error", reason)
	return true
}

// Reconcile re-queues processing rows whose claim outlived the lease. Called
// periodically from the server loop in addition to the head of every sweep.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	return s.store.ReleaseStaleClaims(ctx, s.kind, s.claimLease)
}

func (s *Service) cacheStatus(ctx context.Context, id uuid.UUID, status string) {
	if s.statusCache == nil {
		return
	}
	if err := s.statusCache.SetJobStatus(ctx, s.kind, id, status); err != nil {
		s.log.Debug("status cache write failed", "job_id", id, "error", err)
	}
}

// truncate caps s at n bytes without splitting a multibyte rune: the column
// is TEXT, and Postgres rejects invalid UTF-8, which would turn recording the
// failure into a failure of its own.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
