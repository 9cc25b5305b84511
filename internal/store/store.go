package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/imthatdev/swush/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrUnknownKind = errors.New("unknown job kind")

// Store is the data access interface. All database operations go through here.
// Job methods take the kind as their first argument; each kind persists to its
// own table of identical shape.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, kind string, job *models.Job) error
	GetJob(ctx context.Context, kind string, id uuid.UUID) (*models.Job, error)
	// LatestJobForSubject returns the most recent row for the dedup key, or
	// ErrNotFound if the subject has never been enqueued for this kind.
	LatestJobForSubject(ctx context.Context, kind string, ownerID uuid.UUID, subjectKey string, isPrefix bool) (*models.Job, error)
	// ListQueuedJobs returns up to limit queued rows whose next_attempt_at has
	// passed, oldest created_at first.
	ListQueuedJobs(ctx context.Context, kind string, limit int, now time.Time) ([]*models.Job, error)
	ListJobs(ctx context.Context, kind string, limit, offset int) ([]*models.Job, int, error)

	// MarkProcessing transitions queued -> processing, clears the error, and
	// stamps claimed_at. Returns false without error if the row was no longer
	// queued (raced to ready/failed), so the caller can skip it.
	MarkProcessing(ctx context.Context, kind string, id uuid.UUID) (bool, error)
	MarkReady(ctx context.Context, kind string, id uuid.UUID, result json.RawMessage) error
	// MarkRetry transitions processing -> queued with the failure recorded and
	// the next sweep eligibility pushed to nextAttemptAt.
	MarkRetry(ctx context.Context, kind string, id uuid.UUID, errMsg string, attempts int, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, kind string, id uuid.UUID, errMsg string, attempts int) error
	// ReactivateJob resets a failed row in place: queued, attempts 0, error
	// cleared, immediately sweep-eligible.
	ReactivateJob(ctx context.Context, kind string, id uuid.UUID) error
	// ReleaseStaleClaims re-queues processing rows claimed longer ago than
	// lease, recovering work stranded by a crash mid-pass.
	ReleaseStaleClaims(ctx context.Context, kind string, lease time.Duration) (int, error)

	CreateUpload(ctx context.Context, upload *models.Upload) error
	// ListUploadsMissingJobs returns up to limit source objects that have no
	// job row of the given kind, oldest first. Used by backfill triggers.
	ListUploadsMissingJobs(ctx context.Context, kind string, limit int) ([]*models.Upload, error)
}

// jobTables maps a job kind to its table. Table names are interpolated into
// SQL, so only values from this map may ever reach a query.
var jobTables = map[string]string{
	models.KindTransform: "transform_jobs",
	models.KindPreview:   "preview_jobs",
	models.KindStream:    "stream_jobs",
	models.KindAudioTag:  "audiotag_jobs",
	models.KindCleanup:   "cleanup_jobs",
}

func jobTable(kind string) (string, error) {
	table, ok := jobTables[kind]
	if !ok {
		return "", ErrUnknownKind
	}
	return table, nil
}
