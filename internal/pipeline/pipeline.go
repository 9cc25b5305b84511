package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/imthatdev/swush/internal/store"
	"github.com/imthatdev/swush/pkg/models"
)

var ErrUnknownKind = store.ErrUnknownKind

// TransformParams tunes the compressed-variant processor.
type TransformParams struct {
	Quality int `json:"quality,omitempty"`
}

// PreviewParams tunes the thumbnail processor.
type PreviewParams struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// StreamParams tunes the HLS rendition processor.
type StreamParams struct {
	Bitrates []int `json:"bitrates,omitempty"`
}

// CleanupParams selects what the cleanup processor reclaims. IsPrefix is part
// of the dedup key, not a tunable.
type CleanupParams struct {
	IsPrefix bool `json:"is_prefix,omitempty"`
}

// Set holds one scheduler per job kind and is the entry point the rest of the
// application uses: upload handlers enqueue, the trigger surface kicks.
type Set struct {
	services map[string]*Service
	store    store.Store
	log      *slog.Logger
}

// NewSet builds a scheduler per kind from the given processors. Every known
// kind must have a processor.
func NewSet(st store.Store, processors map[string]Processor, opts Options, log *slog.Logger) (*Set, error) {
	if log == nil {
		log = slog.Default()
	}
	services := make(map[string]*Service, len(models.Kinds))
	for _, kind := range models.Kinds {
		proc, ok := processors[kind]
		if !ok {
			return nil, fmt.Errorf("no processor registered for kind %q", kind)
		}
		services[kind] = New(kind, st, proc, opts, log)
	}
	return &Set{services: services, store: st, log: log}, nil
}

// Service returns the scheduler for kind, or ErrUnknownKind.
func (p *Set) Service(kind string) (*Service, error) {
	svc, ok := p.services[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return svc, nil
}

// Kick wakes the runner for kind. See Service.Kick.
func (p *Set) Kick(ctx context.Context, kind string, req KickRequest) (int, error) {
	svc, err := p.Service(kind)
	if err != nil {
		return 0, err
	}
	return svc.Kick(ctx, req)
}

// EnqueueAndKick enqueues one job and, when a row was created or reactivated,
// wakes the runner for that id. This is what upload and delete handlers call.
func (p *Set) EnqueueAndKick(ctx context.Context, kind string, params EnqueueParams) (int, error) {
	svc, err := p.Service(kind)
	if err != nil {
		return 0, err
	}
	id, ok, err := svc.Enqueue(ctx, params)
	if err != nil {
		return 0, err
	}
	if !ok {
		// Already ready; never wake the runner for a no-op.
		return 0, nil
	}
	return svc.Kick(ctx, KickRequest{JobID: &id})
}

// EnqueueTransformJob enqueues a compressed-variant job for a source object.
func (p *Set) EnqueueTransformJob(ctx context.Context, ownerID uuid.UUID, subjectKey, driver string, params TransformParams) (uuid.UUID, bool, error) {
	return p.enqueue(ctx, models.KindTransform, ownerID, subjectKey, driver, false, params)
}

// EnqueuePreviewJob enqueues a thumbnail job for a source object.
func (p *Set) EnqueuePreviewJob(ctx context.Context, ownerID uuid.UUID, subjectKey, driver string, params PreviewParams) (uuid.UUID, bool, error) {
	return p.enqueue(ctx, models.KindPreview, ownerID, subjectKey, driver, false, params)
}

// EnqueueStreamJob enqueues an HLS rendition job for a source object.
func (p *Set) EnqueueStreamJob(ctx context.Context, ownerID uuid.UUID, subjectKey, driver string, params StreamParams) (uuid.UUID, bool, error) {
	return p.enqueue(ctx, models.KindStream, ownerID, subjectKey, driver, false, params)
}

// EnqueueAudioTagJob enqueues tag extraction for a source object.
func (p *Set) EnqueueAudioTagJob(ctx context.Context, ownerID uuid.UUID, subjectKey, driver string) (uuid.UUID, bool, error) {
	return p.enqueue(ctx, models.KindAudioTag, ownerID, subjectKey, driver, false, nil)
}

// EnqueueCleanupJob enqueues reclamation of a stored object, or of every
// object under a prefix when params.IsPrefix is set.
func (p *Set) EnqueueCleanupJob(ctx context.Context, ownerID uuid.UUID, subjectKey, driver string, params CleanupParams) (uuid.UUID, bool, error) {
	return p.enqueue(ctx, models.KindCleanup, ownerID, subjectKey, driver, params.IsPrefix, params)
}

func (p *Set) enqueue(ctx context.Context, kind string, ownerID uuid.UUID, subjectKey, driver string, isPrefix bool, params any) (uuid.UUID, bool, error) {
	svc, err := p.Service(kind)
	if err != nil {
		return uuid.Nil, false, err
	}
	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("marshal %s params: %w", kind, err)
		}
	}
	return svc.Enqueue(ctx, EnqueueParams{
		OwnerID:    ownerID,
		SubjectKey: subjectKey,
		Driver:     driver,
		IsPrefix:   isPrefix,
		Params:     raw,
	})
}

// Backfill scans up to scan sources that have no job row of the given kind
// and enqueues one for each source the kind applies to. It returns how many
// jobs were enqueued; the caller runs the normal batch afterwards. Cleanup is
// not a generation kind and cannot be backfilled.
func (p *Set) Backfill(ctx context.Context, kind string, scan int) (int, error) {
	if kind == models.KindCleanup {
		return 0, fmt.Errorf("kind %q does not support backfill", kind)
	}
	svc, err := p.Service(kind)
	if err != nil {
		return 0, err
	}

	uploads, err := p.store.ListUploadsMissingJobs(ctx, kind, scan)
	if err != nil {
		return 0, fmt.Errorf("backfill scan: %w", err)
	}

	enqueued := 0
	for _, u := range uploads {
		if !kindApplies(kind, u.ContentType) {
			continue
		}
		_, ok, err := svc.Enqueue(ctx, EnqueueParams{
			OwnerID:    u.OwnerID,
			SubjectKey: u.StoredName,
			Driver:     u.Driver,
		})
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		p.log.Info("backfill enqueued jobs", "kind", kind, "count", enqueued, "scanned", len(uploads))
	}
	return enqueued, nil
}

// Reconcile runs the stale-claim sweep for every kind.
func (p *Set) Reconcile(ctx context.Context) {
	for _, kind := range models.Kinds {
		svc := p.services[kind]
		n, err := svc.Reconcile(ctx)
		if err != nil {
			p.log.Error("reconcile failed", "kind", kind, "error", err)
			continue
		}
		if n > 0 {
			p.log.Info("reconciled stale claims", "kind", kind, "count", n)
		}
	}
}

// kindApplies reports whether a generation kind makes sense for a source's
// content type.
func kindApplies(kind, contentType string) bool {
	isImage := strings.HasPrefix(contentType, "image/")
	isVideo := strings.HasPrefix(contentType, "video/")
	isAudio := strings.HasPrefix(contentType, "audio/")

	switch kind {
	case models.KindTransform:
		return isImage || isVideo || isAudio
	case models.KindPreview:
		return isImage || isVideo
	case models.KindStream:
		return isVideo
	case models.KindAudioTag:
		return isAudio
	default:
		return false
	}
}
