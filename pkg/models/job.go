package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusReady      = "ready"
	JobStatusFailed     = "failed"
)

const (
	KindTransform = "transform"
	KindPreview   = "preview"
	KindStream    = "stream"
	KindAudioTag  = "audiotag"
	KindCleanup   = "cleanup"
)

// Kinds lists every job kind in a stable order.
var Kinds = []string{KindTransform, KindPreview, KindStream, KindAudioTag, KindCleanup}

// IsKind reports whether s names a known job kind.
func IsKind(s string) bool {
	for _, k := range Kinds {
		if k == s {
			return true
		}
	}
	return false
}

// Job is one unit of derived-artifact work. Every kind persists the same row
// shape in its own table; kind-specific inputs and outputs live in Params and
// Result. At most one active (queued or processing) row exists per
// (owner_id, subject_key, is_prefix) tuple. The enqueue path enforces this,
// not a database constraint.
type Job struct {
	ID            uuid.UUID       `db:"id"              json:"id"`
	OwnerID       uuid.UUID       `db:"owner_id"        json:"owner_id"`
	SubjectKey    string          `db:"subject_key"     json:"subject_key"`
	Driver        string          `db:"driver"          json:"driver"`
	IsPrefix      bool            `db:"is_prefix"       json:"is_prefix,omitempty"`
	Status        string          `db:"status"          json:"status"`
	Attempts      int             `db:"attempts"        json:"attempts"`
	Error         *string         `db:"error"           json:"error,omitempty"`
	Params        json.RawMessage `db:"params"          json:"params,omitempty"`
	Result        json.RawMessage `db:"result"          json:"result,omitempty"`
	NextAttemptAt time.Time       `db:"next_attempt_at" json:"next_attempt_at"`
	ClaimedAt     *time.Time      `db:"claimed_at"      json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"      json:"updated_at"`
}

// Active reports whether the row still occupies its dedup key.
func (j *Job) Active() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusProcessing
}
