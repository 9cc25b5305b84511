package models

import (
	"time"

	"github.com/google/uuid"
)

// Upload is the catalog entry for a stored source object. The upload flow
// itself lives elsewhere; the pipeline only reads this table to backfill
// derived artifacts for sources that never got a job row.
type Upload struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	OwnerID     uuid.UUID `db:"owner_id"     json:"owner_id"`
	StoredName  string    `db:"stored_name"  json:"stored_name"`
	Driver      string    `db:"driver"       json:"driver"`
	ContentType string    `db:"content_type" json:"content_type"`
	SizeBytes   int64     `db:"size_bytes"   json:"size_bytes"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
