// Package storage is the object-store gateway: logical put/read/delete
// operations keyed by owner and stored name. Processors consult it; the
// scheduler never does.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrObjectNotFound = errors.New("stored object not found")

// Gateway abstracts the S3-compatible object store. Implementations must be
// safe for concurrent use.
type Gateway interface {
	Put(ctx context.Context, ownerID uuid.UUID, name, contentType string, payload []byte) error
	Read(ctx context.Context, ownerID uuid.UUID, name string) ([]byte, string, error)
	Delete(ctx context.Context, ownerID uuid.UUID, name string) error
	// DeletePrefix removes every object whose stored name starts with prefix.
	// Deleting a prefix with no objects under it is not an error.
	DeletePrefix(ctx context.Context, ownerID uuid.UUID, prefix string) error
}

// objectKey is the physical key layout: objects are namespaced per owner.
func objectKey(ownerID uuid.UUID, name string) string {
	return ownerID.String() + "/" + name
}
