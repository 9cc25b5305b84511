package media

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imthatdev/swush/internal/storage"
	"github.com/imthatdev/swush/pkg/models"
)

// CleanupProcessor reclaims storage: a single object, or every object under a
// prefix when the job's is_prefix discriminator is set. Deleting something
// that is already gone succeeds, so retries after partial failures converge.
type CleanupProcessor struct {
	gateway storage.Gateway
}

func NewCleanupProcessor(gw storage.Gateway) *CleanupProcessor {
	return &CleanupProcessor{gateway: gw}
}

func (p *CleanupProcessor) Process(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	if job.IsPrefix {
		if err := p.gateway.DeletePrefix(ctx, job.OwnerID, job.SubjectKey); err != nil {
			return nil, fmt.Errorf("delete prefix %q: %w", job.SubjectKey, err)
		}
		return nil, nil
	}
	if err := p.gateway.Delete(ctx, job.OwnerID, job.SubjectKey); err != nil {
		return nil, fmt.Errorf("delete object %q: %w", job.SubjectKey, err)
	}
	return nil, nil
}
