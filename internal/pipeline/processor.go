package pipeline

import (
	"context"
	"encoding/json"

	"github.com/imthatdev/swush/pkg/models"
)

// Processor performs the transform or cleanup for one job kind. It receives
// the persisted row and returns the kind-specific result fields on success.
// Any returned error counts as one failed attempt; a processor that talks to
// slow external tools must own its own timeout and surface it as an error.
//
// Processors must be idempotent: the pipeline guarantees at-least-once
// execution, so the same payload may be processed more than once after a
// crash or a double-claim across replicas.
type Processor interface {
	Process(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *models.Job) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}
