package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(kind string, jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:%s", kind, jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
