package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunMetadata identifies one engine invocation for logging and bookkeeping.
type RunMetadata struct {
	RunID     string
	StartedAt time.Time
}

// NewRunMetadata allocates a fresh run id. When an IDChecker is supplied the
// id is guaranteed unused at allocation time.
func NewRunMetadata(ctx context.Context, ids IDChecker) (RunMetadata, error) {
	const maxAttempts = 5

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := uuid.New().String()
		if ids == nil {
			return RunMetadata{RunID: id, StartedAt: time.Now()}, nil
		}

		exists, err := ids.Exists(ctx, id)
		if err != nil {
			return RunMetadata{}, fmt.Errorf("error checking run id: %w", err)
		}
		if !exists {
			return RunMetadata{RunID: id, StartedAt: time.Now()}, nil
		}
	}

	return RunMetadata{}, fmt.Errorf("could not allocate an unused run id after %d attempts", maxAttempts)
}
