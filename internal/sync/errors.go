package sync

import (
	"errors"
	"fmt"
	"time"
)

// Typed failures of the orchestrator's critical path. Anything else
// that goes wrong mid-run is collected into the result's error list
// instead of aborting.
var (
	ErrJournalNotFound   = errors.New("journal not found or not owned by user")
	ErrNotConnected      = errors.New("no active broker connection for journal")
	ErrMissingCredential = errors.New("broker connection has no usable access token")
	ErrNoBrokerAccount   = errors.New("stored broker account not reachable with this token")
)

// RateLimitError aborts a sync before any network call.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("sync rate limit exceeded, retry after %s", e.ResetAt.UTC().Format(time.RFC3339))
}
