// Package deadletter is the terminal sink for jobs that exhausted their retry
// budget. Records are durable and append-only; there is no reprocessing path.
package deadletter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tasktrack/internal/models"
)

// Store persists dead-letter records.
type Store interface {
	InsertDeadLetter(ctx context.Context, dl models.DeadLetter) error
}

// Archiver copies dead-letter payloads to long-term storage. Best effort: an
// archive failure never surfaces to the worker's retry path.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// Handler records exhausted jobs.
type Handler struct {
	store    Store
	archiver Archiver
	log      zerolog.Logger
}

func NewHandler(store Store, archiver Archiver, log zerolog.Logger) *Handler {
	return &Handler{store: store, archiver: archiver, log: log}
}

// Record persists the dead letter and, when an archiver is configured, copies
// the payload out of band. Only the database insert can fail the hand-off.
func (h *Handler) Record(ctx context.Context, dl models.DeadLetter) error {
	if err := h.store.InsertDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("record dead letter %s: %w", dl.JobID, err)
	}
	h.log.Warn().
		Str("job_id", dl.JobID).
		Str("kind", string(dl.Kind)).
		Int("attempts", dl.Attempts).
		Str("reason", dl.Reason).
		Msg("job dead-lettered")

	if h.archiver != nil {
		key := fmt.Sprintf("dead-letters/%s/%s.json", dl.FailedAt.UTC().Format("2006-01-02"), dl.JobID)
		if err := h.archiver.Archive(ctx, key, dl.Payload); err != nil {
			h.log.Warn().Err(err).Str("key", key).Msg("dead-letter archive failed")
		}
	}
	return nil
}
