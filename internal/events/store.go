package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wisbric/meshguard/internal/store"
)

// NewStoreHandler returns a Handler that appends every event to the
// event_store table. The table is append-only; rows are never updated
// or deleted by the controller.
func NewStoreHandler(db store.DBTX, logger *slog.Logger) Handler {
	return func(ctx context.Context, env Envelope) {
		payload, err := json.Marshal(env.Event)
		if err != nil {
			logger.Error("marshalling event payload", "kind", env.Event.Kind(), "error", err)
			return
		}

		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, err = db.Exec(writeCtx,
			`INSERT INTO event_store (event_id, kind, payload, created_at) VALUES ($1, $2, $3, $4)`,
			env.ID, env.Event.Kind(), payload, env.OccurredAt,
		)
		if err != nil {
			logger.Error("appending to event store", "kind", env.Event.Kind(), "error", err)
		}
	}
}
