package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/meshguard/internal/httpserver"
	"github.com/wisbric/meshguard/internal/store"
)

// Record is the API shape of one audit log row.
type Record struct {
	ID          int64           `json:"id"`
	EventType   string          `json:"event_type"`
	EventAction string          `json:"event_action"`
	ActorType   string          `json:"actor_type"`
	ActorID     *string         `json:"actor_id,omitempty"`
	ActorIP     *string         `json:"actor_ip,omitempty"`
	TargetType  *string         `json:"target_type,omitempty"`
	TargetID    *string         `json:"target_id,omitempty"`
	Status      string          `json:"status"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	logger *slog.Logger
	db     store.DBTX
}

// NewHandler creates an audit log Handler.
func NewHandler(logger *slog.Logger, db store.DBTX) *Handler {
	return &Handler{logger: logger, db: db}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var conditions []string
	var args []any
	argIdx := 1

	if v := r.URL.Query().Get("event_type"); v != "" {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, v)
		argIdx++
	}
	if v := r.URL.Query().Get("actor_type"); v != "" {
		conditions = append(conditions, fmt.Sprintf("actor_type = $%d", argIdx))
		args = append(args, v)
		argIdx++
	}

	query := `SELECT id, event_type, event_action, actor_type, actor_id, actor_ip,
		target_type, target_id, status, details, created_at
	FROM audit_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.PageSize, params.Offset)

	rows, err := h.db.Query(r.Context(), query, args...)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		h.logger.Error("scanning audit log rows", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"entries": records,
		"count":   len(records),
	})
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	records := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.EventType, &rec.EventAction, &rec.ActorType,
			&rec.ActorID, &rec.ActorIP, &rec.TargetType, &rec.TargetID,
			&rec.Status, &rec.Details, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
