package trust

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/meshguard/internal/httpserver"
	"github.com/wisbric/meshguard/internal/store"
	"github.com/wisbric/meshguard/pkg/node"
)

// Handler exposes trust state and trend queries on the admin surface.
type Handler struct {
	db     store.DBTX
	nodes  *node.Store
	trust  *Store
	logger *slog.Logger
}

// NewHandler creates a trust Handler.
func NewHandler(db store.DBTX, logger *slog.Logger) *Handler {
	return &Handler{
		db:     db,
		nodes:  node.NewStore(),
		trust:  NewStore(),
		logger: logger,
	}
}

// Routes returns a chi.Router with trust routes mounted. Intended to be
// mounted under /admin/nodes/{id}/trust.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGet)
	r.Get("/trend", h.handleTrend)
	return r
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseNodeID(w, r)
	if !ok {
		return
	}

	n, err := h.nodes.GetByID(r.Context(), h.db, id)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"node_id":           n.ID,
		"hostname":          n.Hostname,
		"trust_score":       n.TrustScore,
		"risk_level":        n.RiskLevel,
		"trust_factors":     n.TrustFactors,
		"last_trust_update": n.LastTrustUpdate,
	})
}

func (h *Handler) handleTrend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseNodeID(w, r)
	if !ok {
		return
	}

	// Ensure the node exists so unknown IDs return 404, not empty trends.
	if _, err := h.nodes.GetByID(r.Context(), h.db, id); err != nil {
		h.respondErr(w, err)
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 24*30 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid hours")
			return
		}
		hours = n
	}

	trend, err := h.trust.TrendForNode(r.Context(), h.db, id, hours)
	if err != nil {
		h.logger.Error("querying trust trend", "node_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to query trend")
		return
	}

	httpserver.Respond(w, http.StatusOK, trend)
}

func (h *Handler) parseNodeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid node ID")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, node.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "NODE_NOT_FOUND", "node not found")
		return
	}
	h.logger.Error("trust lookup", "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
}
