package ipam

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/meshguard/internal/httpserver"
	"github.com/wisbric/meshguard/internal/store"
	"github.com/wisbric/meshguard/internal/telemetry"
)

// Handler exposes IPAM state on the admin surface.
type Handler struct {
	alloc  *Allocator
	db     store.DBTX
	logger *slog.Logger
}

// NewHandler creates an IPAM Handler.
func NewHandler(alloc *Allocator, db store.DBTX, logger *slog.Logger) *Handler {
	return &Handler{alloc: alloc, db: db, logger: logger}
}

// Routes returns a chi.Router with network admin routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.handleStats)
	r.Get("/allocations", h.handleAllocations)
	return r
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.alloc.Stats(r.Context(), h.db)
	if err != nil {
		h.logger.Error("computing pool stats", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to compute stats")
		return
	}

	telemetry.PoolUtilization.WithLabelValues("node").Set(stats.UtilizationPercent)

	httpserver.Respond(w, http.StatusOK, stats)
}

func (h *Handler) handleAllocations(w http.ResponseWriter, r *http.Request) {
	allocations, err := h.alloc.Allocations(r.Context(), h.db)
	if err != nil {
		h.logger.Error("listing allocations", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list allocations")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"allocations": allocations,
		"count":       len(allocations),
	})
}
