package node

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/meshguard/internal/httpserver"
)

// AdminHandler provides the admin HTTP surface for node management.
type AdminHandler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(manager *Manager, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{manager: manager, logger: logger}
}

// Routes returns a chi.Router with node admin routes mounted.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Patch("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/suspend", h.handleSuspend)
	r.Post("/{id}/revoke", h.handleRevoke)
	return r
}

func (h *AdminHandler) handleList(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.manager.List(r.Context(), ListFilters{
		Status: r.URL.Query().Get("status"),
		Role:   r.URL.Query().Get("role"),
	})
	if err != nil {
		h.logger.Error("listing nodes", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list nodes")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (h *AdminHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	n, err := h.manager.GetByID(r.Context(), id)
	if err != nil {
		h.respondNodeErr(w, err, "getting node")
		return
	}
	httpserver.Respond(w, http.StatusOK, n)
}

type updateNodeRequest struct {
	Description *string `json:"description"`
	ListenPort  *int    `json:"listen_port" validate:"omitempty,min=1,max=65535"`
}

func (h *AdminHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req updateNodeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	n, err := h.manager.Store().UpdateMeta(r.Context(), h.manager.Pool(), id, req.Description, req.ListenPort)
	if err != nil {
		h.respondNodeErr(w, err, "updating node")
		return
	}
	httpserver.Respond(w, http.StatusOK, n)
}

func (h *AdminHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.manager.Approve)
}

func (h *AdminHandler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.manager.Suspend)
}

func (h *AdminHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.manager.Revoke)
}

func (h *AdminHandler) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id int64, actor string) (Node, error)) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	n, err := action(r.Context(), id, "admin")
	if err != nil {
		h.respondNodeErr(w, err, "node lifecycle action")
		return
	}
	httpserver.Respond(w, http.StatusOK, n)
}

func (h *AdminHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.manager.Delete(r.Context(), id, "admin"); err != nil {
		h.respondNodeErr(w, err, "deleting node")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

func (h *AdminHandler) respondNodeErr(w http.ResponseWriter, err error, logMsg string) {
	if errors.Is(err, ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "NODE_NOT_FOUND", "node not found")
		return
	}
	h.logger.Error(logMsg, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid node ID")
		return 0, false
	}
	return id, true
}
