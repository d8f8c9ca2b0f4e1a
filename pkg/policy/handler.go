package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/meshguard/internal/audit"
	"github.com/wisbric/meshguard/internal/httpserver"
)

// Handler provides the admin HTTP surface for access policies.
type Handler struct {
	service *Service
	logger  *slog.Logger
	audit   *audit.Writer
}

// NewHandler creates a policy Handler.
func NewHandler(service *Service, logger *slog.Logger, auditW *audit.Writer) *Handler {
	return &Handler{service: service, logger: logger, audit: auditW}
}

// Routes returns a chi.Router with policy admin routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
	return r
}

// policyRequest is the JSON body for create/update.
type policyRequest struct {
	Name        string  `json:"name" validate:"required,max=100"`
	Description *string `json:"description"`
	SrcRole     string  `json:"src_role" validate:"required"`
	DstRole     string  `json:"dst_role" validate:"required"`
	Port        int     `json:"port" validate:"required"`
	Protocol    string  `json:"protocol"`
	Action      string  `json:"action"`
	Priority    int     `json:"priority"`
	Enabled     *bool   `json:"enabled"`
}

func (r policyRequest) toPolicy() AccessPolicy {
	p := AccessPolicy{
		Name:        r.Name,
		Description: r.Description,
		SrcRole:     r.SrcRole,
		DstRole:     r.DstRole,
		Port:        r.Port,
		Protocol:    r.Protocol,
		Action:      r.Action,
		Priority:    r.Priority,
		Enabled:     true,
	}
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Action == "" {
		p.Action = "ACCEPT"
	}
	if p.Priority == 0 {
		p.Priority = 100
	}
	if r.Enabled != nil {
		p.Enabled = *r.Enabled
	}
	return p
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("listing policies", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list policies")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePolicyID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondPolicyErr(w, err, "getting policy")
		return
	}
	httpserver.Respond(w, http.StatusOK, p)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	created, err := h.service.Create(r.Context(), req.toPolicy())
	if err != nil {
		h.respondPolicyErr(w, err, "creating policy")
		return
	}

	h.auditPolicy(r, "create", created)
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePolicyID(w, r)
	if !ok {
		return
	}

	var req policyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p := req.toPolicy()
	p.ID = id
	updated, err := h.service.Update(r.Context(), p)
	if err != nil {
		h.respondPolicyErr(w, err, "updating policy")
		return
	}

	h.auditPolicy(r, "update", updated)
	httpserver.Respond(w, http.StatusOK, updated)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePolicyID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.respondPolicyErr(w, err, "deleting policy")
		return
	}

	h.audit.LogFromRequest(r, audit.Entry{
		EventType:   "policy",
		EventAction: "delete",
		ActorType:   "admin",
		TargetType:  "access_policy",
		TargetID:    strconv.FormatInt(id, 10),
	})
	httpserver.Respond(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

func (h *Handler) auditPolicy(r *http.Request, action string, p AccessPolicy) {
	detail, _ := json.Marshal(map[string]any{
		"name": p.Name, "src_role": p.SrcRole, "dst_role": p.DstRole,
		"port": p.Port, "protocol": p.Protocol, "action": p.Action,
	})
	h.audit.LogFromRequest(r, audit.Entry{
		EventType:   "policy",
		EventAction: action,
		ActorType:   "admin",
		TargetType:  "access_policy",
		TargetID:    fmt.Sprintf("%d", p.ID),
		Details:     detail,
	})
}

func (h *Handler) respondPolicyErr(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "POLICY_NOT_FOUND", "policy not found")
	case errors.Is(err, ErrPolicyExists):
		httpserver.RespondError(w, http.StatusConflict, "POLICY_EXISTS", "a policy with this name already exists")
	case errors.Is(err, ErrInvalidPolicy):
		httpserver.RespondError(w, http.StatusBadRequest, "INVALID_POLICY", err.Error())
	default:
		h.logger.Error(logMsg, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
	}
}

func parsePolicyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid policy ID")
		return 0, false
	}
	return id, true
}
