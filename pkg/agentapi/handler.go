// Package agentapi is the HTTP surface agents talk to: registration,
// config sync, heartbeats, and status probes. No admin credential is
// required; agents are identified by their public key.
package agentapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/meshguard/internal/audit"
	"github.com/wisbric/meshguard/internal/auth"
	"github.com/wisbric/meshguard/internal/httpserver"
	"github.com/wisbric/meshguard/pkg/ipam"
	"github.com/wisbric/meshguard/pkg/node"
	"github.com/wisbric/meshguard/pkg/policy"
	"github.com/wisbric/meshguard/pkg/trust"
)

// Hints are the controller-side settings echoed to agents.
type Hints struct {
	HubPublicKey       string
	HubEndpoint        string
	OverlayNetwork     string
	DNSServers         []string
	HeartbeatInterval  time.Duration
	ConfigSyncInterval time.Duration
	NodeTimeoutMinutes int
}

// Handler serves the agent API.
type Handler struct {
	nodes    *node.Manager
	engine   *policy.Engine
	policies *policy.Service
	trust    *trust.Engine
	limiter  *auth.RateLimiter
	hints    Hints
	logger   *slog.Logger
}

// NewHandler creates the agent API handler. limiter may be nil to disable
// registration rate limiting.
func NewHandler(nodes *node.Manager, engine *policy.Engine, policies *policy.Service, trustEngine *trust.Engine, limiter *auth.RateLimiter, hints Hints, logger *slog.Logger) *Handler {
	return &Handler{
		nodes:    nodes,
		engine:   engine,
		policies: policies,
		trust:    trustEngine,
		limiter:  limiter,
		hints:    hints,
		logger:   logger,
	}
}

// Routes returns a chi.Router with agent routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.handleRegister)
	r.Get("/config", h.handleConfigByKey)
	r.Get("/config/{hostname}", h.handleConfigByHostname)
	r.Post("/heartbeat", h.handleHeartbeat)
	r.Get("/status/{hostname}", h.handleStatus)
	return r
}

// --- Registration ---

type registerRequest struct {
	Hostname     string  `json:"hostname" validate:"required,hostname_rfc1123,max=63"`
	Role         string  `json:"role" validate:"required,oneof=hub app db ops monitor gateway"`
	PublicKey    string  `json:"public_key" validate:"required,min=42,max=46"`
	Description  *string `json:"description"`
	AgentVersion *string `json:"agent_version"`
	OSInfo       *string `json:"os_info"`
}

type registerResponse struct {
	Node               node.Node `json:"node"`
	IsNew              bool      `json:"is_new"`
	HubPublicKey       string    `json:"hub_public_key"`
	HubEndpoint        string    `json:"hub_endpoint"`
	OverlayNetwork     string    `json:"overlay_network"`
	DNSServers         []string  `json:"dns_servers"`
	HeartbeatInterval  int       `json:"heartbeat_interval"`
	ConfigSyncInterval int       `json:"config_sync_interval"`
	NodeTimeoutMinutes int       `json:"node_timeout_minutes"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	clientIP := audit.ClientIP(r)

	if h.limiter != nil && clientIP != "" {
		result, err := h.limiter.Check(r.Context(), clientIP)
		if err != nil {
			h.logger.Warn("registration rate limit check failed", "error", err)
		} else if !result.Allowed {
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many registration attempts")
			return
		}
	}

	var req registerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var clientIPPtr *string
	if clientIP != "" {
		clientIPPtr = &clientIP
	}

	n, isNew, err := h.nodes.Register(r.Context(), node.RegisterParams{
		Hostname:     req.Hostname,
		Role:         req.Role,
		PublicKey:    req.PublicKey,
		Description:  req.Description,
		AgentVersion: req.AgentVersion,
		OSInfo:       req.OSInfo,
		ClientIP:     clientIPPtr,
	})
	if err != nil {
		if h.limiter != nil && clientIP != "" {
			if recordErr := h.limiter.Record(r.Context(), clientIP); recordErr != nil {
				h.logger.Warn("recording registration attempt", "error", recordErr)
			}
		}
		switch {
		case errors.Is(err, node.ErrHostnameConflict):
			httpserver.RespondError(w, http.StatusConflict, "HOSTNAME_EXISTS",
				"hostname is already registered with a different key")
		case errors.Is(err, ipam.ErrPoolExhausted):
			httpserver.RespondError(w, http.StatusServiceUnavailable, "IP_POOL_EXHAUSTED",
				"no free addresses in the overlay pool")
		default:
			h.logger.Error("registering node", "hostname", req.Hostname, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "registration failed")
		}
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	httpserver.Respond(w, status, registerResponse{
		Node:               n,
		IsNew:              isNew,
		HubPublicKey:       h.hints.HubPublicKey,
		HubEndpoint:        h.hints.HubEndpoint,
		OverlayNetwork:     h.hints.OverlayNetwork,
		DNSServers:         h.hints.DNSServers,
		HeartbeatInterval:  int(h.hints.HeartbeatInterval.Seconds()),
		ConfigSyncInterval: int(h.hints.ConfigSyncInterval.Seconds()),
		NodeTimeoutMinutes: h.hints.NodeTimeoutMinutes,
	})
}

// --- Config sync ---

func (h *Handler) handleConfigByKey(w http.ResponseWriter, r *http.Request) {
	publicKey := r.URL.Query().Get("public_key")
	if publicKey == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "public_key query parameter required")
		return
	}

	n, err := h.nodes.GetByPublicKey(r.Context(), publicKey)
	if err != nil {
		h.respondLookupErr(w, err)
		return
	}
	h.serveConfig(w, r, n, false)
}

func (h *Handler) handleConfigByHostname(w http.ResponseWriter, r *http.Request) {
	n, err := h.nodes.GetByHostname(r.Context(), chi.URLParam(r, "hostname"))
	if err != nil {
		h.respondLookupErr(w, err)
		return
	}
	// Fetching config by hostname doubles as a liveness signal.
	h.serveConfig(w, r, n, true)
}

func (h *Handler) serveConfig(w http.ResponseWriter, r *http.Request, n node.Node, touch bool) {
	if !n.IsActive() {
		httpserver.RespondError(w, http.StatusForbidden, "NODE_NOT_ACTIVE",
			"node is not active: "+n.Status)
		return
	}

	if touch {
		clientIP := audit.ClientIP(r)
		var ipPtr *string
		if clientIP != "" {
			ipPtr = &clientIP
		}
		updated, err := h.nodes.UpdateHeartbeat(r.Context(), n.ID, ipPtr, nil)
		if err != nil {
			h.logger.Warn("refreshing heartbeat on config fetch", "hostname", n.Hostname, "error", err)
		} else {
			n = updated
		}
	}

	bundle, err := h.engine.BuildConfig(r.Context(), h.nodes.Pool(), n)
	if err != nil {
		h.logger.Error("building config", "hostname", n.Hostname, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to build config")
		return
	}

	httpserver.Respond(w, http.StatusOK, bundle)
}

// --- Heartbeat ---

type heartbeatRequest struct {
	PublicKey     string        `json:"public_key" validate:"required"`
	Hostname      string        `json:"hostname"`
	AgentVersion  *string       `json:"agent_version"`
	ConfigVersion *int64        `json:"config_version"`
	Metrics       trust.Metrics `json:"metrics"`
}

type heartbeatResponse struct {
	ConfigChanged        bool    `json:"config_changed"`
	CurrentConfigVersion int64   `json:"current_config_version"`
	TrustScore           float64 `json:"trust_score"`
	RiskLevel            string  `json:"risk_level"`
	ActionTaken          string  `json:"action_taken,omitempty"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	n, err := h.nodes.GetByPublicKey(r.Context(), req.PublicKey)
	if err != nil {
		h.respondLookupErr(w, err)
		return
	}

	clientIP := audit.ClientIP(r)
	var ipPtr *string
	if clientIP != "" {
		ipPtr = &clientIP
	}

	updated, err := h.nodes.UpdateHeartbeat(r.Context(), n.ID, ipPtr, req.AgentVersion)
	if err != nil {
		h.logger.Error("updating heartbeat", "hostname", n.Hostname, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "heartbeat failed")
		return
	}

	// Trust evaluation never fails the heartbeat. Revoked nodes are still
	// scored and recorded; no further transition happens.
	score, action := h.trust.Evaluate(r.Context(), updated, req.Metrics)

	currentVersion, err := h.policies.ConfigVersion(r.Context())
	if err != nil {
		h.logger.Warn("reading config version", "error", err)
	}

	// config_changed is a hint: only computable when the agent reports the
	// version it last applied.
	configChanged := false
	if req.ConfigVersion != nil && currentVersion > *req.ConfigVersion {
		configChanged = true
	}

	resp := heartbeatResponse{
		ConfigChanged:        configChanged,
		CurrentConfigVersion: currentVersion,
		TrustScore:           score,
		RiskLevel:            updated.RiskLevel,
	}
	if action != trust.ActionNone {
		resp.ActionTaken = action
	}
	// Re-read risk level set by the evaluation.
	if fresh, err := h.nodes.GetByID(r.Context(), updated.ID); err == nil {
		resp.RiskLevel = fresh.RiskLevel
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

// --- Status probe ---

type statusResponse struct {
	Hostname   string     `json:"hostname"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	OverlayIP  *string    `json:"overlay_ip"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	TrustScore float64    `json:"trust_score"`
	RiskLevel  string     `json:"risk_level"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, err := h.nodes.GetByHostname(r.Context(), chi.URLParam(r, "hostname"))
	if err != nil {
		h.respondLookupErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, statusResponse{
		Hostname:   n.Hostname,
		Role:       n.Role,
		Status:     n.Status,
		OverlayIP:  n.OverlayIP,
		LastSeen:   n.LastSeen,
		TrustScore: n.TrustScore,
		RiskLevel:  n.RiskLevel,
	})
}

func (h *Handler) respondLookupErr(w http.ResponseWriter, err error) {
	if errors.Is(err, node.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "NODE_NOT_FOUND", "node not found")
		return
	}
	h.logger.Error("node lookup", "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "lookup failed")
}
