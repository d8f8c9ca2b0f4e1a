package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/meshguard/internal/httpserver"
)

// Handler provides the client-device HTTP surface. Device management is
// admin-scoped; config download is public by capability token.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler creates a client device Handler.
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// DeviceRoutes returns the admin-scoped /client/devices router.
func (h *Handler) DeviceRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Delete("/{id}", h.handleDelete)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/revoke", h.handleRevoke)
	return r
}

// ConfigRoutes returns the public /client/config router.
func (h *Handler) ConfigRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{token}", h.handleConfig)
	r.Get("/{token}/raw", h.handleConfigRaw)
	return r
}

type createDeviceRequest struct {
	DeviceName  string  `json:"device_name" validate:"required,max=100"`
	DeviceType  string  `json:"device_type" validate:"omitempty,oneof=mobile laptop desktop other"`
	UserID      *string `json:"user_id"`
	Description *string `json:"description"`
	TunnelMode  string  `json:"tunnel_mode" validate:"omitempty,oneof=full split"`
	ExpiresDays int     `json:"expires_days" validate:"omitempty,min=1,max=3650"`
}

// createDeviceResponse carries the one-time config token alongside the
// device.
type createDeviceResponse struct {
	Device      Device `json:"device"`
	ConfigToken string `json:"config_token"`
	ConfigURL   string `json:"config_url"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	created, err := h.manager.CreateDevice(r.Context(), CreateParams{
		DeviceName:  req.DeviceName,
		DeviceType:  req.DeviceType,
		UserID:      req.UserID,
		Description: req.Description,
		TunnelMode:  req.TunnelMode,
		ExpiresDays: req.ExpiresDays,
	})
	if err != nil {
		h.respondErr(w, err, "creating client device")
		return
	}

	token := ""
	if created.ConfigToken != nil {
		token = *created.ConfigToken
	}
	httpserver.Respond(w, http.StatusCreated, createDeviceResponse{
		Device:      created,
		ConfigToken: token,
		ConfigURL:   fmt.Sprintf("/api/v1/client/config/%s", token),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	devices, err := h.manager.ListDevices(r.Context(), ListFilters{
		UserID:         r.URL.Query().Get("user_id"),
		Status:         r.URL.Query().Get("status"),
		IncludeExpired: r.URL.Query().Get("include_expired") != "",
	})
	if err != nil {
		h.respondErr(w, err, "listing client devices")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	d, err := h.manager.GetDevice(r.Context(), id)
	if err != nil {
		h.respondErr(w, err, "getting client device")
		return
	}
	httpserver.Respond(w, http.StatusOK, d)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	d, err := h.manager.ApproveDevice(r.Context(), id)
	if err != nil {
		h.respondErr(w, err, "approving client device")
		return
	}
	httpserver.Respond(w, http.StatusOK, d)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.manager.RevokeDevice(r.Context(), id, "admin revoked"); err != nil {
		h.respondErr(w, err, "revoking client device")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"revoked": true, "id": id})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeleteDevice(r.Context(), id); err != nil {
		h.respondErr(w, err, "deleting client device")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

// configResponse is the JSON config download shape.
type configResponse struct {
	DeviceName      string `json:"device_name"`
	DeviceType      string `json:"device_type"`
	OverlayIP       string `json:"overlay_ip"`
	TunnelMode      string `json:"tunnel_mode"`
	ExpiresAt       string `json:"expires_at"`
	WireGuardConfig string `json:"wireguard_config"`
	QRCodeBase64    string `json:"qr_code_base64,omitempty"`
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	result, ok := h.resolveToken(w, r)
	if !ok {
		return
	}

	httpserver.Respond(w, http.StatusOK, configResponse{
		DeviceName:      result.Device.DeviceName,
		DeviceType:      result.Device.DeviceType,
		OverlayIP:       derefStr(result.Device.OverlayIP),
		TunnelMode:      result.Device.TunnelMode,
		ExpiresAt:       result.Device.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		WireGuardConfig: result.WireGuardConfig,
		QRCodeBase64:    result.QRCodeBase64,
	})
}

func (h *Handler) handleConfigRaw(w http.ResponseWriter, r *http.Request) {
	result, ok := h.resolveToken(w, r)
	if !ok {
		return
	}

	filename := fmt.Sprintf("%s.conf", result.Device.DeviceName)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(result.WireGuardConfig))
}

func (h *Handler) resolveToken(w http.ResponseWriter, r *http.Request) (ConfigResult, bool) {
	token := chi.URLParam(r, "token")
	result, err := h.manager.ConfigByToken(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, ErrExpired):
			httpserver.RespondError(w, http.StatusGone, "EXPIRED", "device configuration has expired")
		case errors.Is(err, ErrNotFound):
			httpserver.RespondError(w, http.StatusNotFound, "NOT_FOUND", "unknown config token")
		default:
			h.logger.Error("resolving config token", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to build config")
		}
		return ConfigResult{}, false
	}
	return result, true
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid device ID")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "DEVICE_NOT_FOUND", "client device not found")
	case errors.Is(err, ErrDeviceLimit):
		httpserver.RespondError(w, http.StatusConflict, "DEVICE_LIMIT", err.Error())
	case errors.Is(err, ErrDeviceNameExists):
		httpserver.RespondError(w, http.StatusConflict, "DEVICE_NAME_EXISTS", "device name already in use for this user")
	default:
		h.logger.Error(logMsg, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
	}
}
