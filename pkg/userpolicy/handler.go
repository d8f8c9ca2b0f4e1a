package userpolicy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/meshguard/internal/audit"
	"github.com/wisbric/meshguard/internal/httpserver"
)

// Handler provides the admin HTTP surface for users, groups, and user
// access policies.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
	audit   *audit.Writer
}

// NewHandler creates a userpolicy Handler.
func NewHandler(manager *Manager, logger *slog.Logger, auditW *audit.Writer) *Handler {
	return &Handler{manager: manager, logger: logger, audit: auditW}
}

// UserRoutes returns the /users router.
func (h *Handler) UserRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListUsers)
	r.Post("/", h.handleCreateUser)
	r.Get("/{userID}", h.handleGetUser)
	r.Patch("/{userID}", h.handleUpdateUser)
	r.Delete("/{userID}", h.handleDeleteUser)
	r.Get("/{userID}/groups", h.handleUserGroups)
	r.Get("/{userID}/policies", h.handleUserPolicies)
	return r
}

// GroupRoutes returns the /groups router.
func (h *Handler) GroupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListGroups)
	r.Post("/", h.handleCreateGroup)
	r.Get("/{name}", h.handleGetGroup)
	r.Get("/{name}/members", h.handleGroupMembers)
	r.Post("/{name}/members", h.handleAddMember)
	r.Delete("/{name}/members/{userID}", h.handleRemoveMember)
	return r
}

// PolicyRoutes returns the /user-policies router.
func (h *Handler) PolicyRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListPolicies)
	r.Post("/", h.handleCreatePolicy)
	r.Get("/{id}", h.handleGetPolicy)
	r.Put("/{id}", h.handleUpdatePolicy)
	r.Delete("/{id}", h.handleDeletePolicy)
	return r
}

// AccessRoutes returns the /access router.
func (h *Handler) AccessRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/evaluate", h.handleEvaluate)
	return r
}

// --- Users ---

type createUserRequest struct {
	UserID      string          `json:"user_id" validate:"required,max=100"`
	Email       *string         `json:"email" validate:"omitempty,email"`
	DisplayName *string         `json:"display_name"`
	Department  *string         `json:"department"`
	JobTitle    *string         `json:"job_title"`
	Attributes  json.RawMessage `json:"attributes"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	created, err := h.manager.CreateUser(r.Context(), User{
		UserID:      req.UserID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Department:  req.Department,
		JobTitle:    req.JobTitle,
		Attributes:  req.Attributes,
	})
	if err != nil {
		h.respondErr(w, err, "creating user")
		return
	}

	h.audit.LogFromRequest(r, audit.Entry{
		EventType:   "user",
		EventAction: "create",
		ActorType:   "admin",
		TargetType:  "user",
		TargetID:    created.UserID,
	})
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	users, err := h.manager.ListUsers(r.Context(),
		r.URL.Query().Get("status"),
		r.URL.Query().Get("department"),
		params.PageSize, params.Offset,
	)
	if err != nil {
		h.respondErr(w, err, "listing users")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.manager.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondErr(w, err, "getting user")
		return
	}
	httpserver.Respond(w, http.StatusOK, u)
}

type updateUserRequest struct {
	Email       *string         `json:"email" validate:"omitempty,email"`
	DisplayName *string         `json:"display_name"`
	Department  *string         `json:"department"`
	JobTitle    *string         `json:"job_title"`
	Status      *string         `json:"status" validate:"omitempty,oneof=active suspended disabled"`
	Attributes  json.RawMessage `json:"attributes"`
}

func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	u, err := h.manager.UpdateUser(r.Context(), chi.URLParam(r, "userID"), UserUpdate{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Department:  req.Department,
		JobTitle:    req.JobTitle,
		Status:      req.Status,
		Attributes:  req.Attributes,
	})
	if err != nil {
		h.respondErr(w, err, "updating user")
		return
	}
	httpserver.Respond(w, http.StatusOK, u)
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.manager.DeleteUser(r.Context(), userID); err != nil {
		h.respondErr(w, err, "deleting user")
		return
	}

	h.audit.LogFromRequest(r, audit.Entry{
		EventType:   "user",
		EventAction: "delete",
		ActorType:   "admin",
		TargetType:  "user",
		TargetID:    userID,
	})
	httpserver.Respond(w, http.StatusOK, map[string]any{"deleted": true, "user_id": userID})
}

func (h *Handler) handleUserGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.manager.GroupsForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondErr(w, err, "listing user groups")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"groups": groups, "count": len(groups)})
}

func (h *Handler) handleUserPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.manager.EffectivePolicies(r.Context(),
		chi.URLParam(r, "userID"), r.URL.Query().Get("resource_type"))
	if err != nil {
		h.respondErr(w, err, "listing effective policies")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"policies": policies, "count": len(policies)})
}

// --- Groups ---

type createGroupRequest struct {
	Name          string  `json:"name" validate:"required,max=100"`
	DisplayName   *string `json:"display_name"`
	Description   *string `json:"description"`
	GroupType     string  `json:"group_type"`
	ParentGroupID *int64  `json:"parent_group_id"`
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	created, err := h.manager.CreateGroup(r.Context(), Group{
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		GroupType:     req.GroupType,
		ParentGroupID: req.ParentGroupID,
	})
	if err != nil {
		h.respondErr(w, err, "creating group")
		return
	}

	h.audit.LogFromRequest(r, audit.Entry{
		EventType:   "group",
		EventAction: "create",
		ActorType:   "admin",
		TargetType:  "group",
		TargetID:    created.Name,
	})
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.manager.ListGroups(r.Context(), r.URL.Query().Get("group_type"))
	if err != nil {
		h.respondErr(w, err, "listing groups")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"groups": groups, "count": len(groups)})
}

func (h *Handler) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.manager.GetGroup(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondErr(w, err, "getting group")
		return
	}
	httpserver.Respond(w, http.StatusOK, g)
}

func (h *Handler) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	users, err := h.manager.MembersOfGroup(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondErr(w, err, "listing group members")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"members": users, "count": len(users)})
}

type memberRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role" validate:"omitempty,oneof=member admin owner"`
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	group := chi.URLParam(r, "name")
	if err := h.manager.AddUserToGroup(r.Context(), req.UserID, group, req.Role); err != nil {
		h.respondErr(w, err, "adding group member")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"added": true})
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "name")
	userID := chi.URLParam(r, "userID")
	if err := h.manager.RemoveUserFromGroup(r.Context(), userID, group); err != nil {
		h.respondErr(w, err, "removing group member")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"removed": true})
}

// --- Policies ---

type policyRequest struct {
	Name          string      `json:"name" validate:"required,max=100"`
	Description   *string     `json:"description"`
	SubjectType   string      `json:"subject_type" validate:"required,oneof=user group all"`
	SubjectID     *int64      `json:"subject_id"`
	ResourceType  string      `json:"resource_type" validate:"required,oneof=domain ip_range zone service url_pattern"`
	ResourceValue string      `json:"resource_value" validate:"required"`
	Action        string      `json:"action" validate:"omitempty,oneof=allow deny require_mfa"`
	Conditions    *Conditions `json:"conditions"`
	Priority      int         `json:"priority"`
	ValidFrom     *time.Time  `json:"valid_from"`
	ValidUntil    *time.Time  `json:"valid_until"`
}

func (r policyRequest) toPolicy() UserAccessPolicy {
	return UserAccessPolicy{
		Name:          r.Name,
		Description:   r.Description,
		SubjectType:   r.SubjectType,
		SubjectID:     r.SubjectID,
		ResourceType:  r.ResourceType,
		ResourceValue: r.ResourceValue,
		Action:        r.Action,
		Conditions:    r.Conditions,
		Priority:      r.Priority,
		Enabled:       true,
		ValidFrom:     r.ValidFrom,
		ValidUntil:    r.ValidUntil,
	}
}

func (h *Handler) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	created, err := h.manager.CreatePolicy(r.Context(), req.toPolicy())
	if err != nil {
		h.respondErr(w, err, "creating user policy")
		return
	}

	h.audit.LogFromRequest(r, audit.Entry{
		EventType:   "user_policy",
		EventAction: "create",
		ActorType:   "admin",
		TargetType:  "user_access_policy",
		TargetID:    strconv.FormatInt(created.ID, 10),
	})
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("all") == ""
	policies, err := h.manager.ListPolicies(r.Context(), r.URL.Query().Get("resource_type"), enabledOnly)
	if err != nil {
		h.respondErr(w, err, "listing user policies")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"policies": policies, "count": len(policies)})
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	p, err := h.manager.GetPolicy(r.Context(), id)
	if err != nil {
		h.respondErr(w, err, "getting user policy")
		return
	}
	httpserver.Respond(w, http.StatusOK, p)
}

func (h *Handler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req policyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p := req.toPolicy()
	p.ID = id
	updated, err := h.manager.UpdatePolicy(r.Context(), p)
	if err != nil {
		h.respondErr(w, err, "updating user policy")
		return
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

func (h *Handler) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeletePolicy(r.Context(), id); err != nil {
		h.respondErr(w, err, "deleting user policy")
		return
	}

	h.audit.LogFromRequest(r, audit.Entry{
		EventType:   "user_policy",
		EventAction: "delete",
		ActorType:   "admin",
		TargetType:  "user_access_policy",
		TargetID:    strconv.FormatInt(id, 10),
	})
	httpserver.Respond(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

// --- Evaluation ---

type evaluateRequest struct {
	UserID        string `json:"user_id" validate:"required"`
	ResourceType  string `json:"resource_type" validate:"required,oneof=domain ip_range zone service url_pattern"`
	ResourceValue string `json:"resource_value" validate:"required"`
	DeviceType    string `json:"device_type"`
	ClientIP      string `json:"client_ip"`
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	decision, err := h.manager.EvaluateAccess(r.Context(), req.UserID, EvalInput{
		ResourceType:  req.ResourceType,
		ResourceValue: req.ResourceValue,
		DeviceType:    req.DeviceType,
		ClientIP:      req.ClientIP,
	})
	if err != nil {
		h.respondErr(w, err, "evaluating access")
		return
	}
	httpserver.Respond(w, http.StatusOK, decision)
}

// --- helpers ---

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid policy ID")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "USER_NOT_FOUND", "user not found")
	case errors.Is(err, ErrGroupNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "GROUP_NOT_FOUND", "group not found")
	case errors.Is(err, ErrPolicyNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "POLICY_NOT_FOUND", "policy not found")
	case errors.Is(err, ErrUserExists):
		httpserver.RespondError(w, http.StatusConflict, "USER_EXISTS", "user or email already exists")
	case errors.Is(err, ErrGroupExists):
		httpserver.RespondError(w, http.StatusConflict, "GROUP_EXISTS", "group already exists")
	case errors.Is(err, ErrGroupCycle):
		httpserver.RespondError(w, http.StatusBadRequest, "GROUP_CYCLE", "parent chain would form a cycle")
	case errors.Is(err, ErrInvalidPolicy):
		httpserver.RespondError(w, http.StatusBadRequest, "INVALID_POLICY", err.Error())
	default:
		h.logger.Error(logMsg, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
	}
}
