package userpolicy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/meshguard/internal/events"
	"github.com/wisbric/meshguard/internal/telemetry"
)

// Manager encapsulates user/group/policy business logic and access
// evaluation.
type Manager struct {
	pool   *pgxpool.Pool
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a userpolicy Manager.
func NewManager(pool *pgxpool.Pool, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		pool:   pool,
		store:  NewStore(),
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// --- Users ---

// CreateUser creates a user; duplicate user_id or email fails with
// ErrUserExists.
func (m *Manager) CreateUser(ctx context.Context, u User) (User, error) {
	if u.Status == "" {
		u.Status = "active"
	}
	if u.DisplayName == nil {
		name := u.UserID
		u.DisplayName = &name
	}

	created, err := m.store.InsertUser(ctx, m.pool, u)
	if err != nil {
		return User{}, err
	}

	m.logger.Info("user created", "user_id", created.UserID)
	m.bus.Publish(events.UserCreated{
		UserID:     created.ID,
		ExternalID: created.UserID,
		Email:      derefStr(created.Email),
	})
	return created, nil
}

// GetUser returns a user by external id.
func (m *Manager) GetUser(ctx context.Context, userID string) (User, error) {
	return m.store.GetUser(ctx, m.pool, userID)
}

// ListUsers returns users with optional filters.
func (m *Manager) ListUsers(ctx context.Context, status, department string, limit, offset int) ([]User, error) {
	return m.store.ListUsers(ctx, m.pool, status, department, limit, offset)
}

// UpdateUser patches a user.
func (m *Manager) UpdateUser(ctx context.Context, userID string, up UserUpdate) (User, error) {
	u, err := m.store.UpdateUser(ctx, m.pool, userID, up)
	if err != nil {
		return User{}, err
	}
	m.logger.Info("user updated", "user_id", userID)
	return u, nil
}

// DeleteUser removes a user and their memberships.
func (m *Manager) DeleteUser(ctx context.Context, userID string) error {
	if err := m.store.DeleteUser(ctx, m.pool, userID); err != nil {
		return err
	}
	m.logger.Info("user deleted", "user_id", userID)
	return nil
}

// --- Groups ---

// CreateGroup creates a group, rejecting parent chains that would loop.
func (m *Manager) CreateGroup(ctx context.Context, g Group) (Group, error) {
	if g.Status == "" {
		g.Status = "active"
	}
	if g.GroupType == "" {
		g.GroupType = "team"
	}
	if g.DisplayName == nil {
		name := g.Name
		g.DisplayName = &name
	}

	if g.ParentGroupID != nil {
		if err := m.checkParentChain(ctx, *g.ParentGroupID); err != nil {
			return Group{}, err
		}
	}

	created, err := m.store.InsertGroup(ctx, m.pool, g)
	if err != nil {
		return Group{}, err
	}
	m.logger.Info("group created", "name", created.Name)
	return created, nil
}

// checkParentChain verifies the parent exists and its ancestor chain is
// acyclic. The visited set guards traversal against pre-existing loops.
func (m *Manager) checkParentChain(ctx context.Context, parentID int64) error {
	visited := map[int64]bool{}
	current := parentID
	for {
		if visited[current] {
			return ErrGroupCycle
		}
		visited[current] = true

		g, err := m.store.GetGroupByID(ctx, m.pool, current)
		if err != nil {
			return err
		}
		if g.ParentGroupID == nil {
			return nil
		}
		current = *g.ParentGroupID
	}
}

// GetGroup returns a group by name.
func (m *Manager) GetGroup(ctx context.Context, name string) (Group, error) {
	return m.store.GetGroup(ctx, m.pool, name)
}

// ListGroups returns active groups.
func (m *Manager) ListGroups(ctx context.Context, groupType string) ([]Group, error) {
	return m.store.ListGroups(ctx, m.pool, groupType)
}

// AddUserToGroup adds or updates a membership.
func (m *Manager) AddUserToGroup(ctx context.Context, userID, groupName, role string) error {
	if role == "" {
		role = "member"
	}
	if !validMembershipRoles[role] {
		return fmt.Errorf("%w: invalid membership role %q", ErrInvalidPolicy, role)
	}

	u, err := m.store.GetUser(ctx, m.pool, userID)
	if err != nil {
		return err
	}
	g, err := m.store.GetGroup(ctx, m.pool, groupName)
	if err != nil {
		return err
	}

	if err := m.store.UpsertMembership(ctx, m.pool, u.ID, g.ID, role); err != nil {
		return err
	}

	m.logger.Info("user added to group", "user_id", userID, "group", groupName, "role", role)
	m.bus.Publish(events.MembershipChanged{
		UserExternalID: userID,
		GroupName:      groupName,
		Role:           role,
		Change:         "added",
	})
	return nil
}

// RemoveUserFromGroup removes a membership.
func (m *Manager) RemoveUserFromGroup(ctx context.Context, userID, groupName string) error {
	u, err := m.store.GetUser(ctx, m.pool, userID)
	if err != nil {
		return err
	}
	g, err := m.store.GetGroup(ctx, m.pool, groupName)
	if err != nil {
		return err
	}

	removed, err := m.store.DeleteMembership(ctx, m.pool, u.ID, g.ID)
	if err != nil {
		return err
	}
	if removed {
		m.bus.Publish(events.MembershipChanged{
			UserExternalID: userID,
			GroupName:      groupName,
			Change:         "removed",
		})
	}
	return nil
}

// GroupsForUser returns the user's direct groups.
func (m *Manager) GroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	u, err := m.store.GetUser(ctx, m.pool, userID)
	if err != nil {
		return nil, err
	}
	return m.store.GroupsForUser(ctx, m.pool, u.ID)
}

// MembersOfGroup returns the group's direct members.
func (m *Manager) MembersOfGroup(ctx context.Context, groupName string) ([]User, error) {
	g, err := m.store.GetGroup(ctx, m.pool, groupName)
	if err != nil {
		return nil, err
	}
	return m.store.MembersOfGroup(ctx, m.pool, g.ID)
}

// --- Policies ---

// CreatePolicy validates and creates a user access policy.
func (m *Manager) CreatePolicy(ctx context.Context, p UserAccessPolicy) (UserAccessPolicy, error) {
	if p.Action == "" {
		p.Action = "allow"
	}
	if p.Priority == 0 {
		p.Priority = 100
	}
	p.Enabled = true

	if err := ValidatePolicy(p); err != nil {
		return UserAccessPolicy{}, err
	}

	created, err := m.store.InsertPolicy(ctx, m.pool, p)
	if err != nil {
		return UserAccessPolicy{}, err
	}
	m.logger.Info("user access policy created", "name", created.Name)
	return created, nil
}

// GetPolicy returns one policy.
func (m *Manager) GetPolicy(ctx context.Context, id int64) (UserAccessPolicy, error) {
	return m.store.GetPolicy(ctx, m.pool, id)
}

// ListPolicies returns policies with optional filters.
func (m *Manager) ListPolicies(ctx context.Context, resourceType string, enabledOnly bool) ([]UserAccessPolicy, error) {
	return m.store.ListPolicies(ctx, m.pool, resourceType, enabledOnly)
}

// UpdatePolicy validates and replaces a policy.
func (m *Manager) UpdatePolicy(ctx context.Context, p UserAccessPolicy) (UserAccessPolicy, error) {
	if err := ValidatePolicy(p); err != nil {
		return UserAccessPolicy{}, err
	}
	updated, err := m.store.UpdatePolicy(ctx, m.pool, p)
	if err != nil {
		return UserAccessPolicy{}, err
	}
	m.logger.Info("user access policy updated", "name", updated.Name)
	return updated, nil
}

// DeletePolicy removes a policy.
func (m *Manager) DeletePolicy(ctx context.Context, id int64) error {
	if err := m.store.DeletePolicy(ctx, m.pool, id); err != nil {
		return err
	}
	m.logger.Info("user access policy deleted", "id", id)
	return nil
}

// --- Evaluation ---

// EvaluateAccess decides whether a user may reach a resource. Unknown or
// inactive users are denied with a stable reason; otherwise enabled,
// currently-valid policies for the resource type are evaluated in
// priority order and the first match wins. No match is a deny.
func (m *Manager) EvaluateAccess(ctx context.Context, userID string, in EvalInput) (Decision, error) {
	u, err := m.store.GetUser(ctx, m.pool, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			telemetry.AccessEvaluationsTotal.WithLabelValues("deny").Inc()
			return Decision{Allowed: false, Action: "deny", Reason: "User not found"}, nil
		}
		return Decision{}, err
	}

	if u.Status != "active" {
		telemetry.AccessEvaluationsTotal.WithLabelValues("deny").Inc()
		return Decision{
			Allowed: false,
			Action:  "deny",
			Reason:  fmt.Sprintf("User status is %s", u.Status),
		}, nil
	}

	groupIDs, err := m.store.GroupIDsForUser(ctx, m.pool, u.ID)
	if err != nil {
		return Decision{}, err
	}

	now := m.now().UTC()
	policies, err := m.store.ListValidPolicies(ctx, m.pool, in.ResourceType, now)
	if err != nil {
		return Decision{}, err
	}

	decision := EvaluatePolicies(policies, u.ID, groupIDs, in, now)
	telemetry.AccessEvaluationsTotal.WithLabelValues(decision.Action).Inc()

	m.logger.Debug("access evaluated",
		"user_id", userID,
		"resource_type", in.ResourceType,
		"resource", in.ResourceValue,
		"action", decision.Action,
	)
	return decision, nil
}

// EffectivePolicies returns all policies that currently apply to a user,
// sorted by priority.
func (m *Manager) EffectivePolicies(ctx context.Context, userID, resourceType string) ([]UserAccessPolicy, error) {
	u, err := m.store.GetUser(ctx, m.pool, userID)
	if err != nil {
		return nil, err
	}
	groupIDs, err := m.store.GroupIDsForUser(ctx, m.pool, u.ID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	var candidates []UserAccessPolicy
	if resourceType != "" {
		candidates, err = m.store.ListValidPolicies(ctx, m.pool, resourceType, now)
	} else {
		candidates, err = m.store.ListPolicies(ctx, m.pool, "", true)
	}
	if err != nil {
		return nil, err
	}

	effective := []UserAccessPolicy{}
	for i := range candidates {
		p := &candidates[i]
		if (p.ValidFrom != nil && p.ValidFrom.After(now)) || (p.ValidUntil != nil && p.ValidUntil.Before(now)) {
			continue
		}
		if policyAppliesToSubject(&candidates[i], u.ID, groupIDs) {
			effective = append(effective, candidates[i])
		}
	}
	return effective, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
