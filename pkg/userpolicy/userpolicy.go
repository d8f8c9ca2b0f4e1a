// Package userpolicy implements user and group based access control:
// identities, group membership, resource policies, and the access
// evaluation the gateway consults.
package userpolicy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the manager.
var (
	// ErrUserNotFound is returned when a referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned on duplicate user_id or email.
	ErrUserExists = errors.New("user already exists")

	// ErrGroupNotFound is returned when a referenced group does not exist.
	ErrGroupNotFound = errors.New("group not found")

	// ErrGroupExists is returned on duplicate group names.
	ErrGroupExists = errors.New("group already exists")

	// ErrGroupCycle is returned when a parent reference would create a
	// cycle in the group hierarchy.
	ErrGroupCycle = errors.New("group parent chain forms a cycle")

	// ErrPolicyNotFound is returned when a referenced policy does not exist.
	ErrPolicyNotFound = errors.New("user access policy not found")

	// ErrInvalidPolicy is returned when policy validation fails.
	ErrInvalidPolicy = errors.New("invalid user access policy")
)

// User is an end-user identity. The user_id string is the opaque external
// identifier; attributes are an open JSON blob.
type User struct {
	ID          int64           `json:"id"`
	UserID      string          `json:"user_id"`
	Email       *string         `json:"email,omitempty"`
	DisplayName *string         `json:"display_name,omitempty"`
	Department  *string         `json:"department,omitempty"`
	JobTitle    *string         `json:"job_title,omitempty"`
	Status      string          `json:"status"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Group is a named collection of users; groups may nest via parent.
type Group struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	DisplayName   *string   `json:"display_name,omitempty"`
	Description   *string   `json:"description,omitempty"`
	GroupType     string    `json:"group_type"`
	ParentGroupID *int64    `json:"parent_group_id,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Membership roles within a group.
var validMembershipRoles = map[string]bool{"member": true, "admin": true, "owner": true}

// Membership links a user to a group.
type Membership struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	GroupID   int64     `json:"group_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// TimeWindow is one allowed access window. Days use 0=Monday … 6=Sunday;
// Start/End are "HH:MM". Windows evaluate in UTC.
type TimeWindow struct {
	Days  []int  `json:"days,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Conditions restricts when a policy matches. All present conditions must
// pass.
type Conditions struct {
	DeviceTypes []string     `json:"device_types,omitempty"`
	TimeWindows []TimeWindow `json:"time_windows,omitempty"`
	AllowedIPs  []string     `json:"allowed_ips,omitempty"`
}

// UserAccessPolicy grants or denies a subject access to a resource.
type UserAccessPolicy struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	Description   *string     `json:"description,omitempty"`
	SubjectType   string      `json:"subject_type"` // user, group, all
	SubjectID     *int64      `json:"subject_id,omitempty"`
	ResourceType  string      `json:"resource_type"` // domain, ip_range, zone, service, url_pattern
	ResourceValue string      `json:"resource_value"`
	Action        string      `json:"action"` // allow, deny, require_mfa
	Conditions    *Conditions `json:"conditions,omitempty"`
	Priority      int         `json:"priority"`
	Enabled       bool        `json:"enabled"`
	ValidFrom     *time.Time  `json:"valid_from,omitempty"`
	ValidUntil    *time.Time  `json:"valid_until,omitempty"`
	CreatedBy     *string     `json:"created_by,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

var validSubjectTypes = map[string]bool{"user": true, "group": true, "all": true}
var validResourceTypes = map[string]bool{
	"domain": true, "ip_range": true, "zone": true, "service": true, "url_pattern": true,
}
var validPolicyActions = map[string]bool{"allow": true, "deny": true, "require_mfa": true}

// ValidatePolicy checks a policy's enumerated fields.
func ValidatePolicy(p UserAccessPolicy) error {
	if !validSubjectTypes[p.SubjectType] {
		return fmt.Errorf("%w: invalid subject_type %q", ErrInvalidPolicy, p.SubjectType)
	}
	if p.SubjectType != "all" && p.SubjectID == nil {
		return fmt.Errorf("%w: subject_id required for subject_type %q", ErrInvalidPolicy, p.SubjectType)
	}
	if !validResourceTypes[p.ResourceType] {
		return fmt.Errorf("%w: invalid resource_type %q", ErrInvalidPolicy, p.ResourceType)
	}
	if p.ResourceValue == "" {
		return fmt.Errorf("%w: resource_value is required", ErrInvalidPolicy)
	}
	if !validPolicyActions[p.Action] {
		return fmt.Errorf("%w: invalid action %q", ErrInvalidPolicy, p.Action)
	}
	return nil
}

// Decision is the outcome of an access evaluation.
type Decision struct {
	Allowed         bool   `json:"allowed"`
	Action          string `json:"action"`
	MatchedPolicyID *int64 `json:"matched_policy_id,omitempty"`
	Reason          string `json:"reason"`
}
