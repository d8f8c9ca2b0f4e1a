// Package node implements the node lifecycle: registration, approval,
// suspension, revocation, deletion, and heartbeat bookkeeping for the
// servers participating in the overlay.
package node

import (
	"encoding/json"
	"errors"
	"time"
)

// Node lifecycle statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

// Roles recognized for nodes and policies. "*" is only valid in policies.
var ValidRoles = []string{"hub", "app", "db", "ops", "monitor", "gateway"}

// IsValidRole reports whether role names a known node role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Sentinel errors surfaced by the manager.
var (
	// ErrNotFound is returned when a referenced node does not exist.
	ErrNotFound = errors.New("node not found")

	// ErrHostnameConflict is returned when a hostname is already bound
	// to a different public key.
	ErrHostnameConflict = errors.New("hostname already registered with a different key")
)

// Node is the controller's authoritative record of one overlay member.
type Node struct {
	ID          int64   `json:"id"`
	Hostname    string  `json:"hostname"`
	Role        string  `json:"role"`
	Description *string `json:"description,omitempty"`

	PublicKey    string  `json:"public_key"`
	PresharedKey *string `json:"-"`

	OverlayIP  *string `json:"overlay_ip"`
	RealIP     *string `json:"real_ip,omitempty"`
	ListenPort int     `json:"listen_port"`

	Status     string `json:"status"`
	IsApproved bool   `json:"is_approved"`

	AgentVersion *string `json:"agent_version,omitempty"`
	OSInfo       *string `json:"os_info,omitempty"`

	TrustScore      float64         `json:"trust_score"`
	TrustFactors    json.RawMessage `json:"trust_factors,omitempty"`
	LastTrustUpdate *time.Time      `json:"last_trust_update,omitempty"`
	RiskLevel       string          `json:"risk_level"`

	ConfigVersion int64 `json:"config_version"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// IsActive reports whether the node is in the active status.
func (n *Node) IsActive() bool { return n.Status == StatusActive }

// OverlayHost returns the node's overlay address without prefix, or "".
func (n *Node) OverlayHost() string {
	if n.OverlayIP == nil {
		return ""
	}
	ip := *n.OverlayIP
	for i := 0; i < len(ip); i++ {
		if ip[i] == '/' {
			return ip[:i]
		}
	}
	return ip
}
