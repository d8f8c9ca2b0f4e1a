// Package policy implements role-to-role access policies and their
// compilation into per-node firewall rules and overlay peer lists.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/wisbric/meshguard/pkg/node"
)

// Sentinel errors surfaced by the service.
var (
	// ErrNotFound is returned when a referenced policy does not exist.
	ErrNotFound = errors.New("policy not found")

	// ErrPolicyExists is returned on duplicate policy names.
	ErrPolicyExists = errors.New("policy name already exists")

	// ErrInvalidPolicy is returned when validation fails. Wrapped errors
	// carry the specific reason.
	ErrInvalidPolicy = errors.New("invalid policy")
)

// AccessPolicy is one role→role rule. "*" wildcards either side.
// Lower priority numbers bind more strongly.
type AccessPolicy struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	SrcRole     string    `json:"src_role"`
	DstRole     string    `json:"dst_role"`
	Port        int       `json:"port"`
	Protocol    string    `json:"protocol"`
	Action      string    `json:"action"`
	Priority    int       `json:"priority"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Rule is one compiled firewall rule an agent installs.
type Rule struct {
	SrcIP   string `json:"src_ip"`
	Port    int    `json:"port"`
	Proto   string `json:"proto"`
	Action  string `json:"action"`
	Comment string `json:"comment,omitempty"`
}

// Peer is one entry of a node's compiled peer list.
type Peer struct {
	PublicKey           string `json:"public_key"`
	AllowedIPs          string `json:"allowed_ips"`
	Endpoint            string `json:"endpoint,omitempty"`
	PersistentKeepalive int    `json:"persistent_keepalive"`
}

// InterfaceConfig describes the local interface section of an agent config.
type InterfaceConfig struct {
	Address string   `json:"address"`
	DNS     []string `json:"dns"`
}

// Bundle is the complete compiled configuration for one node.
type Bundle struct {
	Interface     InterfaceConfig `json:"interface"`
	Peers         []Peer          `json:"peers"`
	ACLRules      []Rule          `json:"acl_rules"`
	ConfigVersion int64           `json:"config_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

const persistentKeepalive = 25

var validProtocols = map[string]bool{"tcp": true, "udp": true, "icmp": true, "any": true}
var validActions = map[string]bool{"ACCEPT": true, "DROP": true, "REJECT": true, "LOG": true}

// Validate checks a policy's fields against the recognized roles, port
// range, protocol, action, and priority bounds.
func Validate(p AccessPolicy) error {
	if !policyRoleValid(p.SrcRole) {
		return fmt.Errorf("%w: invalid src_role %q", ErrInvalidPolicy, p.SrcRole)
	}
	if !policyRoleValid(p.DstRole) {
		return fmt.Errorf("%w: invalid dst_role %q", ErrInvalidPolicy, p.DstRole)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidPolicy)
	}
	if !validProtocols[p.Protocol] {
		return fmt.Errorf("%w: invalid protocol %q", ErrInvalidPolicy, p.Protocol)
	}
	if !validActions[p.Action] {
		return fmt.Errorf("%w: invalid action %q", ErrInvalidPolicy, p.Action)
	}
	if p.Priority < 1 || p.Priority > 1000 {
		return fmt.Errorf("%w: priority must be between 1 and 1000", ErrInvalidPolicy)
	}
	return nil
}

func policyRoleValid(role string) bool {
	return role == "*" || node.IsValidRole(role)
}

// defaultPolicies is the built-in rule set used when no policies exist in
// the database: ops reaches everything on SSH and node-exporter, app
// reaches db on Postgres, and everyone reaches the hub's tunnel port.
var defaultPolicies = []AccessPolicy{
	{SrcRole: "ops", DstRole: "*", Port: 22, Protocol: "tcp", Action: "ACCEPT", Priority: 100, Enabled: true},
	{SrcRole: "ops", DstRole: "*", Port: 9100, Protocol: "tcp", Action: "ACCEPT", Priority: 100, Enabled: true},
	{SrcRole: "app", DstRole: "db", Port: 5432, Protocol: "tcp", Action: "ACCEPT", Priority: 100, Enabled: true},
	{SrcRole: "*", DstRole: "hub", Port: 51820, Protocol: "udp", Action: "ACCEPT", Priority: 100, Enabled: true},
}
