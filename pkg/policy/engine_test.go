package policy

import (
	"errors"
	"testing"

	"github.com/wisbric/meshguard/pkg/node"
)

func strPtr(s string) *string { return &s }

func activeNode(id int64, hostname, role, overlayIP string) node.Node {
	return node.Node{
		ID:         id,
		Hostname:   hostname,
		Role:       role,
		PublicKey:  hostname + "-key=",
		OverlayIP:  strPtr(overlayIP),
		ListenPort: 51820,
		Status:     node.StatusActive,
	}
}

func TestCompileACLAppToDb(t *testing.T) {
	policies := []AccessPolicy{
		{Name: "app→db", SrcRole: "app", DstRole: "db", Port: 5432, Protocol: "tcp", Action: "ACCEPT", Priority: 100, Enabled: true},
	}
	app := activeNode(1, "app-01", "app", "10.0.0.2/24")
	db := activeNode(2, "db-01", "db", "10.0.0.3/24")
	sources := []node.Node{app, db}

	rules := CompileACL(policies, sources, db)
	if len(rules) != 1 {
		t.Fatalf("len(rules) = %d, want 1", len(rules))
	}
	want := Rule{SrcIP: "10.0.0.2", Port: 5432, Proto: "tcp", Action: "ACCEPT", Comment: "app→db"}
	if rules[0] != want {
		t.Errorf("rules[0] = %+v, want %+v", rules[0], want)
	}

	// The app node receives nothing from this policy.
	if got := CompileACL(policies, sources, app); len(got) != 0 {
		t.Errorf("app-01 rules = %+v, want none", got)
	}
}

func TestCompileACLWildcards(t *testing.T) {
	policies := []AccessPolicy{
		{Name: "ssh-from-ops", SrcRole: "ops", DstRole: "*", Port: 22, Protocol: "tcp", Action: "ACCEPT", Priority: 10, Enabled: true},
		{Name: "all-to-hub", SrcRole: "*", DstRole: "hub", Port: 51820, Protocol: "udp", Action: "ACCEPT", Priority: 20, Enabled: true},
	}
	ops := activeNode(1, "ops-01", "ops", "10.0.0.2/24")
	app := activeNode(2, "app-01", "app", "10.0.0.3/24")
	hub := activeNode(3, "hub-01", "hub", "10.0.0.4/24")
	all := []node.Node{ops, app, hub}

	// app receives SSH from ops only.
	rules := CompileACL(policies, all, app)
	if len(rules) != 1 || rules[0].SrcIP != "10.0.0.2" || rules[0].Port != 22 {
		t.Errorf("app rules = %+v", rules)
	}

	// hub receives SSH from ops plus tunnel from everyone else.
	rules = CompileACL(policies, all, hub)
	if len(rules) != 3 {
		t.Fatalf("hub rules = %+v, want 3", rules)
	}
	// Priority order preserved: the SSH rule compiles first.
	if rules[0].Port != 22 {
		t.Errorf("rules[0].Port = %d, want 22 (priority order)", rules[0].Port)
	}
	for _, rule := range rules[1:] {
		if rule.Port != 51820 || rule.Proto != "udp" {
			t.Errorf("unexpected hub rule %+v", rule)
		}
		if rule.SrcIP == "10.0.0.4" {
			t.Errorf("hub compiled a rule from itself: %+v", rule)
		}
	}
}

func TestCompileACLSkipsSelfAndDisjointRoles(t *testing.T) {
	policies := []AccessPolicy{
		{Name: "db-only", SrcRole: "db", DstRole: "db", Port: 5432, Protocol: "tcp", Action: "ACCEPT", Priority: 100, Enabled: true},
	}
	db1 := activeNode(1, "db-01", "db", "10.0.0.2/24")
	app1 := activeNode(2, "app-01", "app", "10.0.0.3/24")

	// A single db node plus an app node: no self rule, and the app node's
	// role does not match the policy's source role.
	if got := CompileACL(policies, []node.Node{db1, app1}, db1); len(got) != 0 {
		t.Errorf("rules = %+v, want none", got)
	}
}

func TestCompileACLDefaultComment(t *testing.T) {
	policies := []AccessPolicy{
		{SrcRole: "app", DstRole: "db", Port: 5432, Protocol: "tcp", Action: "ACCEPT", Priority: 100, Enabled: true},
	}
	app := activeNode(1, "app-01", "app", "10.0.0.2/24")
	db := activeNode(2, "db-01", "db", "10.0.0.3/24")

	rules := CompileACL(policies, []node.Node{app, db}, db)
	if len(rules) != 1 {
		t.Fatalf("len(rules) = %d, want 1", len(rules))
	}
	if rules[0].Comment != "app->db" {
		t.Errorf("Comment = %q, want %q", rules[0].Comment, "app->db")
	}
}

func TestCompileHubPeers(t *testing.T) {
	hub := activeNode(1, "hub-01", "hub", "10.0.0.1/24")
	app := activeNode(2, "app-01", "app", "10.0.0.2/24")
	app.RealIP = strPtr("203.0.113.5")
	db := activeNode(3, "db-01", "db", "10.0.0.3/24")
	// db has no known real IP: endpoint omitted.

	peers := CompileHubPeers([]node.Node{hub, app, db}, hub)
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}

	if peers[0].PublicKey != "app-01-key=" {
		t.Errorf("peers[0].PublicKey = %q", peers[0].PublicKey)
	}
	if peers[0].AllowedIPs != "10.0.0.2/32" {
		t.Errorf("peers[0].AllowedIPs = %q, want /32", peers[0].AllowedIPs)
	}
	if peers[0].Endpoint != "203.0.113.5:51820" {
		t.Errorf("peers[0].Endpoint = %q", peers[0].Endpoint)
	}
	if peers[0].PersistentKeepalive != 25 {
		t.Errorf("peers[0].PersistentKeepalive = %d, want 25", peers[0].PersistentKeepalive)
	}

	if peers[1].Endpoint != "" {
		t.Errorf("peers[1].Endpoint = %q, want empty", peers[1].Endpoint)
	}
}

func TestValidate(t *testing.T) {
	base := AccessPolicy{
		Name: "p", SrcRole: "app", DstRole: "db", Port: 5432,
		Protocol: "tcp", Action: "ACCEPT", Priority: 100,
	}

	tests := []struct {
		name    string
		mutate  func(*AccessPolicy)
		wantErr bool
	}{
		{"valid", func(p *AccessPolicy) {}, false},
		{"wildcard roles", func(p *AccessPolicy) { p.SrcRole = "*"; p.DstRole = "*" }, false},
		{"port 1", func(p *AccessPolicy) { p.Port = 1 }, false},
		{"port 65535", func(p *AccessPolicy) { p.Port = 65535 }, false},
		{"port 0", func(p *AccessPolicy) { p.Port = 0 }, true},
		{"port 65536", func(p *AccessPolicy) { p.Port = 65536 }, true},
		{"bad src role", func(p *AccessPolicy) { p.SrcRole = "intern" }, true},
		{"bad dst role", func(p *AccessPolicy) { p.DstRole = "router" }, true},
		{"bad protocol", func(p *AccessPolicy) { p.Protocol = "sctp" }, true},
		{"bad action", func(p *AccessPolicy) { p.Action = "PERMIT" }, true},
		{"priority 0", func(p *AccessPolicy) { p.Priority = 0 }, true},
		{"priority 1001", func(p *AccessPolicy) { p.Priority = 1001 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			err := Validate(p)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("error %v is not ErrInvalidPolicy", err)
			}
		})
	}
}

func TestDefaultPoliciesAreValid(t *testing.T) {
	for _, p := range defaultPolicies {
		if err := Validate(p); err != nil {
			t.Errorf("default policy %+v invalid: %v", p, err)
		}
	}
}
