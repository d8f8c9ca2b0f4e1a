package node

import "testing"

func TestOverlayHost(t *testing.T) {
	tests := []struct {
		name string
		ip   *string
		want string
	}{
		{"with prefix", strPtr("10.0.0.2/24"), "10.0.0.2"},
		{"without prefix", strPtr("10.0.0.2"), "10.0.0.2"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Node{OverlayIP: tt.ip}
			if got := n.OverlayHost(); got != tt.want {
				t.Errorf("OverlayHost() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsValidRole(t *testing.T) {
	for _, role := range ValidRoles {
		if !IsValidRole(role) {
			t.Errorf("IsValidRole(%q) = false", role)
		}
	}
	for _, role := range []string{"*", "", "root", "Hub"} {
		if IsValidRole(role) {
			t.Errorf("IsValidRole(%q) = true", role)
		}
	}
}

func TestIsActive(t *testing.T) {
	if !(&Node{Status: StatusActive}).IsActive() {
		t.Error("active node reported inactive")
	}
	for _, status := range []string{StatusPending, StatusSuspended, StatusRevoked} {
		if (&Node{Status: status}).IsActive() {
			t.Errorf("%s node reported active", status)
		}
	}
}

func strPtr(s string) *string { return &s }
