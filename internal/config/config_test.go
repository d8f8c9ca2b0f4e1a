package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Mode != "api" {
		t.Errorf("Mode = %q, want %q", cfg.Mode, "api")
	}
	if cfg.OverlayNetwork != "10.0.0.0/24" {
		t.Errorf("OverlayNetwork = %q, want %q", cfg.OverlayNetwork, "10.0.0.0/24")
	}
	if cfg.OverlayGateway != "10.0.0.1" {
		t.Errorf("OverlayGateway = %q, want %q", cfg.OverlayGateway, "10.0.0.1")
	}
	if cfg.ClientIPPoolStart != 100 || cfg.ClientIPPoolEnd != 250 {
		t.Errorf("client pool = [%d, %d], want [100, 250]", cfg.ClientIPPoolStart, cfg.ClientIPPoolEnd)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 9000}
	if got := cfg.ListenAddr(); got != "127.0.0.1:9000" {
		t.Errorf("ListenAddr() = %q, want %q", got, "127.0.0.1:9000")
	}
}

func TestAutoApproved(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		role string
		want bool
	}{
		{"all enabled", Config{AutoApproveAll: true}, "db", true},
		{"role listed", Config{AutoApproveRoles: []string{"ops", "hub"}}, "ops", true},
		{"role not listed", Config{AutoApproveRoles: []string{"ops", "hub"}}, "db", false},
		{"nothing set", Config{}, "app", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.AutoApproved(tt.role); got != tt.want {
				t.Errorf("AutoApproved(%q) = %v, want %v", tt.role, got, tt.want)
			}
		})
	}
}

func TestValidateRejectsBadPool(t *testing.T) {
	cfg := &Config{
		OverlayNetwork:    "10.0.0.0/24",
		ClientIPPoolStart: 200,
		ClientIPPoolEnd:   100,
	}
	if err := cfg.validate(); err == nil {
		t.Error("validate() accepted inverted client pool bounds")
	}
}
