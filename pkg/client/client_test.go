package client

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestGenerateKeypair(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	for name, key := range map[string]string{"private": priv, "public": pub} {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			t.Errorf("%s key is not base64: %v", name, err)
			continue
		}
		if len(raw) != 32 {
			t.Errorf("%s key is %d bytes, want 32", name, len(raw))
		}
	}

	// Clamping per the Curve25519 key format.
	rawPriv, _ := base64.StdEncoding.DecodeString(priv)
	if rawPriv[0]&7 != 0 {
		t.Error("private key low bits not cleared")
	}
	if rawPriv[31]&128 != 0 || rawPriv[31]&64 == 0 {
		t.Error("private key high bits not clamped")
	}

	// Two calls produce distinct keys.
	_, pub2, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("second GenerateKeypair: %v", err)
	}
	if pub == pub2 {
		t.Error("two keypairs share a public key")
	}
}

func TestSealerRoundTrip(t *testing.T) {
	s := NewSealer("test-secret")

	sealed, err := s.Seal("private-key-material")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "private-key-material") {
		t.Error("sealed value contains plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "private-key-material" {
		t.Errorf("Open = %q, want original plaintext", opened)
	}

	// A different secret cannot open it.
	other := NewSealer("other-secret")
	if _, err := other.Open(sealed); err == nil {
		t.Error("Open succeeded with the wrong secret")
	}

	// Tampering is detected.
	if _, err := s.Open(sealed[:len(sealed)-4] + "AAAA"); err == nil {
		t.Error("Open succeeded on tampered ciphertext")
	}
}

func TestRenderConfigFullTunnel(t *testing.T) {
	cfg := RenderConfig(RenderParams{
		PrivateKey:     "PRIV=",
		Address:        "10.0.0.100/24",
		DNSServers:     []string{"10.0.0.1", "1.1.1.1"},
		HubPublicKey:   "HUB=",
		HubEndpoint:    "hub.example.com:51820",
		OverlayNetwork: "10.0.0.0/24",
		TunnelMode:     TunnelFull,
		PresharedKey:   "PSK=",
	})

	for _, want := range []string{
		"[Interface]",
		"PrivateKey = PRIV=",
		"Address = 10.0.0.100/24",
		"DNS = 10.0.0.1, 1.1.1.1",
		"MTU = 1420",
		"[Peer]",
		"PublicKey = HUB=",
		"Endpoint = hub.example.com:51820",
		"AllowedIPs = 0.0.0.0/0, ::/0",
		"PresharedKey = PSK=",
		"PersistentKeepalive = 25",
	} {
		if !strings.Contains(cfg, want) {
			t.Errorf("config missing %q:\n%s", want, cfg)
		}
	}
}

func TestRenderConfigSplitTunnel(t *testing.T) {
	cfg := RenderConfig(RenderParams{
		PrivateKey:     "PRIV=",
		Address:        "10.0.0.101/24",
		DNSServers:     []string{"10.0.0.1"},
		HubPublicKey:   "HUB=",
		HubEndpoint:    "hub.example.com:51820",
		OverlayNetwork: "10.0.0.0/24",
		TunnelMode:     TunnelSplit,
	})

	if !strings.Contains(cfg, "AllowedIPs = 10.0.0.0/24") {
		t.Errorf("split tunnel should route only the overlay network:\n%s", cfg)
	}
	if strings.Contains(cfg, "0.0.0.0/0") {
		t.Errorf("split tunnel must not route everything:\n%s", cfg)
	}
	if strings.Contains(cfg, "PresharedKey") {
		t.Errorf("config without PSK should omit the PresharedKey line:\n%s", cfg)
	}
}

func TestRenderConfigPolicySummary(t *testing.T) {
	cfg := RenderConfig(RenderParams{
		PrivateKey:     "PRIV=",
		Address:        "10.0.0.100/24",
		DNSServers:     []string{"10.0.0.1"},
		HubPublicKey:   "HUB=",
		HubEndpoint:    "hub.example.com:51820",
		OverlayNetwork: "10.0.0.0/24",
		TunnelMode:     TunnelSplit,
		PolicySummary:  []string{"allow domain: *.example.com", "deny zone: prod"},
	})

	if !strings.HasPrefix(cfg, "# Access policy summary\n") {
		t.Errorf("policy summary should lead the config:\n%s", cfg)
	}
	if !strings.Contains(cfg, "# allow domain: *.example.com") {
		t.Errorf("missing policy line:\n%s", cfg)
	}
}

func TestDeviceEffective(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name   string
		device Device
		want   bool
	}{
		{"active unexpired", Device{Status: "active", ExpiresAt: future}, true},
		{"active expired", Device{Status: "active", ExpiresAt: past}, false},
		{"pending", Device{Status: "pending", ExpiresAt: future}, false},
		{"revoked", Device{Status: "revoked", ExpiresAt: future}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.device.Effective(now); got != tt.want {
				t.Errorf("Effective() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateQRCode(t *testing.T) {
	qr, err := GenerateQRCode("[Interface]\nPrivateKey = x\n")
	if err != nil {
		t.Fatalf("GenerateQRCode: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(qr)
	if err != nil {
		t.Fatalf("QR output is not base64: %v", err)
	}
	// PNG magic bytes.
	if len(raw) < 8 || raw[0] != 0x89 || string(raw[1:4]) != "PNG" {
		t.Error("QR output is not a PNG")
	}
}

func TestGenerateConfigTokenUnique(t *testing.T) {
	t1, err := GenerateConfigToken()
	if err != nil {
		t.Fatalf("GenerateConfigToken: %v", err)
	}
	t2, err := GenerateConfigToken()
	if err != nil {
		t.Fatalf("GenerateConfigToken: %v", err)
	}
	if t1 == t2 {
		t.Error("two tokens are identical")
	}
	if len(t1) < 40 {
		t.Errorf("token too short: %d chars", len(t1))
	}
}
