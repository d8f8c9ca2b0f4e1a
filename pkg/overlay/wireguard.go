package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// WireGuardDriver drives a kernel WireGuard interface on the hub through
// wg(8) and wg-quick(8).
type WireGuardDriver struct {
	iface  string
	logger *slog.Logger

	// runner is swappable for tests.
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

const commandTimeout = 10 * time.Second

// NewWireGuardDriver creates a driver for the given interface name.
func NewWireGuardDriver(iface string, logger *slog.Logger) *WireGuardDriver {
	return &WireGuardDriver{
		iface:  iface,
		logger: logger,
		runner: runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// IsInterfaceUp reports whether the interface responds to `wg show`.
func (d *WireGuardDriver) IsInterfaceUp(ctx context.Context) bool {
	_, err := d.runner(ctx, "wg", "show", d.iface)
	return err == nil
}

// AddPeer adds or updates a peer via `wg set`.
func (d *WireGuardDriver) AddPeer(ctx context.Context, publicKey, allowedIPs string) error {
	if !d.IsInterfaceUp(ctx) {
		return fmt.Errorf("interface %s is not running", d.iface)
	}

	if _, err := d.runner(ctx, "wg", "set", d.iface,
		"peer", publicKey, "allowed-ips", allowedIPs); err != nil {
		return fmt.Errorf("adding peer: %w", err)
	}

	d.logger.Info("added overlay peer",
		"public_key", truncateKey(publicKey), "allowed_ips", allowedIPs)

	if err := d.Save(ctx); err != nil {
		d.logger.Warn("saving overlay config after add", "error", err)
	}
	return nil
}

// RemovePeer removes a peer via `wg set … remove`.
func (d *WireGuardDriver) RemovePeer(ctx context.Context, publicKey string) error {
	if !d.IsInterfaceUp(ctx) {
		return fmt.Errorf("interface %s is not running", d.iface)
	}

	if _, err := d.runner(ctx, "wg", "set", d.iface,
		"peer", publicKey, "remove"); err != nil {
		return fmt.Errorf("removing peer: %w", err)
	}

	d.logger.Info("removed overlay peer", "public_key", truncateKey(publicKey))

	if err := d.Save(ctx); err != nil {
		d.logger.Warn("saving overlay config after remove", "error", err)
	}
	return nil
}

// PeerExists checks the dump output for the given public key.
func (d *WireGuardDriver) PeerExists(ctx context.Context, publicKey string) (bool, error) {
	peers, err := d.ListPeers(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range peers {
		if p.PublicKey == publicKey {
			return true, nil
		}
	}
	return false, nil
}

// ListPeers parses `wg show <iface> dump`. The first line describes the
// interface itself and is skipped.
func (d *WireGuardDriver) ListPeers(ctx context.Context) ([]Peer, error) {
	out, err := d.runner(ctx, "wg", "show", d.iface, "dump")
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}

	return parseDump(string(out)), nil
}

// parseDump parses wg dump output into peers.
func parseDump(out string) []Peer {
	var peers []Peer
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 1 {
		return peers
	}
	for _, line := range lines[1:] {
		parts := strings.Split(line, "\t")
		if len(parts) < 4 {
			continue
		}
		p := Peer{
			PublicKey:  parts[0],
			AllowedIPs: parts[3],
		}
		if parts[2] != "(none)" {
			p.Endpoint = parts[2]
		}
		if len(parts) > 4 && parts[4] != "0" {
			p.LatestHandshake = parts[4]
		}
		peers = append(peers, p)
	}
	return peers
}

// Save persists the running config via `wg-quick save`.
func (d *WireGuardDriver) Save(ctx context.Context) error {
	if _, err := d.runner(ctx, "wg-quick", "save", d.iface); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

func truncateKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12] + "…"
}
