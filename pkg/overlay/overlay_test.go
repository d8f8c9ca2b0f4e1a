package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
)

func TestMemoryDriverAddRemove(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDriver()

	if err := d.AddPeer(ctx, "K1=", "10.0.0.2/32"); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	exists, err := d.PeerExists(ctx, "K1=")
	if err != nil || !exists {
		t.Fatalf("PeerExists = (%v, %v), want (true, nil)", exists, err)
	}

	// Re-adding the same peer is idempotent.
	if err := d.AddPeer(ctx, "K1=", "10.0.0.2/32"); err != nil {
		t.Fatalf("second AddPeer: %v", err)
	}
	peers, err := d.ListPeers(ctx)
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(peers) != 1 {
		t.Errorf("len(peers) = %d, want 1", len(peers))
	}

	if err := d.RemovePeer(ctx, "K1="); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	exists, _ = d.PeerExists(ctx, "K1=")
	if exists {
		t.Error("peer still exists after RemovePeer")
	}

	// Removing an absent peer is not an error.
	if err := d.RemovePeer(ctx, "K1="); err != nil {
		t.Errorf("RemovePeer on absent peer: %v", err)
	}
}

func TestMemoryDriverRecordsOps(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDriver()

	_ = d.AddPeer(ctx, "K1=", "10.0.0.2/32")
	_ = d.RemovePeer(ctx, "K1=")
	_ = d.Save(ctx)

	ops := d.Ops()
	want := []Op{
		{Name: "add_peer", PublicKey: "K1=", AllowedIPs: "10.0.0.2/32"},
		{Name: "remove_peer", PublicKey: "K1="},
		{Name: "save"},
	}
	if len(ops) != len(want) {
		t.Fatalf("len(ops) = %d, want %d", len(ops), len(want))
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %+v, want %+v", i, ops[i], want[i])
		}
	}
}

func TestMemoryDriverDown(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDriver()
	d.SetDown()

	if d.IsInterfaceUp(ctx) {
		t.Error("IsInterfaceUp = true after SetDown")
	}
	if err := d.AddPeer(ctx, "K1=", "10.0.0.2/32"); err == nil {
		t.Error("AddPeer succeeded on a down interface")
	}

	d.SetUp()
	if err := d.AddPeer(ctx, "K1=", "10.0.0.2/32"); err != nil {
		t.Errorf("AddPeer after SetUp: %v", err)
	}
}

func TestParseDump(t *testing.T) {
	dump := "privkey\tpubkey\t51820\toff\n" +
		"peerA=\t(none)\t203.0.113.5:51820\t10.0.0.2/32\t1712000000\t0\t0\toff\n" +
		"peerB=\t(none)\t(none)\t10.0.0.3/32\t0\t0\t0\toff\n"

	peers := parseDump(dump)
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}

	if peers[0].PublicKey != "peerA=" {
		t.Errorf("peers[0].PublicKey = %q", peers[0].PublicKey)
	}
	if peers[0].Endpoint != "203.0.113.5:51820" {
		t.Errorf("peers[0].Endpoint = %q", peers[0].Endpoint)
	}
	if peers[0].AllowedIPs != "10.0.0.2/32" {
		t.Errorf("peers[0].AllowedIPs = %q", peers[0].AllowedIPs)
	}
	if peers[0].LatestHandshake != "1712000000" {
		t.Errorf("peers[0].LatestHandshake = %q", peers[0].LatestHandshake)
	}

	if peers[1].Endpoint != "" {
		t.Errorf("peers[1].Endpoint = %q, want empty", peers[1].Endpoint)
	}
	if peers[1].LatestHandshake != "" {
		t.Errorf("peers[1].LatestHandshake = %q, want empty", peers[1].LatestHandshake)
	}
}

func TestWireGuardDriverPeerExists(t *testing.T) {
	d := NewWireGuardDriver("wg0", slog.Default())
	d.runner = func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name == "wg" && len(args) == 3 && args[2] == "dump" {
			return []byte("priv\tpub\t51820\toff\npeerA=\t(none)\t(none)\t10.0.0.2/32\t0\t0\t0\toff\n"), nil
		}
		return nil, nil
	}

	exists, err := d.PeerExists(context.Background(), "peerA=")
	if err != nil {
		t.Fatalf("PeerExists: %v", err)
	}
	if !exists {
		t.Error("PeerExists = false, want true")
	}

	exists, err = d.PeerExists(context.Background(), "missing=")
	if err != nil || exists {
		t.Errorf("PeerExists(missing) = (%v, %v), want (false, nil)", exists, err)
	}
}

func TestWireGuardDriverInterfaceDown(t *testing.T) {
	d := NewWireGuardDriver("wg0", slog.Default())
	d.runner = func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name == "wg" && len(args) == 2 {
			return nil, fmt.Errorf("Unable to access interface: No such device")
		}
		return nil, nil
	}

	if d.IsInterfaceUp(context.Background()) {
		t.Error("IsInterfaceUp = true, want false")
	}
	if err := d.AddPeer(context.Background(), "K=", "10.0.0.2/32"); err == nil {
		t.Error("AddPeer succeeded on a down interface")
	}
}
