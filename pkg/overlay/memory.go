package overlay

import (
	"context"
	"sync"
)

// Op records one mutating call made against a MemoryDriver.
type Op struct {
	Name       string // add_peer, remove_peer, save
	PublicKey  string
	AllowedIPs string
}

// MemoryDriver is an in-process Driver used in tests and driverless
// development. It records every mutating call for assertions.
type MemoryDriver struct {
	mu    sync.Mutex
	peers map[string]Peer
	ops   []Op
	down  bool
}

// NewMemoryDriver creates an empty in-memory peer table.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{peers: make(map[string]Peer)}
}

// SetDown marks the interface as down; AddPeer and RemovePeer will fail
// until SetUp is called. Save still succeeds.
func (d *MemoryDriver) SetDown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = true
}

// SetUp marks the interface as up again.
func (d *MemoryDriver) SetUp() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = false
}

// Ops returns a copy of all recorded mutating calls.
func (d *MemoryDriver) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Op, len(d.ops))
	copy(out, d.ops)
	return out
}

func (d *MemoryDriver) IsInterfaceUp(_ context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.down
}

func (d *MemoryDriver) AddPeer(ctx context.Context, publicKey, allowedIPs string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return errInterfaceDown
	}
	d.peers[publicKey] = Peer{PublicKey: publicKey, AllowedIPs: allowedIPs}
	d.ops = append(d.ops, Op{Name: "add_peer", PublicKey: publicKey, AllowedIPs: allowedIPs})
	return nil
}

func (d *MemoryDriver) RemovePeer(ctx context.Context, publicKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return errInterfaceDown
	}
	delete(d.peers, publicKey)
	d.ops = append(d.ops, Op{Name: "remove_peer", PublicKey: publicKey})
	return nil
}

func (d *MemoryDriver) PeerExists(_ context.Context, publicKey string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peers[publicKey]
	return ok, nil
}

func (d *MemoryDriver) ListPeers(_ context.Context) ([]Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out, nil
}

func (d *MemoryDriver) Save(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, Op{Name: "save"})
	return nil
}

type interfaceDownError struct{}

func (interfaceDownError) Error() string { return "overlay interface is down" }

var errInterfaceDown = interfaceDownError{}
