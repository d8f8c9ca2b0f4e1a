// Package overlay abstracts the hub's encrypted interface peer table.
// The controller owns the peer table exclusively through a Driver; all
// operations are idempotent and failures never abort lifecycle
// transitions — the next registration or reconciliation pass converges.
package overlay

import "context"

// Peer describes one entry in the hub's peer table.
type Peer struct {
	PublicKey       string `json:"public_key"`
	Endpoint        string `json:"endpoint,omitempty"`
	AllowedIPs      string `json:"allowed_ips"`
	LatestHandshake string `json:"latest_handshake,omitempty"`
}

// Driver programs the hub's encrypted interface.
type Driver interface {
	// IsInterfaceUp reports whether the overlay interface is running.
	IsInterfaceUp(ctx context.Context) bool

	// AddPeer adds or updates a peer. Idempotent.
	AddPeer(ctx context.Context, publicKey, allowedIPs string) error

	// RemovePeer removes a peer. Removing an absent peer is not an error.
	RemovePeer(ctx context.Context, publicKey string) error

	// PeerExists reports whether a peer is present in the peer table.
	PeerExists(ctx context.Context, publicKey string) (bool, error)

	// ListPeers returns the current peer table.
	ListPeers(ctx context.Context) ([]Peer, error)

	// Save persists the peer table so it survives interface restarts.
	Save(ctx context.Context) error
}
