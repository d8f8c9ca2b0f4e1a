// Package ipam manages overlay network address allocation. Addresses are
// owned by the Node or ClientDevice they are assigned to and only return
// to the pool on deletion; any row with a non-null overlay_ip counts as a
// taken slot regardless of status.
package ipam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/wisbric/meshguard/internal/store"
)

// Pool names a sub-pool of the overlay network.
type Pool string

const (
	// PoolNode is the server-node pool: every host address outside the
	// reserved set and outside the client range.
	PoolNode Pool = "node"

	// PoolClient is the client-device pool: the contiguous last-octet
	// range [clientStart, clientEnd].
	PoolClient Pool = "client"
)

// ErrPoolExhausted is returned when no address in the requested pool
// qualifies.
var ErrPoolExhausted = errors.New("ip pool exhausted")

// Allocator computes free addresses for one overlay network.
type Allocator struct {
	network     netip.Prefix
	gateway     netip.Addr
	clientStart int
	clientEnd   int
	logger      *slog.Logger
}

// New creates an Allocator for the given network. clientStart/clientEnd are
// last-octet bounds of the client sub-pool, which is disjoint from the
// node pool.
func New(networkCIDR, gateway string, clientStart, clientEnd int, logger *slog.Logger) (*Allocator, error) {
	prefix, err := netip.ParsePrefix(networkCIDR)
	if err != nil {
		return nil, fmt.Errorf("parsing network CIDR %q: %w", networkCIDR, err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("network %q is not IPv4", networkCIDR)
	}

	gw, err := netip.ParseAddr(gateway)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway %q: %w", gateway, err)
	}
	if !prefix.Contains(gw) {
		return nil, fmt.Errorf("gateway %s is outside network %s", gw, prefix)
	}

	return &Allocator{
		network:     prefix,
		gateway:     gw,
		clientStart: clientStart,
		clientEnd:   clientEnd,
		logger:      logger,
	}, nil
}

// Network returns the managed network in CIDR notation.
func (a *Allocator) Network() string { return a.network.String() }

// PrefixLen returns the network prefix length.
func (a *Allocator) PrefixLen() int { return a.network.Bits() }

// Gateway returns the gateway address.
func (a *Allocator) Gateway() string { return a.gateway.String() }

// Reserved returns the reserved addresses: network, broadcast, gateway.
func (a *Allocator) Reserved() []string {
	return []string{
		a.network.Addr().String(),
		broadcast(a.network).String(),
		a.gateway.String(),
	}
}

// Host strips an optional prefix length from an address in a.b.c.d/n form.
func Host(s string) string {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// EnsureNetwork inserts the ip_networks sentinel row for this network if
// absent. Allocations lock this row to serialize within the pool.
func (a *Allocator) EnsureNetwork(ctx context.Context, db store.DBTX) error {
	_, err := db.Exec(ctx,
		`INSERT INTO ip_networks (cidr, gateway) VALUES ($1, $2) ON CONFLICT (cidr) DO NOTHING`,
		a.network.String(), a.gateway.String(),
	)
	if err != nil {
		return fmt.Errorf("ensuring ip network row: %w", err)
	}
	return nil
}

// Allocate returns the numerically lowest free host address in the given
// pool, without prefix. It must be called inside the transaction that will
// persist the new assignment; it takes a row lock on the network's
// sentinel row so concurrent allocators serialize.
func (a *Allocator) Allocate(ctx context.Context, tx store.DBTX, pool Pool) (string, error) {
	// Serialize allocators on this network.
	var id int64
	err := tx.QueryRow(ctx,
		`SELECT id FROM ip_networks WHERE cidr = $1 FOR UPDATE`, a.network.String(),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("locking network row: %w", err)
	}

	used, err := usedAddresses(ctx, tx)
	if err != nil {
		return "", err
	}

	ip, err := a.nextFree(pool, used)
	if err != nil {
		return "", err
	}

	// Record the allocation audit trail.
	_, err = tx.Exec(ctx,
		`INSERT INTO ip_allocations (network_cidr, ip_address, allocated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (ip_address) DO UPDATE SET allocated_at = now(), released_at = NULL`,
		a.network.String(), ip,
	)
	if err != nil {
		return "", fmt.Errorf("recording allocation: %w", err)
	}

	a.logger.Info("allocated overlay address", "ip", ip, "pool", string(pool))
	return ip, nil
}

// AllocateCIDR allocates an address and returns it with the network's
// prefix length appended.
func (a *Allocator) AllocateCIDR(ctx context.Context, tx store.DBTX, pool Pool) (string, error) {
	ip, err := a.Allocate(ctx, tx, pool)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", ip, a.network.Bits()), nil
}

// Release clears the allocation record for an address. Idempotent.
func (a *Allocator) Release(ctx context.Context, db store.DBTX, overlayIP string) error {
	ip := Host(overlayIP)
	_, err := db.Exec(ctx,
		`UPDATE ip_allocations SET node_id = NULL, released_at = now() WHERE ip_address = $1`,
		ip,
	)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", ip, err)
	}
	a.logger.Info("released overlay address", "ip", ip)
	return nil
}

// BindNode associates an allocation audit row with a node.
func (a *Allocator) BindNode(ctx context.Context, db store.DBTX, overlayIP string, nodeID int64) error {
	_, err := db.Exec(ctx,
		`UPDATE ip_allocations SET node_id = $2 WHERE ip_address = $1`,
		Host(overlayIP), nodeID,
	)
	if err != nil {
		return fmt.Errorf("binding allocation to node %d: %w", nodeID, err)
	}
	return nil
}

// nextFree walks the host range in ascending order and returns the first
// address that is free, not reserved, and inside the requested pool.
func (a *Allocator) nextFree(pool Pool, used map[string]struct{}) (string, error) {
	bcast := broadcast(a.network)
	for addr := a.network.Addr().Next(); a.network.Contains(addr) && addr != bcast; addr = addr.Next() {
		s := addr.String()
		if a.isReserved(addr) {
			continue
		}
		inClient := a.inClientRange(addr)
		if pool == PoolClient && !inClient {
			continue
		}
		if pool == PoolNode && inClient {
			continue
		}
		if _, taken := used[s]; taken {
			continue
		}
		return s, nil
	}
	return "", ErrPoolExhausted
}

func (a *Allocator) isReserved(addr netip.Addr) bool {
	return addr == a.network.Addr() || addr == broadcast(a.network) || addr == a.gateway
}

func (a *Allocator) inClientRange(addr netip.Addr) bool {
	octets := addr.As4()
	last := int(octets[3])
	return last >= a.clientStart && last <= a.clientEnd
}

// Validate rejects addresses outside the network or in the reserved set.
// A prefix length on the input is ignored.
func (a *Allocator) Validate(ip string) error {
	addr, err := netip.ParseAddr(Host(ip))
	if err != nil {
		return fmt.Errorf("invalid IP format: %w", err)
	}
	if !a.network.Contains(addr) {
		return fmt.Errorf("IP %s is not in network %s", addr, a.network)
	}
	if a.isReserved(addr) {
		return fmt.Errorf("IP %s is reserved", addr)
	}
	return nil
}

// usedAddresses collects every assigned overlay address across nodes and
// client devices, regardless of status.
func usedAddresses(ctx context.Context, db store.DBTX) (map[string]struct{}, error) {
	rows, err := db.Query(ctx,
		`SELECT overlay_ip FROM nodes WHERE overlay_ip IS NOT NULL
		 UNION ALL
		 SELECT overlay_ip FROM client_devices WHERE overlay_ip IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying used addresses: %w", err)
	}
	defer rows.Close()

	used := make(map[string]struct{})
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scanning used address: %w", err)
		}
		used[Host(ip)] = struct{}{}
	}
	return used, rows.Err()
}

// broadcast returns the highest address in an IPv4 prefix.
func broadcast(p netip.Prefix) netip.Addr {
	octets := p.Addr().As4()
	bits := p.Bits()
	for i := 0; i < 4; i++ {
		hostBits := 8 - max(0, min(8, bits-i*8))
		octets[i] |= byte(1<<hostBits - 1)
	}
	return netip.AddrFrom4(octets)
}
