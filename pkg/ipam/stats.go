package ipam

import (
	"context"
	"fmt"
	"math"

	"github.com/wisbric/meshguard/internal/store"
)

// Stats describes pool occupancy.
type Stats struct {
	Network            string   `json:"network"`
	Gateway            string   `json:"gateway"`
	TotalHosts         int      `json:"total_hosts"`
	Used               int      `json:"used"`
	Available          int      `json:"available"`
	UtilizationPercent float64  `json:"utilization_percent"`
	Reserved           []string `json:"reserved"`
}

// Allocation is one assigned overlay address with its current owner (a
// node or a client device), for the admin allocations view.
type Allocation struct {
	IPAddress string  `json:"ip_address"`
	Owner     string  `json:"owner"` // node, client
	Hostname  *string `json:"hostname,omitempty"`
	UserID    *string `json:"user_id,omitempty"`
}

// Stats computes pool occupancy across nodes and client devices.
func (a *Allocator) Stats(ctx context.Context, db store.DBTX) (Stats, error) {
	used, err := usedAddresses(ctx, db)
	if err != nil {
		return Stats{}, err
	}

	total := a.totalHosts()
	s := Stats{
		Network:    a.network.String(),
		Gateway:    a.gateway.String(),
		TotalHosts: total,
		Used:       len(used),
		Available:  total - len(used),
		Reserved:   a.Reserved(),
	}
	if total > 0 {
		s.UtilizationPercent = math.Round(float64(len(used))/float64(total)*10000) / 100
	}
	return s, nil
}

// totalHosts counts allocatable addresses: all addresses minus the
// reserved entries (network, broadcast, gateway).
func (a *Allocator) totalHosts() int {
	hostBits := 32 - a.network.Bits()
	total := 1 << hostBits
	return total - len(a.Reserved())
}

// Allocations returns the current ownership of every assigned address.
func (a *Allocator) Allocations(ctx context.Context, db store.DBTX) ([]Allocation, error) {
	rows, err := db.Query(ctx,
		`SELECT overlay_ip, 'node' AS owner, hostname, NULL::varchar AS user_id
		   FROM nodes WHERE overlay_ip IS NOT NULL
		 UNION ALL
		 SELECT overlay_ip, 'client' AS owner, device_name, user_id
		   FROM client_devices WHERE overlay_ip IS NOT NULL
		 ORDER BY overlay_ip`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying allocations: %w", err)
	}
	defer rows.Close()

	allocations := []Allocation{}
	for rows.Next() {
		var al Allocation
		var ip string
		if err := rows.Scan(&ip, &al.Owner, &al.Hostname, &al.UserID); err != nil {
			return nil, fmt.Errorf("scanning allocation: %w", err)
		}
		al.IPAddress = Host(ip)
		allocations = append(allocations, al)
	}
	return allocations, rows.Err()
}
