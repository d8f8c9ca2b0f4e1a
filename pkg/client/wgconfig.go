package client

import (
	"fmt"
	"strings"
)

// RenderParams carries everything needed to render a device's tunnel
// config file.
type RenderParams struct {
	PrivateKey     string
	Address        string
	DNSServers     []string
	HubPublicKey   string
	HubEndpoint    string
	OverlayNetwork string
	TunnelMode     string
	PresharedKey   string
	PolicySummary  []string // rendered as a comment block, may be empty
}

const clientMTU = 1420

// RenderConfig produces the WireGuard config file for a client device.
// Full tunnel routes everything; split tunnel routes only the overlay
// network.
func RenderConfig(p RenderParams) string {
	allowedIPs := p.OverlayNetwork
	if p.TunnelMode == TunnelFull {
		allowedIPs = "0.0.0.0/0, ::/0"
	}

	var b strings.Builder

	if len(p.PolicySummary) > 0 {
		b.WriteString("# Access policy summary\n")
		for _, line := range p.PolicySummary {
			fmt.Fprintf(&b, "# %s\n", line)
		}
		b.WriteString("\n")
	}

	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", p.Address)
	fmt.Fprintf(&b, "DNS = %s\n", strings.Join(p.DNSServers, ", "))
	fmt.Fprintf(&b, "MTU = %d\n", clientMTU)
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.HubPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", p.HubEndpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", allowedIPs)
	if p.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
	}
	b.WriteString("PersistentKeepalive = 25\n")

	return b.String()
}
