package unifi

import (
	"fmt"
	"strings"
)

// VPNNetwork is one VPN network discovered from the controller's network
// configuration.
type VPNNetwork struct {
	Interface string `json:"interface"`
	Name      string `json:"name"`
	Badge     string `json:"badge"`
	CIDR      string `json:"cidr"`
	VPNType   string `json:"vpn_type"`
	Enabled   bool   `json:"enabled"`
}

// vpnTypeMap translates the controller's vpn_type to the gateway's interface
// prefix and display badge.
var vpnTypeMap = map[string]struct{ prefix, badge string }{
	"wireguard-server": {"wgsrv", "WGD SRV"},
	"wireguard-client": {"wgclt", "WGD CLT"},
	"site-magic-wan":   {"wgsts", "S MAGIC"},
	"teleport":         {"tlprt", "TELEPORT"},
	"ipsec-vpn":        {"vti", "S2S IPSEC"},
	"openvpn-server":   {"tun", "OVPN SRV"},
	"openvpn-client":   {"tunovpnc", "OVPN CLT"},
	"l2tp-server":      {"l2tp", "L2TP SRV"},
}

// networkConf is one entry from the classic /rest/networkconf endpoint. Only
// the fields the wizard and VPN discovery consume.
type networkConf struct {
	Name            string `json:"name"`
	Purpose         string `json:"purpose"`
	Enabled         *bool  `json:"enabled"`
	IPSubnet        string `json:"ip_subnet"`
	VLAN            *int   `json:"vlan"`
	VLANEnabled     bool   `json:"vlan_enabled"`
	WANType         string `json:"wan_type"`
	WANNetworkGroup string `json:"wan_networkgroup"`
	NetworkGroup    string `json:"networkgroup"`

	VPNType          string `json:"vpn_type"`
	WireguardID      *int   `json:"wireguard_id"`
	TunnelID         *int   `json:"tunnel_id"`
	XOpenVPNTunnelID *int   `json:"x_openvpn_tunnel_id"`
}

func (n *networkConf) enabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// parseVPNNetworks derives VPN interface names from network configuration
// entries. WireGuard-family records carry wireguard_id; OpenVPN records use
// tunnel_id or x_openvpn_tunnel_id and fall back to tunnel 0.
func parseVPNNetworks(nets []networkConf) []VPNNetwork {
	var out []VPNNetwork
	for _, net := range nets {
		if net.VPNType == "" {
			continue
		}
		m, ok := vpnTypeMap[net.VPNType]
		if !ok {
			continue
		}

		iface := ""
		switch {
		case net.WireguardID != nil:
			iface = fmt.Sprintf("%s%d", m.prefix, *net.WireguardID)
		case net.VPNType == "openvpn-server" || net.VPNType == "openvpn-client":
			id := 0
			if net.TunnelID != nil {
				id = *net.TunnelID
			} else if net.XOpenVPNTunnelID != nil {
				id = *net.XOpenVPNTunnelID
			}
			iface = fmt.Sprintf("%s%d", m.prefix, id)
		}

		out = append(out, VPNNetwork{
			Interface: iface,
			Name:      strings.TrimSpace(net.Name),
			Badge:     m.badge,
			CIDR:      net.IPSubnet,
			VPNType:   net.VPNType,
			Enabled:   net.enabled(),
		})
	}
	return out
}
