package parser

import "strings"

// VPNPrefix describes one VPN interface family on the gateway.
type VPNPrefix struct {
	Prefix      string
	Badge       string
	Description string
}

// VPNPrefixes maps interface prefixes to badge metadata, in match order.
// tunovpnc must stay ahead of tun: both are OpenVPN, and a prefix scan that
// tries tun first would misclassify every OpenVPN-client interface.
var VPNPrefixes = []VPNPrefix{
	{"wgsrv", "WGD SRV", "WireGuard Server"},
	{"wgclt", "WGD CLT", "WireGuard Client"},
	{"wgsts", "S MAGIC", "Site Magic"},
	{"tlprt", "TELEPORT", "Teleport"},
	{"vti", "S2S IPSEC", "Site-to-Site IPsec"},
	{"tunovpnc", "OVPN CLT", "OpenVPN Client"},
	{"tun", "OVPN TUN", "OpenVPN / Tunnel 1"},
	{"vtun", "OVPN VTN", "OpenVPN / Tunnel 2"},
	{"l2tp", "L2TP SRV", "L2TP Server"},
}

// VPNBadgeLabels maps badge abbreviations to full names for UI dropdowns.
var VPNBadgeLabels = map[string]string{
	"WGD SRV":   "WireGuard Server",
	"WGD CLT":   "WireGuard Client",
	"OVPN SRV":  "OpenVPN Server",
	"OVPN CLT":  "OpenVPN Client",
	"OVPN TUN":  "OpenVPN / Tunnel 1",
	"OVPN VTN":  "OpenVPN / Tunnel 2",
	"L2TP SRV":  "L2TP Server",
	"TELEPORT":  "Teleport",
	"S MAGIC":   "Site Magic",
	"S2S IPSEC": "Site-to-Site IPsec",
}

// VPNBadgeChoices is the ordered badge list offered by the UI.
var VPNBadgeChoices = []string{
	"WGD SRV", "WGD CLT", "OVPN SRV", "OVPN CLT", "OVPN TUN", "OVPN VTN",
	"L2TP SRV", "TELEPORT", "S MAGIC", "S2S IPSEC",
}

// VPNPrefixFor returns the first prefix entry matching iface.
func VPNPrefixFor(iface string) (VPNPrefix, bool) {
	for _, p := range VPNPrefixes {
		if strings.HasPrefix(iface, p.Prefix) {
			return p, true
		}
	}
	return VPNPrefix{}, false
}

// IsVPNInterface reports whether iface belongs to a VPN interface family.
func IsVPNInterface(iface string) bool {
	_, ok := VPNPrefixFor(iface)
	return ok
}
