package parser

import (
	"net/netip"
	"strings"
)

// DeriveDirection classifies a packet's traversal relative to the gateway.
// Rules are ordered; the first match wins.
func DeriveDirection(cfg NetConfig, ifaceIn, ifaceOut, ruleName, srcIP, dstIP string) string {
	if ifaceIn == "" && ifaceOut == "" {
		return ""
	}

	// Broadcast/multicast is not real inbound/outbound traffic.
	if isBroadcastOrMulticast(dstIP) {
		return DirLocal
	}

	// Traffic from the gateway's own WAN IP staying local (not going out WAN).
	if srcIP != "" && cfg.isWANIP(srcIP) && !cfg.isWANInterface(ifaceOut) {
		return DirLocal
	}

	if strings.Contains(ruleName, "DNAT") || strings.Contains(ruleName, "PREROUTING") {
		return DirNAT
	}

	wanIn := cfg.isWANInterface(ifaceIn)

	// No OUT interface: traffic destined to the gateway itself.
	if ifaceOut == "" {
		if wanIn {
			return DirInbound
		}
		return DirLocal
	}

	wanOut := cfg.isWANInterface(ifaceOut)

	switch {
	case wanIn && !wanOut:
		return DirInbound
	case !wanIn && wanOut:
		return DirOutbound
	case !wanIn && !wanOut && ifaceIn != ifaceOut:
		// VPN tunnel to LAN is VPN traffic, not inter-VLAN.
		if IsVPNInterface(ifaceIn) || IsVPNInterface(ifaceOut) {
			return DirVPN
		}
		return DirInterVLAN
	}

	return DirLocal
}

// DeriveAction maps the gateway's rule naming convention to an action:
// -A- allow, -B-/-D- block/drop, -R- reject, DNAT/PREROUTING redirect.
func DeriveAction(ruleName string) string {
	if ruleName == "" {
		return ""
	}
	if strings.Contains(ruleName, "DNAT") || strings.Contains(ruleName, "PREROUTING") {
		return ActionRedirect
	}
	if strings.Contains(ruleName, "-A-") {
		return ActionAllow
	}
	if strings.Contains(ruleName, "-B-") || strings.Contains(ruleName, "-D-") || strings.Contains(ruleName, "-R-") {
		return ActionBlock
	}
	// Custom rules without the convention default to allow.
	return ActionAllow
}

// ExtractMAC returns the source MAC from the netfilter MAC field.
// The raw field is dest_mac:src_mac:ethertype (6:6:2 bytes); the source MAC
// is bytes 7..12.
func ExtractMAC(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, ":")
	if len(parts) >= 12 {
		return strings.Join(parts[6:12], ":")
	}
	return raw
}

func isBroadcastOrMulticast(ip string) bool {
	if ip == "" {
		return false
	}
	if ip == "255.255.255.255" {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsMulticast()
}
