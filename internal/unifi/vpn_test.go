package unifi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseConf(t *testing.T, raw string) []networkConf {
	t.Helper()
	var payload struct {
		Data []networkConf `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload.Data
}

func TestParseVPNNetworks(t *testing.T) {
	nets := parseConf(t, `{"data": [
		{"name": "WG Server Home", "vpn_type": "wireguard-server", "enabled": true,
		 "wireguard_id": 0, "ip_subnet": "10.10.50.1/24"},
		{"name": "WG Client Remote", "vpn_type": "wireguard-client", "enabled": true,
		 "wireguard_id": 1, "ip_subnet": "10.10.60.1/24"},
		{"name": "OVPN Server Office", "vpn_type": "openvpn-server", "enabled": true,
		 "tunnel_id": 0, "ip_subnet": "10.10.70.1/29"},
		{"name": "VPN Provider", "vpn_type": "openvpn-client", "enabled": true,
		 "tunnel_id": 1, "ip_subnet": ""},
		{"name": "Minimal OVPN Client", "vpn_type": "openvpn-client", "enabled": true,
		 "ip_subnet": "10.10.80.0/24"},
		{"name": "OVPN Client Alt Field", "vpn_type": "openvpn-client", "enabled": true,
		 "x_openvpn_tunnel_id": 3, "ip_subnet": "10.10.90.0/24"},
		{"name": "Site Magic Link", "vpn_type": "site-magic-wan", "enabled": true,
		 "wireguard_id": 2, "ip_subnet": "10.10.100.1/30"},
		{"name": "Branch Office IPsec", "vpn_type": "ipsec-vpn", "enabled": true,
		 "wireguard_id": 0, "ip_subnet": "10.10.110.0/24"},
		{"name": "L2TP Remote Access", "vpn_type": "l2tp-server", "enabled": true,
		 "wireguard_id": 0, "ip_subnet": "10.10.120.1/24"},
		{"name": "Default LAN", "purpose": "corporate", "ip_subnet": "192.168.1.1/24"}
	]}`)

	results := parseVPNNetworks(nets)
	byName := map[string]VPNNetwork{}
	for _, r := range results {
		byName[r.Name] = r
	}

	assert.NotContains(t, byName, "Default LAN")

	assert.Equal(t, "wgsrv0", byName["WG Server Home"].Interface)
	assert.Equal(t, "WGD SRV", byName["WG Server Home"].Badge)

	assert.Equal(t, "wgclt1", byName["WG Client Remote"].Interface)
	assert.Equal(t, "WGD CLT", byName["WG Client Remote"].Badge)

	assert.Equal(t, "tun0", byName["OVPN Server Office"].Interface)
	assert.Equal(t, "OVPN SRV", byName["OVPN Server Office"].Badge)

	assert.Equal(t, "tunovpnc1", byName["VPN Provider"].Interface)
	assert.Equal(t, "OVPN CLT", byName["VPN Provider"].Badge)

	// No tunnel id at all: fall back to tunnel 0.
	assert.Equal(t, "tunovpnc0", byName["Minimal OVPN Client"].Interface)
	assert.Equal(t, "tunovpnc3", byName["OVPN Client Alt Field"].Interface)

	assert.Equal(t, "wgsts2", byName["Site Magic Link"].Interface)
	assert.Equal(t, "S MAGIC", byName["Site Magic Link"].Badge)

	assert.Equal(t, "vti0", byName["Branch Office IPsec"].Interface)
	assert.Equal(t, "S2S IPSEC", byName["Branch Office IPsec"].Badge)

	assert.Equal(t, "l2tp0", byName["L2TP Remote Access"].Interface)
	assert.Equal(t, "L2TP SRV", byName["L2TP Remote Access"].Badge)
}

func TestParseVPNNetworksTunnelIDZero(t *testing.T) {
	nets := parseConf(t, `{"data": [
		{"name": "OVPN Zero", "vpn_type": "openvpn-client", "enabled": true,
		 "tunnel_id": 0, "ip_subnet": "10.0.0.0/24"}
	]}`)
	results := parseVPNNetworks(nets)
	require.Len(t, results, 1)
	assert.Equal(t, "tunovpnc0", results[0].Interface)
}

func TestParseVPNNetworksUnknownTypeSkipped(t *testing.T) {
	nets := parseConf(t, `{"data": [
		{"name": "Future VPN", "vpn_type": "quantum-tunnel", "enabled": true}
	]}`)
	assert.Empty(t, parseVPNNetworks(nets))
}
