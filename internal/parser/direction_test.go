package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func wanCfg(wanIPs ...string) NetConfig {
	return NewNetConfig([]string{"ppp0"}, wanIPs, false)
}

func TestDeriveDirection(t *testing.T) {
	cfg := wanCfg()

	cases := []struct {
		name                    string
		in, out, rule, src, dst string
		want                    string
	}{
		{"NoInterfaces", "", "", "RULE", "1.2.3.4", "5.6.7.8", ""},
		{"Broadcast", "br0", "br0", "", "192.168.1.2", "255.255.255.255", DirLocal},
		{"Multicast", "br0", "", "", "192.168.1.2", "224.0.0.251", DirLocal},
		{"MulticastV6", "br0", "", "", "fe80::1", "ff02::fb", DirLocal},
		{"DNATRule", "ppp0", "br0", "USR_DNAT-1", "1.2.3.4", "192.168.1.2", DirNAT},
		{"PreroutingRule", "ppp0", "br0", "MY_PREROUTING", "1.2.3.4", "192.168.1.2", DirNAT},
		{"NoOutWANIn", "ppp0", "", "WAN_IN-D-1", "1.2.3.4", "203.0.113.4", DirInbound},
		{"NoOutLANIn", "br0", "", "LAN_LOCAL-A-1", "192.168.1.2", "192.168.1.1", DirLocal},
		{"Inbound", "ppp0", "br0", "WAN_IN-A-1", "1.2.3.4", "192.168.1.2", DirInbound},
		{"Outbound", "br0", "ppp0", "LAN_OUT-A-1", "192.168.1.2", "1.2.3.4", DirOutbound},
		{"InterVLAN", "br0", "br20", "VLAN-B-1", "192.168.1.2", "192.168.20.2", DirInterVLAN},
		{"VPNIn", "wgsrv0", "br0", "VPN-A-1", "10.10.50.2", "192.168.1.2", DirVPN},
		{"VPNOut", "br0", "tun0", "VPN-A-1", "192.168.1.2", "10.10.70.2", DirVPN},
		{"VPNClientIface", "br0", "tunovpnc1", "VPN-A-1", "192.168.1.2", "10.8.0.2", DirVPN},
		{"SameIface", "br0", "br0", "RULE-A-1", "192.168.1.2", "192.168.1.3", DirLocal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveDirection(cfg, tc.in, tc.out, tc.rule, tc.src, tc.dst)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeriveDirectionWANIPStayingLocal(t *testing.T) {
	cfg := wanCfg("203.0.113.4")

	// From the gateway's own WAN IP, not leaving via WAN: local.
	got := DeriveDirection(cfg, "br0", "br1", "RULE-A-1", "203.0.113.4", "192.168.1.2")
	assert.Equal(t, DirLocal, got)

	// Same source but leaving via WAN is not caught by the WAN-IP rule.
	got = DeriveDirection(cfg, "br0", "ppp0", "RULE-A-1", "203.0.113.4", "1.2.3.4")
	assert.Equal(t, DirOutbound, got)
}

func TestDeriveAction(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"WAN_IN-A-1":       ActionAllow,
		"WAN_IN-B-2":       ActionBlock,
		"WAN_IN-D-3":       ActionBlock,
		"WAN_IN-R-4":       ActionBlock,
		"USR_DNAT-5":       ActionRedirect,
		"X_PREROUTING-A-6": ActionRedirect,
		"CUSTOM_RULE":      ActionAllow,
	}
	for rule, want := range cases {
		assert.Equal(t, want, DeriveAction(rule), rule)
	}
}

func TestExtractMAC(t *testing.T) {
	assert.Equal(t, "11:22:33:44:55:66",
		ExtractMAC("aa:bb:cc:dd:ee:ff:11:22:33:44:55:66:08:00"))
	// Too short to split: returned as-is
	assert.Equal(t, "aa:bb:cc", ExtractMAC("aa:bb:cc"))
	assert.Empty(t, ExtractMAC(""))
}

func TestVPNPrefixOrdering(t *testing.T) {
	// tunovpnc must match before tun in prefix scans.
	idxOVPNC, idxTun := -1, -1
	for i, p := range VPNPrefixes {
		switch p.Prefix {
		case "tunovpnc":
			idxOVPNC = i
		case "tun":
			idxTun = i
		}
	}
	assert.GreaterOrEqual(t, idxOVPNC, 0)
	assert.GreaterOrEqual(t, idxTun, 0)
	assert.Less(t, idxOVPNC, idxTun, "tunovpnc must sort before tun")

	cases := map[string]string{
		"tunovpnc1": "tunovpnc",
		"tun0":      "tun",
		"wgsrv0":    "wgsrv",
		"l2tp0":     "l2tp",
	}
	for iface, wantPrefix := range cases {
		p, ok := VPNPrefixFor(iface)
		assert.True(t, ok, iface)
		assert.Equal(t, wantPrefix, p.Prefix, iface)
	}

	_, ok := VPNPrefixFor("br0")
	assert.False(t, ok)
	assert.False(t, IsVPNInterface("eth4"))
	assert.True(t, IsVPNInterface("vti64"))
}
