package api

import (
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/loginsight/internal/enrich"
	"grimm.is/loginsight/internal/store"
)

func TestParseFilters(t *testing.T) {
	r := httptest.NewRequest("GET",
		"/api/logs?log_type=firewall,dns&time_range=24h&direction=inbound&country=nl,de"+
			"&threat_min=50&vpn_only=true&src_ip=192.168&interface=br0,ppp0", nil)

	f := parseFilters(r)

	assert.Equal(t, []string{"firewall", "dns"}, f.LogTypes)
	assert.Equal(t, "24h", f.TimeRange)
	assert.Equal(t, []string{"inbound"}, f.Directions)
	assert.Equal(t, []string{"nl", "de"}, f.Countries)
	require.NotNil(t, f.ThreatMin)
	assert.Equal(t, 50, *f.ThreatMin)
	assert.True(t, f.VPNOnly)
	assert.Equal(t, "192.168", f.SrcIP)
	assert.Equal(t, []string{"br0", "ppp0"}, f.Interfaces)
}

func TestParseFiltersTimeBounds(t *testing.T) {
	r := httptest.NewRequest("GET",
		"/api/logs?time_from=2025-02-01T00:00:00Z&time_to=2025-02-02T00:00:00Z&threat_min=oops", nil)

	f := parseFilters(r)

	require.NotNil(t, f.TimeFrom)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), f.TimeFrom.UTC())
	require.NotNil(t, f.TimeTo)
	assert.Nil(t, f.ThreatMin, "unparseable threat_min is ignored")
}

func strPtr(s string) *string { return &s }

func TestAnnotateGatewayAndWAN(t *testing.T) {
	ann := &annotator{
		gatewayVLANs: map[string]int{"192.168.40.1": 40},
		wanNames:     map[string]string{"203.0.113.9": "WAN"},
	}

	entries := []store.LogEntry{
		{SrcIP: strPtr("192.168.40.1"), DstIP: strPtr("203.0.113.9")},
		{SrcIP: strPtr("192.168.40.1"), SrcDeviceName: strPtr("Router")},
	}
	ann.annotate(entries)

	require.NotNil(t, entries[0].SrcDeviceVLAN)
	assert.Equal(t, 40, *entries[0].SrcDeviceVLAN)
	require.NotNil(t, entries[0].SrcDeviceName)
	assert.Equal(t, "Gateway", *entries[0].SrcDeviceName)
	assert.Equal(t, "WAN", entries[0].DstDeviceNetwork)

	// An explicit device name is not overwritten, the VLAN still applies.
	assert.Equal(t, "Router", *entries[1].SrcDeviceName)
	require.NotNil(t, entries[1].SrcDeviceVLAN)
}

func TestAnnotateVPNBadge(t *testing.T) {
	ann := &annotator{
		wanNames: map[string]string{"10.99.0.5": "WAN"},
	}
	ann.vpnRanges = append(ann.vpnRanges, mustVPNRange(t, "Road Warriors", "10.99.0.0/24"))

	entries := []store.LogEntry{
		{SrcIP: strPtr("10.99.0.7")},
		{SrcIP: strPtr("10.99.0.5")},
		{SrcIP: strPtr("10.10.0.7")},
	}
	ann.annotate(entries)

	assert.Equal(t, "Road Warriors", entries[0].SrcDeviceNetwork)
	assert.Equal(t, "WAN", entries[1].SrcDeviceNetwork, "WAN label wins over the VPN range")
	assert.Empty(t, entries[2].SrcDeviceNetwork)
}

func mustVPNRange(t *testing.T, name, cidr string) vpnRange {
	t.Helper()
	_, ipnet, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	return vpnRange{name: name, net: ipnet}
}

func TestExportRowMatchesHeader(t *testing.T) {
	score := 80
	e := store.LogEntry{
		ID:        42,
		Timestamp: time.Date(2025, 2, 8, 12, 0, 0, 0, time.UTC),
		LogType:   "firewall",
		SrcIP:     strPtr("198.51.100.7"),

		ThreatScore:      &score,
		SrcDeviceNetwork: "WAN",
	}

	row := exportRow(&e)

	require.Len(t, row, len(exportColumns))
	assert.Equal(t, "42", row[0])
	assert.Equal(t, "2025-02-08T12:00:00Z", row[1])
	assert.Equal(t, "firewall", row[2])
	assert.Equal(t, "198.51.100.7", row[4])
	assert.Equal(t, "80", row[indexOf(t, "threat_score")])
	assert.Equal(t, "WAN", row[indexOf(t, "src_device_network")])
	assert.Equal(t, "", row[indexOf(t, "dst_device_name")], "nil fields export empty")
}

func indexOf(t *testing.T, col string) int {
	t.Helper()
	for i, c := range exportColumns {
		if c == col {
			return i
		}
	}
	t.Fatalf("column %s not in export header", col)
	return -1
}

func TestExportableKeysExcludeSecrets(t *testing.T) {
	for _, k := range exportableKeys {
		assert.False(t, secretKeys[k], "secret key %s must not be exportable", k)
	}
	assert.NotContains(t, exportableKeys, "unifi_username")
	assert.NotContains(t, exportableKeys, "unifi_password")
	assert.NotContains(t, exportableKeys, "unifi_site_id")
	assert.NotContains(t, exportableKeys, "unifi_api_key")
}

func TestHeuristicLabel(t *testing.T) {
	cases := map[string]string{
		"br0":    "Main LAN",
		"br40":   "VLAN 40",
		"vlan7":  "VLAN 7",
		"wgsrv0": "WireGuard Server",
		"eth4":   "",
	}
	for iface, want := range cases {
		assert.Equal(t, want, heuristicLabel(iface), iface)
	}
}

func TestQuotaResetPending(t *testing.T) {
	now := time.Date(2025, 2, 8, 12, 0, 0, 0, time.UTC)
	zero := 0
	five := 5
	past := now.Add(-time.Hour).Unix()
	future := now.Add(time.Hour).Unix()

	assert.True(t, quotaResetPending(enrich.RateLimitState{ResetAt: &past, Remaining: &zero}, now))
	assert.False(t, quotaResetPending(enrich.RateLimitState{ResetAt: &future, Remaining: &zero}, now))
	assert.False(t, quotaResetPending(enrich.RateLimitState{ResetAt: &past, Remaining: &five}, now))
	assert.False(t, quotaResetPending(enrich.RateLimitState{}, now))
}

func TestNextGeoIPUpdate(t *testing.T) {
	// 2025-02-08 is a Saturday.
	sat := time.Date(2025, 2, 8, 12, 0, 0, 0, time.UTC)
	next := nextGeoIPUpdate(sat)
	assert.Equal(t, time.Wednesday, next.Weekday())
	assert.Equal(t, 7, next.Hour())

	satEarly := time.Date(2025, 2, 8, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Saturday, nextGeoIPUpdate(satEarly).Weekday())
}

func TestClampAndCSVList(t *testing.T) {
	assert.Equal(t, 1, clamp(0, 1, 200))
	assert.Equal(t, 200, clamp(9999, 1, 200))
	assert.Equal(t, 42, clamp(42, 1, 200))

	assert.Equal(t, []string{"a", "b"}, csvList(" a , b ,"))
	assert.Nil(t, csvList(""))
}
