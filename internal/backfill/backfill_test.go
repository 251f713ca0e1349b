package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/loginsight/internal/enrich"
	"grimm.is/loginsight/internal/parser"
	"grimm.is/loginsight/internal/store"
)

func strp(s string) *string { return &s }

func TestRederivePage(t *testing.T) {
	cfg := parser.NewNetConfig([]string{"ppp0"}, []string{"203.0.113.9"}, true)

	rows := []store.FirewallDirectionRow{
		// Stored as outbound under the old topology; now clearly inbound.
		{ID: 1, Direction: strp("outbound"), InterfaceIn: strp("ppp0"),
			InterfaceOut: strp("br0"), RuleName: strp("WAN_IN-3001-D"),
			SrcIP: strp("198.51.100.4"), DstIP: strp("192.168.1.50")},
		// Already correct: no update.
		{ID: 2, Direction: strp("outbound"), InterfaceIn: strp("br0"),
			InterfaceOut: strp("ppp0"), RuleName: strp("LAN_OUT-2001-A"),
			SrcIP: strp("192.168.1.50"), DstIP: strp("198.51.100.4")},
		// No interfaces at all: nothing derivable, row untouched.
		{ID: 3, Direction: nil},
		// NULL direction gets filled in.
		{ID: 4, Direction: nil, InterfaceIn: strp("ppp0"),
			InterfaceOut: strp("br0"), RuleName: strp("WAN_IN-3001-D"),
			SrcIP: strp("198.51.100.7"), DstIP: strp("192.168.1.51")},
	}

	updates := rederivePage(cfg, rows)
	assert.Equal(t, map[int64]string{
		1: parser.DirInbound,
		4: parser.DirInbound,
	}, updates)
}

func TestRederivePageVPN(t *testing.T) {
	cfg := parser.NewNetConfig([]string{"eth4"}, nil, false)
	rows := []store.FirewallDirectionRow{
		{ID: 10, Direction: strp("inter_vlan"), InterfaceIn: strp("wgsrv0"),
			InterfaceOut: strp("br0"), RuleName: strp("VPN_IN-5001-A"),
			SrcIP: strp("10.10.50.2"), DstIP: strp("192.168.1.10")},
	}
	updates := rederivePage(cfg, rows)
	assert.Equal(t, map[int64]string{10: parser.DirVPN}, updates)
}

func TestDeref(t *testing.T) {
	assert.Equal(t, "", deref(nil))
	assert.Equal(t, "x", deref(strp("x")))
}

type fakeRepairStore struct {
	config     map[string]any
	wanIPs     []string
	gatewayIPs []string

	missingDetails []string
	dsts           []string

	clearedIPs     []string
	backdated      map[string]int
	dstEnrichment  map[string]store.GeoRow
	repairedWith   []string
	patchExcluded  [][]string
	detailExcluded [][]string
}

func newFakeRepairStore() *fakeRepairStore {
	return &fakeRepairStore{
		config:        map[string]any{},
		backdated:     map[string]int{},
		dstEnrichment: map[string]store.GeoRow{},
	}
}

func (f *fakeRepairStore) ConfigBool(_ context.Context, key string, def bool) bool {
	if v, ok := f.config[key].(bool); ok {
		return v
	}
	return def
}

func (f *fakeRepairStore) GetConfigJSON(_ context.Context, key string, dest any) error {
	v, ok := f.config[key]
	if !ok {
		return errors.New("not found")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeRepairStore) SetConfig(_ context.Context, key string, value any) error {
	f.config[key] = value
	return nil
}

func (f *fakeRepairStore) DeleteConfig(_ context.Context, key string) error {
	delete(f.config, key)
	return nil
}

func (f *fakeRepairStore) WANIPs(_ context.Context) []string     { return f.wanIPs }
func (f *fakeRepairStore) GatewayIPs(_ context.Context) []string { return f.gatewayIPs }

func (f *fakeRepairStore) FirewallDirectionRows(_ context.Context, _ int64, _ int) ([]store.FirewallDirectionRow, error) {
	return nil, nil
}

func (f *fakeRepairStore) UpdateDirections(_ context.Context, _ map[int64]string) error { return nil }

func (f *fakeRepairStore) ClearEnrichmentForIPs(_ context.Context, ips []string) (int64, error) {
	f.clearedIPs = append(f.clearedIPs, ips...)
	return int64(len(ips)), nil
}

func (f *fakeRepairStore) DstIPsForSources(_ context.Context, _ []string) ([]string, error) {
	return f.dsts, nil
}

func (f *fakeRepairStore) SetDstEnrichment(_ context.Context, _ []string, dstIP string, g store.GeoRow) (int64, error) {
	f.dstEnrichment[dstIP] = g
	return 1, nil
}

func (f *fakeRepairStore) ClearMisplacedAbuseDetails(_ context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeRepairStore) RepairInboundAbuseDetails(_ context.Context, ownIPs []string) (int64, error) {
	f.repairedWith = ownIPs
	return int64(len(ownIPs)), nil
}

func (f *fakeRepairStore) UnnamedPortPairs(_ context.Context) ([]store.PortProtocol, error) {
	return nil, nil
}

func (f *fakeRepairStore) SetServiceName(_ context.Context, _ store.PortProtocol, _ string) (int64, error) {
	return 0, nil
}

func (f *fakeRepairStore) PatchFromThreatCache(_ context.Context, excludedIPs []string) (int64, error) {
	f.patchExcluded = append(f.patchExcluded, excludedIPs)
	return 0, nil
}

func (f *fakeRepairStore) PatchThreatDetails(_ context.Context, excludedIPs []string) (int64, error) {
	f.detailExcluded = append(f.detailExcluded, excludedIPs)
	return 0, nil
}

func (f *fakeRepairStore) ThreatsMissingDetails(_ context.Context, _ int) ([]string, error) {
	return f.missingDetails, nil
}

func (f *fakeRepairStore) BackdateThreat(_ context.Context, ip string, ageDays int) error {
	f.backdated[ip] = ageDays
	return nil
}

func (f *fakeRepairStore) OrphanThreatIPs(_ context.Context, _ int) ([]string, error) {
	return nil, nil
}

type fakeEnrichment struct {
	exclusions [][]string
	geo        enrich.GeoData
	rdns       string
}

func (f *fakeEnrichment) SetExclusions(ips []string) {
	f.exclusions = append(f.exclusions, ips)
}

func (f *fakeEnrichment) LookupIP(_ string) (enrich.GeoData, string) {
	return f.geo, f.rdns
}

type fakeReputation struct {
	enabled bool
	budget  int
	events  []string
}

func (f *fakeReputation) Enabled() bool        { return f.enabled }
func (f *fakeReputation) RemainingBudget() int { return f.budget }

func (f *fakeReputation) Lookup(_ context.Context, ip string) (*store.Threat, error) {
	f.events = append(f.events, "lookup:"+ip)
	return &store.Threat{Score: 10}, nil
}

func (f *fakeReputation) DeleteCached(ip string) {
	f.events = append(f.events, "evict:"+ip)
}

func TestRunCycleFeedsOwnAddressesEverywhere(t *testing.T) {
	st := newFakeRepairStore()
	st.wanIPs = []string{"203.0.113.9"}
	st.gatewayIPs = []string{"192.168.1.1"}
	st.config["abuse_hostname_fix_done"] = true
	enr := &fakeEnrichment{}

	w := New(st, enr, &fakeReputation{}, nil, nil, nil)
	w.RunCycle(context.Background())

	own := []string{"203.0.113.9", "192.168.1.1"}
	require.Len(t, enr.exclusions, 1)
	assert.Equal(t, own, enr.exclusions[0])
	require.NotEmpty(t, st.patchExcluded)
	assert.Equal(t, own, st.patchExcluded[0])
	require.NotEmpty(t, st.detailExcluded)
	assert.Equal(t, own, st.detailExcluded[0])
}

func TestRunCycleRepairsInboundAbuseOnce(t *testing.T) {
	st := newFakeRepairStore()
	st.wanIPs = []string{"203.0.113.9"}
	rep := &fakeReputation{}

	w := New(st, &fakeEnrichment{}, rep, nil, nil, nil)
	w.RunCycle(context.Background())

	assert.Equal(t, []string{"203.0.113.9"}, st.repairedWith)
	assert.Contains(t, rep.events, "evict:203.0.113.9")
	assert.Equal(t, true, st.config["abuse_hostname_fix_done"])

	// Second cycle: the flag is set, the repair must not run again.
	st.repairedWith = nil
	w.RunCycle(context.Background())
	assert.Nil(t, st.repairedWith)
}

func TestWANFixReenrichesPublicDestinations(t *testing.T) {
	st := newFakeRepairStore()
	st.config["abuse_hostname_fix_done"] = true
	st.config["enrichment_wan_fix_pending"] = []string{"203.0.113.9"}
	st.dsts = []string{"198.51.100.7", "192.168.1.50"}
	lat, lon := 50.1, 8.6
	enr := &fakeEnrichment{
		geo:  enrich.GeoData{Country: "DE", City: "Frankfurt", Lat: &lat, Lon: &lon, ASN: 3320, ASNName: "DTAG"},
		rdns: "host.example.net",
	}
	rep := &fakeReputation{}

	w := New(st, enr, rep, nil, nil, nil)
	w.RunCycle(context.Background())

	assert.Equal(t, []string{"203.0.113.9"}, st.clearedIPs)
	assert.Contains(t, rep.events, "evict:203.0.113.9")

	// Only the public destination gets fresh geo data.
	require.Len(t, st.dstEnrichment, 1)
	g, ok := st.dstEnrichment["198.51.100.7"]
	require.True(t, ok)
	assert.Equal(t, "DE", g.Country)
	assert.Equal(t, 3320, g.ASN)
	assert.Equal(t, "host.example.net", g.RDNS)

	_, pending := st.config["enrichment_wan_fix_pending"]
	assert.False(t, pending)
}

func TestRefreshStaleThreatsBackdatesBeforeLookup(t *testing.T) {
	st := newFakeRepairStore()
	st.missingDetails = []string{"198.51.100.7"}
	rep := &fakeReputation{enabled: true}

	w := New(st, &fakeEnrichment{}, rep, nil, nil, nil)
	n := w.refreshStaleThreats(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, refreshBackdateDays, st.backdated["198.51.100.7"])
	// The memory cache entry is evicted before the lookup so the client
	// actually refetches.
	assert.Equal(t, []string{"evict:198.51.100.7", "lookup:198.51.100.7"}, rep.events)
}
