package enrich

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/loginsight/internal/clock"
	"grimm.is/loginsight/internal/parser"
	"grimm.is/loginsight/internal/store"
)

// testEnricher builds a pipeline with no GeoIP databases and no nameservers,
// so only the threat tier (backed by the fake store) produces data.
func testEnricher(t *testing.T, st *fakeThreatStore) *Enricher {
	t.Helper()
	geo := NewGeoIP(filepath.Join(t.TempDir(), "city.mmdb"), filepath.Join(t.TempDir(), "asn.mmdb"), nil)
	rdns := NewRDNS(nil)
	rdns.servers = nil
	threat := NewThreatClient("test-key", "", st,
		clock.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), nil)
	return New(geo, rdns, threat, nil)
}

func blockedRecord(src, dst string) *parser.Record {
	return &parser.Record{
		LogType:    parser.TypeFirewall,
		RuleAction: parser.ActionBlock,
		SrcIP:      src,
		DstIP:      dst,
	}
}

func TestEnrichPicksPublicSource(t *testing.T) {
	st := newFakeThreatStore()
	st.threats["198.51.100.7"] = &store.Threat{Score: 90, Categories: []string{"14"}}
	e := testEnricher(t, st)

	rec := blockedRecord("198.51.100.7", "192.168.1.50")
	e.Enrich(context.Background(), rec)

	require.NotNil(t, rec.ThreatScore)
	assert.Equal(t, 90, *rec.ThreatScore)
	assert.Equal(t, []string{"14"}, rec.ThreatCategories)
}

func TestEnrichSkipsOwnWANSource(t *testing.T) {
	st := newFakeThreatStore()
	st.threats["198.51.100.7"] = &store.Threat{Score: 90, Categories: []string{"14"}}
	e := testEnricher(t, st)
	e.SetWANIP("203.0.113.4")

	// Outbound block from the gateway's own WAN address: the remote party
	// is the destination, and it is the one that gets the reputation data.
	rec := blockedRecord("203.0.113.4", "198.51.100.7")
	e.Enrich(context.Background(), rec)

	require.NotNil(t, rec.ThreatScore, "remote destination must be enriched when the source is the gateway's WAN IP")
	assert.Equal(t, 90, *rec.ThreatScore)
}

func TestEnrichSkipsOwnWANDestination(t *testing.T) {
	st := newFakeThreatStore()
	e := testEnricher(t, st)
	e.SetWANIP("203.0.113.4")

	// Local source, own WAN destination: no remote party at all.
	rec := blockedRecord("192.168.1.50", "203.0.113.4")
	e.Enrich(context.Background(), rec)

	assert.Nil(t, rec.ThreatScore)
	assert.Empty(t, rec.GeoCountry)
}

func TestSetExclusionsRefreshesOwnAddressSet(t *testing.T) {
	st := newFakeThreatStore()
	st.threats["198.51.100.7"] = &store.Threat{Score: 55}
	e := testEnricher(t, st)

	e.SetExclusions([]string{"203.0.113.4", "203.0.113.5"})
	rec := blockedRecord("203.0.113.5", "198.51.100.7")
	e.Enrich(context.Background(), rec)
	require.NotNil(t, rec.ThreatScore)

	// A replacement set forgets stale entries but keeps the learned WAN IP.
	e.SetWANIP("203.0.113.9")
	e.SetExclusions([]string{"203.0.113.4"})
	assert.True(t, e.isRemote("203.0.113.5"))
	assert.False(t, e.isRemote("203.0.113.4"))
	assert.False(t, e.isRemote("203.0.113.9"))
}
