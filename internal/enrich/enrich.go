package enrich

import (
	"context"
	"sync"

	"grimm.is/loginsight/internal/logging"
	"grimm.is/loginsight/internal/parser"
)

// Enricher runs the full enrichment pipeline over parsed records.
//
// GeoIP, ASN, and reverse DNS apply to every public IP; reputation lookups
// only to blocked firewall events, where they are worth an API call.
type Enricher struct {
	geo    *GeoIP
	rdns   *RDNS
	threat *ThreatClient
	log    *logging.Logger

	mu       sync.Mutex
	knownWAN string
	excluded map[string]struct{}
}

// New assembles the pipeline from its parts.
func New(geo *GeoIP, rdns *RDNS, threat *ThreatClient, log *logging.Logger) *Enricher {
	if log == nil {
		log = logging.Default()
	}
	return &Enricher{
		geo:      geo,
		rdns:     rdns,
		threat:   threat,
		log:      log.WithComponent("enrich"),
		excluded: make(map[string]struct{}),
	}
}

// SetWANIP records the auto-learned WAN IP as one of the gateway's own
// addresses, so it is never treated as the remote party or looked up.
func (e *Enricher) SetWANIP(ip string) {
	if ip == "" {
		return
	}
	e.mu.Lock()
	changed := ip != e.knownWAN
	e.knownWAN = ip
	e.excluded[ip] = struct{}{}
	e.mu.Unlock()
	if changed {
		e.threat.ExcludeIP(ip)
	}
}

// SetExclusions replaces the known WAN and gateway address set. Called with
// the current store values on startup, config reload, and before each
// backfill pass, so a changed uplink address takes effect without a restart.
func (e *Enricher) SetExclusions(ips []string) {
	e.mu.Lock()
	e.excluded = make(map[string]struct{}, len(ips)+1)
	for _, ip := range ips {
		if ip != "" {
			e.excluded[ip] = struct{}{}
		}
	}
	if e.knownWAN != "" {
		e.excluded[e.knownWAN] = struct{}{}
	}
	e.mu.Unlock()
	for _, ip := range ips {
		e.threat.ExcludeIP(ip)
	}
}

// isRemote reports whether ip is a routable address that does not belong to
// the gateway itself.
func (e *Enricher) isRemote(ip string) bool {
	if !IsPublicIP(ip) {
		return false
	}
	e.mu.Lock()
	_, own := e.excluded[ip]
	e.mu.Unlock()
	return !own
}

// Enrich annotates r in place. The remote side of the flow is enriched: the
// source when it is public and not one of the gateway's own addresses,
// otherwise the destination by the same test. A flow between two local
// parties gets nothing.
func (e *Enricher) Enrich(ctx context.Context, r *parser.Record) {
	ip := ""
	switch {
	case e.isRemote(r.SrcIP):
		ip = r.SrcIP
	case e.isRemote(r.DstIP):
		ip = r.DstIP
	default:
		return
	}

	geo := e.geo.Lookup(ip)
	r.GeoCountry = geo.Country
	r.GeoCity = geo.City
	r.GeoLat = geo.Lat
	r.GeoLon = geo.Lon
	r.ASNNumber = geo.ASN
	r.ASNName = geo.ASNName

	if name := e.rdns.Lookup(ip); name != "" {
		r.RDNS = name
	}

	if r.LogType == parser.TypeFirewall && r.RuleAction == parser.ActionBlock {
		t, err := e.threat.Lookup(ctx, ip)
		if err != nil {
			e.log.Debug("threat lookup failed", "ip", ip, "error", err)
			return
		}
		if t == nil {
			return
		}
		score := t.Score
		r.ThreatScore = &score
		r.ThreatCategories = t.Categories
		r.AbuseUsageType = t.UsageType
		r.AbuseHostnames = t.Hostnames
		r.AbuseTotalReports = t.TotalReports
		r.AbuseLastReported = t.LastReported
		r.AbuseIsWhitelisted = t.IsWhitelisted
		r.AbuseIsTor = t.IsTor
	}
}

// Stats summarises pipeline state for health endpoints.
type Stats struct {
	GeoIPLoaded        bool `json:"geoip_loaded"`
	ASNLoaded          bool `json:"asn_loaded"`
	AbuseIPDBEnabled   bool `json:"abuseipdb_enabled"`
	AbuseIPDBUsage     int  `json:"abuseipdb_daily_usage"`
	AbuseIPDBCacheSize int  `json:"abuseipdb_cache_size"`
	RDNSCacheSize      int  `json:"rdns_cache_size"`
}

// GetStats returns cache and loader state.
func (e *Enricher) GetStats() Stats {
	return Stats{
		GeoIPLoaded:        e.geo.CityLoaded(),
		ASNLoaded:          e.geo.ASNLoaded(),
		AbuseIPDBEnabled:   e.threat.Enabled(),
		AbuseIPDBUsage:     e.threat.DailyUsage(),
		AbuseIPDBCacheSize: e.threat.CacheSize(),
		RDNSCacheSize:      e.rdns.CacheSize(),
	}
}

// LookupIP runs the address-level collaborators (GeoIP/ASN and reverse DNS)
// for one IP, for repair jobs that re-enrich stored rows.
func (e *Enricher) LookupIP(ip string) (GeoData, string) {
	return e.geo.Lookup(ip), e.rdns.Lookup(ip)
}

// ReloadGeoIP swaps in freshly downloaded databases.
func (e *Enricher) ReloadGeoIP() { e.geo.Reload() }

// Threat exposes the reputation client for status endpoints and backfill.
func (e *Enricher) Threat() *ThreatClient { return e.threat }

// GeoIP exposes the geo manager for health endpoints.
func (e *Enricher) GeoIP() *GeoIP { return e.geo }

// Close releases the GeoIP readers.
func (e *Enricher) Close() { e.geo.Close() }
