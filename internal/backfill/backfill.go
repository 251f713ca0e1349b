// Package backfill repairs historical rows in the background: directions
// after topology changes, enrichment cleared by WAN fixes, threat data
// from the reputation cache, and service names from the catalog.
package backfill

import (
	"context"
	"time"

	"grimm.is/loginsight/internal/enrich"
	"grimm.is/loginsight/internal/logging"
	"grimm.is/loginsight/internal/parser"
	"grimm.is/loginsight/internal/services"
	"grimm.is/loginsight/internal/store"
)

const (
	// Let ingest and the first controller poll settle before touching
	// historical rows.
	settleDelay   = 60 * time.Second
	cycleInterval = 30 * time.Minute

	directionPageSize = 1000
	staleRefreshLimit = 25
	lookupPace        = time.Second

	// Refreshed entries are backdated this far so the client treats them
	// as expired and fetches the full detail set.
	refreshBackdateDays = 30
)

// RepairStore is the slice of the store the worker repairs through.
type RepairStore interface {
	ConfigBool(ctx context.Context, key string, def bool) bool
	GetConfigJSON(ctx context.Context, key string, dest any) error
	SetConfig(ctx context.Context, key string, value any) error
	DeleteConfig(ctx context.Context, key string) error
	WANIPs(ctx context.Context) []string
	GatewayIPs(ctx context.Context) []string

	FirewallDirectionRows(ctx context.Context, afterID int64, limit int) ([]store.FirewallDirectionRow, error)
	UpdateDirections(ctx context.Context, updates map[int64]string) error

	ClearEnrichmentForIPs(ctx context.Context, ips []string) (int64, error)
	DstIPsForSources(ctx context.Context, srcIPs []string) ([]string, error)
	SetDstEnrichment(ctx context.Context, srcIPs []string, dstIP string, g store.GeoRow) (int64, error)
	ClearMisplacedAbuseDetails(ctx context.Context) (int64, error)
	RepairInboundAbuseDetails(ctx context.Context, ownIPs []string) (int64, error)

	UnnamedPortPairs(ctx context.Context) ([]store.PortProtocol, error)
	SetServiceName(ctx context.Context, p store.PortProtocol, name string) (int64, error)

	PatchFromThreatCache(ctx context.Context, excludedIPs []string) (int64, error)
	PatchThreatDetails(ctx context.Context, excludedIPs []string) (int64, error)
	ThreatsMissingDetails(ctx context.Context, limit int) ([]string, error)
	BackdateThreat(ctx context.Context, ip string, ageDays int) error
	OrphanThreatIPs(ctx context.Context, limit int) ([]string, error)
}

// Enrichment is the lookup surface the worker re-enriches rows with.
// *enrich.Enricher implements this.
type Enrichment interface {
	SetExclusions(ips []string)
	LookupIP(ip string) (enrich.GeoData, string)
}

// Reputation is the threat client slice the worker drives.
// *enrich.ThreatClient implements this.
type Reputation interface {
	Enabled() bool
	RemainingBudget() int
	Lookup(ctx context.Context, ip string) (*store.Threat, error)
	DeleteCached(ip string)
}

// Worker runs the repair cycle.
type Worker struct {
	st        RepairStore
	enr       Enrichment
	threat    Reputation
	catalog   *services.Catalog
	netConfig func(context.Context) parser.NetConfig
	log       *logging.Logger
}

// New builds a worker. netConfig supplies the current topology snapshot
// for direction re-derivation.
func New(st RepairStore, enr Enrichment, threat Reputation, catalog *services.Catalog, netConfig func(context.Context) parser.NetConfig, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.Default()
	}
	return &Worker{
		st:        st,
		enr:       enr,
		threat:    threat,
		catalog:   catalog,
		netConfig: netConfig,
		log:       log.WithComponent("backfill"),
	}
}

// Run cycles until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settleDelay):
	}

	for {
		w.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cycleInterval):
		}
	}
}

// RunCycle executes one pass of every repair step. Steps are independent:
// a failure is logged and the cycle moves on.
func (w *Worker) RunCycle(ctx context.Context) {
	var (
		directions int64
		cleared    int64
		reenriched int64
		misplaced  int64
		repaired   int64
		named      int64
		patched    int64
		details    int64
		lookedUp   int
	)

	// The own-address set feeds both this cycle's exclusions and the live
	// enricher, so an address learned since the last pass takes effect
	// everywhere at once.
	excluded := w.excludedIPs(ctx)
	if w.enr != nil {
		w.enr.SetExclusions(excluded)
	}

	if w.st.ConfigBool(ctx, "direction_backfill_pending", false) {
		n, err := w.rederiveDirections(ctx)
		if err != nil {
			w.log.Warn("direction backfill failed", "error", err)
		} else {
			directions = n
			if err := w.st.DeleteConfig(ctx, "direction_backfill_pending"); err != nil {
				w.log.Warn("could not clear direction backfill flag", "error", err)
			}
		}
	}

	if ips, pending := w.wanFixIPs(ctx); pending {
		n, err := w.st.ClearEnrichmentForIPs(ctx, ips)
		if err != nil {
			w.log.Warn("WAN enrichment fix failed", "error", err)
		} else {
			cleared = n
			for _, ip := range ips {
				w.threatInvalidate(ip)
			}
			reenriched = w.reenrichDestinations(ctx, ips)
			if err := w.st.DeleteConfig(ctx, "enrichment_wan_fix_pending"); err != nil {
				w.log.Warn("could not clear WAN fix flag", "error", err)
			}
		}
	}

	if !w.st.ConfigBool(ctx, "abuse_hostname_fix_done", false) {
		n, err := w.st.ClearMisplacedAbuseDetails(ctx)
		if err != nil {
			w.log.Warn("misplaced abuse detail cleanup failed", "error", err)
		} else {
			misplaced = n
			for _, ip := range excluded {
				w.threatInvalidate(ip)
			}
			if n, err := w.st.RepairInboundAbuseDetails(ctx, excluded); err != nil {
				w.log.Warn("inbound abuse detail repair failed", "error", err)
			} else {
				repaired = n
			}
			if err := w.st.SetConfig(ctx, "abuse_hostname_fix_done", true); err != nil {
				w.log.Warn("could not mark abuse detail cleanup done", "error", err)
			}
		}
	}

	named = w.backfillServiceNames(ctx)

	if n, err := w.st.PatchFromThreatCache(ctx, excluded); err != nil {
		w.log.Warn("threat cache patch failed", "error", err)
	} else {
		patched = n
	}

	if n, err := w.st.PatchThreatDetails(ctx, excluded); err != nil {
		w.log.Warn("threat detail patch failed", "error", err)
	} else {
		details = n
	}

	lookedUp += w.refreshStaleThreats(ctx)
	lookedUp += w.lookupOrphans(ctx, excluded)

	// New cache entries only help rows after a second patch pass.
	if lookedUp > 0 {
		if n, err := w.st.PatchFromThreatCache(ctx, excluded); err == nil {
			patched += n
		}
		if n, err := w.st.PatchThreatDetails(ctx, excluded); err == nil {
			details += n
		}
	}

	if directions == 0 && cleared == 0 && reenriched == 0 && misplaced == 0 &&
		repaired == 0 && named == 0 && patched == 0 && details == 0 && lookedUp == 0 {
		w.log.Debug("backfill cycle: nothing to do")
		return
	}
	w.log.Info("backfill cycle complete",
		"directions", directions, "enrichment_cleared", cleared,
		"reenriched", reenriched, "abuse_details_cleared", misplaced,
		"inbound_repaired", repaired, "services_named", named,
		"threat_patched", patched, "details_patched", details,
		"lookups", lookedUp)
}

func (w *Worker) threatInvalidate(ip string) {
	if w.threat != nil {
		w.threat.DeleteCached(ip)
	}
}

// wanFixIPs reads the pending WAN fix flag. The flag value may carry the
// stale IPs to scrub; a bare true falls back to the current WAN and
// gateway addresses.
func (w *Worker) wanFixIPs(ctx context.Context) ([]string, bool) {
	var ips []string
	if err := w.st.GetConfigJSON(ctx, "enrichment_wan_fix_pending", &ips); err == nil {
		if len(ips) > 0 {
			return ips, true
		}
		return nil, false
	}
	if w.st.ConfigBool(ctx, "enrichment_wan_fix_pending", false) {
		return w.excludedIPs(ctx), true
	}
	return nil, false
}

func (w *Worker) excludedIPs(ctx context.Context) []string {
	ips := w.st.WANIPs(ctx)
	return append(ips, w.st.GatewayIPs(ctx)...)
}

// reenrichDestinations restores geo/ASN/rDNS data on rows sourced from the
// gateway's own addresses, where the remote party is the destination and
// the WAN fix just cleared everything.
func (w *Worker) reenrichDestinations(ctx context.Context, ownIPs []string) int64 {
	if w.enr == nil {
		return 0
	}
	dsts, err := w.st.DstIPsForSources(ctx, ownIPs)
	if err != nil {
		w.log.Warn("destination listing failed", "error", err)
		return 0
	}

	var total int64
	for _, dst := range dsts {
		if !enrich.IsPublicIP(dst) {
			continue
		}
		geo, rdns := w.enr.LookupIP(dst)
		n, err := w.st.SetDstEnrichment(ctx, ownIPs, dst, store.GeoRow{
			Country: geo.Country,
			City:    geo.City,
			Lat:     geo.Lat,
			Lon:     geo.Lon,
			ASN:     geo.ASN,
			ASNName: geo.ASNName,
			RDNS:    rdns,
		})
		if err != nil {
			w.log.Warn("dst re-enrichment failed", "ip", dst, "error", err)
			continue
		}
		total += n
	}
	return total
}

// rederiveDirections walks every firewall row in id order and rewrites
// directions that no longer match the current topology.
func (w *Worker) rederiveDirections(ctx context.Context) (int64, error) {
	cfg := w.netConfig(ctx)
	var total int64
	var afterID int64

	for {
		rows, err := w.st.FirewallDirectionRows(ctx, afterID, directionPageSize)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}

		updates := rederivePage(cfg, rows)
		if err := w.st.UpdateDirections(ctx, updates); err != nil {
			return total, err
		}
		total += int64(len(updates))
		afterID = rows[len(rows)-1].ID

		if len(rows) < directionPageSize {
			return total, nil
		}
	}
}

// rederivePage computes the direction changes for one page of rows.
func rederivePage(cfg parser.NetConfig, rows []store.FirewallDirectionRow) map[int64]string {
	updates := make(map[int64]string)
	for _, r := range rows {
		dir := parser.DeriveDirection(cfg,
			deref(r.InterfaceIn), deref(r.InterfaceOut),
			deref(r.RuleName), deref(r.SrcIP), deref(r.DstIP))
		if dir == "" {
			continue
		}
		if r.Direction == nil || *r.Direction != dir {
			updates[r.ID] = dir
		}
	}
	return updates
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (w *Worker) backfillServiceNames(ctx context.Context) int64 {
	if w.catalog == nil {
		return 0
	}
	pairs, err := w.st.UnnamedPortPairs(ctx)
	if err != nil {
		w.log.Warn("service name backfill failed", "error", err)
		return 0
	}

	var total int64
	for _, p := range pairs {
		name := w.catalog.Name(p.Port, p.Protocol)
		if name == "" {
			continue
		}
		n, err := w.st.SetServiceName(ctx, p, name)
		if err != nil {
			w.log.Warn("service name update failed", "port", p.Port, "error", err)
			continue
		}
		total += n
	}
	return total
}

// refreshStaleThreats re-looks-up scored cache entries that predate detail
// collection but still show up on recent traffic. Entries are backdated and
// evicted from the memory cache first so the lookup actually refetches.
// Paced one request per second.
func (w *Worker) refreshStaleThreats(ctx context.Context) int {
	if w.threat == nil || !w.threat.Enabled() {
		return 0
	}
	ips, err := w.st.ThreatsMissingDetails(ctx, staleRefreshLimit)
	if err != nil {
		w.log.Warn("stale threat listing failed", "error", err)
		return 0
	}
	for _, ip := range ips {
		if err := w.st.BackdateThreat(ctx, ip, refreshBackdateDays); err != nil {
			w.log.Warn("threat backdate failed", "ip", ip, "error", err)
		}
		w.threat.DeleteCached(ip)
	}
	return w.lookupAll(ctx, ips)
}

// lookupOrphans enriches threat-cache gaps for blocked IPs that were
// logged before reputation lookups were configured. The batch is capped
// at the remaining daily budget.
func (w *Worker) lookupOrphans(ctx context.Context, excluded []string) int {
	if w.threat == nil || !w.threat.Enabled() {
		return 0
	}
	budget := w.threat.RemainingBudget()
	if budget <= 0 {
		return 0
	}

	ips, err := w.st.OrphanThreatIPs(ctx, budget)
	if err != nil {
		w.log.Warn("orphan threat listing failed", "error", err)
		return 0
	}

	skip := make(map[string]struct{}, len(excluded))
	for _, ip := range excluded {
		skip[ip] = struct{}{}
	}
	eligible := ips[:0]
	for _, ip := range ips {
		if _, ok := skip[ip]; ok {
			continue
		}
		if !enrich.IsPublicIP(ip) {
			continue
		}
		eligible = append(eligible, ip)
	}
	return w.lookupAll(ctx, eligible)
}

func (w *Worker) lookupAll(ctx context.Context, ips []string) int {
	count := 0
	for _, ip := range ips {
		t, err := w.threat.Lookup(ctx, ip)
		if err != nil {
			w.log.Warn("threat lookup failed", "ip", ip, "error", err)
		} else if t != nil {
			count++
		}

		select {
		case <-ctx.Done():
			return count
		case <-time.After(lookupPace):
		}
	}
	return count
}
