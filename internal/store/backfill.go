package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Enrichment columns cleared when a row was enriched against the wrong IP.
const abuseDetailCols = `
	abuse_usage_type = NULL,
	abuse_hostnames = NULL,
	abuse_total_reports = NULL,
	abuse_last_reported = NULL,
	abuse_is_whitelisted = NULL,
	abuse_is_tor = NULL`

// PatchFromThreatCache copies cached scores onto blocked firewall rows that
// were inserted before their IP had been looked up. Two passes keep src and
// dst rows from contaminating each other; rows touching one of the gateway's
// own addresses on either side are left alone. Returns rows patched.
func (s *Store) PatchFromThreatCache(ctx context.Context, excludedIPs []string) (int64, error) {
	if excludedIPs == nil {
		excludedIPs = []string{}
	}
	var patched int64
	sides := [][2]string{{"src", "dst"}, {"dst", "src"}}
	for _, side := range sides {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE logs
			SET threat_score = t.threat_score,
			    threat_categories = t.threat_categories
			FROM ip_threats t
			WHERE logs.%[1]s_ip = t.ip
			  AND NOT (host(logs.%[1]s_ip) = ANY($1))
			  AND (logs.%[2]s_ip IS NULL OR NOT (host(logs.%[2]s_ip) = ANY($1)))
			  AND logs.threat_score IS NULL
			  AND logs.log_type = 'firewall'
			  AND logs.rule_action = 'block'`, side[0], side[1]), excludedIPs)
		if err != nil {
			return patched, fmt.Errorf("patching %s rows from threat cache: %w", side[0], err)
		}
		patched += tag.RowsAffected()
	}
	return patched, nil
}

// PatchThreatDetails fills abuse detail columns on rows that carry a score
// but predate detail collection, direction-aware so only the remote party's
// details land on a row.
func (s *Store) PatchThreatDetails(ctx context.Context, excludedIPs []string) (int64, error) {
	if excludedIPs == nil {
		excludedIPs = []string{}
	}
	var patched int64
	for _, side := range []string{"src", "dst"} {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE logs
			SET abuse_usage_type = t.abuse_usage_type,
			    abuse_hostnames = t.abuse_hostnames,
			    abuse_total_reports = t.abuse_total_reports,
			    abuse_last_reported = t.abuse_last_reported,
			    abuse_is_whitelisted = t.abuse_is_whitelisted,
			    abuse_is_tor = t.abuse_is_tor
			FROM ip_threats t
			WHERE logs.%[1]s_ip = t.ip
			  AND NOT (host(logs.%[1]s_ip) = ANY($1))
			  AND logs.threat_score IS NOT NULL
			  AND logs.abuse_usage_type IS NULL
			  AND t.abuse_usage_type IS NOT NULL
			  AND logs.log_type = 'firewall'
			  AND logs.rule_action = 'block'`, side), excludedIPs)
		if err != nil {
			return patched, fmt.Errorf("patching %s threat details: %w", side, err)
		}
		patched += tag.RowsAffected()
	}
	return patched, nil
}

// PatchLogsForIP re-applies one IP's cache entry to its blocked firewall
// rows, used after a manual refresh. Two direction-aware passes.
func (s *Store) PatchLogsForIP(ctx context.Context, ip string, excludedIPs []string) (int64, error) {
	if excludedIPs == nil {
		excludedIPs = []string{}
	}
	var patched int64
	for _, side := range []string{"src", "dst"} {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE logs
			SET threat_score = COALESCE(t.threat_score, logs.threat_score),
			    abuse_usage_type = t.abuse_usage_type,
			    abuse_hostnames = t.abuse_hostnames,
			    abuse_total_reports = t.abuse_total_reports,
			    abuse_last_reported = t.abuse_last_reported,
			    abuse_is_whitelisted = t.abuse_is_whitelisted,
			    abuse_is_tor = t.abuse_is_tor,
			    threat_categories = COALESCE(
			        CASE WHEN array_length(t.threat_categories, 1) > 0
			             THEN t.threat_categories ELSE NULL END,
			        logs.threat_categories)
			FROM ip_threats t
			WHERE logs.%[1]s_ip = t.ip
			  AND NOT (host(logs.%[1]s_ip) = ANY($1))
			  AND t.ip = $2::inet
			  AND logs.log_type = 'firewall'
			  AND logs.rule_action = 'block'`, side),
			excludedIPs, normalizeIP(ip))
		if err != nil {
			return patched, fmt.Errorf("patching rows for %s (%s side): %w", ip, side, err)
		}
		patched += tag.RowsAffected()
	}
	return patched, nil
}

// OrphanThreatIPs lists distinct IPs on blocked firewall rows that have no
// threat cache entry at all. Private and excluded addresses are the caller's
// problem to filter.
func (s *Store) OrphanThreatIPs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ip FROM (
			SELECT DISTINCT host(l.src_ip) AS ip
			FROM logs l
			LEFT JOIN ip_threats t ON t.ip = l.src_ip
			WHERE l.log_type = 'firewall' AND l.rule_action = 'block'
			  AND l.src_ip IS NOT NULL AND l.threat_score IS NULL AND t.ip IS NULL
			UNION
			SELECT DISTINCT host(l.dst_ip) AS ip
			FROM logs l
			LEFT JOIN ip_threats t ON t.ip = l.dst_ip
			WHERE l.log_type = 'firewall' AND l.rule_action = 'block'
			  AND l.dst_ip IS NOT NULL AND l.threat_score IS NULL AND t.ip IS NULL
		) orphans
		ORDER BY ip
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orphan threat IPs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// ThreatsMissingDetails lists cached threats that carry a score but predate
// detail collection, restricted to IPs still appearing on recent logs so the
// refresh budget goes to addresses the operator is actually seeing.
func (s *Store) ThreatsMissingDetails(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host(t.ip) FROM ip_threats t
		WHERE t.threat_score > 0
		  AND t.abuse_usage_type IS NULL
		  AND EXISTS (
		      SELECT 1 FROM logs l
		      WHERE l.timestamp > NOW() - interval '24 hours'
		        AND (l.src_ip = t.ip OR l.dst_ip = t.ip))
		ORDER BY t.threat_score DESC, t.looked_up_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing threats missing details: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// GeoRow is the geo/ASN/rDNS column set written back onto historical rows.
type GeoRow struct {
	Country string
	City    string
	Lat     *float64
	Lon     *float64
	ASN     int
	ASNName string
	RDNS    string
}

// DstIPsForSources lists the distinct destinations of rows sourced from the
// given addresses, for re-enriching the remote side after a WAN fix.
func (s *Store) DstIPsForSources(ctx context.Context, srcIPs []string) ([]string, error) {
	if len(srcIPs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT host(dst_ip) FROM logs
		WHERE host(src_ip) = ANY($1) AND dst_ip IS NOT NULL`, srcIPs)
	if err != nil {
		return nil, fmt.Errorf("listing destinations for sources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// SetDstEnrichment writes geo/ASN/rDNS data for one destination onto rows
// sourced from the gateway's own addresses, whose enrichment was cleared by
// the WAN fix.
func (s *Store) SetDstEnrichment(ctx context.Context, srcIPs []string, dstIP string, g GeoRow) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE logs
		SET geo_country = NULLIF($3, ''),
		    geo_city = NULLIF($4, ''),
		    geo_lat = $5,
		    geo_lon = $6,
		    asn_number = NULLIF($7, 0),
		    asn_name = NULLIF($8, ''),
		    rdns = NULLIF($9, '')
		WHERE host(src_ip) = ANY($1)
		  AND host(dst_ip) = $2`,
		srcIPs, dstIP, g.Country, g.City, g.Lat, g.Lon, g.ASN, g.ASNName, g.RDNS)
	if err != nil {
		return 0, fmt.Errorf("writing dst enrichment for %s: %w", dstIP, err)
	}
	return tag.RowsAffected(), nil
}

// RepairInboundAbuseDetails fixes rows addressed to the gateway's own IPs
// that were enriched against the wrong party: the cache entries for the own
// addresses are dropped, then each inbound row takes its abuse fields from
// the remote source's cache entry, or loses them when no entry exists.
func (s *Store) RepairInboundAbuseDetails(ctx context.Context, ownIPs []string) (int64, error) {
	if len(ownIPs) == 0 {
		return 0, nil
	}
	if _, err := s.DeleteThreats(ctx, ownIPs); err != nil {
		return 0, err
	}

	var repaired int64
	tag, err := s.pool.Exec(ctx, `
		UPDATE logs
		SET abuse_usage_type = t.abuse_usage_type,
		    abuse_hostnames = t.abuse_hostnames,
		    abuse_total_reports = t.abuse_total_reports,
		    abuse_last_reported = t.abuse_last_reported,
		    abuse_is_whitelisted = t.abuse_is_whitelisted,
		    abuse_is_tor = t.abuse_is_tor
		FROM ip_threats t
		WHERE t.ip = logs.src_ip
		  AND host(logs.dst_ip) = ANY($1)
		  AND NOT (host(logs.src_ip) = ANY($1))
		  AND logs.log_type = 'firewall'
		  AND logs.rule_action = 'block'`, ownIPs)
	if err != nil {
		return 0, fmt.Errorf("repairing inbound abuse details: %w", err)
	}
	repaired += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		UPDATE logs SET`+abuseDetailCols+`
		WHERE host(dst_ip) = ANY($1)
		  AND (abuse_usage_type IS NOT NULL OR abuse_hostnames IS NOT NULL
		       OR abuse_total_reports IS NOT NULL)
		  AND NOT EXISTS (SELECT 1 FROM ip_threats t WHERE t.ip = logs.src_ip)`, ownIPs)
	if err != nil {
		return repaired, fmt.Errorf("clearing unmatched inbound abuse details: %w", err)
	}
	return repaired + tag.RowsAffected(), nil
}

// ClearEnrichmentForIPs strips geo, threat, and rDNS data from rows whose
// enriched address turned out to be one of the gateway's own, and drops
// those IPs from the cache. The src pass matches any row; the dst pass only
// rows whose source is private, since enrichment prefers a public source.
func (s *Store) ClearEnrichmentForIPs(ctx context.Context, ips []string) (int64, error) {
	if len(ips) == 0 {
		return 0, nil
	}

	const clearCols = `
		geo_country = NULL, geo_city = NULL, geo_lat = NULL, geo_lon = NULL,
		asn_number = NULL, asn_name = NULL,
		threat_score = NULL, threat_categories = NULL, rdns = NULL,`

	var cleared int64
	tag, err := s.pool.Exec(ctx, `
		UPDATE logs SET `+clearCols+abuseDetailCols+`
		WHERE host(src_ip) = ANY($1)
		  AND (geo_country IS NOT NULL OR threat_score IS NOT NULL OR rdns IS NOT NULL)`, ips)
	if err != nil {
		return 0, fmt.Errorf("clearing src enrichment: %w", err)
	}
	cleared += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		UPDATE logs SET `+clearCols+abuseDetailCols+`
		WHERE host(dst_ip) = ANY($1)
		  AND (src_ip IS NULL
		       OR src_ip << '10.0.0.0/8' OR src_ip << '172.16.0.0/12'
		       OR src_ip << '192.168.0.0/16' OR src_ip << '127.0.0.0/8'
		       OR src_ip << 'fc00::/7' OR src_ip << 'fe80::/10')
		  AND (geo_country IS NOT NULL OR threat_score IS NOT NULL OR rdns IS NOT NULL)`, ips)
	if err != nil {
		return cleared, fmt.Errorf("clearing dst enrichment: %w", err)
	}
	cleared += tag.RowsAffected()

	if _, err := s.DeleteThreats(ctx, ips); err != nil {
		return cleared, err
	}
	return cleared, nil
}

// ClearMisplacedAbuseDetails removes abuse detail columns from rows that
// should never have carried them: non-firewall rows, allowed traffic, and
// rows whose score was never set. One-time repair for an old enrichment bug
// that wrote details unconditionally.
func (s *Store) ClearMisplacedAbuseDetails(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE logs SET`+abuseDetailCols+`
		WHERE (abuse_usage_type IS NOT NULL OR abuse_hostnames IS NOT NULL
		       OR abuse_total_reports IS NOT NULL)
		  AND (log_type <> 'firewall'
		       OR rule_action IS DISTINCT FROM 'block'
		       OR threat_score IS NULL)`)
	if err != nil {
		return 0, fmt.Errorf("clearing misplaced abuse details: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PortProtocol identifies a destination port and transport pair missing a
// service name.
type PortProtocol struct {
	Port     int
	Protocol string
}

// UnnamedPortPairs lists distinct (dst_port, protocol) pairs on rows without
// a service name, for catalog backfill.
func (s *Store) UnnamedPortPairs(ctx context.Context) ([]PortProtocol, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT dst_port, protocol FROM logs
		WHERE service_name IS NULL
		  AND dst_port IS NOT NULL AND protocol IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing unnamed port pairs: %w", err)
	}
	defer rows.Close()

	var out []PortProtocol
	for rows.Next() {
		var p PortProtocol
		if err := rows.Scan(&p.Port, &p.Protocol); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetServiceName backfills one port/protocol pair's service name.
func (s *Store) SetServiceName(ctx context.Context, p PortProtocol, name string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE logs SET service_name = $1
		WHERE service_name IS NULL AND dst_port = $2 AND protocol = $3`,
		name, p.Port, p.Protocol)
	if err != nil {
		return 0, fmt.Errorf("backfilling service name for %d/%s: %w", p.Port, p.Protocol, err)
	}
	return tag.RowsAffected(), nil
}

// FirewallDirectionRow is the minimal row shape needed to re-derive a
// direction after the WAN or VPN configuration changes.
type FirewallDirectionRow struct {
	ID           int64
	Direction    *string
	SrcIP        *string
	DstIP        *string
	InterfaceIn  *string
	InterfaceOut *string
	RuleName     *string
}

// FirewallDirectionRows pages through firewall rows ordered by id, starting
// after afterID, for direction re-derivation.
func (s *Store) FirewallDirectionRows(ctx context.Context, afterID int64, limit int) ([]FirewallDirectionRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, direction, host(src_ip), host(dst_ip),
		       interface_in, interface_out, rule_name
		FROM logs
		WHERE log_type = 'firewall' AND id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("paging firewall rows: %w", err)
	}
	defer rows.Close()

	var out []FirewallDirectionRow
	for rows.Next() {
		var r FirewallDirectionRow
		if err := rows.Scan(&r.ID, &r.Direction, &r.SrcIP, &r.DstIP,
			&r.InterfaceIn, &r.InterfaceOut, &r.RuleName); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateDirections batch-writes re-derived directions by row id.
func (s *Store) UpdateDirections(ctx context.Context, updates map[int64]string) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, dir := range updates {
		batch.Queue("UPDATE logs SET direction = $1 WHERE id = $2", dir, id)
	}
	if err := s.runBatch(ctx, batch, len(updates)); err != nil {
		return fmt.Errorf("updating directions: %w", err)
	}
	return nil
}
