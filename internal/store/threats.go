package store

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"
)

// Threat is a cached reputation record for one IP.
type Threat struct {
	IP            string     `json:"ip,omitempty"`
	Score         int        `json:"threat_score"`
	Categories    []string   `json:"threat_categories"`
	UsageType     string     `json:"abuse_usage_type,omitempty"`
	Hostnames     string     `json:"abuse_hostnames,omitempty"`
	TotalReports  *int       `json:"abuse_total_reports,omitempty"`
	LastReported  *time.Time `json:"abuse_last_reported,omitempty"`
	IsWhitelisted *bool      `json:"abuse_is_whitelisted,omitempty"`
	IsTor         *bool      `json:"abuse_is_tor,omitempty"`
	LookedUpAt    time.Time  `json:"looked_up_at,omitempty"`
}

// GetThreat returns the cached entry for ip if it was looked up within the
// last maxAgeDays. Stale or missing entries return ErrNotFound.
func (s *Store) GetThreat(ctx context.Context, ip string, maxAgeDays int) (*Threat, error) {
	t := Threat{IP: normalizeIP(ip)}
	var usageType, hostnames *string
	err := s.pool.QueryRow(ctx, `
		SELECT threat_score, threat_categories,
		       abuse_usage_type, abuse_hostnames, abuse_total_reports,
		       abuse_last_reported, abuse_is_whitelisted, abuse_is_tor,
		       looked_up_at
		FROM ip_threats
		WHERE ip = $1::inet AND looked_up_at > NOW() - make_interval(days => $2)`,
		t.IP, maxAgeDays).Scan(
		&t.Score, &t.Categories,
		&usageType, &hostnames, &t.TotalReports,
		&t.LastReported, &t.IsWhitelisted, &t.IsTor,
		&t.LookedUpAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threat cache lookup for %s: %w", ip, err)
	}
	if usageType != nil {
		t.UsageType = *usageType
	}
	if hostnames != nil {
		t.Hostnames = *hostnames
	}
	if t.Categories == nil {
		t.Categories = []string{}
	}
	return &t, nil
}

// UpsertThreat writes or refreshes a threat entry. WAN and gateway IPs are
// silently skipped so the gateway's own addresses never enter the cache.
func (s *Store) UpsertThreat(ctx context.Context, ip string, t *Threat) error {
	normalized := normalizeIP(ip)
	if s.isExcludedIP(ctx, normalized) {
		s.log.Debug("skipping threat upsert for excluded IP", "ip", normalized)
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO ip_threats (ip, threat_score, threat_categories,
			abuse_usage_type, abuse_hostnames, abuse_total_reports,
			abuse_last_reported, abuse_is_whitelisted, abuse_is_tor, looked_up_at)
		VALUES ($1::inet, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (ip) DO UPDATE SET
			threat_score = EXCLUDED.threat_score,
			threat_categories = EXCLUDED.threat_categories,
			abuse_usage_type = COALESCE(EXCLUDED.abuse_usage_type, ip_threats.abuse_usage_type),
			abuse_hostnames = COALESCE(EXCLUDED.abuse_hostnames, ip_threats.abuse_hostnames),
			abuse_total_reports = COALESCE(EXCLUDED.abuse_total_reports, ip_threats.abuse_total_reports),
			abuse_last_reported = COALESCE(EXCLUDED.abuse_last_reported, ip_threats.abuse_last_reported),
			abuse_is_whitelisted = COALESCE(EXCLUDED.abuse_is_whitelisted, ip_threats.abuse_is_whitelisted),
			abuse_is_tor = COALESCE(EXCLUDED.abuse_is_tor, ip_threats.abuse_is_tor),
			looked_up_at = NOW()`,
		normalized, t.Score, t.Categories,
		textOrNil(t.UsageType), textOrNil(t.Hostnames), t.TotalReports,
		t.LastReported, t.IsWhitelisted, t.IsTor)
	if err != nil {
		return fmt.Errorf("upserting threat for %s: %w", ip, err)
	}
	return nil
}

// BlacklistEntry is one row from a bulk threat feed.
type BlacklistEntry struct {
	IP         string
	Score      int
	Categories []string
}

// BulkUpsertThreats loads blacklist entries in one batch. Existing rows keep
// the higher score, and richer category sets from individual check lookups
// are never overwritten by a bare feed marker. Returns the number upserted.
func (s *Store) BulkUpsertThreats(ctx context.Context, entries []BlacklistEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	const sql = `
		INSERT INTO ip_threats (ip, threat_score, threat_categories, looked_up_at)
		VALUES ($1::inet, $2, $3, NOW())
		ON CONFLICT (ip) DO UPDATE SET
			threat_score = GREATEST(ip_threats.threat_score, EXCLUDED.threat_score),
			threat_categories = CASE
				WHEN array_length(ip_threats.threat_categories, 1) > 1
					THEN ip_threats.threat_categories
				ELSE EXCLUDED.threat_categories
			END,
			looked_up_at = NOW()`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(sql, normalizeIP(e.IP), e.Score, e.Categories)
	}
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, fmt.Errorf("bulk threat upsert: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	s.log.Info("bulk upserted threat entries", "count", len(entries))
	return len(entries), nil
}

// BackdateThreat ages a cache entry so the next enrichment pass refreshes it.
func (s *Store) BackdateThreat(ctx context.Context, ip string, ageDays int) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE ip_threats SET looked_up_at = NOW() - make_interval(days => $2) WHERE ip = $1::inet",
		normalizeIP(ip), ageDays)
	if err != nil {
		return fmt.Errorf("backdating threat for %s: %w", ip, err)
	}
	return nil
}

// DeleteThreats removes cache entries for the given IPs.
func (s *Store) DeleteThreats(ctx context.Context, ips []string) (int, error) {
	if len(ips) == 0 {
		return 0, nil
	}
	normalized := make([]string, len(ips))
	for i, ip := range ips {
		normalized[i] = normalizeIP(ip)
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM ip_threats WHERE host(ip) = ANY($1)", normalized)
	if err != nil {
		return 0, fmt.Errorf("deleting threats: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// isExcludedIP reports whether ip is one of the gateway's own addresses
// (WAN or internal), which must never carry threat data.
func (s *Store) isExcludedIP(ctx context.Context, ip string) bool {
	for _, own := range append(s.WANIPs(ctx), s.GatewayIPs(ctx)...) {
		if normalizeIP(own) == ip {
			return true
		}
	}
	return false
}

// normalizeIP canonicalises an IP string; unparseable input passes through
// so the database can reject it.
func normalizeIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.String()
}
