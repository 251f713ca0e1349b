package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"grimm.is/loginsight/internal/parser"
)

// Columns written on ingest, in insert order.
var insertColumns = []string{
	"timestamp", "log_type", "direction",
	"src_ip", "src_port", "dst_ip", "dst_port", "protocol", "service_name",
	"rule_name", "rule_desc", "rule_action",
	"interface_in", "interface_out",
	"mac_address", "hostname",
	"dns_query", "dns_type", "dns_answer",
	"dhcp_event", "wifi_event",
	"geo_country", "geo_city", "geo_lat", "geo_lon",
	"asn_number", "asn_name",
	"threat_score", "threat_categories", "rdns",
	"abuse_usage_type", "abuse_hostnames",
	"abuse_total_reports", "abuse_last_reported",
	"abuse_is_whitelisted", "abuse_is_tor",
	"src_device_name", "dst_device_name",
	"raw_log",
}

// Casts applied to placeholders whose Go representation is a plain string.
var insertCasts = map[string]string{
	"src_ip":      "::inet",
	"dst_ip":      "::inet",
	"mac_address": "::macaddr",
}

var insertSQL = buildInsertSQL()

func buildInsertSQL() string {
	placeholders := make([]string, len(insertColumns))
	for i, col := range insertColumns {
		placeholders[i] = fmt.Sprintf("$%d%s", i+1, insertCasts[col])
	}
	return fmt.Sprintf("INSERT INTO logs (%s) VALUES (%s)",
		strings.Join(insertColumns, ", "), strings.Join(placeholders, ", "))
}

func insertArgs(r *parser.Record) []any {
	return []any{
		r.Timestamp, r.LogType, textOrNil(r.Direction),
		textOrNil(r.SrcIP), portOrNil(r.SrcPort), textOrNil(r.DstIP), portOrNil(r.DstPort),
		textOrNil(strings.ToLower(r.Protocol)), textOrNil(r.ServiceName),
		textOrNil(r.RuleName), textOrNil(r.RuleDesc), textOrNil(r.RuleAction),
		textOrNil(r.InterfaceIn), textOrNil(r.InterfaceOut),
		textOrNil(r.MACAddress), textOrNil(r.Hostname),
		textOrNil(r.DNSQuery), textOrNil(r.DNSType), textOrNil(r.DNSAnswer),
		textOrNil(r.DHCPEvent), textOrNil(r.WifiEvent),
		textOrNil(r.GeoCountry), textOrNil(r.GeoCity), r.GeoLat, r.GeoLon,
		intOrNil(r.ASNNumber), textOrNil(r.ASNName),
		r.ThreatScore, sliceOrNil(r.ThreatCategories), textOrNil(r.RDNS),
		textOrNil(r.AbuseUsageType), textOrNil(r.AbuseHostnames),
		r.AbuseTotalReports, r.AbuseLastReported,
		r.AbuseIsWhitelisted, r.AbuseIsTor,
		textOrNil(r.SrcDeviceName), textOrNil(r.DstDeviceName),
		textOrNil(r.RawLog),
	}
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func portOrNil(p int) any {
	if p <= 0 {
		return nil
	}
	return p
}

func intOrNil(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func sliceOrNil(ss []string) any {
	if len(ss) == 0 {
		return nil
	}
	return ss
}

// InsertLog writes a single parsed record.
func (s *Store) InsertLog(ctx context.Context, r *parser.Record) error {
	_, err := s.pool.Exec(ctx, insertSQL, insertArgs(r)...)
	if err != nil {
		return fmt.Errorf("inserting log: %w", err)
	}
	return nil
}

// InsertBatch writes records in a single transaction, falling back to
// row-by-row on failure to isolate bad rows. Returns the number inserted.
func (s *Store) InsertBatch(ctx context.Context, recs []*parser.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	err := s.insertAll(ctx, recs)
	if err == nil {
		s.log.Debug("batch inserted logs", "count", len(recs))
		return len(recs), nil
	}
	s.log.Warn("batch insert failed, retrying row-by-row", "count", len(recs), "error", err)

	inserted, dropped := 0, 0
	for _, r := range recs {
		if err := s.InsertLog(ctx, r); err != nil {
			dropped++
			s.log.Warn("dropped bad log row", "error", err, "raw", truncate(r.RawLog, 200))
			continue
		}
		inserted++
	}
	s.log.Info("row-by-row fallback complete", "inserted", inserted, "dropped", dropped)
	return inserted, nil
}

func (s *Store) insertAll(ctx context.Context, recs []*parser.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(insertSQL, insertArgs(r)...)
	}
	br := tx.SendBatch(ctx, batch)
	for range recs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RunRetention deletes logs past their retention window and returns the
// number of rows removed.
func (s *Store) RunRetention(ctx context.Context, generalDays, dnsDays int) (int, error) {
	var deleted int
	err := s.pool.QueryRow(ctx, "SELECT cleanup_old_logs($1, $2)", generalDays, dnsDays).Scan(&deleted)
	if err != nil {
		return 0, fmt.Errorf("retention cleanup: %w", err)
	}
	if deleted > 0 {
		s.log.Info("retention cleanup deleted old logs",
			"deleted", deleted, "general_days", generalDays, "dns_days", dnsDays)
	}
	return deleted, nil
}

// CountLogs counts logs of one type, or all logs when logType is empty.
func (s *Store) CountLogs(ctx context.Context, logType string) (int64, error) {
	var n int64
	var err error
	if logType == "" {
		err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM logs").Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM logs WHERE log_type = $1", logType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting logs: %w", err)
	}
	return n, nil
}

// IngestStats summarises recent ingest volume for health checks.
type IngestStats struct {
	Total    int64            `json:"total"`
	LastHour map[string]int64 `json:"last_hour"`
}

// GetIngestStats returns the total row count and the per-type counts for the
// trailing hour.
func (s *Store) GetIngestStats(ctx context.Context) (*IngestStats, error) {
	st := &IngestStats{LastHour: map[string]int64{}}
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM logs").Scan(&st.Total); err != nil {
		return nil, fmt.Errorf("counting logs: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT log_type, COUNT(*) AS count FROM logs
		WHERE timestamp > NOW() - INTERVAL '1 hour'
		GROUP BY log_type ORDER BY count DESC`)
	if err != nil {
		return nil, fmt.Errorf("hourly counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		st.LastHour[typ] = n
	}
	return st, rows.Err()
}

// OldestLog returns the timestamp of the oldest stored log, or ErrNotFound
// on an empty table.
func (s *Store) OldestLog(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, "SELECT MIN(timestamp) FROM logs").Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("oldest log: %w", err)
	}
	if ts == nil {
		return time.Time{}, ErrNotFound
	}
	return *ts, nil
}

// LatestLog returns the timestamp of the newest stored log, or ErrNotFound
// on an empty table.
func (s *Store) LatestLog(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, "SELECT MAX(timestamp) FROM logs").Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("latest log: %w", err)
	}
	if ts == nil {
		return time.Time{}, ErrNotFound
	}
	return *ts, nil
}

// RecentVolume measures non-DNS ingest over the trailing week: row count and
// the actual observed span. Used to extrapolate retention size estimates.
func (s *Store) RecentVolume(ctx context.Context) (int64, time.Duration, error) {
	var count int64
	var oldest, newest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM logs
		WHERE log_type <> 'dns'
		  AND timestamp > NOW() - INTERVAL '7 days'`).Scan(&count, &oldest, &newest)
	if err != nil {
		return 0, 0, fmt.Errorf("recent volume: %w", err)
	}
	if oldest == nil || newest == nil {
		return count, 0, nil
	}
	return count, newest.Sub(*oldest), nil
}
