package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DashboardStats aggregates everything the dashboard shows for one window.
type DashboardStats struct {
	TimeRange   string           `json:"time_range"`
	Total       int64            `json:"total"`
	ByType      map[string]int64 `json:"by_type"`
	Blocked     int64            `json:"blocked"`
	Threats     int64            `json:"threats"`
	Allowed     int64            `json:"allowed"`
	ByDirection map[string]int64 `json:"by_direction"`

	TopBlockedCountries   []CountryCount  `json:"top_blocked_countries"`
	TopBlockedIPs         []IPCount       `json:"top_blocked_ips"`
	TopBlockedInternalIPs []InternalIP    `json:"top_blocked_internal_ips"`
	TopThreatIPs          []ThreatIP      `json:"top_threat_ips"`
	TopBlockedServices    []ServiceCount  `json:"top_blocked_services"`
	TopAllowedDests       []IPCount       `json:"top_allowed_destinations"`
	TopAllowedCountries   []CountryCount  `json:"top_allowed_countries"`
	TopAllowedServices    []ServiceCount  `json:"top_allowed_services"`
	TopActiveInternalIPs  []InternalIP    `json:"top_active_internal_ips"`
	TopDNS                []DNSCount      `json:"top_dns"`
	LogsOverTime          []PeriodCount   `json:"logs_over_time"`
	TrafficByAction       []ActionBuckets `json:"traffic_by_action"`
}

type CountryCount struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

type IPCount struct {
	IP          string  `json:"ip"`
	Count       int64   `json:"count"`
	Country     *string `json:"country"`
	ASN         *string `json:"asn"`
	ThreatScore *int    `json:"threat_score,omitempty"`
}

type InternalIP struct {
	IP         string  `json:"ip"`
	Count      int64   `json:"count"`
	DeviceName *string `json:"device_name"`
	VLAN       *int    `json:"vlan,omitempty"`
}

type ThreatIP struct {
	IP          string     `json:"ip"`
	Count       int64      `json:"count"`
	Country     *string    `json:"country"`
	ASN         *string    `json:"asn"`
	City        *string    `json:"city"`
	RDNS        *string    `json:"rdns"`
	ThreatScore *int       `json:"threat_score"`
	Categories  []string   `json:"threat_categories"`
	LastSeen    *time.Time `json:"last_seen"`
}

type ServiceCount struct {
	Service string `json:"service_name"`
	Count   int64  `json:"count"`
}

type DNSCount struct {
	Query string `json:"dns_query"`
	Count int64  `json:"count"`
}

type PeriodCount struct {
	Period time.Time `json:"period"`
	Count  int64     `json:"count"`
}

type ActionBuckets struct {
	Period   time.Time `json:"period"`
	Allow    int64     `json:"allow"`
	Block    int64     `json:"block"`
	Redirect int64     `json:"redirect"`
}

// statsBucket picks the date_trunc granularity for a time range so charts
// keep a sensible point count.
func statsBucket(timeRange string) string {
	switch timeRange {
	case "1h", "6h", "24h":
		return "hour"
	case "7d", "30d", "60d":
		return "day"
	case "90d":
		return "week"
	case "180d", "365d":
		return "month"
	default:
		return "day"
	}
}

// GetStats computes the dashboard statistics for the given time range.
// Internal-IP panels exclude the gateway's own addresses; external panels
// exclude WAN IPs so the gateway never shows up as a talker.
func (s *Store) GetStats(ctx context.Context, timeRange string) (*DashboardStats, error) {
	cutoff, ok := TimeRangeCutoff(timeRange, s.clk.Now())
	if !ok {
		cutoff = s.clk.Now().Add(-24 * time.Hour)
	}
	bucket := statsBucket(timeRange)

	st := &DashboardStats{
		TimeRange:   timeRange,
		ByType:      map[string]int64{},
		ByDirection: map[string]int64{},
	}

	count := func(sql string, args ...any) (int64, error) {
		var n int64
		err := s.pool.QueryRow(ctx, sql, args...).Scan(&n)
		return n, err
	}

	var err error
	if st.Total, err = count("SELECT COUNT(*) FROM logs WHERE timestamp >= $1", cutoff); err != nil {
		return nil, fmt.Errorf("stats total: %w", err)
	}
	if st.Blocked, err = count(
		"SELECT COUNT(*) FROM logs WHERE timestamp >= $1 AND rule_action = 'block'", cutoff); err != nil {
		return nil, fmt.Errorf("stats blocked: %w", err)
	}
	if st.Threats, err = count(
		"SELECT COUNT(*) FROM logs WHERE timestamp >= $1 AND threat_score > 50", cutoff); err != nil {
		return nil, fmt.Errorf("stats threats: %w", err)
	}
	if st.Allowed, err = count(
		"SELECT COUNT(*) FROM logs WHERE timestamp >= $1 AND log_type = 'firewall' AND rule_action = 'allow'",
		cutoff); err != nil {
		return nil, fmt.Errorf("stats allowed: %w", err)
	}

	if err := s.groupCount(ctx, st.ByType,
		`SELECT log_type, COUNT(*) AS count FROM logs
		 WHERE timestamp >= $1 GROUP BY log_type ORDER BY count DESC`, cutoff); err != nil {
		return nil, fmt.Errorf("stats by type: %w", err)
	}
	if err := s.groupCount(ctx, st.ByDirection,
		`SELECT direction, COUNT(*) AS count FROM logs
		 WHERE timestamp >= $1 AND direction IS NOT NULL
		 GROUP BY direction ORDER BY count DESC`, cutoff); err != nil {
		return nil, fmt.Errorf("stats by direction: %w", err)
	}

	// The gateway's own public addresses never count as external talkers.
	excludeIPs := []string{"0.0.0.0"}
	for _, ip := range s.WANIPs(ctx) {
		if !contains(excludeIPs, ip) {
			excludeIPs = append(excludeIPs, ip)
		}
	}

	if st.TopBlockedCountries, err = s.topCountries(ctx,
		"rule_action = 'block'", "", cutoff); err != nil {
		return nil, err
	}
	if st.TopAllowedCountries, err = s.topCountries(ctx,
		"rule_action = 'allow'", "AND direction = 'outbound'", cutoff); err != nil {
		return nil, err
	}

	if st.TopBlockedIPs, err = s.topExternalIPs(ctx, cutoff, excludeIPs); err != nil {
		return nil, err
	}
	if st.TopAllowedDests, err = s.topAllowedDestinations(ctx, cutoff, excludeIPs); err != nil {
		return nil, err
	}
	if st.TopThreatIPs, err = s.topThreatIPs(ctx, cutoff, excludeIPs); err != nil {
		return nil, err
	}

	if st.TopBlockedInternalIPs, err = s.topInternalIPs(ctx, cutoff, "block", nil); err != nil {
		return nil, err
	}
	if st.TopActiveInternalIPs, err = s.topInternalIPs(ctx, cutoff, "allow", s.GatewayIPs(ctx)); err != nil {
		return nil, err
	}

	if st.TopBlockedServices, err = s.topServices(ctx, cutoff, "block"); err != nil {
		return nil, err
	}
	if st.TopAllowedServices, err = s.topServices(ctx, cutoff, "allow"); err != nil {
		return nil, err
	}

	if st.TopDNS, err = s.topDNS(ctx, cutoff); err != nil {
		return nil, err
	}
	if st.LogsOverTime, err = s.logsOverTime(ctx, cutoff, bucket); err != nil {
		return nil, err
	}
	if st.TrafficByAction, err = s.trafficByAction(ctx, cutoff, bucket); err != nil {
		return nil, err
	}

	return st, nil
}

func (s *Store) groupCount(ctx context.Context, dest map[string]int64, sql string, args ...any) error {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dest[key] = n
	}
	return rows.Err()
}

func (s *Store) topCountries(ctx context.Context, actionCond, extraCond string, cutoff time.Time) ([]CountryCount, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT geo_country, COUNT(*) AS count FROM logs
		WHERE timestamp >= $1 AND %s AND geo_country IS NOT NULL %s
		GROUP BY geo_country ORDER BY count DESC LIMIT 10`, actionCond, extraCond), cutoff)
	if err != nil {
		return nil, fmt.Errorf("stats top countries: %w", err)
	}
	defer rows.Close()

	out := []CountryCount{}
	for rows.Next() {
		var c CountryCount
		if err := rows.Scan(&c.Country, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) topExternalIPs(ctx context.Context, cutoff time.Time, excludeIPs []string) ([]IPCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host(src_ip), COUNT(*) AS count,
		       MAX(geo_country), MAX(asn_name), MAX(threat_score)
		FROM logs
		WHERE timestamp >= $1 AND rule_action = 'block' AND src_ip IS NOT NULL
		  AND host(src_ip) != ALL($2)
		  AND NOT (src_ip << '10.0.0.0/8' OR src_ip << '172.16.0.0/12'
		      OR src_ip << '192.168.0.0/16' OR src_ip << '127.0.0.0/8'
		      OR src_ip << 'fe80::/10' OR src_ip << 'fc00::/7')
		GROUP BY src_ip ORDER BY count DESC LIMIT 10`, cutoff, excludeIPs)
	if err != nil {
		return nil, fmt.Errorf("stats top blocked IPs: %w", err)
	}
	defer rows.Close()

	out := []IPCount{}
	for rows.Next() {
		var c IPCount
		if err := rows.Scan(&c.IP, &c.Count, &c.Country, &c.ASN, &c.ThreatScore); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) topAllowedDestinations(ctx context.Context, cutoff time.Time, excludeIPs []string) ([]IPCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host(dst_ip), COUNT(*) AS count,
		       MAX(geo_country), MAX(asn_name)
		FROM logs
		WHERE timestamp >= $1 AND rule_action = 'allow' AND dst_ip IS NOT NULL
		  AND host(dst_ip) != ALL($2)
		  AND NOT (dst_ip << '10.0.0.0/8' OR dst_ip << '172.16.0.0/12'
		      OR dst_ip << '192.168.0.0/16' OR dst_ip << '127.0.0.0/8'
		      OR dst_ip << '0.0.0.0/8' OR dst_ip << '169.254.0.0/16'
		      OR dst_ip << '224.0.0.0/4' OR dst_ip << '240.0.0.0/4'
		      OR dst_ip << 'fe80::/10' OR dst_ip << 'fc00::/7'
		      OR dst_ip << 'ff00::/8' OR dst_ip << '::1/128')
		GROUP BY dst_ip ORDER BY count DESC LIMIT 10`, cutoff, excludeIPs)
	if err != nil {
		return nil, fmt.Errorf("stats top allowed destinations: %w", err)
	}
	defer rows.Close()

	out := []IPCount{}
	for rows.Next() {
		var c IPCount
		if err := rows.Scan(&c.IP, &c.Count, &c.Country, &c.ASN); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) topThreatIPs(ctx context.Context, cutoff time.Time, excludeIPs []string) ([]ThreatIP, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host(l.src_ip), COUNT(*) AS count,
		       MAX(l.geo_country), MAX(l.asn_name),
		       MAX(l.geo_city), MAX(l.rdns),
		       MAX(l.threat_score),
		       COALESCE(MAX(l.threat_categories), MAX(t.threat_categories)),
		       MAX(l.timestamp)
		FROM logs l
		LEFT JOIN ip_threats t ON l.src_ip = t.ip
		WHERE l.timestamp >= $1 AND l.threat_score > 50 AND l.src_ip IS NOT NULL
		  AND host(l.src_ip) != ALL($2)
		GROUP BY l.src_ip ORDER BY MAX(l.threat_score) DESC, count DESC LIMIT 10`,
		cutoff, excludeIPs)
	if err != nil {
		return nil, fmt.Errorf("stats top threat IPs: %w", err)
	}
	defer rows.Close()

	out := []ThreatIP{}
	for rows.Next() {
		var c ThreatIP
		if err := rows.Scan(&c.IP, &c.Count, &c.Country, &c.ASN, &c.City, &c.RDNS,
			&c.ThreatScore, &c.Categories, &c.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// topInternalIPs lists private source IPs by traffic volume. The device-name
// join is recency-guarded anchored at the cutoff, not NOW(), so historical
// windows resolve the owner the IP had then.
func (s *Store) topInternalIPs(ctx context.Context, cutoff time.Time, action string, excludeIPs []string) ([]InternalIP, error) {
	gwFilter := ""
	args := []any{cutoff, action, cutoff}
	if len(excludeIPs) > 0 {
		gwFilter = "AND host(src_ip) != ALL($4)"
		args = append(args, excludeIPs)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		WITH top_ips AS (
			SELECT src_ip, host(src_ip) AS ip, COUNT(*) AS count
			FROM logs
			WHERE timestamp >= $1 AND rule_action = $2 AND src_ip IS NOT NULL
			  AND (src_ip << '10.0.0.0/8' OR src_ip << '172.16.0.0/12'
			      OR src_ip << '192.168.0.0/16')
			  %s
			GROUP BY src_ip ORDER BY count DESC LIMIT 10
		)
		SELECT t.ip, t.count, c.device_name
		FROM top_ips t
		LEFT JOIN LATERAL (
			SELECT COALESCE(device_name, hostname, oui) AS device_name
			FROM unifi_clients
			WHERE ip = t.src_ip AND last_seen >= $3 - INTERVAL '1 day'
			ORDER BY last_seen DESC NULLS LAST LIMIT 1
		) c ON true
		ORDER BY t.count DESC`, gwFilter), args...)
	if err != nil {
		return nil, fmt.Errorf("stats top internal IPs: %w", err)
	}
	defer rows.Close()

	out := []InternalIP{}
	for rows.Next() {
		var c InternalIP
		if err := rows.Scan(&c.IP, &c.Count, &c.DeviceName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) topServices(ctx context.Context, cutoff time.Time, action string) ([]ServiceCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_name, COUNT(*) AS count FROM logs
		WHERE timestamp >= $1 AND rule_action = $2 AND service_name IS NOT NULL
		GROUP BY service_name ORDER BY count DESC LIMIT 10`, cutoff, action)
	if err != nil {
		return nil, fmt.Errorf("stats top services: %w", err)
	}
	defer rows.Close()

	out := []ServiceCount{}
	for rows.Next() {
		var c ServiceCount
		if err := rows.Scan(&c.Service, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) topDNS(ctx context.Context, cutoff time.Time) ([]DNSCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dns_query, COUNT(*) AS count FROM logs
		WHERE timestamp >= $1 AND log_type = 'dns' AND dns_query IS NOT NULL
		GROUP BY dns_query ORDER BY count DESC LIMIT 10`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stats top dns: %w", err)
	}
	defer rows.Close()

	out := []DNSCount{}
	for rows.Next() {
		var c DNSCount
		if err := rows.Scan(&c.Query, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) logsOverTime(ctx context.Context, cutoff time.Time, bucket string) ([]PeriodCount, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT date_trunc('%s', timestamp) AS period, COUNT(*) AS count
		FROM logs WHERE timestamp >= $1
		GROUP BY period ORDER BY period`, bucket), cutoff)
	if err != nil {
		return nil, fmt.Errorf("stats logs over time: %w", err)
	}
	defer rows.Close()

	out := []PeriodCount{}
	for rows.Next() {
		var c PeriodCount
		if err := rows.Scan(&c.Period, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) trafficByAction(ctx context.Context, cutoff time.Time, bucket string) ([]ActionBuckets, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT date_trunc('%s', timestamp) AS period, rule_action, COUNT(*) AS count
		FROM logs WHERE timestamp >= $1 AND log_type = 'firewall'
		  AND rule_action IS NOT NULL
		GROUP BY period, rule_action ORDER BY period`, bucket), cutoff)
	if err != nil {
		return nil, fmt.Errorf("stats traffic by action: %w", err)
	}
	defer rows.Close()

	byPeriod := map[time.Time]*ActionBuckets{}
	for rows.Next() {
		var period time.Time
		var action string
		var n int64
		if err := rows.Scan(&period, &action, &n); err != nil {
			return nil, err
		}
		b, ok := byPeriod[period]
		if !ok {
			b = &ActionBuckets{Period: period}
			byPeriod[period] = b
		}
		switch action {
		case "allow":
			b.Allow = n
		case "block":
			b.Block = n
		case "redirect":
			b.Redirect = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ActionBuckets, 0, len(byPeriod))
	for _, b := range byPeriod {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out, nil
}
