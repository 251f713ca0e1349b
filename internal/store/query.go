package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"grimm.is/loginsight/internal/parser"
)

// Filters narrows log queries. Zero values mean "no constraint".
type Filters struct {
	LogTypes   []string
	TimeRange  string
	TimeFrom   *time.Time
	TimeTo     *time.Time
	SrcIP      string
	DstIP      string
	IP         string
	Directions []string
	Actions    []string
	RuleName   string
	Countries  []string
	ThreatMin  *int
	Search     string
	Services   []string
	Interfaces []string
	VPNOnly    bool
}

// TimeRangeCutoff converts a named range like "24h" or "7d" into an absolute
// cutoff. Unknown ranges return ok=false.
func TimeRangeCutoff(timeRange string, now time.Time) (time.Time, bool) {
	spans := map[string]time.Duration{
		"1h":   time.Hour,
		"6h":   6 * time.Hour,
		"24h":  24 * time.Hour,
		"7d":   7 * 24 * time.Hour,
		"30d":  30 * 24 * time.Hour,
		"60d":  60 * 24 * time.Hour,
		"90d":  90 * 24 * time.Hour,
		"180d": 180 * 24 * time.Hour,
		"365d": 365 * 24 * time.Hour,
	}
	span, ok := spans[timeRange]
	if !ok {
		return time.Time{}, false
	}
	return now.Add(-span), true
}

// escapeLike neutralises LIKE wildcards in user input.
func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `%`, `\%`)
	return strings.ReplaceAll(v, `_`, `\_`)
}

// args collects positional query parameters, handing out $n placeholders.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// where compiles the filters into a WHERE clause body over the given table
// alias and appends parameters to a.
func (f Filters) where(a *args, now time.Time) string {
	var conds []string

	if len(f.LogTypes) > 0 {
		conds = append(conds, fmt.Sprintf("log_type = ANY(%s)", a.add(f.LogTypes)))
	}
	if f.TimeRange != "" {
		if cutoff, ok := TimeRangeCutoff(f.TimeRange, now); ok {
			conds = append(conds, fmt.Sprintf("timestamp >= %s", a.add(cutoff)))
		}
	}
	if f.TimeFrom != nil {
		conds = append(conds, fmt.Sprintf("timestamp >= %s", a.add(*f.TimeFrom)))
	}
	if f.TimeTo != nil {
		conds = append(conds, fmt.Sprintf("timestamp <= %s", a.add(*f.TimeTo)))
	}
	if f.SrcIP != "" {
		conds = append(conds, fmt.Sprintf(`src_ip::text LIKE %s ESCAPE '\'`, a.add("%"+escapeLike(f.SrcIP)+"%")))
	}
	if f.DstIP != "" {
		conds = append(conds, fmt.Sprintf(`dst_ip::text LIKE %s ESCAPE '\'`, a.add("%"+escapeLike(f.DstIP)+"%")))
	}
	if f.IP != "" {
		pat := "%" + escapeLike(f.IP) + "%"
		conds = append(conds, fmt.Sprintf(`(src_ip::text LIKE %s ESCAPE '\' OR dst_ip::text LIKE %s ESCAPE '\')`,
			a.add(pat), a.add(pat)))
	}
	if len(f.Directions) > 0 {
		directions := f.Directions
		// A VPN filter must not exclude VPN<->LAN traffic classified as
		// direction=vpn.
		if f.VPNOnly && !contains(directions, "vpn") {
			directions = append(append([]string(nil), directions...), "vpn")
		}
		conds = append(conds, fmt.Sprintf("direction = ANY(%s)", a.add(directions)))
	}
	if len(f.Actions) > 0 {
		conds = append(conds, fmt.Sprintf("rule_action = ANY(%s)", a.add(f.Actions)))
	}
	if f.RuleName != "" {
		pat := "%" + escapeLike(f.RuleName) + "%"
		conds = append(conds, fmt.Sprintf(`(rule_name ILIKE %s ESCAPE '\' OR rule_desc ILIKE %s ESCAPE '\')`,
			a.add(pat), a.add(pat)))
	}
	if len(f.Countries) > 0 {
		upper := make([]string, len(f.Countries))
		for i, c := range f.Countries {
			upper[i] = strings.ToUpper(strings.TrimSpace(c))
		}
		conds = append(conds, fmt.Sprintf("geo_country = ANY(%s)", a.add(upper)))
	}
	if f.ThreatMin != nil {
		conds = append(conds, fmt.Sprintf("threat_score >= %s", a.add(*f.ThreatMin)))
	}
	if f.Search != "" {
		conds = append(conds, fmt.Sprintf("raw_log ILIKE %s", a.add("%"+f.Search+"%")))
	}
	if len(f.Services) > 0 {
		conds = append(conds, fmt.Sprintf("service_name = ANY(%s)", a.add(f.Services)))
	}
	if len(f.Interfaces) > 0 {
		p := a.add(f.Interfaces)
		conds = append(conds, fmt.Sprintf("(interface_in = ANY(%s) OR interface_out = ANY(%s))", p, p))
	}
	if f.VPNOnly {
		var parts []string
		for _, vp := range parser.VPNPrefixes {
			p := a.add(vp.Prefix + "%")
			parts = append(parts, fmt.Sprintf("interface_in LIKE %s", p), fmt.Sprintf("interface_out LIKE %s", p))
		}
		conds = append(conds, "("+strings.Join(parts, " OR ")+")")
	}

	if len(conds) == 0 {
		return "1=1"
	}
	return strings.Join(conds, " AND ")
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// LogEntry is one fully resolved log row as served by the API. Nullable
// columns use pointers so absent values serialise as JSON null.
type LogEntry struct {
	ID        int64     `db:"id" json:"id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	LogType   string    `db:"log_type" json:"log_type"`
	Direction *string   `db:"direction" json:"direction"`

	SrcIP       *string `db:"src_ip" json:"src_ip"`
	SrcPort     *int    `db:"src_port" json:"src_port"`
	DstIP       *string `db:"dst_ip" json:"dst_ip"`
	DstPort     *int    `db:"dst_port" json:"dst_port"`
	Protocol    *string `db:"protocol" json:"protocol"`
	ServiceName *string `db:"service_name" json:"service_name"`

	RuleName   *string `db:"rule_name" json:"rule_name"`
	RuleDesc   *string `db:"rule_desc" json:"rule_desc"`
	RuleAction *string `db:"rule_action" json:"rule_action"`

	InterfaceIn  *string `db:"interface_in" json:"interface_in"`
	InterfaceOut *string `db:"interface_out" json:"interface_out"`
	MACAddress   *string `db:"mac_address" json:"mac_address"`
	Hostname     *string `db:"hostname" json:"hostname"`

	DNSQuery  *string `db:"dns_query" json:"dns_query"`
	DNSType   *string `db:"dns_type" json:"dns_type"`
	DNSAnswer *string `db:"dns_answer" json:"dns_answer"`
	DHCPEvent *string `db:"dhcp_event" json:"dhcp_event"`
	WifiEvent *string `db:"wifi_event" json:"wifi_event"`

	GeoCountry *string  `db:"geo_country" json:"geo_country"`
	GeoCity    *string  `db:"geo_city" json:"geo_city"`
	GeoLat     *float64 `db:"geo_lat" json:"geo_lat"`
	GeoLon     *float64 `db:"geo_lon" json:"geo_lon"`
	ASNNumber  *int     `db:"asn_number" json:"asn_number"`
	ASNName    *string  `db:"asn_name" json:"asn_name"`

	ThreatScore      *int     `db:"threat_score" json:"threat_score"`
	ThreatCategories []string `db:"threat_categories" json:"threat_categories"`
	RDNS             *string  `db:"rdns" json:"rdns"`

	AbuseUsageType    *string    `db:"abuse_usage_type" json:"abuse_usage_type"`
	AbuseHostnames    *string    `db:"abuse_hostnames" json:"abuse_hostnames"`
	AbuseTotalReports *int       `db:"abuse_total_reports" json:"abuse_total_reports"`
	AbuseLastReported *time.Time `db:"abuse_last_reported" json:"abuse_last_reported"`
	AbuseIsWhitelist  *bool      `db:"abuse_is_whitelisted" json:"abuse_is_whitelisted"`
	AbuseIsTor        *bool      `db:"abuse_is_tor" json:"abuse_is_tor"`

	SrcDeviceName *string `db:"src_device_name" json:"src_device_name"`
	DstDeviceName *string `db:"dst_device_name" json:"dst_device_name"`

	RawLog *string `db:"raw_log" json:"raw_log"`

	// Annotations filled in by the API layer, never stored.
	SrcDeviceVLAN    *int   `db:"-" json:"src_device_vlan,omitempty"`
	DstDeviceVLAN    *int   `db:"-" json:"dst_device_vlan,omitempty"`
	SrcDeviceNetwork string `db:"-" json:"src_device_network,omitempty"`
	DstDeviceNetwork string `db:"-" json:"dst_device_network,omitempty"`
	ServiceDesc      string `db:"-" json:"service_description,omitempty"`
}

// Column list shared by the page, detail, and export queries. The table (or
// CTE) must be aliased l. Device names resolve through the client cache by
// MAC for the source and by most recent IP owner for the destination, then
// through the infrastructure cache.
const logSelectColumns = `
	l.id, l.timestamp, l.created_at, l.log_type, l.direction,
	host(l.src_ip) AS src_ip, l.src_port, host(l.dst_ip) AS dst_ip, l.dst_port,
	l.protocol, l.service_name, l.rule_name, l.rule_desc, l.rule_action,
	l.interface_in, l.interface_out, l.mac_address::text AS mac_address, l.hostname,
	l.dns_query, l.dns_type, l.dns_answer, l.dhcp_event, l.wifi_event,
	l.geo_country, l.geo_city, l.geo_lat, l.geo_lon, l.asn_number, l.asn_name,
	l.threat_score, l.rdns, l.raw_log,
	COALESCE(l.src_device_name,
		c1.device_name, c1.hostname, c1.oui,
		d1.device_name, d1.model) AS src_device_name,
	COALESCE(l.dst_device_name,
		c2.device_name, c2.hostname, c2.oui,
		d2.device_name, d2.model) AS dst_device_name`

const logNameJoins = `
	LEFT JOIN unifi_clients c1 ON c1.mac = l.mac_address
	LEFT JOIN LATERAL (
		SELECT device_name, hostname, oui
		FROM unifi_clients WHERE ip = l.dst_ip
		ORDER BY last_seen DESC NULLS LAST LIMIT 1
	) c2 ON true
	LEFT JOIN unifi_devices d1 ON d1.mac = l.mac_address
	LEFT JOIN LATERAL (
		SELECT device_name, model
		FROM unifi_devices WHERE ip = l.dst_ip
		ORDER BY updated_at DESC NULLS LAST LIMIT 1
	) d2 ON true`

// Sortable columns exposed to the API.
var sortColumns = map[string]bool{
	"timestamp": true, "log_type": true, "src_ip": true, "dst_ip": true,
	"protocol": true, "service_name": true, "direction": true,
	"rule_action": true, "rule_name": true, "geo_country": true,
	"threat_score": true, "created_at": true,
}

// LogPage is one page of filtered logs.
type LogPage struct {
	Data    []LogEntry `json:"data"`
	Total   int64      `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
	Pages   int        `json:"pages"`
}

// ListLogs returns one page of logs matching the filters, sorted by a
// whitelisted column.
func (s *Store) ListLogs(ctx context.Context, f Filters, sortBy, order string, page, perPage int) (*LogPage, error) {
	if !sortColumns[sortBy] {
		sortBy = "timestamp"
	}
	dir := "DESC"
	if strings.EqualFold(order, "asc") {
		dir = "ASC"
	}
	if page < 1 {
		page = 1
	}

	var a args
	where := f.where(&a, s.clk.Now())

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM logs WHERE "+where, a...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting logs: %w", err)
	}

	sql := fmt.Sprintf(`
		WITH l AS (
			SELECT * FROM logs WHERE %s
			ORDER BY %s %s LIMIT %s OFFSET %s
		)
		SELECT %s, l.threat_categories,
			l.abuse_usage_type, l.abuse_hostnames, l.abuse_total_reports,
			l.abuse_last_reported, l.abuse_is_whitelisted, l.abuse_is_tor
		FROM l %s
		ORDER BY l.%s %s`,
		where, sortBy, dir, a.add(perPage), a.add((page-1)*perPage),
		logSelectColumns, logNameJoins, sortBy, dir)

	rows, err := s.pool.Query(ctx, sql, a...)
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[LogEntry])
	if err != nil {
		return nil, fmt.Errorf("scanning logs: %w", err)
	}

	pages := 0
	if perPage > 0 {
		pages = int((total + int64(perPage) - 1) / int64(perPage))
	}
	return &LogPage{Data: entries, Total: total, Page: page, PerPage: perPage, Pages: pages}, nil
}

// GetLog returns one log with abuse details filled from the threat cache for
// rows the backfill has not yet patched. The cache join is direction-aware
// and skips the gateway's own WAN IPs so only the remote party's reputation
// is shown.
func (s *Store) GetLog(ctx context.Context, id int64, wanIPs []string) (*LogEntry, error) {
	if wanIPs == nil {
		wanIPs = []string{}
	}
	var a args
	wan1 := a.add(wanIPs)
	wan2 := a.add(wanIPs)
	idArg := a.add(id)

	coalesced := func(col string) string {
		return fmt.Sprintf(`COALESCE(l.%[1]s,
			CASE WHEN l.direction IN ('inbound', 'in') THEN t1.%[1]s
			     WHEN l.direction IN ('outbound', 'out') THEN t2.%[1]s
			     WHEN t1.ip IS NOT NULL THEN t1.%[1]s
			     ELSE t2.%[1]s END) AS %[1]s`, col)
	}

	sql := fmt.Sprintf(`
		SELECT %s,
			%s, %s, %s, %s, %s, %s,
			COALESCE(
				CASE WHEN array_length(l.threat_categories, 1) > 0 THEN l.threat_categories END,
				CASE WHEN l.direction IN ('inbound', 'in') THEN
				         CASE WHEN array_length(t1.threat_categories, 1) > 0 THEN t1.threat_categories END
				     WHEN l.direction IN ('outbound', 'out') THEN
				         CASE WHEN array_length(t2.threat_categories, 1) > 0 THEN t2.threat_categories END
				     WHEN t1.ip IS NOT NULL THEN
				         CASE WHEN array_length(t1.threat_categories, 1) > 0 THEN t1.threat_categories END
				     ELSE
				         CASE WHEN array_length(t2.threat_categories, 1) > 0 THEN t2.threat_categories END
				END
			) AS threat_categories
		FROM logs l
		LEFT JOIN ip_threats t1 ON t1.ip = l.src_ip
			AND NOT (host(l.src_ip) = ANY(%s))
		LEFT JOIN ip_threats t2 ON t2.ip = l.dst_ip
			AND NOT (host(l.dst_ip) = ANY(%s))
		%s
		WHERE l.id = %s`,
		logSelectColumns,
		coalesced("abuse_usage_type"), coalesced("abuse_hostnames"),
		coalesced("abuse_total_reports"), coalesced("abuse_last_reported"),
		coalesced("abuse_is_whitelisted"), coalesced("abuse_is_tor"),
		wan1, wan2, logNameJoins, idArg)

	rows, err := s.pool.Query(ctx, sql, a...)
	if err != nil {
		return nil, fmt.Errorf("fetching log %d: %w", id, err)
	}
	entry, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[LogEntry])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning log %d: %w", id, err)
	}
	return &entry, nil
}

// ExportLogs returns up to limit newest logs matching the filters with
// device names resolved, for CSV export.
func (s *Store) ExportLogs(ctx context.Context, f Filters, limit int) ([]LogEntry, error) {
	var a args
	where := f.where(&a, s.clk.Now())

	sql := fmt.Sprintf(`
		WITH l AS (
			SELECT * FROM logs WHERE %s
			ORDER BY timestamp DESC LIMIT %s
		)
		SELECT %s, l.threat_categories,
			l.abuse_usage_type, l.abuse_hostnames, l.abuse_total_reports,
			l.abuse_last_reported, l.abuse_is_whitelisted, l.abuse_is_tor
		FROM l %s
		ORDER BY l.timestamp DESC`,
		where, a.add(limit), logSelectColumns, logNameJoins)

	rows, err := s.pool.Query(ctx, sql, a...)
	if err != nil {
		return nil, fmt.Errorf("exporting logs: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[LogEntry])
	if err != nil {
		return nil, fmt.Errorf("scanning export: %w", err)
	}
	return entries, nil
}
