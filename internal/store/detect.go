package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"grimm.is/loginsight/internal/parser"
)

// SQL filter excluding private and non-routable destination addresses.
const privateDstFilter = `
	NOT (dst_ip << '10.0.0.0/8'::inet
	  OR dst_ip << '172.16.0.0/12'::inet
	  OR dst_ip << '192.168.0.0/16'::inet
	  OR dst_ip << '127.0.0.0/8'::inet
	  OR dst_ip << 'fc00::/7'::inet
	  OR dst_ip << 'fe80::/10'::inet
	  OR dst_ip << '::1/128'::inet
	  OR host(dst_ip) = '255.255.255.255')`

// WANIPsByInterface detects the WAN IP of each interface as the most common
// public destination address on its inbound firewall traffic.
func (s *Store) WANIPsByInterface(ctx context.Context, interfaces []string) (map[string]string, error) {
	if len(interfaces) == 0 {
		return map[string]string{}, nil
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT interface_in,
		       MODE() WITHIN GROUP (ORDER BY host(dst_ip)) FILTER (
		           WHERE dst_ip IS NOT NULL AND %s
		       ) AS wan_ip
		FROM logs
		WHERE log_type = 'firewall'
		  AND interface_in = ANY($1)
		GROUP BY interface_in`, privateDstFilter), interfaces)
	if err != nil {
		return nil, fmt.Errorf("detecting WAN IPs by interface: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var iface string
		var ip *string
		if err := rows.Scan(&iface, &ip); err != nil {
			return nil, err
		}
		if ip != nil && *ip != "" {
			out[iface] = *ip
		}
	}
	return out, rows.Err()
}

// DetectWANIP resolves the gateway's WAN IPs and persists them to config.
// When the controller integration is enabled and has already populated
// wan_ip_by_iface, that map is authoritative and no log computation happens.
// Otherwise the per-interface IPs are computed from logs and the map is
// auto-populated. Returns the primary WAN IP, or "".
func (s *Store) DetectWANIP(ctx context.Context) (string, error) {
	wanInterfaces := s.ConfigStrings(ctx, "wan_interfaces")
	if wanInterfaces == nil {
		wanInterfaces = []string{"ppp0"}
	}
	if len(wanInterfaces) == 0 {
		return "", nil
	}

	unifiEnabled := s.ConfigBool(ctx, "unifi_enabled", false)
	byIface := s.ConfigStringMap(ctx, "wan_ip_by_iface")

	var wanIPs []string
	if unifiEnabled && len(byIface) > 0 {
		for _, iface := range wanInterfaces {
			if ip := byIface[iface]; ip != "" {
				wanIPs = append(wanIPs, ip)
			}
		}
	} else {
		detected, err := s.WANIPsByInterface(ctx, wanInterfaces)
		if err != nil {
			return "", err
		}
		if len(detected) > 0 && !stringMapsEqual(byIface, detected) {
			if err := s.SetConfig(ctx, "wan_ip_by_iface", detected); err != nil {
				return "", err
			}
			s.log.Info("wan_ip_by_iface auto-populated from logs", "map", detected)
		}
		for _, iface := range wanInterfaces {
			if ip := detected[iface]; ip != "" {
				wanIPs = append(wanIPs, ip)
			}
		}
	}

	primary := ""
	if len(wanIPs) > 0 {
		primary = wanIPs[0]
	}

	if primary != "" && primary != s.ConfigString(ctx, "wan_ip", "") {
		if err := s.SetConfig(ctx, "wan_ip", primary); err != nil {
			return "", err
		}
		s.log.Info("WAN IP detected and persisted", "ip", primary)
	}

	if !sortedEqual(wanIPs, s.ConfigStrings(ctx, "wan_ips")) {
		if err := s.SetConfig(ctx, "wan_ips", wanIPs); err != nil {
			return "", err
		}
		if len(wanIPs) > 1 {
			s.log.Info("multiple WAN IPs detected", "ips", wanIPs)
		}
	}

	return primary, nil
}

// DetectGatewayIPs derives the gateway's internal IPs from firewall rules
// whose name marks traffic addressed to the gateway itself, and persists the
// result.
func (s *Store) DetectGatewayIPs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT host(dst_ip)
		FROM logs
		WHERE log_type = 'firewall'
		  AND rule_name LIKE '%\_LOCAL%'
		  AND (dst_ip << '10.0.0.0/8' OR dst_ip << '172.16.0.0/12'
		       OR dst_ip << '192.168.0.0/16'
		       OR dst_ip << 'fc00::/7')
		  AND host(dst_ip) NOT IN ('224.0.0.251', '255.255.255.255')`)
	if err != nil {
		return nil, fmt.Errorf("detecting gateway IPs: %w", err)
	}
	defer rows.Close()

	var detected []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		detected = append(detected, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !sortedEqual(detected, s.ConfigStrings(ctx, "gateway_ips")) {
		if err := s.SetConfig(ctx, "gateway_ips", detected); err != nil {
			return nil, err
		}
		s.log.Info("gateway IPs detected", "ips", detected)
	}
	return detected, nil
}

// WANCandidate is a non-bridge, non-VPN firewall interface with its inferred
// WAN IP, offered by the setup wizard.
type WANCandidate struct {
	Interface  string `json:"interface"`
	EventCount int64  `json:"event_count"`
	WANIP      string `json:"wan_ip"`
}

// WANIPCandidates lists candidate WAN interfaces ordered by traffic volume.
func (s *Store) WANIPCandidates(ctx context.Context) ([]WANCandidate, error) {
	var excludes []string
	for _, p := range parser.VPNPrefixes {
		excludes = append(excludes, fmt.Sprintf("AND interface_in NOT LIKE '%s%%'", p.Prefix))
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT interface_in,
		       COUNT(*) AS event_count,
		       MODE() WITHIN GROUP (ORDER BY host(dst_ip)) FILTER (
		           WHERE dst_ip IS NOT NULL AND %s
		       ) AS wan_ip
		FROM logs
		WHERE log_type = 'firewall'
		  AND interface_in IS NOT NULL
		  AND interface_in NOT LIKE 'br%%'
		  %s
		GROUP BY interface_in
		ORDER BY event_count DESC`, privateDstFilter, strings.Join(excludes, "\n\t\t  ")))
	if err != nil {
		return nil, fmt.Errorf("listing WAN candidates: %w", err)
	}
	defer rows.Close()

	var out []WANCandidate
	for rows.Next() {
		var c WANCandidate
		var ip *string
		if err := rows.Scan(&c.Interface, &c.EventCount, &ip); err != nil {
			return nil, err
		}
		if ip != nil {
			c.WANIP = *ip
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InterfaceSample is one interface seen in firewall traffic with a
// representative private address from its side of the flow.
type InterfaceSample struct {
	Interface  string `json:"interface"`
	EventCount int64  `json:"event_count"`
	SampleIP   string `json:"sample_ip"`
}

const privateSrcFilter = `
	(src_ip << '10.0.0.0/8'::inet
	  OR src_ip << '172.16.0.0/12'::inet
	  OR src_ip << '192.168.0.0/16'::inet
	  OR src_ip << 'fc00::/7'::inet)`

// InterfaceSamples lists every interface observed on either side of firewall
// traffic, with a modal private source IP as the segment sample.
func (s *Store) InterfaceSamples(ctx context.Context) ([]InterfaceSample, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		WITH sides AS (
			SELECT interface_in AS iface, src_ip FROM logs
			WHERE log_type = 'firewall' AND interface_in IS NOT NULL
			UNION ALL
			SELECT interface_out AS iface, dst_ip AS src_ip FROM logs
			WHERE log_type = 'firewall' AND interface_out IS NOT NULL
		)
		SELECT iface,
		       COUNT(*) AS event_count,
		       MODE() WITHIN GROUP (ORDER BY host(src_ip)) FILTER (
		           WHERE src_ip IS NOT NULL AND %s
		       ) AS sample_ip
		FROM sides
		GROUP BY iface
		ORDER BY event_count DESC`, privateSrcFilter))
	if err != nil {
		return nil, fmt.Errorf("sampling interfaces: %w", err)
	}
	defer rows.Close()

	var out []InterfaceSample
	for rows.Next() {
		var is InterfaceSample
		var ip *string
		if err := rows.Scan(&is.Interface, &is.EventCount, &ip); err != nil {
			return nil, err
		}
		if ip != nil {
			is.SampleIP = *ip
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

func sortedEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
