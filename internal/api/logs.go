package api

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"grimm.is/loginsight/internal/store"
)

const (
	maxPerPage    = 200
	maxExportRows = 100000
)

// parseFilters builds the shared query filter set from request parameters.
// Unparseable values are ignored rather than rejected; the filter simply does
// not constrain on them.
func parseFilters(r *http.Request) store.Filters {
	q := r.URL.Query()
	f := store.Filters{
		LogTypes:   csvList(q.Get("log_type")),
		TimeRange:  q.Get("time_range"),
		SrcIP:      q.Get("src_ip"),
		DstIP:      q.Get("dst_ip"),
		IP:         q.Get("ip"),
		Directions: csvList(q.Get("direction")),
		Actions:    csvList(q.Get("rule_action")),
		RuleName:   q.Get("rule_name"),
		Countries:  csvList(q.Get("country")),
		Search:     q.Get("search"),
		Services:   csvList(q.Get("service")),
		Interfaces: csvList(q.Get("interface")),
		VPNOnly:    q.Get("vpn_only") == "true",
	}
	if v := q.Get("time_from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.TimeFrom = &t
		}
	}
	if v := q.Get("time_to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.TimeTo = &t
		}
	}
	if v := q.Get("threat_min"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.ThreatMin = &n
		}
	}
	return f
}

// vpnNetwork is one VPN network definition. The wizard-owned vpn_networks
// key stores these in a map keyed by interface; the controller overlay key
// stores a list with the interface inline.
type vpnNetwork struct {
	Interface string `json:"interface,omitempty"`
	Name      string `json:"name,omitempty"`
	Badge     string `json:"badge,omitempty"`
	CIDR      string `json:"cidr"`
}

type vpnRange struct {
	name string
	net  *net.IPNet
}

// annotator labels rows with gateway, WAN, and VPN metadata after the page
// query. The maps come from the config store once per request, not per row.
type annotator struct {
	gatewayVLANs map[string]int
	wanNames     map[string]string
	vpnRanges    []vpnRange
	catalog      interface {
		Description(port int, protocol string) string
	}
}

func (s *Server) newAnnotator(ctx context.Context) *annotator {
	a := &annotator{
		wanNames: s.st.ConfigStringMap(ctx, "wan_ip_names"),
	}
	s.st.GetConfigJSON(ctx, "gateway_ip_vlans", &a.gatewayVLANs)

	byIface := map[string]vpnNetwork{}
	s.st.GetConfigJSON(ctx, "vpn_networks", &byIface)
	all := make([]vpnNetwork, 0, len(byIface))
	for iface, n := range byIface {
		n.Interface = iface
		all = append(all, n)
	}
	var overlay []vpnNetwork
	s.st.GetConfigJSON(ctx, "unifi_vpn_networks", &overlay)
	for _, n := range append(all, overlay...) {
		_, ipnet, err := net.ParseCIDR(n.CIDR)
		if err != nil {
			continue
		}
		label := n.Name
		if label == "" {
			label = n.Badge
		}
		a.vpnRanges = append(a.vpnRanges, vpnRange{name: label, net: ipnet})
	}

	if s.catalog != nil {
		a.catalog = s.catalog
	}
	return a
}

func (a *annotator) vpnLabel(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	for _, r := range a.vpnRanges {
		if r.net.Contains(parsed) {
			return r.name
		}
	}
	return ""
}

var gatewayName = "Gateway"

// annotate fills the derived per-row fields. Gateway and WAN addresses are
// labelled first; only unlabelled IPs get a VPN badge.
func (a *annotator) annotate(entries []store.LogEntry) {
	for i := range entries {
		e := &entries[i]

		if e.SrcIP != nil {
			if vlan, ok := a.gatewayVLANs[*e.SrcIP]; ok {
				v := vlan
				e.SrcDeviceVLAN = &v
				if e.SrcDeviceName == nil {
					e.SrcDeviceName = &gatewayName
				}
			} else if label, ok := a.wanNames[*e.SrcIP]; ok {
				e.SrcDeviceNetwork = label
			} else if label := a.vpnLabel(*e.SrcIP); label != "" {
				e.SrcDeviceNetwork = label
			}
		}
		if e.DstIP != nil {
			if vlan, ok := a.gatewayVLANs[*e.DstIP]; ok {
				v := vlan
				e.DstDeviceVLAN = &v
				if e.DstDeviceName == nil {
					e.DstDeviceName = &gatewayName
				}
			} else if label, ok := a.wanNames[*e.DstIP]; ok {
				e.DstDeviceNetwork = label
			} else if label := a.vpnLabel(*e.DstIP); label != "" {
				e.DstDeviceNetwork = label
			}
		}

		if a.catalog != nil && e.DstPort != nil {
			proto := ""
			if e.Protocol != nil {
				proto = *e.Protocol
			}
			e.ServiceDesc = a.catalog.Description(*e.DstPort, proto)
		}
	}
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	f := parseFilters(r)
	sortBy := r.URL.Query().Get("sort_by")
	order := r.URL.Query().Get("order")
	page := clamp(queryInt(r, "page", 1), 1, 1<<30)
	perPage := clamp(queryInt(r, "per_page", 50), 1, maxPerPage)

	pageData, err := s.st.ListLogs(r.Context(), f, sortBy, order, page, perPage)
	if err != nil {
		s.log.Error("listing logs", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to query logs")
		return
	}

	s.newAnnotator(r.Context()).annotate(pageData.Data)
	WriteJSON(w, http.StatusOK, pageData)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid log id")
		return
	}

	entry, err := s.st.GetLog(r.Context(), id, s.st.WANIPs(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		s.log.Error("fetching log", "id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to fetch log")
		return
	}

	rows := []store.LogEntry{*entry}
	s.newAnnotator(r.Context()).annotate(rows)
	WriteJSON(w, http.StatusOK, rows[0])
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.recv == nil {
		WriteError(w, http.StatusServiceUnavailable, "live stream not available")
		return
	}
	s.recv.Hub().ServeWS(w, r)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	names, err := s.st.DistinctServices(r.Context())
	if err != nil {
		s.log.Error("listing services", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to query services")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"services": names})
}

// exportColumns is the fixed CSV column order.
var exportColumns = []string{
	"id", "timestamp", "log_type", "direction",
	"src_ip", "src_port", "dst_ip", "dst_port",
	"protocol", "service_name", "rule_name", "rule_action",
	"interface_in", "interface_out", "mac_address", "hostname",
	"dns_query", "dns_type", "dhcp_event", "wifi_event",
	"geo_country", "geo_city", "asn_number", "asn_name",
	"threat_score", "rdns",
	"src_device_name", "src_device_vlan", "src_device_network",
	"dst_device_name", "dst_device_vlan", "dst_device_network",
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f := parseFilters(r)
	limit := clamp(queryInt(r, "limit", 10000), 1, maxExportRows)

	entries, err := s.st.ExportLogs(r.Context(), f, limit)
	if err != nil {
		s.log.Error("exporting logs", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to export logs")
		return
	}
	s.newAnnotator(r.Context()).annotate(entries)

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="logs-%s.csv"`, s.clk.Now().Format("20060102-150405")))

	cw := csv.NewWriter(w)
	cw.Write(exportColumns)
	for i := range entries {
		cw.Write(exportRow(&entries[i]))
		if i%500 == 499 {
			cw.Flush()
		}
	}
	cw.Flush()
}

func exportRow(e *store.LogEntry) []string {
	return []string{
		strconv.FormatInt(e.ID, 10),
		e.Timestamp.UTC().Format(time.RFC3339),
		e.LogType,
		strDeref(e.Direction),
		strDeref(e.SrcIP), intDeref(e.SrcPort),
		strDeref(e.DstIP), intDeref(e.DstPort),
		strDeref(e.Protocol), strDeref(e.ServiceName),
		strDeref(e.RuleName), strDeref(e.RuleAction),
		strDeref(e.InterfaceIn), strDeref(e.InterfaceOut),
		strDeref(e.MACAddress), strDeref(e.Hostname),
		strDeref(e.DNSQuery), strDeref(e.DNSType),
		strDeref(e.DHCPEvent), strDeref(e.WifiEvent),
		strDeref(e.GeoCountry), strDeref(e.GeoCity),
		intDeref(e.ASNNumber), strDeref(e.ASNName),
		intDeref(e.ThreatScore), strDeref(e.RDNS),
		strDeref(e.SrcDeviceName), intDeref(e.SrcDeviceVLAN), e.SrcDeviceNetwork,
		strDeref(e.DstDeviceName), intDeref(e.DstDeviceVLAN), e.DstDeviceNetwork,
	}
}

func strDeref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func intDeref(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}
