package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"grimm.is/loginsight/internal/parser"
)

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	WriteJSON(w, http.StatusOK, map[string]any{
		"setup_complete": s.st.ConfigBool(ctx, "setup_complete", false),
		"config_version": s.st.ConfigInt(ctx, "config_version", 0),
		"wan_interfaces": s.st.ConfigStrings(ctx, "wan_interfaces"),
	})
}

func (s *Server) handleWANCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.st.WANIPCandidates(r.Context())
	if err != nil {
		s.log.Error("listing WAN candidates", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to scan interfaces")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// networkSegment is one row of the wizard's segment table.
type networkSegment struct {
	Interface  string `json:"interface"`
	SampleIP   string `json:"sample_ip,omitempty"`
	EventCount int64  `json:"event_count"`
	Label      string `json:"label,omitempty"`
	IsWAN      bool   `json:"is_wan"`
	VPNBadge   string `json:"vpn_badge,omitempty"`
	VPNCIDR    string `json:"vpn_cidr,omitempty"`
}

var (
	brPattern   = regexp.MustCompile(`^br(\d+)$`)
	vlanPattern = regexp.MustCompile(`^vlan(\d+)$`)
)

// heuristicLabel guesses a display label from the interface name.
func heuristicLabel(iface string) string {
	if iface == "br0" {
		return "Main LAN"
	}
	if m := brPattern.FindStringSubmatch(iface); m != nil {
		return "VLAN " + m[1]
	}
	if m := vlanPattern.FindStringSubmatch(iface); m != nil {
		return "VLAN " + m[1]
	}
	if p, ok := parser.VPNPrefixFor(iface); ok {
		return p.Description
	}
	return ""
}

func (s *Server) handleNetworkSegments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wanList := csvList(r.URL.Query().Get("wan"))
	if len(wanList) == 0 {
		wanList = s.st.ConfigStrings(ctx, "wan_interfaces")
	}
	wanSet := make(map[string]int, len(wanList))
	for i, iface := range wanList {
		wanSet[iface] = i
	}

	samples, err := s.st.InterfaceSamples(ctx)
	if err != nil {
		s.log.Error("sampling interfaces", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to scan firewall logs")
		return
	}

	wanIPs, err := s.st.WANIPsByInterface(ctx, wanList)
	if err != nil {
		s.log.Error("detecting WAN IPs", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to detect WAN addresses")
		return
	}

	var overlay []vpnNetwork
	s.st.GetConfigJSON(ctx, "unifi_vpn_networks", &overlay)
	overlayByIface := make(map[string]vpnNetwork, len(overlay))
	for _, n := range overlay {
		if n.Interface != "" {
			overlayByIface[n.Interface] = n
		}
	}

	segments := make([]networkSegment, 0, len(samples))
	for _, smp := range samples {
		seg := networkSegment{
			Interface:  smp.Interface,
			SampleIP:   smp.SampleIP,
			EventCount: smp.EventCount,
			Label:      heuristicLabel(smp.Interface),
		}
		if idx, ok := wanSet[smp.Interface]; ok {
			seg.IsWAN = true
			seg.SampleIP = wanIPs[smp.Interface]
			if idx == 0 {
				seg.Label = "WAN"
			} else {
				seg.Label = fmt.Sprintf("WAN%d", idx+1)
			}
		} else if p, ok := parser.VPNPrefixFor(smp.Interface); ok {
			seg.VPNBadge = p.Badge
			if n, ok := overlayByIface[smp.Interface]; ok {
				if n.Name != "" {
					seg.Label = n.Name
				}
				if n.Badge != "" {
					seg.VPNBadge = n.Badge
				}
				seg.VPNCIDR = n.CIDR
			}
		}
		segments = append(segments, seg)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"segments": segments})
}

type setupCompleteRequest struct {
	WANInterfaces   []string              `json:"wan_interfaces"`
	InterfaceLabels map[string]string     `json:"interface_labels"`
	VPNNetworks     map[string]vpnNetwork `json:"vpn_networks"`
}

func (s *Server) handleSetupComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req setupCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.WANInterfaces) == 0 {
		WriteError(w, http.StatusBadRequest, "at least one WAN interface is required")
		return
	}

	previousWAN := s.st.ConfigStrings(ctx, "wan_interfaces")
	wanChanged := !sameStrings(previousWAN, req.WANInterfaces)

	if err := s.st.SetConfig(ctx, "wan_interfaces", req.WANInterfaces); err != nil {
		s.log.Error("saving WAN interfaces", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to save configuration")
		return
	}
	if req.InterfaceLabels != nil {
		s.st.SetConfig(ctx, "interface_labels", req.InterfaceLabels)
	}
	if req.VPNNetworks != nil {
		s.st.SetConfig(ctx, "vpn_networks", req.VPNNetworks)
	}

	// Refresh the WAN-IP maps under the new interface set so direction
	// derivation and query exclusions see consistent data immediately.
	if byIface, err := s.st.WANIPsByInterface(ctx, req.WANInterfaces); err == nil && len(byIface) > 0 {
		s.st.SetConfig(ctx, "wan_ip_by_iface", byIface)
	}
	if _, err := s.st.DetectWANIP(ctx); err != nil {
		s.log.Warn("WAN IP detection after setup", "error", err)
	}
	if _, err := s.st.DetectGatewayIPs(ctx); err != nil {
		s.log.Warn("gateway IP detection after setup", "error", err)
	}

	s.st.SetConfig(ctx, "setup_complete", true)
	s.st.SetConfig(ctx, "config_version", s.st.ConfigInt(ctx, "config_version", 0)+1)

	if wanChanged {
		s.st.SetConfig(ctx, "direction_backfill_pending", true)
		s.log.Info("WAN interfaces changed, direction backfill scheduled",
			"previous", previousWAN, "current", req.WANInterfaces)
	}

	s.reload()

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"wan_changed":      wanChanged,
		"backfill_pending": wanChanged,
	})
}

// taggedInterface is one row of the interface explorer.
type taggedInterface struct {
	Interface  string `json:"interface"`
	Type       string `json:"type"`
	Label      string `json:"label,omitempty"`
	EventCount int64  `json:"event_count"`
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	samples, err := s.st.InterfaceSamples(ctx)
	if err != nil {
		s.log.Error("sampling interfaces", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to scan firewall logs")
		return
	}

	wanSet := map[string]bool{}
	for _, iface := range s.st.ConfigStrings(ctx, "wan_interfaces") {
		wanSet[iface] = true
	}
	labels := s.st.ConfigStringMap(ctx, "interface_labels")

	out := make([]taggedInterface, 0, len(samples))
	for _, smp := range samples {
		ti := taggedInterface{
			Interface:  smp.Interface,
			EventCount: smp.EventCount,
			Label:      labels[smp.Interface],
		}
		switch {
		case wanSet[smp.Interface]:
			ti.Type = "wan"
		case parser.IsVPNInterface(smp.Interface):
			ti.Type = "vpn"
		case strings.HasPrefix(smp.Interface, "br") || strings.HasPrefix(smp.Interface, "vlan"):
			ti.Type = "vlan"
		default:
			ti.Type = "eth"
		}
		if ti.Label == "" {
			ti.Label = heuristicLabel(smp.Interface)
		}
		out = append(out, ti)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"interfaces": out})
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
