package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"grimm.is/loginsight/internal/parser"
)

// Keys included in a config export. Credentials (unifi_username,
// unifi_password) and controller-internal identifiers (unifi_site_id) are
// never exported; the API key only on explicit request.
var exportableKeys = []string{
	"wan_interfaces",
	"interface_labels",
	"vpn_networks",
	"setup_complete",
	"config_version",
	"unifi_enabled",
	"unifi_host",
	"unifi_site",
	"unifi_verify_ssl",
	"unifi_poll_interval",
	"unifi_features",
	"unifi_controller_name",
	"unifi_controller_type",
	"retention_days",
	"dns_retention_days",
}

// Keys stripped from the general config view.
var secretKeys = map[string]bool{
	"unifi_api_key":  true,
	"unifi_password": true,
	"unifi_username": true,
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	all, err := s.st.AllConfig(r.Context())
	if err != nil {
		s.log.Error("reading config", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to read configuration")
		return
	}
	for k := range all {
		if secretKeys[k] {
			delete(all, k)
		}
	}
	WriteJSON(w, http.StatusOK, all)
}

type configExport struct {
	Version        int                        `json:"version"`
	ExportedAt     time.Time                  `json:"exported_at"`
	IncludesAPIKey bool                       `json:"includes_api_key"`
	Config         map[string]json.RawMessage `json:"config"`
}

func (s *Server) handleConfigExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	includeKey := r.URL.Query().Get("include_api_key") == "true"

	all, err := s.st.AllConfig(ctx)
	if err != nil {
		s.log.Error("reading config", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to read configuration")
		return
	}

	out := configExport{
		Version:    1,
		ExportedAt: s.clk.Now().UTC(),
		Config:     map[string]json.RawMessage{},
	}
	for _, k := range exportableKeys {
		if v, ok := all[k]; ok {
			out.Config[k] = v
		}
	}
	if includeKey {
		// Stored encrypted under this instance's database password; export
		// the plaintext so another instance can import and re-encrypt.
		if enc := s.st.ConfigString(ctx, "unifi_api_key", ""); enc != "" {
			if plain := s.st.DecryptAPIKey(enc); plain != "" {
				raw, _ := json.Marshal(plain)
				out.Config["unifi_api_key"] = raw
				out.IncludesAPIKey = true
			}
		}
	}

	w.Header().Set("Content-Disposition",
		`attachment; filename="loginsight-config-`+s.clk.Now().Format("20060102")+`.json"`)
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfigImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in configExport
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid import payload")
		return
	}
	if len(in.Config) == 0 {
		WriteError(w, http.StatusBadRequest, "import payload has no config")
		return
	}

	allowed := make(map[string]bool, len(exportableKeys))
	for _, k := range exportableKeys {
		allowed[k] = true
	}

	var imported, failed []string
	for k, v := range in.Config {
		switch {
		case k == "unifi_api_key":
			var plain string
			if err := json.Unmarshal(v, &plain); err != nil || plain == "" {
				failed = append(failed, k)
				continue
			}
			enc, err := s.st.EncryptAPIKey(plain)
			if err != nil {
				failed = append(failed, k)
				continue
			}
			if err := s.st.SetConfig(ctx, k, enc); err != nil {
				failed = append(failed, k)
				continue
			}
			imported = append(imported, k)
		case allowed[k]:
			if err := s.st.SetConfig(ctx, k, v); err != nil {
				failed = append(failed, k)
				continue
			}
			imported = append(imported, k)
		default:
			failed = append(failed, k)
		}
	}

	if s.uc != nil {
		s.uc.Reload(ctx)
	}
	s.reload()

	WriteJSON(w, http.StatusOK, map[string]any{
		"imported_keys": imported,
		"failed_keys":   failed,
	})
}

const (
	defaultRetentionDays    = 90
	defaultDNSRetentionDays = 30
)

// retentionValue is an effective horizon with where it came from.
type retentionValue struct {
	Days   int    `json:"days"`
	Source string `json:"source"`
}

// effectiveRetention resolves each horizon as UI > environment > default.
func (s *Server) effectiveRetention(ctx context.Context) (general, dns retentionValue) {
	general = retentionValue{Days: defaultRetentionDays, Source: "default"}
	dns = retentionValue{Days: defaultDNSRetentionDays, Source: "default"}

	if s.cfg.RetentionDays != nil {
		general = retentionValue{Days: *s.cfg.RetentionDays, Source: "env"}
	}
	if s.cfg.DNSRetentionDays != nil {
		dns = retentionValue{Days: *s.cfg.DNSRetentionDays, Source: "env"}
	}

	var ui int
	if err := s.st.GetConfigJSON(ctx, "retention_days", &ui); err == nil && ui > 0 {
		general = retentionValue{Days: ui, Source: "ui"}
	}
	ui = 0
	if err := s.st.GetConfigJSON(ctx, "dns_retention_days", &ui); err == nil && ui > 0 {
		dns = retentionValue{Days: ui, Source: "ui"}
	}
	return general, dns
}

// Slider stops offered by the retention UI.
var retentionSteps = []int{60, 120, 180, 270, 365}

func (s *Server) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	general, dns := s.effectiveRetention(ctx)

	resp := map[string]any{
		"retention_days":     general,
		"dns_retention_days": dns,
	}

	// Extrapolate row counts per slider stop from the last week's non-DNS
	// rate. Too little history makes the estimate meaningless.
	count, span, err := s.st.RecentVolume(ctx)
	if err == nil && span >= 12*time.Hour && count >= 10 {
		perDay := float64(count) / span.Hours() * 24
		estimates := make(map[string]int64, len(retentionSteps))
		for _, days := range retentionSteps {
			estimates[strconv.Itoa(days)] = int64(perDay * float64(days))
		}
		resp["estimated_rows"] = estimates
	} else {
		resp["estimated_rows"] = nil
	}

	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetRetention(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		RetentionDays    *int `json:"retention_days"`
		DNSRetentionDays *int `json:"dns_retention_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RetentionDays == nil && req.DNSRetentionDays == nil {
		WriteError(w, http.StatusBadRequest, "no retention values provided")
		return
	}
	for _, v := range []*int{req.RetentionDays, req.DNSRetentionDays} {
		if v != nil && (*v < 1 || *v > 3650) {
			WriteError(w, http.StatusBadRequest, "retention must be between 1 and 3650 days")
			return
		}
	}

	if req.RetentionDays != nil {
		if err := s.st.SetConfig(ctx, "retention_days", *req.RetentionDays); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to save retention")
			return
		}
	}
	if req.DNSRetentionDays != nil {
		if err := s.st.SetConfig(ctx, "dns_retention_days", *req.DNSRetentionDays); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to save retention")
			return
		}
	}

	general, dns := s.effectiveRetention(ctx)
	WriteJSON(w, http.StatusOK, map[string]any{
		"retention_days":     general,
		"dns_retention_days": dns,
	})
}

func (s *Server) handleRetentionCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	general, dns := s.effectiveRetention(ctx)

	deleted, err := s.st.RunRetention(ctx, general.Days, dns.Days)
	if err != nil {
		s.log.Error("manual retention cleanup", "error", err)
		WriteError(w, http.StatusInternalServerError, "retention cleanup failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"deleted":            deleted,
		"retention_days":     general.Days,
		"dns_retention_days": dns.Days,
	})
}

func (s *Server) handleSetVPNNetworks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req map[string]vpnNetwork
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for iface, n := range req {
		if _, _, err := net.ParseCIDR(n.CIDR); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid CIDR for "+iface, n.CIDR)
			return
		}
	}

	if err := s.st.SetConfig(ctx, "vpn_networks", req); err != nil {
		s.log.Error("saving VPN networks", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to save VPN networks")
		return
	}

	// Drop interface labels for VPN interfaces no longer configured.
	labels := s.st.ConfigStringMap(ctx, "interface_labels")
	changed := false
	for iface := range labels {
		if _, keep := req[iface]; !keep && parser.IsVPNInterface(iface) {
			delete(labels, iface)
			changed = true
		}
	}
	if changed {
		s.st.SetConfig(ctx, "interface_labels", labels)
	}

	s.reload()
	WriteJSON(w, http.StatusOK, map[string]any{"vpn_networks": req})
}
