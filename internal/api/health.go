package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"grimm.is/loginsight/internal/enrich"
	"grimm.is/loginsight/internal/store"
)

// rateLimitState reads the threat-client quota state, preferring the shared
// stats file over the config-store mirror. Both are written by whichever
// process last talked to the provider; the fresher one wins.
func (s *Server) rateLimitState(ctx context.Context) (enrich.RateLimitState, string) {
	var fileState, dbState enrich.RateLimitState
	fileOK, dbOK := false, false

	if s.cfg.StatsFilePath != "" {
		if data, err := os.ReadFile(s.cfg.StatsFilePath); err == nil {
			fileOK = json.Unmarshal(data, &fileState) == nil
		}
	}
	if err := s.st.GetConfigJSON(ctx, "abuseipdb_rate_limit", &dbState); err == nil {
		dbOK = true
	}

	switch {
	case fileOK && dbOK:
		ft, _ := time.Parse(time.RFC3339, fileState.UpdatedAt)
		dt, _ := time.Parse(time.RFC3339, dbState.UpdatedAt)
		if dt.After(ft) {
			return dbState, "config"
		}
		return fileState, "file"
	case fileOK:
		return fileState, "file"
	case dbOK:
		return dbState, "config"
	}
	return enrich.RateLimitState{}, "none"
}

// quotaResetPending reports that the provider's reset time has passed but the
// stored state still shows zero remaining calls: the next lookup will refresh
// the headers.
func quotaResetPending(st enrich.RateLimitState, now time.Time) bool {
	return st.ResetAt != nil && now.Unix() > *st.ResetAt &&
		st.Remaining != nil && *st.Remaining == 0
}

// nextGeoIPUpdate returns the next scheduled database refresh. MaxMind
// publishes Tuesdays and Fridays; the bundled updater runs the following
// mornings.
func nextGeoIPUpdate(now time.Time) time.Time {
	for d := 0; d <= 7; d++ {
		day := now.AddDate(0, 0, d)
		if wd := day.Weekday(); wd != time.Wednesday && wd != time.Saturday {
			continue
		}
		at := time.Date(day.Year(), day.Month(), day.Day(), 7, 0, 0, 0, now.Location())
		if at.After(now) {
			return at
		}
	}
	return now
}

func fileMtime(path string) *time.Time {
	if path == "" {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	t := fi.ModTime().UTC()
	return &t
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.clk.Now()

	resp := map[string]any{
		"status":  "ok",
		"version": Version,
		"uptime":  now.Sub(s.startTime).Round(time.Second).String(),
	}

	if err := s.st.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["database"] = "unreachable"
	} else {
		resp["database"] = "ok"
	}

	total, err := s.st.CountLogs(ctx, "")
	if err == nil {
		resp["total_logs"] = total
	}
	if oldest, err := s.st.OldestLog(ctx); err == nil {
		resp["oldest_log"] = oldest.UTC()
	}
	if latest, err := s.st.LatestLog(ctx); err == nil {
		resp["latest_log"] = latest.UTC()
	}

	general, dns := s.effectiveRetention(ctx)
	resp["retention"] = map[string]any{
		"retention_days":     general,
		"dns_retention_days": dns,
	}

	state, source := s.rateLimitState(ctx)
	resp["abuseipdb"] = map[string]any{
		"enabled":             s.threatClient() != nil && s.threatClient().Enabled(),
		"rate_limit":          state,
		"rate_limit_source":   source,
		"quota_reset_pending": quotaResetPending(state, now),
	}

	geo := map[string]any{
		"next_update_check": nextGeoIPUpdate(now),
	}
	if g := s.geoIP(); g != nil {
		geo["city_loaded"] = g.CityLoaded()
		geo["asn_loaded"] = g.ASNLoaded()
		geo["city_mtime"] = fileMtime(g.CityPath())
		geo["asn_mtime"] = fileMtime(g.ASNPath())
	}
	resp["geoip"] = geo

	if s.recv != nil {
		resp["receiver"] = s.recv.Stats()
	}

	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) threatClient() *enrich.ThreatClient {
	if s.enricher == nil {
		return nil
	}
	return s.enricher.Threat()
}

func (s *Server) geoIP() *enrich.GeoIP {
	if s.enricher == nil {
		return nil
	}
	return s.enricher.GeoIP()
}

func (s *Server) handleAbuseStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.clk.Now()
	tc := s.threatClient()

	state, source := s.rateLimitState(ctx)
	resp := map[string]any{
		"enabled":             tc != nil && tc.Enabled(),
		"rate_limit":          state,
		"rate_limit_source":   source,
		"quota_reset_pending": quotaResetPending(state, now),
	}
	if tc != nil {
		resp["remaining_budget"] = tc.RemainingBudget()
		resp["daily_usage"] = tc.DailyUsage()
		resp["cache_size"] = tc.CacheSize()
	}
	WriteJSON(w, http.StatusOK, resp)
}

// How far back looked_up_at is pushed to force a fresh provider call.
const enrichBackdateDays = 30

func (s *Server) handleManualEnrich(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := r.PathValue("ip")

	if net.ParseIP(ip) == nil {
		WriteError(w, http.StatusBadRequest, "invalid IP address")
		return
	}
	if !enrich.IsPublicIP(ip) {
		WriteError(w, http.StatusBadRequest, "Cannot enrich private IP")
		return
	}

	excluded := append(s.st.WANIPs(ctx), s.st.GatewayIPs(ctx)...)
	for _, own := range excluded {
		if own == ip {
			WriteError(w, http.StatusBadRequest, "Cannot enrich WAN/gateway IP")
			return
		}
	}

	tc := s.threatClient()
	if tc == nil || !tc.Enabled() {
		WriteError(w, http.StatusBadRequest, "threat enrichment is not configured")
		return
	}

	now := s.clk.Now().Unix()
	state := tc.State()
	if state.PausedUntil != nil && *state.PausedUntil > now {
		WriteError(w, http.StatusTooManyRequests, "rate limited, lookups paused")
		return
	}
	quotaRenewed := state.ResetAt != nil && now > *state.ResetAt
	if state.Remaining != nil && tc.RemainingBudget() == 0 && !quotaRenewed {
		WriteError(w, http.StatusTooManyRequests, "daily lookup budget exhausted")
		return
	}

	// Invalidate both cache tiers so the lookup hits the provider.
	tc.DeleteCached(ip)
	if err := s.st.BackdateThreat(ctx, ip, enrichBackdateDays); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("backdating threat cache", "ip", ip, "error", err)
	}

	threat, err := tc.Lookup(ctx, ip)
	if err != nil {
		s.log.Error("manual lookup", "ip", ip, "error", err)
		WriteError(w, http.StatusBadGateway, "threat lookup failed")
		return
	}
	if threat == nil {
		WriteError(w, http.StatusBadGateway, "threat lookup returned no data")
		return
	}

	patched, err := s.st.PatchLogsForIP(ctx, ip, excluded)
	if err != nil {
		s.log.Warn("patching logs after manual lookup", "ip", ip, "error", err)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"ip":               ip,
		"threat":           threat,
		"logs_patched":     patched,
		"remaining_budget": tc.RemainingBudget(),
	})
}
