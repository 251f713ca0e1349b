package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"grimm.is/loginsight/internal/clock"
	"grimm.is/loginsight/internal/logging"
	"grimm.is/loginsight/internal/store"
)

const (
	abuseCheckURL     = "https://api.abuseipdb.com/api/v2/check"
	abuseBlacklistURL = "https://api.abuseipdb.com/api/v2/blacklist"

	// Cache entries older than this are refreshed from the API.
	abuseStaleDays = 4
	abuseCacheTTL  = 24 * time.Hour

	// Calls held in reserve. Zero: first come, first served.
	safetyBuffer = 0

	abuseCheckTimeout     = 5 * time.Second
	abuseBlacklistTimeout = 30 * time.Second
)

// ThreatStore is the slice of the store the threat client needs.
type ThreatStore interface {
	GetThreat(ctx context.Context, ip string, maxAgeDays int) (*store.Threat, error)
	UpsertThreat(ctx context.Context, ip string, t *store.Threat) error
	BulkUpsertThreats(ctx context.Context, entries []store.BlacklistEntry) (int, error)
	SetConfig(ctx context.Context, key string, value any) error
	GetConfigJSON(ctx context.Context, key string, dest any) error
	WANIPs(ctx context.Context) []string
	GatewayIPs(ctx context.Context) []string
}

// RateLimitState mirrors the provider's quota headers. Nil fields mean the
// state has not been learned yet (no call made since startup or quota reset).
type RateLimitState struct {
	Limit       *int   `json:"limit"`
	Remaining   *int   `json:"remaining"`
	ResetAt     *int64 `json:"reset_at"`
	PausedUntil *int64 `json:"paused_until"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// ThreatClient looks up IP reputations against AbuseIPDB with a two-tier
// cache: a 24h in-memory layer over the ip_threats table. The provider's own
// rate-limit headers are the single source of truth for budgeting.
type ThreatClient struct {
	apiKey    string
	checkURL  string
	feedURL   string
	statsPath string
	store     ThreatStore
	http      *http.Client
	feedHTTP  *http.Client
	cache     *gocache.Cache
	clk       clock.Clock
	log       *logging.Logger

	mu          sync.Mutex
	limit       *int
	remaining   *int
	resetAt     *int64
	pausedUntil int64
	excluded    map[string]struct{}
}

// NewThreatClient builds the client. An empty API key disables lookups.
func NewThreatClient(apiKey, statsPath string, st ThreatStore, clk clock.Clock, log *logging.Logger) *ThreatClient {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if log == nil {
		log = logging.Default()
	}
	c := &ThreatClient{
		apiKey:    apiKey,
		checkURL:  abuseCheckURL,
		feedURL:   abuseBlacklistURL,
		statsPath: statsPath,
		store:     st,
		http:      &http.Client{Timeout: abuseCheckTimeout},
		feedHTTP:  &http.Client{Timeout: abuseBlacklistTimeout},
		cache:     gocache.New(abuseCacheTTL, 10*time.Minute),
		clk:       clk,
		log:       log.WithComponent("abuseipdb"),
		excluded:  make(map[string]struct{}),
	}
	if c.Enabled() {
		c.log.Info("threat enrichment enabled", "safety_buffer", safetyBuffer)
		c.loadStats(context.Background())
		c.writeStats(context.Background())
	} else {
		c.log.Warn("API key not set, threat enrichment disabled")
	}
	return c
}

// loadStats restores the persisted rate-limit state, so a 429 pause or an
// exhausted budget survives a restart instead of being overwritten with a
// blank slate. The stats file is preferred, the config store is the
// fallback, matching the read order of the status API.
func (c *ThreatClient) loadStats(ctx context.Context) {
	var st RateLimitState
	loaded := false

	if c.statsPath != "" {
		if data, err := os.ReadFile(c.statsPath); err == nil {
			if err := json.Unmarshal(data, &st); err == nil {
				loaded = true
			}
		}
	}
	if !loaded && c.store != nil {
		if err := c.store.GetConfigJSON(ctx, "abuseipdb_rate_limit", &st); err == nil {
			loaded = true
		}
	}
	if !loaded {
		return
	}

	c.mu.Lock()
	c.limit = st.Limit
	c.remaining = st.Remaining
	c.resetAt = st.ResetAt
	if st.PausedUntil != nil {
		c.pausedUntil = *st.PausedUntil
	}
	c.mu.Unlock()
	c.log.Info("restored rate-limit state",
		"remaining", intOrNil(st.Remaining), "paused_until", int64OrNil(st.PausedUntil))
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64OrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Enabled reports whether an API key is configured.
func (c *ThreatClient) Enabled() bool { return c.apiKey != "" }

// ExcludeIP marks an address (the gateway's own WAN IP) as never looked up.
func (c *ThreatClient) ExcludeIP(ip string) {
	if ip == "" {
		return
	}
	c.mu.Lock()
	_, known := c.excluded[ip]
	c.excluded[ip] = struct{}{}
	c.mu.Unlock()
	if !known {
		c.log.Info("excluding IP from lookups", "ip", ip)
	}
}

// DeleteCached drops an IP from the memory cache so the next lookup goes to
// the database or API.
func (c *ThreatClient) DeleteCached(ip string) {
	c.cache.Delete(ip)
}

// CacheSize returns the memory cache entry count.
func (c *ThreatClient) CacheSize() int { return c.cache.ItemCount() }

// canCall decides whether an API call is allowed right now. The unknown
// state (startup or just after a quota reset) allows one call to learn the
// headers.
func (c *ThreatClient) canCall() bool {
	now := c.clk.Now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now < c.pausedUntil {
		return false
	}
	if c.resetAt != nil && now > *c.resetAt {
		c.log.Info("quota reset passed, clearing rate-limit state", "reset_at", *c.resetAt)
		c.remaining = nil
		c.resetAt = nil
		c.pausedUntil = 0
	}
	if c.remaining == nil {
		return true
	}
	return *c.remaining > safetyBuffer
}

// RemainingBudget returns how many calls are left this period, or 0 when the
// state is unknown so bulk consumers never guess.
func (c *ThreatClient) RemainingBudget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining == nil {
		return 0
	}
	if n := *c.remaining - safetyBuffer; n > 0 {
		return n
	}
	return 0
}

// DailyUsage derives calls used this period from the provider's headers.
func (c *ThreatClient) DailyUsage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit == nil || c.remaining == nil {
		return 0
	}
	return *c.limit - *c.remaining
}

// State snapshots the rate-limit state for status endpoints.
func (c *ThreatClient) State() RateLimitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *ThreatClient) stateLocked() RateLimitState {
	st := RateLimitState{Limit: c.limit, Remaining: c.remaining, ResetAt: c.resetAt}
	if c.pausedUntil > c.clk.Now().Unix() {
		p := c.pausedUntil
		st.PausedUntil = &p
	}
	st.UpdatedAt = c.clk.Now().UTC().Format(time.RFC3339)
	return st
}

// writeStats mirrors the rate-limit state to the shared stats file and the
// config store, for the API process and UI. Failures are non-critical.
func (c *ThreatClient) writeStats(ctx context.Context) {
	c.mu.Lock()
	st := c.stateLocked()
	c.mu.Unlock()

	if c.statsPath != "" {
		if data, err := json.Marshal(st); err == nil {
			if err := os.WriteFile(c.statsPath, data, 0o644); err != nil {
				c.log.Debug("stats file write failed", "path", c.statsPath, "error", err)
			}
		}
	}
	if c.store != nil {
		if err := c.store.SetConfig(ctx, "abuseipdb_rate_limit", st); err != nil {
			c.log.Debug("rate-limit config mirror failed", "error", err)
		}
	}
}

func (c *ThreatClient) updateRateLimits(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.limit = &n
		}
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.remaining = &n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.resetAt = &ts
		}
	}
}

// handle429 pauses lookups until the quota renews: Retry-After if present,
// else the reset timestamp, else one hour.
func (c *ThreatClient) handle429(h http.Header) {
	now := c.clk.Now().Unix()

	c.mu.Lock()
	switch {
	case h.Get("Retry-After") != "":
		if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil {
			c.pausedUntil = now + int64(secs)
		} else {
			c.pausedUntil = now + 3600
		}
	case h.Get("X-RateLimit-Reset") != "":
		if ts, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			c.pausedUntil = ts
		} else {
			c.pausedUntil = now + 3600
		}
	default:
		c.pausedUntil = now + 3600
	}
	// Keep the reset timestamp too, so quota-reset detection reopens the
	// gate even when the 429 was the only call this session made.
	if ts, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		c.resetAt = &ts
	}
	zero := 0
	c.remaining = &zero
	paused := c.pausedUntil
	c.mu.Unlock()

	c.log.Warn("rate limited (429), lookups paused", "until", time.Unix(paused, 0).UTC().Format(time.RFC3339))
}

type abuseCheckResponse struct {
	Data struct {
		AbuseConfidenceScore int      `json:"abuseConfidenceScore"`
		UsageType            string   `json:"usageType"`
		Hostnames            []string `json:"hostnames"`
		TotalReports         *int     `json:"totalReports"`
		LastReportedAt       string   `json:"lastReportedAt"`
		IsWhitelisted        bool     `json:"isWhitelisted"`
		IsTor                bool     `json:"isTor"`
		Reports              []struct {
			Categories []int `json:"categories"`
		} `json:"reports"`
	} `json:"data"`
}

// Lookup resolves the reputation of ip. Returns nil without error when the
// client is disabled, the IP is excluded, or no budget remains.
func (c *ThreatClient) Lookup(ctx context.Context, ip string) (*store.Threat, error) {
	if !c.Enabled() {
		return nil, nil
	}
	c.mu.Lock()
	_, skip := c.excluded[ip]
	c.mu.Unlock()
	if skip {
		return nil, nil
	}

	if cached, ok := c.cache.Get(ip); ok {
		return cached.(*store.Threat), nil
	}

	if c.store != nil {
		t, err := c.store.GetThreat(ctx, ip, abuseStaleDays)
		if err == nil {
			c.cache.Set(ip, t, gocache.DefaultExpiration)
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Debug("threat cache read failed", "ip", ip, "error", err)
		}
	}

	if !c.canCall() {
		return nil, nil
	}
	return c.checkAPI(ctx, ip)
}

func (c *ThreatClient) checkAPI(ctx context.Context, ip string) (*store.Threat, error) {
	q := url.Values{}
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", "90")
	q.Set("verbose", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.checkURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("check request failed", "ip", ip, "error", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.handle429(resp.Header)
		c.writeStats(ctx)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("check returned error status", "ip", ip, "status", resp.StatusCode)
		return nil, nil
	}

	var body abuseCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.log.Warn("check response decode failed", "ip", ip, "error", err)
		return nil, nil
	}

	t := threatFromCheck(&body)
	c.updateRateLimits(resp.Header)

	if c.store != nil {
		if err := c.store.UpsertThreat(ctx, ip, t); err != nil {
			c.log.Debug("threat cache write failed", "ip", ip, "error", err)
		}
	}
	c.writeStats(ctx)
	c.cache.Set(ip, t, gocache.DefaultExpiration)
	return t, nil
}

// threatFromCheck converts a verbose check response, aggregating report
// categories into a sorted deduplicated set.
func threatFromCheck(body *abuseCheckResponse) *store.Threat {
	d := &body.Data

	cats := map[string]struct{}{}
	for _, rep := range d.Reports {
		for _, cat := range rep.Categories {
			cats[strconv.Itoa(cat)] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(cats))
	for cat := range cats {
		sorted = append(sorted, cat)
	}
	sort.Strings(sorted)

	t := &store.Threat{
		Score:        d.AbuseConfidenceScore,
		Categories:   sorted,
		UsageType:    d.UsageType,
		Hostnames:    strings.Join(d.Hostnames, ", "),
		TotalReports: d.TotalReports,
	}
	if d.LastReportedAt != "" {
		if ts, err := time.Parse(time.RFC3339, d.LastReportedAt); err == nil {
			t.LastReported = &ts
		}
	}
	if d.IsWhitelisted {
		v := true
		t.IsWhitelisted = &v
	}
	if d.IsTor {
		v := true
		t.IsTor = &v
	}
	return t
}

type abuseBlacklistResponse struct {
	Data []struct {
		IPAddress            string `json:"ipAddress"`
		AbuseConfidenceScore *int   `json:"abuseConfidenceScore"`
	} `json:"data"`
}

// FetchBlacklist pulls the provider's high-confidence blacklist feed and
// bulk-loads it into the threat cache. The gateway's own WAN and internal
// IPs are filtered out first. Returns the number of entries loaded.
func (c *ThreatClient) FetchBlacklist(ctx context.Context) (int, error) {
	if !c.Enabled() || c.store == nil {
		return 0, nil
	}

	q := url.Values{}
	q.Set("confidenceMinimum", "75")
	q.Set("limit", "10000")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.feedHTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("blacklist fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.log.Warn("blacklist fetch rate limited, skipping this run")
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("blacklist fetch: status %d", resp.StatusCode)
	}

	var body abuseBlacklistResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("blacklist decode: %w", err)
	}

	own := map[string]struct{}{}
	if c.store != nil {
		for _, ip := range append(c.store.WANIPs(ctx), c.store.GatewayIPs(ctx)...) {
			own[ip] = struct{}{}
		}
	}

	entries := make([]store.BlacklistEntry, 0, len(body.Data))
	filtered := 0
	for _, row := range body.Data {
		if row.IPAddress == "" {
			continue
		}
		if _, skip := own[row.IPAddress]; skip {
			filtered++
			continue
		}
		score := 100
		if row.AbuseConfidenceScore != nil {
			score = *row.AbuseConfidenceScore
		}
		entries = append(entries, store.BlacklistEntry{
			IP:         row.IPAddress,
			Score:      score,
			Categories: []string{"blacklist"},
		})
	}
	if filtered > 0 {
		c.log.Info("filtered own IPs from blacklist feed", "count", filtered)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return c.store.BulkUpsertThreats(ctx, entries)
}
