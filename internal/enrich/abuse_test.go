package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/loginsight/internal/clock"
	"grimm.is/loginsight/internal/store"
)

type fakeThreatStore struct {
	threats  map[string]*store.Threat
	upserted map[string]*store.Threat
	bulk     []store.BlacklistEntry
	config   map[string]any
	wanIPs   []string
	gateways []string
}

func newFakeThreatStore() *fakeThreatStore {
	return &fakeThreatStore{
		threats:  map[string]*store.Threat{},
		upserted: map[string]*store.Threat{},
		config:   map[string]any{},
	}
}

func (f *fakeThreatStore) GetThreat(_ context.Context, ip string, _ int) (*store.Threat, error) {
	if t, ok := f.threats[ip]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeThreatStore) UpsertThreat(_ context.Context, ip string, t *store.Threat) error {
	f.upserted[ip] = t
	return nil
}

func (f *fakeThreatStore) BulkUpsertThreats(_ context.Context, entries []store.BlacklistEntry) (int, error) {
	f.bulk = append(f.bulk, entries...)
	return len(entries), nil
}

func (f *fakeThreatStore) SetConfig(_ context.Context, key string, value any) error {
	f.config[key] = value
	return nil
}

func (f *fakeThreatStore) GetConfigJSON(_ context.Context, key string, dest any) error {
	v, ok := f.config[key]
	if !ok {
		return store.ErrNotFound
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeThreatStore) WANIPs(context.Context) []string     { return f.wanIPs }
func (f *fakeThreatStore) GatewayIPs(context.Context) []string { return f.gateways }

func testClient(t *testing.T, st *fakeThreatStore, handler http.Handler) (*ThreatClient, *clock.MockClock) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clk := clock.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewThreatClient("test-key", "", st, clk, nil)
	c.checkURL = srv.URL + "/check"
	c.feedURL = srv.URL + "/blacklist"
	return c, clk
}

const checkBody = `{"data": {
	"abuseConfidenceScore": 87,
	"usageType": "Data Center/Web Hosting/Transit",
	"hostnames": ["a.example.net", "b.example.net"],
	"totalReports": 42,
	"lastReportedAt": "2025-02-28T10:00:00+00:00",
	"isTor": true,
	"reports": [
		{"categories": [14, 18]},
		{"categories": [18, 22]}
	]
}}`

func TestLookupHitsAPIAndCaches(t *testing.T) {
	st := newFakeThreatStore()
	calls := 0
	c, _ := testClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "test-key", r.Header.Get("Key"))
		assert.Equal(t, "198.51.100.7", r.URL.Query().Get("ipAddress"))
		assert.Equal(t, "90", r.URL.Query().Get("maxAgeInDays"))
		assert.Equal(t, "true", r.URL.Query().Get("verbose"))
		w.Header().Set("X-RateLimit-Limit", "1000")
		w.Header().Set("X-RateLimit-Remaining", "743")
		fmt.Fprint(w, checkBody)
	}))

	got, err := c.Lookup(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, 87, got.Score)
	assert.Equal(t, []string{"14", "18", "22"}, got.Categories)
	assert.Equal(t, "Data Center/Web Hosting/Transit", got.UsageType)
	assert.Equal(t, "a.example.net, b.example.net", got.Hostnames)
	require.NotNil(t, got.TotalReports)
	assert.Equal(t, 42, *got.TotalReports)
	require.NotNil(t, got.IsTor)
	assert.True(t, *got.IsTor)
	assert.Nil(t, got.IsWhitelisted)

	// Written through to the persistent cache.
	assert.Contains(t, st.upserted, "198.51.100.7")

	// Second call is served from memory.
	_, err = c.Lookup(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	assert.Equal(t, 257, c.DailyUsage())
	assert.Equal(t, 743, c.RemainingBudget())
}

func TestLookupPromotesDBCache(t *testing.T) {
	st := newFakeThreatStore()
	st.threats["203.0.113.9"] = &store.Threat{Score: 55, Categories: []string{"18"}}
	c, _ := testClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API must not be called when the DB cache is fresh")
	}))

	got, err := c.Lookup(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 55, got.Score)
	assert.Equal(t, 1, c.CacheSize())
}

func TestLookupExcludedIP(t *testing.T) {
	st := newFakeThreatStore()
	c, _ := testClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("excluded IPs must never reach the API")
	}))
	c.ExcludeIP("198.51.100.1")

	got, err := c.Lookup(context.Background(), "198.51.100.1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLookupDisabledWithoutKey(t *testing.T) {
	c := NewThreatClient("", "", newFakeThreatStore(), clock.NewMockClock(time.Now()), nil)
	got, err := c.Lookup(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func Test429PausesViaRetryAfter(t *testing.T) {
	st := newFakeThreatStore()
	calls := 0
	c, clk := testClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	got, err := c.Lookup(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, c.RemainingBudget())

	// Still paused: no further API traffic.
	_, _ = c.Lookup(context.Background(), "198.51.100.8")
	assert.Equal(t, 1, calls)

	// After the pause expires lookups resume (remaining was forced to 0,
	// but there is no reset timestamp so the pause alone gated calls).
	clk.Advance(121 * time.Second)
	assert.Equal(t, 0, c.RemainingBudget())
}

func TestQuotaResetReopensBudget(t *testing.T) {
	st := newFakeThreatStore()
	// One hour past the mock clock's start time.
	reset := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	c, clk := testClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "1000")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset.Unix()))
		fmt.Fprint(w, checkBody)
	}))

	_, err := c.Lookup(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.False(t, c.canCall(), "budget exhausted")

	// Once the reset timestamp passes, the state clears and one bootstrap
	// call is allowed again.
	clk.Advance(2 * time.Hour)
	assert.True(t, c.canCall())
	assert.Equal(t, 0, c.RemainingBudget(), "unknown state reports zero budget")
}

func Test429RecordsResetForRecovery(t *testing.T) {
	st := newFakeThreatStore()
	reset := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	c, clk := testClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset.Unix()))
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	got, err := c.Lookup(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.Nil(t, got)

	state := c.State()
	require.NotNil(t, state.ResetAt, "429 must record the reset timestamp")
	assert.Equal(t, reset.Unix(), *state.ResetAt)

	// Once the quota renews the state clears and the bootstrap call is
	// allowed again, even though this session only ever saw the 429.
	clk.Advance(2 * time.Hour)
	assert.True(t, c.canCall())
}

func TestPersistedPauseSurvivesRestart(t *testing.T) {
	st := newFakeThreatStore()
	path := filepath.Join(t.TempDir(), "stats.json")

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limit, remaining := 1000, 0
	reset := base.Add(45 * time.Minute).Unix()
	paused := base.Add(30 * time.Minute).Unix()
	data, err := json.Marshal(RateLimitState{
		Limit: &limit, Remaining: &remaining, ResetAt: &reset, PausedUntil: &paused,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c := NewThreatClient("test-key", path, st, clock.NewMockClock(base), nil)

	assert.False(t, c.canCall(), "persisted pause must gate calls after restart")
	assert.Equal(t, 0, c.RemainingBudget())
	state := c.State()
	require.NotNil(t, state.Limit)
	assert.Equal(t, 1000, *state.Limit)
	require.NotNil(t, state.ResetAt)
	assert.Equal(t, reset, *state.ResetAt)

	// The startup mirror write carries the restored state, not a blank one.
	mirrored, ok := st.config["abuseipdb_rate_limit"].(RateLimitState)
	require.True(t, ok)
	require.NotNil(t, mirrored.Remaining)
	assert.Equal(t, 0, *mirrored.Remaining)
}

func TestPersistedStateFallsBackToConfigStore(t *testing.T) {
	st := newFakeThreatStore()
	remaining := 7
	st.config["abuseipdb_rate_limit"] = RateLimitState{Remaining: &remaining}

	c := NewThreatClient("test-key", filepath.Join(t.TempDir(), "missing.json"), st,
		clock.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), nil)

	assert.Equal(t, 7, c.RemainingBudget())
}

func TestFetchBlacklistFiltersOwnIPs(t *testing.T) {
	st := newFakeThreatStore()
	st.wanIPs = []string{"198.51.100.1"}
	st.gateways = []string{"192.168.1.1"}

	c, _ := testClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "75", r.URL.Query().Get("confidenceMinimum"))
		assert.Equal(t, "10000", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `{"data": [
			{"ipAddress": "198.51.100.1", "abuseConfidenceScore": 99},
			{"ipAddress": "203.0.113.50", "abuseConfidenceScore": 80},
			{"ipAddress": "203.0.113.51"}
		]}`)
	}))

	n, err := c.FetchBlacklist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, st.bulk, 2)
	assert.Equal(t, "203.0.113.50", st.bulk[0].IP)
	assert.Equal(t, 80, st.bulk[0].Score)
	assert.Equal(t, []string{"blacklist"}, st.bulk[0].Categories)
	assert.Equal(t, 100, st.bulk[1].Score, "missing score defaults to 100")
}

func TestFetchBlacklist429ReturnsZero(t *testing.T) {
	st := newFakeThreatStore()
	c, _ := testClient(t, st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	n, err := c.FetchBlacklist(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, st.bulk)
}
