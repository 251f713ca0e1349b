package unifi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/loginsight/internal/config"
)

// fakeLegacyController serves the cookie-authenticated classic API surface:
// POST /api/login, the site listing, and classic endpoints under
// /api/s/{_id}/ with no proxy prefix.
type fakeLegacyController struct {
	t          *testing.T
	username   string
	password   string
	logins     atomic.Int64
	expireNext atomic.Bool
}

func (f *fakeLegacyController) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&creds))
		if creds.Username != f.username || creds.Password != f.password {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"meta": {"rc": "error", "msg": "api.err.Invalid"}}`)
			return
		}
		f.logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "unifises", Value: "session-token"})
		w.Header().Set("X-Csrf-Token", "csrf-abc")
		fmt.Fprint(w, `{"meta": {"rc": "ok"}, "data": []}`)
	})
	mux.HandleFunc("GET /api/self/sites", func(w http.ResponseWriter, r *http.Request) {
		if f.maybeExpire(w, r) {
			return
		}
		fmt.Fprint(w, `{"data": [
			{"_id": "abc123", "name": "default", "desc": "Head Office"},
			{"_id": "def456", "name": "s2xk1m", "desc": "Branch"}
		]}`)
	})
	mux.HandleFunc("GET /api/s/abc123/stat/sysinfo", func(w http.ResponseWriter, r *http.Request) {
		if f.maybeExpire(w, r) {
			return
		}
		fmt.Fprint(w, `{"data": [{"name": "UniFi Controller", "version": "7.5.187"}]}`)
	})
	mux.HandleFunc("GET /api/s/abc123/stat/sta", func(w http.ResponseWriter, r *http.Request) {
		if f.maybeExpire(w, r) {
			return
		}
		fmt.Fprint(w, `{"data": [{"mac": "aa:bb:cc:dd:ee:ff", "ip": "192.168.1.50", "name": "Printer"}]}`)
	})
	return mux
}

// maybeExpire simulates a lapsed session once: controllers of this era
// answer HTTP 200 with a body-level LoginRequired error.
func (f *fakeLegacyController) maybeExpire(w http.ResponseWriter, r *http.Request) bool {
	if _, err := r.Cookie("unifises"); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return true
	}
	if f.expireNext.CompareAndSwap(true, false) {
		fmt.Fprint(w, `{"meta": {"rc": "error", "msg": "api.err.LoginRequired"}}`)
		return true
	}
	return false
}

func legacyClient(t *testing.T, host string) *Client {
	t.Helper()
	st := newFakeConfigStore()
	st.values["unifi_enabled"] = true
	st.values["unifi_host"] = host
	st.values["unifi_controller_type"] = "legacy"
	st.values["unifi_username"] = "admin"
	st.values["unifi_password"] = "hunter2"
	st.values["unifi_site"] = "default"
	return NewClient(config.UniFi{}, st, nil)
}

func TestLegacyTestConnection(t *testing.T) {
	ctrl := &fakeLegacyController{t: t, username: "admin", password: "hunter2"}
	srv := httptest.NewServer(ctrl.handler())
	defer srv.Close()

	c := NewClient(config.UniFi{}, newFakeConfigStore(), nil)
	res := c.TestConnection(context.Background(), TestParams{
		Host: srv.URL, Username: "admin", Password: "hunter2",
		Site: "default", ControllerType: "legacy", VerifySSL: true,
	})

	assert.True(t, res.Success)
	assert.Equal(t, "UniFi Controller", res.ControllerName)
	assert.Equal(t, "7.5.187", res.Version)
	assert.Equal(t, "Head Office", res.SiteName)
	assert.Equal(t, int64(1), ctrl.logins.Load())
}

func TestLegacyTestConnectionBadPassword(t *testing.T) {
	ctrl := &fakeLegacyController{t: t, username: "admin", password: "hunter2"}
	srv := httptest.NewServer(ctrl.handler())
	defer srv.Close()

	c := NewClient(config.UniFi{}, newFakeConfigStore(), nil)
	res := c.TestConnection(context.Background(), TestParams{
		Host: srv.URL, Username: "admin", Password: "wrong",
		Site: "default", ControllerType: "legacy", VerifySSL: true,
	})

	assert.False(t, res.Success)
	assert.Equal(t, "auth_error", res.ErrorCode)
}

func TestLegacyTestConnectionMatchesSiteDesc(t *testing.T) {
	ctrl := &fakeLegacyController{t: t, username: "admin", password: "hunter2"}
	srv := httptest.NewServer(ctrl.handler())
	defer srv.Close()

	c := NewClient(config.UniFi{}, newFakeConfigStore(), nil)
	res := c.TestConnection(context.Background(), TestParams{
		Host: srv.URL, Username: "admin", Password: "hunter2",
		Site: "Head Office", ControllerType: "legacy", VerifySSL: true,
	})

	assert.True(t, res.Success)
	assert.Equal(t, "Head Office", res.SiteName)
}

func TestLegacyClassicGetResolvesSiteID(t *testing.T) {
	ctrl := &fakeLegacyController{t: t, username: "admin", password: "hunter2"}
	srv := httptest.NewServer(ctrl.handler())
	defer srv.Close()

	c := legacyClient(t, srv.URL)
	var resp struct {
		Data []struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	require.NoError(t, c.classicGet(context.Background(), "stat/sta", &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Printer", resp.Data[0].Name)

	// The resolved _id is cached; a second call does not re-list sites.
	require.NoError(t, c.classicGet(context.Background(), "stat/sta", &resp))
	assert.Equal(t, int64(1), ctrl.logins.Load())
}

func TestLegacySessionSilentRelogin(t *testing.T) {
	ctrl := &fakeLegacyController{t: t, username: "admin", password: "hunter2"}
	srv := httptest.NewServer(ctrl.handler())
	defer srv.Close()

	c := legacyClient(t, srv.URL)
	var resp struct {
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, c.classicGet(context.Background(), "stat/sta", &resp))

	// The next classic call hits the body-level LoginRequired error and
	// must re-login once, invisibly to the caller.
	ctrl.expireNext.Store(true)
	require.NoError(t, c.classicGet(context.Background(), "stat/sta", &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(2), ctrl.logins.Load())
}

func TestFindLegacySite(t *testing.T) {
	sites := []selfSite{
		{ID: "abc", Name: "default", Desc: "Head Office"},
		{ID: "def", Name: "s2xk1m", Desc: "Branch"},
	}
	byName, ok := findLegacySite(sites, "s2xk1m")
	require.True(t, ok)
	assert.Equal(t, "def", byName.ID)

	byDesc, ok := findLegacySite(sites, "Branch")
	require.True(t, ok)
	assert.Equal(t, "def", byDesc.ID)

	_, ok = findLegacySite(sites, "nowhere")
	assert.False(t, ok)
}

func TestIntegrationUnsupportedOnLegacy(t *testing.T) {
	c := legacyClient(t, "https://10.0.0.2:8443")
	var dest any
	err := c.integrationGet(context.Background(), "/integration/v1/sites", &dest)
	assert.ErrorIs(t, err, ErrLegacyUnsupported)
}
