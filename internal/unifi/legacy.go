package unifi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
)

// legacySession authenticates against controllers that predate API keys:
// username/password login yields a session cookie and a CSRF token.
type legacySession struct {
	client   *http.Client
	host     string
	username string
	password string
	csrf     string
}

func newLegacySession(host, username, password string, verifySSL bool) (*legacySession, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := newHTTPClient(verifySSL)
	client.Jar = jar
	return &legacySession{client: client, host: host, username: username, password: password}, nil
}

func (s *legacySession) login(ctx context.Context) error {
	creds, err := json.Marshal(map[string]string{
		"username": s.username,
		"password": s.password,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+"/api/login", bytes.NewReader(creds))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("controller login: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.StatusCode, Body: "login rejected"}
	}
	if token := resp.Header.Get("X-Csrf-Token"); token != "" {
		s.csrf = token
	}
	return nil
}

// sessionExpired reports whether the response means the login cookie has
// lapsed: either a 401, or the body-level error token some controller
// versions return with HTTP 200. The body is consumed for the check and
// handed back so the caller can restore it.
func sessionExpired(resp *http.Response) (bool, []byte, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return true, nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, nil, err
	}
	if bytes.Contains(body, []byte("api.err.LoginRequired")) {
		return true, body, nil
	}
	return false, body, nil
}

func (s *legacySession) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	build := func() (*http.Request, error) {
		var rd io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			rd = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if s.csrf != "" {
			req.Header.Set("X-Csrf-Token", s.csrf)
		}
		return req, nil
	}

	req, err := build()
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	expired, buf, err := sessionExpired(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if !expired {
		if buf != nil {
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(buf))
		}
		return resp, nil
	}

	// Session expired: one silent re-login, then retry.
	resp.Body.Close()
	if err := s.login(ctx); err != nil {
		return nil, err
	}
	if req, err = build(); err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

// legacyDo routes a request through the cookie-authenticated session,
// creating and logging it in on first use.
func (c *Client) legacyDo(ctx context.Context, method, url string, body any) (*http.Response, error) {
	c.mu.Lock()
	session := c.legacy
	host := c.host
	verifySSL := c.verifySSL
	c.mu.Unlock()

	if session == nil {
		username := c.st.ConfigString(ctx, "unifi_username", "")
		password := ""
		if encrypted := c.st.ConfigString(ctx, "unifi_password", ""); encrypted != "" {
			password = c.st.DecryptAPIKey(encrypted)
		}
		if username == "" || password == "" {
			return nil, fmt.Errorf("legacy controller credentials not configured")
		}
		var err error
		if session, err = newLegacySession(host, username, password, verifySSL); err != nil {
			return nil, err
		}
		if err := session.login(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.legacy = session
		c.mu.Unlock()
	}
	return session.do(ctx, method, url, body)
}

// selfSite is one entry from the legacy /api/self/sites listing.
type selfSite struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Desc string `json:"desc"`
}

// findLegacySite picks the configured site out of a /api/self/sites listing,
// matching on the short name or the display description.
func findLegacySite(sites []selfSite, want string) (selfSite, bool) {
	for _, s := range sites {
		if s.Name == want || s.Desc == want {
			return s, true
		}
	}
	return selfSite{}, false
}

// resolveLegacySite maps the configured site to its _id via /api/self/sites
// and caches it for the life of the session.
func (c *Client) resolveLegacySite(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.legacySiteID
	host := c.host
	site := c.site
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	resp, err := c.legacyDo(ctx, http.MethodGet, host+"/api/self/sites", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return "", &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	var listing struct {
		Data []selfSite `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return "", fmt.Errorf("decoding site listing: %w", err)
	}

	found, ok := findLegacySite(listing.Data, site)
	if !ok {
		return "", fmt.Errorf("site %q not found on legacy controller", site)
	}
	c.mu.Lock()
	c.legacySiteID = found.ID
	c.mu.Unlock()
	c.log.Info("resolved legacy site", "site", site, "id", found.ID)
	return found.ID, nil
}

// legacyClassicURL builds a classic API URL for legacy controllers, which
// serve it directly under the host with no proxy prefix.
func legacyClassicURL(host, siteID, path string) string {
	return fmt.Sprintf("%s/api/s/%s/%s", host, siteID, strings.TrimPrefix(path, "/"))
}
