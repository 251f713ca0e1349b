// Package unifi talks to a UniFi Network controller: connection testing,
// network topology for the setup wizard, firewall policy management, and the
// client/device polling that feeds device-name resolution.
package unifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"grimm.is/loginsight/internal/config"
	"grimm.is/loginsight/internal/logging"
)

const requestTimeout = 10 * time.Second

// Physical WAN interface from (wan_type, wan_networkgroup). PPPoE terminates
// on ppp devices, everything else on the SFP+/RJ45 uplinks.
var wanPhysicalMap = map[[2]string]string{
	{"pppoe", "WAN"}:   "ppp0",
	{"pppoe", "WAN2"}:  "ppp1",
	{"dhcp", "WAN"}:    "eth4",
	{"static", "WAN"}:  "eth4",
	{"dhcp", "WAN2"}:   "eth5",
	{"static", "WAN2"}: "eth5",
}

// ErrLegacyUnsupported marks endpoints that only exist on the integration
// API of modern controllers.
var ErrLegacyUnsupported = errors.New("integration API requires a modern controller")

// HTTPError carries a controller error status for handler-level mapping.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("controller returned HTTP %d: %s", e.Status, e.Body)
}

// ConfigStore is the slice of the store the client reads settings from.
type ConfigStore interface {
	ConfigString(ctx context.Context, key, def string) string
	ConfigBool(ctx context.Context, key string, def bool) bool
	ConfigInt(ctx context.Context, key string, def int) int
	GetConfigJSON(ctx context.Context, key string, dest any) error
	SetConfig(ctx context.Context, key string, value any) error
	DecryptAPIKey(encrypted string) string
}

// Client is the controller API client. Settings resolve env > config store >
// default; Reload re-reads them after the UI saves changes.
type Client struct {
	env config.UniFi
	st  ConfigStore
	log *logging.Logger

	mu         sync.Mutex
	host       string
	apiKey     string
	site       string
	verifySSL  bool
	enabled    bool
	features   map[string]bool
	controller   string // "modern" or "legacy"
	session      *http.Client
	legacy       *legacySession
	siteUUID     string
	legacySiteID string
}

// DefaultFeatures enables every integration until the operator narrows them.
func DefaultFeatures() map[string]bool {
	return map[string]bool{
		"client_names":        true,
		"device_discovery":    true,
		"network_config":      true,
		"firewall_management": true,
	}
}

// NewClient builds the client and resolves its configuration. A store that
// is not yet migrated only costs the first resolution a warning.
func NewClient(env config.UniFi, st ConfigStore, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Default()
	}
	c := &Client{env: env, st: st, log: log.WithComponent("unifi")}
	c.Reload(context.Background())
	return c
}

// Reload re-reads settings and drops the cached session and site UUID.
func (c *Client) Reload(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = nil
	c.legacy = nil
	c.siteUUID = ""
	c.legacySiteID = ""

	c.host = strings.TrimRight(firstNonEmpty(c.env.Host, c.st.ConfigString(ctx, "unifi_host", "")), "/")
	c.apiKey = c.env.APIKey
	if c.apiKey == "" {
		if encrypted := c.st.ConfigString(ctx, "unifi_api_key", ""); encrypted != "" {
			c.apiKey = c.st.DecryptAPIKey(encrypted)
		}
	}
	c.site = firstNonEmpty(c.env.Site, c.st.ConfigString(ctx, "unifi_site", "default"))

	if c.env.VerifySSL != nil {
		c.verifySSL = *c.env.VerifySSL
	} else {
		c.verifySSL = c.st.ConfigBool(ctx, "unifi_verify_ssl", true)
	}

	c.features = DefaultFeatures()
	var features map[string]bool
	if err := c.st.GetConfigJSON(ctx, "unifi_features", &features); err == nil && len(features) > 0 {
		for k, v := range features {
			c.features[k] = v
		}
	}
	c.controller = c.st.ConfigString(ctx, "unifi_controller_type", "modern")

	var enabled bool
	if c.env.Enabled != nil {
		enabled = *c.env.Enabled
	} else {
		enabled = c.st.ConfigBool(ctx, "unifi_enabled", false)
	}
	c.enabled = enabled && c.host != "" && c.hasCredentialsLocked(ctx)

	// Both env vars present is an explicit opt-in.
	if !enabled && c.env.Host != "" && c.env.APIKey != "" {
		if err := c.st.SetConfig(ctx, "unifi_enabled", true); err == nil {
			c.enabled = true
			c.log.Info("controller API auto-enabled from environment")
		}
	}

	c.log.Info("controller config reloaded", "enabled", c.enabled, "host", orNone(c.host))
}

func (c *Client) hasCredentialsLocked(ctx context.Context) bool {
	if c.controller == "legacy" {
		return c.st.ConfigString(ctx, "unifi_username", "") != ""
	}
	return c.apiKey != ""
}

// Enabled reports whether the integration is on and credentialed.
func (c *Client) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Feature reports whether a named integration feature is enabled.
func (c *Client) Feature(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features[name]
}

// Host returns the configured controller URL.
func (c *Client) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// PollInterval resolves the polling cadence in seconds, env > store > 300.
func (c *Client) PollInterval(ctx context.Context) int {
	if c.env.PollInterval != nil && *c.env.PollInterval > 0 {
		return *c.env.PollInterval
	}
	return c.st.ConfigInt(ctx, "unifi_poll_interval", 300)
}

// ConfigSource reports where a settings key currently resolves from:
// "env", "db", or "default".
func (c *Client) ConfigSource(ctx context.Context, key string) string {
	switch key {
	case "host":
		if c.env.Host != "" {
			return "env"
		}
	case "api_key":
		if c.env.APIKey != "" {
			return "env"
		}
	case "site":
		if c.env.Site != "" {
			return "env"
		}
	case "verify_ssl":
		if c.env.VerifySSL != nil {
			return "env"
		}
	}
	if c.st.ConfigString(ctx, "unifi_"+key, "") != "" {
		return "db"
	}
	return "default"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func newHTTPClient(verifySSL bool) *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL},
		},
	}
}

func (c *Client) httpSession() (*http.Client, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		c.session = newHTTPClient(c.verifySSL)
	}
	return c.session, c.host, c.apiKey
}

// do performs an authenticated request. Legacy controllers authenticate with
// a login cookie and CSRF token, modern ones with the X-API-KEY header.
func (c *Client) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	c.mu.Lock()
	legacyMode := c.controller == "legacy"
	c.mu.Unlock()

	if legacyMode {
		return c.legacyDo(ctx, method, url, body)
	}

	session, _, apiKey := c.httpSession()
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
	req.Header.Set("X-API-KEY", apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return session.Do(req)
}

func (c *Client) getJSON(ctx context.Context, url string, dest any) error {
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// classicGet fetches from the classic API. Modern controllers serve it
// behind the proxy prefix keyed by site name; legacy ones serve it directly
// under /api/s/{resolved_site_id}/.
func (c *Client) classicGet(ctx context.Context, path string, dest any) error {
	c.mu.Lock()
	legacyMode := c.controller == "legacy"
	host := c.host
	site := c.site
	c.mu.Unlock()

	if legacyMode {
		siteID, err := c.resolveLegacySite(ctx)
		if err != nil {
			return err
		}
		return c.getJSON(ctx, legacyClassicURL(host, siteID, path), dest)
	}
	url := fmt.Sprintf("%s/proxy/network/api/s/%s/%s", host, site, strings.TrimPrefix(path, "/"))
	return c.getJSON(ctx, url, dest)
}

// integrationGet fetches from the integration API (no site prefix). Only
// modern controllers expose it.
func (c *Client) integrationGet(ctx context.Context, path string, dest any) error {
	c.mu.Lock()
	legacyMode := c.controller == "legacy"
	url := c.host + "/proxy/network" + path
	c.mu.Unlock()
	if legacyMode {
		return ErrLegacyUnsupported
	}
	return c.getJSON(ctx, url, dest)
}

func (c *Client) siteURL(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	uuid := c.siteUUID
	host := c.host
	c.mu.Unlock()

	if uuid == "" {
		var err error
		if uuid, err = c.discoverSiteUUID(ctx); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s/proxy/network/integration/v1/sites/%s%s", host, uuid, path), nil
}

// integrationSiteGet fetches from the integration API under the site UUID.
func (c *Client) integrationSiteGet(ctx context.Context, path string, dest any) error {
	url, err := c.siteURL(ctx, path)
	if err != nil {
		return err
	}
	return c.getJSON(ctx, url, dest)
}

func (c *Client) integrationSitePatch(ctx context.Context, path string, body, dest any) error {
	url, err := c.siteURL(ctx, path)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPatch, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

type siteList struct {
	Data []struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		InternalReference string `json:"internalReference"`
	} `json:"data"`
}

// discoverSiteUUID maps the classic site name to its integration API UUID.
func (c *Client) discoverSiteUUID(ctx context.Context) (string, error) {
	var sites siteList
	if err := c.integrationGet(ctx, "/integration/v1/sites", &sites); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range sites.Data {
		if s.InternalReference == c.site {
			c.siteUUID = s.ID
			c.log.Info("discovered site UUID", "uuid", s.ID, "site", c.site)
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("site %q not found in integration API", c.site)
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	Success        bool   `json:"success"`
	ControllerName string `json:"controller_name,omitempty"`
	Version        string `json:"version,omitempty"`
	SiteName       string `json:"site_name,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
}

// TestParams carries the credentials for a connection probe. ControllerType
// selects the auth mode: legacy probes log in with Username/Password, modern
// ones send APIKey.
type TestParams struct {
	Host           string
	APIKey         string
	Username       string
	Password       string
	Site           string
	ControllerType string
	VerifySSL      bool
}

type sysinfoResponse struct {
	Data []struct {
		Name     string `json:"name"`
		Hostname string `json:"hostname"`
		Version  string `json:"version"`
	} `json:"data"`
}

func (r *sysinfoResponse) nameVersion() (name, version string) {
	name, version = "Unknown", "Unknown"
	if len(r.Data) == 0 {
		return name, version
	}
	if r.Data[0].Name != "" {
		name = r.Data[0].Name
	} else if r.Data[0].Hostname != "" {
		name = r.Data[0].Hostname
	}
	if r.Data[0].Version != "" {
		version = r.Data[0].Version
	}
	return name, version
}

// TestConnection probes a controller with the given credentials without
// touching the client's own state. Callers persist credentials only on
// success.
func (c *Client) TestConnection(ctx context.Context, p TestParams) TestResult {
	p.Host = strings.TrimRight(p.Host, "/")
	if p.Site == "" {
		p.Site = "default"
	}
	if p.ControllerType == "legacy" {
		return testLegacy(ctx, p)
	}
	return testModern(ctx, p)
}

func testModern(ctx context.Context, p TestParams) TestResult {
	session := newHTTPClient(p.VerifySSL)

	get := func(url string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-KEY", p.APIKey)
		req.Header.Set("Accept", "application/json")
		return session.Do(req)
	}

	resp, err := get(fmt.Sprintf("%s/proxy/network/api/s/%s/stat/sysinfo", p.Host, p.Site))
	if err != nil {
		return testFailure(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return TestResult{Error: "Authentication failed. Check your API key.", ErrorCode: "auth_error"}
	case http.StatusForbidden:
		return TestResult{
			Error:     "Insufficient permissions. Ensure your API key belongs to a Local Admin account.",
			ErrorCode: "auth_error",
		}
	case http.StatusOK:
	default:
		return TestResult{
			Error:     fmt.Sprintf("Controller returned error: %d", resp.StatusCode),
			ErrorCode: "invalid_response",
		}
	}

	var sysinfo sysinfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&sysinfo); err != nil {
		return TestResult{Error: "Controller response was not valid JSON.", ErrorCode: "invalid_response"}
	}
	name, version := sysinfo.nameVersion()

	// Firewall management needs the integration API too.
	sitesResp, err := get(p.Host + "/proxy/network/integration/v1/sites")
	if err != nil {
		return testFailure(err)
	}
	defer sitesResp.Body.Close()
	if sitesResp.StatusCode != http.StatusOK {
		return TestResult{
			Error:     fmt.Sprintf("Controller returned error: %d", sitesResp.StatusCode),
			ErrorCode: "invalid_response",
		}
	}
	var sites siteList
	if err := json.NewDecoder(sitesResp.Body).Decode(&sites); err != nil {
		return TestResult{Error: "Controller response was not valid JSON.", ErrorCode: "invalid_response"}
	}
	for _, s := range sites.Data {
		if s.InternalReference == p.Site {
			siteName := s.Name
			if siteName == "" {
				siteName = p.Site
			}
			return TestResult{Success: true, ControllerName: name, Version: version, SiteName: siteName}
		}
	}
	return TestResult{
		Error:     fmt.Sprintf("Site %q not found on this controller.", p.Site),
		ErrorCode: "invalid_response",
	}
}

func testLegacy(ctx context.Context, p TestParams) TestResult {
	session, err := newLegacySession(p.Host, p.Username, p.Password, p.VerifySSL)
	if err != nil {
		return testFailure(err)
	}
	if err := session.login(ctx); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			switch httpErr.Status {
			case http.StatusUnauthorized, http.StatusBadRequest, http.StatusForbidden:
				return TestResult{
					Error:     "Authentication failed. Check your username and password.",
					ErrorCode: "auth_error",
				}
			}
			return TestResult{
				Error:     fmt.Sprintf("Controller returned error: %d", httpErr.Status),
				ErrorCode: "invalid_response",
			}
		}
		return testFailure(err)
	}

	resp, err := session.do(ctx, http.MethodGet, p.Host+"/api/self/sites", nil)
	if err != nil {
		return testFailure(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TestResult{
			Error:     fmt.Sprintf("Controller returned error: %d", resp.StatusCode),
			ErrorCode: "invalid_response",
		}
	}
	var listing struct {
		Data []selfSite `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return TestResult{Error: "Controller response was not valid JSON.", ErrorCode: "invalid_response"}
	}
	found, ok := findLegacySite(listing.Data, p.Site)
	if !ok {
		return TestResult{
			Error:     fmt.Sprintf("Site %q not found on this controller.", p.Site),
			ErrorCode: "invalid_response",
		}
	}

	sysResp, err := session.do(ctx, http.MethodGet, legacyClassicURL(p.Host, found.ID, "stat/sysinfo"), nil)
	if err != nil {
		return testFailure(err)
	}
	defer sysResp.Body.Close()
	if sysResp.StatusCode != http.StatusOK {
		return TestResult{
			Error:     fmt.Sprintf("Controller returned error: %d", sysResp.StatusCode),
			ErrorCode: "invalid_response",
		}
	}
	var sysinfo sysinfoResponse
	if err := json.NewDecoder(sysResp.Body).Decode(&sysinfo); err != nil {
		return TestResult{Error: "Controller response was not valid JSON.", ErrorCode: "invalid_response"}
	}
	name, version := sysinfo.nameVersion()
	siteName := found.Desc
	if siteName == "" {
		siteName = found.Name
	}
	return TestResult{Success: true, ControllerName: name, Version: version, SiteName: siteName}
}

func testFailure(err error) TestResult {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return TestResult{
			Error:     "Connection timed out. The controller may be unreachable.",
			ErrorCode: "timeout",
		}
	case strings.Contains(err.Error(), "certificate"), strings.Contains(err.Error(), "x509"):
		return TestResult{
			Error:     `SSL certificate verification failed. Enable "Skip SSL verification" for self-signed certificates.`,
			ErrorCode: "ssl_error",
		}
	default:
		return TestResult{
			Error:     "Could not connect to the controller. Check the URL and ensure it is reachable.",
			ErrorCode: "connection_error",
		}
	}
}

// WANInterface describes one WAN uplink for the setup wizard.
type WANInterface struct {
	Name              string `json:"name"`
	WANIP             string `json:"wan_ip,omitempty"`
	Type              string `json:"type"`
	NetworkGroup      string `json:"networkgroup"`
	PhysicalInterface string `json:"physical_interface"`
	Active            bool   `json:"active"`
}

// NetworkSegment describes one LAN/VLAN for the setup wizard.
type NetworkSegment struct {
	Name      string `json:"name"`
	Interface string `json:"interface"`
	VLAN      int    `json:"vlan"`
	IPSubnet  string `json:"ip_subnet"`
}

// NetworkConfig is the controller-derived topology for the setup wizard.
type NetworkConfig struct {
	Source        string           `json:"source"`
	WANInterfaces []WANInterface   `json:"wan_interfaces"`
	Networks      []NetworkSegment `json:"networks"`
}

// GetNetworkConfig assembles WAN uplinks and network segments from the
// classic and integration APIs.
func (c *Client) GetNetworkConfig(ctx context.Context) (*NetworkConfig, error) {
	out := &NetworkConfig{Source: "unifi_api", WANInterfaces: []WANInterface{}, Networks: []NetworkSegment{}}
	if !c.Enabled() {
		return out, nil
	}

	var netconf struct {
		Data []networkConf `json:"data"`
	}
	if err := c.classicGet(ctx, "rest/networkconf", &netconf); err != nil {
		return nil, err
	}

	// Per-WAN health carries the live uplink address.
	var health struct {
		Data []struct {
			Subsystem string `json:"subsystem"`
			WANIP     string `json:"wan_ip"`
		} `json:"data"`
	}
	if err := c.classicGet(ctx, "stat/health", &health); err != nil {
		return nil, err
	}
	wanHealth := map[string]string{}
	for _, sub := range health.Data {
		switch sub.Subsystem {
		case "wan":
			wanHealth["WAN"] = sub.WANIP
		case "wan2":
			wanHealth["WAN2"] = sub.WANIP
		}
	}

	subnetByName := map[string]string{}
	for _, net := range netconf.Data {
		if net.Name != "" && net.IPSubnet != "" {
			subnetByName[net.Name] = net.IPSubnet
		}
		if !net.enabled() || net.Purpose != "wan" {
			continue
		}

		group := firstNonEmpty(net.WANNetworkGroup, net.NetworkGroup)
		wanType := firstNonEmpty(net.WANType, "dhcp")
		physical, ok := wanPhysicalMap[[2]string{strings.ToLower(wanType), group}]
		if !ok {
			physical = "eth4"
			if group != "WAN" {
				physical = "eth5"
			}
			c.log.Warn("unmapped WAN type, using default uplink",
				"wan_type", wanType, "networkgroup", group, "physical", physical)
		}

		ip := wanHealth[group]
		out.WANInterfaces = append(out.WANInterfaces, WANInterface{
			Name:              net.Name,
			WANIP:             ip,
			Type:              wanType,
			NetworkGroup:      group,
			PhysicalInterface: physical,
			Active:            ip != "",
		})
	}

	segments, err := c.integrationNetworks(ctx, subnetByName)
	if err != nil {
		c.log.Warn("integration networks unavailable, falling back to classic", "error", err)
		segments = classicNetworks(netconf.Data)
	}
	out.Networks = segments
	return out, nil
}

func (c *Client) integrationNetworks(ctx context.Context, subnetByName map[string]string) ([]NetworkSegment, error) {
	var nets struct {
		Data []struct {
			Name    string `json:"name"`
			Enabled *bool  `json:"enabled"`
			VLANID  *int   `json:"vlanId"`
		} `json:"data"`
	}
	if err := c.integrationSiteGet(ctx, "/networks", &nets); err != nil {
		return nil, err
	}

	var out []NetworkSegment
	for _, net := range nets.Data {
		if net.Enabled != nil && !*net.Enabled {
			continue
		}
		if net.VLANID == nil {
			continue
		}
		out = append(out, NetworkSegment{
			Name:      net.Name,
			Interface: bridgeInterface(*net.VLANID),
			VLAN:      *net.VLANID,
			IPSubnet:  subnetByName[net.Name],
		})
	}
	return out, nil
}

func classicNetworks(nets []networkConf) []NetworkSegment {
	var out []NetworkSegment
	for _, net := range nets {
		if !net.enabled() {
			continue
		}
		switch net.Purpose {
		case "corporate", "guest", "vlan-only":
		default:
			continue
		}
		vlanID := 1
		if net.VLAN != nil && *net.VLAN > 0 && net.VLANEnabled {
			vlanID = *net.VLAN
		}
		out = append(out, NetworkSegment{
			Name:      net.Name,
			Interface: bridgeInterface(vlanID),
			VLAN:      vlanID,
			IPSubnet:  net.IPSubnet,
		})
	}
	return out
}

func bridgeInterface(vlanID int) string {
	if vlanID == 1 {
		return "br0"
	}
	return fmt.Sprintf("br%d", vlanID)
}

// GetVPNNetworks discovers VPN networks from the classic network config.
func (c *Client) GetVPNNetworks(ctx context.Context) ([]VPNNetwork, error) {
	var netconf struct {
		Data []networkConf `json:"data"`
	}
	if err := c.classicGet(ctx, "rest/networkconf", &netconf); err != nil {
		return nil, err
	}
	return parseVPNNetworks(netconf.Data), nil
}

// SettingsInfo is the merged settings view for the UI, with per-key source
// indicators and the last poll status.
type SettingsInfo struct {
	Enabled           bool            `json:"enabled"`
	Host              string          `json:"host"`
	HostSource        string          `json:"host_source"`
	APIKeySet         bool            `json:"api_key_set"`
	APIKeySource      string          `json:"api_key_source"`
	Site              string          `json:"site"`
	VerifySSL         bool            `json:"verify_ssl"`
	PollInterval      int             `json:"poll_interval"`
	Features          map[string]bool `json:"features"`
	ControllerName    string          `json:"controller_name"`
	ControllerVersion string          `json:"controller_version"`
	Status            *PollStatus     `json:"status"`
}

// SettingsInfo reports the current merged settings. status comes from the
// poller when one is running.
func (c *Client) SettingsInfo(ctx context.Context, status *PollStatus) SettingsInfo {
	c.mu.Lock()
	info := SettingsInfo{
		Enabled:   c.enabled,
		Host:      c.host,
		APIKeySet: c.apiKey != "",
		Site:      c.site,
		VerifySSL: c.verifySSL,
		Features:  c.features,
	}
	c.mu.Unlock()

	info.HostSource = c.ConfigSource(ctx, "host")
	info.APIKeySource = c.ConfigSource(ctx, "api_key")
	info.PollInterval = c.PollInterval(ctx)
	info.ControllerName = c.st.ConfigString(ctx, "unifi_controller_name", "")
	info.ControllerVersion = c.st.ConfigString(ctx, "unifi_controller_version", "")
	if status == nil {
		status = &PollStatus{}
	}
	info.Status = status
	return info
}
