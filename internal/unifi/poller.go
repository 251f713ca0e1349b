package unifi

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/loginsight/internal/clock"
	"grimm.is/loginsight/internal/logging"
	"grimm.is/loginsight/internal/store"
)

// PollStatus is the outcome of the most recent controller poll.
type PollStatus struct {
	Connected   bool       `json:"connected"`
	LastPoll    *time.Time `json:"last_poll"`
	LastError   *string    `json:"last_error"`
	ClientCount int        `json:"client_count"`
	DeviceCount int        `json:"device_count"`
}

// PollStore is the slice of the store the poller writes into.
type PollStore interface {
	UpsertClients(ctx context.Context, clients []store.Client) (int, error)
	UpsertDevices(ctx context.Context, devices []store.Device) (int, error)
	LoadNameMaps(ctx context.Context) (*store.NameMaps, error)
	ConfigStringMap(ctx context.Context, key string) map[string]string
	SetConfig(ctx context.Context, key string, value any) error
}

// Poller periodically pulls clients, devices, VPN networks, and WAN state
// from the controller into the store, and keeps an in-memory name map for
// the ingest path to annotate rows with.
type Poller struct {
	client *Client
	st     PollStore
	clk    clock.Clock
	log    *logging.Logger

	names  atomic.Pointer[store.NameMaps]
	mu     sync.Mutex
	status PollStatus

	// Kick wakes the loop early after settings changes.
	kick chan struct{}
}

// NewPoller builds a poller around the client and store.
func NewPoller(client *Client, st PollStore, clk clock.Clock, log *logging.Logger) *Poller {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if log == nil {
		log = logging.Default()
	}
	p := &Poller{
		client: client,
		st:     st,
		clk:    clk,
		log:    log.WithComponent("unifi-poller"),
		kick:   make(chan struct{}, 1),
	}
	p.names.Store(&store.NameMaps{ByIP: map[string]string{}, ByMAC: map[string]string{}})
	return p
}

// Names returns the current name maps. The pointer is swapped atomically
// after each poll; callers must not mutate the maps.
func (p *Poller) Names() *store.NameMaps {
	return p.names.Load()
}

// Status returns the last poll outcome.
func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Kick wakes the poll loop immediately, used after settings changes.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. The interval is re-read each cycle so a
// settings change takes effect without a restart.
func (p *Poller) Run(ctx context.Context) error {
	// Seed name maps from the previous run's cache before the first poll.
	if names, err := p.st.LoadNameMaps(ctx); err == nil {
		p.names.Store(names)
	}
	p.poll(ctx)

	for {
		interval := time.Duration(p.client.PollInterval(ctx)) * time.Second
		if interval < time.Minute {
			interval = time.Minute
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.kick:
		case <-time.After(interval):
		}
		p.poll(ctx)
	}
}

func (p *Poller) poll(ctx context.Context) {
	if !p.client.Enabled() {
		return
	}

	var clientCount, deviceCount int
	var pollErr error

	if p.client.Feature("client_names") {
		n, err := p.pollClients(ctx)
		if err != nil {
			pollErr = err
			p.log.Warn("client poll failed", "error", err)
		}
		clientCount = n
	}
	if p.client.Feature("device_discovery") {
		n, err := p.pollDevices(ctx)
		if err != nil {
			pollErr = err
			p.log.Warn("device poll failed", "error", err)
		}
		deviceCount = n
	}
	if p.client.Feature("network_config") {
		if err := p.pollNetworks(ctx); err != nil {
			pollErr = err
			p.log.Warn("network poll failed", "error", err)
		}
	}

	if names, err := p.st.LoadNameMaps(ctx); err == nil {
		p.names.Store(names)
	} else {
		p.log.Warn("name map reload failed", "error", err)
	}

	now := p.clk.Now()
	p.mu.Lock()
	p.status = PollStatus{
		Connected:   pollErr == nil,
		LastPoll:    &now,
		ClientCount: clientCount,
		DeviceCount: deviceCount,
	}
	if pollErr != nil {
		msg := pollErr.Error()
		p.status.LastError = &msg
	}
	p.mu.Unlock()

	if pollErr == nil {
		p.log.Debug("poll complete", "clients", clientCount, "devices", deviceCount)
	}
}

type staEntry struct {
	MAC        string `json:"mac"`
	IP         string `json:"ip"`
	Name       string `json:"name"`
	Hostname   string `json:"hostname"`
	OUI        string `json:"oui"`
	Network    string `json:"network"`
	ESSID      string `json:"essid"`
	VLAN       *int   `json:"vlan"`
	UseFixedIP *bool  `json:"use_fixedip"`
	IsWired    *bool  `json:"is_wired"`
	LastSeen   *int64 `json:"last_seen"`
}

func (p *Poller) pollClients(ctx context.Context) (int, error) {
	var active struct {
		Data []staEntry `json:"data"`
	}
	if err := p.client.classicGet(ctx, "stat/sta", &active); err != nil {
		return 0, err
	}

	// The all-time listing names devices that are currently offline. Active
	// entries win on conflict since they carry the live IP.
	merged := map[string]staEntry{}
	var all struct {
		Data []staEntry `json:"data"`
	}
	if err := p.client.classicGet(ctx, "stat/alluser", &all); err != nil {
		p.log.Warn("all-time client fetch failed", "error", err)
	} else {
		for _, e := range all.Data {
			if e.MAC != "" {
				merged[strings.ToLower(e.MAC)] = e
			}
		}
	}
	for _, e := range active.Data {
		if e.MAC != "" {
			merged[strings.ToLower(e.MAC)] = e
		}
	}

	clients := make([]store.Client, 0, len(merged))
	for _, e := range merged {
		c := store.Client{
			MAC:       e.MAC,
			IP:        e.IP,
			Name:      e.Name,
			Hostname:  e.Hostname,
			OUI:       e.OUI,
			Network:   e.Network,
			ESSID:     e.ESSID,
			VLAN:      e.VLAN,
			IsFixedIP: e.UseFixedIP,
			IsWired:   e.IsWired,
		}
		if e.LastSeen != nil {
			ts := time.Unix(*e.LastSeen, 0).UTC()
			c.LastSeen = &ts
		}
		clients = append(clients, c)
	}
	return p.st.UpsertClients(ctx, clients)
}

type deviceEntry struct {
	MAC       string `json:"mac"`
	IP        string `json:"ip"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	Shortname string `json:"shortname"`
	Type      string `json:"type"`
	Version   string `json:"version"`
	Serial    string `json:"serial"`
	State     *int   `json:"state"`
	Uptime    *int64 `json:"uptime"`
}

func (p *Poller) pollDevices(ctx context.Context) (int, error) {
	var resp struct {
		Data []deviceEntry `json:"data"`
	}
	if err := p.client.classicGet(ctx, "stat/device", &resp); err != nil {
		return 0, err
	}

	devices := make([]store.Device, 0, len(resp.Data))
	for _, e := range resp.Data {
		if e.MAC == "" {
			continue
		}
		devices = append(devices, store.Device{
			MAC:       e.MAC,
			IP:        e.IP,
			Name:      e.Name,
			Model:     e.Model,
			Shortname: e.Shortname,
			Type:      e.Type,
			Firmware:  e.Version,
			Serial:    e.Serial,
			State:     e.State,
			Uptime:    e.Uptime,
		})
	}
	return p.st.UpsertDevices(ctx, devices)
}

// pollNetworks writes back WAN addressing and the discovered VPN overlay so
// direction derivation and the wizard stay current.
func (p *Poller) pollNetworks(ctx context.Context) error {
	nc, err := p.client.GetNetworkConfig(ctx)
	if err != nil {
		return err
	}

	byIface := map[string]string{}
	var wanIPs []string
	ipNames := map[string]string{}
	for _, wan := range nc.WANInterfaces {
		if wan.Active && wan.WANIP != "" {
			byIface[wan.PhysicalInterface] = wan.WANIP
			wanIPs = append(wanIPs, wan.WANIP)
			ipNames[wan.WANIP] = wan.Name
		}
	}
	if len(byIface) > 0 {
		current := p.st.ConfigStringMap(ctx, "wan_ip_by_iface")
		if !sameStringMap(current, byIface) {
			if err := p.st.SetConfig(ctx, "wan_ip_by_iface", byIface); err != nil {
				return err
			}
			p.st.SetConfig(ctx, "wan_ips", wanIPs)
			p.st.SetConfig(ctx, "wan_ip", wanIPs[0])
			p.st.SetConfig(ctx, "wan_ip_names", ipNames)
			p.log.Info("WAN addressing updated from controller", "map", byIface)
		}
	}

	// Gateway addresses per segment, for direction derivation and the
	// annotator's VLAN labels.
	var gatewayIPs []string
	gatewayVLANs := map[string]int{}
	for _, seg := range nc.Networks {
		gw := gatewayAddr(seg.IPSubnet)
		if gw == "" {
			continue
		}
		if _, seen := gatewayVLANs[gw]; !seen {
			gatewayIPs = append(gatewayIPs, gw)
		}
		gatewayVLANs[gw] = seg.VLAN
	}
	if len(gatewayIPs) > 0 {
		if err := p.st.SetConfig(ctx, "gateway_ips", gatewayIPs); err != nil {
			return err
		}
		p.st.SetConfig(ctx, "gateway_ip_vlans", gatewayVLANs)
	}

	vpns, err := p.client.GetVPNNetworks(ctx)
	if err != nil {
		return err
	}
	overlay := map[string]VPNNetwork{}
	for _, v := range vpns {
		if v.Interface == "" || !v.Enabled {
			continue
		}
		overlay[v.Interface] = v
	}
	return p.st.SetConfig(ctx, "unifi_vpn_networks", overlay)
}

// gatewayAddr extracts the gateway address from a controller ip_subnet
// value, which is the gateway's own CIDR ("192.168.1.1/24").
func gatewayAddr(subnet string) string {
	if subnet == "" {
		return ""
	}
	ip, _, err := net.ParseCIDR(subnet)
	if err != nil {
		return ""
	}
	return ip.String()
}

func sameStringMap(a, b map[string]string) bool {
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
