package unifi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/loginsight/internal/store"
)

type fakePollStore struct {
	clients []store.Client
	devices []store.Device
	config  map[string]any
}

func newFakePollStore() *fakePollStore {
	return &fakePollStore{config: map[string]any{}}
}

func (f *fakePollStore) UpsertClients(_ context.Context, clients []store.Client) (int, error) {
	f.clients = clients
	return len(clients), nil
}

func (f *fakePollStore) UpsertDevices(_ context.Context, devices []store.Device) (int, error) {
	f.devices = devices
	return len(devices), nil
}

func (f *fakePollStore) LoadNameMaps(_ context.Context) (*store.NameMaps, error) {
	return &store.NameMaps{ByIP: map[string]string{}, ByMAC: map[string]string{}}, nil
}

func (f *fakePollStore) ConfigStringMap(_ context.Context, key string) map[string]string {
	if v, ok := f.config[key].(map[string]string); ok {
		return v
	}
	return nil
}

func (f *fakePollStore) SetConfig(_ context.Context, key string, value any) error {
	f.config[key] = value
	return nil
}

func (f *fakePollStore) clientByMAC(mac string) *store.Client {
	for i := range f.clients {
		if f.clients[i].MAC == mac {
			return &f.clients[i]
		}
	}
	return nil
}

func TestPollClientsMergesActiveAndAllTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/proxy/network/api/s/default/stat/sta":
			fmt.Fprint(w, `{"data": [
				{"mac": "aa:aa:aa:aa:aa:01", "ip": "192.168.1.10", "name": "Laptop", "essid": "HomeNet"}
			]}`)
		case "/proxy/network/api/s/default/stat/alluser":
			fmt.Fprint(w, `{"data": [
				{"mac": "AA:AA:AA:AA:AA:01", "name": "Laptop (stale)"},
				{"mac": "aa:aa:aa:aa:aa:02", "name": "Old Phone", "oui": "Apple"}
			]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	st := newFakePollStore()
	p := NewPoller(enabledClient(t, srv.URL), st, nil, nil)

	n, err := p.pollClients(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The active record wins over the all-time one for the same MAC.
	live := st.clientByMAC("aa:aa:aa:aa:aa:01")
	require.NotNil(t, live)
	assert.Equal(t, "Laptop", live.Name)
	assert.Equal(t, "192.168.1.10", live.IP)

	offline := st.clientByMAC("aa:aa:aa:aa:aa:02")
	require.NotNil(t, offline)
	assert.Equal(t, "Old Phone", offline.Name)
}

func TestPollClientsSurvivesMissingAllTimeEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/proxy/network/api/s/default/stat/sta":
			fmt.Fprint(w, `{"data": [{"mac": "aa:aa:aa:aa:aa:01", "ip": "192.168.1.10"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	st := newFakePollStore()
	p := NewPoller(enabledClient(t, srv.URL), st, nil, nil)

	n, err := p.pollClients(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPollNetworksWritesAddressingConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/proxy/network/api/s/default/rest/networkconf":
			fmt.Fprint(w, `{"data": [
				{"name": "Primary", "purpose": "wan", "enabled": true,
				 "wan_type": "PPPoE", "wan_networkgroup": "WAN"},
				{"name": "Main LAN", "purpose": "corporate", "enabled": true,
				 "ip_subnet": "192.168.1.1/24"},
				{"name": "IoT", "purpose": "corporate", "enabled": true,
				 "vlan": 20, "vlan_enabled": true, "ip_subnet": "192.168.20.1/24"}
			]}`)
		case "/proxy/network/api/s/default/stat/health":
			fmt.Fprint(w, `{"data": [{"subsystem": "wan", "wan_ip": "203.0.113.9"}]}`)
		case "/proxy/network/integration/v1/sites":
			fmt.Fprint(w, `{"data": [{"id": "site-uuid", "internalReference": "default"}]}`)
		case "/proxy/network/integration/v1/sites/site-uuid/networks":
			fmt.Fprint(w, `{"data": [
				{"name": "Main LAN", "enabled": true, "vlanId": 1},
				{"name": "IoT", "enabled": true, "vlanId": 20}
			]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	st := newFakePollStore()
	p := NewPoller(enabledClient(t, srv.URL), st, nil, nil)

	require.NoError(t, p.pollNetworks(context.Background()))

	assert.Equal(t, map[string]string{"ppp0": "203.0.113.9"}, st.config["wan_ip_by_iface"])
	assert.Equal(t, []string{"203.0.113.9"}, st.config["wan_ips"])
	assert.Equal(t, "203.0.113.9", st.config["wan_ip"])
	assert.Equal(t, map[string]string{"203.0.113.9": "Primary"}, st.config["wan_ip_names"])
	assert.Equal(t, []string{"192.168.1.1", "192.168.20.1"}, st.config["gateway_ips"])
	assert.Equal(t, map[string]int{"192.168.1.1": 1, "192.168.20.1": 20}, st.config["gateway_ip_vlans"])
}

func TestPollNetworksSkipsUnchangedWANState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/proxy/network/api/s/default/rest/networkconf":
			fmt.Fprint(w, `{"data": [
				{"name": "Primary", "purpose": "wan", "enabled": true,
				 "wan_type": "PPPoE", "wan_networkgroup": "WAN"}
			]}`)
		case "/proxy/network/api/s/default/stat/health":
			fmt.Fprint(w, `{"data": [{"subsystem": "wan", "wan_ip": "203.0.113.9"}]}`)
		case "/proxy/network/integration/v1/sites":
			fmt.Fprint(w, `{"data": [{"id": "site-uuid", "internalReference": "default"}]}`)
		case "/proxy/network/integration/v1/sites/site-uuid/networks":
			fmt.Fprint(w, `{"data": []}`)
		}
	}))
	defer srv.Close()

	st := newFakePollStore()
	st.config["wan_ip_by_iface"] = map[string]string{"ppp0": "203.0.113.9"}
	p := NewPoller(enabledClient(t, srv.URL), st, nil, nil)

	require.NoError(t, p.pollNetworks(context.Background()))
	_, rewrote := st.config["wan_ips"]
	assert.False(t, rewrote)
}

func TestGatewayAddr(t *testing.T) {
	assert.Equal(t, "192.168.1.1", gatewayAddr("192.168.1.1/24"))
	assert.Equal(t, "", gatewayAddr(""))
	assert.Equal(t, "", gatewayAddr("not-a-subnet"))
}
