package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Client is one entry in the UniFi client cache.
type Client struct {
	MAC       string
	IP        string
	Name      string
	Hostname  string
	OUI       string
	Network   string
	ESSID     string
	VLAN      *int
	IsFixedIP *bool
	IsWired   *bool
	LastSeen  *time.Time
}

// Device is one entry in the UniFi infrastructure device cache.
type Device struct {
	MAC       string
	IP        string
	Name      string
	Model     string
	Shortname string
	Type      string
	Firmware  string
	Serial    string
	State     *int
	Uptime    *int64
}

// UpsertClients bulk-writes the client cache. Conflicting rows keep known
// values when the new poll omits them; last_seen only moves forward.
func (s *Store) UpsertClients(ctx context.Context, clients []Client) (int, error) {
	if len(clients) == 0 {
		return 0, nil
	}

	const sql = `
		INSERT INTO unifi_clients (mac, ip, device_name, hostname, oui,
			network, essid, vlan, is_fixed_ip, is_wired, last_seen, updated_at)
		VALUES ($1::macaddr, $2::inet, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (mac) DO UPDATE SET
			ip = EXCLUDED.ip,
			device_name = COALESCE(EXCLUDED.device_name, unifi_clients.device_name),
			hostname = COALESCE(EXCLUDED.hostname, unifi_clients.hostname),
			oui = COALESCE(EXCLUDED.oui, unifi_clients.oui),
			network = COALESCE(EXCLUDED.network, unifi_clients.network),
			essid = COALESCE(EXCLUDED.essid, unifi_clients.essid),
			vlan = COALESCE(EXCLUDED.vlan, unifi_clients.vlan),
			is_fixed_ip = COALESCE(EXCLUDED.is_fixed_ip, unifi_clients.is_fixed_ip),
			is_wired = COALESCE(EXCLUDED.is_wired, unifi_clients.is_wired),
			last_seen = GREATEST(EXCLUDED.last_seen, unifi_clients.last_seen),
			updated_at = NOW()`

	batch := &pgx.Batch{}
	for _, c := range clients {
		batch.Queue(sql, c.MAC, textOrNil(c.IP), textOrNil(c.Name), textOrNil(c.Hostname),
			textOrNil(c.OUI), textOrNil(c.Network), textOrNil(c.ESSID), c.VLAN,
			c.IsFixedIP, c.IsWired, c.LastSeen)
	}
	if err := s.runBatch(ctx, batch, len(clients)); err != nil {
		return 0, fmt.Errorf("upserting clients: %w", err)
	}
	return len(clients), nil
}

// UpsertDevices bulk-writes the infrastructure device cache.
func (s *Store) UpsertDevices(ctx context.Context, devices []Device) (int, error) {
	if len(devices) == 0 {
		return 0, nil
	}

	const sql = `
		INSERT INTO unifi_devices (mac, ip, device_name, model, shortname,
			device_type, firmware, serial, state, uptime, updated_at)
		VALUES ($1::macaddr, $2::inet, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (mac) DO UPDATE SET
			ip = EXCLUDED.ip,
			device_name = COALESCE(EXCLUDED.device_name, unifi_devices.device_name),
			model = COALESCE(EXCLUDED.model, unifi_devices.model),
			shortname = COALESCE(EXCLUDED.shortname, unifi_devices.shortname),
			device_type = COALESCE(EXCLUDED.device_type, unifi_devices.device_type),
			firmware = COALESCE(EXCLUDED.firmware, unifi_devices.firmware),
			serial = COALESCE(EXCLUDED.serial, unifi_devices.serial),
			state = EXCLUDED.state,
			uptime = EXCLUDED.uptime,
			updated_at = NOW()`

	batch := &pgx.Batch{}
	for _, d := range devices {
		batch.Queue(sql, d.MAC, textOrNil(d.IP), textOrNil(d.Name), textOrNil(d.Model),
			textOrNil(d.Shortname), textOrNil(d.Type), textOrNil(d.Firmware),
			textOrNil(d.Serial), d.State, d.Uptime)
	}
	if err := s.runBatch(ctx, batch, len(devices)); err != nil {
		return 0, fmt.Errorf("upserting devices: %w", err)
	}
	return len(devices), nil
}

func (s *Store) runBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// NameMaps holds IP-to-name and MAC-to-name lookups assembled from both
// caches. Name priority within a row: device_name > hostname > oui for
// clients, device_name > model for devices. Rows are applied oldest first so
// the most recently seen owner of a reused IP wins.
type NameMaps struct {
	ByIP  map[string]string
	ByMAC map[string]string
}

// LoadNameMaps reads both caches into in-memory name maps.
func (s *Store) LoadNameMaps(ctx context.Context) (*NameMaps, error) {
	m := &NameMaps{
		ByIP:  make(map[string]string),
		ByMAC: make(map[string]string),
	}

	load := func(sql string) error {
		rows, err := s.pool.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var mac, ip, name *string
			if err := rows.Scan(&mac, &ip, &name); err != nil {
				return err
			}
			if name == nil {
				continue
			}
			if mac != nil {
				m.ByMAC[*mac] = *name
			}
			if ip != nil {
				m.ByIP[*ip] = *name
			}
		}
		return rows.Err()
	}

	if err := load(`
		SELECT mac::text, host(ip), COALESCE(device_name, hostname, oui)
		FROM unifi_clients
		WHERE COALESCE(device_name, hostname, oui) IS NOT NULL
		ORDER BY last_seen ASC NULLS FIRST, mac`); err != nil {
		return nil, fmt.Errorf("loading client names: %w", err)
	}
	if err := load(`
		SELECT mac::text, host(ip), COALESCE(device_name, model)
		FROM unifi_devices
		WHERE COALESCE(device_name, model) IS NOT NULL
		ORDER BY updated_at ASC NULLS FIRST, mac`); err != nil {
		return nil, fmt.Errorf("loading device names: %w", err)
	}
	return m, nil
}

// BackfillDeviceNames stamps resolved device names onto historical rows so
// name resolution survives cache eviction. Source names resolve by MAC,
// destination names by the most recent owner of the destination IP.
func (s *Store) BackfillDeviceNames(ctx context.Context) (int64, error) {
	var patched int64
	tag, err := s.pool.Exec(ctx, `
		UPDATE logs SET src_device_name = COALESCE(c.device_name, c.hostname, c.oui)
		FROM unifi_clients c
		WHERE logs.mac_address = c.mac
		  AND logs.src_device_name IS NULL
		  AND COALESCE(c.device_name, c.hostname, c.oui) IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("backfilling source device names: %w", err)
	}
	patched += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		UPDATE logs SET dst_device_name = names.name
		FROM (
			SELECT DISTINCT ON (ip) ip, COALESCE(device_name, hostname, oui) AS name
			FROM unifi_clients
			WHERE ip IS NOT NULL AND COALESCE(device_name, hostname, oui) IS NOT NULL
			ORDER BY ip, last_seen DESC NULLS LAST
		) names
		WHERE logs.dst_ip = names.ip
		  AND logs.dst_device_name IS NULL`)
	if err != nil {
		return patched, fmt.Errorf("backfilling destination device names: %w", err)
	}
	patched += tag.RowsAffected()
	return patched, nil
}

// ClientView is one client-cache row as served by the API.
type ClientView struct {
	MAC        string     `db:"mac" json:"mac"`
	IP         *string    `db:"ip" json:"ip"`
	DeviceName *string    `db:"device_name" json:"device_name"`
	Hostname   *string    `db:"hostname" json:"hostname"`
	OUI        *string    `db:"oui" json:"oui"`
	Network    *string    `db:"network" json:"network"`
	ESSID      *string    `db:"essid" json:"essid"`
	VLAN       *int       `db:"vlan" json:"vlan"`
	IsFixedIP  *bool      `db:"is_fixed_ip" json:"is_fixed_ip"`
	IsWired    *bool      `db:"is_wired" json:"is_wired"`
	LastSeen   *time.Time `db:"last_seen" json:"last_seen"`
}

// ListClients returns the cached controller clients, most recently seen
// first.
func (s *Store) ListClients(ctx context.Context) ([]ClientView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mac::text AS mac, host(ip) AS ip, device_name, hostname, oui,
		       network, essid, vlan, is_fixed_ip, is_wired, last_seen
		FROM unifi_clients
		ORDER BY last_seen DESC NULLS LAST, mac`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[ClientView])
	if err != nil {
		return nil, fmt.Errorf("scanning clients: %w", err)
	}
	return out, nil
}

// DeviceView is one infrastructure-device row as served by the API.
type DeviceView struct {
	MAC        string  `db:"mac" json:"mac"`
	IP         *string `db:"ip" json:"ip"`
	DeviceName *string `db:"device_name" json:"device_name"`
	Model      *string `db:"model" json:"model"`
	Shortname  *string `db:"shortname" json:"shortname"`
	DeviceType *string `db:"device_type" json:"device_type"`
	Firmware   *string `db:"firmware" json:"firmware"`
	Serial     *string `db:"serial" json:"serial"`
	State      *int    `db:"state" json:"state"`
	Uptime     *int64  `db:"uptime" json:"uptime"`
}

// ListDevices returns the cached controller infrastructure devices.
func (s *Store) ListDevices(ctx context.Context) ([]DeviceView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mac::text AS mac, host(ip) AS ip, device_name, model, shortname,
		       device_type, firmware, serial, state, uptime
		FROM unifi_devices
		ORDER BY device_name NULLS LAST, mac`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[DeviceView])
	if err != nil {
		return nil, fmt.Errorf("scanning devices: %w", err)
	}
	return out, nil
}

// DistinctServices returns the distinct service names seen in logs, for
// filter autocompletion.
func (s *Store) DistinctServices(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT service_name FROM logs
		WHERE service_name IS NOT NULL
		ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
