package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetConfig returns the raw JSONB value for key, or ErrNotFound.
func (s *Store) GetConfig(ctx context.Context, key string) (json.RawMessage, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, "SELECT value FROM system_config WHERE key = $1", key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", key, err)
	}
	return json.RawMessage(raw), nil
}

// GetConfigJSON unmarshals the value for key into dest. Returns ErrNotFound
// when the key does not exist; dest is left untouched.
func (s *Store) GetConfigJSON(ctx context.Context, key string, dest any) error {
	raw, err := s.GetConfig(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decoding config %q: %w", key, err)
	}
	return nil
}

// SetConfig upserts a JSONB config value.
func (s *Store) SetConfig(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding config %q: %w", key, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO system_config (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()`, key, raw)
	if err != nil {
		return fmt.Errorf("writing config %q: %w", key, err)
	}
	return nil
}

// DeleteConfig removes a config key. Missing keys are not an error.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM system_config WHERE key = $1", key)
	if err != nil {
		return fmt.Errorf("deleting config %q: %w", key, err)
	}
	return nil
}

// AllConfig returns every config key and raw value.
func (s *Store) AllConfig(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, "SELECT key, value FROM system_config ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("listing config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(raw)
	}
	return out, rows.Err()
}

// ConfigString returns a string config value, or def when missing or of
// another type.
func (s *Store) ConfigString(ctx context.Context, key, def string) string {
	var v string
	if err := s.GetConfigJSON(ctx, key, &v); err != nil {
		return def
	}
	return v
}

// ConfigBool returns a boolean config value, or def when missing.
func (s *Store) ConfigBool(ctx context.Context, key string, def bool) bool {
	var v bool
	if err := s.GetConfigJSON(ctx, key, &v); err != nil {
		return def
	}
	return v
}

// ConfigInt returns an integer config value, or def when missing.
func (s *Store) ConfigInt(ctx context.Context, key string, def int) int {
	var v int
	if err := s.GetConfigJSON(ctx, key, &v); err != nil {
		return def
	}
	return v
}

// ConfigStrings returns a string-list config value, or nil when missing.
func (s *Store) ConfigStrings(ctx context.Context, key string) []string {
	var v []string
	if err := s.GetConfigJSON(ctx, key, &v); err != nil {
		return nil
	}
	return v
}

// ConfigStringMap returns a string-to-string map config value, or nil.
func (s *Store) ConfigStringMap(ctx context.Context, key string) map[string]string {
	var v map[string]string
	if err := s.GetConfigJSON(ctx, key, &v); err != nil {
		return nil
	}
	return v
}

// WANIPs derives the ordered WAN IP list from wan_ip_by_iface following
// wan_interfaces order. Falls back to the legacy wan_ips key for installs
// that predate multi-WAN support.
func (s *Store) WANIPs(ctx context.Context) []string {
	byIface := s.ConfigStringMap(ctx, "wan_ip_by_iface")
	if len(byIface) > 0 {
		var ips []string
		for _, iface := range s.ConfigStrings(ctx, "wan_interfaces") {
			if ip := byIface[iface]; ip != "" {
				ips = append(ips, ip)
			}
		}
		return ips
	}
	return s.ConfigStrings(ctx, "wan_ips")
}

// GatewayIPs returns the detected gateway internal IPs.
func (s *Store) GatewayIPs(ctx context.Context) []string {
	return s.ConfigStrings(ctx, "gateway_ips")
}
