package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE for insufficient_privilege.
const insufficientPrivilege = "42501"

// Idempotent migrations, safe to run on every boot. Ordered: later entries
// depend on tables created by earlier ones.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS logs (
		id              BIGSERIAL PRIMARY KEY,
		timestamp       TIMESTAMPTZ NOT NULL,
		log_type        TEXT NOT NULL,
		direction       TEXT,
		src_ip          INET,
		src_port        INTEGER,
		dst_ip          INET,
		dst_port        INTEGER,
		protocol        TEXT,
		rule_name       TEXT,
		rule_desc       TEXT,
		rule_action     TEXT,
		interface_in    TEXT,
		interface_out   TEXT,
		mac_address     MACADDR,
		hostname        TEXT,
		dns_query       TEXT,
		dns_type        TEXT,
		dns_answer      TEXT,
		dhcp_event      TEXT,
		wifi_event      TEXT,
		geo_country     TEXT,
		geo_city        TEXT,
		geo_lat         DOUBLE PRECISION,
		geo_lon         DOUBLE PRECISION,
		asn_number      INTEGER,
		asn_name        TEXT,
		threat_score    INTEGER,
		threat_categories TEXT[],
		rdns            TEXT,
		raw_log         TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	"CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs (timestamp DESC)",
	"CREATE INDEX IF NOT EXISTS idx_logs_log_type ON logs (log_type)",
	"CREATE INDEX IF NOT EXISTS idx_logs_src_ip ON logs (src_ip)",
	"CREATE INDEX IF NOT EXISTS idx_logs_dst_ip ON logs (dst_ip)",
	"CREATE INDEX IF NOT EXISTS idx_logs_rule_action ON logs (rule_action) WHERE rule_action IS NOT NULL",
	"CREATE INDEX IF NOT EXISTS idx_logs_threat_score ON logs (threat_score) WHERE threat_score IS NOT NULL",

	// Persistent threat cache.
	`CREATE TABLE IF NOT EXISTS ip_threats (
		ip              INET PRIMARY KEY,
		threat_score    INTEGER NOT NULL DEFAULT 0,
		threat_categories TEXT[],
		looked_up_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	"CREATE INDEX IF NOT EXISTS idx_ip_threats_looked_up ON ip_threats (looked_up_at)",

	// AbuseIPDB detail columns on logs.
	"ALTER TABLE logs ADD COLUMN IF NOT EXISTS abuse_usage_type TEXT",
	"ALTER TABLE logs ADD COLUMN IF NOT EXISTS abuse_hostnames TEXT",
	"ALTER TABLE logs ADD COLUMN IF NOT EXISTS abuse_total_reports INTEGER",
	"ALTER TABLE logs ADD COLUMN IF NOT EXISTS abuse_last_reported TIMESTAMPTZ",
	"ALTER TABLE logs ADD COLUMN IF NOT EXISTS abuse_is_whitelisted BOOLEAN",
	"ALTER TABLE logs ADD COLUMN IF NOT EXISTS abuse_is_tor BOOLEAN",

	// Same detail columns on the threat cache.
	"ALTER TABLE ip_threats ADD COLUMN IF NOT EXISTS abuse_usage_type TEXT",
	"ALTER TABLE ip_threats ADD COLUMN IF NOT EXISTS abuse_hostnames TEXT",
	"ALTER TABLE ip_threats ADD COLUMN IF NOT EXISTS abuse_total_reports INTEGER",
	"ALTER TABLE ip_threats ADD COLUMN IF NOT EXISTS abuse_last_reported TIMESTAMPTZ",
	"ALTER TABLE ip_threats ADD COLUMN IF NOT EXISTS abuse_is_whitelisted BOOLEAN",
	"ALTER TABLE ip_threats ADD COLUMN IF NOT EXISTS abuse_is_tor BOOLEAN",

	// IANA service name mapping.
	"ALTER TABLE logs ADD COLUMN IF NOT EXISTS service_name TEXT",
	"CREATE INDEX IF NOT EXISTS idx_logs_service_name ON logs (service_name) WHERE service_name IS NOT NULL",

	// Normalize protocol to lowercase for index friendliness.
	"UPDATE logs SET protocol = LOWER(protocol) WHERE protocol IS NOT NULL AND protocol != LOWER(protocol)",

	// Runtime-mutable configuration.
	`CREATE TABLE IF NOT EXISTS system_config (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,

	// One-time flag: re-enrich logs that were enriched on the WAN IP
	// instead of the remote IP.
	`INSERT INTO system_config (key, value, updated_at)
	 VALUES ('enrichment_wan_fix_pending', 'true', NOW())
	 ON CONFLICT (key) DO NOTHING`,
	// One-time flag: repair logs contaminated by WAN IP abuse data.
	`INSERT INTO system_config (key, value, updated_at)
	 VALUES ('abuse_hostname_fix_done', 'false', NOW())
	 ON CONFLICT (key) DO NOTHING`,

	// Device name columns on logs.
	"ALTER TABLE logs ADD COLUMN IF NOT EXISTS src_device_name TEXT",
	"ALTER TABLE logs ADD COLUMN IF NOT EXISTS dst_device_name TEXT",

	// UniFi client cache.
	`CREATE TABLE IF NOT EXISTS unifi_clients (
		mac             MACADDR PRIMARY KEY,
		ip              INET,
		device_name     TEXT,
		hostname        TEXT,
		oui             TEXT,
		network         TEXT,
		essid           TEXT,
		vlan            INTEGER,
		is_fixed_ip     BOOLEAN DEFAULT FALSE,
		is_wired        BOOLEAN,
		last_seen       TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	"CREATE INDEX IF NOT EXISTS idx_unifi_clients_ip ON unifi_clients (ip)",
	"CREATE INDEX IF NOT EXISTS idx_unifi_clients_name ON unifi_clients (device_name) WHERE device_name IS NOT NULL",

	// UniFi infrastructure device cache.
	`CREATE TABLE IF NOT EXISTS unifi_devices (
		mac             MACADDR PRIMARY KEY,
		ip              INET,
		device_name     TEXT,
		model           TEXT,
		shortname       TEXT,
		device_type     TEXT,
		firmware        TEXT,
		serial          TEXT,
		state           INTEGER,
		uptime          BIGINT,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	"CREATE INDEX IF NOT EXISTS idx_unifi_devices_ip ON unifi_devices (ip)",

	// Parameterized retention cleanup.
	`CREATE OR REPLACE FUNCTION cleanup_old_logs(
		general_days INTEGER DEFAULT 60,
		dns_days INTEGER DEFAULT 10
	) RETURNS INTEGER AS $$
	DECLARE deleted INTEGER;
	BEGIN
		DELETE FROM logs
		WHERE (log_type = 'dns' AND timestamp < NOW() - (dns_days || ' days')::INTERVAL)
		   OR (log_type != 'dns' AND timestamp < NOW() - (general_days || ' days')::INTERVAL);
		GET DIAGNOSTICS deleted = ROW_COUNT;
		RETURN deleted;
	END;
	$$ LANGUAGE plpgsql`,
}

// migrate runs every migration inside one transaction, each under its own
// savepoint so a privilege failure skips that statement instead of aborting
// the rest.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, sql := range migrations {
		sp := fmt.Sprintf("sp_%d", i)
		if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("savepoint %s: %w", sp, err)
		}
		if _, err := tx.Exec(ctx, sql); err != nil {
			if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
				return fmt.Errorf("rollback to %s: %w", sp, rbErr)
			}
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == insufficientPrivilege {
				s.log.Warn("migration skipped (insufficient privilege), check object ownership",
					"statement", truncate(sql, 80))
				continue
			}
			return fmt.Errorf("migration %d: %w", i, err)
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("release %s: %w", sp, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing migrations: %w", err)
	}
	s.log.Info("schema migrations applied")
	return nil
}

// fixFunctionOwnership transfers cleanup_old_logs from the postgres superuser
// to the application role. Provisioning creates the function as postgres, and
// the app role cannot CREATE OR REPLACE a function it does not own. Connects
// once via the peer-auth Unix socket, then gates on a config flag.
func (s *Store) fixFunctionOwnership(ctx context.Context) {
	var fixed bool
	if err := s.GetConfigJSON(ctx, "fn_ownership_fixed", &fixed); err == nil && fixed {
		return
	}

	conn, err := pgx.Connect(ctx, s.db.SuperuserDSN())
	if err != nil {
		// Expected on a fresh install where system_config does not exist yet
		// or no local socket is available.
		s.log.Debug("could not connect as superuser for function re-owning", "error", err)
		return
	}
	defer conn.Close(ctx)

	alter := fmt.Sprintf("ALTER FUNCTION cleanup_old_logs(INTEGER, INTEGER) OWNER TO %s", s.db.User)
	if _, err := conn.Exec(ctx, alter); err != nil {
		s.log.Debug("function re-owning failed", "error", err)
		return
	}
	if err := s.SetConfig(ctx, "fn_ownership_fixed", true); err != nil {
		s.log.Debug("could not persist fn_ownership_fixed", "error", err)
		return
	}
	s.log.Info("fixed function ownership", "function", "cleanup_old_logs", "owner", s.db.User)
}

// tzBackfillLockID guards the timestamp correction so the receiver and API
// processes cannot both run it.
const tzBackfillLockID = 20250212

// backfillTimezones re-interprets timestamps stored before local-zone parsing
// existed. Those rows hold local wall-clock times labelled as UTC, offset by
// the zone difference. Runs once, gated by a config flag, on a single session
// so the advisory lock is acquired and released on the same connection.
func (s *Store) backfillTimezones(ctx context.Context, tzName string) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.log.Error("tz backfill: acquiring connection", "error", err)
		return
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", tzBackfillLockID).Scan(&locked); err != nil {
		s.log.Error("tz backfill: advisory lock", "error", err)
		return
	}
	if !locked {
		return // another process is handling it
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", tzBackfillLockID)

	var done []byte
	err = conn.QueryRow(ctx, "SELECT value FROM system_config WHERE key = 'tz_backfill_done'").Scan(&done)
	if err == nil {
		return // already migrated
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		s.log.Error("tz backfill: reading flag", "error", err)
		return
	}

	mark := func(result map[string]any) {
		if err := s.SetConfig(ctx, "tz_backfill_done", result); err != nil {
			s.log.Error("tz backfill: persisting flag", "error", err)
		}
	}

	switch tzName {
	case "", "UTC", "Etc/UTC", "GMT", "Etc/GMT":
		if tzName == "" {
			tzName = "UTC"
		}
		s.log.Info("tz backfill: no correction needed", "tz", tzName)
		mark(map[string]any{"tz": tzName, "rows": 0, "skipped": true})
		return
	}

	var known int
	err = conn.QueryRow(ctx, "SELECT 1 FROM pg_timezone_names WHERE name = $1", tzName).Scan(&known)
	if errors.Is(err, pgx.ErrNoRows) {
		s.log.Warn("tz backfill: timezone not recognised by postgres, skipping", "tz", tzName)
		mark(map[string]any{"tz": tzName, "rows": 0, "skipped": true, "reason": "unknown_tz"})
		return
	}
	if err != nil {
		s.log.Error("tz backfill: timezone lookup", "error", err)
		return
	}

	tag, err := conn.Exec(ctx,
		"UPDATE logs SET timestamp = (timestamp AT TIME ZONE 'UTC') AT TIME ZONE $1", tzName)
	if err != nil {
		s.log.Error("tz backfill failed", "error", err)
		return
	}
	fixed := tag.RowsAffected()
	s.log.Info("tz backfill: corrected log timestamps", "rows", fixed, "tz", tzName)
	mark(map[string]any{"tz": tzName, "rows": fixed, "skipped": false})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
