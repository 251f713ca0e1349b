// Package config loads process bootstrap settings. Three layers, later wins:
// compiled defaults, an optional HCL file, environment variables.
// Runtime-mutable settings (WAN interfaces, labels, retention overrides)
// live in the database-backed config store instead.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Settings is the process bootstrap configuration.
type Settings struct {
	// HTTP API listen address.
	ListenAddr string `hcl:"listen_addr,optional" env:"LISTEN_ADDR"`
	// UDP syslog listen address (dual-stack).
	SyslogAddr string `hcl:"syslog_addr,optional" env:"SYSLOG_ADDR"`

	LogLevel string `hcl:"log_level,optional" env:"LOG_LEVEL"`
	LogJSON  bool   `hcl:"log_json,optional" env:"LOG_JSON"`

	// Timezone syslog header timestamps are interpreted in. Should match
	// the gateway's local zone.
	Timezone string `hcl:"timezone,optional" env:"TZ"`

	Database Database `hcl:"database,block"`

	GeoIPCityPath string `hcl:"geoip_city_path,optional" env:"GEOIP_CITY_PATH"`
	GeoIPASNPath  string `hcl:"geoip_asn_path,optional" env:"GEOIP_ASN_PATH"`

	// Optional on-disk IANA registry; empty uses the bundled copy.
	ServiceRegistryPath string `hcl:"service_registry_path,optional" env:"SERVICE_REGISTRY_PATH"`

	AbuseIPDBKey string `hcl:"abuseipdb_key,optional" env:"ABUSEIPDB_API_KEY"`
	// RAM-backed file the threat client mirrors rate-limit state into.
	StatsFilePath string `hcl:"stats_file_path,optional" env:"ABUSEIPDB_STATS_FILE"`

	// Environment-layer retention overrides. nil means unset; effective
	// values resolve UI > env > default.
	RetentionDays    *int `env:"RETENTION_DAYS"`
	DNSRetentionDays *int `env:"DNS_RETENTION_DAYS"`

	UniFi UniFi `hcl:"unifi,block"`
}

// Database holds PostgreSQL connection parameters.
type Database struct {
	Host     string `hcl:"host,optional" env:"POSTGRES_HOST"`
	Port     int    `hcl:"port,optional" env:"POSTGRES_PORT"`
	Name     string `hcl:"name,optional" env:"POSTGRES_DB"`
	User     string `hcl:"user,optional" env:"POSTGRES_USER"`
	Password string `hcl:"password,optional" env:"POSTGRES_PASSWORD"`
	// Unix socket directory used for the one-shot superuser maintenance
	// connection (function re-owning).
	SocketDir     string `hcl:"socket_dir,optional" env:"POSTGRES_SOCKET_DIR"`
	SuperuserName string `hcl:"superuser,optional" env:"POSTGRES_SUPERUSER"`
}

// UniFi holds environment-layer controller overrides. Pointer fields are nil
// when unset so the config store's values win (precedence: env > UI > default
// for host/key, per-key otherwise).
type UniFi struct {
	Enabled      *bool  `hcl:"enabled,optional" env:"UNIFI_ENABLED"`
	Host         string `hcl:"host,optional" env:"UNIFI_HOST"`
	APIKey       string `hcl:"api_key,optional" env:"UNIFI_API_KEY"`
	Site         string `hcl:"site,optional" env:"UNIFI_SITE"`
	VerifySSL    *bool  `hcl:"verify_ssl,optional" env:"UNIFI_VERIFY_SSL"`
	PollInterval *int   `hcl:"poll_interval,optional" env:"UNIFI_POLL_INTERVAL"`
}

// Defaults returns the compiled-in settings layer.
func Defaults() Settings {
	return Settings{
		ListenAddr:    ":8000",
		SyslogAddr:    ":514",
		LogLevel:      "info",
		Timezone:      "UTC",
		GeoIPCityPath: "/app/maxmind/GeoLite2-City.mmdb",
		GeoIPASNPath:  "/app/maxmind/GeoLite2-ASN.mmdb",
		StatsFilePath: "/tmp/abuseipdb_stats.json",
		Database: Database{
			Host:          "127.0.0.1",
			Port:          5432,
			Name:          "unifi_logs",
			User:          "unifi",
			Password:      "changeme",
			SocketDir:     "/var/run/postgresql",
			SuperuserName: "postgres",
		},
	}
}

// Load builds Settings from defaults, then the HCL file at path (skipped when
// path is empty or the file does not exist), then the environment.
func Load(path string) (*Settings, error) {
	s := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := hclsimple.DecodeFile(path, nil, &s); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	return &s, nil
}

// DSN returns the application-role connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

// SuperuserDSN returns a peer-auth connection string over the local socket,
// used only by the one-shot function-ownership fix.
func (d Database) SuperuserDSN() string {
	return fmt.Sprintf("host=%s dbname=%s user=%s sslmode=disable",
		d.SocketDir, d.Name, d.SuperuserName)
}

// Location resolves the configured timezone, falling back to UTC when the
// zone is unknown.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
