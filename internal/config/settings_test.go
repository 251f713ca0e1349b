package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8000", s.ListenAddr)
	assert.Equal(t, ":514", s.SyslogAddr)
	assert.Equal(t, "unifi_logs", s.Database.Name)
	assert.Nil(t, s.RetentionDays)
	assert.Nil(t, s.UniFi.Enabled)
}

func TestLoadHCLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loginsight.hcl")
	content := `
listen_addr = ":9090"
log_level   = "debug"

database {
  host     = "db.local"
  password = "secret"
}

unifi {
  host = "https://192.168.1.1"
}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", s.ListenAddr)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "db.local", s.Database.Host)
	assert.Equal(t, "secret", s.Database.Password)
	assert.Equal(t, "https://192.168.1.1", s.UniFi.Host)
	// untouched keys keep defaults
	assert.Equal(t, ":514", s.SyslogAddr)
	assert.Equal(t, 5432, s.Database.Port)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	s, err := Load("/nonexistent/loginsight.hcl")
	require.NoError(t, err)
	assert.Equal(t, ":8000", s.ListenAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loginsight.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr = ":9090"`+"\n"), 0o600))

	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("RETENTION_DAYS", "120")
	t.Setenv("UNIFI_ENABLED", "true")

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", s.ListenAddr)
	require.NotNil(t, s.RetentionDays)
	assert.Equal(t, 120, *s.RetentionDays)
	require.NotNil(t, s.UniFi.Enabled)
	assert.True(t, *s.UniFi.Enabled)
}

func TestDSN(t *testing.T) {
	d := Database{Host: "127.0.0.1", Port: 5432, Name: "unifi_logs", User: "unifi", Password: "pw"}
	assert.Equal(t,
		"host=127.0.0.1 port=5432 dbname=unifi_logs user=unifi password=pw sslmode=disable",
		d.DSN())
}

func TestLocation(t *testing.T) {
	s := &Settings{Timezone: "UTC"}
	assert.Equal(t, time.UTC, s.Location())

	s.Timezone = "Not/AZone"
	assert.Equal(t, time.UTC, s.Location())

	s.Timezone = "Europe/London"
	loc := s.Location()
	assert.Equal(t, "Europe/London", loc.String())
}
