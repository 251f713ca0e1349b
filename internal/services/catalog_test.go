package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBundled(t *testing.T) {
	c := Load("", nil)
	require.NotZero(t, c.Len())

	assert.Equal(t, "http", c.Name(80, "TCP"))
	assert.Equal(t, "https", c.Name(443, "tcp"))
	assert.Equal(t, "ssh", c.Name(22, "tcp"))
}

func TestDisplayOverride(t *testing.T) {
	c := Load("", nil)
	// IANA registers port 53 as "domain"; the UI wants "DNS".
	assert.Equal(t, "DNS", c.Name(53, "udp"))
	assert.Equal(t, "DNS", c.Name(53, "tcp"))
}

func TestNameMisses(t *testing.T) {
	c := Load("", nil)
	assert.Empty(t, c.Name(0, "tcp"))
	assert.Empty(t, c.Name(-1, "udp"))
	assert.Empty(t, c.Name(65000, "tcp"))
	assert.Empty(t, c.Name(80, "icmp"))
}

func TestProtocolDefaultsToTCP(t *testing.T) {
	c := Load("", nil)
	assert.Equal(t, "http", c.Name(80, ""))
}

func TestDescription(t *testing.T) {
	c := Load("", nil)
	assert.Equal(t, "World Wide Web HTTP", c.Description(80, "tcp"))
	assert.Empty(t, c.Description(99999, "tcp"))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.csv")
	csv := "Service Name,Port Number,Transport Protocol,Description,Reference\n" +
		"myapp,4242,tcp,My App,\n" +
		"ranged,8000-8010,tcp,Ranged service,\n" +
		"bad,notaport,tcp,Broken row,\n" +
		"skipme,1234,icmp,Wrong protocol,\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	c := Load(path, nil)
	assert.Equal(t, "myapp", c.Name(4242, "tcp"))
	assert.Equal(t, "ranged", c.Name(8000, "tcp"), "port ranges keep the first port")
	assert.Empty(t, c.Name(1234, "icmp"))
	assert.Equal(t, 2, c.Len())
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	c := Load("/nonexistent/registry.csv", nil)
	assert.NotZero(t, c.Len(), "missing file degrades to the bundled copy")
}
