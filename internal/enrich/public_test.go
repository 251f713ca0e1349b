package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPublicIP(t *testing.T) {
	public := []string{
		"8.8.8.8", "198.51.100.7", "1.1.1.1", "2001:4860:4860::8888",
	}
	for _, ip := range public {
		assert.True(t, IsPublicIP(ip), ip)
	}

	private := []string{
		"", "not-an-ip",
		"0.0.0.0", "0.1.2.3",
		"10.0.0.1", "172.16.0.1", "172.31.255.255", "192.168.1.1",
		"127.0.0.1", "169.254.10.10",
		"224.0.0.251", "239.255.255.250", "255.255.255.255",
		"::1", "fe80::1", "fd00::1", "ff02::fb",
	}
	for _, ip := range private {
		assert.False(t, IsPublicIP(ip), ip)
	}
}

func TestIsPublicIPBoundaries(t *testing.T) {
	// 172.32.0.0 is just past the RFC1918 /12.
	assert.True(t, IsPublicIP("172.32.0.1"))
	// 223.255.255.255 is just below multicast.
	assert.True(t, IsPublicIP("223.255.255.255"))
}
