package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/loginsight/internal/parser"
)

func TestInsertArgsNilMapping(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &parser.Record{
		Timestamp: ts,
		LogType:   "firewall",
		Direction: "inbound",
		SrcIP:     "198.51.100.7",
		SrcPort:   54321,
		DstIP:     "203.0.113.4",
		DstPort:   22,
		Protocol:  "TCP",
		RawLog:    "raw line",
	}

	got := insertArgs(r)
	require.Len(t, got, len(insertColumns))

	byCol := map[string]any{}
	for i, col := range insertColumns {
		byCol[col] = got[i]
	}

	assert.Equal(t, ts, byCol["timestamp"])
	assert.Equal(t, "firewall", byCol["log_type"])
	assert.Equal(t, "inbound", byCol["direction"])
	assert.Equal(t, "198.51.100.7", byCol["src_ip"])
	assert.Equal(t, 22, byCol["dst_port"])
	assert.Equal(t, "tcp", byCol["protocol"], "protocol is normalised to lowercase")
	assert.Equal(t, "raw line", byCol["raw_log"])

	// Absent fields become SQL NULL, not empty strings or zeroes.
	assert.Nil(t, byCol["rule_name"])
	assert.Nil(t, byCol["mac_address"])
	assert.Nil(t, byCol["dns_query"])
	assert.Nil(t, byCol["asn_number"])
	assert.Nil(t, byCol["threat_categories"])
	assert.Nil(t, byCol["threat_score"])
}

func TestInsertArgsZeroPortIsNull(t *testing.T) {
	r := &parser.Record{Timestamp: time.Now(), LogType: "firewall", SrcPort: 0, DstPort: -1}
	got := insertArgs(r)

	byCol := map[string]any{}
	for i, col := range insertColumns {
		byCol[col] = got[i]
	}
	assert.Nil(t, byCol["src_port"])
	assert.Nil(t, byCol["dst_port"])
}
