package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeRangeCutoff(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1h", time.Hour, true},
		{"6h", 6 * time.Hour, true},
		{"24h", 24 * time.Hour, true},
		{"7d", 7 * 24 * time.Hour, true},
		{"30d", 30 * 24 * time.Hour, true},
		{"365d", 365 * 24 * time.Hour, true},
		{"2h", 0, false},
		{"", 0, false},
		{"all", 0, false},
	}
	for _, tc := range cases {
		cutoff, ok := TimeRangeCutoff(tc.in, now)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, now.Add(-tc.want), cutoff, tc.in)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, escapeLike("100%"))
	assert.Equal(t, `a\_b`, escapeLike("a_b"))
	assert.Equal(t, `c:\\temp`, escapeLike(`c:\temp`))
	assert.Equal(t, "plain", escapeLike("plain"))
}

func TestWhereEmptyFilters(t *testing.T) {
	var a args
	where := Filters{}.where(&a, time.Now())
	assert.Equal(t, "1=1", where)
	assert.Empty(t, []any(a))
}

func TestWherePlaceholderNumbering(t *testing.T) {
	var a args
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := Filters{
		LogTypes:  []string{"firewall"},
		TimeRange: "24h",
		SrcIP:     "192.168.1.10",
	}
	where := f.where(&a, now)

	assert.Contains(t, where, "log_type = ANY($1)")
	assert.Contains(t, where, "timestamp >= $2")
	assert.Contains(t, where, `src_ip::text LIKE $3 ESCAPE '\'`)
	require.Len(t, []any(a), 3)
	assert.Equal(t, now.Add(-24*time.Hour), a[1])
	assert.Equal(t, "%192.168.1.10%", a[2])
}

func TestWhereEitherSideIP(t *testing.T) {
	var a args
	where := Filters{IP: "10.0.0.5"}.where(&a, time.Now())

	assert.Contains(t, where, "src_ip::text LIKE $1")
	assert.Contains(t, where, "dst_ip::text LIKE $2")
	require.Len(t, []any(a), 2)
	assert.Equal(t, a[0], a[1])
}

func TestWhereUnknownTimeRangeIgnored(t *testing.T) {
	var a args
	where := Filters{TimeRange: "forever"}.where(&a, time.Now())
	assert.Equal(t, "1=1", where)
}

func TestWhereCountriesUppercased(t *testing.T) {
	var a args
	Filters{Countries: []string{" us", "De"}}.where(&a, time.Now())
	require.Len(t, []any(a), 1)
	assert.Equal(t, []string{"US", "DE"}, a[0])
}

func TestWhereVPNOnly(t *testing.T) {
	var a args
	where := Filters{VPNOnly: true}.where(&a, time.Now())

	assert.Contains(t, where, "interface_in LIKE")
	assert.Contains(t, where, "interface_out LIKE")
	require.NotEmpty(t, []any(a))
	assert.Equal(t, "wgsrv%", a[0])
}

func TestWhereVPNOnlyExtendsDirections(t *testing.T) {
	var a args
	f := Filters{VPNOnly: true, Directions: []string{"inbound"}}
	f.where(&a, time.Now())

	assert.Equal(t, []string{"inbound", "vpn"}, a[0])
	// Caller's slice is not mutated.
	assert.Equal(t, []string{"inbound"}, f.Directions)
}

func TestWhereVPNOnlyKeepsExplicitVPNDirection(t *testing.T) {
	var a args
	Filters{VPNOnly: true, Directions: []string{"vpn"}}.where(&a, time.Now())
	assert.Equal(t, []string{"vpn"}, a[0])
}

func TestWhereRuleNameMatchesDescription(t *testing.T) {
	var a args
	where := Filters{RuleName: "WAN_IN"}.where(&a, time.Now())

	assert.Contains(t, where, "rule_name ILIKE $1")
	assert.Contains(t, where, "rule_desc ILIKE $2")
	assert.Equal(t, `%WAN\_IN%`, a[0])
}

func TestWhereInterfacesMatchBothSides(t *testing.T) {
	var a args
	where := Filters{Interfaces: []string{"ppp0", "br0"}}.where(&a, time.Now())

	assert.Contains(t, where, "interface_in = ANY($1)")
	assert.Contains(t, where, "interface_out = ANY($1)")
	require.Len(t, []any(a), 1)
}

func TestStatsBucket(t *testing.T) {
	assert.Equal(t, "hour", statsBucket("1h"))
	assert.Equal(t, "hour", statsBucket("24h"))
	assert.Equal(t, "day", statsBucket("7d"))
	assert.Equal(t, "day", statsBucket("60d"))
	assert.Equal(t, "week", statsBucket("90d"))
	assert.Equal(t, "month", statsBucket("365d"))
	assert.Equal(t, "day", statsBucket("bogus"))
}

func TestArgsSequentialPlaceholders(t *testing.T) {
	var a args
	assert.Equal(t, "$1", a.add("x"))
	assert.Equal(t, "$2", a.add(7))
	assert.Equal(t, "$3", a.add(nil))
	assert.Len(t, []any(a), 3)
}

func TestSortedEqual(t *testing.T) {
	assert.True(t, sortedEqual(nil, nil))
	assert.True(t, sortedEqual([]string{"b", "a"}, []string{"a", "b"}))
	assert.False(t, sortedEqual([]string{"a"}, []string{"a", "b"}))
	assert.False(t, sortedEqual([]string{"a"}, []string{"b"}))
}

func TestNormalizeIP(t *testing.T) {
	assert.Equal(t, "192.168.1.1", normalizeIP("192.168.1.1"))
	assert.Equal(t, "2001:db8::1", normalizeIP("2001:DB8:0:0:0:0:0:1"))
	assert.Equal(t, "not-an-ip", normalizeIP("not-an-ip"))
}

func TestBuildInsertSQL(t *testing.T) {
	sql := buildInsertSQL()

	assert.True(t, strings.HasPrefix(sql, "INSERT INTO logs ("))
	assert.Contains(t, sql, "$4::inet")
	assert.Contains(t, sql, "$6::inet")
	assert.Contains(t, sql, "$15::macaddr")
	assert.Equal(t, len(insertColumns), strings.Count(sql, "$"))
}
