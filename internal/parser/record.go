package parser

import "time"

// Log subtypes.
const (
	TypeFirewall = "firewall"
	TypeDNS      = "dns"
	TypeDHCP     = "dhcp"
	TypeWifi     = "wifi"
	TypeSystem   = "system"
	TypeUnknown  = "unknown"
)

// Traffic directions relative to the gateway.
const (
	DirInbound   = "inbound"
	DirOutbound  = "outbound"
	DirInterVLAN = "inter_vlan"
	DirNAT       = "nat"
	DirVPN       = "vpn"
	DirLocal     = "local"
)

// Rule actions derived from the rule-name convention.
const (
	ActionAllow    = "allow"
	ActionBlock    = "block"
	ActionRedirect = "redirect"
)

// Record is one parsed syslog line. String fields use "" for absent,
// pointer fields distinguish absent from a meaningful zero.
type Record struct {
	ID        int64
	Timestamp time.Time
	LogType   string
	Direction string

	SrcIP    string
	SrcPort  int
	DstIP    string
	DstPort  int
	Protocol string

	ServiceName string

	RuleName   string
	RuleDesc   string
	RuleAction string

	InterfaceIn  string
	InterfaceOut string

	MACAddress string
	Hostname   string
	DHCPEvent  string

	DNSQuery  string
	DNSType   string
	DNSAnswer string

	WifiEvent string

	GeoCountry string
	GeoCity    string
	GeoLat     *float64
	GeoLon     *float64
	ASNNumber  int
	ASNName    string
	RDNS       string

	ThreatScore      *int
	ThreatCategories []string

	AbuseUsageType     string
	AbuseHostnames     string
	AbuseTotalReports  *int
	AbuseLastReported  *time.Time
	AbuseIsWhitelisted *bool
	AbuseIsTor         *bool

	SrcDeviceName string
	DstDeviceName string

	RawLog string
}
