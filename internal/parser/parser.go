// Package parser converts raw gateway syslog lines into structured records.
// Parsing is pure; the only mutable state is the network config snapshot
// (WAN interfaces and WAN IPs) that direction derivation consults.
package parser

import (
	"encoding/json"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/loginsight/internal/clock"
	"grimm.is/loginsight/internal/logging"
)

// ServiceNamer maps (port, protocol) to an IANA service name.
// The empty string means no mapping.
type ServiceNamer interface {
	Name(port int, protocol string) string
}

// Syslog header: "Feb  8 16:43:49 UDR-UK ..."
var (
	syslogHeader = regexp.MustCompile(`^(\w+)\s+(\d+)\s+(\d+:\d+:\d+)\s+(\S+)\s+(.+)$`)
	priorityTag  = regexp.MustCompile(`^<\d+>`)

	fwRule  = regexp.MustCompile(`\[([^\]]+)\]`)
	fwDesc  = regexp.MustCompile(`DESCR="([^"]*)"`)
	fwIn    = regexp.MustCompile(`IN=(\S*)`)
	fwOut   = regexp.MustCompile(`OUT=(\S*)`)
	fwSrc   = regexp.MustCompile(`SRC=([0-9a-fA-F:.]+)`)
	fwDst   = regexp.MustCompile(`DST=([0-9a-fA-F:.]+)`)
	fwProto = regexp.MustCompile(`PROTO=([A-Z]+)`)
	fwSpt   = regexp.MustCompile(`SPT=(\d+)`)
	fwDpt   = regexp.MustCompile(`DPT=(\d+)`)
	fwMac   = regexp.MustCompile(`MAC=([0-9a-f:]+)`)

	dnsQuery   = regexp.MustCompile(`query\[([A-Z]+)\]\s+(\S+)\s+from\s+([0-9a-fA-F:.]+)`)
	dnsReply   = regexp.MustCompile(`reply\s+(\S+)\s+is\s+(.+)`)
	dnsForward = regexp.MustCompile(`forwarded\s+(\S+)\s+to\s+([0-9a-fA-F:.]+)`)
	dnsCached  = regexp.MustCompile(`cached\s+(\S+)\s+is\s+(.+)`)

	dhcpAck   = regexp.MustCompile(`DHCPACK\((\S+)\)\s+([0-9a-fA-F:.]+)\s+([0-9a-f:]+)\s*(\S*)`)
	dhcpDisc  = regexp.MustCompile(`DHCPDISCOVER\((\S+)\)\s+([0-9a-f:]+)`)
	dhcpOffer = regexp.MustCompile(`DHCPOFFER\((\S+)\)\s+([0-9a-fA-F:.]+)\s+([0-9a-f:]+)`)
	dhcpReq   = regexp.MustCompile(`DHCPREQUEST\((\S+)\)\s+([0-9a-fA-F:.]+)\s+([0-9a-f:]+)`)

	wifiEvent = regexp.MustCompile(`(\w+):\s+STA\s+([0-9a-f:]+)`)
	wifiAssoc = regexp.MustCompile(`STA\s+([0-9a-f:]+)\s+.*?(associated|disassociated|deauthenticated|authenticated)`)
)

var months = map[string]time.Month{
	"Jan": time.January, "Feb": time.February, "Mar": time.March,
	"Apr": time.April, "May": time.May, "Jun": time.June,
	"Jul": time.July, "Aug": time.August, "Sep": time.September,
	"Oct": time.October, "Nov": time.November, "Dec": time.December,
}

// NetConfig is the network-topology snapshot direction derivation needs.
type NetConfig struct {
	WANInterfaces map[string]struct{}
	WANIPs        map[string]struct{}
	// WANIPAuthoritative is true when wan_ip_by_iface exists in config;
	// it disables the WAN-IP auto-learn fallback.
	WANIPAuthoritative bool
}

// NewNetConfig builds a NetConfig from config-store values.
func NewNetConfig(wanInterfaces, wanIPs []string, authoritative bool) NetConfig {
	cfg := NetConfig{
		WANInterfaces: make(map[string]struct{}, len(wanInterfaces)),
		WANIPs:        make(map[string]struct{}, len(wanIPs)),

		WANIPAuthoritative: authoritative,
	}
	for _, i := range wanInterfaces {
		cfg.WANInterfaces[i] = struct{}{}
	}
	for _, ip := range wanIPs {
		cfg.WANIPs[ip] = struct{}{}
	}
	return cfg
}

func (c NetConfig) isWANInterface(iface string) bool {
	_, ok := c.WANInterfaces[iface]
	return ok
}

func (c NetConfig) isWANIP(ip string) bool {
	_, ok := c.WANIPs[ip]
	return ok
}

// Parser turns raw syslog lines into Records.
type Parser struct {
	mu      sync.RWMutex
	cfg     NetConfig
	wanIP   string // last auto-learned WAN IP
	loc     *time.Location
	catalog ServiceNamer
	clk     clock.Clock
	log     *logging.Logger
}

// New creates a Parser. loc is the zone syslog header timestamps are
// interpreted in (the gateway's local zone); nil means UTC.
func New(catalog ServiceNamer, loc *time.Location, clk clock.Clock, log *logging.Logger) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &Parser{
		cfg:     NewNetConfig([]string{"ppp0"}, nil, false),
		loc:     loc,
		catalog: catalog,
		clk:     clk,
		log:     log.WithComponent("parser"),
	}
}

// SetConfig swaps the network-topology snapshot.
func (p *Parser) SetConfig(cfg NetConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.WANInterfaces == nil {
		cfg.WANInterfaces = map[string]struct{}{}
	}
	if cfg.WANIPs == nil {
		cfg.WANIPs = map[string]struct{}{}
	}
	p.cfg = cfg
}

// Config returns a copy of the current snapshot.
func (p *Parser) Config() NetConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg := NetConfig{
		WANInterfaces: make(map[string]struct{}, len(p.cfg.WANInterfaces)),
		WANIPs:        make(map[string]struct{}, len(p.cfg.WANIPs)),

		WANIPAuthoritative: p.cfg.WANIPAuthoritative,
	}
	for k := range p.cfg.WANInterfaces {
		cfg.WANInterfaces[k] = struct{}{}
	}
	for k := range p.cfg.WANIPs {
		cfg.WANIPs[k] = struct{}{}
	}
	return cfg
}

// WANIP returns the last auto-learned WAN IP, if any.
func (p *Parser) WANIP() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.wanIP
}

// Parse converts one raw syslog line into a Record.
// Returns nil when the header does not match even after stripping an
// RFC 3164 priority prefix.
func (p *Parser) Parse(raw string) *Record {
	line := raw
	m := syslogHeader.FindStringSubmatch(line)
	if m == nil {
		line = priorityTag.ReplaceAllString(line, "")
		m = syslogHeader.FindStringSubmatch(line)
		if m == nil {
			return nil
		}
	}

	ts, ok := ParseTimestamp(m[1], m[2], m[3], p.loc, p.clk.Now().In(p.loc))
	if !ok {
		return nil
	}
	body := m[5]

	var rec Record
	switch DetectLogType(body) {
	case TypeFirewall:
		rec = p.parseFirewall(body)
	case TypeDNS:
		rec = parseDNS(body)
	case TypeDHCP:
		rec = parseDHCP(body)
	case TypeWifi:
		rec = parseWifi(body)
	default:
		rec = Record{LogType: TypeSystem}
	}

	rec.Timestamp = ts
	rec.RawLog = raw

	// Reject invalid IP literals; keep the record.
	if rec.SrcIP != "" {
		if _, err := netip.ParseAddr(rec.SrcIP); err != nil {
			p.log.Warn("invalid src_ip in log", "ip", rec.SrcIP)
			rec.SrcIP = ""
		}
	}
	if rec.DstIP != "" {
		if _, err := netip.ParseAddr(rec.DstIP); err != nil {
			p.log.Warn("invalid dst_ip in log", "ip", rec.DstIP)
			rec.DstIP = ""
		}
	}

	return &rec
}

// DetectLogType classifies a syslog body, first match wins.
func DetectLogType(body string) string {
	if strings.Contains(body, "SRC=") && strings.Contains(body, "DST=") && strings.Contains(body, "PROTO=") {
		return TypeFirewall
	}
	if strings.HasPrefix(body, "[") && strings.Contains(body, "DESCR=") {
		return TypeFirewall
	}

	if strings.Contains(body, "dnsmasq-dhcp") ||
		strings.Contains(body, "DHCPACK") || strings.Contains(body, "DHCPDISCOVER") ||
		strings.Contains(body, "DHCPREQUEST") || strings.Contains(body, "DHCPOFFER") {
		return TypeDHCP
	}

	if strings.Contains(body, "dnsmasq") &&
		(strings.Contains(body, "query[") || strings.Contains(body, "reply ") ||
			strings.Contains(body, "forwarded ") || strings.Contains(body, "cached ")) {
		return TypeDNS
	}

	if strings.Contains(body, "stamgr") || strings.Contains(body, "hostapd") || strings.Contains(body, "stahtd") {
		return TypeWifi
	}
	if strings.Contains(body, "STA ") &&
		(strings.Contains(body, "associated") || strings.Contains(body, "authenticated")) {
		return TypeWifi
	}

	return TypeSystem
}

func (p *Parser) parseFirewall(body string) Record {
	rec := Record{LogType: TypeFirewall}

	if m := fwRule.FindStringSubmatch(body); m != nil {
		rec.RuleName = m[1]
	}
	if m := fwDesc.FindStringSubmatch(body); m != nil {
		rec.RuleDesc = m[1]
	}
	if m := fwIn.FindStringSubmatch(body); m != nil {
		rec.InterfaceIn = m[1]
	}
	if m := fwOut.FindStringSubmatch(body); m != nil {
		rec.InterfaceOut = m[1]
	}
	if m := fwSrc.FindStringSubmatch(body); m != nil {
		rec.SrcIP = m[1]
	}
	if m := fwDst.FindStringSubmatch(body); m != nil {
		rec.DstIP = m[1]
	}
	if m := fwProto.FindStringSubmatch(body); m != nil {
		rec.Protocol = strings.ToLower(m[1])
	}
	if m := fwSpt.FindStringSubmatch(body); m != nil {
		rec.SrcPort, _ = strconv.Atoi(m[1])
	}
	if m := fwDpt.FindStringSubmatch(body); m != nil {
		rec.DstPort, _ = strconv.Atoi(m[1])
	}
	if m := fwMac.FindStringSubmatch(body); m != nil {
		rec.MACAddress = ExtractMAC(m[1])
	}

	if p.catalog != nil && rec.DstPort > 0 {
		rec.ServiceName = p.catalog.Name(rec.DstPort, rec.Protocol)
	}

	rec.RuleAction = DeriveAction(rec.RuleName)

	p.learnWANIP(rec.InterfaceIn, rec.RuleName, rec.DstIP)

	p.mu.RLock()
	cfg := p.cfg
	rec.Direction = DeriveDirection(cfg, rec.InterfaceIn, rec.InterfaceOut, rec.RuleName, rec.SrcIP, rec.DstIP)
	p.mu.RUnlock()

	return rec
}

// learnWANIP records the gateway's own WAN IP from WAN_LOCAL rules when no
// authoritative wan_ip_by_iface mapping exists.
func (p *Parser) learnWANIP(ifaceIn, ruleName, dstIP string) {
	if dstIP == "" || !strings.Contains(ruleName, "WAN_LOCAL") {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.WANIPAuthoritative || !p.cfg.isWANInterface(ifaceIn) {
		return
	}
	addr, err := netip.ParseAddr(dstIP)
	if err != nil || !addr.IsGlobalUnicast() || addr.IsPrivate() || addr.IsMulticast() {
		return
	}
	ip := addr.String()
	if ip != p.wanIP {
		p.wanIP = ip
		p.cfg.WANIPs[ip] = struct{}{}
		p.log.Info("auto-detected WAN IP", "ip", ip)
	}
}

func parseDNS(body string) Record {
	rec := Record{LogType: TypeDNS}

	if m := dnsQuery.FindStringSubmatch(body); m != nil {
		rec.DNSType = m[1]
		rec.DNSQuery = m[2]
		rec.SrcIP = m[3]
		return rec
	}
	if m := dnsReply.FindStringSubmatch(body); m != nil {
		rec.DNSQuery = m[1]
		rec.DNSAnswer = m[2]
		return rec
	}
	if m := dnsForward.FindStringSubmatch(body); m != nil {
		rec.DNSQuery = m[1]
		rec.DstIP = m[2]
		return rec
	}
	if m := dnsCached.FindStringSubmatch(body); m != nil {
		rec.DNSQuery = m[1]
		rec.DNSAnswer = m[2]
		return rec
	}
	return rec
}

func parseDHCP(body string) Record {
	rec := Record{LogType: TypeDHCP}

	if m := dhcpAck.FindStringSubmatch(body); m != nil {
		rec.InterfaceIn = m[1]
		rec.SrcIP = m[2]
		rec.MACAddress = m[3]
		rec.Hostname = m[4]
		rec.DHCPEvent = "DHCPACK"
		return rec
	}
	if m := dhcpReq.FindStringSubmatch(body); m != nil {
		rec.InterfaceIn = m[1]
		rec.SrcIP = m[2]
		rec.MACAddress = m[3]
		rec.DHCPEvent = "DHCPREQUEST"
		return rec
	}
	if m := dhcpOffer.FindStringSubmatch(body); m != nil {
		rec.InterfaceIn = m[1]
		rec.SrcIP = m[2]
		rec.MACAddress = m[3]
		rec.DHCPEvent = "DHCPOFFER"
		return rec
	}
	if m := dhcpDisc.FindStringSubmatch(body); m != nil {
		rec.InterfaceIn = m[1]
		rec.MACAddress = m[2]
		rec.DHCPEvent = "DHCPDISCOVER"
		return rec
	}
	return rec
}

func parseWifi(body string) Record {
	rec := Record{LogType: TypeWifi}

	// stahtd STA tracker emits JSON events
	if strings.Contains(body, "stahtd") {
		if i := strings.Index(body, "{"); i >= 0 {
			var data map[string]any
			if err := json.Unmarshal([]byte(body[i:]), &data); err == nil {
				rec.MACAddress, _ = data["mac"].(string)
				if ev, ok := data["event_type"].(string); ok {
					rec.WifiEvent = ev
				} else if ev, ok := data["message_type"].(string); ok {
					rec.WifiEvent = ev
				} else {
					rec.WifiEvent = "stahtd"
				}
			} else {
				rec.WifiEvent = "stahtd"
			}
			return rec
		}
	}

	if m := wifiAssoc.FindStringSubmatch(body); m != nil {
		rec.MACAddress = m[1]
		rec.WifiEvent = m[2]
		return rec
	}
	if m := wifiEvent.FindStringSubmatch(body); m != nil {
		rec.WifiEvent = m[1]
		rec.MACAddress = m[2]
		return rec
	}
	return rec
}

// ParseTimestamp interprets an RFC 3164 header timestamp in loc and converts
// to UTC. Syslog carries no year: subtract one only when the log month is far
// ahead of the current month (a December log arriving in January). A plain
// "ts > now" check would misdate same-day logs whenever the sender's clock
// leads the receiver's by even a few seconds.
func ParseTimestamp(month, day, timeStr string, loc *time.Location, now time.Time) (time.Time, bool) {
	mon, ok := months[month]
	if !ok {
		mon = time.January
	}
	d, err := strconv.Atoi(day)
	if err != nil {
		return time.Time{}, false
	}
	parts := strings.Split(timeStr, ":")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	h, err1 := strconv.Atoi(parts[0])
	mi, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}

	year := now.Year()
	if int(mon)-int(now.Month()) > 6 {
		year--
	}
	ts := time.Date(year, mon, d, h, mi, s, 0, loc)
	return ts.UTC(), true
}
