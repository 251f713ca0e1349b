package enrich

import (
	"strings"
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"

	"grimm.is/loginsight/internal/logging"
)

const (
	rdnsTimeout  = 2 * time.Second
	rdnsCacheTTL = 24 * time.Hour
)

// RDNS performs PTR lookups with a 24h cache. Misses are cached too, so an
// unresolvable scanner IP costs one query per day, not one per packet.
type RDNS struct {
	client  *dns.Client
	servers []string
	cache   *gocache.Cache
	log     *logging.Logger
}

// NewRDNS builds a resolver using the system's configured nameservers.
func NewRDNS(log *logging.Logger) *RDNS {
	if log == nil {
		log = logging.Default()
	}
	r := &RDNS{
		client: &dns.Client{Timeout: rdnsTimeout},
		cache:  gocache.New(rdnsCacheTTL, 10*time.Minute),
		log:    log.WithComponent("rdns"),
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		r.log.Warn("no nameservers found, reverse DNS disabled", "error", err)
		return r
	}
	for _, srv := range conf.Servers {
		r.servers = append(r.servers, srv+":"+conf.Port)
	}
	return r
}

// Lookup resolves the PTR name for ip, or "" when there is none.
func (r *RDNS) Lookup(ip string) string {
	if cached, ok := r.cache.Get(ip); ok {
		return cached.(string)
	}
	name := r.query(ip)
	r.cache.Set(ip, name, gocache.DefaultExpiration)
	return name
}

func (r *RDNS) query(ip string) string {
	if len(r.servers) == 0 {
		return ""
	}
	rev, err := dns.ReverseAddr(ip)
	if err != nil {
		return ""
	}

	msg := new(dns.Msg)
	msg.SetQuestion(rev, dns.TypePTR)

	for _, srv := range r.servers {
		resp, _, err := r.client.Exchange(msg, srv)
		if err != nil {
			continue
		}
		for _, ans := range resp.Answer {
			if ptr, ok := ans.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, ".")
			}
		}
		// Authoritative empty answer: no PTR exists, stop asking.
		return ""
	}
	return ""
}

// CacheSize returns the number of cached answers, hits and misses alike.
func (r *RDNS) CacheSize() int {
	return r.cache.ItemCount()
}
