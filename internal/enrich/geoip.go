package enrich

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"grimm.is/loginsight/internal/logging"
)

// GeoData is the result of a city plus ASN lookup. Zero values mean the
// database had no answer.
type GeoData struct {
	Country string
	City    string
	Lat     *float64
	Lon     *float64
	ASN     int
	ASNName string
}

// GeoIP wraps the MaxMind city and ASN readers. Reload swaps in fresh
// readers without interrupting concurrent lookups.
type GeoIP struct {
	cityPath string
	asnPath  string
	log      *logging.Logger

	mu   sync.RWMutex
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// NewGeoIP opens the databases at the given paths. A missing database is
// logged and its lookups disabled, not an error: fresh installs run before
// geoipupdate has fetched anything.
func NewGeoIP(cityPath, asnPath string, log *logging.Logger) *GeoIP {
	if log == nil {
		log = logging.Default()
	}
	g := &GeoIP{cityPath: cityPath, asnPath: asnPath, log: log.WithComponent("geoip")}
	g.city, g.asn = g.open()
	return g
}

func (g *GeoIP) open() (city, asn *geoip2.Reader) {
	var err error
	if city, err = geoip2.Open(g.cityPath); err != nil {
		g.log.Warn("city database unavailable", "path", g.cityPath, "error", err)
		city = nil
	} else {
		g.log.Info("loaded city database", "path", g.cityPath)
	}
	if asn, err = geoip2.Open(g.asnPath); err != nil {
		g.log.Warn("ASN database unavailable", "path", g.asnPath, "error", err)
		asn = nil
	} else {
		g.log.Info("loaded ASN database", "path", g.asnPath)
	}
	return city, asn
}

// Reload opens fresh readers and only then closes the old ones, so lookups
// racing the reload still hit a valid database.
func (g *GeoIP) Reload() {
	newCity, newASN := g.open()

	g.mu.Lock()
	oldCity, oldASN := g.city, g.asn
	g.city, g.asn = newCity, newASN
	g.mu.Unlock()

	if oldCity != nil {
		oldCity.Close()
	}
	if oldASN != nil {
		oldASN.Close()
	}
	g.log.Info("databases reloaded")
}

// Lookup resolves geo and ASN data for ip. Lookup failures return an empty
// result.
func (g *GeoIP) Lookup(ip string) GeoData {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return GeoData{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var d GeoData
	if g.city != nil {
		if rec, err := g.city.City(parsed); err == nil {
			d.Country = rec.Country.IsoCode
			d.City = rec.City.Names["en"]
			if rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
				lat, lon := rec.Location.Latitude, rec.Location.Longitude
				d.Lat, d.Lon = &lat, &lon
			}
		}
	}
	if g.asn != nil {
		if rec, err := g.asn.ASN(parsed); err == nil {
			d.ASN = int(rec.AutonomousSystemNumber)
			d.ASNName = rec.AutonomousSystemOrganization
		}
	}
	return d
}

// CityLoaded reports whether the city database is open.
func (g *GeoIP) CityLoaded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.city != nil
}

// ASNLoaded reports whether the ASN database is open.
func (g *GeoIP) ASNLoaded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.asn != nil
}

// CityPath returns the configured city database path.
func (g *GeoIP) CityPath() string { return g.cityPath }

// ASNPath returns the configured ASN database path.
func (g *GeoIP) ASNPath() string { return g.asnPath }

// Close releases both readers.
func (g *GeoIP) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.city != nil {
		g.city.Close()
		g.city = nil
	}
	if g.asn != nil {
		g.asn.Close()
		g.asn = nil
	}
}
