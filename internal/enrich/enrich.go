// Package enrich resolves the network origin of API callers for the audit trail.
package enrich

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
)

// Location is a WGS84 point.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Geo is the MaxMind city lookup of a caller.
type Geo struct {
	CountryISOCode string    `json:"country_iso_code,omitempty"`
	RegionName     string    `json:"region_name,omitempty"`
	CityName       string    `json:"city_name,omitempty"`
	Location       *Location `json:"location,omitempty"`
}

// AS is the autonomous system of a caller.
type AS struct {
	Number       uint   `json:"number"`
	Organization string `json:"organization,omitempty"`
}

// Origin is everything known about a client address.
type Origin struct {
	Geo    *Geo   `json:"geo,omitempty"`
	AS     *AS    `json:"as,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Empty reports whether no lookup produced data.
func (o Origin) Empty() bool {
	return o.Geo == nil && o.AS == nil && o.Domain == ""
}

// Enricher looks up ASN, GEO and optionally PTR names for client IPs.
type Enricher struct {
	geoDB *geoip2.Reader
	asnDB *geoip2.Reader
	dns   *DNSEnricher
	log   zerolog.Logger
	mu    sync.RWMutex
}

// NewEnricher opens MaxMind DBs and optional DNS enricher. geoPath and asnPath can be "" to skip.
func NewEnricher(geoPath, asnPath string, dns *DNSEnricher, log zerolog.Logger) (*Enricher, error) {
	e := &Enricher{log: log, dns: dns}
	if geoPath != "" {
		db, err := geoip2.Open(geoPath)
		if err != nil {
			return nil, err
		}
		e.geoDB = db
	}
	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			if e.geoDB != nil {
				_ = e.geoDB.Close()
			}
			return nil, err
		}
		e.asnDB = db
	}
	return e, nil
}

// Close closes DBs.
func (e *Enricher) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.geoDB != nil {
		_ = e.geoDB.Close()
		e.geoDB = nil
	}
	if e.asnDB != nil {
		_ = e.asnDB.Close()
		e.asnDB = nil
	}
	return nil
}

// Lookup resolves ipStr. Unparseable, private and loopback addresses return an empty Origin.
func (e *Enricher) Lookup(ipStr string) Origin {
	var out Origin
	if e == nil {
		return out
	}
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return out
	}

	e.mu.RLock()
	if e.asnDB != nil {
		if asn, err := e.asnDB.ASN(ip); err == nil && asn != nil && asn.AutonomousSystemNumber != 0 {
			out.AS = &AS{Number: asn.AutonomousSystemNumber, Organization: asn.AutonomousSystemOrganization}
		}
	}
	if e.geoDB != nil {
		if city, err := e.geoDB.City(ip); err == nil && city != nil {
			out.Geo = geoFromCity(city)
		}
	}
	e.mu.RUnlock()

	if e.dns != nil {
		out.Domain = e.dns.LookupPTR(ip)
	}
	return out
}

func geoFromCity(city *geoip2.City) *Geo {
	g := &Geo{}
	if len(city.Country.IsoCode) == 2 {
		g.CountryISOCode = city.Country.IsoCode
	}
	if len(city.Subdivisions) > 0 {
		g.RegionName = city.Subdivisions[0].Names["en"]
	}
	g.CityName = city.City.Names["en"]
	if city.Location.Latitude != 0 || city.Location.Longitude != 0 {
		g.Location = &Location{Lat: city.Location.Latitude, Lon: city.Location.Longitude}
	}
	if *g == (Geo{}) {
		return nil
	}
	return g
}

// Ready returns true when the enricher can be used (always true; no DBs means pass-through).
func (e *Enricher) Ready() bool {
	return true
}
