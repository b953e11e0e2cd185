package enricher

import (
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

// UnknownCountry is stored for private, loopback and unresolvable addresses.
const UnknownCountry = unknown

type Location struct {
	Country  string
	City     string
	Region   *string
	Timezone *string
}

// GeoResolver maps an anonymized IP to a coarse location.
type GeoResolver interface {
	Locate(ip string) Location
}

// Enricher resolves locations from a MaxMind City database. Without a
// database every lookup is unknown.
type Enricher struct {
	geoIP *geoip2.Reader
}

func NewEnricher(geoIPPath string) *Enricher {
	var geoIP *geoip2.Reader
	if geoIPPath != "" {
		var err error
		geoIP, err = geoip2.Open(geoIPPath)
		if err != nil {
			log.Warn().Err(err).Str("path", geoIPPath).Msg("GeoIP database unavailable, locations will be unknown")
			geoIP = nil
		}
	}

	return &Enricher{
		geoIP: geoIP,
	}
}

func (e *Enricher) Locate(ip string) Location {
	loc := Location{Country: UnknownCountry}

	addr, err := netip.ParseAddr(ip)
	if err != nil || !routable(addr) || e.geoIP == nil {
		return loc
	}

	record, err := e.geoIP.City(net.IP(addr.AsSlice()))
	if err != nil {
		return loc
	}

	if name, ok := record.Country.Names["en"]; ok && name != "" {
		loc.Country = name
	} else if record.Country.IsoCode != "" {
		loc.Country = record.Country.IsoCode
	}
	if name, ok := record.City.Names["en"]; ok {
		loc.City = name
	}
	if len(record.Subdivisions) > 0 {
		if name, ok := record.Subdivisions[0].Names["en"]; ok && name != "" {
			loc.Region = &name
		}
	}
	if tz := record.Location.TimeZone; tz != "" {
		loc.Timezone = &tz
	}

	return loc
}

func routable(addr netip.Addr) bool {
	return !(addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsMulticast())
}

func (e *Enricher) Close() {
	if e.geoIP != nil {
		e.geoIP.Close()
	}
}
