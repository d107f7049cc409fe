// Package geo enriches measurements with location, ASN and anycast
// information from local MaxMind databases and downloaded prefix tables.
package geo

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oschwald/geoip2-golang"
)

// Unknown locations fall back to a point in the Atlantic so map clients
// always have something to draw.
const (
	FallbackLatitude  = 25.0
	FallbackLongitude = -71.0
)

const cacheTTL = 15 * time.Minute

// Record is everything we know about one address.
type Record struct {
	CountryCode string
	Latitude    float64
	Longitude   float64
	ASN         uint
	ASNOrg      string
	Located     bool
}

type Config struct {
	Logger *slog.Logger
	// Database paths; empty paths disable that lookup rather than failing.
	CityDBPath    string
	CountryDBPath string
	ASNDBPath     string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type Resolver struct {
	log *slog.Logger

	cityDB    *geoip2.Reader
	countryDB *geoip2.Reader
	asnDB     *geoip2.Reader

	cache *ttlcache.Cache[string, *Record]
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Resolver{
		log: cfg.Logger,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *Record](cacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *Record](),
		),
	}

	var err error
	if cfg.CityDBPath != "" {
		if r.cityDB, err = geoip2.Open(cfg.CityDBPath); err != nil {
			return nil, fmt.Errorf("open city database: %w", err)
		}
	}
	if cfg.CountryDBPath != "" {
		if r.countryDB, err = geoip2.Open(cfg.CountryDBPath); err != nil {
			return nil, fmt.Errorf("open country database: %w", err)
		}
	}
	if cfg.ASNDBPath != "" {
		if r.asnDB, err = geoip2.Open(cfg.ASNDBPath); err != nil {
			return nil, fmt.Errorf("open asn database: %w", err)
		}
	}

	go r.cache.Start()
	return r, nil
}

func (r *Resolver) Close() {
	r.cache.Stop()
	for _, db := range []*geoip2.Reader{r.cityDB, r.countryDB, r.asnDB} {
		if db != nil {
			db.Close()
		}
	}
}

// Resolve looks the address up in every configured database. It never
// fails: unknown fields come back zeroed with the coordinate fallback.
func (r *Resolver) Resolve(addr netip.Addr) *Record {
	if !addr.IsValid() {
		return &Record{Latitude: FallbackLatitude, Longitude: FallbackLongitude}
	}
	if item := r.cache.Get(addr.String()); item != nil {
		return item.Value()
	}

	rec := r.lookup(addr)
	r.cache.Set(addr.String(), rec, ttlcache.DefaultTTL)
	return rec
}

func (r *Resolver) lookup(addr netip.Addr) *Record {
	rec := &Record{Latitude: FallbackLatitude, Longitude: FallbackLongitude}
	ip := net.IP(addr.AsSlice())

	if r.cityDB != nil {
		city, err := r.cityDB.City(ip)
		if err != nil {
			r.log.Debug("geoip city lookup failed", "ip", addr.String(), "error", err)
		} else {
			if city.Location.Latitude != 0 || city.Location.Longitude != 0 {
				rec.Latitude = city.Location.Latitude
				rec.Longitude = city.Location.Longitude
				rec.Located = true
			}
			rec.CountryCode = city.Country.IsoCode
		}
	}
	if rec.CountryCode == "" && r.countryDB != nil {
		country, err := r.countryDB.Country(ip)
		if err != nil {
			r.log.Debug("geoip country lookup failed", "ip", addr.String(), "error", err)
		} else {
			rec.CountryCode = country.Country.IsoCode
		}
	}
	if r.asnDB != nil {
		asn, err := r.asnDB.ASN(ip)
		if err != nil {
			r.log.Debug("geoip asn lookup failed", "ip", addr.String(), "error", err)
		} else {
			rec.ASN = asn.AutonomousSystemNumber
			rec.ASNOrg = asn.AutonomousSystemOrganization
		}
	}
	return rec
}

// ASN implements the probe-selection hint interface.
func (r *Resolver) ASN(addr netip.Addr) uint {
	return r.Resolve(addr).ASN
}

// CountryCode implements the probe-selection hint interface.
func (r *Resolver) CountryCode(addr netip.Addr) string {
	return r.Resolve(addr).CountryCode
}

// Coordinates returns (latitude, longitude), falling back to the Atlantic
// point when the address cannot be located.
func (r *Resolver) Coordinates(addr netip.Addr) (float64, float64) {
	rec := r.Resolve(addr)
	return rec.Latitude, rec.Longitude
}
