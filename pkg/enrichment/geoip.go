package enrichment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/oschwald/geoip2-golang"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// cityReader is the subset of *geoip2.Reader used for lookups.
type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

// GeoIPEnricher resolves target addresses to a country, city and
// coordinates. It always produces a result; markers stand in for names when
// resolution is impossible.
type GeoIPEnricher struct {
	reader cityReader
	closer func() error
	logger *logger.Logger
}

// NewGeoIPEnricher opens the city database at path. A missing or unreadable
// database still yields a usable enricher that reports UNKNOWN for every
// public address, together with a *types.ConfigurationWarning.
func NewGeoIPEnricher(path string, log *logger.Logger) (*GeoIPEnricher, error) {
	if log == nil {
		log = logger.NewNop()
	}
	g := &GeoIPEnricher{logger: log.WithComponent("geoip")}

	if path == "" {
		return g, &types.ConfigurationWarning{Component: "geoip", Err: errors.New("no database path configured")}
	}
	if _, err := os.Stat(path); err != nil {
		return g, &types.ConfigurationWarning{Component: "geoip", Err: fmt.Errorf("database %s: %w", path, err)}
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		return g, &types.ConfigurationWarning{Component: "geoip", Err: fmt.Errorf("failed to open %s: %w", path, err)}
	}
	g.reader = reader
	g.closer = reader.Close
	g.logger.Infow("GeoIP database loaded", "path", path)
	return g, nil
}

func newGeoIPWithReader(r cityReader) *GeoIPEnricher {
	return &GeoIPEnricher{reader: r, logger: logger.NewNop()}
}

func (g *GeoIPEnricher) Name() string { return "geoip" }

func (g *GeoIPEnricher) Applies(ev *types.AssetEvent) bool { return ev.Target.IP != "" }

func (g *GeoIPEnricher) Enrich(_ context.Context, ev *types.AssetEvent) (Fragment, error) {
	return Fragment{GeoIP: g.Resolve(ev.Target.IP)}, nil
}

// Resolve never fails. Private and loopback addresses short-circuit to
// PRIVATE without touching the database.
func (g *GeoIPEnricher) Resolve(ip string) *types.GeoIPResult {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return marker(types.GeoError)
	}
	addr = addr.Unmap()

	if isPrivate(addr) {
		return marker(types.GeoPrivate)
	}
	if g.reader == nil {
		return marker(types.GeoUnknown)
	}

	record, err := g.reader.City(net.IP(addr.AsSlice()))
	if err != nil {
		g.logger.Debugw("GeoIP lookup failed", "ip", ip, "error", err)
		return marker(types.GeoError)
	}

	country := record.Country.Names["en"]
	if country == "" && record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return marker(types.GeoUnknown)
	}
	if country == "" {
		country = types.GeoUnknown
	}
	city := record.City.Names["en"]
	if city == "" {
		city = types.GeoUnknown
	}

	res := &types.GeoIPResult{CountryName: country, CityName: city}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		res.Location = &types.GeoPoint{Lat: record.Location.Latitude, Lon: record.Location.Longitude}
	}
	return res
}

func (g *GeoIPEnricher) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

func marker(m string) *types.GeoIPResult {
	return &types.GeoIPResult{CountryName: m, CityName: m}
}
