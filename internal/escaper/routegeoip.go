package escaper

import (
	"context"
	"net/netip"
	"time"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// GeoReader abstracts the GeoIP database lookup, mirroring the teacher's
// geoip.GeoReader interface (geoip.go) so RouteGeoIp can be built over
// either the real maxminddb reader or a no-op test double.
type GeoReader interface {
	Country(ip netip.Addr) string  // lowercase ISO country code, "" if unknown
	ASN(ip netip.Addr) uint32      // 0 if unknown
	Continent(ip netip.Addr) string // lowercase continent code, "" if unknown
}

// RouteGeoIp dispatches on the upstream's resolved IP: longest-prefix
// network match first, then ASN set, then country set, then continent
// set (spec §4.2.3). Resolution may be deferred up to ResolutionDelay
// before falling back to the Fallback escaper.
type RouteGeoIp struct {
	delegating

	resolver        Resolver
	geo             GeoReader
	networkTable    *IPTable[Escaper]
	byASN           map[uint32]Escaper
	byCountry       map[string]Escaper
	byContinent     map[string]Escaper
	resolutionDelay time.Duration
	fallback        Escaper
	children        []Escaper
}

type RouteGeoIpConfig struct {
	Name            string
	Resolver        Resolver
	Geo             GeoReader
	NetworkTable    *IPTable[Escaper]
	ByASN           map[uint32]Escaper
	ByCountry       map[string]Escaper
	ByContinent     map[string]Escaper
	ResolutionDelay time.Duration
	Fallback        Escaper
	Children        []Escaper
}

func NewRouteGeoIp(cfg RouteGeoIpConfig) *RouteGeoIp {
	r := &RouteGeoIp{
		resolver:        cfg.Resolver,
		geo:             cfg.Geo,
		networkTable:    cfg.NetworkTable,
		byASN:           cfg.ByASN,
		byCountry:       cfg.ByCountry,
		byContinent:     cfg.ByContinent,
		resolutionDelay: cfg.ResolutionDelay,
		fallback:        cfg.Fallback,
		children:        cfg.Children,
	}
	r.delegating = delegating{name: cfg.Name, pick: r.pickChild}
	return r
}

func (r *RouteGeoIp) pickChild(ctx context.Context, conf TaskConf, _ *TcpNotes, _ *tasknotes.TaskNotes) (Escaper, error) {
	addr, err := netip.ParseAddr(conf.UpstreamHost)
	if err != nil {
		resolveCtx := ctx
		if r.resolutionDelay > 0 {
			var cancel context.CancelFunc
			resolveCtx, cancel = context.WithTimeout(ctx, r.resolutionDelay)
			defer cancel()
		}
		if r.resolver == nil {
			return r.fallbackOrErr()
		}
		addrs, err := r.resolver.Resolve(resolveCtx, conf.UpstreamHost)
		if err != nil || len(addrs) == 0 {
			return r.fallbackOrErr()
		}
		addr = addrs[0]
	}

	if r.networkTable != nil {
		if e, ok := r.networkTable.Lookup(addr); ok {
			return e, nil
		}
	}
	if r.geo != nil {
		if r.byASN != nil {
			if e, ok := r.byASN[r.geo.ASN(addr)]; ok {
				return e, nil
			}
		}
		if r.byCountry != nil {
			if e, ok := r.byCountry[r.geo.Country(addr)]; ok {
				return e, nil
			}
		}
		if r.byContinent != nil {
			if e, ok := r.byContinent[r.geo.Continent(addr)]; ok {
				return e, nil
			}
		}
	}
	return r.fallbackOrErr()
}

func (r *RouteGeoIp) fallbackOrErr() (Escaper, error) {
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, newTcpConnectError(EscaperNotUsable, nil)
}

func (r *RouteGeoIp) dependOnEscaper() []string {
	names := make([]string, 0, len(r.children)+1)
	for _, c := range r.children {
		names = append(names, c.Name())
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name())
	}
	return names
}
