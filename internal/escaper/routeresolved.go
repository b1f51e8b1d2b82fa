package escaper

import (
	"context"
	"net/netip"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// RouteResolved dispatches on the longest-prefix network match of the
// upstream's resolved IP (spec §4.2.3) — the simpler sibling of
// RouteGeoIp, with no ASN/country/continent indexes.
type RouteResolved struct {
	delegating

	resolver Resolver
	table    *IPTable[Escaper]
	fallback Escaper
	children []Escaper
}

func NewRouteResolved(name string, resolver Resolver, table *IPTable[Escaper], fallback Escaper, children []Escaper) *RouteResolved {
	r := &RouteResolved{resolver: resolver, table: table, fallback: fallback, children: children}
	r.delegating = delegating{name: name, pick: r.pickChild}
	return r
}

func (r *RouteResolved) pickChild(ctx context.Context, conf TaskConf, _ *TcpNotes, _ *tasknotes.TaskNotes) (Escaper, error) {
	addr, err := netip.ParseAddr(conf.UpstreamHost)
	if err != nil {
		if r.resolver == nil {
			return r.fallbackOrErr()
		}
		addrs, rerr := r.resolver.Resolve(ctx, conf.UpstreamHost)
		if rerr != nil || len(addrs) == 0 {
			return r.fallbackOrErr()
		}
		addr = addrs[0]
	}
	if e, ok := r.table.Lookup(addr); ok {
		return e, nil
	}
	return r.fallbackOrErr()
}

func (r *RouteResolved) fallbackOrErr() (Escaper, error) {
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, newTcpConnectError(EscaperNotUsable, nil)
}

func (r *RouteResolved) dependOnEscaper() []string {
	names := make([]string, 0, len(r.children)+1)
	for _, c := range r.children {
		names = append(names, c.Name())
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name())
	}
	return names
}
