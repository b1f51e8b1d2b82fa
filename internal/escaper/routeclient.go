package escaper

import (
	"context"
	"net"
	"net/netip"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// RouteClient dispatches on the client's own IP address: exact match
// first, then longest-prefix network match, per spec §4.2.3.
type RouteClient struct {
	delegating
	table    *IPTable[Escaper]
	fallback Escaper
	children []Escaper // every escaper reachable via table, for dependOnEscaper
}

// NewRouteClient builds a RouteClient over table, falling back to
// fallback (may be nil, in which case a miss reports EscaperNotUsable).
// children must list every distinct Escaper inserted into table, so
// reload dependency tracking (_depend_on_escaper) sees them all.
func NewRouteClient(name string, table *IPTable[Escaper], fallback Escaper, children []Escaper) *RouteClient {
	r := &RouteClient{table: table, fallback: fallback, children: children}
	r.delegating = delegating{name: name, pick: r.pickChild}
	return r
}

func (r *RouteClient) pickChild(_ context.Context, _ TaskConf, _ *TcpNotes, task *tasknotes.TaskNotes) (Escaper, error) {
	if task != nil {
		if ip := clientIP(task.ClientAddr); ip.IsValid() {
			if child, ok := r.table.Lookup(ip); ok {
				return child, nil
			}
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, newTcpConnectError(EscaperNotUsable, nil)
}

func clientIP(hostPort string) netip.Addr {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

func (r *RouteClient) dependOnEscaper() []string {
	names := make([]string, 0, len(r.children)+1)
	for _, c := range r.children {
		names = append(names, c.Name())
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name())
	}
	return names
}
