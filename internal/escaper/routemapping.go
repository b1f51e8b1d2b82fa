package escaper

import (
	"context"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// RouteMapping is a direct lookup from an explicit upstream key
// (typically "host:port" or bare host) to a child escaper (spec §4.2.3).
type RouteMapping struct {
	delegating

	table    map[string]Escaper
	fallback Escaper
}

func NewRouteMapping(name string, table map[string]Escaper, fallback Escaper) *RouteMapping {
	r := &RouteMapping{table: table, fallback: fallback}
	r.delegating = delegating{name: name, pick: r.pickChild}
	return r
}

func (r *RouteMapping) pickChild(_ context.Context, conf TaskConf, _ *TcpNotes, _ *tasknotes.TaskNotes) (Escaper, error) {
	if e, ok := r.table[conf.addr()]; ok {
		return e, nil
	}
	if e, ok := r.table[conf.UpstreamHost]; ok {
		return e, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, newTcpConnectError(EscaperNotUsable, nil)
}

func (r *RouteMapping) dependOnEscaper() []string {
	names := make([]string, 0, len(r.table)+1)
	for _, e := range r.table {
		names = append(names, e.Name())
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name())
	}
	return names
}
