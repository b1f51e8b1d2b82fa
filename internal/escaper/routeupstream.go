package escaper

import (
	"context"
	"net/netip"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// RouteUpstream dispatches on the upstream host per spec §4.2.3: exact
// domain, exact IP, IP network, child-suffix trie, then regex trie.
type RouteUpstream struct {
	delegating

	exactDomain map[string]Escaper
	ipTable     *IPTable[Escaper]
	suffix      *SuffixTrie[Escaper]
	regex       *RegexMatchTrie
	fallback    Escaper
	children    []Escaper
}

type RouteUpstreamConfig struct {
	Name        string
	ExactDomain map[string]Escaper
	IPTable     *IPTable[Escaper]
	Suffix      *SuffixTrie[Escaper]
	Regex       *RegexMatchTrie
	Fallback    Escaper
	Children    []Escaper
}

func NewRouteUpstream(cfg RouteUpstreamConfig) *RouteUpstream {
	r := &RouteUpstream{
		exactDomain: cfg.ExactDomain,
		ipTable:     cfg.IPTable,
		suffix:      cfg.Suffix,
		regex:       cfg.Regex,
		fallback:    cfg.Fallback,
		children:    cfg.Children,
	}
	r.delegating = delegating{name: cfg.Name, pick: r.pickChild}
	return r
}

func (r *RouteUpstream) pickChild(_ context.Context, conf TaskConf, _ *TcpNotes, _ *tasknotes.TaskNotes) (Escaper, error) {
	host := conf.UpstreamHost

	if r.exactDomain != nil {
		if e, ok := r.exactDomain[host]; ok {
			return e, nil
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil && r.ipTable != nil {
		if e, ok := r.ipTable.Lookup(addr); ok {
			return e, nil
		}
	}
	if r.suffix != nil {
		if e, ok := r.suffix.Lookup(host); ok {
			return e, nil
		}
	}
	if r.regex != nil {
		if e, ok := r.regex.Lookup(host); ok {
			return e, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, newTcpConnectError(EscaperNotUsable, nil)
}

func (r *RouteUpstream) dependOnEscaper() []string {
	names := make([]string, 0, len(r.children)+1)
	for _, c := range r.children {
		names = append(names, c.Name())
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name())
	}
	return names
}
