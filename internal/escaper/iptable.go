package escaper

import (
	"net/netip"

	"github.com/gaissmai/bart"
)

// IPTable is the exact-IP-map + longest-prefix-network index shared by
// RouteClient, RouteGeoIp, and RouteResolved (spec §4.2.3). Longest-prefix
// matching is backed by gaissmai/bart, the balanced routing table already
// pulled in transitively by the sing-box stack — used here directly
// rather than hand-rolling a radix tree.
type IPTable[V any] struct {
	exact map[netip.Addr]V
	tree  *bart.Table[V]
}

func NewIPTable[V any]() *IPTable[V] {
	return &IPTable[V]{exact: make(map[netip.Addr]V), tree: &bart.Table[V]{}}
}

// InsertExact maps a single address to v.
func (t *IPTable[V]) InsertExact(addr netip.Addr, v V) {
	t.exact[addr.Unmap()] = v
}

// InsertPrefix maps an entire network to v, participating in
// longest-prefix-match lookups.
func (t *IPTable[V]) InsertPrefix(prefix netip.Prefix, v V) {
	t.tree.Insert(prefix, v)
}

// Lookup returns the exact match if present, else the longest matching
// prefix, else ok=false.
func (t *IPTable[V]) Lookup(addr netip.Addr) (V, bool) {
	addr = addr.Unmap()
	if v, ok := t.exact[addr]; ok {
		return v, true
	}
	return t.tree.Lookup(addr)
}
