package escaper

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"time"
)

// ResolveStrategy controls which address families DirectFixed/DirectFloat
// consider and in what order, per spec §4.2.2.
type ResolveStrategy int

const (
	ResolveIPv4Only ResolveStrategy = iota
	ResolveIPv6Only
	ResolvePreferIPv4
	ResolvePreferIPv6
)

// Resolver is the hostname resolution dependency handed at construction to
// the escapers that resolve names themselves (DirectFixed, DirectFloat,
// RouteGeoIp, RouteResolved). The Escaper interface has no resolver
// accessor.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// SystemResolver resolves via the stdlib net.Resolver.
type SystemResolver struct {
	inner *net.Resolver
}

// NewSystemResolver wraps r (nil uses net.DefaultResolver).
func NewSystemResolver(r *net.Resolver) *SystemResolver {
	if r == nil {
		r = net.DefaultResolver
	}
	return &SystemResolver{inner: r}
}

func (s *SystemResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	ipAddrs, err := s.inner.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return ipAddrs, nil
}

// orderAddrs applies strategy to a resolved address list, filtering and
// sorting so happy-eyeballs dials in the configured family preference.
func orderAddrs(addrs []netip.Addr, strategy ResolveStrategy) []netip.Addr {
	var v4, v6 []netip.Addr
	for _, a := range addrs {
		if a.Is4() || a.Is4In6() {
			v4 = append(v4, a)
		} else {
			v6 = append(v6, a)
		}
	}
	switch strategy {
	case ResolveIPv4Only:
		return v4
	case ResolveIPv6Only:
		return v6
	case ResolvePreferIPv6:
		return append(v6, v4...)
	default: // ResolvePreferIPv4
		return append(v4, v6...)
	}
}

// happyEyeballsDial dials each address in order, staggered by delay,
// returning the first successful connection and cancelling the rest.
// Grounded on the teacher's outbound manager's single-address dial,
// generalized to race multiple addresses per RFC 8305.
func happyEyeballsDial(ctx context.Context, network string, addrs []netip.Addr, port uint16, delay time.Duration, dialOne func(context.Context, string) (net.Conn, error)) (net.Conn, error) {
	if len(addrs) == 0 {
		return nil, newTcpConnectError(SetupSocketFailed, net.ErrClosed)
	}
	if len(addrs) == 1 {
		return dialOne(ctx, net.JoinHostPort(addrs[0].String(), strconv.Itoa(int(port))))
	}
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, len(addrs))
	for i, a := range addrs {
		i, a := i, a
		go func() {
			if i > 0 {
				t := time.NewTimer(time.Duration(i) * delay)
				defer t.Stop()
				select {
				case <-ctx.Done():
					results <- result{nil, ctx.Err()}
					return
				case <-t.C:
				}
			}
			c, err := dialOne(ctx, net.JoinHostPort(a.String(), strconv.Itoa(int(port))))
			results <- result{c, err}
		}()
	}

	var firstErr error
	for range addrs {
		r := <-results
		if r.err == nil && r.conn != nil {
			cancel()
			return r.conn, nil
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	return nil, newTcpConnectError(SetupSocketFailed, firstErr)
}

// sortedCopy returns addrs sorted deterministically.
func sortedCopy(addrs []netip.Addr) []netip.Addr {
	cp := append([]netip.Addr(nil), addrs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].String() < cp[j].String() })
	return cp
}
