package escaper

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// DirectConfig configures DirectFixed and DirectFloat.
type DirectConfig struct {
	Name             string
	Strategy         ResolveStrategy
	HappyEyeballsGap time.Duration
	BindInterface    string
	KeepAlive        time.Duration
	AllowedNetworks  []net.IPNet // egress ACL; empty means unrestricted
}

func (c DirectConfig) allowed(ip net.IP) bool {
	if len(c.AllowedNetworks) == 0 {
		return true
	}
	for _, n := range c.AllowedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func filterAllowed(addrs []netip.Addr, cfg DirectConfig) []netip.Addr {
	if len(cfg.AllowedNetworks) == 0 {
		return addrs
	}
	out := addrs[:0]
	for _, a := range addrs {
		if cfg.allowed(net.IP(a.AsSlice())) {
			out = append(out, a)
		}
	}
	return out
}

// DirectFixed dials the upstream directly, resolving via the bound
// Resolver and racing addresses with Happy Eyeballs. Grounded on the
// teacher's outbound manager's DialContext plumbing (manager.go), with
// resolution and multi-address racing added since the teacher dials a
// single pre-resolved sing-box endpoint.
type DirectFixed struct {
	cfg      DirectConfig
	resolver Resolver
	dialer   net.Dialer
}

func NewDirectFixed(cfg DirectConfig, resolver Resolver) *DirectFixed {
	d := &DirectFixed{cfg: cfg, resolver: resolver}
	if cfg.KeepAlive > 0 {
		d.dialer.KeepAlive = cfg.KeepAlive
	}
	// Binding egress to a specific interface is a platform-specific sockopt
	// (SO_BINDTODEVICE on Linux); left as a documented config field for a
	// platform build tag to wire up, not implemented in the portable core.
	return d
}

func (d *DirectFixed) Name() string { return d.cfg.Name }

func (d *DirectFixed) TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, _ *tasknotes.TaskNotes) (net.Conn, error) {
	addrs, err := d.resolver.Resolve(ctx, conf.UpstreamHost)
	if err != nil {
		return nil, newTcpConnectError(EscaperNotUsable, err)
	}
	addrs = orderAddrs(addrs, d.cfg.Strategy)
	addrs = filterAllowed(addrs, d.cfg)
	if len(addrs) == 0 {
		return nil, newTcpConnectError(ForbiddenRemoteAddress, nil)
	}
	conn, err := happyEyeballsDial(ctx, "tcp", addrs, conf.UpstreamPort, d.cfg.HappyEyeballsGap, func(ctx context.Context, addr string) (net.Conn, error) {
		return d.dialer.DialContext(ctx, "tcp", addr)
	})
	if err != nil {
		return nil, err
	}
	if notes != nil {
		notes.Local = conn.LocalAddr()
		notes.Next = conn.RemoteAddr()
		notes.Upstream = conn.RemoteAddr()
		notes.EscaperName = d.Name()
	}
	return conn, nil
}

func (d *DirectFixed) TlsSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error) {
	return tlsSetupFromConn(ctx, conf, d.TcpSetupConnection, notes, task)
}

func (d *DirectFixed) UdpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes) (net.PacketConn, error) {
	addrs, err := d.resolver.Resolve(ctx, conf.UpstreamHost)
	if err != nil || len(addrs) == 0 {
		return nil, newTcpConnectError(EscaperNotUsable, err)
	}
	remote := &net.UDPAddr{IP: net.IP(addrs[0].AsSlice()), Port: int(conf.UpstreamPort)}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, newTcpConnectError(SetupSocketFailed, err)
	}
	if notes != nil {
		notes.Upstream = conn.RemoteAddr()
		notes.EscaperName = d.Name()
	}
	return conn, nil
}

func (d *DirectFixed) UdpSetupRelay(_ context.Context, notes *TcpNotes) (net.PacketConn, error) {
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, newTcpConnectError(SetupSocketFailed, err)
	}
	if notes != nil {
		notes.Local = pc.LocalAddr()
	}
	return pc, nil
}

func (d *DirectFixed) NewHttpForwardContext(_ context.Context, _ TaskConf) (HttpForwardContext, error) {
	return &pooledHttpContext{transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.dialer.DialContext(ctx, network, addr)
		},
	}}, nil
}

func (d *DirectFixed) NewFtpConnectContext(_ context.Context, conf TaskConf) (FtpConnectContext, error) {
	return &directFtpContext{dialer: &d.dialer, conf: conf}, nil
}

func (d *DirectFixed) dependOnEscaper() []string { return nil }

// DirectFloat is DirectFixed plus a bind-IP drawn from an externally
// refreshed "float" source, keyed by address family. Mirrors the
// teacher's NodeEntry.egressIP atomic.Pointer hot-swap idiom (entry.go)
// for the currently-active bind address.
type DirectFloat struct {
	DirectFixed
	bindV4 atomic.Pointer[net.IP]
	bindV6 atomic.Pointer[net.IP]
}

// FloatEntry is one address/expiry/tag tuple as persisted in the float
// cache file (family → list of these, per spec §4.2.2).
type FloatEntry struct {
	IP     net.IP
	Expire time.Time
	Tags   []string
}

func NewDirectFloat(cfg DirectConfig, resolver Resolver) *DirectFloat {
	return &DirectFloat{DirectFixed: *NewDirectFixed(cfg, resolver)}
}

// SetBindPool installs the current float cache contents, choosing one
// live (unexpired) entry per family. Called whenever the float cache file
// or push channel delivers a refresh.
func (d *DirectFloat) SetBindPool(v4, v6 []FloatEntry) {
	now := time.Now()
	if ip := firstLive(v4, now); ip != nil {
		d.bindV4.Store(&ip)
	}
	if ip := firstLive(v6, now); ip != nil {
		d.bindV6.Store(&ip)
	}
}

func firstLive(entries []FloatEntry, now time.Time) *net.IP {
	for _, e := range entries {
		if e.Expire.IsZero() || e.Expire.After(now) {
			ip := e.IP
			return &ip
		}
	}
	return nil
}

func (d *DirectFloat) TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (net.Conn, error) {
	dialer := d.dialer
	if bind := d.bindV4.Load(); bind != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: *bind}
	}
	tmp := d.DirectFixed
	tmp.dialer = dialer
	return tmp.TcpSetupConnection(ctx, conf, notes, task)
}

type pooledHttpContext struct {
	transport *http.Transport
}

func (p *pooledHttpContext) RoundTrip(req *http.Request) (*http.Response, error) {
	return p.transport.RoundTrip(req)
}

func (p *pooledHttpContext) Close() error {
	p.transport.CloseIdleConnections()
	return nil
}

type directFtpContext struct {
	dialer *net.Dialer
	conf   TaskConf
}

func (f *directFtpContext) DialControl(ctx context.Context) (net.Conn, error) {
	return f.dialer.DialContext(ctx, "tcp", f.conf.addr())
}

func (f *directFtpContext) DialData(ctx context.Context, passiveAddr string) (net.Conn, error) {
	return f.dialer.DialContext(ctx, "tcp", passiveAddr)
}
