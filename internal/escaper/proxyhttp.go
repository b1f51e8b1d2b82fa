package escaper

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// ProxyHttpConfig configures ProxyHttp and ProxyHttps.
type ProxyHttpConfig struct {
	Name                   string
	UpstreamAddr           string // host:port of the next-hop HTTP(S) proxy
	AuthHeader             string // pre-built "Basic ..." / "Bearer ..." value, empty if none
	PeerNegotiationTimeout time.Duration
	TLS                    bool        // true for ProxyHttps: TLS to the proxy itself
	UpstreamTLSConfig      *tls.Config // used only when TLS is true
}

// ProxyHttp tunnels via an upstream HTTP CONNECT proxy. ProxyHttps is the
// same escaper with Config.TLS set, terminating TLS to the proxy before
// issuing CONNECT. Grounded on the teacher's forward.go CONNECT handling,
// generalized from "I am the CONNECT server" to "I am the CONNECT client".
type ProxyHttp struct {
	cfg    ProxyHttpConfig
	dialer net.Dialer
}

func NewProxyHttp(cfg ProxyHttpConfig) *ProxyHttp {
	cfg.TLS = false
	return &ProxyHttp{cfg: cfg}
}

// NewProxyHttps is ProxyHttp with a TLS leg to the upstream proxy itself,
// established before the CONNECT request is written.
func NewProxyHttps(cfg ProxyHttpConfig) *ProxyHttp {
	cfg.TLS = true
	return &ProxyHttp{cfg: cfg}
}

func (p *ProxyHttp) Name() string { return p.cfg.Name }

func (p *ProxyHttp) dialProxy(ctx context.Context) (net.Conn, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.cfg.UpstreamAddr)
	if err != nil {
		return nil, newTcpConnectError(SetupSocketFailed, err)
	}
	if p.cfg.TLS {
		tc := tls.Client(conn, p.cfg.UpstreamTLSConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, newTcpConnectError(UpstreamTlsHandshakeFailed, err)
		}
		return tc, nil
	}
	return conn, nil
}

func (p *ProxyHttp) TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, _ *tasknotes.TaskNotes) (net.Conn, error) {
	timeout := p.cfg.PeerNegotiationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	negCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.dialProxy(negCtx)
	if err != nil {
		return nil, err
	}

	target := conf.addr()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: target},
		Host:   target,
		Header: make(http.Header),
	}
	if p.cfg.AuthHeader != "" {
		req.Header.Set("Proxy-Authorization", p.cfg.AuthHeader)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target); err != nil {
		conn.Close()
		return nil, newTcpConnectError(SetupSocketFailed, err)
	}
	if p.cfg.AuthHeader != "" {
		if _, err := fmt.Fprintf(conn, "Proxy-Authorization: %s\r\n", p.cfg.AuthHeader); err != nil {
			conn.Close()
			return nil, newTcpConnectError(SetupSocketFailed, err)
		}
	}
	if _, err := fmt.Fprint(conn, "\r\n"); err != nil {
		conn.Close()
		return nil, newTcpConnectError(SetupSocketFailed, err)
	}

	if dl, ok := negCtx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, newTcpConnectError(NegotiationPeerTimeout, err)
	}
	conn.SetReadDeadline(time.Time{})
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, newTcpConnectError(MethodUnavailable, fmt.Errorf("upstream proxy CONNECT status %d", resp.StatusCode))
	}

	if notes != nil {
		notes.Local = conn.LocalAddr()
		notes.Next = conn.RemoteAddr()
		notes.EscaperName = p.Name()
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

func (p *ProxyHttp) TlsSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error) {
	return tlsSetupFromConn(ctx, conf, p.TcpSetupConnection, notes, task)
}

func (p *ProxyHttp) UdpSetupConnection(context.Context, TaskConf, *TcpNotes) (net.PacketConn, error) {
	return nil, newTcpConnectError(MethodUnavailable, nil)
}

func (p *ProxyHttp) UdpSetupRelay(context.Context, *TcpNotes) (net.PacketConn, error) {
	return nil, newTcpConnectError(MethodUnavailable, nil)
}

func (p *ProxyHttp) NewHttpForwardContext(_ context.Context, _ TaskConf) (HttpForwardContext, error) {
	return &pooledHttpContext{transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return p.dialProxy(ctx)
		},
	}}, nil
}

func (p *ProxyHttp) NewFtpConnectContext(context.Context, TaskConf) (FtpConnectContext, error) {
	return nil, newTcpConnectError(MethodUnavailable, nil)
}

func (p *ProxyHttp) dependOnEscaper() []string { return nil }

// bufferedConn lets the net/http CONNECT response's bufio.Reader drain any
// bytes already buffered past the status line before the raw conn is
// handed off as the tunnel.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.r.Buffered() > 0 {
		return b.r.Read(p)
	}
	return b.Conn.Read(p)
}
