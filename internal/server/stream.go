package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/relayfleet/relayfleet/internal/escaper"
	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// relayBidirectional copies between client and upstream until either side
// is done, returning the byte counts in each direction. Grounded on
// internal/proxy/forward.go's handleCONNECT tunnel: the client-to-upstream
// direction runs in its own goroutine reporting its count over a channel
// while the upstream-to-client direction runs inline, and both sides are
// closed once either copy finishes so the other unblocks.
func relayBidirectional(client, upstream net.Conn) (clientToUpstream, upstreamToClient int64) {
	type result struct{ n int64 }
	ch := make(chan result, 1)
	go func() {
		defer upstream.Close()
		defer client.Close()
		n, _ := io.Copy(upstream, client)
		ch <- result{n: n}
	}()
	upstreamToClient, _ = io.Copy(client, upstream)
	client.Close()
	upstream.Close()
	r := <-ch
	return r.n, upstreamToClient
}

// TcpStream relays a plain TCP connection to a single fixed upstream
// address through conf's escaper with no protocol awareness at all — the
// degenerate protocol server used for dst_tls_port-style pure passthrough
// listeners (spec §4.3's "opaque stream" inbound).
type TcpStream struct {
	Escaper    escaper.Escaper
	Upstream   TaskTarget
	DialTimeout time.Duration
}

// TaskTarget names a fixed upstream host/port for streams that don't
// discover their target from the wire (TcpStream, TlsStream).
type TaskTarget struct {
	Host string
	Port uint16
}

func (s *TcpStream) dial(ctx context.Context, notes *tasknotes.TaskNotes) (net.Conn, error) {
	if s.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.DialTimeout)
		defer cancel()
	}
	conf := escaper.TaskConf{UpstreamHost: s.Upstream.Host, UpstreamPort: s.Upstream.Port}
	tcpNotes := &escaper.TcpNotes{}
	return s.Escaper.TcpSetupConnection(ctx, conf, tcpNotes, notes)
}

// Serve relays client bidirectionally to the configured upstream.
func (s *TcpStream) Serve(ctx context.Context, client net.Conn, notes *tasknotes.TaskNotes) error {
	defer client.Close()
	upstream, err := s.dial(ctx, notes)
	if err != nil {
		return err
	}
	notes.SetUpstream(net.JoinHostPort(s.Upstream.Host, portString(s.Upstream.Port)))
	relayBidirectional(client, upstream)
	return nil
}

// TcpTProxy is TcpStream for a transparently redirected connection: the
// original destination is recovered from the accepted conn's LocalAddr
// (the kernel rewrites it under TPROXY/REDIRECT) rather than from config,
// so each connection's target varies.
type TcpTProxy struct {
	Escaper     escaper.Escaper
	DialTimeout time.Duration
}

func (s *TcpTProxy) Serve(ctx context.Context, client net.Conn, notes *tasknotes.TaskNotes) error {
	defer client.Close()
	ta, ok := client.LocalAddr().(*net.TCPAddr)
	if !ok {
		return errors.New("server: tproxy requires a TCP local addr")
	}
	if s.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.DialTimeout)
		defer cancel()
	}
	conf := escaper.TaskConf{UpstreamHost: ta.IP.String(), UpstreamPort: uint16(ta.Port)}
	tcpNotes := &escaper.TcpNotes{}
	upstream, err := s.Escaper.TcpSetupConnection(ctx, conf, tcpNotes, notes)
	if err != nil {
		return err
	}
	notes.SetUpstream(ta.String())
	relayBidirectional(client, upstream)
	return nil
}

// TlsStream terminates TLS from the client then relays the decrypted
// stream to upstream over a fresh TLS connection — used for dst_tls_port
// fronts that need to inspect or re-encrypt rather than splice raw bytes.
type TlsStream struct {
	Escaper     escaper.Escaper
	Upstream    TaskTarget
	ServerTLS   *tls.Config
	UpstreamTLS *tls.Config
	DialTimeout time.Duration
}

func (s *TlsStream) Serve(ctx context.Context, client net.Conn, notes *tasknotes.TaskNotes) error {
	defer client.Close()
	tlsClient := tls.Server(client, s.ServerTLS)
	if err := tlsClient.HandshakeContext(ctx); err != nil {
		return err
	}
	if s.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.DialTimeout)
		defer cancel()
	}
	conf := escaper.TaskConf{UpstreamHost: s.Upstream.Host, UpstreamPort: s.Upstream.Port, TLSConfig: s.UpstreamTLS}
	tcpNotes := &escaper.TcpNotes{}
	upstream, err := s.Escaper.TlsSetupConnection(ctx, conf, tcpNotes, notes)
	if err != nil {
		return err
	}
	notes.SetUpstream(net.JoinHostPort(s.Upstream.Host, portString(s.Upstream.Port)))
	relayBidirectional(tlsClient, upstream)
	return nil
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}
