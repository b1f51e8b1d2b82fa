// Package escaper implements the fleet's egress routing layer: leaf
// escapers that actually dial upstream (DirectFixed, DirectFloat,
// ProxyHttp(s), ProxySocks5(s), DivertTcp, DummyDeny, TrickFloat) and
// composite escapers that pick among named children (RouteClient,
// RouteUpstream, RouteGeoIp, RouteQuery, RouteResolved, RouteMapping,
// RouteSelect, RouteFailover, ComplyAudit).
//
// Every escaper — leaf or composite — satisfies the Escaper interface so
// a composite can hold its children by that interface alone, recursing
// without caring whether a child is itself another composite.
package escaper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// TcpConnectErrorKind is the shared failure taxonomy every escaper reports
// through when tcp_setup_connection (and its TLS/UDP/FTP siblings) fails.
type TcpConnectErrorKind int

const (
	EscaperNotUsable TcpConnectErrorKind = iota
	MethodUnavailable
	SetupSocketFailed
	NegotiationPeerTimeout
	UpstreamTlsHandshakeFailed
	UpstreamTlsHandshakeTimeout
	InternalTlsClientError
	ForbiddenRemoteAddress
)

func (k TcpConnectErrorKind) String() string {
	switch k {
	case EscaperNotUsable:
		return "escaper_not_usable"
	case MethodUnavailable:
		return "method_unavailable"
	case SetupSocketFailed:
		return "setup_socket_failed"
	case NegotiationPeerTimeout:
		return "negotiation_peer_timeout"
	case UpstreamTlsHandshakeFailed:
		return "upstream_tls_handshake_failed"
	case UpstreamTlsHandshakeTimeout:
		return "upstream_tls_handshake_timeout"
	case InternalTlsClientError:
		return "internal_tls_client_error"
	case ForbiddenRemoteAddress:
		return "forbidden_remote_address"
	default:
		return "unknown"
	}
}

// TcpConnectError wraps a TcpConnectErrorKind with the underlying cause.
type TcpConnectError struct {
	Kind TcpConnectErrorKind
	Err  error
}

func (e *TcpConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("escaper: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("escaper: %s", e.Kind)
}

func (e *TcpConnectError) Unwrap() error { return e.Err }

func newTcpConnectError(kind TcpConnectErrorKind, err error) *TcpConnectError {
	return &TcpConnectError{Kind: kind, Err: err}
}

// ErrDenied is the sentinel cause DummyDeny always reports.
var ErrDenied = errors.New("escaper: connection denied by policy")

// TaskConf carries the per-request parameters an escaper needs to set up
// an upstream connection: the target address and any TLS requirements.
type TaskConf struct {
	UpstreamHost string // hostname or literal IP, no port
	UpstreamPort uint16
	TLSConfig    *tls.Config // non-nil if tls_setup_connection is being used
}

func (c TaskConf) addr() string {
	return net.JoinHostPort(c.UpstreamHost, fmt.Sprint(c.UpstreamPort))
}

// TcpNotes is filled in by tcp_setup_connection on success, recording the
// addresses actually used so callers (audit, stats, RouteFailover) can
// observe which leaf and which address served the request.
type TcpNotes struct {
	Local    net.Addr
	Next     net.Addr // the immediate peer (may be a proxy, not the final upstream)
	Upstream net.Addr // the final upstream address, once known
	EscaperName string
}

// HttpForwardContext reuses keepalive connections to an upstream for
// plain HTTP forwarding. An escaper that cannot provide one returns a nil
// context and an error (DummyDeny reports EscaperNotUsable).
type HttpForwardContext interface {
	// RoundTrip sends req and returns the upstream response, reusing a
	// pooled connection when possible.
	RoundTrip(req *http.Request) (*http.Response, error)
	Close() error
}

// FtpConnectContext returns control+data connection factories for
// FTP-over-HTTP gatewaying (§4.2.1 new_ftp_connect_context).
type FtpConnectContext interface {
	DialControl(ctx context.Context) (net.Conn, error)
	DialData(ctx context.Context, passiveAddr string) (net.Conn, error)
}

// Escaper is the common contract every leaf and composite escaper
// implements (spec §4.2.1).
type Escaper interface {
	Name() string

	// TcpSetupConnection dials the upstream named by conf (for a leaf) or
	// delegates to a chosen child (for a composite), returning an open
	// net.Conn or a classified TcpConnectError.
	TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (net.Conn, error)

	// TlsSetupConnection wraps TcpSetupConnection's result with a TLS
	// handshake to the upstream using conf.TLSConfig.
	TlsSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error)

	// UdpSetupConnection opens a UDP "connection" (a connected
	// net.PacketConn) to the upstream, for escapers that support it.
	UdpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes) (net.PacketConn, error)

	// UdpSetupRelay opens a UDP relay socket bound locally, for SOCKS5
	// UDP ASSOCIATE and similar.
	UdpSetupRelay(ctx context.Context, notes *TcpNotes) (net.PacketConn, error)

	NewHttpForwardContext(ctx context.Context, conf TaskConf) (HttpForwardContext, error)
	NewFtpConnectContext(ctx context.Context, conf TaskConf) (FtpConnectContext, error)

	// dependOnEscaper reports the names of escapers this one needs to
	// keep alive (composites depend on their children).
	dependOnEscaper() []string
}

// tlsSetupFromConn is the shared tls_setup_connection implementation:
// dial the plain TCP leg via dialTCP, then handshake.
func tlsSetupFromConn(ctx context.Context, conf TaskConf, dialTCP func(context.Context, TaskConf, *TcpNotes, *tasknotes.TaskNotes) (net.Conn, error), notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error) {
	raw, err := dialTCP(ctx, conf, notes, task)
	if err != nil {
		return nil, err
	}
	cfg := conf.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: conf.UpstreamHost}
	}
	tc := tls.Client(raw, cfg)
	hctx := ctx
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		hctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}
	if err := tc.HandshakeContext(hctx); err != nil {
		raw.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newTcpConnectError(UpstreamTlsHandshakeTimeout, err)
		}
		return nil, newTcpConnectError(UpstreamTlsHandshakeFailed, err)
	}
	return tc, nil
}
