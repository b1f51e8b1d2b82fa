// Package testutil holds shared test doubles used across the proxy-core
// packages: a real dial-capable adapter.Outbound stub so escaper and
// server-side tests can exercise actual TCP/UDP sockets without standing up
// sing-box's full outbound registry.
package testutil

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/sagernet/sing-box/adapter"
	M "github.com/sagernet/sing/common/metadata"
)

// StubOutboundBuilder creates a real dial-capable outbound for tests.
type StubOutboundBuilder struct{}

type stubOutbound struct {
	tag    string
	dialer net.Dialer
}

func (s *stubOutbound) Type() string { return "stub" }

func (s *stubOutbound) Tag() string {
	if s.tag == "" {
		return "stub"
	}
	return s.tag
}

func (s *stubOutbound) Network() []string { return []string{"tcp", "udp"} }

func (s *stubOutbound) Dependencies() []string { return nil }

func (s *stubOutbound) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	return s.dialer.DialContext(ctx, network, destination.String())
}

func (s *stubOutbound) ListenPacket(ctx context.Context, _ M.Socksaddr) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp", "")
}

func (s *stubOutbound) Close() error { return nil }

// Build implements a sing-box style outbound builder signature.
func (b *StubOutboundBuilder) Build(_ json.RawMessage) (adapter.Outbound, error) {
	return &stubOutbound{dialer: net.Dialer{Timeout: 30 * time.Second}}, nil
}

// NewStubOutbound returns a dial-capable outbound tagged with name, for
// tests that need several distinct leaves (e.g. RouteFailover primary vs.
// fallback) to identify which one actually carried a connection.
func NewStubOutbound(tag string) adapter.Outbound {
	return &stubOutbound{tag: tag, dialer: net.Dialer{Timeout: 30 * time.Second}}
}

// DenyOutbound always fails DialContext, simulating a dead escaper leaf.
type DenyOutbound struct {
	tag string
	Err error
}

func NewDenyOutbound(tag string, err error) *DenyOutbound {
	if err == nil {
		err = errConnectionRefused
	}
	return &DenyOutbound{tag: tag, Err: err}
}

func (d *DenyOutbound) Type() string { return "deny" }
func (d *DenyOutbound) Tag() string {
	if d.tag == "" {
		return "deny"
	}
	return d.tag
}
func (d *DenyOutbound) Network() []string      { return []string{"tcp", "udp"} }
func (d *DenyOutbound) Dependencies() []string { return nil }
func (d *DenyOutbound) DialContext(_ context.Context, _ string, _ M.Socksaddr) (net.Conn, error) {
	return nil, d.Err
}
func (d *DenyOutbound) ListenPacket(_ context.Context, _ M.Socksaddr) (net.PacketConn, error) {
	return nil, d.Err
}
func (d *DenyOutbound) Close() error { return nil }

var errConnectionRefused = &net.OpError{Op: "dial", Err: errDeny{}}

type errDeny struct{}

func (errDeny) Error() string { return "testutil: deny outbound refuses all connections" }
