package escaper

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"math/big"
	"net"
	"sync/atomic"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// ---- DummyDeny -------------------------------------------------------

// DummyDeny always refuses; it exists for policy branches that must name
// an escaper but intend to reject every connection reaching it.
type DummyDeny struct {
	name string
}

func NewDummyDeny(name string) *DummyDeny { return &DummyDeny{name: name} }

func (d *DummyDeny) Name() string { return d.name }

func (d *DummyDeny) TcpSetupConnection(context.Context, TaskConf, *TcpNotes, *tasknotes.TaskNotes) (net.Conn, error) {
	return nil, newTcpConnectError(EscaperNotUsable, ErrDenied)
}

func (d *DummyDeny) TlsSetupConnection(context.Context, TaskConf, *TcpNotes, *tasknotes.TaskNotes) (*tls.Conn, error) {
	return nil, newTcpConnectError(EscaperNotUsable, ErrDenied)
}

func (d *DummyDeny) UdpSetupConnection(context.Context, TaskConf, *TcpNotes) (net.PacketConn, error) {
	return nil, newTcpConnectError(EscaperNotUsable, ErrDenied)
}

func (d *DummyDeny) UdpSetupRelay(context.Context, *TcpNotes) (net.PacketConn, error) {
	return nil, newTcpConnectError(EscaperNotUsable, ErrDenied)
}

func (d *DummyDeny) NewHttpForwardContext(context.Context, TaskConf) (HttpForwardContext, error) {
	return nil, newTcpConnectError(EscaperNotUsable, ErrDenied)
}

func (d *DummyDeny) NewFtpConnectContext(context.Context, TaskConf) (FtpConnectContext, error) {
	return nil, newTcpConnectError(EscaperNotUsable, ErrDenied)
}

func (d *DummyDeny) dependOnEscaper() []string { return nil }

// ---- weighted child selection (shared by DivertTcp and TrickFloat) ---

// WeightedChild pairs a child escaper with a selection weight.
type WeightedChild struct {
	Escaper Escaper
	Weight  int
}

// SelectMethod names how DivertTcp picks among its weighted nodes.
type SelectMethod int

const (
	SelectRandom SelectMethod = iota
	SelectSequential
	SelectRoundRobin
)

func pickWeightedRandom(children []WeightedChild) (Escaper, error) {
	total := 0
	for _, c := range children {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total == 0 {
		return nil, newTcpConnectError(EscaperNotUsable, nil)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(total)))
	if err != nil {
		return nil, newTcpConnectError(EscaperNotUsable, err)
	}
	at := n.Int64()
	for _, c := range children {
		if c.Weight <= 0 {
			continue
		}
		at -= int64(c.Weight)
		if at < 0 {
			return c.Escaper, nil
		}
	}
	return children[len(children)-1].Escaper, nil
}

// ---- DivertTcp ---------------------------------------------------------

// DivertTcp picks one of its weighted tagged nodes (random / sequential /
// round-robin) and opens a TCP tunnel through it.
type DivertTcp struct {
	name     string
	children []WeightedChild
	method   SelectMethod
	cursor   atomic.Uint64
}

func NewDivertTcp(name string, children []WeightedChild, method SelectMethod) *DivertTcp {
	return &DivertTcp{name: name, children: children, method: method}
}

func (d *DivertTcp) Name() string { return d.name }

func (d *DivertTcp) pick() (Escaper, error) {
	if len(d.children) == 0 {
		return nil, newTcpConnectError(EscaperNotUsable, nil)
	}
	switch d.method {
	case SelectSequential:
		return d.children[0].Escaper, nil
	case SelectRoundRobin:
		idx := d.cursor.Add(1) - 1
		return d.children[idx%uint64(len(d.children))].Escaper, nil
	default:
		return pickWeightedRandom(d.children)
	}
}

func (d *DivertTcp) TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (net.Conn, error) {
	child, err := d.pick()
	if err != nil {
		return nil, err
	}
	return child.TcpSetupConnection(ctx, conf, notes, task)
}

func (d *DivertTcp) TlsSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error) {
	child, err := d.pick()
	if err != nil {
		return nil, err
	}
	return child.TlsSetupConnection(ctx, conf, notes, task)
}

func (d *DivertTcp) UdpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes) (net.PacketConn, error) {
	child, err := d.pick()
	if err != nil {
		return nil, err
	}
	return child.UdpSetupConnection(ctx, conf, notes)
}

func (d *DivertTcp) UdpSetupRelay(ctx context.Context, notes *TcpNotes) (net.PacketConn, error) {
	child, err := d.pick()
	if err != nil {
		return nil, err
	}
	return child.UdpSetupRelay(ctx, notes)
}

func (d *DivertTcp) NewHttpForwardContext(ctx context.Context, conf TaskConf) (HttpForwardContext, error) {
	child, err := d.pick()
	if err != nil {
		return nil, err
	}
	return child.NewHttpForwardContext(ctx, conf)
}

func (d *DivertTcp) NewFtpConnectContext(ctx context.Context, conf TaskConf) (FtpConnectContext, error) {
	child, err := d.pick()
	if err != nil {
		return nil, err
	}
	return child.NewFtpConnectContext(ctx, conf)
}

func (d *DivertTcp) dependOnEscaper() []string {
	names := make([]string, 0, len(d.children))
	for _, c := range d.children {
		names = append(names, c.Escaper.Name())
	}
	return names
}

// ---- TrickFloat ----------------------------------------------------------

// TrickFloat makes a weighted random choice among child leaves using a
// cryptographically acceptable RNG (crypto/rand, shared with DivertTcp's
// selection helper) — used where predictability of the egress leaf itself
// would be a fingerprinting signal.
type TrickFloat struct {
	name     string
	children []WeightedChild
}

func NewTrickFloat(name string, children []WeightedChild) *TrickFloat {
	return &TrickFloat{name: name, children: children}
}

func (t *TrickFloat) Name() string { return t.name }

func (t *TrickFloat) pick() (Escaper, error) { return pickWeightedRandom(t.children) }

func (t *TrickFloat) TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (net.Conn, error) {
	child, err := t.pick()
	if err != nil {
		return nil, err
	}
	return child.TcpSetupConnection(ctx, conf, notes, task)
}

func (t *TrickFloat) TlsSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error) {
	child, err := t.pick()
	if err != nil {
		return nil, err
	}
	return child.TlsSetupConnection(ctx, conf, notes, task)
}

func (t *TrickFloat) UdpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes) (net.PacketConn, error) {
	child, err := t.pick()
	if err != nil {
		return nil, err
	}
	return child.UdpSetupConnection(ctx, conf, notes)
}

func (t *TrickFloat) UdpSetupRelay(ctx context.Context, notes *TcpNotes) (net.PacketConn, error) {
	child, err := t.pick()
	if err != nil {
		return nil, err
	}
	return child.UdpSetupRelay(ctx, notes)
}

func (t *TrickFloat) NewHttpForwardContext(ctx context.Context, conf TaskConf) (HttpForwardContext, error) {
	child, err := t.pick()
	if err != nil {
		return nil, err
	}
	return child.NewHttpForwardContext(ctx, conf)
}

func (t *TrickFloat) NewFtpConnectContext(ctx context.Context, conf TaskConf) (FtpConnectContext, error) {
	child, err := t.pick()
	if err != nil {
		return nil, err
	}
	return child.NewFtpConnectContext(ctx, conf)
}

func (t *TrickFloat) dependOnEscaper() []string {
	names := make([]string, 0, len(t.children))
	for _, c := range t.children {
		names = append(names, c.Escaper.Name())
	}
	return names
}
