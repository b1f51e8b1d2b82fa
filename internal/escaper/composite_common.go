package escaper

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// delegating is embedded by the composite escapers that choose one child
// per connection (RouteFailover, DivertTcp and TrickFloat implement the
// Escaper methods themselves): once a child has been chosen, every Escaper
// method simply forwards to it. Such composites only need to implement
// the "which child" decision (the pick func, each one's pickChild); this
// mirrors the teacher's router.go separating route selection from the
// actual dial, which lives one layer down in outbound/manager.go.
type delegating struct {
	name string
	pick func(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (Escaper, error)
}

func (d *delegating) Name() string { return d.name }

func (d *delegating) TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (net.Conn, error) {
	child, err := d.pick(ctx, conf, notes, task)
	if err != nil {
		return nil, err
	}
	return child.TcpSetupConnection(ctx, conf, notes, task)
}

func (d *delegating) TlsSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error) {
	child, err := d.pick(ctx, conf, notes, task)
	if err != nil {
		return nil, err
	}
	return child.TlsSetupConnection(ctx, conf, notes, task)
}

func (d *delegating) UdpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes) (net.PacketConn, error) {
	child, err := d.pick(ctx, conf, notes, nil)
	if err != nil {
		return nil, err
	}
	return child.UdpSetupConnection(ctx, conf, notes)
}

func (d *delegating) UdpSetupRelay(ctx context.Context, notes *TcpNotes) (net.PacketConn, error) {
	child, err := d.pick(ctx, TaskConf{}, notes, nil)
	if err != nil {
		return nil, err
	}
	return child.UdpSetupRelay(ctx, notes)
}

func (d *delegating) NewHttpForwardContext(ctx context.Context, conf TaskConf) (HttpForwardContext, error) {
	child, err := d.pick(ctx, conf, nil, nil)
	if err != nil {
		return nil, err
	}
	return child.NewHttpForwardContext(ctx, conf)
}

func (d *delegating) NewFtpConnectContext(ctx context.Context, conf TaskConf) (FtpConnectContext, error) {
	child, err := d.pick(ctx, conf, nil, nil)
	if err != nil {
		return nil, err
	}
	return child.NewFtpConnectContext(ctx, conf)
}

func dependNames(next map[string]Escaper) []string {
	names := make([]string, 0, len(next))
	for _, e := range next {
		names = append(names, e.Name())
	}
	return names
}
