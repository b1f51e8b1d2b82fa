package escaper

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// fakeEscaper is a minimal Escaper test double: TcpSetupConnection
// returns a net.Pipe end (or failErr if set) and records how many times
// it was invoked.
type fakeEscaper struct {
	name     string
	failErr  error
	calls    int
}

func newFakeEscaper(name string) *fakeEscaper { return &fakeEscaper{name: name} }

func (f *fakeEscaper) Name() string { return f.name }

func (f *fakeEscaper) TcpSetupConnection(_ context.Context, _ TaskConf, notes *TcpNotes, _ *tasknotes.TaskNotes) (net.Conn, error) {
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	client, server := net.Pipe()
	go server.Close() //nolint:errcheck
	if notes != nil {
		notes.EscaperName = f.name
	}
	return client, nil
}

func (f *fakeEscaper) TlsSetupConnection(context.Context, TaskConf, *TcpNotes, *tasknotes.TaskNotes) (*tls.Conn, error) {
	return nil, errors.New("fakeEscaper: tls not supported")
}

func (f *fakeEscaper) UdpSetupConnection(context.Context, TaskConf, *TcpNotes) (net.PacketConn, error) {
	return nil, errors.New("fakeEscaper: udp not supported")
}

func (f *fakeEscaper) UdpSetupRelay(context.Context, *TcpNotes) (net.PacketConn, error) {
	return nil, errors.New("fakeEscaper: udp not supported")
}

func (f *fakeEscaper) NewHttpForwardContext(context.Context, TaskConf) (HttpForwardContext, error) {
	return nil, errors.New("fakeEscaper: http forward not supported")
}

func (f *fakeEscaper) NewFtpConnectContext(context.Context, TaskConf) (FtpConnectContext, error) {
	return nil, errors.New("fakeEscaper: ftp not supported")
}

func (f *fakeEscaper) dependOnEscaper() []string { return nil }
