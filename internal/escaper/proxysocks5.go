package escaper

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// ProxySocks5Config configures ProxySocks5 and ProxySocks5s.
type ProxySocks5Config struct {
	Name                   string
	UpstreamAddr           string
	Username, Password     string // empty means "no auth"
	PeerNegotiationTimeout time.Duration
	TLS                    bool
	UpstreamTLSConfig      *tls.Config
}

// ProxySocks5 tunnels via an upstream SOCKS5 proxy, performing method
// negotiation (no-auth / username-password) and CONNECT or UDP ASSOCIATE.
// ProxySocks5s is the same escaper with Config.TLS set.
type ProxySocks5 struct {
	cfg    ProxySocks5Config
	dialer net.Dialer
}

func NewProxySocks5(cfg ProxySocks5Config) *ProxySocks5 {
	cfg.TLS = false
	return &ProxySocks5{cfg: cfg}
}

func NewProxySocks5s(cfg ProxySocks5Config) *ProxySocks5 {
	cfg.TLS = true
	return &ProxySocks5{cfg: cfg}
}

func (s *ProxySocks5) Name() string { return s.cfg.Name }

func (s *ProxySocks5) dialProxy(ctx context.Context) (net.Conn, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.cfg.UpstreamAddr)
	if err != nil {
		return nil, newTcpConnectError(SetupSocketFailed, err)
	}
	if s.cfg.TLS {
		tc := tls.Client(conn, s.cfg.UpstreamTLSConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, newTcpConnectError(UpstreamTlsHandshakeFailed, err)
		}
		return tc, nil
	}
	return conn, nil
}

// negotiateMethod performs the SOCKS5 method-selection handshake,
// choosing username/password auth if credentials are configured.
func (s *ProxySocks5) negotiateMethod(conn net.Conn) error {
	methods := []byte{0x00} // no-auth
	if s.cfg.Username != "" {
		methods = []byte{0x02, 0x00}
	}
	hello := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(hello); err != nil {
		return err
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return err
	}
	if resp[0] != 0x05 {
		return fmt.Errorf("socks5: unexpected version %d", resp[0])
	}
	switch resp[1] {
	case 0x00:
		return nil
	case 0x02:
		return s.authUserPass(conn)
	default:
		return fmt.Errorf("socks5: no acceptable auth method (server chose 0x%02x)", resp[1])
	}
}

func (s *ProxySocks5) authUserPass(conn net.Conn) error {
	req := []byte{0x01, byte(len(s.cfg.Username))}
	req = append(req, s.cfg.Username...)
	req = append(req, byte(len(s.cfg.Password)))
	req = append(req, s.cfg.Password...)
	if _, err := conn.Write(req); err != nil {
		return err
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return err
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("socks5: auth rejected")
	}
	return nil
}

// sendRequest issues a SOCKS5 request (CONNECT=0x01, UDP ASSOCIATE=0x03)
// for host:port and reads back the bound address.
func (s *ProxySocks5) sendRequest(conn net.Conn, cmd byte, host string, port uint16) (net.Addr, error) {
	req := []byte{0x05, cmd, 0x00}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, 0x01)
			req = append(req, ip4...)
		} else {
			req = append(req, 0x04)
			req = append(req, ip.To16()...)
		}
	} else {
		req = append(req, 0x03, byte(len(host)))
		req = append(req, host...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	req = append(req, portBuf[:]...)

	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	if hdr[1] != 0x00 {
		return nil, fmt.Errorf("socks5: server reply code 0x%02x", hdr[1])
	}
	var boundIP net.IP
	switch hdr[3] {
	case 0x01:
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return nil, err
		}
		boundIP = net.IP(b)
	case 0x04:
		b := make([]byte, 16)
		if _, err := io.ReadFull(conn, b); err != nil {
			return nil, err
		}
		boundIP = net.IP(b)
	case 0x03:
		lb := make([]byte, 1)
		if _, err := io.ReadFull(conn, lb); err != nil {
			return nil, err
		}
		b := make([]byte, lb[0])
		if _, err := io.ReadFull(conn, b); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("socks5: unknown address type 0x%02x", hdr[3])
	}
	var boundPortBuf [2]byte
	if _, err := io.ReadFull(conn, boundPortBuf[:]); err != nil {
		return nil, err
	}
	boundPort := binary.BigEndian.Uint16(boundPortBuf[:])
	return &net.UDPAddr{IP: boundIP, Port: int(boundPort)}, nil
}

func (s *ProxySocks5) TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, _ *tasknotes.TaskNotes) (net.Conn, error) {
	timeout := s.cfg.PeerNegotiationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	negCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := s.dialProxy(negCtx)
	if err != nil {
		return nil, err
	}
	if dl, ok := negCtx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	if err := s.negotiateMethod(conn); err != nil {
		conn.Close()
		return nil, newTcpConnectError(NegotiationPeerTimeout, err)
	}
	if _, err := s.sendRequest(conn, 0x01, conf.UpstreamHost, conf.UpstreamPort); err != nil {
		conn.Close()
		return nil, newTcpConnectError(MethodUnavailable, err)
	}
	conn.SetDeadline(time.Time{})

	if notes != nil {
		notes.Local = conn.LocalAddr()
		notes.Next = conn.RemoteAddr()
		notes.EscaperName = s.Name()
	}
	return conn, nil
}

func (s *ProxySocks5) TlsSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error) {
	return tlsSetupFromConn(ctx, conf, s.TcpSetupConnection, notes, task)
}

// udpAssociateSession bundles the control connection whose closure (or any
// unexpected data) must tear down the associated UDP relay, per spec
// §4.2.2's watchdog requirement.
type udpAssociateSession struct {
	net.PacketConn
	control net.Conn
	closed  chan struct{}
}

func (u *udpAssociateSession) watch() {
	buf := make([]byte, 1)
	_, err := u.control.Read(buf)
	// Any read returning (even io.EOF) means the control channel ended or
	// sent unexpected data; either way the UDP association is no longer
	// valid.
	_ = err
	close(u.closed)
	u.PacketConn.Close()
	u.control.Close()
}

func (s *ProxySocks5) UdpSetupConnection(context.Context, TaskConf, *TcpNotes) (net.PacketConn, error) {
	return nil, newTcpConnectError(MethodUnavailable, nil)
}

// UdpSetupRelay performs SOCKS5 UDP ASSOCIATE: opens the control TCP
// connection, negotiates a method, issues the ASSOCIATE request, binds a
// local UDP socket on the same family, connects it to the server's
// advertised relay address, and spawns a watchdog goroutine per spec.
func (s *ProxySocks5) UdpSetupRelay(ctx context.Context, notes *TcpNotes) (net.PacketConn, error) {
	control, err := s.dialProxy(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.negotiateMethod(control); err != nil {
		control.Close()
		return nil, newTcpConnectError(NegotiationPeerTimeout, err)
	}
	relayAddr, err := s.sendRequest(control, 0x03, "0.0.0.0", 0)
	if err != nil {
		control.Close()
		return nil, newTcpConnectError(MethodUnavailable, err)
	}
	udpAddr, ok := relayAddr.(*net.UDPAddr)
	if !ok {
		control.Close()
		return nil, newTcpConnectError(MethodUnavailable, fmt.Errorf("socks5: unexpected relay addr type"))
	}
	pc, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		control.Close()
		return nil, newTcpConnectError(SetupSocketFailed, err)
	}

	session := &udpAssociateSession{PacketConn: pc, control: control, closed: make(chan struct{})}
	go session.watch()

	if notes != nil {
		notes.Local = pc.LocalAddr()
		notes.Next = control.RemoteAddr()
		notes.Upstream = udpAddr
		notes.EscaperName = s.Name()
	}
	return session, nil
}

func (s *ProxySocks5) NewHttpForwardContext(_ context.Context, _ TaskConf) (HttpForwardContext, error) {
	return &pooledHttpContext{transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			var port uint16
			if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
				return nil, err
			}
			conn, err := s.TcpSetupConnection(ctx, TaskConf{UpstreamHost: host, UpstreamPort: port}, nil, nil)
			return conn, err
		},
	}}, nil
}

func (s *ProxySocks5) NewFtpConnectContext(context.Context, TaskConf) (FtpConnectContext, error) {
	return nil, newTcpConnectError(MethodUnavailable, nil)
}

func (s *ProxySocks5) dependOnEscaper() []string { return nil }
