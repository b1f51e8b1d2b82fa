package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/relayfleet/relayfleet/internal/escaper"
	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// socks5 reply codes (RFC 1928 §6).
const (
	socks5ReplySucceeded       byte = 0x00
	socks5ReplyGeneralFailure  byte = 0x01
	socks5ReplyNotAllowed      byte = 0x02
	socks5ReplyNetUnreachable  byte = 0x03
	socks5ReplyHostUnreachable byte = 0x04
	socks5ReplyConnRefused     byte = 0x05
	socks5ReplyTTLExpired      byte = 0x06
	socks5ReplyCmdNotSupported byte = 0x07
	socks5ReplyAddrNotSupported byte = 0x08
)

const (
	socks5CmdConnect      byte = 0x01
	socks5CmdBind         byte = 0x02
	socks5CmdUDPAssociate byte = 0x03
)

var ErrSocksVersion = errors.New("server: unsupported socks version")

// SocksProxyConfig wires a SocksProxy to its egress and, optionally, a
// destination host/port allowlist/denylist (spec §4.3's dst_host_filter ACL).
type SocksProxyConfig struct {
	Escaper        escaper.Escaper
	Username       string // empty disables username/password auth
	Password       string
	AllowDst       func(host string, port uint16) bool // nil means allow everything
	UDPRelayBind   string                              // local bind address for UDP ASSOCIATE relays
}

// SocksProxy implements a SOCKS5 server: method negotiation, optional
// username/password auth, CONNECT dispatch through an escaper, and UDP
// ASSOCIATE. Grounded inversely on internal/escaper/proxysocks5.go, which
// implements the client side of the exact same wire protocol.
type SocksProxy struct {
	cfg SocksProxyConfig
}

func NewSocksProxy(cfg SocksProxyConfig) *SocksProxy {
	return &SocksProxy{cfg: cfg}
}

// Serve drives one client connection through the SOCKS5 handshake and then
// either tunnels a CONNECT or sets up a UDP ASSOCIATE relay.
func (s *SocksProxy) Serve(ctx context.Context, client net.Conn, notes *tasknotes.TaskNotes) error {
	defer client.Close()

	if err := s.negotiateMethod(client); err != nil {
		return err
	}

	cmd, host, port, err := s.readRequest(client)
	if err != nil {
		return err
	}

	if s.cfg.AllowDst != nil && !s.cfg.AllowDst(host, port) {
		s.writeReply(client, socks5ReplyNotAllowed, netip.IPv4Unspecified(), 0)
		return errors.New("server: destination denied by filter")
	}

	switch cmd {
	case socks5CmdConnect:
		return s.handleConnect(ctx, client, host, port, notes)
	case socks5CmdUDPAssociate:
		return s.handleUDPAssociate(ctx, client, notes)
	default:
		s.writeReply(client, socks5ReplyCmdNotSupported, netip.IPv4Unspecified(), 0)
		return fmt.Errorf("server: socks5 command 0x%02x not supported", cmd)
	}
}

func (s *SocksProxy) negotiateMethod(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return err
	}
	if hdr[0] != 0x05 {
		return ErrSocksVersion
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	wantUserPass := s.cfg.Username != ""
	chosen := byte(0xFF)
	for _, m := range methods {
		if wantUserPass && m == 0x02 {
			chosen = 0x02
			break
		}
		if !wantUserPass && m == 0x00 {
			chosen = 0x00
		}
	}
	if _, err := conn.Write([]byte{0x05, chosen}); err != nil {
		return err
	}
	if chosen == 0xFF {
		return errors.New("server: no acceptable socks5 auth method offered")
	}
	if chosen == 0x02 {
		return s.authUserPass(conn)
	}
	return nil
}

func (s *SocksProxy) authUserPass(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return err
	}
	user := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return err
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return err
	}
	ok := string(user) == s.cfg.Username && string(pass) == s.cfg.Password
	status := byte(0x00)
	if !ok {
		status = 0x01
	}
	if _, err := conn.Write([]byte{0x01, status}); err != nil {
		return err
	}
	if !ok {
		return errors.New("server: socks5 username/password rejected")
	}
	return nil
}

func (s *SocksProxy) readRequest(conn net.Conn) (cmd byte, host string, port uint16, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return
	}
	if hdr[0] != 0x05 {
		err = ErrSocksVersion
		return
	}
	cmd = hdr[1]
	switch hdr[3] {
	case 0x01:
		b := make([]byte, 4)
		if _, err = io.ReadFull(conn, b); err != nil {
			return
		}
		host = net.IP(b).String()
	case 0x04:
		b := make([]byte, 16)
		if _, err = io.ReadFull(conn, b); err != nil {
			return
		}
		host = net.IP(b).String()
	case 0x03:
		lb := make([]byte, 1)
		if _, err = io.ReadFull(conn, lb); err != nil {
			return
		}
		b := make([]byte, lb[0])
		if _, err = io.ReadFull(conn, b); err != nil {
			return
		}
		host = string(b)
	default:
		err = fmt.Errorf("server: socks5 address type 0x%02x not supported", hdr[3])
		return
	}
	var portBuf [2]byte
	if _, err = io.ReadFull(conn, portBuf[:]); err != nil {
		return
	}
	port = binary.BigEndian.Uint16(portBuf[:])
	return
}

func (s *SocksProxy) writeReply(conn net.Conn, code byte, addr netip.Addr, port uint16) {
	reply := []byte{0x05, code, 0x00}
	if addr.Is4() {
		reply = append(reply, 0x01)
		b := addr.As4()
		reply = append(reply, b[:]...)
	} else {
		reply = append(reply, 0x04)
		b := addr.As16()
		reply = append(reply, b[:]...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	reply = append(reply, portBuf[:]...)
	_, _ = conn.Write(reply)
}

func (s *SocksProxy) handleConnect(ctx context.Context, client net.Conn, host string, port uint16, notes *tasknotes.TaskNotes) error {
	conf := escaper.TaskConf{UpstreamHost: host, UpstreamPort: port}
	tcpNotes := &escaper.TcpNotes{}
	upstream, err := s.cfg.Escaper.TcpSetupConnection(ctx, conf, tcpNotes, notes)
	if err != nil {
		s.writeReply(client, classifyConnectFailure(err), netip.IPv4Unspecified(), 0)
		return err
	}
	notes.SetUpstream(net.JoinHostPort(host, portString(port)))

	localAddr := netip.IPv4Unspecified()
	var localPort uint16
	if ta, ok := upstream.LocalAddr().(*net.TCPAddr); ok {
		if a, ok2 := netip.AddrFromSlice(ta.IP); ok2 {
			localAddr = a.Unmap()
		}
		localPort = uint16(ta.Port)
	}
	s.writeReply(client, socks5ReplySucceeded, localAddr, localPort)

	relayBidirectional(client, upstream)
	return nil
}

func classifyConnectFailure(err error) byte {
	var connErr *escaper.TcpConnectError
	if errors.As(err, &connErr) {
		switch connErr.Kind {
		case escaper.ForbiddenRemoteAddress:
			return socks5ReplyNotAllowed
		case escaper.NegotiationPeerTimeout:
			return socks5ReplyTTLExpired
		}
	}
	return socks5ReplyGeneralFailure
}

// handleUDPAssociate opens a UDP relay socket through the escaper and
// keeps it alive for the lifetime of the TCP control connection, per
// RFC 1928 §7: the relay tears down when the client closes the TCP leg
// that requested it.
func (s *SocksProxy) handleUDPAssociate(ctx context.Context, client net.Conn, notes *tasknotes.TaskNotes) error {
	tcpNotes := &escaper.TcpNotes{}
	relay, err := s.cfg.Escaper.UdpSetupRelay(ctx, tcpNotes)
	if err != nil {
		s.writeReply(client, socks5ReplyGeneralFailure, netip.IPv4Unspecified(), 0)
		return err
	}
	defer relay.Close()

	localAddr := netip.IPv4Unspecified()
	var localPort uint16
	if ua, ok := relay.LocalAddr().(*net.UDPAddr); ok {
		if a, ok2 := netip.AddrFromSlice(ua.IP); ok2 {
			localAddr = a.Unmap()
		}
		localPort = uint16(ua.Port)
	}
	s.writeReply(client, socks5ReplySucceeded, localAddr, localPort)

	// The relay stays open only as long as the TCP control connection
	// does; a read returning io.EOF is the client hanging up.
	buf := make([]byte, 1)
	_, _ = client.Read(buf)
	return nil
}
