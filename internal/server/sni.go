package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/relayfleet/relayfleet/internal/escaper"
	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

var (
	ErrSniNoExtension  = errors.New("server: no server_name extension in client hello")
	ErrSniNotClientHello = errors.New("server: first record is not a TLS client hello")
)

// ExtractSNIFromClientHello reads the SNI host name out of a TLS
// ClientHello without terminating the handshake — the record header, the
// handshake header, and the extension block are all parsed by hand since
// crypto/tls has no exported "peek the SNI" entry point (only
// tls.Config.GetConfigForClient runs after a full ClientHelloInfo parse
// tied to one particular handshake). record must contain the complete
// first TLS record (spec §4.3's SniProxy front extracts this from a
// buffered peek before deciding where to splice the raw bytes).
func ExtractSNIFromClientHello(record []byte) (string, error) {
	if len(record) < 5 || record[0] != 0x16 {
		return "", ErrSniNotClientHello
	}
	recLen := int(binary.BigEndian.Uint16(record[3:5]))
	if len(record) < 5+recLen {
		return "", errors.New("server: truncated client hello record")
	}
	hs := record[5 : 5+recLen]
	if len(hs) < 4 || hs[0] != 0x01 {
		return "", ErrSniNotClientHello
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	body := hs[4:]
	if len(body) < hsLen {
		return "", errors.New("server: truncated client hello body")
	}
	body = body[:hsLen]

	// session id
	if len(body) < 2 {
		return "", ErrSniNotClientHello
	}
	pos := 2 + 32 // legacy_version(2) + random(32)
	if pos >= len(body) {
		return "", ErrSniNotClientHello
	}
	sidLen := int(body[pos])
	pos += 1 + sidLen
	if pos+2 > len(body) {
		return "", ErrSniNotClientHello
	}
	cipherLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2 + cipherLen
	if pos+1 > len(body) {
		return "", ErrSniNotClientHello
	}
	compLen := int(body[pos])
	pos += 1 + compLen
	if pos+2 > len(body) {
		return "", ErrSniNoExtension
	}
	extBlockLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if pos+extBlockLen > len(body) {
		return "", ErrSniNoExtension
	}
	ext := body[pos : pos+extBlockLen]

	for len(ext) >= 4 {
		extType := binary.BigEndian.Uint16(ext[0:2])
		extLen := int(binary.BigEndian.Uint16(ext[2:4]))
		if 4+extLen > len(ext) {
			break
		}
		extData := ext[4 : 4+extLen]
		if extType == 0 { // server_name
			return parseServerNameExtension(extData)
		}
		ext = ext[4+extLen:]
	}
	return "", ErrSniNoExtension
}

func parseServerNameExtension(data []byte) (string, error) {
	if len(data) < 2 {
		return "", ErrSniNoExtension
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	list := data[2:]
	if listLen > len(list) {
		listLen = len(list)
	}
	list = list[:listLen]
	for len(list) >= 3 {
		nameType := list[0]
		nameLen := int(binary.BigEndian.Uint16(list[1:3]))
		if 3+nameLen > len(list) {
			break
		}
		name := list[3 : 3+nameLen]
		if nameType == 0 {
			return string(name), nil
		}
		list = list[3+nameLen:]
	}
	return "", ErrSniNoExtension
}

// PeekClientHelloRecord reads exactly one TLS record's worth of bytes from
// br without consuming them, returning enough of the stream to feed
// ExtractSNIFromClientHello. It grows its peek size until the full record
// fits or the buffer capacity is exhausted.
func PeekClientHelloRecord(br *bufio.Reader) ([]byte, error) {
	header, err := br.Peek(5)
	if err != nil {
		return nil, err
	}
	if header[0] != 0x16 {
		return nil, ErrSniNotClientHello
	}
	recLen := int(binary.BigEndian.Uint16(header[3:5]))
	total := 5 + recLen
	if total > br.Size() {
		total = br.Size()
	}
	return br.Peek(total)
}

// SniProxy relays a client TLS connection to the upstream named by its
// ClientHello's server_name extension, without ever terminating TLS
// itself — spec §4.3's sni_proxy front. DomainEscaper looks up the
// escaper for a given SNI host (by exact match or suffix, caller's
// choice); DefaultPort is used when the connection carries no explicit
// port (the SNI extension never does).
type SniProxy struct {
	DomainEscaper func(sni string) (escaper.Escaper, bool)
	DefaultPort   uint16
}

// Serve classifies the client's ClientHello by SNI, dials the matching
// escaper, and splices the two raw byte streams — including whatever the
// peek already buffered — together.
func (s *SniProxy) Serve(ctx context.Context, client net.Conn, notes *tasknotes.TaskNotes) error {
	defer client.Close()
	br := bufio.NewReaderSize(client, 16*1024)
	record, err := PeekClientHelloRecord(br)
	if err != nil {
		return err
	}
	sni, err := ExtractSNIFromClientHello(record)
	if err != nil {
		return err
	}
	esc, ok := s.DomainEscaper(sni)
	if !ok {
		return errors.New("server: no escaper bound for sni host " + sni)
	}

	conf := escaper.TaskConf{UpstreamHost: sni, UpstreamPort: s.DefaultPort}
	tcpNotes := &escaper.TcpNotes{}
	upstream, err := esc.TcpSetupConnection(ctx, conf, tcpNotes, notes)
	if err != nil {
		return err
	}
	notes.SetUpstream(net.JoinHostPort(sni, portString(s.DefaultPort)))

	clientReader := io.Reader(br)
	relayBidirectionalReader(clientReader, client, upstream)
	return nil
}

// relayBidirectionalReader is relayBidirectional generalized to a reader
// that may have peeked bytes ahead of the underlying conn (the bufio.Reader
// wrapping client in SniProxy.Serve).
func relayBidirectionalReader(clientReader io.Reader, client, upstream net.Conn) {
	type result struct{ n int64 }
	ch := make(chan result, 1)
	go func() {
		defer upstream.Close()
		defer client.Close()
		n, _ := io.Copy(upstream, clientReader)
		ch <- result{n: n}
	}()
	io.Copy(client, upstream)
	client.Close()
	upstream.Close()
	<-ch
}
