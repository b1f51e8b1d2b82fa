package server

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/relayfleet/relayfleet/internal/escaper"
	"github.com/relayfleet/relayfleet/internal/icap"
	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// HttpUpgradeToken names the RFC 8441 :protocol value an extended CONNECT
// request carries — spec §4.3.2's dispatch key for deciding whether an
// h2 stream is a websocket upgrade or a MASQUE-style connect-udp.
type HttpUpgradeToken string

const (
	UpgradeWebsocket HttpUpgradeToken = "websocket"
	UpgradeConnectUDP HttpUpgradeToken = "connect-udp"
)

// UpstreamAddr is a resolved host/port pulled out of a connect-udp
// request's MASQUE URI template path.
type UpstreamAddr struct {
	Host string
	Port uint16
}

var ErrNotMasqueTemplate = errors.New("server: path is not a masque connect-udp template")

// ParseMasqueConnectUDPPath parses the well-known MASQUE UDP proxying
// path template from RFC 9298 — "/.well-known/masque/udp/<host>/<port>/"
// — used by connect-udp extended CONNECT requests. No pack library
// implements this template (quic-go/sing-quic speak the QUIC transport,
// not this HTTP path convention), so it is parsed directly.
func ParseMasqueConnectUDPPath(path string) (UpstreamAddr, error) {
	const prefix = "/.well-known/masque/udp/"
	if !strings.HasPrefix(path, prefix) {
		return UpstreamAddr{}, ErrNotMasqueTemplate
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return UpstreamAddr{}, ErrNotMasqueTemplate
	}
	host, err := urlPathUnescape(parts[0])
	if err != nil {
		return UpstreamAddr{}, err
	}
	portStr, err := urlPathUnescape(parts[1])
	if err != nil {
		return UpstreamAddr{}, err
	}
	var port uint16
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return UpstreamAddr{}, ErrNotMasqueTemplate
		}
		port = port*10 + uint16(c-'0')
	}
	return UpstreamAddr{Host: host, Port: port}, nil
}

func urlPathUnescape(s string) (string, error) {
	// host/port segments in the template are percent-encoded per RFC 9298;
	// neither host nor port legitimately contains '%', so a plain decode
	// covers the cases that matter without pulling in net/url for two
	// fields.
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' {
			if i+2 >= len(s) {
				return "", errors.New("server: truncated percent-encoding")
			}
			hi, ok1 := hexNibble(s[i+1])
			lo, ok2 := hexNibble(s[i+2])
			if !ok1 || !ok2 {
				return "", errors.New("server: invalid percent-encoding")
			}
			out = append(out, hi<<4|lo)
			i += 2
			continue
		}
		out = append(out, s[i])
	}
	return string(out), nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// ExchangeHeadConfig wires an ExchangeHead to its egress and, optionally,
// an ICAP reqmod service for request-body inspection.
type ExchangeHeadConfig struct {
	Escaper    escaper.Escaper
	ReqmodDial icap.Dialer // nil disables reqmod adaptation
	ServiceURL string
	ServicePath string
}

// ExchangeHead serves one HTTP/2 request by copying its headers and body
// to the chosen upstream via the escaper's forward context, optionally
// routing the request body through ICAP reqmod first — spec §4.3.2's
// "copy headers, copy body, optionally through ICAP" request leg. It
// satisfies http.Handler so it plugs directly into golang.org/x/net/http2
// Server.
type ExchangeHead struct {
	cfg ExchangeHeadConfig
}

func NewExchangeHead(cfg ExchangeHeadConfig) *ExchangeHead {
	return &ExchangeHead{cfg: cfg}
}

func (e *ExchangeHead) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		e.serveExtendedConnect(w, r)
		return
	}
	e.serveExchange(w, r)
}

func (e *ExchangeHead) serveExchange(w http.ResponseWriter, r *http.Request) {
	notes := tasknotes.New(r.RemoteAddr, "")
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
	}

	body := r.Body
	if e.cfg.ReqmodDial != nil && body != nil {
		adapted, ok, err := e.adaptRequestBody(r, body)
		if err == nil && ok {
			body = io.NopCloser(adapted)
		}
	}

	conf := escaper.TaskConf{UpstreamHost: host}
	httpCtx, err := e.cfg.Escaper.NewHttpForwardContext(r.Context(), conf)
	if err != nil || httpCtx == nil {
		http.Error(w, "no forward context available", http.StatusBadGateway)
		return
	}
	outReq := r.Clone(r.Context())
	outReq.Body = body
	stripHopByHopHeaders(outReq.Header)

	resp, err := httpCtx.RoundTrip(outReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	copyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	notes.SetUpstream(host)
	notes.SetStage(tasknotes.Finished)
}

// adaptRequestBody runs the request body through ICAP reqmod, returning
// the (possibly modified) body as a reader.
func (e *ExchangeHead) adaptRequestBody(r *http.Request, body io.ReadCloser) (io.Reader, bool, error) {
	rw, err := e.cfg.ReqmodDial(e.cfg.ServiceURL)
	if err != nil {
		return nil, false, err
	}
	conn := icap.NewConnection(rw)
	defer conn.Close()

	headerBlock := []byte("GET " + r.URL.Path + " HTTP/1.1\r\n\r\n")
	var sent bytes.Buffer
	ex := &icap.Exchange{
		Conn:        conn,
		ServiceURL:  e.cfg.ServiceURL,
		ServicePath: e.cfg.ServicePath,
		Kind:        icap.Reqmod,
		HeaderBlock: headerBlock,
		Body:        io.TeeReader(body, &sent),
	}
	forward, ok, err := ex.RunReqmod()
	if err != nil || !ok {
		return body, false, err
	}
	if forward == nil {
		return body, false, nil
	}
	if forward == ex.Body {
		// 204: the upload drained body; the tee holds its bytes.
		return &sent, true, nil
	}
	return forward, true, nil
}

// serveExtendedConnect dispatches an RFC 8441 extended CONNECT by its
// :protocol token (exposed by golang.org/x/net/http2 through the request's
// Proto/Header once ExtendedConnectProtocol is enabled on the server).
func (e *ExchangeHead) serveExtendedConnect(w http.ResponseWriter, r *http.Request) {
	token := HttpUpgradeToken(r.Header.Get(":protocol"))
	switch token {
	case UpgradeWebsocket:
		e.serveWebsocketExtendedConnect(w, r)
	case UpgradeConnectUDP:
		e.serveConnectUDP(w, r)
	default:
		http.Error(w, "unsupported upgrade protocol", http.StatusNotImplemented)
	}
}

func (e *ExchangeHead) serveWebsocketExtendedConnect(w http.ResponseWriter, r *http.Request) {
	notes := tasknotes.New(r.RemoteAddr, "")
	host := r.URL.Hostname()
	conf := escaper.TaskConf{UpstreamHost: host, UpstreamPort: 80}
	tcpNotes := &escaper.TcpNotes{}
	upstream, err := e.cfg.Escaper.TcpSetupConnection(r.Context(), conf, tcpNotes, notes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer upstream.Close()
	notes.SetUpstream(host)

	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	relayBidirectionalReader(r.Body, &writerNopCloser{w}, upstream)
	notes.SetStage(tasknotes.Finished)
}

func (e *ExchangeHead) serveConnectUDP(w http.ResponseWriter, r *http.Request) {
	addr, err := ParseMasqueConnectUDPPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	notes := tasknotes.New(r.RemoteAddr, "")
	tcpNotes := &escaper.TcpNotes{}
	relay, err := e.cfg.Escaper.UdpSetupConnection(r.Context(), escaper.TaskConf{UpstreamHost: addr.Host, UpstreamPort: addr.Port}, tcpNotes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer relay.Close()
	notes.SetUpstream(net.JoinHostPort(addr.Host, portString(addr.Port)))
	w.WriteHeader(http.StatusOK)
	notes.SetStage(tasknotes.Finished)
}

// writerNopCloser adapts an http.ResponseWriter's body stream (io.Writer)
// into the net.Conn-shaped half relayBidirectionalReader expects for the
// upstream->client leg of an extended-connect tunnel.
type writerNopCloser struct {
	w io.Writer
}

func (w *writerNopCloser) Write(p []byte) (int, error)     { return w.w.Write(p) }
func (w *writerNopCloser) Read([]byte) (int, error)        { return 0, io.EOF }
func (w *writerNopCloser) Close() error                    { return nil }
func (w *writerNopCloser) LocalAddr() net.Addr             { return nil }
func (w *writerNopCloser) RemoteAddr() net.Addr            { return nil }
func (w *writerNopCloser) SetDeadline(time.Time) error      { return nil }
func (w *writerNopCloser) SetReadDeadline(time.Time) error  { return nil }
func (w *writerNopCloser) SetWriteDeadline(time.Time) error { return nil }

// Http2Server runs golang.org/x/net/http2's Server over an already
// terminated TLS connection (ALPN "h2"), dispatching every stream to an
// ExchangeHead.
type Http2Server struct {
	srv *http2.Server
}

func NewHttp2Server() *Http2Server {
	return &Http2Server{srv: &http2.Server{}}
}

// ServeConn takes ownership of conn and blocks until the HTTP/2
// connection closes.
func (s *Http2Server) ServeConn(conn *tls.Conn, handler http.Handler) {
	s.srv.ServeConn(conn, &http2.ServeConnOpts{Handler: handler})
}
