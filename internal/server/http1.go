package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/relayfleet/relayfleet/internal/escaper"
	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// hopByHopHeaders mirrors internal/proxy/forward.go's list — headers that
// must never be forwarded to the next hop.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHopHeaders(header http.Header) {
	if header == nil {
		return
	}
	for _, connHeaders := range header.Values("Connection") {
		for _, h := range strings.Split(connHeaders, ",") {
			if h = strings.TrimSpace(h); h != "" {
				header.Del(h)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}

func copyEndToEndHeaders(dst, src http.Header) {
	if dst == nil || src == nil {
		return
	}
	headers := src.Clone()
	stripHopByHopHeaders(headers)
	for k, vv := range headers {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func prepareForwardOutboundRequest(in *http.Request) *http.Request {
	req := in.Clone(in.Context())
	req.RequestURI = ""
	req.Close = false
	stripHopByHopHeaders(req.Header)
	return req
}

// HttpProxyConfig wires an HttpProxy to its egress escaper and optional
// Basic-auth gate (spec §4.3.1's Proxy-Authorization check).
type HttpProxyConfig struct {
	Escaper       escaper.Escaper
	ProxyUsername string // empty disables auth
	ProxyPassword string
}

// HttpProxy is the spec §4.3.1 HTTP/1 forward proxy: CONNECT tunneling and
// plain request forwarding behind one http.Server-compatible handler,
// generalized from internal/proxy/forward.go's ForwardProxy to dial
// through an escaper.Escaper instead of a sing-box outbound pool.
type HttpProxy struct {
	cfg HttpProxyConfig
}

func NewHttpProxy(cfg HttpProxyConfig) *HttpProxy {
	return &HttpProxy{cfg: cfg}
}

func (p *HttpProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := p.authenticate(r); err != nil {
		w.Header().Set("Proxy-Authenticate", "Basic realm=\"relayfleet\"")
		http.Error(w, err.Error(), http.StatusProxyAuthRequired)
		return
	}
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

var ErrProxyAuthRequired = errors.New("server: proxy authentication required")
var ErrProxyAuthFailed = errors.New("server: proxy authentication failed")

func (p *HttpProxy) authenticate(r *http.Request) error {
	if p.cfg.ProxyUsername == "" {
		return nil
	}
	auth := r.Header.Get("Proxy-Authorization")
	fields := strings.Fields(auth)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Basic") {
		return ErrProxyAuthRequired
	}
	decoded, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return ErrProxyAuthRequired
	}
	colon := strings.IndexByte(string(decoded), ':')
	if colon < 0 {
		return ErrProxyAuthRequired
	}
	user, pass := string(decoded[:colon]), string(decoded[colon+1:])
	if user != p.cfg.ProxyUsername || pass != p.cfg.ProxyPassword {
		return ErrProxyAuthFailed
	}
	return nil
}

func (p *HttpProxy) dial(ctx context.Context, host string, notes *tasknotes.TaskNotes) (net.Conn, error) {
	h, portStr, err := net.SplitHostPort(host)
	if err != nil {
		h, portStr = host, "80"
	}
	port := uint16(80)
	if v, perr := strconv.ParseUint(portStr, 10, 16); perr == nil {
		port = uint16(v)
	}
	conf := escaper.TaskConf{UpstreamHost: h, UpstreamPort: port}
	tcpNotes := &escaper.TcpNotes{}
	return p.cfg.Escaper.TcpSetupConnection(ctx, conf, tcpNotes, notes)
}

func (p *HttpProxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	notes := tasknotes.New(r.RemoteAddr, "")
	httpCtx, err := p.cfg.Escaper.NewHttpForwardContext(r.Context(), escaper.TaskConf{})
	if err != nil || httpCtx == nil {
		http.Error(w, "no forward context available", http.StatusBadGateway)
		return
	}
	outReq := prepareForwardOutboundRequest(r)

	resp, err := httpCtx.RoundTrip(outReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	notes.SetStage(tasknotes.Finished)
}

func (p *HttpProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	notes := tasknotes.New(r.RemoteAddr, "")
	upstream, err := p.dial(r.Context(), r.Host, notes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	notes.SetUpstream(r.Host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "connect not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	if _, err := clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		upstream.Close()
		clientConn.Close()
		return
	}
	if err := clientBuf.Flush(); err != nil {
		upstream.Close()
		clientConn.Close()
		return
	}

	clientToUpstream, err := makeTunnelClientReader(clientConn, clientBuf.Reader)
	if err != nil {
		upstream.Close()
		clientConn.Close()
		return
	}
	relayBidirectionalReader(clientToUpstream, clientConn, upstream)
	notes.SetStage(tasknotes.Finished)
}

// makeTunnelClientReader preserves any bytes net/http pre-buffered past the
// CONNECT request line before Hijack — grounded verbatim on
// internal/proxy/forward.go's function of the same name.
func makeTunnelClientReader(clientConn net.Conn, buffered *bufio.Reader) (io.Reader, error) {
	if buffered == nil {
		return clientConn, nil
	}
	n := buffered.Buffered()
	if n == 0 {
		return clientConn, nil
	}
	prefetched := make([]byte, n)
	if _, err := io.ReadFull(buffered, prefetched); err != nil {
		return nil, err
	}
	return io.MultiReader(bytes.NewReader(prefetched), clientConn), nil
}

// HttpRProxy is the reverse-proxy counterpart of HttpProxy: it terminates
// inbound HTTP on behalf of a fixed upstream rather than an
// attacker-controlled CONNECT target, per spec §4.3's dst_reverse_port
// front. It reuses the same header hygiene and egress path.
type HttpRProxy struct {
	Escaper  escaper.Escaper
	Upstream TaskTarget
}

func (p *HttpRProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	notes := tasknotes.New(r.RemoteAddr, "")
	conf := escaper.TaskConf{UpstreamHost: p.Upstream.Host, UpstreamPort: p.Upstream.Port}
	httpCtx, err := p.Escaper.NewHttpForwardContext(r.Context(), conf)
	if err != nil || httpCtx == nil {
		http.Error(w, "no forward context available", http.StatusBadGateway)
		return
	}
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.URL.Scheme = "http"
	outReq.URL.Host = net.JoinHostPort(p.Upstream.Host, portString(p.Upstream.Port))
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
	notes.SetUpstream(outReq.URL.Host)
	notes.SetStage(tasknotes.Finished)
}
