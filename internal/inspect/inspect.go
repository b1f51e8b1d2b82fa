// Package inspect implements the content-inspection pipeline spec §4.4: a
// protocol classifier that peeks a bounded prefix of a stream and chooses
// the next inspection stage, plus TLS interception, WebSocket frame
// validation, and SMTP/IMAP command state machines feeding that pipeline.
// Grounded on the teacher's internal/proxy/tls_latency_conn.go (a net.Conn
// wrapper that observes protocol timing without altering bytes),
// generalized here into a full classify-then-dispatch pipeline, and on
// internal/subscription/parser.go's line-oriented parsing discipline for
// the SMTP/IMAP command parsers.
package inspect

import (
	"bufio"
	"bytes"
	"fmt"
)

// Stage names one node of the StreamInspection sum type (spec §4.4).
type Stage int

const (
	StageEnd Stage = iota
	StageStreamUnknown
	StageStreamInspect
	StageTlsModern
	StageTlsTlcp
	StageStartTls
	StageH1
	StageH2
	StageWebsocket
	StageSmtp
	StageImap
)

func (s Stage) String() string {
	switch s {
	case StageEnd:
		return "end"
	case StageStreamUnknown:
		return "stream_unknown"
	case StageStreamInspect:
		return "stream_inspect"
	case StageTlsModern:
		return "tls_modern"
	case StageTlsTlcp:
		return "tls_tlcp"
	case StageStartTls:
		return "start_tls"
	case StageH1:
		return "h1"
	case StageH2:
		return "h2"
	case StageWebsocket:
		return "websocket"
	case StageSmtp:
		return "smtp"
	case StageImap:
		return "imap"
	default:
		return "unknown_stage"
	}
}

// StreamInspection is the current position in the inspection pipeline for
// one connection. Next returns the following stage (or StageEnd) given the
// observed prefix; depth is tracked by the caller and compared against
// Classifier.MaxInspectionDepth to bound recursive re-inspection (e.g. TLS
// inside TLS, or H2 extended CONNECT carrying a WebSocket).
type StreamInspection struct {
	Stage Stage
	Depth int
}

// Classifier peeks a bounded prefix of a stream and decides the next
// inspection stage, consulting port hints before falling back to signature
// heuristics, matching spec §4.4's "peeks a bounded prefix, consults
// port-indexed hints... runs signature heuristics" order.
type Classifier struct {
	ServerTCPPortMap  map[int]Stage
	ClientTCPPortMap  map[int]Stage
	MaxInspectionDepth int
	PeekBytes          int
}

// NewClassifier builds a Classifier with the spec's suggested defaults: a
// 16-deep inspection bound and an 8KiB peek window, generous enough to see
// past a TLS ClientHello's extensions or an HTTP request line plus headers.
func NewClassifier() *Classifier {
	return &Classifier{
		ServerTCPPortMap:   map[int]Stage{},
		ClientTCPPortMap:   map[int]Stage{},
		MaxInspectionDepth: 16,
		PeekBytes:          8192,
	}
}

// ErrInspectionDepthExceeded is returned when a connection has been
// re-inspected (TLS-in-TLS, protocol upgrades) more times than
// MaxInspectionDepth allows.
var ErrInspectionDepthExceeded = fmt.Errorf("inspect: max_inspection_depth exceeded")

// Classify chooses the next stage for a connection, given a bounded peek of
// its leading bytes and optional port hints (0 means "no hint"). It never
// consumes from br beyond what Peek returns, so the caller can still read
// the full prefix afterward.
func (c *Classifier) Classify(br *bufio.Reader, inspection StreamInspection, serverPort, clientPort int) (Stage, error) {
	if inspection.Depth >= c.MaxInspectionDepth {
		return StageEnd, ErrInspectionDepthExceeded
	}

	if hint, ok := c.ServerTCPPortMap[serverPort]; ok {
		return hint, nil
	}
	if hint, ok := c.ClientTCPPortMap[clientPort]; ok {
		return hint, nil
	}

	peekBytes := c.PeekBytes
	if peekBytes <= 0 {
		peekBytes = 8192
	}
	if peekBytes > br.Size() {
		peekBytes = br.Size()
	}
	prefix, _ := br.Peek(peekBytes)
	if len(prefix) == 0 {
		return StageStreamUnknown, nil
	}

	return classifyPrefix(prefix), nil
}

// classifyPrefix applies the signature heuristics spec §4.4 names: TLS
// record header, HTTP verbs, SMTP banner, IMAP tag shape.
func classifyPrefix(prefix []byte) Stage {
	if len(prefix) == 0 {
		return StageStreamUnknown
	}

	if isTLSRecordHeader(prefix) {
		return StageTlsModern
	}
	if isTLCPRecordHeader(prefix) {
		return StageTlsTlcp
	}
	if looksLikeHTTPRequestLine(prefix) {
		return StageH1
	}
	if bytes.HasPrefix(prefix, h2Preface) {
		return StageH2
	}
	if looksLikeSMTPBanner(prefix) {
		return StageSmtp
	}
	if looksLikeIMAPTag(prefix) {
		return StageImap
	}
	return StageStreamInspect
}

var h2Preface = []byte("PRI * HTTP/2.0\r\n")

// isTLSRecordHeader reports whether prefix opens with a TLS record header:
// content type 0x16 (handshake), major version 0x03.
func isTLSRecordHeader(prefix []byte) bool {
	return len(prefix) >= 3 && prefix[0] == 0x16 && prefix[1] == 0x03
}

// isTLCPRecordHeader reports the GB/T 38636 TLCP record header: same
// content-type byte, but version 0x01,0x01 (TLCP's "version" field reuses
// the SSLv3-style major/minor slot with its own constants).
func isTLCPRecordHeader(prefix []byte) bool {
	return len(prefix) >= 3 && prefix[0] == 0x16 && prefix[1] == 0x01 && prefix[2] == 0x01
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
	[]byte("TRACE "),
}

func looksLikeHTTPRequestLine(prefix []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(prefix, m) {
			return true
		}
	}
	return false
}

func looksLikeSMTPBanner(prefix []byte) bool {
	return len(prefix) >= 4 && prefix[0] == '2' && prefix[1] == '2' && prefix[2] == '0' && (prefix[3] == ' ' || prefix[3] == '-')
}

// looksLikeIMAPTag reports whether prefix opens with a short alphanumeric
// tag followed by a space, e.g. "a1 LOGIN" or "* OK" — IMAP's tagged
// command/response shape.
func looksLikeIMAPTag(prefix []byte) bool {
	sp := bytes.IndexByte(prefix, ' ')
	if sp <= 0 || sp > 16 {
		return false
	}
	tag := prefix[:sp]
	if len(tag) == 1 && tag[0] == '*' {
		return true
	}
	for _, b := range tag {
		if !isAlnum(b) {
			return false
		}
	}
	return true
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
