package server

import (
	"bufio"
	"errors"
)

// FinalProtocol is the decision IntelliProxy's peek classifier reaches for
// one accepted connection (spec §4.3's intelli_proxy front).
type FinalProtocol int

const (
	FinalUnknown FinalProtocol = iota
	FinalProxyProtocolV1
	FinalProxyProtocolV2
	FinalHTTP
	FinalSocks4
	FinalSocks5
	FinalTLS
)

func (p FinalProtocol) String() string {
	switch p {
	case FinalProxyProtocolV1:
		return "proxy_protocol_v1"
	case FinalProxyProtocolV2:
		return "proxy_protocol_v2"
	case FinalHTTP:
		return "http"
	case FinalSocks4:
		return "socks4"
	case FinalSocks5:
		return "socks5"
	case FinalTLS:
		return "tls"
	default:
		return "unknown"
	}
}

var ErrIntelliProxyShortPeek = errors.New("server: not enough bytes to classify connection")

var proxyProtoV2Sig = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// IntelliProxy peeks the first bytes of a connection, without consuming
// them, to decide which final protocol server should handle it — the
// fan-in front spec §4.3 describes sitting ahead of SocksProxy/HttpProxy/
// SniProxy on a single bound port.
type IntelliProxy struct {
	PeekBytes int
}

// NewIntelliProxy returns a classifier that peeks up to 16 bytes, enough
// to distinguish every signature it recognizes.
func NewIntelliProxy() *IntelliProxy {
	return &IntelliProxy{PeekBytes: 16}
}

// Classify peeks br (which must wrap the raw connection without having
// consumed anything yet) and returns the decision. br's buffer must be
// large enough to hold PeekBytes.
func (p *IntelliProxy) Classify(br *bufio.Reader) (FinalProtocol, error) {
	n := p.PeekBytes
	if n > br.Size() {
		n = br.Size()
	}
	prefix, err := br.Peek(n)
	if len(prefix) == 0 {
		if err != nil {
			return FinalUnknown, err
		}
		return FinalUnknown, ErrIntelliProxyShortPeek
	}

	if len(prefix) >= len(proxyProtoV2Sig) && string(prefix[:len(proxyProtoV2Sig)]) == string(proxyProtoV2Sig) {
		return FinalProxyProtocolV2, nil
	}
	if len(prefix) >= 5 && string(prefix[:5]) == "PROXY" {
		return FinalProxyProtocolV1, nil
	}
	if len(prefix) >= 2 && prefix[0] == 0x16 && prefix[1] == 0x03 {
		return FinalTLS, nil
	}
	if len(prefix) >= 1 && prefix[0] == 0x04 {
		return FinalSocks4, nil
	}
	if len(prefix) >= 1 && prefix[0] == 0x05 {
		return FinalSocks5, nil
	}
	if looksLikeHTTPMethod(prefix) {
		return FinalHTTP, nil
	}
	return FinalUnknown, nil
}

var httpMethodPrefixes = []string{"GET ", "POST", "PUT ", "HEAD", "DELE", "CONN", "OPTI", "PATC", "TRAC"}

func looksLikeHTTPMethod(prefix []byte) bool {
	if len(prefix) < 4 {
		return false
	}
	head := string(prefix[:4])
	for _, m := range httpMethodPrefixes {
		if head == m {
			return true
		}
	}
	return false
}
