// Package quicinit gives the accept pipeline (spec §4.3/§6.1) just enough
// QUIC v1 understanding to classify an Initial packet and reassemble the
// CRYPTO frames it carries into a ClientHello-bearing buffer, without
// standing up a full QUIC connection. SPEC_FULL.md scopes this
// deliberately: the core only needs the handshake's plaintext metadata
// (long-header fields, SNI from the coalesced CRYPTO stream) to route a
// connection, not a working QUIC transport — see DESIGN.md for why the
// teacher's transitive quic-go dependency isn't wired in here instead.
package quicinit

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/btree"
)

var (
	ErrShortPacket    = errors.New("quicinit: packet shorter than fixed header")
	ErrNotLongHeader  = errors.New("quicinit: not a long-header packet")
	ErrShortCIDs      = errors.New("quicinit: connection ID fields run off the end of the packet")
	ErrMalformedVarint = errors.New("quicinit: truncated variable-length integer")
	ErrMalformedFrame  = errors.New("quicinit: CRYPTO frame offset past declared length")
)

// PacketType is the long-header packet type (RFC 9000 §17.2), as encoded in
// the low two bits of the first byte's type field for QUIC v1.
type PacketType byte

const (
	PacketInitial   PacketType = 0x0
	PacketZeroRTT   PacketType = 0x1
	PacketHandshake PacketType = 0x2
	PacketRetry     PacketType = 0x3
)

func (t PacketType) String() string {
	switch t {
	case PacketInitial:
		return "initial"
	case PacketZeroRTT:
		return "0-rtt"
	case PacketHandshake:
		return "handshake"
	case PacketRetry:
		return "retry"
	default:
		return fmt.Sprintf("packet-type(%d)", t)
	}
}

// Version1 is the QUIC v1 wire version (RFC 9000).
const Version1 uint32 = 0x00000001

// LongHeader is the parsed fixed/long-header portion of a QUIC v1 packet,
// stopping short of the (AEAD-protected) payload.
type LongHeader struct {
	Type             PacketType
	Version          uint32
	DestConnectionID []byte
	SrcConnectionID  []byte
	Token            []byte // Initial only
	Length           uint64 // length of packet number + payload, Initial/Handshake/0-RTT
	HeaderLen        int    // bytes consumed by the header, i.e. where the protected payload starts
}

// ParseLongHeader reads a QUIC v1 long-header packet's metadata from buf.
// It does not touch header protection or the AEAD-sealed payload; callers
// that need the CRYPTO frames must remove header protection and decrypt
// first (out of scope here — see package doc).
func ParseLongHeader(buf []byte) (*LongHeader, error) {
	if len(buf) < 7 {
		return nil, ErrShortPacket
	}
	first := buf[0]
	if first&0x80 == 0 {
		return nil, ErrNotLongHeader
	}
	version := binary.BigEndian.Uint32(buf[1:5])
	pos := 5

	dcidLen := int(buf[pos])
	pos++
	if pos+dcidLen > len(buf) {
		return nil, ErrShortCIDs
	}
	dcid := append([]byte(nil), buf[pos:pos+dcidLen]...)
	pos += dcidLen

	if pos >= len(buf) {
		return nil, ErrShortCIDs
	}
	scidLen := int(buf[pos])
	pos++
	if pos+scidLen > len(buf) {
		return nil, ErrShortCIDs
	}
	scid := append([]byte(nil), buf[pos:pos+scidLen]...)
	pos += scidLen

	h := &LongHeader{
		Type:             PacketType((first >> 4) & 0x3),
		Version:          version,
		DestConnectionID: dcid,
		SrcConnectionID:  scid,
	}

	if h.Type == PacketInitial {
		tokenLen, n, err := ReadVarint(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if pos+int(tokenLen) > len(buf) {
			return nil, ErrShortCIDs
		}
		h.Token = append([]byte(nil), buf[pos:pos+int(tokenLen)]...)
		pos += int(tokenLen)
	}

	if h.Type != PacketRetry {
		length, n, err := ReadVarint(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		h.Length = length
	}

	h.HeaderLen = pos
	return h, nil
}

// ReadVarint decodes a QUIC variable-length integer (RFC 9000 §16) from the
// start of buf, returning the value and the number of bytes it occupied.
func ReadVarint(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrMalformedVarint
	}
	prefix := buf[0] >> 6
	length := 1 << prefix
	if len(buf) < length {
		return 0, 0, ErrMalformedVarint
	}
	v := uint64(buf[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v, length, nil
}

// CryptoFrame is one CRYPTO frame's offset and payload, already extracted
// from a decrypted QUIC packet's frame stream by the caller.
type CryptoFrame struct {
	Offset uint64
	Data   []byte
}

type fragment struct {
	offset uint64
	data   []byte
}

func (f fragment) Less(than btree.Item) bool {
	return f.offset < than.(fragment).offset
}

// Coalescer reassembles CRYPTO frames arriving in any order into a
// contiguous handshake-message buffer, the way the teacher's accept path
// reassembles out-of-order ClientHello fragments before handing them to a
// TLS parser. Out-of-order fragments are held in a btree ordered by start
// offset so overlap/contiguity checks are a neighbor lookup rather than a
// linear scan.
type Coalescer struct {
	maxSize   int
	pending   *btree.BTree
	assembled []byte // contiguous bytes starting at offset 0
	target    int    // total length once known from the TLS record header; -1 if unknown
}

// NewCoalescer returns an empty Coalescer. maxSize bounds the reassembled
// buffer to guard against a peer claiming an unbounded handshake message.
func NewCoalescer(maxSize int) *Coalescer {
	return &Coalescer{
		maxSize: maxSize,
		pending: btree.New(8),
		target:  -1,
	}
}

// Add ingests one CRYPTO frame. Frames may arrive out of order or
// overlapping prior data; Add folds in whatever extends the contiguous
// prefix and parks the rest.
func (c *Coalescer) Add(f CryptoFrame) error {
	end := f.Offset + uint64(len(f.Data))
	if c.maxSize > 0 && int(end) > c.maxSize {
		return ErrMalformedFrame
	}

	if f.Offset > uint64(len(c.assembled)) {
		c.pending.ReplaceOrInsert(fragment{offset: f.Offset, data: append([]byte(nil), f.Data...)})
	} else if end > uint64(len(c.assembled)) {
		// Overlaps or directly extends the assembled prefix.
		start := uint64(len(c.assembled)) - f.Offset
		c.assembled = append(c.assembled, f.Data[start:]...)
		c.drainPending()
	}
	c.tryLockTarget()
	return nil
}

// drainPending folds any buffered out-of-order fragments that have become
// contiguous with the assembled prefix, in offset order.
func (c *Coalescer) drainPending() {
	for {
		min := c.pending.Min()
		if min == nil {
			return
		}
		next := min.(fragment)
		if next.offset > uint64(len(c.assembled)) {
			return
		}
		c.pending.DeleteMin()
		end := next.offset + uint64(len(next.data))
		if end <= uint64(len(c.assembled)) {
			continue // fully redundant
		}
		start := uint64(len(c.assembled)) - next.offset
		c.assembled = append(c.assembled, next.data[start:]...)
	}
}

// tryLockTarget reads the TLS handshake record header (1-byte type,
// 3-byte big-endian length) from the assembled prefix, once enough bytes
// of it are available, to learn the total message length the coalescer is
// reassembling toward.
func (c *Coalescer) tryLockTarget() {
	if c.target >= 0 || len(c.assembled) < 4 {
		return
	}
	length := int(c.assembled[1])<<16 | int(c.assembled[2])<<8 | int(c.assembled[3])
	c.target = 4 + length
}

// Finished reports whether the assembled buffer now holds the complete
// handshake message (header included).
func (c *Coalescer) Finished() bool {
	return c.target >= 0 && len(c.assembled) >= c.target
}

// Bytes returns the assembled buffer. Only meaningful once Finished.
func (c *Coalescer) Bytes() []byte {
	if c.target >= 0 && len(c.assembled) > c.target {
		return c.assembled[:c.target]
	}
	return c.assembled
}
