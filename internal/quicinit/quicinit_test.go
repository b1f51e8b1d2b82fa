package quicinit

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func encodeVarint(v uint64) []byte {
	switch {
	case v <= 0x3f:
		return []byte{byte(v)}
	case v <= 0x3fff:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		b[0] |= 0x40
		return b
	case v <= 0x3fffffff:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		b[0] |= 0x80
		return b
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		b[0] |= 0xc0
		return b
	}
}

func buildInitialHeader(dcid, scid, token []byte, payloadLen uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0xc0) // long header, type=Initial(0), fixed bit set
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], Version1)
	buf.Write(ver[:])
	buf.WriteByte(byte(len(dcid)))
	buf.Write(dcid)
	buf.WriteByte(byte(len(scid)))
	buf.Write(scid)
	buf.Write(encodeVarint(uint64(len(token))))
	buf.Write(token)
	buf.Write(encodeVarint(payloadLen))
	return buf.Bytes()
}

func TestReadVarint(t *testing.T) {
	cases := []uint64{0, 63, 64, 16383, 16384, 1073741823, 1073741824}
	for _, v := range cases {
		enc := encodeVarint(v)
		got, n, err := ReadVarint(enc)
		if err != nil {
			t.Fatalf("v=%d: %v", v, err)
		}
		if got != v || n != len(enc) {
			t.Fatalf("v=%d: got %d consuming %d bytes", v, got, n)
		}
	}
}

func TestParseLongHeader_Initial(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	scid := []byte{9, 9}
	token := []byte("tok")
	header := buildInitialHeader(dcid, scid, token, 1200)
	payload := make([]byte, 1200)
	packet := append(header, payload...)

	h, err := ParseLongHeader(packet)
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != PacketInitial {
		t.Fatalf("got type %v", h.Type)
	}
	if h.Version != Version1 {
		t.Fatalf("got version %x", h.Version)
	}
	if !bytes.Equal(h.DestConnectionID, dcid) || !bytes.Equal(h.SrcConnectionID, scid) {
		t.Fatalf("cid mismatch: %+v", h)
	}
	if !bytes.Equal(h.Token, token) {
		t.Fatalf("token mismatch: %q", h.Token)
	}
	if h.Length != 1200 {
		t.Fatalf("got length %d", h.Length)
	}
	if h.HeaderLen != len(header) {
		t.Fatalf("got header len %d, want %d", h.HeaderLen, len(header))
	}
}

func TestParseLongHeader_ShortPacket(t *testing.T) {
	_, err := ParseLongHeader([]byte{0xc0, 0, 0})
	if err != ErrShortPacket {
		t.Fatalf("got %v", err)
	}
}

func TestParseLongHeader_NotLongHeader(t *testing.T) {
	buf := make([]byte, 10)
	buf[0] = 0x40 // short header (fixed bit unset high bit)
	_, err := ParseLongHeader(buf)
	if err != ErrNotLongHeader {
		t.Fatalf("got %v", err)
	}
}

func tlsRecord(length int) []byte {
	out := make([]byte, 4+length)
	out[0] = 1 // ClientHello
	out[1] = byte(length >> 16)
	out[2] = byte(length >> 8)
	out[3] = byte(length)
	for i := 0; i < length; i++ {
		out[4+i] = byte(i)
	}
	return out
}

func TestCoalescer_InOrder(t *testing.T) {
	msg := tlsRecord(100)
	c := NewCoalescer(4096)
	if err := c.Add(CryptoFrame{Offset: 0, Data: msg[:50]}); err != nil {
		t.Fatal(err)
	}
	if c.Finished() {
		t.Fatal("should not be finished yet")
	}
	if err := c.Add(CryptoFrame{Offset: 50, Data: msg[50:]}); err != nil {
		t.Fatal(err)
	}
	if !c.Finished() {
		t.Fatal("expected finished")
	}
	if !bytes.Equal(c.Bytes(), msg) {
		t.Fatalf("reassembled mismatch")
	}
}

func TestCoalescer_OutOfOrder(t *testing.T) {
	msg := tlsRecord(200)
	c := NewCoalescer(4096)
	// Split into three out-of-order, non-overlapping chunks.
	chunks := []CryptoFrame{
		{Offset: 150, Data: msg[150:]},
		{Offset: 0, Data: msg[:60]},
		{Offset: 60, Data: msg[60:150]},
	}
	for _, f := range chunks {
		if err := c.Add(f); err != nil {
			t.Fatal(err)
		}
	}
	if !c.Finished() {
		t.Fatal("expected finished after all fragments arrive")
	}
	if !bytes.Equal(c.Bytes(), msg) {
		t.Fatalf("reassembled mismatch")
	}
}

func TestCoalescer_OverlappingFragments(t *testing.T) {
	msg := tlsRecord(40)
	c := NewCoalescer(4096)
	if err := c.Add(CryptoFrame{Offset: 0, Data: msg[:30]}); err != nil {
		t.Fatal(err)
	}
	// Overlaps the first 10 bytes of this fragment with already-assembled data.
	if err := c.Add(CryptoFrame{Offset: 20, Data: msg[20:]}); err != nil {
		t.Fatal(err)
	}
	if !c.Finished() || !bytes.Equal(c.Bytes(), msg) {
		t.Fatalf("overlap handling failed: finished=%v", c.Finished())
	}
}

func TestCoalescer_MalformedFrameBeyondMax(t *testing.T) {
	c := NewCoalescer(10)
	err := c.Add(CryptoFrame{Offset: 8, Data: []byte{1, 2, 3, 4}})
	if err != ErrMalformedFrame {
		t.Fatalf("got %v", err)
	}
}
