// Package keyless implements the wire framing for the Cloudflare Keyless
// protocol (spec §6.1): an 8-byte frame header followed by a flat sequence
// of type-length-value items. Only the framing and opcode vocabulary live
// here — the actual RSA/ECDSA/Ed25519 operations are the caller's concern
// (delegated to an external crypto/PKI library, per spec.md §1's scope
// note), the same separation the teacher draws between wire codec and
// cryptographic primitive.
package keyless

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed 8-byte frame header: major, minor, length-hi,
// length-lo, id[4].
const HeaderSize = 8

// ProtocolMajor/ProtocolMinor is the required wire version, "1.0".
const (
	ProtocolMajor = 1
	ProtocolMinor = 0
)

// Tag identifies a TLV item within a Keyless message body.
type Tag byte

const (
	TagCertificateDigest Tag = 0x01
	TagSKI               Tag = 0x04
	TagOpcode            Tag = 0x11
	TagPayload           Tag = 0x12
	TagPadding           Tag = 0x20
)

// Opcode is the requested operation, carried in a TagOpcode item.
type Opcode byte

const (
	OpRSADecrypt     Opcode = 0x01
	OpRSASignSHA1    Opcode = 0x02
	OpRSASignSHA224  Opcode = 0x03
	OpRSASignSHA256  Opcode = 0x04
	OpRSASignSHA384  Opcode = 0x05
	OpRSASignSHA512  Opcode = 0x06
	OpRSAPSSSignSHA256 Opcode = 0x35
	OpRSAPSSSignSHA384 Opcode = 0x36
	OpRSAPSSSignSHA512 Opcode = 0x37
	OpECDSASignSHA1   Opcode = 0x12
	OpECDSASignSHA224 Opcode = 0x13
	OpECDSASignSHA256 Opcode = 0x14
	OpECDSASignSHA384 Opcode = 0x15
	OpECDSASignSHA512 Opcode = 0x16
	OpEd25519Sign     Opcode = 0x18
	OpPing            Opcode = 0xF1
	OpPong            Opcode = 0xF2
	OpResponse        Opcode = 0xF0
	OpError           Opcode = 0xFF
)

func (o Opcode) String() string {
	switch o {
	case OpRSADecrypt:
		return "rsa_decrypt"
	case OpRSASignSHA1:
		return "rsa_sign_sha1"
	case OpRSASignSHA224:
		return "rsa_sign_sha224"
	case OpRSASignSHA256:
		return "rsa_sign_sha256"
	case OpRSASignSHA384:
		return "rsa_sign_sha384"
	case OpRSASignSHA512:
		return "rsa_sign_sha512"
	case OpRSAPSSSignSHA256:
		return "rsa_pss_sign_sha256"
	case OpRSAPSSSignSHA384:
		return "rsa_pss_sign_sha384"
	case OpRSAPSSSignSHA512:
		return "rsa_pss_sign_sha512"
	case OpECDSASignSHA1:
		return "ecdsa_sign_sha1"
	case OpECDSASignSHA224:
		return "ecdsa_sign_sha224"
	case OpECDSASignSHA256:
		return "ecdsa_sign_sha256"
	case OpECDSASignSHA384:
		return "ecdsa_sign_sha384"
	case OpECDSASignSHA512:
		return "ecdsa_sign_sha512"
	case OpEd25519Sign:
		return "ed25519_sign"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	case OpResponse:
		return "response"
	case OpError:
		return "error"
	default:
		return fmt.Sprintf("opcode(0x%02x)", byte(o))
	}
}

// ErrorCode is the payload of a TagPayload item on an OpError response.
type ErrorCode byte

const (
	ErrorCryptoFailed      ErrorCode = 0x01
	ErrorKeyNotFound       ErrorCode = 0x02
	ErrorRead              ErrorCode = 0x03
	ErrorCertNotFound      ErrorCode = 0x04
	ErrorFormat            ErrorCode = 0x05
	ErrorInternal          ErrorCode = 0x06
	ErrorCertExpired       ErrorCode = 0x08
	ErrorNotAuthorized     ErrorCode = 0x09
)

var (
	// ErrShortFrame means fewer than HeaderSize bytes are available.
	ErrShortFrame = errors.New("keyless: frame shorter than header")
	// ErrTruncatedBody means the declared length exceeds the bytes on hand.
	ErrTruncatedBody = errors.New("keyless: truncated body")
	// ErrBadVersion means the major/minor bytes aren't 1.0.
	ErrBadVersion = errors.New("keyless: unsupported protocol version")
	// ErrTruncatedItem means a TLV item header or value ran off the end.
	ErrTruncatedItem = errors.New("keyless: truncated item")
	// ErrMissingOpcode means a decoded message had no TagOpcode item.
	ErrMissingOpcode = errors.New("keyless: message has no opcode item")
)

// Item is a single decoded TLV.
type Item struct {
	Tag   Tag
	Value []byte
}

// Message is a fully decoded Keyless frame: the request/response ID and
// its TLV items in wire order.
type Message struct {
	ID    uint32
	Items []Item
}

// Opcode returns the message's TagOpcode item, if present.
func (m *Message) Opcode() (Opcode, bool) {
	for _, it := range m.Items {
		if it.Tag == TagOpcode && len(it.Value) == 1 {
			return Opcode(it.Value[0]), true
		}
	}
	return 0, false
}

// Payload returns the message's TagPayload item, if present.
func (m *Message) Payload() ([]byte, bool) {
	for _, it := range m.Items {
		if it.Tag == TagPayload {
			return it.Value, true
		}
	}
	return nil, false
}

// SKI returns the message's TagSKI item, if present.
func (m *Message) SKI() ([]byte, bool) {
	for _, it := range m.Items {
		if it.Tag == TagSKI {
			return it.Value, true
		}
	}
	return nil, false
}

// CertificateDigest returns the message's TagCertificateDigest item, if present.
func (m *Message) CertificateDigest() ([]byte, bool) {
	for _, it := range m.Items {
		if it.Tag == TagCertificateDigest {
			return it.Value, true
		}
	}
	return nil, false
}

// Decode parses a single Keyless frame from buf, returning the message and
// the number of bytes consumed. buf may contain trailing bytes belonging to
// a subsequent frame on the same stream.
func Decode(buf []byte) (*Message, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrShortFrame
	}
	major, minor := buf[0], buf[1]
	if major != ProtocolMajor || minor != ProtocolMinor {
		return nil, 0, ErrBadVersion
	}
	bodyLen := int(binary.BigEndian.Uint16(buf[2:4]))
	id := binary.BigEndian.Uint32(buf[4:8])
	total := HeaderSize + bodyLen
	if len(buf) < total {
		return nil, 0, ErrTruncatedBody
	}

	items, err := decodeItems(buf[HeaderSize:total])
	if err != nil {
		return nil, 0, err
	}
	return &Message{ID: id, Items: items}, total, nil
}

func decodeItems(body []byte) ([]Item, error) {
	var items []Item
	pos := 0
	for pos < len(body) {
		if pos+3 > len(body) {
			return nil, ErrTruncatedItem
		}
		tag := Tag(body[pos])
		length := int(binary.BigEndian.Uint16(body[pos+1 : pos+3]))
		pos += 3
		if pos+length > len(body) {
			return nil, ErrTruncatedItem
		}
		value := make([]byte, length)
		copy(value, body[pos:pos+length])
		pos += length
		items = append(items, Item{Tag: tag, Value: value})
	}
	return items, nil
}

// Encode serializes id and items into a complete Keyless frame.
func Encode(id uint32, items []Item) ([]byte, error) {
	bodyLen := 0
	for _, it := range items {
		if len(it.Value) > 0xFFFF {
			return nil, fmt.Errorf("keyless: item tag 0x%02x value too large (%d bytes)", it.Tag, len(it.Value))
		}
		bodyLen += 3 + len(it.Value)
	}
	if bodyLen > 0xFFFF {
		return nil, fmt.Errorf("keyless: encoded body too large (%d bytes)", bodyLen)
	}

	out := make([]byte, HeaderSize+bodyLen)
	out[0] = ProtocolMajor
	out[1] = ProtocolMinor
	binary.BigEndian.PutUint16(out[2:4], uint16(bodyLen))
	binary.BigEndian.PutUint32(out[4:8], id)

	pos := HeaderSize
	for _, it := range items {
		out[pos] = byte(it.Tag)
		binary.BigEndian.PutUint16(out[pos+1:pos+3], uint16(len(it.Value)))
		pos += 3
		copy(out[pos:], it.Value)
		pos += len(it.Value)
	}
	return out, nil
}

// EncodeResponse builds a payload-bearing OpResponse frame for the given
// request ID — the common case of returning a completed crypto operation.
func EncodeResponse(id uint32, payload []byte) ([]byte, error) {
	return Encode(id, []Item{
		{Tag: TagOpcode, Value: []byte{byte(OpResponse)}},
		{Tag: TagPayload, Value: payload},
	})
}

// EncodeError builds an OpError frame for the given request ID.
func EncodeError(id uint32, code ErrorCode) ([]byte, error) {
	return Encode(id, []Item{
		{Tag: TagOpcode, Value: []byte{byte(OpError)}},
		{Tag: TagPayload, Value: []byte{byte(code)}},
	})
}

// EncodePong builds a pong response with the same payload as the ping.
func EncodePong(id uint32, payload []byte) ([]byte, error) {
	return Encode(id, []Item{
		{Tag: TagOpcode, Value: []byte{byte(OpPong)}},
		{Tag: TagPayload, Value: payload},
	})
}

// Handler resolves a decoded request to a response payload. Dispatch keeps
// the crypto work on the caller's side of the interface: the opcode just
// names which operation the payload needs performed by a real key-signing
// backend.
type Handler interface {
	// Decrypt performs OpRSADecrypt: ski identifies the key, payload is the
	// RSA-encrypted blob.
	Decrypt(ski, payload []byte) ([]byte, error)
	// Sign performs any of the RSA/ECDSA/Ed25519 sign opcodes: ski
	// identifies the key, op names the exact algorithm/hash combination,
	// payload is the (already-hashed, for non-Ed25519 ops) digest to sign.
	Sign(op Opcode, ski, payload []byte) ([]byte, error)
}

// Dispatch decodes req, routes it to h per its opcode, and returns the
// encoded response frame. Ping is answered locally without reaching h.
func Dispatch(h Handler, req []byte) ([]byte, error) {
	msg, _, err := Decode(req)
	if err != nil {
		return nil, err
	}
	op, ok := msg.Opcode()
	if !ok {
		resp, _ := EncodeError(msg.ID, ErrorFormat)
		return resp, ErrMissingOpcode
	}

	ski, _ := msg.SKI()
	payload, _ := msg.Payload()

	switch op {
	case OpPing:
		return EncodePong(msg.ID, payload)
	case OpRSADecrypt:
		out, err := h.Decrypt(ski, payload)
		if err != nil {
			resp, _ := EncodeError(msg.ID, ErrorCryptoFailed)
			return resp, err
		}
		return EncodeResponse(msg.ID, out)
	default:
		out, err := h.Sign(op, ski, payload)
		if err != nil {
			resp, _ := EncodeError(msg.ID, ErrorCryptoFailed)
			return resp, err
		}
		return EncodeResponse(msg.ID, out)
	}
}
