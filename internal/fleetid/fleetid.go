// Package fleetid holds the identifier types shared by every registry of
// named entities in the fleet: escapers, servers, resolvers, user-groups,
// and auditors (§3, §6.2). Entities are addressed by name, not by content
// hash — but content hashing is still used, narrowly, where identity
// needs to survive a name change: registry.Config.DiffAction compares
// ContentHash values to tell a no-op reload from a real config change.
package fleetid

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Name is an interned entity name: the key every Registry is keyed by, and
// the unit references in YAML documents resolve to (§6.2 "referencing each
// other by name").
type Name string

func (n Name) String() string { return string(n) }

// IsZero reports whether n is the empty name.
func (n Name) IsZero() bool { return n == "" }

// ContentHash is a 128-bit content identity derived from canonical JSON of
// an entity's configuration (with the "name" key removed so a rename alone
// doesn't change identity). Two configurations that are byte-identical
// except for name produce the same ContentHash.
type ContentHash [16]byte

// ZeroHash is the zero-value ContentHash.
var ZeroHash ContentHash

// HashConfig computes a ContentHash from raw JSON/YAML-derived config,
// ignoring the "name" field. Unmarshal failure falls back to hashing the
// raw bytes directly so HashConfig never errors.
func HashConfig(raw []byte) ContentHash {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return hashBytes(raw)
	}
	delete(m, "name")

	canonical, err := json.Marshal(m)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(canonical)
}

// Hex returns the lowercase hex encoding of the hash.
func (h ContentHash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h ContentHash) String() string { return h.Hex() }

// IsZero reports whether h is the zero hash.
func (h ContentHash) IsZero() bool { return h == ZeroHash }

// ParseHex decodes a 32-character hex string into a ContentHash.
func ParseHex(s string) (ContentHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("fleetid.ParseHex: %w", err)
	}
	if len(b) != 16 {
		return ZeroHash, fmt.Errorf("fleetid.ParseHex: expected 16 bytes, got %d", len(b))
	}
	var h ContentHash
	copy(h[:], b)
	return h, nil
}

func hashBytes(data []byte) ContentHash {
	h128 := xxh3.Hash128(data)
	var h ContentHash
	binary.LittleEndian.PutUint64(h[:8], h128.Lo)
	binary.LittleEndian.PutUint64(h[8:], h128.Hi)
	return h
}
