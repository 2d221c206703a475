// Package cryptoid provides the cryptographic primitives behind an
// Agentbook node identity: secp256k1 keypairs, ECDH key derivation,
// XChaCha20-Poly1305 AEAD, recoverable signatures, and passphrase-based
// key derivation (Argon2id).
package cryptoid

import (
	"encoding/hex"
	"strings"

	"github.com/agentbook/agentbook/internal/apperr"
)

// NodeIDSize is the size of a NodeID in bytes: the 20-byte keccak-256
// truncation of an uncompressed secp256k1 public key (EVM-address-compatible).
const NodeIDSize = 20

// ZeroNodeID is the broadcast sentinel used for room/feed packets that have
// no single addressed recipient (spec §3 Envelope.to_node_id).
var ZeroNodeID = NodeID{}

// NodeID is a node's derived identity. It is never stored canonically
// alongside the keypair that produced it — it is always recomputed.
type NodeID [NodeIDSize]byte

// String renders the NodeID as 0x-prefixed lowercase hex.
func (id NodeID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether id is the broadcast sentinel.
func (id NodeID) IsZero() bool { return id == ZeroNodeID }

// Bytes returns the NodeID as a byte slice.
func (id NodeID) Bytes() []byte { return id[:] }

// Less orders NodeIDs by ascending byte value, used for canonical
// key_wraps ordering in the envelope codec (spec §4.2).
func (id NodeID) Less(other NodeID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseNodeID parses a 0x-prefixed (or bare) hex NodeID.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != NodeIDSize*2 {
		return NodeID{}, apperr.New(apperr.Protocol, "invalid node id length")
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, apperr.Wrap(apperr.Protocol, "invalid node id hex", err)
	}

	var id NodeID
	copy(id[:], b)
	return id, nil
}

// NodeIDFromBytes builds a NodeID from exactly NodeIDSize bytes.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != NodeIDSize {
		return NodeID{}, apperr.New(apperr.Protocol, "invalid node id length")
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}
