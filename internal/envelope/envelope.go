// Package envelope implements the canonical wire format every message
// crossing a relay is packaged in: a fixed-field-order, length-prefixed
// structure that is signed once over everything but the signature itself.
package envelope

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
)

// MessageType identifies what an Envelope's payload carries.
type MessageType uint8

const (
	Dm MessageType = iota + 1
	FeedPost
	RoomMessage
	Ack
	Control
)

func (t MessageType) String() string {
	switch t {
	case Dm:
		return "Dm"
	case FeedPost:
		return "FeedPost"
	case RoomMessage:
		return "RoomMessage"
	case Ack:
		return "Ack"
	case Control:
		return "Control"
	default:
		return fmt.Sprintf("MessageType(%d)", t)
	}
}

// Version is the current wire format version.
const Version uint8 = 1

// MaxEnvelopeSize is the largest encoded envelope a relay will accept
// (spec §6.1). Larger frames are rejected with apperr.PayloadTooLarge.
const MaxEnvelopeSize = 256 * 1024

// KeyWrap is one recipient's wrapped copy of a FeedPost's content key.
type KeyWrap struct {
	Recipient cryptoid.NodeID
	Wrapped   []byte
}

// Envelope is the canonical message container exchanged between nodes and
// relays (spec §3, §6.1). Field order below is the wire order; Signature
// is always last and covers every other field via CanonicalBytes.
type Envelope struct {
	Version     uint8
	From        cryptoid.NodeID
	To          cryptoid.NodeID // ZeroNodeID means broadcast
	Type        MessageType
	Nonce       [cryptoid.NonceSize]byte
	TimestampMs uint64
	Payload     []byte
	KeyWraps    []KeyWrap
	AADHint     []byte
	Signature   [cryptoid.SignatureSize]byte
}

// IsBroadcast reports whether To is the zero-filled broadcast sentinel.
func (e *Envelope) IsBroadcast() bool {
	return e.To == cryptoid.ZeroNodeID
}

// AAD builds the associated data bound into the envelope's AEAD ciphertext:
// aad_hint|hex(from)|hex(to)|dec(timestamp_ms) (spec §6.1).
func (e *Envelope) AAD() []byte {
	return []byte(string(e.AADHint) + "|" + e.From.String() + "|" + e.To.String() + "|" + strconv.FormatUint(e.TimestampMs, 10))
}

// sortedKeyWraps returns KeyWraps sorted ascending by recipient NodeID, the
// canonical order required before signing and encoding (spec §6.1).
func sortedKeyWraps(wraps []KeyWrap) []KeyWrap {
	out := make([]KeyWrap, len(wraps))
	copy(out, wraps)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Recipient.Less(out[j].Recipient)
	})
	return out
}

// CanonicalBytes serializes every field except Signature, in wire order,
// for signing and signature verification.
func (e *Envelope) CanonicalBytes() []byte {
	wraps := sortedKeyWraps(e.KeyWraps)

	size := 1 + cryptoid.NodeIDSize*2 + 1 + cryptoid.NonceSize + 8 + 4 + len(e.Payload) + 2
	for _, w := range wraps {
		size += cryptoid.NodeIDSize + 2 + len(w.Wrapped)
	}
	size += 2 + len(e.AADHint)

	buf := make([]byte, size)
	offset := 0

	buf[offset] = e.Version
	offset++

	copy(buf[offset:], e.From[:])
	offset += cryptoid.NodeIDSize

	copy(buf[offset:], e.To[:])
	offset += cryptoid.NodeIDSize

	buf[offset] = uint8(e.Type)
	offset++

	copy(buf[offset:], e.Nonce[:])
	offset += cryptoid.NonceSize

	binary.BigEndian.PutUint64(buf[offset:], e.TimestampMs)
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(e.Payload)))
	offset += 4
	copy(buf[offset:], e.Payload)
	offset += len(e.Payload)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(wraps)))
	offset += 2
	for _, w := range wraps {
		copy(buf[offset:], w.Recipient[:])
		offset += cryptoid.NodeIDSize
		binary.BigEndian.PutUint16(buf[offset:], uint16(len(w.Wrapped)))
		offset += 2
		copy(buf[offset:], w.Wrapped)
		offset += len(w.Wrapped)
	}

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(e.AADHint)))
	offset += 2
	copy(buf[offset:], e.AADHint)
	offset += len(e.AADHint)

	return buf[:offset]
}

// Sign canonicalizes and signs the envelope with id's private key, setting
// Signature and normalizing KeyWraps to canonical (sorted) order. Callers
// must set e.From to id.NodeID before calling Sign.
func (e *Envelope) Sign(id *cryptoid.Identity) error {
	e.KeyWraps = sortedKeyWraps(e.KeyWraps)
	digest := cryptoid.Keccak256(e.CanonicalBytes())
	sig, err := cryptoid.Sign(id.PrivateKey, digest)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// Verify recovers the signer's public key from Signature and checks that
// the recovered NodeID equals e.From (spec §4.1 anti-spoofing check).
func (e *Envelope) Verify() (*cryptoid.NodeID, error) {
	nodeID, _, err := e.VerifyRecoverKey()
	if err != nil {
		return nil, err
	}
	return nodeID, nil
}

// VerifyRecoverKey is Verify plus the recovered secp256k1 public key
// itself: a recoverable-signature verification already computes it, so
// callers that need it for ECDH (DM/FeedPost decryption) don't have to
// maintain their own cache of peer public keys just to decrypt traffic
// their own ingress pipeline already authenticated.
func (e *Envelope) VerifyRecoverKey() (*cryptoid.NodeID, *secp256k1.PublicKey, error) {
	digest := cryptoid.Keccak256(e.CanonicalBytes())
	pub, err := cryptoid.Verify(digest, e.Signature, e.From)
	if err != nil {
		return nil, nil, err
	}
	nodeID := cryptoid.NodeIDFromPublicKey(pub)
	return &nodeID, pub, nil
}

// Encode serializes the full envelope, including Signature, in wire order.
// It does not apply length-prefixed framing; use WriteFrame for that.
func (e *Envelope) Encode() ([]byte, error) {
	body := e.CanonicalBytes()
	out := make([]byte, len(body)+cryptoid.SignatureSize)
	copy(out, body)
	copy(out[len(body):], e.Signature[:])
	if len(out) > MaxEnvelopeSize {
		return nil, apperr.New(apperr.PayloadTooLarge, "encoded envelope exceeds maximum size")
	}
	return out, nil
}

// Decode parses a byte slice produced by Encode back into an Envelope. It
// does not verify the signature; call Verify separately.
func Decode(buf []byte) (*Envelope, error) {
	if len(buf) > MaxEnvelopeSize {
		return nil, apperr.New(apperr.PayloadTooLarge, "envelope exceeds maximum size")
	}

	e := &Envelope{}
	offset := 0

	if err := need(buf, offset, 1); err != nil {
		return nil, err
	}
	e.Version = buf[offset]
	offset++

	if err := need(buf, offset, cryptoid.NodeIDSize); err != nil {
		return nil, err
	}
	copy(e.From[:], buf[offset:])
	offset += cryptoid.NodeIDSize

	if err := need(buf, offset, cryptoid.NodeIDSize); err != nil {
		return nil, err
	}
	copy(e.To[:], buf[offset:])
	offset += cryptoid.NodeIDSize

	if err := need(buf, offset, 1); err != nil {
		return nil, err
	}
	e.Type = MessageType(buf[offset])
	offset++

	if err := need(buf, offset, cryptoid.NonceSize); err != nil {
		return nil, err
	}
	copy(e.Nonce[:], buf[offset:])
	offset += cryptoid.NonceSize

	if err := need(buf, offset, 8); err != nil {
		return nil, err
	}
	e.TimestampMs = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	if err := need(buf, offset, 4); err != nil {
		return nil, err
	}
	payloadLen := binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	if err := need(buf, offset, int(payloadLen)); err != nil {
		return nil, err
	}
	e.Payload = append([]byte(nil), buf[offset:offset+int(payloadLen)]...)
	offset += int(payloadLen)

	if err := need(buf, offset, 2); err != nil {
		return nil, err
	}
	wrapCount := binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	e.KeyWraps = make([]KeyWrap, 0, wrapCount)
	var prev *cryptoid.NodeID
	for i := 0; i < int(wrapCount); i++ {
		if err := need(buf, offset, cryptoid.NodeIDSize); err != nil {
			return nil, err
		}
		var recipient cryptoid.NodeID
		copy(recipient[:], buf[offset:])
		offset += cryptoid.NodeIDSize

		if prev != nil && !prev.Less(recipient) {
			return nil, apperr.New(apperr.Protocol, "key wraps not in canonical order")
		}
		prevCopy := recipient
		prev = &prevCopy

		if err := need(buf, offset, 2); err != nil {
			return nil, err
		}
		wrapLen := binary.BigEndian.Uint16(buf[offset:])
		offset += 2

		if err := need(buf, offset, int(wrapLen)); err != nil {
			return nil, err
		}
		wrapped := append([]byte(nil), buf[offset:offset+int(wrapLen)]...)
		offset += int(wrapLen)

		e.KeyWraps = append(e.KeyWraps, KeyWrap{Recipient: recipient, Wrapped: wrapped})
	}

	if err := need(buf, offset, 2); err != nil {
		return nil, err
	}
	aadLen := binary.BigEndian.Uint16(buf[offset:])
	offset += 2
	if err := need(buf, offset, int(aadLen)); err != nil {
		return nil, err
	}
	e.AADHint = append([]byte(nil), buf[offset:offset+int(aadLen)]...)
	offset += int(aadLen)

	if err := need(buf, offset, cryptoid.SignatureSize); err != nil {
		return nil, err
	}
	copy(e.Signature[:], buf[offset:])
	offset += cryptoid.SignatureSize

	if offset != len(buf) {
		return nil, apperr.New(apperr.Protocol, "trailing bytes after envelope")
	}

	return e, nil
}

func need(buf []byte, offset, n int) error {
	if n < 0 || offset+n > len(buf) || offset+n < offset {
		return apperr.New(apperr.Protocol, "envelope truncated")
	}
	return nil
}
