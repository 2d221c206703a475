// Package feedpost builds outbound DM and FeedPost envelopes: encrypting
// the body, wrapping the content key for every known follower, and
// signing the result once (spec §5).
package feedpost

import (
	"runtime"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
)

// FollowerKey pairs a follower's NodeID with their public key, as needed
// to wrap a FeedPost's content key for them.
type FollowerKey struct {
	NodeID    cryptoid.NodeID
	PublicKey *secp256k1.PublicKey
}

// BuildDM constructs a signed Dm envelope addressed to recipient.
// k = KDF(ecdh(sk_me, pk_peer)); ciphertext = aead_seal(k, nonce,
// "dm/v1|from|to|ts", plaintext) (spec §5).
func BuildDM(sender *cryptoid.Identity, recipient cryptoid.NodeID, recipientPub *secp256k1.PublicKey, plaintext []byte, now time.Time) (*envelope.Envelope, error) {
	key, err := cryptoid.ECDH(sender.PrivateKey, recipientPub)
	if err != nil {
		return nil, err
	}
	defer cryptoid.ZeroKey(&key)

	nonce, err := cryptoid.NewNonce()
	if err != nil {
		return nil, err
	}

	e := &envelope.Envelope{
		Version:     envelope.Version,
		From:        sender.NodeID,
		To:          recipient,
		Type:        envelope.Dm,
		Nonce:       nonce,
		TimestampMs: uint64(now.UnixMilli()),
		AADHint:     []byte("dm/v1"),
	}

	ciphertext, err := cryptoid.AEADSeal(key, nonce, e.AAD(), plaintext)
	if err != nil {
		return nil, err
	}
	e.Payload = ciphertext

	if err := e.Sign(sender); err != nil {
		return nil, err
	}
	return e, nil
}

// BuildOpenRoomMessage constructs a signed RoomMessage envelope for an Open
// room: the body travels in the clear in Payload since an open room derives
// no shared key (spec §3 RoomState).
func BuildOpenRoomMessage(sender *cryptoid.Identity, room string, body []byte, now time.Time) (*envelope.Envelope, error) {
	nonce, err := cryptoid.NewNonce()
	if err != nil {
		return nil, err
	}

	e := &envelope.Envelope{
		Version:     envelope.Version,
		From:        sender.NodeID,
		To:          cryptoid.ZeroNodeID, // broadcast sentinel
		Type:        envelope.RoomMessage,
		Nonce:       nonce,
		TimestampMs: uint64(now.UnixMilli()),
		AADHint:     []byte(room),
		Payload:     body,
	}
	if err := e.Sign(sender); err != nil {
		return nil, err
	}
	return e, nil
}

// BuildSecureRoomMessage constructs a signed RoomMessage envelope for a
// Secure room, sealing body under roomKey (independently derived by every
// participant via cryptoid.DeriveRoomKey, spec §3 RoomState) rather than
// wrapping a per-recipient key: every member already holds the same key, so
// no key_wraps are produced.
func BuildSecureRoomMessage(sender *cryptoid.Identity, room string, roomKey [cryptoid.KeySize]byte, body []byte, now time.Time) (*envelope.Envelope, error) {
	nonce, err := cryptoid.NewNonce()
	if err != nil {
		return nil, err
	}

	e := &envelope.Envelope{
		Version:     envelope.Version,
		From:        sender.NodeID,
		To:          cryptoid.ZeroNodeID, // broadcast sentinel
		Type:        envelope.RoomMessage,
		Nonce:       nonce,
		TimestampMs: uint64(now.UnixMilli()),
		AADHint:     []byte(room),
	}

	ciphertext, err := cryptoid.AEADSeal(roomKey, nonce, e.AAD(), body)
	if err != nil {
		return nil, err
	}
	e.Payload = ciphertext

	if err := e.Sign(sender); err != nil {
		return nil, err
	}
	return e, nil
}

// OpenSecureRoomMessage decrypts a Secure room's RoomMessage envelope with
// the room's independently-derived key.
func OpenSecureRoomMessage(roomKey [cryptoid.KeySize]byte, env *envelope.Envelope) ([]byte, error) {
	return cryptoid.AEADOpen(roomKey, env.Nonce, env.AAD(), env.Payload)
}

// BuildFeedPost constructs a signed FeedPost envelope broadcast to every
// connected follower, with the content key individually wrapped for each
// one. Exactly one envelope is produced regardless of follower count
// (spec §5, property P3); key wrapping runs on a worker pool bounded to
// GOMAXPROCS since it is CPU-bound AEAD work.
func BuildFeedPost(sender *cryptoid.Identity, followers []FollowerKey, body []byte, now time.Time) (*envelope.Envelope, error) {
	contentKey, err := cryptoid.NewContentKey()
	if err != nil {
		return nil, err
	}
	defer cryptoid.ZeroKey(&contentKey)

	bodyNonce, err := cryptoid.NewNonce()
	if err != nil {
		return nil, err
	}

	e := &envelope.Envelope{
		Version:     envelope.Version,
		From:        sender.NodeID,
		To:          cryptoid.ZeroNodeID, // broadcast sentinel
		Type:        envelope.FeedPost,
		Nonce:       bodyNonce,
		TimestampMs: uint64(now.UnixMilli()),
		AADHint:     []byte("feed/v1"),
	}

	ciphertext, err := cryptoid.AEADSeal(contentKey, bodyNonce, e.AAD(), body)
	if err != nil {
		return nil, err
	}
	e.Payload = ciphertext

	wraps, err := wrapContentKey(sender, contentKey, followers)
	if err != nil {
		return nil, err
	}
	e.KeyWraps = wraps

	if err := e.Sign(sender); err != nil {
		return nil, err
	}
	return e, nil
}

// OpenDM decrypts a Dm envelope addressed to recipient, given the sender's
// public key (the inverse of BuildDM).
func OpenDM(recipient *cryptoid.Identity, sender *secp256k1.PublicKey, env *envelope.Envelope) ([]byte, error) {
	key, err := cryptoid.ECDH(recipient.PrivateKey, sender)
	if err != nil {
		return nil, err
	}
	defer cryptoid.ZeroKey(&key)

	return cryptoid.AEADOpen(key, env.Nonce, env.AAD(), env.Payload)
}

// OpenFeedPost decrypts a FeedPost envelope for recipient, given the
// sender's public key: it first finds and unwraps the content key from the
// KeyWrap addressed to recipient, then opens the body under it (the inverse
// of BuildFeedPost). Returns apperr.NotFollowed if recipient holds no wrap
// (they were not yet a follower when the post was built, spec §4.5).
func OpenFeedPost(recipient *cryptoid.Identity, sender *secp256k1.PublicKey, env *envelope.Envelope) ([]byte, error) {
	var wrap *envelope.KeyWrap
	for i := range env.KeyWraps {
		if env.KeyWraps[i].Recipient == recipient.NodeID {
			wrap = &env.KeyWraps[i]
			break
		}
	}
	if wrap == nil {
		return nil, apperr.New(apperr.NotFollowed, "no key wrap addressed to this recipient")
	}

	contentKey, err := UnwrapContentKey(recipient, sender, *wrap)
	if err != nil {
		return nil, err
	}
	defer cryptoid.ZeroKey(&contentKey)

	return cryptoid.AEADOpen(contentKey, env.Nonce, env.AAD(), env.Payload)
}

type wrapResult struct {
	wrap KeyWrapResult
	err  error
}

// KeyWrapResult is exported so callers needing raw wrap bytes (tests,
// alternate envelope assembly) can use wrapContentKey's output directly.
type KeyWrapResult = envelope.KeyWrap

// wrapContentKey wraps contentKey for every follower concurrently, bounded
// to GOMAXPROCS workers since AEAD sealing and ECDH are CPU-bound.
func wrapContentKey(sender *cryptoid.Identity, contentKey [cryptoid.KeySize]byte, followers []FollowerKey) ([]envelope.KeyWrap, error) {
	if len(followers) == 0 {
		return nil, nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(followers) {
		workers = len(followers)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int)
	results := make([]wrapResult, len(followers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = wrapOne(sender, contentKey, followers[idx])
			}
		}()
	}

	for i := range followers {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	wraps := make([]envelope.KeyWrap, 0, len(followers))
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		wraps = append(wraps, r.wrap)
	}
	return wraps, nil
}

func wrapOne(sender *cryptoid.Identity, contentKey [cryptoid.KeySize]byte, follower FollowerKey) wrapResult {
	sharedKey, err := cryptoid.ECDH(sender.PrivateKey, follower.PublicKey)
	if err != nil {
		return wrapResult{err: err}
	}
	defer cryptoid.ZeroKey(&sharedKey)

	nonce, err := cryptoid.NewNonce()
	if err != nil {
		return wrapResult{err: err}
	}

	aad := []byte("wrap/v1|" + sender.NodeID.String() + "|" + follower.NodeID.String())
	wrapped, err := cryptoid.AEADSeal(sharedKey, nonce, aad, contentKey[:])
	if err != nil {
		return wrapResult{err: err}
	}

	// The wrap nonce travels with the wrapped bytes since the envelope
	// carries only one nonce field (used for the body); prefix it here.
	out := make([]byte, cryptoid.NonceSize+len(wrapped))
	copy(out, nonce[:])
	copy(out[cryptoid.NonceSize:], wrapped)

	return wrapResult{wrap: envelope.KeyWrap{Recipient: follower.NodeID, Wrapped: out}}, nil
}

// UnwrapContentKey recovers a FeedPost's content key from the KeyWrap
// addressed to recipient, given the recipient's identity and the sender's
// public key.
func UnwrapContentKey(recipient *cryptoid.Identity, sender *secp256k1.PublicKey, wrap envelope.KeyWrap) ([cryptoid.KeySize]byte, error) {
	var contentKey [cryptoid.KeySize]byte

	if len(wrap.Wrapped) < cryptoid.NonceSize {
		return contentKey, apperr.New(apperr.Protocol, "key wrap too short")
	}
	var nonce [cryptoid.NonceSize]byte
	copy(nonce[:], wrap.Wrapped[:cryptoid.NonceSize])
	ciphertext := wrap.Wrapped[cryptoid.NonceSize:]

	sharedKey, err := cryptoid.ECDH(recipient.PrivateKey, sender)
	if err != nil {
		return contentKey, err
	}
	defer cryptoid.ZeroKey(&sharedKey)

	aad := []byte("wrap/v1|" + cryptoid.NodeIDFromPublicKey(sender).String() + "|" + recipient.NodeID.String())
	plaintext, err := cryptoid.AEADOpen(sharedKey, nonce, aad, ciphertext)
	if err != nil {
		return contentKey, err
	}
	if len(plaintext) != cryptoid.KeySize {
		return contentKey, apperr.New(apperr.Crypto, "unwrapped content key has wrong length")
	}
	copy(contentKey[:], plaintext)
	return contentKey, nil
}
