package cryptoid

import (
	"crypto/rand"
	"io"

	"github.com/agentbook/agentbook/internal/apperr"
	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the size of an XChaCha20-Poly1305 nonce (spec §3 Envelope.nonce).
const NonceSize = chacha20poly1305.NonceSizeX

// KeySize is the size of a symmetric AEAD key.
const KeySize = chacha20poly1305.KeySize

// TagSize is the size of the Poly1305 authentication tag.
const TagSize = chacha20poly1305.Overhead

// NewNonce returns a fresh cryptographically random 24-byte nonce.
func NewNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, apperr.Wrap(apperr.Crypto, "generate nonce", err)
	}
	return nonce, nil
}

// NewContentKey returns a fresh cryptographically random symmetric key, as
// used for a FeedPost's per-post content key (spec §5).
func NewContentKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, apperr.Wrap(apperr.Crypto, "generate content key", err)
	}
	return key, nil
}

// AEADSeal encrypts plaintext with XChaCha20-Poly1305 under key, binding aad.
// The caller supplies the nonce (the envelope's nonce field, spec §3/§6.1).
func AEADSeal(key [KeySize]byte, nonce [NonceSize]byte, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.Crypto, "create aead", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// AEADOpen decrypts ciphertext produced by AEADSeal. Authentication failure
// surfaces as apperr.Crypto, never leaking whether the key or the tag was
// the cause.
func AEADOpen(key [KeySize]byte, nonce [NonceSize]byte, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.Crypto, "create aead", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, apperr.Wrap(apperr.Crypto, "decrypt", err)
	}
	return plaintext, nil
}
