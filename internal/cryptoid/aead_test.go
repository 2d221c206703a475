package cryptoid

import (
	"bytes"
	"testing"

	"github.com/agentbook/agentbook/internal/apperr"
)

func TestAEADRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce() error = %v", err)
	}

	plaintext := []byte("hello agentbook")
	aad := []byte("dm/v1|from|to|123")

	ciphertext, err := AEADSeal(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("AEADSeal() error = %v", err)
	}

	got, err := AEADOpen(key, nonce, aad, ciphertext)
	if err != nil {
		t.Fatalf("AEADOpen() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestAEADTamperedCiphertextRejected(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	nonce, _ := NewNonce()

	ciphertext, err := AEADSeal(key, nonce, []byte("aad"), []byte("plaintext"))
	if err != nil {
		t.Fatalf("AEADSeal() error = %v", err)
	}
	ciphertext[0] ^= 0xFF

	if _, err := AEADOpen(key, nonce, []byte("aad"), ciphertext); apperr.CodeOf(err) != apperr.Crypto {
		t.Errorf("expected apperr.Crypto, got %v", err)
	}
}

func TestAEADWrongAADRejected(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	nonce, _ := NewNonce()

	ciphertext, err := AEADSeal(key, nonce, []byte("aad-a"), []byte("plaintext"))
	if err != nil {
		t.Fatalf("AEADSeal() error = %v", err)
	}

	if _, err := AEADOpen(key, nonce, []byte("aad-b"), ciphertext); apperr.CodeOf(err) != apperr.Crypto {
		t.Errorf("expected apperr.Crypto, got %v", err)
	}
}
