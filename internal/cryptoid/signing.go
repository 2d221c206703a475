package cryptoid

import (
	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureSize is the size of a recoverable ECDSA signature: r(32) || s(32) || v(1).
const SignatureSize = 65

// Sign produces a 65-byte recoverable ECDSA signature over message using
// the node's secp256k1 private key (spec §4.1). message must already be a
// 32-byte digest; callers hash with Keccak256 first.
func Sign(sk *secp256k1.PrivateKey, digest []byte) ([SignatureSize]byte, error) {
	var sig [SignatureSize]byte
	raw, err := ethcrypto.Sign(digest, sk.ToECDSA())
	if err != nil {
		return sig, apperr.Wrap(apperr.Crypto, "sign", err)
	}
	copy(sig[:], raw)
	return sig, nil
}

// Verify recovers the public key from sig over digest and checks that the
// NodeID derived from the recovered key equals claimedNodeID. This is the
// anti-spoofing check required by spec §4.1: a syntactically valid
// signature from the wrong key must still be rejected.
func Verify(digest []byte, sig [SignatureSize]byte, claimedNodeID NodeID) (*secp256k1.PublicKey, error) {
	recovered, err := ethcrypto.SigToPub(digest, sig[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.SignatureInvalid, "recover public key", err)
	}

	pub, err := secp256k1.ParsePubKey(ethcrypto.CompressPubkey(recovered))
	if err != nil {
		return nil, apperr.Wrap(apperr.SignatureInvalid, "parse recovered key", err)
	}

	if NodeIDFromPublicKey(pub) != claimedNodeID {
		return nil, apperr.New(apperr.IdentityMismatch, "recovered node id does not match claimed sender")
	}

	return pub, nil
}

// Keccak256 hashes data with Keccak-256, the digest function used throughout
// signing and NodeID derivation.
func Keccak256(data ...[]byte) []byte {
	return ethcrypto.Keccak256(data...)
}

// ParsePublicKey parses a SEC1-encoded secp256k1 public key (compressed or
// uncompressed), as stored in the relay's username directory and the
// session table (spec §4.6).
func ParsePublicKey(raw []byte) (*secp256k1.PublicKey, error) {
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.Crypto, "parse public key", err)
	}
	return pub, nil
}
