package cryptoid

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"io"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// ecdhInfo is the HKDF context string for ECDH-derived symmetric keys
// (spec §4.1).
const ecdhInfo = "agentbook/ecdh/v1"

// Identity is a node's long-lived secp256k1 keypair and its derived NodeID.
type Identity struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
	NodeID     NodeID
}

// GenerateIdentity creates a fresh secp256k1 identity.
func GenerateIdentity() (*Identity, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.Crypto, "generate private key", err)
	}
	return identityFromPrivateKey(sk)
}

// IdentityFromSecret rebuilds an Identity from a raw 32-byte secret, as used
// when loading a keystore or decoding a mnemonic.
func IdentityFromSecret(secret [32]byte) (*Identity, error) {
	sk := secp256k1.PrivKeyFromBytes(secret[:])
	return identityFromPrivateKey(sk)
}

func identityFromPrivateKey(sk *secp256k1.PrivateKey) (*Identity, error) {
	pub := sk.PubKey()
	nodeID := NodeIDFromPublicKey(pub)
	return &Identity{PrivateKey: sk, PublicKey: pub, NodeID: nodeID}, nil
}

// NodeIDFromPublicKey derives the 20-byte NodeID from an uncompressed
// secp256k1 public key: keccak256(pubkey.X || pubkey.Y)[12:] (spec §3).
func NodeIDFromPublicKey(pub *secp256k1.PublicKey) NodeID {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X(32) || Y(32)
	hash := ethcrypto.Keccak256(uncompressed[1:])
	var id NodeID
	copy(id[:], hash[len(hash)-NodeIDSize:])
	return id
}

// Secret returns the raw 32-byte secret key, for mnemonic encoding.
func (id *Identity) Secret() [32]byte {
	var out [32]byte
	b := id.PrivateKey.Serialize()
	copy(out[:], b)
	return out
}

// ECDH performs secp256k1 Diffie-Hellman between our private key and a
// peer's public key, feeding the resulting X-coordinate through
// HKDF-SHA256 with the fixed context string "agentbook/ecdh/v1" (spec §4.1).
func ECDH(sk *secp256k1.PrivateKey, peerPub *secp256k1.PublicKey) ([32]byte, error) {
	var shared [32]byte

	ecdsaPriv := sk.ToECDSA()
	ecdsaPeer := peerPub.ToECDSA()

	curve := ethcrypto.S256()
	x, y := curve.ScalarMult(ecdsaPeer.X, ecdsaPeer.Y, ecdsaPriv.D.Bytes())
	if x.Sign() == 0 && y.Sign() == 0 {
		return shared, apperr.New(apperr.Crypto, "invalid ECDH result: point at infinity")
	}

	xBytes := make([]byte, 32)
	x.FillBytes(xBytes)

	reader := hkdf.New(sha256.New, xBytes, nil, []byte(ecdhInfo))
	if _, err := io.ReadFull(reader, shared[:]); err != nil {
		return shared, apperr.Wrap(apperr.Crypto, "hkdf derive", err)
	}
	return shared, nil
}

// EcdsaPublicKey returns the standard library representation of the public key.
func (id *Identity) EcdsaPublicKey() *ecdsa.PublicKey {
	return id.PublicKey.ToECDSA()
}
