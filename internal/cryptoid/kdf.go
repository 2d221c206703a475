package cryptoid

import (
	"crypto/rand"
	"io"

	"github.com/agentbook/agentbook/internal/apperr"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters fixed by spec §4.1 so independent nodes derive
// identical keys from the same inputs.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1
)

// SaltSize is the size of the KEK salt stored alongside a sealed keystore.
const SaltSize = 16

// NewSalt generates a fresh random KEK salt.
func NewSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, apperr.Wrap(apperr.Crypto, "generate salt", err)
	}
	return salt, nil
}

// DeriveKEK derives a 32-byte key-encryption-key from a passphrase and salt
// via Argon2id (spec §4.1, §4.3). The KEK seals identity material at rest.
func DeriveKEK(passphrase string, salt [SaltSize]byte) [KeySize]byte {
	var kek [KeySize]byte
	copy(kek[:], argon2.IDKey([]byte(passphrase), salt[:], argonTime, argonMemory, argonThreads, KeySize))
	return kek
}

// DeriveRoomKey derives a secure room's 32-byte content key from a shared
// passphrase using the room name as the Argon2id salt (spec §3 RoomState,
// §4.1). Same passphrase + same room name always yields the same key,
// independently, on every participating node.
func DeriveRoomKey(passphrase, roomName string) [KeySize]byte {
	var key [KeySize]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), []byte(roomName), argonTime, argonMemory, argonThreads, KeySize))
	return key
}
