// Package keystore persists a node's identity under a passphrase-derived
// key, and enforces the cooldown required of repeated bad passphrase
// attempts.
package keystore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
)

const (
	dirName       = "agentbook"
	fileName      = "identity.keystore"
	dirMode       = 0700
	fileMode      = 0600
	maxAttempts   = 3
	cooldownWin   = 60 * time.Second
	sealedAEADTag = "identity/v1"
)

// sealedFile is the on-disk representation written to identity.keystore.
type sealedFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // hex, cryptoid.SaltSize bytes
	Nonce      string `json:"nonce"`      // hex, cryptoid.NonceSize bytes
	Ciphertext string `json:"ciphertext"` // hex
}

// Store manages the sealed identity file at dir/identity.keystore and the
// in-memory bad-passphrase attempt tracker guarding it.
type Store struct {
	dir string

	mu       sync.Mutex
	attempts int
	lockedAt time.Time
}

// New returns a Store rooted at dir (typically $XDG_STATE_HOME/agentbook).
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the full path to the sealed identity file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, fileName)
}

// Exists reports whether a sealed identity file is already present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Save seals id under a KEK derived from passphrase and atomically writes
// it to the keystore file. The containing directory is created with mode
// 0700 if it does not already exist (spec §6.3).
func (s *Store) Save(id *cryptoid.Identity, passphrase string) error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return apperr.Wrap(apperr.Storage, "create state directory", err)
	}

	salt, err := cryptoid.NewSalt()
	if err != nil {
		return err
	}
	kek := cryptoid.DeriveKEK(passphrase, salt)
	defer cryptoid.ZeroKey(&kek)

	secret := id.Secret()
	defer cryptoid.ZeroSecret(&secret)

	nonce, err := cryptoid.NewNonce()
	if err != nil {
		return err
	}

	ciphertext, err := cryptoid.AEADSeal(kek, nonce, []byte(sealedAEADTag), secret[:])
	if err != nil {
		return err
	}

	payload := sealedFile{
		Version:    1,
		Salt:       hexEncode(salt[:]),
		Nonce:      hexEncode(nonce[:]),
		Ciphertext: hexEncode(ciphertext),
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Storage, "marshal keystore", err)
	}

	return atomicWrite(s.Path(), raw)
}

// Load reads the sealed identity file and unseals it with passphrase.
// A wrong passphrase counts against the 3-attempts-per-60s cooldown: once
// tripped, Load returns apperr.Unauthorized immediately without touching
// the file, even if the next passphrase offered would have been correct.
func (s *Store) Load(passphrase string) (*cryptoid.Identity, error) {
	if locked, remaining := s.cooldownActive(); locked {
		return nil, apperr.New(apperr.Unauthorized, fmt.Sprintf("too many failed attempts, retry in %s", remaining))
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Wrap(apperr.NotFound, "no identity keystore", err)
		}
		return nil, apperr.Wrap(apperr.Storage, "read keystore", err)
	}

	var payload sealedFile
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "parse keystore", err)
	}

	salt, err := hexDecode16(payload.Salt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "decode salt", err)
	}
	nonce, err := hexDecode24(payload.Nonce)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "decode nonce", err)
	}
	ciphertext, err := hexDecode(payload.Ciphertext)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "decode ciphertext", err)
	}

	kek := cryptoid.DeriveKEK(passphrase, salt)
	defer cryptoid.ZeroKey(&kek)

	plaintext, err := cryptoid.AEADOpen(kek, nonce, []byte(sealedAEADTag), ciphertext)
	if err != nil {
		s.recordFailure()
		return nil, apperr.New(apperr.Unauthorized, "wrong passphrase")
	}
	defer cryptoid.ZeroBytes(plaintext)

	s.recordSuccess()

	if len(plaintext) != 32 {
		return nil, apperr.New(apperr.Storage, "decrypted secret has wrong length")
	}
	var secret [32]byte
	copy(secret[:], plaintext)
	defer cryptoid.ZeroSecret(&secret)

	return cryptoid.IdentityFromSecret(secret)
}

func (s *Store) cooldownActive() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempts < maxAttempts {
		return false, 0
	}
	elapsed := time.Since(s.lockedAt)
	if elapsed >= cooldownWin {
		s.attempts = 0
		return false, 0
	}
	return true, cooldownWin - elapsed
}

func (s *Store) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.attempts == 0 || now.Sub(s.lockedAt) > cooldownWin {
		// Start a fresh 60s counting window at the first failure.
		s.attempts = 0
		s.lockedAt = now
	}
	s.attempts++
	if s.attempts >= maxAttempts {
		s.lockedAt = now
	}
}

func (s *Store) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return apperr.Wrap(apperr.Storage, "write keystore", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.Storage, "persist keystore", err)
	}
	return nil
}

var errHexLen = errors.New("unexpected hex length")

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

func hexDecode16(s string) ([16]byte, error) {
	var out [16]byte
	b, err := hexDecode(s)
	if err != nil || len(b) != 16 {
		return out, errHexLen
	}
	copy(out[:], b)
	return out, nil
}

func hexDecode24(s string) ([24]byte, error) {
	var out [24]byte
	b, err := hexDecode(s)
	if err != nil || len(b) != 24 {
		return out, errHexLen
	}
	copy(out[:], b)
	return out, nil
}
