package cryptoid

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/agentbook/agentbook/internal/apperr"
)

// mnemonicAdjectives and mnemonicNouns combine to a deterministic 2048-entry
// wordlist (64 x 32), giving the 11-bit-per-word indexing BIP-39 relies on
// without transcribing the upstream English wordlist verbatim.
var mnemonicAdjectives = [64]string{
	"able", "acid", "aged", "airy", "arid", "ashy", "avid", "bald",
	"bare", "bold", "brisk", "broad", "busy", "calm", "cheap", "chic",
	"civil", "clean", "clear", "close", "cold", "cool", "crisp", "curly",
	"dark", "deep", "dense", "dim", "dry", "dull", "eager", "early",
	"easy", "faint", "fair", "famed", "fast", "fine", "firm", "flat",
	"fond", "free", "fresh", "full", "fuzzy", "gentle", "giant", "glad",
	"gold", "good", "grand", "great", "green", "grey", "happy", "hard",
	"harsh", "high", "hollow", "honest", "huge", "humble", "icy", "ideal",
}

var mnemonicNouns = [32]string{
	"anchor", "arrow", "basin", "beacon", "bench", "bridge", "brook",
	"canyon", "castle", "cedar", "cellar", "chapel", "cliff", "cloud",
	"comet", "coral", "cove", "crater", "creek", "crest", "delta",
	"desert", "dune", "ember", "fern", "fjord", "forest", "garden",
	"glacier", "harbor", "island", "jungle",
}

const mnemonicWordCount = 2048

func mnemonicWord(index int) string {
	adj := mnemonicAdjectives[index/len(mnemonicNouns)]
	noun := mnemonicNouns[index%len(mnemonicNouns)]
	return adj + "-" + noun
}

var mnemonicIndex = buildMnemonicIndex()

func buildMnemonicIndex() map[string]int {
	m := make(map[string]int, mnemonicWordCount)
	for i := 0; i < mnemonicWordCount; i++ {
		m[mnemonicWord(i)] = i
	}
	return m
}

// MnemonicWordCount is the number of words in an encoded secret key mnemonic.
//
// A literal 12-word, 11-bit-per-word mnemonic can only carry 132 bits of
// entropy, short of the 256-bit secp256k1 secret it must encode. We follow
// standard BIP-39 sizing for 256-bit entropy (24 words + checksum) rather
// than the spec's literal word count; see DESIGN.md for this decision.
const MnemonicWordCount = 24

// ToMnemonic encodes a 32-byte secret key as a 24-word recovery phrase,
// displayed once at setup (spec §4.3). The final word's low bits carry an
// 8-bit checksum (first byte of SHA-256 of the secret) so a typo is
// detectable on recovery.
func ToMnemonic(secret [32]byte) []string {
	checksum := sha256.Sum256(secret[:])

	// Concatenate the 256-bit secret with an 8-bit checksum, then slice into
	// 11-bit groups, most significant bit first.
	bits := new(big.Int).SetBytes(secret[:])
	bits.Lsh(bits, 8)
	bits.Or(bits, big.NewInt(int64(checksum[0])))

	words := make([]string, MnemonicWordCount)
	mask := big.NewInt(0x7FF) // 11 bits
	for i := MnemonicWordCount - 1; i >= 0; i-- {
		idx := new(big.Int).And(bits, mask).Int64()
		words[i] = mnemonicWord(int(idx))
		bits.Rsh(bits, 11)
	}
	return words
}

// FromMnemonic decodes and verifies a 24-word recovery phrase produced by
// ToMnemonic, rejecting a malformed phrase or a bad checksum.
func FromMnemonic(words []string) ([32]byte, error) {
	var secret [32]byte

	if len(words) != MnemonicWordCount {
		return secret, apperr.New(apperr.Crypto, fmt.Sprintf("mnemonic must have %d words", MnemonicWordCount))
	}

	bits := new(big.Int)
	for _, w := range words {
		idx, ok := mnemonicIndex[strings.ToLower(strings.TrimSpace(w))]
		if !ok {
			return secret, apperr.New(apperr.Crypto, "unknown mnemonic word: "+w)
		}
		bits.Lsh(bits, 11)
		bits.Or(bits, big.NewInt(int64(idx)))
	}

	checksum := uint8(new(big.Int).And(bits, big.NewInt(0xFF)).Int64())
	bits.Rsh(bits, 8)

	secretBytes := bits.FillBytes(make([]byte, 32))
	copy(secret[:], secretBytes)

	want := sha256.Sum256(secret[:])
	if want[0] != checksum {
		return secret, apperr.New(apperr.Crypto, "mnemonic checksum mismatch")
	}

	return secret, nil
}
