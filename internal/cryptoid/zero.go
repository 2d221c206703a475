package cryptoid

// ZeroBytes overwrites b with zeros, for clearing decrypted secrets and
// passphrase-derived keys from memory as soon as they are no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key array with zeros.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// ZeroSecret overwrites a raw 32-byte secret key with zeros.
func ZeroSecret(s *[32]byte) {
	for i := range s {
		s[i] = 0
	}
}

// ZeroMnemonic replaces every word of a decoded mnemonic with the empty
// string before letting it go out of scope. Go strings are immutable, so the
// bytes of the original words are not overwritten.
func ZeroMnemonic(words []string) {
	for i := range words {
		words[i] = ""
	}
}
