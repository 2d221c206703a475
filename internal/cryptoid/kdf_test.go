package cryptoid

import "testing"

func TestDeriveKEKDeterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error = %v", err)
	}

	a := DeriveKEK("correct horse battery staple", salt)
	b := DeriveKEK("correct horse battery staple", salt)
	if a != b {
		t.Error("DeriveKEK not deterministic for identical inputs")
	}

	other, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error = %v", err)
	}
	c := DeriveKEK("correct horse battery staple", other)
	if a == c {
		t.Error("DeriveKEK produced the same key for two different salts")
	}
}

func TestDeriveRoomKeyAgreesAcrossNodes(t *testing.T) {
	a := DeriveRoomKey("shared passphrase", "general")
	b := DeriveRoomKey("shared passphrase", "general")
	if a != b {
		t.Error("DeriveRoomKey disagreed for identical passphrase and room name")
	}

	c := DeriveRoomKey("shared passphrase", "off-topic")
	if a == c {
		t.Error("DeriveRoomKey produced the same key for two different room names")
	}

	d := DeriveRoomKey("different passphrase", "general")
	if a == d {
		t.Error("DeriveRoomKey produced the same key for two different passphrases")
	}
}
