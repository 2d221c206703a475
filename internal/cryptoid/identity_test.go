package cryptoid

import "testing"

func TestGenerateIdentityStable(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	if id.NodeID.IsZero() {
		t.Fatal("generated identity has zero node id")
	}

	again := NodeIDFromPublicKey(id.PublicKey)
	if again != id.NodeID {
		t.Errorf("NodeID derivation not stable: %s != %s", again, id.NodeID)
	}

	rebuilt, err := IdentityFromSecret(id.Secret())
	if err != nil {
		t.Fatalf("IdentityFromSecret() error = %v", err)
	}
	if rebuilt.NodeID != id.NodeID {
		t.Errorf("rebuilt identity has different node id: %s != %s", rebuilt.NodeID, id.NodeID)
	}
}

func TestGenerateIdentityUnique(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	if a.NodeID == b.NodeID {
		t.Error("two generated identities produced the same node id")
	}
}

func TestECDHAgreement(t *testing.T) {
	alice, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	bob, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	aliceShared, err := ECDH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("alice ECDH() error = %v", err)
	}
	bobShared, err := ECDH(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("bob ECDH() error = %v", err)
	}

	if aliceShared != bobShared {
		t.Error("ECDH shared secrets disagree")
	}
}

func TestECDHDistinctPeers(t *testing.T) {
	alice, _ := GenerateIdentity()
	bob, _ := GenerateIdentity()
	carol, _ := GenerateIdentity()

	withBob, err := ECDH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("ECDH() error = %v", err)
	}
	withCarol, err := ECDH(alice.PrivateKey, carol.PublicKey)
	if err != nil {
		t.Fatalf("ECDH() error = %v", err)
	}

	if withBob == withCarol {
		t.Error("ECDH produced the same shared secret for two different peers")
	}
}
