package nostrkey

import (
	"crypto/sha256"
	"testing"
)

func TestGenerateRoundtripsPrivateBytes(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	kp2, err := FromPrivateBytes(kp.PrivateBytes())
	if err != nil {
		t.Fatalf("FromPrivateBytes: %v", err)
	}
	if kp.PublicHex() != kp2.PublicHex() {
		t.Fatalf("public keys differ after roundtrip")
	}
}

func TestECDHIsSymmetric(t *testing.T) {
	alice, err := Generate()
	if err != nil {
		t.Fatalf("Generate alice: %v", err)
	}
	bob, err := Generate()
	if err != nil {
		t.Fatalf("Generate bob: %v", err)
	}

	aliceShared, err := ECDH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("ECDH alice->bob: %v", err)
	}
	bobShared, err := ECDH(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("ECDH bob->alice: %v", err)
	}
	if aliceShared != bobShared {
		t.Fatalf("ECDH shared secrets differ: %x != %x", aliceShared, bobShared)
	}
}

func TestSignVerifyRoundtrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	hash := sha256.Sum256([]byte("message"))
	sig, err := Sign(kp.PrivateKey, hash)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(kp.PublicKey, hash, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate other: %v", err)
	}
	if err := Verify(other.PublicKey, hash, sig); err == nil {
		t.Fatalf("expected verification against wrong key to fail")
	}
}

func TestParsePublicHexRejectsBadLength(t *testing.T) {
	if _, err := ParsePublicHex("deadbeef"); err == nil {
		t.Fatalf("expected error for short hex")
	}
}
