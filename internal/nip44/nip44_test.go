package nip44

import (
	"testing"

	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
)

func TestDeriveConversationKeySymmetric(t *testing.T) {
	alice, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("Generate alice: %v", err)
	}
	bob, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("Generate bob: %v", err)
	}

	ak, err := DeriveConversationKey(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("derive alice side: %v", err)
	}
	bk, err := DeriveConversationKey(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("derive bob side: %v", err)
	}
	if ak != bk {
		t.Fatalf("conversation keys differ: %x != %x", ak, bk)
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	alice, _ := nostrkey.Generate()
	bob, _ := nostrkey.Generate()
	key, err := DeriveConversationKey(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	payload, err := EncryptString(key, "hello shared secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := DecryptString(key, payload)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "hello shared secret" {
		t.Fatalf("roundtrip mismatch: %q", plaintext)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	alice, _ := nostrkey.Generate()
	bob, _ := nostrkey.Generate()
	eve, _ := nostrkey.Generate()

	key, _ := DeriveConversationKey(alice.PrivateKey, bob.PublicKey)
	wrongKey, _ := DeriveConversationKey(eve.PrivateKey, bob.PublicKey)

	payload, err := EncryptString(key, "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptString(wrongKey, payload); err == nil {
		t.Fatalf("expected decryption with wrong key to fail")
	}
}

func TestSelfConversationKeyMatchesOwnDerivation(t *testing.T) {
	kp, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	k1, err := DeriveSelfConversationKey(kp.PrivateKey, kp.PublicKey)
	if err != nil {
		t.Fatalf("derive self: %v", err)
	}
	k2, err := DeriveSelfConversationKey(kp.PrivateKey, kp.PublicKey)
	if err != nil {
		t.Fatalf("derive self again: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("self conversation key not deterministic")
	}
}
