package onetomany

import (
	"testing"

	"github.com/ardentnet/nostr-ratchet/internal/events"
	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
	"github.com/ardentnet/nostr-ratchet/internal/senderkey"
)

func TestOneToManyOuterPayloadRoundtrip(t *testing.T) {
	senderEventKeys, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate sender event keys: %v", err)
	}

	var chainKey [32]byte
	for i := range chainKey {
		chainKey[i] = 7
	}
	keyID := uint32(123)
	senderState := senderkey.New(keyID, chainKey, 0)
	receiverState := senderkey.New(keyID, chainKey, 0)

	const now = int64(1_700_000_000)
	innerJSON := `{"pubkey":"identity","created_at":1700000000,"kind":14,"tags":[],"content":"hello"}`

	channel := New()
	outer, err := channel.EncryptToOuterEvent(senderEventKeys, senderState, innerJSON, now)
	if err != nil {
		t.Fatalf("EncryptToOuterEvent: %v", err)
	}

	if outer.Kind != events.KindMessage {
		t.Fatalf("unexpected outer kind: %d", outer.Kind)
	}
	if outer.PubKey != senderEventKeys.PublicHex() {
		t.Fatalf("outer event not authored by sender event keys")
	}
	if len(outer.Tags) != 0 {
		t.Fatalf("expected no tags, got %v", outer.Tags)
	}

	parsed, err := channel.ParseOuterContent(outer.Content)
	if err != nil {
		t.Fatalf("ParseOuterContent: %v", err)
	}
	if parsed.KeyID != keyID {
		t.Fatalf("expected key id %d, got %d", keyID, parsed.KeyID)
	}

	plaintext, err := parsed.Decrypt(receiverState)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != innerJSON {
		t.Fatalf("roundtrip mismatch:\nwant %s\ngot  %s", innerJSON, plaintext)
	}
}

func TestParseOuterContentRejectsShortPayload(t *testing.T) {
	channel := New()
	if _, err := channel.ParseOuterContent("QQ=="); err != ErrPayloadTooShort {
		t.Fatalf("expected ErrPayloadTooShort, got %v", err)
	}
}
