package sharedchannel

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ardentnet/nostr-ratchet/internal/events"
	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
)

func testSecret() []byte {
	b := make([]byte, 32)
	b[0] = 1
	b[31] = 0xff
	return b
}

func makeRumorJSON(t *testing.T, pubkey, content string) string {
	t.Helper()
	raw, err := json.Marshal(events.Rumor{
		ID:        "abc123",
		PubKey:    pubkey,
		CreatedAt: 1700000000,
		Kind:      10445,
		Tags:      nostr.Tags{},
		Content:   content,
	})
	if err != nil {
		t.Fatalf("marshal rumor: %v", err)
	}
	return string(raw)
}

func TestNewChannelFromSecret(t *testing.T) {
	channel, err := New(testSecret())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	kp, err := nostrkey.FromPrivateBytes(testSecret())
	if err != nil {
		t.Fatalf("FromPrivateBytes: %v", err)
	}
	if channel.PublicKey() != kp.PublicKey {
		t.Fatalf("channel public key does not match derived keypair")
	}
}

func TestCreateEventReturnsSharedChannelKind(t *testing.T) {
	channel, err := New(testSecret())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	event, err := channel.CreateEvent(makeRumorJSON(t, "deadbeef", "hello"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if event.Kind != events.KindSharedChannel {
		t.Fatalf("unexpected kind: %d", event.Kind)
	}
}

func TestCreateEventSignedByChannelKey(t *testing.T) {
	channel, err := New(testSecret())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	event, err := channel.CreateEvent(makeRumorJSON(t, "deadbeef", "hello"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if event.PubKey != channel.keyPair.PublicHex() {
		t.Fatalf("event not signed by channel key")
	}
}

func TestCreateEventHasDTagWithRumorPubkey(t *testing.T) {
	channel, err := New(testSecret())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	event, err := channel.CreateEvent(makeRumorJSON(t, "deadbeef", "hello"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	var dValue string
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			dValue = tag[1]
		}
	}
	if dValue != "deadbeef" {
		t.Fatalf("expected d tag %q, got %q", "deadbeef", dValue)
	}
}

func TestRoundtripCreateDecrypt(t *testing.T) {
	channel, err := New(testSecret())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rumor := makeRumorJSON(t, "deadbeef", "hello world")
	event, err := channel.CreateEvent(rumor)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	decrypted, err := channel.DecryptEvent(event)
	if err != nil {
		t.Fatalf("DecryptEvent: %v", err)
	}
	if decrypted != rumor {
		t.Fatalf("roundtrip mismatch:\nwant %s\ngot  %s", rumor, decrypted)
	}
}

func TestCrossDecryptSameSecret(t *testing.T) {
	channel1, err := New(testSecret())
	if err != nil {
		t.Fatalf("New channel1: %v", err)
	}
	channel2, err := New(testSecret())
	if err != nil {
		t.Fatalf("New channel2: %v", err)
	}

	rumor := makeRumorJSON(t, "aabbcc", "cross-channel test")
	event, err := channel1.CreateEvent(rumor)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	decrypted, err := channel2.DecryptEvent(event)
	if err != nil {
		t.Fatalf("DecryptEvent: %v", err)
	}
	if decrypted != rumor {
		t.Fatalf("cross-channel roundtrip mismatch")
	}
}

func TestDifferentSecretCannotDecrypt(t *testing.T) {
	secret1 := testSecret()
	secret2 := testSecret()
	secret2[0] = 2

	channel1, err := New(secret1)
	if err != nil {
		t.Fatalf("New channel1: %v", err)
	}
	channel2, err := New(secret2)
	if err != nil {
		t.Fatalf("New channel2: %v", err)
	}

	event, err := channel1.CreateEvent(makeRumorJSON(t, "aabbcc", "private"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if _, err := channel2.DecryptEvent(event); err == nil {
		t.Fatalf("expected decrypt with different secret to fail")
	}
}

func TestIsChannelEventTrueForOwnEvents(t *testing.T) {
	channel, err := New(testSecret())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	event, err := channel.CreateEvent(makeRumorJSON(t, "aabbcc", "test"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if !channel.IsChannelEvent(event) {
		t.Fatalf("expected own event to be recognized")
	}
}

func TestIsChannelEventFalseForWrongPubkey(t *testing.T) {
	channel, err := New(testSecret())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	other, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	event := &nostr.Event{PubKey: other.PublicHex(), Kind: events.KindSharedChannel}
	if channel.IsChannelEvent(event) {
		t.Fatalf("expected event with different pubkey to be rejected")
	}
}

func TestIsChannelEventFalseForWrongKind(t *testing.T) {
	channel, err := New(testSecret())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	event := &nostr.Event{PubKey: channel.keyPair.PublicHex(), Kind: 1}
	if channel.IsChannelEvent(event) {
		t.Fatalf("expected event with different kind to be rejected")
	}
}

func TestChannelFromRandomSecret(t *testing.T) {
	kp, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	channel, err := New(kp.PrivateBytes())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rumor := makeRumorJSON(t, "test", "random secret test")
	event, err := channel.CreateEvent(rumor)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	decrypted, err := channel.DecryptEvent(event)
	if err != nil {
		t.Fatalf("DecryptEvent: %v", err)
	}
	if decrypted != rumor {
		t.Fatalf("roundtrip mismatch with random secret")
	}
}
