package group

import (
	"strings"
	"testing"

	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
	"github.com/ardentnet/nostr-ratchet/internal/senderkey"
)

// TestSharedChannelSenderKeyDistributionAndMessageRoundtrip ports
// original_source/.../tests/shared_channel_sender_key_test.rs: a chain key
// is distributed over the group channel, then a message ratcheted under it
// is sent and opened by an independent receiver state seeded from that
// distribution.
func TestSharedChannelSenderKeyDistributionAndMessageRoundtrip(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	channel, err := NewChannel("g1", secret)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	sender, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate sender: %v", err)
	}

	var chainKey [32]byte
	for i := range chainKey {
		chainKey[i] = 7
	}
	dist := senderkey.NewDistribution("g1", 123, chainKey, 0, 1_700_000_000)

	distEvent, err := channel.CreateDistributionEvent(sender, dist, 1_700_000_000)
	if err != nil {
		t.Fatalf("CreateDistributionEvent: %v", err)
	}
	if !channel.IsChannelEvent(distEvent) {
		t.Fatalf("expected distribution event to belong to the channel")
	}

	parsedDist, distSender, err := channel.ParseDistributionEvent(distEvent)
	if err != nil {
		t.Fatalf("ParseDistributionEvent: %v", err)
	}
	if parsedDist.GroupID != "g1" || parsedDist.KeyID != 123 || parsedDist.ChainKey != chainKey {
		t.Fatalf("unexpected parsed distribution: %+v", parsedDist)
	}
	if distSender != sender.PublicKey {
		t.Fatalf("distribution sender mismatch")
	}

	senderState := senderkey.New(parsedDist.KeyID, parsedDist.ChainKey, parsedDist.Iteration)
	receiverState := senderkey.New(parsedDist.KeyID, parsedDist.ChainKey, parsedDist.Iteration)

	msgEvent, err := channel.CreateMessageEvent(sender, senderState, "hello", 1_700_000_001)
	if err != nil {
		t.Fatalf("CreateMessageEvent: %v", err)
	}

	plaintext, msgSender, err := channel.ParseMessageEvent(msgEvent, receiverState)
	if err != nil {
		t.Fatalf("ParseMessageEvent: %v", err)
	}
	if plaintext != "hello" {
		t.Fatalf("expected hello, got %q", plaintext)
	}
	if msgSender != sender.PublicKey {
		t.Fatalf("message sender mismatch")
	}
}

func TestParseMessageEventRejectsEventsFromOtherChannels(t *testing.T) {
	secretA := make([]byte, 32)
	secretB := make([]byte, 32)
	for i := range secretA {
		secretA[i] = byte(i + 1)
		secretB[i] = byte(i + 2)
	}
	channelA, _ := NewChannel("g1", secretA)
	channelB, _ := NewChannel("g1", secretB)

	sender, _ := nostrkey.Generate()
	state := senderkey.New(1, [32]byte{9}, 0)

	event, err := channelA.CreateMessageEvent(sender, state, "hi", 1_700_000_000)
	if err != nil {
		t.Fatalf("CreateMessageEvent: %v", err)
	}
	if _, _, err := channelB.ParseMessageEvent(event, state); err == nil {
		t.Fatalf("expected parsing under a different channel secret to fail")
	}
}

func TestValidateInboundMessageStateRejectsStaleVersions(t *testing.T) {
	state := NewGroupState(Group{ID: "g1"})
	state.Members["alice"] = GroupMember{GroupID: "g1", MemberID: "alice", Role: GroupMemberRoleOwner, Status: GroupMemberStatusActive}
	state.Version = 3
	state.LastKeyVersion = 2

	if reason, err := ValidateInboundMessageState(state, "alice", 3, 2); err != nil {
		t.Fatalf("expected current versions to be accepted, got %v (%s)", err, reason)
	}
	if reason, err := ValidateInboundMessageState(state, "alice", 2, 2); err == nil || reason != InboundReasonMembershipVersionMismatch {
		t.Fatalf("expected membership version mismatch, got reason=%s err=%v", reason, err)
	}
	if reason, err := ValidateInboundMessageState(state, "alice", 3, 1); err == nil || reason != InboundReasonGroupKeyVersionMismatch {
		t.Fatalf("expected key version mismatch, got reason=%s err=%v", reason, err)
	}
	if reason, err := ValidateInboundMessageState(state, "mallory", 3, 2); err == nil || reason != InboundReasonUnauthorizedSender {
		t.Fatalf("expected unauthorized sender, got reason=%s err=%v", reason, err)
	}
}

func TestDistributionEventCarriesGroupAndKeyTags(t *testing.T) {
	channel, _ := NewChannel("g1", make([]byte, 32))
	sender, _ := nostrkey.Generate()
	dist := senderkey.NewDistribution("g1", 7, [32]byte{1}, 0, 1_700_000_000)

	outer, err := channel.CreateDistributionEvent(sender, dist, 1_700_000_000)
	if err != nil {
		t.Fatalf("CreateDistributionEvent: %v", err)
	}
	decrypted, err := channel.unwrap(outer)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	var sawGroup, sawKey bool
	for _, tag := range decrypted.Tags {
		if len(tag) < 2 {
			continue
		}
		if tag[0] == "l" && tag[1] == "g1" {
			sawGroup = true
		}
		if tag[0] == "key" && tag[1] == "7" {
			sawKey = true
		}
	}
	if !sawGroup || !sawKey {
		t.Fatalf("expected l and key tags on the inner event, got %v", decrypted.Tags)
	}
	if !strings.Contains(string(decrypted.Content), "\"groupId\":\"g1\"") {
		t.Fatalf("expected distribution JSON to round-trip the group id, got %s", decrypted.Content)
	}
}
