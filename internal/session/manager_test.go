package session

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ardentnet/nostr-ratchet/internal/appkeys"
	"github.com/ardentnet/nostr-ratchet/internal/events"
	"github.com/ardentnet/nostr-ratchet/internal/invite"
	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
	"github.com/ardentnet/nostr-ratchet/internal/ratchet"
	"github.com/ardentnet/nostr-ratchet/internal/storage"
)

func recvSigned(t *testing.T, ch <-chan Event, wantKind int) *nostr.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-ch:
			if event.Kind == EventPublishSigned && event.Signed.Kind == wantKind {
				return event.Signed
			}
		case <-deadline:
			t.Fatalf("timed out waiting for signed event of kind %d", wantKind)
		}
	}
}

func recvDecrypted(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-ch:
			if event.Kind == EventDecryptedMessage {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a decrypted message")
		}
	}
}

func drain(ch <-chan Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestMultiDeviceSelfFanout(t *testing.T) {
	ownerKeys, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate owner: %v", err)
	}
	device1Keys, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate device1: %v", err)
	}
	device2Keys, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate device2: %v", err)
	}
	device1ID := hex.EncodeToString(device1Keys.PublicKey[:])
	device2ID := hex.EncodeToString(device2Keys.PublicKey[:])

	invite1, err := invite.CreateNew(device1Keys.PublicKey, device1ID, nil, 1_700_000_000)
	if err != nil {
		t.Fatalf("create invite1: %v", err)
	}
	invite2, err := invite.CreateNew(device2Keys.PublicKey, device2ID, nil, 1_700_000_000)
	if err != nil {
		t.Fatalf("create invite2: %v", err)
	}

	ch1 := make(chan Event, 64)
	ch2 := make(chan Event, 64)

	manager1, err := New(device1Keys.PrivateBytes(), device1ID, ownerKeys.PublicKey, ch1, storage.NewMemory(), invite1)
	if err != nil {
		t.Fatalf("new manager1: %v", err)
	}
	manager2, err := New(device2Keys.PrivateBytes(), device2ID, ownerKeys.PublicKey, ch2, storage.NewMemory(), invite2)
	if err != nil {
		t.Fatalf("new manager2: %v", err)
	}

	if err := manager1.Init(1_700_000_001); err != nil {
		t.Fatalf("init manager1: %v", err)
	}
	if err := manager2.Init(1_700_000_001); err != nil {
		t.Fatalf("init manager2: %v", err)
	}
	drain(ch1)
	drain(ch2)

	dir := appkeys.New([]appkeys.DeviceEntry{
		{IdentityPubKey: device1Keys.PublicKey, CreatedAt: 1},
		{IdentityPubKey: device2Keys.PublicKey, CreatedAt: 2},
	})
	appKeysRumor := dir.GetEvent(ownerKeys.PublicHex(), 1_700_000_002)
	appKeysEvent, err := signRumor(ownerKeys, appKeysRumor)
	if err != nil {
		t.Fatalf("sign app-keys event: %v", err)
	}

	if err := manager1.ProcessReceivedEvent(appKeysEvent, 1_700_000_003); err != nil {
		t.Fatalf("manager1 process app-keys: %v", err)
	}
	if err := manager2.ProcessReceivedEvent(appKeysEvent, 1_700_000_003); err != nil {
		t.Fatalf("manager2 process app-keys: %v", err)
	}

	inviteRumor, err := invite1.ToEvent(1_700_000_000)
	if err != nil {
		t.Fatalf("invite1 ToEvent: %v", err)
	}
	inviteEvent, err := signRumor(device1Keys, inviteRumor)
	if err != nil {
		t.Fatalf("sign invite event: %v", err)
	}
	if err := manager2.ProcessReceivedEvent(inviteEvent, 1_700_000_004); err != nil {
		t.Fatalf("manager2 accept invite: %v", err)
	}

	responseEvent := recvSigned(t, ch2, events.KindInviteResponse)
	if err := manager1.ProcessReceivedEvent(responseEvent, 1_700_000_005); err != nil {
		t.Fatalf("manager1 process invite response: %v", err)
	}

	if _, err := manager2.SendText(ownerKeys.PublicKey, "ping", 1_700_000_006); err != nil {
		t.Fatalf("manager2 send ping: %v", err)
	}
	pingEvent := recvSigned(t, ch2, events.KindMessage)
	if err := manager1.ProcessReceivedEvent(pingEvent, 1_700_000_007); err != nil {
		t.Fatalf("manager1 process ping: %v", err)
	}

	if _, err := manager1.SendText(ownerKeys.PublicKey, "hello", 1_700_000_008); err != nil {
		t.Fatalf("manager1 send hello: %v", err)
	}
	messageEvent := recvSigned(t, ch1, events.KindMessage)
	if err := manager2.ProcessReceivedEvent(messageEvent, 1_700_000_009); err != nil {
		t.Fatalf("manager2 process hello: %v", err)
	}

	decrypted := recvDecrypted(t, ch2)
	if decrypted.Content == "" {
		t.Fatalf("expected non-empty decrypted content")
	}
	if got := decrypted.Content; !containsJSONContent(got, "hello") {
		t.Fatalf("expected decrypted content to contain hello, got %s", got)
	}
}

func TestSendTextWithExpirationTagPropagatesToReceiver(t *testing.T) {
	ownerKeys, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate owner: %v", err)
	}
	device1Keys, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate device1: %v", err)
	}
	device2Keys, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate device2: %v", err)
	}
	device1ID := hex.EncodeToString(device1Keys.PublicKey[:])
	device2ID := hex.EncodeToString(device2Keys.PublicKey[:])

	invite1, err := invite.CreateNew(device1Keys.PublicKey, device1ID, nil, 1_700_000_000)
	if err != nil {
		t.Fatalf("create invite1: %v", err)
	}
	invite2, err := invite.CreateNew(device2Keys.PublicKey, device2ID, nil, 1_700_000_000)
	if err != nil {
		t.Fatalf("create invite2: %v", err)
	}

	ch1 := make(chan Event, 64)
	ch2 := make(chan Event, 64)

	manager1, err := New(device1Keys.PrivateBytes(), device1ID, ownerKeys.PublicKey, ch1, storage.NewMemory(), invite1)
	if err != nil {
		t.Fatalf("new manager1: %v", err)
	}
	manager2, err := New(device2Keys.PrivateBytes(), device2ID, ownerKeys.PublicKey, ch2, storage.NewMemory(), invite2)
	if err != nil {
		t.Fatalf("new manager2: %v", err)
	}
	if err := manager1.Init(1_700_000_001); err != nil {
		t.Fatalf("init manager1: %v", err)
	}
	if err := manager2.Init(1_700_000_001); err != nil {
		t.Fatalf("init manager2: %v", err)
	}
	drain(ch1)
	drain(ch2)

	dir := appkeys.New([]appkeys.DeviceEntry{
		{IdentityPubKey: device1Keys.PublicKey, CreatedAt: 1},
		{IdentityPubKey: device2Keys.PublicKey, CreatedAt: 2},
	})
	appKeysRumor := dir.GetEvent(ownerKeys.PublicHex(), 1_700_000_002)
	appKeysEvent, err := signRumor(ownerKeys, appKeysRumor)
	if err != nil {
		t.Fatalf("sign app-keys event: %v", err)
	}
	if err := manager1.ProcessReceivedEvent(appKeysEvent, 1_700_000_003); err != nil {
		t.Fatalf("manager1 process app-keys: %v", err)
	}
	if err := manager2.ProcessReceivedEvent(appKeysEvent, 1_700_000_003); err != nil {
		t.Fatalf("manager2 process app-keys: %v", err)
	}

	inviteRumor, err := invite1.ToEvent(1_700_000_000)
	if err != nil {
		t.Fatalf("invite1 ToEvent: %v", err)
	}
	inviteEvent, err := signRumor(device1Keys, inviteRumor)
	if err != nil {
		t.Fatalf("sign invite event: %v", err)
	}
	if err := manager2.ProcessReceivedEvent(inviteEvent, 1_700_000_004); err != nil {
		t.Fatalf("manager2 accept invite: %v", err)
	}
	responseEvent := recvSigned(t, ch2, events.KindInviteResponse)
	if err := manager1.ProcessReceivedEvent(responseEvent, 1_700_000_005); err != nil {
		t.Fatalf("manager1 process invite response: %v", err)
	}

	if _, err := manager2.SendText(ownerKeys.PublicKey, "ping", 1_700_000_006); err != nil {
		t.Fatalf("manager2 send ping: %v", err)
	}
	pingEvent := recvSigned(t, ch2, events.KindMessage)
	if err := manager1.ProcessReceivedEvent(pingEvent, 1_700_000_007); err != nil {
		t.Fatalf("manager1 process ping: %v", err)
	}

	expiresAt := int64(1_700_000_000)
	manager1.SetPeerSendOptions(ownerKeys.PublicKey, &ratchet.SendOptions{ExpiresAt: &expiresAt})
	if _, err := manager1.SendText(ownerKeys.PublicKey, "hello", 1_700_000_008); err != nil {
		t.Fatalf("manager1 send hello: %v", err)
	}
	messageEvent := recvSigned(t, ch1, events.KindMessage)
	if err := manager2.ProcessReceivedEvent(messageEvent, 1_700_000_009); err != nil {
		t.Fatalf("manager2 process hello: %v", err)
	}

	decrypted := recvDecrypted(t, ch2)
	if !containsJSONContent(decrypted.Content, events.ExpirationTag) {
		t.Fatalf("expected decrypted rumor to carry an expiration tag, got %s", decrypted.Content)
	}
}

func containsJSONContent(raw, needle string) bool {
	for i := 0; i+len(needle) <= len(raw); i++ {
		if raw[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
