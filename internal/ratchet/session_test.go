package ratchet

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
)

func initPair(t *testing.T) (alice, bob *Session) {
	t.Helper()
	aliceKP, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate alice key: %v", err)
	}
	bobKP, err := nostrkey.Generate()
	if err != nil {
		t.Fatalf("generate bob key: %v", err)
	}
	var sharedSecret [32]byte
	copy(sharedSecret[:], []byte("a pre-shared secret from invite"))

	alice, err = Init(bobKP.PublicKey, aliceKP.PrivateBytes(), true, sharedSecret, "alice->bob")
	if err != nil {
		t.Fatalf("Init alice: %v", err)
	}
	bob, err = Init(aliceKP.PublicKey, bobKP.PrivateBytes(), false, sharedSecret, "bob->alice")
	if err != nil {
		t.Fatalf("Init bob: %v", err)
	}
	return alice, bob
}

func TestBasicConversationBothDirections(t *testing.T) {
	alice, bob := initPair(t)

	event, err := alice.Send("hello bob", 1000, SendOptions{})
	if err != nil {
		t.Fatalf("alice send: %v", err)
	}
	rumor, err := bob.Receive(event, 1001)
	if err != nil {
		t.Fatalf("bob receive: %v", err)
	}
	if rumor.Content != "hello bob" {
		t.Fatalf("unexpected content: %q", rumor.Content)
	}

	reply, err := bob.Send("hello alice", 1002, SendOptions{})
	if err != nil {
		t.Fatalf("bob send: %v", err)
	}
	rumor2, err := alice.Receive(reply, 1003)
	if err != nil {
		t.Fatalf("alice receive: %v", err)
	}
	if rumor2.Content != "hello alice" {
		t.Fatalf("unexpected content: %q", rumor2.Content)
	}
}

func TestMultiMessageBackAndForthRatchetsEveryReply(t *testing.T) {
	alice, bob := initPair(t)

	var lastAliceDH, lastBobDH [32]byte
	for i := 0; i < 5; i++ {
		ev, err := alice.Send("ping", int64(2000+i*2), SendOptions{})
		if err != nil {
			t.Fatalf("round %d alice send: %v", i, err)
		}
		if _, err := bob.Receive(ev, int64(2000+i*2+1)); err != nil {
			t.Fatalf("round %d bob receive: %v", i, err)
		}

		reply, err := bob.Send("pong", int64(2000+i*2+1), SendOptions{})
		if err != nil {
			t.Fatalf("round %d bob send: %v", i, err)
		}
		if _, err := alice.Receive(reply, int64(2000+i*2+2)); err != nil {
			t.Fatalf("round %d alice receive: %v", i, err)
		}

		aliceDH := alice.state.OurPublicKey
		bobDH := bob.state.OurPublicKey
		if i > 0 && aliceDH == lastAliceDH {
			t.Fatalf("round %d: alice's ratchet public key did not change", i)
		}
		if i > 0 && bobDH == lastBobDH {
			t.Fatalf("round %d: bob's ratchet public key did not change", i)
		}
		lastAliceDH, lastBobDH = aliceDH, bobDH
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob := initPair(t)

	ev1, err := alice.Send("one", 3000, SendOptions{})
	if err != nil {
		t.Fatalf("send 1: %v", err)
	}
	ev2, err := alice.Send("two", 3001, SendOptions{})
	if err != nil {
		t.Fatalf("send 2: %v", err)
	}
	ev3, err := alice.Send("three", 3002, SendOptions{})
	if err != nil {
		t.Fatalf("send 3: %v", err)
	}

	r3, err := bob.Receive(ev3, 3010)
	if err != nil {
		t.Fatalf("receive 3: %v", err)
	}
	if r3.Content != "three" {
		t.Fatalf("unexpected content for msg 3: %q", r3.Content)
	}

	r1, err := bob.Receive(ev1, 3011)
	if err != nil {
		t.Fatalf("receive 1: %v", err)
	}
	if r1.Content != "one" {
		t.Fatalf("unexpected content for msg 1: %q", r1.Content)
	}

	r2, err := bob.Receive(ev2, 3012)
	if err != nil {
		t.Fatalf("receive 2: %v", err)
	}
	if r2.Content != "two" {
		t.Fatalf("unexpected content for msg 2: %q", r2.Content)
	}
}

func TestConsecutiveMessagesFromSameSender(t *testing.T) {
	alice, bob := initPair(t)

	for i, want := range []string{"a", "b", "c"} {
		ev, err := alice.Send(want, int64(4000+i), SendOptions{})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		rumor, err := bob.Receive(ev, int64(4000+i))
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if rumor.Content != want {
			t.Fatalf("message %d: got %q, want %q", i, rumor.Content, want)
		}
	}
}

func TestSerializeRestoreContinuesConversation(t *testing.T) {
	alice, bob := initPair(t)

	ev, err := alice.Send("before restore", 5000, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := bob.Receive(ev, 5001); err != nil {
		t.Fatalf("receive: %v", err)
	}

	raw, err := json.Marshal(bob.State())
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	var restored State
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	bobRestored := New(restored, bob.Name)

	reply, err := bobRestored.Send("after restore", 5002, SendOptions{})
	if err != nil {
		t.Fatalf("restored send: %v", err)
	}
	rumor, err := alice.Receive(reply, 5003)
	if err != nil {
		t.Fatalf("alice receive after restore: %v", err)
	}
	if rumor.Content != "after restore" {
		t.Fatalf("unexpected content: %q", rumor.Content)
	}
}

func TestReceiveRejectsTooManySkippedMessages(t *testing.T) {
	alice, bob := initPair(t)

	seed, err := alice.Send("seed", 6000, SendOptions{})
	if err != nil {
		t.Fatalf("seed send: %v", err)
	}
	if _, err := bob.Receive(seed, 6000); err != nil {
		t.Fatalf("seed receive: %v", err)
	}

	var last *nostr.Event
	for i := 0; i < 1005; i++ {
		ev, err := alice.Send("x", int64(6001+i), SendOptions{})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		last = ev
	}

	if _, err := bob.Receive(last, 7000); err != ErrTooManySkippedMessages {
		t.Fatalf("expected ErrTooManySkippedMessages, got %v", err)
	}
}
