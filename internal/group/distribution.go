package group

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ardentnet/nostr-ratchet/internal/events"
	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
	"github.com/ardentnet/nostr-ratchet/internal/senderkey"
	"github.com/ardentnet/nostr-ratchet/internal/sharedchannel"
)

var (
	ErrNotGroupEvent          = errors.New("group: event does not belong to this group's channel")
	ErrGroupSignatureMismatch = errors.New("group: inner event failed signature verification")
	ErrGroupVersionMismatch   = errors.New("group: membership or key version does not match local state")
)

// InboundRejectReason names why ValidateInboundMessageState rejected a
// group message before decryption was even attempted.
type InboundRejectReason string

const (
	InboundReasonUnauthorizedSender        InboundRejectReason = "unauthorized_sender"
	InboundReasonMembershipVersionMismatch InboundRejectReason = "membership_version_mismatch"
	InboundReasonGroupKeyVersionMismatch   InboundRejectReason = "group_key_version_mismatch"
)

// ValidateInboundMessageState checks a group message's claimed membership
// and key versions against local state before the caller bothers decrypting
// it — an out-of-date sender is rejected cheaply rather than producing a
// cryptographic decrypt failure. Grounded on the teacher's
// internal/domains/group/policy/inbound_state_policy.go.
func ValidateInboundMessageState(state GroupState, senderID string, membershipVersion uint64, groupKeyVersion uint32) (InboundRejectReason, error) {
	member, ok := state.Members[senderID]
	if !ok || member.Status != GroupMemberStatusActive {
		return InboundReasonUnauthorizedSender, ErrGroupPermissionDenied
	}
	if membershipVersion != state.Version {
		return InboundReasonMembershipVersionMismatch, ErrGroupVersionMismatch
	}
	if groupKeyVersion != state.LastKeyVersion {
		return InboundReasonGroupKeyVersionMismatch, ErrGroupVersionMismatch
	}
	return "", nil
}

// Channel is a group's broadcast surface: a sharedchannel.Channel derived
// from the group's own secret wraps every inner event (both key
// distributions and chat messages) so only holders of that secret can even
// see that traffic exists, let alone read it. Grounded on
// original_source/.../tests/shared_channel_sender_key_test.rs.
type Channel struct {
	groupID string
	inner   *sharedchannel.Channel
}

// NewChannel derives a group's Channel from its shared secret.
func NewChannel(groupID string, secret []byte) (*Channel, error) {
	inner, err := sharedchannel.New(secret)
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	return &Channel{groupID: groupID, inner: inner}, nil
}

// PublicKey is the channel's outer signing key, identical for every member
// who derives a Channel from the same secret.
func (c *Channel) PublicKey() [32]byte {
	return c.inner.PublicKey()
}

// IsChannelEvent reports whether outer was published under this group's
// channel key.
func (c *Channel) IsChannelEvent(outer *nostr.Event) bool {
	return c.inner.IsChannelEvent(outer)
}

// CreateDistributionEvent seals and publishes dist — a fresh (or rotated)
// sender-key chain key — to the group, signed by the distributing member's
// own identity so recipients can attribute it.
func (c *Channel) CreateDistributionEvent(identity nostrkey.KeyPair, dist senderkey.Distribution, now int64) (*nostr.Event, error) {
	content, err := json.Marshal(dist)
	if err != nil {
		return nil, fmt.Errorf("group: marshal distribution: %w", err)
	}
	inner, err := buildSignedEvent(identity, events.KindGroupKeyDistribution, nostr.Tags{
		{"l", c.groupID},
		{"key", strconv.FormatUint(uint64(dist.KeyID), 10)},
	}, string(content), now)
	if err != nil {
		return nil, err
	}
	return c.wrap(inner)
}

// ParseDistributionEvent verifies and decrypts a key-distribution event,
// returning the distributed chain key and the identity that published it.
func (c *Channel) ParseDistributionEvent(outer *nostr.Event) (senderkey.Distribution, [32]byte, error) {
	inner, err := c.unwrap(outer)
	if err != nil {
		return senderkey.Distribution{}, [32]byte{}, err
	}
	if inner.Kind != events.KindGroupKeyDistribution {
		return senderkey.Distribution{}, [32]byte{}, ErrNotGroupEvent
	}
	var dist senderkey.Distribution
	if err := json.Unmarshal([]byte(inner.Content), &dist); err != nil {
		return senderkey.Distribution{}, [32]byte{}, fmt.Errorf("group: unmarshal distribution: %w", err)
	}
	sender, err := hexTo32(inner.PubKey)
	if err != nil {
		return senderkey.Distribution{}, [32]byte{}, fmt.Errorf("group: %w", err)
	}
	return dist, sender, nil
}

// CreateMessageEvent ratchets state forward by one step, seals plaintext
// under the resulting message key, and publishes it to the group channel
// tagged with the chain's key id and the message's position in it.
func (c *Channel) CreateMessageEvent(identity nostrkey.KeyPair, state *senderkey.State, plaintext string, now int64) (*nostr.Event, error) {
	n, ciphertext, err := state.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	inner, err := buildSignedEvent(identity, events.KindGroupMessage, nostr.Tags{
		{"l", c.groupID},
		{"key", strconv.FormatUint(uint64(state.KeyID), 10)},
		{"n", strconv.FormatUint(uint64(n), 10)},
	}, ciphertext, now)
	if err != nil {
		return nil, err
	}
	return c.wrap(inner)
}

// ParseMessageEvent verifies, decrypts, and opens a group chat message
// against state, returning the plaintext and the identity that sent it.
func (c *Channel) ParseMessageEvent(outer *nostr.Event, state *senderkey.State) (string, [32]byte, error) {
	inner, err := c.unwrap(outer)
	if err != nil {
		return "", [32]byte{}, err
	}
	if inner.Kind != events.KindGroupMessage {
		return "", [32]byte{}, ErrNotGroupEvent
	}
	n, err := tagUint32(inner.Tags, "n")
	if err != nil {
		return "", [32]byte{}, fmt.Errorf("group: %w", err)
	}
	plaintext, err := state.Decrypt(n, inner.Content)
	if err != nil {
		return "", [32]byte{}, fmt.Errorf("group: %w", err)
	}
	sender, err := hexTo32(inner.PubKey)
	if err != nil {
		return "", [32]byte{}, fmt.Errorf("group: %w", err)
	}
	return plaintext, sender, nil
}

func (c *Channel) wrap(inner *nostr.Event) (*nostr.Event, error) {
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("group: marshal inner event: %w", err)
	}
	outer, err := c.inner.CreateEvent(string(raw))
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	return outer, nil
}

func (c *Channel) unwrap(outer *nostr.Event) (*nostr.Event, error) {
	if !c.inner.IsChannelEvent(outer) {
		return nil, ErrNotGroupEvent
	}
	decrypted, err := c.inner.DecryptEvent(outer)
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	var inner nostr.Event
	if err := json.Unmarshal([]byte(decrypted), &inner); err != nil {
		return nil, fmt.Errorf("group: unmarshal inner event: %w", err)
	}
	ok, err := inner.CheckSignature()
	if err != nil || !ok {
		return nil, ErrGroupSignatureMismatch
	}
	belongs := false
	for _, tag := range inner.Tags {
		if len(tag) >= 2 && tag[0] == "l" && tag[1] == c.groupID {
			belongs = true
			break
		}
	}
	if !belongs {
		return nil, ErrNotGroupEvent
	}
	return &inner, nil
}

func tagUint32(tags nostr.Tags, name string) (uint32, error) {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			n, err := strconv.ParseUint(tag[1], 10, 32)
			if err != nil {
				return 0, fmt.Errorf("malformed %q tag: %w", name, err)
			}
			return uint32(n), nil
		}
	}
	return 0, fmt.Errorf("missing %q tag", name)
}

func buildSignedEvent(kp nostrkey.KeyPair, kind int, tags nostr.Tags, content string, createdAt int64) (*nostr.Event, error) {
	r := events.Rumor{
		PubKey:    kp.PublicHex(),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	id, err := events.ComputeID(r)
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	idBytes, err := hexTo32(id)
	if err != nil {
		return nil, err
	}
	sig, err := nostrkey.Sign(kp.PrivateKey, idBytes)
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	return &nostr.Event{
		ID:        id,
		PubKey:    r.PubKey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       hex.EncodeToString(sig[:]),
	}, nil
}

func hexTo32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("expected 32-byte hex, got %q", s)
	}
	copy(out[:], b)
	return out, nil
}
