// Package sharedchannel implements a self-encrypted broadcast channel: a
// NIP-44 conversation key a single secret shares with itself, letting anyone
// holding that secret publish events only holders of the same secret can
// read. It underlies one-to-many distribution such as sender-key fan-out,
// grounded on original_source/.../shared_channel.rs.
package sharedchannel

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ardentnet/nostr-ratchet/internal/events"
	"github.com/ardentnet/nostr-ratchet/internal/nip44"
	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
)

var (
	ErrNotChannelEvent = errors.New("sharedchannel: event does not belong to this channel")
	ErrInvalidContent  = errors.New("sharedchannel: malformed event content")
)

// Channel is a shared NIP-44-encrypted broadcast surface derived from a
// 32-byte secret: every holder of the secret can publish (signing under the
// channel's own keypair) and read (via the self-derived conversation key).
// The inner content is always rumor JSON identifying the real author.
type Channel struct {
	keyPair         nostrkey.KeyPair
	conversationKey nip44.ConversationKey
}

// New derives a Channel from a 32-byte secret. Every caller who derives a
// Channel from the same secret shares the same public key and conversation
// key, so any of them can publish events the others can read.
func New(secret []byte) (*Channel, error) {
	kp, err := nostrkey.FromPrivateBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("sharedchannel: %w", err)
	}
	convKey, err := nip44.DeriveSelfConversationKey(kp.PrivateKey, kp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("sharedchannel: %w", err)
	}
	return &Channel{keyPair: kp, conversationKey: convKey}, nil
}

// PublicKey returns the channel's public key: the same for every holder of
// the underlying secret.
func (c *Channel) PublicKey() [32]byte {
	return c.keyPair.PublicKey
}

// CreateEvent encrypts rumorJSON and returns a signed outer event of kind
// KindSharedChannel, tagged with the rumor's own pubkey so readers can filter
// by author without decrypting first.
func (c *Channel) CreateEvent(rumorJSON string) (*nostr.Event, error) {
	sealed, err := nip44.EncryptString(c.conversationKey, rumorJSON)
	if err != nil {
		return nil, fmt.Errorf("sharedchannel: encrypt: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(sealed)

	var rumor events.Rumor
	rumorPubKey := ""
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err == nil {
		rumorPubKey = rumor.PubKey
	}

	tags := nostr.Tags{{"d", rumorPubKey}}
	createdAt := int64(0)
	if rumor.CreatedAt != 0 {
		createdAt = rumor.CreatedAt
	}

	r := events.Rumor{
		PubKey:    c.keyPair.PublicHex(),
		CreatedAt: createdAt,
		Kind:      events.KindSharedChannel,
		Tags:      tags,
		Content:   encoded,
	}
	id, err := events.ComputeID(r)
	if err != nil {
		return nil, fmt.Errorf("sharedchannel: %w", err)
	}
	var idBytes [32]byte
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("sharedchannel: %w: malformed id", ErrInvalidContent)
	}
	copy(idBytes[:], raw)

	sig, err := nostrkey.Sign(c.keyPair.PrivateKey, idBytes)
	if err != nil {
		return nil, fmt.Errorf("sharedchannel: %w", err)
	}

	return &nostr.Event{
		ID:        id,
		PubKey:    r.PubKey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      events.KindSharedChannel,
		Tags:      tags,
		Content:   encoded,
		Sig:       hex.EncodeToString(sig[:]),
	}, nil
}

// DecryptEvent decrypts an outer channel event and returns the inner rumor
// JSON string.
func (c *Channel) DecryptEvent(event *nostr.Event) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(event.Content)
	if err != nil {
		return "", fmt.Errorf("sharedchannel: %w: %v", ErrInvalidContent, err)
	}
	plaintext, err := nip44.Decrypt(c.conversationKey, raw)
	if err != nil {
		return "", fmt.Errorf("sharedchannel: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsChannelEvent reports whether event was published under this channel's
// public key at the channel's kind.
func (c *Channel) IsChannelEvent(event *nostr.Event) bool {
	return event.PubKey == c.keyPair.PublicHex() && event.Kind == events.KindSharedChannel
}
