// Package onetomany implements compact one-to-many publishing on top of a
// senderkey.State: the outer Nostr event is authored under a
// sender-controlled keypair (typically a per-group sender identity), and its
// content is a compact binary payload — big-endian key id, big-endian
// message number, then the sender-key ciphertext bytes — rather than a JSON
// envelope, since every recipient already knows the scheme. Grounded on
// original_source/.../one_to_many.rs.
package onetomany

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ardentnet/nostr-ratchet/internal/events"
	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
	"github.com/ardentnet/nostr-ratchet/internal/senderkey"
)

var ErrPayloadTooShort = errors.New("onetomany: payload too short")

// Channel publishes and parses one-to-many outer events at a single Nostr
// event kind, defaulting to events.KindMessage.
type Channel struct {
	outerKind int
}

// New returns a Channel publishing at events.KindMessage, the kind used by
// 1:1 ratchet traffic too — a group subscriber simply can't decrypt an event
// that isn't addressed to a sender-key it holds.
func New() *Channel {
	return &Channel{outerKind: events.KindMessage}
}

// NewWithKind returns a Channel publishing at a caller-chosen outer kind.
func NewWithKind(kind int) *Channel {
	return &Channel{outerKind: kind}
}

// OuterKind returns the Nostr event kind this channel publishes under.
func (c *Channel) OuterKind() int {
	return c.outerKind
}

// Message is outer content parsed back into its three fields.
type Message struct {
	KeyID         uint32
	MessageNumber uint32
	Ciphertext    []byte
}

// Decrypt opens the message against the sender-key state tracking this
// sender, advancing or consuming its skip cache as needed.
func (m Message) Decrypt(state *senderkey.State) (string, error) {
	return state.DecryptBytes(m.MessageNumber, m.Ciphertext)
}

// BuildOuterContent packs (keyID, messageNumber, ciphertext) into the
// compact binary layout and base64-encodes it for the outer event's content
// field.
func (c *Channel) BuildOuterContent(keyID, messageNumber uint32, ciphertext []byte) string {
	payload := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint32(payload[0:4], keyID)
	binary.BigEndian.PutUint32(payload[4:8], messageNumber)
	copy(payload[8:], ciphertext)
	return base64.StdEncoding.EncodeToString(payload)
}

// ParseOuterContent reverses BuildOuterContent.
func (c *Channel) ParseOuterContent(content string) (Message, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return Message{}, fmt.Errorf("onetomany: %w: %v", ErrPayloadTooShort, err)
	}
	if len(raw) < 8 {
		return Message{}, ErrPayloadTooShort
	}
	return Message{
		KeyID:         binary.BigEndian.Uint32(raw[0:4]),
		MessageNumber: binary.BigEndian.Uint32(raw[4:8]),
		Ciphertext:    append([]byte(nil), raw[8:]...),
	}, nil
}

// EncryptToOuterEvent seals innerPlaintext with senderKey, packs the compact
// payload, and returns a signed outer event authored by senderEventKeys.
func (c *Channel) EncryptToOuterEvent(senderEventKeys nostrkey.KeyPair, senderKey *senderkey.State, innerPlaintext string, createdAt int64) (*nostr.Event, error) {
	n, ciphertext, err := senderKey.EncryptBytes(innerPlaintext)
	if err != nil {
		return nil, fmt.Errorf("onetomany: %w", err)
	}
	content := c.BuildOuterContent(senderKey.KeyID, n, ciphertext)

	r := events.Rumor{
		PubKey:    senderEventKeys.PublicHex(),
		CreatedAt: createdAt,
		Kind:      c.outerKind,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	id, err := events.ComputeID(r)
	if err != nil {
		return nil, fmt.Errorf("onetomany: %w", err)
	}
	idBytes, err := hexDecode32(id)
	if err != nil {
		return nil, err
	}
	sig, err := nostrkey.Sign(senderEventKeys.PrivateKey, idBytes)
	if err != nil {
		return nil, fmt.Errorf("onetomany: %w", err)
	}

	return &nostr.Event{
		ID:        id,
		PubKey:    r.PubKey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      c.outerKind,
		Tags:      nostr.Tags{},
		Content:   content,
		Sig:       hex.EncodeToString(sig[:]),
	}, nil
}

func hexDecode32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("onetomany: malformed event id")
	}
	copy(out[:], b)
	return out, nil
}
