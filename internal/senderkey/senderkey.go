// Package senderkey implements the group sender-key symmetric ratchet: one
// forward-secret chain per (group, sender) broadcasting to every member over
// a shared channel, with its own skip-ahead bounds since group traffic has a
// different volume profile than a 1:1 session. Grounded on
// original_source/.../sender_key.rs.
package senderkey

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/ardentnet/nostr-ratchet/internal/kdfutil"
	"github.com/ardentnet/nostr-ratchet/internal/nip44"
)

// MaxSkip bounds how far ahead of our own iteration a sender's message
// number may be before we refuse to derive-and-cache the gap. Separate from
// the 1:1 ratchet's MaxSkip: group chats can legitimately run at higher
// volume.
const MaxSkip = 10_000

// MaxStoredSkippedKeys bounds total cached skipped keys per state, to limit
// memory growth from a sender that skips ahead repeatedly without the
// receiver ever catching up.
const MaxStoredSkippedKeys = 2_000

const kdfSalt = "ndr-sender-key-v1"

var (
	ErrTooManySkippedMessages = errors.New("senderkey: too many skipped messages")
	ErrMissingSkippedKey      = errors.New("senderkey: missing skipped message key")
	ErrInvalidCiphertext      = errors.New("senderkey: invalid ciphertext")
)

// Distribution is the message a group member publishes (over a
// sharedchannel) to hand every other member the chain key needed to decrypt
// its future broadcasts.
type Distribution struct {
	GroupID   string   `json:"groupId"`
	KeyID     uint32   `json:"keyId"`
	ChainKey  [32]byte `json:"chainKey"`
	Iteration uint32   `json:"iteration"`
	CreatedAt int64    `json:"createdAt"`
}

// NewDistribution packages a chain key at a given iteration for
// distribution to the rest of a group.
func NewDistribution(groupID string, keyID uint32, chainKey [32]byte, iteration uint32, createdAt int64) Distribution {
	return Distribution{GroupID: groupID, KeyID: keyID, ChainKey: chainKey, Iteration: iteration, CreatedAt: createdAt}
}

// State is one sender's ratchet as seen by a single receiver: the chain key
// at the receiver's current position, plus any message keys skipped ahead of
// it so out-of-order group messages can still be decrypted. Every field is
// exported so a State can be persisted per (group, sender) and restored.
type State struct {
	KeyID              uint32              `json:"keyId"`
	ChainKey           [32]byte            `json:"chainKey"`
	Iteration          uint32              `json:"iteration"`
	SkippedMessageKeys map[uint32][32]byte `json:"skippedMessageKeys,omitempty"`
}

// New starts a State at the given iteration, typically from a Distribution
// just received.
func New(keyID uint32, chainKey [32]byte, iteration uint32) *State {
	return &State{KeyID: keyID, ChainKey: chainKey, Iteration: iteration, SkippedMessageKeys: map[uint32][32]byte{}}
}

// SkippedLen reports how many message keys are currently cached for
// out-of-order delivery.
func (s *State) SkippedLen() int { return len(s.SkippedMessageKeys) }

// Encrypt advances the chain by one step and seals plaintext under the
// message key so derived, returning the message's number (for the header)
// and its base64-encoded ciphertext.
func (s *State) Encrypt(plaintext string) (uint32, string, error) {
	n, raw, err := s.EncryptBytes(plaintext)
	if err != nil {
		return 0, "", err
	}
	return n, base64.StdEncoding.EncodeToString(raw), nil
}

// EncryptBytes is Encrypt without the base64 encoding step, for callers
// (such as the one-to-many compact wire codec) that embed the raw
// ciphertext inside a larger binary payload.
func (s *State) EncryptBytes(plaintext string) (uint32, []byte, error) {
	messageNumber := s.Iteration
	nextChainKey, messageKey := deriveMessageKey(s.ChainKey)

	s.ChainKey = nextChainKey
	s.Iteration++

	sealed, err := nip44.EncryptString(nip44.ConversationKey(messageKey), plaintext)
	if err != nil {
		return 0, nil, fmt.Errorf("senderkey: encrypt: %w", err)
	}
	return messageNumber, sealed, nil
}

// Decrypt opens a message at messageNumber, deriving and caching any
// intervening skipped keys if the sender is ahead of us, or consuming an
// already-cached skipped key if the message arrived late.
func (s *State) Decrypt(messageNumber uint32, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return s.DecryptBytes(messageNumber, raw)
}

// DecryptBytes is Decrypt without the base64 decoding step.
func (s *State) DecryptBytes(messageNumber uint32, ciphertext []byte) (string, error) {
	if messageNumber < s.Iteration {
		messageKey, ok := s.SkippedMessageKeys[messageNumber]
		if !ok {
			return "", ErrMissingSkippedKey
		}
		delete(s.SkippedMessageKeys, messageNumber)
		return decryptWithMessageKey(messageKey, ciphertext)
	}

	delta := int(messageNumber - s.Iteration)
	if delta > MaxSkip {
		return "", ErrTooManySkippedMessages
	}

	for s.Iteration < messageNumber {
		nextChainKey, messageKey := deriveMessageKey(s.ChainKey)
		s.ChainKey = nextChainKey
		if s.SkippedMessageKeys == nil {
			s.SkippedMessageKeys = map[uint32][32]byte{}
		}
		s.SkippedMessageKeys[s.Iteration] = messageKey
		s.Iteration++
	}

	nextChainKey, messageKey := deriveMessageKey(s.ChainKey)
	s.ChainKey = nextChainKey
	s.Iteration++

	s.pruneSkipped()

	return decryptWithMessageKey(messageKey, ciphertext)
}

func (s *State) pruneSkipped() {
	if len(s.SkippedMessageKeys) <= MaxStoredSkippedKeys {
		return
	}
	numbers := make([]uint32, 0, len(s.SkippedMessageKeys))
	for n := range s.SkippedMessageKeys {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	toRemove := len(s.SkippedMessageKeys) - MaxStoredSkippedKeys
	for _, n := range numbers[:toRemove] {
		delete(s.SkippedMessageKeys, n)
	}
}

func decryptWithMessageKey(messageKey [32]byte, ciphertext []byte) (string, error) {
	plaintext, err := nip44.Decrypt(nip44.ConversationKey(messageKey), ciphertext)
	if err != nil {
		return "", fmt.Errorf("senderkey: decrypt: %w", err)
	}
	return string(plaintext), nil
}

func deriveMessageKey(chainKey [32]byte) (next [32]byte, messageKey [32]byte) {
	out := kdfutil.Derive(chainKey[:], []byte(kdfSalt), 2)
	return out[0], out[1]
}
