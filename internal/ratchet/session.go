// Package ratchet implements the 1:1 double ratchet: a DH ratchet step that
// rotates to a fresh ephemeral keypair on the first send after each receive,
// layered with a symmetric chain ratchet for per-message keys and a
// header-encryption scheme that hides message numbers and ratchet pubkeys
// from anyone who isn't a party to the session.
//
// Grounded on original_source/.../types.rs for the state shape
// (root key, current/next keypairs on both sides, chain indices, skipped
// keys) and on the crate's test suite (out_of_order_test.rs,
// integration_test.rs, interop_test.rs) for Session's behavior, since the
// actual session implementation file wasn't part of the retrieved sources.
// The symmetric-ratchet and skip-key bookkeeping style is adapted from the
// teacher's internal/crypto/session.go, generalized to perform a real DH
// step (fresh keypair generation) instead of a deterministic derivation.
package ratchet

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ardentnet/nostr-ratchet/internal/events"
	"github.com/ardentnet/nostr-ratchet/internal/kdfutil"
	"github.com/ardentnet/nostr-ratchet/internal/nip44"
	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
)

var (
	ErrSessionNotReady        = errors.New("ratchet: session cannot send yet")
	ErrFailedToDecryptHeader  = errors.New("ratchet: failed to decrypt header")
	ErrTooManySkippedMessages = errors.New("ratchet: too many skipped messages")
	ErrInvalidHeader          = errors.New("ratchet: invalid header")
	ErrInvalidEvent           = errors.New("ratchet: invalid event")
)

// Header travels encrypted ahead of the message ciphertext in every outer
// event, carrying just enough to let the receiver locate the right chain
// key: the message's index in its sending chain, how long the previous
// sending chain ran, and the DH public key the sender used to establish
// the chain this message belongs to.
type Header struct {
	Number              uint32 `json:"number"`
	PreviousChainLength uint32 `json:"previousChainLength"`
	DHPublicKey         string `json:"dhPublicKey"`
}

type skippedKeyPair struct {
	MessageKey [32]byte `json:"messageKey"`
}

type skippedRef struct {
	epoch  string
	number uint32
}

// State is the serializable half of a Session: every field a caller needs
// to persist and later restore via New to continue the conversation.
type State struct {
	RootKey [32]byte `json:"rootKey"`

	OurPrivateKey []byte   `json:"ourPrivateKey"`
	OurPublicKey  [32]byte `json:"ourPublicKey"`

	TheirPublicKey [32]byte `json:"theirPublicKey"`

	SendChainKey *[32]byte `json:"sendChainKey,omitempty"`
	RecvChainKey *[32]byte `json:"recvChainKey,omitempty"`

	SendN               uint32 `json:"sendN"`
	RecvN               uint32 `json:"recvN"`
	PreviousChainLength uint32 `json:"previousChainLength"`

	SendHeaderKey     [32]byte `json:"sendHeaderKey"`
	RecvHeaderKey     *[32]byte `json:"recvHeaderKey,omitempty"`
	NextSendHeaderKey [32]byte `json:"nextSendHeaderKey"`
	NextRecvHeaderKey [32]byte `json:"nextRecvHeaderKey"`

	SkippedKeys map[string]map[uint32]skippedKeyPair `json:"skippedKeys"`

	// ShouldRatchetSend is set after every successful Receive: the next
	// Send/SendEvent call owes a DH ratchet (a fresh keypair folded in
	// against the peer's current public key) before it sends, so that every
	// reply moves to key material the sender has never used before. It's
	// deferred rather than performed during Receive itself so a session
	// that never replies never burns a keypair it won't use.
	ShouldRatchetSend bool `json:"shouldRatchetSend"`

	IsInitiator bool  `json:"isInitiator"`
	CreatedAt   int64 `json:"createdAt"`
	UpdatedAt   int64 `json:"updatedAt"`

	skippedOrder []skippedRef
}

// Session wraps a State with the operations that advance it: Send,
// SendEvent, Receive, plus restoration from persisted state.
type Session struct {
	Name  string
	state State
}

const (
	chainKDFSalt      = "ndr-chain"
	rootKDFInfoHeader = "ndr-header-init"
)

// Init establishes a new session from a pre-shared secret (the output of an
// invite/accept handshake) plus both parties' current ratchet public keys,
// already exchanged out of band. Both sides call Init with the same
// sharedSecret and with (ourPrivateKey, theirPublicKey) swapped relative to
// each other. Because both ratchet pubkeys are already known to both
// parties, each side derives one chain for each direction immediately —
// there is no initiator-only bootstrap message; isInitiator only breaks the
// symmetry of which direction-derived chain is "ours" to send on first.
// The actual DH ratchet (a fresh keypair replacing the initial one) only
// happens later, the first time a side replies after having received.
func Init(theirPublicKey [32]byte, ourPrivateKey []byte, isInitiator bool, sharedSecret [32]byte, name string) (*Session, error) {
	kp, err := nostrkey.FromPrivateBytes(ourPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: init: %w", err)
	}
	dh, err := nostrkey.ECDH(kp.PrivateKey, theirPublicKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: init: %w", err)
	}

	// outs[0] = root key, outs[1]/outs[2] = the two directional chain keys
	// (symmetric: whichever side calls it "send" vs "recv" is just a label),
	// outs[3] = the header key both sides will use once either one ratchets.
	outs := kdfutil.Derive(dh[:], sharedSecret[:], 4)
	hdrOut := kdfutil.Derive(sharedSecret[:], []byte(rootKDFInfoHeader), 2)

	st := State{
		RootKey:           outs[0],
		OurPrivateKey:     append([]byte(nil), ourPrivateKey...),
		OurPublicKey:      kp.PublicKey,
		TheirPublicKey:    theirPublicKey,
		NextSendHeaderKey: outs[3],
		NextRecvHeaderKey: outs[3],
		IsInitiator:       isInitiator,
		SkippedKeys:       map[string]map[uint32]skippedKeyPair{},
	}

	sendChain, recvChain := outs[1], outs[2]
	sendHK, recvHK := hdrOut[0], hdrOut[1]
	if !isInitiator {
		sendChain, recvChain = outs[2], outs[1]
		sendHK, recvHK = hdrOut[1], hdrOut[0]
	}
	st.SendChainKey = &sendChain
	st.RecvChainKey = &recvChain
	st.SendHeaderKey = sendHK
	st.RecvHeaderKey = &recvHK

	return New(st, name), nil
}

// New restores a Session from previously persisted State, continuing the
// conversation exactly where it left off. skippedOrder (the FIFO eviction
// queue backing pruneSkippedKeys) isn't part of the serialized State, so it
// is rebuilt from whatever skipped keys the state already holds; the
// rebuild loses their original insertion order, but every entry still
// participates in future eviction instead of being forgotten.
func New(state State, name string) *Session {
	if state.SkippedKeys == nil {
		state.SkippedKeys = map[string]map[uint32]skippedKeyPair{}
	}
	state.skippedOrder = nil
	for epoch, perEpoch := range state.SkippedKeys {
		for number := range perEpoch {
			state.skippedOrder = append(state.skippedOrder, skippedRef{epoch: epoch, number: number})
		}
	}
	return &Session{Name: name, state: state}
}

// State returns a copy of the session's current persistable state.
func (s *Session) State() State {
	return s.state
}

// CanSend reports whether the session still holds a sending chain. Once
// Close has been called this is false; otherwise a session can always send
// (ratcheting lazily first if it owes one).
func (s *Session) CanSend() bool {
	return s.state.SendChainKey != nil
}

// Close clears key material held in memory. The session's persisted state,
// if any, is left to the caller to remove from storage.
func (s *Session) Close() {
	s.state.SendChainKey = nil
	s.state.RecvChainKey = nil
	s.state.OurPrivateKey = nil
	s.state.SkippedKeys = nil
}

// SendOptions controls optional per-message metadata.
type SendOptions struct {
	ExpiresAt *int64
}

// Send encrypts plaintext as a chat-message rumor authored under the
// session's current ratchet public key, returning the signed outer event.
func (s *Session) Send(plaintext string, now int64, opts SendOptions) (*nostr.Event, error) {
	tags := nostr.Tags{}
	if opts.ExpiresAt != nil {
		tags = append(tags, nostr.Tag{events.ExpirationTag, fmt.Sprintf("%d", *opts.ExpiresAt)})
	}
	rumor := events.Rumor{
		PubKey:    hex.EncodeToString(s.state.OurPublicKey[:]),
		CreatedAt: now,
		Kind:      events.KindChatMessage,
		Tags:      tags,
		Content:   plaintext,
	}
	return s.SendEvent(rumor, now)
}

// SendEvent encrypts a caller-built inner rumor (custom kind and tags, for
// group or non-chat traffic), computing its canonical id before sealing it.
func (s *Session) SendEvent(inner events.Rumor, now int64) (*nostr.Event, error) {
	if s.state.SendChainKey == nil {
		return nil, ErrSessionNotReady
	}
	if s.state.ShouldRatchetSend {
		if err := s.ratchetSend(); err != nil {
			return nil, fmt.Errorf("ratchet: send: %w", err)
		}
		s.state.ShouldRatchetSend = false
	}
	if inner.PubKey == "" {
		inner.PubKey = hex.EncodeToString(s.state.OurPublicKey[:])
	}
	if inner.CreatedAt == 0 {
		inner.CreatedAt = now
	}
	inner, err := events.WithComputedID(inner)
	if err != nil {
		return nil, fmt.Errorf("ratchet: send: %w", err)
	}
	plaintext, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("ratchet: send: marshal rumor: %w", err)
	}

	out := kdfutil.Derive(s.state.SendChainKey[:], []byte(chainKDFSalt), 2)
	nextChainKey, messageKey := out[0], out[1]

	header := Header{
		Number:              s.state.SendN,
		PreviousChainLength: s.state.PreviousChainLength,
		DHPublicKey:         hex.EncodeToString(s.state.OurPublicKey[:]),
	}
	content, err := sealEnvelope(s.state.SendHeaderKey, header, messageKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("ratchet: send: %w", err)
	}

	kp, err := nostrkey.FromPrivateBytes(s.state.OurPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: send: %w", err)
	}
	outer, err := buildSignedEvent(kp, events.KindMessage, nostr.Tags{}, content, now)
	if err != nil {
		return nil, fmt.Errorf("ratchet: send: %w", err)
	}

	s.state.SendChainKey = &nextChainKey
	s.state.SendN++
	s.state.UpdatedAt = now
	return outer, nil
}

// Receive decrypts an outer event produced by Send/SendEvent, advancing the
// receiving chain (and performing a DH ratchet step if the event announces
// a new ratchet public key), and returns the recovered inner rumor.
func (s *Session) Receive(event *nostr.Event, now int64) (*events.Rumor, error) {
	if event == nil {
		return nil, ErrInvalidEvent
	}
	var env wireEnvelope
	if err := json.Unmarshal([]byte(event.Content), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	header, dhRatchet, err := s.decryptHeader(env.Header)
	if err != nil {
		return nil, err
	}

	theirPub, err := nostrkey.ParsePublicHex(header.DHPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	if messageKey, ok := s.takeSkippedKey(header.DHPublicKey, header.Number); ok {
		plaintext, err := nip44.Decrypt(nip44.ConversationKey(messageKey), env.Body)
		if err != nil {
			return nil, fmt.Errorf("ratchet: receive: %w", err)
		}
		s.state.ShouldRatchetSend = true
		s.state.UpdatedAt = now
		return decodeRumor(plaintext)
	}

	if dhRatchet {
		if err := s.skipRecvMessageKeys(header.PreviousChainLength); err != nil {
			return nil, err
		}
		if err := s.ratchetRecv(theirPub); err != nil {
			return nil, fmt.Errorf("ratchet: receive: %w", err)
		}
	}

	if err := s.skipRecvMessageKeys(header.Number); err != nil {
		return nil, err
	}

	out := kdfutil.Derive(s.state.RecvChainKey[:], []byte(chainKDFSalt), 2)
	nextChainKey, messageKey := out[0], out[1]

	plaintext, err := nip44.Decrypt(nip44.ConversationKey(messageKey), env.Body)
	if err != nil {
		return nil, fmt.Errorf("ratchet: receive: %w", err)
	}

	s.state.RecvChainKey = &nextChainKey
	s.state.RecvN++
	s.state.ShouldRatchetSend = true
	s.state.UpdatedAt = now

	return decodeRumor(plaintext)
}

func decodeRumor(plaintext []byte) (*events.Rumor, error) {
	var rumor events.Rumor
	if err := json.Unmarshal(plaintext, &rumor); err != nil {
		return nil, fmt.Errorf("ratchet: receive: decode rumor: %w", err)
	}
	rumor, err := events.WithComputedID(rumor)
	if err != nil {
		return nil, fmt.Errorf("ratchet: receive: %w", err)
	}
	return &rumor, nil
}

// decryptHeader tries the current receiving header key first, then the
// precomputed next one. Success with the latter signals that the peer has
// moved to a new DH ratchet epoch.
func (s *Session) decryptHeader(sealed []byte) (Header, bool, error) {
	if s.state.RecvHeaderKey != nil {
		if h, err := openHeader(*s.state.RecvHeaderKey, sealed); err == nil {
			return h, false, nil
		}
	}
	if h, err := openHeader(s.state.NextRecvHeaderKey, sealed); err == nil {
		return h, true, nil
	}
	return Header{}, false, ErrFailedToDecryptHeader
}

func openHeader(key [32]byte, sealed []byte) (Header, error) {
	raw, err := nip44.Decrypt(nip44.ConversationKey(key), sealed)
	if err != nil {
		return Header{}, err
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return h, nil
}

// skipRecvMessageKeys derives and caches every message key on the current
// receiving chain from its present index up to (not including) upTo, so
// that a later out-of-order arrival can still be decrypted. MaxSkip is
// enforced up front: a gap that large is rejected before any derivation
// happens, rather than partially filling the skip cache.
func (s *Session) skipRecvMessageKeys(upTo uint32) error {
	if s.state.RecvChainKey == nil {
		if upTo == 0 {
			return nil
		}
		return ErrInvalidHeader
	}
	if upTo < s.state.RecvN {
		return nil
	}
	if int(upTo-s.state.RecvN) > events.MaxSkip {
		return ErrTooManySkippedMessages
	}

	epoch := hex.EncodeToString(s.state.TheirPublicKey[:])
	chainKey := *s.state.RecvChainKey
	for s.state.RecvN < upTo {
		out := kdfutil.Derive(chainKey[:], []byte(chainKDFSalt), 2)
		nextChainKey, messageKey := out[0], out[1]
		s.storeSkippedKey(epoch, s.state.RecvN, messageKey)
		chainKey = nextChainKey
		s.state.RecvN++
	}
	s.state.RecvChainKey = &chainKey
	return nil
}

func (s *Session) storeSkippedKey(epoch string, number uint32, messageKey [32]byte) {
	perEpoch, ok := s.state.SkippedKeys[epoch]
	if !ok {
		perEpoch = map[uint32]skippedKeyPair{}
		s.state.SkippedKeys[epoch] = perEpoch
	}
	perEpoch[number] = skippedKeyPair{MessageKey: messageKey}
	s.state.skippedOrder = append(s.state.skippedOrder, skippedRef{epoch: epoch, number: number})
	s.pruneSkippedKeys()
}

func (s *Session) takeSkippedKey(theirPublicKeyHex string, number uint32) ([32]byte, bool) {
	perEpoch, ok := s.state.SkippedKeys[theirPublicKeyHex]
	if !ok {
		return [32]byte{}, false
	}
	entry, ok := perEpoch[number]
	if !ok {
		return [32]byte{}, false
	}
	delete(perEpoch, number)
	if len(perEpoch) == 0 {
		delete(s.state.SkippedKeys, theirPublicKeyHex)
	}
	return entry.MessageKey, true
}

// pruneSkippedKeys evicts the oldest cached skipped keys once the total
// across every epoch exceeds MaxSkip, mirroring the teacher's bounded
// skipped-key map but tracked by genuine insertion order rather than
// recency-to-current-index (the double ratchet here can have skipped keys
// spanning more than one DH epoch at once).
func (s *Session) pruneSkippedKeys() {
	total := 0
	for _, perEpoch := range s.state.SkippedKeys {
		total += len(perEpoch)
	}
	for total > events.MaxSkip && len(s.state.skippedOrder) > 0 {
		oldest := s.state.skippedOrder[0]
		s.state.skippedOrder = s.state.skippedOrder[1:]
		if perEpoch, ok := s.state.SkippedKeys[oldest.epoch]; ok {
			if _, ok := perEpoch[oldest.number]; ok {
				delete(perEpoch, oldest.number)
				total--
			}
			if len(perEpoch) == 0 {
				delete(s.state.SkippedKeys, oldest.epoch)
			}
		}
	}
}

// ratchetRecv folds in DH(ourCurrentPrivateKey, theirNewPublicKey) to
// establish a fresh receiving chain for the epoch the peer just announced,
// and flags that our own next send owes the matching send-side ratchet.
func (s *Session) ratchetRecv(theirNewPublicKey [32]byte) error {
	kp, err := nostrkey.FromPrivateBytes(s.state.OurPrivateKey)
	if err != nil {
		return fmt.Errorf("dh step: %w", err)
	}

	dh, err := nostrkey.ECDH(kp.PrivateKey, theirNewPublicKey)
	if err != nil {
		return fmt.Errorf("dh step: %w", err)
	}
	out := kdfutil.Derive(dh[:], s.state.RootKey[:], 3)
	s.state.RootKey = out[0]
	recvChain := out[1]
	s.state.RecvChainKey = &recvChain
	recvHeaderKey := s.state.NextRecvHeaderKey
	s.state.RecvHeaderKey = &recvHeaderKey
	s.state.NextRecvHeaderKey = out[2]
	s.state.RecvN = 0
	s.state.TheirPublicKey = theirNewPublicKey
	return nil
}

// ratchetSend generates a fresh ratchet keypair and folds in a new DH
// against the peer's current public key to establish our next sending
// chain, completing the ratchet that ratchetRecv deferred.
func (s *Session) ratchetSend() error {
	newKP, err := nostrkey.Generate()
	if err != nil {
		return fmt.Errorf("dh step: %w", err)
	}
	dh, err := nostrkey.ECDH(newKP.PrivateKey, s.state.TheirPublicKey)
	if err != nil {
		return fmt.Errorf("dh step: %w", err)
	}
	out := kdfutil.Derive(dh[:], s.state.RootKey[:], 3)
	s.state.RootKey = out[0]
	s.state.PreviousChainLength = s.state.SendN
	s.state.SendN = 0
	sendChain := out[1]
	s.state.SendChainKey = &sendChain
	s.state.SendHeaderKey = s.state.NextSendHeaderKey
	s.state.NextSendHeaderKey = out[2]
	s.state.OurPrivateKey = newKP.PrivateKey.Serialize()
	s.state.OurPublicKey = newKP.PublicKey
	return nil
}

type wireEnvelope struct {
	Header []byte `json:"h"`
	Body   []byte `json:"b"`
}

func sealEnvelope(headerKey [32]byte, header Header, messageKey [32]byte, plaintext []byte) (string, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	sealedHeader, err := nip44.Encrypt(nip44.ConversationKey(headerKey), headerBytes)
	if err != nil {
		return "", fmt.Errorf("seal header: %w", err)
	}
	sealedBody, err := nip44.Encrypt(nip44.ConversationKey(messageKey), plaintext)
	if err != nil {
		return "", fmt.Errorf("seal body: %w", err)
	}
	raw, err := json.Marshal(wireEnvelope{Header: sealedHeader, Body: sealedBody})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(raw), nil
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
		return nil, err
	}
	idBytes, err := hexDecode32(id)
	if err != nil {
		return nil, err
	}
	sig, err := nostrkey.Sign(kp.PrivateKey, idBytes)
	if err != nil {
		return nil, err
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

func hexDecode32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: malformed event id", ErrInvalidEvent)
	}
	copy(out[:], b)
	return out, nil
}
