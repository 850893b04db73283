// Package session implements the multi-device session manager sitting on
// top of a single identity: it fans a self-sent message out to every other
// device the owner's app-keys directory lists, accepts invites addressed to
// this device, completes invites this device created, and routes inbound
// ratchet-encrypted events to whichever peer session can decrypt them.
// Grounded on original_source/.../user_record.rs and
// original_source/.../tests/session_manager_multi_device_test.rs.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/ardentnet/nostr-ratchet/internal/appkeys"
	"github.com/ardentnet/nostr-ratchet/internal/events"
	"github.com/ardentnet/nostr-ratchet/internal/invite"
	"github.com/ardentnet/nostr-ratchet/internal/msgqueue"
	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
	"github.com/ardentnet/nostr-ratchet/internal/ratchet"
	"github.com/ardentnet/nostr-ratchet/internal/storage"
)

var (
	ErrUnhandledEvent     = errors.New("session: event matched no known handler")
	ErrOwnerClaimMismatch = errors.New("session: claimed owner does not match directory")
	ErrNoRecipientDevices = errors.New("session: owner has no other registered devices")
	ErrNoSendableSession  = errors.New("session: no established session can currently send")
)

// EventKind distinguishes the two things a SessionManager emits.
type EventKind int

const (
	// EventPublishSigned carries a signed event the caller should publish.
	EventPublishSigned EventKind = iota
	// EventDecryptedMessage carries a rumor recovered from an inbound event,
	// JSON-encoded in Content exactly as it was received inside the ratchet.
	EventDecryptedMessage
)

// Event is what a SessionManager sends on its output channel.
type Event struct {
	Kind     EventKind
	Signed   *nostr.Event
	PeerID   string
	DeviceID string
	Content  string
}

// SessionManager owns one device's identity key and every ratchet session
// it has established, fanning outbound sends across an owner's other
// devices and routing inbound events to the right one.
type SessionManager struct {
	mu sync.Mutex

	ownIdentity nostrkey.KeyPair
	deviceID    string
	ownerPubKey [32]byte

	events  chan<- Event
	storage storage.Adapter
	queue   *msgqueue.Queue

	invite  *invite.Invite
	appKeys *appkeys.Directory

	peers       map[[32]byte]*UserRecord
	sendOptions map[[32]byte]ratchet.SendOptions
}

// New builds a SessionManager for one device. inv, if non-nil, is the
// invite this device created and will publish from Init; this device will
// later complete it when an invite-response event arrives.
func New(ownPrivKey []byte, deviceID string, ownerPubKey [32]byte, out chan<- Event, adapter storage.Adapter, inv *invite.Invite) (*SessionManager, error) {
	kp, err := nostrkey.FromPrivateBytes(ownPrivKey)
	if err != nil {
		return nil, fmt.Errorf("session: new manager: %w", err)
	}
	return &SessionManager{
		ownIdentity: kp,
		deviceID:    deviceID,
		ownerPubKey: ownerPubKey,
		events:      out,
		storage:     adapter,
		queue:       msgqueue.New(adapter, "session/outbound/"),
		invite:      inv,
		appKeys:     appkeys.New(nil),
		peers:       map[[32]byte]*UserRecord{},
		sendOptions: map[[32]byte]ratchet.SendOptions{},
	}, nil
}

// Init publishes this device's own invite event, if it was given one.
func (m *SessionManager) Init(now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invite == nil {
		return nil
	}
	rumor, err := m.invite.ToEvent(now)
	if err != nil {
		return fmt.Errorf("session: init: %w", err)
	}
	signed, err := signRumor(m.ownIdentity, rumor)
	if err != nil {
		return fmt.Errorf("session: init: %w", err)
	}
	m.emit(Event{Kind: EventPublishSigned, Signed: signed})
	return nil
}

// ProcessReceivedEvent dispatches an inbound relay event to the right
// handler by kind and tag shape: an app-keys directory update, an invite
// addressed to this device, a response to an invite this device created, or
// a ratchet-encrypted message for one of this device's established
// sessions.
func (m *SessionManager) ProcessReceivedEvent(event *nostr.Event, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case appkeys.IsAppKeysEvent(event):
		dir, err := appkeys.FromEvent(event)
		if err != nil {
			return fmt.Errorf("session: process app-keys event: %w", err)
		}
		m.appKeys = m.appKeys.Merge(dir)
		return nil

	case isInviteEvent(event):
		return m.handleInviteEvent(event, now)

	case event.Kind == events.KindInviteResponse:
		return m.handleInviteResponse(event, now)

	case event.Kind == events.KindMessage:
		return m.handleMessageEvent(event, now)

	default:
		return ErrUnhandledEvent
	}
}

func isInviteEvent(event *nostr.Event) bool {
	if event.Kind != events.KindInvite {
		return false
	}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "l" && tag[1] == events.InviteLTag {
			return true
		}
	}
	return false
}

func (m *SessionManager) handleInviteEvent(event *nostr.Event, now int64) error {
	if event.PubKey == m.ownIdentity.PublicHex() {
		return nil
	}
	inv, err := invite.FromEvent(event)
	if err != nil {
		return fmt.Errorf("session: parse invite event: %w", err)
	}

	var claim *[32]byte
	if m.ownerPubKey != ([32]byte{}) {
		owner := m.ownerPubKey
		claim = &owner
	}
	newSession, responseEvent, err := inv.Accept(m.ownIdentity.PublicKey, m.deviceID, claim, now)
	if err != nil {
		return fmt.Errorf("session: accept invite: %w", err)
	}

	m.upsertSession(inv.InviterIdentityPubKey, inv.DeviceID, newSession, now)
	m.emit(Event{Kind: EventPublishSigned, Signed: responseEvent})
	return nil
}

func (m *SessionManager) handleInviteResponse(event *nostr.Event, now int64) error {
	if m.invite == nil {
		return ErrUnhandledEvent
	}
	processed, err := m.invite.ProcessResponse(event, now)
	if err != nil {
		return fmt.Errorf("session: process invite response: %w", err)
	}
	if err := m.verifyOwnerClaimLocked(processed.InviteeIdentityPubKey, processed.ClaimedOwnerPubKey); err != nil {
		return err
	}
	m.upsertSession(processed.InviteeIdentityPubKey, processed.DeviceID, processed.Session, now)
	return nil
}

// VerifyOwnerClaim checks a responder's claimed owner public key against
// this manager's known app-keys directory. A claim is accepted outright if
// the directory doesn't yet list the device — app-keys and invite-response
// events can arrive in either order — and rejected only once the directory
// lists the device under a different owner.
func (m *SessionManager) VerifyOwnerClaim(deviceIdentityPubKey [32]byte, claimed *[32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyOwnerClaimLocked(deviceIdentityPubKey, claimed)
}

func (m *SessionManager) verifyOwnerClaimLocked(deviceIdentityPubKey [32]byte, claimed *[32]byte) error {
	if claimed == nil {
		return nil
	}
	if _, ok := m.appKeys.GetDevice(deviceIdentityPubKey); !ok {
		return nil
	}
	if *claimed != m.ownerPubKey {
		return ErrOwnerClaimMismatch
	}
	return nil
}

func (m *SessionManager) handleMessageEvent(event *nostr.Event, now int64) error {
	for peerKey, record := range m.peers {
		for _, device := range record.Devices {
			candidates := make([]*ratchet.Session, 0, 1+len(device.InactiveSessions))
			if device.ActiveSession != nil {
				candidates = append(candidates, device.ActiveSession)
			}
			candidates = append(candidates, device.InactiveSessions...)

			for _, s := range candidates {
				rumor, err := s.Receive(event, now)
				if err != nil {
					continue
				}
				raw, merr := json.Marshal(rumor)
				if merr != nil {
					return fmt.Errorf("session: marshal decrypted rumor: %w", merr)
				}
				m.emit(Event{
					Kind:     EventDecryptedMessage,
					PeerID:   hex.EncodeToString(peerKey[:]),
					DeviceID: device.DeviceID,
					Content:  string(raw),
				})
				return nil
			}
		}
	}
	return ErrUnhandledEvent
}

// SendText fans plaintext out to every device in this manager's merged
// app-keys directory other than this one, through whichever of each
// device's sessions can currently send. targetOwnerPubKey only selects the
// send options set by SetPeerSendOptions; it does not filter recipients. It returns every signed event
// produced; the caller is responsible for publishing them (SendText itself
// also emits each as an EventPublishSigned).
func (m *SessionManager) SendText(targetOwnerPubKey [32]byte, text string, now int64) ([]*nostr.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opts := m.sendOptions[targetOwnerPubKey]

	var recipients []appkeys.DeviceEntry
	for _, device := range m.appKeys.GetAllDevices() {
		if device.IdentityPubKey == m.ownIdentity.PublicKey {
			continue
		}
		recipients = append(recipients, device)
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipientDevices
	}

	var mu sync.Mutex
	var out []*nostr.Event
	var g errgroup.Group
	for _, device := range recipients {
		record, ok := m.peers[device.IdentityPubKey]
		if !ok {
			m.queueForLater(device.IdentityPubKey, text)
			continue
		}
		sessions := record.ActiveSendableSessions()
		if len(sessions) == 0 {
			m.queueForLater(device.IdentityPubKey, text)
			continue
		}
		g.Go(func() error {
			for _, s := range sessions {
				event, err := s.Send(text, now, opts)
				if err != nil {
					continue
				}
				mu.Lock()
				out = append(out, event)
				mu.Unlock()
				m.emit(Event{Kind: EventPublishSigned, Signed: event})
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("session: send text: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNoSendableSession
	}
	return out, nil
}

// queueForLater persists text for a recipient device that has no
// established sendable session yet, so it can be delivered once
// flushQueued runs after that device's session is installed.
func (m *SessionManager) queueForLater(recipient [32]byte, text string) {
	target := hex.EncodeToString(recipient[:])
	if _, err := m.queue.Add(context.Background(), target, "", text); err != nil {
		return
	}
}

// flushQueued sends every message queued for peerIdentity (via
// queueForLater, before any session with it existed) now that session can
// send, emitting one EventPublishSigned per delivered message.
func (m *SessionManager) flushQueued(peerIdentity [32]byte, session *ratchet.Session, now int64) {
	target := hex.EncodeToString(peerIdentity[:])
	entries, err := m.queue.GetForTarget(context.Background(), target)
	if err != nil || len(entries) == 0 {
		return
	}
	for _, entry := range entries {
		var text string
		if err := json.Unmarshal(entry.Payload, &text); err != nil {
			continue
		}
		event, err := session.Send(text, now, ratchet.SendOptions{})
		if err != nil {
			continue
		}
		m.emit(Event{Kind: EventPublishSigned, Signed: event})
	}
	_ = m.queue.RemoveForTarget(context.Background(), target)
}

// SetPeerSendOptions sets (or, with a nil opts, clears) the per-message
// options applied the next time SendText addresses targetOwnerPubKey —
// e.g. an expiration tag on every fanned-out message.
func (m *SessionManager) SetPeerSendOptions(targetOwnerPubKey [32]byte, opts *ratchet.SendOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts == nil {
		delete(m.sendOptions, targetOwnerPubKey)
		return
	}
	m.sendOptions[targetOwnerPubKey] = *opts
}

func (m *SessionManager) upsertSession(peerIdentity [32]byte, deviceID string, session *ratchet.Session, now int64) {
	record, ok := m.peers[peerIdentity]
	if !ok {
		record = NewUserRecord(hex.EncodeToString(peerIdentity[:]))
		m.peers[peerIdentity] = record
	}
	record.UpsertSession(deviceID, session, now)
	if session.CanSend() {
		m.flushQueued(peerIdentity, session, now)
	}
}

func (m *SessionManager) emit(event Event) {
	if m.events == nil {
		return
	}
	m.events <- event
}

func signRumor(kp nostrkey.KeyPair, r events.Rumor) (*nostr.Event, error) {
	r.PubKey = kp.PublicHex()
	id, err := events.ComputeID(r)
	if err != nil {
		return nil, err
	}
	idBytes, err := hexTo32(id)
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
		CreatedAt: nostr.Timestamp(r.CreatedAt),
		Kind:      r.Kind,
		Tags:      r.Tags,
		Content:   r.Content,
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
