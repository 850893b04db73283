// Package invite implements the ephemeral-key rendezvous that bootstraps a
// session: an inviter publishes an Invite (an ephemeral public key plus a
// shared secret), a joiner accepts it to become the session's initiator, and
// the inviter processes the joiner's response to become the responder.
// Grounded on original_source/.../delegate_manager.rs for the owner-claim
// shape and rust/crates/ndr/src/commands/{invite,public_invite,nip19}.rs for
// the URL/event encoding and degraded discovery-only form.
package invite

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/ardentnet/nostr-ratchet/internal/events"
	"github.com/ardentnet/nostr-ratchet/internal/nip44"
	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
	"github.com/ardentnet/nostr-ratchet/internal/ratchet"
)

var (
	ErrDiscoveryOnly   = errors.New("invite: discovery-only invite has no ephemeral key material")
	ErrMissingDeviceID = errors.New("invite: event encoding requires a device id")
	ErrInvalidInvite   = errors.New("invite: malformed invite")
)

// Invite is the bootstrap artifact exchanged out of band (or discovered on
// the relay) to start a session. InviterEphemeralPrivKey is present only for
// the party that created it; a value received over the wire never carries
// it. A degraded, discovery-only Invite (constructed from a bare npub) has
// only InviterIdentityPubKey set.
type Invite struct {
	InviterIdentityPubKey   [32]byte
	InviterEphemeralPubKey  [32]byte
	InviterEphemeralPrivKey []byte
	SharedSecret            [32]byte
	DeviceID                string
	MaxUses                 *int
	OwnerPubKey             *[32]byte
	CreatedAt               int64

	discoveryOnly bool
}

// IsDiscoveryOnly reports whether this Invite carries only an identity
// public key, forcing the joiner to discover the real invite event on the
// relay before it can be accepted.
func (inv *Invite) IsDiscoveryOnly() bool {
	return inv.discoveryOnly
}

// CreateNew generates a fresh ephemeral keypair and shared secret for an
// invite from inviterIdentityPubKey, optionally scoped to one device and/or
// a maximum number of uses.
func CreateNew(inviterIdentityPubKey [32]byte, deviceID string, maxUses *int, createdAt int64) (*Invite, error) {
	kp, err := nostrkey.Generate()
	if err != nil {
		return nil, fmt.Errorf("invite: create: %w", err)
	}
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("invite: create: %w", err)
	}
	return &Invite{
		InviterIdentityPubKey:   inviterIdentityPubKey,
		InviterEphemeralPubKey:  kp.PublicKey,
		InviterEphemeralPrivKey: kp.PrivateBytes(),
		SharedSecret:            secret,
		DeviceID:                deviceID,
		MaxUses:                 maxUses,
		CreatedAt:               createdAt,
	}, nil
}

// compactInvite is the wire shape embedded in an invite URL's hash
// fragment.
type compactInvite struct {
	Inviter      string `json:"inviter"`
	EphemeralPub string `json:"ephemeral_pub"`
	SharedSecret string `json:"shared_secret"`
	DeviceID     string `json:"device_id,omitempty"`
	MaxUses      *int   `json:"max_uses,omitempty"`
	OwnerPubKey  string `json:"owner_pubkey,omitempty"`
}

// ToURL encodes the invite as base#base64url(compact_json), never including
// the creator's private ephemeral key.
func (inv *Invite) ToURL(base string) (string, error) {
	if inv.discoveryOnly {
		return "", ErrDiscoveryOnly
	}
	c := compactInvite{
		Inviter:      hex.EncodeToString(inv.InviterIdentityPubKey[:]),
		EphemeralPub: hex.EncodeToString(inv.InviterEphemeralPubKey[:]),
		SharedSecret: hex.EncodeToString(inv.SharedSecret[:]),
		DeviceID:     inv.DeviceID,
		MaxUses:      inv.MaxUses,
	}
	if inv.OwnerPubKey != nil {
		c.OwnerPubKey = hex.EncodeToString(inv.OwnerPubKey[:])
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("invite: encode url: %w", err)
	}
	return base + "#" + base64.URLEncoding.EncodeToString(raw), nil
}

// FromURL decodes an invite URL. It also accepts degraded discovery-only
// forms: a bare npub1…/nprofile1… identifier, a nostr:npub1… URI, or any
// string whose hash fragment is one of those — in which case it returns a
// discovery-only Invite carrying just the identity public key.
func FromURL(url string) (*Invite, error) {
	if pub, ok := parseNIP19Candidate(url); ok {
		return &Invite{InviterIdentityPubKey: pub, discoveryOnly: true}, nil
	}

	idx := strings.LastIndex(url, "#")
	if idx < 0 {
		return nil, ErrInvalidInvite
	}
	fragment := url[idx+1:]
	if pub, ok := parseNIP19Candidate(fragment); ok {
		return &Invite{InviterIdentityPubKey: pub, discoveryOnly: true}, nil
	}

	raw, err := base64.URLEncoding.DecodeString(fragment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	var c compactInvite
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}

	inv := &Invite{DeviceID: c.DeviceID, MaxUses: c.MaxUses}
	if inv.InviterIdentityPubKey, err = hexTo32(c.Inviter); err != nil {
		return nil, fmt.Errorf("%w: inviter: %v", ErrInvalidInvite, err)
	}
	if inv.InviterEphemeralPubKey, err = hexTo32(c.EphemeralPub); err != nil {
		return nil, fmt.Errorf("%w: ephemeral pub: %v", ErrInvalidInvite, err)
	}
	if inv.SharedSecret, err = hexTo32(c.SharedSecret); err != nil {
		return nil, fmt.Errorf("%w: shared secret: %v", ErrInvalidInvite, err)
	}
	if c.OwnerPubKey != "" {
		owner, err := hexTo32(c.OwnerPubKey)
		if err != nil {
			return nil, fmt.Errorf("%w: owner pubkey: %v", ErrInvalidInvite, err)
		}
		inv.OwnerPubKey = &owner
	}
	return inv, nil
}

// parseNIP19Candidate recognizes a bare npub/nprofile identifier, optionally
// prefixed with "nostr:", possibly itself found after a "#" in a larger URL.
func parseNIP19Candidate(input string) ([32]byte, bool) {
	candidate := strings.TrimSpace(input)
	candidate = strings.TrimPrefix(candidate, "nostr:")
	candidate = strings.TrimPrefix(candidate, "/")
	if idx := strings.IndexAny(candidate, "/?&"); idx >= 0 {
		candidate = candidate[:idx]
	}
	if !strings.HasPrefix(candidate, "npub1") && !strings.HasPrefix(candidate, "nprofile1") {
		return [32]byte{}, false
	}
	prefix, value, err := nip19.Decode(candidate)
	if err != nil {
		return [32]byte{}, false
	}
	switch prefix {
	case "npub":
		pk, ok := value.(string)
		if !ok {
			return [32]byte{}, false
		}
		out, err := hexTo32(pk)
		if err != nil {
			return [32]byte{}, false
		}
		return out, true
	case "nprofile":
		profile, ok := value.(nostr.ProfilePointer)
		if !ok {
			return [32]byte{}, false
		}
		out, err := hexTo32(profile.PublicKey)
		if err != nil {
			return [32]byte{}, false
		}
		return out, true
	default:
		return [32]byte{}, false
	}
}

// ToEvent builds the unsigned invite event; the caller signs it, typically
// with the device's own identity key. DeviceID must be set; the public
// invite uses the literal device id "public".
func (inv *Invite) ToEvent(createdAt int64) (events.Rumor, error) {
	if inv.DeviceID == "" {
		return events.Rumor{}, ErrMissingDeviceID
	}
	tags := nostr.Tags{
		{"d", events.InviteDTagPrefix + inv.DeviceID},
		{"l", events.InviteLTag},
		{"ephemeralKey", hex.EncodeToString(inv.InviterEphemeralPubKey[:])},
		{"sharedSecret", hex.EncodeToString(inv.SharedSecret[:])},
	}
	if inv.MaxUses != nil {
		tags = append(tags, nostr.Tag{"maxUses", strconv.Itoa(*inv.MaxUses)})
	}
	if inv.OwnerPubKey != nil {
		tags = append(tags, nostr.Tag{"owner", hex.EncodeToString(inv.OwnerPubKey[:])})
	}
	return events.Rumor{
		PubKey:    hex.EncodeToString(inv.InviterIdentityPubKey[:]),
		CreatedAt: createdAt,
		Kind:      events.KindInvite,
		Tags:      tags,
		Content:   "",
	}, nil
}

// FromEvent parses an invite event's tags back into an Invite (never
// recovering the creator's private ephemeral key, which is never published).
func FromEvent(event *nostr.Event) (*Invite, error) {
	inv := &Invite{CreatedAt: int64(event.CreatedAt)}
	pub, err := hexTo32(event.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: pubkey: %v", ErrInvalidInvite, err)
	}
	inv.InviterIdentityPubKey = pub

	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "ephemeralKey":
			if inv.InviterEphemeralPubKey, err = hexTo32(tag[1]); err != nil {
				return nil, fmt.Errorf("%w: ephemeralKey: %v", ErrInvalidInvite, err)
			}
		case "sharedSecret":
			if inv.SharedSecret, err = hexTo32(tag[1]); err != nil {
				return nil, fmt.Errorf("%w: sharedSecret: %v", ErrInvalidInvite, err)
			}
		case "d":
			inv.DeviceID = strings.TrimPrefix(tag[1], events.InviteDTagPrefix)
		case "maxUses":
			n, err := strconv.Atoi(tag[1])
			if err == nil {
				inv.MaxUses = &n
			}
		case "owner":
			owner, err := hexTo32(tag[1])
			if err == nil {
				inv.OwnerPubKey = &owner
			}
		}
	}
	return inv, nil
}

// Response is the plaintext carried inside an invite-response event.
type Response struct {
	InviteeIdentityPubKey string `json:"invitee"`
	DeviceID              string `json:"device_id,omitempty"`
	ClaimedOwnerPubKey    string `json:"owner,omitempty"`
	EphemeralPubKey       string `json:"ephemeral_pub"`
}

// Accept makes the joiner the session's initiator: it derives the shared
// root from a fresh ephemeral keypair and the inviter's ephemeral public
// key, builds the resulting Session, and returns the signed invite-response
// event addressed to the inviter's ephemeral key.
//
// The session's own send/recv keys are this fresh ephemeral keypair, not the
// joiner's identity key — identity keys never touch the double ratchet
// directly, matching the teacher's separation between an account's identity
// key and its per-session key material.
func (inv *Invite) Accept(joinerIdentityPubKey [32]byte, joinerDeviceID string, claimedOwnerPubKey *[32]byte, now int64) (*ratchet.Session, *nostr.Event, error) {
	if inv.discoveryOnly {
		return nil, nil, ErrDiscoveryOnly
	}
	joinerEphemeral, err := nostrkey.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("invite: accept: %w", err)
	}

	session, err := ratchet.Init(inv.InviterEphemeralPubKey, joinerEphemeral.PrivateBytes(), true, inv.SharedSecret, "invite-accept")
	if err != nil {
		return nil, nil, fmt.Errorf("invite: accept: %w", err)
	}

	resp := Response{
		InviteeIdentityPubKey: hex.EncodeToString(joinerIdentityPubKey[:]),
		DeviceID:              joinerDeviceID,
		EphemeralPubKey:       joinerEphemeral.PublicHex(),
	}
	if claimedOwnerPubKey != nil {
		resp.ClaimedOwnerPubKey = hex.EncodeToString(claimedOwnerPubKey[:])
	}
	content, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("invite: accept: %w", err)
	}

	convKey, err := nip44.DeriveConversationKey(joinerEphemeral.PrivateKey, inv.InviterEphemeralPubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invite: accept: %w", err)
	}
	sealed, err := nip44.Encrypt(convKey, content)
	if err != nil {
		return nil, nil, fmt.Errorf("invite: accept: %w", err)
	}

	event, err := buildSignedEvent(joinerEphemeral, events.KindInviteResponse,
		nostr.Tags{{"p", hex.EncodeToString(inv.InviterEphemeralPubKey[:])}},
		base64.StdEncoding.EncodeToString(sealed), now)
	if err != nil {
		return nil, nil, fmt.Errorf("invite: accept: %w", err)
	}

	return session, event, nil
}

// ProcessedResponse is the result of the inviter processing a joiner's
// invite-response event.
type ProcessedResponse struct {
	Session               *ratchet.Session
	InviteeIdentityPubKey [32]byte
	DeviceID              string
	ClaimedOwnerPubKey    *[32]byte
}

// ProcessResponse is the inviter's side of Accept: it decrypts responseEvent
// with the invite's own ephemeral private key, and builds the inviter's
// Session in the responder role.
func (inv *Invite) ProcessResponse(responseEvent *nostr.Event, now int64) (*ProcessedResponse, error) {
	if len(inv.InviterEphemeralPrivKey) == 0 {
		return nil, fmt.Errorf("invite: process response: %w", ErrDiscoveryOnly)
	}
	inviterKP, err := nostrkey.FromPrivateBytes(inv.InviterEphemeralPrivKey)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: %w", err)
	}
	responderEphemeral, err := nostrkey.ParsePublicHex(responseEvent.PubKey)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: %w", err)
	}

	convKey, err := nip44.DeriveConversationKey(inviterKP.PrivateKey, responderEphemeral)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(responseEvent.Content)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: %w", err)
	}
	plaintext, err := nip44.Decrypt(convKey, raw)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		return nil, fmt.Errorf("invite: process response: %w", err)
	}

	inviteeEphemeral, err := hexTo32(resp.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: ephemeral_pub: %w", err)
	}
	inviteeIdentity, err := hexTo32(resp.InviteeIdentityPubKey)
	if err != nil {
		return nil, fmt.Errorf("invite: process response: invitee: %w", err)
	}

	session, err := ratchet.Init(inviteeEphemeral, inv.InviterEphemeralPrivKey, false, inv.SharedSecret, "invite-process")
	if err != nil {
		return nil, fmt.Errorf("invite: process response: %w", err)
	}

	out := &ProcessedResponse{
		Session:               session,
		InviteeIdentityPubKey: inviteeIdentity,
		DeviceID:              resp.DeviceID,
	}
	if resp.ClaimedOwnerPubKey != "" {
		owner, err := hexTo32(resp.ClaimedOwnerPubKey)
		if err == nil {
			out.ClaimedOwnerPubKey = &owner
		}
	}
	return out, nil
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
