// Package events holds the wire-level constants and inner-event shapes shared
// by every other package: event kinds, tag names, and the canonical rumor
// encoding used before an inner event is double-ratchet-encrypted.
package events

const (
	// KindMessage is the outer, double-ratchet-encrypted event kind.
	KindMessage = 1060
	// KindAppKeys and KindInvite share a kind; they're told apart by their
	// "d" tag value (AppKeysDTag vs an invite-specific identifier).
	KindAppKeys = 30078
	KindInvite  = 30078
	// KindInviteResponse carries the X3DH-style handshake response.
	KindInviteResponse = 1059

	// Inner rumor kinds, matching common NIP-17-flavoured chat semantics.
	KindChatMessage = 14
	KindReaction    = 7
	KindReceipt     = 15
	KindTyping      = 25

	// KindSharedChannel is a self-encrypted one-to-many outer event.
	KindSharedChannel = 4
)

// MaxSkip bounds how many ratchet steps a single Decrypt call will walk
// forward to cover out-of-order delivery before giving up.
const MaxSkip = 1000

// ExpirationTag is a NIP-40-style tag placed on the inner rumor:
// ["expiration", "<unix seconds>"]. Purging expired messages from storage is
// the caller's responsibility; the tag is only data here.
const ExpirationTag = "expiration"

// AppKeysDTag identifies an app-keys directory event among kind-30078 events.
const AppKeysDTag = "double-ratchet/app-keys"

// InviteDTagPrefix and InviteLTag identify an invite event among kind-30078
// events sharing AppKeysDTag's numeric kind; InviteDTagPrefix is suffixed
// with a device id, except for the well-known public invite whose device id
// is the literal "public".
const (
	InviteDTagPrefix = "double-ratchet/invites/"
	InviteLTag       = "double-ratchet/invites"
	PublicInviteDTag = InviteDTagPrefix + "public"
)

// KindGroupKeyDistribution and KindGroupMessage are the inner rumor kinds
// exchanged inside a group's shared channel: one hands a member the current
// sender-key chain key, the other carries sender-key-ratcheted chat content.
// Both are published only as the inner, signed event of a sharedchannel
// envelope — never directly at these kinds on a relay.
const (
	KindGroupKeyDistribution = 1066
	KindGroupMessage         = 1067
)
