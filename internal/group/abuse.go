package group

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ardentnet/nostr-ratchet/internal/platform/ratelimiter"
)

var (
	ErrGroupRateLimitExceeded           = errors.New("group: operation rate limit exceeded")
	ErrGroupMemberLimitExceeded         = errors.New("group: member limit exceeded")
	ErrGroupPendingInvitesLimitExceeded = errors.New("group: pending invites limit exceeded")
)

const (
	maxMembersEnv           = "NOSTR_RATCHET_GROUP_MAX_MEMBERS"
	maxPendingInvitesEnv    = "NOSTR_RATCHET_GROUP_MAX_PENDING_INVITES"
	inviteRateLimitRPSEnv   = "NOSTR_RATCHET_GROUP_INVITE_RATE_LIMIT_RPS"
	inviteRateLimitBurstEnv = "NOSTR_RATCHET_GROUP_INVITE_RATE_LIMIT_BURST"
	sendRateLimitRPSEnv     = "NOSTR_RATCHET_GROUP_SEND_RATE_LIMIT_RPS"
	sendRateLimitBurstEnv   = "NOSTR_RATCHET_GROUP_SEND_RATE_LIMIT_BURST"
)

// AbuseProtection bounds how fast one actor may invite or send within a
// group, and how large a group's membership may grow, each independently
// tunable from the environment. Grounded on the teacher's
// internal/domains/group/policy/abuse_protection.go, trimmed to these four
// limits. MembershipService.InviteMember applies the invite rate limit and
// the quotas; nothing in this module calls AllowSend.
type AbuseProtection struct {
	maxMembers        int
	maxPendingInvites int
	inviteLimiter     *ratelimiter.MapLimiter
	sendLimiter       *ratelimiter.MapLimiter
}

// NewAbuseProtectionFromEnv builds an AbuseProtection from environment
// overrides, falling back to conservative defaults when unset or invalid.
func NewAbuseProtectionFromEnv() *AbuseProtection {
	maxMembers := readPositiveIntEnv(maxMembersEnv, 256)
	maxPendingInvites := readPositiveIntEnv(maxPendingInvitesEnv, 128)
	if maxPendingInvites > maxMembers {
		maxPendingInvites = maxMembers
	}
	return &AbuseProtection{
		maxMembers:        maxMembers,
		maxPendingInvites: maxPendingInvites,
		inviteLimiter: ratelimiter.New(
			readPositiveFloatEnv(inviteRateLimitRPSEnv, 20),
			readPositiveIntEnv(inviteRateLimitBurstEnv, 40),
			10*time.Minute,
		),
		sendLimiter: ratelimiter.New(
			readPositiveFloatEnv(sendRateLimitRPSEnv, 50),
			readPositiveIntEnv(sendRateLimitBurstEnv, 100),
			10*time.Minute,
		),
	}
}

// AllowInvite reports whether actorID may issue another invite right now.
func (p *AbuseProtection) AllowInvite(actorID string, now time.Time) bool {
	if p == nil {
		return true
	}
	return p.inviteLimiter.Allow(actorID, now)
}

// AllowSend reports whether actorID may broadcast another group message
// right now.
func (p *AbuseProtection) AllowSend(actorID string, now time.Time) bool {
	if p == nil {
		return true
	}
	return p.sendLimiter.Allow(actorID, now)
}

// EnforceQuotas checks state's member and pending-invite counts against the
// configured ceilings.
func (p *AbuseProtection) EnforceQuotas(state GroupState) error {
	if p == nil {
		return nil
	}
	var members, pending int
	for _, m := range state.Members {
		switch m.Status {
		case GroupMemberStatusActive:
			members++
		case GroupMemberStatusInvited:
			members++
			pending++
		}
	}
	if members >= p.maxMembers {
		return ErrGroupMemberLimitExceeded
	}
	if pending >= p.maxPendingInvites {
		return ErrGroupPendingInvitesLimitExceeded
	}
	return nil
}

func readPositiveIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func readPositiveFloatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
