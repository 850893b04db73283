// Package group implements group chat metadata, membership, and sender-key
// distribution: group membership is an event-sourced state machine (ported
// from the teacher's internal/domains/group/model package), and a group's
// chat traffic rides internal/senderkey's symmetric ratchet broadcast inside
// an internal/sharedchannel envelope keyed by the group's own secret.
// Grounded on original_source/.../tests/group_interop.rs for the membership
// shape and tests/shared_channel_sender_key_test.rs for the wire format.
package group

import (
	"errors"
	"strings"
	"time"
)

// GroupMemberRole is a member's administrative standing inside a group.
type GroupMemberRole string

const (
	GroupMemberRoleOwner GroupMemberRole = "owner"
	GroupMemberRoleAdmin GroupMemberRole = "admin"
	GroupMemberRoleUser  GroupMemberRole = "user"
)

// GroupMemberStatus is a member's lifecycle state inside a group.
type GroupMemberStatus string

const (
	GroupMemberStatusInvited GroupMemberStatus = "invited"
	GroupMemberStatusActive  GroupMemberStatus = "active"
	GroupMemberStatusLeft    GroupMemberStatus = "left"
	GroupMemberStatusRemoved GroupMemberStatus = "removed"
)

var (
	ErrInvalidGroupID                     = errors.New("group: invalid group id")
	ErrInvalidGroupTitle                  = errors.New("group: title is required")
	ErrInvalidGroupMemberID               = errors.New("group: invalid member id")
	ErrInvalidGroupMemberRole             = errors.New("group: invalid member role")
	ErrInvalidGroupMemberStatus           = errors.New("group: invalid member status")
	ErrInvalidGroupMemberStatusTransition = errors.New("group: invalid member status transition")
)

// Group is the metadata shared by every member: title plus whoever created
// it and when it last changed.
type Group struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GroupMember is one identity's role and lifecycle state inside a group.
type GroupMember struct {
	GroupID     string            `json:"group_id"`
	MemberID    string            `json:"member_id"`
	Role        GroupMemberRole   `json:"role"`
	Status      GroupMemberStatus `json:"status"`
	InvitedAt   time.Time         `json:"invited_at"`
	ActivatedAt time.Time         `json:"activated_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (r GroupMemberRole) Valid() bool {
	switch r {
	case GroupMemberRoleOwner, GroupMemberRoleAdmin, GroupMemberRoleUser:
		return true
	default:
		return false
	}
}

func (s GroupMemberStatus) Valid() bool {
	switch s {
	case GroupMemberStatusInvited, GroupMemberStatusActive, GroupMemberStatusLeft, GroupMemberStatusRemoved:
		return true
	default:
		return false
	}
}

// IsOwner reports whether the member holds the group's owner role.
func (m GroupMember) IsOwner() bool {
	return m.Role == GroupMemberRoleOwner
}

// CanManageMembers reports whether the member may invite or remove other
// members: owners and admins, while active.
func (m GroupMember) CanManageMembers() bool {
	return m.Status == GroupMemberStatusActive && (m.Role == GroupMemberRoleOwner || m.Role == GroupMemberRoleAdmin)
}

// CanMutateRole reports whether the member's own role may be changed by
// someone else — never true for the owner, the group's only permanent role.
func (m GroupMember) CanMutateRole() bool {
	return !m.IsOwner() && m.Status != GroupMemberStatusRemoved
}

// ValidateGroupMember checks that every required field of member is
// well-formed.
func ValidateGroupMember(member GroupMember) error {
	if strings.TrimSpace(member.GroupID) == "" {
		return ErrInvalidGroupID
	}
	if strings.TrimSpace(member.MemberID) == "" {
		return ErrInvalidGroupMemberID
	}
	if !member.Role.Valid() {
		return ErrInvalidGroupMemberRole
	}
	if !member.Status.Valid() {
		return ErrInvalidGroupMemberStatus
	}
	return nil
}

// ValidateGroupMemberStatusTransition checks a lifecycle transition:
//
//	invited -> active | removed
//	active  -> left | removed
//	left    -> active | removed
//	removed -> (terminal)
func ValidateGroupMemberStatusTransition(from, to GroupMemberStatus) error {
	if !from.Valid() || !to.Valid() {
		return ErrInvalidGroupMemberStatus
	}
	if from == to {
		return nil
	}
	switch from {
	case GroupMemberStatusInvited:
		if to == GroupMemberStatusActive || to == GroupMemberStatusRemoved {
			return nil
		}
	case GroupMemberStatusActive:
		if to == GroupMemberStatusLeft || to == GroupMemberStatusRemoved {
			return nil
		}
	case GroupMemberStatusLeft:
		if to == GroupMemberStatusActive || to == GroupMemberStatusRemoved {
			return nil
		}
	case GroupMemberStatusRemoved:
		// terminal
	}
	return ErrInvalidGroupMemberStatusTransition
}

// NormalizeGroupID trims and validates a group id.
func NormalizeGroupID(groupID string) (string, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return "", ErrInvalidGroupID
	}
	return groupID, nil
}

// NormalizeGroupTitle trims and validates a group title.
func NormalizeGroupTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrInvalidGroupTitle
	}
	return title, nil
}

// NormalizeGroupMemberID trims and validates a member id (an identity
// public key in hex).
func NormalizeGroupMemberID(memberID string) (string, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return "", ErrInvalidGroupMemberID
	}
	return memberID, nil
}
