package group

import (
	"errors"
	"strings"
	"time"
)

// GroupEventType names a kind of change applied to a GroupState.
type GroupEventType string

const (
	GroupEventTypeMemberAdd    GroupEventType = "member_add"
	GroupEventTypeMemberRemove GroupEventType = "member_remove"
	GroupEventTypeMemberLeave  GroupEventType = "member_leave"
	GroupEventTypeTitleChange  GroupEventType = "title_change"
	GroupEventTypeKeyRotate    GroupEventType = "key_rotate"
)

var (
	ErrInvalidGroupEventID      = errors.New("group: invalid event id")
	ErrInvalidGroupEventType    = errors.New("group: invalid event type")
	ErrInvalidGroupEventVersion = errors.New("group: invalid event version")
	ErrInvalidGroupEventActor   = errors.New("group: invalid event actor id")
	ErrInvalidGroupEventPayload = errors.New("group: invalid event payload")
	ErrOutOfOrderGroupEvent     = errors.New("group: out-of-order event")
)

func (t GroupEventType) Valid() bool {
	switch t {
	case GroupEventTypeMemberAdd, GroupEventTypeMemberRemove, GroupEventTypeMemberLeave, GroupEventTypeTitleChange, GroupEventTypeKeyRotate:
		return true
	default:
		return false
	}
}

// GroupEvent is one versioned change to a group's membership or metadata.
// In membership.go, the events applied by CreateGroup, InviteMember,
// LeaveGroup and RemoveMember are each immediately followed by a
// GroupEventTypeKeyRotate; those applied by AcceptInvite, DeclineInvite and
// ChangeMemberRole are not.
type GroupEvent struct {
	ID         string         `json:"id"`
	GroupID    string         `json:"group_id"`
	Version    uint64         `json:"version"`
	Type       GroupEventType `json:"type"`
	ActorID    string         `json:"actor_id"`
	OccurredAt time.Time      `json:"occurred_at"`

	MemberID string          `json:"member_id,omitempty"`
	Role     GroupMemberRole `json:"role,omitempty"`
	Title    string          `json:"title,omitempty"`

	KeyVersion uint32 `json:"key_version,omitempty"`
}

func ValidateGroupEvent(event GroupEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		return ErrInvalidGroupEventID
	}
	if strings.TrimSpace(event.GroupID) == "" {
		return ErrInvalidGroupID
	}
	if event.Version == 0 {
		return ErrInvalidGroupEventVersion
	}
	if !event.Type.Valid() {
		return ErrInvalidGroupEventType
	}
	if strings.TrimSpace(event.ActorID) == "" {
		return ErrInvalidGroupEventActor
	}
	if event.OccurredAt.IsZero() {
		return ErrInvalidGroupEventPayload
	}
	switch event.Type {
	case GroupEventTypeMemberAdd:
		if strings.TrimSpace(event.MemberID) == "" || !event.Role.Valid() {
			return ErrInvalidGroupEventPayload
		}
	case GroupEventTypeMemberRemove, GroupEventTypeMemberLeave:
		if strings.TrimSpace(event.MemberID) == "" {
			return ErrInvalidGroupEventPayload
		}
	case GroupEventTypeTitleChange:
		if strings.TrimSpace(event.Title) == "" {
			return ErrInvalidGroupEventPayload
		}
	case GroupEventTypeKeyRotate:
		if event.KeyVersion == 0 {
			return ErrInvalidGroupEventPayload
		}
	}
	return nil
}

// GroupState is the membership projection built by folding a group's event
// log. LastKeyVersion tracks which sender-key generation members are
// expected to hold; it changes only when a GroupEventTypeKeyRotate event is
// applied, which MembershipService appends (distribution.go only reads it).
type GroupState struct {
	Group           Group                  `json:"group"`
	Version         uint64                 `json:"version"`
	AppliedEventIDs map[string]struct{}    `json:"applied_event_ids"`
	Members         map[string]GroupMember `json:"members"`
	LastKeyVersion  uint32                 `json:"last_key_version"`
}

func NewGroupState(g Group) GroupState {
	return GroupState{
		Group:           g,
		AppliedEventIDs: make(map[string]struct{}),
		Members:         make(map[string]GroupMember),
	}
}

// ApplyGroupEvent folds event into state. It returns applied=false, nil when
// event.ID was already applied — re-delivery of a group event (e.g. from an
// unreliable relay) is a no-op, not an error.
func ApplyGroupEvent(state *GroupState, event GroupEvent) (bool, error) {
	if state == nil {
		return false, ErrInvalidGroupEventPayload
	}
	if err := ValidateGroupEvent(event); err != nil {
		return false, err
	}
	if strings.TrimSpace(state.Group.ID) == "" || event.GroupID != state.Group.ID {
		return false, ErrInvalidGroupID
	}
	if state.AppliedEventIDs == nil {
		state.AppliedEventIDs = make(map[string]struct{})
	}
	if state.Members == nil {
		state.Members = make(map[string]GroupMember)
	}
	if _, seen := state.AppliedEventIDs[event.ID]; seen {
		return false, nil
	}
	if expected := state.Version + 1; event.Version != expected {
		return false, ErrOutOfOrderGroupEvent
	}

	switch event.Type {
	case GroupEventTypeMemberAdd:
		applyMemberAdd(state, event)
	case GroupEventTypeMemberRemove:
		member := state.Members[event.MemberID]
		member.GroupID, member.MemberID = state.Group.ID, event.MemberID
		if member.Role == "" {
			member.Role = GroupMemberRoleUser
		}
		member.Status = GroupMemberStatusRemoved
		member.UpdatedAt = event.OccurredAt.UTC()
		state.Members[event.MemberID] = member
	case GroupEventTypeMemberLeave:
		member := state.Members[event.MemberID]
		member.GroupID, member.MemberID = state.Group.ID, event.MemberID
		if member.Role == "" {
			member.Role = GroupMemberRoleUser
		}
		member.Status = GroupMemberStatusLeft
		member.UpdatedAt = event.OccurredAt.UTC()
		state.Members[event.MemberID] = member
	case GroupEventTypeTitleChange:
		state.Group.Title = strings.TrimSpace(event.Title)
		state.Group.UpdatedAt = event.OccurredAt.UTC()
	case GroupEventTypeKeyRotate:
		state.LastKeyVersion = event.KeyVersion
		state.Group.UpdatedAt = event.OccurredAt.UTC()
	}

	state.Version = event.Version
	state.AppliedEventIDs[event.ID] = struct{}{}
	return true, nil
}

func applyMemberAdd(state *GroupState, event GroupEvent) {
	member, exists := state.Members[event.MemberID]
	if !exists {
		state.Members[event.MemberID] = GroupMember{
			GroupID:   state.Group.ID,
			MemberID:  event.MemberID,
			Role:      event.Role,
			Status:    GroupMemberStatusInvited,
			InvitedAt: event.OccurredAt.UTC(),
			UpdatedAt: event.OccurredAt.UTC(),
		}
		return
	}
	member.Role = event.Role
	switch member.Status {
	case GroupMemberStatusInvited:
		if event.ActorID == event.MemberID {
			member.Status = GroupMemberStatusActive
			member.ActivatedAt = event.OccurredAt.UTC()
		}
	case GroupMemberStatusLeft, GroupMemberStatusRemoved:
		member.Status = GroupMemberStatusInvited
		member.InvitedAt = event.OccurredAt.UTC()
		member.ActivatedAt = time.Time{}
	}
	member.UpdatedAt = event.OccurredAt.UTC()
	state.Members[event.MemberID] = member
}
