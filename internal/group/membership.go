package group

import (
	"errors"
	"time"
)

var (
	ErrGroupNotFound           = errors.New("group: not found")
	ErrGroupMembershipNotFound = errors.New("group: membership not found")
	ErrGroupPermissionDenied   = errors.New("group: permission denied")
	ErrGroupCannotInviteSelf   = errors.New("group: cannot invite self")
	ErrInvalidGroupMemberState = errors.New("group: member is not in a state that allows this operation")
)

// MembershipService owns every group's membership projection and event log
// and applies membership changes to them. Invites, leaves and removals are
// each immediately followed by a key-rotation event so callers know to
// redistribute the group's sender-key chain; accepting or declining an
// invite and changing a role do not rotate. Grounded on the teacher's
// internal/domains/group/usecase/membership_service.go, trimmed to drop its
// pluggable persistence/notification hooks (this engine persists through
// internal/storage instead, one level up, the way internal/session persists
// ratchet sessions).
type MembershipService struct {
	States   map[string]GroupState
	EventLog map[string][]GroupEvent
	Abuse    *AbuseProtection

	GenerateID func(prefix string) (string, error)
}

func (s *MembershipService) init() {
	if s.States == nil {
		s.States = make(map[string]GroupState)
	}
	if s.EventLog == nil {
		s.EventLog = make(map[string][]GroupEvent)
	}
}

func (s *MembershipService) generateID(prefix string) (string, error) {
	if s.GenerateID == nil {
		return "", errors.New("group: id generator is required")
	}
	return s.GenerateID(prefix)
}

// CreateGroup starts a new group owned by creatorID and returns its initial
// state. The creator's membership-add and the group's first key-rotation
// (to KeyVersion 1) are both applied before returning, so the caller can
// immediately derive and distribute a sender-key chain at that version.
func (s *MembershipService) CreateGroup(title, creatorID string, now time.Time) (GroupState, error) {
	s.init()
	title, err := NormalizeGroupTitle(title)
	if err != nil {
		return GroupState{}, err
	}
	creatorID, err = NormalizeGroupMemberID(creatorID)
	if err != nil {
		return GroupState{}, err
	}
	groupID, err := s.generateID("group")
	if err != nil {
		return GroupState{}, err
	}
	if _, exists := s.States[groupID]; exists {
		return GroupState{}, errors.New("group: id collision")
	}

	g := Group{ID: groupID, Title: title, CreatedBy: creatorID, CreatedAt: now, UpdatedAt: now}
	state := NewGroupState(g)

	addEventID, err := s.generateID("gevt")
	if err != nil {
		return GroupState{}, err
	}
	addEvent := GroupEvent{
		ID: addEventID, GroupID: groupID, Version: 1, Type: GroupEventTypeMemberAdd,
		ActorID: creatorID, OccurredAt: now, MemberID: creatorID, Role: GroupMemberRoleOwner,
	}
	if _, err := ApplyGroupEvent(&state, addEvent); err != nil {
		return GroupState{}, err
	}
	owner := state.Members[creatorID]
	owner.Status = GroupMemberStatusActive
	owner.ActivatedAt = now
	owner.UpdatedAt = now
	state.Members[creatorID] = owner

	rotateEventID, err := s.generateID("gevt")
	if err != nil {
		return GroupState{}, err
	}
	rotateEvent := GroupEvent{
		ID: rotateEventID, GroupID: groupID, Version: 2, Type: GroupEventTypeKeyRotate,
		ActorID: creatorID, OccurredAt: now, KeyVersion: 1,
	}
	if _, err := ApplyGroupEvent(&state, rotateEvent); err != nil {
		return GroupState{}, err
	}

	s.States[groupID] = state
	s.EventLog[groupID] = []GroupEvent{addEvent, rotateEvent}
	return state, nil
}

// InviteMember adds memberID to groupID's membership, gated on actorID
// being able to manage members. Returns the group's new state and whether a
// key rotation was applied (always true on a fresh invite, false when
// memberID was already invited or active).
func (s *MembershipService) InviteMember(groupID, actorID, memberID string, now time.Time) (GroupState, bool, error) {
	s.init()
	state, actor, err := s.loadActingMember(groupID, actorID, true)
	if err != nil {
		return GroupState{}, false, err
	}
	memberID, err = NormalizeGroupMemberID(memberID)
	if err != nil {
		return GroupState{}, false, err
	}
	if memberID == actorID {
		return GroupState{}, false, ErrGroupCannotInviteSelf
	}
	if !actor.CanManageMembers() {
		return GroupState{}, false, ErrGroupPermissionDenied
	}
	if existing, ok := state.Members[memberID]; ok &&
		(existing.Status == GroupMemberStatusInvited || existing.Status == GroupMemberStatusActive) {
		return state, false, nil
	}
	if s.Abuse != nil {
		if !s.Abuse.AllowInvite(actorID, now) {
			return GroupState{}, false, ErrGroupRateLimitExceeded
		}
		if err := s.Abuse.EnforceQuotas(state); err != nil {
			return GroupState{}, false, err
		}
	}

	event := GroupEvent{
		ID: mustID(s, "gevt"), GroupID: groupID, Version: state.Version + 1, Type: GroupEventTypeMemberAdd,
		ActorID: actorID, OccurredAt: now, MemberID: memberID, Role: GroupMemberRoleUser,
	}
	next, err := s.applyWithRotation(state, event)
	if err != nil {
		return GroupState{}, false, err
	}
	return next, true, nil
}

// AcceptInvite transitions the caller's own invited membership to active.
func (s *MembershipService) AcceptInvite(groupID, actorID string, now time.Time) (GroupState, error) {
	state, member, err := s.loadSelf(groupID, actorID)
	if err != nil {
		return GroupState{}, err
	}
	if member.Status == GroupMemberStatusActive {
		return state, nil
	}
	if err := ValidateGroupMemberStatusTransition(member.Status, GroupMemberStatusActive); err != nil {
		return GroupState{}, err
	}
	event := GroupEvent{
		ID: mustID(s, "gevt"), GroupID: groupID, Version: state.Version + 1, Type: GroupEventTypeMemberAdd,
		ActorID: actorID, OccurredAt: now, MemberID: actorID, Role: member.Role,
	}
	return s.applyEvents(state, event)
}

// DeclineInvite removes the caller's own still-pending invite.
func (s *MembershipService) DeclineInvite(groupID, actorID string, now time.Time) (GroupState, error) {
	state, member, err := s.loadSelf(groupID, actorID)
	if err != nil {
		return GroupState{}, err
	}
	if member.Status != GroupMemberStatusInvited {
		return GroupState{}, ErrInvalidGroupMemberState
	}
	event := GroupEvent{
		ID: mustID(s, "gevt"), GroupID: groupID, Version: state.Version + 1, Type: GroupEventTypeMemberRemove,
		ActorID: actorID, OccurredAt: now, MemberID: actorID,
	}
	return s.applyEvents(state, event)
}

// LeaveGroup marks the caller's own membership as left and rotates the
// group's sender-key chain so a departed member can no longer read new
// messages.
func (s *MembershipService) LeaveGroup(groupID, actorID string, now time.Time) (GroupState, error) {
	state, member, err := s.loadSelf(groupID, actorID)
	if err != nil {
		return GroupState{}, err
	}
	if member.Status == GroupMemberStatusLeft || member.Status == GroupMemberStatusRemoved {
		return state, nil
	}
	event := GroupEvent{
		ID: mustID(s, "gevt"), GroupID: groupID, Version: state.Version + 1, Type: GroupEventTypeMemberLeave,
		ActorID: actorID, OccurredAt: now, MemberID: actorID,
	}
	return s.applyWithRotation(state, event)
}

// RemoveMember expels memberID, gated on actorID being able to manage
// members; the owner can never be removed.
func (s *MembershipService) RemoveMember(groupID, actorID, memberID string, now time.Time) (GroupState, error) {
	state, actor, err := s.loadActingMember(groupID, actorID, true)
	if err != nil {
		return GroupState{}, err
	}
	memberID, err = NormalizeGroupMemberID(memberID)
	if err != nil {
		return GroupState{}, err
	}
	if !actor.CanManageMembers() {
		return GroupState{}, ErrGroupPermissionDenied
	}
	target, exists := state.Members[memberID]
	if !exists {
		return GroupState{}, ErrGroupMembershipNotFound
	}
	if target.IsOwner() {
		return GroupState{}, ErrGroupPermissionDenied
	}
	if target.Status == GroupMemberStatusRemoved {
		return state, nil
	}
	event := GroupEvent{
		ID: mustID(s, "gevt"), GroupID: groupID, Version: state.Version + 1, Type: GroupEventTypeMemberRemove,
		ActorID: actorID, OccurredAt: now, MemberID: memberID,
	}
	return s.applyWithRotation(state, event)
}

// ChangeMemberRole promotes or demotes memberID between admin and user,
// gated on actorID being the owner. No key rotation: a role change doesn't
// affect who can read the group's traffic.
func (s *MembershipService) ChangeMemberRole(groupID, actorID, memberID string, role GroupMemberRole, now time.Time) (GroupState, error) {
	state, actor, err := s.loadActingMember(groupID, actorID, true)
	if err != nil {
		return GroupState{}, err
	}
	memberID, err = NormalizeGroupMemberID(memberID)
	if err != nil {
		return GroupState{}, err
	}
	if !actor.IsOwner() {
		return GroupState{}, ErrGroupPermissionDenied
	}
	target, exists := state.Members[memberID]
	if !exists {
		return GroupState{}, ErrGroupMembershipNotFound
	}
	if !target.CanMutateRole() {
		return GroupState{}, ErrInvalidGroupMemberState
	}
	if target.Role == role {
		return state, nil
	}
	event := GroupEvent{
		ID: mustID(s, "gevt"), GroupID: groupID, Version: state.Version + 1, Type: GroupEventTypeMemberAdd,
		ActorID: actorID, OccurredAt: now, MemberID: memberID, Role: role,
	}
	return s.applyEvents(state, event)
}

func (s *MembershipService) loadActingMember(groupID, actorID string, requireActive bool) (GroupState, GroupMember, error) {
	s.init()
	groupID, err := NormalizeGroupID(groupID)
	if err != nil {
		return GroupState{}, GroupMember{}, err
	}
	actorID, err = NormalizeGroupMemberID(actorID)
	if err != nil {
		return GroupState{}, GroupMember{}, err
	}
	state, ok := s.States[groupID]
	if !ok {
		return GroupState{}, GroupMember{}, ErrGroupNotFound
	}
	actor, exists := state.Members[actorID]
	if !exists {
		return GroupState{}, GroupMember{}, ErrGroupMembershipNotFound
	}
	if requireActive && actor.Status != GroupMemberStatusActive {
		return GroupState{}, GroupMember{}, ErrGroupPermissionDenied
	}
	return state, actor, nil
}

func (s *MembershipService) loadSelf(groupID, actorID string) (GroupState, GroupMember, error) {
	return s.loadActingMember(groupID, actorID, false)
}

func (s *MembershipService) applyEvents(state GroupState, events ...GroupEvent) (GroupState, error) {
	for _, event := range events {
		if _, err := ApplyGroupEvent(&state, event); err != nil {
			return GroupState{}, err
		}
	}
	s.States[state.Group.ID] = state
	s.EventLog[state.Group.ID] = append(s.EventLog[state.Group.ID], events...)
	return state, nil
}

// applyWithRotation applies change, then a trailing key-rotation event
// bumping LastKeyVersion by one — every membership-shape change invalidates
// the group's current sender-key chain for whoever can no longer read it.
func (s *MembershipService) applyWithRotation(state GroupState, change GroupEvent) (GroupState, error) {
	nextKeyVersion := state.LastKeyVersion + 1
	rotate := GroupEvent{
		ID: mustID(s, "gevt"), GroupID: change.GroupID, Version: change.Version + 1, Type: GroupEventTypeKeyRotate,
		ActorID: change.ActorID, OccurredAt: change.OccurredAt, KeyVersion: nextKeyVersion,
	}
	return s.applyEvents(state, change, rotate)
}

func mustID(s *MembershipService, prefix string) string {
	id, err := s.generateID(prefix)
	if err != nil {
		return prefix + "_fallback"
	}
	return id
}
