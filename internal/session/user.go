package session

import (
	"sort"

	"github.com/ardentnet/nostr-ratchet/internal/ratchet"
)

// DeviceRecord tracks one peer device's ratchet history: the session
// currently used to talk to it, plus any earlier ones kept around only
// because a message sent under them may still be in flight.
type DeviceRecord struct {
	DeviceID         string
	ActiveSession    *ratchet.Session
	InactiveSessions []*ratchet.Session
	IsStale          bool
	StaleTimestamp   *int64
	LastActivity     *int64
}

// UserRecord is every session we've established toward one identity public
// key, spanning all of its devices. Grounded on
// original_source/.../user_record.rs; deviceID here is always the peer's
// own device identifier (its identity public key in hex for the invite
// flow), not a locally-assigned slot.
type UserRecord struct {
	UserID  string
	Devices map[string]*DeviceRecord
	IsStale bool
}

func NewUserRecord(userID string) *UserRecord {
	return &UserRecord{UserID: userID, Devices: map[string]*DeviceRecord{}}
}

// UpsertSession installs session as deviceID's session. If a session is
// already active for that device, the new session becomes active unless the
// old one can currently send and the new one cannot; the one not made active
// is kept inactive so a message sealed under it can still be received.
func (u *UserRecord) UpsertSession(deviceID string, session *ratchet.Session, now int64) {
	if deviceID == "" {
		deviceID = "unknown"
	}
	device, ok := u.Devices[deviceID]
	if !ok {
		device = &DeviceRecord{DeviceID: deviceID}
		u.Devices[deviceID] = device
	}

	newCanSend := session.CanSend()
	if device.ActiveSession != nil {
		old := device.ActiveSession
		oldCanSend := old.CanSend()
		if oldCanSend && !newCanSend {
			device.InactiveSessions = append(device.InactiveSessions, session)
		} else {
			device.InactiveSessions = append(device.InactiveSessions, old)
			device.ActiveSession = session
		}
	} else {
		device.ActiveSession = session
	}
	last := now
	device.LastActivity = &last
}

// AllSessions returns every live session across every non-stale device,
// active sessions included alongside inactive ones.
func (u *UserRecord) AllSessions() []*ratchet.Session {
	if u.IsStale {
		return nil
	}
	var out []*ratchet.Session
	for _, d := range u.Devices {
		if d.IsStale {
			continue
		}
		if d.ActiveSession != nil {
			out = append(out, d.ActiveSession)
		}
		out = append(out, d.InactiveSessions...)
	}
	return out
}

// ActiveSendableSessions returns each non-stale device's active session,
// sendable sessions sorted first.
func (u *UserRecord) ActiveSendableSessions() []*ratchet.Session {
	if u.IsStale {
		return nil
	}
	var out []*ratchet.Session
	for _, d := range u.Devices {
		if d.IsStale || d.ActiveSession == nil {
			continue
		}
		out = append(out, d.ActiveSession)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CanSend() && !out[j].CanSend()
	})
	return out
}

// Close tears down every session held for this user and drops them.
func (u *UserRecord) Close() {
	for _, d := range u.Devices {
		if d.ActiveSession != nil {
			d.ActiveSession.Close()
		}
		for _, s := range d.InactiveSessions {
			s.Close()
		}
	}
	u.Devices = map[string]*DeviceRecord{}
}
