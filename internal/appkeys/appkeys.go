// Package appkeys implements the owner-signed device directory: a single
// kind-30078 replaceable event, signed by an account's own (non-device)
// identity key, listing every device's identity public key and when it was
// added. Grounded on original_source/.../app_keys.rs.
package appkeys

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ardentnet/nostr-ratchet/internal/events"
)

var (
	ErrInvalidSignature = errors.New("appkeys: invalid event signature")
	ErrMissingDTag      = errors.New("appkeys: missing app-keys d tag")
)

// DeviceEntry is one device's identity public key and when the owner added
// it to the directory.
type DeviceEntry struct {
	IdentityPubKey [32]byte
	CreatedAt      int64
}

// Directory is the owner's current set of registered devices, keyed by
// identity public key so duplicates collapse to the earliest registration.
type Directory struct {
	devices map[[32]byte]DeviceEntry
}

// New builds a Directory from an initial device list; duplicate identity
// keys keep whichever entry was added first.
func New(devices []DeviceEntry) *Directory {
	d := &Directory{devices: map[[32]byte]DeviceEntry{}}
	for _, device := range devices {
		d.AddDevice(device)
	}
	return d
}

// AddDevice registers device if its identity key isn't already present.
func (d *Directory) AddDevice(device DeviceEntry) {
	if _, ok := d.devices[device.IdentityPubKey]; ok {
		return
	}
	d.devices[device.IdentityPubKey] = device
}

// RemoveDevice drops a device from the directory.
func (d *Directory) RemoveDevice(identityPubKey [32]byte) {
	delete(d.devices, identityPubKey)
}

// GetDevice looks up a single device by its identity public key.
func (d *Directory) GetDevice(identityPubKey [32]byte) (DeviceEntry, bool) {
	device, ok := d.devices[identityPubKey]
	return device, ok
}

// GetAllDevices returns every registered device, in no particular order.
func (d *Directory) GetAllDevices() []DeviceEntry {
	out := make([]DeviceEntry, 0, len(d.devices))
	for _, device := range d.devices {
		out = append(out, device)
	}
	return out
}

// GetEvent builds the unsigned directory event for ownerPubKey; the caller
// signs it with the owner's identity key.
func (d *Directory) GetEvent(ownerPubKey string, createdAt int64) events.Rumor {
	tags := nostr.Tags{
		{"d", events.AppKeysDTag},
		{"version", "1"},
	}
	for _, device := range d.GetAllDevices() {
		tags = append(tags, nostr.Tag{
			"device",
			hex.EncodeToString(device.IdentityPubKey[:]),
			strconv.FormatInt(device.CreatedAt, 10),
		})
	}
	return events.Rumor{
		PubKey:    ownerPubKey,
		CreatedAt: createdAt,
		Kind:      events.KindAppKeys,
		Tags:      tags,
		Content:   "",
	}
}

// FromEvent validates event's signature and the app-keys d tag, then
// extracts every device tag into a Directory.
func FromEvent(event *nostr.Event) (*Directory, error) {
	ok, err := event.CheckSignature()
	if err != nil || !ok {
		return nil, ErrInvalidSignature
	}

	hasDTag := false
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "d" && tag[1] == events.AppKeysDTag {
			hasDTag = true
			break
		}
	}
	if !hasDTag {
		return nil, ErrMissingDTag
	}

	var devices []DeviceEntry
	for _, tag := range event.Tags {
		if len(tag) < 3 || tag[0] != "device" {
			continue
		}
		pk, err := hex.DecodeString(tag[1])
		if err != nil || len(pk) != 32 {
			continue
		}
		createdAt, err := strconv.ParseInt(tag[2], 10, 64)
		if err != nil {
			createdAt = int64(event.CreatedAt)
		}
		var pubKey [32]byte
		copy(pubKey[:], pk)
		devices = append(devices, DeviceEntry{IdentityPubKey: pubKey, CreatedAt: createdAt})
	}

	return New(devices), nil
}

type storedDevice struct {
	IdentityPubKey string `json:"identityPubkey"`
	CreatedAt      int64  `json:"createdAt"`
}

type storedDirectory struct {
	Devices []storedDevice `json:"devices"`
}

// Serialize renders the directory as JSON for local persistence.
func (d *Directory) Serialize() (string, error) {
	out := storedDirectory{}
	for _, device := range d.GetAllDevices() {
		out.Devices = append(out.Devices, storedDevice{
			IdentityPubKey: hex.EncodeToString(device.IdentityPubKey[:]),
			CreatedAt:      device.CreatedAt,
		})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("appkeys: serialize: %w", err)
	}
	return string(raw), nil
}

// Deserialize restores a Directory from JSON produced by Serialize.
func Deserialize(data string) (*Directory, error) {
	var stored storedDirectory
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("appkeys: deserialize: %w", err)
	}
	devices := make([]DeviceEntry, 0, len(stored.Devices))
	for _, device := range stored.Devices {
		pk, err := hex.DecodeString(device.IdentityPubKey)
		if err != nil || len(pk) != 32 {
			continue
		}
		var pubKey [32]byte
		copy(pubKey[:], pk)
		devices = append(devices, DeviceEntry{IdentityPubKey: pubKey, CreatedAt: device.CreatedAt})
	}
	return New(devices), nil
}

// Merge combines d with other, keeping whichever entry has the earliest
// CreatedAt for any identity key present in both.
func (d *Directory) Merge(other *Directory) *Directory {
	merged := &Directory{devices: map[[32]byte]DeviceEntry{}}
	for _, device := range d.GetAllDevices() {
		merged.devices[device.IdentityPubKey] = device
	}
	for _, device := range other.GetAllDevices() {
		existing, ok := merged.devices[device.IdentityPubKey]
		if !ok || device.CreatedAt < existing.CreatedAt {
			merged.devices[device.IdentityPubKey] = device
		}
	}
	return merged
}

// IsAppKeysEvent reports whether event is a directory event: the right kind
// carrying the app-keys d tag.
func IsAppKeysEvent(event *nostr.Event) bool {
	if event.Kind != events.KindAppKeys {
		return false
	}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "d" && tag[1] == events.AppKeysDTag {
			return true
		}
	}
	return false
}
