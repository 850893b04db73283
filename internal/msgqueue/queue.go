// Package msgqueue implements a per-target durable outbound queue over a
// storage.Adapter, grounded on
// original_source/.../message_queue.rs. Entries are keyed by
// "<prefix><event-id-or-uuid>/<target>" so that independent queues sharing
// one adapter (distinguished by prefix) never collide, and so a single event
// fanned out to several targets can be removed for one target without
// touching the others.
package msgqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ardentnet/nostr-ratchet/internal/storage"
)

// Entry is one queued outbound payload awaiting delivery to TargetKey.
type Entry struct {
	ID        string          `json:"id"`
	TargetKey string          `json:"targetKey"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
}

type Queue struct {
	storage storage.Adapter
	prefix  string
	now     func() int64
}

func New(adapter storage.Adapter, prefix string) *Queue {
	return &Queue{storage: adapter, prefix: prefix, now: nowMillis}
}

func (q *Queue) key(id string) string {
	return q.prefix + id
}

// Add enqueues payload for targetKey. If idHint is non-empty (typically the
// outer event's id once known) it is used to key the entry; otherwise a
// random id is generated, matching the Rust queue's fallback to a fresh
// UUID for events that don't have an id yet.
func (q *Queue) Add(ctx context.Context, targetKey string, idHint string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("msgqueue: marshal payload: %w", err)
	}
	base := idHint
	if base == "" {
		base = uuid.NewString()
	}
	id := fmt.Sprintf("%s/%s", base, targetKey)
	entry := Entry{
		ID:        id,
		TargetKey: targetKey,
		Payload:   raw,
		CreatedAt: q.now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("msgqueue: marshal entry: %w", err)
	}
	if err := q.storage.Put(ctx, q.key(id), string(data)); err != nil {
		return "", fmt.Errorf("msgqueue: put: %w", err)
	}
	return id, nil
}

// GetForTarget returns every queued entry for targetKey, oldest first.
func (q *Queue) GetForTarget(ctx context.Context, targetKey string) ([]Entry, error) {
	keys, err := q.storage.List(ctx, q.prefix)
	if err != nil {
		return nil, fmt.Errorf("msgqueue: list: %w", err)
	}
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := q.storage.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("msgqueue: get %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.TargetKey == targetKey {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// RemoveForTarget drops every entry queued for targetKey.
func (q *Queue) RemoveForTarget(ctx context.Context, targetKey string) error {
	keys, err := q.storage.List(ctx, q.prefix)
	if err != nil {
		return fmt.Errorf("msgqueue: list: %w", err)
	}
	for _, key := range keys {
		raw, ok, err := q.storage.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("msgqueue: get %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.TargetKey == targetKey {
			if err := q.storage.Del(ctx, key); err != nil {
				return fmt.Errorf("msgqueue: del %s: %w", key, err)
			}
		}
	}
	return nil
}

// RemoveByTargetAndEventID removes exactly the entry for (eventID, targetKey).
func (q *Queue) RemoveByTargetAndEventID(ctx context.Context, targetKey, eventID string) error {
	return q.Remove(ctx, fmt.Sprintf("%s/%s", eventID, targetKey))
}

// Remove deletes a single entry by its full id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.storage.Del(ctx, q.key(id)); err != nil {
		return fmt.Errorf("msgqueue: del: %w", err)
	}
	return nil
}

func nowMillis() int64 {
	return timeNowUnixMilli()
}
