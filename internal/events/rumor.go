package events

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Rumor is the inner, unsigned event a session encrypts. It is never signed
// itself — authenticity comes from having been delivered through a session
// whose chain keys derive from an authenticated handshake, not from a
// Schnorr signature on the rumor.
type Rumor struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      nostr.Tags `json:"tags"`
	Content   string     `json:"content"`
}

// ComputeID recomputes the rumor's canonical NIP-01 id: the hex-encoded
// sha256 of the compact JSON array [0, pubkey, created_at, kind, tags,
// content]. Callers must not trust a rumor's ID field until this has been
// checked against it — the inner event was never signed, so its id is only
// as trustworthy as the session that decrypted it.
func ComputeID(r Rumor) (string, error) {
	tags := r.Tags
	if tags == nil {
		tags = nostr.Tags{}
	}
	arr := []any{0, r.PubKey, r.CreatedAt, r.Kind, tags, r.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return "", fmt.Errorf("rumor: encode canonical form: %w", err)
	}
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:]), nil
}

// ValidateID reports whether r.ID matches its recomputed canonical id.
func ValidateID(r Rumor) (bool, error) {
	want, err := ComputeID(r)
	if err != nil {
		return false, err
	}
	return want == r.ID, nil
}

// WithComputedID returns a copy of r with ID set to its recomputed canonical
// value. Used right after decrypting a rumor whose sender may have omitted
// or mismatched the id field.
func WithComputedID(r Rumor) (Rumor, error) {
	id, err := ComputeID(r)
	if err != nil {
		return Rumor{}, err
	}
	r.ID = id
	return r, nil
}

// HasTag reports whether the rumor carries a tag whose first element equals
// name, returning its remaining values.
func HasTag(r Rumor, name string) ([]string, bool) {
	for _, tag := range r.Tags {
		if len(tag) == 0 {
			continue
		}
		if tag[0] == name {
			if len(tag) > 1 {
				return tag[1:], true
			}
			return nil, true
		}
	}
	return nil, false
}
