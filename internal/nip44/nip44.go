// Package nip44 derives NIP-44-v2-flavoured conversation keys and seals
// payloads with them. The conversation key is the HKDF-extracted ECDH
// shared secret between two secp256k1 keys (or a key and itself, for
// self-encrypted shared channels); payloads are sealed with XChaCha20-
// Poly1305 rather than the upstream NIP-44 padded-CBC construction, matching
// the teacher's own AEAD choice in internal/crypto/session.go.
package nip44

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ardentnet/nostr-ratchet/internal/nostrkey"
)

const conversationKeySalt = "nip44-v2"

var newSHA256 = sha256.New

var (
	ErrDecryptFailed  = errors.New("nip44: decryption failed")
	ErrCiphertextSize = errors.New("nip44: ciphertext too short")
)

// ConversationKey is a 32-byte symmetric key shared by exactly the two
// parties to an ECDH (or a party and itself, for self-encryption).
type ConversationKey [32]byte

// DeriveConversationKey computes the conversation key between our private
// key and a peer's x-only public key.
func DeriveConversationKey(priv *secp256k1.PrivateKey, peerXOnly [32]byte) (ConversationKey, error) {
	shared, err := nostrkey.ECDH(priv, peerXOnly)
	if err != nil {
		return ConversationKey{}, fmt.Errorf("nip44: ecdh: %w", err)
	}
	return extract(shared), nil
}

// DeriveSelfConversationKey computes the conversation key a key shares with
// itself, used by shared channels where the publisher and the only reader
// are the same secret.
func DeriveSelfConversationKey(priv *secp256k1.PrivateKey, ownXOnly [32]byte) (ConversationKey, error) {
	return DeriveConversationKey(priv, ownXOnly)
}

func extract(shared [32]byte) ConversationKey {
	hk := hkdf.Extract(newSHA256, shared[:], []byte(conversationKeySalt))
	var out ConversationKey
	copy(out[:], hk)
	return out
}

// Encrypt seals plaintext under the conversation key, returning
// nonce||ciphertext||tag.
func Encrypt(key ConversationKey, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("nip44: new aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nip44: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Decrypt opens a payload produced by Encrypt.
func Decrypt(key ConversationKey, payload []byte) ([]byte, error) {
	if len(payload) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertextSize
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("nip44: new aead: %w", err)
	}
	nonce, ciphertext := payload[:chacha20poly1305.NonceSizeX], payload[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for text payloads.
func EncryptString(key ConversationKey, plaintext string) ([]byte, error) {
	return Encrypt(key, []byte(plaintext))
}

// DecryptString is a convenience wrapper for text payloads.
func DecryptString(key ConversationKey, payload []byte) (string, error) {
	out, err := Decrypt(key, payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
