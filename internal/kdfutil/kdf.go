// Package kdfutil provides the single HKDF-SHA256 derivation helper shared
// by the 1:1 ratchet and the group sender-key ratchet, grounded directly on
// original_source/.../utils.rs's kdf function: extract once with
// (ikm, salt), then expand each of n outputs independently using a
// single-byte info label [1], [2], ... so every output is exactly one
// HMAC block, never chained into the next.
package kdfutil

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Derive returns n independent 32-byte outputs of HKDF-SHA256(ikm, salt).
func Derive(ikm, salt []byte, n int) [][32]byte {
	prk := hkdf.Extract(sha256.New, ikm, salt)
	out := make([][32]byte, n)
	for i := 0; i < n; i++ {
		info := []byte{byte(i + 1)}
		r := hkdf.Expand(sha256.New, prk, info)
		io.ReadFull(r, out[i][:])
	}
	return out
}
