// Package nostrkey wraps secp256k1 key generation, BIP-340 x-only public
// key encoding, ECDH shared-point derivation, and Schnorr signing behind a
// small Go-idiomatic surface, grounded on the teacher's identity key-manager
// shape (internal/identity/manager.go) but built on the curve Nostr actually
// uses instead of Ed25519.
package nostrkey

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

var (
	ErrInvalidPrivateKey = errors.New("nostrkey: invalid private key")
	ErrInvalidPublicKey  = errors.New("nostrkey: invalid public key")
	ErrSignatureInvalid  = errors.New("nostrkey: signature verification failed")
)

// KeyPair is a secp256k1 identity or ephemeral keypair. PublicKey is the
// 32-byte x-only (BIP-340) encoding used throughout Nostr.
type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  [32]byte
}

// Generate produces a fresh random keypair.
func Generate() (KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("nostrkey: generate: %w", err)
	}
	return fromPrivate(priv), nil
}

// FromPrivateBytes reconstructs a keypair from a 32-byte scalar.
func FromPrivateBytes(b []byte) (KeyPair, error) {
	if len(b) != 32 {
		return KeyPair{}, ErrInvalidPrivateKey
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return fromPrivate(priv), nil
}

func fromPrivate(priv *secp256k1.PrivateKey) KeyPair {
	pub := priv.PubKey()
	var xonly [32]byte
	copy(xonly[:], schnorrPubKeyBytes(pub))
	return KeyPair{PrivateKey: priv, PublicKey: xonly}
}

// PrivateBytes returns the raw 32-byte scalar.
func (k KeyPair) PrivateBytes() []byte {
	return k.PrivateKey.Serialize()
}

// PublicHex returns the 32-byte x-only public key, hex-encoded.
func (k KeyPair) PublicHex() string {
	return hex.EncodeToString(k.PublicKey[:])
}

// ParsePublicHex decodes a 32-byte x-only public key from hex.
func ParsePublicHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, ErrInvalidPublicKey
	}
	copy(out[:], b)
	return out, nil
}

// liftXOnly decompresses a 32-byte x-only key into a full secp256k1 point
// with an even Y coordinate, per BIP-340.
func liftXOnly(xonly [32]byte) (*secp256k1.PublicKey, error) {
	// schnorr.ParsePubKey performs exactly this lift, assuming even Y.
	pub, err := schnorr.ParsePubKey(xonly[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

func schnorrPubKeyBytes(pub *secp256k1.PublicKey) []byte {
	ser := pub.SerializeCompressed()
	// Drop the leading parity byte; BIP-340 keys are x-only.
	return ser[1:]
}

// ECDH computes the shared secret's x-coordinate between our private key and
// a peer's x-only public key. This is the Diffie-Hellman primitive behind
// both the NIP-44 conversation key and the 1:1 ratchet's DH step.
func ECDH(priv *secp256k1.PrivateKey, peerXOnly [32]byte) ([32]byte, error) {
	var out [32]byte
	peerPub, err := liftXOnly(peerXOnly)
	if err != nil {
		return out, err
	}

	var point secp256k1.JacobianPoint
	peerPub.AsJacobian(&point)

	var result secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()

	result.X.PutBytesUnchecked(out[:])
	return out, nil
}

// Sign produces a BIP-340 Schnorr signature over a 32-byte message hash.
func Sign(priv *secp256k1.PrivateKey, hash [32]byte) ([64]byte, error) {
	var out [64]byte
	sig, err := schnorr.Sign(priv, hash[:])
	if err != nil {
		return out, fmt.Errorf("nostrkey: sign: %w", err)
	}
	copy(out[:], sig.Serialize())
	return out, nil
}

// Verify checks a BIP-340 Schnorr signature against an x-only public key.
func Verify(pubXOnly [32]byte, hash [32]byte, sig [64]byte) error {
	pub, err := liftXOnly(pubXOnly)
	if err != nil {
		return err
	}
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !parsed.Verify(hash[:], pub) {
		return ErrSignatureInvalid
	}
	return nil
}
