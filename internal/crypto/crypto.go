// Package crypto implements message signing for the swarm protocol.
//
// Every agent owns one Ed25519 keypair. Messages are signed over a canonical
// payload so that any byte-level change to a covered field invalidates the
// signature. Public keys travel base64-encoded (standard alphabet).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrSignatureInvalid reports a signature that does not verify.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrKeyFormat reports a malformed or wrong-sized key.
	ErrKeyFormat = errors.New("malformed key")
)

// canonicalSep separates the covered envelope fields in the signing payload.
// Exactly one NUL byte between fields, nothing before or after.
const canonicalSep = "\x00"

// CanonicalPayload builds the byte string that is signed for a message:
// message_id, timestamp, swarm_id, recipient, type, content, NUL-separated,
// in this order. The timestamp must be the exact wire string.
func CanonicalPayload(messageID, timestamp, swarmID, recipient, msgType, content string) []byte {
	n := len(messageID) + len(timestamp) + len(swarmID) + len(recipient) + len(msgType) + len(content) + 5
	b := make([]byte, 0, n)
	b = append(b, messageID...)
	b = append(b, canonicalSep...)
	b = append(b, timestamp...)
	b = append(b, canonicalSep...)
	b = append(b, swarmID...)
	b = append(b, canonicalSep...)
	b = append(b, recipient...)
	b = append(b, canonicalSep...)
	b = append(b, msgType...)
	b = append(b, canonicalSep...)
	b = append(b, content...)
	return b
}

// Sign signs the payload and returns the base64 encoding of the 64-byte
// Ed25519 signature.
func Sign(payload []byte, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: private key is %d bytes, want %d", ErrKeyFormat, len(priv), ed25519.PrivateKeySize)
	}
	sig := ed25519.Sign(priv, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over the payload against a public key.
// Returns ErrSignatureInvalid on mismatch, ErrKeyFormat on malformed input.
func Verify(payload []byte, signatureB64 string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes, want %d", ErrKeyFormat, len(pub), ed25519.PublicKeySize)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64", ErrSignatureInvalid)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes, want %d", ErrSignatureInvalid, len(sig), ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// GenerateKeypair creates a fresh Ed25519 keypair.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return pub, priv, nil
}

// EncodePublicKey returns the base64 form of a public key for the wire and at rest.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a base64 public key, enforcing the 32-byte size.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64", ErrKeyFormat)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrKeyFormat, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
