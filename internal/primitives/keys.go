// Package primitives wraps the raw cryptographic building blocks used
// throughout the E2EE core: CSPRNG, HKDF, AEAD, X25519, Ed25519, base64
// and a zeroizing secret handle. Every other package in this module is
// built on top of these functions rather than calling crypto/* directly,
// so the algorithm choices stay in one place.
package primitives

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"

	"github.com/sonet/e2ee/internal/e2eerrors"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 Diffie-Hellman key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a new X25519 key pair with clamping applied to
// the private scalar per RFC 7748.
func GenerateKeyPair() (*KeyPair, error) {
	var priv, pub [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, e2eerrors.New("primitives.GenerateKeyPair", e2eerrors.KindUnknown, err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	curve25519.ScalarBaseMult(&pub, &priv)
	return &KeyPair{Private: priv, Public: pub}, nil
}

// DH performs X25519 scalar multiplication and rejects a contributory
// (all-zero) output, which would mean the peer supplied a low-order point.
func DH(priv, peerPub [32]byte) ([32]byte, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &priv, &peerPub)

	var zero [32]byte
	if shared == zero {
		return [32]byte{}, e2eerrors.New("primitives.DH", e2eerrors.KindInvalidPoint, nil)
	}
	return shared, nil
}

// SignIdentity signs message with an Ed25519 identity private key. This
// key is distinct from the X25519 DH identity key: X3DH needs a
// signature-capable key to attest the signed pre-key, and X25519 keys
// cannot be used for Ed25519 signing.
func SignIdentity(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// VerifyIdentity verifies an Ed25519 signature over message using strict,
// non-malleable verification (ed25519.Verify already rejects non-canonical
// S values and small-order points as of Go's current implementation).
func VerifyIdentity(pub ed25519.PublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// GenerateIdentityKey creates a new Ed25519 signing key pair for a
// device's long-term identity attestation key.
func GenerateIdentityKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, e2eerrors.New("primitives.GenerateIdentityKey", e2eerrors.KindUnknown, err)
	}
	return pub, priv, nil
}
