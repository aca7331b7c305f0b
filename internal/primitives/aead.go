package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/sonet/e2ee/internal/e2eerrors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Algorithm identifies an AEAD (or, for CBC, a merely-enumerated) cipher.
type Algorithm int

const (
	AlgorithmUnknown Algorithm = iota
	// AlgorithmAES256GCM is AES-256-GCM with a 12-byte nonce and 16-byte tag.
	AlgorithmAES256GCM
	// AlgorithmChaCha20Poly1305 is ChaCha20-Poly1305 IETF, 12-byte nonce,
	// 16-byte tag.
	AlgorithmChaCha20Poly1305
	// AlgorithmAES256CBC is enumerated for wire negotiation only. No
	// Seal/Open path exists for it: CBC has no built-in authentication and
	// this module never ships an unauthenticated mode.
	AlgorithmAES256CBC
)

// IsAlgorithmSecure reports whether alg is wired to an authenticated
// Seal/Open implementation in this package.
func IsAlgorithmSecure(alg Algorithm) bool {
	switch alg {
	case AlgorithmAES256GCM, AlgorithmChaCha20Poly1305:
		return true
	default:
		return false
	}
}

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, e2eerrors.New("primitives.newAEAD", e2eerrors.KindAlgoMismatch, nil)
	}
	switch alg {
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, e2eerrors.New("primitives.newAEAD", e2eerrors.KindUnknown, err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, e2eerrors.New("primitives.newAEAD", e2eerrors.KindAlgoMismatch, nil)
	}
}

// Seal encrypts plaintext under key with alg, prefixing the ciphertext
// with a freshly generated nonce. associatedData is authenticated but not
// encrypted.
func Seal(alg Algorithm, key, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, e2eerrors.New("primitives.Seal", e2eerrors.KindUnknown, err)
	}

	return aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open decrypts a ciphertext produced by Seal with the same alg, key and
// associatedData.
func Open(alg Algorithm, key, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, e2eerrors.New("primitives.Open", e2eerrors.KindAuthError, nil)
	}

	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, associatedData)
	if err != nil {
		return nil, e2eerrors.New("primitives.Open", e2eerrors.KindAuthError, err)
	}
	return plaintext, nil
}

// HKDFDerive derives outputLength bytes from ikm using HKDF-SHA256 with
// salt and info. An empty salt falls back to HKDF-Extract's defined
// behavior (a zero-filled salt of hash length), matching RFC 5869 rather
// than silently rehashing info‖ikm.
func HKDFDerive(ikm, salt, info []byte, outputLength int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outputLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, e2eerrors.New("primitives.HKDFDerive", e2eerrors.KindUnknown, err)
	}
	return out, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, e2eerrors.New("primitives.RandomBytes", e2eerrors.KindUnknown, err)
	}
	return b, nil
}
