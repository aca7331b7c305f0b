package primitives

import (
	"crypto/rand"
	"io"

	"github.com/sonet/e2ee/internal/e2eerrors"
	"golang.org/x/crypto/argon2"
)

// Argon2Params mirrors the teacher's device-password hashing parameters,
// repurposed here for wrapping a device's exported identity key material
// for offline backup rather than for password storage.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultArgon2Params is the OWASP-recommended baseline: 1 iteration,
// 64MB, 4 threads.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4}
}

const argon2SaltSize = 16

// Argon2WrapKey derives a 32-byte key from pin and a fresh random salt via
// Argon2id, then seals keyMaterial under that key with AES-256-GCM. The
// salt is returned alongside the ciphertext since it is required to
// re-derive the same wrapping key on unwrap. This operation is
// device-local: the wrapped blob is meant for local backup storage, never
// for transmission to the server.
func Argon2WrapKey(pin string, keyMaterial []byte, params Argon2Params) (ciphertext, salt []byte, err error) {
	salt = make([]byte, argon2SaltSize)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, e2eerrors.New("primitives.Argon2WrapKey", e2eerrors.KindUnknown, err)
	}

	wrapKey := argon2.IDKey([]byte(pin), salt, params.Time, params.Memory, params.Threads, keySize)
	ciphertext, err = Seal(AlgorithmAES256GCM, wrapKey, keyMaterial, nil)
	zero(wrapKey)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, salt, nil
}

// Argon2UnwrapKey reverses Argon2WrapKey given the same pin, salt and
// params used to wrap.
func Argon2UnwrapKey(pin string, ciphertext, salt []byte, params Argon2Params) ([]byte, error) {
	wrapKey := argon2.IDKey([]byte(pin), salt, params.Time, params.Memory, params.Threads, keySize)
	defer zero(wrapKey)

	plaintext, err := Open(AlgorithmAES256GCM, wrapKey, ciphertext, nil)
	if err != nil {
		return nil, e2eerrors.New("primitives.Argon2UnwrapKey", e2eerrors.KindAuthError, err)
	}
	return plaintext, nil
}
