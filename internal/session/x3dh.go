// Package session implements SessionEngine: X3DH session establishment
// and Double Ratchet message encryption, generalized from the teacher's
// internal/security/signal.go (X3DHKeyBundle, X3DH, DoubleRatchetState,
// RatchetStep, DeriveMessageKey) with the teacher's broken
// X25519-as-ECDSA-P256 signature check replaced by real Ed25519
// verification and the 100-message ratchet trigger replaced by the
// 1000-message/24h policy.
package session

import (
	"crypto/ed25519"

	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/primitives"
)

const (
	rootInfo = "sonet:x3dh:root"
	mkInfo   = "sonet:ratchet:msg"
	ckInfo   = "sonet:ratchet:chain"
)

// Bundle is the subset of a device's published KeyBundle an initiator
// needs to run X3DH against it.
type Bundle struct {
	IdentityDH    [32]byte          // Bob's X25519 identity public key
	IdentitySign  ed25519.PublicKey // Bob's Ed25519 identity public key
	SignedPreKey  [32]byte
	SignedPreSig  []byte
	OneTimePreKey *[32]byte // optional
	OneTimePreKeyID *string
}

// VerifyBundle checks the signed pre-key's Ed25519 signature against the
// bundle's identity signing key. The signed payload is the raw
// SignedPreKey bytes, matching the teacher's VerifySignedPreKeySignature
// contract (message = signedPreKey[:]) but with a real signature scheme.
func VerifyBundle(b Bundle) error {
	if len(b.IdentitySign) != ed25519.PublicKeySize {
		return e2eerrors.New("session.VerifyBundle", e2eerrors.KindBadBundle, nil)
	}
	if len(b.SignedPreSig) == 0 {
		return e2eerrors.New("session.VerifyBundle", e2eerrors.KindBadBundle, nil)
	}
	if !primitives.VerifyIdentity(b.IdentitySign, b.SignedPreKey[:], b.SignedPreSig) {
		return e2eerrors.New("session.VerifyBundle", e2eerrors.KindBadBundle, nil)
	}
	return nil
}

// x3dh runs the X3DH DH ladder for the initiator side, given the
// initiator's identity and ephemeral private keys and the responder's
// bundle. The DH concatenation order (DH1‖DH2‖DH3‖DH4?) must match
// bit-for-bit with the responder side in acceptResponderSecret.
func x3dhInitiator(initIdentityPriv, initEphemeralPriv [32]byte, b Bundle) ([]byte, error) {
	dh1, err := primitives.DH(initIdentityPriv, b.SignedPreKey)
	if err != nil {
		return nil, e2eerrors.New("session.x3dhInitiator.DH1", e2eerrors.KindInvalidPoint, err)
	}
	dh2, err := primitives.DH(initEphemeralPriv, b.IdentityDH)
	if err != nil {
		return nil, e2eerrors.New("session.x3dhInitiator.DH2", e2eerrors.KindInvalidPoint, err)
	}
	dh3, err := primitives.DH(initEphemeralPriv, b.SignedPreKey)
	if err != nil {
		return nil, e2eerrors.New("session.x3dhInitiator.DH3", e2eerrors.KindInvalidPoint, err)
	}

	ikm := make([]byte, 0, 128)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)

	if b.OneTimePreKey != nil {
		dh4, err := primitives.DH(initEphemeralPriv, *b.OneTimePreKey)
		if err != nil {
			return nil, e2eerrors.New("session.x3dhInitiator.DH4", e2eerrors.KindInvalidPoint, err)
		}
		ikm = append(ikm, dh4[:]...)
	}

	return ikm, nil
}

// x3dhResponder runs the symmetric DH ladder for the responder side:
// DH1 = DH(Bob_SPK_priv, Alice_IK_pub), DH2 = DH(Bob_IK_priv,
// Alice_EK_pub), DH3 = DH(Bob_SPK_priv, Alice_EK_pub), DH4 = DH(Bob_OPK_priv,
// Alice_EK_pub). The concatenation order DH1‖DH2‖DH3‖DH4? is identical to
// the initiator's, since each DH{i} computes the same shared point from
// the other side.
func x3dhResponder(bobSPKPriv, bobIdentityPriv [32]byte, bobOPKPriv *[32]byte, aliceIdentityPub, aliceEphemeralPub [32]byte) ([]byte, error) {
	dh1, err := primitives.DH(bobSPKPriv, aliceIdentityPub)
	if err != nil {
		return nil, e2eerrors.New("session.x3dhResponder.DH1", e2eerrors.KindInvalidPoint, err)
	}
	dh2, err := primitives.DH(bobIdentityPriv, aliceEphemeralPub)
	if err != nil {
		return nil, e2eerrors.New("session.x3dhResponder.DH2", e2eerrors.KindInvalidPoint, err)
	}
	dh3, err := primitives.DH(bobSPKPriv, aliceEphemeralPub)
	if err != nil {
		return nil, e2eerrors.New("session.x3dhResponder.DH3", e2eerrors.KindInvalidPoint, err)
	}

	ikm := make([]byte, 0, 128)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)

	if bobOPKPriv != nil {
		dh4, err := primitives.DH(*bobOPKPriv, aliceEphemeralPub)
		if err != nil {
			return nil, e2eerrors.New("session.x3dhResponder.DH4", e2eerrors.KindInvalidPoint, err)
		}
		ikm = append(ikm, dh4[:]...)
	}

	return ikm, nil
}

// deriveRootKey runs HKDF over the X3DH IKM with a fresh random salt,
// info="sonet:x3dh:root", producing the Double Ratchet's initial root key.
func deriveRootKey(ikm, salt []byte) ([32]byte, error) {
	out, err := primitives.HKDFDerive(ikm, salt, []byte(rootInfo), 32)
	if err != nil {
		return [32]byte{}, err
	}
	var rk [32]byte
	copy(rk[:], out)
	return rk, nil
}
