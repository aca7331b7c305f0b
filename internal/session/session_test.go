package session

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/primitives"
	"github.com/stretchr/testify/require"
)

// testDevice bundles the key material one side of a session needs: an
// X25519 identity key for DH, an Ed25519 identity key for signing, and a
// signed pre-key.
type testDevice struct {
	identityDH       *primitives.KeyPair
	identitySign     ed25519.PublicKey
	identitySignPriv ed25519.PrivateKey
	spk              *primitives.KeyPair
	opk              *primitives.KeyPair
}

func newTestDevice(t *testing.T, withOPK bool) (testDevice, Bundle) {
	t.Helper()

	idDH, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	signPub, signPriv, err := primitives.GenerateIdentityKey()
	require.NoError(t, err)
	spk, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	sig := primitives.SignIdentity(signPriv, spk.Public[:])

	d := testDevice{
		identityDH:       idDH,
		identitySign:     signPub,
		identitySignPriv: signPriv,
		spk:              spk,
	}

	bundle := Bundle{
		IdentityDH:   idDH.Public,
		IdentitySign: signPub,
		SignedPreKey: spk.Public,
		SignedPreSig: sig,
	}

	if withOPK {
		opk, err := primitives.GenerateKeyPair()
		require.NoError(t, err)
		d.opk = opk
		pub := opk.Public
		bundle.OneTimePreKey = &pub
		id := "opk-1"
		bundle.OneTimePreKeyID = &id
	}

	return d, bundle
}

func establish(t *testing.T, withOPK bool) (*Engine, *Engine, string) {
	t.Helper()

	alice := NewEngine()
	bob := NewEngine()

	bobDevice, bobBundle := newTestDevice(t, withOPK)
	aliceIdentity, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	sessionID := "alice-bob"

	result, err := alice.Initiate(context.Background(), sessionID, aliceIdentity.Private, bobBundle)
	require.NoError(t, err)

	var opkPriv *[32]byte
	if withOPK {
		opkPriv = &bobDevice.opk.Private
	}

	err = bob.Accept(
		context.Background(),
		sessionID,
		bobDevice.spk.Private, bobDevice.spk.Public,
		bobDevice.identityDH.Private,
		opkPriv,
		aliceIdentity.Public, result.EphemeralPub,
		result.Salt,
	)
	require.NoError(t, err)

	return alice, bob, sessionID
}

func TestPairwiseRoundTrip(t *testing.T) {
	for _, withOPK := range []bool{false, true} {
		alice, bob, sessionID := establish(t, withOPK)

		ct, header, err := alice.Encrypt(sessionID, []byte("hello bob"), []byte("aad"))
		require.NoError(t, err)

		pt, err := bob.Decrypt(sessionID, ct, header, []byte("aad"))
		require.NoError(t, err)
		require.Equal(t, []byte("hello bob"), pt)

		ct2, header2, err := bob.Encrypt(sessionID, []byte("hello alice"), []byte("aad"))
		require.NoError(t, err)

		pt2, err := alice.Decrypt(sessionID, ct2, header2, []byte("aad"))
		require.NoError(t, err)
		require.Equal(t, []byte("hello alice"), pt2)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob, sessionID := establish(t, false)

	type sealed struct {
		ct     []byte
		header MessageHeader
		pt     []byte
	}

	var msgs []sealed
	for i := 0; i < 5; i++ {
		pt := []byte{byte(i), byte(i), byte(i)}
		ct, header, err := alice.Encrypt(sessionID, pt, nil)
		require.NoError(t, err)
		msgs = append(msgs, sealed{ct: ct, header: header, pt: pt})
	}

	order := []int{0, 3, 1, 2, 4}
	for _, idx := range order {
		m := msgs[idx]
		got, err := bob.Decrypt(sessionID, m.ct, m.header, nil)
		require.NoError(t, err, "message %d should decrypt", idx)
		require.Equal(t, m.pt, got)
	}

	state := bob.sessions[sessionID]
	require.Equal(t, 0, len(state.Skipped), "every skipped key should have been consumed")
}

// TestLateMessageUnderSupersededRatchetKeyStillDecrypts covers a message
// sealed under a ratchet key that the receiver has since ratcheted past
// (not merely skipped-ahead on the same chain): its message key must come
// from the skipped-key window, never from treating the stale header as a
// fresh DH ratchet event.
func TestLateMessageUnderSupersededRatchetKeyStillDecrypts(t *testing.T) {
	alice, bob, sessionID := establish(t, false)

	a0ct, a0header, err := alice.Encrypt(sessionID, []byte("a0"), nil)
	require.NoError(t, err)
	_, _, err = alice.Encrypt(sessionID, []byte("a1"), nil)
	require.NoError(t, err)
	a2ct, a2header, err := alice.Encrypt(sessionID, []byte("a2"), nil)
	require.NoError(t, err)

	// Bob receives a2 first: a0 and a1 are derived into the skipped-key
	// window, keyed by Alice's current (first) ratchet key.
	pt, err := bob.Decrypt(sessionID, a2ct, a2header, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("a2"), pt)

	// Bob replies, ping-ponging onto a fresh ratchet key of his own.
	b0ct, b0header, err := bob.Encrypt(sessionID, []byte("b0"), nil)
	require.NoError(t, err)
	_, err = alice.Decrypt(sessionID, b0ct, b0header, nil)
	require.NoError(t, err)

	// Alice's next message carries her own fresh ratchet key, superseding
	// the one a0 was sealed under.
	a3ct, a3header, err := alice.Encrypt(sessionID, []byte("a3"), nil)
	require.NoError(t, err)
	pt, err = bob.Decrypt(sessionID, a3ct, a3header, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("a3"), pt)

	// a0, sealed under Alice's now-superseded first ratchet key, finally
	// arrives — it must still decrypt, served from the skipped-key window.
	pt, err = bob.Decrypt(sessionID, a0ct, a0header, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("a0"), pt)
}

func TestBundleTamperRejected(t *testing.T) {
	_, bundle := newTestDevice(t, false)
	bundle.SignedPreKey[0] ^= 0xFF

	err := VerifyBundle(bundle)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindBadBundle, e2eerrors.KindOf(err))
}

func TestInitiateRejectsBadBundle(t *testing.T) {
	_, bundle := newTestDevice(t, false)
	bundle.SignedPreSig[0] ^= 0xFF

	alice := NewEngine()
	identity, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	_, err = alice.Initiate(context.Background(), "s", identity.Private, bundle)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindBadBundle, e2eerrors.KindOf(err))
}

// TestSkippedKeyBoundary exercises RatchetState.skipForward directly,
// since the rekey policy forces a DH ratchet before 1000 messages
// accumulate on one send chain (RekeyMessageThreshold == MaxSkip),
// making a same-chain overflow unreachable through the Engine's public
// Encrypt/Decrypt path by construction.
func TestSkippedKeyBoundary(t *testing.T) {
	chainKey := [32]byte{1, 2, 3}
	peerPub := [32]byte{9, 9, 9}

	t.Run("exactly MaxSkip is accepted", func(t *testing.T) {
		s := &RatchetState{
			ChainKeyRecv: chainKey,
			PeerDHPub:    peerPub,
			Skipped:      make(map[skippedKeyID]*[32]byte),
		}
		err := s.skipForward(MaxSkip)
		require.NoError(t, err)
		require.Equal(t, MaxSkip, len(s.Skipped))
	})

	t.Run("MaxSkip+1 is rejected", func(t *testing.T) {
		s := &RatchetState{
			ChainKeyRecv: chainKey,
			PeerDHPub:    peerPub,
			Skipped:      make(map[skippedKeyID]*[32]byte),
		}
		err := s.skipForward(MaxSkip + 1)
		require.Error(t, err)
		require.Equal(t, e2eerrors.KindTooManySkipped, e2eerrors.KindOf(err))
	})
}

func TestCompromisedSessionRejectsTraffic(t *testing.T) {
	alice, bob, sessionID := establish(t, false)

	ct, header, err := alice.Encrypt(sessionID, []byte("hi"), nil)
	require.NoError(t, err)

	bob.MarkCompromised(sessionID)

	_, err = bob.Decrypt(sessionID, ct, header, nil)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindAuthError, e2eerrors.KindOf(err))

	_, _, err = bob.Encrypt(sessionID, []byte("hi"), nil)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindAuthError, e2eerrors.KindOf(err))
}

func TestCloseZeroizesAndForgetsSession(t *testing.T) {
	alice, _, sessionID := establish(t, false)

	require.True(t, alice.HasSession(sessionID))
	alice.Close(sessionID)
	require.False(t, alice.HasSession(sessionID))

	_, _, err := alice.Encrypt(sessionID, []byte("hi"), nil)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindMissing, e2eerrors.KindOf(err))
}
