package session

import (
	"context"
	"sync"
	"time"

	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/metrics"
	"github.com/sonet/e2ee/internal/primitives"
)

// DefaultTimeout bounds Initiate/Accept, per spec.md's "session
// initiate/accept operations are bounded by a per-call timeout".
const DefaultTimeout = 5 * time.Second

// Engine is SessionEngine: it owns every live RatchetState and serializes
// access to each with the engine-wide lock, mirroring the teacher's
// single-lock-per-resource convention (KeyRotationScheduler's
// rotationLock, JWTKeyManager's lock).
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*RatchetState
}

// NewEngine creates an empty SessionEngine.
func NewEngine() *Engine {
	return &Engine{sessions: make(map[string]*RatchetState)}
}

// InitiationResult carries what the initiator must hand to the responder
// out of band (over whatever transport the caller owns) so Accept can
// reproduce the same X3DH shared secret.
type InitiationResult struct {
	SessionID       string
	EphemeralPub    [32]byte
	Salt            []byte
	ConsumedOPKID   *string
}

// Initiate runs X3DH as the initiator (Alice) against recipientBundle,
// then performs the first Double Ratchet step using the bundle's signed
// pre-key as the initial peer ratchet key, and stores the resulting
// RatchetState under sessionID.
func (e *Engine) Initiate(ctx context.Context, sessionID string, initiatorIdentityPriv [32]byte, recipientBundle Bundle) (*InitiationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	if err := VerifyBundle(recipientBundle); err != nil {
		metrics.RecordSessionEstablishFailure("bad_bundle")
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, e2eerrors.New("session.Initiate", e2eerrors.KindUnknown, ctx.Err())
	}

	ephemeral, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	ikm, err := x3dhInitiator(initiatorIdentityPriv, ephemeral.Private, recipientBundle)
	if err != nil {
		return nil, err
	}

	salt, err := primitives.RandomBytes(32)
	if err != nil {
		zero(ikm)
		return nil, err
	}

	rootKey, err := deriveRootKey(ikm, salt)
	zero(ikm)
	if err != nil {
		return nil, err
	}

	state := newRatchetState(sessionID, rootKey)
	state.IsInitiator = true
	state.LastRatchet = time.Now()

	sendRatchet, err := primitives.GenerateKeyPair()
	if err != nil {
		zero32(&state.RootKey)
		return nil, err
	}

	dh, err := primitives.DH(sendRatchet.Private, recipientBundle.SignedPreKey)
	if err != nil {
		zero32(&state.RootKey)
		return nil, e2eerrors.New("session.Initiate", e2eerrors.KindInvalidPoint, err)
	}

	newRoot, newChainSend, err := ratchetStep(state.RootKey, dh)
	if err != nil {
		zero32(&state.RootKey)
		return nil, err
	}

	if ctx.Err() != nil {
		zero32(&state.RootKey)
		zero32(&newRoot)
		zero32(&newChainSend)
		return nil, e2eerrors.New("session.Initiate", e2eerrors.KindUnknown, ctx.Err())
	}

	zero32(&state.RootKey)
	state.RootKey = newRoot
	state.ChainKeySend = newChainSend
	state.SendRatchet = *sendRatchet
	state.PeerDHPub = recipientBundle.SignedPreKey
	state.HasPeerDH = true

	e.mu.Lock()
	e.sessions[sessionID] = state
	e.mu.Unlock()

	result := &InitiationResult{
		SessionID:    sessionID,
		EphemeralPub: ephemeral.Public,
		Salt:         salt,
	}
	if recipientBundle.OneTimePreKeyID != nil {
		result.ConsumedOPKID = recipientBundle.OneTimePreKeyID
	}
	metrics.RecordSessionEstablished("initiator")
	return result, nil
}

// Accept runs X3DH as the responder (Bob) using Bob's signed-prekey
// private key, identity private key, and optional one-time prekey
// private key, against Alice's identity and ephemeral public keys and the
// salt she transmitted. The resulting state's peer ratchet key is
// observed for the first time on the next Decrypt call, which drives the
// matching DH ratchet step automatically (the general "new peer DH
// pubkey observed" rekey trigger, not a special case).
func (e *Engine) Accept(ctx context.Context, sessionID string, responderSPKPriv, responderSPKPub, responderIdentityPriv [32]byte, responderOPKPriv *[32]byte, initiatorIdentityPub, initiatorEphemeralPub [32]byte, salt []byte) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	if ctx.Err() != nil {
		return e2eerrors.New("session.Accept", e2eerrors.KindUnknown, ctx.Err())
	}

	ikm, err := x3dhResponder(responderSPKPriv, responderIdentityPriv, responderOPKPriv, initiatorIdentityPub, initiatorEphemeralPub)
	if err != nil {
		metrics.RecordSessionEstablishFailure("x3dh_failed")
		return err
	}

	rootKey, err := deriveRootKey(ikm, salt)
	zero(ikm)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		zero32(&rootKey)
		return e2eerrors.New("session.Accept", e2eerrors.KindUnknown, ctx.Err())
	}

	state := newRatchetState(sessionID, rootKey)
	state.IsInitiator = false
	state.LastRatchet = time.Now()
	state.SendRatchet = primitives.KeyPair{Private: responderSPKPriv, Public: responderSPKPub}

	e.mu.Lock()
	e.sessions[sessionID] = state
	e.mu.Unlock()
	metrics.RecordSessionEstablished("responder")
	return nil
}

// Encrypt advances the send chain, performing a self-ratchet if the
// rekey policy requires one, and seals plaintext under the resulting
// message key.
func (e *Engine) Encrypt(sessionID string, plaintext, aad []byte) ([]byte, MessageHeader, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.sessions[sessionID]
	if !ok {
		return nil, MessageHeader{}, e2eerrors.New("session.Encrypt", e2eerrors.KindMissing, nil)
	}
	if state.Compromised {
		return nil, MessageHeader{}, e2eerrors.New("session.Encrypt", e2eerrors.KindAuthError, nil)
	}
	if !state.HasPeerDH {
		return nil, MessageHeader{}, e2eerrors.New("session.Encrypt", e2eerrors.KindMissing, nil)
	}

	if err := state.selfRatchetIfDue(); err != nil {
		return nil, MessageHeader{}, err
	}

	msgKey, nextChain, err := deriveMessageKey(state.ChainKeySend)
	if err != nil {
		return nil, MessageHeader{}, err
	}

	ciphertext, err := primitives.Seal(primitives.AlgorithmAES256GCM, msgKey[:], plaintext, aad)
	zero32(&msgKey)
	if err != nil {
		return nil, MessageHeader{}, err
	}

	header := MessageHeader{
		PeerRatchetPub: state.SendRatchet.Public,
		Counter:        state.SendCount,
		PrevChainLen:   state.PrevChainLen,
	}

	zero32(&state.ChainKeySend)
	state.ChainKeySend = nextChain
	state.SendCount++

	return ciphertext, header, nil
}

// Decrypt advances (or ratchets) the receive chain to satisfy header,
// consuming a skipped key if the message arrived out of order.
func (e *Engine) Decrypt(sessionID string, ciphertext []byte, header MessageHeader, aad []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.sessions[sessionID]
	if !ok {
		return nil, e2eerrors.New("session.Decrypt", e2eerrors.KindMissing, nil)
	}
	if state.Compromised {
		return nil, e2eerrors.New("session.Decrypt", e2eerrors.KindAuthError, nil)
	}

	// A header naming a peer ratchet key other than the current one isn't
	// necessarily a new DH ratchet event: it may be a late message sealed
	// under a key this session has already ratcheted past, whose message
	// key recvRatchet already derived into Skipped before switching chains.
	// That case is checked first so it's never mistaken for a fresh ratchet.
	skipID := skippedKeyID{peerPub: header.PeerRatchetPub, index: header.Counter}
	if key, ok := state.Skipped[skipID]; ok {
		plaintext, err := primitives.Open(primitives.AlgorithmAES256GCM, key[:], ciphertext, aad)
		zero32(key)
		delete(state.Skipped, skipID)
		if err != nil {
			return nil, e2eerrors.New("session.Decrypt", e2eerrors.KindAuthError, err)
		}
		return plaintext, nil
	}

	if header.PeerRatchetPub != state.PeerDHPub || !state.HasPeerDH {
		if err := state.recvRatchet(header); err != nil {
			return nil, err
		}
	}

	if header.Counter < state.RecvCount {
		return nil, e2eerrors.New("session.Decrypt", e2eerrors.KindAlreadyConsumed, nil)
	}

	if header.Counter > state.RecvCount {
		if err := state.skipForward(header.Counter); err != nil {
			return nil, err
		}
	}

	msgKey, nextChain, err := deriveMessageKey(state.ChainKeyRecv)
	if err != nil {
		return nil, err
	}

	plaintext, err := primitives.Open(primitives.AlgorithmAES256GCM, msgKey[:], ciphertext, aad)
	zero32(&msgKey)
	if err != nil {
		return nil, e2eerrors.New("session.Decrypt", e2eerrors.KindAuthError, err)
	}

	zero32(&state.ChainKeyRecv)
	state.ChainKeyRecv = nextChain
	state.RecvCount = header.Counter + 1

	return plaintext, nil
}

// MarkCompromised flags a session so every further Encrypt/Decrypt call
// fails until it is replaced by a fresh Initiate/Accept.
func (e *Engine) MarkCompromised(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.sessions[sessionID]; ok {
		state.Compromised = true
	}
}

// Close tears down a session, zeroizing every key it still holds.
func (e *Engine) Close(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	zero32(&state.RootKey)
	zero32(&state.ChainKeySend)
	zero32(&state.ChainKeyRecv)
	zero32(&state.SendRatchet.Private)
	for k, v := range state.Skipped {
		zero32(v)
		delete(state.Skipped, k)
	}
	delete(e.sessions, sessionID)
}

// HasSession reports whether sessionID currently has live state, for
// callers (tests, maintenance) that need to check without mutating.
func (e *Engine) HasSession(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[sessionID]
	return ok
}
