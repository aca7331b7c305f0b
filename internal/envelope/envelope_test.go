package envelope

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/stretchr/testify/require"
)

// fakeReplayStore is an in-memory stand-in for ReplayCache, since standing
// up a real Redis instance is out of scope for a unit test.
type fakeReplayStore struct {
	seen map[string]bool
}

func newFakeReplayStore() *fakeReplayStore {
	return &fakeReplayStore{seen: make(map[string]bool)}
}

func (f *fakeReplayStore) CheckAndInsert(ctx context.Context, chatID, senderID, iv, tag string) (bool, error) {
	key := replayKey(chatID, senderID, iv, tag)
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeMembership struct {
	isMember bool
	err      error
}

func (f *fakeMembership) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	return f.isMember, f.err
}

func validEnvelope() *Envelope {
	return &Envelope{
		V:        CurrentVersion,
		Alg:      "aes-256-gcm",
		KeyID:    "key-1",
		IV:       base64.StdEncoding.EncodeToString(make([]byte, minIVLen)),
		Tag:      base64.StdEncoding.EncodeToString(make([]byte, minTagLen)),
		AAD:      "hash-of-fields",
		CT:       base64.StdEncoding.EncodeToString([]byte("ciphertext")),
		MsgID:    "msg-1",
		ChatID:   "chat-1",
		SenderID: "sender-1",
	}
}

func newTestValidator(isMember bool) *Validator {
	return &Validator{
		replay:     newFakeReplayStore(),
		membership: &fakeMembership{isMember: isMember},
	}
}

func TestValidateAndBindAccepts(t *testing.T) {
	v := newTestValidator(true)
	err := v.ValidateAndBind(context.Background(), validEnvelope())
	require.NoError(t, err)
}

func TestValidateAndBindRejectsWrongVersion(t *testing.T) {
	v := newTestValidator(true)
	e := validEnvelope()
	e.V = 2

	err := v.ValidateAndBind(context.Background(), e)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindMalformedEnvelope, e2eerrors.KindOf(err))
}

func TestValidateAndBindRejectsMissingField(t *testing.T) {
	v := newTestValidator(true)
	e := validEnvelope()
	e.KeyID = ""

	err := v.ValidateAndBind(context.Background(), e)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindMalformedEnvelope, e2eerrors.KindOf(err))
}

func TestValidateAndBindRejectsUnsupportedAlgorithm(t *testing.T) {
	v := newTestValidator(true)
	e := validEnvelope()
	e.Alg = "aes-256-cbc"

	err := v.ValidateAndBind(context.Background(), e)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindAlgoMismatch, e2eerrors.KindOf(err))
}

func TestValidateAndBindRejectsBadBase64(t *testing.T) {
	v := newTestValidator(true)
	e := validEnvelope()
	e.IV = "not-valid-base64!!"

	err := v.ValidateAndBind(context.Background(), e)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindMalformedEnvelope, e2eerrors.KindOf(err))
}

func TestValidateAndBindRejectsShortIV(t *testing.T) {
	v := newTestValidator(true)
	e := validEnvelope()
	e.IV = base64.StdEncoding.EncodeToString(make([]byte, minIVLen-1))

	err := v.ValidateAndBind(context.Background(), e)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindMalformedEnvelope, e2eerrors.KindOf(err))
}

func TestValidateAndBindRejectsReplay(t *testing.T) {
	v := newTestValidator(true)
	e := validEnvelope()

	require.NoError(t, v.ValidateAndBind(context.Background(), e))

	err := v.ValidateAndBind(context.Background(), e)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindReplay, e2eerrors.KindOf(err))
}

func TestValidateAndBindRejectsNonMember(t *testing.T) {
	v := newTestValidator(false)
	e := validEnvelope()

	err := v.ValidateAndBind(context.Background(), e)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindAuthError, e2eerrors.KindOf(err))
}
