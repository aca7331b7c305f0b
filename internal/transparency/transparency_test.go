package transparency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/primitives"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`CREATE TABLE key_transparency_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			key_type TEXT NOT NULL,
			change_type TEXT NOT NULL,
			public_key BLOB NOT NULL,
			key_hash TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			signature BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE trust_relations (
			holder TEXT NOT NULL,
			subject TEXT NOT NULL,
			level TEXT NOT NULL,
			method TEXT NOT NULL,
			last_verified TIMESTAMP NOT NULL,
			UNIQUE (holder, subject)
		)`,
	}
	for _, stmt := range schema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

func TestAppendChainsAndVerifies(t *testing.T) {
	db := newTestDB(t)
	log := NewLog(db, nil)
	ctx := context.Background()

	signPub, signPriv, err := primitives.GenerateIdentityKey()
	require.NoError(t, err)

	userID, deviceID := uuid.New(), uuid.New()

	e1, err := log.Append(ctx, userID, deviceID, KeyTypeIdentity, ChangeAdd, []byte("identity-key-1"), signPriv)
	require.NoError(t, err)
	require.Equal(t, "genesis", e1.PreviousHash)

	e2, err := log.Append(ctx, userID, deviceID, KeyTypeSignedPre, ChangeRotate, []byte("spk-1"), signPriv)
	require.NoError(t, err)
	require.Equal(t, e1.KeyHash, e2.PreviousHash)

	ok, err := log.VerifyChain(ctx, userID, signPub)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyChainDetectsTamperedSignature(t *testing.T) {
	db := newTestDB(t)
	log := NewLog(db, nil)
	ctx := context.Background()

	signPub, signPriv, err := primitives.GenerateIdentityKey()
	require.NoError(t, err)
	userID, deviceID := uuid.New(), uuid.New()

	_, err = log.Append(ctx, userID, deviceID, KeyTypeIdentity, ChangeAdd, []byte("identity-key"), signPriv)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE key_transparency_log SET public_key = $1 WHERE user_id = $2`, []byte("tampered"), userID.String())
	require.NoError(t, err)

	ok, err := log.VerifyChain(ctx, userID, signPub)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetLogFiltersBySince(t *testing.T) {
	db := newTestDB(t)
	log := NewLog(db, nil)
	ctx := context.Background()

	_, signPriv, err := primitives.GenerateIdentityKey()
	require.NoError(t, err)
	userID, deviceID := uuid.New(), uuid.New()

	cutoff := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)

	_, err = log.Append(ctx, userID, deviceID, KeyTypeIdentity, ChangeAdd, []byte("k"), signPriv)
	require.NoError(t, err)

	entries, err := log.GetLog(ctx, userID, cutoff)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = log.GetLog(ctx, userID, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, entries)
}

type recordingArchiver struct {
	objects map[string][]byte
}

func (r *recordingArchiver) Archive(ctx context.Context, objectName string, data []byte) error {
	if r.objects == nil {
		r.objects = make(map[string][]byte)
	}
	r.objects[objectName] = data
	return nil
}

func TestTruncationArchivesBeforeDropping(t *testing.T) {
	db := newTestDB(t)
	archiver := &recordingArchiver{}
	log := NewLog(db, archiver)
	ctx := context.Background()

	_, signPriv, err := primitives.GenerateIdentityKey()
	require.NoError(t, err)
	userID, deviceID := uuid.New(), uuid.New()

	for i := 0; i < MaxEntries+5; i++ {
		_, err := log.Append(ctx, userID, deviceID, KeyTypeOneTime, ChangeAdd, []byte{byte(i)}, signPriv)
		require.NoError(t, err)
	}

	var count int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_transparency_log WHERE user_id = $1`, userID.String()).Scan(&count)
	require.NoError(t, err)
	require.LessOrEqual(t, count, MaxEntries)
	require.NotEmpty(t, archiver.objects)
}

func TestSafetyNumberIsCommutative(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	require.Equal(t, SafetyNumber(u1, u2), SafetyNumber(u2, u1))

	sn := SafetyNumber(u1, u2)
	groups := 0
	for _, r := range sn {
		if r == ' ' {
			groups++
		}
	}
	require.Equal(t, 4, groups)
}

func TestQRPayloadFormat(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	sn := SafetyNumber(u1, u2)
	payload := QRPayload(u1, u2, sn)
	require.Contains(t, payload, "sonet://verify/")
	require.Contains(t, payload, u1.String())
	require.Contains(t, payload, u2.String())
}

func TestTrustLifecycle(t *testing.T) {
	db := newTestDB(t)
	store := NewTrustStore(db)
	ctx := context.Background()

	holder, subject := uuid.New(), uuid.New()
	_, err := store.EstablishTrust(ctx, holder, subject, TrustUnverified, TrustMethodManual)
	require.NoError(t, err)

	require.NoError(t, store.UpdateTrustLevel(ctx, holder, subject, TrustVerified))

	rels, err := store.GetTrustRelationships(ctx, holder)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.Equal(t, TrustVerified, rels[0].Level)
}

func TestUpdateTrustLevelMissingIsError(t *testing.T) {
	db := newTestDB(t)
	store := NewTrustStore(db)

	err := store.UpdateTrustLevel(context.Background(), uuid.New(), uuid.New(), TrustBlocked)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindMissing, e2eerrors.KindOf(err))
}

func TestSealedSenderCertificateRoundTrip(t *testing.T) {
	signPub, signPriv, err := primitives.GenerateIdentityKey()
	require.NoError(t, err)

	senderID, deviceID := uuid.New(), uuid.New()
	cert := IssueCertificate(senderID, deviceID, signPriv)

	require.NoError(t, VerifyCertificate(cert, signPub))
}

func TestSealedSenderCertificateExpired(t *testing.T) {
	signPub, signPriv, err := primitives.GenerateIdentityKey()
	require.NoError(t, err)

	cert := IssueCertificate(uuid.New(), uuid.New(), signPriv)
	cert.Expiry = time.Now().Add(-time.Minute)

	err = VerifyCertificate(cert, signPub)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindExpired, e2eerrors.KindOf(err))
}

func TestSealedSenderCertificateTamperedRejected(t *testing.T) {
	signPub, signPriv, err := primitives.GenerateIdentityKey()
	require.NoError(t, err)

	cert := IssueCertificate(uuid.New(), uuid.New(), signPriv)
	cert.SenderID = uuid.New()

	err = VerifyCertificate(cert, signPub)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindAuthError, e2eerrors.KindOf(err))
}
