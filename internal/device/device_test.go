package device

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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`CREATE TABLE device_records (
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			identity_dh BLOB NOT NULL,
			identity_sign BLOB NOT NULL,
			registered_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, device_id)
		)`,
		`CREATE TABLE key_bundles (
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			signed_prekey BLOB NOT NULL,
			signed_prekey_sig BLOB NOT NULL,
			version INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			stale BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, device_id)
		)`,
		`CREATE TABLE one_time_prekeys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			public_key BLOB NOT NULL,
			consumed_at TIMESTAMP
		)`,
	}
	for _, stmt := range schema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	return NewStore(db)
}

func TestRegisterAndGetBundle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, deviceID := uuid.New(), uuid.New()
	idDH, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	signPub, signPriv, err := primitives.GenerateIdentityKey()
	require.NoError(t, err)

	bundle, err := store.Register(ctx, userID, deviceID, idDH.Public, signPub, signPriv)
	require.NoError(t, err)
	require.EqualValues(t, 1, bundle.Version)

	got, err := store.GetBundle(ctx, userID, deviceID)
	require.NoError(t, err)
	require.Equal(t, bundle.SignedPreKey, got.SignedPreKey)
	require.EqualValues(t, 1, got.Version)
	require.False(t, got.Stale)
}

func TestGetBundleMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetBundle(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindMissing, e2eerrors.KindOf(err))
}

func TestConsumeOneTimePreKeyNoDoubleConsumption(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, deviceID := uuid.New(), uuid.New()
	idDH, _ := primitives.GenerateKeyPair()
	signPub, signPriv, _ := primitives.GenerateIdentityKey()
	_, err := store.Register(ctx, userID, deviceID, idDH.Public, signPub, signPriv)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for i := 0; i < DefaultOneTimePreKeyCount; i++ {
		id, pub, err := store.ConsumeOneTimePreKey(ctx, userID, deviceID)
		require.NoError(t, err)
		require.NotNil(t, pub)
		require.False(t, seen[*id], "one-time prekey %d consumed twice", *id)
		seen[*id] = true
	}

	_, _, err = store.ConsumeOneTimePreKey(ctx, userID, deviceID)
	require.Error(t, err)
	require.Equal(t, e2eerrors.KindMissing, e2eerrors.KindOf(err))
}

func TestRotateOneTimePreKeysCapsPool(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, deviceID := uuid.New(), uuid.New()
	idDH, _ := primitives.GenerateKeyPair()
	signPub, signPriv, _ := primitives.GenerateIdentityKey()
	_, err := store.Register(ctx, userID, deviceID, idDH.Public, signPub, signPriv)
	require.NoError(t, err)

	err = store.RotateOneTimePreKeys(ctx, userID, deviceID, MaxOneTimePreKeyPool)
	require.NoError(t, err)

	var live int
	err = store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2 AND consumed_at IS NULL`,
		userID.String(), deviceID.String()).Scan(&live)
	require.NoError(t, err)
	require.Equal(t, MaxOneTimePreKeyPool, live)
}

func TestPublishBundleIsMonotonicAndReverifies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, deviceID := uuid.New(), uuid.New()
	idDH, _ := primitives.GenerateKeyPair()
	signPub, signPriv, _ := primitives.GenerateIdentityKey()
	_, err := store.Register(ctx, userID, deviceID, idDH.Public, signPub, signPriv)
	require.NoError(t, err)

	newSPK, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	bundle2, err := store.PublishBundle(ctx, userID, deviceID, newSPK.Public, signPriv)
	require.NoError(t, err)
	require.EqualValues(t, 2, bundle2.Version)

	got, err := store.GetBundle(ctx, userID, deviceID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Version)
	require.Equal(t, newSPK.Public, got.SignedPreKey)
}

func TestMarkStaleAndRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, deviceID := uuid.New(), uuid.New()
	idDH, _ := primitives.GenerateKeyPair()
	signPub, signPriv, _ := primitives.GenerateIdentityKey()
	_, err := store.Register(ctx, userID, deviceID, idDH.Public, signPub, signPriv)
	require.NoError(t, err)

	require.NoError(t, store.MarkStale(ctx, userID, deviceID))
	stale, err := store.GetBundle(ctx, userID, deviceID)
	require.NoError(t, err)
	require.True(t, stale.Stale)

	refreshed, err := store.RefreshBundle(ctx, userID, deviceID, signPriv)
	require.NoError(t, err)
	require.False(t, refreshed.Stale)

	got, err := store.GetBundle(ctx, userID, deviceID)
	require.NoError(t, err)
	require.False(t, got.Stale)
}

func TestSweepLowOPKPoolsTopsUpDepletedPool(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, deviceID := uuid.New(), uuid.New()
	idDH, _ := primitives.GenerateKeyPair()
	signPub, signPriv, _ := primitives.GenerateIdentityKey()
	_, err := store.Register(ctx, userID, deviceID, idDH.Public, signPub, signPriv)
	require.NoError(t, err)

	for i := 0; i < DefaultOneTimePreKeyCount-LowOPKThreshold+1; i++ {
		_, _, err := store.ConsumeOneTimePreKey(ctx, userID, deviceID)
		require.NoError(t, err)
	}

	topped, err := store.SweepLowOPKPools(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, topped)

	var live int
	err = store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2 AND consumed_at IS NULL`,
		userID.String(), deviceID.String()).Scan(&live)
	require.NoError(t, err)
	require.Greater(t, live, LowOPKThreshold-1)
}

func TestSweepLowOPKPoolsSkipsHealthyPool(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, deviceID := uuid.New(), uuid.New()
	idDH, _ := primitives.GenerateKeyPair()
	signPub, signPriv, _ := primitives.GenerateIdentityKey()
	_, err := store.Register(ctx, userID, deviceID, idDH.Public, signPub, signPriv)
	require.NoError(t, err)

	topped, err := store.SweepLowOPKPools(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, topped)
}

func TestSweepStaleBundlesFlagsOldBundles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, deviceID := uuid.New(), uuid.New()
	idDH, _ := primitives.GenerateKeyPair()
	signPub, signPriv, _ := primitives.GenerateIdentityKey()
	_, err := store.Register(ctx, userID, deviceID, idDH.Public, signPub, signPriv)
	require.NoError(t, err)

	ancient := time.Now().Add(-2 * BundleTTL).UTC()
	_, err = store.db.ExecContext(ctx, `UPDATE key_bundles SET created_at = $1 WHERE user_id = $2 AND device_id = $3`,
		ancient, userID.String(), deviceID.String())
	require.NoError(t, err)

	flagged, err := store.SweepStaleBundles(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, flagged)

	got, err := store.GetBundle(ctx, userID, deviceID)
	require.NoError(t, err)
	require.True(t, got.Stale)
}
