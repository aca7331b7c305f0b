// Package device implements DeviceRegistry: per-(user, device) identity
// records and their published KeyBundle, generalized from the teacher's
// internal/db/postgres.go device/prekey queries (RegisterDevice,
// GetUserDevices, GetUserKeys's "FOR UPDATE SKIP LOCKED" one-time-prekey
// consumption, UpdateUserKeys) and internal/security/keytransparency.go's
// context-scoped *sql.DB method shape.
package device

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/metrics"
	"github.com/sonet/e2ee/internal/primitives"

	_ "github.com/lib/pq"
)

const (
	// DefaultOneTimePreKeyCount is how many OPKs register/rotate generate
	// per call, per spec.md's "default 10".
	DefaultOneTimePreKeyCount = 10
	// MaxOneTimePreKeyPool bounds the live (unconsumed) OPK pool per device.
	MaxOneTimePreKeyPool = 100
	// BundleTTL is how long a published bundle is considered fresh before
	// BackgroundMaintenance flags it stale.
	BundleTTL = 168 * time.Hour
)

// DeviceRecord is one registered device of a user.
type DeviceRecord struct {
	UserID       uuid.UUID
	DeviceID     uuid.UUID
	IdentityDH   [32]byte
	IdentitySign ed25519.PublicKey
	RegisteredAt time.Time
}

// KeyBundle is a device's published prekey bundle. OneTimePreKey and
// OneTimePreKeyID are populated only by ConsumeOneTimePreKey, never by
// GetBundle (a bundle read alone never consumes a prekey).
type KeyBundle struct {
	UserID          uuid.UUID
	DeviceID        uuid.UUID
	IdentityDH      [32]byte
	IdentitySign    ed25519.PublicKey
	SignedPreKey    [32]byte
	SignedPreSig    []byte
	Version         int64
	CreatedAt       time.Time
	Stale           bool
	OneTimePreKey   *[32]byte
	OneTimePreKeyID *int64
}

// Store is DeviceRegistry, backed by Postgres via lib/pq.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-open *sql.DB. The caller owns its lifecycle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register creates a device record, generates a signed prekey (signed with
// signerPriv, the device's Ed25519 identity key) and a pool of
// DefaultOneTimePreKeyCount one-time prekeys, and publishes the initial
// (version 1) bundle.
func (s *Store) Register(ctx context.Context, userID, deviceID uuid.UUID, identityDH [32]byte, identitySign ed25519.PublicKey, signerPriv ed25519.PrivateKey) (*KeyBundle, error) {
	spk, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, e2eerrors.New("device.Register", e2eerrors.KindUnknown, err)
	}
	defer tx.Rollback()

	// Truncated to microsecond precision: Postgres's timestamp columns
	// only keep microseconds, and the signed payload must match exactly
	// what a later read returns or GetBundle's re-verification would fail
	// against its own freshly published bundle.
	now := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_records (user_id, device_id, identity_dh, identity_sign, registered_at)
		VALUES ($1, $2, $3, $4, $5)`,
		userID.String(), deviceID.String(), identityDH[:], []byte(identitySign), now,
	); err != nil {
		return nil, e2eerrors.New("device.Register", e2eerrors.KindUnknown, err)
	}

	sig := signBundle(userID, deviceID, 1, now, spk.Public, signerPriv)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO key_bundles (user_id, device_id, signed_prekey, signed_prekey_sig, version, created_at, stale)
		VALUES ($1, $2, $3, $4, 1, $5, false)`,
		userID.String(), deviceID.String(), spk.Public[:], sig, now,
	); err != nil {
		return nil, e2eerrors.New("device.Register", e2eerrors.KindUnknown, err)
	}

	if err := insertOneTimePreKeys(ctx, tx, userID, deviceID, DefaultOneTimePreKeyCount); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, e2eerrors.New("device.Register", e2eerrors.KindUnknown, err)
	}

	return &KeyBundle{
		UserID:       userID,
		DeviceID:     deviceID,
		IdentityDH:   identityDH,
		IdentitySign: identitySign,
		SignedPreKey: spk.Public,
		SignedPreSig: sig,
		Version:      1,
		CreatedAt:    now,
	}, nil
}

func insertOneTimePreKeys(ctx context.Context, tx *sql.Tx, userID, deviceID uuid.UUID, count int) error {
	var live int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM one_time_prekeys
		WHERE user_id = $1 AND device_id = $2 AND consumed_at IS NULL`,
		userID.String(), deviceID.String(),
	).Scan(&live); err != nil {
		return e2eerrors.New("device.insertOneTimePreKeys", e2eerrors.KindUnknown, err)
	}
	if live+count > MaxOneTimePreKeyPool {
		count = MaxOneTimePreKeyPool - live
	}
	for i := 0; i < count; i++ {
		kp, err := primitives.GenerateKeyPair()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO one_time_prekeys (user_id, device_id, public_key) VALUES ($1, $2, $3)`,
			userID.String(), deviceID.String(), kp.Public[:],
		); err != nil {
			return e2eerrors.New("device.insertOneTimePreKeys", e2eerrors.KindUnknown, err)
		}
	}
	return nil
}

// RotateOneTimePreKeys tops up a device's OPK pool by count, capped so the
// live pool never exceeds MaxOneTimePreKeyPool.
func (s *Store) RotateOneTimePreKeys(ctx context.Context, userID, deviceID uuid.UUID, count int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return e2eerrors.New("device.RotateOneTimePreKeys", e2eerrors.KindUnknown, err)
	}
	defer tx.Rollback()

	if err := insertOneTimePreKeys(ctx, tx, userID, deviceID, count); err != nil {
		return err
	}
	if err := commit(tx, "device.RotateOneTimePreKeys"); err != nil {
		return err
	}
	s.reportPreKeysRemaining(ctx, userID, deviceID)
	return nil
}

// reportPreKeysRemaining refreshes the live-pool gauge for a device; a
// query failure here only skips the metric, it never fails the caller.
func (s *Store) reportPreKeysRemaining(ctx context.Context, userID, deviceID uuid.UUID) {
	var live int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM one_time_prekeys
		WHERE user_id = $1 AND device_id = $2 AND consumed_at IS NULL`,
		userID.String(), deviceID.String(),
	).Scan(&live)
	if err != nil {
		return
	}
	metrics.UpdatePreKeysRemaining(userID.String(), deviceID.String(), live)
}

// GetBundle returns the current published bundle, re-verifying its
// signature before returning it (a signature that no longer verifies is
// treated the same as a missing bundle: the caller must not trust it).
func (s *Store) GetBundle(ctx context.Context, userID, deviceID uuid.UUID) (*KeyBundle, error) {
	var b KeyBundle
	var spk, sig, identityDH, identitySign []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT kb.signed_prekey, kb.signed_prekey_sig, kb.version, kb.created_at, kb.stale,
		       dr.identity_dh, dr.identity_sign
		FROM key_bundles kb
		JOIN device_records dr ON dr.user_id = kb.user_id AND dr.device_id = kb.device_id
		WHERE kb.user_id = $1 AND kb.device_id = $2`,
		userID.String(), deviceID.String(),
	).Scan(&spk, &sig, &b.Version, &b.CreatedAt, &b.Stale, &identityDH, &identitySign)
	if err == sql.ErrNoRows {
		return nil, e2eerrors.New("device.GetBundle", e2eerrors.KindMissing, nil)
	}
	if err != nil {
		return nil, e2eerrors.New("device.GetBundle", e2eerrors.KindUnknown, err)
	}

	b.UserID = userID
	b.DeviceID = deviceID
	copy(b.SignedPreKey[:], spk)
	b.SignedPreSig = sig
	copy(b.IdentityDH[:], identityDH)
	b.IdentitySign = ed25519.PublicKey(identitySign)

	expected := signBundlePayload(userID, deviceID, b.Version, b.CreatedAt, b.SignedPreKey)
	if !primitives.VerifyIdentity(b.IdentitySign, expected, b.SignedPreSig) {
		return nil, e2eerrors.New("device.GetBundle", e2eerrors.KindBadBundle, nil)
	}

	return &b, nil
}

// ConsumeOneTimePrekey atomically claims and removes one unconsumed OPK
// from the pool, mirroring postgres.go's GetUserKeys "FOR UPDATE SKIP
// LOCKED" pattern so concurrent consumers never hand out the same key
// twice. Returns Missing if the pool is empty (the session still works,
// just with reduced forward secrecy — the caller decides whether to
// proceed without one).
func (s *Store) ConsumeOneTimePreKey(ctx context.Context, userID, deviceID uuid.UUID) (*int64, *[32]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, e2eerrors.New("device.ConsumeOneTimePreKey", e2eerrors.KindUnknown, err)
	}
	defer tx.Rollback()

	// Placeholders are numbered in the order they appear in the query text
	// (not just their argument order): some drivers assign positional
	// parameter slots by first occurrence rather than by the digit itself.
	var id int64
	var pub []byte
	err = tx.QueryRowContext(ctx, `
		UPDATE one_time_prekeys SET consumed_at = $1
		WHERE id = (
			SELECT id FROM one_time_prekeys
			WHERE user_id = $2 AND device_id = $3 AND consumed_at IS NULL
			ORDER BY id LIMIT 1
		)
		RETURNING id, public_key`,
		time.Now().UTC(), userID.String(), deviceID.String(),
	).Scan(&id, &pub)
	if err == sql.ErrNoRows {
		return nil, nil, e2eerrors.New("device.ConsumeOneTimePreKey", e2eerrors.KindMissing, nil)
	}
	if err != nil {
		return nil, nil, e2eerrors.New("device.ConsumeOneTimePreKey", e2eerrors.KindUnknown, err)
	}

	if err := commit(tx, "device.ConsumeOneTimePreKey"); err != nil {
		return nil, nil, err
	}
	s.reportPreKeysRemaining(ctx, userID, deviceID)

	var pubArr [32]byte
	copy(pubArr[:], pub)
	return &id, &pubArr, nil
}

// PublishBundle bumps the bundle's version, signs the new payload with
// signerPriv, and stores it. Version is strictly monotonic: the new row
// replaces the old one only if the version increments.
func (s *Store) PublishBundle(ctx context.Context, userID, deviceID uuid.UUID, spk [32]byte, signerPriv ed25519.PrivateKey) (*KeyBundle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, e2eerrors.New("device.PublishBundle", e2eerrors.KindUnknown, err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM key_bundles WHERE user_id = $1 AND device_id = $2`,
		userID.String(), deviceID.String()).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		return nil, e2eerrors.New("device.PublishBundle", e2eerrors.KindMissing, nil)
	}
	if err != nil {
		return nil, e2eerrors.New("device.PublishBundle", e2eerrors.KindUnknown, err)
	}

	newVersion := currentVersion + 1
	now := time.Now().UTC().Truncate(time.Microsecond)
	sig := signBundle(userID, deviceID, newVersion, now, spk, signerPriv)

	if _, err := tx.ExecContext(ctx, `
		UPDATE key_bundles
		SET signed_prekey = $1, signed_prekey_sig = $2, version = $3, created_at = $4, stale = false
		WHERE user_id = $5 AND device_id = $6`,
		spk[:], sig, newVersion, now, userID.String(), deviceID.String(),
	); err != nil {
		return nil, e2eerrors.New("device.PublishBundle", e2eerrors.KindUnknown, err)
	}

	if err := commit(tx, "device.PublishBundle"); err != nil {
		return nil, err
	}

	return &KeyBundle{
		UserID:       userID,
		DeviceID:     deviceID,
		SignedPreKey: spk,
		SignedPreSig: sig,
		Version:      newVersion,
		CreatedAt:    now,
	}, nil
}

// MarkStale flags a bundle stale without removing it, so BackgroundMaintenance
// can find and refresh it.
func (s *Store) MarkStale(ctx context.Context, userID, deviceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE key_bundles SET stale = true WHERE user_id = $1 AND device_id = $2`,
		userID.String(), deviceID.String())
	if err != nil {
		return e2eerrors.New("device.MarkStale", e2eerrors.KindUnknown, err)
	}
	return nil
}

// RefreshBundle regenerates the signed prekey and republishes the bundle,
// clearing the stale flag.
func (s *Store) RefreshBundle(ctx context.Context, userID, deviceID uuid.UUID, signerPriv ed25519.PrivateKey) (*KeyBundle, error) {
	spk, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return s.PublishBundle(ctx, userID, deviceID, spk.Public, signerPriv)
}

// IsStale reports whether createdAt is older than BundleTTL, the rule
// BackgroundMaintenance's sweep applies before calling MarkStale.
func IsStale(createdAt time.Time) bool {
	return time.Since(createdAt) > BundleTTL
}

func commit(tx *sql.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return e2eerrors.New(op, e2eerrors.KindUnknown, err)
	}
	return nil
}

// signBundlePayload builds the exact byte payload a bundle signature
// covers: user|device|version|created_at, per spec.md §4.4.
func signBundlePayload(userID, deviceID uuid.UUID, version int64, createdAt time.Time, spk [32]byte) []byte {
	payload := make([]byte, 0, 16+16+8+8+32)
	payload = append(payload, userID[:]...)
	payload = append(payload, deviceID[:]...)
	payload = appendInt64(payload, version)
	payload = appendInt64(payload, createdAt.UnixNano())
	payload = append(payload, spk[:]...)
	return payload
}

func signBundle(userID, deviceID uuid.UUID, version int64, createdAt time.Time, spk [32]byte, signerPriv ed25519.PrivateKey) []byte {
	return primitives.SignIdentity(signerPriv, signBundlePayload(userID, deviceID, version, createdAt, spk))
}

func appendInt64(b []byte, v int64) []byte {
	for i := 7; i >= 0; i-- {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}
