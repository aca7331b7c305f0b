// Package transparency implements TransparencyLog: an append-only,
// hash-chained, Ed25519-signed log of key changes, safety numbers, QR
// fingerprints, and trust relationships, generalized from
// internal/security/keytransparency.go's KeyLogEntry/hash-chain shape
// with the teacher's SHA-256-hash-as-signature replaced by real
// Ed25519 attestation.
package transparency

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/metrics"
)

// MaxEntries bounds the live log per user; older entries are archived and
// dropped from the head once exceeded.
const MaxEntries = 10000

// KeyType identifies what kind of key a log entry attests to.
type KeyType string

const (
	KeyTypeIdentity  KeyType = "identity"
	KeyTypeSignedPre KeyType = "signed_prekey"
	KeyTypeOneTime   KeyType = "one_time_prekey"
)

// ChangeType is the kind of key-lifecycle event a log entry records.
type ChangeType string

const (
	ChangeAdd        ChangeType = "add"
	ChangeRemove     ChangeType = "remove"
	ChangeRotate     ChangeType = "rotate"
	ChangeCompromise ChangeType = "compromise"
)

// KeyLogEntry is one append-only, hash-chained, signed record of a key
// change.
type KeyLogEntry struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	DeviceID     uuid.UUID
	KeyType      KeyType
	Change       ChangeType
	PublicKey    []byte
	KeyHash      string
	PreviousHash string
	Timestamp    time.Time
	Signature    []byte
}

func entryHash(userID uuid.UUID, publicKey []byte, previousHash string) string {
	h := sha256.New()
	h.Write(publicKey)
	h.Write([]byte(previousHash))
	h.Write([]byte(userID.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// signPayload builds the byte string an entry's identity-key signature
// covers: every field that a tampering server could otherwise alter.
func signPayload(e *KeyLogEntry) []byte {
	var b bytes.Buffer
	b.WriteString(e.UserID.String())
	b.WriteString(e.DeviceID.String())
	b.WriteString(string(e.KeyType))
	b.WriteString(string(e.Change))
	b.Write(e.PublicKey)
	b.WriteString(e.KeyHash)
	b.WriteString(e.PreviousHash)
	b.WriteString(e.Timestamp.Truncate(time.Microsecond).UTC().Format(time.RFC3339Nano))
	return b.Bytes()
}

// Archiver moves a batch of truncated entries to cold storage before they
// are dropped from the live table, so truncation is a cold-storage move
// rather than silent data loss.
type Archiver interface {
	Archive(ctx context.Context, objectName string, data []byte) error
}

// Log is the Postgres-backed transparency log.
type Log struct {
	db       *sql.DB
	archiver Archiver
}

// NewLog creates a Log. archiver may be nil, in which case truncation
// deletes head entries without archiving them (acceptable for tests; the
// production wiring in cmd/keyserver always supplies a MinIO-backed one).
func NewLog(db *sql.DB, archiver Archiver) *Log {
	return &Log{db: db, archiver: archiver}
}

// Append appends a new, identity-key-signed entry to userID's hash chain.
func (l *Log) Append(ctx context.Context, userID, deviceID uuid.UUID, keyType KeyType, change ChangeType, publicKey []byte, signerPriv ed25519.PrivateKey) (*KeyLogEntry, error) {
	var previousHash string
	err := l.db.QueryRowContext(ctx, `
		SELECT key_hash FROM key_transparency_log
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		userID.String(),
	).Scan(&previousHash)
	if err == sql.ErrNoRows {
		previousHash = "genesis"
	} else if err != nil {
		return nil, e2eerrors.New("transparency.Append", e2eerrors.KindUnknown, err)
	}

	entry := &KeyLogEntry{
		ID:           uuid.New(),
		UserID:       userID,
		DeviceID:     deviceID,
		KeyType:      keyType,
		Change:       change,
		PublicKey:    publicKey,
		PreviousHash: previousHash,
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
	}
	entry.KeyHash = entryHash(userID, publicKey, previousHash)
	entry.Signature = ed25519.Sign(signerPriv, signPayload(entry))

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO key_transparency_log
			(id, user_id, device_id, key_type, change_type, public_key, key_hash, previous_hash, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID.String(), entry.UserID.String(), entry.DeviceID.String(),
		string(entry.KeyType), string(entry.Change), entry.PublicKey,
		entry.KeyHash, entry.PreviousHash, entry.Signature, entry.Timestamp,
	)
	if err != nil {
		return nil, e2eerrors.New("transparency.Append", e2eerrors.KindUnknown, err)
	}

	if err := l.truncateIfNeeded(ctx, userID); err != nil {
		return nil, err
	}
	metrics.RecordKeyLogAppend(string(keyType), string(change))
	return entry, nil
}

// GetLog returns userID's entries strictly newer than since, oldest first.
func (l *Log) GetLog(ctx context.Context, userID uuid.UUID, since time.Time) ([]*KeyLogEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, key_type, change_type, public_key, key_hash, previous_hash, signature, created_at
		FROM key_transparency_log
		WHERE user_id = $1 AND created_at > $2
		ORDER BY created_at ASC`,
		userID.String(), since.UTC(),
	)
	if err != nil {
		return nil, e2eerrors.New("transparency.GetLog", e2eerrors.KindUnknown, err)
	}
	defer rows.Close()

	var entries []*KeyLogEntry
	for rows.Next() {
		e := &KeyLogEntry{}
		var id, uid, did string
		if err := rows.Scan(&id, &uid, &did, &e.KeyType, &e.Change, &e.PublicKey, &e.KeyHash, &e.PreviousHash, &e.Signature, &e.Timestamp); err != nil {
			return nil, e2eerrors.New("transparency.GetLog", e2eerrors.KindUnknown, err)
		}
		e.ID, e.UserID, e.DeviceID = uuid.MustParse(id), uuid.MustParse(uid), uuid.MustParse(did)
		entries = append(entries, e)
	}
	return entries, nil
}

// VerifyChain re-verifies every entry's identity-key signature and the
// hash chain linking each entry to its predecessor, oldest first.
func (l *Log) VerifyChain(ctx context.Context, userID uuid.UUID, signerPub ed25519.PublicKey) (bool, error) {
	entries, err := l.GetLog(ctx, userID, time.Unix(0, 0))
	if err != nil {
		return false, err
	}

	var prevHash string
	for i, e := range entries {
		if !ed25519.Verify(signerPub, signPayload(e), e.Signature) {
			metrics.RecordKeyLogVerifyFailure()
			return false, nil
		}
		// The oldest surviving entry anchors the chain. Ordinarily that's
		// "genesis", but truncateIfNeeded may have already archived and
		// dropped everything before it, in which case its PreviousHash is
		// a real prior hash this log can no longer see — accepted as the
		// chain's starting point rather than compared against "genesis".
		if i == 0 {
			prevHash = e.PreviousHash
		} else if e.PreviousHash != prevHash {
			metrics.RecordKeyLogVerifyFailure()
			return false, nil
		}
		if e.KeyHash != entryHash(e.UserID, e.PublicKey, e.PreviousHash) {
			metrics.RecordKeyLogVerifyFailure()
			return false, nil
		}
		prevHash = e.KeyHash
	}
	return true, nil
}

// SweepTruncation runs truncateIfNeeded for every user with a non-empty
// log, for BackgroundMaintenance's periodic truncation pass (Append
// already truncates its own user inline; this sweep catches any user who
// hasn't appended since crossing MaxEntries through other means).
func (l *Log) SweepTruncation(ctx context.Context) (int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM key_transparency_log`)
	if err != nil {
		return 0, e2eerrors.New("transparency.SweepTruncation", e2eerrors.KindUnknown, err)
	}
	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, e2eerrors.New("transparency.SweepTruncation", e2eerrors.KindUnknown, err)
		}
		userIDs = append(userIDs, id)
	}
	rows.Close()

	truncated := 0
	for _, idStr := range userIDs {
		userID, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		var before int
		if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_transparency_log WHERE user_id = $1`, idStr).Scan(&before); err != nil {
			return truncated, e2eerrors.New("transparency.SweepTruncation", e2eerrors.KindUnknown, err)
		}
		if before <= MaxEntries {
			continue
		}
		if err := l.truncateIfNeeded(ctx, userID); err != nil {
			return truncated, err
		}
		truncated++
	}
	return truncated, nil
}

// truncateIfNeeded archives and drops the oldest entries past MaxEntries.
func (l *Log) truncateIfNeeded(ctx context.Context, userID uuid.UUID) error {
	var count int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_transparency_log WHERE user_id = $1`, userID.String()).Scan(&count); err != nil {
		return e2eerrors.New("transparency.truncateIfNeeded", e2eerrors.KindUnknown, err)
	}
	if count <= MaxEntries {
		return nil
	}
	overflow := count - MaxEntries

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, key_type, change_type, public_key, key_hash, previous_hash, signature, created_at
		FROM key_transparency_log
		WHERE user_id = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		userID.String(), overflow,
	)
	if err != nil {
		return e2eerrors.New("transparency.truncateIfNeeded", e2eerrors.KindUnknown, err)
	}

	var ids []string
	var batch bytes.Buffer
	for rows.Next() {
		var id, uid, did, keyType, change, keyHash, prevHash string
		var pubKey, sig []byte
		var ts time.Time
		if err := rows.Scan(&id, &uid, &did, &keyType, &change, &pubKey, &keyHash, &prevHash, &sig, &ts); err != nil {
			rows.Close()
			return e2eerrors.New("transparency.truncateIfNeeded", e2eerrors.KindUnknown, err)
		}
		ids = append(ids, id)
		fmt.Fprintf(&batch, "%s,%s,%s,%s,%s,%x,%s,%s,%x,%s\n", id, uid, did, keyType, change, pubKey, keyHash, prevHash, sig, ts.Format(time.RFC3339Nano))
	}
	rows.Close()
	if len(ids) == 0 {
		return nil
	}

	if l.archiver != nil {
		object := fmt.Sprintf("transparency/%s/%s.csv", userID.String(), time.Now().UTC().Truncate(time.Microsecond).Format("20060102T150405.000000"))
		if err := l.archiver.Archive(ctx, object, batch.Bytes()); err != nil {
			return e2eerrors.New("transparency.truncateIfNeeded", e2eerrors.KindUnknown, err)
		}
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM key_transparency_log WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return e2eerrors.New("transparency.truncateIfNeeded", e2eerrors.KindUnknown, err)
	}
	metrics.RecordKeyLogTruncation()
	return nil
}
