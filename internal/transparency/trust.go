package transparency

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/metrics"
)

// TrustLevel is how strongly a holder vouches for a subject's identity key.
type TrustLevel string

const (
	TrustVerified   TrustLevel = "verified"
	TrustUnverified TrustLevel = "unverified"
	TrustBlocked    TrustLevel = "blocked"
)

// TrustMethod is how a TrustLevel was established.
type TrustMethod string

const (
	TrustMethodManual       TrustMethod = "manual"
	TrustMethodQR           TrustMethod = "qr"
	TrustMethodSafetyNumber TrustMethod = "safety_number"
)

// TrustRelation records one holder's trust judgment about a subject.
type TrustRelation struct {
	Holder       uuid.UUID
	Subject      uuid.UUID
	Level        TrustLevel
	Method       TrustMethod
	LastVerified time.Time
}

// TrustStore is the Postgres-backed TrustRelation registry.
type TrustStore struct {
	db *sql.DB
}

// NewTrustStore creates a TrustStore.
func NewTrustStore(db *sql.DB) *TrustStore {
	return &TrustStore{db: db}
}

// EstablishTrust inserts a new trust record (or replaces an existing one
// for the same holder/subject pair).
func (s *TrustStore) EstablishTrust(ctx context.Context, holder, subject uuid.UUID, level TrustLevel, method TrustMethod) (*TrustRelation, error) {
	rel := &TrustRelation{
		Holder:       holder,
		Subject:      subject,
		Level:        level,
		Method:       method,
		LastVerified: time.Now().UTC().Truncate(time.Microsecond),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_relations (holder, subject, level, method, last_verified)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (holder, subject) DO UPDATE
		SET level = $3, method = $4, last_verified = $5`,
		holder.String(), subject.String(), string(level), string(method), rel.LastVerified,
	)
	if err != nil {
		return nil, e2eerrors.New("transparency.EstablishTrust", e2eerrors.KindUnknown, err)
	}
	metrics.RecordTrustRelationship(string(method))
	return rel, nil
}

// UpdateTrustLevel mutates an existing record's level and bumps
// last_verified. Missing if no relation exists yet for the pair.
func (s *TrustStore) UpdateTrustLevel(ctx context.Context, holder, subject uuid.UUID, level TrustLevel) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	res, err := s.db.ExecContext(ctx, `
		UPDATE trust_relations SET level = $1, last_verified = $2
		WHERE holder = $3 AND subject = $4`,
		string(level), now, holder.String(), subject.String(),
	)
	if err != nil {
		return e2eerrors.New("transparency.UpdateTrustLevel", e2eerrors.KindUnknown, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return e2eerrors.New("transparency.UpdateTrustLevel", e2eerrors.KindUnknown, err)
	}
	if n == 0 {
		return e2eerrors.New("transparency.UpdateTrustLevel", e2eerrors.KindMissing, nil)
	}
	return nil
}

// GetTrustRelationships lists every relation holder has established.
func (s *TrustStore) GetTrustRelationships(ctx context.Context, holder uuid.UUID) ([]*TrustRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT holder, subject, level, method, last_verified
		FROM trust_relations
		WHERE holder = $1
		ORDER BY last_verified DESC`,
		holder.String(),
	)
	if err != nil {
		return nil, e2eerrors.New("transparency.GetTrustRelationships", e2eerrors.KindUnknown, err)
	}
	defer rows.Close()

	var out []*TrustRelation
	for rows.Next() {
		var holderStr, subjectStr string
		rel := &TrustRelation{}
		if err := rows.Scan(&holderStr, &subjectStr, &rel.Level, &rel.Method, &rel.LastVerified); err != nil {
			return nil, e2eerrors.New("transparency.GetTrustRelationships", e2eerrors.KindUnknown, err)
		}
		rel.Holder, rel.Subject = uuid.MustParse(holderStr), uuid.MustParse(subjectStr)
		out = append(out, rel)
	}
	return out, nil
}
