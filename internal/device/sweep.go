package device

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/metrics"
)

// LowOPKThreshold is the live one-time-prekey pool floor below which
// BackgroundMaintenance tops a device's pool back up to
// DefaultOneTimePreKeyCount.
const LowOPKThreshold = 10

// SweepLowOPKPools finds every device whose live (unconsumed) one-time
// prekey pool has fallen below LowOPKThreshold and tops it back up,
// returning how many devices were topped up.
func (s *Store) SweepLowOPKPools(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, device_id, COUNT(*) AS live
		FROM one_time_prekeys
		WHERE consumed_at IS NULL
		GROUP BY user_id, device_id
		HAVING COUNT(*) < $1`,
		LowOPKThreshold,
	)
	if err != nil {
		return 0, e2eerrors.New("device.SweepLowOPKPools", e2eerrors.KindUnknown, err)
	}

	type lowPool struct {
		userID, deviceID uuid.UUID
		live             int
	}
	var low []lowPool
	for rows.Next() {
		var userStr, deviceStr string
		var live int
		if err := rows.Scan(&userStr, &deviceStr, &live); err != nil {
			rows.Close()
			return 0, e2eerrors.New("device.SweepLowOPKPools", e2eerrors.KindUnknown, err)
		}
		low = append(low, lowPool{userID: uuid.MustParse(userStr), deviceID: uuid.MustParse(deviceStr), live: live})
	}
	rows.Close()

	for _, p := range low {
		if err := s.RotateOneTimePreKeys(ctx, p.userID, p.deviceID, DefaultOneTimePreKeyCount); err != nil {
			return 0, err
		}
		metrics.RecordPreKeysReplenished()
	}
	return len(low), nil
}

// SweepStaleBundles flags every non-stale bundle older than BundleTTL,
// returning how many were newly flagged.
func (s *Store) SweepStaleBundles(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-BundleTTL).UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE key_bundles SET stale = true
		WHERE stale = false AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, e2eerrors.New("device.SweepStaleBundles", e2eerrors.KindUnknown, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, e2eerrors.New("device.SweepStaleBundles", e2eerrors.KindUnknown, err)
	}
	for i := int64(0); i < n; i++ {
		metrics.RecordBundleMarkedStale()
	}
	return int(n), nil
}
