package maintenance

import (
	"context"

	"github.com/sonet/e2ee/internal/device"
	"github.com/sonet/e2ee/internal/envelope"
	"github.com/sonet/e2ee/internal/keystore"
	"github.com/sonet/e2ee/internal/transparency"
)

// DefaultSweeps wires the standard five sweeps spec.md names into Sweep
// values NewScheduler can run: DeviceRegistry OPK rotation, DeviceRegistry
// bundle staleness flagging, TransparencyLog truncation (with archival),
// KeyStore expiry, and EnvelopeValidator replay-cache GC.
func DefaultSweeps(deviceStore *device.Store, log *transparency.Log, keys *keystore.Store, replay *envelope.ReplayCache) []Sweep {
	return []Sweep{
		{
			Name: "device.opk-rotation",
			Run:  deviceStore.SweepLowOPKPools,
		},
		{
			Name: "device.bundle-staleness",
			Run:  deviceStore.SweepStaleBundles,
		},
		{
			Name: "transparency.truncation",
			Run:  log.SweepTruncation,
		},
		{
			Name: "keystore.expiry",
			Run: func(ctx context.Context) (int, error) {
				return keys.Sweep(), nil
			},
		},
		{
			Name: "envelope.replay-cache-gc",
			Run:  replay.GC,
		},
	}
}
