// Package bulk implements the bulk phase driver (spec C6): the first-pass
// linear scan of a device, submitting async reads and optionally skipping
// known-unallocated regions. Grounded directly on block-migration.c's
// mig_save_device_bulk.
package bulk

import (
	"context"

	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/driver"
	"github.com/virtmig/blockmig/internal/pipeline"
)

// Clock returns a monotonic time reading in seconds, used to anchor the
// pipeline's read-bandwidth estimator. Callers pass a real clock in
// production and a fake, controllable one in tests.
type Clock func() float64

// Advance advances dms's bulk cursor by one chunk's worth of work,
// submitting at most one asynchronous read. Returns true iff this call
// moved cur_sector to total_sectors or past, in which case the caller
// must mark dms.BulkCompleted. obs is notified via ObserveRead when the
// submitted read completes; obs may be nil.
func Advance(ctx context.Context, state *pipeline.State, dms *pipeline.DeviceState, clock Clock, obs driver.Observer) (done bool, err error) {
	total := dms.TotalSectors
	cur := dms.CurSector

	if dms.SharedBase {
		for cur < total {
			allocated, run := dms.Device.IsAllocated(cur, constants.MaxIsAllocatedSearch)
			if allocated || run <= 0 {
				break
			}
			cur += run
		}
	}

	if cur >= total {
		dms.CurSector = total
		dms.CompletedSectors = total
		return true, nil
	}

	dms.CompletedSectors = cur

	cur &^= (constants.ChunkSectors - 1)

	nrSectors := int64(constants.ChunkSectors)
	if total-cur < nrSectors {
		nrSectors = total - cur
	}

	rec := pipeline.NewBlockRecord(dms, cur, nrSectors)

	submitTime := clock()
	state.BeginSubmission(submitTime)
	dms.AIOBitmap.Set(cur, nrSectors, true)

	dms.Device.ReadAsync(ctx, cur, nrSectors, rec.Buf, func(n int, readErr error) {
		now := clock()
		state.CompleteRead(now, rec, readErr)
		if obs != nil {
			obs.ObserveRead(uint64(n), uint64((now-submitTime)*1e9), readErr == nil)
		}
	})

	dms.Device.ResetDirty(cur, nrSectors)
	dms.CurSector = cur + nrSectors

	if dms.CurSector >= total {
		return true, nil
	}
	return false, nil
}

