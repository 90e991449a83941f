// Package dirty implements the dirty phase driver (spec C7): repeated
// passes over dirty bitmaps, submitting async reads during iteration or
// performing synchronous reads during cut-over. Grounded directly on
// block-migration.c's mig_save_device_dirty.
package dirty

import (
	"context"

	"github.com/pkg/errors"

	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/driver"
	"github.com/virtmig/blockmig/internal/pipeline"
)

// Clock mirrors bulk.Clock; kept as its own type to avoid a package
// dependency between bulk and dirty for a one-line type alias.
type Clock func() float64

// firstDirtyChunk scans from dms.CurDirty in ascending sector order,
// advancing over clean chunks, and returns the sector of the first dirty
// chunk found, or (total, false) if none remain.
func firstDirtyChunk(dms *pipeline.DeviceState) (sector int64, found bool) {
	total := dms.TotalSectors
	for s := dms.CurDirty; s < total; s += constants.ChunkSectors {
		if dms.Device.GetDirty(s) {
			return s, true
		}
		dms.CurDirty = s + constants.ChunkSectors
	}
	return total, false
}

func nrSectorsFor(dms *pipeline.DeviceState, sector int64) int64 {
	n := int64(constants.ChunkSectors)
	if dms.TotalSectors-sector < n {
		n = dms.TotalSectors - sector
	}
	return n
}

// AdvanceAsync advances dms's dirty cursor past at most one dirty chunk,
// used during iteration. Returns true iff the dirty cursor has reached
// total_sectors. If the chunk found already has an outstanding read, it
// first drains all outstanding reads on the device before resubmitting.
// obs is notified via ObserveRead when the submitted read completes; obs
// may be nil.
func AdvanceAsync(ctx context.Context, state *pipeline.State, dms *pipeline.DeviceState, clock Clock, obs driver.Observer) (done bool, err error) {
	sector, found := firstDirtyChunk(dms)
	if !found {
		dms.CurDirty = dms.TotalSectors
		return true, nil
	}

	if dms.AIOBitmap.Probe(sector) {
		if err := dms.Device.DrainAll(ctx); err != nil {
			return false, errors.Wrap(err, "dirty: drain before resubmit")
		}
	}

	nr := nrSectorsFor(dms, sector)
	rec := pipeline.NewBlockRecord(dms, sector, nr)

	submitTime := clock()
	state.BeginSubmission(submitTime)
	dms.AIOBitmap.Set(sector, nr, true)

	dms.Device.ReadAsync(ctx, sector, nr, rec.Buf, func(n int, readErr error) {
		now := clock()
		state.CompleteRead(now, rec, readErr)
		if obs != nil {
			obs.ObserveRead(uint64(n), uint64((now-submitTime)*1e9), readErr == nil)
		}
	})

	dms.Device.ResetDirty(sector, nr)
	dms.CurDirty = sector + constants.ChunkSectors

	return dms.CurDirty >= dms.TotalSectors, nil
}

// Emitter frames and sends one already-read block record immediately,
// used by AdvanceSync so the dirty phase doesn't need its own queue
// during cut-over. It mirrors internal/send.Flush's per-record send but
// is not rate-limited: the guest is already paused.
type Emitter func(rec *pipeline.BlockRecord) error

// AdvanceSync performs a synchronous read of at most one dirty chunk and
// emits it immediately via emit, freeing the record before returning.
// Used during cut-over (complete()), when the guest is already paused.
// obs is notified via ObserveRead once the synchronous read returns; obs
// may be nil.
func AdvanceSync(ctx context.Context, dms *pipeline.DeviceState, clock Clock, obs driver.Observer, emit Emitter) (done bool, err error) {
	sector, found := firstDirtyChunk(dms)
	if !found {
		dms.CurDirty = dms.TotalSectors
		return true, nil
	}

	nr := nrSectorsFor(dms, sector)
	rec := pipeline.NewBlockRecord(dms, sector, nr)
	defer rec.Free()

	start := clock()
	n, readErr := dms.Device.ReadAt(ctx, rec.Buf[:nr*constants.SectorBytes], sector)
	if obs != nil {
		obs.ObserveRead(uint64(n), uint64((clock()-start)*1e9), readErr == nil)
	}
	if readErr != nil {
		return false, errors.Wrapf(readErr, "dirty: sync read sector=%d", sector)
	}

	dms.Device.ResetDirty(sector, nr)
	dms.CurDirty = sector + constants.ChunkSectors

	if err := emit(rec); err != nil {
		return false, errors.Wrap(err, "dirty: sync emit")
	}

	return dms.CurDirty >= dms.TotalSectors, nil
}
