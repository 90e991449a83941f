// Package send implements the send/flush stage (spec C8), draining the
// pipeline's completion queue onto the wire through internal/wire,
// grounded directly on block-migration.c's flush_blks.
package send

import (
	"github.com/pkg/errors"

	"github.com/virtmig/blockmig/internal/chunk"
	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/driver"
	"github.com/virtmig/blockmig/internal/pipeline"
	"github.com/virtmig/blockmig/internal/transport"
	"github.com/virtmig/blockmig/internal/wire"
)

// Flush drains the completion queue front-to-back through enc. It stops
// (without error) as soon as s's transport reports the rate budget is
// exhausted, leaving the record at the head of the queue for the next
// call. A record whose read failed (rec.Err != nil) stops the drain and
// surfaces that error without being freed or counted as transferred, so
// the caller can decide how to treat a failed chunk. obs may be nil.
func Flush(s *pipeline.State, enc *wire.Encoder, stream transport.Stream, obs driver.Observer) error {
	for {
		rec := s.Front()
		if rec == nil {
			return nil
		}
		if stream.RateLimited() {
			return nil
		}
		if rec.Err != nil {
			return errors.Wrapf(rec.Err, "send: read failed device=%q sector=%d", rec.DMS.Device.Name(), rec.Sector)
		}

		zero := chunk.IsZero(rec.Buf[:rec.SectorCount*constants.SectorBytes])
		blk := wire.DeviceBlock{
			Device:      rec.DMS.Device.Name(),
			Sector:      rec.Sector,
			SectorCount: rec.SectorCount,
			Buf:         rec.Buf,
			Zero:        zero,
			BulkPhase:   !rec.DMS.BulkCompleted,
		}
		if err := enc.PutDeviceBlock(blk, rec.DMS.SparseEnable); err != nil {
			return errors.Wrap(err, "send: put device block")
		}
		if obs != nil {
			obs.ObserveSend(uint64(rec.SectorCount)*constants.SectorBytes, zero, blk.BulkPhase)
		}

		s.PopFront()
		rec.Free()
		s.MarkSent()
	}
}
