package wire

import (
	"github.com/pkg/errors"

	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/transport"
)

// Encoder frames migration records onto a transport.Stream.
type Encoder struct {
	s transport.Stream
}

// NewEncoder wraps s as a producer-side frame encoder.
func NewEncoder(s transport.Stream) *Encoder {
	return &Encoder{s: s}
}

// DeviceBlock describes one chunk to frame onto the wire.
type DeviceBlock struct {
	Device      string
	Sector      int64
	SectorCount int64
	Buf         []byte // constants.ChunkBytes; only the first SectorCount*SectorBytes are valid
	Zero        bool   // true iff Buf is all-zero
	BulkPhase   bool   // true iff this chunk is still part of the bulk (first) pass
}

// PutDeviceBlock frames one device chunk. Per spec.md §4.7's sparse
// shortcut, if sparseEnable is set, blk.BulkPhase is true, and blk.Zero is
// true, the frame is dropped entirely (nothing is written). Zero chunks
// emitted during the dirty phase instead carry FlagZeroBlock and flush
// immediately so a run of zero frames doesn't sit buffered behind
// IO_BUF_SIZE-style coalescing.
func (e *Encoder) PutDeviceBlock(blk DeviceBlock, sparseEnable bool) error {
	if blk.Zero && sparseEnable && blk.BulkPhase {
		return nil
	}

	flags := FlagDeviceBlock
	if blk.Zero {
		flags |= FlagZeroBlock
	}

	if err := e.s.PutUint64(packHeader(blk.Sector, flags)); err != nil {
		return errors.Wrap(err, "wire: put header")
	}
	if len(blk.Device) > 255 {
		return errors.Errorf("wire: device name %q exceeds 255 bytes", blk.Device)
	}
	if err := e.s.PutUint8(uint8(len(blk.Device))); err != nil {
		return errors.Wrap(err, "wire: put device name length")
	}
	if err := e.s.PutBytes([]byte(blk.Device)); err != nil {
		return errors.Wrap(err, "wire: put device name")
	}

	if blk.Zero {
		return errors.Wrap(e.s.Flush(), "wire: flush after zero block")
	}

	if err := e.s.PutBytes(blk.Buf[:constants.ChunkBytes]); err != nil {
		return errors.Wrap(err, "wire: put payload")
	}
	return nil
}

// PutEOS emits an end-of-phase frame.
func (e *Encoder) PutEOS() error {
	return errors.Wrap(e.s.PutUint64(packHeader(0, FlagEOS)), "wire: put EOS")
}

// PutProgress emits a progress frame, packing percent into the header's
// sector field per spec.md §9's documented wire overloading.
func (e *Encoder) PutProgress(percent int) error {
	return errors.Wrap(e.s.PutUint64(packHeader(int64(percent), FlagProgress)), "wire: put progress")
}
