// Package wire implements the migration record stream framing (spec
// C10): producer encoder and receiver decoder. Flag values and frame
// layout are grounded directly on block-migration.c's BLK_MIG_FLAG_* and
// blk_send/load_state. Header packing uses explicit bit ops in the style
// of ehrlich-b-go-ublk/internal/uapi/marshal.go's manual encoding/binary
// (de)serialization.
package wire

import (
	"github.com/pkg/errors"

	"github.com/virtmig/blockmig/internal/constants"
)

// Flag bits packed into the low bits of the 64-bit header word.
const (
	FlagDeviceBlock uint64 = 0x01 // frame carries a device chunk
	FlagEOS         uint64 = 0x02 // end of a migration phase
	FlagProgress    uint64 = 0x04 // sector field carries a percent value
	FlagZeroBlock   uint64 = 0x08 // device chunk payload omitted, treat as all-zero
)

const flagMask = FlagDeviceBlock | FlagEOS | FlagProgress | FlagZeroBlock

// SavepointID and SavepointVersion identify this wire protocol to an
// embedding migration engine (spec §6: registered under "block",
// version 1).
const (
	SavepointID      = "block"
	SavepointVersion = 1
)

// ErrUnknownFlags is returned by the receiver when a header word carries
// flag bits this codec doesn't recognize.
var ErrUnknownFlags = errors.New("wire: unknown flags")

// ErrUnknownDevice is returned by the receiver when a DEVICE_BLOCK frame
// names a device the caller's resolver doesn't know.
var ErrUnknownDevice = errors.New("wire: unknown device")

// packHeader composes a header word from a sector number and flag bits,
// per spec.md §4.7: (sector << SectorBits) | flags.
func packHeader(sector int64, flags uint64) uint64 {
	return uint64(sector)<<constants.SectorBits | flags
}

// unpackHeader splits a header word back into the raw flags field (the
// low SectorBits bits, unmasked so the receiver can detect flag values
// outside flagMask) and the upper field (a sector number for DEVICE_BLOCK
// frames, a percent for PROGRESS frames - the caller interprets it
// according to the flags, per spec.md §9's documented overloading).
func unpackHeader(word uint64) (upper int64, flags uint64) {
	flags = word & ((1 << constants.SectorBits) - 1)
	upper = int64(word >> constants.SectorBits)
	return upper, flags
}
