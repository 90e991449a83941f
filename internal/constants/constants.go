// Package constants holds the wire- and protocol-level defaults for the
// block migration core. Values mirror BDRV_SECTORS_PER_DIRTY_CHUNK and
// friends from QEMU's block-migration.c, since SectorBits and ChunkSectors
// are part of the wire protocol and must match on both ends.
package constants

import "time"

// Wire protocol constants. These are fixed at build time; changing them
// changes the wire format.
const (
	// SectorBytes is the size of one sector in bytes.
	SectorBytes = 512

	// SectorBits is log2(SectorBytes), used to pack a sector number and
	// flag bits into a single 64-bit wire header word.
	SectorBits = 9

	// ChunkSectors is the number of sectors per migration chunk. Must be
	// a power of two; every bitmap in the core is indexed by chunk.
	ChunkSectors = 2048 // 1MiB chunks at SectorBytes=512

	// ChunkBytes is the size in bytes of one migration chunk.
	ChunkBytes = ChunkSectors * SectorBytes
)

// MaxIsAllocatedSearch bounds a single IsAllocated probe so a long run of
// unallocated sectors in shared-base mode can't stall the bulk driver for
// an unbounded search window.
const MaxIsAllocatedSearch = 65536

// Default configuration values for Config (see blockmig.DefaultConfig).
const (
	// DefaultMaxDowntime is the operator-configured cut-over budget the
	// convergence oracle compares residual transfer time against.
	DefaultMaxDowntime = 300 * time.Millisecond

	// DefaultRateBudget is the default for Config.RateBudget, a
	// bytes-per-iteration budget. transport.Pipe does not read it; each
	// Pipe takes its budget from NewPipe.
	DefaultRateBudget = 64 << 20 // 64MiB per iterate() call
)
