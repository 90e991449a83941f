// Package driver defines the block driver contract consumed by the
// migration core. It is an internal package, split out from the root
// package the way ehrlich-b-go-ublk splits internal/interfaces from its
// public API, so the core and its reference device implementation can
// both depend on the interface without an import cycle.
//
// The block driver itself — real sector I/O, dirty tracking, allocation
// queries — is an external collaborator (spec §1/§6): this package only
// states the contract. device.Memory is the reference implementation used
// by tests and the demo binary.
package driver

import "context"

// Device is the block driver contract consumed by the migration core.
type Device interface {
	// Name is the device identifier carried on the wire in DEVICE_BLOCK
	// frames.
	Name() string

	// SizeBytes returns the device length in bytes, fixed for the
	// lifetime of the migration attempt.
	SizeBytes() int64

	// ReadAt performs a synchronous read, used by the dirty phase driver
	// during cut-over (sync mode).
	ReadAt(ctx context.Context, p []byte, offSector int64) (int, error)

	// WriteAt performs a synchronous write, used by the receiver to
	// reconstruct the device image.
	WriteAt(ctx context.Context, p []byte, offSector int64) (int, error)

	// ReadAsync submits an asynchronous read of nrSectors sectors
	// starting at sector into buf. done is invoked exactly once, on the
	// driver's completion dispatch point, with the number of bytes read
	// and a non-nil error on failure. done may run on a goroutine other
	// than the calling one and may run before ReadAsync returns; callers
	// must not assume any particular goroutine or ordering.
	ReadAsync(ctx context.Context, sector, nrSectors int64, buf []byte, done func(n int, err error))

	// IsAllocated reports whether the sector is allocated, and if not,
	// how many contiguous sectors starting at sector are unallocated
	// (bounded by maxSearch).
	IsAllocated(sector, maxSearch int64) (allocated bool, run int64)

	// GetDirty reports whether any sector of the chunk starting at sector
	// currently carries a dirty bit; the dirty phase driver always probes
	// at chunk-aligned sectors and treats the answer as chunk-wide.
	GetDirty(sector int64) bool

	// GetDirtyCount returns the total number of sectors currently
	// marked dirty.
	GetDirtyCount() int64

	// ResetDirty clears the dirty bits for [sector, sector+count).
	ResetDirty(sector, count int64)

	// SetDirtyTracking turns dirty-bit tracking on or off. The core
	// enables it once at setup and disables it once at cleanup.
	SetDirtyTracking(on bool)

	// SetInUse pins or unpins the device for the lifetime of its DMS.
	SetInUse(inUse bool)

	// DrainAll blocks until every outstanding asynchronous read on this
	// device has completed (its done callback has run).
	DrainAll(ctx context.Context) error
}

// Logger is the leveled logging contract consumed throughout the core.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives point-in-time notifications of migration activity.
// Implementations must be safe for concurrent use: ObserveRead is called
// from read completion callbacks, which may run on goroutines other than
// the migration thread.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveSend(bytes uint64, zero bool, bulkPhase bool)
	ObserveProgress(percent int)
	ObserveConvergence(residualBytes uint64, bandwidthBps float64, eligible bool)
}
