// Package device provides a RAM-backed driver.Device, adapted from
// ehrlich-b-go-ublk's backend.Memory (sharded locking for parallel I/O)
// and extended with the allocation and dirty tracking this core's
// migration pipeline needs.
package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/driver"
)

// ShardSize is the size of each memory shard, carried over from
// ehrlich-b-go-ublk/backend.Memory: enough parallelism for concurrent
// chunk reads while keeping per-shard lock overhead low.
const ShardSize = 64 * 1024

// Memory is a RAM-backed driver.Device used by tests and cmd/migrate-demo
// in place of a real block driver.
type Memory struct {
	name string
	data []byte
	size int64

	shards []sync.RWMutex

	allocated *sectorBitmap
	dirty     *sectorBitmap
	bitsMu    sync.Mutex

	dirtyTracking atomic.Bool
	inUse         atomic.Bool

	asyncSem chan struct{}
	wg       sync.WaitGroup
}

// NewMemory creates a new memory device of the given size and name. Its
// data starts zero-filled, so as a receiver it already reads as zero
// wherever the sparse shortcut drops a bulk-phase chunk.
func NewMemory(name string, size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards == 0 {
		numShards = 1
	}
	sectors := size / constants.SectorBytes
	return &Memory{
		name:      name,
		data:      make([]byte, size),
		size:      size,
		shards:    make([]sync.RWMutex, numShards),
		allocated: newSectorBitmap(sectors),
		dirty:     newSectorBitmap(sectors),
		asyncSem:  make(chan struct{}, 32),
	}
}

func (m *Memory) Name() string     { return m.name }
func (m *Memory) SizeBytes() int64 { return m.size }

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt performs a synchronous read, used by the dirty phase driver
// during cut-over.
func (m *Memory) ReadAt(ctx context.Context, p []byte, offSector int64) (int, error) {
	off := offSector * constants.SectorBytes
	if off >= m.size {
		return 0, nil
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt performs a synchronous write, used by the receiver to
// reconstruct the device image. It also marks the written range
// allocated, mirroring a real block driver's copy-on-write behavior.
func (m *Memory) WriteAt(ctx context.Context, p []byte, offSector int64) (int, error) {
	off := offSector * constants.SectorBytes
	if off >= m.size {
		return 0, nil
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}

	m.bitsMu.Lock()
	m.allocated.setRange(offSector, int64(n)/constants.SectorBytes, true)
	if m.dirtyTracking.Load() {
		m.dirty.setRange(offSector, int64(n)/constants.SectorBytes, true)
	}
	m.bitsMu.Unlock()

	return n, nil
}

// ReadAsync submits an asynchronous read on a bounded goroutine pool, the
// reference implementation's stand-in for a real driver's io_uring/AIO
// submission queue. done always runs on a different goroutine than the
// caller's.
func (m *Memory) ReadAsync(ctx context.Context, sector, nrSectors int64, buf []byte, done func(n int, err error)) {
	m.wg.Add(1)
	m.asyncSem <- struct{}{}
	go func() {
		defer m.wg.Done()
		defer func() { <-m.asyncSem }()

		n, err := m.ReadAt(ctx, buf[:nrSectors*constants.SectorBytes], sector)
		done(n, err)
	}()
}

// IsAllocated reports whether sector is allocated and, if not, how many
// contiguous sectors from sector are unallocated (bounded by maxSearch).
func (m *Memory) IsAllocated(sector, maxSearch int64) (allocated bool, run int64) {
	m.bitsMu.Lock()
	defer m.bitsMu.Unlock()
	return m.allocated.unallocatedRun(sector, maxSearch)
}

// GetDirty reports whether any sector in the chunk starting at sector is
// dirty (the dirty-phase driver always probes at chunk-aligned offsets).
func (m *Memory) GetDirty(sector int64) bool {
	m.bitsMu.Lock()
	defer m.bitsMu.Unlock()
	n := int64(constants.ChunkSectors)
	if m.dirty.n-sector < n {
		n = m.dirty.n - sector
	}
	return m.dirty.anySet(sector, n)
}

// GetDirtyCount returns the total number of sectors currently marked
// dirty.
func (m *Memory) GetDirtyCount() int64 {
	m.bitsMu.Lock()
	defer m.bitsMu.Unlock()
	return m.dirty.countSet()
}

// ResetDirty clears the dirty bits for [sector, sector+count).
func (m *Memory) ResetDirty(sector, count int64) {
	m.bitsMu.Lock()
	defer m.bitsMu.Unlock()
	m.dirty.setRange(sector, count, false)
}

// SetDirtyTracking turns dirty-bit tracking on or off.
func (m *Memory) SetDirtyTracking(on bool) {
	m.dirtyTracking.Store(on)
}

// SetInUse pins or unpins the device for the lifetime of its DMS.
func (m *Memory) SetInUse(inUse bool) {
	m.inUse.Store(inUse)
}

// InUse reports whether the device is currently pinned by a migration
// session, exposed for tests.
func (m *Memory) InUse() bool {
	return m.inUse.Load()
}

// DrainAll blocks until every outstanding asynchronous read has completed.
func (m *Memory) DrainAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkAllocated marks [sector, sector+count) allocated without writing
// data, for tests that need to seed an allocation map directly.
func (m *Memory) MarkAllocated(sector, count int64) {
	m.bitsMu.Lock()
	defer m.bitsMu.Unlock()
	m.allocated.setRange(sector, count, true)
}

// MarkDirty marks [sector, sector+count) dirty without writing data, for
// tests that need to simulate guest writes landing during migration.
func (m *Memory) MarkDirty(sector, count int64) {
	m.bitsMu.Lock()
	defer m.bitsMu.Unlock()
	m.dirty.setRange(sector, count, true)
}

var _ driver.Device = (*Memory)(nil)
