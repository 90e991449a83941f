// Package pipeline implements the device migration state (DMS, spec C3),
// the block record (spec C4), and the process-wide pipeline state
// (spec C5). It is grounded directly on block-migration.c's
// BlkMigDevState / BlkMigBlock / BlkMigState structs.
package pipeline

import (
	"container/list"
	"sync"

	"github.com/virtmig/blockmig/internal/aiobitmap"
	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/driver"
)

const chunkBytes = constants.ChunkBytes

// DeviceState is the per-device migration cursor, totals, flags, and AIO
// bitmap (spec C3, "Device Migration State (DMS)").
type DeviceState struct {
	Device driver.Device // back reference; DMS does not own the device

	TotalSectors int64 // immutable after creation

	CurSector       int64 // bulk-scan cursor, chunk-aligned at each step start
	CompletedSectors int64 // monotonically non-decreasing
	CurDirty        int64 // dirty-pass cursor, reset to 0 each pass

	BulkCompleted bool

	SharedBase   bool
	SparseEnable bool

	AIOBitmap *aiobitmap.Bitmap
}

// NewDeviceState creates a DMS for dev, pinning it in use and allocating
// its AIO bitmap sized from the device's current length.
func NewDeviceState(dev driver.Device, sharedBase, sparseEnable bool) *DeviceState {
	total := dev.SizeBytes() / constants.SectorBytes
	dev.SetInUse(true)
	return &DeviceState{
		Device:       dev,
		TotalSectors: total,
		SharedBase:   sharedBase,
		SparseEnable: sparseEnable,
		AIOBitmap:    aiobitmap.New(total),
	}
}

// Close unpins the device. Called once per DMS during cleanup.
func (d *DeviceState) Close() {
	d.Device.SetInUse(false)
}

// BlockRecord is a buffer plus metadata for one chunk in flight or
// awaiting send (spec C4).
type BlockRecord struct {
	DMS         *DeviceState // owning DMS, weak back reference
	Sector      int64        // start sector, chunk-aligned unless truncated at device end
	SectorCount int64        // number of valid sectors in Buf
	Buf         []byte       // exactly constants.ChunkBytes; tail beyond SectorCount*SectorBytes is undefined
	Err         error        // I/O result
}

// NewBlockRecord allocates a block record from the shared buffer pool.
func NewBlockRecord(dms *DeviceState, sector, sectorCount int64) *BlockRecord {
	return &BlockRecord{
		DMS:         dms,
		Sector:      sector,
		SectorCount: sectorCount,
		Buf:         getBuffer(),
	}
}

// Free returns the record's buffer to the shared pool. Call exactly once,
// after the record's bytes have been emitted on the wire or migration is
// cancelled.
func (r *BlockRecord) Free() {
	if r.Buf != nil {
		putBuffer(r.Buf)
		r.Buf = nil
	}
}

// State is the process-wide pipeline state for a single migration attempt
// (spec C5): the device list, the completion queue, the three counters,
// the read-bandwidth estimator, and the active configuration flags.
type State struct {
	Devices []*DeviceState

	// mu guards every field below that the completion callback touches.
	// driver.Device.ReadAsync's contract permits done to run on a
	// goroutine other than the submitter's, so the submitting goroutine
	// (bulk/dirty Advance) and the completion dispatch (CompleteRead) can
	// execute concurrently; Front/PopFront/QueueLen run from the flush
	// loop on the same logical thread as submission but still take mu for
	// a consistent view of completionQueue.
	mu sync.Mutex

	// completionQueue is the FIFO of completed block records awaiting
	// send; container/list gives O(1) push-back/pop-front without a
	// hand-rolled ring buffer.
	completionQueue *list.List

	Submitted  int
	ReadDone   int
	Transferred int

	TotalTime      float64 // accumulated wall-clock time across read-completion intervals, seconds
	Reads          int64
	PrevTimeOffset float64 // anchors the next interval; set "now" when a read is submitted from idle

	BulkCompleted bool
	PrevProgress  int // last emitted progress percent, -1 before the first frame

	BlkEnable    bool
	SharedBase   bool
	SparseEnable bool
}

// NewState creates an empty pipeline state with the given configuration
// flags already resolved (see blockmig.Config.resolve).
func NewState(blkEnable, sharedBase, sparseEnable bool) *State {
	return &State{
		completionQueue: list.New(),
		PrevProgress:    -1,
		BlkEnable:       blkEnable,
		SharedBase:      sharedBase,
		SparseEnable:    sparseEnable,
	}
}

// Enqueue appends a completed block record to the tail of the completion
// queue.
func (s *State) Enqueue(r *BlockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(r)
}

func (s *State) enqueueLocked(r *BlockRecord) {
	s.completionQueue.PushBack(r)
}

// Front returns the record at the head of the completion queue without
// removing it, or nil if the queue is empty.
func (s *State) Front() *BlockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.completionQueue.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*BlockRecord)
}

// PopFront removes and returns the record at the head of the completion
// queue, or nil if empty.
func (s *State) PopFront() *BlockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.completionQueue.Front()
	if e == nil {
		return nil
	}
	s.completionQueue.Remove(e)
	return e.Value.(*BlockRecord)
}

// QueueLen reports the number of records currently queued for send.
func (s *State) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completionQueue.Len()
}

// TotalSectorSum sums TotalSectors across every registered device.
func (s *State) TotalSectorSum() int64 {
	var sum int64
	for _, d := range s.Devices {
		sum += d.TotalSectors
	}
	return sum
}

// CompletedSectorSum sums CompletedSectors across every registered
// device, used for progress reporting.
func (s *State) CompletedSectorSum() int64 {
	var sum int64
	for _, d := range s.Devices {
		sum += d.CompletedSectors
	}
	return sum
}

// BytesTotal returns the aggregate device length in bytes.
func (s *State) BytesTotal() uint64 {
	return uint64(s.TotalSectorSum()) * constants.SectorBytes
}

// BytesTransferred returns the aggregate completed-sector count in bytes,
// restored from block-migration.c's blk_mig_bytes_transferred.
func (s *State) BytesTransferred() uint64 {
	return uint64(s.CompletedSectorSum()) * constants.SectorBytes
}

// BytesRemaining is BytesTotal-BytesTransferred, restored from
// block-migration.c's blk_mig_bytes_remaining.
func (s *State) BytesRemaining() uint64 {
	total := s.BytesTotal()
	done := s.BytesTransferred()
	if done >= total {
		return 0
	}
	return total - done
}

// BeginSubmission records the submission timestamp anchor the first time
// a read is submitted from the fully-idle state (Submitted == 0 at
// submission), per spec.md §5's completion-callback contract. now is a
// monotonic clock reading in seconds, supplied by the caller (the bulk/
// dirty drivers) so the pipeline stays free of a concrete time source.
func (s *State) BeginSubmission(now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Submitted == 0 {
		s.PrevTimeOffset = now
	}
	s.Submitted++
}

// CompleteRead applies the completion-callback contract: stamps rec's
// result, updates the bandwidth estimator, enqueues the record, clears its
// AIO bits, and moves it from "submitted" to "read done". rec.DMS.AIOBitmap
// has its own lock, so clearing it happens outside s.mu.
func (s *State) CompleteRead(now float64, rec *BlockRecord, ioErr error) {
	rec.Err = ioErr
	rec.DMS.AIOBitmap.Set(rec.Sector, rec.SectorCount, false)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Reads++
	s.TotalTime += now - s.PrevTimeOffset
	s.PrevTimeOffset = now

	s.enqueueLocked(rec)

	s.Submitted--
	s.ReadDone++
}

// ReadBandwidthBps returns the observed read bandwidth in bytes/sec,
// (reads/total_time) * ChunkBytes, per spec.md §4.6. Undefined (returns
// 0, false) until at least one read has completed.
func (s *State) ReadBandwidthBps() (bps float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reads == 0 || s.TotalTime == 0 {
		return 0, false
	}
	return (float64(s.Reads) / s.TotalTime) * float64(chunkBytes), true
}

// InFlightBytes reports the bytes represented by reads currently submitted
// or completed-but-unsent, for the rate-budget check in Iterate.
func (s *State) InFlightBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.Submitted+s.ReadDone) * int64(chunkBytes)
}

// SubmittedZero reports whether every submitted read has completed, the
// precondition Complete asserts before the synchronous drain phase.
func (s *State) SubmittedZero() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Submitted == 0
}

// MarkSent records that the record at the head of the completion queue
// has been emitted on the wire and freed, moving it from "read done" to
// "transferred".
func (s *State) MarkSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReadDone--
	s.Transferred++
}
