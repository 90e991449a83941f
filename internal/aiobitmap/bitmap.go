// Package aiobitmap implements the per-device AIO in-flight bitmap
// (spec C2): one bit per chunk, set iff a read for that chunk is
// currently outstanding.
package aiobitmap

import (
	"sync"

	"github.com/virtmig/blockmig/internal/constants"
)

const wordBits = 64

// Bitmap tracks in-flight chunk reads for one device. It is sized once at
// device registration from the device length and never resized.
//
// Set is called both from the submitting goroutine (marking a chunk
// in-flight before a read starts) and from the read's completion
// callback (clearing the bit), which per driver.Device.ReadAsync's
// contract may run on a different goroutine than the submitter; mu
// keeps both safe to interleave.
type Bitmap struct {
	mu           sync.Mutex
	words        []uint64
	totalSectors int64
}

// New allocates a bitmap sized for a device of totalSectors sectors.
func New(totalSectors int64) *Bitmap {
	chunks := (totalSectors + constants.ChunkSectors - 1) / constants.ChunkSectors
	words := (chunks + wordBits - 1) / wordBits
	if words == 0 {
		words = 1
	}
	return &Bitmap{
		words:        make([]uint64, words),
		totalSectors: totalSectors,
	}
}

func chunkOf(sector int64) int64 {
	return sector / constants.ChunkSectors
}

// Set marks or clears the bits for every chunk touched by
// [firstSector, firstSector+sectorCount).
func (b *Bitmap) Set(firstSector, sectorCount int64, value bool) {
	if sectorCount <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	start := chunkOf(firstSector)
	end := chunkOf(firstSector + sectorCount - 1)
	for c := start; c <= end; c++ {
		idx := c / wordBits
		bit := uint(c % wordBits)
		if idx < 0 || int(idx) >= len(b.words) {
			continue
		}
		if value {
			b.words[idx] |= 1 << bit
		} else {
			b.words[idx] &^= 1 << bit
		}
	}
}

// Probe reports whether the chunk containing sector has its bit set.
// Sectors at or past the device end always report false.
func (b *Bitmap) Probe(sector int64) bool {
	if sector < 0 || sector >= b.totalSectors {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := chunkOf(sector)
	idx := c / wordBits
	bit := uint(c % wordBits)
	if int(idx) >= len(b.words) {
		return false
	}
	return b.words[idx]&(1<<bit) != 0
}
