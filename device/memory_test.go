package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/virtmig/blockmig/internal/constants"
)

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	m := NewMemory("disk0", 1<<20)
	ctx := context.Background()

	data := []byte("hello block migration")
	n, err := m.WriteAt(ctx, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = m.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
}

func TestMemoryWriteMarksAllocatedAndDirty(t *testing.T) {
	m := NewMemory("disk0", constants.ChunkBytes*4)
	ctx := context.Background()
	m.SetDirtyTracking(true)

	allocated, run := m.IsAllocated(0, constants.MaxIsAllocatedSearch)
	require.False(t, allocated)
	require.Greater(t, run, int64(0))

	_, err := m.WriteAt(ctx, make([]byte, constants.SectorBytes), 0)
	require.NoError(t, err)

	allocated, _ = m.IsAllocated(0, constants.MaxIsAllocatedSearch)
	require.True(t, allocated)
	require.True(t, m.GetDirty(0))
	require.Equal(t, int64(1), m.GetDirtyCount())

	m.ResetDirty(0, 1)
	require.False(t, m.GetDirty(0))
	require.Equal(t, int64(0), m.GetDirtyCount())
}

func TestMemoryDirtyTrackingOff(t *testing.T) {
	m := NewMemory("disk0", constants.ChunkBytes)
	ctx := context.Background()

	_, err := m.WriteAt(ctx, make([]byte, constants.SectorBytes), 0)
	require.NoError(t, err)
	require.False(t, m.GetDirty(0), "dirty tracking is off by default")
}

func TestMemoryReadAsyncCompletesAndDrains(t *testing.T) {
	m := NewMemory("disk0", constants.ChunkBytes)
	ctx := context.Background()

	done := make(chan struct{})
	buf := make([]byte, constants.ChunkBytes)
	m.ReadAsync(ctx, 0, constants.ChunkSectors, buf, func(n int, err error) {
		require.NoError(t, err)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadAsync callback never ran")
	}

	require.NoError(t, m.DrainAll(ctx))
}
