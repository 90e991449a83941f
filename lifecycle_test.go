package blockmig

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtmig/blockmig/device"
	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/driver"
	"github.com/virtmig/blockmig/internal/transport"
)

// runMigration drives a full setup/iterate*/complete cycle from src into
// dst over an in-process pipe, mirroring cmd/migrate-demo's wiring, and
// returns once both sides have finished.
func runMigration(t *testing.T, src, dst *device.Memory, cfg Config) {
	t.Helper()
	ctx := context.Background()

	pr, pw := io.Pipe()
	producerStream := transport.NewPipe(pw, nil, float64(1<<30), 1<<30)
	receiverStream := transport.NewPipe(nil, pr, 0, 0)

	resolve := func(name string) (driver.Device, error) {
		require.Equal(t, dst.Name(), name)
		return dst, nil
	}

	recvErr := make(chan error, 1)
	go func() {
		for {
			if err := LoadState(ctx, receiverStream, resolve, func(int) {}); err != nil {
				recvErr <- err
				return
			}
		}
	}()

	sess := NewSession([]driver.Device{src}, producerStream, cfg, nil)
	require.True(t, sess.IsActive())

	require.NoError(t, sess.Setup(ctx))

	for i := 0; i < 1000; i++ {
		eligible, err := sess.Iterate(ctx)
		require.NoError(t, err)
		if eligible {
			break
		}
		producerStream.ResetBudget()
	}

	require.NoError(t, sess.Complete(ctx))
	require.NoError(t, pw.Close())

	err := <-recvErr
	require.ErrorIs(t, err, io.EOF, "receiver should stop on pipe close, got %v", err)
}

func TestSessionMigratesAllZeroDeviceWithSparseShortcut(t *testing.T) {
	const size = constants.ChunkBytes * 8
	src := device.NewMemory("disk0", size)
	dst := device.NewMemory("disk0", size)

	cfg := DefaultConfig()
	cfg.Sparse = true
	runMigration(t, src, dst, cfg)

	buf := make([]byte, size)
	_, err := dst.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	require.Equal(t, make([]byte, size), buf)
}

func TestSessionMigratesNonZeroData(t *testing.T) {
	const size = constants.ChunkBytes * 4
	src := device.NewMemory("disk0", size)
	dst := device.NewMemory("disk0", size)

	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	_, err := src.WriteAt(context.Background(), pattern, 0)
	require.NoError(t, err)

	runMigration(t, src, dst, DefaultConfig())

	got := make([]byte, size)
	_, err = dst.ReadAt(context.Background(), got, 0)
	require.NoError(t, err)
	require.Equal(t, pattern, got)
}

func TestSessionProgressIsMonotonicAndEndsAt100(t *testing.T) {
	const size = constants.ChunkBytes * 6
	src := device.NewMemory("disk0", size)
	dst := device.NewMemory("disk0", size)

	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}
	_, err := src.WriteAt(context.Background(), pattern, 0)
	require.NoError(t, err)

	ctx := context.Background()
	pr, pw := io.Pipe()
	producerStream := transport.NewPipe(pw, nil, float64(1<<30), 1<<30)
	receiverStream := transport.NewPipe(nil, pr, 0, 0)

	resolve := func(name string) (driver.Device, error) { return dst, nil }

	var progress []int
	recvErr := make(chan error, 1)
	go func() {
		for {
			if err := LoadState(ctx, receiverStream, resolve, func(p int) { progress = append(progress, p) }); err != nil {
				recvErr <- err
				return
			}
		}
	}()

	sess := NewSession([]driver.Device{src}, producerStream, DefaultConfig(), nil)
	require.NoError(t, sess.Setup(ctx))
	for i := 0; i < 1000; i++ {
		eligible, err := sess.Iterate(ctx)
		require.NoError(t, err)
		if eligible {
			break
		}
		producerStream.ResetBudget()
	}
	require.NoError(t, sess.Complete(ctx))
	require.NoError(t, pw.Close())
	require.ErrorIs(t, <-recvErr, io.EOF)

	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		require.GreaterOrEqual(t, progress[i], progress[i-1], "progress frame %d regressed", i)
	}
	require.Equal(t, 100, progress[len(progress)-1])
}

func TestSessionCancelCleansUpWithoutWireTraffic(t *testing.T) {
	src := device.NewMemory("disk0", constants.ChunkBytes*2)
	w := &devNullWriter{}
	stream := transport.NewPipe(w, nil, 1<<30, 1<<30)

	sess := NewSession([]driver.Device{src}, stream, DefaultConfig(), nil)
	require.NoError(t, sess.Setup(context.Background()))
	written := w.n
	require.NoError(t, sess.Cancel(context.Background()))
	require.False(t, src.InUse())
	require.Equal(t, written, w.n, "Cancel should write nothing to the stream")
}

// devNullWriter discards writes, counting the bytes it was given.
type devNullWriter struct{ n int }

func (w *devNullWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	return len(p), nil
}
