package wire

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/driver"
	"github.com/virtmig/blockmig/internal/transport"
)

// fakeDevice is the minimal driver.Device needed to exercise the decoder's
// WriteAt path; it doesn't need the rest of the interface for this test.
type fakeDevice struct {
	name string
	data []byte
}

func (f *fakeDevice) Name() string     { return f.name }
func (f *fakeDevice) SizeBytes() int64 { return int64(len(f.data)) }
func (f *fakeDevice) ReadAt(ctx context.Context, p []byte, offSector int64) (int, error) {
	off := offSector * constants.SectorBytes
	return copy(p, f.data[off:]), nil
}
func (f *fakeDevice) WriteAt(ctx context.Context, p []byte, offSector int64) (int, error) {
	off := offSector * constants.SectorBytes
	return copy(f.data[off:], p), nil
}
func (f *fakeDevice) ReadAsync(ctx context.Context, sector, nrSectors int64, buf []byte, done func(int, error)) {
	n, err := f.ReadAt(ctx, buf, sector)
	done(n, err)
}
func (f *fakeDevice) IsAllocated(sector, maxSearch int64) (bool, int64) { return true, 0 }
func (f *fakeDevice) GetDirty(sector int64) bool                       { return false }
func (f *fakeDevice) GetDirtyCount() int64                             { return 0 }
func (f *fakeDevice) ResetDirty(sector, count int64)                   {}
func (f *fakeDevice) SetDirtyTracking(on bool)                         {}
func (f *fakeDevice) SetInUse(inUse bool)                              {}
func (f *fakeDevice) DrainAll(ctx context.Context) error               { return nil }

var _ driver.Device = (*fakeDevice)(nil)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	stream := transport.NewPipe(&buf, &buf, 0, 1<<30)
	enc := NewEncoder(stream)

	payload := make([]byte, constants.ChunkBytes)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, enc.PutDeviceBlock(DeviceBlock{
		Device:      "disk0",
		Sector:      0,
		SectorCount: constants.ChunkSectors,
		Buf:         payload,
		Zero:        false,
		BulkPhase:   true,
	}, true))
	require.NoError(t, enc.PutProgress(42))
	require.NoError(t, enc.PutEOS())

	dst := &fakeDevice{name: "disk0", data: make([]byte, constants.ChunkBytes)}
	var progress []int
	dec := NewDecoder(stream, func(name string) (driver.Device, error) {
		require.Equal(t, "disk0", name)
		return dst, nil
	})
	dec.OnProgress(func(p int) { progress = append(progress, p) })

	require.NoError(t, dec.Load(context.Background()))
	require.Equal(t, payload, dst.data)
	require.Equal(t, []int{42}, progress)
}

func TestSparseShortcutDropsBulkZeroFrame(t *testing.T) {
	var buf bytes.Buffer
	stream := transport.NewPipe(&buf, &buf, 0, 1<<30)
	enc := NewEncoder(stream)

	require.NoError(t, enc.PutDeviceBlock(DeviceBlock{
		Device:      "disk0",
		Sector:      0,
		SectorCount: constants.ChunkSectors,
		Buf:         make([]byte, constants.ChunkBytes),
		Zero:        true,
		BulkPhase:   true,
	}, true))
	require.NoError(t, enc.PutEOS())
	require.Equal(t, 8, buf.Len(), "only the EOS header should have been written")

	dst := &fakeDevice{name: "disk0", data: make([]byte, constants.ChunkBytes)}
	dec := NewDecoder(stream, func(string) (driver.Device, error) { return dst, nil })
	require.NoError(t, dec.Load(context.Background()))
}

func TestZeroBlockInDirtyPhaseIsTransmitted(t *testing.T) {
	var buf bytes.Buffer
	stream := transport.NewPipe(&buf, &buf, 0, 1<<30)
	enc := NewEncoder(stream)

	dst := &fakeDevice{name: "disk0", data: bytes.Repeat([]byte{0xFF}, constants.ChunkBytes)}

	require.NoError(t, enc.PutDeviceBlock(DeviceBlock{
		Device:      "disk0",
		Sector:      0,
		SectorCount: constants.ChunkSectors,
		Buf:         make([]byte, constants.ChunkBytes),
		Zero:        true,
		BulkPhase:   false,
	}, true))
	require.NoError(t, enc.PutEOS())

	dec := NewDecoder(stream, func(string) (driver.Device, error) { return dst, nil })
	require.NoError(t, dec.Load(context.Background()))
	require.Equal(t, make([]byte, constants.ChunkBytes), dst.data)
}

// TestFrameOrderIrrelevantAtReceiver checks that permuting the order of
// DEVICE_BLOCK frames for distinct sectors produces the same final device
// state, since each frame addresses its own disjoint byte range.
func TestFrameOrderIrrelevantAtReceiver(t *testing.T) {
	chunks := [][]byte{
		bytes.Repeat([]byte{0xAA}, constants.ChunkBytes),
		bytes.Repeat([]byte{0xBB}, constants.ChunkBytes),
		bytes.Repeat([]byte{0xCC}, constants.ChunkBytes),
	}
	orders := [][]int{
		{0, 1, 2},
		{2, 0, 1},
		{1, 2, 0},
	}

	var want []byte
	for _, c := range chunks {
		want = append(want, c...)
	}

	for _, order := range orders {
		var buf bytes.Buffer
		stream := transport.NewPipe(&buf, &buf, 0, 1<<30)
		enc := NewEncoder(stream)

		for _, idx := range order {
			require.NoError(t, enc.PutDeviceBlock(DeviceBlock{
				Device:      "disk0",
				Sector:      int64(idx) * constants.ChunkSectors,
				SectorCount: constants.ChunkSectors,
				Buf:         chunks[idx],
				Zero:        false,
				BulkPhase:   true,
			}, true))
		}
		require.NoError(t, enc.PutEOS())

		dst := &fakeDevice{name: "disk0", data: make([]byte, constants.ChunkBytes*3)}
		dec := NewDecoder(stream, func(string) (driver.Device, error) { return dst, nil })
		require.NoError(t, dec.Load(context.Background()))
		require.Equal(t, want, dst.data, "order %v produced a different final device state", order)
	}
}

func TestDecoderRejectsUnknownFlags(t *testing.T) {
	var buf bytes.Buffer
	stream := transport.NewPipe(&buf, &buf, 0, 1<<30)
	require.NoError(t, stream.PutUint64(packHeader(0, 0x10)))

	dec := NewDecoder(stream, func(string) (driver.Device, error) { return nil, nil })
	err := dec.Load(context.Background())
	require.Error(t, err)
}
