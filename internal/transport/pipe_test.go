package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipePutGetRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	p := NewPipe(&buf, &buf, 0, 1<<30)

	require.NoError(t, p.PutUint8(7))
	require.NoError(t, p.PutUint64(0x0102030405060708))
	require.NoError(t, p.PutBytes([]byte("hello")))

	v8, err := p.GetUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(7), v8)

	v64, err := p.GetUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), v64)

	got := make([]byte, 5)
	require.NoError(t, p.GetBytes(got))
	require.Equal(t, "hello", string(got))
}

func TestPipeRateLimitedReflectsExhaustedBudget(t *testing.T) {
	var buf bytes.Buffer
	// A zero-rate limiter starts at full burst and never refills, so the
	// budget is exhausted exactly once enough bytes have been written.
	p := NewPipe(&buf, nil, 0, 8)
	require.False(t, p.RateLimited())

	require.NoError(t, p.PutBytes(make([]byte, 8)))
	require.True(t, p.RateLimited())

	p.ResetBudget()
	require.False(t, p.RateLimited())
}

func TestPipeStickyErrorAfterWriteFailure(t *testing.T) {
	p := NewPipe(failingWriter{}, nil, 0, 1<<30)
	require.Error(t, p.PutUint8(1))
	require.Error(t, p.Err())

	// Once sticky, further writes fail immediately with the same error.
	err := p.PutUint8(2)
	require.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, bytes.ErrTooLarge
}
