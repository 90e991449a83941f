package blockmig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError(t *testing.T) {
	err := NewError("setup", ErrCodeInvalidInput, "bad config")
	assert.Equal(t, "blockmig: bad config: op=setup", err.Error())
	assert.True(t, errors.Is(err, NewError("iterate", ErrCodeInvalidInput, "")))
}

func TestDeviceError(t *testing.T) {
	err := NewDeviceError("iterate", "disk0", ErrCodeIOError, "short read")
	assert.Equal(t, "blockmig: short read: op=iterate device=disk0", err.Error())
}

func TestWrapErrorPreservesCode(t *testing.T) {
	inner := NewDeviceError("bulk advance", "disk0", ErrCodeIOError, "disk failure")
	wrapped := WrapError("iterate", inner)
	assert.Equal(t, ErrCodeIOError, wrapped.Code)
	assert.Equal(t, "disk0", wrapped.Device)
	assert.True(t, IsCode(wrapped, ErrCodeIOError))
}

func TestWrapErrorNil(t *testing.T) {
	assert.Nil(t, WrapError("setup", nil))
}

func TestWrapErrorPlainError(t *testing.T) {
	wrapped := WrapError("complete", errors.New("boom"))
	assert.Equal(t, ErrCodeIOError, wrapped.Code)
	assert.Contains(t, wrapped.Error(), "boom")
}
