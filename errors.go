package blockmig

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a structured Error.
type ErrorCode string

const (
	ErrCodeInvalidInput   ErrorCode = "invalid input"
	ErrCodeDeviceNotFound ErrorCode = "device not found"
	ErrCodeIOError        ErrorCode = "I/O error"
	ErrCodeNotActive      ErrorCode = "migration not active"
	ErrCodeProtocolState  ErrorCode = "protocol state error"
)

// Error is a structured migration error with operation and device context,
// modeled on ehrlich-b-go-ublk's *Error (op/code/inner, errors.Is/As
// support) but without the errno field this domain has no use for.
type Error struct {
	Op     string    // handler that failed ("setup", "iterate", "load_state", ...)
	Device string    // device name, empty if not device-specific
	Code   ErrorCode
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Device != "" {
		return fmt.Sprintf("blockmig: %s: op=%s device=%s", msg, e.Op, e.Device)
	}
	return fmt.Sprintf("blockmig: %s: op=%s", msg, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a structured error not tied to a specific device.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewDeviceError creates a structured error for a specific device.
func NewDeviceError(op, device string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Device: device, Code: code, Msg: msg}
}

// WrapError wraps inner with handler context, preserving its code if inner
// is already a structured Error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var be *Error
	if errors.As(inner, &be) {
		return &Error{Op: op, Device: be.Device, Code: be.Code, Msg: be.Msg, Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a structured Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
