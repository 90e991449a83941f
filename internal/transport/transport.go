// Package transport defines the rate-limited byte transport contract
// consumed by the migration core (spec §6) and a reference in-memory
// implementation, transport.Pipe, so the core is testable end to end
// without a real network. The real transport is an external collaborator;
// nothing here assumes TCP, TLS, or any particular wire carrier beyond
// "big-endian put/get of 8- and 64-bit values and raw bytes."
package transport

// Stream is the byte transport contract consumed by the wire codec and
// the send/flush stage.
type Stream interface {
	PutUint8(v uint8) error
	PutUint64(v uint64) error
	PutBytes(p []byte) error

	GetUint8() (uint8, error)
	GetUint64() (uint64, error)
	GetBytes(p []byte) error

	// RateLimited reports whether the outbound buffer is currently full.
	RateLimited() bool

	// RateBudget reports the transport's current bytes-per-iteration
	// budget.
	RateBudget() int64

	Flush() error

	// Err returns the transport's sticky error, if any.
	Err() error
}
