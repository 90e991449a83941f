package transport

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pipe is a reference Stream implementation over an io.Reader/io.Writer
// pair, rate-limited with a golang.org/x/time/rate token bucket instead
// of a hand-rolled counter. It lets the producer and receiver sides of
// this core be exercised directly against each other (e.g. over
// io.Pipe) in tests and in cmd/migrate-demo.
type Pipe struct {
	w io.Writer
	r io.Reader

	limit   rate.Limit
	limiter *rate.Limiter
	budget  int64
	mu      sync.Mutex
	err     error
}

// NewPipe wraps w/r into a Stream with the given steady-state rate (bytes
// per second) and per-iteration budget (bytes, also the token bucket's
// burst size). A nil w or r is valid for a write-only or read-only Pipe.
func NewPipe(w io.Writer, r io.Reader, bytesPerSecond float64, budget int64) *Pipe {
	limit := rate.Limit(bytesPerSecond)
	return &Pipe{
		w:       w,
		r:       r,
		limit:   limit,
		limiter: rate.NewLimiter(limit, int(budget)),
		budget:  budget,
	}
}

func (p *Pipe) PutUint8(v uint8) error {
	return p.write([]byte{v})
}

func (p *Pipe) PutUint64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return p.write(buf[:])
}

func (p *Pipe) PutBytes(b []byte) error {
	return p.write(b)
}

func (p *Pipe) write(b []byte) error {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	// AllowN never blocks; it just debits the token bucket so a
	// subsequent RateLimited() call reports the budget as exhausted
	// once enough bytes have gone out. The write still happens - rate
	// limiting here is advisory bookkeeping for the caller's iterate()
	// loop, not a hard throttle on this reference transport.
	p.limiter.AllowN(time.Now(), len(b))

	_, err := p.w.Write(b)
	if err != nil {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Pipe) GetUint8() (uint8, error) {
	var buf [1]byte
	if err := p.read(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (p *Pipe) GetUint64() (uint64, error) {
	var buf [8]byte
	if err := p.read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (p *Pipe) GetBytes(b []byte) error {
	return p.read(b)
}

func (p *Pipe) read(b []byte) error {
	_, err := io.ReadFull(p.r, b)
	return err
}

// RateLimited reports whether the token bucket is currently out of
// budget - i.e. whether the outbound buffer (per spec.md §6) is full.
func (p *Pipe) RateLimited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit == 0 {
		// A zero-rate limiter never refills: AllowN debits its burst
		// directly, so the remaining burst is the remaining budget.
		return p.limiter.Burst() < 1
	}
	return p.limiter.TokensAt(time.Now()) < 1
}

// RateBudget returns the configured bytes-per-iteration budget.
func (p *Pipe) RateBudget() int64 {
	return p.budget
}

// ResetBudget replenishes the token bucket to a full burst. Session.Iterate
// does not call it; the caller resets the budget between Iterate calls
// (as cmd/migrate-demo does), the way a real rate-limited transport starts
// each iteration with its budget restored.
func (p *Pipe) ResetBudget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter = rate.NewLimiter(p.limit, int(p.budget))
}

func (p *Pipe) Flush() error {
	if f, ok := p.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

var _ Stream = (*Pipe)(nil)
