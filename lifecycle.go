package blockmig

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/virtmig/blockmig/internal/bulk"
	"github.com/virtmig/blockmig/internal/chunk"
	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/convergence"
	"github.com/virtmig/blockmig/internal/dirty"
	"github.com/virtmig/blockmig/internal/driver"
	"github.com/virtmig/blockmig/internal/logging"
	"github.com/virtmig/blockmig/internal/pipeline"
	"github.com/virtmig/blockmig/internal/send"
	"github.com/virtmig/blockmig/internal/transport"
	"github.com/virtmig/blockmig/internal/wire"
)

// Config recognizes the options of spec.md §4.9's set_params: Shared and
// Sparse both imply Blk. MaxDowntime feeds the convergence oracle.
// RateBudget is not read by Session: the per-iteration budget Iterate
// checks comes from the transport's own RateBudget().
type Config struct {
	Blk    bool
	Shared bool
	// Sparse drops all-zero chunks from the bulk phase entirely, so the
	// receiver's device must already read as zero wherever such a chunk
	// is dropped.
	Sparse bool

	MaxDowntime time.Duration
	RateBudget  int64
}

// DefaultConfig returns a Config with full-image migration enabled and the
// package defaults for downtime budget and transfer rate.
func DefaultConfig() Config {
	return Config{
		Blk:         true,
		MaxDowntime: constants.DefaultMaxDowntime,
		RateBudget:  constants.DefaultRateBudget,
	}
}

// resolve applies set_params's implications and returns whether the
// pipeline should be active at all.
func (c Config) resolve() (blkEnable, shared, sparse bool) {
	shared = c.Shared
	sparse = c.Sparse
	blkEnable = c.Blk || shared || sparse
	return blkEnable, shared, sparse
}

// Options carries the collaborators a Session needs beyond its devices and
// transport: logging, metrics, and (in tests) a fake clock.
type Options struct {
	Logger   driver.Logger
	Observer driver.Observer
	Clock    func() float64 // monotonic seconds; defaults to a time.Now()-backed clock
}

func wallClock() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Session drives the four lifecycle handlers of spec C11 over a fixed set
// of devices and a transport.Stream, the producer side of this core.
type Session struct {
	cfg     Config
	stream  transport.Stream
	enc     *wire.Encoder
	state   *pipeline.State
	logger  driver.Logger
	observer driver.Observer
	clock   func() float64

	blkEnable bool
}

// NewSession creates a Session over devices, ready for Setup: each device
// of non-zero length gets a DMS, which pins it in use and allocates its
// AIO bitmap; zero-length devices are skipped. Devices the caller doesn't
// want migrated should be omitted from the slice - there is no
// writability filter, since the driver.Device contract doesn't expose one.
func NewSession(devices []driver.Device, stream transport.Stream, cfg Config, opts *Options) *Session {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = wallClock
	}

	blkEnable, shared, sparse := cfg.resolve()
	s := &Session{
		cfg:       cfg,
		stream:    stream,
		enc:       wire.NewEncoder(stream),
		state:     pipeline.NewState(blkEnable, shared, sparse),
		logger:    logger,
		observer:  observer,
		clock:     clock,
		blkEnable: blkEnable,
	}
	for _, dev := range devices {
		if dev.SizeBytes() <= 0 {
			continue
		}
		s.state.Devices = append(s.state.Devices, pipeline.NewDeviceState(dev, shared, sparse))
	}
	return s
}

// IsActive reports whether the pipeline resolved to active when the
// Session was created (spec.md §4.9).
func (s *Session) IsActive() bool {
	return s.blkEnable
}

// BytesTransferred, BytesRemaining, and BytesTotal expose the pipeline's
// aggregate byte counters, restored from block-migration.c's
// blk_mig_bytes_transferred/remaining/total (spec.md's supplemented
// features).
func (s *Session) BytesTransferred() uint64 { return s.state.BytesTransferred() }
func (s *Session) BytesRemaining() uint64   { return s.state.BytesRemaining() }
func (s *Session) BytesTotal() uint64       { return s.state.BytesTotal() }

// flushAndEmit drains completed records onto the wire through send.Flush
// and then surfaces any sticky transport error.
func (s *Session) flushAndEmit() error {
	if err := send.Flush(s.state, s.enc, s.stream, s.observer); err != nil {
		return err
	}
	return errors.Wrap(s.stream.Err(), "lifecycle: transport")
}

// Setup implements spec.md §4.8's setup(stream): begins dirty tracking on
// every device, flushes the (empty) queue, and emits an EOS frame. Device
// pinning and AIO bitmap allocation already happened in NewSession.
func (s *Session) Setup(ctx context.Context) error {
	for _, dms := range s.state.Devices {
		dms.Device.SetDirtyTracking(true)
	}
	if err := s.flushAndEmit(); err != nil {
		return WrapError("setup", err)
	}
	if err := s.enc.PutEOS(); err != nil {
		return WrapError("setup", err)
	}
	return nil
}

// Iterate implements spec.md §4.8's iterate(stream): drains the completion
// queue, then submits bulk reads until the bulk phase is complete on every
// device and dirty-async reads after that, until the rate budget is
// saturated or there is nothing left to submit. It returns the
// convergence oracle's verdict.
func (s *Session) Iterate(ctx context.Context) (eligible bool, err error) {
	if err := s.flushAndEmit(); err != nil {
		return false, WrapError("iterate", err)
	}
	for _, dms := range s.state.Devices {
		dms.CurDirty = 0
	}

	for s.state.InFlightBytes() < s.stream.RateBudget() {
		submitted, err := s.submitOne(ctx)
		if err != nil {
			return false, WrapError("iterate", err)
		}
		if !submitted {
			break
		}
	}

	if err := s.flushAndEmit(); err != nil {
		return false, WrapError("iterate", err)
	}
	if err := s.enc.PutEOS(); err != nil {
		return false, WrapError("iterate", err)
	}

	return s.pollConvergence(), nil
}

// submitOne advances one device's bulk or dirty pass by a single chunk.
// It returns false when there is nothing left to submit anywhere (bulk
// complete on every device and no dirty blocks remain).
func (s *Session) submitOne(ctx context.Context) (submitted bool, err error) {
	s.updateBulkCompleted()

	if !s.state.BulkCompleted {
		for _, dms := range s.state.Devices {
			if dms.BulkCompleted {
				continue
			}
			done, err := bulk.Advance(ctx, s.state, dms, s.clock, s.observer)
			if err != nil {
				return false, errors.Wrapf(err, "bulk advance device=%s", dms.Device.Name())
			}
			if done {
				dms.BulkCompleted = true
			}
			s.emitProgressIfChanged()
			return true, nil
		}
		return false, nil
	}

	for _, dms := range s.state.Devices {
		if dms.CurDirty >= dms.TotalSectors {
			continue
		}
		done, err := dirty.AdvanceAsync(ctx, s.state, dms, s.clock, s.observer)
		if err != nil {
			return false, errors.Wrapf(err, "dirty advance device=%s", dms.Device.Name())
		}
		_ = done
		return true, nil
	}
	return false, nil
}

func (s *Session) updateBulkCompleted() {
	if s.state.BulkCompleted {
		return
	}
	for _, dms := range s.state.Devices {
		if !dms.BulkCompleted {
			return
		}
	}
	s.state.BulkCompleted = true
}

// emitProgressIfChanged computes the bulk-phase progress percent (spec.md
// §4.8) and emits a PROGRESS frame whenever the integer value changes.
func (s *Session) emitProgressIfChanged() {
	total := s.state.TotalSectorSum()
	percent := 100
	if total > 0 {
		percent = int(s.state.CompletedSectorSum() * 100 / total)
	}
	if percent == s.state.PrevProgress {
		return
	}
	s.state.PrevProgress = percent
	s.observer.ObserveProgress(percent)
	_ = s.enc.PutProgress(percent)
}

// pollConvergence evaluates the convergence oracle against the current
// pipeline state and notifies the observer.
func (s *Session) pollConvergence() bool {
	var residual int64
	for _, dms := range s.state.Devices {
		residual += dms.Device.GetDirtyCount()
	}
	residualBytes := uint64(residual) * constants.SectorBytes
	bps, ok := s.state.ReadBandwidthBps()

	eligible := convergence.Eligible(s.state.BulkCompleted, residualBytes, bps, ok, s.cfg.MaxDowntime)
	s.observer.ObserveConvergence(residualBytes, bps, eligible)
	return eligible
}

// Complete implements spec.md §4.8's complete(stream): waits for reads
// still in flight, drains remaining completions, then drives every
// device's dirty phase synchronously (the guest is paused at this point)
// until fully caught up, cleans up, emits a 100% progress frame, and
// emits a final EOS.
func (s *Session) Complete(ctx context.Context) error {
	for _, dms := range s.state.Devices {
		if err := dms.Device.DrainAll(ctx); err != nil {
			return WrapError("complete", err)
		}
	}
	if err := s.flushAndEmit(); err != nil {
		return WrapError("complete", err)
	}
	for _, dms := range s.state.Devices {
		dms.CurDirty = 0
	}
	if !s.state.SubmittedZero() {
		return NewError("complete", ErrCodeProtocolState, "bulk path not closed: submitted reads outstanding")
	}

	emit := func(rec *pipeline.BlockRecord) error {
		zero := chunk.IsZero(rec.Buf[:rec.SectorCount*constants.SectorBytes])
		blk := wire.DeviceBlock{
			Device:      rec.DMS.Device.Name(),
			Sector:      rec.Sector,
			SectorCount: rec.SectorCount,
			Buf:         rec.Buf,
			Zero:        zero,
			BulkPhase:   false,
		}
		s.observer.ObserveSend(uint64(rec.SectorCount)*constants.SectorBytes, zero, blk.BulkPhase)
		return s.enc.PutDeviceBlock(blk, rec.DMS.SparseEnable)
	}

	for _, dms := range s.state.Devices {
		for dms.CurDirty < dms.TotalSectors {
			if _, err := dirty.AdvanceSync(ctx, dms, s.clock, s.observer, emit); err != nil {
				return WrapError("complete", err)
			}
		}
	}

	s.cleanup(ctx)

	if err := s.enc.PutProgress(100); err != nil {
		return WrapError("complete", err)
	}
	if err := s.enc.PutEOS(); err != nil {
		return WrapError("complete", err)
	}
	return nil
}

// Cancel implements spec.md §4.8's cancel(): cleanup only, no further wire
// traffic.
func (s *Session) Cancel(ctx context.Context) error {
	s.cleanup(ctx)
	return nil
}

// cleanup quiesces outstanding reads, disables dirty tracking, and unpins
// every device, per spec.md §4.8's cleanup description.
func (s *Session) cleanup(ctx context.Context) {
	for _, dms := range s.state.Devices {
		if err := dms.Device.DrainAll(ctx); err != nil {
			s.logger.Warnf("blockmig: drain during cleanup device=%s: %v", dms.Device.Name(), err)
		}
		dms.Device.SetDirtyTracking(false)
		dms.Close()
	}
	for s.state.QueueLen() > 0 {
		s.state.PopFront().Free()
	}
}

// LoadState implements the receiver side of spec.md §4.8/§4.7: decode
// frames from stream until EOS, applying each device chunk via resolve.
func LoadState(ctx context.Context, stream transport.Stream, resolve wire.Resolver, onProgress func(percent int)) error {
	dec := wire.NewDecoder(stream, resolve)
	dec.OnProgress(onProgress)
	if err := dec.Load(ctx); err != nil {
		return WrapError("load_state", err)
	}
	return nil
}
