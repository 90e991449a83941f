package wire

import (
	"context"

	"github.com/pkg/errors"

	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/driver"
	"github.com/virtmig/blockmig/internal/transport"
)

// Resolver resolves a device name carried on the wire to the local
// driver.Device that should receive its payload.
type Resolver func(name string) (driver.Device, error)

// Decoder parses the migration record stream and applies it to devices
// resolved through a Resolver (the receiver side of spec C10).
type Decoder struct {
	s        transport.Stream
	resolve  Resolver
	onProgress func(percent int)

	// cached resolution for consecutive frames naming the same device,
	// per spec.md §4.7 ("cache the resolved handle and total length
	// across consecutive frames for the same device").
	curName  string
	curDev   driver.Device
	curTotal int64

	// scratch is the receiver-side ZERO_BLOCK source buffer. It is
	// memoized across frames - only re-zeroed if it has since been
	// overwritten by a non-zero payload read.
	scratch      []byte
	scratchDirty bool
}

// NewDecoder wraps s as a receiver-side frame decoder. resolve is called
// whenever a DEVICE_BLOCK frame names a different device than the frame
// before it.
func NewDecoder(s transport.Stream, resolve Resolver) *Decoder {
	return &Decoder{
		s:       s,
		resolve: resolve,
		scratch: make([]byte, constants.ChunkBytes),
	}
}

// OnProgress registers a callback invoked for each PROGRESS frame with
// the decoded percent value.
func (d *Decoder) OnProgress(f func(percent int)) {
	d.onProgress = f
}

// Load reads frames until it sees an EOS frame (spec.md §4.7: "EOS:
// terminate the read loop"), applying each DEVICE_BLOCK frame to its
// resolved device and invoking the progress callback for PROGRESS
// frames. It returns nil on a clean EOS.
func (d *Decoder) Load(ctx context.Context) error {
	for {
		word, err := d.s.GetUint64()
		if err != nil {
			return errors.Wrap(err, "wire: get header")
		}
		upper, flags := unpackHeader(word)
		if flags&^flagMask != 0 {
			return errors.Wrapf(ErrUnknownFlags, "flags=0x%x", flags)
		}

		switch {
		case flags == FlagEOS:
			return nil
		case flags&FlagProgress != 0:
			if d.onProgress != nil {
				d.onProgress(int(upper))
			}
		case flags&FlagDeviceBlock != 0:
			if err := d.loadDeviceBlock(ctx, upper, flags); err != nil {
				return err
			}
		default:
			return errors.Wrapf(ErrUnknownFlags, "flags=0x%x", flags)
		}
	}
}

func (d *Decoder) loadDeviceBlock(ctx context.Context, sector int64, flags uint64) error {
	nameLen, err := d.s.GetUint8()
	if err != nil {
		return errors.Wrap(err, "wire: get device name length")
	}
	nameBuf := make([]byte, nameLen)
	if err := d.s.GetBytes(nameBuf); err != nil {
		return errors.Wrap(err, "wire: get device name")
	}
	name := string(nameBuf)

	if name != d.curName || d.curDev == nil {
		dev, err := d.resolve(name)
		if err != nil {
			return errors.Wrapf(ErrUnknownDevice, "%q: %v", name, err)
		}
		d.curName = name
		d.curDev = dev
		d.curTotal = dev.SizeBytes() / constants.SectorBytes
	}

	nrSectors := int64(constants.ChunkSectors)
	if remaining := d.curTotal - sector; remaining < nrSectors {
		nrSectors = remaining
	}
	if nrSectors <= 0 {
		return errors.Errorf("wire: sector %d past end of device %q (total %d sectors)", sector, name, d.curTotal)
	}
	payloadLen := nrSectors * constants.SectorBytes

	var src []byte
	if flags&FlagZeroBlock != 0 {
		if d.scratchDirty {
			for i := range d.scratch {
				d.scratch[i] = 0
			}
			d.scratchDirty = false
		}
		src = d.scratch[:payloadLen]
	} else {
		if err := d.s.GetBytes(d.scratch[:constants.ChunkBytes]); err != nil {
			return errors.Wrap(err, "wire: get payload")
		}
		d.scratchDirty = true
		src = d.scratch[:payloadLen]
	}

	if _, err := d.curDev.WriteAt(ctx, src, sector); err != nil {
		return errors.Wrapf(err, "wire: write device=%q sector=%d", name, sector)
	}
	return nil
}
