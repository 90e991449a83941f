// Command migrate-demo drives a full producer/receiver migration over an
// in-process pipe: a source device.Memory is migrated into a destination
// device.Memory through the blockmig.Session lifecycle and the wire
// codec, the way cmd/ublk-mem/main.go in the teacher repo wires a backend
// into a device and serves it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/virtmig/blockmig"
	"github.com/virtmig/blockmig/device"
	"github.com/virtmig/blockmig/internal/constants"
	"github.com/virtmig/blockmig/internal/driver"
	"github.com/virtmig/blockmig/internal/logging"
	"github.com/virtmig/blockmig/internal/transport"
)

func main() {
	var (
		sizeStr     = flag.String("size", "16M", "Size of the simulated disk (e.g., 16M, 1G)")
		verbose     = flag.Bool("v", false, "Verbose output")
		sparse      = flag.Bool("sparse", true, "Enable zero-chunk elision in the bulk phase")
		shared      = flag.Bool("shared", false, "Enable allocation-aware skipping in the bulk phase")
		rateMBs     = flag.Float64("rate-mb", 32, "Steady-state transfer rate in MB/s")
		maxDowntime = flag.Duration("max-downtime", 300*time.Millisecond, "Maximum acceptable cut-over downtime")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid size %q: %v\n", *sizeStr, err)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx := context.Background()

	src := device.NewMemory("disk0", size)
	dst := device.NewMemory("disk0", size)
	seedPattern(src, size)

	pr, pw := io.Pipe()
	producerStream := transport.NewPipe(pw, nil, *rateMBs*1<<20, int64(*rateMBs*1<<20))
	receiverStream := transport.NewPipe(nil, pr, 0, 0)

	resolve := func(name string) (driver.Device, error) {
		if name != dst.Name() {
			return nil, fmt.Errorf("unknown device %q", name)
		}
		return dst, nil
	}

	recvDone := make(chan error, 1)
	go func() {
		for {
			if err := blockmig.LoadState(ctx, receiverStream, resolve, func(percent int) {
				logger.Infof("receiver progress: %d%%", percent)
			}); err != nil {
				recvDone <- err
				return
			}
		}
	}()

	metrics := blockmig.NewMetrics()
	observer := blockmig.NewMetricsObserver(metrics)

	cfg := blockmig.DefaultConfig()
	cfg.Sparse = *sparse
	cfg.Shared = *shared
	cfg.MaxDowntime = *maxDowntime

	sess := blockmig.NewSession([]driver.Device{src}, producerStream, cfg, &blockmig.Options{
		Logger:   logger,
		Observer: observer,
	})

	if !sess.IsActive() {
		fmt.Fprintln(os.Stderr, "migration not active per configuration")
		os.Exit(1)
	}

	if err := sess.Setup(ctx); err != nil {
		logger.Errorf("setup failed: %v", err)
		os.Exit(1)
	}

	for {
		eligible, err := sess.Iterate(ctx)
		if err != nil {
			logger.Errorf("iterate failed: %v", err)
			os.Exit(1)
		}
		logger.Infof("bulk+dirty pass done, transferred=%d remaining=%d", sess.BytesTransferred(), sess.BytesRemaining())
		if eligible {
			break
		}
		producerStream.ResetBudget()
	}

	if err := sess.Complete(ctx); err != nil {
		logger.Errorf("complete failed: %v", err)
		os.Exit(1)
	}

	pw.Close()
	<-recvDone

	snap := metrics.Snapshot()
	fmt.Printf("migrated %d bytes (%d zero blocks of %d total) in %d read ops\n",
		snap.SendBytes, snap.ZeroBlocks, snap.TotalBlocks, snap.ReadOps)
}

// seedPattern fills most of src with zeros and writes a pseudo-random
// pattern into a subset of chunks, so the demo exercises both the sparse
// shortcut and real data transfer.
func seedPattern(src *device.Memory, size int64) {
	const chunkBytes = 1024 * 1024
	r := rand.New(rand.NewSource(1))
	buf := make([]byte, chunkBytes)
	for off := int64(0); off < size; off += chunkBytes * 4 {
		r.Read(buf)
		n := int64(len(buf))
		if off+n > size {
			n = size - off
		}
		src.WriteAt(context.Background(), buf[:n], off/constants.SectorBytes)
	}
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
