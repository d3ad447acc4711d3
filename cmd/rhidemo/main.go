// Command rhidemo runs a few frames of parallel command recording on an
// rhi device and reports GPU timings and pool usage.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/backend/sim"
	"github.com/gogpu/rhi/driver"
)

func main() {
	var (
		backend = flag.String("backend", "", "backend name (default: best available)")
		config  = flag.String("config", "", "TOML config file")
		frames  = flag.Int("frames", 8, "frames to record")
		lists   = flag.Int("lists", 4, "command contexts recorded per frame")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := rhi.DefaultConfig()
	if *config != "" {
		var err error
		if cfg, err = rhi.LoadConfig(*config); err != nil {
			log.Fatal(err)
		}
	}

	dev, err := rhi.Open(*backend, rhi.WithConfig(cfg))
	if err != nil {
		log.Fatalf("open device (available: %v): %v", driver.Available(), err)
	}
	info := dev.Info()
	fmt.Printf("device: %s (%s, %s)\n", info.Adapter.Name, info.Adapter.Type, info.Backend)

	if err := run(dev, *frames, *lists); err != nil {
		log.Print(err)
	}
	if gpu, ok := dev.Native().(*sim.Device); ok {
		fmt.Println(gpu.Stats())
	}
	if err := dev.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}
}

func run(dev *rhi.Device, frames, lists int) error {
	for frame := range frames {
		ranges := make([]rhi.TimestampRange, lists)
		start := time.Now()
		sp, err := dev.RecordParallel(rhi.QueueGraphics, lists, func(i int, ctx *rhi.CommandContext) error {
			return recordPass(ctx, i, &ranges[i])
		})
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		// A buffer used only by this frame is released once the frame's
		// work completes.
		native, err := dev.Native().CreateUploadBuffer(frameConstantsSize)
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		buf := rhi.NewResource(native, fmt.Sprintf("frame-constants-%d", frame))
		if err := dev.DeferredDestroy(rhi.DeferResource(buf)); err != nil {
			return err
		}
		buf.Release()
		if _, err := dev.FlushImmediate(false); err != nil {
			return err
		}

		if ok, err := sp.Wait(time.Second); err != nil || !ok {
			return errors.Join(fmt.Errorf("frame %d: GPU did not finish %v", frame, sp), err)
		}
		if _, err := dev.ProcessPendingCommands(); err != nil {
			return err
		}

		var gpuTime time.Duration
		for _, r := range ranges {
			gpuTime += r.Duration()
		}
		fmt.Printf("frame %d: %v cpu, %v gpu across %d passes, %d pending\n",
			frame, time.Since(start).Round(time.Microsecond), gpuTime, lists, dev.PendingCount())
	}

	pool := dev.AllocatorPool(rhi.QueueGraphics)
	fmt.Printf("graphics allocators: %d created, %d idle\n", pool.Created(), pool.Available())
	uploads := dev.UploadAllocatorPool()
	fmt.Printf("upload allocators: %d created, %d idle\n", uploads.Created(), uploads.Available())
	return nil
}

const frameConstantsSize = 256

// recordPass writes the pass constants to upload memory and brackets the
// pass with timestamps. Backends without timestamp queries still record the
// pass.
func recordPass(ctx *rhi.CommandContext, index int, r *rhi.TimestampRange) error {
	consts, err := ctx.Upload(64, 16)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(consts.Data, uint32(index))

	if err := ctx.BeginTimestamp(r); err != nil {
		if errors.Is(err, driver.ErrUnsupported) {
			return nil
		}
		return err
	}
	return ctx.EndTimestamp(r)
}
