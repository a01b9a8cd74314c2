//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/heaptracker/internal/cfg"
	"github.com/e2b-dev/infra/packages/heaptracker/internal/heaptracker"
	"github.com/e2b-dev/infra/packages/heaptracker/internal/hostmemory"
	"github.com/e2b-dev/infra/packages/heaptracker/internal/logger"
)

type stressConfig struct {
	regions    int
	regionSize uint64
	workers    int
	touches    int
	seed       int64
}

func main() {
	regions := flag.Int("regions", 40000, "number of separate heap regions to map")
	regionPages := flag.Uint64("region-pages", 1, "pages per region")
	workers := flag.Int("workers", 4, "concurrent mapping workers")
	touches := flag.Int("touches", 100000, "deferred map faults to simulate after mapping")
	seed := flag.Int64("seed", 1, "seed for the fault pattern")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	config, err := cfg.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	l, err := logger.NewLogger(ctx, logger.LoggerConfig{
		ServiceName:   config.ServiceName,
		IsInternal:    true,
		IsDevelopment: true,
		IsDebug:       config.Debug,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer l.Sync()

	err = run(ctx, l, config, stressConfig{
		regions:    *regions,
		regionSize: *regionPages * hostmemory.PageSize,
		workers:    *workers,
		touches:    *touches,
		seed:       *seed,
	})
	if err != nil {
		l.Error("heap stress failed", zap.Error(err))
		_ = l.Sync()

		os.Exit(1)
	}
}

func run(ctx context.Context, l *zap.Logger, config cfg.Config, sc stressConfig) error {
	if sc.regions <= 0 || sc.workers <= 0 || sc.regionSize == 0 {
		return errors.New("regions, workers and region pages must be positive")
	}

	// Regions are spaced by twice their size so neighbours never merge into one host mapping.
	virtualSize := max(config.VirtualSize, uint64(sc.regions)*sc.regionSize*2)
	backingSize := min(config.BackingSize, uint64(sc.regions)*sc.regionSize)
	if backingSize < sc.regionSize {
		return fmt.Errorf("backing size %s is smaller than a region", humanize.IBytes(backingSize))
	}

	host, err := hostmemory.New(backingSize, virtualSize, l)
	if err != nil {
		return fmt.Errorf("failed to create host memory: %w", err)
	}
	defer host.Close()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer meterProvider.Shutdown(context.Background())

	tracker, err := heaptracker.New(host, config.HeapTracker, l, meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create heap tracker: %w", err)
	}

	virtualOffset := func(region int) uint64 {
		return uint64(region) * sc.regionSize * 2
	}

	hostOffset := func(region int) uint64 {
		return (uint64(region) * sc.regionSize) % (backingSize - backingSize%sc.regionSize)
	}

	backing := host.Backing()
	for region := range sc.regions {
		backing[hostOffset(region)] = byte(region)
	}

	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := range sc.workers {
		g.Go(func() error {
			for region := w; region < sc.regions; region += sc.workers {
				if err := gctx.Err(); err != nil {
					return err
				}

				err := tracker.Map(gctx, virtualOffset(region), hostOffset(region), sc.regionSize, hostmemory.PermReadWrite, true)
				if err != nil {
					return fmt.Errorf("failed to map region %d: %w", region, err)
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	mapped := time.Since(start)

	rng := rand.New(rand.NewSource(sc.seed))
	virtual := host.Virtual()
	faults := 0

	start = time.Now()

	for range sc.touches {
		if err := ctx.Err(); err != nil {
			return err
		}

		region := rng.Intn(sc.regions)
		offset := virtualOffset(region)

		handled, err := tracker.DeferredMap(ctx, offset)
		if err != nil {
			return fmt.Errorf("failed to fault region %d: %w", region, err)
		}

		if handled {
			faults++
		}

		// The region was touched last, no rebuild can have evicted it.
		if got, want := virtual[offset], backing[hostOffset(region)]; got != want {
			return fmt.Errorf("region %d reads %#x, backing has %#x", region, got, want)
		}
	}

	touched := time.Since(start)

	if err := tracker.Validate(); err != nil {
		return err
	}

	fmt.Printf("regions:   %s x %s\n", humanize.Comma(int64(sc.regions)), humanize.IBytes(sc.regionSize))
	fmt.Printf("mapped in: %s (%d workers, %s locking)\n", mapped, sc.workers, config.HeapTracker.LockDiscipline)
	fmt.Printf("touches:   %s, %s faults in %s\n", humanize.Comma(int64(sc.touches)), humanize.Comma(int64(faults)), touched)
	fmt.Printf("resident:  %s of %s tracked, %s host mapped\n",
		humanize.Comma(tracker.ResidentCount()),
		humanize.Comma(tracker.MapCount()),
		humanize.IBytes(host.MappedBytes()),
	)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("failed to collect metrics: %w", err)
	}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}

			fmt.Printf("%-10s %s\n", m.Name[len("heap_tracker."):]+":", humanize.Comma(total))
		}
	}

	printProcessMemory(l)

	return nil
}

func printProcessMemory(l *zap.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		l.Warn("failed to inspect own process", zap.Error(err))

		return
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		l.Warn("failed to get process memory info", zap.Error(err))

		return
	}

	fmt.Printf("process:   %s rss, %s vms\n", humanize.IBytes(mem.RSS), humanize.IBytes(mem.VMS))
}
