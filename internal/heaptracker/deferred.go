package heaptracker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/heaptracker/internal/logger"
	"github.com/e2b-dev/infra/packages/heaptracker/internal/trace"
)

// DeferredMapHostAddress handles a fault on a raw host address.
// Addresses outside the virtual range are not handled.
func (t *HeapTracker) DeferredMapHostAddress(ctx context.Context, addr uintptr) (bool, error) {
	if !t.buffer.IsInVirtualRange(addr) {
		return false, nil
	}

	return t.DeferredMap(ctx, uint64(addr-t.buffer.VirtualBasePointer()))
}

// DeferredMap makes the tracked entry containing virtualOffset resident.
// It returns false when there is no such entry or it is already resident, the fault then belongs to someone else.
func (t *HeapTracker) DeferredMap(ctx context.Context, virtualOffset uint64) (bool, error) {
	start := time.Now()

	e, handled, rebuildRequired, err := t.deferredMap(ctx, virtualOffset)
	if err != nil || !handled {
		return false, err
	}

	t.metrics.Faults.Add(ctx, 1)
	t.events.Record(start, e.VirtualStart, e.Size, trace.TypeFault)

	// The index lock is released, Rebuild takes it again.
	if rebuildRequired {
		if err := t.Rebuild(ctx); err != nil {
			return true, fmt.Errorf("failed to rebuild separate heap address space: %w", err)
		}
	}

	return true, nil
}

func (t *HeapTracker) deferredMap(ctx context.Context, virtualOffset uint64) (e Entry, handled, rebuildRequired bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.index.FindContaining(virtualOffset)
	if !ok {
		return Entry{}, false, false, nil
	}

	e = t.index.Get(h)
	if e.Resident {
		return Entry{}, false, false, nil
	}

	t.tick++

	if err := t.buffer.Map(e.VirtualStart, e.HostOffset, e.Size, e.Permission); err != nil {
		return Entry{}, false, false, t.hostError(ctx, "map", e.VirtualStart, e.Size, err, logger.WithHostOffset(e.HostOffset))
	}

	t.index.MarkResident(h, t.tick)
	t.validateLocked()

	return e, true, t.index.ResidentLen() > t.config.MaxResidentMapCount, nil
}

// Rebuild evicts the least recently mapped resident entries until at most
// MaxResidentMapCount-RebuildHeadroom remain. Evicted entries stay tracked.
func (t *HeapTracker) Rebuild(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "heap-tracker-rebuild")
	defer span.End()

	t.rebuildMu.Lock()
	defer t.rebuildMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	stopwatch := t.metrics.Begin(t.metrics.RebuildDuration)

	resident := t.index.ResidentLen()
	desired := min(resident, t.config.MaxResidentMapCount-t.config.RebuildHeadroom)
	evictCount := resident - desired

	evicted := int64(0)

	defer func() {
		t.metrics.Rebuilds.Add(ctx, 1)
		t.metrics.Evictions.Add(ctx, evicted)
		stopwatch.End(ctx, attribute.Bool("success", err == nil))

		t.events.Record(start, 0, uint64(evicted), trace.TypeRebuild)

		span.SetAttributes(
			attribute.Int64("heap_tracker.resident", resident),
			attribute.Int64("heap_tracker.evicted", evicted),
		)
		if err != nil {
			span.RecordError(err)
		}

		t.logger.Debug("separate heap address space rebuilt",
			append(logger.FieldsFromContext(ctx),
				zap.Int64("resident_before", resident),
				zap.Int64("evicted", evicted),
				zap.Duration("duration", time.Since(start)),
			)...,
		)
	}()

	for _, h := range t.index.Oldest(int(evictCount)) {
		e := t.index.Get(h)

		// The entry stays resident when the host refuses, so the index keeps matching the host.
		if err := t.buffer.Unmap(e.VirtualStart, e.Size); err != nil {
			return t.hostError(ctx, "unmap", e.VirtualStart, e.Size, err)
		}

		t.index.MarkEvicted(h)
		evicted++

		t.events.RecordNow(e.VirtualStart, e.Size, trace.TypeEvict)
	}

	t.validateLocked()

	return nil
}
