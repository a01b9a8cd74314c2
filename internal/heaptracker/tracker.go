// Package heaptracker lets a guest keep more separate heap mappings than the host allows by
// keeping only a bounded subset of them resident and remapping the rest on demand.
package heaptracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/heaptracker/internal/hostmemory"
	"github.com/e2b-dev/infra/packages/heaptracker/internal/logger"
	"github.com/e2b-dev/infra/packages/heaptracker/internal/trace"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/heaptracker/internal/heaptracker")

// HostMemory is the host buffer the tracker maps into. Offsets are relative to its virtual range.
type HostMemory interface {
	Map(virtualOffset, hostOffset, length uint64, perm hostmemory.Permission) error
	Unmap(virtualOffset, length uint64) error
	Protect(virtualOffset, length uint64, perm hostmemory.Permission) error
	IsInVirtualRange(addr uintptr) bool
	VirtualBasePointer() uintptr
}

type HeapTracker struct {
	buffer HostMemory
	config Config

	// mu guards index and tick.
	mu    sync.Mutex
	index *Index
	tick  uint64

	// rebuildMu is held exclusively by Rebuild and shared by Protect, and by Map and Unmap
	// under LockDisciplineSerialized.
	rebuildMu sync.RWMutex

	id      uuid.UUID
	logger  *zap.Logger
	metrics Metrics
	events  *trace.EventRecorder
}

func New(buffer HostMemory, config Config, l *zap.Logger, meterProvider metric.MeterProvider) (*HeapTracker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()

	t := &HeapTracker{
		buffer: buffer,
		config: config,
		index:  NewIndex(),
		id:     id,
		logger: l.With(logger.WithTrackerID(id)),
		events: trace.NewEventRecorder(config.Trace),
	}

	metrics, err := NewMetrics(meterProvider, func() (int64, int64) {
		return t.counts()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create heap tracker metrics: %w", err)
	}

	t.metrics = metrics

	return t, nil
}

// Map maps [virtualOffset, virtualOffset+length) to the host buffer at hostOffset.
// Separate heap mappings are tracked and made resident immediately, other mappings go straight to the host.
func (t *HeapTracker) Map(ctx context.Context, virtualOffset, hostOffset, length uint64, perm hostmemory.Permission, isSeparateHeap bool) error {
	if !isSeparateHeap {
		if err := t.buffer.Map(virtualOffset, hostOffset, length, perm); err != nil {
			return t.hostError(ctx, "map", virtualOffset, length, err, logger.WithHostOffset(hostOffset))
		}

		return nil
	}

	if length == 0 {
		return nil
	}

	err := t.insert(Entry{
		VirtualStart: virtualOffset,
		HostOffset:   hostOffset,
		Size:         length,
		Permission:   perm,
	})
	if err != nil {
		return err
	}

	if _, err := t.DeferredMap(ctx, virtualOffset); err != nil {
		return fmt.Errorf("failed to make mapping resident: %w", err)
	}

	return nil
}

func (t *HeapTracker) insert(e Entry) error {
	if t.config.LockDiscipline == LockDisciplineSerialized {
		t.rebuildMu.RLock()
		defer t.rebuildMu.RUnlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e.End() < e.VirtualStart || t.index.Overlaps(e.VirtualStart, e.Size) {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOverlappingMapping, e.VirtualStart, e.End())
	}

	t.index.Insert(e)
	t.validateLocked()

	return nil
}

// Unmap removes [virtualOffset, virtualOffset+size) from the host, dropping any tracked entries in it.
func (t *HeapTracker) Unmap(ctx context.Context, virtualOffset, size uint64, isSeparateHeap bool) error {
	if !isSeparateHeap || size == 0 {
		if err := t.buffer.Unmap(virtualOffset, size); err != nil {
			return t.hostError(ctx, "unmap", virtualOffset, size, err)
		}

		return nil
	}

	if t.config.LockDiscipline == LockDisciplineSerialized {
		t.rebuildMu.RLock()
		defer t.rebuildMu.RUnlock()

		t.mu.Lock()
		defer t.mu.Unlock()

		t.removeLocked(virtualOffset, size)
	} else {
		t.mu.Lock()
		t.removeLocked(virtualOffset, size)
		t.mu.Unlock()
	}

	// Entries that were never resident are unmapped already, this is a no-op for them.
	if err := t.buffer.Unmap(virtualOffset, size); err != nil {
		return t.hostError(ctx, "unmap", virtualOffset, size, err)
	}

	return nil
}

func (t *HeapTracker) removeLocked(virtualOffset, size uint64) {
	end := virtualOffset + size

	t.index.Split(virtualOffset)
	t.index.Split(end)

	for _, h := range t.index.StartingIn(virtualOffset, end) {
		t.index.Remove(h)
	}

	t.validateLocked()
}

// Protect changes the permission of [virtualOffset, virtualOffset+size).
// Tracked entries that are not resident only record the permission, it is applied when they are mapped again.
func (t *HeapTracker) Protect(ctx context.Context, virtualOffset, size uint64, perm hostmemory.Permission) error {
	if size == 0 {
		return nil
	}

	// No rebuild may unmap the entries while they are being reprotected.
	t.rebuildMu.RLock()
	defer t.rebuildMu.RUnlock()

	end := virtualOffset + size

	t.mu.Lock()
	t.index.Split(virtualOffset)
	t.index.Split(end)
	t.validateLocked()
	t.mu.Unlock()

	for cur := virtualOffset; cur < end; {
		next, shouldProtect := t.protectStep(cur, end, perm)

		if shouldProtect {
			if err := t.buffer.Protect(cur, next-cur, perm); err != nil {
				return t.hostError(ctx, "protect", cur, next-cur, err)
			}
		}

		cur = next
	}

	return nil
}

// protectStep handles the sub-range starting at cur: either a tracked entry starting exactly at cur
// or the untracked gap up to the next entry. It returns the end of the sub-range and whether the host
// mapping must be reprotected.
func (t *HeapTracker) protectStep(cur, end uint64, perm hostmemory.Permission) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.index.NextAtOrAfter(cur)
	if !ok {
		return end, true
	}

	e := t.index.Get(h)
	if e.VirtualStart > cur {
		return min(e.VirtualStart, end), true
	}

	// An entry mapped after the boundary split may straddle the end.
	if e.End() > end {
		t.index.Split(end)
		e = t.index.Get(h)
	}

	t.index.SetPermission(h, perm)

	return e.End(), e.Resident
}

// Lookup returns the tracked entry containing addr.
func (t *HeapTracker) Lookup(addr uint64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.index.FindContaining(addr)
	if !ok {
		return Entry{}, false
	}

	return t.index.Get(h), true
}

// Entries returns a copy of all tracked entries in address order.
func (t *HeapTracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.index.Entries()
}

func (t *HeapTracker) MapCount() int64 {
	tracked, _ := t.counts()

	return tracked
}

func (t *HeapTracker) ResidentCount() int64 {
	_, resident := t.counts()

	return resident
}

// Validate checks the index invariants.
func (t *HeapTracker) Validate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.index.Validate()
}

// Events returns the recorded residency events, empty unless tracing is enabled.
func (t *HeapTracker) Events() []trace.Event {
	return t.events.Events()
}

func (t *HeapTracker) SetTraceEnabled(enabled bool) {
	t.events.SetEnabled(enabled)
}

func (t *HeapTracker) counts() (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.index.Len(), t.index.ResidentLen()
}

func (t *HeapTracker) validateLocked() {
	if !t.config.ValidateIndex {
		return
	}

	if err := t.index.Validate(); err != nil {
		panic(err)
	}
}

func (t *HeapTracker) hostError(ctx context.Context, op string, virtualOffset, length uint64, err error, fields ...zap.Field) error {
	hostErr := &HostError{Op: op, VirtualOffset: virtualOffset, Length: length, Err: err}

	fields = append(fields,
		zap.String("op", op),
		logger.WithVirtualOffset(virtualOffset),
		logger.WithLength(length),
		zap.Error(err),
	)

	t.logger.Error("host memory call failed", append(logger.FieldsFromContext(ctx), fields...)...)

	return hostErr
}

// IsHostError reports whether err came from the host memory buffer.
func IsHostError(err error) bool {
	var hostErr *HostError

	return errors.As(err, &hostErr)
}
