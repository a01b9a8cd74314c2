package heaptracker

import (
	"fmt"

	"github.com/e2b-dev/infra/packages/heaptracker/internal/hostmemory"
)

// Entry is one contiguous, undivided range of a separate heap.
type Entry struct {
	VirtualStart uint64
	HostOffset   uint64
	Size         uint64
	// Tick is the value of the tracker tick when the entry was last made resident.
	Tick       uint64
	Permission hostmemory.Permission
	Resident   bool
}

// End returns the exclusive end of the virtual range.
func (e Entry) End() uint64 {
	return e.VirtualStart + e.Size
}

func (e Entry) Contains(addr uint64) bool {
	return addr >= e.VirtualStart && addr < e.End()
}

func (e Entry) String() string {
	return fmt.Sprintf("[%#x, %#x) -> %#x %s tick=%d resident=%t", e.VirtualStart, e.End(), e.HostOffset, e.Permission, e.Tick, e.Resident)
}

// Handle addresses an entry slot in the arena. The generation detects use after release.
type Handle struct {
	slot       uint32
	generation uint32
}

type slot struct {
	entry      Entry
	generation uint32
	used       bool
}

// arena exclusively owns all entries. Released slots are reused.
type arena struct {
	slots []slot
	free  []uint32
	used  int
}

func (a *arena) alloc(e Entry) Handle {
	a.used++

	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]

		s := &a.slots[idx]
		s.entry = e
		s.used = true

		return Handle{slot: idx, generation: s.generation}
	}

	a.slots = append(a.slots, slot{entry: e, used: true})

	return Handle{slot: uint32(len(a.slots) - 1)}
}

// get returns a pointer that is valid until the next alloc.
func (a *arena) get(h Handle) *Entry {
	invariant(int(h.slot) < len(a.slots), "handle %d out of arena bounds %d", h.slot, len(a.slots))

	s := &a.slots[h.slot]
	invariant(s.used && s.generation == h.generation, "stale handle %d/%d (slot generation %d)", h.slot, h.generation, s.generation)

	return &s.entry
}

func (a *arena) release(h Handle) {
	a.get(h)

	s := &a.slots[h.slot]
	s.entry = Entry{}
	s.used = false
	s.generation++

	a.free = append(a.free, h.slot)
	a.used--
}

func (a *arena) len() int {
	return a.used
}

func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("heaptracker: invariant violated: "+format, args...))
	}
}
