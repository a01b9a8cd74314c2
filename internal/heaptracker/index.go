package heaptracker

import (
	"errors"
	"fmt"

	"github.com/tidwall/btree"

	"github.com/e2b-dev/infra/packages/heaptracker/internal/hostmemory"
)

var ErrIndexCorrupted = errors.New("mapping index corrupted")

type addressKey struct {
	start  uint64
	handle Handle
}

type recencyKey struct {
	tick   uint64
	start  uint64
	handle Handle
}

func lessAddress(a, b addressKey) bool {
	return a.start < b.start
}

// Split entries share a tick, the start breaks the tie.
func lessRecency(a, b recencyKey) bool {
	if a.tick != b.tick {
		return a.tick < b.tick
	}

	return a.start < b.start
}

// Index keeps the tracked entries ordered by address, and the resident ones by recency.
// It does no locking of its own.
type Index struct {
	entries arena

	byAddress *btree.BTreeG[addressKey]
	byRecency *btree.BTreeG[recencyKey]

	count         int64
	residentCount int64
}

func NewIndex() *Index {
	opts := btree.Options{NoLocks: true}

	return &Index{
		byAddress: btree.NewBTreeGOptions(lessAddress, opts),
		byRecency: btree.NewBTreeGOptions(lessRecency, opts),
	}
}

// FindContaining returns the entry whose range contains addr.
func (i *Index) FindContaining(addr uint64) (Handle, bool) {
	var (
		found Handle
		ok    bool
	)

	i.byAddress.Descend(addressKey{start: addr}, func(k addressKey) bool {
		if i.entries.get(k.handle).Contains(addr) {
			found, ok = k.handle, true
		}

		return false
	})

	return found, ok
}

// NextAtOrAfter returns the first entry starting at or after addr.
func (i *Index) NextAtOrAfter(addr uint64) (Handle, bool) {
	var (
		found Handle
		ok    bool
	)

	i.byAddress.Ascend(addressKey{start: addr}, func(k addressKey) bool {
		found, ok = k.handle, true

		return false
	})

	return found, ok
}

// Overlaps reports whether any entry intersects [start, start+size).
func (i *Index) Overlaps(start, size uint64) bool {
	if _, ok := i.FindContaining(start); ok {
		return true
	}

	h, ok := i.NextAtOrAfter(start)

	return ok && i.entries.get(h).VirtualStart < start+size
}

// StartingIn returns the entries whose start lies in [from, to), in address order.
func (i *Index) StartingIn(from, to uint64) []Handle {
	var handles []Handle

	i.byAddress.Ascend(addressKey{start: from}, func(k addressKey) bool {
		if k.start >= to {
			return false
		}

		handles = append(handles, k.handle)

		return true
	})

	return handles
}

// Oldest returns up to n resident entries, least recently made resident first.
func (i *Index) Oldest(n int) []Handle {
	if n <= 0 {
		return nil
	}

	handles := make([]Handle, 0, n)

	i.byRecency.Scan(func(k recencyKey) bool {
		handles = append(handles, k.handle)

		return len(handles) < n
	})

	return handles
}

func (i *Index) Get(h Handle) Entry {
	return *i.entries.get(h)
}

func (i *Index) Insert(e Entry) Handle {
	h := i.entries.alloc(e)

	_, replaced := i.byAddress.Set(addressKey{start: e.VirtualStart, handle: h})
	invariant(!replaced, "duplicate entry start %#x", e.VirtualStart)
	i.count++

	if e.Resident {
		i.byRecency.Set(recencyKey{tick: e.Tick, start: e.VirtualStart, handle: h})
		i.residentCount++
	}

	return h
}

// Remove drops the entry from both orderings and releases it.
func (i *Index) Remove(h Handle) {
	e := i.entries.get(h)

	if e.Resident {
		_, ok := i.byRecency.Delete(recencyKey{tick: e.Tick, start: e.VirtualStart})
		invariant(ok, "resident entry %s missing from recency index", e)

		i.residentCount--
		invariant(i.residentCount >= 0, "negative resident count")
	}

	_, ok := i.byAddress.Delete(addressKey{start: e.VirtualStart})
	invariant(ok, "entry %s missing from address index", e)

	i.count--
	invariant(i.count >= 0, "negative entry count")

	i.entries.release(h)
}

func (i *Index) MarkResident(h Handle, tick uint64) {
	e := i.entries.get(h)
	invariant(!e.Resident, "entry %s already resident", e)

	e.Tick = tick
	e.Resident = true

	i.byRecency.Set(recencyKey{tick: e.Tick, start: e.VirtualStart, handle: h})
	i.residentCount++
}

func (i *Index) MarkEvicted(h Handle) {
	e := i.entries.get(h)
	invariant(e.Resident, "entry %s not resident", e)

	_, ok := i.byRecency.Delete(recencyKey{tick: e.Tick, start: e.VirtualStart})
	invariant(ok, "resident entry %s missing from recency index", e)

	e.Resident = false

	i.residentCount--
	invariant(i.residentCount >= 0, "negative resident count")
}

func (i *Index) SetPermission(h Handle, perm hostmemory.Permission) {
	i.entries.get(h).Permission = perm
}

// Split makes offset an entry boundary. The entry containing offset keeps [start, offset) and a new
// entry with the same tick, permission and residency takes [offset, end).
// It returns the new entry, if one was created.
func (i *Index) Split(offset uint64) (Handle, bool) {
	h, ok := i.FindContaining(offset)
	if !ok {
		return Handle{}, false
	}

	left := i.entries.get(h)
	if left.VirtualStart == offset {
		return Handle{}, false
	}

	leftSize := offset - left.VirtualStart
	right := Entry{
		VirtualStart: offset,
		HostOffset:   left.HostOffset + leftSize,
		Size:         left.Size - leftSize,
		Tick:         left.Tick,
		Permission:   left.Permission,
		Resident:     left.Resident,
	}

	left.Size = leftSize

	return i.Insert(right), true
}

// Len is the number of tracked entries.
func (i *Index) Len() int64 {
	return i.count
}

// ResidentLen is the number of resident entries.
func (i *Index) ResidentLen() int64 {
	return i.residentCount
}

// Entries returns a copy of all entries in address order.
func (i *Index) Entries() []Entry {
	entries := make([]Entry, 0, i.byAddress.Len())

	i.byAddress.Scan(func(k addressKey) bool {
		entries = append(entries, *i.entries.get(k.handle))

		return true
	})

	return entries
}

// Validate checks ordering, overlap, recency membership and counters.
func (i *Index) Validate() error {
	var (
		errs      []error
		prev      *Entry
		residents int64
	)

	i.byAddress.Scan(func(k addressKey) bool {
		e := i.entries.get(k.handle)

		if e.VirtualStart != k.start {
			errs = append(errs, fmt.Errorf("address key %#x points to entry %s", k.start, e))
		}

		if e.Size == 0 {
			errs = append(errs, fmt.Errorf("empty entry %s", e))
		}

		if prev != nil && prev.End() > e.VirtualStart {
			errs = append(errs, fmt.Errorf("entry %s overlaps %s", prev, e))
		}

		if e.Resident {
			residents++

			if _, ok := i.byRecency.Get(recencyKey{tick: e.Tick, start: e.VirtualStart}); !ok {
				errs = append(errs, fmt.Errorf("resident entry %s missing from recency index", e))
			}
		}

		prev = e

		return true
	})

	i.byRecency.Scan(func(k recencyKey) bool {
		e := i.entries.get(k.handle)
		if !e.Resident || e.Tick != k.tick || e.VirtualStart != k.start {
			errs = append(errs, fmt.Errorf("recency key tick=%d start=%#x points to entry %s", k.tick, k.start, e))
		}

		return true
	})

	if n := int64(i.byAddress.Len()); n != i.count || n != int64(i.entries.len()) {
		errs = append(errs, fmt.Errorf("entry count %d, address index %d, arena %d", i.count, n, i.entries.len()))
	}

	if n := int64(i.byRecency.Len()); n != i.residentCount || n != residents {
		errs = append(errs, fmt.Errorf("resident count %d, recency index %d, resident entries %d", i.residentCount, n, residents))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrIndexCorrupted, errors.Join(errs...))
	}

	return nil
}
