package testutils

import (
	"fmt"
	"sync"

	"github.com/e2b-dev/infra/packages/heaptracker/internal/hostmemory"
)

type Op string

const (
	OpMap     Op = "map"
	OpUnmap   Op = "unmap"
	OpProtect Op = "protect"
)

// Call is a single recorded host memory call.
type Call struct {
	Op            Op
	VirtualOffset uint64
	HostOffset    uint64
	Length        uint64
	Permission    hostmemory.Permission
}

func (c Call) String() string {
	return fmt.Sprintf("%s [%#x, %#x) %s", c.Op, c.VirtualOffset, c.VirtualOffset+c.Length, c.Permission)
}

type page struct {
	hostOffset uint64
	perm       hostmemory.Permission
}

// RecordingHost is an in-memory stand-in for the host memory buffer.
// It records every call and keeps a per-page view of what would be mapped.
type RecordingHost struct {
	mu    sync.Mutex
	calls []Call
	pages map[uint64]page

	pageSize    uint64
	base        uintptr
	virtualSize uint64

	// Before, when set, runs before every call without holding the host lock, so it may block.
	Before func(c Call)

	// Fail, when set, is consulted before every call. A non-nil error fails the call without
	// changing the page view.
	Fail func(c Call) error
}

func NewRecordingHost(base uintptr, virtualSize uint64) *RecordingHost {
	return &RecordingHost{
		pages:       make(map[uint64]page),
		pageSize:    hostmemory.PageSize,
		base:        base,
		virtualSize: virtualSize,
	}
}

func (h *RecordingHost) Map(virtualOffset, hostOffset, length uint64, perm hostmemory.Permission) error {
	c := Call{Op: OpMap, VirtualOffset: virtualOffset, HostOffset: hostOffset, Length: length, Permission: perm}

	return h.apply(c, func() {
		for off := uint64(0); off < length; off += h.pageSize {
			h.pages[virtualOffset+off] = page{hostOffset: hostOffset + off, perm: perm}
		}
	})
}

func (h *RecordingHost) Unmap(virtualOffset, length uint64) error {
	c := Call{Op: OpUnmap, VirtualOffset: virtualOffset, Length: length}

	return h.apply(c, func() {
		for off := uint64(0); off < length; off += h.pageSize {
			delete(h.pages, virtualOffset+off)
		}
	})
}

func (h *RecordingHost) Protect(virtualOffset, length uint64, perm hostmemory.Permission) error {
	c := Call{Op: OpProtect, VirtualOffset: virtualOffset, Length: length, Permission: perm}

	return h.apply(c, func() {
		for off := uint64(0); off < length; off += h.pageSize {
			if p, ok := h.pages[virtualOffset+off]; ok {
				p.perm = perm
				h.pages[virtualOffset+off] = p
			}
		}
	})
}

func (h *RecordingHost) IsInVirtualRange(addr uintptr) bool {
	return addr >= h.base && addr < h.base+uintptr(h.virtualSize)
}

func (h *RecordingHost) VirtualBasePointer() uintptr {
	return h.base
}

func (h *RecordingHost) apply(c Call, mutate func()) error {
	if h.Before != nil {
		h.Before(c)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Fail != nil {
		if err := h.Fail(c); err != nil {
			return err
		}
	}

	h.calls = append(h.calls, c)
	mutate()

	return nil
}

// Calls returns a copy of the recorded calls, optionally filtered by operation.
func (h *RecordingHost) Calls(ops ...Op) []Call {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]Call, 0, len(h.calls))
	for _, c := range h.calls {
		if len(ops) == 0 {
			result = append(result, c)

			continue
		}

		for _, op := range ops {
			if c.Op == op {
				result = append(result, c)

				break
			}
		}
	}

	return result
}

func (h *RecordingHost) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = nil
}

// Mapped returns the host offset and permission of the page containing virtualOffset.
func (h *RecordingHost) Mapped(virtualOffset uint64) (hostOffset uint64, perm hostmemory.Permission, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pages[virtualOffset-virtualOffset%h.pageSize]

	return p.hostOffset, p.perm, ok
}

// MappedPages returns the number of pages with a live mapping.
func (h *RecordingHost) MappedPages() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.pages)
}
