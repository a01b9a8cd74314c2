//go:build linux

package hostmemory

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"github.com/tklauser/go-sysconf"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// HostMemory is a memfd backed buffer that can be mapped at arbitrary page aligned offsets into a
// reserved virtual address range.
type HostMemory struct {
	backingSize uint64
	virtualSize uint64

	backingFile *os.File
	backing     mmap.MMap

	reservation     unsafe.Pointer
	reservationSize uintptr
	virtualBase     unsafe.Pointer

	// mapped pages of the virtual range, indexed by virtual page number.
	mu     sync.Mutex
	mapped *bitset.BitSet

	logger *zap.Logger
}

var ErrUnsupportedPageSize = errors.New("unsupported host page size")

func New(backingSize, virtualSize uint64, logger *zap.Logger) (*HostMemory, error) {
	hostPageSize, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return nil, fmt.Errorf("failed to get host page size: %w", err)
	}

	if hostPageSize != PageSize {
		return nil, fmt.Errorf("%w: %d, expected %d", ErrUnsupportedPageSize, hostPageSize, PageSize)
	}

	backingSize = alignUp(backingSize, PageSize)
	virtualSize = alignUp(virtualSize, PageSize)

	fd, err := unix.MemfdCreate("HostMemory", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create failed: %w", err)
	}

	backingFile := os.NewFile(uintptr(fd), "HostMemory")

	if err := unix.Ftruncate(fd, int64(backingSize)); err != nil {
		return nil, errors.Join(fmt.Errorf("ftruncate failed, are you out-of-memory?: %w", err), backingFile.Close())
	}

	backing, err := mmap.MapRegion(backingFile, int(backingSize), mmap.RDWR, 0, 0)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to map backing memory: %w", err), backingFile.Close())
	}

	// Reserve extra room so the usable base can be aligned to a huge page.
	reservationSize := uintptr(virtualSize + 3*HugepageSize)

	reservation, err := unix.MmapPtr(-1, 0, nil, reservationSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to reserve virtual memory: %w", err), backing.Unmap(), backingFile.Close())
	}

	shift := alignUp(uint64(uintptr(reservation))+HugepageSize, HugepageSize) - uint64(uintptr(reservation))

	m := &HostMemory{
		backingSize:     backingSize,
		virtualSize:     virtualSize,
		backingFile:     backingFile,
		backing:         backing,
		reservation:     reservation,
		reservationSize: reservationSize,
		virtualBase:     unsafe.Add(reservation, shift),
		mapped:          bitset.New(uint(virtualSize / PageSize)),
		logger:          logger,
	}

	logger.Debug("host memory created",
		zap.String("backing_size", humanize.IBytes(backingSize)),
		zap.String("virtual_size", humanize.IBytes(virtualSize)),
	)

	return m, nil
}

// Map maps length bytes of the backing memory at hostOffset into the virtual range at virtualOffset.
func (m *HostMemory) Map(virtualOffset, hostOffset, length uint64, perm Permission) error {
	if err := m.checkVirtual(virtualOffset, length); err != nil {
		return err
	}

	if hostOffset%PageSize != 0 || hostOffset+length > m.backingSize || hostOffset+length < hostOffset {
		return fmt.Errorf("%w: host offset %#x length %#x (backing size %#x)", ErrInvalidRange, hostOffset, length, m.backingSize)
	}

	if length == 0 {
		return nil
	}

	_, err := unix.MmapPtr(
		int(m.backingFile.Fd()),
		int64(hostOffset),
		m.at(virtualOffset),
		uintptr(length),
		perm.Prot(),
		unix.MAP_SHARED|unix.MAP_FIXED,
	)
	if err != nil {
		return fmt.Errorf("mmap failed: %w", err)
	}

	m.track(virtualOffset, length, true)

	return nil
}

// Unmap drops the mapping of the range, the range stays reserved.
func (m *HostMemory) Unmap(virtualOffset, length uint64) error {
	if err := m.checkVirtual(virtualOffset, length); err != nil {
		return err
	}

	if length == 0 {
		return nil
	}

	_, err := unix.MmapPtr(
		-1,
		0,
		m.at(virtualOffset),
		uintptr(length),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE,
	)
	if err != nil {
		return fmt.Errorf("mmap failed: %w", err)
	}

	m.track(virtualOffset, length, false)

	return nil
}

func (m *HostMemory) Protect(virtualOffset, length uint64, perm Permission) error {
	if err := m.checkVirtual(virtualOffset, length); err != nil {
		return err
	}

	if length == 0 {
		return nil
	}

	if err := unix.Mprotect(unsafe.Slice((*byte)(m.at(virtualOffset)), length), perm.Prot()); err != nil {
		return fmt.Errorf("mprotect failed: %w", err)
	}

	return nil
}

// IsInVirtualRange reports whether addr lies inside the usable virtual range.
func (m *HostMemory) IsInVirtualRange(addr uintptr) bool {
	base := uintptr(m.virtualBase)

	return addr >= base && addr < base+uintptr(m.virtualSize)
}

func (m *HostMemory) VirtualBasePointer() uintptr {
	return uintptr(m.virtualBase)
}

// Virtual returns the usable virtual range. Touching a page that is not mapped faults.
func (m *HostMemory) Virtual() []byte {
	return unsafe.Slice((*byte)(m.virtualBase), m.virtualSize)
}

// Backing returns the backing memory as seen through its own shared mapping.
func (m *HostMemory) Backing() []byte {
	return m.backing
}

func (m *HostMemory) BackingSize() uint64 {
	return m.backingSize
}

func (m *HostMemory) VirtualSize() uint64 {
	return m.virtualSize
}

// MappedBytes returns how much of the virtual range currently has a live mapping.
func (m *HostMemory) MappedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return uint64(m.mapped.Count()) * PageSize
}

// IsMapped reports whether the page containing virtualOffset has a live mapping.
func (m *HostMemory) IsMapped(virtualOffset uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mapped.Test(uint(virtualOffset / PageSize))
}

func (m *HostMemory) Close() error {
	var errs []error

	if m.reservation != nil {
		if err := unix.MunmapPtr(m.reservation, m.reservationSize); err != nil {
			errs = append(errs, fmt.Errorf("failed to release virtual memory: %w", err))
		}

		m.reservation = nil
	}

	if m.backing != nil {
		if err := m.backing.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap backing memory: %w", err))
		}

		m.backing = nil
	}

	if m.backingFile != nil {
		if err := m.backingFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close memfd: %w", err))
		}

		m.backingFile = nil
	}

	return errors.Join(errs...)
}

func (m *HostMemory) checkVirtual(virtualOffset, length uint64) error {
	if virtualOffset%PageSize != 0 || length%PageSize != 0 {
		return fmt.Errorf("%w: offset %#x length %#x not page aligned", ErrInvalidRange, virtualOffset, length)
	}

	if virtualOffset+length > m.virtualSize || virtualOffset+length < virtualOffset {
		return fmt.Errorf("%w: offset %#x length %#x (virtual size %#x)", ErrInvalidRange, virtualOffset, length, m.virtualSize)
	}

	return nil
}

func (m *HostMemory) at(virtualOffset uint64) unsafe.Pointer {
	return unsafe.Add(m.virtualBase, uintptr(virtualOffset))
}

func (m *HostMemory) track(virtualOffset, length uint64, mapped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for page := virtualOffset / PageSize; page < (virtualOffset+length)/PageSize; page++ {
		m.mapped.SetTo(uint(page), mapped)
	}
}
