//go:build linux

package hostmemory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHostMemory(t *testing.T, backingPages, virtualPages uint64) *HostMemory {
	t.Helper()

	m, err := New(backingPages*PageSize, virtualPages*PageSize, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, m.Close())
	})

	return m
}

func TestHostMemoryMapSharesBacking(t *testing.T) {
	t.Parallel()

	m := newTestHostMemory(t, 8, 64)

	backing := m.Backing()
	for i := range PageSize {
		backing[2*PageSize+i] = byte(i % 251)
	}

	require.NoError(t, m.Map(5*PageSize, 2*PageSize, PageSize, PermReadWrite))
	assert.True(t, m.IsMapped(5*PageSize))
	assert.Equal(t, uint64(PageSize), m.MappedBytes())

	virtual := m.Virtual()
	assert.Equal(t, backing[2*PageSize:3*PageSize], virtual[5*PageSize:6*PageSize])

	// Writes through the virtual range land in the backing memory.
	virtual[5*PageSize+7] = 0xAA
	assert.Equal(t, byte(0xAA), backing[2*PageSize+7])
}

func TestHostMemoryAliasing(t *testing.T) {
	t.Parallel()

	m := newTestHostMemory(t, 4, 16)

	require.NoError(t, m.Map(0, 0, PageSize, PermReadWrite))
	require.NoError(t, m.Map(8*PageSize, 0, PageSize, PermRead))

	virtual := m.Virtual()
	virtual[3] = 0x42
	assert.Equal(t, byte(0x42), virtual[8*PageSize+3])
}

func TestHostMemoryUnmapKeepsReservation(t *testing.T) {
	t.Parallel()

	m := newTestHostMemory(t, 4, 16)

	require.NoError(t, m.Map(PageSize, 0, 2*PageSize, PermReadWrite))
	require.NoError(t, m.Unmap(PageSize, PageSize))

	assert.False(t, m.IsMapped(PageSize))
	assert.True(t, m.IsMapped(2*PageSize))
	assert.Equal(t, uint64(PageSize), m.MappedBytes())

	// Unmapping an unmapped range is fine.
	require.NoError(t, m.Unmap(PageSize, PageSize))

	// The range can be mapped again.
	require.NoError(t, m.Map(PageSize, 3*PageSize, PageSize, PermReadWrite))
	m.Backing()[3*PageSize] = 0x11
	assert.Equal(t, byte(0x11), m.Virtual()[PageSize])
}

func TestHostMemoryProtect(t *testing.T) {
	t.Parallel()

	m := newTestHostMemory(t, 4, 16)

	require.NoError(t, m.Map(0, 0, 2*PageSize, PermReadWrite))
	require.NoError(t, m.Protect(0, 2*PageSize, PermRead))

	m.Backing()[PageSize] = 0x77
	assert.Equal(t, byte(0x77), m.Virtual()[PageSize])

	require.NoError(t, m.Protect(0, 2*PageSize, PermReadWrite))
	m.Virtual()[0] = 0x01
	assert.Equal(t, byte(0x01), m.Backing()[0])
}

func TestHostMemoryRejectsInvalidRanges(t *testing.T) {
	t.Parallel()

	m := newTestHostMemory(t, 4, 16)

	require.ErrorIs(t, m.Map(1, 0, PageSize, PermRead), ErrInvalidRange)
	require.ErrorIs(t, m.Map(0, 0, 5*PageSize, PermRead), ErrInvalidRange)
	require.ErrorIs(t, m.Map(16*PageSize, 0, PageSize, PermRead), ErrInvalidRange)
	require.ErrorIs(t, m.Unmap(0, 17*PageSize), ErrInvalidRange)
	require.ErrorIs(t, m.Protect(0, 100, PermRead), ErrInvalidRange)

	// Zero lengths are no-ops.
	require.NoError(t, m.Map(0, 0, 0, PermRead))
	assert.Equal(t, uint64(0), m.MappedBytes())
}

func TestHostMemoryVirtualRange(t *testing.T) {
	t.Parallel()

	m := newTestHostMemory(t, 1, 16)

	base := m.VirtualBasePointer()
	assert.Zero(t, base%HugepageSize)
	assert.True(t, m.IsInVirtualRange(base))
	assert.True(t, m.IsInVirtualRange(base+16*PageSize-1))
	assert.False(t, m.IsInVirtualRange(base+16*PageSize))
	assert.False(t, m.IsInVirtualRange(base-1))
}

func TestHostMemorySizesArePageAligned(t *testing.T) {
	t.Parallel()

	m, err := New(PageSize+1, 3*PageSize-1, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, uint64(2*PageSize), m.BackingSize())
	assert.Equal(t, uint64(3*PageSize), m.VirtualSize())
}
