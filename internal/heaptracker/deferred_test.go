package heaptracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/heaptracker/internal/hostmemory"
	"github.com/e2b-dev/infra/packages/heaptracker/internal/testutils"
)

func TestEvictionBound(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	host := newTestHost()
	tracker := newTestTracker(t, host, testConfig(8, 4))

	for i := range uint64(32) {
		require.NoError(t, tracker.Map(ctx, (i+1)*0x10000, i*page, page, hostmemory.PermRead, true))
		assert.LessOrEqual(t, tracker.ResidentCount(), int64(8), "after map %d", i)

		if i == 8 {
			assert.Equal(t, int64(4), tracker.ResidentCount(), "rebuild after the 9th residency")
		}
	}

	assert.Equal(t, int64(32), tracker.MapCount())
	requireHostConsistent(t, tracker, host)
}

func TestRebuildEvictsOldestTicks(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	host := newTestHost()
	tracker := newTestTracker(t, host, testConfig(4, 2))

	const (
		a = 0x10000 * (iota + 1)
		b
		c
		d
		e
		f
		g
	)

	mapRegion := func(offset uint64) {
		require.NoError(t, tracker.Map(ctx, offset, offset, page, hostmemory.PermReadWrite, true))
	}

	for _, offset := range []uint64{a, b, c, d} {
		mapRegion(offset)
	}

	assert.Empty(t, host.Calls(testutils.OpUnmap))

	mapRegion(e)
	assert.Equal(t, []uint64{a, b, c}, offsets(host.Calls(testutils.OpUnmap)))
	assert.Equal(t, int64(2), tracker.ResidentCount())

	host.Reset()

	handled, err := tracker.DeferredMap(ctx, a)
	require.NoError(t, err)
	require.True(t, handled)

	mapRegion(f)
	mapRegion(g)

	assert.Equal(t, []uint64{d, e, a}, offsets(host.Calls(testutils.OpUnmap)))
	assert.Equal(t, int64(2), tracker.ResidentCount())

	for offset, resident := range map[uint64]bool{a: false, b: false, c: false, d: false, e: false, f: true, g: true} {
		entry, ok := tracker.Lookup(offset)
		require.True(t, ok)
		assert.Equal(t, resident, entry.Resident, "entry %#x", offset)
	}

	requireHostConsistent(t, tracker, host)
}

func TestRebuildBelowCapIsNoop(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	host := newTestHost()
	tracker := newTestTracker(t, host, testConfig(8, 4))

	for i := range uint64(4) {
		require.NoError(t, tracker.Map(ctx, (i+1)*0x10000, 0, page, hostmemory.PermRead, true))
	}

	require.NoError(t, tracker.Rebuild(ctx))
	assert.Equal(t, int64(4), tracker.ResidentCount())
	assert.Empty(t, host.Calls(testutils.OpUnmap))
}

func TestSplitResidentKeepsTick(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	host := newTestHost()
	tracker := newTestTracker(t, host, testConfig(3, 1))

	require.NoError(t, tracker.Map(ctx, 0x10000, 0x0, 0x4000, hostmemory.PermRead, true))
	require.NoError(t, tracker.Map(ctx, 0x20000, 0x0, page, hostmemory.PermRead, true))

	// [0x10000, 0x14000) becomes three entries, all with tick 1.
	require.NoError(t, tracker.Protect(ctx, 0x11000, 0x1000, hostmemory.PermReadWrite))
	assert.Equal(t, int64(4), tracker.ResidentCount())

	for _, e := range tracker.Entries()[:3] {
		assert.Equal(t, uint64(1), e.Tick, "entry %s", e)
	}

	host.Reset()

	// The split entries are the oldest, evicted in address order.
	require.NoError(t, tracker.Map(ctx, 0x30000, 0x0, page, hostmemory.PermRead, true))
	assert.Equal(t, []uint64{0x10000, 0x11000, 0x12000}, offsets(host.Calls(testutils.OpUnmap)))

	requireHostConsistent(t, tracker, host)
}

func TestManySeparateMappings(t *testing.T) {
	if testing.Short() {
		t.Skip("maps 40000 regions")
	}

	t.Parallel()

	const (
		regions     = 40000
		maxResident = DefaultMaxResidentMapCount
	)

	ctx := t.Context()
	host := newTestHost()

	cfg := DefaultConfig()
	tracker := newTestTracker(t, host, cfg)

	for i := range uint64(regions) {
		require.NoError(t, tracker.Map(ctx, i*2*page, i*page, page, hostmemory.PermReadWrite, true))

		switch i + 1 {
		case maxResident:
			assert.Equal(t, int64(maxResident), tracker.ResidentCount())
			assert.Empty(t, host.Calls(testutils.OpUnmap))
		case maxResident + 1:
			assert.Equal(t, int64(maxResident-DefaultRebuildHeadroom), tracker.ResidentCount())
			assert.Len(t, host.Calls(testutils.OpUnmap), DefaultRebuildHeadroom+1)
		}

		require.LessOrEqual(t, tracker.ResidentCount(), int64(maxResident))
	}

	unmaps := host.Calls(testutils.OpUnmap)
	require.Len(t, unmaps, DefaultRebuildHeadroom+(regions-(maxResident+1)))
	assert.Equal(t, int64(regions), tracker.MapCount())
	assert.Equal(t, int64(regions-len(unmaps)), tracker.ResidentCount())

	// Every evicted region is one of the oldest, in mapping order.
	for i, c := range unmaps {
		assert.Equal(t, uint64(i)*2*page, c.VirtualOffset)
	}

	require.NoError(t, tracker.Validate())
}
