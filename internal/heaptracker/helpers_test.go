package heaptracker

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/e2b-dev/infra/packages/heaptracker/internal/hostmemory"
	"github.com/e2b-dev/infra/packages/heaptracker/internal/testutils"
)

const (
	page = hostmemory.PageSize

	testVirtualBase = uintptr(0x7f0000000000)
	testVirtualSize = uint64(1 << 40)
)

func newTestHost() *testutils.RecordingHost {
	return testutils.NewRecordingHost(testVirtualBase, testVirtualSize)
}

func testConfig(maxResident, headroom int64) Config {
	cfg := DefaultConfig()
	cfg.MaxResidentMapCount = maxResident
	cfg.RebuildHeadroom = headroom
	cfg.ValidateIndex = true

	return cfg
}

func newTestTracker(t *testing.T, host HostMemory, cfg Config) *HeapTracker {
	t.Helper()

	tracker, err := New(host, cfg, testutils.NewTestLogger(t), noop.NewMeterProvider())
	require.NoError(t, err)

	return tracker
}

// requireHostConsistent checks that every resident entry is mapped in the host with its own host
// offset and permission, and that nothing else is.
func requireHostConsistent(t *testing.T, tracker *HeapTracker, host *testutils.RecordingHost) {
	t.Helper()

	require.NoError(t, tracker.Validate())

	residentPages := 0

	for _, e := range tracker.Entries() {
		for off := uint64(0); off < e.Size; off += page {
			hostOffset, perm, mapped := host.Mapped(e.VirtualStart + off)

			if !e.Resident {
				require.False(t, mapped, "page %#x of non-resident entry %s is mapped", e.VirtualStart+off, e)

				continue
			}

			residentPages++

			require.True(t, mapped, "page %#x of resident entry %s is not mapped", e.VirtualStart+off, e)
			require.Equal(t, e.HostOffset+off, hostOffset, "entry %s", e)
			require.Equal(t, e.Permission, perm, "entry %s", e)
		}
	}

	require.Equal(t, residentPages, host.MappedPages())
}

func offsets(calls []testutils.Call) []uint64 {
	result := make([]uint64, len(calls))
	for i, c := range calls {
		result[i] = c.VirtualOffset
	}

	return result
}
