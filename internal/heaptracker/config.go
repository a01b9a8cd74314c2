package heaptracker

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultMaxResidentMapCount = 0x8000
	DefaultRebuildHeadroom     = 4
)

var (
	ErrInvalidConfig         = errors.New("invalid heap tracker config")
	ErrInvalidLockDiscipline = errors.New("invalid lock discipline")
)

// LockDiscipline selects which locks Map and Unmap take.
//
//	operation        reference                         serialized
//	Map (insert)     index                             rebuild (shared) + index
//	Unmap            index, host unmap after release   rebuild (shared) + index, host unmap under both
//	Protect          rebuild (shared), index per step  same
//	DeferredMap      index, rebuild after release      same
//	Rebuild          rebuild (exclusive) + index       same
//
// The rebuild lock is always taken before the index lock.
type LockDiscipline uint8

const (
	LockDisciplineReference LockDiscipline = iota
	LockDisciplineSerialized
)

func ParseLockDiscipline(s string) (LockDiscipline, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reference":
		return LockDisciplineReference, nil
	case "serialized":
		return LockDisciplineSerialized, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLockDiscipline, s)
	}
}

func (d LockDiscipline) String() string {
	switch d {
	case LockDisciplineReference:
		return "reference"
	case LockDisciplineSerialized:
		return "serialized"
	default:
		return fmt.Sprintf("LockDiscipline(%d)", uint8(d))
	}
}

type Config struct {
	MaxResidentMapCount int64          `env:"HEAP_TRACKER_MAX_RESIDENT_MAPS" envDefault:"32768"`
	RebuildHeadroom     int64          `env:"HEAP_TRACKER_REBUILD_HEADROOM"  envDefault:"4"`
	LockDiscipline      LockDiscipline `env:"HEAP_TRACKER_LOCK_DISCIPLINE"   envDefault:"reference"`
	// ValidateIndex checks every index invariant after each mutation and panics on violation.
	ValidateIndex bool `env:"HEAP_TRACKER_VALIDATE"`
	Trace         bool `env:"HEAP_TRACKER_TRACE"`
}

func DefaultConfig() Config {
	return Config{
		MaxResidentMapCount: DefaultMaxResidentMapCount,
		RebuildHeadroom:     DefaultRebuildHeadroom,
		LockDiscipline:      LockDisciplineReference,
	}
}

func (c Config) Validate() error {
	if c.MaxResidentMapCount <= 0 {
		return fmt.Errorf("%w: max resident map count must be positive, got %d", ErrInvalidConfig, c.MaxResidentMapCount)
	}

	if c.RebuildHeadroom < 0 || c.RebuildHeadroom >= c.MaxResidentMapCount {
		return fmt.Errorf("%w: rebuild headroom %d must be in [0, %d)", ErrInvalidConfig, c.RebuildHeadroom, c.MaxResidentMapCount)
	}

	if c.LockDiscipline > LockDisciplineSerialized {
		return fmt.Errorf("%w: %w: %d", ErrInvalidConfig, ErrInvalidLockDiscipline, c.LockDiscipline)
	}

	return nil
}
