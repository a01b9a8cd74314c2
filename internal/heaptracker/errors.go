package heaptracker

import (
	"errors"
	"fmt"
)

var ErrOverlappingMapping = errors.New("separate heap mapping overlaps a tracked mapping")

// HostError is a failed call into the host memory buffer.
type HostError struct {
	Op            string
	VirtualOffset uint64
	Length        uint64
	Err           error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host %s of [%#x, %#x) failed: %v", e.Op, e.VirtualOffset, e.VirtualOffset+e.Length, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}
