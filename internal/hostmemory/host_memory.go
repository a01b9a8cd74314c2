// Package hostmemory provides the host side of guest memory: a backing buffer that can be mapped,
// unmapped and reprotected at page granularity inside a reserved virtual range.
package hostmemory

import "errors"

const (
	PageSize     = 4096
	HugepageSize = 2 << 20
)

var ErrInvalidRange = errors.New("invalid host memory range")

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}
