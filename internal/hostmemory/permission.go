package hostmemory

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Permission is the access permission of a host mapping.
type Permission uint8

const (
	PermNone  Permission = 0
	PermRead  Permission = 1 << 0
	PermWrite Permission = 1 << 1
	// PermExecute is stored and reported, host mappings of guest memory never become executable.
	PermExecute Permission = 1 << 2

	PermReadWrite = PermRead | PermWrite
)

// Prot returns the mmap/mprotect protection bits for the permission.
func (p Permission) Prot() int {
	prot := unix.PROT_NONE
	if p&PermRead != 0 {
		prot |= unix.PROT_READ
	}

	if p&PermWrite != 0 {
		prot |= unix.PROT_WRITE
	}

	return prot
}

func (p Permission) String() string {
	if p == PermNone {
		return "---"
	}

	var b strings.Builder

	for _, f := range []struct {
		perm Permission
		c    byte
	}{
		{PermRead, 'r'},
		{PermWrite, 'w'},
		{PermExecute, 'x'},
	} {
		if p&f.perm != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}

	return b.String()
}
