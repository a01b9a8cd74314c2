package hostmemory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestPermission(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "---", PermNone.String())
	assert.Equal(t, "rw-", PermReadWrite.String())
	assert.Equal(t, "r-x", (PermRead | PermExecute).String())

	assert.Equal(t, unix.PROT_NONE, PermNone.Prot())
	assert.Equal(t, unix.PROT_READ|unix.PROT_WRITE, PermReadWrite.Prot())
	assert.Equal(t, unix.PROT_READ, (PermRead | PermExecute).Prot())
}
