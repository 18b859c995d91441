//go:build linux

package machine

import "golang.org/x/sys/unix"

// newBacking maps anonymous private pages for a region.
func newBacking(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func releaseBacking(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
