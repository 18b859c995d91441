package libc

import (
	"bytes"
	"strings"

	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/stubs"
)

// maxString bounds every string read.
const maxString = 1 << 16

func init() {
	stubs.RegisterFunc("libc", "strlen", stubStrlen)
	stubs.RegisterFunc("libc", "memcpy", stubMemcpy, "memmove")
	stubs.RegisterFunc("libc", "memset", stubMemset)
	stubs.RegisterFunc("libc", "memcmp", stubMemcmp)
	stubs.RegisterFunc("libc", "strcmp", stubStrcmp)
	stubs.RegisterFunc("libc", "strncmp", stubStrncmp)
	stubs.RegisterFunc("libc", "strcpy", stubStrcpy)
	stubs.RegisterFunc("libc", "strchr", stubStrchr)
	stubs.RegisterFunc("libc", "strdup", stubStrdup)
}

func sign(n int) uint64 {
	switch {
	case n < 0:
		return ^uint64(0)
	case n > 0:
		return 1
	}
	return 0
}

func stubStrlen(c *machine.Call) (uint64, error) {
	s, err := c.M.ReadCString(c.Arg(0), maxString)
	if err != nil {
		return 0, err
	}
	return uint64(len(s)), nil
}

func stubMemcpy(c *machine.Call) (uint64, error) {
	dest, src, n := c.Arg(0), c.Arg(1), c.Arg(2)
	if n > 0 {
		// Copy reads the whole source before writing, so overlap is safe.
		if err := c.M.Copy(dest, src, int(n)); err != nil {
			return 0, err
		}
	}
	stubs.Default.Log("libc", "memcpy", formatMemop(dest, src, n))
	return dest, nil
}

func stubMemset(c *machine.Call) (uint64, error) {
	dest, b, n := c.Arg(0), byte(c.Arg(1)), c.Arg(2)
	if n > 0 {
		if err := c.M.Write(dest, bytes.Repeat([]byte{b}, int(n))); err != nil {
			return 0, err
		}
	}
	return dest, nil
}

func stubMemcmp(c *machine.Call) (uint64, error) {
	n := int(c.Arg(2))
	if n == 0 {
		return 0, nil
	}
	a, err := c.M.Read(c.Arg(0), n)
	if err != nil {
		return 0, err
	}
	b, err := c.M.Read(c.Arg(1), n)
	if err != nil {
		return 0, err
	}
	return sign(bytes.Compare(a, b)), nil
}

func stubStrcmp(c *machine.Call) (uint64, error) {
	a, err := c.M.ReadCString(c.Arg(0), maxString)
	if err != nil {
		return 0, err
	}
	b, err := c.M.ReadCString(c.Arg(1), maxString)
	if err != nil {
		return 0, err
	}
	return sign(strings.Compare(a, b)), nil
}

func stubStrncmp(c *machine.Call) (uint64, error) {
	n := int(c.Arg(2))
	a, err := c.M.ReadCString(c.Arg(0), n)
	if err != nil {
		return 0, err
	}
	b, err := c.M.ReadCString(c.Arg(1), n)
	if err != nil {
		return 0, err
	}
	return sign(strings.Compare(a, b)), nil
}

func stubStrcpy(c *machine.Call) (uint64, error) {
	s, err := c.M.ReadCString(c.Arg(1), maxString)
	if err != nil {
		return 0, err
	}
	return c.Arg(0), c.M.WriteCString(c.Arg(0), s)
}

func stubStrchr(c *machine.Call) (uint64, error) {
	addr := c.Arg(0)
	ch := byte(c.Arg(1))
	s, err := c.M.ReadCString(addr, maxString)
	if err != nil {
		return 0, err
	}
	if ch == 0 {
		return addr + uint64(len(s)), nil
	}
	if i := strings.IndexByte(s, ch); i >= 0 {
		return addr + uint64(i), nil
	}
	return 0, nil
}

func stubStrdup(c *machine.Call) (uint64, error) {
	s, err := c.M.ReadCString(c.Arg(0), maxString)
	if err != nil {
		return 0, err
	}
	ptr, err := c.M.Malloc(uint64(len(s)) + 1)
	if err != nil {
		return 0, nil
	}
	return ptr, c.M.WriteCString(ptr, s)
}

func formatMemop(dest, src, n uint64) string {
	return stubs.FormatPtrPair("dest", dest, "src", src) + " " + stubs.FormatPtr("n", n)
}
