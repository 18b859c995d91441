// Package libc provides Go implementations of libc memory, string and
// process functions, backed by the machine heap.
package libc

import (
	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/stubs"
)

func init() {
	stubs.Register(stubs.Def{Name: "malloc", Fn: stubMalloc, Category: "libc"})
	stubs.Register(stubs.Def{Name: "calloc", Fn: stubCalloc, Category: "libc"})
	stubs.Register(stubs.Def{Name: "realloc", Fn: stubRealloc, Category: "libc"})
	stubs.Register(stubs.Def{Name: "free", Fn: stubFree, Category: "libc"})
	stubs.Register(stubs.Def{Name: "getpagesize", Fn: stubGetPageSize, Category: "libc"})

	// C++ operator new/delete
	stubs.Register(stubs.Def{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t"},
		Fn:       stubMalloc,
		Category: "libc",
	})
	stubs.Register(stubs.Def{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Fn:       stubFree,
		Category: "libc",
	})
}

func stubMalloc(c *machine.Call) (uint64, error) {
	size := c.Arg(0)
	ptr, err := c.M.Malloc(size)
	if err != nil {
		// malloc reports failure as NULL.
		stubs.Default.Log("libc", "malloc", FormatFail(size, err))
		return 0, nil
	}
	stubs.Default.Log("libc", "malloc", stubs.FormatPtrPair("size", size, "->", ptr))
	return ptr, nil
}

func stubCalloc(c *machine.Call) (uint64, error) {
	ptr, err := c.M.Calloc(c.Arg(0), c.Arg(1))
	if err != nil {
		stubs.Default.Log("libc", "calloc", FormatFail(c.Arg(0)*c.Arg(1), err))
		return 0, nil
	}
	stubs.Default.Log("libc", "calloc", stubs.FormatPtrPair("total", c.Arg(0)*c.Arg(1), "->", ptr))
	return ptr, nil
}

func stubRealloc(c *machine.Call) (uint64, error) {
	old, size := c.Arg(0), c.Arg(1)
	if old == 0 {
		return stubMalloc(&machine.Call{Ctx: c.Ctx, M: c.M, PC: c.PC, Args: []uint64{size}})
	}
	if size == 0 {
		return 0, c.M.Free(old)
	}
	have, ok := c.M.BlockSize(old)
	if !ok {
		return 0, c.M.Free(old)
	}
	if size <= have {
		return old, nil
	}
	ptr, err := c.M.Malloc(size)
	if err != nil {
		return 0, nil
	}
	if err := c.M.Copy(ptr, old, int(have)); err != nil {
		return 0, err
	}
	if err := c.M.Free(old); err != nil {
		return 0, err
	}
	stubs.Default.Log("libc", "realloc", stubs.FormatPtrPair("size", size, "->", ptr))
	return ptr, nil
}

func stubFree(c *machine.Call) (uint64, error) {
	stubs.Default.Log("libc", "free", stubs.FormatHex(c.Arg(0)))
	return 0, c.M.Free(c.Arg(0))
}

func stubGetPageSize(*machine.Call) (uint64, error) {
	return machine.PageSize, nil
}

// FormatFail formats an allocation failure.
func FormatFail(size uint64, err error) string {
	return stubs.FormatPtr("size", size) + " failed: " + err.Error()
}
