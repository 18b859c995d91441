package libc

import (
	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "abort", stubAbort)
	stubs.RegisterFunc("libc", "exit", stubExit, "_exit", "_Exit")
}

func stubAbort(*machine.Call) (uint64, error) {
	stubs.Default.Log("libc", "abort", "program aborted")
	return 0, &stubs.ExitError{Code: 134}
}

func stubExit(c *machine.Call) (uint64, error) {
	code := int(int32(c.Arg(0)))
	stubs.Default.Log("libc", "exit", stubs.FormatHex(uint64(code)))
	return 0, &stubs.ExitError{Code: code}
}
