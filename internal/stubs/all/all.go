// Package all imports the stub packages that register from init().
//
//	import _ "github.com/zboralski/rtld/internal/stubs/all"
//
// The dl and pthread stubs need a loader and are registered by it.
package all

import (
	_ "github.com/zboralski/rtld/internal/stubs/libc"
	_ "github.com/zboralski/rtld/internal/stubs/pthread"
)
