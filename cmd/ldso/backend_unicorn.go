//go:build unicorn

package main

import "github.com/zboralski/rtld/internal/machine"

// backend executes guest code with Unicorn Engine.
func backend() machine.Backend { return machine.NewUnicorn() }
