//go:build !unicorn

package main

import "github.com/zboralski/rtld/internal/machine"

// backend is nil without the unicorn tag: only bound Go functions run.
func backend() machine.Backend { return nil }
