//go:build unix

package config

import "golang.org/x/sys/unix"

// SetID reports whether the process runs with differing real and effective ids.
func SetID() bool {
	return unix.Getuid() != unix.Geteuid() || unix.Getgid() != unix.Getegid()
}
