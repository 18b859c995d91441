//go:build !unix

package config

// SetID reports whether the process runs with differing real and effective ids.
func SetID() bool { return false }
