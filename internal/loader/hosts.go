package loader

import (
	"context"

	"github.com/zboralski/rtld/internal/atfork"
	"github.com/zboralski/rtld/internal/audit"
	"github.com/zboralski/rtld/internal/stubs/dl"
	"github.com/zboralski/rtld/internal/stubs/pthread"
)

var (
	_ audit.Host   = (*Context)(nil)
	_ dl.Host      = (*Context)(nil)
	_ pthread.Host = (*Context)(nil)
)

// Atfork returns the fork handler registry.
func (c *Context) Atfork() *atfork.Registry { return c.fork }

// Owner returns the handle token of the object containing addr, or 0.
func (c *Context) Owner(addr uint64) uint64 {
	h, err := c.reg.FindByAddress(addr)
	if err != nil {
		return 0
	}
	return h.Token()
}

// TLSGetAddr implements __tls_get_addr for the calling thread.
func (c *Context) TLSGetAddr(ctx context.Context, mod, off uint64) (uint64, error) {
	return c.tls.GetAddr(c.thread(ctx), mod, off)
}

// Self returns the calling thread's thread pointer.
func (c *Context) Self(ctx context.Context) uint64 { return c.thread(ctx).TP }

// Read64 reads a word of loaded memory for auditors.
func (c *Context) Read64(addr uint64) (uint64, error) { return c.m.ReadU64(addr) }
