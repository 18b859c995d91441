package loader

import (
	"context"

	"github.com/zboralski/rtld/internal/audit"
	"github.com/zboralski/rtld/internal/lderr"
	"github.com/zboralski/rtld/internal/linkmap"
	glog "github.com/zboralski/rtld/internal/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Dlclose drops one reference taken by Dlopen. Objects that are no longer
// reachable from a referenced object are finalised and unloaded.
func (c *Context) Dlclose(ctx context.Context, handle uint64) error {
	ctx, unlock := c.lock(ctx)
	defer unlock()
	m := c.reg.Map(linkmap.FromToken(handle))
	if m == nil || m.Opens == 0 {
		return c.fail(ctx, lderr.New(lderr.ErrInvalidHandle, "", "shared object not open"))
	}
	return c.fail(ctx, c.release(ctx, m))
}

// release drops one reference to m and sweeps its namespace when it was the
// last.
func (c *Context) release(ctx context.Context, m *linkmap.Map) error {
	n, err := c.reg.DecRef(m.Handle())
	if err != nil {
		return lderr.Wrap(lderr.ErrInvalidHandle, "", "shared object not open", err)
	}
	c.log.Files("close", m.Name(), zap.Int("opens", n))
	if n > 0 {
		return nil
	}
	return c.sweep(ctx, m.NS)
}

// sweep unloads every map of ns not reachable from a root: a map with open
// references, a NODELETE or startup map, or one still being loaded.
func (c *Context) sweep(ctx context.Context, ns int) error {
	hs := c.reg.Maps(ns)
	live := make(map[linkmap.Handle]bool, len(hs))
	var stack []linkmap.Handle
	for _, h := range hs {
		m := c.reg.Map(h)
		if m == nil {
			continue
		}
		if m.Opens > 0 || m.Flags&(linkmap.NoDelete|linkmap.Initial) != 0 ||
			!m.Has(linkmap.Relocated) || c.inflight[flightKey{m.NS, m.Path}] != nil {
			live[h] = true
			stack = append(stack, h)
		}
	}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		m := c.reg.Map(h)
		if m == nil {
			continue
		}
		for _, edges := range [][]linkmap.Handle{m.Deps, m.RelDeps} {
			for _, d := range edges {
				if !live[d] {
					live[d] = true
					stack = append(stack, d)
				}
			}
		}
	}

	var dead []*linkmap.Map
	for _, h := range hs {
		if live[h] {
			continue
		}
		if m := c.reg.Map(h); m != nil {
			dead = append(dead, m)
		}
	}
	if len(dead) == 0 {
		return nil
	}

	if c.audit.Len() > 0 {
		c.audit.Activity(ctx, hs[0].Token(), audit.Delete)
	}
	err := c.runFinis(ctx, dead)
	for i := len(dead) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.discard(ctx, dead[i]))
	}
	if c.audit.Len() > 0 {
		if rest := c.reg.Maps(ns); len(rest) > 0 {
			c.audit.Activity(ctx, rest[0].Token(), audit.Consistent)
		}
	}
	c.log.Debug("sweep", glog.NS(ns), zap.Int("unloaded", len(dead)), zap.Int("kept", len(hs)-len(dead)))
	return err
}
