package loader

import (
	"context"

	"github.com/zboralski/rtld/internal/linkmap"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Teardown finalises and unloads every object in every namespace and frees
// the loader's own structures. The context is unusable afterwards; the
// machine stays open for the caller to close.
func (c *Context) Teardown(ctx context.Context) (linkmap.Reclaim, error) {
	ctx, unlock := c.lock(ctx)
	defer unlock()
	if c.torn {
		return linkmap.Reclaim{}, nil
	}
	c.torn = true

	maps := c.reg.All()
	err := c.runFinis(ctx, maps)
	for i := len(maps) - 1; i >= 0; i-- {
		m := maps[i]
		h := m.Handle()
		if c.audit.Len() > 0 {
			c.audit.ObjClose(ctx, h.Token())
		}
		if m.TLSModID != 0 {
			if mod := c.tls.Module(m.TLSModID); mod != nil {
				c.tls.Release(mod)
			}
		}
		c.lazy.Release(m)
		c.fork.UnregisterOwner(h.Token())
		if st := c.objs[h]; st != nil {
			for _, a := range st.regions {
				err = multierr.Append(err, c.m.Unmap(a))
			}
		}
		c.paths.Forget(m.Path)
	}
	c.objs = make(map[linkmap.Handle]*objState)
	c.initOrder = nil
	c.program = linkmap.Handle{}

	rc := c.reg.Teardown()
	if e := c.tls.Exit(c.main); e != nil {
		err = multierr.Append(err, e)
	}
	rc.Slotinfo, _ = c.tls.FreeSlotinfo()
	rc.SearchPaths = c.paths.Release()
	rc.Heap = c.m.FreeAll()

	c.log.Info("teardown",
		zap.Int("maps", rc.Maps),
		zap.Int("scopes", rc.ScopeSnapshots+rc.ScopeArrays),
		zap.Int("slotinfo", rc.Slotinfo),
		zap.Int("paths", rc.SearchPaths),
		zap.Int("heap", rc.Heap),
	)
	return rc, err
}
