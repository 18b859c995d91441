package loader

import (
	"context"
	"fmt"

	"github.com/zboralski/rtld/internal/linkmap"
	glog "github.com/zboralski/rtld/internal/log"
	"go.uber.org/multierr"
)

// runInits runs the initialisers of roots and everything they depend on,
// dependencies first. Maps whose initialisers started already, and maps
// another operation is still loading, are skipped.
func (c *Context) runInits(ctx context.Context, o *op, roots []*linkmap.Map) error {
	var order []*linkmap.Map
	seen := make(map[linkmap.Handle]bool)
	var visit func(m *linkmap.Map)
	visit = func(m *linkmap.Map) {
		if seen[m.Handle()] {
			return
		}
		seen[m.Handle()] = true
		for _, h := range m.Deps {
			if d := c.reg.Map(h); d != nil {
				visit(d)
			}
		}
		order = append(order, m)
	}
	for _, r := range roots {
		visit(r)
	}
	for _, m := range order {
		if m.Has(linkmap.InitCalled) || c.loadingElsewhere(o, m) {
			continue
		}
		if err := c.callInit(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) callInit(ctx context.Context, m *linkmap.Map) error {
	m.Flags |= linkmap.InitCalled
	m.Flags &^= linkmap.InitPending
	c.initOrder = append(c.initOrder, m.Handle())
	d := m.Dyn
	if d == nil {
		return nil
	}
	c.log.Files("init", m.Name())
	if d.Init != 0 {
		if _, err := c.m.Call(ctx, m.Addr+d.Init); err != nil {
			return fmt.Errorf("%s: DT_INIT: %w", m.Name(), err)
		}
	}
	arr, err := d.InitArray()
	if err != nil {
		return fmt.Errorf("%s: %w", m.Name(), err)
	}
	return c.callArray(ctx, m, "DT_INIT_ARRAY", arr)
}

func (c *Context) callArray(ctx context.Context, m *linkmap.Map, what string, arr []uint64) error {
	for i, fn := range arr {
		if fn == 0 || fn == ^uint64(0) {
			continue
		}
		if _, err := c.m.Call(ctx, fn); err != nil {
			return fmt.Errorf("%s: %s[%d] at %s: %w", m.Name(), what, i, glog.Hex(fn), err)
		}
	}
	return nil
}

// runFinis runs the finalisers of maps in reverse initialisation order.
// Every finaliser runs even when an earlier one fails.
func (c *Context) runFinis(ctx context.Context, maps []*linkmap.Map) error {
	set := make(map[linkmap.Handle]*linkmap.Map, len(maps))
	for _, m := range maps {
		set[m.Handle()] = m
	}
	var err error
	for i := len(c.initOrder) - 1; i >= 0; i-- {
		m := set[c.initOrder[i]]
		if m == nil || m.Has(linkmap.FiniCalled) {
			continue
		}
		err = multierr.Append(err, c.callFini(ctx, m))
	}
	return err
}

func (c *Context) callFini(ctx context.Context, m *linkmap.Map) error {
	m.Flags |= linkmap.FiniCalled
	d := m.Dyn
	if d == nil {
		return nil
	}
	c.log.Files("fini", m.Name())
	arr, err := d.FiniArray()
	if err != nil {
		return fmt.Errorf("%s: %w", m.Name(), err)
	}
	rev := make([]uint64, len(arr))
	for i, fn := range arr {
		rev[len(arr)-1-i] = fn
	}
	err = c.callArray(ctx, m, "DT_FINI_ARRAY", rev)
	if d.Fini != 0 {
		if _, e := c.m.Call(ctx, m.Addr+d.Fini); e != nil {
			err = multierr.Append(err, fmt.Errorf("%s: DT_FINI: %w", m.Name(), e))
		}
	}
	return err
}

// forgetInit drops h from the initialisation order.
func (c *Context) forgetInit(h linkmap.Handle) {
	for i, x := range c.initOrder {
		if x == h {
			c.initOrder = append(c.initOrder[:i], c.initOrder[i+1:]...)
			return
		}
	}
}
