package loader

import (
	"context"
	"syscall"

	"github.com/zboralski/rtld/internal/lderr"
	"github.com/zboralski/rtld/internal/linkmap"
	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/reloc"
	"go.uber.org/zap"
)

// dlopen mode bits.
const (
	RTLD_LAZY     = 0x00001
	RTLD_NOW      = 0x00002
	RTLD_NOLOAD   = 0x00004
	RTLD_DEEPBIND = 0x00008
	RTLD_GLOBAL   = 0x00100
	RTLD_LOCAL    = 0
	RTLD_NODELETE = 0x01000

	bindingMask = RTLD_LAZY | RTLD_NOW
)

// Namespace ids accepted by Dlmopen.
const (
	LM_ID_BASE  = 0
	LM_ID_NEWLM = -1
)

// Pseudo-handles accepted by Dlsym.
const (
	RTLD_DEFAULT uint64 = 0
	RTLD_NEXT    uint64 = ^uint64(0)
)

// Dlopen loads name into the caller's namespace, or the base namespace when
// ctx records no caller, and returns a handle for it. An empty name returns
// the main program.
func (c *Context) Dlopen(ctx context.Context, name string, mode int) (uint64, error) {
	ctx, unlock := c.lock(ctx)
	defer unlock()
	ns := LM_ID_BASE
	if m := c.caller(ctx); m != nil {
		ns = m.NS
	}
	h, err := c.open(ctx, ns, name, mode)
	return h, c.fail(ctx, err)
}

// Dlmopen loads name into namespace lmid. LM_ID_NEWLM creates a namespace.
func (c *Context) Dlmopen(ctx context.Context, lmid int, name string, mode int) (uint64, error) {
	ctx, unlock := c.lock(ctx)
	defer unlock()
	if lmid < LM_ID_NEWLM || (lmid > LM_ID_BASE && (!c.reg.ValidNamespace(lmid) || len(c.reg.Maps(lmid)) == 0)) {
		return 0, c.fail(ctx, &lderr.Error{
			Kind:   lderr.ErrInvalidNamespace,
			Detail: "invalid target namespace in dlmopen()",
			Errno:  syscall.EINVAL,
		})
	}
	if lmid != LM_ID_BASE && mode&RTLD_GLOBAL != 0 {
		return 0, c.fail(ctx, lderr.InvalidMode("invalid mode"))
	}
	h, err := c.open(ctx, lmid, name, mode)
	return h, c.fail(ctx, err)
}

// open runs one load operation. The caller holds the lock.
func (c *Context) open(ctx context.Context, ns int, name string, mode int) (uint64, error) {
	if b := mode & bindingMask; b == 0 || b == bindingMask {
		return 0, lderr.InvalidMode("invalid mode for dlopen()")
	}
	if c.torn {
		return 0, lderr.New(lderr.ErrInvalidHandle, name, "loader has been torn down")
	}
	if name == "" {
		if err := c.reg.IncRef(c.program); err != nil {
			return 0, lderr.New(lderr.ErrNotFound, "", "no main program")
		}
		return c.program.Token(), nil
	}
	if mode&RTLD_NOLOAD != 0 {
		if ns == LM_ID_NEWLM {
			return 0, nil
		}
		m := c.findLoaded(ns, name)
		if m == nil {
			return 0, nil
		}
		if err := c.reg.IncRef(m.Handle()); err != nil {
			return 0, err
		}
		c.promote(m, mode)
		return m.Handle().Token(), nil
	}

	fresh := false
	if ns == LM_ID_NEWLM {
		id, err := c.reg.NewNamespace()
		if err != nil {
			return 0, err
		}
		ns, fresh = id, true
		defer c.reg.Unreserve(id)
	}
	ctx, o := c.beginOp(ctx, ns, mode)

	c.step(o, phaseResolve, name)
	from := c.caller(ctx)
	if from != nil && from.NS != ns {
		from = nil
	}

	c.step(o, phaseCheck, name)
	m, created, err := c.load(ctx, o, name, from)
	if err != nil {
		c.rollback(ctx, o, err)
		return 0, err
	}
	if created && m.Dyn.NoOpen() {
		err := lderr.New(lderr.ErrInvalidMode, m.Path, "shared object cannot be dlopen()ed")
		c.rollback(ctx, o, err)
		return 0, err
	}

	c.step(o, phaseMap, m.Name())
	if err := c.mapDeps(ctx, o, 0); err != nil {
		c.rollback(ctx, o, err)
		return 0, err
	}
	if err := c.reg.IncRef(m.Handle()); err != nil {
		c.rollback(ctx, o, err)
		return 0, err
	}
	o.ref = m
	if fresh {
		// The first object of a namespace provides its global scope.
		c.makeGlobal(m)
	}
	if mode&RTLD_DEEPBIND != 0 {
		for _, x := range o.created {
			x.Flags |= linkmap.DeepBind
		}
	}
	c.promote(m, mode)

	c.step(o, phaseRelocate, m.Name())
	if err := c.relocateAll(ctx, o); err != nil {
		c.rollback(ctx, o, err)
		return 0, err
	}

	c.step(o, phaseNotify, m.Name())
	c.consistent(ctx, o)

	if o.deferInits() {
		c.handOff(o, m)
		c.endOp(o)
		return m.Handle().Token(), nil
	}
	c.step(o, phaseInit, m.Name())
	roots := append(o.inits, m)
	err = c.runInits(ctx, o, roots)
	c.endOp(o)
	if err != nil {
		if e := c.release(ctx, m); e != nil {
			c.log.Warn("unload after failed initialiser", glog.Obj(m.Name()), zap.Error(e))
		}
		return 0, err
	}
	c.log.Files("opened", m.Name())
	return m.Handle().Token(), nil
}

// promote applies the mode bits that also affect an already loaded object.
func (c *Context) promote(m *linkmap.Map, mode int) {
	if mode&RTLD_NODELETE != 0 {
		m.Flags |= linkmap.NoDelete
	}
	if mode&RTLD_GLOBAL != 0 {
		c.makeGlobal(m)
	}
}

// makeGlobal adds m and its dependencies to its namespace's global scope.
func (c *Context) makeGlobal(m *linkmap.Map) {
	list, err := c.reg.SearchList(m.Handle())
	if err != nil {
		return
	}
	for _, h := range list {
		if x := c.reg.Map(h); x != nil {
			x.Flags |= linkmap.Global
		}
	}
	c.reg.MarkStale(m.NS)
}

// relocateAll relocates o's maps, dependencies first.
func (c *Context) relocateAll(ctx context.Context, o *op) error {
	now := o.mode&RTLD_NOW != 0 || c.cfg.BindNow
	for i := len(o.created) - 1; i >= 0; i-- {
		m := o.created[i]
		if m.Has(linkmap.Relocated) {
			continue
		}
		if err := c.relocate(ctx, m, now || m.Has(linkmap.BindNow)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) relocate(ctx context.Context, m *linkmap.Map, now bool) error {
	own, err := c.reg.SearchList(m.Handle())
	if err != nil {
		return err
	}
	scope := [][]linkmap.Handle{c.globalScope(m.NS), own}
	if m.Has(linkmap.DeepBind) {
		scope[0], scope[1] = scope[1], scope[0]
	}
	m.SetScope(scope)
	if now {
		m.Flags |= linkmap.BindNow
	}
	st, err := c.proc.Relocate(ctx, m, reloc.Options{Lazy: !now})
	if err != nil {
		return err
	}
	m.Flags |= linkmap.Relocated
	c.log.Reloc(m.Name(), st.Applied, !now)
	return nil
}
