package loader

import (
	"context"
	"errors"

	"github.com/zboralski/rtld/internal/elfobj"
	"github.com/zboralski/rtld/internal/lderr"
	"github.com/zboralski/rtld/internal/linkmap"
	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/stubs"
	"go.uber.org/zap"
)

// Start loads the program in file, its preloads and dependencies, relocates
// them, completes TLS setup and runs the initialisers, main program last.
// argv0 names the program in diagnostics; "" uses file.
//
// A load failure is fatal: it is reported through lderr.Fatal before being
// returned. Calling Start on a context that already has a program is an
// ordinary error.
func (c *Context) Start(ctx context.Context, file, argv0 string) (*linkmap.Map, error) {
	ctx, unlock := c.lock(ctx)
	defer unlock()
	if err := c.startable(file); err != nil {
		return nil, err
	}
	m, _, err := c.start(ctx, file, argv0, false)
	if err != nil {
		lderr.Fatal(err)
		return nil, err
	}
	return m, nil
}

// List maps the program and its dependencies like Start but neither
// relocates them nor runs initialisers, and reports dependencies that cannot
// be found instead of failing on them.
func (c *Context) List(ctx context.Context, file string) ([]*linkmap.Map, []string, error) {
	ctx, unlock := c.lock(ctx)
	defer unlock()
	if err := c.startable(file); err != nil {
		return nil, nil, err
	}
	_, o, err := c.start(ctx, file, "", true)
	if err != nil {
		return nil, nil, err
	}
	return c.Maps(LM_ID_BASE), o.missing, nil
}

func (c *Context) startable(file string) error {
	switch {
	case c.torn:
		return lderr.New(lderr.ErrInvalidHandle, file, "loader has been torn down")
	case c.started:
		return lderr.New(lderr.ErrInvalidHandle, file, "program already started")
	}
	return nil
}

func (c *Context) start(ctx context.Context, file, argv0 string, tolerant bool) (*linkmap.Map, *op, error) {
	c.started = true
	if argv0 == "" {
		argv0 = file
	}

	ctx, o := c.beginOp(ctx, LM_ID_BASE, RTLD_LAZY)
	o.startup, o.tolerant = true, tolerant
	fail := func(err error) (*linkmap.Map, *op, error) {
		c.rollback(ctx, o, err)
		c.program = linkmap.Handle{}
		return nil, nil, err
	}

	c.step(o, phaseResolve, file)
	obj, err := elfobj.Open(c.fs, file)
	if err != nil {
		var le *lderr.Error
		if !errors.As(err, &le) {
			err = lderr.NotFound(file, err)
		}
		return fail(err)
	}
	if obj.Machine != c.m.Arch() {
		return fail(lderr.New(lderr.ErrBadELF, file, "wrong machine "+obj.Machine.String()))
	}

	c.step(o, phaseMap, file)
	main, err := c.mapFile(ctx, o, argv0, file, obj, nil)
	if err != nil {
		return fail(err)
	}
	main.Flags |= linkmap.Main
	c.program = main.Handle()

	roots := make([]*linkmap.Map, 0, len(c.cfg.Preload)+1)
	for _, p := range c.cfg.Preload {
		pm, created, err := c.load(ctx, o, p, main)
		if err != nil {
			c.log.Warn("object cannot be preloaded; ignored", zap.String("object", p), zap.Error(err))
			continue
		}
		if created {
			pm.Flags |= linkmap.Preloaded
		}
		roots = append(roots, pm)
	}
	roots = append(roots, main)

	if err := c.mapDeps(ctx, o, 0); err != nil {
		return fail(err)
	}
	c.markInitial(roots)
	c.reg.Refresh(LM_ID_BASE)
	if tolerant {
		c.consistent(ctx, o)
		c.endOp(o)
		return main, o, nil
	}

	c.step(o, phaseRelocate, file)
	if err := c.relocateAll(ctx, o); err != nil {
		return fail(err)
	}
	c.tls.EndStartup()
	if err := c.tls.InitMain(c.main); err != nil {
		return fail(err)
	}

	c.step(o, phaseNotify, file)
	c.consistent(ctx, o)
	if c.audit.Len() > 0 {
		c.audit.PreInit(ctx, main.Handle().Token())
	}
	c.paths.MarkInitial()
	c.arena.Seal()

	c.step(o, phaseInit, file)
	pre, err := main.Dyn.PreinitArray()
	if err == nil {
		err = c.callArray(ctx, main, "DT_PREINIT_ARRAY", pre)
	}
	if err == nil {
		err = c.runInits(ctx, o, append(o.inits, roots...))
	}
	c.endOp(o)
	if err != nil {
		return nil, nil, err
	}
	c.log.Files("started", main.Name(), glog.Addr(main.Entry), zap.Int("objects", len(o.created)))
	return main, o, nil
}

// markInitial flags the startup set: roots and everything they need. Maps an
// auditor opened during startup keep the scope their own mode gave them.
func (c *Context) markInitial(roots []*linkmap.Map) {
	for _, r := range roots {
		list, err := c.reg.SearchList(r.Handle())
		if err != nil {
			continue
		}
		for _, h := range list {
			if m := c.reg.Map(h); m != nil {
				m.Flags |= linkmap.Global | linkmap.Initial
			}
		}
	}
}

// Run calls the program's entry point with args and returns its exit
// status. A stub that exits the program ends the call with its code.
func (c *Context) Run(ctx context.Context, args ...uint64) (int, error) {
	m := c.Program()
	if m == nil || m.Entry == 0 {
		return 0, lderr.New(lderr.ErrNotFound, "", "no program entry point")
	}
	rc, err := c.m.Call(ctx, m.Entry, args...)
	var exit *stubs.ExitError
	if errors.As(err, &exit) {
		return exit.Code, nil
	}
	if err != nil {
		return 0, err
	}
	return int(int32(rc)), nil
}

// Verify checks that file is a dynamic object of a supported machine that
// satisfies the configured hardening.
func (c *Context) Verify(file string) error {
	obj, err := elfobj.Open(c.fs, file)
	if err != nil {
		return err
	}
	if !elfobj.Supported(obj.Machine) {
		return lderr.New(lderr.ErrBadELF, file, "unsupported machine "+obj.Machine.String())
	}
	if !obj.IsDynamic() {
		return lderr.New(lderr.ErrNotDynamic, file, "not a dynamic executable")
	}
	return c.checkHardening(obj)
}
