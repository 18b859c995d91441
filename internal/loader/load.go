package loader

import (
	"context"
	"debug/elf"
	"errors"
	"path"

	"github.com/zboralski/rtld/internal/audit"
	"github.com/zboralski/rtld/internal/elfobj"
	"github.com/zboralski/rtld/internal/lderr"
	"github.com/zboralski/rtld/internal/linkmap"
	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/searchpath"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// findLoaded returns the map in ns already known by name, soname or path.
func (c *Context) findLoaded(ns int, name string) *linkmap.Map {
	for _, h := range c.reg.Maps(ns) {
		m := c.reg.Map(h)
		if m == nil {
			continue
		}
		if m.Name() == name || m.Path == name || (m.Soname != "" && m.Soname == name) {
			return m
		}
	}
	return nil
}

// requester describes m to the search-path code, with the chain of objects
// that loaded it.
func (c *Context) requester(m *linkmap.Map) *searchpath.Requester {
	if m == nil {
		return nil
	}
	r := &searchpath.Requester{Name: m.Path, Origin: path.Dir(m.Path)}
	if m.Dyn != nil {
		r.RPath, r.RunPath = m.Dyn.Rpath, m.Dyn.Runpath
	}
	if st := c.objs[m.Handle()]; st != nil && st.loader.Valid() && st.loader != m.Handle() {
		r.Loader = c.requester(c.reg.Map(st.loader))
	}
	return r
}

// load returns the map for name in o's namespace, mapping it when it is not
// loaded yet. The flag reports whether o mapped it.
func (c *Context) load(ctx context.Context, o *op, name string, from *linkmap.Map) (*linkmap.Map, bool, error) {
	if m := c.findLoaded(o.ns, name); m != nil {
		return m, false, nil
	}
	return c.mapNamed(ctx, o, name, from)
}

func (c *Context) mapNamed(ctx context.Context, o *op, name string, from *linkmap.Map) (*linkmap.Map, bool, error) {
	var fromTok uint64
	if from != nil {
		fromTok = from.Handle().Token()
	}
	orig := name
	if c.audit.Len() > 0 {
		n, ok := c.audit.ObjSearch(ctx, name, fromTok, audit.SerOrig)
		if !ok {
			return nil, false, lderr.NotFound(orig, nil)
		}
		name = n
	}

	var (
		found *linkmap.Map
		obj   *elfobj.Object
		file  string
	)
	_, err := c.paths.Find(name, c.requester(from), func(cand searchpath.Candidate) (bool, error) {
		p := cand.Path
		if cand.Source != searchpath.Orig && c.audit.Len() > 0 {
			n, ok := c.audit.ObjSearch(ctx, p, fromTok, uint32(cand.Source))
			if !ok {
				return false, nil
			}
			p = n
		}
		if m := c.findLoaded(o.ns, p); m != nil {
			found = m
			return true, nil
		}
		f, err := elfobj.Open(c.fs, p)
		if err != nil {
			return false, err
		}
		if f.Machine != c.m.Arch() {
			c.log.Files("wrong machine", p, zap.Stringer("machine", f.Machine))
			return false, nil
		}
		obj, file = f, p
		return true, nil
	})
	if err != nil {
		var le *lderr.Error
		if !errors.As(err, &le) {
			err = lderr.NotFound(orig, err)
		}
		return nil, false, err
	}
	if found != nil {
		return found, false, nil
	}
	m, err := c.mapFile(ctx, o, orig, file, obj, from)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// pieces returns the page ranges of obj's loads relative to MinVaddr,
// merging loads that share a page.
func pieces(obj *elfobj.Object, name string) []machine.Piece {
	var out []machine.Piece
	for _, p := range obj.Loads {
		if p.Memsz == 0 {
			continue
		}
		start := p.Vaddr &^ (machine.PageSize - 1)
		end := (p.Vaddr + p.Memsz + machine.PageSize - 1) &^ (machine.PageSize - 1)
		pc := machine.Piece{
			Off:  start - obj.MinVaddr,
			Size: end - start,
			Prot: machine.ProtFromFlags(p.Flags),
			Name: name,
		}
		if n := len(out); n > 0 && out[n-1].Off+out[n-1].Size >= pc.Off {
			last := &out[n-1]
			if e := pc.Off + pc.Size; e > last.Off+last.Size {
				last.Size = e - last.Off
			}
			last.Prot |= pc.Prot
			continue
		}
		out = append(out, pc)
	}
	return out
}

// phdr locates the program headers in memory.
func phdr(obj *elfobj.Object, bias uint64) uint64 {
	if p, ok := obj.Prog(elf.PT_PHDR); ok {
		return bias + p.Vaddr
	}
	for _, p := range obj.Loads {
		if obj.Phoff >= p.Off && obj.Phoff < p.Off+p.Filesz {
			return bias + p.Vaddr + (obj.Phoff - p.Off)
		}
	}
	return 0
}

// mapFile maps obj, registers it in o's namespace and announces it.
func (c *Context) mapFile(ctx context.Context, o *op, name, file string, obj *elfobj.Object, from *linkmap.Map) (*linkmap.Map, error) {
	if !o.startup && obj.Type == elf.ET_EXEC {
		return nil, lderr.New(lderr.ErrNotDynamic, file, "cannot dynamically load executable")
	}
	if !obj.IsDynamic() {
		return nil, lderr.New(lderr.ErrNotDynamic, file, "not a dynamic object")
	}
	if err := c.checkHardening(obj); err != nil {
		return nil, err
	}

	ps := pieces(obj, file)
	var fixed uint64
	if obj.Type == elf.ET_EXEC {
		fixed = obj.MinVaddr
	}
	start, err := c.m.MapGroup(fixed, obj.Span(), obj.MaxAlign, ps)
	if err != nil {
		return nil, lderr.Wrap(lderr.ErrNotFound, file, "failed to map segment from shared object", err)
	}
	regions := make([]uint64, len(ps))
	for i, p := range ps {
		regions[i] = start + p.Off
	}
	unmap := func() {
		for _, a := range regions {
			_ = c.m.Unmap(a)
		}
	}

	bias := start - obj.MinVaddr
	var segs []linkmap.Segment
	for _, p := range obj.Loads {
		if p.Filesz > 0 {
			if err := c.m.Write(bias+p.Vaddr, obj.SegmentData(p)); err != nil {
				unmap()
				return nil, lderr.Wrap(lderr.ErrNotFound, file, "failed to map segment from shared object", err)
			}
		}
		if p.Memsz > 0 {
			segs = append(segs, linkmap.Segment{Start: bias + p.Vaddr, End: bias + p.Vaddr + p.Memsz, Flags: p.Flags})
		}
	}
	d, err := elfobj.ParseDynamic(c.m, bias, *obj.Dyn, obj.MaxVaddr)
	if err != nil {
		unmap()
		return nil, lderr.Wrap(lderr.ErrBadELF, file, "cannot parse dynamic section", err)
	}

	m := linkmap.NewMap(name, file)
	m.Soname = d.Soname
	m.Addr = bias
	m.Start = start
	m.End = start + obj.Span()
	if obj.Entry != 0 {
		m.Entry = bias + obj.Entry
	}
	m.Phdr = phdr(obj, bias)
	m.Phnum = len(obj.Progs)
	m.Object = obj
	m.Dyn = d
	m.Segments = segs
	if len(ps) == 1 {
		m.Flags |= linkmap.Contiguous
	}
	if d.NoDelete() {
		m.Flags |= linkmap.NoDelete
	}
	if d.BindNow() {
		m.Flags |= linkmap.BindNow
	}

	h := c.reg.Register(o.ns, m)
	if !h.Valid() {
		unmap()
		return nil, lderr.New(lderr.ErrInvalidNamespace, file, "cannot register object")
	}
	st := c.state(h)
	st.regions = regions
	switch {
	case from != nil:
		st.loader = from.Handle()
	case c.program.Valid() && o.ns == 0:
		st.loader = c.program
	}
	c.adopt(ctx, o, m)

	if n := c.stubs.Install(c.m, m); n > 0 {
		c.log.Files("stubs", m.Name(), zap.Int("count", n))
	}

	if p := obj.TLS; p != nil && p.Memsz > 0 {
		mod := c.tls.Register(file, p.Align, p.Memsz, obj.SegmentData(*p))
		m.TLSModID = mod.ID
		if o.startup || d.StaticTLS() {
			if err := c.tls.AllocateStatic(mod); err != nil {
				return m, err
			}
			m.TLSOffset = mod.TPOffset
		}
	}

	c.log.Files("mapped", m.Name(), glog.Addr(m.Addr), glog.Size(obj.Span()), glog.NS(o.ns))
	if c.audit.Len() > 0 {
		c.audit.ObjOpen(ctx, audit.Object{
			Token:  h.Token(),
			Name:   m.Name(),
			Path:   m.Path,
			Base:   m.Addr,
			NS:     m.NS,
			Dlopen: !o.startup,
		})
	}
	return m, nil
}

// mapDeps maps the DT_NEEDED closure of every map o created from index i on.
// Maps created along the way are appended to o.created and processed too.
func (c *Context) mapDeps(ctx context.Context, o *op, i int) error {
	for ; i < len(o.created); i++ {
		m := o.created[i]
		st := c.state(m.Handle())
		if st.depsDone {
			continue
		}
		st.depsDone = true
		if m.Dyn == nil {
			continue
		}
		deps := make([]linkmap.Handle, 0, len(m.Dyn.Needed))
		for _, n := range m.Dyn.Needed {
			dep, _, err := c.load(ctx, o, n, m)
			if err != nil {
				if o.tolerant && errors.Is(err, lderr.ErrNotFound) {
					o.missing = append(o.missing, n)
					continue
				}
				return err
			}
			deps = append(deps, dep.Handle())
		}
		if err := c.reg.SetDeps(m.Handle(), deps); err != nil {
			return err
		}
	}
	return nil
}

// discard unloads m without running its finalisers.
func (c *Context) discard(ctx context.Context, m *linkmap.Map) error {
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

	var err error
	if st := c.objs[h]; st != nil {
		for _, a := range st.regions {
			err = multierr.Append(err, c.m.Unmap(a))
		}
	}
	delete(c.objs, h)
	c.forgetInit(h)
	for m.Opens > 0 {
		if _, e := c.reg.DecRef(h); e != nil {
			err = multierr.Append(err, e)
			break
		}
	}
	err = multierr.Append(err, c.reg.Unregister(h))
	c.paths.Forget(m.Path)
	c.log.Files("unloaded", m.Name(), glog.NS(m.NS))
	return err
}

// rollback unwinds o after a failure before any initialiser ran.
func (c *Context) rollback(ctx context.Context, o *op, cause error) {
	if o.ref != nil {
		if _, err := c.reg.DecRef(o.ref.Handle()); err != nil {
			c.log.Warn("rollback", zap.Error(err))
		}
		o.ref = nil
	}
	for i := len(o.created) - 1; i >= 0; i-- {
		if err := c.discard(ctx, o.created[i]); err != nil {
			c.log.Warn("rollback", glog.Obj(o.created[i].Name()), zap.Error(err))
		}
	}
	o.created = nil
	c.consistent(ctx, o)
	c.log.Debug("load failed", zap.Stringer("phase", o.phase), zap.Int("ns", o.ns), zap.Error(cause))
	c.endOp(o)
}
