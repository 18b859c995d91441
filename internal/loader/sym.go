package loader

import (
	"context"
	"debug/elf"
	"errors"

	"github.com/zboralski/rtld/internal/audit"
	"github.com/zboralski/rtld/internal/elfobj"
	"github.com/zboralski/rtld/internal/lderr"
	"github.com/zboralski/rtld/internal/linkmap"
	"github.com/zboralski/rtld/internal/stubs/dl"
	"github.com/zboralski/rtld/internal/symbol"
)

// Dlsym returns the address of name as seen from handle. RTLD_DEFAULT
// searches the caller's scope and RTLD_NEXT the objects after the caller in
// it; both need WithCaller for anything but the base namespace.
func (c *Context) Dlsym(ctx context.Context, handle uint64, name string) (uint64, error) {
	ctx, unlock := c.lock(ctx)
	defer unlock()
	v, err := c.lookup(ctx, handle, name, nil)
	return v, c.fail(ctx, err)
}

// Dlvsym is Dlsym restricted to one symbol version.
func (c *Context) Dlvsym(ctx context.Context, handle uint64, name, version string) (uint64, error) {
	ctx, unlock := c.lock(ctx)
	defer unlock()
	v, err := c.lookup(ctx, handle, name, &elfobj.Version{Name: version})
	return v, c.fail(ctx, err)
}

func (c *Context) lookup(ctx context.Context, handle uint64, name string, ver *elfobj.Version) (uint64, error) {
	req := symbol.Request{Name: name, Version: ver, Newest: true}
	caller := c.caller(ctx)
	var (
		scope []symbol.Module
		owner *linkmap.Map
	)
	switch handle {
	case RTLD_DEFAULT:
		if caller != nil {
			req.Referrer = caller
			scope = c.scopeOf(caller)
		} else {
			scope = c.modules(c.globalScope(LM_ID_BASE))
		}
	case RTLD_NEXT:
		if caller == nil {
			return 0, lderr.New(lderr.ErrInvalidHandle, "", "RTLD_NEXT used in code not dynamically loaded")
		}
		req.Referrer, req.Skip = caller, caller
		scope = c.scopeOf(caller)
	default:
		owner = c.reg.Map(linkmap.FromToken(handle))
		if owner == nil {
			return 0, lderr.New(lderr.ErrInvalidHandle, "", "invalid handle")
		}
		hs, err := c.reg.SearchList(owner.Handle())
		if err != nil {
			return 0, err
		}
		if owner.Has(linkmap.Main) {
			// The program's handle searches the main search list, which
			// also holds preloads and RTLD_GLOBAL objects.
			hs = union(c.globalScope(owner.NS), hs)
		}
		req.Referrer = caller
		scope = c.modules(hs)
	}

	r, err := symbol.Lookup(req, scope)
	if err != nil {
		if owner != nil && errors.Is(err, lderr.ErrUndefinedSymbol) {
			if ver != nil {
				return 0, lderr.UndefinedVersion(owner.Name(), name, ver.Name)
			}
			return 0, lderr.Undefined(owner.Name(), name)
		}
		return 0, err
	}
	def := r.Module.(*linkmap.Map)

	v := r.Value
	switch r.Sym.Type() {
	case elf.STT_TLS:
		return c.tls.GetAddr(c.thread(ctx), def.TLSModID, r.Value)
	case elf.STT_GNU_IFUNC:
		if v, err = c.m.Call(ctx, r.Value); err != nil {
			return 0, err
		}
	}
	if c.audit.Len() > 0 {
		var ref uint64
		if caller != nil {
			ref = caller.Handle().Token()
		}
		v = c.audit.SymBind(ctx, audit.Symbol{Name: name, Index: r.Index, Value: v}, ref, def.Handle().Token(), audit.SymbDLSym)
	}
	return v, nil
}

// union returns a followed by the handles of b not in a.
func union(a, b []linkmap.Handle) []linkmap.Handle {
	out := make([]linkmap.Handle, 0, len(a)+len(b))
	seen := make(map[linkmap.Handle]bool, len(a)+len(b))
	for _, l := range [][]linkmap.Handle{a, b} {
		for _, h := range l {
			if !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
		}
	}
	return out
}

// Dladdr describes the object containing addr and the nearest symbol at or
// before it.
func (c *Context) Dladdr(ctx context.Context, addr uint64) (dl.AddrInfo, bool) {
	_, unlock := c.lock(ctx)
	defer unlock()
	h, err := c.reg.FindByAddress(addr)
	if err != nil {
		return dl.AddrInfo{}, false
	}
	m := c.reg.Map(h)
	if m == nil {
		return dl.AddrInfo{}, false
	}
	info := dl.AddrInfo{File: m.Path, Base: m.Start}
	if s, ok := nearest(m, addr); ok {
		info.Symbol = s.Name
		info.SymAddr = m.Addr + s.Value
	}
	return info, true
}

// nearest returns the defined symbol of m containing addr, or starting
// exactly at it for zero-sized symbols, preferring the highest start.
func nearest(m *linkmap.Map, addr uint64) (elfobj.Sym, bool) {
	var best elfobj.Sym
	found := false
	d := m.Dyn
	if d == nil || addr < m.Addr {
		return best, false
	}
	off := addr - m.Addr
	for i := uint32(1); i < d.SymbolCount(); i++ {
		s, err := d.Symbol(i)
		if err != nil || !s.Defined() || s.Type() == elf.STT_TLS || s.Value == 0 {
			continue
		}
		if !s.Contains(off) && !(s.Size == 0 && s.Value == off) {
			continue
		}
		if !found || s.Value > best.Value {
			best, found = s, true
		}
	}
	return best, found
}
