package loader

import (
	"context"
	"debug/elf"
	"fmt"

	"github.com/zboralski/rtld/internal/audit"
	"github.com/zboralski/rtld/internal/elfobj"
	"github.com/zboralski/rtld/internal/linkmap"
	"github.com/zboralski/rtld/internal/reloc"
	"github.com/zboralski/rtld/internal/symbol"
)

// binder resolves relocation symbols against the loader's scopes.
type binder struct{ c *Context }

var _ reloc.Env = binder{}

func (b binder) Call(ctx context.Context, addr uint64) (uint64, error) {
	return b.c.m.Call(ctx, addr)
}

func (b binder) Bind(ctx context.Context, obj symbol.Module, idx uint32, class reloc.LookupClass) (reloc.Binding, error) {
	c := b.c
	ctx, unlock := c.lock(ctx)
	defer unlock()

	ref, ok := obj.(*linkmap.Map)
	if !ok {
		return reloc.Binding{}, fmt.Errorf("bind: %s is not a loaded object", obj.Name())
	}
	if idx == 0 {
		return c.withTLS(reloc.Binding{Def: ref}, ref), nil
	}
	s, err := ref.Dyn.Symbol(idx)
	if err != nil {
		return reloc.Binding{}, err
	}
	if s.Bind() == elf.STB_LOCAL {
		return c.withTLS(reloc.Binding{Def: ref, Sym: s, Value: symValue(ref, s)}, ref), nil
	}

	req := symbol.Request{Name: s.Name, Referrer: ref}
	if raw, err := ref.Dyn.Versym(idx); err == nil && raw&0x7fff > elfobj.VER_NDX_GLOBAL {
		if v, ok := ref.Dyn.SymbolVersion(idx); ok {
			req.Version = &v
		}
	}
	if class == reloc.ClassCopy {
		req.Skip = ref
	}
	r, err := symbol.Lookup(req, c.scopeOf(ref))
	if err != nil {
		if s.Bind() == elf.STB_WEAK {
			return reloc.Binding{Sym: s}, nil
		}
		return reloc.Binding{}, err
	}
	def := r.Module.(*linkmap.Map)
	if def != ref && !def.Has(linkmap.Initial) {
		_ = c.reg.AddRelDep(ref.Handle(), def.Handle())
	}

	bd := c.withTLS(reloc.Binding{Def: def, Sym: r.Sym, Value: r.Value}, def)
	if r.Sym.Type() != elf.STT_TLS && c.audit.Len() > 0 {
		bd.Value = c.audit.SymBind(ctx, audit.Symbol{Name: s.Name, Index: r.Index, Value: bd.Value},
			ref.Handle().Token(), def.Handle().Token(), 0)
	}
	c.log.Bindings(ref.Name(), def.Name(), s.Name, bd.Value)
	return bd, nil
}

func symValue(m *linkmap.Map, s elfobj.Sym) uint64 {
	if s.Type() == elf.STT_TLS {
		return s.Value
	}
	return m.Addr + s.Value
}

// withTLS fills in the TLS module of def.
func (c *Context) withTLS(b reloc.Binding, def *linkmap.Map) reloc.Binding {
	if def.TLSModID == 0 {
		return b
	}
	b.ModID = def.TLSModID
	if mod := c.tls.Module(def.TLSModID); mod != nil && mod.Static {
		b.TPOffset, b.HasTP = mod.TPOffset, true
	}
	return b
}

// globalScope returns the current global scope of ns.
func (c *Context) globalScope(ns int) []linkmap.Handle {
	g, stale := c.reg.MainSearchList(ns)
	if stale {
		g = c.reg.Refresh(ns)
	}
	return g
}

// scopeOf returns the lookup scope of references made by m: the global scope
// followed by m's own search list, reversed for RTLD_DEEPBIND. DT_SYMBOLIC
// objects search themselves first.
func (c *Context) scopeOf(m *linkmap.Map) []symbol.Module {
	own, _ := c.reg.SearchList(m.Handle())
	lists := [][]linkmap.Handle{c.globalScope(m.NS), own}
	if m.Has(linkmap.DeepBind) {
		lists[0], lists[1] = lists[1], lists[0]
	}
	var out []symbol.Module
	seen := make(map[linkmap.Handle]bool)
	add := func(h linkmap.Handle) {
		if seen[h] {
			return
		}
		seen[h] = true
		if x := c.reg.Map(h); x != nil {
			out = append(out, x)
		}
	}
	if m.Dyn != nil && m.Dyn.Symbolic() {
		add(m.Handle())
	}
	for _, l := range lists {
		for _, h := range l {
			add(h)
		}
	}
	return out
}

// modules resolves hs, dropping stale handles.
func (c *Context) modules(hs []linkmap.Handle) []symbol.Module {
	out := make([]symbol.Module, 0, len(hs))
	for _, h := range hs {
		if m := c.reg.Map(h); m != nil {
			out = append(out, m)
		}
	}
	return out
}
