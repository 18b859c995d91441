package reloc

import (
	"context"
	"debug/elf"
	"fmt"
	"sync"

	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/symbol"
)

const (
	trampSize  = 16
	trampChunk = machine.PageSize
)

type lazySlot struct {
	mu    sync.Mutex
	obj   symbol.Module
	act   Action
	tramp uint64
	fixes int
}

// Lazy owns the trampolines lazy PLT slots point at before their first call.
// Each trampoline is a bound function that runs Fixup and tail-calls the
// target.
type Lazy struct {
	m   *machine.Machine
	env Env
	log *glog.Logger

	mu    sync.Mutex
	next  uint64
	end   uint64
	free  []uint64
	slots map[uint64]*lazySlot
	byObj map[symbol.Module][]uint64
}

// NewLazy returns a trampoline pool in m.
func NewLazy(m *machine.Machine, env Env, log *glog.Logger) *Lazy {
	if log == nil {
		log = glog.Default()
	}
	return &Lazy{
		m:     m,
		env:   env,
		log:   log,
		slots: make(map[uint64]*lazySlot),
		byObj: make(map[symbol.Module][]uint64),
	}
}

// Install allocates a trampoline for a PLT slot and returns its address.
func (l *Lazy) Install(obj symbol.Module, a Action) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var addr uint64
	if n := len(l.free); n > 0 {
		addr = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		if l.next == l.end {
			base, err := l.m.Map(trampChunk, machine.ProtRX, "[plt-trampolines]")
			if err != nil {
				return 0, fmt.Errorf("map PLT trampolines: %w", err)
			}
			l.next, l.end = base, base+trampChunk
		}
		addr = l.next
		l.next += trampSize
	}
	s := &lazySlot{obj: obj, act: a, tramp: addr}
	l.slots[addr] = s
	l.byObj[obj] = append(l.byObj[obj], addr)
	l.m.Bind(addr, obj.Name()+"@plt", func(c *machine.Call) (uint64, error) {
		target, err := l.Fixup(c.Ctx, c.PC)
		if err != nil {
			return 0, err
		}
		return c.M.Call(c.Ctx, target, c.Args...)
	})
	return addr, nil
}

// Fixup binds the slot behind trampoline tramp and patches it. A slot that
// was already patched is left alone and its current target returned.
func (l *Lazy) Fixup(ctx context.Context, tramp uint64) (uint64, error) {
	l.mu.Lock()
	s := l.slots[tramp]
	l.mu.Unlock()
	if s == nil {
		return 0, fmt.Errorf("lazy fixup at 0x%x: %w", tramp, machine.ErrNoCode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := l.m.ReadU64(s.act.Place)
	if err != nil {
		return 0, err
	}
	if cur != s.tramp {
		return cur, nil
	}

	b, err := l.env.Bind(ctx, s.obj, s.act.Sym, ClassPLT)
	if err != nil {
		return 0, err
	}
	v := b.Value + uint64(s.act.Addend)
	if b.Def != nil && b.Sym.Type() == elf.STT_GNU_IFUNC {
		if v, err = l.env.Call(ctx, b.Value); err != nil {
			return 0, fmt.Errorf("%s: IFUNC resolver for %s: %w", s.obj.Name(), b.Sym.Name, err)
		}
		v += uint64(s.act.Addend)
	}
	if err := l.m.WriteU64(s.act.Place, v); err != nil {
		return 0, err
	}
	s.fixes++
	def := ""
	if b.Def != nil {
		def = b.Def.Name()
	}
	l.log.Bindings(s.obj.Name(), def, b.Sym.Name, v)
	return v, nil
}

// Fixes reports how many times the slot behind tramp was bound.
func (l *Lazy) Fixes(tramp uint64) int {
	l.mu.Lock()
	s := l.slots[tramp]
	l.mu.Unlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fixes
}

// Pending returns the trampolines of obj whose slot still points at them.
func (l *Lazy) Pending(obj symbol.Module) []uint64 {
	type site struct{ tramp, place uint64 }
	l.mu.Lock()
	sites := make([]site, 0, len(l.byObj[obj]))
	for _, a := range l.byObj[obj] {
		if s := l.slots[a]; s != nil {
			sites = append(sites, site{a, s.act.Place})
		}
	}
	l.mu.Unlock()
	var out []uint64
	for _, s := range sites {
		if cur, err := l.m.ReadU64(s.place); err == nil && cur == s.tramp {
			out = append(out, s.tramp)
		}
	}
	return out
}

// Release drops the trampolines of an unloaded object.
func (l *Lazy) Release(obj symbol.Module) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs := l.byObj[obj]
	for _, a := range addrs {
		l.m.Unbind(a)
		delete(l.slots, a)
		l.free = append(l.free, a)
	}
	delete(l.byObj, obj)
	return len(addrs)
}
