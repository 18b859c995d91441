package machine

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoCode is returned when an address has no bound function and no backend can run it.
var ErrNoCode = errors.New("machine: no code bound at address")

// Func is a Go implementation of code living at a machine address.
type Func func(c *Call) (uint64, error)

// Call carries the arguments of one invocation.
type Call struct {
	Ctx  context.Context
	M    *Machine
	PC   uint64
	Args []uint64
}

// Arg returns argument i, or 0 when fewer arguments were passed.
func (c *Call) Arg(i int) uint64 {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return 0
}

// Backend executes machine code for addresses without a bound function.
type Backend interface {
	Exec(ctx context.Context, m *Machine, addr uint64, args []uint64) (uint64, error)
}

type boundFunc struct {
	fn   Func
	name string
}

// Bind installs fn at addr. A later Bind at the same address replaces it.
func (m *Machine) Bind(addr uint64, name string, fn Func) {
	m.funcsMu.Lock()
	defer m.funcsMu.Unlock()
	m.funcs[addr] = boundFunc{fn: fn, name: name}
}

// Unbind removes the function at addr.
func (m *Machine) Unbind(addr uint64) {
	m.funcsMu.Lock()
	defer m.funcsMu.Unlock()
	delete(m.funcs, addr)
}

// UnbindRange removes every function bound inside [start, end).
func (m *Machine) UnbindRange(start, end uint64) {
	m.funcsMu.Lock()
	defer m.funcsMu.Unlock()
	for addr := range m.funcs {
		if addr >= start && addr < end {
			delete(m.funcs, addr)
		}
	}
}

// Bound reports whether a function is bound at addr and its name.
func (m *Machine) Bound(addr uint64) (string, bool) {
	m.funcsMu.RLock()
	defer m.funcsMu.RUnlock()
	f, ok := m.funcs[addr]
	return f.name, ok
}

// Call invokes the code at addr with the given integer arguments.
func (m *Machine) Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	r, ok := m.RegionAt(addr)
	if !ok {
		return 0, fmt.Errorf("call 0x%x: %w", addr, ErrFault)
	}
	if r.Prot&ProtExec == 0 {
		return 0, fmt.Errorf("call 0x%x in %s: %w (region is %s)", addr, r.Name, ErrFault, r.Prot)
	}

	m.funcsMu.RLock()
	f, ok := m.funcs[addr]
	m.funcsMu.RUnlock()
	if ok {
		return f.fn(&Call{Ctx: ctx, M: m, PC: addr, Args: args})
	}
	if m.backend != nil {
		return m.backend.Exec(ctx, m, addr, args)
	}
	return 0, fmt.Errorf("call 0x%x in %s: %w", addr, r.Name, ErrNoCode)
}

// invokeBound calls a bound function directly; used by backends that trap on bound addresses.
func (m *Machine) invokeBound(ctx context.Context, addr uint64, args []uint64) (uint64, bool, error) {
	m.funcsMu.RLock()
	f, ok := m.funcs[addr]
	m.funcsMu.RUnlock()
	if !ok {
		return 0, false, nil
	}
	ret, err := f.fn(&Call{Ctx: ctx, M: m, PC: addr, Args: args})
	return ret, true, err
}
