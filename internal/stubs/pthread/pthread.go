// Package pthread implements the thread entry points loaded code reaches the
// loader through: fork handlers, dynamic TLS access, thread-specific keys and
// pthread_once.
package pthread

import (
	"context"
	"sync"

	"github.com/zboralski/rtld/internal/atfork"
	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/stubs"
)

// Host is the loader side of the stubs.
type Host interface {
	// Atfork returns the fork handler registry.
	Atfork() *atfork.Registry
	// Owner returns the link-map token of the object containing addr, or 0.
	Owner(addr uint64) uint64
	// TLSGetAddr returns the calling thread's address of offset off in
	// module mod's TLS block.
	TLSGetAddr(ctx context.Context, mod, off uint64) (uint64, error)
	// Self returns the calling thread's thread pointer.
	Self(ctx context.Context) uint64
}

type state struct {
	h Host

	mu    sync.Mutex
	keys  map[uint64]map[uint64]uint64 // key -> thread pointer -> value
	next  uint64
	onces map[uint64]bool
}

// Register installs the host-backed stubs into r.
func Register(r *stubs.Registry, h Host) {
	s := &state{h: h, keys: make(map[uint64]map[uint64]uint64), onces: make(map[uint64]bool)}
	r.RegisterFunc("pthread", "pthread_atfork", s.atfork)
	r.RegisterFunc("pthread", "__register_atfork", s.registerAtfork)
	r.RegisterFunc("pthread", "__tls_get_addr", s.tlsGetAddr)
	r.RegisterFunc("pthread", "pthread_self", s.self)
	r.RegisterFunc("pthread", "pthread_key_create", s.keyCreate)
	r.RegisterFunc("pthread", "pthread_key_delete", s.keyDelete)
	r.RegisterFunc("pthread", "pthread_setspecific", s.setspecific)
	r.RegisterFunc("pthread", "pthread_getspecific", s.getspecific)
	r.RegisterFunc("pthread", "pthread_once", s.once)
}

// handler wraps a function pointer from loaded code. A null pointer has no
// handler.
func handler(m *machine.Machine, addr uint64) atfork.Handler {
	if addr == 0 {
		return nil
	}
	return func(ctx context.Context) {
		if _, err := m.Call(ctx, addr); err != nil {
			stubs.Default.Log("pthread", "atfork", stubs.FormatPtr("handler", addr)+" failed: "+err.Error())
		}
	}
}

func (s *state) atfork(c *machine.Call) (uint64, error) {
	s.h.Atfork().Register(handler(c.M, c.Arg(0)), handler(c.M, c.Arg(1)), handler(c.M, c.Arg(2)))
	return 0, nil
}

// registerAtfork is glibc's form, which names the registering object
// through its __dso_handle so the handlers go away with it.
func (s *state) registerAtfork(c *machine.Call) (uint64, error) {
	owner := s.h.Owner(c.Arg(3))
	s.h.Atfork().RegisterOwned(owner, handler(c.M, c.Arg(0)), handler(c.M, c.Arg(1)), handler(c.M, c.Arg(2)))
	return 0, nil
}

// tlsGetAddr takes a pointer to a tls_index {module, offset}.
func (s *state) tlsGetAddr(c *machine.Call) (uint64, error) {
	ti := c.Arg(0)
	mod, err := c.M.ReadU64(ti)
	if err != nil {
		return 0, err
	}
	off, err := c.M.ReadU64(ti + 8)
	if err != nil {
		return 0, err
	}
	return s.h.TLSGetAddr(c.Ctx, mod, off)
}

func (s *state) self(c *machine.Call) (uint64, error) {
	return s.h.Self(c.Ctx), nil
}

func (s *state) keyCreate(c *machine.Call) (uint64, error) {
	s.mu.Lock()
	key := s.next
	s.next++
	s.keys[key] = make(map[uint64]uint64)
	s.mu.Unlock()
	if p := c.Arg(0); p != 0 {
		return 0, c.M.WriteU32(p, uint32(key))
	}
	return 0, nil
}

func (s *state) keyDelete(c *machine.Call) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, c.Arg(0))
	return 0, nil
}

const einval = 22

func (s *state) setspecific(c *machine.Call) (uint64, error) {
	tp := s.h.Self(c.Ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, ok := s.keys[c.Arg(0)]
	if !ok {
		return einval, nil
	}
	vals[tp] = c.Arg(1)
	return 0, nil
}

func (s *state) getspecific(c *machine.Call) (uint64, error) {
	tp := s.h.Self(c.Ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[c.Arg(0)][tp], nil
}

// once runs the init routine the first time a control word is seen.
func (s *state) once(c *machine.Call) (uint64, error) {
	ctl, fn := c.Arg(0), c.Arg(1)
	s.mu.Lock()
	done := s.onces[ctl]
	s.onces[ctl] = true
	s.mu.Unlock()
	if done || fn == 0 {
		return 0, nil
	}
	if _, err := c.M.Call(c.Ctx, fn); err != nil {
		return 0, err
	}
	return 0, nil
}
