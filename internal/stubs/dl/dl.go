// Package dl binds the libdl entry points (dlopen, dlsym, dlclose, dlerror,
// dladdr) to a loader so code running inside the machine can load objects.
package dl

import (
	"context"
	"sync"

	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/stubs"
)

// AddrInfo is the Dl_info of one address.
type AddrInfo struct {
	File    string
	Base    uint64
	Symbol  string
	SymAddr uint64
}

// Host is the loader the stubs forward to. Handles are link-map tokens.
type Host interface {
	Dlopen(ctx context.Context, name string, mode int) (uint64, error)
	Dlmopen(ctx context.Context, lmid int, name string, mode int) (uint64, error)
	Dlsym(ctx context.Context, handle uint64, name string) (uint64, error)
	Dlvsym(ctx context.Context, handle uint64, name, version string) (uint64, error)
	Dlclose(ctx context.Context, handle uint64) error
	Dlerror(ctx context.Context) string
	Dladdr(ctx context.Context, addr uint64) (AddrInfo, bool)
}

const maxName = 4096

// state owns the strings handed back to the program.
type state struct {
	h Host

	mu      sync.Mutex
	errBuf  uint64
	strings map[string]uint64
}

// Register installs the dl stubs for host h into r.
func Register(r *stubs.Registry, h Host) {
	s := &state{h: h, strings: make(map[string]uint64)}
	r.RegisterFunc("dl", "dlopen", s.dlopen)
	r.RegisterFunc("dl", "dlmopen", s.dlmopen)
	r.RegisterFunc("dl", "dlsym", s.dlsym)
	r.RegisterFunc("dl", "dlvsym", s.dlvsym)
	r.RegisterFunc("dl", "dlclose", s.dlclose)
	r.RegisterFunc("dl", "dlerror", s.dlerror)
	r.RegisterFunc("dl", "dladdr", s.dladdr)
}

func str(c *machine.Call, i int) (string, error) {
	if c.Arg(i) == 0 {
		return "", nil
	}
	return c.M.ReadCString(c.Arg(i), maxName)
}

// Failures are reported the C way: a zero result and the text queued for
// dlerror. The host records the text itself.
func (s *state) dlopen(c *machine.Call) (uint64, error) {
	name, err := str(c, 0)
	if err != nil {
		return 0, err
	}
	h, err := s.h.Dlopen(c.Ctx, name, int(c.Arg(1)))
	stubs.Default.Log("dl", "dlopen", name+" -> "+stubs.FormatHex(h))
	if err != nil {
		return 0, nil
	}
	return h, nil
}

func (s *state) dlmopen(c *machine.Call) (uint64, error) {
	name, err := str(c, 1)
	if err != nil {
		return 0, err
	}
	h, err := s.h.Dlmopen(c.Ctx, int(int64(c.Arg(0))), name, int(c.Arg(2)))
	if err != nil {
		return 0, nil
	}
	return h, nil
}

func (s *state) dlsym(c *machine.Call) (uint64, error) {
	name, err := str(c, 1)
	if err != nil {
		return 0, err
	}
	a, err := s.h.Dlsym(c.Ctx, c.Arg(0), name)
	stubs.Default.Log("dl", "dlsym", name+" -> "+stubs.FormatHex(a))
	if err != nil {
		return 0, nil
	}
	return a, nil
}

func (s *state) dlvsym(c *machine.Call) (uint64, error) {
	name, err := str(c, 1)
	if err != nil {
		return 0, err
	}
	ver, err := str(c, 2)
	if err != nil {
		return 0, err
	}
	a, err := s.h.Dlvsym(c.Ctx, c.Arg(0), name, ver)
	if err != nil {
		return 0, nil
	}
	return a, nil
}

func (s *state) dlclose(c *machine.Call) (uint64, error) {
	if err := s.h.Dlclose(c.Ctx, c.Arg(0)); err != nil {
		return 1, nil
	}
	return 0, nil
}

// dlerror returns a buffer that stays valid until the next dlerror call.
func (s *state) dlerror(c *machine.Call) (uint64, error) {
	msg := s.h.Dlerror(c.Ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errBuf != 0 {
		if err := c.M.Free(s.errBuf); err != nil {
			return 0, err
		}
		s.errBuf = 0
	}
	if msg == "" {
		return 0, nil
	}
	ptr, err := c.M.Malloc(uint64(len(msg)) + 1)
	if err != nil {
		return 0, nil
	}
	if err := c.M.WriteCString(ptr, msg); err != nil {
		return 0, err
	}
	s.errBuf = ptr
	return ptr, nil
}

// intern returns a machine copy of v that lives as long as the registry.
func (s *state) intern(m *machine.Machine, v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.strings[v]; ok {
		return p, nil
	}
	p, err := m.Malloc(uint64(len(v)) + 1)
	if err != nil {
		return 0, err
	}
	if err := m.WriteCString(p, v); err != nil {
		return 0, err
	}
	s.strings[v] = p
	return p, nil
}

// dladdr fills a Dl_info: four pointers, file name, base, symbol name and
// symbol address.
func (s *state) dladdr(c *machine.Call) (uint64, error) {
	info, ok := s.h.Dladdr(c.Ctx, c.Arg(0))
	if !ok {
		return 0, nil
	}
	out := c.Arg(1)
	file, err := s.intern(c.M, info.File)
	if err != nil {
		return 0, err
	}
	sym, err := s.intern(c.M, info.Symbol)
	if err != nil {
		return 0, err
	}
	for i, v := range []uint64{file, info.Base, sym, info.SymAddr} {
		if err := c.M.WriteU64(out+uint64(i)*8, v); err != nil {
			return 0, err
		}
	}
	return 1, nil
}
