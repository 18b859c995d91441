package tls

import (
	"errors"
	"fmt"

	"github.com/zboralski/rtld/internal/bootstrap"
	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
	"go.uber.org/zap"
)

// ErrThreadExited is returned for TLS access from a thread that has exited.
var ErrThreadExited = errors.New("tls: thread has exited")

type dtvEntry struct {
	mod  *Module
	addr uint64 // block address, 0 while unallocated
	raw  uint64 // heap pointer to free, 0 for static blocks
}

// Thread is the TLS view of one thread. A Thread is used by one goroutine at
// a time.
type Thread struct {
	ID int
	TP uint64

	block     uint64 // allocation holding the TCB and static area
	fromArena bool
	gen       uint64
	dtv       []dtvEntry
	exited    bool
}

// Block returns the address of the thread's TCB and static area allocation.
func (th *Thread) Block() uint64 { return th.block }

// Generation returns the generation the thread's DTV reflects.
func (th *Thread) Generation() uint64 { return th.gen }

func (s *State) blockSize() uint64 { return s.capacity + s.tcb + tpAlign }

func (s *State) layout(block uint64) uint64 {
	if s.variant == VariantI {
		return alignUp(block, tpAlign)
	}
	return alignUp(block+s.capacity, tpAlign)
}

// NewMainThread sets up the main thread from the bootstrap arena, before the
// general allocator exists. Running out of bootstrap memory is fatal. The
// block is never moved or reallocated; InitMain fills it in once the initial
// modules are known.
func (s *State) NewMainThread(a *bootstrap.Arena) (*Thread, error) {
	b := a.MustAlloc(s.blockSize())
	if b.Addr == 0 {
		return nil, lderr.New(lderr.ErrBootstrapAlloc, "", "no bootstrap memory for the main thread")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	th := &Thread{ID: s.nextTID, block: b.Addr, fromArena: true}
	s.nextTID++
	th.TP = s.layout(th.block)
	if err := s.writeTCB(th); err != nil {
		return nil, err
	}
	s.threads[th.ID] = th
	s.log.TLS("main thread", 0, glog.Ptr("tp", th.TP), glog.Ptr("block", th.block))
	return th, nil
}

// InitMain copies the static images of the initial modules into the main
// thread and builds its DTV.
func (s *State) InitMain(th *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !th.fromArena {
		return fmt.Errorf("tls: thread %d is not the main thread", th.ID)
	}
	return s.initThread(th)
}

// NewThread creates a thread with its TCB and static area on the general heap.
func (s *State) NewThread() (*Thread, error) {
	block, err := s.m.Malloc(s.blockSize())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	th := &Thread{ID: s.nextTID, block: block}
	s.nextTID++
	th.TP = s.layout(block)
	if err := s.writeTCB(th); err != nil {
		s.m.Free(block)
		return nil, err
	}
	if err := s.initThread(th); err != nil {
		s.m.Free(block)
		return nil, err
	}
	s.threads[th.ID] = th
	return th, nil
}

// writeTCB stores the self pointer the ABI expects at the thread pointer.
func (s *State) writeTCB(th *Thread) error {
	if s.variant == VariantI {
		return s.m.Zero(th.TP, int(s.tcb))
	}
	if err := s.m.WriteU64(th.TP, th.TP); err != nil {
		return err
	}
	return s.m.WriteU64(th.TP+16, th.TP)
}

// initThread copies every static image and stamps the DTV. Caller holds mu.
func (s *State) initThread(th *Thread) error {
	th.dtv = make([]dtvEntry, s.maxID+1)
	for id := uint64(1); id <= s.maxID; id++ {
		sl := s.slot(id)
		if sl == nil || sl.mod == nil {
			continue
		}
		th.dtv[id].mod = sl.mod
		if sl.mod.Static {
			if err := s.initStatic(th, sl.mod); err != nil {
				return err
			}
		}
	}
	th.gen = s.gen.Load()
	return nil
}

// initStatic writes mod's initial image into th's static area. Caller holds mu.
func (s *State) initStatic(th *Thread, mod *Module) error {
	addr := th.staticAddr(mod)
	if err := s.fill(addr, mod); err != nil {
		return err
	}
	if mod.ID < uint64(len(th.dtv)) {
		th.dtv[mod.ID] = dtvEntry{mod: mod, addr: addr}
	}
	return nil
}

func (th *Thread) staticAddr(mod *Module) uint64 {
	return uint64(int64(th.TP) + mod.TPOffset)
}

func (s *State) fill(addr uint64, mod *Module) error {
	if mod.Size == 0 {
		return nil
	}
	if err := s.m.Zero(addr, int(mod.Size)); err != nil {
		return err
	}
	if len(mod.Image) > 0 {
		return s.m.Write(addr, mod.Image)
	}
	return nil
}

// GetAddr returns the address of offset off in module id's block for th,
// allocating the block on first access.
func (s *State) GetAddr(th *Thread, id, off uint64) (uint64, error) {
	if th.exited {
		return 0, ErrThreadExited
	}
	if th.gen == s.gen.Load() && id < uint64(len(th.dtv)) {
		if e := th.dtv[id]; e.addr != 0 {
			return e.addr + off, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if th.gen != s.gen.Load() {
		s.update(th)
	}
	// Ownership is checked again under the lock: the module may have been
	// unloaded since the caller obtained id.
	sl := s.slot(id)
	if id == 0 || id >= uint64(len(th.dtv)) || sl == nil || sl.mod == nil {
		return 0, fmt.Errorf("tls: module %d is not loaded", id)
	}
	e := &th.dtv[id]
	if e.addr == 0 {
		if err := s.allocate(th, e, sl.mod); err != nil {
			return 0, err
		}
	}
	return e.addr + off, nil
}

// allocate gives th a dynamic block for mod. Caller holds mu.
func (s *State) allocate(th *Thread, e *dtvEntry, mod *Module) error {
	if mod.Static {
		// The image was copied when the offset was assigned.
		*e = dtvEntry{mod: mod, addr: th.staticAddr(mod)}
		return nil
	}
	size := mod.Size
	if size == 0 {
		size = 1
	}
	raw, err := s.m.Malloc(size + mod.Align)
	if err != nil {
		return err
	}
	addr := alignUp(raw, mod.Align)
	if err := s.fill(addr, mod); err != nil {
		s.m.Free(raw)
		return err
	}
	*e = dtvEntry{mod: mod, addr: addr, raw: raw}
	s.log.TLS("allocate", mod.ID, zap.Int("thread", th.ID), glog.Addr(addr))
	return nil
}

// update brings th's DTV to the current generation, releasing this thread's
// blocks for slots that changed owner. Caller holds mu.
func (s *State) update(th *Thread) {
	if uint64(len(th.dtv)) < s.maxID+1 {
		dtv := make([]dtvEntry, s.maxID+1)
		copy(dtv, th.dtv)
		th.dtv = dtv
	}
	for id := uint64(1); id <= s.maxID; id++ {
		sl := s.slot(id)
		if sl == nil || sl.gen <= th.gen {
			continue
		}
		e := &th.dtv[id]
		if e.mod != sl.mod {
			if e.raw != 0 {
				s.m.Free(e.raw)
			}
			*e = dtvEntry{mod: sl.mod}
		}
	}
	th.gen = s.gen.Load()
}

// BlockAddr returns th's block for module id without allocating it.
func (s *State) BlockAddr(th *Thread, id uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th.gen != s.gen.Load() {
		s.update(th)
	}
	if id >= uint64(len(th.dtv)) || th.dtv[id].addr == 0 {
		return 0, false
	}
	return th.dtv[id].addr, true
}

// Exit frees every block th owns. The main thread's bootstrap block stays.
func (s *State) Exit(th *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th.exited {
		return ErrThreadExited
	}
	var err error
	for i := range th.dtv {
		if r := th.dtv[i].raw; r != 0 {
			if e := s.m.Free(r); e != nil && err == nil {
				err = e
			}
		}
	}
	th.dtv = nil
	if !th.fromArena {
		if e := s.m.Free(th.block); e != nil && err == nil {
			err = e
		}
	}
	th.exited = true
	delete(s.threads, th.ID)
	return err
}

// Threads returns the number of live threads.
func (s *State) Threads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}
