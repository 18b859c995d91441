// Package tls manages thread-local storage of loaded modules.
//
// Module ids index a slotinfo list of fixed-size nodes. Each slot records the
// owning module and the generation at which the slot last changed. Threads
// carry a DTV (module id to block address) stamped with the generation it
// reflects; a thread whose DTV is older than the global generation brings it
// up to date on its next access. A thread only ever frees its own blocks.
package tls

import (
	"debug/elf"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/machine"
	"go.uber.org/zap"
)

const (
	// SlotsPerNode is the number of module ids per slotinfo node.
	SlotsPerNode = 64

	// DefaultStaticSize is the static TLS area reserved for initial modules.
	DefaultStaticSize = 0x1000

	// DefaultSurplus is the extra static space for modules loaded later
	// with DF_STATIC_TLS.
	DefaultSurplus = 1664

	tpAlign = 64
)

// Variant is the TLS layout of an architecture.
type Variant uint8

const (
	// VariantI places the TCB at the thread pointer and module blocks
	// after it (AArch64).
	VariantI Variant = iota + 1
	// VariantII places module blocks below the thread pointer (x86-64).
	VariantII
)

// VariantFor returns the layout used by machine m.
func VariantFor(m elf.Machine) Variant {
	if m == elf.EM_AARCH64 {
		return VariantI
	}
	return VariantII
}

func (v Variant) tcbSize() uint64 {
	if v == VariantI {
		return 16
	}
	return 64
}

// Module is the TLS template of one loaded object.
type Module struct {
	ID    uint64
	Name  string
	Align uint64
	Size  uint64 // p_memsz
	Image []byte // p_filesz bytes of initial data

	Static   bool
	TPOffset int64 // block address minus thread pointer, when Static

	gen uint64
}

type slot struct {
	mod *Module
	gen uint64
}

type node struct {
	slots [SlotsPerNode]slot
	next  *node
}

// Config sizes the static TLS area.
type Config struct {
	Arch       elf.Machine
	StaticSize uint64
	Surplus    uint64
}

// State is the process-wide TLS bookkeeping.
type State struct {
	mu      sync.Mutex
	m       *machine.Machine
	variant Variant
	tcb     uint64

	head  *node // the first node lives as long as the State
	maxID uint64
	gen   atomic.Uint64

	capacity   uint64 // bytes of static area per thread
	staticUsed uint64
	startup    bool // initial modules are still being registered

	threads map[int]*Thread
	nextTID int

	log *glog.Logger
}

// New creates the TLS state for machine m.
func New(m *machine.Machine, cfg Config, log *glog.Logger) *State {
	if log == nil {
		log = glog.Default()
	}
	if cfg.StaticSize == 0 {
		cfg.StaticSize = DefaultStaticSize
	}
	if cfg.Arch == 0 {
		cfg.Arch = m.Arch()
	}
	v := VariantFor(cfg.Arch)
	s := &State{
		m:        m,
		variant:  v,
		tcb:      v.tcbSize(),
		head:     &node{},
		capacity: cfg.StaticSize + cfg.Surplus,
		startup:  true,
		threads:  make(map[int]*Thread),
		log:      log,
	}
	if v == VariantI {
		s.staticUsed = s.tcb
	}
	return s
}

// Variant returns the layout in use.
func (s *State) Variant() Variant { return s.variant }

// Generation returns the global slotinfo generation.
func (s *State) Generation() uint64 { return s.gen.Load() }

// MaxModID returns the highest module id handed out.
func (s *State) MaxModID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxID
}

func (s *State) slot(id uint64) *slot {
	n := s.head
	for i := id / SlotsPerNode; i > 0 && n != nil; i-- {
		n = n.next
	}
	if n == nil {
		return nil
	}
	return &n.slots[id%SlotsPerNode]
}

func (s *State) grow(id uint64) *slot {
	n := s.head
	for i := id / SlotsPerNode; i > 0; i-- {
		if n.next == nil {
			n.next = &node{}
		}
		n = n.next
	}
	return &n.slots[id%SlotsPerNode]
}

// Register assigns a module id to a new TLS template. Ids freed by Release
// are reused lowest first.
func (s *State) Register(name string, align, size uint64, image []byte) *Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	if align == 0 {
		align = 1
	}
	id := uint64(0)
	for i := uint64(1); i <= s.maxID; i++ {
		if sl := s.slot(i); sl != nil && sl.mod == nil {
			id = i
			break
		}
	}
	if id == 0 {
		s.maxID++
		id = s.maxID
	}
	gen := s.gen.Add(1)
	mod := &Module{ID: id, Name: name, Align: align, Size: size, Image: image, gen: gen}
	*s.grow(id) = slot{mod: mod, gen: gen}
	s.log.TLS("register", id, glog.Obj(name), glog.Size(size), zap.Uint64("gen", gen))
	return mod
}

// Module returns the module registered under id.
func (s *State) Module(id uint64) *Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl := s.slot(id); sl != nil {
		return sl.mod
	}
	return nil
}

func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

// AllocateStatic gives mod a fixed offset from the thread pointer. After
// startup the space comes from the surplus and every live thread gets a copy
// of the initial image.
func (s *State) AllocateStatic(mod *Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mod.Static {
		return nil
	}
	align := mod.Align
	if align > tpAlign {
		return lderr.New(lderr.ErrStaticTLS, mod.Name, fmt.Sprintf("TLS alignment %d exceeds %d", align, tpAlign))
	}
	var off int64
	var used uint64
	switch s.variant {
	case VariantI:
		start := alignUp(s.staticUsed, align)
		used = start + mod.Size
		off = int64(start)
		if used-s.tcb > s.capacity {
			return lderr.New(lderr.ErrStaticTLS, mod.Name, "")
		}
	default:
		end := alignUp(s.staticUsed+mod.Size, align)
		used = end
		off = -int64(end)
		if used > s.capacity {
			return lderr.New(lderr.ErrStaticTLS, mod.Name, "")
		}
	}
	s.staticUsed = used
	mod.Static = true
	mod.TPOffset = off
	s.log.TLS("static", mod.ID, glog.Obj(mod.Name), zap.Int64("tpoff", off))

	if !s.startup {
		// Live threads pick up the DTV entry on their next update.
		for _, th := range s.threads {
			if err := s.fill(th.staticAddr(mod), mod); err != nil {
				return err
			}
		}
	}
	return nil
}

// StaticUsed returns the bytes of static area in use.
func (s *State) StaticUsed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.variant == VariantI {
		return s.staticUsed - s.tcb
	}
	return s.staticUsed
}

// EndStartup marks the initial module set complete.
func (s *State) EndStartup() {
	s.mu.Lock()
	s.startup = false
	s.mu.Unlock()
}

// Release clears the slot of an unloaded module. Threads free their own
// blocks for it on their next update or at exit.
func (s *State) Release(mod *Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slot(mod.ID)
	if sl == nil || sl.mod != mod {
		return
	}
	gen := s.gen.Add(1)
	*sl = slot{gen: gen}
	s.log.TLS("release", mod.ID, glog.Obj(mod.Name), zap.Uint64("gen", gen))
}

// FreeSlotinfo frees slotinfo nodes tail first. A node is freed only when
// every slot in it is clear; an occupied slot stops the walk for that node
// and every node before it. The first node is never freed. It returns the
// number of nodes freed and whether the whole list is now clear.
func (s *State) FreeSlotinfo() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := 0
	var free func(link **node) bool
	free = func(link **node) bool {
		n := *link
		if n == nil {
			return true
		}
		if !free(&n.next) {
			return false
		}
		for _, sl := range n.slots {
			if sl.mod != nil {
				return false
			}
		}
		*link = nil
		freed++
		return true
	}
	if !free(&s.head.next) {
		return freed, false
	}
	for _, sl := range s.head.slots {
		if sl.mod != nil {
			return freed, false
		}
	}
	return freed, true
}

// Nodes returns the length of the slotinfo list.
func (s *State) Nodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for x := s.head; x != nil; x = x.next {
		n++
	}
	return n
}
