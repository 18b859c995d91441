// Package machine provides the address space objects are loaded into.
//
// A Machine owns page-granular regions backed by anonymous host memory, a
// general heap carved out of those regions, and a table of Go functions bound
// to addresses. Calling an address runs the bound function, or hands off to
// an execution Backend when one is configured.
package machine

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	glog "github.com/zboralski/rtld/internal/log"
)

// Memory layout constants
const (
	PageSize  = 0x1000
	LoadBase  = 0x40000000     // first address handed out by Map
	AddrLimit = 0x7ffffff00000 // end of the user address range
)

var (
	ErrFault    = errors.New("machine: address not mapped")
	ErrOverlap  = errors.New("machine: region overlaps an existing mapping")
	ErrNoMemory = errors.New("machine: cannot allocate memory")
	ErrBadFree  = errors.New("machine: free of unallocated pointer")
)

// Prot is a region protection mask.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ProtFromFlags converts ELF segment flags to a protection mask.
func ProtFromFlags(f elf.ProgFlag) Prot {
	var p Prot
	if f&elf.PF_R != 0 {
		p |= ProtRead
	}
	if f&elf.PF_W != 0 {
		p |= ProtWrite
	}
	if f&elf.PF_X != 0 {
		p |= ProtExec
	}
	return p
}

// Region is one contiguous mapping.
type Region struct {
	Start uint64
	Size  uint64
	Prot  Prot
	Name  string
	mem   []byte
}

// End returns the first address past the region.
func (r *Region) End() uint64 { return r.Start + r.Size }

func (r *Region) contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Machine is a simulated process address space.
type Machine struct {
	mu      sync.RWMutex
	regions []*Region // sorted by Start
	mapped  uint64
	limit   uint64

	funcsMu sync.RWMutex
	funcs   map[uint64]boundFunc

	heap    heap
	backend Backend
	arch    elf.Machine
	log     *glog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithBackend sets the backend used for addresses with no bound function.
func WithBackend(b Backend) Option { return func(m *Machine) { m.backend = b } }

// WithArch records the instruction set of the code the machine runs.
func WithArch(a elf.Machine) Option { return func(m *Machine) { m.arch = a } }

// WithLimit caps the total number of bytes that may be mapped.
func WithLimit(n uint64) Option { return func(m *Machine) { m.limit = n } }

// WithLogger sets the logger.
func WithLogger(l *glog.Logger) Option { return func(m *Machine) { m.log = l } }

// New creates an empty address space.
func New(opts ...Option) *Machine {
	m := &Machine{
		funcs: make(map[uint64]boundFunc),
		arch:  elf.EM_X86_64,
		log:   glog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.heap.init(m)
	return m
}

// Arch returns the machine's instruction set.
func (m *Machine) Arch() elf.Machine { return m.arch }

// SetArch changes the instruction set; used once the main program is known.
func (m *Machine) SetArch(a elf.Machine) { m.arch = a }

// Close unmaps every region.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, r := range m.regions {
		if err := releaseBacking(r.mem); err != nil && first == nil {
			first = err
		}
	}
	m.regions = nil
	m.mapped = 0
	return first
}

func pageAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Map maps size bytes at the lowest free page-aligned address.
func (m *Machine) Map(size uint64, prot Prot, name string) (uint64, error) {
	return m.MapAligned(size, PageSize, prot, name)
}

// MapAligned maps size bytes at the lowest free address that is a multiple of align.
func (m *Machine) MapAligned(size, align uint64, prot Prot, name string) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("map %s: zero size", name)
	}
	if align < PageSize {
		align = PageSize
	}
	size = pageAlign(size)

	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.findGap(size, align)
	if !ok {
		return 0, fmt.Errorf("map %s (%#x bytes): %w", name, size, ErrNoMemory)
	}
	if err := m.insert(addr, size, prot, name); err != nil {
		return 0, err
	}
	return addr, nil
}

// MapAt maps size bytes at a fixed address.
func (m *Machine) MapAt(addr, size uint64, prot Prot, name string) error {
	if addr%PageSize != 0 {
		return fmt.Errorf("map %s at 0x%x: unaligned address", name, addr)
	}
	size = pageAlign(size)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if addr < r.End() && r.Start < addr+size {
			return fmt.Errorf("map %s at 0x%x: %w (%s)", name, addr, ErrOverlap, r.Name)
		}
	}
	return m.insert(addr, size, prot, name)
}

// Piece is one region of a group mapping, placed at Off from the group base.
type Piece struct {
	Off  uint64
	Size uint64
	Prot Prot
	Name string
}

// MapGroup maps pieces relative to one base as a single operation. With base
// 0 the lowest free span-sized hole aligned to align is chosen; otherwise the
// pieces go at base and must not overlap existing regions. Holes between
// pieces stay unmapped. On failure nothing remains mapped.
func (m *Machine) MapGroup(base, span, align uint64, pieces []Piece) (uint64, error) {
	if align < PageSize {
		align = PageSize
	}
	for _, p := range pieces {
		if p.Off%PageSize != 0 || p.Size == 0 || p.Off+pageAlign(p.Size) > pageAlign(span) {
			return 0, fmt.Errorf("map %s: piece 0x%x+0x%x outside span 0x%x", p.Name, p.Off, p.Size, span)
		}
	}

	m.mu.Lock()
	if base == 0 {
		var ok bool
		if base, ok = m.findGap(pageAlign(span), align); !ok {
			m.mu.Unlock()
			return 0, fmt.Errorf("map group (%#x bytes): %w", span, ErrNoMemory)
		}
	} else {
		if base%PageSize != 0 {
			m.mu.Unlock()
			return 0, fmt.Errorf("map group at 0x%x: unaligned address", base)
		}
		for _, p := range pieces {
			start, end := base+p.Off, base+p.Off+pageAlign(p.Size)
			for _, r := range m.regions {
				if start < r.End() && r.Start < end {
					m.mu.Unlock()
					return 0, fmt.Errorf("map %s at 0x%x: %w (%s)", p.Name, start, ErrOverlap, r.Name)
				}
			}
		}
	}
	var done []uint64
	for _, p := range pieces {
		if err := m.insert(base+p.Off, pageAlign(p.Size), p.Prot, p.Name); err != nil {
			m.mu.Unlock()
			for _, a := range done {
				_ = m.Unmap(a)
			}
			return 0, err
		}
		done = append(done, base+p.Off)
	}
	m.mu.Unlock()
	return base, nil
}

// findGap walks the sorted regions looking for a hole. Caller holds mu.
func (m *Machine) findGap(size, align uint64) (uint64, bool) {
	cursor := alignUp(LoadBase, align)
	for _, r := range m.regions {
		if r.End() <= cursor {
			continue
		}
		if r.Start >= cursor+size {
			break
		}
		cursor = alignUp(r.End(), align)
	}
	if cursor+size > AddrLimit || cursor+size < cursor {
		return 0, false
	}
	return cursor, true
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// insert adds a region. Caller holds mu.
func (m *Machine) insert(addr, size uint64, prot Prot, name string) error {
	if m.limit != 0 && m.mapped+size > m.limit {
		return fmt.Errorf("map %s (%#x bytes): %w", name, size, ErrNoMemory)
	}
	mem, err := newBacking(size)
	if err != nil {
		return fmt.Errorf("map %s (%#x bytes): %w: %v", name, size, ErrNoMemory, err)
	}
	r := &Region{Start: addr, Size: size, Prot: prot, Name: name, mem: mem}
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Start > addr })
	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
	m.mapped += size
	m.log.Debug("map", glog.Addr(addr), glog.Size(size), glog.Fn(name))
	return nil
}

// Unmap removes the region starting at addr and unbinds any functions inside it.
func (m *Machine) Unmap(addr uint64) error {
	m.mu.Lock()
	idx := -1
	for i, r := range m.regions {
		if r.Start == addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("unmap 0x%x: %w", addr, ErrFault)
	}
	r := m.regions[idx]
	m.regions = append(m.regions[:idx], m.regions[idx+1:]...)
	m.mapped -= r.Size
	m.mu.Unlock()

	m.UnbindRange(r.Start, r.End())
	m.log.Debug("unmap", glog.Addr(addr), glog.Size(r.Size), glog.Fn(r.Name))
	return releaseBacking(r.mem)
}

// Protect changes the protection of the region containing addr.
func (m *Machine) Protect(addr uint64, prot Prot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.lookup(addr)
	if r == nil {
		return fmt.Errorf("protect 0x%x: %w", addr, ErrFault)
	}
	r.Prot = prot
	return nil
}

// Regions returns a copy of the region table.
func (m *Machine) Regions() []Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = Region{Start: r.Start, Size: r.Size, Prot: r.Prot, Name: r.Name}
	}
	return out
}

// RegionAt returns the region containing addr.
func (m *Machine) RegionAt(addr uint64) (Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.lookup(addr)
	if r == nil {
		return Region{}, false
	}
	return Region{Start: r.Start, Size: r.Size, Prot: r.Prot, Name: r.Name}, true
}

// Mapped reports the number of mapped bytes.
func (m *Machine) Mapped() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mapped
}

// lookup finds the region containing addr. Caller holds mu.
func (m *Machine) lookup(addr uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > addr })
	if i < len(m.regions) && m.regions[i].contains(addr) {
		return m.regions[i]
	}
	return nil
}

// access runs fn over each region-local piece of [addr, addr+n).
func (m *Machine) access(addr uint64, n int, fn func(mem []byte, off int)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	done := 0
	for done < n {
		cur := addr + uint64(done)
		r := m.lookup(cur)
		if r == nil {
			return fmt.Errorf("access 0x%x: %w", cur, ErrFault)
		}
		start := cur - r.Start
		chunk := int(r.Size - start)
		if chunk > n-done {
			chunk = n - done
		}
		fn(r.mem[start:start+uint64(chunk)], done)
		done += chunk
	}
	return nil
}

// Read copies size bytes starting at addr.
func (m *Machine) Read(addr uint64, size int) ([]byte, error) {
	out := make([]byte, size)
	err := m.access(addr, size, func(mem []byte, off int) { copy(out[off:], mem) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write copies data to addr.
func (m *Machine) Write(addr uint64, data []byte) error {
	return m.access(addr, len(data), func(mem []byte, off int) { copy(mem, data[off:]) })
}

// Zero clears size bytes at addr.
func (m *Machine) Zero(addr uint64, size int) error {
	return m.access(addr, size, func(mem []byte, _ int) { clear(mem) })
}

// Copy moves size bytes from src to dst.
func (m *Machine) Copy(dst, src uint64, size int) error {
	buf, err := m.Read(src, size)
	if err != nil {
		return err
	}
	return m.Write(dst, buf)
}

// ReadU64 reads a uint64 from memory (little endian)
func (m *Machine) ReadU64(addr uint64) (uint64, error) {
	b, err := m.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteU64 writes a uint64 to memory (little endian)
func (m *Machine) WriteU64(addr, val uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], val)
	return m.Write(addr, b[:])
}

// ReadU32 reads a uint32 from memory (little endian)
func (m *Machine) ReadU32(addr uint64) (uint32, error) {
	b, err := m.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteU32 writes a uint32 to memory (little endian)
func (m *Machine) WriteU32(addr uint64, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return m.Write(addr, b[:])
}

// ReadU16 reads a uint16 from memory (little endian)
func (m *Machine) ReadU16(addr uint64) (uint16, error) {
	b, err := m.Read(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// WriteU16 writes a uint16 to memory (little endian)
func (m *Machine) WriteU16(addr uint64, val uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], val)
	return m.Write(addr, b[:])
}

// ReadU8 reads a single byte from memory
func (m *Machine) ReadU8(addr uint64) (uint8, error) {
	b, err := m.Read(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteU8 writes a single byte to memory
func (m *Machine) WriteU8(addr uint64, val uint8) error {
	return m.Write(addr, []byte{val})
}

// ReadCString reads a NUL-terminated string of at most maxLen bytes.
func (m *Machine) ReadCString(addr uint64, maxLen int) (string, error) {
	var out []byte
	for len(out) < maxLen {
		c, err := m.ReadU8(addr + uint64(len(out)))
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(out), nil
		}
		out = append(out, c)
	}
	return string(out), nil
}

// WriteCString writes s followed by a NUL byte.
func (m *Machine) WriteCString(addr uint64, s string) error {
	return m.Write(addr, append([]byte(s), 0))
}
