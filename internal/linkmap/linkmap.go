// Package linkmap is the registry of loaded objects.
//
// Link maps live in an arena and are referred to by Handle, an index plus a
// generation. Dependency edges are handles too, so an unloaded map can never
// be reached through a stale edge: the generation check fails instead.
package linkmap

import (
	"debug/elf"
	"fmt"

	"github.com/zboralski/rtld/internal/elfobj"
)

// Flags are per-map state bits.
type Flags uint32

const (
	Contiguous  Flags = 1 << iota // segments are mapped back to back
	Global                        // member of its namespace's global scope
	NoDelete                      // never unloaded
	Initial                       // loaded at startup
	Relocated                     // relocation finished
	InitCalled                    // constructors started
	FiniCalled                    // destructors started
	DeepBind                      // own scope searched before the global scope
	BindNow                       // eager PLT binding
	InitPending                   // constructors queued on an outer operation
	Preloaded                     // came from LD_PRELOAD or --preload
	Main                          // the main program
)

var flagNames = []string{
	"contiguous", "global", "nodelete", "initial", "relocated", "init",
	"fini", "deepbind", "now", "init-pending", "preload", "main",
}

func (f Flags) String() string {
	s := ""
	for i, n := range flagNames {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	return s
}

// Handle is a stable reference to a link map. The zero Handle is invalid.
type Handle struct {
	idx uint32 // slot index + 1
	gen uint32
}

// Valid reports whether h was ever issued.
func (h Handle) Valid() bool { return h.idx != 0 }

// Token packs h into an opaque integer for callers that store handles as
// pointers (dlopen results, audit hosts).
func (h Handle) Token() uint64 { return uint64(h.gen)<<32 | uint64(h.idx) }

// FromToken is the inverse of Token.
func FromToken(t uint64) Handle { return Handle{idx: uint32(t), gen: uint32(t >> 32)} }

func (h Handle) String() string {
	if !h.Valid() {
		return "lm(nil)"
	}
	return fmt.Sprintf("lm(%d.%d)", h.idx-1, h.gen)
}

// Segment is one mapped PT_LOAD range.
type Segment struct {
	Start uint64
	End   uint64
	Flags elf.ProgFlag
}

// Map is the record of one loaded object.
type Map struct {
	name   string
	Path   string // real path the object was opened from
	Soname string
	Addr   uint64 // load bias added to every link-time address
	Start  uint64 // lowest mapped address
	End    uint64 // end of the highest mapping
	Entry  uint64
	Phdr   uint64 // runtime address of the program headers
	Phnum  int

	NS       int
	Object   *elfobj.Object
	Dyn      *elfobj.Dynamic
	Segments []Segment
	Flags    Flags

	Deps    []Handle // DT_NEEDED in order
	RelDeps []Handle // objects bound to at run time outside Deps
	Opens   int      // direct dlopen count

	TLSModID  uint64
	TLSOffset int64 // static TLS offset, when assigned

	// Scope is the lookup scope list used when relocating this object.
	Scope [][]Handle

	search       []Handle
	scopeHistory int

	self Handle
}

// NewMap creates an unregistered map for the object known by name.
func NewMap(name, path string) *Map {
	return &Map{name: name, Path: path}
}

// Name returns the name the object was requested by.
func (m *Map) Name() string { return m.name }

// Base returns the load bias.
func (m *Map) Base() uint64 { return m.Addr }

// Dynamic returns the parsed dynamic section.
func (m *Map) Dynamic() *elfobj.Dynamic { return m.Dyn }

// Handle returns the map's own handle once registered.
func (m *Map) Handle() Handle { return m.self }

// Has reports whether every bit of f is set.
func (m *Map) Has(f Flags) bool { return m.Flags&f == f }

// Contains reports whether addr falls inside one of the map's segments.
func (m *Map) Contains(addr uint64) bool {
	for _, s := range m.Segments {
		if addr >= s.Start && addr < s.End {
			return true
		}
	}
	return false
}

// SetScope installs a new scope list. The replaced list is counted for
// teardown accounting.
func (m *Map) SetScope(scope [][]Handle) {
	if m.Scope != nil {
		m.scopeHistory++
	}
	m.Scope = scope
}
