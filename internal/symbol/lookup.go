package symbol

import (
	"debug/elf"

	"github.com/zboralski/rtld/internal/elfobj"
	"github.com/zboralski/rtld/internal/lderr"
)

// STB_GNU_UNIQUE binds like STB_GLOBAL; debug/elf does not name it.
const STB_GNU_UNIQUE elf.SymBind = 10

// Module is a loaded object whose dynamic symbols can be searched.
type Module interface {
	Name() string
	Base() uint64
	Dynamic() *elfobj.Dynamic
}

// Request describes one lookup.
type Request struct {
	Name string

	// Version restricts the match to one symbol version. A zero Hash is
	// computed from Name.
	Version *elfobj.Version

	// Referrer is the object the reference comes from. Hidden symbols are
	// only visible to their own object.
	Referrer Module

	// Skip starts the search at Skip's position in the scope and excludes it
	// (RTLD_NEXT and copy relocations).
	Skip Module

	// Newest selects the latest default version when Version is nil, as
	// dlsym does; otherwise the oldest is preferred.
	Newest bool
}

// Result is a resolved definition.
type Result struct {
	Module Module
	Index  uint32
	Sym    elfobj.Sym

	// Value is base+st_value, or st_value alone for TLS symbols which are
	// offsets into the module's TLS block.
	Value uint64
}

// Lookup returns the first definition of req.Name in scope order.
func Lookup(req Request, scope []Module) (Result, error) {
	if req.Version != nil && req.Version.Hash == 0 {
		v := *req.Version
		v.Hash = SysVHash(v.Name)
		req.Version = &v
	}
	gh, sh := GNUHash(req.Name), SysVHash(req.Name)

	start := 0
	if req.Skip != nil {
		for i, m := range scope {
			if m == req.Skip {
				start = i
				break
			}
		}
	}
	for _, m := range scope[start:] {
		if req.Skip != nil && m == req.Skip {
			continue
		}
		if r, ok := Probe(m, req, gh, sh); ok {
			return r, nil
		}
	}
	return Result{}, undefined(req)
}

func undefined(req Request) error {
	obj := ""
	if req.Referrer != nil {
		obj = req.Referrer.Name()
	}
	if req.Version != nil {
		return lderr.UndefinedVersion(obj, req.Name, req.Version.Name)
	}
	return lderr.Undefined(obj, req.Name)
}

// tally implements the single-hidden-candidate rule for unversioned lookups
// against versioned objects.
type tally struct {
	n   int
	sym elfobj.Sym
	idx uint32
}

// Probe searches one module using its GNU hash table when present, its SysV
// table otherwise. gh and sh are the precomputed hashes of req.Name.
func Probe(m Module, req Request, gh, sh uint32) (Result, bool) {
	d := m.Dynamic()
	if d == nil {
		return Result{}, false
	}
	var t tally
	found := func(idx uint32, s elfobj.Sym) (Result, bool) {
		return Result{Module: m, Index: idx, Sym: s, Value: value(m, s)}, true
	}

	switch {
	case d.GNU != nil:
		g := d.GNU
		if len(g.Buckets) == 0 {
			return Result{}, false
		}
		if n := uint32(len(g.Bloom)); n > 0 {
			word := g.Bloom[(gh/64)%n]
			mask := uint64(1)<<(gh%64) | uint64(1)<<((gh>>g.Shift)%64)
			if word&mask != mask {
				return Result{}, false
			}
		}
		i := g.Buckets[gh%uint32(len(g.Buckets))]
		if i == 0 || i < g.SymOffset {
			return Result{}, false
		}
		for ; int(i-g.SymOffset) < len(g.Chains); i++ {
			ch := g.Chains[i-g.SymOffset]
			if ch|1 == gh|1 {
				if s, ok := match(m, req, i, &t); ok {
					return found(i, s)
				}
			}
			if ch&1 != 0 {
				break
			}
		}
	case d.SysV != nil:
		v := d.SysV
		if len(v.Buckets) == 0 {
			return Result{}, false
		}
		for i := v.Buckets[sh%uint32(len(v.Buckets))]; i != 0 && int(i) < len(v.Chains); i = v.Chains[i] {
			if s, ok := match(m, req, i, &t); ok {
				return found(i, s)
			}
		}
	}
	if t.n == 1 {
		return found(t.idx, t.sym)
	}
	return Result{}, false
}

func value(m Module, s elfobj.Sym) uint64 {
	if s.Type() == elf.STT_TLS {
		return s.Value
	}
	return m.Base() + s.Value
}

func acceptedType(t elf.SymType) bool {
	switch t {
	case elf.STT_NOTYPE, elf.STT_OBJECT, elf.STT_FUNC, elf.STT_COMMON, elf.STT_TLS, elf.STT_GNU_IFUNC:
		return true
	}
	return false
}

func match(m Module, req Request, idx uint32, t *tally) (elfobj.Sym, bool) {
	d := m.Dynamic()
	s, err := d.Symbol(idx)
	if err != nil {
		return s, false
	}
	if !s.Defined() || (s.Value == 0 && s.Type() != elf.STT_TLS) || !acceptedType(s.Type()) {
		return s, false
	}
	switch s.Bind() {
	case elf.STB_GLOBAL, elf.STB_WEAK, STB_GNU_UNIQUE:
	default:
		return s, false
	}
	if s.Hidden() && (req.Referrer == nil || req.Referrer != m) {
		return s, false
	}
	if s.Name != req.Name {
		return s, false
	}

	if !d.HasVersions() {
		return s, true
	}
	raw, err := d.Versym(idx)
	if err != nil {
		return s, false
	}
	ndx := raw & 0x7fff
	hidden := raw&elfobj.VersymHidden != 0

	if req.Version != nil {
		def, _ := d.Version(ndx)
		if (def.Hash != req.Version.Hash || def.Name != req.Version.Name) &&
			(req.Version.Hidden || def.Hash != 0 || hidden) {
			return s, false
		}
		return s, true
	}

	threshold := uint16(3)
	if req.Newest {
		threshold = 2
	}
	if ndx >= threshold {
		if !hidden {
			if t.n == 0 {
				t.sym, t.idx = s, idx
			}
			t.n++
		}
		return s, false
	}
	return s, true
}
