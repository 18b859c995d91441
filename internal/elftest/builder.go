// Package elftest builds small ELF64 shared objects in memory for tests.
//
// The images are laid out the way a linker would produce them: a read-only
// executable segment holding the headers, dynamic symbol and string tables,
// hash tables, version sections, relocation tables, function stubs and notes,
// followed by a writable segment holding the dynamic section, the GOT, data,
// init/fini arrays, the TLS image and bss. File offsets equal virtual
// addresses, so the image can be mapped at any page-aligned base.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/spf13/afero"
)

const (
	page      = 0x1000
	stubSize  = 16
	ehdrSize  = 64
	phdrSize  = 56
	symSize   = 24
	relaSize  = 24
	relSize   = 16
	dynSize   = 16
	gotHeader = 3
)

// Symbol is a symbol the object defines or imports. Addr is filled by Build
// with the link-time address (the TLS offset for TLS symbols).
type Symbol struct {
	Name    string
	Type    elf.SymType
	Bind    elf.SymBind
	Vis     elf.SymVis
	Size    uint64
	Init    []byte
	Version string // version the symbol is defined in or requested at
	File    string // for imports with a Version: the object providing it
	Hidden  bool   // mark the version index hidden (non-default)

	Addr     uint64
	Index    uint32
	imported bool
	tbss     bool
}

// RefKind selects the relocation a reference produces.
type RefKind int

const (
	GlobDat RefKind = iota
	JumpSlot
	Abs64
	Abs32
	Abs32S
	PC32
	Copy
	Relative
	IRelative
	TPOff
	DTPMod
	DTPOff
	Raw
)

// Ref is one relocation. Addr is filled by Build with the link-time address of
// the relocated field.
type Ref struct {
	Kind   RefKind
	Sym    string
	Addend int64
	Type   uint32 // for Raw
	Width  int    // field width in bytes (8 unless Abs32/Abs32S/PC32)

	Addr uint64
}

// Builder describes one object.
type Builder struct {
	Machine elf.Machine
	Soname  string
	Needed  []string
	Rpath   string
	Runpath string
	Interp  string
	Entry   string // name of a defined function
	Flags   elf.DynFlag
	Flags1  elf.DynFlag1

	Init         string
	Fini         string
	InitArray    []string
	FiniArray    []string
	PreinitArray []string

	// Versions lists the versions this object defines, oldest first.
	Versions []string

	// Property, when non-zero, emits a GNU property note with this
	// feature-1 AND word for the builder's machine.
	Property uint32

	UseREL     bool // REL instead of RELA
	UseRELR    bool // relative relocations as DT_RELR
	NoGNUHash  bool
	NoSysVHash bool

	defs    []*Symbol
	imports []*Symbol
	refs    []*Ref
	tls     []*Symbol
}

// New returns a builder for machine m.
func New(m elf.Machine, soname string) *Builder {
	return &Builder{Machine: m, Soname: soname}
}

func (b *Builder) define(s *Symbol) *Symbol {
	if s.Bind == 0 {
		s.Bind = elf.STB_GLOBAL
	}
	b.defs = append(b.defs, s)
	return s
}

// Func defines a function with a 16-byte return stub.
func (b *Builder) Func(name string) *Symbol {
	return b.define(&Symbol{Name: name, Type: elf.STT_FUNC, Size: stubSize})
}

// IFunc defines an indirect function; its stub is the resolver.
func (b *Builder) IFunc(name string) *Symbol {
	return b.define(&Symbol{Name: name, Type: elf.STT_GNU_IFUNC, Size: stubSize})
}

// Object defines a data object with the given initial contents.
func (b *Builder) Object(name string, init []byte) *Symbol {
	return b.define(&Symbol{Name: name, Type: elf.STT_OBJECT, Size: uint64(len(init)), Init: init})
}

// TLSVar defines an initialised thread-local variable.
func (b *Builder) TLSVar(name string, init []byte) *Symbol {
	s := b.define(&Symbol{Name: name, Type: elf.STT_TLS, Size: uint64(len(init)), Init: init})
	b.tls = append(b.tls, s)
	return s
}

// TLSZero defines a zero-initialised thread-local variable.
func (b *Builder) TLSZero(name string, size uint64) *Symbol {
	s := b.define(&Symbol{Name: name, Type: elf.STT_TLS, Size: size, tbss: true})
	b.tls = append(b.tls, s)
	return s
}

// Import declares an undefined symbol. References create imports on demand;
// Import is needed only to set a binding or version.
func (b *Builder) Import(name string) *Symbol {
	for _, s := range b.imports {
		if s.Name == name {
			return s
		}
	}
	s := &Symbol{Name: name, Type: elf.STT_NOTYPE, Bind: elf.STB_GLOBAL, imported: true}
	b.imports = append(b.imports, s)
	return s
}

func (b *Builder) ref(k RefKind, sym string, addend int64) *Ref {
	r := &Ref{Kind: k, Sym: sym, Addend: addend, Width: 8}
	switch k {
	case Abs32, Abs32S, PC32:
		r.Width = 4
	}
	b.refs = append(b.refs, r)
	return r
}

// Ref adds a relocation of kind k against sym.
func (b *Builder) Ref(k RefKind, sym string, addend int64) *Ref { return b.ref(k, sym, addend) }

// RawRef adds a relocation with an explicit type number.
func (b *Builder) RawRef(typ uint32, sym string) *Ref {
	r := b.ref(Raw, sym, 0)
	r.Type = typ
	return r
}

// CopyRef defines name in this object's bss and adds a COPY relocation for it.
func (b *Builder) CopyRef(name string, size uint64) (*Symbol, *Ref) {
	s := b.define(&Symbol{Name: name, Type: elf.STT_OBJECT, Size: size})
	r := b.ref(Copy, name, 0)
	return s, r
}

func (b *Builder) lookupDef(name string) *Symbol {
	for _, s := range b.defs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (b *Builder) relType(r *Ref) uint32 {
	x86 := b.Machine == elf.EM_X86_64
	pick := func(a elf.R_X86_64, c elf.R_AARCH64) uint32 {
		if x86 {
			return uint32(a)
		}
		return uint32(c)
	}
	switch r.Kind {
	case GlobDat:
		return pick(elf.R_X86_64_GLOB_DAT, elf.R_AARCH64_GLOB_DAT)
	case JumpSlot:
		return pick(elf.R_X86_64_JMP_SLOT, elf.R_AARCH64_JUMP_SLOT)
	case Abs64:
		return pick(elf.R_X86_64_64, elf.R_AARCH64_ABS64)
	case Abs32:
		return pick(elf.R_X86_64_32, elf.R_AARCH64_ABS32)
	case Abs32S:
		return pick(elf.R_X86_64_32S, elf.R_AARCH64_ABS32)
	case PC32:
		return pick(elf.R_X86_64_PC32, elf.R_AARCH64_PREL32)
	case Copy:
		return pick(elf.R_X86_64_COPY, elf.R_AARCH64_COPY)
	case Relative:
		return pick(elf.R_X86_64_RELATIVE, elf.R_AARCH64_RELATIVE)
	case IRelative:
		return pick(elf.R_X86_64_IRELATIVE, elf.R_AARCH64_IRELATIVE)
	case TPOff:
		return pick(elf.R_X86_64_TPOFF64, elf.R_AARCH64_TLS_TPREL64)
	case DTPMod:
		return pick(elf.R_X86_64_DTPMOD64, elf.R_AARCH64_TLS_DTPMOD64)
	case DTPOff:
		return pick(elf.R_X86_64_DTPOFF64, elf.R_AARCH64_TLS_DTPREL64)
	}
	return r.Type
}

// symbolless reports relocations that carry their target in the addend.
func symbolless(r *Ref) bool {
	return r.Kind == Relative || r.Kind == IRelative || (r.Kind == Raw && r.Sym == "")
}

// Image is a built object.
type Image struct {
	Bytes []byte
}

// Install builds the object and writes it to fs at path.
func Install(fs afero.Fs, path string, b *Builder) (*Image, error) {
	img, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := afero.WriteFile(fs, path, img.Bytes, 0o755); err != nil {
		return nil, err
	}
	return img, nil
}

type strtab struct {
	buf []byte
	off map[string]uint32
}

func newStrtab() *strtab { return &strtab{buf: []byte{0}, off: map[string]uint32{"": 0}} }

func (t *strtab) add(s string) uint32 {
	if o, ok := t.off[s]; ok {
		return o
	}
	o := uint32(len(t.buf))
	t.buf = append(append(t.buf, s...), 0)
	t.off[s] = o
	return o
}

func align(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

func sysvHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

type dynEnt struct {
	tag elf.DynTag
	val uint64
}

// Build lays out and encodes the object.
func (b *Builder) Build() (*Image, error) {
	if b.Machine != elf.EM_X86_64 && b.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("elftest: unsupported machine %v", b.Machine)
	}
	for _, r := range b.refs {
		if r.Sym != "" && !symbolless(r) && b.lookupDef(r.Sym) == nil {
			b.Import(r.Sym)
		}
		if r.Kind == IRelative || (r.Kind == Relative && r.Sym != "") {
			if b.lookupDef(r.Sym) == nil {
				return nil, fmt.Errorf("elftest: %s target %q is not defined", kindName(r.Kind), r.Sym)
			}
		}
	}
	for _, n := range append(append(append([]string{b.Entry, b.Init, b.Fini}, b.InitArray...), b.FiniArray...), b.PreinitArray...) {
		if n != "" && b.lookupDef(n) == nil {
			return nil, fmt.Errorf("elftest: function %q is not defined", n)
		}
	}

	// Symbol order: null, imports, then definitions sorted by GNU bucket.
	nbuckets := uint32(len(b.defs)/2 + 1)
	defs := append([]*Symbol(nil), b.defs...)
	if !b.NoGNUHash {
		sort.SliceStable(defs, func(i, j int) bool {
			return gnuHash(defs[i].Name)%nbuckets < gnuHash(defs[j].Name)%nbuckets
		})
	}
	syms := append(append([]*Symbol{nil}, b.imports...), defs...)
	for i, s := range syms {
		if s != nil {
			s.Index = uint32(i)
		}
	}
	symoff := uint32(1 + len(b.imports))

	str := newStrtab()
	for _, n := range b.Needed {
		str.add(n)
	}
	for _, n := range []string{b.Soname, b.Rpath, b.Runpath} {
		if n != "" {
			str.add(n)
		}
	}
	for _, s := range syms[1:] {
		str.add(s.Name)
	}

	// Version indices: 1 is the base definition, then own versions, then needs.
	verIndex := map[string]uint16{}
	type need struct {
		file string
		vers []string
	}
	var needs []*need
	versioned := len(b.Versions) > 0
	for i, v := range b.Versions {
		verIndex["\x00"+v] = uint16(2 + i)
		str.add(v)
	}
	next := uint16(2 + len(b.Versions))
	for _, s := range b.imports {
		if s.Version == "" {
			continue
		}
		versioned = true
		key := s.File + "\x00" + s.Version
		if _, ok := verIndex[key]; ok {
			continue
		}
		verIndex[key] = next
		next++
		var n *need
		for _, x := range needs {
			if x.file == s.File {
				n = x
			}
		}
		if n == nil {
			n = &need{file: s.File}
			needs = append(needs, n)
			str.add(s.File)
		}
		n.vers = append(n.vers, s.Version)
		str.add(s.Version)
	}
	if len(b.Versions) > 0 && b.Soname == "" {
		return nil, fmt.Errorf("elftest: version definitions need a soname")
	}

	// Split relocations between the dynamic table, the PLT table and RELR.
	var dynRefs, pltRefs, relrRefs []*Ref
	for _, r := range b.refs {
		switch {
		case r.Kind == JumpSlot:
			pltRefs = append(pltRefs, r)
		case r.Kind == Relative && b.UseRELR:
			relrRefs = append(relrRefs, r)
		default:
			dynRefs = append(dynRefs, r)
		}
	}
	// Init/fini arrays hold absolute addresses: each entry is a relative relocation.
	arrayRel := len(b.InitArray) + len(b.FiniArray) + len(b.PreinitArray)
	nDynRel := len(dynRefs)
	nRelr := len(relrRefs)
	if b.UseRELR {
		nRelr += arrayRel
	} else {
		nDynRel += arrayRel
	}
	entSize := uint64(relaSize)
	if b.UseREL {
		entSize = relSize
	}

	// Read-only segment layout.
	nph := 3 // LOAD, LOAD, DYNAMIC
	if len(b.tls) > 0 {
		nph++
	}
	if b.Property != 0 {
		nph++
	}
	if b.Interp != "" {
		nph++
	}
	off := uint64(ehdrSize + nph*phdrSize)
	var interpOff uint64
	if b.Interp != "" {
		interpOff = off
		off += uint64(len(b.Interp) + 1)
	}
	off = align(off, 8)
	dynsymOff := off
	off += uint64(len(syms)) * symSize
	dynstrOff := off
	off += uint64(len(str.buf))
	off = align(off, 8)

	var hashOff, gnuOff uint64
	if !b.NoSysVHash {
		hashOff = off
		off += uint64(8 + 4*nbuckets + 4*uint32(len(syms)))
		off = align(off, 8)
	}
	const bloomWords = 1
	if !b.NoGNUHash {
		gnuOff = off
		off += uint64(16 + 8*bloomWords + 4*nbuckets + 4*uint32(len(defs)))
		off = align(off, 8)
	}
	var versymOff, verdefOff, verneedOff uint64
	if versioned {
		versymOff = off
		off += uint64(2 * len(syms))
		off = align(off, 8)
		if len(b.Versions) > 0 {
			verdefOff = off
			off += uint64((1 + len(b.Versions)) * 28)
			off = align(off, 8)
		}
		if len(needs) > 0 {
			verneedOff = off
			for _, n := range needs {
				off += uint64(16 + 16*len(n.vers))
			}
			off = align(off, 8)
		}
	}
	relOff := off
	off += uint64(nDynRel) * entSize
	pltRelOff := off
	off += uint64(len(pltRefs)) * entSize
	relrOff := off
	off += uint64(nRelr) * 8
	off = align(off, stubSize)

	var funcs []*Symbol
	for _, s := range b.defs {
		if s.Type == elf.STT_FUNC || s.Type == elf.STT_GNU_IFUNC {
			funcs = append(funcs, s)
		}
	}
	textOff := off
	for i, s := range funcs {
		s.Addr = textOff + uint64(i)*stubSize
	}
	off += uint64(len(funcs)) * stubSize
	off = align(off, 8)
	var noteOff, noteSize uint64
	if b.Property != 0 {
		noteOff = off
		noteSize = 16 + 16
		off += noteSize
	}
	rxEnd := off

	// Writable segment layout.
	rwStart := align(rxEnd, page)
	dyn := b.dynamicEntries(str, hashOff, gnuOff, dynsymOff, dynstrOff, versymOff, verdefOff, verneedOff, len(needs),
		relOff, nDynRel, entSize, pltRelOff, len(pltRefs), relrOff, nRelr)
	off = rwStart
	dynOff := off
	off += uint64(len(dyn)) * dynSize
	off = align(off, 8)
	gotOff := off
	off += gotHeader * 8
	for _, r := range b.refs {
		switch r.Kind {
		case GlobDat, JumpSlot, TPOff, DTPMod, DTPOff:
			r.Addr = off
			off += 8
		}
	}
	for _, s := range b.defs {
		if s.Type == elf.STT_OBJECT && s.Init != nil {
			off = align(off, 8)
			s.Addr = off
			off += s.Size
		}
	}
	off = align(off, 8)
	for _, r := range b.refs {
		if r.Addr == 0 && r.Kind != Copy {
			off = align(off, uint64(r.Width))
			r.Addr = off
			off += uint64(r.Width)
		}
	}
	off = align(off, 8)
	initArrOff := off
	off += uint64(len(b.InitArray)) * 8
	finiArrOff := off
	off += uint64(len(b.FiniArray)) * 8
	preArrOff := off
	off += uint64(len(b.PreinitArray)) * 8

	var tlsOff, tlsFile, tlsMem uint64
	if len(b.tls) > 0 {
		off = align(off, 16)
		tlsOff = off
		var t uint64
		for _, s := range b.tls {
			if !s.tbss {
				t = align(t, 8)
				s.Addr = t
				t += s.Size
			}
		}
		tlsFile = t
		for _, s := range b.tls {
			if s.tbss {
				t = align(t, 8)
				s.Addr = t
				t += s.Size
			}
		}
		tlsMem = t
		off += tlsFile
	}
	fileEnd := off
	bss := align(off+(tlsMem-tlsFile), 8)
	for _, s := range b.defs {
		if s.Type == elf.STT_OBJECT && s.Init == nil {
			bss = align(bss, 8)
			s.Addr = bss
			bss += s.Size
		}
	}
	for _, r := range b.refs {
		if r.Kind == Copy {
			r.Addr = b.lookupDef(r.Sym).Addr
		}
	}
	memEnd := bss
	if memEnd < fileEnd {
		memEnd = fileEnd
	}

	// Resolve dynamic entries that point into the writable segment.
	for i := range dyn {
		switch dyn[i].tag {
		case elf.DT_PLTGOT:
			dyn[i].val = gotOff
		case elf.DT_INIT_ARRAY:
			dyn[i].val = initArrOff
		case elf.DT_FINI_ARRAY:
			dyn[i].val = finiArrOff
		case elf.DT_PREINIT_ARRAY:
			dyn[i].val = preArrOff
		case elf.DT_INIT:
			dyn[i].val = b.lookupDef(b.Init).Addr
		case elf.DT_FINI:
			dyn[i].val = b.lookupDef(b.Fini).Addr
		}
	}

	out := make([]byte, fileEnd)
	le := binary.LittleEndian

	// ELF header.
	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(elf.ET_DYN))
	le.PutUint16(out[18:], uint16(b.Machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	if b.Entry != "" {
		le.PutUint64(out[24:], b.lookupDef(b.Entry).Addr)
	}
	le.PutUint64(out[32:], ehdrSize)
	le.PutUint16(out[52:], ehdrSize)
	le.PutUint16(out[54:], phdrSize)
	le.PutUint16(out[56:], uint16(nph))

	ph := out[ehdrSize:]
	putPhdr := func(t elf.ProgType, flags elf.ProgFlag, o, filesz, memsz, al uint64) {
		le.PutUint32(ph, uint32(t))
		le.PutUint32(ph[4:], uint32(flags))
		le.PutUint64(ph[8:], o)
		le.PutUint64(ph[16:], o)
		le.PutUint64(ph[24:], o)
		le.PutUint64(ph[32:], filesz)
		le.PutUint64(ph[40:], memsz)
		le.PutUint64(ph[48:], al)
		ph = ph[phdrSize:]
	}
	if b.Interp != "" {
		putPhdr(elf.PT_INTERP, elf.PF_R, interpOff, uint64(len(b.Interp)+1), uint64(len(b.Interp)+1), 1)
		copy(out[interpOff:], b.Interp)
	}
	putPhdr(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, rxEnd, rxEnd, page)
	putPhdr(elf.PT_LOAD, elf.PF_R|elf.PF_W, rwStart, fileEnd-rwStart, memEnd-rwStart, page)
	putPhdr(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, dynOff, uint64(len(dyn))*dynSize, uint64(len(dyn))*dynSize, 8)
	if len(b.tls) > 0 {
		putPhdr(elf.PT_TLS, elf.PF_R, tlsOff, tlsFile, tlsMem, 16)
	}
	if b.Property != 0 {
		putPhdr(elf.ProgType(0x6474e553), elf.PF_R, noteOff, noteSize, noteSize, 8)
	}

	// Dynamic symbols.
	for i, s := range syms {
		if s == nil {
			continue
		}
		e := out[dynsymOff+uint64(i)*symSize:]
		le.PutUint32(e, str.add(s.Name))
		e[4] = elf.ST_INFO(s.Bind, s.Type)
		e[5] = byte(s.Vis)
		if !s.imported {
			shndx := uint16(1)
			if s.Type == elf.STT_TLS {
				shndx = 2
			}
			le.PutUint16(e[6:], shndx)
			le.PutUint64(e[8:], s.Addr)
			le.PutUint64(e[16:], s.Size)
		}
	}
	copy(out[dynstrOff:], str.buf)

	if !b.NoSysVHash {
		h := out[hashOff:]
		le.PutUint32(h, nbuckets)
		le.PutUint32(h[4:], uint32(len(syms)))
		buckets := h[8:]
		chains := h[8+4*nbuckets:]
		for _, s := range defs {
			bk := sysvHash(s.Name) % nbuckets
			// Prepend to the bucket's chain.
			le.PutUint32(chains[4*s.Index:], le.Uint32(buckets[4*bk:]))
			le.PutUint32(buckets[4*bk:], s.Index)
		}
	}
	if !b.NoGNUHash {
		const shift = 6
		g := out[gnuOff:]
		le.PutUint32(g, nbuckets)
		le.PutUint32(g[4:], symoff)
		le.PutUint32(g[8:], bloomWords)
		le.PutUint32(g[12:], shift)
		var bloom uint64
		buckets := g[16+8*bloomWords:]
		chains := buckets[4*nbuckets:]
		for i, s := range defs {
			h := gnuHash(s.Name)
			bloom |= 1<<(h%64) | 1<<((h>>shift)%64)
			bk := h % nbuckets
			if le.Uint32(buckets[4*bk:]) == 0 {
				le.PutUint32(buckets[4*bk:], s.Index)
			}
			v := h &^ 1
			if i == len(defs)-1 || gnuHash(defs[i+1].Name)%nbuckets != bk {
				v |= 1
			}
			le.PutUint32(chains[4*i:], v)
		}
		le.PutUint64(g[16:], bloom)
	}

	if versioned {
		for i, s := range syms {
			if s == nil {
				continue
			}
			ndx := uint16(1)
			switch {
			case s.imported && s.Version != "":
				ndx = verIndex[s.File+"\x00"+s.Version]
			case !s.imported && s.Version != "":
				n, ok := verIndex["\x00"+s.Version]
				if !ok {
					return nil, fmt.Errorf("elftest: %s: version %q not defined", s.Name, s.Version)
				}
				ndx = n
			}
			if s.Hidden {
				ndx |= 0x8000
			}
			le.PutUint16(out[versymOff+uint64(2*i):], ndx)
		}
		if len(b.Versions) > 0 {
			p := out[verdefOff:]
			names := append([]string{b.Soname}, b.Versions...)
			for i, v := range names {
				le.PutUint16(p, 1)
				if i == 0 {
					le.PutUint16(p[2:], 1) // VER_FLG_BASE
				}
				le.PutUint16(p[4:], uint16(i+1))
				le.PutUint16(p[6:], 1)
				le.PutUint32(p[8:], sysvHash(v))
				le.PutUint32(p[12:], 20)
				if i < len(names)-1 {
					le.PutUint32(p[16:], 28)
				}
				le.PutUint32(p[20:], str.add(v))
				p = p[28:]
			}
		}
		if len(needs) > 0 {
			p := out[verneedOff:]
			for i, n := range needs {
				le.PutUint16(p, 1)
				le.PutUint16(p[2:], uint16(len(n.vers)))
				le.PutUint32(p[4:], str.add(n.file))
				le.PutUint32(p[8:], 16)
				if i < len(needs)-1 {
					le.PutUint32(p[12:], uint32(16+16*len(n.vers)))
				}
				a := p[16:]
				for j, v := range n.vers {
					le.PutUint32(a, sysvHash(v))
					le.PutUint16(a[6:], verIndex[n.file+"\x00"+v])
					le.PutUint32(a[8:], str.add(v))
					if j < len(n.vers)-1 {
						le.PutUint32(a[12:], 16)
					}
					a = a[16:]
				}
				p = p[16+16*len(n.vers):]
			}
		}
	}

	// Relocation records.
	symIndex := func(r *Ref) uint32 {
		if symbolless(r) || r.Sym == "" {
			return 0
		}
		if d := b.lookupDef(r.Sym); d != nil {
			return d.Index
		}
		return b.Import(r.Sym).Index
	}
	addend := func(r *Ref) int64 {
		switch r.Kind {
		case Relative, IRelative:
			if r.Sym != "" {
				return int64(b.lookupDef(r.Sym).Addr) + r.Addend
			}
		}
		return r.Addend
	}
	putRel := func(at []byte, where uint64, width int, typ, sym uint32, add int64) {
		le.PutUint64(at, where)
		le.PutUint64(at[8:], elf.R_INFO(sym, typ))
		if !b.UseREL {
			le.PutUint64(at[16:], uint64(add))
			return
		}
		// Implicit addends live in the relocated field.
		if where >= rwStart && where+uint64(width) <= fileEnd {
			if width == 4 {
				le.PutUint32(out[where:], uint32(add))
			} else {
				le.PutUint64(out[where:], uint64(add))
			}
		}
	}
	relType := uint32(elf.R_X86_64_RELATIVE)
	if b.Machine == elf.EM_AARCH64 {
		relType = uint32(elf.R_AARCH64_RELATIVE)
	}
	var relrAddrs []uint64
	n := 0
	for _, r := range dynRefs {
		putRel(out[relOff+uint64(n)*entSize:], r.Addr, r.Width, b.relType(r), symIndex(r), addend(r))
		n++
	}
	arrays := []struct {
		at    uint64
		names []string
	}{{initArrOff, b.InitArray}, {finiArrOff, b.FiniArray}, {preArrOff, b.PreinitArray}}
	for _, a := range arrays {
		for i, name := range a.names {
			where := a.at + uint64(i)*8
			target := b.lookupDef(name).Addr
			if b.UseRELR {
				le.PutUint64(out[where:], target)
				relrAddrs = append(relrAddrs, where)
				continue
			}
			putRel(out[relOff+uint64(n)*entSize:], where, 8, relType, 0, int64(target))
			n++
		}
	}
	for i, r := range pltRefs {
		putRel(out[pltRelOff+uint64(i)*entSize:], r.Addr, 8, b.relType(r), symIndex(r), r.Addend)
	}
	for _, r := range relrRefs {
		le.PutUint64(out[r.Addr:], uint64(addend(r)))
		relrAddrs = append(relrAddrs, r.Addr)
	}
	sort.Slice(relrAddrs, func(i, j int) bool { return relrAddrs[i] < relrAddrs[j] })
	// nRelr words were reserved; the packed table is usually far shorter.
	relr := encodeRelr(relrAddrs)
	for i, e := range relr {
		le.PutUint64(out[relrOff+uint64(i)*8:], e)
	}
	for i := range dyn {
		if dyn[i].tag == elf.DynTag(35) {
			dyn[i].val = uint64(len(relr)) * 8
		}
	}

	// Function stubs.
	for _, s := range funcs {
		copy(out[s.Addr:], retStub(b.Machine))
	}

	if b.Property != 0 {
		p := out[noteOff:]
		le.PutUint32(p, 4)
		le.PutUint32(p[4:], 16)
		le.PutUint32(p[8:], 5) // NT_GNU_PROPERTY_TYPE_0
		copy(p[12:], "GNU\x00")
		pt := uint32(0xc0000002)
		if b.Machine == elf.EM_AARCH64 {
			pt = 0xc0000000
		}
		le.PutUint32(p[16:], pt)
		le.PutUint32(p[20:], 4)
		le.PutUint32(p[24:], b.Property)
	}

	// Dynamic section.
	for i, e := range dyn {
		le.PutUint64(out[dynOff+uint64(i)*dynSize:], uint64(e.tag))
		le.PutUint64(out[dynOff+uint64(i)*dynSize+8:], e.val)
	}

	for _, s := range b.defs {
		if s.Type == elf.STT_OBJECT && s.Init != nil {
			copy(out[s.Addr:], s.Init)
		}
		if s.Type == elf.STT_TLS && !s.tbss {
			copy(out[tlsOff+s.Addr:], s.Init)
		}
	}
	return &Image{Bytes: out}, nil
}

// encodeRelr packs sorted addresses: an address entry, then bitmaps for the
// following 63-word windows.
func encodeRelr(addrs []uint64) []uint64 {
	var out []uint64
	for i := 0; i < len(addrs); {
		base := addrs[i]
		out = append(out, base)
		i++
		next := base + 8
		for i < len(addrs) {
			var bits uint64
			for i < len(addrs) && addrs[i] >= next && addrs[i] < next+63*8 && (addrs[i]-next)%8 == 0 {
				bits |= 1 << ((addrs[i] - next) / 8)
				i++
			}
			if bits == 0 {
				break
			}
			out = append(out, bits<<1|1)
			next += 63 * 8
		}
	}
	return out
}

func retStub(m elf.Machine) []byte {
	if m == elf.EM_AARCH64 {
		return []byte{
			0xc0, 0x03, 0x5f, 0xd6, // ret
			0x1f, 0x20, 0x03, 0xd5, // nop
			0x1f, 0x20, 0x03, 0xd5,
			0x1f, 0x20, 0x03, 0xd5,
		}
	}
	s := make([]byte, stubSize)
	s[0] = 0xc3 // ret
	for i := 1; i < stubSize; i++ {
		s[i] = 0xcc
	}
	return s
}

func kindName(k RefKind) string {
	switch k {
	case Relative:
		return "RELATIVE"
	case IRelative:
		return "IRELATIVE"
	}
	return fmt.Sprintf("kind %d", k)
}

func (b *Builder) dynamicEntries(str *strtab, hashOff, gnuOff, dynsymOff, dynstrOff, versymOff, verdefOff, verneedOff uint64,
	nNeeds int, relOff uint64, nRel int, entSize, pltOff uint64, nPLT int, relrOff uint64, nRelr int) []dynEnt {
	var d []dynEnt
	add := func(t elf.DynTag, v uint64) { d = append(d, dynEnt{t, v}) }
	for _, n := range b.Needed {
		add(elf.DT_NEEDED, uint64(str.add(n)))
	}
	if b.Soname != "" {
		add(elf.DT_SONAME, uint64(str.add(b.Soname)))
	}
	if b.Rpath != "" {
		add(elf.DT_RPATH, uint64(str.add(b.Rpath)))
	}
	if b.Runpath != "" {
		add(elf.DT_RUNPATH, uint64(str.add(b.Runpath)))
	}
	if hashOff != 0 {
		add(elf.DT_HASH, hashOff)
	}
	if gnuOff != 0 {
		add(elf.DT_GNU_HASH, gnuOff)
	}
	add(elf.DT_STRTAB, dynstrOff)
	add(elf.DT_SYMTAB, dynsymOff)
	add(elf.DT_STRSZ, uint64(len(str.buf)))
	add(elf.DT_SYMENT, symSize)
	if nRel > 0 {
		if b.UseREL {
			add(elf.DT_REL, relOff)
			add(elf.DT_RELSZ, uint64(nRel)*entSize)
			add(elf.DT_RELENT, entSize)
		} else {
			add(elf.DT_RELA, relOff)
			add(elf.DT_RELASZ, uint64(nRel)*entSize)
			add(elf.DT_RELAENT, entSize)
		}
	}
	if nPLT > 0 {
		add(elf.DT_JMPREL, pltOff)
		add(elf.DT_PLTRELSZ, uint64(nPLT)*entSize)
		if b.UseREL {
			add(elf.DT_PLTREL, uint64(elf.DT_REL))
		} else {
			add(elf.DT_PLTREL, uint64(elf.DT_RELA))
		}
	}
	add(elf.DT_PLTGOT, 0)
	if nRelr > 0 {
		add(elf.DynTag(36), relrOff)
		add(elf.DynTag(35), uint64(nRelr)*8)
		add(elf.DynTag(37), 8)
	}
	if b.Init != "" {
		add(elf.DT_INIT, 0)
	}
	if b.Fini != "" {
		add(elf.DT_FINI, 0)
	}
	if len(b.InitArray) > 0 {
		add(elf.DT_INIT_ARRAY, 0)
		add(elf.DT_INIT_ARRAYSZ, uint64(8*len(b.InitArray)))
	}
	if len(b.FiniArray) > 0 {
		add(elf.DT_FINI_ARRAY, 0)
		add(elf.DT_FINI_ARRAYSZ, uint64(8*len(b.FiniArray)))
	}
	if len(b.PreinitArray) > 0 {
		add(elf.DT_PREINIT_ARRAY, 0)
		add(elf.DT_PREINIT_ARRAYSZ, uint64(8*len(b.PreinitArray)))
	}
	if versymOff != 0 {
		add(elf.DT_VERSYM, versymOff)
	}
	if verdefOff != 0 {
		add(elf.DT_VERDEF, verdefOff)
		add(elf.DT_VERDEFNUM, uint64(1+len(b.Versions)))
	}
	if verneedOff != 0 {
		add(elf.DT_VERNEED, verneedOff)
		add(elf.DT_VERNEEDNUM, uint64(nNeeds))
	}
	if b.Flags != 0 {
		add(elf.DT_FLAGS, uint64(b.Flags))
	}
	if b.Flags1 != 0 {
		add(elf.DT_FLAGS_1, uint64(b.Flags1))
	}
	add(elf.DT_NULL, 0)
	return d
}
