package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Memory is a byte-addressable view of an object, either its file image or
// the address space it was mapped into.
type Memory interface {
	Read(addr uint64, size int) ([]byte, error)
}

// Packed relative relocation tags.
const (
	DT_RELRSZ  elf.DynTag = 35
	DT_RELR    elf.DynTag = 36
	DT_RELRENT elf.DynTag = 37
)

const dynEntSize = 16

// Dynamic is the decoded PT_DYNAMIC of one object. Pointer-valued tags are kept
// as link-time addresses; they are read at base+ptr.
type Dynamic struct {
	mem   Memory
	base  uint64
	limit uint64

	Tags map[elf.DynTag][]uint64

	Needed  []string
	Soname  string
	Rpath   string
	Runpath string
	Flags   elf.DynFlag
	Flags1  elf.DynFlag1

	SymTab uint64
	SymEnt uint64
	StrTab uint64
	StrSz  uint64
	strtab []byte

	SysV  *SysVTable
	GNU   *GNUTable
	nsyms uint32

	versym   uint64
	Versions []Version // indexed by version index
	VerDefs  []VerDef

	Rela []Reloc
	Rel  []Reloc
	PLT  []Reloc // DT_JMPREL
	Relr []uint64

	PLTRel elf.DynTag // DT_RELA or DT_REL
	PLTGOT uint64

	Init, Fini                   uint64
	initArray, finiArray, preArr uint64
	initSz, finiSz, preSz        uint64
}

func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

// ParseDynamic reads the dynamic section at base+dyn.Vaddr and everything it
// references. limit is the link-time end of the object's highest PT_LOAD;
// relocation sites at or beyond it are rejected.
func ParseDynamic(mem Memory, base uint64, dyn Prog, limit uint64) (*Dynamic, error) {
	raw, err := mem.Read(base+dyn.Vaddr, int(dyn.Memsz))
	if err != nil {
		return nil, fmt.Errorf("read dynamic section: %w", err)
	}
	d := &Dynamic{mem: mem, base: base, limit: limit, Tags: make(map[elf.DynTag][]uint64)}
	for off := 0; off+dynEntSize <= len(raw); off += dynEntSize {
		tag := elf.DynTag(le64(raw[off:]))
		val := le64(raw[off+8:])
		if tag == elf.DT_NULL {
			break
		}
		d.Tags[tag] = append(d.Tags[tag], val)
	}

	d.SymTab = d.Tag(elf.DT_SYMTAB)
	d.SymEnt = d.Tag(elf.DT_SYMENT)
	if d.SymEnt == 0 {
		d.SymEnt = elf.Sym64Size
	}
	d.StrTab = d.Tag(elf.DT_STRTAB)
	d.StrSz = d.Tag(elf.DT_STRSZ)
	if d.StrTab != 0 && d.StrSz != 0 {
		if d.strtab, err = mem.Read(base+d.StrTab, int(d.StrSz)); err != nil {
			return nil, fmt.Errorf("read string table: %w", err)
		}
	}

	for _, off := range d.Tags[elf.DT_NEEDED] {
		d.Needed = append(d.Needed, d.Str(uint32(off)))
	}
	if d.Has(elf.DT_SONAME) {
		d.Soname = d.Str(uint32(d.Tag(elf.DT_SONAME)))
	}
	if d.Has(elf.DT_RPATH) {
		d.Rpath = d.Str(uint32(d.Tag(elf.DT_RPATH)))
	}
	if d.Has(elf.DT_RUNPATH) {
		d.Runpath = d.Str(uint32(d.Tag(elf.DT_RUNPATH)))
	}
	d.Flags = elf.DynFlag(d.Tag(elf.DT_FLAGS))
	d.Flags1 = elf.DynFlag1(d.Tag(elf.DT_FLAGS_1))

	d.PLTGOT = d.Tag(elf.DT_PLTGOT)
	d.PLTRel = elf.DynTag(d.Tag(elf.DT_PLTREL))
	d.Init = d.Tag(elf.DT_INIT)
	d.Fini = d.Tag(elf.DT_FINI)
	d.initArray, d.initSz = d.Tag(elf.DT_INIT_ARRAY), d.Tag(elf.DT_INIT_ARRAYSZ)
	d.finiArray, d.finiSz = d.Tag(elf.DT_FINI_ARRAY), d.Tag(elf.DT_FINI_ARRAYSZ)
	d.preArr, d.preSz = d.Tag(elf.DT_PREINIT_ARRAY), d.Tag(elf.DT_PREINIT_ARRAYSZ)

	if err := d.parseHash(); err != nil {
		return nil, err
	}
	if err := d.parseVersions(); err != nil {
		return nil, err
	}
	if err := d.parseRelocs(); err != nil {
		return nil, err
	}
	return d, nil
}

// Base returns the load bias the section was parsed with.
func (d *Dynamic) Base() uint64 { return d.base }

// Memory returns the view the section was parsed from.
func (d *Dynamic) Memory() Memory { return d.mem }

// Tag returns the first value of tag, or 0.
func (d *Dynamic) Tag(tag elf.DynTag) uint64 {
	if v := d.Tags[tag]; len(v) > 0 {
		return v[0]
	}
	return 0
}

// Has reports whether tag is present.
func (d *Dynamic) Has(tag elf.DynTag) bool { return len(d.Tags[tag]) > 0 }

// Str returns the string at off in the dynamic string table.
func (d *Dynamic) Str(off uint32) string {
	if uint64(off) >= uint64(len(d.strtab)) {
		return ""
	}
	s := d.strtab[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// BindNow reports whether the object asks for eager binding.
func (d *Dynamic) BindNow() bool {
	return d.Has(elf.DT_BIND_NOW) || d.Flags&elf.DF_BIND_NOW != 0 || d.Flags1&elf.DF_1_NOW != 0
}

// Symbolic reports whether the object resolves its own symbols first.
func (d *Dynamic) Symbolic() bool {
	return d.Has(elf.DT_SYMBOLIC) || d.Flags&elf.DF_SYMBOLIC != 0
}

// StaticTLS reports whether the object's TLS must live in the static block.
func (d *Dynamic) StaticTLS() bool { return d.Flags&elf.DF_STATIC_TLS != 0 }

// NoDelete reports DF_1_NODELETE.
func (d *Dynamic) NoDelete() bool { return d.Flags1&elf.DF_1_NODELETE != 0 }

// NoOpen reports DF_1_NOOPEN: the object may not be opened with dlopen.
func (d *Dynamic) NoOpen() bool { return d.Flags1&elf.DF_1_NOOPEN != 0 }

// InitArray returns the current contents of DT_INIT_ARRAY.
func (d *Dynamic) InitArray() ([]uint64, error) { return d.array(d.initArray, d.initSz) }

// FiniArray returns the current contents of DT_FINI_ARRAY.
func (d *Dynamic) FiniArray() ([]uint64, error) { return d.array(d.finiArray, d.finiSz) }

// PreinitArray returns the current contents of DT_PREINIT_ARRAY.
func (d *Dynamic) PreinitArray() ([]uint64, error) { return d.array(d.preArr, d.preSz) }

func (d *Dynamic) array(addr, size uint64) ([]uint64, error) {
	if addr == 0 || size == 0 {
		return nil, nil
	}
	b, err := d.mem.Read(d.base+addr, int(size))
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, size/8)
	for i := 0; i+8 <= len(b); i += 8 {
		out = append(out, le64(b[i:]))
	}
	return out, nil
}

func (d *Dynamic) u32(addr uint64) (uint32, error) {
	b, err := d.mem.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return le32(b), nil
}

func (d *Dynamic) words32(addr uint64, n uint32) ([]uint32, error) {
	if n == 0 {
		return nil, nil
	}
	b, err := d.mem.Read(addr, int(n)*4)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = le32(b[i*4:])
	}
	return out, nil
}
