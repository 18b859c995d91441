// Package elfobj parses ELF64 shared objects and executables for loading.
//
// Headers and program headers come from debug/elf. Everything reachable
// through PT_DYNAMIC (symbol tables, hash tables, versions, relocations) is
// read through a Memory view, which is either the file image addressed by
// virtual address or the mapped copy inside a machine.
package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/spf13/afero"
	"github.com/zboralski/rtld/internal/lderr"
)

// Prog is a program header.
type Prog = elf.ProgHeader

// Object is a parsed ELF file.
type Object struct {
	Path    string
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
	Phoff   uint64
	Progs   []Prog
	Loads   []Prog
	Dyn     *Prog // PT_DYNAMIC, nil for static objects
	TLS     *Prog // PT_TLS
	Interp  string
	Props   Properties

	MinVaddr uint64 // page-aligned lowest PT_LOAD address
	MaxVaddr uint64 // page-aligned end of the highest PT_LOAD
	MaxAlign uint64

	data []byte
}

const pageSize = 0x1000

// Supported reports whether the loader can relocate code for m.
func Supported(m elf.Machine) bool {
	return m == elf.EM_X86_64 || m == elf.EM_AARCH64
}

// Open reads and parses the file at path.
func Open(fs afero.Fs, path string) (*Object, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Parse parses an in-memory ELF image.
func Parse(path string, data []byte) (*Object, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		return nil, lderr.New(lderr.ErrBadELF, path, "invalid ELF header")
	}
	if len(data) > elf.EI_CLASS && elf.Class(data[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, lderr.New(lderr.ErrBadELF, path, "wrong ELF class: "+elf.Class(data[elf.EI_CLASS]).String())
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, lderr.Wrap(lderr.ErrBadELF, path, "invalid ELF header", err)
	}
	defer f.Close()

	if f.Data != elf.ELFDATA2LSB {
		return nil, lderr.New(lderr.ErrBadELF, path, "ELF file data encoding not little-endian")
	}
	if f.Type != elf.ET_DYN && f.Type != elf.ET_EXEC {
		return nil, lderr.New(lderr.ErrBadELF, path, "only ET_DYN and ET_EXEC can be loaded")
	}

	o := &Object{
		Path:    path,
		Type:    f.Type,
		Machine: f.Machine,
		Entry:   f.Entry,
		Phoff:   binary.LittleEndian.Uint64(data[32:40]),
		data:    data,
	}

	minV, maxV := ^uint64(0), uint64(0)
	for _, p := range f.Progs {
		ph := p.ProgHeader
		o.Progs = append(o.Progs, ph)
		if ph.Off+ph.Filesz > uint64(len(data)) || ph.Off+ph.Filesz < ph.Off {
			return nil, lderr.New(lderr.ErrBadELF, path, fmt.Sprintf("program header %v extends past end of file", ph.Type))
		}
		switch ph.Type {
		case elf.PT_LOAD:
			if ph.Memsz < ph.Filesz {
				return nil, lderr.New(lderr.ErrBadELF, path, "segment memory size smaller than file size")
			}
			if ph.Align > 1 && ph.Vaddr%ph.Align != ph.Off%ph.Align {
				return nil, lderr.New(lderr.ErrBadELF, path, "ELF load command address/offset not properly aligned")
			}
			o.Loads = append(o.Loads, ph)
			if ph.Vaddr < minV {
				minV = ph.Vaddr
			}
			if ph.Vaddr+ph.Memsz > maxV {
				maxV = ph.Vaddr + ph.Memsz
			}
			if ph.Align > o.MaxAlign {
				o.MaxAlign = ph.Align
			}
		case elf.PT_DYNAMIC:
			dyn := ph
			o.Dyn = &dyn
		case elf.PT_TLS:
			tls := ph
			o.TLS = &tls
		case elf.PT_INTERP:
			o.Interp = string(bytes.TrimRight(data[ph.Off:ph.Off+ph.Filesz], "\x00"))
		}
	}
	if len(o.Loads) == 0 {
		return nil, lderr.New(lderr.ErrBadELF, path, "object file has no loadable segments")
	}
	o.MinVaddr = minV &^ (pageSize - 1)
	o.MaxVaddr = (maxV + pageSize - 1) &^ (pageSize - 1)

	props, err := parseProperties(o)
	if err != nil {
		return nil, lderr.Wrap(lderr.ErrBadELF, path, "invalid GNU property note", err)
	}
	o.Props = props
	return o, nil
}

// IsDynamic reports whether the object has a dynamic section.
func (o *Object) IsDynamic() bool { return o.Dyn != nil }

// Span returns the number of bytes needed to map every PT_LOAD segment.
func (o *Object) Span() uint64 { return o.MaxVaddr - o.MinVaddr }

// Data returns the raw file image.
func (o *Object) Data() []byte { return o.data }

// SegmentData returns the file-backed bytes of p.
func (o *Object) SegmentData(p Prog) []byte {
	return o.data[p.Off : p.Off+p.Filesz]
}

// Prog returns the first program header of the given type.
func (o *Object) Prog(t elf.ProgType) (Prog, bool) {
	for _, p := range o.Progs {
		if p.Type == t {
			return p, true
		}
	}
	return Prog{}, false
}

// Image returns a Memory view of the file addressed by virtual address, so
// dynamic information can be read without mapping the object.
func (o *Object) Image() Memory { return fileImage{o} }

type fileImage struct{ o *Object }

func (f fileImage) Read(addr uint64, size int) ([]byte, error) {
	out := make([]byte, size)
	for _, p := range f.o.Loads {
		if addr < p.Vaddr || addr+uint64(size) > p.Vaddr+p.Memsz {
			continue
		}
		off := addr - p.Vaddr
		if off < p.Filesz {
			n := p.Filesz - off
			if n > uint64(size) {
				n = uint64(size)
			}
			copy(out, f.o.data[p.Off+off:p.Off+off+n])
		}
		return out, nil
	}
	return nil, fmt.Errorf("read 0x%x+%d: outside loadable segments", addr, size)
}
