package elfobj

import (
	"debug/elf"
	"fmt"
)

// Sym is one dynamic symbol table entry.
type Sym struct {
	Name  string
	Info  uint8
	Other uint8
	Shndx elf.SectionIndex
	Value uint64
	Size  uint64
}

func (s Sym) Bind() elf.SymBind      { return elf.ST_BIND(s.Info) }
func (s Sym) Type() elf.SymType      { return elf.ST_TYPE(s.Info) }
func (s Sym) Visibility() elf.SymVis { return elf.ST_VISIBILITY(s.Other) }

// Defined reports whether the symbol has a definition in this object.
func (s Sym) Defined() bool { return s.Shndx != elf.SHN_UNDEF }

// Hidden reports STV_HIDDEN or STV_INTERNAL visibility.
func (s Sym) Hidden() bool {
	v := s.Visibility()
	return v == elf.STV_HIDDEN || v == elf.STV_INTERNAL
}

// Contains reports whether the link-time offset off falls inside the symbol.
func (s Sym) Contains(off uint64) bool {
	return off >= s.Value && off < s.Value+s.Size
}

// SysVTable is a DT_HASH table.
type SysVTable struct {
	Buckets []uint32
	Chains  []uint32
}

// GNUTable is a DT_GNU_HASH table. Chains are indexed from SymOffset.
type GNUTable struct {
	SymOffset uint32
	Shift     uint32
	Bloom     []uint64
	Buckets   []uint32
	Chains    []uint32
}

// SymbolCount returns the number of dynamic symbols.
func (d *Dynamic) SymbolCount() uint32 { return d.nsyms }

// Symbol reads symbol i.
func (d *Dynamic) Symbol(i uint32) (Sym, error) {
	if d.SymTab == 0 {
		return Sym{}, fmt.Errorf("no dynamic symbol table")
	}
	if d.nsyms != 0 && i >= d.nsyms {
		return Sym{}, fmt.Errorf("symbol index %d out of range (%d symbols)", i, d.nsyms)
	}
	b, err := d.mem.Read(d.base+d.SymTab+uint64(i)*d.SymEnt, elf.Sym64Size)
	if err != nil {
		return Sym{}, fmt.Errorf("read symbol %d: %w", i, err)
	}
	return Sym{
		Name:  d.Str(le32(b)),
		Info:  b[4],
		Other: b[5],
		Shndx: elf.SectionIndex(le16(b[6:])),
		Value: le64(b[8:]),
		Size:  le64(b[16:]),
	}, nil
}

func (d *Dynamic) parseHash() error {
	if addr := d.Tag(elf.DT_HASH); addr != 0 {
		hdr, err := d.words32(d.base+addr, 2)
		if err != nil {
			return fmt.Errorf("read DT_HASH: %w", err)
		}
		nb, nc := hdr[0], hdr[1]
		buckets, err := d.words32(d.base+addr+8, nb)
		if err != nil {
			return fmt.Errorf("read DT_HASH buckets: %w", err)
		}
		chains, err := d.words32(d.base+addr+8+uint64(nb)*4, nc)
		if err != nil {
			return fmt.Errorf("read DT_HASH chains: %w", err)
		}
		d.SysV = &SysVTable{Buckets: buckets, Chains: chains}
		d.nsyms = nc
	}

	addr := d.Tag(elf.DT_GNU_HASH)
	if addr == 0 {
		return nil
	}
	hdr, err := d.words32(d.base+addr, 4)
	if err != nil {
		return fmt.Errorf("read DT_GNU_HASH: %w", err)
	}
	nb, symoff, bloomSize, shift := hdr[0], hdr[1], hdr[2], hdr[3]
	p := d.base + addr + 16
	raw, err := d.mem.Read(p, int(bloomSize)*8)
	if err != nil {
		return fmt.Errorf("read DT_GNU_HASH bloom: %w", err)
	}
	bloom := make([]uint64, bloomSize)
	for i := range bloom {
		bloom[i] = le64(raw[i*8:])
	}
	p += uint64(bloomSize) * 8
	buckets, err := d.words32(p, nb)
	if err != nil {
		return fmt.Errorf("read DT_GNU_HASH buckets: %w", err)
	}
	p += uint64(nb) * 4

	// The chain array has no explicit length: walk from the highest bucket
	// start to the first stop bit.
	last := uint32(0)
	for _, b := range buckets {
		if b > last {
			last = b
		}
	}
	var chains []uint32
	if last >= symoff {
		for i := last; ; i++ {
			v, err := d.u32(p + uint64(i-symoff)*4)
			if err != nil {
				return fmt.Errorf("read DT_GNU_HASH chain %d: %w", i, err)
			}
			if v&1 != 0 {
				last = i
				break
			}
		}
		if chains, err = d.words32(p, last-symoff+1); err != nil {
			return fmt.Errorf("read DT_GNU_HASH chains: %w", err)
		}
	}
	d.GNU = &GNUTable{SymOffset: symoff, Shift: shift, Bloom: bloom, Buckets: buckets, Chains: chains}
	if n := last + 1; d.SysV == nil {
		if last < symoff {
			n = symoff
		}
		d.nsyms = n
	}
	return nil
}
