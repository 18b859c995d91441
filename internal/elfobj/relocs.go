package elfobj

import (
	"debug/elf"
	"fmt"
)

// Record sizes of Elf64_Rel and Elf64_Rela.
const (
	rel64Size  = 16
	rela64Size = 24
)

// Reloc is one relocation record. Explicit is false for REL records, whose
// addend lives at the target.
type Reloc struct {
	Offset   uint64
	Type     uint32
	Sym      uint32
	Addend   int64
	Explicit bool
}

func (d *Dynamic) parseRelocs() error {
	var err error
	if d.Rela, err = d.readTable(elf.DT_RELA, elf.DT_RELASZ, elf.DT_RELAENT, true); err != nil {
		return err
	}
	if d.Rel, err = d.readTable(elf.DT_REL, elf.DT_RELSZ, elf.DT_RELENT, false); err != nil {
		return err
	}
	if addr := d.Tag(elf.DT_JMPREL); addr != 0 {
		rela := d.PLTRel != elf.DT_REL
		ent := uint64(rela64Size)
		if !rela {
			ent = rel64Size
		}
		if d.PLT, err = d.readRecords(addr, d.Tag(elf.DT_PLTRELSZ), ent, rela); err != nil {
			return fmt.Errorf("read DT_JMPREL: %w", err)
		}
	}
	if addr := d.Tag(DT_RELR); addr != 0 {
		if d.Relr, err = d.decodeRelr(addr, d.Tag(DT_RELRSZ)); err != nil {
			return fmt.Errorf("read DT_RELR: %w", err)
		}
	}
	return nil
}

func (d *Dynamic) readTable(addrTag, sizeTag, entTag elf.DynTag, rela bool) ([]Reloc, error) {
	addr := d.Tag(addrTag)
	if addr == 0 {
		return nil, nil
	}
	ent := d.Tag(entTag)
	if ent == 0 {
		ent = rel64Size
		if rela {
			ent = rela64Size
		}
	}
	out, err := d.readRecords(addr, d.Tag(sizeTag), ent, rela)
	if err != nil {
		return nil, fmt.Errorf("read %v: %w", addrTag, err)
	}
	return out, nil
}

func (d *Dynamic) readRecords(addr, size, ent uint64, rela bool) ([]Reloc, error) {
	if size == 0 {
		return nil, nil
	}
	minEnt := uint64(rel64Size)
	if rela {
		minEnt = rela64Size
	}
	if ent < minEnt {
		return nil, fmt.Errorf("relocation entry size %d too small", ent)
	}
	b, err := d.mem.Read(d.base+addr, int(size))
	if err != nil {
		return nil, err
	}
	out := make([]Reloc, 0, size/ent)
	for off := uint64(0); off+minEnt <= size; off += ent {
		info := le64(b[off+8:])
		r := Reloc{
			Offset:   le64(b[off:]),
			Type:     elf.R_TYPE64(info),
			Sym:      elf.R_SYM64(info),
			Explicit: rela,
		}
		if rela {
			r.Addend = int64(le64(b[off+16:]))
		}
		out = append(out, r)
	}
	return out, nil
}

// decodeRelr expands a DT_RELR table into the offsets it relocates. An even
// entry is an address, an odd entry a bitmap of the 63 words that follow.
// Addresses must ascend and every offset must fall below the object's limit.
func (d *Dynamic) decodeRelr(addr, size uint64) ([]uint64, error) {
	b, err := d.mem.Read(d.base+addr, int(size))
	if err != nil {
		return nil, err
	}
	var out []uint64
	var next uint64
	started := false
	for off := 0; off+8 <= len(b); off += 8 {
		e := le64(b[off:])
		if e&1 == 0 {
			if started && e < next {
				return nil, fmt.Errorf("RELR address 0x%x at entry %d precedes 0x%x", e, off/8, next)
			}
			if err := d.checkSite(e); err != nil {
				return nil, err
			}
			out = append(out, e)
			next, started = e+8, true
			continue
		}
		if !started {
			return nil, fmt.Errorf("RELR bitmap at entry %d without an address", off/8)
		}
		for i, bits := uint64(0), e>>1; bits != 0; i, bits = i+1, bits>>1 {
			if bits&1 != 0 {
				if err := d.checkSite(next + i*8); err != nil {
					return nil, err
				}
				out = append(out, next+i*8)
			}
		}
		next += 63 * 8
	}
	return out, nil
}

func (d *Dynamic) checkSite(off uint64) error {
	if d.limit != 0 && off+8 > d.limit {
		return fmt.Errorf("relocation site 0x%x outside the object (end 0x%x)", off, d.limit)
	}
	return nil
}

// RelocCount returns the number of non-PLT relocations.
func (d *Dynamic) RelocCount() int { return len(d.Rela) + len(d.Rel) + len(d.Relr) }
