package elfobj

import (
	"debug/elf"
	"fmt"
)

// Symbol versioning constants.
const (
	VER_FLG_BASE = 0x1
	VER_FLG_WEAK = 0x2

	VER_NDX_LOCAL  = 0
	VER_NDX_GLOBAL = 1

	VersymHidden = 0x8000
)

// Version is one entry of an object's version table. Entries from DT_VERNEED
// carry the file that must provide them.
type Version struct {
	Name   string
	Hash   uint32
	File   string
	Hidden bool
}

// VerDef is one DT_VERDEF record.
type VerDef struct {
	Index uint16
	Flags uint16
	Hash  uint32
	Name  string
}

func (d *Dynamic) parseVersions() error {
	d.versym = d.Tag(elf.DT_VERSYM)
	var top uint16

	type entry struct {
		ndx uint16
		v   Version
	}
	var found []entry

	if addr := d.Tag(elf.DT_VERDEF); addr != 0 {
		n := d.Tag(elf.DT_VERDEFNUM)
		p := d.base + addr
		for i := uint64(0); i < n; i++ {
			b, err := d.mem.Read(p, 20)
			if err != nil {
				return fmt.Errorf("read verdef %d: %w", i, err)
			}
			vd := VerDef{Flags: le16(b[2:]), Index: le16(b[4:]), Hash: le32(b[8:])}
			aux, next := le32(b[12:]), le32(b[16:])
			if ab, err := d.mem.Read(p+uint64(aux), 8); err == nil {
				vd.Name = d.Str(le32(ab))
			} else {
				return fmt.Errorf("read verdaux %d: %w", i, err)
			}
			d.VerDefs = append(d.VerDefs, vd)
			if vd.Flags&VER_FLG_BASE == 0 {
				found = append(found, entry{vd.Index & 0x7fff, Version{Name: vd.Name, Hash: vd.Hash}})
			}
			if vd.Index&0x7fff > top {
				top = vd.Index & 0x7fff
			}
			if next == 0 {
				break
			}
			p += uint64(next)
		}
	}

	if addr := d.Tag(elf.DT_VERNEED); addr != 0 {
		n := d.Tag(elf.DT_VERNEEDNUM)
		p := d.base + addr
		for i := uint64(0); i < n; i++ {
			b, err := d.mem.Read(p, 16)
			if err != nil {
				return fmt.Errorf("read verneed %d: %w", i, err)
			}
			cnt, file := le16(b[2:]), d.Str(le32(b[4:]))
			aux, next := le32(b[8:]), le32(b[12:])
			q := p + uint64(aux)
			for j := uint16(0); j < cnt; j++ {
				ab, err := d.mem.Read(q, 16)
				if err != nil {
					return fmt.Errorf("read vernaux %d.%d: %w", i, j, err)
				}
				other := le16(ab[6:])
				found = append(found, entry{other & 0x7fff, Version{
					Name:   d.Str(le32(ab[8:])),
					Hash:   le32(ab),
					File:   file,
					Hidden: other&VersymHidden != 0,
				}})
				if other&0x7fff > top {
					top = other & 0x7fff
				}
				an := le32(ab[12:])
				if an == 0 {
					break
				}
				q += uint64(an)
			}
			if next == 0 {
				break
			}
			p += uint64(next)
		}
	}

	if len(found) == 0 {
		return nil
	}
	d.Versions = make([]Version, int(top)+1)
	for _, e := range found {
		d.Versions[e.ndx] = e.v
	}
	return nil
}

// HasVersions reports whether the object carries a DT_VERSYM table.
func (d *Dynamic) HasVersions() bool { return d.versym != 0 }

// Versym returns the raw version index entry of symbol i.
func (d *Dynamic) Versym(i uint32) (uint16, error) {
	if d.versym == 0 {
		return VER_NDX_GLOBAL, nil
	}
	b, err := d.mem.Read(d.base+d.versym+uint64(i)*2, 2)
	if err != nil {
		return 0, fmt.Errorf("read versym %d: %w", i, err)
	}
	return le16(b), nil
}

// Version returns the version table entry for a versym index.
func (d *Dynamic) Version(ndx uint16) (Version, bool) {
	ndx &= 0x7fff
	if int(ndx) >= len(d.Versions) || d.Versions[ndx].Name == "" {
		return Version{}, false
	}
	return d.Versions[ndx], true
}

// SymbolVersion returns the version the object requests or defines for symbol i.
func (d *Dynamic) SymbolVersion(i uint32) (Version, bool) {
	if d.versym == 0 {
		return Version{}, false
	}
	ndx, err := d.Versym(i)
	if err != nil {
		return Version{}, false
	}
	v, ok := d.Version(ndx)
	if ok && ndx&VersymHidden != 0 {
		v.Hidden = true
	}
	return v, ok
}
