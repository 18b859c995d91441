package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// GNU property note constants.
const (
	NT_GNU_PROPERTY_TYPE_0 = 5
	PT_GNU_PROPERTY        = elf.ProgType(0x6474e553)

	GNU_PROPERTY_AARCH64_FEATURE_1_AND = 0xc0000000
	GNU_PROPERTY_X86_FEATURE_1_AND     = 0xc0000002

	GNU_PROPERTY_AARCH64_FEATURE_1_BTI = 1 << 0
	GNU_PROPERTY_AARCH64_FEATURE_1_PAC = 1 << 1
	GNU_PROPERTY_X86_FEATURE_1_IBT     = 1 << 0
	GNU_PROPERTY_X86_FEATURE_1_SHSTK   = 1 << 1
)

// Properties are the control-flow hardening markings of an object.
type Properties struct {
	Present bool // the object carries a GNU property note
	BTI     bool
	PAC     bool
	IBT     bool
	SHSTK   bool
}

// parseProperties reads PT_GNU_PROPERTY, falling back to PT_NOTE segments.
func parseProperties(o *Object) (Properties, error) {
	var props Properties
	var notes []Prog
	if p, ok := o.Prog(PT_GNU_PROPERTY); ok {
		notes = append(notes, p)
	} else {
		for _, p := range o.Progs {
			if p.Type == elf.PT_NOTE && p.Align == 8 {
				notes = append(notes, p)
			}
		}
	}
	for _, p := range notes {
		if err := scanNotes(o.SegmentData(p), o.Machine, &props); err != nil {
			return props, err
		}
	}
	return props, nil
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

func scanNotes(b []byte, m elf.Machine, props *Properties) error {
	le := binary.LittleEndian
	for len(b) >= 12 {
		namesz, descsz, typ := uint64(le.Uint32(b)), uint64(le.Uint32(b[4:])), le.Uint32(b[8:])
		off := align8(12 + namesz)
		end := off + align8(descsz)
		if end > uint64(len(b)) {
			return fmt.Errorf("note overruns segment")
		}
		name := b[12 : 12+namesz]
		if typ == NT_GNU_PROPERTY_TYPE_0 && namesz == 4 && string(name) == "GNU\x00" {
			props.Present = true
			if err := scanProperties(b[off:off+descsz], m, props); err != nil {
				return err
			}
		}
		b = b[end:]
	}
	return nil
}

func scanProperties(d []byte, m elf.Machine, props *Properties) error {
	le := binary.LittleEndian
	for len(d) >= 8 {
		typ, sz := le.Uint32(d), uint64(le.Uint32(d[4:]))
		if 8+sz > uint64(len(d)) {
			return fmt.Errorf("property 0x%x overruns note", typ)
		}
		var bits uint32
		if sz >= 4 {
			bits = le.Uint32(d[8:])
		}
		switch {
		case typ == GNU_PROPERTY_AARCH64_FEATURE_1_AND && m == elf.EM_AARCH64:
			props.BTI = bits&GNU_PROPERTY_AARCH64_FEATURE_1_BTI != 0
			props.PAC = bits&GNU_PROPERTY_AARCH64_FEATURE_1_PAC != 0
		case typ == GNU_PROPERTY_X86_FEATURE_1_AND && m == elf.EM_X86_64:
			props.IBT = bits&GNU_PROPERTY_X86_FEATURE_1_IBT != 0
			props.SHSTK = bits&GNU_PROPERTY_X86_FEATURE_1_SHSTK != 0
		}
		next := 8 + align8(sz)
		if next > uint64(len(d)) {
			break
		}
		d = d[next:]
	}
	return nil
}
