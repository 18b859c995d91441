// Package reloc applies dynamic relocations to a mapped object.
//
// Relocation type numbers are classified once per architecture into a Class
// (what to compute, how wide the field is, which range it must fit). The
// processor only ever switches on Class.Kind.
package reloc

import (
	"debug/elf"
	"fmt"
)

// Kind is what a relocation computes.
type Kind uint8

const (
	None       Kind = iota
	Relative        // B + A
	Absolute        // S + A
	PCRelative      // S + A - P
	GOTSlot         // S + A into a GOT entry
	PLTSlot         // S + A into a PLT GOT entry, may be bound lazily
	Copy            // copy the definition's bytes into the referrer
	IFunc           // call B + A, store the result
	TLSModule       // module id of the definition
	TLSOffset       // S + A within the module's TLS block
	TLSStatic       // S + A relative to the thread pointer
	SymSize         // st_size + A
)

var kindNames = [...]string{
	"NONE", "RELATIVE", "ABS", "PCREL", "GOT", "PLT", "COPY", "IRELATIVE",
	"DTPMOD", "DTPOFF", "TPOFF", "SIZE",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Range is the value range a narrow field accepts.
type Range uint8

const (
	Unsigned Range = iota
	Signed
	Either // signed or unsigned 32-bit, as AArch64 ABS32/PREL32 allow
)

// Class is a classified relocation type.
type Class struct {
	Kind  Kind
	Width int // field width in bytes
	Range Range
}

func (c Class) fits(v uint64) bool {
	if c.Width == 8 {
		return true
	}
	s := int64(v)
	switch c.Range {
	case Unsigned:
		return v <= 0xffffffff
	case Signed:
		return s >= -1<<31 && s < 1<<31
	default:
		return s >= -1<<31 && (s < 0 || v <= 0xffffffff)
	}
}

var x86Classes = map[elf.R_X86_64]Class{
	elf.R_X86_64_NONE:      {None, 0, Unsigned},
	elf.R_X86_64_64:        {Absolute, 8, Unsigned},
	elf.R_X86_64_PC32:      {PCRelative, 4, Signed},
	elf.R_X86_64_COPY:      {Copy, 0, Unsigned},
	elf.R_X86_64_GLOB_DAT:  {GOTSlot, 8, Unsigned},
	elf.R_X86_64_JMP_SLOT:  {PLTSlot, 8, Unsigned},
	elf.R_X86_64_RELATIVE:  {Relative, 8, Unsigned},
	elf.R_X86_64_32:        {Absolute, 4, Unsigned},
	elf.R_X86_64_32S:       {Absolute, 4, Signed},
	elf.R_X86_64_DTPMOD64:  {TLSModule, 8, Unsigned},
	elf.R_X86_64_DTPOFF64:  {TLSOffset, 8, Unsigned},
	elf.R_X86_64_TPOFF64:   {TLSStatic, 8, Unsigned},
	elf.R_X86_64_PC64:      {PCRelative, 8, Signed},
	elf.R_X86_64_SIZE32:    {SymSize, 4, Unsigned},
	elf.R_X86_64_SIZE64:    {SymSize, 8, Unsigned},
	elf.R_X86_64_IRELATIVE: {IFunc, 8, Unsigned},
}

var arm64Classes = map[elf.R_AARCH64]Class{
	elf.R_AARCH64_NONE:         {None, 0, Unsigned},
	elf.R_AARCH64_NULL:         {None, 0, Unsigned},
	elf.R_AARCH64_ABS64:        {Absolute, 8, Unsigned},
	elf.R_AARCH64_ABS32:        {Absolute, 4, Either},
	elf.R_AARCH64_PREL64:       {PCRelative, 8, Signed},
	elf.R_AARCH64_PREL32:       {PCRelative, 4, Either},
	elf.R_AARCH64_COPY:         {Copy, 0, Unsigned},
	elf.R_AARCH64_GLOB_DAT:     {GOTSlot, 8, Unsigned},
	elf.R_AARCH64_JUMP_SLOT:    {PLTSlot, 8, Unsigned},
	elf.R_AARCH64_RELATIVE:     {Relative, 8, Unsigned},
	elf.R_AARCH64_TLS_DTPMOD64: {TLSModule, 8, Unsigned},
	elf.R_AARCH64_TLS_DTPREL64: {TLSOffset, 8, Unsigned},
	elf.R_AARCH64_TLS_TPREL64:  {TLSStatic, 8, Unsigned},
	elf.R_AARCH64_IRELATIVE:    {IFunc, 8, Unsigned},
}

// Classify maps a relocation type of machine m to its Class.
func Classify(m elf.Machine, typ uint32) (Class, bool) {
	var c Class
	var ok bool
	switch m {
	case elf.EM_X86_64:
		c, ok = x86Classes[elf.R_X86_64(typ)]
	case elf.EM_AARCH64:
		c, ok = arm64Classes[elf.R_AARCH64(typ)]
	}
	return c, ok
}

// RelativeType returns the machine's RELATIVE type, used for DT_RELR entries.
func RelativeType(m elf.Machine) uint32 {
	if m == elf.EM_AARCH64 {
		return uint32(elf.R_AARCH64_RELATIVE)
	}
	return uint32(elf.R_X86_64_RELATIVE)
}

// TypeName renders a relocation type for diagnostics.
func TypeName(m elf.Machine, typ uint32) string {
	switch m {
	case elf.EM_X86_64:
		return elf.R_X86_64(typ).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ).String()
	}
	return fmt.Sprintf("R_%d", typ)
}
