// Package disasm decodes x86-64 and AArch64 machine code for diagnostics.
package disasm

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrArch is returned for an instruction set the package cannot decode.
var ErrArch = errors.New("disasm: unsupported architecture")

// Line is one decoded instruction.
type Line struct {
	Addr  uint64
	Bytes []byte
	Text  string
}

// Symbolizer names an address, returning the symbol and its start.
type Symbolizer func(addr uint64) (string, uint64)

// Decode decodes at most max instructions of code, which is located at addr.
// Bytes that do not decode are emitted as a data directive and decoding
// resumes after them.
func Decode(arch elf.Machine, addr uint64, code []byte, max int, sym Symbolizer) ([]Line, error) {
	var step func(pc uint64, b []byte) (string, int)
	switch arch {
	case elf.EM_X86_64:
		step = func(pc uint64, b []byte) (string, int) { return x86(pc, b, sym) }
	case elf.EM_AARCH64:
		step = arm64
	default:
		return nil, fmt.Errorf("%w: %v", ErrArch, arch)
	}
	var out []Line
	for off := 0; off < len(code) && len(out) < max; {
		pc := addr + uint64(off)
		text, n := step(pc, code[off:])
		out = append(out, Line{Addr: pc, Bytes: code[off : off+n], Text: text})
		off += n
	}
	return out, nil
}

func x86(pc uint64, b []byte, sym Symbolizer) (string, int) {
	inst, err := x86asm.Decode(b, 64)
	if err != nil || inst.Len == 0 {
		return fmt.Sprintf(".byte 0x%02x", b[0]), 1
	}
	var lookup x86asm.SymLookup
	if sym != nil {
		lookup = x86asm.SymLookup(sym)
	}
	return x86asm.IntelSyntax(inst, pc, lookup), inst.Len
}

func arm64(_ uint64, b []byte) (string, int) {
	if len(b) < 4 {
		return fmt.Sprintf(".byte 0x%02x", b[0]), 1
	}
	inst, err := arm64asm.Decode(b)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(b[0])|uint32(b[1])<<8|uint32(b[2])<<16|uint32(b[3])<<24), 4
	}
	return arm64asm.GNUSyntax(inst), 4
}

func mnemonic(text string) string {
	f := strings.Fields(strings.ToUpper(text))
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// Tags returns markers for notable instructions: calls, branches, returns,
// system calls, xor and crypto extensions.
func Tags(text string) []string {
	var tags []string
	switch op := mnemonic(text); op {
	case "CALL", "BL":
		tags = append(tags, "#call")
	case "BLR":
		tags = append(tags, "#call", "#br")
	case "BR":
		tags = append(tags, "#br")
	case "JMP":
		if strings.ContainsAny(text, "[") || !strings.Contains(text, "0x") {
			tags = append(tags, "#br")
		}
	case "RET":
		tags = append(tags, "#ret")
	case "SYSCALL", "SVC":
		tags = append(tags, "#syscall")
	case "XOR", "EOR", "PXOR", "VPXOR":
		tags = append(tags, "#xor")
	case "EOR3":
		tags = append(tags, "#xor", "#neon")
	case "AESE", "AESD", "AESMC", "AESIMC", "AESENC", "AESENCLAST", "AESDEC", "AESDECLAST":
		tags = append(tags, "#aes", "#crypto")
	case "SHA256H", "SHA256H2", "SHA256SU0", "SHA256SU1", "SHA256RNDS2", "SHA256MSG1", "SHA256MSG2":
		tags = append(tags, "#sha256", "#crypto")
	}
	return tags
}

// BlockEnd reports whether text ends a basic block.
func BlockEnd(text string) bool {
	op := mnemonic(text)
	switch op {
	case "RET", "BR", "B", "ERET", "JMP", "UD2", "HLT":
		return true
	}
	if strings.HasPrefix(op, "B.") || strings.HasPrefix(op, "CBZ") || strings.HasPrefix(op, "CBNZ") ||
		strings.HasPrefix(op, "TBZ") || strings.HasPrefix(op, "TBNZ") {
		return true
	}
	// Conditional jumps on x86-64.
	return len(op) > 1 && op[0] == 'J'
}
