// Package colorize highlights ldso diagnostics and disassembly on a terminal.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/mattn/go-isatty"
)

// lexer returns the first available assembly lexer.
func lexer() chroma.Lexer {
	for _, name := range []string{"gas", "nasm", "armasm"} {
		if l := lexers.Get(name); l != nil {
			return l
		}
	}
	return nil
}

func style() *chroma.Style {
	for _, name := range []string{"disasm-dark", "dracula", "monokai"} {
		if s := styles.Get(name); s != nil {
			return s
		}
	}
	return styles.Fallback
}

func formatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// IsDisabled reports whether output should stay plain: NO_COLOR or
// RTLD_NO_COLOR is set, or stdout is not a terminal.
func IsDisabled() bool {
	if os.Getenv("RTLD_NO_COLOR") != "" || os.Getenv("NO_COLOR") != "" {
		return true
	}
	fd := os.Stdout.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

// Instruction highlights one assembly instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	l := lexer()
	if l == nil {
		return insn
	}
	it, err := l.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := formatter().Format(&buf, style(), it); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func paint(rgb, s string) string {
	if IsDisabled() {
		return s
	}
	return "\033[38;2;" + rgb + "m" + s + "\033[0m"
}

// Address formats an address in yellow.
func Address(addr uint64) string {
	return paint("255;200;0", fmt.Sprintf("0x%016x", addr))
}

// Tag formats an instruction tag or event kind in light pink.
func Tag(tag string) string { return paint("255;180;200", tag) }

// Object formats an object or symbol name in yellow.
func Object(name string) string { return paint("255;200;0", name) }

// Path formats a file path in green.
func Path(p string) string { return paint("0;255;0", p) }

// Detail formats secondary text in light gray.
func Detail(s string) string { return paint("180;180;180", s) }

// Border formats separators in dark gray.
func Border(s string) string { return paint("80;80;80", s) }

// Header formats section headers in blue.
func Header(s string) string { return paint("86;156;214", s) }

// HexBytes formats opcode bytes in gray.
func HexBytes(s string) string { return paint("100;100;100", s) }

// Error formats error text in pink.
func Error(s string) string { return paint("255;128;192", s) }
