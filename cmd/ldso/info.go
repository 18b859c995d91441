package main

import (
	"context"
	"debug/elf"
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/zboralski/rtld/internal/disasm"
	"github.com/zboralski/rtld/internal/linkmap"
	"github.com/zboralski/rtld/internal/ui/colorize"
)

// Instructions shown per IFUNC resolver.
const resolverInsns = 12

// info loads the program without running it and describes every object.
func info(ctx context.Context, s *session, out *outputWriter, program string) error {
	maps, missing, err := s.ctx.List(ctx, program)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	reg := s.ctx.Registry()
	for _, m := range maps {
		out.Write(colorize.Header(m.Name()) + " " + colorize.Path(m.Path))
		out.Write(fmt.Sprintf("  base  %s  [%s, %s)", colorize.Address(m.Base()), colorize.Address(m.Start), colorize.Address(m.End)))
		if m.Entry != 0 {
			out.Write("  entry " + colorize.Address(m.Entry))
		}
		out.Write("  flags " + colorize.Detail(m.Flags.String()))
		if len(m.Deps) > 0 {
			out.Write("  needs " + strings.Join(reg.Names(m.Deps), ", "))
		}
		if m.TLSModID != 0 {
			if mod := s.ctx.TLS().Module(m.TLSModID); mod != nil {
				kind := "dynamic"
				if mod.Static {
					kind = fmt.Sprintf("static tpoff %d", mod.TPOffset)
				}
				out.Write(fmt.Sprintf("  tls   module %d size %d align %d %s", mod.ID, mod.Size, mod.Align, kind))
			}
		}
		resolvers(ctx, s, out, m)
	}
	for _, name := range missing {
		out.Write(colorize.Error(name + ": not found"))
	}
	return nil
}

// resolvers disassembles the start of every IFUNC resolver m defines.
func resolvers(ctx context.Context, s *session, out *outputWriter, m *linkmap.Map) {
	if m.Dyn == nil || m.Dyn.SymTab == 0 {
		return
	}
	mach := s.ctx.Machine()
	symbolize := func(addr uint64) (string, uint64) {
		ai, ok := s.ctx.Dladdr(ctx, addr)
		if !ok || ai.Symbol == "" {
			return "", 0
		}
		return demangle.Filter(ai.Symbol), ai.SymAddr
	}
	for i := uint32(1); i < m.Dyn.SymbolCount(); i++ {
		sym, err := m.Dyn.Symbol(i)
		if err != nil {
			return
		}
		if sym.Type() != elf.STT_GNU_IFUNC || !sym.Defined() {
			continue
		}
		addr := m.Addr + sym.Value
		size := sym.Size
		if size == 0 || size > 64 {
			size = 64
		}
		if r, ok := mach.RegionAt(addr); ok && addr+size > r.End() {
			size = r.End() - addr
		}
		code, err := mach.Read(addr, int(size))
		if err != nil {
			continue
		}
		out.Write("  ifunc " + colorize.Object(demangle.Filter(sym.Name)) + " " + colorize.Address(addr))
		lines, err := disasm.Decode(mach.Arch(), addr, code, resolverInsns, symbolize)
		if err != nil {
			out.Write("    " + colorize.Error(err.Error()))
			continue
		}
		for _, l := range lines {
			text := colorize.Instruction(l.Text)
			if tags := disasm.Tags(l.Text); len(tags) > 0 {
				text += "  " + colorize.Tag(strings.Join(tags, " "))
			}
			out.Write(fmt.Sprintf("    %s  %s  %s", colorize.Address(l.Addr), colorize.HexBytes(fmt.Sprintf("%-24x", l.Bytes)), text))
			if disasm.BlockEnd(l.Text) {
				break
			}
		}
	}
}
