//go:build unicorn

package machine

import (
	"context"
	"debug/elf"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Emulator-only memory, above anything Map hands out.
const (
	emuStackBase = 0x7fff00000000
	emuStackSize = 0x00100000
	emuReturn    = 0x7fff10000000 // sentinel return address
)

// Unicorn executes AArch64 and x86-64 machine code with Unicorn Engine.
// Bound functions reached during emulation are called in Go and return to
// the emulated caller.
type Unicorn struct {
	TP uint64 // thread pointer (TPIDR_EL0) for AArch64 code
}

// NewUnicorn creates a Unicorn backend.
func NewUnicorn() *Unicorn { return &Unicorn{} }

type ucSession struct {
	ctx    context.Context
	mu     uc.Unicorn
	m      *Machine
	arm    bool
	mapped map[uint64]Region
	err    error
}

var arm64Args = []int{
	uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3,
	uc.ARM64_REG_X4, uc.ARM64_REG_X5, uc.ARM64_REG_X6, uc.ARM64_REG_X7,
}

var amd64Args = []int{
	uc.X86_REG_RDI, uc.X86_REG_RSI, uc.X86_REG_RDX,
	uc.X86_REG_RCX, uc.X86_REG_R8, uc.X86_REG_R9,
}

// Exec runs code at addr until it returns to the sentinel address.
func (u *Unicorn) Exec(ctx context.Context, m *Machine, addr uint64, args []uint64) (uint64, error) {
	arm := m.Arch() == elf.EM_AARCH64
	arch, mode := uc.ARCH_X86, uc.MODE_64
	if arm {
		arch, mode = uc.ARCH_ARM64, uc.MODE_ARM
	}
	mu, err := uc.NewUnicorn(arch, mode)
	if err != nil {
		return 0, fmt.Errorf("create unicorn: %w", err)
	}
	defer mu.Close()

	s := &ucSession{ctx: ctx, mu: mu, m: m, arm: arm, mapped: make(map[uint64]Region)}
	if err := s.syncIn(); err != nil {
		return 0, err
	}
	if err := mu.MemMap(emuStackBase, emuStackSize); err != nil {
		return 0, fmt.Errorf("map stack: %w", err)
	}
	if err := mu.MemMap(emuReturn, PageSize); err != nil {
		return 0, fmt.Errorf("map return page: %w", err)
	}

	sp := uint64(emuStackBase + emuStackSize - 0x1000)
	if arm {
		for i, v := range args {
			if i < len(arm64Args) {
				mu.RegWrite(arm64Args[i], v)
			}
		}
		mu.RegWrite(uc.ARM64_REG_LR, emuReturn)
		mu.RegWrite(uc.ARM64_REG_SP, sp)
		mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, u.TP)
	} else {
		for i, v := range args {
			if i < len(amd64Args) {
				mu.RegWrite(amd64Args[i], v)
			}
		}
		sp -= 8
		ret := make([]byte, 8)
		putU64(ret, emuReturn)
		mu.MemWrite(sp, ret)
		mu.RegWrite(uc.X86_REG_RSP, sp)
	}

	if _, err := mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, pc uint64, size uint32) {
		if pc == emuReturn {
			mu.Stop()
			return
		}
		if _, ok := m.Bound(pc); ok {
			s.trap(pc)
		}
	}, 1, 0); err != nil {
		return 0, fmt.Errorf("hook: %w", err)
	}

	runErr := mu.Start(addr, emuReturn)
	if err := s.syncOut(); err != nil {
		return 0, err
	}
	if s.err != nil {
		return 0, s.err
	}
	if runErr != nil {
		return 0, fmt.Errorf("emulate 0x%x: %w", addr, runErr)
	}
	if arm {
		return mu.RegRead(uc.ARM64_REG_X0)
	}
	return mu.RegRead(uc.X86_REG_RAX)
}

// trap runs the Go function bound at pc and returns to the emulated caller.
func (s *ucSession) trap(pc uint64) {
	regs := amd64Args
	if s.arm {
		regs = arm64Args
	}
	args := make([]uint64, len(regs))
	for i, r := range regs {
		args[i], _ = s.mu.RegRead(r)
	}
	if err := s.syncOut(); err != nil {
		s.fail(err)
		return
	}
	ret, _, err := s.m.invokeBound(s.ctx, pc, args)
	if err != nil {
		s.fail(err)
		return
	}
	if err := s.syncIn(); err != nil {
		s.fail(err)
		return
	}
	if s.arm {
		s.mu.RegWrite(uc.ARM64_REG_X0, ret)
		lr, _ := s.mu.RegRead(uc.ARM64_REG_LR)
		s.mu.RegWrite(uc.ARM64_REG_PC, lr)
		return
	}
	s.mu.RegWrite(uc.X86_REG_RAX, ret)
	sp, _ := s.mu.RegRead(uc.X86_REG_RSP)
	b, err := s.mu.MemRead(sp, 8)
	if err != nil {
		s.fail(err)
		return
	}
	s.mu.RegWrite(uc.X86_REG_RSP, sp+8)
	s.mu.RegWrite(uc.X86_REG_RIP, getU64(b))
}

func (s *ucSession) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.mu.Stop()
}

func ucProt(p Prot) int {
	var out int
	if p&ProtRead != 0 {
		out |= uc.PROT_READ
	}
	if p&ProtWrite != 0 {
		out |= uc.PROT_WRITE
	}
	if p&ProtExec != 0 {
		out |= uc.PROT_EXEC
	}
	return out
}

// syncIn mirrors the machine's regions and contents into the emulator.
func (s *ucSession) syncIn() error {
	live := make(map[uint64]bool)
	for _, r := range s.m.Regions() {
		live[r.Start] = true
		if _, ok := s.mapped[r.Start]; !ok {
			if err := s.mu.MemMapProt(r.Start, r.Size, ucProt(r.Prot)); err != nil {
				return fmt.Errorf("mirror %s at 0x%x: %w", r.Name, r.Start, err)
			}
			s.mapped[r.Start] = r
		}
		data, err := s.m.Read(r.Start, int(r.Size))
		if err != nil {
			return err
		}
		if err := s.mu.MemWrite(r.Start, data); err != nil {
			return fmt.Errorf("mirror %s: %w", r.Name, err)
		}
	}
	for start, r := range s.mapped {
		if !live[start] {
			s.mu.MemUnmap(start, r.Size)
			delete(s.mapped, start)
		}
	}
	return nil
}

// syncOut copies writable emulator memory back into the machine.
func (s *ucSession) syncOut() error {
	for start, r := range s.mapped {
		if r.Prot&ProtWrite == 0 {
			continue
		}
		data, err := s.mu.MemRead(start, r.Size)
		if err != nil {
			return fmt.Errorf("read back %s: %w", r.Name, err)
		}
		if err := s.m.Write(start, data); err != nil {
			return err
		}
	}
	return nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
