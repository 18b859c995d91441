package tls

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"github.com/zboralski/rtld/internal/bootstrap"
	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/machine"
	"golang.org/x/sync/errgroup"
)

func newState(t *testing.T, arch elf.Machine, cfg Config) (*State, *machine.Machine) {
	t.Helper()
	m := machine.New(machine.WithArch(arch), machine.WithLogger(glog.NewNop()))
	t.Cleanup(func() { m.Close() })
	cfg.Arch = arch
	return New(m, cfg, glog.NewNop()), m
}

func TestModuleIDReuse(t *testing.T) {
	s, _ := newState(t, elf.EM_X86_64, Config{})

	a := s.Register("liba.so", 8, 8, nil)
	b := s.Register("libb.so", 8, 8, nil)
	c := s.Register("libc.so", 8, 8, nil)
	if a.ID != 1 || b.ID != 2 || c.ID != 3 {
		t.Fatalf("ids = %d %d %d, want 1 2 3", a.ID, b.ID, c.ID)
	}
	if g := s.Generation(); g != 3 {
		t.Errorf("generation = %d, want 3", g)
	}

	s.Release(b)
	if g := s.Generation(); g != 4 {
		t.Errorf("generation after release = %d, want 4", g)
	}
	if s.Module(2) != nil {
		t.Error("slot 2 still owned after release")
	}
	d := s.Register("libd.so", 8, 8, nil)
	if d.ID != 2 {
		t.Errorf("reused id = %d, want 2", d.ID)
	}
	if s.MaxModID() != 3 {
		t.Errorf("max id = %d, want 3", s.MaxModID())
	}

	// Releasing a module whose slot was reused is a no-op.
	s.Release(b)
	if s.Module(2) != d {
		t.Error("stale release cleared the new owner")
	}
}

func TestStaticOffsetsVariantII(t *testing.T) {
	s, _ := newState(t, elf.EM_X86_64, Config{StaticSize: 0x100, Surplus: 0})
	if s.Variant() != VariantII {
		t.Fatalf("variant = %d, want VariantII", s.Variant())
	}

	a := s.Register("liba.so", 16, 0x28, nil)
	b := s.Register("libb.so", 8, 0x10, nil)
	if err := s.AllocateStatic(a); err != nil {
		t.Fatalf("AllocateStatic(a): %v", err)
	}
	if err := s.AllocateStatic(b); err != nil {
		t.Fatalf("AllocateStatic(b): %v", err)
	}
	if a.TPOffset != -0x30 {
		t.Errorf("a offset = %d, want -0x30", a.TPOffset)
	}
	if b.TPOffset != -0x40 {
		t.Errorf("b offset = %d, want -0x40", b.TPOffset)
	}
	if s.StaticUsed() != 0x40 {
		t.Errorf("static used = 0x%x, want 0x40", s.StaticUsed())
	}

	c := s.Register("libc.so", 8, 0xd0, nil)
	err := s.AllocateStatic(c)
	if !errors.Is(err, lderr.ErrStaticTLS) {
		t.Fatalf("AllocateStatic(c) = %v, want ErrStaticTLS", err)
	}
	if c.Static {
		t.Error("module marked static after failure")
	}
	if s.StaticUsed() != 0x40 {
		t.Errorf("failed allocation consumed space: 0x%x", s.StaticUsed())
	}
}

func TestStaticOffsetsVariantI(t *testing.T) {
	s, _ := newState(t, elf.EM_AARCH64, Config{StaticSize: 0x100})
	if s.Variant() != VariantI {
		t.Fatalf("variant = %d, want VariantI", s.Variant())
	}

	a := s.Register("liba.so", 16, 0x28, nil)
	b := s.Register("libb.so", 32, 0x8, nil)
	if err := s.AllocateStatic(a); err != nil {
		t.Fatalf("AllocateStatic(a): %v", err)
	}
	if err := s.AllocateStatic(b); err != nil {
		t.Fatalf("AllocateStatic(b): %v", err)
	}
	if a.TPOffset != 16 {
		t.Errorf("a offset = %d, want 16", a.TPOffset)
	}
	if b.TPOffset != 0x40 {
		t.Errorf("b offset = 0x%x, want 0x40", b.TPOffset)
	}
}

func TestStaticAlignmentLimit(t *testing.T) {
	s, _ := newState(t, elf.EM_X86_64, Config{})
	mod := s.Register("libwide.so", 128, 8, nil)
	if err := s.AllocateStatic(mod); !errors.Is(err, lderr.ErrStaticTLS) {
		t.Fatalf("AllocateStatic = %v, want ErrStaticTLS", err)
	}
}

func TestMainThreadBlockIsStable(t *testing.T) {
	for _, arch := range []elf.Machine{elf.EM_X86_64, elf.EM_AARCH64} {
		t.Run(arch.String(), func(t *testing.T) {
			s, m := newState(t, arch, Config{})
			arena := bootstrap.New(m, 0)

			th, err := s.NewMainThread(arena)
			if err != nil {
				t.Fatalf("NewMainThread: %v", err)
			}
			block, tp := th.Block(), th.TP
			if tp%64 != 0 {
				t.Errorf("tp 0x%x not aligned to 64", tp)
			}

			img := []byte{0xde, 0xad, 0xbe, 0xef}
			mod := s.Register("libinit.so", 16, 0x20, img)
			if err := s.AllocateStatic(mod); err != nil {
				t.Fatalf("AllocateStatic: %v", err)
			}
			if err := s.InitMain(th); err != nil {
				t.Fatalf("InitMain: %v", err)
			}
			s.EndStartup()

			if th.Block() != block || th.TP != tp {
				t.Fatalf("main thread block moved: 0x%x/0x%x -> 0x%x/0x%x", block, tp, th.Block(), th.TP)
			}
			got, err := m.Read(uint64(int64(tp)+mod.TPOffset), int(mod.Size))
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			want := append(append([]byte(nil), img...), make([]byte, 0x1c)...)
			if !bytes.Equal(got, want) {
				t.Errorf("static block = %x, want %x", got, want)
			}
			addr, err := s.GetAddr(th, mod.ID, 2)
			if err != nil {
				t.Fatalf("GetAddr: %v", err)
			}
			if addr != uint64(int64(tp)+mod.TPOffset)+2 {
				t.Errorf("GetAddr = 0x%x, want static block + 2", addr)
			}
			if arch == elf.EM_X86_64 {
				self, _ := m.ReadU64(tp)
				if self != tp {
					t.Errorf("tcb self pointer = 0x%x, want 0x%x", self, tp)
				}
			}
		})
	}
}

func TestMainThreadWithoutBootstrapMemoryIsFatal(t *testing.T) {
	old := lderr.FatalHook
	t.Cleanup(func() { lderr.FatalHook = old })
	var fatal error
	lderr.FatalHook = func(err error) { fatal = err }

	s, m := newState(t, elf.EM_X86_64, Config{})
	arena := bootstrap.New(m, 0)
	arena.Seal()
	th, err := s.NewMainThread(arena)
	if th != nil || !errors.Is(err, lderr.ErrBootstrapAlloc) {
		t.Fatalf("NewMainThread = %v, %v", th, err)
	}
	if !errors.Is(fatal, bootstrap.ErrSealed) {
		t.Errorf("fatal = %v, want the arena's error", fatal)
	}
}

func TestLazyDynamicBlock(t *testing.T) {
	s, m := newState(t, elf.EM_X86_64, Config{})
	s.EndStartup()

	th, err := s.NewThread()
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	mod := s.Register("libdyn.so", 32, 0x20, []byte{1, 2, 3, 4})

	if _, ok := s.BlockAddr(th, mod.ID); ok {
		t.Fatal("block allocated before first access")
	}
	addr, err := s.GetAddr(th, mod.ID, 4)
	if err != nil {
		t.Fatalf("GetAddr: %v", err)
	}
	blk := addr - 4
	if blk%32 != 0 {
		t.Errorf("block 0x%x not aligned to 32", blk)
	}
	got, _ := m.Read(blk, 8)
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 0, 0, 0, 0}) {
		t.Errorf("block = %x, want image then zeros", got)
	}
	if th.Generation() != s.Generation() {
		t.Errorf("thread generation %d, global %d", th.Generation(), s.Generation())
	}

	again, err := s.GetAddr(th, mod.ID, 4)
	if err != nil || again != addr {
		t.Errorf("second GetAddr = 0x%x, %v; want 0x%x", again, err, addr)
	}
	if b, ok := s.BlockAddr(th, mod.ID); !ok || b != blk {
		t.Errorf("BlockAddr = 0x%x, %v", b, ok)
	}
}

func TestReleaseFreesOwnBlock(t *testing.T) {
	s, m := newState(t, elf.EM_X86_64, Config{})
	s.EndStartup()

	th, err := s.NewThread()
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	mod := s.Register("libgone.so", 8, 0x40, nil)
	if _, err := s.GetAddr(th, mod.ID, 0); err != nil {
		t.Fatalf("GetAddr: %v", err)
	}
	live := m.Allocated()

	s.Release(mod)
	if _, err := s.GetAddr(th, mod.ID, 0); err == nil {
		t.Fatal("GetAddr succeeded for a released module")
	}
	if m.Allocated() != live-1 {
		t.Errorf("allocated = %d, want %d", m.Allocated(), live-1)
	}

	next := s.Register("libnext.so", 8, 0x10, nil)
	if next.ID != mod.ID {
		t.Fatalf("id %d not reused", mod.ID)
	}
	if _, ok := s.BlockAddr(th, next.ID); ok {
		t.Error("new owner of the slot inherited the old block")
	}

	if err := s.Exit(th); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if s.Threads() != 0 {
		t.Errorf("threads = %d after exit", s.Threads())
	}
	if _, err := s.GetAddr(th, next.ID, 0); !errors.Is(err, ErrThreadExited) {
		t.Errorf("GetAddr after exit = %v", err)
	}
}

func TestLateStaticModuleReachesLiveThreads(t *testing.T) {
	s, m := newState(t, elf.EM_X86_64, Config{Surplus: 0x100})
	s.EndStartup()

	th, err := s.NewThread()
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	mod := s.Register("libstatic.so", 8, 0x10, []byte("surplus"))
	if err := s.AllocateStatic(mod); err != nil {
		t.Fatalf("AllocateStatic: %v", err)
	}
	addr, err := s.GetAddr(th, mod.ID, 0)
	if err != nil {
		t.Fatalf("GetAddr: %v", err)
	}
	if addr != uint64(int64(th.TP)+mod.TPOffset) {
		t.Errorf("GetAddr = 0x%x, want tp%+d", addr, mod.TPOffset)
	}
	got, _ := m.ReadCString(addr, 16)
	if got != "surplus" {
		t.Errorf("image = %q", got)
	}
}

func TestFreeSlotinfoTailFirst(t *testing.T) {
	s, _ := newState(t, elf.EM_X86_64, Config{})
	mods := make([]*Module, 0, 70)
	for i := 0; i < 70; i++ {
		mods = append(mods, s.Register("lib.so", 8, 8, nil))
	}
	if s.Nodes() != 2 {
		t.Fatalf("nodes = %d, want 2", s.Nodes())
	}

	// Keep id 65 in the second node.
	for _, mod := range mods[63:] {
		if mod.ID != 65 {
			s.Release(mod)
		}
	}
	if n, clear := s.FreeSlotinfo(); n != 0 || clear {
		t.Fatalf("FreeSlotinfo = %d, %v; want 0, false", n, clear)
	}

	s.Release(mods[64])
	if n, clear := s.FreeSlotinfo(); n != 1 || clear {
		t.Fatalf("FreeSlotinfo = %d, %v; want 1, false", n, clear)
	}
	if s.Nodes() != 1 {
		t.Errorf("nodes = %d, want 1", s.Nodes())
	}

	for _, mod := range mods[:63] {
		s.Release(mod)
	}
	if n, clear := s.FreeSlotinfo(); n != 0 || !clear {
		t.Errorf("FreeSlotinfo = %d, %v; want 0, true", n, clear)
	}
	if s.Nodes() != 1 {
		t.Error("first node was freed")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s, _ := newState(t, elf.EM_X86_64, Config{})
	s.EndStartup()

	threads := make([]*Thread, 8)
	for i := range threads {
		th, err := s.NewThread()
		if err != nil {
			t.Fatalf("NewThread: %v", err)
		}
		threads[i] = th
	}
	shared := s.Register("libshared.so", 16, 0x100, nil)

	var g errgroup.Group
	for _, th := range threads {
		g.Go(func() error {
			seen := uint64(0)
			for i := 0; i < 100; i++ {
				addr, err := s.GetAddr(th, shared.ID, 8)
				if err != nil {
					return err
				}
				if seen != 0 && addr != seen {
					return errors.New("block moved between accesses")
				}
				seen = addr
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 50; i++ {
			mod := s.Register("libchurn.so", 8, 0x10, nil)
			s.Release(mod)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	blocks := make(map[uint64]bool)
	for _, th := range threads {
		b, ok := s.BlockAddr(th, shared.ID)
		if !ok {
			t.Fatalf("thread %d has no block", th.ID)
		}
		if blocks[b] {
			t.Fatalf("threads share block 0x%x", b)
		}
		blocks[b] = true
	}
}
