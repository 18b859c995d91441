package bootstrap

import (
	"errors"
	"testing"

	"github.com/zboralski/rtld/internal/lderr"
	"github.com/zboralski/rtld/internal/machine"
)

func newArena(t *testing.T, opts ...machine.Option) (*Arena, *machine.Machine) {
	t.Helper()
	m := machine.New(opts...)
	t.Cleanup(func() { m.Close() })
	return New(m, machine.PageSize), m
}

func TestAllocFreeRestoresHighWater(t *testing.T) {
	a, _ := newArena(t)

	first, err := a.Alloc(40)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_ = first
	mark := a.HighWater()

	l, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if l.Addr%16 != 0 {
		t.Errorf("block 0x%x not aligned", l.Addr)
	}
	l.Free()
	if got := a.HighWater(); got != mark {
		t.Errorf("high water after free = 0x%x, want 0x%x", got, mark)
	}
}

func TestFreeOfNonLastIsNoop(t *testing.T) {
	a, m := newArena(t)

	x, _ := a.Alloc(32)
	y, _ := a.Alloc(32)
	if err := m.WriteU64(y.Addr, 0x1122334455667788); err != nil {
		t.Fatalf("write: %v", err)
	}
	mark := a.HighWater()

	x.Free()
	if a.HighWater() != mark {
		t.Fatal("freeing a non-last block moved the allocation pointer")
	}
	if v, _ := m.ReadU64(y.Addr); v != 0x1122334455667788 {
		t.Fatalf("freeing a non-last block corrupted the last block: 0x%x", v)
	}
	if x.Current() {
		t.Error("x should no longer be current")
	}
	if _, err := x.Realloc(64); !errors.Is(err, ErrNotLast) {
		t.Errorf("Realloc of stale handle: want ErrNotLast, got %v", err)
	}
}

func TestFreedMemoryIsZeroedOnReuse(t *testing.T) {
	a, m := newArena(t)

	l, _ := a.Alloc(64)
	for i := uint64(0); i < 64; i += 8 {
		m.WriteU64(l.Addr+i, ^uint64(0))
	}
	l.Free()
	l2, _ := a.Alloc(64)
	if l2.Addr != l.Addr {
		t.Fatalf("expected reuse of 0x%x, got 0x%x", l.Addr, l2.Addr)
	}
	buf, _ := m.Read(l2.Addr, 64)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zero after reuse", i)
		}
	}
}

func TestGrowthMapsPagePlusSpare(t *testing.T) {
	a, m := newArena(t)

	l, err := a.Alloc(machine.PageSize + 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	r, ok := m.RegionAt(l.Addr)
	if !ok {
		t.Fatal("block not mapped")
	}
	// roundup(4097, 4096) + 4096
	if r.Size != 3*machine.PageSize {
		t.Errorf("region size %#x, want %#x", r.Size, 3*machine.PageSize)
	}
	if _, err := a.Alloc(machine.PageSize / 2); err != nil {
		t.Fatal(err)
	}
	if a.Mappings() != 1 {
		t.Errorf("second allocation should fit in the spare page, mappings=%d", a.Mappings())
	}
}

func TestReallocInPlace(t *testing.T) {
	a, m := newArena(t)

	l, _ := a.Alloc(32)
	m.WriteU64(l.Addr, 42)
	g, err := l.Realloc(256)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if g.Addr != l.Addr {
		t.Errorf("grow should stay in place: 0x%x -> 0x%x", l.Addr, g.Addr)
	}
	if v, _ := m.ReadU64(g.Addr); v != 42 {
		t.Errorf("contents lost: %d", v)
	}

	big, err := g.Realloc(4 * machine.PageSize)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if v, _ := m.ReadU64(big.Addr); v != 42 {
		t.Errorf("contents lost on move: %d", v)
	}
	if g.Current() {
		t.Error("pre-realloc handle still current")
	}
}

func TestMappingFailureReturnsError(t *testing.T) {
	a, _ := newArena(t, machine.WithLimit(machine.PageSize*2))

	if _, err := a.Alloc(16); err != nil {
		t.Fatalf("small Alloc: %v", err)
	}
	_, err := a.Alloc(8 * machine.PageSize)
	if !errors.Is(err, lderr.ErrBootstrapAlloc) {
		t.Fatalf("expected ErrBootstrapAlloc, got %v", err)
	}
	if !errors.Is(err, machine.ErrNoMemory) {
		t.Errorf("cause should be ErrNoMemory, got %v", err)
	}
}

func TestMustAllocIsFatal(t *testing.T) {
	a, _ := newArena(t, machine.WithLimit(machine.PageSize))
	old := lderr.FatalHook
	defer func() { lderr.FatalHook = old }()

	var fatal error
	lderr.FatalHook = func(err error) { fatal = err }
	b := a.MustAlloc(16 * machine.PageSize)
	if fatal == nil {
		t.Fatal("MustAlloc should report through the fatal hook")
	}
	if b.Addr != 0 {
		t.Errorf("failed MustAlloc returned 0x%x", b.Addr)
	}
}

func TestSeal(t *testing.T) {
	a, _ := newArena(t)
	l, _ := a.Alloc(16)
	a.Seal()
	if _, err := a.Alloc(16); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
	mark := a.HighWater()
	l.Free()
	if a.HighWater() != mark {
		t.Error("Free after Seal must not rewind")
	}
}
