package libc

import (
	"context"
	"errors"
	"testing"

	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/stubs"
)

func call(t *testing.T, m *machine.Machine, name string, args ...uint64) uint64 {
	t.Helper()
	def, ok := stubs.Default.Lookup("libc.so.6", name)
	if !ok {
		t.Fatalf("%s not registered", name)
	}
	r, err := def.Fn(&machine.Call{Ctx: context.Background(), M: m, Args: args})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return r
}

func TestMallocFree(t *testing.T) {
	m := machine.New()
	p := call(t, m, "malloc", 100)
	if p == 0 || p%16 != 0 {
		t.Fatalf("malloc = 0x%x", p)
	}
	z := call(t, m, "calloc", 4, 8)
	if v, _ := m.ReadU64(z + 24); v != 0 {
		t.Errorf("calloc memory not zeroed: %x", v)
	}
	if err := m.WriteCString(p, "hello"); err != nil {
		t.Fatal(err)
	}
	q := call(t, m, "realloc", p, 4096)
	if s, _ := m.ReadCString(q, 16); s != "hello" {
		t.Errorf("realloc lost contents: %q", s)
	}
	call(t, m, "free", q)
	call(t, m, "_ZdlPv", z)
	if n := m.Allocated(); n != 0 {
		t.Errorf("%d blocks still allocated", n)
	}
}

func TestStrings(t *testing.T) {
	m := machine.New()
	a := call(t, m, "malloc", 64)
	b := call(t, m, "malloc", 64)
	if err := m.WriteCString(a, "abcdef"); err != nil {
		t.Fatal(err)
	}
	if n := call(t, m, "strlen", a); n != 6 {
		t.Errorf("strlen = %d", n)
	}
	call(t, m, "strcpy", b, a)
	if r := call(t, m, "strcmp", a, b); r != 0 {
		t.Errorf("strcmp equal = %d", r)
	}
	if err := m.WriteU8(b+3, 'z'); err != nil {
		t.Fatal(err)
	}
	if r := call(t, m, "strcmp", a, b); r != ^uint64(0) {
		t.Errorf("strcmp less = %x", r)
	}
	if r := call(t, m, "strncmp", a, b, 3); r != 0 {
		t.Errorf("strncmp prefix = %d", r)
	}
	if p := call(t, m, "strchr", a, 'd'); p != a+3 {
		t.Errorf("strchr = 0x%x, want 0x%x", p, a+3)
	}
	if p := call(t, m, "strchr", a, 'q'); p != 0 {
		t.Errorf("strchr missing = 0x%x", p)
	}
	d := call(t, m, "strdup", a)
	if s, _ := m.ReadCString(d, 16); s != "abcdef" {
		t.Errorf("strdup = %q", s)
	}
	call(t, m, "memset", b, 'x', 4)
	if s, _ := m.ReadCString(b, 16); s != "xxxxef" {
		t.Errorf("memset = %q", s)
	}
	call(t, m, "memmove", a+1, a, 3)
	if s, _ := m.ReadCString(a, 16); s != "aabcef" {
		t.Errorf("memmove = %q", s)
	}
}

func TestExit(t *testing.T) {
	def, _ := stubs.Default.Lookup("", "_exit")
	_, err := def.Fn(&machine.Call{M: machine.New(), Args: []uint64{3}})
	var ee *stubs.ExitError
	if !errors.As(err, &ee) || ee.Code != 3 {
		t.Errorf("_exit(3) = %v", err)
	}
}
