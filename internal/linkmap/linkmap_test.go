package linkmap

import (
	"errors"
	"testing"

	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
)

func mapAt(name string, start, end uint64) *Map {
	m := NewMap(name, "/lib/"+name)
	m.Addr, m.Start, m.End = start, start, end
	m.Segments = []Segment{{Start: start, End: end}}
	return m
}

func TestRegisterLoadOrder(t *testing.T) {
	r := New(0, glog.NewNop())
	main := mapAt("", 0x400000, 0x401000)
	main.Flags = Main | Global
	hm := r.Register(0, main)
	ha := r.Register(0, mapAt("liba.so", 0x7f000000, 0x7f002000))
	hb := r.Register(0, mapAt("libb.so", 0x7f100000, 0x7f101000))

	got := r.Maps(0)
	if len(got) != 3 || got[0] != hm || got[1] != ha || got[2] != hb {
		t.Fatalf("maps = %v", got)
	}
	m, err := r.Get(ha)
	if err != nil || m.Name() != "liba.so" || m.Handle() != ha || m.NS != 0 {
		t.Fatalf("Get = %+v, %v", m, err)
	}
	if FromToken(ha.Token()) != ha {
		t.Error("token round trip")
	}
}

func TestRegisterInvalidNamespaceIsFatal(t *testing.T) {
	r := New(4, glog.NewNop())
	var fatal error
	r.OnFatal = func(err error) { fatal = err }
	h := r.Register(3, mapAt("x.so", 0x1000, 0x2000))
	if h.Valid() || !errors.Is(fatal, lderr.ErrInvalidNamespace) {
		t.Fatalf("handle %v, fatal %v", h, fatal)
	}
}

func TestNamespaces(t *testing.T) {
	r := New(3, glog.NewNop())
	id, err := r.NewNamespace()
	if err != nil || id != 1 {
		t.Fatalf("first NewNamespace = %d, %v", id, err)
	}
	r.Register(1, mapAt("a.so", 0x1000, 0x2000))
	id, err = r.NewNamespace()
	if err != nil || id != 2 {
		t.Fatalf("second NewNamespace = %d, %v", id, err)
	}
	r.Register(2, mapAt("b.so", 0x3000, 0x4000))
	_, err = r.NewNamespace()
	if !errors.Is(err, lderr.ErrInvalidNamespace) {
		t.Fatalf("exhausted: %v", err)
	}
	if err.Error() != "no more namespaces available for dlmopen()" {
		t.Errorf("message = %q", err.Error())
	}
	if !r.ValidNamespace(0) || !r.ValidNamespace(2) || r.ValidNamespace(3) || r.ValidNamespace(-1) {
		t.Error("ValidNamespace")
	}
}

func TestEmptyNamespaceIsReused(t *testing.T) {
	r := New(3, glog.NewNop())
	id, _ := r.NewNamespace()
	h := r.Register(id, mapAt("a.so", 0x1000, 0x2000))
	if err := r.Unregister(h); err != nil {
		t.Fatal(err)
	}
	again, err := r.NewNamespace()
	if err != nil || again != id {
		t.Fatalf("NewNamespace = %d, %v; want %d", again, err, id)
	}
}

func TestNewNamespaceReservesID(t *testing.T) {
	r := New(4, glog.NewNop())
	a, err := r.NewNamespace()
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.NewNamespace()
	if err != nil || b == a {
		t.Fatalf("second NewNamespace before Register = %d, %v; first was %d", b, err, a)
	}
	r.Unreserve(a)
	again, err := r.NewNamespace()
	if err != nil || again != a {
		t.Fatalf("NewNamespace after Unreserve = %d, %v; want %d", again, err, a)
	}
	r.Register(b, mapAt("b.so", 0x1000, 0x2000))
	r.Unreserve(b)
	if c, err := r.NewNamespace(); err != nil || c == b || c == a {
		t.Errorf("NewNamespace = %d, %v; %d and %d are taken", c, err, a, b)
	}
}

func TestStaleHandle(t *testing.T) {
	r := New(0, glog.NewNop())
	h := r.Register(0, mapAt("a.so", 0x1000, 0x2000))
	if err := r.Unregister(h); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(h); !errors.Is(err, lderr.ErrInvalidHandle) {
		t.Fatalf("stale Get: %v", err)
	}
	h2 := r.Register(0, mapAt("b.so", 0x1000, 0x2000))
	if h2 == h {
		t.Fatal("reused slot kept the old generation")
	}
	if _, err := r.Get(h); err == nil {
		t.Error("old handle resolves to the new map")
	}
	if r.Map(Handle{}) != nil {
		t.Error("zero handle resolved")
	}
}

func TestRefCounts(t *testing.T) {
	r := New(0, glog.NewNop())
	h := r.Register(0, mapAt("a.so", 0x1000, 0x2000))
	if err := r.IncRef(h); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister(h); err == nil {
		t.Fatal("unregistered a map with open references")
	}
	if n, err := r.DecRef(h); err != nil || n != 0 {
		t.Fatalf("DecRef = %d, %v", n, err)
	}
	if _, err := r.DecRef(h); err == nil {
		t.Error("underflow not reported")
	}

	r.Debug = true
	defer func() {
		if recover() == nil {
			t.Error("debug underflow did not panic")
		}
	}()
	r.DecRef(h)
}

func TestFindByAddress(t *testing.T) {
	r := New(0, glog.NewNop())
	ha := r.Register(0, mapAt("a.so", 0x10000, 0x12000))
	hb := r.Register(0, mapAt("b.so", 0x20000, 0x21000))

	tests := []struct {
		addr uint64
		want Handle
		kind error
	}{
		{0x10000, ha, nil},
		{0x11fff, ha, nil},
		{0x12000, Handle{}, lderr.ErrNotFound},
		{0x20800, hb, nil},
		{0x5, Handle{}, lderr.ErrNotFound},
	}
	for _, tt := range tests {
		h, err := r.FindByAddress(tt.addr)
		if tt.kind != nil {
			if !errors.Is(err, tt.kind) {
				t.Errorf("0x%x: err = %v, want %v", tt.addr, err, tt.kind)
			}
			continue
		}
		if err != nil || h != tt.want {
			t.Errorf("0x%x: %v, %v; want %v", tt.addr, h, err, tt.want)
		}
	}

	if err := r.Unregister(ha); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindByAddress(0x10010); !errors.Is(err, lderr.ErrStale) {
		t.Errorf("unloaded address: %v", err)
	}
	hc := r.Register(0, mapAt("c.so", 0x10000, 0x11000))
	if h, err := r.FindByAddress(0x10010); err != nil || h != hc {
		t.Errorf("remapped address: %v, %v", h, err)
	}
}

func TestGlobalScopeRefresh(t *testing.T) {
	r := New(0, glog.NewNop())
	main := mapAt("", 0x1000, 0x2000)
	main.Flags = Main | Global
	hm := r.Register(0, main)
	r.Register(0, mapAt("local.so", 0x3000, 0x4000))
	g := mapAt("global.so", 0x5000, 0x6000)
	g.Flags = Global
	hg := r.Register(0, g)

	if _, stale := r.MainSearchList(0); !stale {
		t.Fatal("scope not stale after registration")
	}
	list := r.Refresh(0)
	if len(list) != 2 || list[0] != hm || list[1] != hg {
		t.Fatalf("global scope = %v", list)
	}
	cached, stale := r.MainSearchList(0)
	if stale || len(cached) != 2 {
		t.Fatalf("cached = %v stale=%v", cached, stale)
	}
	r.MarkStale(0)
	if _, stale := r.MainSearchList(0); !stale {
		t.Error("MarkStale ignored")
	}
	if got := r.Names(list); got[0] != "" || got[1] != "global.so" {
		t.Errorf("names = %q", got)
	}
}

func TestSearchListBreadthFirst(t *testing.T) {
	r := New(0, glog.NewNop())
	ha := r.Register(0, mapAt("a.so", 0x1000, 0x2000))
	hb := r.Register(0, mapAt("b.so", 0x3000, 0x4000))
	hc := r.Register(0, mapAt("c.so", 0x5000, 0x6000))
	hd := r.Register(0, mapAt("d.so", 0x7000, 0x8000))

	// a -> b, c; b -> d, a; c -> d
	r.SetDeps(ha, []Handle{hb, hc})
	r.SetDeps(hb, []Handle{hd, ha})
	r.SetDeps(hc, []Handle{hd})

	list, err := r.SearchList(ha)
	if err != nil {
		t.Fatal(err)
	}
	want := []Handle{ha, hb, hc, hd}
	if len(list) != len(want) {
		t.Fatalf("list = %v", list)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("list = %v, want %v", list, want)
		}
	}

	if err := r.AddRelDep(hd, ha); err != nil {
		t.Fatal(err)
	}
	r.AddRelDep(hd, ha)
	r.AddRelDep(ha, hb) // already a DT_NEEDED edge
	if m := r.Map(hd); len(m.RelDeps) != 1 {
		t.Errorf("reldeps of d = %v", m.RelDeps)
	}
	if m := r.Map(ha); len(m.RelDeps) != 0 {
		t.Errorf("reldeps of a = %v", m.RelDeps)
	}
}

func TestTeardown(t *testing.T) {
	r := New(0, glog.NewNop())
	a := mapAt("a.so", 0x1000, 0x2000)
	a.Flags = Global
	a.SetScope([][]Handle{{}})
	a.SetScope([][]Handle{{}})
	r.Register(0, a)
	r.Register(0, mapAt("b.so", 0x3000, 0x4000))
	r.Refresh(0)
	r.Refresh(0)

	rc := r.Teardown()
	if rc.Maps != 2 {
		t.Errorf("maps = %d", rc.Maps)
	}
	if rc.ScopeArrays != 2 {
		t.Errorf("scope arrays = %d", rc.ScopeArrays)
	}
	if rc.ScopeSnapshots != 2 {
		t.Errorf("scope snapshots = %d", rc.ScopeSnapshots)
	}
	if len(r.All()) != 0 {
		t.Error("maps survive teardown")
	}
}

func TestFlagsString(t *testing.T) {
	if got := (Global | NoDelete | Main).String(); got != "global|nodelete|main" {
		t.Errorf("flags = %q", got)
	}
}
