package loader

import (
	"context"
	"debug/elf"
	"errors"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/zboralski/rtld/internal/audit"
	"github.com/zboralski/rtld/internal/config"
	"github.com/zboralski/rtld/internal/elftest"
	"github.com/zboralski/rtld/internal/lderr"
	"github.com/zboralski/rtld/internal/linkmap"
	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/stubs"
	"golang.org/x/sync/errgroup"
)

// recorder collects the names of stubs as they are called.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) fn(name string) machine.Func {
	return func(*machine.Call) (uint64, error) {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		return 0, nil
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, c := range r.got() {
		if c == name {
			n++
		}
	}
	return n
}

type fixture struct {
	fs  afero.Fs
	reg *stubs.Registry
	rec *recorder
	cfg config.Config

	mu     sync.Mutex
	fatals []error
}

// catchFatal replaces lderr.FatalHook for the rest of the test so fatal
// conditions are recorded instead of exiting the test binary.
func (f *fixture) catchFatal(t *testing.T) {
	t.Helper()
	old := lderr.FatalHook
	lderr.FatalHook = func(err error) {
		f.mu.Lock()
		f.fatals = append(f.fatals, err)
		f.mu.Unlock()
	}
	t.Cleanup(func() { lderr.FatalHook = old })
}

func (f *fixture) fatal() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.fatals...)
}

func newFixture() *fixture {
	cfg := config.Default()
	cfg.DefaultDirs = []string{"/lib"}
	cfg.InhibitCache = true
	return &fixture{
		fs:  afero.NewMemMapFs(),
		reg: stubs.NewRegistry(nil),
		rec: &recorder{},
		cfg: cfg,
	}
}

func (f *fixture) install(t *testing.T, path string, b *elftest.Builder) {
	t.Helper()
	if _, err := elftest.Install(f.fs, path, b); err != nil {
		t.Fatalf("Install %s: %v", path, err)
	}
}

// lib installs /lib/<soname> with an initialiser and a finaliser that
// record "init <soname>" and "fini <soname>".
func (f *fixture) lib(t *testing.T, soname string, needed ...string) *elftest.Builder {
	t.Helper()
	b := elftest.New(elf.EM_X86_64, soname)
	b.Needed = needed
	b.Func("init")
	b.Func("fini")
	b.InitArray = []string{"init"}
	b.FiniArray = []string{"fini"}
	f.reg.RegisterFunc("test", soname+":init", f.rec.fn("init "+soname))
	f.reg.RegisterFunc("test", soname+":fini", f.rec.fn("fini "+soname))
	return b
}

func (f *fixture) program(t *testing.T, needed ...string) {
	t.Helper()
	b := elftest.New(elf.EM_X86_64, "app")
	b.Needed = needed
	b.Func("_start")
	b.Entry = "_start"
	f.install(t, "/bin/app", b)
}

func (f *fixture) context(t *testing.T, opts ...Option) *Context {
	t.Helper()
	f.catchFatal(t)
	c, err := New(f.cfg, append([]Option{WithFS(f.fs), WithStubs(f.reg)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Machine().Close() })
	return c
}

func (f *fixture) start(t *testing.T, opts ...Option) *Context {
	t.Helper()
	c := f.context(t, opts...)
	if _, err := c.Start(context.Background(), "/bin/app", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func TestStartOrder(t *testing.T) {
	f := newFixture()
	f.install(t, "/lib/liba.so", f.lib(t, "liba.so", "libb.so"))
	f.install(t, "/lib/libb.so", f.lib(t, "libb.so"))

	app := elftest.New(elf.EM_X86_64, "app")
	app.Needed = []string{"liba.so"}
	app.Func("_start")
	app.Func("pre")
	app.Func("init")
	app.Entry = "_start"
	app.PreinitArray = []string{"pre"}
	app.InitArray = []string{"init"}
	f.install(t, "/bin/app", app)
	f.reg.RegisterFunc("test", "app:pre", f.rec.fn("preinit app"))
	f.reg.RegisterFunc("test", "app:init", f.rec.fn("init app"))
	f.reg.RegisterFunc("test", "app:_start", func(*machine.Call) (uint64, error) {
		return 0, &stubs.ExitError{Code: 3}
	})

	c := f.context(t)
	ctx := context.Background()
	main, err := c.Start(ctx, "/bin/app", "app")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !main.Has(linkmap.Main) {
		t.Error("program map should carry the Main flag")
	}
	want := []string{"preinit app", "init libb.so", "init liba.so", "init app"}
	if got := f.rec.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("init order = %v, want %v", got, want)
	}

	var names []string
	for _, m := range c.Maps(LM_ID_BASE) {
		names = append(names, m.Name())
		if !m.Has(linkmap.Global) || !m.Has(linkmap.Initial) {
			t.Errorf("%s: flags %v, want Global and Initial", m.Name(), m.Flags)
		}
	}
	if want := []string{"app", "liba.so", "libb.so"}; !reflect.DeepEqual(names, want) {
		t.Errorf("load order = %v, want %v", names, want)
	}
	if !c.Arena().Sealed() {
		t.Error("bootstrap arena should be sealed after startup")
	}

	code, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 {
		t.Errorf("exit status %d, want 3", code)
	}

	_, err = c.Start(ctx, "/bin/app", "")
	if !errors.Is(err, lderr.ErrInvalidHandle) {
		t.Errorf("second Start error = %v, want ErrInvalidHandle", err)
	}
	if fatals := f.fatal(); len(fatals) != 0 {
		t.Errorf("misuse reported as fatal: %v", fatals)
	}
}

func TestStartFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.program(t, "libmissing.so")
	c := f.context(t)
	before := c.Machine().Mapped()
	_, err := c.Start(context.Background(), "/bin/app", "")
	if !errors.Is(err, lderr.ErrNotFound) {
		t.Fatalf("Start error = %v, want ErrNotFound", err)
	}
	if fatals := f.fatal(); len(fatals) != 1 || fatals[0] != err {
		t.Errorf("fatal hook got %v, want [%v]", fatals, err)
	}
	if c.Program() != nil {
		t.Error("failed start should leave no program")
	}
	if len(c.Maps(LM_ID_BASE)) != 0 {
		t.Errorf("%d maps left after failed start", len(c.Maps(LM_ID_BASE)))
	}
	if after := c.Machine().Mapped(); after != before {
		t.Errorf("mapped bytes %d after rollback, want %d", after, before)
	}
}

func TestListReportsMissing(t *testing.T) {
	f := newFixture()
	f.install(t, "/lib/liba.so", f.lib(t, "liba.so", "libgone.so"))
	f.program(t, "liba.so")
	c := f.context(t)

	maps, missing, err := c.List(context.Background(), "/bin/app")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(maps) != 2 {
		t.Errorf("List returned %d maps, want 2", len(maps))
	}
	if !reflect.DeepEqual(missing, []string{"libgone.so"}) {
		t.Errorf("missing = %v", missing)
	}
	if n := len(f.rec.got()); n != 0 {
		t.Errorf("List ran %d initialisers", n)
	}
}

func TestDlopenReferenceCounting(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/libx.so", f.lib(t, "libx.so"))
	c := f.start(t)
	ctx := context.Background()
	before := c.Machine().Mapped()

	h1, err := c.Dlopen(ctx, "/lib/libx.so", RTLD_LAZY)
	if err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	h2, err := c.Dlopen(ctx, "libx.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("second Dlopen: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("handles differ: %#x %#x", h1, h2)
	}
	m := c.Registry().Map(linkmap.FromToken(h1))
	if m == nil || m.Opens != 2 {
		t.Fatalf("map %v, want two opens", m)
	}
	if n := f.rec.count("init libx.so"); n != 1 {
		t.Errorf("initialiser ran %d times", n)
	}

	if err := c.Dlclose(ctx, h1); err != nil {
		t.Fatalf("Dlclose: %v", err)
	}
	if c.Registry().Map(linkmap.FromToken(h1)) == nil {
		t.Fatal("object unloaded while still referenced")
	}
	if n := f.rec.count("fini libx.so"); n != 0 {
		t.Errorf("finaliser ran early %d times", n)
	}
	if err := c.Dlclose(ctx, h2); err != nil {
		t.Fatalf("last Dlclose: %v", err)
	}
	if c.Registry().Map(linkmap.FromToken(h1)) != nil {
		t.Error("object still loaded after last Dlclose")
	}
	if n := f.rec.count("fini libx.so"); n != 1 {
		t.Errorf("finaliser ran %d times, want 1", n)
	}
	if after := c.Machine().Mapped(); after != before {
		t.Errorf("mapped bytes %d after unload, want %d", after, before)
	}

	err = c.Dlclose(ctx, h1)
	if !errors.Is(err, lderr.ErrInvalidHandle) {
		t.Errorf("Dlclose of closed handle = %v", err)
	}
	if msg := c.Dlerror(ctx); !strings.Contains(msg, "shared object not open") {
		t.Errorf("Dlerror = %q", msg)
	}
	if msg := c.Dlerror(ctx); msg != "" {
		t.Errorf("Dlerror should clear, got %q", msg)
	}
}

func TestDependenciesUnloadTogether(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/liba.so", f.lib(t, "liba.so", "libb.so"))
	f.install(t, "/lib/libb.so", f.lib(t, "libb.so"))
	c := f.start(t)
	ctx := context.Background()

	h, err := c.Dlopen(ctx, "liba.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	if len(c.Maps(LM_ID_BASE)) != 3 {
		t.Fatalf("%d maps loaded, want 3", len(c.Maps(LM_ID_BASE)))
	}
	if err := c.Dlclose(ctx, h); err != nil {
		t.Fatalf("Dlclose: %v", err)
	}
	if len(c.Maps(LM_ID_BASE)) != 1 {
		t.Errorf("%d maps left, want only the program", len(c.Maps(LM_ID_BASE)))
	}
	want := []string{"init libb.so", "init liba.so", "fini liba.so", "fini libb.so"}
	if got := f.rec.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestNodelete(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/libx.so", f.lib(t, "libx.so"))
	c := f.start(t)
	ctx := context.Background()

	h, err := c.Dlopen(ctx, "libx.so", RTLD_NOW|RTLD_NODELETE)
	if err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	if err := c.Dlclose(ctx, h); err != nil {
		t.Fatalf("Dlclose: %v", err)
	}
	if c.Registry().Map(linkmap.FromToken(h)) == nil {
		t.Error("NODELETE object was unloaded")
	}
}

func TestNoload(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/libx.so", f.lib(t, "libx.so"))
	c := f.start(t)
	ctx := context.Background()

	h, err := c.Dlopen(ctx, "libx.so", RTLD_NOW|RTLD_NOLOAD)
	if err != nil || h != 0 {
		t.Fatalf("NOLOAD of unloaded object = %#x, %v", h, err)
	}
	if c.findLoaded(LM_ID_BASE, "libx.so") != nil {
		t.Fatal("NOLOAD loaded the object")
	}
	h1, err := c.Dlopen(ctx, "libx.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	h2, err := c.Dlopen(ctx, "libx.so", RTLD_NOW|RTLD_NOLOAD|RTLD_GLOBAL)
	if err != nil || h2 != h1 {
		t.Fatalf("NOLOAD of loaded object = %#x, %v", h2, err)
	}
	if m := c.Registry().Map(linkmap.FromToken(h1)); !m.Has(linkmap.Global) {
		t.Error("NOLOAD with RTLD_GLOBAL should promote the object")
	}
}

func TestInvalidModes(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/libx.so", f.lib(t, "libx.so"))
	c := f.start(t)
	ctx := context.Background()

	tests := []struct {
		name string
		open func() (uint64, error)
		kind error
	}{
		{"no binding", func() (uint64, error) { return c.Dlopen(ctx, "libx.so", RTLD_GLOBAL) }, lderr.ErrInvalidMode},
		{"both bindings", func() (uint64, error) { return c.Dlopen(ctx, "libx.so", RTLD_LAZY|RTLD_NOW) }, lderr.ErrInvalidMode},
		{"global in new namespace", func() (uint64, error) {
			return c.Dlmopen(ctx, LM_ID_NEWLM, "libx.so", RTLD_NOW|RTLD_GLOBAL)
		}, lderr.ErrInvalidMode},
		{"empty namespace", func() (uint64, error) { return c.Dlmopen(ctx, 5, "libx.so", RTLD_NOW) }, lderr.ErrInvalidNamespace},
		{"negative namespace", func() (uint64, error) { return c.Dlmopen(ctx, -2, "libx.so", RTLD_NOW) }, lderr.ErrInvalidNamespace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := tt.open()
			if h != 0 || !errors.Is(err, tt.kind) {
				t.Fatalf("got %#x, %v; want %v", h, err, tt.kind)
			}
			if !errors.Is(err, syscall.EINVAL) {
				t.Errorf("%v should carry EINVAL", err)
			}
		})
	}
	if c.findLoaded(LM_ID_BASE, "libx.so") != nil {
		t.Error("rejected mode loaded the object")
	}
}

func TestDlopenEmptyNameReturnsProgram(t *testing.T) {
	f := newFixture()
	f.program(t)
	c := f.start(t)
	h, err := c.Dlopen(context.Background(), "", RTLD_LAZY)
	if err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	if h != c.Program().Handle().Token() {
		t.Errorf("handle %#x is not the program", h)
	}
}

func TestNoOpenRefused(t *testing.T) {
	f := newFixture()
	f.program(t)
	b := f.lib(t, "libno.so")
	b.Flags1 = elf.DF_1_NOOPEN
	f.install(t, "/lib/libno.so", b)
	c := f.start(t)

	if _, err := c.Dlopen(context.Background(), "libno.so", RTLD_NOW); err == nil {
		t.Fatal("Dlopen of a NOOPEN object should fail")
	}
	if c.findLoaded(LM_ID_BASE, "libno.so") != nil {
		t.Error("refused object is still loaded")
	}
}

func TestRollbackOnMissingDependency(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/liba.so", f.lib(t, "liba.so", "libb.so"))
	f.install(t, "/lib/libb.so", f.lib(t, "libb.so", "libgone.so"))
	c := f.start(t)
	ctx := context.Background()
	before := c.Machine().Mapped()

	_, err := c.Dlopen(ctx, "liba.so", RTLD_NOW)
	if !errors.Is(err, lderr.ErrNotFound) {
		t.Fatalf("Dlopen = %v, want ErrNotFound", err)
	}
	if !strings.Contains(c.Dlerror(ctx), "libgone.so") {
		t.Error("dlerror should name the missing dependency")
	}
	if n := len(c.Maps(LM_ID_BASE)); n != 1 {
		t.Errorf("%d maps after rollback, want 1", n)
	}
	if after := c.Machine().Mapped(); after != before {
		t.Errorf("mapped bytes %d after rollback, want %d", after, before)
	}
	if n := len(f.rec.got()); n != 0 {
		t.Errorf("rolled back load ran %d initialisers or finalisers", n)
	}
}

func TestDlmopenNamespaces(t *testing.T) {
	f := newFixture()
	f.program(t)
	b := f.lib(t, "libx.so")
	b.Object("counter", make([]byte, 8))
	f.install(t, "/lib/libx.so", b)
	c := f.start(t)
	ctx := context.Background()

	h1, err := c.Dlmopen(ctx, LM_ID_NEWLM, "libx.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("Dlmopen: %v", err)
	}
	h2, err := c.Dlmopen(ctx, LM_ID_NEWLM, "libx.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("second Dlmopen: %v", err)
	}
	if h1 == h2 {
		t.Fatal("separate namespaces share a handle")
	}
	i1, err := c.Dlinfo(ctx, h1, RTLD_DI_LMID)
	if err != nil {
		t.Fatalf("Dlinfo: %v", err)
	}
	i2, _ := c.Dlinfo(ctx, h2, RTLD_DI_LMID)
	if i1.LMID == LM_ID_BASE || i2.LMID == LM_ID_BASE || i1.LMID == i2.LMID {
		t.Errorf("namespaces %d and %d", i1.LMID, i2.LMID)
	}

	again, err := c.Dlmopen(ctx, i1.LMID, "libx.so", RTLD_NOW)
	if err != nil || again != h1 {
		t.Errorf("reopen in namespace %d = %#x, %v; want %#x", i1.LMID, again, err, h1)
	}

	a1, err := c.Dlsym(ctx, h1, "counter")
	if err != nil {
		t.Fatalf("Dlsym: %v", err)
	}
	a2, _ := c.Dlsym(ctx, h2, "counter")
	if a1 == a2 {
		t.Error("namespaces share data")
	}
	if n := f.rec.count("init libx.so"); n != 2 {
		t.Errorf("initialiser ran %d times, want once per namespace", n)
	}
}

func TestDlsymScopes(t *testing.T) {
	f := newFixture()
	a := f.lib(t, "liba.so")
	dupA := a.Func("dup")
	fa := a.Func("fa")
	f.install(t, "/lib/liba.so", a)
	b := f.lib(t, "libb.so")
	dupB := b.Func("dup")
	f.install(t, "/lib/libb.so", b)
	f.program(t, "liba.so", "libb.so")
	c := f.start(t)
	ctx := context.Background()

	la := c.findLoaded(LM_ID_BASE, "liba.so")
	lb := c.findLoaded(LM_ID_BASE, "libb.so")

	v, err := c.Dlsym(ctx, RTLD_DEFAULT, "dup")
	if err != nil {
		t.Fatalf("RTLD_DEFAULT: %v", err)
	}
	if v != la.Addr+dupA.Addr {
		t.Errorf("RTLD_DEFAULT dup = %#x, want liba's %#x", v, la.Addr+dupA.Addr)
	}

	from := WithCaller(ctx, la.Addr+fa.Addr)
	v, err = c.Dlsym(from, RTLD_NEXT, "dup")
	if err != nil {
		t.Fatalf("RTLD_NEXT: %v", err)
	}
	if v != lb.Addr+dupB.Addr {
		t.Errorf("RTLD_NEXT dup = %#x, want libb's %#x", v, lb.Addr+dupB.Addr)
	}
	if _, err := c.Dlsym(ctx, RTLD_NEXT, "dup"); err == nil {
		t.Error("RTLD_NEXT without a caller should fail")
	}

	v, err = c.Dlsym(ctx, lb.Handle().Token(), "dup")
	if err != nil || v != lb.Addr+dupB.Addr {
		t.Errorf("handle lookup = %#x, %v", v, err)
	}
	_, err = c.Dlsym(ctx, lb.Handle().Token(), "fa")
	if !errors.Is(err, lderr.ErrUndefinedSymbol) {
		t.Errorf("lookup outside the handle's scope = %v", err)
	}
	if msg := c.Dlerror(ctx); !strings.Contains(msg, "libb.so") || !strings.Contains(msg, "fa") {
		t.Errorf("Dlerror = %q", msg)
	}
}

func TestDlsymThreadLocal(t *testing.T) {
	f := newFixture()
	f.program(t)
	b := f.lib(t, "libt.so")
	b.TLSVar("tv", []byte{0x2a, 0, 0, 0, 0, 0, 0, 0})
	f.install(t, "/lib/libt.so", b)
	c := f.start(t)
	ctx := context.Background()

	h, err := c.Dlopen(ctx, "libt.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	mainAddr, err := c.Dlsym(ctx, h, "tv")
	if err != nil {
		t.Fatalf("Dlsym: %v", err)
	}
	th, err := c.NewThread()
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	thAddr, err := c.Dlsym(WithThread(ctx, th), h, "tv")
	if err != nil {
		t.Fatalf("Dlsym on thread: %v", err)
	}
	if mainAddr == thAddr {
		t.Fatal("threads share a TLS block")
	}
	for _, a := range []uint64{mainAddr, thAddr} {
		if v, err := c.Machine().ReadU64(a); err != nil || v != 0x2a {
			t.Errorf("tv at %#x = %#x, %v; want 0x2a", a, v, err)
		}
	}

	info, err := c.Dlinfo(ctx, h, RTLD_DI_TLS_MODID)
	if err != nil || info.TLSModID == 0 {
		t.Errorf("TLS module id = %d, %v", info.TLSModID, err)
	}
	info, err = c.Dlinfo(WithThread(ctx, th), h, RTLD_DI_TLS_DATA)
	if err != nil || info.TLSData == 0 {
		t.Errorf("TLS data = %#x, %v", info.TLSData, err)
	}
	if err := c.ExitThread(th); err != nil {
		t.Errorf("ExitThread: %v", err)
	}
}

func TestDladdrAndDlinfo(t *testing.T) {
	f := newFixture()
	a := f.lib(t, "liba.so")
	fa := a.Func("fa")
	f.install(t, "/lib/liba.so", a)
	f.program(t, "liba.so")
	c := f.start(t)
	ctx := context.Background()
	la := c.findLoaded(LM_ID_BASE, "liba.so")

	info, ok := c.Dladdr(ctx, la.Addr+fa.Addr+4)
	if !ok {
		t.Fatal("Dladdr found nothing")
	}
	if info.File != "/lib/liba.so" || info.Symbol != "fa" || info.SymAddr != la.Addr+fa.Addr {
		t.Errorf("Dladdr = %+v", info)
	}
	if _, ok := c.Dladdr(ctx, 0x10); ok {
		t.Error("Dladdr of an unmapped address should fail")
	}

	h := la.Handle().Token()
	in, err := c.Dlinfo(ctx, h, RTLD_DI_ORIGIN)
	if err != nil || in.Origin != "/lib" {
		t.Errorf("origin = %q, %v", in.Origin, err)
	}
	in, err = c.Dlinfo(ctx, h, RTLD_DI_LINKMAP)
	if err != nil || in.Map != la {
		t.Errorf("link map = %v, %v", in.Map, err)
	}
	in, err = c.Dlinfo(ctx, h, RTLD_DI_PHDR)
	if err != nil || in.Phdr == 0 || in.Phnum == 0 {
		t.Errorf("phdr = %#x/%d, %v", in.Phdr, in.Phnum, err)
	}
	if _, err := c.Dlinfo(ctx, h, 99); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("unknown request = %v, want EINVAL", err)
	}
	if _, err := c.Dlinfo(ctx, 0xdead, RTLD_DI_LMID); !errors.Is(err, lderr.ErrInvalidHandle) {
		t.Errorf("bad handle = %v", err)
	}
}

// nester opens a second object from la_objopen of the first. open, when
// set, replaces the default Dlopen of child.
type nester struct {
	audit.Base
	c      *Context
	parent string
	child  string
	open   func(ctx context.Context) (uint64, error)
	handle uint64
	err    error
	opened []string
}

func (n *nester) ObjOpen(ctx context.Context, obj audit.Object, _ *audit.Cookie) uint32 {
	n.opened = append(n.opened, obj.Path)
	if obj.Path != n.parent {
		return 0
	}
	if n.open != nil {
		n.handle, n.err = n.open(ctx)
	} else {
		n.handle, n.err = n.c.Dlopen(ctx, n.child, RTLD_NOW)
	}
	return 0
}

func TestNestedDlopenFromAuditor(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/libouter.so", f.lib(t, "libouter.so"))
	f.install(t, "/lib/libinner.so", f.lib(t, "libinner.so"))

	n := &nester{parent: "/lib/libouter.so", child: "libinner.so"}
	c := f.context(t, WithAuditor("nester", n))
	n.c = c
	ctx := context.Background()
	if _, err := c.Start(ctx, "/bin/app", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h, err := c.Dlopen(ctx, "libouter.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	if n.err != nil || n.handle == 0 {
		t.Fatalf("nested Dlopen = %#x, %v", n.handle, n.err)
	}
	want := []string{"init libinner.so", "init libouter.so"}
	if got := f.rec.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	inner := c.Registry().Map(linkmap.FromToken(n.handle))
	if inner == nil || !inner.Has(linkmap.Relocated) || inner.Has(linkmap.InitPending) {
		t.Fatalf("inner map %v", inner)
	}

	if err := c.Dlclose(ctx, n.handle); err != nil {
		t.Fatalf("Dlclose inner: %v", err)
	}
	if err := c.Dlclose(ctx, h); err != nil {
		t.Fatalf("Dlclose outer: %v", err)
	}
	if len(c.Maps(LM_ID_BASE)) != 1 {
		t.Errorf("%d maps left", len(c.Maps(LM_ID_BASE)))
	}
}

func TestNestedDlmopenOfObjectInFlight(t *testing.T) {
	f := newFixture()
	f.program(t)
	b := elftest.New(elf.EM_X86_64, "libstate.so")
	state := b.Object("state", []byte{7, 0, 0, 0, 0, 0, 0, 0})
	ctor := b.Func("ctor")
	b.InitArray = []string{"ctor"}
	f.install(t, "/lib/libstate.so", b)
	f.reg.RegisterFunc("test", "libstate.so:ctor", func(call *machine.Call) (uint64, error) {
		f.rec.fn("init libstate.so")(call)
		return 0, call.M.WriteU64(call.PC-ctor.Addr+state.Addr, 42)
	})

	var seen uint64
	n := &nester{parent: "/lib/libstate.so"}
	n.open = func(ctx context.Context) (uint64, error) {
		h, err := n.c.Dlmopen(ctx, LM_ID_BASE, "libstate.so", RTLD_NOW)
		if err != nil {
			return 0, err
		}
		a, err := n.c.Dlsym(ctx, h, "state")
		if err != nil {
			return 0, err
		}
		seen, err = n.c.Machine().ReadU64(a)
		return h, err
	}
	c := f.context(t, WithAuditor("nester", n))
	n.c = c
	ctx := context.Background()
	if _, err := c.Start(ctx, "/bin/app", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h, err := c.Dlopen(ctx, "libstate.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	if n.err != nil || n.handle != h {
		t.Fatalf("nested Dlmopen = %#x, %v; want %#x", n.handle, n.err, h)
	}
	if seen != 7 {
		t.Errorf("nested open saw state %d, want the value before the constructor ran", seen)
	}
	if got := f.rec.count("init libstate.so"); got != 1 {
		t.Errorf("constructor ran %d times, want 1", got)
	}
	a, err := c.Dlsym(ctx, h, "state")
	if err != nil {
		t.Fatalf("Dlsym: %v", err)
	}
	if v, err := c.Machine().ReadU64(a); err != nil || v != 42 {
		t.Errorf("state after Dlopen = %d, %v; want 42", v, err)
	}
	m := c.Registry().Map(linkmap.FromToken(h))
	if m.Opens != 2 || m.Has(linkmap.InitPending) {
		t.Errorf("opens = %d, flags %v", m.Opens, m.Flags)
	}
}

func TestDlmopenNewNamespaceCall(t *testing.T) {
	f := newFixture()
	sys := elftest.New(elf.EM_X86_64, "libsys.so")
	sys.Func("getpid")
	f.install(t, "/lib/libsys.so", sys)
	var calls sync.Map
	f.reg.RegisterFunc("test", "libsys.so:getpid", func(call *machine.Call) (uint64, error) {
		calls.Store(call.PC, true)
		return 4242, nil
	})
	f.program(t, "libsys.so")
	c := f.start(t)
	ctx := context.Background()

	base, err := c.Dlsym(ctx, RTLD_DEFAULT, "getpid")
	if err != nil {
		t.Fatalf("Dlsym base: %v", err)
	}
	h, err := c.Dlmopen(ctx, LM_ID_NEWLM, "libsys.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("Dlmopen: %v", err)
	}
	info, err := c.Dlinfo(ctx, h, RTLD_DI_LMID)
	if err != nil || info.LMID == LM_ID_BASE {
		t.Fatalf("namespace = %d, %v", info.LMID, err)
	}
	fn, err := c.Dlsym(ctx, h, "getpid")
	if err != nil {
		t.Fatalf("Dlsym: %v", err)
	}
	if fn == base {
		t.Fatal("new namespace resolved to the base namespace's copy")
	}
	owner, ok := c.Dladdr(ctx, fn)
	if !ok || owner.Symbol != "getpid" {
		t.Errorf("Dladdr = %+v, %v", owner, ok)
	}
	for _, addr := range []uint64{base, fn} {
		pid, err := c.Machine().Call(ctx, addr)
		if err != nil || pid != 4242 {
			t.Errorf("call %#x = %d, %v", addr, pid, err)
		}
		if _, ok := calls.Load(addr); !ok {
			t.Errorf("stub at %#x was not reached", addr)
		}
	}

	if err := c.Dlclose(ctx, h); err != nil {
		t.Fatalf("Dlclose: %v", err)
	}
	if n := len(c.Maps(info.LMID)); n != 0 {
		t.Errorf("%d maps left in namespace %d", n, info.LMID)
	}
}

func TestProgramHandleSeesGlobalScope(t *testing.T) {
	f := newFixture()
	pre := f.lib(t, "libpre.so")
	pre.Func("from_preload")
	f.install(t, "/lib/libpre.so", pre)
	g := f.lib(t, "libglobal.so")
	viaGlobal := g.Func("from_global")
	f.install(t, "/lib/libglobal.so", g)
	l := f.lib(t, "liblocal.so")
	l.Func("from_local")
	f.install(t, "/lib/liblocal.so", l)
	f.program(t)
	f.cfg.Preload = []string{"libpre.so"}
	c := f.start(t)
	ctx := context.Background()

	self, err := c.Dlopen(ctx, "", RTLD_NOW)
	if err != nil {
		t.Fatalf("Dlopen(\"\"): %v", err)
	}
	if _, err := c.Dlsym(ctx, self, "from_preload"); err != nil {
		t.Errorf("preloaded symbol through the program handle: %v", err)
	}
	if _, err := c.Dlopen(ctx, "libglobal.so", RTLD_NOW|RTLD_GLOBAL); err != nil {
		t.Fatalf("Dlopen global: %v", err)
	}
	if _, err := c.Dlopen(ctx, "liblocal.so", RTLD_NOW); err != nil {
		t.Fatalf("Dlopen local: %v", err)
	}
	gm := c.findLoaded(LM_ID_BASE, "libglobal.so")
	v, err := c.Dlsym(ctx, self, "from_global")
	if err != nil || v != gm.Addr+viaGlobal.Addr {
		t.Errorf("from_global = %#x, %v; want %#x", v, err, gm.Addr+viaGlobal.Addr)
	}
	if _, err := c.Dlsym(ctx, self, "from_local"); !errors.Is(err, lderr.ErrUndefinedSymbol) {
		t.Errorf("RTLD_LOCAL symbol through the program handle = %v", err)
	}
}

func TestAuditorOpenDuringStartupStaysLocal(t *testing.T) {
	f := newFixture()
	f.program(t, "liba.so")
	f.install(t, "/lib/liba.so", f.lib(t, "liba.so"))
	f.install(t, "/lib/libside.so", f.lib(t, "libside.so"))

	n := &nester{parent: "/lib/liba.so", child: "libside.so"}
	c := f.context(t, WithAuditor("nester", n))
	n.c = c
	if _, err := c.Start(context.Background(), "/bin/app", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.err != nil || n.handle == 0 {
		t.Fatalf("nested Dlopen = %#x, %v", n.handle, n.err)
	}
	side := c.Registry().Map(linkmap.FromToken(n.handle))
	if side == nil || side.Has(linkmap.Global) || side.Has(linkmap.Initial) {
		t.Fatalf("side map %v", side)
	}
	for _, m := range []*linkmap.Map{c.Program(), c.findLoaded(LM_ID_BASE, "liba.so")} {
		if !m.Has(linkmap.Global) || !m.Has(linkmap.Initial) {
			t.Errorf("%s: flags %v, want Global and Initial", m.Name(), m.Flags)
		}
	}
	if got := f.rec.count("init libside.so"); got != 1 {
		t.Errorf("side initialiser ran %d times, want 1", got)
	}
}

// searchOpener dlmopens child into a new namespace from la_objsearch of name.
type searchOpener struct {
	audit.Base
	c      *Context
	name   string
	child  string
	handle uint64
	err    error
}

func (s *searchOpener) ObjSearch(ctx context.Context, name string, _ *audit.Cookie, _ uint32) (string, bool) {
	if name == s.name && s.handle == 0 && s.err == nil {
		s.handle, s.err = s.c.Dlmopen(ctx, LM_ID_NEWLM, s.child, RTLD_NOW)
	}
	return name, true
}

func TestNestedNewNamespaceGetsOwnID(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/liba.so", f.lib(t, "liba.so"))
	f.install(t, "/lib/libb.so", f.lib(t, "libb.so"))
	s := &searchOpener{name: "liba.so", child: "libb.so"}
	c := f.context(t, WithAuditor("searcher", s))
	s.c = c
	ctx := context.Background()
	if _, err := c.Start(ctx, "/bin/app", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h, err := c.Dlmopen(ctx, LM_ID_NEWLM, "liba.so", RTLD_NOW)
	if err != nil {
		t.Fatalf("Dlmopen: %v", err)
	}
	if s.err != nil || s.handle == 0 {
		t.Fatalf("nested Dlmopen = %#x, %v", s.handle, s.err)
	}
	outer, _ := c.Dlinfo(ctx, h, RTLD_DI_LMID)
	inner, _ := c.Dlinfo(ctx, s.handle, RTLD_DI_LMID)
	if outer.LMID == inner.LMID || outer.LMID == LM_ID_BASE || inner.LMID == LM_ID_BASE {
		t.Fatalf("namespaces %d and %d", outer.LMID, inner.LMID)
	}
	for _, id := range []int{outer.LMID, inner.LMID} {
		if n := len(c.Maps(id)); n != 1 {
			t.Errorf("namespace %d holds %d maps, want 1", id, n)
		}
	}
}

// ctxKeeper keeps the context of the last la_objopen call.
type ctxKeeper struct {
	audit.Base
	ctx context.Context
}

func (k *ctxKeeper) ObjOpen(ctx context.Context, _ audit.Object, _ *audit.Cookie) uint32 {
	k.ctx = ctx
	return 0
}

func TestKeptCallbackContextTakesLock(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/libx.so", f.lib(t, "libx.so"))
	k := &ctxKeeper{}
	c := f.context(t, WithAuditor("keeper", k))
	ctx := context.Background()
	if _, err := c.Start(ctx, "/bin/app", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Dlopen(ctx, "libx.so", RTLD_NOW); err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	kept := k.ctx

	_, unlock := c.lock(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := c.Dlopen(kept, "libx.so", RTLD_NOW|RTLD_NOLOAD)
		done <- err
	}()
	select {
	case <-done:
		unlock()
		t.Fatal("a context kept from a finished operation bypassed the lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	if err := <-done; err != nil {
		t.Errorf("Dlopen with kept context: %v", err)
	}
}

func TestConcurrentDlopen(t *testing.T) {
	f := newFixture()
	f.program(t)
	f.install(t, "/lib/libx.so", f.lib(t, "libx.so"))
	c := f.start(t)
	ctx := context.Background()

	const workers = 8
	handles := make([]uint64, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			h, err := c.Dlopen(ctx, "libx.so", RTLD_NOW)
			handles[i] = h
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Dlopen: %v", err)
	}
	for _, h := range handles[1:] {
		if h != handles[0] {
			t.Fatalf("handles differ: %v", handles)
		}
	}
	if n := f.rec.count("init libx.so"); n != 1 {
		t.Errorf("initialiser ran %d times", n)
	}
	if m := c.Registry().Map(linkmap.FromToken(handles[0])); m.Opens != workers {
		t.Errorf("opens = %d, want %d", m.Opens, workers)
	}
}

func TestVerify(t *testing.T) {
	f := newFixture()
	f.install(t, "/lib/libx.so", f.lib(t, "libx.so"))
	if err := afero.WriteFile(f.fs, "/bin/junk", []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	f.cfg.Hardening.IBT = true
	c := f.context(t)

	if err := c.Verify("/lib/libx.so"); !errors.Is(err, lderr.ErrHardening) {
		t.Errorf("Verify without IBT = %v, want ErrHardening", err)
	}
	if err := c.Verify("/bin/junk"); err == nil {
		t.Error("Verify of a non-ELF file should fail")
	}

	ibt := elftest.New(elf.EM_X86_64, "libibt.so")
	ibt.Property = 1 // GNU_PROPERTY_X86_FEATURE_1_IBT
	f.install(t, "/lib/libibt.so", ibt)
	if err := c.Verify("/lib/libibt.so"); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestTeardown(t *testing.T) {
	f := newFixture()
	f.install(t, "/lib/liba.so", f.lib(t, "liba.so"))
	f.install(t, "/lib/libx.so", f.lib(t, "libx.so"))
	f.program(t, "liba.so")
	c := f.start(t)
	ctx := context.Background()
	if _, err := c.Dlopen(ctx, "libx.so", RTLD_NOW); err != nil {
		t.Fatalf("Dlopen: %v", err)
	}

	rc, err := c.Teardown(ctx)
	if err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if rc.Maps != 3 {
		t.Errorf("reclaimed %d maps, want 3", rc.Maps)
	}
	want := []string{"init liba.so", "init libx.so", "fini libx.so", "fini liba.so"}
	if got := f.rec.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if c.Machine().Allocated() != 0 {
		t.Errorf("%d heap blocks live after teardown", c.Machine().Allocated())
	}

	if rc, err := c.Teardown(ctx); err != nil || rc != (linkmap.Reclaim{}) {
		t.Errorf("second Teardown = %+v, %v", rc, err)
	}
	if _, err := c.Dlopen(ctx, "libx.so", RTLD_NOW); err == nil {
		t.Error("Dlopen after Teardown should fail")
	}
}
