package searchpath

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
)

func paths(c []Candidate) []string {
	out := make([]string, len(c))
	for i, x := range c {
		out[i] = x.Path
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCacheLookup(t *testing.T) {
	c := &Cache{Entries: []Entry{
		{Flags: ArchFlags(elf.EM_AARCH64), Key: "libc.so.6", Value: "/usr/lib/aarch64-linux-gnu/libc.so.6"},
		{Flags: ArchFlags(elf.EM_X86_64), Key: "libc.so.6", Value: "/usr/lib/x86_64-linux-gnu/libc.so.6"},
		{Flags: ArchFlags(elf.EM_X86_64), Key: "libm.so.6", Value: "/usr/lib/x86_64-linux-gnu/libm.so.6", HWCap: 1 << 40},
	}}
	parsed, err := ParseCache(c.Marshal())
	if err != nil {
		t.Fatalf("ParseCache: %v", err)
	}
	if len(parsed.Entries) != 3 {
		t.Fatalf("parsed %d entries, want 3", len(parsed.Entries))
	}
	if parsed.Entries[2].HWCap != 1<<40 {
		t.Errorf("hwcap = 0x%x", parsed.Entries[2].HWCap)
	}

	if v, ok := parsed.Lookup("libc.so.6", elf.EM_X86_64); !ok || v != "/usr/lib/x86_64-linux-gnu/libc.so.6" {
		t.Errorf("x86-64 libc = %q, %v", v, ok)
	}
	if v, ok := parsed.Lookup("libc.so.6", elf.EM_AARCH64); !ok || v != "/usr/lib/aarch64-linux-gnu/libc.so.6" {
		t.Errorf("aarch64 libc = %q, %v", v, ok)
	}
	if _, ok := parsed.Lookup("libm.so.6", elf.EM_AARCH64); ok {
		t.Error("found x86-64 entry for aarch64")
	}
}

func TestCorruptCache(t *testing.T) {
	good := (&Cache{Entries: []Entry{{Flags: ArchFlags(elf.EM_X86_64), Key: "liba.so", Value: "/lib/liba.so"}}}).Marshal()
	le := binary.LittleEndian
	mutate := func(fn func(b []byte) []byte) []byte {
		return fn(append([]byte(nil), good...))
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", good[:40]},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'x'; return b })},
		{"too many entries", mutate(func(b []byte) []byte { le.PutUint32(b[20:], 1000); return b })},
		{"string table past end", mutate(func(b []byte) []byte { le.PutUint32(b[24:], 4096); return b })},
		{"key outside file", mutate(func(b []byte) []byte { le.PutUint32(b[48+4:], 0xffff); return b })},
		{"key inside entries", mutate(func(b []byte) []byte { le.PutUint32(b[48+4:], 8); return b })},
		{"unterminated string", good[:len(good)-1]},
		{"big endian", mutate(func(b []byte) []byte { b[28] = 3; return b })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCache(tt.data); !errors.Is(err, ErrCorrupt) {
				t.Errorf("ParseCache = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestSearchOrder(t *testing.T) {
	p := New(afero.NewMemMapFs(), Options{
		LibraryPath:  []string{"/env"},
		DefaultDirs:  []string{"/lib64", "/usr/lib"},
		InhibitCache: true,
	}, glog.NewNop())

	main := &Requester{Name: "/app/main", Origin: "/app", RPath: "/mainrp"}
	lib := &Requester{Name: "/opt/libx.so", Origin: "/opt", RPath: "/xrp:$ORIGIN/sub", Loader: main}

	got := p.Candidates("libz.so", lib)
	want := []string{
		"/xrp/libz.so",
		"/opt/sub/libz.so",
		"/mainrp/libz.so",
		"/env/libz.so",
		"/lib64/libz.so",
		"/usr/lib/libz.so",
	}
	if !equal(paths(got), want) {
		t.Fatalf("candidates = %v\nwant %v", paths(got), want)
	}
	if got[0].Source != RunPath || got[3].Source != LibraryPath || got[4].Source != Default {
		t.Errorf("sources = %v %v %v", got[0].Source, got[3].Source, got[4].Source)
	}

	if c := p.Candidates("./libz.so", lib); len(c) != 1 || c[0].Path != "./libz.so" || c[0].Source != Orig {
		t.Errorf("slash name candidates = %v", c)
	}
}

func TestRunPathDisablesRPath(t *testing.T) {
	p := New(afero.NewMemMapFs(), Options{
		LibraryPath:  []string{"/env"},
		DefaultDirs:  []string{"/lib64"},
		InhibitCache: true,
	}, glog.NewNop())

	main := &Requester{Name: "/app/main", Origin: "/app", RPath: "/mainrp"}
	lib := &Requester{Name: "/opt/libx.so", Origin: "/opt", RPath: "/xrp", RunPath: "/xrun", Loader: main}

	got := paths(p.Candidates("libz.so", lib))
	want := []string{"/env/libz.so", "/xrun/libz.so", "/lib64/libz.so"}
	if !equal(got, want) {
		t.Errorf("candidates = %v, want %v", got, want)
	}
}

func TestInhibitRPath(t *testing.T) {
	p := New(afero.NewMemMapFs(), Options{
		DefaultDirs:  []string{"/lib64"},
		InhibitCache: true,
		InhibitRPath: []string{"libx.so"},
	}, glog.NewNop())
	lib := &Requester{Name: "/opt/libx.so", Origin: "/opt", RPath: "/xrp"}
	if got := paths(p.Candidates("libz.so", lib)); !equal(got, []string{"/lib64/libz.so"}) {
		t.Errorf("candidates = %v", got)
	}
}

func TestTokenExpansion(t *testing.T) {
	p := New(afero.NewMemMapFs(), Options{Arch: elf.EM_AARCH64}, glog.NewNop())
	tests := []struct {
		in, origin, want string
	}{
		{"$ORIGIN/../lib", "/opt/app", "/opt/app/../lib"},
		{"${ORIGIN}/plugins", "/opt/app", "/opt/app/plugins"},
		{"/usr/$LIB/tls", "", "/usr/lib64/tls"},
		{"/opt/${PLATFORM}", "", "/opt/aarch64"},
		{"$ORIGIN/x", "", ""},
		{"/odd/$HOME", "", "/odd/$HOME"},
	}
	for _, tt := range tests {
		if got := p.expand(tt.in, tt.origin, RunPath); got != tt.want {
			t.Errorf("expand(%q, %q) = %q, want %q", tt.in, tt.origin, got, tt.want)
		}
	}
}

func TestSecureMode(t *testing.T) {
	p := New(afero.NewMemMapFs(), Options{
		LibraryPath:  []string{"/env"},
		DefaultDirs:  []string{"/lib64"},
		InhibitCache: true,
		Secure:       true,
	}, glog.NewNop())

	untrusted := &Requester{Name: "/home/u/libx.so", Origin: "/home/u", RPath: "$ORIGIN/lib:/fixed"}
	if got := paths(p.Candidates("libz.so", untrusted)); !equal(got, []string{"/fixed/libz.so", "/lib64/libz.so"}) {
		t.Errorf("untrusted candidates = %v", got)
	}
	trusted := &Requester{Name: "/lib64/liby.so", Origin: "/lib64", RPath: "$ORIGIN/extra"}
	if got := paths(p.Candidates("libz.so", trusted)); !equal(got, []string{"/lib64/extra/libz.so", "/lib64/libz.so"}) {
		t.Errorf("trusted candidates = %v", got)
	}
}

func TestCacheCandidate(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := &Cache{Entries: []Entry{{Flags: ArchFlags(elf.EM_X86_64), Key: "libz.so.1", Value: "/usr/lib/x86_64-linux-gnu/libz.so.1"}}}
	if err := WriteCache(fs, "/etc/ld.so.cache", c); err != nil {
		t.Fatalf("WriteCache: %v", err)
	}
	p := New(fs, Options{DefaultDirs: []string{"/lib64"}, Arch: elf.EM_X86_64}, glog.NewNop())
	got := p.Candidates("libz.so.1", nil)
	if len(got) != 2 || got[0].Source != Config || got[0].Path != "/usr/lib/x86_64-linux-gnu/libz.so.1" {
		t.Fatalf("candidates = %v", got)
	}
	if err := p.CacheError(); err != nil {
		t.Errorf("CacheError = %v", err)
	}
}

func TestCorruptCacheFallsBack(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/etc/ld.so.cache", []byte("glibc-ld.so.cache1.1 truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirAll("/lib64", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/lib64/libz.so.1", []byte{0x7f}, 0o644); err != nil {
		t.Fatal(err)
	}
	p := New(fs, Options{DefaultDirs: []string{"/lib64"}}, glog.NewNop())

	c, err := p.Find("libz.so.1", nil, func(c Candidate) (bool, error) {
		ok, err := afero.Exists(fs, c.Path)
		if err != nil || !ok {
			return false, os.ErrNotExist
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if c.Path != "/lib64/libz.so.1" || c.Source != Default {
		t.Errorf("found %+v", c)
	}
	if !errors.Is(p.CacheError(), ErrCorrupt) {
		t.Errorf("CacheError = %v, want ErrCorrupt", p.CacheError())
	}
}

func TestFindSkipsMissingDirectories(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/lib64", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/lib64/libz.so", []byte{0x7f}, 0o644); err != nil {
		t.Fatal(err)
	}
	p := New(fs, Options{LibraryPath: []string{"/env"}, DefaultDirs: []string{"/lib64"}, InhibitCache: true}, glog.NewNop())

	var tried []string
	open := func(c Candidate) (bool, error) {
		tried = append(tried, c.Path)
		if ok, _ := afero.Exists(fs, c.Path); ok {
			return true, nil
		}
		return false, os.ErrNotExist
	}
	if _, err := p.Find("libz.so", nil, open); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !equal(tried, []string{"/lib64/libz.so"}) {
		t.Errorf("tried %v", tried)
	}
	if p.libPath[0].status != missing {
		t.Error("missing directory not remembered")
	}

	tried = nil
	_, err := p.Find("libnone.so", nil, open)
	if !errors.Is(err, lderr.ErrNotFound) {
		t.Fatalf("Find = %v, want ErrNotFound", err)
	}
	if msg := err.Error(); msg != "libnone.so: cannot open shared object file: No such file or directory" {
		t.Errorf("message = %q", msg)
	}
	if got := paths(p.Candidates("libnone.so", nil)); !equal(got, []string{"/lib64/libnone.so"}) {
		t.Errorf("candidates after miss = %v", got)
	}
}

func TestReleaseKeepsStartupLists(t *testing.T) {
	p := New(afero.NewMemMapFs(), Options{DefaultDirs: []string{"/lib64"}, InhibitCache: true}, glog.NewNop())
	main := &Requester{Name: "/app/main", Origin: "/app", RPath: "/a:/b"}
	p.Candidates("libz.so", main)
	p.MarkInitial()

	plugin := &Requester{Name: "/opt/plugin.so", Origin: "/opt", RPath: "/c:/d:/e", Loader: main}
	p.Candidates("libz.so", plugin)
	if n := p.Elements(); n != 6 {
		t.Fatalf("elements = %d, want 6", n)
	}
	if n := p.Release(); n != 3 {
		t.Errorf("Release = %d, want 3", n)
	}
	if n := p.Elements(); n != 3 {
		t.Errorf("elements after release = %d, want 3", n)
	}

	p.Candidates("libz.so", plugin)
	p.Forget(plugin.Name)
	if n := p.Elements(); n != 3 {
		t.Errorf("elements after forget = %d, want 3", n)
	}
}
