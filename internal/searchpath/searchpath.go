// Package searchpath locates shared objects by name.
//
// A bare name is tried against, in order: the DT_RPATH of the requester and
// its loaders (only when the requester has no DT_RUNPATH), LD_LIBRARY_PATH,
// the requester's DT_RUNPATH, the ld.so.cache, and the default directories.
// Names containing a slash are used as given.
package searchpath

import (
	"debug/elf"
	"errors"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
	"go.uber.org/zap"
)

// Source tells where a candidate directory came from. The values match the
// LA_SER_* flags passed to la_objsearch.
type Source uint32

const (
	Orig        Source = 0x01 // the name as given
	LibraryPath Source = 0x02 // LD_LIBRARY_PATH
	RunPath     Source = 0x04 // DT_RPATH or DT_RUNPATH
	Config      Source = 0x08 // ld.so.cache
	Default     Source = 0x40 // default directories
	Secure      Source = 0x80 // restricted to trusted directories
)

func (s Source) String() string {
	switch s &^ Secure {
	case Orig:
		return "orig"
	case LibraryPath:
		return "LD_LIBRARY_PATH"
	case RunPath:
		return "runpath"
	case Config:
		return "cache"
	case Default:
		return "system"
	}
	return "unknown"
}

// DefaultDirs are searched last.
var DefaultDirs = []string{"/lib64", "/usr/lib64", "/lib", "/usr/lib"}

type status uint8

const (
	unknown status = iota
	exists
	missing
)

// Element is one directory of a search list.
type Element struct {
	Dir    string
	Source Source
	status status
}

// Requester is an object on whose behalf a name is searched. Loader is the
// object that loaded it, up to the main program.
type Requester struct {
	Name    string
	Origin  string // directory of the object's file
	RPath   string
	RunPath string
	Loader  *Requester
}

// Candidate is one path to try.
type Candidate struct {
	Path   string
	Source Source
}

// Options configure a Paths.
type Options struct {
	LibraryPath  []string
	DefaultDirs  []string
	CacheFile    string
	InhibitCache bool
	InhibitRPath []string // objects whose DT_RPATH/DT_RUNPATH are ignored
	Secure       bool
	Arch         elf.Machine
}

// Paths is the process-wide search state.
type Paths struct {
	mu   sync.Mutex
	fs   afero.Fs
	opts Options

	libPath  []*Element
	defaults []*Element
	perObj   map[string][]*Element // decomposed DT_RPATH/DT_RUNPATH by "name\x00tag"
	order    []string              // perObj keys in allocation order
	initial  int                   // len(order) at the end of startup

	cache     *Cache
	cacheErr  error
	cacheRead bool

	inhibit map[string]bool
	log     *glog.Logger
}

// New creates the search state. Nothing is read from fs until first use.
func New(fs afero.Fs, opts Options, log *glog.Logger) *Paths {
	if log == nil {
		log = glog.Default()
	}
	if opts.DefaultDirs == nil {
		opts.DefaultDirs = DefaultDirs
	}
	if opts.CacheFile == "" {
		opts.CacheFile = DefaultCacheFile
	}
	p := &Paths{
		fs:      fs,
		opts:    opts,
		perObj:  make(map[string][]*Element),
		inhibit: make(map[string]bool),
		log:     log,
	}
	for _, n := range opts.InhibitRPath {
		p.inhibit[n] = true
	}
	for _, d := range opts.DefaultDirs {
		p.defaults = append(p.defaults, &Element{Dir: d, Source: Default})
	}
	if !opts.Secure {
		for _, d := range opts.LibraryPath {
			if d = p.expand(d, "", LibraryPath); d != "" {
				p.libPath = append(p.libPath, &Element{Dir: d, Source: LibraryPath})
			}
		}
	}
	return p
}

// FS returns the filesystem objects are read from.
func (p *Paths) FS() afero.Fs { return p.fs }

// Secure reports whether set-id restrictions apply.
func (p *Paths) Secure() bool { return p.opts.Secure }

// Platform returns the $PLATFORM expansion.
func (p *Paths) Platform() string {
	if p.opts.Arch == elf.EM_AARCH64 {
		return "aarch64"
	}
	return "x86_64"
}

func (p *Paths) trusted(dir string) bool {
	dir = path.Clean(dir)
	for _, d := range p.opts.DefaultDirs {
		if dir == d {
			return true
		}
	}
	return false
}

// expand substitutes $ORIGIN, $LIB and $PLATFORM, with or without braces. It
// returns "" when the element must be dropped.
func (p *Paths) expand(s, origin string, src Source) string {
	if !strings.Contains(s, "$") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' {
			b.WriteByte(s[i])
			continue
		}
		name, n := token(s[i+1:])
		switch name {
		case "ORIGIN":
			if origin == "" {
				return ""
			}
			if p.opts.Secure && (src == LibraryPath || !p.trusted(origin)) {
				return ""
			}
			b.WriteString(origin)
		case "LIB":
			b.WriteString("lib64")
		case "PLATFORM":
			b.WriteString(p.Platform())
		default:
			b.WriteByte('$')
			continue
		}
		i += n
	}
	return b.String()
}

func token(s string) (string, int) {
	if strings.HasPrefix(s, "{") {
		if end := strings.IndexByte(s, '}'); end > 0 {
			return s[1:end], end + 1
		}
		return "", 0
	}
	n := 0
	for n < len(s) && (s[n] == '_' || s[n] >= 'A' && s[n] <= 'Z' || s[n] >= 'a' && s[n] <= 'z' || s[n] >= '0' && s[n] <= '9') {
		n++
	}
	return s[:n], n
}

// Split breaks a path list on any of seps, dropping empty elements.
func Split(s, seps string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) })
}

// objDirs returns the decomposed list for one dynamic tag of r, allocating it
// on first use.
func (p *Paths) objDirs(r *Requester, tag, list string) []*Element {
	if list == "" || p.inhibit[r.Name] || p.inhibit[path.Base(r.Name)] {
		return nil
	}
	key := r.Name + "\x00" + tag
	if els, ok := p.perObj[key]; ok {
		return els
	}
	var els []*Element
	for _, d := range Split(list, ":") {
		if d = p.expand(d, r.Origin, RunPath); d != "" {
			els = append(els, &Element{Dir: d, Source: RunPath})
		}
	}
	p.perObj[key] = els
	p.order = append(p.order, key)
	return els
}

// Dirs returns the directories searched for a bare name requested by r, in order.
func (p *Paths) Dirs(r *Requester) []Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Element
	for _, e := range p.dirs(r) {
		out = append(out, *e)
	}
	return out
}

func (p *Paths) dirs(r *Requester) []*Element {
	var out []*Element
	if r != nil && r.RunPath == "" {
		// A loader with DT_RUNPATH contributes no DT_RPATH of its own.
		for l := r; l != nil; l = l.Loader {
			if l.RunPath == "" {
				out = append(out, p.objDirs(l, "RPATH", l.RPath)...)
			}
		}
	}
	out = append(out, p.libPath...)
	if r != nil {
		out = append(out, p.objDirs(r, "RUNPATH", r.RunPath)...)
	}
	return out
}

// Candidates returns every path tried for name, without touching the
// filesystem except to read the cache.
func (p *Paths) Candidates(name string, r *Requester) []Candidate {
	if strings.ContainsRune(name, '/') {
		return []Candidate{{Path: name, Source: Orig}}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Candidate
	seen := make(map[string]bool)
	add := func(file string, src Source) {
		if !seen[file] {
			seen[file] = true
			out = append(out, Candidate{Path: file, Source: src})
		}
	}
	for _, e := range p.dirs(r) {
		if e.status != missing {
			add(path.Join(e.Dir, name), e.Source)
		}
	}
	if c := p.loadCache(); c != nil {
		if v, ok := c.Lookup(name, p.opts.Arch); ok && (!p.opts.Secure || p.trusted(path.Dir(v))) {
			add(v, Config)
		}
	}
	for _, e := range p.defaults {
		if e.status != missing {
			add(path.Join(e.Dir, name), e.Source)
		}
	}
	return out
}

func (p *Paths) loadCache() *Cache {
	if p.opts.InhibitCache {
		return nil
	}
	if !p.cacheRead {
		p.cacheRead = true
		p.cache, p.cacheErr = LoadCache(p.fs, p.opts.CacheFile)
		if p.cacheErr != nil && !errors.Is(p.cacheErr, os.ErrNotExist) {
			p.log.Warn("ignoring ld.so.cache", zap.String("file", p.opts.CacheFile), zap.Error(p.cacheErr))
		}
	}
	return p.cache
}

// CacheError returns the error from reading the cache, if any.
func (p *Paths) CacheError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadCache()
	return p.cacheErr
}

// Open is called for each candidate; it reports whether the candidate was
// accepted. A candidate that does not exist returns an error matching
// os.ErrNotExist and the search continues.
type Open func(c Candidate) (bool, error)

// Find searches for name on behalf of r, calling open for each candidate in
// order. Directories found missing are remembered and skipped by later searches.
func (p *Paths) Find(name string, r *Requester, open Open) (Candidate, error) {
	var last error
	for _, c := range p.Candidates(name, r) {
		if c.Source != Orig && c.Source != Config {
			if !p.dirExists(path.Dir(c.Path)) {
				continue
			}
		}
		ok, err := open(c)
		if ok {
			return c, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			last = err
		}
		p.log.Files("try", c.Path, zap.Stringer("source", c.Source))
	}
	if last != nil {
		return Candidate{}, last
	}
	return Candidate{}, lderr.NotFound(name, nil)
}

func (p *Paths) dirExists(dir string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	var els []*Element
	for _, list := range p.perObj {
		els = append(els, list...)
	}
	els = append(els, p.libPath...)
	els = append(els, p.defaults...)

	st := unknown
	for _, e := range els {
		if e.Dir == dir && e.status != unknown {
			st = e.status
			break
		}
	}
	if st == unknown {
		st = missing
		if ok, _ := afero.DirExists(p.fs, dir); ok {
			st = exists
		}
		for _, e := range els {
			if e.Dir == dir {
				e.status = st
			}
		}
	}
	return st == exists
}

// MarkInitial records the end of startup. Release frees only lists
// allocated after this point.
func (p *Paths) MarkInitial() {
	p.mu.Lock()
	p.initial = len(p.order)
	p.mu.Unlock()
}

// Forget drops the decomposed lists of an unloaded object.
func (p *Paths) Forget(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := p.initial; i < len(p.order); i++ {
		key := p.order[i]
		if strings.HasPrefix(key, name+"\x00") {
			delete(p.perObj, key)
			p.order = append(p.order[:i], p.order[i+1:]...)
			i--
		}
	}
}

// Release frees every list allocated after startup and returns how many
// elements were freed.
func (p *Paths) Release() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, key := range p.order[p.initial:] {
		n += len(p.perObj[key])
		delete(p.perObj, key)
	}
	p.order = p.order[:p.initial]
	return n
}

// Elements returns the number of elements currently allocated.
func (p *Paths) Elements() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.libPath) + len(p.defaults)
	for _, els := range p.perObj {
		n += len(els)
	}
	return n
}
