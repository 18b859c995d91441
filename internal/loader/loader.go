// Package loader is the run-time loader.
//
// A Context owns one address space and everything loaded into it: link maps
// and namespaces, static and dynamic TLS, auditors, search paths and fork
// handlers. Program startup and the dlopen family are methods on it, so
// several independent loaders can live in one process.
//
// Initialisation order is fixed: bootstrap arena, main thread, search
// paths, fork handlers, stubs, auditors. Start then loads the program, its
// preloads and dependencies, relocates them, finishes TLS setup and runs
// the initialisers. Teardown undoes all of it.
package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/afero"
	"github.com/zboralski/rtld/internal/atfork"
	"github.com/zboralski/rtld/internal/audit"
	"github.com/zboralski/rtld/internal/bootstrap"
	"github.com/zboralski/rtld/internal/config"
	"github.com/zboralski/rtld/internal/linkmap"
	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/machine"
	"github.com/zboralski/rtld/internal/reloc"
	"github.com/zboralski/rtld/internal/searchpath"
	"github.com/zboralski/rtld/internal/stubs"
	"github.com/zboralski/rtld/internal/stubs/dl"
	"github.com/zboralski/rtld/internal/stubs/pthread"
	"github.com/zboralski/rtld/internal/tls"
	"go.uber.org/zap"
)

// objState is loader bookkeeping for one map that the link map itself does
// not carry.
type objState struct {
	loader   linkmap.Handle // object whose dependency or dlopen brought it in
	regions  []uint64       // machine regions holding its segments
	depsDone bool
}

type namedAuditor struct {
	name string
	a    audit.Auditor
}

// Context is one loader instance.
type Context struct {
	cfg config.Config
	fs  afero.Fs
	m   *machine.Machine
	log *glog.Logger

	reg   *linkmap.Registry
	arena *bootstrap.Arena
	tls   *tls.State
	main  *tls.Thread
	paths *searchpath.Paths
	fork  *atfork.Registry
	stubs *stubs.Registry
	audit *audit.Set
	proc  *reloc.Processor
	lazy  *reloc.Lazy

	// mu is the loader lock. See lock.
	mu sync.Mutex

	// Guarded by mu.
	objs      map[linkmap.Handle]*objState
	inflight  map[flightKey]*op
	adding    map[int]bool // namespaces with an LA_ACT_ADD batch open
	initOrder []linkmap.Handle
	program   linkmap.Handle
	started   bool
	torn      bool

	errMu sync.Mutex
	errs  map[int]string // thread id -> pending dlerror text

	baseStubs *stubs.Registry
	auditors  []namedAuditor
}

// Option configures a Context.
type Option func(*Context)

// WithFS sets the filesystem objects, the cache and audit scripts are read
// from. The default is the host filesystem.
func WithFS(fs afero.Fs) Option { return func(c *Context) { c.fs = fs } }

// WithMachine sets the address space objects are loaded into.
func WithMachine(m *machine.Machine) Option { return func(c *Context) { c.m = m } }

// WithLogger sets the logger.
func WithLogger(l *glog.Logger) Option { return func(c *Context) { c.log = l } }

// WithStubs sets the registry the context's stubs are cloned from. The
// default is stubs.Default.
func WithStubs(r *stubs.Registry) Option { return func(c *Context) { c.baseStubs = r } }

// WithAuditor adds an in-process auditor ahead of the ones named by the
// configuration.
func WithAuditor(name string, a audit.Auditor) Option {
	return func(c *Context) { c.auditors = append(c.auditors, namedAuditor{name, a}) }
}

// New creates a loader context.
func New(cfg config.Config, opts ...Option) (*Context, error) {
	c := &Context{
		cfg:      cfg,
		objs:     make(map[linkmap.Handle]*objState),
		inflight: make(map[flightKey]*op),
		adding:   make(map[int]bool),
		errs:     make(map[int]string),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = glog.Default()
	}
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.m == nil {
		c.m = machine.New(machine.WithLogger(c.log))
	}
	if c.baseStubs == nil {
		c.baseStubs = stubs.Default
	}

	c.reg = linkmap.New(cfg.MaxNamespaces, c.log)

	c.arena = bootstrap.New(c.m, machine.PageSize)
	surplus := cfg.StaticTLSSurplus
	if surplus == 0 {
		surplus = tls.DefaultSurplus
	}
	c.tls = tls.New(c.m, tls.Config{Arch: c.m.Arch(), Surplus: surplus}, c.log)
	main, err := c.tls.NewMainThread(c.arena)
	if err != nil {
		return nil, fmt.Errorf("main thread: %w", err)
	}
	c.main = main

	c.paths = searchpath.New(c.fs, searchpath.Options{
		LibraryPath:  cfg.LibraryPath,
		DefaultDirs:  cfg.DefaultDirs,
		CacheFile:    cfg.CacheFile,
		InhibitCache: cfg.InhibitCache,
		InhibitRPath: cfg.InhibitRPath,
		Secure:       cfg.Secure,
		Arch:         c.m.Arch(),
	}, c.log)

	c.fork = atfork.New(c.log)

	c.stubs = c.baseStubs.Clone(c.log)
	dl.Register(c.stubs, c)
	pthread.Register(c.stubs, c)

	env := binder{c}
	c.proc = reloc.NewProcessor(c.m, env, c.m.Arch(), c.log)
	c.lazy = reloc.NewLazy(c.m, env, c.log)
	c.proc.Lazy = c.lazy

	c.audit = audit.NewSet(c.log)
	for _, na := range c.auditors {
		if err := c.audit.Add(na.name, na.a); err != nil {
			c.log.Warn("auditor disabled", zap.String("auditor", na.name), zap.Error(err))
		}
	}
	for _, name := range cfg.Audit {
		a, err := audit.Open(c.fs, name, c, c.log)
		if err == nil {
			err = c.audit.Add(name, a)
		}
		if err != nil {
			// ld.so reports the failure and carries on without the auditor.
			c.log.Warn("cannot load auditing interface; ignored", zap.String("auditor", name), zap.Error(err))
		}
	}
	return c, nil
}

// Config returns the settings the context was created with.
func (c *Context) Config() config.Config { return c.cfg }

// Machine returns the address space.
func (c *Context) Machine() *machine.Machine { return c.m }

// Registry returns the link-map registry.
func (c *Context) Registry() *linkmap.Registry { return c.reg }

// TLS returns the TLS state.
func (c *Context) TLS() *tls.State { return c.tls }

// Paths returns the search-path state.
func (c *Context) Paths() *searchpath.Paths { return c.paths }

// Audit returns the active auditors.
func (c *Context) Audit() *audit.Set { return c.audit }

// Stubs returns the context's stub registry. Registrations made before an
// object is mapped are installed into it.
func (c *Context) Stubs() *stubs.Registry { return c.stubs }

// Arena returns the bootstrap arena.
func (c *Context) Arena() *bootstrap.Arena { return c.arena }

// Program returns the main program's map, or nil before Start.
func (c *Context) Program() *linkmap.Map { return c.reg.Map(c.program) }

// Maps returns the maps of namespace ns in load order.
func (c *Context) Maps(ns int) []*linkmap.Map {
	var out []*linkmap.Map
	for _, h := range c.reg.Maps(ns) {
		if m := c.reg.Map(h); m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *Context) state(h linkmap.Handle) *objState {
	s := c.objs[h]
	if s == nil {
		s = &objState{}
		c.objs[h] = s
	}
	return s
}

// Threads.

type threadKey struct{}

// WithThread returns a context whose loader calls act on behalf of th.
// Without it calls act for the main thread.
func WithThread(ctx context.Context, th *tls.Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, th)
}

func (c *Context) thread(ctx context.Context) *tls.Thread {
	if th, ok := ctx.Value(threadKey{}).(*tls.Thread); ok && th != nil {
		return th
	}
	return c.main
}

// MainThread returns the main thread, set up before any object is loaded.
func (c *Context) MainThread() *tls.Thread { return c.main }

// NewThread creates a thread. Its TLS for modules loaded later is allocated
// on first access.
func (c *Context) NewThread() (*tls.Thread, error) { return c.tls.NewThread() }

// ExitThread releases th's TLS blocks and its pending dlerror state.
func (c *Context) ExitThread(th *tls.Thread) error {
	c.errMu.Lock()
	delete(c.errs, th.ID)
	c.errMu.Unlock()
	return c.tls.Exit(th)
}

type callerKey struct{}

// WithCaller records the address a loader call is made from. RTLD_NEXT and
// RTLD_DEFAULT lookups and dlopen search paths use the object containing it.
func WithCaller(ctx context.Context, addr uint64) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

func (c *Context) caller(ctx context.Context) *linkmap.Map {
	addr, ok := ctx.Value(callerKey{}).(uint64)
	if !ok {
		return nil
	}
	h, err := c.reg.FindByAddress(addr)
	if err != nil {
		return nil
	}
	return c.reg.Map(h)
}
