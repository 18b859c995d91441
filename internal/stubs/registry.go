// Package stubs provides a registry of Go implementations for functions
// exported by loaded objects.
//
// Stub packages register their functions from init(). When the loader maps
// an object it installs every registered stub whose name matches one of the
// object's defined function symbols, binding it at base+st_value. A stub
// registered as "soname:symbol" applies only to that object and wins over a
// bare "symbol" registration.
package stubs

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zboralski/rtld/internal/elfobj"
	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/machine"
	"go.uber.org/zap"
)

// Def defines a stub.
type Def struct {
	Name     string   // symbol name, or soname:symbol
	Aliases  []string // alternative names
	Fn       machine.Func
	Category string // for logging: "libc", "dl", "pthread"
}

// Object is a mapped object stubs can be installed into.
type Object interface {
	Name() string
	Base() uint64
	Dynamic() *elfobj.Dynamic
}

// ExitError is returned by stubs that terminate the program.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Registry holds stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*Def

	// OnCall receives every Log call.
	OnCall func(category, name, detail string)

	log *glog.Logger
}

// Default is the registry stub packages register into from init().
var Default = NewRegistry(nil)

// NewRegistry creates an empty registry. A nil log follows the global
// logger.
func NewRegistry(log *glog.Logger) *Registry {
	return &Registry{stubs: make(map[string]*Def), log: log}
}

func (r *Registry) logger() *glog.Logger {
	if r.log != nil {
		return r.log
	}
	return glog.Default()
}

// Clone returns a copy of r. Loader contexts clone Default and add the
// stubs that need a context of their own.
func (r *Registry) Clone(log *glog.Logger) *Registry {
	c := NewRegistry(log)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.stubs {
		c.stubs[k] = v
	}
	c.OnCall = r.OnCall
	return c
}

// Register adds a stub definition. A later registration of the same name
// replaces the earlier one.
func (r *Registry) Register(def Def) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &def
	r.stubs[def.Name] = d
	for _, a := range def.Aliases {
		r.stubs[a] = d
	}
	r.logger().Debug("registered",
		zap.String("cat", def.Category),
		glog.Fn(def.Name),
		zap.Strings("aliases", def.Aliases),
	)
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, fn machine.Func, aliases ...string) {
	r.Register(Def{Name: name, Aliases: aliases, Fn: fn, Category: category})
}

// Lookup returns the stub for symbol name in the object known as soname.
func (r *Registry) Lookup(soname, name string) (*Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if soname != "" {
		if d, ok := r.stubs[soname+":"+name]; ok {
			return d, true
		}
	}
	d, ok := r.stubs[name]
	return d, ok
}

func soname(obj Object) string {
	if d := obj.Dynamic(); d != nil && d.Soname != "" {
		return d.Soname
	}
	n := obj.Name()
	if i := strings.LastIndexByte(n, '/'); i >= 0 {
		n = n[i+1:]
	}
	return n
}

// Install binds every matching stub into obj and returns how many were
// installed.
func (r *Registry) Install(m *machine.Machine, obj Object) int {
	d := obj.Dynamic()
	if d == nil {
		return 0
	}
	so := soname(obj)
	seen := make(map[uint64]bool)
	installed := 0
	for i := uint32(1); i < d.SymbolCount(); i++ {
		s, err := d.Symbol(i)
		if err != nil || !s.Defined() || s.Value == 0 {
			continue
		}
		switch s.Type() {
		case elf.STT_FUNC, elf.STT_GNU_IFUNC, elf.STT_NOTYPE:
		default:
			continue
		}
		def, ok := r.Lookup(so, s.Name)
		if !ok {
			continue
		}
		addr := obj.Base() + s.Value
		if seen[addr] {
			continue
		}
		seen[addr] = true
		m.Bind(addr, s.Name, def.Fn)
		installed++
		r.logger().Debug("stub installed", zap.String("cat", def.Category), glog.Obj(so), glog.Fn(s.Name), glog.Addr(addr))
	}
	return installed
}

// Log reports stub activity through OnCall and the trace logger.
func (r *Registry) Log(category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	r.mu.RUnlock()
	if cb != nil {
		cb(category, name, detail)
	}
	r.logger().Trace(category, name, detail)
}

// Count returns the number of registered names, aliases included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns the primary names of all registered stubs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*Def]bool)
	var names []string
	for _, def := range r.stubs {
		if seen[def] {
			continue
		}
		seen[def] = true
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Register adds a stub to the default registry.
func Register(def Def) {
	Default.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, fn machine.Func, aliases ...string) {
	Default.RegisterFunc(category, name, fn, aliases...)
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
