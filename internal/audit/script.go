package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	glog "github.com/zboralski/rtld/internal/log"
	"go.uber.org/zap"
)

var errNoHost = errors.New("no loader host")

var callbacks = []string{
	"la_version", "la_objsearch", "la_objopen", "la_activity",
	"la_symbind", "la_preinit", "la_objclose",
}

type scriptKey struct{}

// Script is an auditor written in JavaScript. The script defines any of the
// la_* functions as globals; missing ones behave like Base. A global dl
// object exposes dlopen, dlmopen, dlsym, dlclose, read64 and log.
type Script struct {
	Base
	name string
	host Host
	log  *glog.Logger

	mu  sync.Mutex
	vm  *goja.Runtime
	fns map[string]goja.Callable
	ctx context.Context // context of the callback in progress
}

// NewScript compiles and runs src, then collects its callbacks.
func NewScript(name string, src []byte, host Host, log *glog.Logger) (*Script, error) {
	if log == nil {
		log = glog.Default()
	}
	s := &Script{
		name: name,
		host: host,
		log:  log,
		vm:   goja.New(),
		fns:  make(map[string]goja.Callable),
		ctx:  context.Background(),
	}
	if err := s.vm.Set("dl", s.hostObject()); err != nil {
		return nil, err
	}
	if _, err := s.vm.RunScript(name, string(src)); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	for _, cb := range callbacks {
		v := s.vm.Get(cb)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return nil, fmt.Errorf("%s: %s is not a function", name, cb)
		}
		s.fns[cb] = fn
	}
	return s, nil
}

// Callbacks reports which la_* functions the script defines.
func (s *Script) Callbacks() []string {
	var out []string
	for _, cb := range callbacks {
		if _, ok := s.fns[cb]; ok {
			out = append(out, cb)
		}
	}
	return out
}

func (s *Script) hostObject() *goja.Object {
	vm := s.vm
	dl := vm.NewObject()
	throw := func(err error) {
		panic(vm.NewGoError(err))
	}
	needHost := func() Host {
		if s.host == nil {
			throw(errNoHost)
		}
		return s.host
	}
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = dl.Set(name, fn)
	}
	set("dlopen", func(c goja.FunctionCall) goja.Value {
		h, err := needHost().Dlopen(s.ctx, c.Argument(0).String(), int(c.Argument(1).ToInteger()))
		if err != nil {
			throw(err)
		}
		return vm.ToValue(h)
	})
	set("dlmopen", func(c goja.FunctionCall) goja.Value {
		h, err := needHost().Dlmopen(s.ctx, int(c.Argument(0).ToInteger()), c.Argument(1).String(), int(c.Argument(2).ToInteger()))
		if err != nil {
			throw(err)
		}
		return vm.ToValue(h)
	})
	set("dlsym", func(c goja.FunctionCall) goja.Value {
		a, err := needHost().Dlsym(s.ctx, uint64(c.Argument(0).ToInteger()), c.Argument(1).String())
		if err != nil {
			throw(err)
		}
		return vm.ToValue(a)
	})
	set("dlclose", func(c goja.FunctionCall) goja.Value {
		if err := needHost().Dlclose(s.ctx, uint64(c.Argument(0).ToInteger())); err != nil {
			throw(err)
		}
		return goja.Undefined()
	})
	set("read64", func(c goja.FunctionCall) goja.Value {
		v, err := needHost().Read64(uint64(c.Argument(0).ToInteger()))
		if err != nil {
			throw(err)
		}
		return vm.ToValue(v)
	})
	set("log", func(c goja.FunctionCall) goja.Value {
		s.log.Audit(s.name, "log", zap.String("msg", c.Argument(0).String()))
		return goja.Undefined()
	})
	for k, v := range map[string]int{
		"RTLD_LAZY": 1, "RTLD_NOW": 2, "RTLD_NOLOAD": 4, "RTLD_GLOBAL": 0x100,
		"LM_ID_BASE": 0, "LM_ID_NEWLM": -1,
		"LA_FLG_BINDTO": FlagBindTo, "LA_FLG_BINDFROM": FlagBindFrom,
	} {
		_ = dl.Set(k, v)
	}
	return dl
}

// enter serialises use of the runtime. A callback reached again from inside
// the script (through dl.dlopen) already owns it.
func (s *Script) enter(ctx context.Context) func() {
	prev := s.ctx
	if owner, _ := ctx.Value(scriptKey{}).(*Script); owner == s {
		s.ctx = ctx
		return func() { s.ctx = prev }
	}
	s.mu.Lock()
	prev = s.ctx
	s.ctx = context.WithValue(ctx, scriptKey{}, s)
	return func() {
		s.ctx = prev
		s.mu.Unlock()
	}
}

func (s *Script) call(name string, args ...any) (goja.Value, bool) {
	fn, ok := s.fns[name]
	if !ok {
		return nil, false
	}
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = s.vm.ToValue(a)
	}
	v, err := fn(goja.Undefined(), vals...)
	if err != nil {
		s.log.Audit(s.name, name, zap.Error(err))
		return nil, false
	}
	return v, true
}

func (s *Script) cookie(c *Cookie) *goja.Object {
	o := s.vm.NewObject()
	_ = o.Set("id", c.ID.String())
	_ = o.Set("value", c.Value)
	return o
}

// sync copies a value the script stored in the cookie back.
func (s *Script) sync(o *goja.Object, c *Cookie) {
	if v := o.Get("value"); v != nil && !goja.IsUndefined(v) {
		c.Value = uint64(v.ToInteger())
	}
}

func defined(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v)
}

func (s *Script) Version(v uint32) uint32 {
	defer s.enter(context.Background())()
	r, ok := s.call("la_version", v)
	if !ok || !defined(r) {
		return Current
	}
	return uint32(r.ToInteger())
}

func (s *Script) ObjSearch(ctx context.Context, name string, c *Cookie, flag uint32) (string, bool) {
	defer s.enter(ctx)()
	o := s.cookie(c)
	r, ok := s.call("la_objsearch", name, o, flag)
	s.sync(o, c)
	if !ok || !defined(r) {
		return name, true
	}
	if goja.IsNull(r) {
		return "", false
	}
	return r.String(), true
}

func (s *Script) ObjOpen(ctx context.Context, obj Object, c *Cookie) uint32 {
	defer s.enter(ctx)()
	o := s.cookie(c)
	info := map[string]any{
		"name":   obj.Name,
		"path":   obj.Path,
		"base":   obj.Base,
		"ns":     obj.NS,
		"dlopen": obj.Dlopen,
	}
	r, ok := s.call("la_objopen", info, o)
	s.sync(o, c)
	if !ok || !defined(r) {
		return 0
	}
	return uint32(r.ToInteger())
}

func (s *Script) Activity(ctx context.Context, c *Cookie, flag uint32) {
	defer s.enter(ctx)()
	o := s.cookie(c)
	s.call("la_activity", o, flag)
	s.sync(o, c)
}

func (s *Script) SymBind(ctx context.Context, sym Symbol, ref, def *Cookie, flags *uint32) uint64 {
	defer s.enter(ctx)()
	info := map[string]any{"name": sym.Name, "index": sym.Index, "value": sym.Value}
	r, ok := s.call("la_symbind", info, s.cookie(ref), s.cookie(def), *flags)
	if !ok || !defined(r) {
		return sym.Value
	}
	v := uint64(r.ToInteger())
	if v != sym.Value {
		*flags |= SymbAltValue
	}
	return v
}

func (s *Script) PreInit(ctx context.Context, c *Cookie) {
	defer s.enter(ctx)()
	s.call("la_preinit", s.cookie(c))
}

func (s *Script) ObjClose(ctx context.Context, c *Cookie) uint32 {
	defer s.enter(ctx)()
	r, ok := s.call("la_objclose", s.cookie(c))
	if !ok || !defined(r) {
		return 0
	}
	return uint32(r.ToInteger())
}
