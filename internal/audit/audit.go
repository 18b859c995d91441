// Package audit implements the rtld-audit interface.
//
// Auditors observe object searches, opens, closes, namespace activity and
// symbol bindings. Each auditor holds its own cookie for every object it has
// seen; cookies are never shared between auditors.
package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
	"go.uber.org/zap"
)

// Current is the highest interface version supported (LAV_CURRENT).
const Current = 2

// la_objopen result flags.
const (
	FlagBindTo   = 0x01 // audit bindings to this object
	FlagBindFrom = 0x02 // audit bindings from this object
)

// la_activity flags.
const (
	Consistent = 0
	Add        = 1
	Delete     = 2
)

// la_objsearch flags.
const (
	SerOrig    = 0x01
	SerLibPath = 0x02
	SerRunPath = 0x04
	SerConfig  = 0x08
	SerDefault = 0x40
	SerSecure  = 0x80
)

// la_symbind flags.
const (
	SymbDLSym    = 0x08 // binding requested through dlsym
	SymbAltValue = 0x10 // an auditor changed the value
)

// Cookie identifies one object to one auditor. Value starts as the object's
// token and may be replaced by the auditor.
type Cookie struct {
	ID    uuid.UUID
	Value uint64
}

// Object describes a newly opened object.
type Object struct {
	Token  uint64 // link-map handle token
	Name   string
	Path   string
	Base   uint64
	NS     int
	Dlopen bool // opened at run time rather than at startup
}

// Symbol describes a binding being made.
type Symbol struct {
	Name  string
	Index uint32
	Value uint64
}

// Auditor receives loader events. Implementations embed Base and override
// what they need.
type Auditor interface {
	// Version is called first with Current; the result is the version the
	// auditor implements. 0 or a value above Current disables the auditor.
	Version(v uint32) uint32
	// ObjSearch may rewrite a candidate name or reject it (ok false).
	ObjSearch(ctx context.Context, name string, cookie *Cookie, flag uint32) (string, bool)
	// ObjOpen returns FlagBindTo and FlagBindFrom bits for the object.
	ObjOpen(ctx context.Context, obj Object, cookie *Cookie) uint32
	Activity(ctx context.Context, cookie *Cookie, flag uint32)
	// SymBind returns the address the reference binds to.
	SymBind(ctx context.Context, sym Symbol, ref, def *Cookie, flags *uint32) uint64
	PreInit(ctx context.Context, cookie *Cookie)
	ObjClose(ctx context.Context, cookie *Cookie) uint32
}

// Base implements every callback as a no-op.
type Base struct{}

func (Base) Version(uint32) uint32 { return Current }

func (Base) ObjSearch(_ context.Context, name string, _ *Cookie, _ uint32) (string, bool) {
	return name, true
}

func (Base) ObjOpen(context.Context, Object, *Cookie) uint32 { return 0 }
func (Base) Activity(context.Context, *Cookie, uint32) {}
func (Base) PreInit(context.Context, *Cookie) {}
func (Base) ObjClose(context.Context, *Cookie) uint32 { return 0 }

func (Base) SymBind(_ context.Context, sym Symbol, _, _ *Cookie, _ *uint32) uint64 {
	return sym.Value
}

type entry struct {
	name    string
	a       Auditor
	version uint32
	cookies map[uint64]*Cookie
	flags   map[uint64]uint32
}

func (e *entry) cookie(obj uint64) *Cookie {
	c := e.cookies[obj]
	if c == nil {
		c = &Cookie{ID: uuid.New(), Value: obj}
		e.cookies[obj] = c
	}
	return c
}

// Set is the ordered list of active auditors.
type Set struct {
	mu      sync.Mutex
	entries []*entry
	log     *glog.Logger
}

// NewSet returns an empty set.
func NewSet(log *glog.Logger) *Set {
	if log == nil {
		log = glog.Default()
	}
	return &Set{log: log}
}

// Add negotiates the interface version with a and appends it. A rejected
// auditor is not added and the returned error carries the diagnostic.
func (s *Set) Add(name string, a Auditor) error {
	v := a.Version(Current)
	switch {
	case v == 0:
		return lderr.New(lderr.ErrAuditProtocol, name, "audit interface returned version 0; disabled")
	case v > Current:
		return lderr.New(lderr.ErrAuditProtocol, name,
			fmt.Sprintf("audit interface requires version %d (maximum supported version %d); disabled", v, Current))
	}
	s.mu.Lock()
	s.entries = append(s.entries, &entry{
		name:    name,
		a:       a,
		version: v,
		cookies: make(map[uint64]*Cookie),
		flags:   make(map[uint64]uint32),
	})
	s.mu.Unlock()
	s.log.Audit(name, "la_version", zap.Uint32("version", v))
	return nil
}

// Len returns the number of active auditors.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Names returns the auditor names in order.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.name
	}
	return out
}

// Cookie returns auditor i's cookie for obj, creating it on first use.
func (s *Set) Cookie(i int, obj uint64) *Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[i].cookie(obj)
}

// snapshot lets callbacks run without the set lock, so they may reenter the
// loader.
func (s *Set) snapshot() []*entry {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entry(nil), s.entries...)
}

func (s *Set) cookieOf(e *entry, obj uint64) *Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.cookie(obj)
}

// ObjSearch passes name through every auditor in order. Any auditor may
// rewrite it for the ones after it; a rejection ends the chain.
func (s *Set) ObjSearch(ctx context.Context, name string, requester uint64, flag uint32) (string, bool) {
	for _, e := range s.snapshot() {
		out, ok := e.a.ObjSearch(ctx, name, s.cookieOf(e, requester), flag)
		s.log.Audit(e.name, "la_objsearch", zap.String("name", name), zap.String("result", out), zap.Bool("ok", ok))
		if !ok || out == "" {
			return "", false
		}
		name = out
	}
	return name, true
}

// ObjOpen notifies every auditor of a new object.
func (s *Set) ObjOpen(ctx context.Context, obj Object) {
	for _, e := range s.snapshot() {
		c := s.cookieOf(e, obj.Token)
		f := e.a.ObjOpen(ctx, obj, c)
		s.mu.Lock()
		e.flags[obj.Token] = f
		s.mu.Unlock()
		s.log.Audit(e.name, "la_objopen", glog.Obj(obj.Name), glog.NS(obj.NS), zap.Uint32("flags", f))
	}
}

// Activity reports a namespace change. head is the namespace's first object.
func (s *Set) Activity(ctx context.Context, head uint64, flag uint32) {
	for _, e := range s.snapshot() {
		e.a.Activity(ctx, s.cookieOf(e, head), flag)
		s.log.Audit(e.name, "la_activity", zap.Uint32("flag", flag))
	}
}

// SymBind runs the binding of sym from ref to def through every auditor that
// asked to see bindings from ref and to def. It returns the final address.
func (s *Set) SymBind(ctx context.Context, sym Symbol, ref, def uint64, flags uint32) uint64 {
	v := sym.Value
	for _, e := range s.snapshot() {
		s.mu.Lock()
		want := e.flags[ref]&FlagBindFrom != 0 && e.flags[def]&FlagBindTo != 0
		var rc, dc *Cookie
		if want {
			rc, dc = e.cookie(ref), e.cookie(def)
		}
		s.mu.Unlock()
		if !want {
			continue
		}
		f := flags
		sym.Value = v
		nv := e.a.SymBind(ctx, sym, rc, dc, &f)
		if nv != v {
			s.log.Audit(e.name, "la_symbind", glog.Sym(sym.Name), glog.Ptr("from", v), glog.Ptr("to", nv))
			v = nv
		}
	}
	return v
}

// PreInit is called once every initial object is relocated, before any
// constructor runs.
func (s *Set) PreInit(ctx context.Context, main uint64) {
	for _, e := range s.snapshot() {
		e.a.PreInit(ctx, s.cookieOf(e, main))
		s.log.Audit(e.name, "la_preinit")
	}
}

// ObjClose notifies every auditor that obj is going away and drops their
// cookies for it.
func (s *Set) ObjClose(ctx context.Context, obj uint64) {
	for _, e := range s.snapshot() {
		s.mu.Lock()
		c, ok := e.cookies[obj]
		s.mu.Unlock()
		if !ok {
			continue
		}
		e.a.ObjClose(ctx, c)
		s.mu.Lock()
		delete(e.cookies, obj)
		delete(e.flags, obj)
		s.mu.Unlock()
		s.log.Audit(e.name, "la_objclose", zap.String("cookie", c.ID.String()))
	}
}

// Cookies returns the number of cookies auditors still hold.
func (s *Set) Cookies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		n += len(e.cookies)
	}
	return n
}
