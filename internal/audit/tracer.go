package audit

import (
	"context"
	"strconv"
	"sync"

	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/trace"
)

func init() {
	Register("trace", func(Host, *glog.Logger) (Auditor, error) {
		return NewTracer(trace.NewRecorder(nil)), nil
	})
}

// Tracer records every callback as a trace.Event and asks to see all
// bindings.
type Tracer struct {
	Base
	rec *trace.Recorder

	mu    sync.Mutex
	names map[uint64]string // cookie value to object name
}

func (t *Tracer) name(c *Cookie) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.names[c.Value]
}

// NewTracer returns a tracer recording into rec.
func NewTracer(rec *trace.Recorder) *Tracer {
	return &Tracer{rec: rec, names: make(map[uint64]string)}
}

// Recorder returns the recorder events are written to.
func (t *Tracer) Recorder() *trace.Recorder { return t.rec }

func (t *Tracer) ObjSearch(_ context.Context, name string, _ *Cookie, flag uint32) (string, bool) {
	e := trace.NewEvent(0, trace.Search, name, "")
	e.Annotate("result", name)
	e.Annotate("flag", strconv.FormatUint(uint64(flag), 16))
	t.rec.Record(e)
	return name, true
}

func (t *Tracer) ObjOpen(_ context.Context, obj Object, c *Cookie) uint32 {
	t.mu.Lock()
	t.names[c.Value] = obj.Name
	t.mu.Unlock()
	e := trace.NewEvent(obj.Base, trace.Open, obj.Name, obj.Path)
	e.Annotate("ns", strconv.Itoa(obj.NS))
	e.Annotate("cookie", c.ID.String())
	e.Annotate("dlopen", strconv.FormatBool(obj.Dlopen))
	t.rec.Record(e)
	return FlagBindTo | FlagBindFrom
}

func (t *Tracer) Activity(_ context.Context, c *Cookie, flag uint32) {
	detail := "consistent"
	switch flag {
	case Add:
		detail = "add"
	case Delete:
		detail = "delete"
	}
	t.rec.Record(trace.NewEvent(0, trace.Activity, t.name(c), detail))
}

func (t *Tracer) SymBind(_ context.Context, sym Symbol, ref, def *Cookie, _ *uint32) uint64 {
	e := trace.NewEvent(sym.Value, trace.Bind, sym.Name, t.name(ref)+" -> "+t.name(def))
	t.rec.Record(e)
	return sym.Value
}

func (t *Tracer) PreInit(_ context.Context, c *Cookie) {
	t.rec.Record(trace.NewEvent(0, trace.PreInit, t.name(c), ""))
}

func (t *Tracer) ObjClose(_ context.Context, c *Cookie) uint32 {
	t.rec.Record(trace.NewEvent(0, trace.Close, t.name(c), ""))
	t.mu.Lock()
	delete(t.names, c.Value)
	t.mu.Unlock()
	return 0
}
