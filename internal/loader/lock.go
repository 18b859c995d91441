package loader

import (
	"context"
	"sync/atomic"

	"github.com/zboralski/rtld/internal/audit"
	"github.com/zboralski/rtld/internal/linkmap"
	"go.uber.org/zap"
)

type lockKey struct{}

// lockHold is one acquisition of the loader lock. Contexts derived from it
// re-enter only while it is held.
type lockHold struct {
	c    *Context
	live atomic.Bool
}

// lock takes the loader lock unless ctx already carries it. Auditor
// callbacks, constructors and stubs run with the context of the operation
// that called them, so their loader calls re-enter instead of deadlocking.
//
// Re-entry is keyed on the context, not the goroutine: a goroutine given that
// context while the operation runs shares the lock with it. A context kept
// past the operation's return carries nothing and locks normally.
func (c *Context) lock(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if h, _ := ctx.Value(lockKey{}).(*lockHold); h != nil && h.c == c && h.live.Load() {
		return ctx, func() {}
	}
	c.mu.Lock()
	h := &lockHold{c: c}
	h.live.Store(true)
	return context.WithValue(ctx, lockKey{}, h), func() {
		h.live.Store(false)
		c.mu.Unlock()
	}
}

type phase uint8

const (
	phaseResolve phase = iota
	phaseCheck
	phaseMap
	phaseRelocate
	phaseNotify
	phaseInit
	phaseDone
)

var phaseNames = [...]string{"resolve", "check", "map", "relocate", "notify", "init", "done"}

func (p phase) String() string { return phaseNames[p] }

type flightKey struct {
	ns   int
	path string
}

type opKey struct{}

// op is one load operation: a dlopen, a dlmopen or program startup.
type op struct {
	ns       int
	mode     int
	phase    phase
	startup  bool
	tolerant bool     // record missing dependencies instead of failing
	missing  []string // dependencies not found, when tolerant

	ref *linkmap.Map // map whose open count this operation incremented

	created   []*linkmap.Map // maps this operation registered, in load order
	inits     []*linkmap.Map // roots whose initialisers run when the operation completes
	flights   []flightKey
	announced []int // namespaces this operation sent LA_ACT_ADD for

	outer *op
}

func (c *Context) beginOp(ctx context.Context, ns, mode int) (context.Context, *op) {
	o := &op{ns: ns, mode: mode}
	o.outer, _ = ctx.Value(opKey{}).(*op)
	if n := c.reg.Namespace(ns); n != nil {
		n.Loading++
	}
	return context.WithValue(ctx, opKey{}, o), o
}

func (c *Context) endOp(o *op) {
	for _, k := range o.flights {
		if c.inflight[k] == o {
			delete(c.inflight, k)
		}
	}
	o.flights = nil
	if n := c.reg.Namespace(o.ns); n != nil && n.Loading > 0 {
		n.Loading--
	}
	o.phase = phaseDone
}

func (c *Context) step(o *op, p phase, object string) {
	o.phase = p
	c.log.Debug("load", zap.Stringer("phase", p), zap.Int("ns", o.ns), zap.String("object", object))
}

// deferInits reports whether o's initialisers belong to an enclosing
// operation that has not reached its own init phase yet.
func (o *op) deferInits() bool {
	return o.outer != nil && o.outer.phase < phaseInit
}

// adopt records m as created by o and in flight until o completes.
func (c *Context) adopt(ctx context.Context, o *op, m *linkmap.Map) {
	o.created = append(o.created, m)
	k := flightKey{m.NS, m.Path}
	c.inflight[k] = o
	o.flights = append(o.flights, k)
	c.announce(ctx, o, m.NS)
}

// loadingElsewhere reports whether m is still being loaded by an operation
// other than o. Its initialisers belong to that operation.
func (c *Context) loadingElsewhere(o *op, m *linkmap.Map) bool {
	owner := c.inflight[flightKey{m.NS, m.Path}]
	return owner != nil && owner != o
}

// handOff moves o's maps and queued initialisers to the enclosing operation.
func (c *Context) handOff(o *op, root *linkmap.Map) {
	outer := o.outer
	outer.created = append(outer.created, o.created...)
	outer.inits = append(outer.inits, o.inits...)
	outer.inits = append(outer.inits, root)
	for _, k := range o.flights {
		c.inflight[k] = outer
	}
	outer.flights = append(outer.flights, o.flights...)
	for _, m := range o.created {
		m.Flags |= linkmap.InitPending
	}
	o.created, o.inits, o.flights = nil, nil, nil
}

// announce sends LA_ACT_ADD for ns once per batch of additions.
func (c *Context) announce(ctx context.Context, o *op, ns int) {
	if c.adding[ns] {
		return
	}
	c.adding[ns] = true
	o.announced = append(o.announced, ns)
	if c.audit.Len() == 0 {
		return
	}
	hs := c.reg.Maps(ns)
	if len(hs) == 0 {
		return
	}
	c.audit.Activity(ctx, hs[0].Token(), audit.Add)
}

// consistent closes the batches o opened.
func (c *Context) consistent(ctx context.Context, o *op) {
	for _, ns := range o.announced {
		delete(c.adding, ns)
		if c.audit.Len() == 0 {
			continue
		}
		if hs := c.reg.Maps(ns); len(hs) > 0 {
			c.audit.Activity(ctx, hs[0].Token(), audit.Consistent)
		}
	}
	o.announced = nil
}
