// Package atfork keeps the handlers registered with pthread_atfork.
//
// Events walk a snapshot of the list, so a handler may unregister any entry,
// itself included, or close the object that registered it. Entries removed
// while an event is running are skipped for the rest of that event.
package atfork

import (
	"context"
	"sync"

	glog "github.com/zboralski/rtld/internal/log"
	"go.uber.org/zap"
)

// Handler is one fork callback.
type Handler func(ctx context.Context)

// ID identifies a registration. The zero ID is never issued.
type ID uint64

type entry struct {
	id      ID
	prepare Handler
	parent  Handler
	child   Handler
	owner   uint64 // link-map token of the registering object, 0 if none
	removed bool
}

// Registry is the ordered handler list.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	next    ID
	log     *glog.Logger
}

// New returns an empty registry.
func New(log *glog.Logger) *Registry {
	if log == nil {
		log = glog.Default()
	}
	return &Registry{log: log}
}

// Register appends a handler triple. Any of the three may be nil.
func (r *Registry) Register(prepare, parent, child Handler) ID {
	return r.RegisterOwned(0, prepare, parent, child)
}

// RegisterOwned is Register on behalf of a loaded object, so the handlers
// can be dropped when it is unloaded.
func (r *Registry) RegisterOwned(owner uint64, prepare, parent, child Handler) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	e := &entry{id: r.next, prepare: prepare, parent: parent, child: child, owner: owner}
	r.entries = append(r.entries, e)
	r.log.Debug("atfork register", zap.Uint64("id", uint64(e.id)), glog.Ptr("owner", owner))
	return e.id
}

// Unregister removes id. It reports whether id was registered.
func (r *Registry) Unregister(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			e.removed = true
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// UnregisterOwner removes every handler registered by owner and returns how
// many there were.
func (r *Registry) UnregisterOwner(owner uint64) int {
	if owner == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	n := 0
	for _, e := range r.entries {
		if e.owner == owner {
			e.removed = true
			n++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = nil
	}
	r.entries = kept
	return n
}

// Len returns the number of registered triples.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) snapshot() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entry(nil), r.entries...)
}

func (r *Registry) live(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !e.removed
}

// RunPrepare calls the prepare handlers, last registered first.
func (r *Registry) RunPrepare(ctx context.Context) int {
	list := r.snapshot()
	n := 0
	for i := len(list) - 1; i >= 0; i-- {
		if e := list[i]; e.prepare != nil && r.live(e) {
			e.prepare(ctx)
			n++
		}
	}
	return n
}

// RunParent calls the parent handlers in registration order.
func (r *Registry) RunParent(ctx context.Context) int {
	return r.run(ctx, func(e *entry) Handler { return e.parent })
}

// RunChild calls the child handlers in registration order.
func (r *Registry) RunChild(ctx context.Context) int {
	return r.run(ctx, func(e *entry) Handler { return e.child })
}

func (r *Registry) run(ctx context.Context, pick func(*entry) Handler) int {
	n := 0
	for _, e := range r.snapshot() {
		if h := pick(e); h != nil && r.live(e) {
			h(ctx)
			n++
		}
	}
	return n
}
