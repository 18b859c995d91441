package linkmap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
	"go.uber.org/zap"
)

// DefaultMaxNamespaces matches DL_NNS.
const DefaultMaxNamespaces = 16

// Namespace is one isolated set of loaded objects.
type Namespace struct {
	ID   int
	Maps []Handle // load order; the main program or first object heads the list

	global []Handle
	stale  bool

	// reserved holds an allocated id until its first map registers.
	reserved bool

	// Loading counts load operations in flight in this namespace.
	Loading int
}

type slot struct {
	m   *Map
	gen uint32
}

type addrRange struct {
	start, end uint64
	h          Handle
}

// Registry owns every link map of one loader context.
type Registry struct {
	mu      sync.RWMutex
	slots   []slot
	free    []uint32
	ns      []*Namespace
	ranges  []addrRange // live segments sorted by start
	tombs   []addrRange // segments of unloaded maps
	retired int         // global scope snapshots replaced by Refresh
	maxNS   int

	// Debug turns reference count underflow into a panic.
	Debug bool

	// OnFatal receives unrecoverable registration errors.
	OnFatal func(error)

	log *glog.Logger
}

// New creates a registry with namespace 0 present.
func New(maxNS int, log *glog.Logger) *Registry {
	if maxNS <= 0 {
		maxNS = DefaultMaxNamespaces
	}
	if log == nil {
		log = glog.Default()
	}
	r := &Registry{
		ns:      make([]*Namespace, maxNS),
		maxNS:   maxNS,
		OnFatal: lderr.Fatal,
		log:     log,
	}
	r.ns[0] = &Namespace{ID: 0}
	return r
}

// MaxNamespaces returns the namespace limit.
func (r *Registry) MaxNamespaces() int { return r.maxNS }

// NewNamespace returns the lowest empty namespace id other than 0. The id
// stays reserved until a map is registered in it or Unreserve is called.
func (r *Registry) NewNamespace() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := 1; id < r.maxNS; id++ {
		if n := r.ns[id]; n == nil || (len(n.Maps) == 0 && !n.reserved) {
			r.ns[id] = &Namespace{ID: id, reserved: true}
			return id, nil
		}
	}
	return 0, lderr.New(lderr.ErrInvalidNamespace, "", "no more namespaces available for dlmopen()")
}

// Unreserve gives up the reservation NewNamespace took on id. An id that
// never received a map becomes free again.
func (r *Registry) Unreserve(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id > 0 && id < r.maxNS && r.ns[id] != nil {
		r.ns[id].reserved = false
	}
}

// ValidNamespace reports whether id names a namespace that has been created.
func (r *Registry) ValidNamespace(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id >= 0 && id < r.maxNS && r.ns[id] != nil
}

// Namespace returns namespace id, or nil.
func (r *Registry) Namespace(id int) *Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || id >= r.maxNS {
		return nil
	}
	return r.ns[id]
}

// Register adds m to namespace ns in load order. An invalid namespace is fatal.
func (r *Registry) Register(ns int, m *Map) Handle {
	r.mu.Lock()
	if ns < 0 || ns >= r.maxNS || r.ns[ns] == nil {
		r.mu.Unlock()
		r.OnFatal(lderr.New(lderr.ErrInvalidNamespace, m.name,
			fmt.Sprintf("cannot register object in invalid namespace %d", ns)))
		return Handle{}
	}

	var h Handle
	if n := len(r.free); n > 0 {
		i := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[i].m = m
		h = Handle{idx: i + 1, gen: r.slots[i].gen}
	} else {
		r.slots = append(r.slots, slot{m: m})
		h = Handle{idx: uint32(len(r.slots))}
	}
	m.self = h
	m.NS = ns
	n := r.ns[ns]
	n.Maps = append(n.Maps, h)
	n.stale = true
	n.reserved = false
	for _, s := range m.Segments {
		r.insertRange(addrRange{s.Start, s.End, h})
	}
	r.mu.Unlock()

	r.log.Files("register", m.name, glog.NS(ns), glog.Addr(m.Addr), zap.String("handle", h.String()))
	return h
}

func (r *Registry) insertRange(a addrRange) {
	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].start >= a.start })
	r.ranges = append(r.ranges, addrRange{})
	copy(r.ranges[i+1:], r.ranges[i:])
	r.ranges[i] = a
	// A new mapping over an old tombstone makes the address live again.
	kept := r.tombs[:0]
	for _, t := range r.tombs {
		if t.end <= a.start || t.start >= a.end {
			kept = append(kept, t)
		}
	}
	r.tombs = kept
}

// Unregister removes a map whose open count is zero.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	m, err := r.get(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if m.Opens != 0 {
		r.mu.Unlock()
		return lderr.New(lderr.ErrInvalidHandle, m.name, fmt.Sprintf("cannot unregister: %d references remain", m.Opens))
	}
	n := r.ns[m.NS]
	for i, x := range n.Maps {
		if x == h {
			n.Maps = append(n.Maps[:i], n.Maps[i+1:]...)
			break
		}
	}
	n.stale = true
	live := r.ranges[:0]
	for _, a := range r.ranges {
		if a.h == h {
			r.tombs = append(r.tombs, a)
			continue
		}
		live = append(live, a)
	}
	r.ranges = live
	i := h.idx - 1
	r.slots[i].m = nil
	r.slots[i].gen++
	r.free = append(r.free, i)
	r.mu.Unlock()

	r.log.Files("unregister", m.name, glog.NS(m.NS))
	return nil
}

func (r *Registry) get(h Handle) (*Map, error) {
	if !h.Valid() || int(h.idx) > len(r.slots) {
		return nil, lderr.New(lderr.ErrInvalidHandle, "", "invalid handle")
	}
	s := r.slots[h.idx-1]
	if s.m == nil || s.gen != h.gen {
		return nil, lderr.New(lderr.ErrInvalidHandle, "", "invalid handle")
	}
	return s.m, nil
}

// Get resolves h.
func (r *Registry) Get(h Handle) (*Map, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(h)
}

// Map resolves h, returning nil for stale handles.
func (r *Registry) Map(h Handle) *Map {
	m, _ := r.Get(h)
	return m
}

// IncRef increments the direct open count.
func (r *Registry) IncRef(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.get(h)
	if err != nil {
		return err
	}
	m.Opens++
	return nil
}

// DecRef decrements the direct open count and returns the new value.
func (r *Registry) DecRef(h Handle) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.get(h)
	if err != nil {
		return 0, err
	}
	if m.Opens == 0 {
		if r.Debug {
			panic(fmt.Sprintf("linkmap: reference count of %s would go negative", m.name))
		}
		return 0, lderr.New(lderr.ErrInvalidHandle, m.name, "reference count underflow")
	}
	m.Opens--
	return m.Opens, nil
}

// FindByAddress returns the map whose segment contains addr. Addresses that
// belonged to an unloaded object report ErrStale.
func (r *Registry) FindByAddress(addr uint64) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].start > addr })
	if i > 0 {
		if a := r.ranges[i-1]; addr < a.end {
			return a.h, nil
		}
	}
	for _, t := range r.tombs {
		if addr >= t.start && addr < t.end {
			return Handle{}, lderr.New(lderr.ErrStale, "", fmt.Sprintf("address 0x%x belongs to an unloaded object", addr))
		}
	}
	return Handle{}, lderr.New(lderr.ErrNotFound, "", fmt.Sprintf("no object contains address 0x%x", addr))
}

// Maps returns the handles of namespace ns in load order.
func (r *Registry) Maps(ns int) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ns < 0 || ns >= r.maxNS || r.ns[ns] == nil {
		return nil
	}
	return append([]Handle(nil), r.ns[ns].Maps...)
}

// All returns every live map, namespace by namespace.
func (r *Registry) All() []*Map {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Map
	for _, n := range r.ns {
		if n == nil {
			continue
		}
		for _, h := range n.Maps {
			if m, err := r.get(h); err == nil {
				out = append(out, m)
			}
		}
	}
	return out
}

// MainSearchList returns the cached global scope of ns and whether it is
// stale. It is never rebuilt implicitly; call Refresh.
func (r *Registry) MainSearchList(ns int) ([]Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.ns[ns]
	if n == nil {
		return nil, false
	}
	return n.global, n.stale
}

// Refresh rebuilds the global scope of ns from maps flagged Global.
func (r *Registry) Refresh(ns int) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.ns[ns]
	if n == nil {
		return nil
	}
	var g []Handle
	for _, h := range n.Maps {
		if m, err := r.get(h); err == nil && m.Flags&Global != 0 {
			g = append(g, h)
		}
	}
	if n.global != nil {
		r.retired++
	}
	n.global = g
	n.stale = false
	r.log.Scopes(fmt.Sprintf("namespace %d", ns), r.names(g))
	return g
}

// MarkStale invalidates the global scope snapshot of ns.
func (r *Registry) MarkStale(ns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.ns[ns]; n != nil {
		n.stale = true
	}
}

func (r *Registry) names(hs []Handle) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		if m, err := r.get(h); err == nil {
			out = append(out, m.name)
		}
	}
	return out
}

// Names returns the names of hs, skipping stale handles.
func (r *Registry) Names(hs []Handle) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names(hs)
}

// SetDeps records the DT_NEEDED maps of h and drops its cached search list.
func (r *Registry) SetDeps(h Handle, deps []Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.get(h)
	if err != nil {
		return err
	}
	m.Deps = deps
	m.search = nil
	return nil
}

// AddRelDep records a run-time dependency of h on dep.
func (r *Registry) AddRelDep(h, dep Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.get(h)
	if err != nil {
		return err
	}
	if h == dep {
		return nil
	}
	for _, x := range m.Deps {
		if x == dep {
			return nil
		}
	}
	for _, x := range m.RelDeps {
		if x == dep {
			return nil
		}
	}
	m.RelDeps = append(m.RelDeps, dep)
	return nil
}

// SearchList returns h followed by its dependencies in breadth-first order.
func (r *Registry) SearchList(h Handle) ([]Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.get(h)
	if err != nil {
		return nil, err
	}
	if m.search != nil {
		return m.search, nil
	}
	seen := map[Handle]bool{h: true}
	list := []Handle{h}
	for i := 0; i < len(list); i++ {
		cur, err := r.get(list[i])
		if err != nil {
			continue
		}
		for _, d := range cur.Deps {
			if !seen[d] {
				seen[d] = true
				list = append(list, d)
			}
		}
	}
	m.search = list
	return list, nil
}

// Reclaim counts what Teardown released.
type Reclaim struct {
	Maps           int
	ScopeSnapshots int
	ScopeArrays    int
	Slotinfo       int
	SearchPaths    int
	Heap           int
}

// Teardown releases every map and scope array. Maps still holding opens are
// released too; the process is going away.
func (r *Registry) Teardown() Reclaim {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rc Reclaim
	for i := range r.slots {
		if m := r.slots[i].m; m != nil {
			rc.Maps++
			rc.ScopeArrays += m.scopeHistory
			if m.Scope != nil {
				rc.ScopeArrays++
			}
			r.slots[i].m = nil
			r.slots[i].gen++
		}
	}
	for _, n := range r.ns {
		if n == nil {
			continue
		}
		if n.global != nil {
			rc.ScopeSnapshots++
		}
		n.Maps, n.global = nil, nil
	}
	rc.ScopeSnapshots += r.retired
	r.retired = 0
	r.ranges, r.tombs, r.free = nil, nil, nil
	r.slots = nil
	return rc
}
