// Package trace records loader events for the trace auditor and the CLI.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tag represents an event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags.
const (
	Search   Tag = "search"
	Open     Tag = "objopen"
	Close    Tag = "objclose"
	Activity Tag = "activity"
	Bind     Tag = "symbind"
	PreInit  Tag = "preinit"
	Init     Tag = "init"
	Fini     Tag = "fini"
	Reloc    Tag = "reloc"
	TLS      Tag = "tls"
	IFunc    Tag = "ifunc"
	Dynload  Tag = "dynload"
	Rejected Tag = "rejected"
	Rewrite  Tag = "rewrite"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for events.
type Annotations map[string]string

// Event is one loader event.
type Event struct {
	Session     uuid.UUID // load session the event belongs to
	Addr        uint64    // object base or symbol address
	Tags        Tags      // first is primary
	Name        string    // object or symbol name
	Detail      string
	Annotations Annotations
	Timestamp   time.Time
}

// NewEvent creates an event with tag as its primary tag.
func NewEvent(addr uint64, tag Tag, name, detail string) *Event {
	return &Event{
		Addr:        addr,
		Tags:        Tags{tag},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations[k] = v
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher adds derived tags to an event before it is stored.
type Enricher func(e *Event)

// DefaultEnricher tags dlopen-driven object events and rewritten searches.
func DefaultEnricher(e *Event) {
	switch e.Tags.Primary() {
	case Open, Close:
		if e.Annotations["dlopen"] == "true" {
			e.AddTag(Dynload)
		}
	case Search:
		if e.Annotations["result"] == "" {
			e.AddTag(Rejected)
		} else if e.Annotations["result"] != e.Name {
			e.AddTag(Rewrite)
		}
	}
}

// Recorder collects events. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	session uuid.UUID
	events  []*Event
	enrich  Enricher
}

// NewRecorder starts a new session.
func NewRecorder(enrich Enricher) *Recorder {
	if enrich == nil {
		enrich = DefaultEnricher
	}
	return &Recorder{session: uuid.New(), enrich: enrich}
}

// Session returns the recorder's session id.
func (r *Recorder) Session() uuid.UUID { return r.session }

// Record stamps e with the session, enriches and stores it.
func (r *Recorder) Record(e *Event) {
	e.Session = r.session
	r.enrich(e)
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// Filter returns the events carrying tag.
func (r *Recorder) Filter(tag Tag) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Tags.Has(tag) {
			out = append(out, e)
		}
	}
	return out
}
