package trace

import (
	"sync"
	"testing"
)

func TestRecorderEnriches(t *testing.T) {
	r := NewRecorder(nil)

	open := NewEvent(0x40000000, Open, "libfoo.so", "")
	open.Annotate("dlopen", "true")
	r.Record(open)

	rewrite := NewEvent(0, Search, "libfoo.so", "")
	rewrite.Annotate("result", "/opt/libfoo.so")
	r.Record(rewrite)

	r.Record(NewEvent(0, Search, "libbar.so", ""))

	if got := r.Filter(Dynload); len(got) != 1 || got[0] != open {
		t.Errorf("dynload events = %v", got)
	}
	if got := r.Filter(Rewrite); len(got) != 1 || got[0] != rewrite {
		t.Errorf("rewrite events = %v", got)
	}
	if got := r.Filter(Rejected); len(got) != 1 || got[0].Name != "libbar.so" {
		t.Errorf("rejected events = %v", got)
	}
	for _, e := range r.Events() {
		if e.Session != r.Session() {
			t.Errorf("event %s has session %s", e.Name, e.Session)
		}
	}
	if open.PrimaryTag() != "#objopen" {
		t.Errorf("primary tag = %q", open.PrimaryTag())
	}
}

func TestRecorderConcurrent(t *testing.T) {
	r := NewRecorder(func(*Event) {})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Record(NewEvent(0, Bind, "sym", ""))
			}
		}()
	}
	wg.Wait()
	if n := len(r.Events()); n != 800 {
		t.Errorf("recorded %d events, want 800", n)
	}
}

func TestTags(t *testing.T) {
	var tags Tags
	tags.Add(Init)
	tags.Add(Init)
	tags.Add(Fini)
	if len(tags) != 2 || tags.Primary() != Init {
		t.Fatalf("tags = %v", tags)
	}
	if s := tags.Strings(); s[0] != "#init" || s[1] != "#fini" {
		t.Errorf("strings = %v", s)
	}
}
