// Package bootstrap implements the minimal allocator used while the loader
// brings itself up, before the general heap is available.
//
// The arena is a bump allocator over anonymous pages. Only the most recent
// allocation can be released or resized, and the Last handle is the only
// value that carries those operations: a Last becomes inert as soon as a
// newer allocation exists.
package bootstrap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zboralski/rtld/internal/lderr"
	"github.com/zboralski/rtld/internal/machine"
)

const align = 16

var (
	// ErrSealed is returned once the general allocator has taken over.
	ErrSealed = errors.New("bootstrap arena sealed")
	// ErrNotLast is returned when resizing a block that is no longer the most recent.
	ErrNotLast = errors.New("block is not the most recent allocation")
)

// PageSource supplies anonymous pages to an Arena.
type PageSource interface {
	Map(size uint64, prot machine.Prot, name string) (uint64, error)
	Zero(addr uint64, size int) error
	Copy(dst, src uint64, size int) error
}

// Block is an allocated range without release capability.
type Block struct {
	Addr uint64
	Size uint64
}

// Last is the handle of the most recent allocation.
type Last struct {
	Block
	a       *Arena
	seq     uint64
	prevPtr uint64
	prevEnd uint64
	fresh   uint64 // start of pages mapped to satisfy this block, or 0
}

// Arena is the bootstrap bump allocator.
type Arena struct {
	mu     sync.Mutex
	src    PageSource
	page   uint64
	ptr    uint64
	end    uint64
	seq    uint64
	sealed bool
	maps   int

	spareStart, spareEnd uint64
}

// New creates an arena drawing pages from src.
func New(src PageSource, pageSize uint64) *Arena {
	if pageSize == 0 {
		pageSize = machine.PageSize
	}
	return &Arena{src: src, page: pageSize}
}

func roundUp(n, to uint64) (uint64, bool) {
	r := (n + to - 1) &^ (to - 1)
	return r, r >= n
}

// Alloc returns n zeroed bytes aligned to 16.
func (a *Arena) Alloc(n uint64) (Last, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(n)
}

func (a *Arena) alloc(n uint64) (Last, error) {
	if a.sealed {
		return Last{}, lderr.Wrap(lderr.ErrBootstrapAlloc, "", "", ErrSealed)
	}
	n16, ok := roundUp(n, align)
	if !ok {
		return Last{}, lderr.New(lderr.ErrBootstrapAlloc, "", fmt.Sprintf("allocation of %d bytes overflows", n))
	}

	l := Last{a: a, prevPtr: a.ptr, prevEnd: a.end}
	if a.end == 0 || a.ptr+n16 > a.end || a.ptr+n16 < a.ptr {
		// Allocate the rounded size plus one spare page to amortise mapping calls.
		nup, ok := roundUp(n16, a.page)
		if !ok || nup+a.page < nup {
			return Last{}, lderr.New(lderr.ErrBootstrapAlloc, "", fmt.Sprintf("allocation of %d bytes overflows", n))
		}
		nup += a.page

		var start, end uint64
		if a.spareEnd-a.spareStart >= nup {
			start, end = a.spareStart, a.spareEnd
			a.spareStart, a.spareEnd = 0, 0
		} else {
			addr, err := a.src.Map(nup, machine.ProtRW, "[bootstrap]")
			if err != nil {
				return Last{}, lderr.Wrap(lderr.ErrBootstrapAlloc, "", "", err)
			}
			a.maps++
			start, end = addr, addr+nup
		}
		if start != a.end {
			a.ptr = start
		}
		a.end = end
		l.fresh = start
	}

	l.Addr = a.ptr
	l.Size = n
	a.ptr += n16
	a.seq++
	l.seq = a.seq
	return l, nil
}

// MustAlloc allocates n bytes for loader paths that cannot continue without
// memory; failure is routed to lderr.Fatal.
func (a *Arena) MustAlloc(n uint64) Block {
	l, err := a.Alloc(n)
	if err != nil {
		lderr.Fatal(err)
		return Block{}
	}
	return l.Block
}

// Current reports whether l is still the most recent allocation.
func (l Last) Current() bool {
	if l.a == nil {
		return false
	}
	l.a.mu.Lock()
	defer l.a.mu.Unlock()
	return l.seq == l.a.seq && !l.a.sealed
}

// Free releases the block if it is still the most recent allocation, returning
// the arena to the state before it was allocated. Otherwise Free does nothing.
func (l Last) Free() {
	a := l.a
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if l.seq != a.seq || a.sealed {
		return
	}
	_ = a.src.Zero(l.Addr, int(a.ptr-l.Addr))
	if l.fresh != 0 {
		a.spareStart, a.spareEnd = l.fresh, a.end
	}
	a.ptr, a.end = l.prevPtr, l.prevEnd
	a.seq++
}

// Realloc resizes the most recent allocation, in place when it fits.
func (l Last) Realloc(n uint64) (Last, error) {
	a := l.a
	if a == nil {
		return Last{}, ErrNotLast
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if l.seq != a.seq || a.sealed {
		return Last{}, ErrNotLast
	}

	oldEnd := a.ptr
	a.ptr = l.Addr
	nl, err := a.alloc(n)
	if err != nil {
		a.ptr = oldEnd
		return Last{}, err
	}
	nl.prevPtr, nl.prevEnd = l.prevPtr, l.prevEnd
	if nl.fresh == 0 {
		nl.fresh = l.fresh
	}

	if nl.Addr != l.Addr {
		keep := l.Size
		if n < keep {
			keep = n
		}
		if err := a.src.Copy(nl.Addr, l.Addr, int(keep)); err != nil {
			return Last{}, lderr.Wrap(lderr.ErrBootstrapAlloc, "", "", err)
		}
		_ = a.src.Zero(l.Addr, int(oldEnd-l.Addr))
	} else if a.ptr < oldEnd {
		_ = a.src.Zero(a.ptr, int(oldEnd-a.ptr))
	}
	return nl, nil
}

// HighWater returns the current allocation pointer.
func (a *Arena) HighWater() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ptr
}

// Mappings reports how many times the arena requested pages.
func (a *Arena) Mappings() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maps
}

// Seal retires the arena once the general allocator is live. Blocks already
// handed out stay valid; new allocations fail.
func (a *Arena) Seal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
}

// Sealed reports whether Seal was called.
func (a *Arena) Sealed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealed
}
