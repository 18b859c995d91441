package machine

import (
	"fmt"
	"sync"
)

const (
	heapChunk   = 1 << 20 // bytes mapped per heap chunk
	heapLarge   = 64 << 10
	heapMinimum = 16
)

// heap is the general allocator. Small blocks come from size-classed free
// lists over shared chunks; large blocks get a region of their own.
type heap struct {
	mu    sync.Mutex
	m     *Machine
	cur   uint64 // next free byte in the current chunk
	end   uint64
	free  map[uint64][]uint64 // size -> free blocks
	sizes map[uint64]uint64   // live block -> size
	large map[uint64]bool
}

func (h *heap) init(m *Machine) {
	h.m = m
	h.free = make(map[uint64][]uint64)
	h.sizes = make(map[uint64]uint64)
	h.large = make(map[uint64]bool)
}

func roundClass(n uint64) uint64 {
	if n < heapMinimum {
		return heapMinimum
	}
	return (n + 15) &^ 15
}

// Malloc allocates size bytes of zeroed memory aligned to 16.
func (m *Machine) Malloc(size uint64) (uint64, error) {
	h := &m.heap
	n := roundClass(size)
	if n >= heapLarge {
		addr, err := m.Map(n, ProtRW, "[heap:large]")
		if err != nil {
			return 0, err
		}
		h.mu.Lock()
		h.sizes[addr] = pageAlign(n)
		h.large[addr] = true
		h.mu.Unlock()
		return addr, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if list := h.free[n]; len(list) > 0 {
		addr := list[len(list)-1]
		h.free[n] = list[:len(list)-1]
		h.sizes[addr] = n
		if err := m.Zero(addr, int(n)); err != nil {
			return 0, err
		}
		return addr, nil
	}
	if h.cur+n > h.end {
		base, err := m.Map(heapChunk, ProtRW, "[heap]")
		if err != nil {
			return 0, err
		}
		h.cur, h.end = base, base+heapChunk
	}
	addr := h.cur
	h.cur += n
	h.sizes[addr] = n
	return addr, nil
}

// Calloc allocates count*size zeroed bytes.
func (m *Machine) Calloc(count, size uint64) (uint64, error) {
	if size != 0 && count > ^uint64(0)/size {
		return 0, fmt.Errorf("calloc %d*%d: %w", count, size, ErrNoMemory)
	}
	return m.Malloc(count * size)
}

// Free releases a block returned by Malloc. Freeing 0 is a no-op.
func (m *Machine) Free(addr uint64) error {
	if addr == 0 {
		return nil
	}
	h := &m.heap
	h.mu.Lock()
	n, ok := h.sizes[addr]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("free 0x%x: %w", addr, ErrBadFree)
	}
	delete(h.sizes, addr)
	if h.large[addr] {
		delete(h.large, addr)
		h.mu.Unlock()
		return m.Unmap(addr)
	}
	h.free[n] = append(h.free[n], addr)
	h.mu.Unlock()
	return nil
}

// Allocated reports the number of live heap blocks.
func (m *Machine) Allocated() int {
	m.heap.mu.Lock()
	defer m.heap.mu.Unlock()
	return len(m.heap.sizes)
}

// BlockSize returns the usable size of a live heap block.
func (m *Machine) BlockSize(addr uint64) (uint64, bool) {
	m.heap.mu.Lock()
	defer m.heap.mu.Unlock()
	n, ok := m.heap.sizes[addr]
	return n, ok
}

// FreeAll releases every live heap block and returns how many there were.
// Chunks stay mapped for reuse.
func (m *Machine) FreeAll() int {
	h := &m.heap
	h.mu.Lock()
	n := len(h.sizes)
	var large []uint64
	for addr, size := range h.sizes {
		if h.large[addr] {
			large = append(large, addr)
			continue
		}
		h.free[size] = append(h.free[size], addr)
	}
	h.sizes = make(map[uint64]uint64)
	h.large = make(map[uint64]bool)
	h.mu.Unlock()
	for _, addr := range large {
		_ = m.Unmap(addr)
	}
	return n
}
