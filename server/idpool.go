package server

import "sync"

// idPool is the fixed-size client-ID allocator of spec §4.E: a bitmap
// indexed 0..size-1 with a rotating cursor, shared between the accept
// path (allocates) and the application thread (deallocates).
type idPool struct {
	mu     sync.Mutex
	words  []uint64
	size   int
	cursor int
}

func newIDPool(size int) *idPool {
	return &idPool{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

func (p *idPool) test(i int) bool {
	return p.words[i/64]&(1<<uint(i%64)) != 0
}

func (p *idPool) set(i int) {
	p.words[i/64] |= 1 << uint(i%64)
}

func (p *idPool) clear(i int) {
	p.words[i/64] &^= 1 << uint(i%64)
}

// Allocate searches from the cursor to the end, then wraps 0..cursor,
// claims the first free slot, and advances the cursor one past it.
func (p *idPool) Allocate() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for offset := 0; offset < p.size; offset++ {
		idx := (p.cursor + offset) % p.size
		if !p.test(idx) {
			p.set(idx)
			p.cursor = (idx + 1) % p.size
			return uint32(idx), true
		}
	}
	return 0, false
}

// Deallocate clears the slot for id. Deallocating an id outside the pool
// range, or one that is already clear, is a no-op.
func (p *idPool) Deallocate(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) < p.size {
		p.clear(int(id))
	}
}
