package suballoc

import (
	"sync/atomic"
	"unsafe"
)

// Allocate returns a pointer to a span of at least nBytes inside the
// pool, or nil on failure. Requests of nBytes <= the pool's block size
// take the fast single-block path; larger requests coalesce a run of
// contiguous free blocks into one larger span.
func (p *Pool) Allocate(nBytes uint32) unsafe.Pointer {
	if uintptr(nBytes) >= uintptr(p.capacity) {
		reportf(errCapacity, "requested %d bytes exceeds pool capacity %d", nBytes, p.capacity)
		return nil
	}

	if nBytes <= p.blockSize {
		return p.allocateFast()
	}
	return p.allocateCoalescing(nBytes)
}

func (p *Pool) allocateFast() unsafe.Pointer {
	p.lockFree()
	idx := p.freeHead
	if idx == nilIdx {
		p.unlockFree()
		reportf(errCapacity, "free list exhausted")
		return nil
	}
	p.freeHead = p.descs[idx].next
	p.descs[idx].next = nilIdx
	p.unlockFree()

	p.descs[idx].state = stateAllocatedSingle

	p.lockAlloc()
	p.descs[idx].next = p.allocHead
	p.allocHead = idx
	p.unlockAlloc()

	return p.ptrAt(p.descs[idx].base)
}

func (p *Pool) allocateCoalescing(nBytes uint32) unsafe.Pointer {
	k := int32((uintptr(nBytes) + uintptr(p.blockSize) - 1) / uintptr(p.blockSize))

	p.lockFree()

	runStart := p.freeHead
	runStartPrev := nilIdx
	runCount := int32(1)
	curIdx := p.freeHead
	endIdx := nilIdx

	for curIdx != nilIdx {
		nextIdx := p.descs[curIdx].next
		if nextIdx != nilIdx && p.descs[nextIdx].base == p.descs[curIdx].base+uintptr(p.blockSize) {
			runCount++
			curIdx = nextIdx
			if runCount == k {
				endIdx = curIdx
				break
			}
			continue
		}
		runStart = nextIdx
		runStartPrev = curIdx
		runCount = 1
		curIdx = nextIdx
	}

	if endIdx == nilIdx {
		p.unlockFree()
		reportf(errFragmentation, "no run of %d contiguous free blocks for %d bytes", k, nBytes)
		return nil
	}

	// Splice the k-node run out of the free list.
	if runStartPrev == nilIdx {
		p.freeHead = p.descs[endIdx].next
	} else {
		p.descs[runStartPrev].next = p.descs[endIdx].next
	}

	// Retire the k-1 trailing nodes in place; the head absorbs the span.
	node := p.descs[runStart].next
	for i := int32(1); i < k; i++ {
		next := p.descs[node].next
		p.descs[node].state = stateRetired
		p.descs[node].next = nilIdx
		node = next
	}
	p.descs[runStart].next = nilIdx
	p.descs[runStart].size = uintptr(k) * uintptr(p.blockSize)
	p.descs[runStart].state = stateAllocatedCoalesced

	p.unlockFree()

	atomic.AddUint64(&p.coalesceCount, 1)

	p.lockAlloc()
	p.descs[runStart].next = p.allocHead
	p.allocHead = runStart
	p.unlockAlloc()

	return p.ptrAt(p.descs[runStart].base)
}

// ZeroAllocate allocates count*elemSize bytes and zeroes them before
// returning. Rejects a zero product.
func (p *Pool) ZeroAllocate(count, elemSize uint32) unsafe.Pointer {
	if count == 0 || elemSize == 0 {
		reportf(errPrecondition, "zero_allocate of a zero-sized request")
		return nil
	}

	total := uint64(count) * uint64(elemSize)
	if total > uint64(^uint32(0)) {
		reportf(errCapacity, "zero_allocate request %d*%d overflows", count, elemSize)
		return nil
	}

	ptr := p.Allocate(uint32(total))
	if ptr == nil {
		return nil
	}

	span := p.bytesAt(uintptr(ptr), uintptr(total))
	clear(span)
	return ptr
}

// Reallocate grows the span at ptr to at least nBytes, copying the
// original bytes into a fresh span and releasing ptr if it must move.
// Never shrinks: if the existing span already satisfies nBytes, ptr is
// returned unchanged.
func (p *Pool) Reallocate(ptr unsafe.Pointer, nBytes uint32) unsafe.Pointer {
	if ptr == nil {
		reportf(errPrecondition, "reallocate of a nil pointer")
		return nil
	}
	if nBytes == 0 {
		reportf(errPrecondition, "reallocate to a zero size")
		return nil
	}

	if _, ok := p.indexForAddr(uintptr(ptr)); !ok {
		reportf(errBookkeeping, "reallocate of a pointer not owned by this pool")
		return nil
	}

	p.lockAlloc()
	if p.allocHead == nilIdx {
		p.unlockAlloc()
		reportf(errBookkeeping, "reallocate against an empty allocated list")
		return nil
	}
	idx, found := p.findAllocated(uintptr(ptr))
	if !found {
		p.unlockAlloc()
		reportf(errBookkeeping, "reallocate of a pointer not on the allocated list")
		return nil
	}
	// Lookup and grow/no-grow decision happen inside the same critical
	// section: the descriptor cannot be detached by any other goroutine
	// while it remains on the allocated list, so size is stable here.
	oldBase := p.descs[idx].base
	oldSize := p.descs[idx].size
	if oldSize >= uintptr(nBytes) {
		p.unlockAlloc()
		return ptr
	}
	p.unlockAlloc()

	newPtr := p.Allocate(nBytes)
	if newPtr == nil {
		return nil
	}
	copy(p.bytesAt(uintptr(newPtr), oldSize), p.bytesAt(oldBase, oldSize))
	p.Release(ptr)
	return newPtr
}

// findAllocated scans the allocated list for the node whose span base
// equals addr. Callers must hold allocMtx.
func (p *Pool) findAllocated(addr uintptr) (int32, bool) {
	cur := p.allocHead
	for cur != nilIdx {
		if p.descs[cur].base == addr {
			return cur, true
		}
		cur = p.descs[cur].next
	}
	return nilIdx, false
}
