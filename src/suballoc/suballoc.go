// Package suballoc implements a fixed-capacity, block-structured memory
// suballocator. A Pool owns one contiguous mmap'd byte region, carves it
// into equally sized blocks, and threads block descriptors through a free
// list and an allocated list so that callers issuing large numbers of
// similarly sized allocations never touch the system allocator on the hot
// path.
package suballoc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Size constants exposed for caller convenience.
const (
	KILOBYTE = 1 << 10
	MEGABYTE = 1 << 20
	GIGABYTE = 1 << 30
)

// alignment is the natural alignment guaranteed for the pool base and
// every block's span base.
const alignment = 8

// poolConfig holds Init's optional settings.
type poolConfig struct {
	threadSafe bool
}

// Option configures Init. The only knob the spec defines is the
// single-threaded elision switch, so a single functional option is the
// minimal idiomatic stand-in for a full config struct.
type Option func(*poolConfig)

// WithThreadSafe controls whether Pool acquires freeMtx/allocMtx on every
// operation. Defaults to true; pass WithThreadSafe(false) only when the
// caller can guarantee no two goroutines will ever call into the pool
// concurrently.
func WithThreadSafe(enabled bool) Option {
	return func(c *poolConfig) { c.threadSafe = enabled }
}

// Pool is one suballocation arena: a contiguous byte region, a descriptor
// table, and the two lists (free, allocated) threaded through it.
type Pool struct {
	capacity   uint32 // original requested capacity, bytes
	blockSize  uint32 // B: fixed stride, multiple of 8
	blockCount uint32 // N = capacity / B

	region      []byte  // the raw mmap'd region, length capacity+alignment
	base        uintptr // region's raw base address
	alignedBase uintptr // base advanced to the next 8-byte boundary

	descs []descriptor

	freeMtx  sync.Mutex
	allocMtx sync.Mutex

	freeHead  int32
	allocHead int32

	coalesceCount uint64 // mutated only via sync/atomic

	threadSafe bool
}

// Init carves a new Pool out of a freshly mmap'd byte region of at least
// capacity bytes, split into blocks of blockSize (rounded up to a multiple
// of 8). capacity must be positive and blockSize must be strictly between
// 0 and capacity.
func Init(capacity, blockSize uint32, opts ...Option) (*Pool, error) {
	if capacity == 0 {
		return nil, reportErr(newPoolError(errPrecondition, "capacity must be positive"))
	}
	if blockSize == 0 || blockSize >= capacity {
		return nil, reportErr(newPoolError(errPrecondition, "block size must be in (0, capacity)"))
	}

	cfg := poolConfig{threadSafe: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := roundUp8(blockSize)
	n := capacity / b
	if n == 0 {
		return nil, reportErr(newPoolError(errPrecondition, "block size leaves no room for a single block"))
	}

	// Over-provision by `alignment` bytes so that however much the raw
	// mmap base is off an 8-byte boundary, N*B bytes still fit past the
	// aligned base.
	region, err := unix.Mmap(-1, 0, int(capacity)+alignment,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, reportErr(newPoolErrorf(errCapacity, "mmap pool region: %v", err))
	}

	base := uintptr(unsafe.Pointer(&region[0]))
	pad := (alignment - base%alignment) % alignment
	alignedBase := base + pad

	p := &Pool{
		capacity:    capacity,
		blockSize:   b,
		blockCount:  n,
		region:      region,
		base:        base,
		alignedBase: alignedBase,
		descs:       make([]descriptor, n),
		freeHead:    nilIdx,
		allocHead:   nilIdx,
		threadSafe:  cfg.threadSafe,
	}

	for i := uint32(0); i < n; i++ {
		next := int32(i) + 1
		if i == n-1 {
			next = nilIdx
		}
		p.descs[i] = descriptor{
			base:  alignedBase + uintptr(i)*uintptr(b),
			size:  uintptr(b),
			next:  next,
			state: stateFree,
		}
	}
	p.freeHead = 0

	return p, nil
}

// Destroy unmaps the pool's byte region and invalidates the handle.
// Destroy is not itself thread-safe: callers must quiesce every other
// operation on the pool first.
func (p *Pool) Destroy() error {
	if p == nil || p.blockCount == 0 {
		return reportErr(newPoolError(errPrecondition, "destroy of an uninitialized pool"))
	}
	if err := unix.Munmap(p.region); err != nil {
		return reportErr(newPoolErrorf(errCapacity, "munmap pool region: %v", err))
	}
	p.region = nil
	p.descs = nil
	p.freeHead = nilIdx
	p.allocHead = nilIdx
	p.blockCount = 0
	return nil
}

// CoalesceCount reports how many coalescing allocations this pool has
// served since Init. Diagnostic only; not part of any invariant.
func (p *Pool) CoalesceCount() uint64 {
	return atomic.LoadUint64(&p.coalesceCount)
}

func roundUp8(n uint32) uint32 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// bytesAt returns a safe []byte view of the span [addr, addr+size) inside
// the pool's retained mmap region.
func (p *Pool) bytesAt(addr, size uintptr) []byte {
	off := addr - p.base
	return p.region[off : off+size]
}

// ptrAt returns the raw pointer callers see for a span starting at addr.
func (p *Pool) ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(&p.region[addr-p.base])
}

func (p *Pool) lockFree() {
	if p.threadSafe {
		p.freeMtx.Lock()
	}
}

func (p *Pool) unlockFree() {
	if p.threadSafe {
		p.freeMtx.Unlock()
	}
}

func (p *Pool) lockAlloc() {
	if p.threadSafe {
		p.allocMtx.Lock()
	}
}

func (p *Pool) unlockAlloc() {
	if p.threadSafe {
		p.allocMtx.Unlock()
	}
}
