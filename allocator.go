// Copyright 2018 The galloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package galloc

import (
	"fmt"
	"os"
	"sync"
	"unsafe"
)

const (
	defaultTableSize    = 4096
	defaultPageMinAlloc = 1
)

// Allocator services Allocate/Release requests by consulting a size-indexed
// table of sorted free lists, splitting an oversized candidate or creating
// a fresh block from the page provider when none fits, and on release
// coalescing free physical neighbours before reinserting the result.
//
// The zero value is not ready for use: construct one with NewAllocator. All
// exported methods are safe for concurrent use.
type Allocator struct {
	initOnce sync.Once
	initErr  error

	opts options

	mu       locker
	provider pageProvider

	table []pool
	// poolMinIndex/poolMaxIndex bound the range of buckets that have ever
	// held a free block, initialised to the empty range (tableSize, -1).
	// Both are advisory and only ever widen, so they may go stale once the
	// buckets they cover empty back out, but they never exclude a bucket
	// that is actually occupied.
	poolMinIndex int
	poolMaxIndex int

	blockLast *block // highest-address block owned by the allocator, valid only for the break-extension provider

	// regionSize records, for the leftmost block of every mapping-backend
	// region, the number of bytes the mapping provider actually mapped for
	// it (which may exceed the requested payload+header after page_min_alloc
	// and page-size rounding). Without it, releasing a region whose size was rounded up
	// would hand the wrong byte count back to the OS.
	regionSize map[*block]uintptr
}

// Option configures a new Allocator. Options replace the C reference's
// compile-time flags (table_size, use_sbrk, use_lock_spin, ...) with
// ordinary constructor arguments.
type Option func(*options)

type options struct {
	tableSize     int
	pageMinAlloc  int
	pageSizeHint  int
	useBreak      bool
	useSpin       bool
	noLock        bool
}

// WithTableSize overrides the number of size-class buckets (default 4096).
func WithTableSize(n int) Option {
	return func(o *options) { o.tableSize = n }
}

// WithPageMinAlloc sets the minimum number of OS pages requested per mapping
// acquisition (default 1). Only meaningful for the default mapping
// provider; the break-extension provider grows by exactly the requested
// byte count.
func WithPageMinAlloc(n int) Option {
	return func(o *options) { o.pageMinAlloc = n }
}

// WithPageSizeDefault overrides the page size used if the OS cannot be
// queried. It has no effect on platforms where the page size is always
// available, which is every platform this package supports, but is kept as
// an explicit escape hatch for unusual hosts.
func WithPageSizeDefault(n int) Option {
	return func(o *options) { o.pageSizeHint = n }
}

// WithBreakProvider selects the emulated program-break backend instead of
// the default anonymous-mapping backend.
func WithBreakProvider() Option {
	return func(o *options) { o.useBreak = true }
}

// WithSpinLock selects a busy-waiting spinlock instead of the default
// blocking mutex.
func WithSpinLock() Option {
	return func(o *options) { o.useSpin = true }
}

// WithoutLock disables locking entirely. The resulting Allocator is safe
// only for single-threaded use.
func WithoutLock() Option {
	return func(o *options) { o.noLock = true }
}

// NewAllocator constructs a ready-to-use Allocator. Construction itself
// never touches the page provider; the first Allocate call performs the
// one-shot initialisation (table allocation, hint reset) lazily.
func NewAllocator(opts ...Option) *Allocator {
	o := options{
		tableSize:    defaultTableSize,
		pageMinAlloc: defaultPageMinAlloc,
	}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Allocator{opts: o}
	switch {
	case o.noLock:
		a.mu = noLock{}
	case o.useSpin:
		a.mu = &spinLock{}
	default:
		a.mu = &mutexLock{}
	}
	return a
}

// Default is a ready-to-use Allocator with every option at its default,
// mirroring the C reference's single process-wide instance. Package-level
// Allocate/Release forward to it.
var Default = NewAllocator()

// Allocate returns Default.Allocate(size).
func Allocate(size int) (unsafe.Pointer, error) { return Default.Allocate(size) }

// Release returns Default.Release(p).
func Release(p unsafe.Pointer) error { return Default.Release(p) }

func (a *Allocator) ensureInit() error {
	a.initOnce.Do(func() {
		a.table = make([]pool, a.opts.tableSize+1)
		a.poolMinIndex = a.opts.tableSize
		a.poolMaxIndex = -1
		a.regionSize = map[*block]uintptr{}
		if a.opts.useBreak {
			p, err := newBrkProvider()
			if err != nil {
				a.initErr = err
				return
			}
			a.provider = p
		} else {
			a.provider = &mmapProvider{minAllocPages: a.opts.pageMinAlloc}
		}
	})
	return a.initErr
}

func (a *Allocator) index(size uintptr) int { return indexFor(size, a.opts.tableSize) }

// Allocate returns a pointer to size freshly-obtained, unzeroed bytes, or
// nil if size is zero. The returned pointer must be passed to Release
// exactly once, or never again used.
func (a *Allocator) Allocate(size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() { fmt.Fprintf(os.Stderr, "Allocate(%#x) %p, %v\n", size, r, err) }()
	}
	if size < 0 {
		panic("galloc: negative allocate size")
	}
	if size == 0 {
		return nil, nil
	}
	if err := a.ensureInit(); err != nil {
		return nil, err
	}

	a.mu.lock()
	defer a.mu.unlock()

	b, err := a.allocateLocked(uintptr(size))
	if err != nil {
		return nil, err
	}
	return payloadAddr(b), nil
}

// AllocateBytes is like Allocate but returns the allocation as a byte
// slice addressing the same memory, for callers that want bounds-checked
// access instead of an unsafe.Pointer. Unlike Allocate, size == 0 is
// rejected with an error rather than returning (nil, nil): a zero-length
// slice has no address to carry, so there is nothing for ReleaseBytes to
// later recover a header from.
func (a *Allocator) AllocateBytes(size int) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("galloc: AllocateBytes: size must be greater than zero")
	}
	p, err := a.Allocate(size)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func (a *Allocator) allocateLocked(size uintptr) (*block, error) {
	idx := a.index(size)
	cand := a.table[idx].search(size)
	if cand == nil && idx < a.opts.tableSize {
		cand = a.searchFallback(size, idx)
	}

	if cand == nil {
		b, err := a.blockCreate(size)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	a.poolFor(cand).remove(cand)

	if payload(cand) < size+headerSize+1 {
		setInUse(cand, true)
		return cand, nil
	}

	remainder := split(cand, size)
	a.insertFree(remainder)
	return cand, nil
}

// searchFallback looks past idx's own bucket. Every non-overflow bucket
// j < tableSize holds free blocks of exactly payload j+1, so any non-empty
// bucket with index > idx already satisfies size and is a valid (if not
// minimal) fit; the overflow bucket is searched properly for best fit.
// Scanning starts no earlier than poolMinIndex (nothing below it was ever
// populated) and stops at poolMaxIndex; both are advisory hints rather than
// exact bounds, so this may do extra work but never misses a block that is
// actually present.
func (a *Allocator) searchFallback(size uintptr, idx int) *block {
	start := idx + 1
	if start < a.poolMinIndex {
		start = a.poolMinIndex
	}
	for i := start; i < a.opts.tableSize && i <= a.poolMaxIndex; i++ {
		if b := a.table[i].start; b != nil {
			return b
		}
	}
	return a.table[a.opts.tableSize].search(size)
}

func (a *Allocator) poolFor(b *block) *pool {
	return &a.table[a.index(payload(b))]
}

func (a *Allocator) insertFree(b *block) {
	idx := a.index(payload(b))
	a.table[idx].insert(b)
	a.noteBucketChanged(idx)
}

// noteBucketChanged widens the advisory [poolMinIndex, poolMaxIndex] hint
// to cover idx. The hint only ever widens; it is allowed to go stale (stay
// wider than the true occupied range) since searchFallback tolerates that.
func (a *Allocator) noteBucketChanged(idx int) {
	if a.table[idx].count == 0 {
		return
	}
	if idx < a.poolMinIndex {
		a.poolMinIndex = idx
	}
	if idx > a.poolMaxIndex {
		a.poolMaxIndex = idx
	}
}

// blockCreate obtains a fresh block able to hold size bytes from the page
// provider. The header size is added to size first; under the mapping
// backend the provider then pads that total to at least pageMinAlloc pages
// and a page multiple, and the padded extent is recorded in regionSize;
// under the break-extension backend the block is instead spliced onto the
// tail of blockLast.
func (a *Allocator) blockCreate(size uintptr) (*block, error) {
	total := size + headerSize
	addr, err := a.provider.acquire(total)
	if err != nil {
		return nil, fmt.Errorf("galloc: acquire %d bytes: %w", total, err)
	}

	b := blockAt(addr)
	*b = block{}
	setPayload(b, size)
	setInUse(b, true)

	if a.opts.useBreak {
		b.blockPrev = a.blockLast
		if a.blockLast != nil {
			a.blockLast.blockNext = b
		}
		a.blockLast = b
	} else {
		region := max(total, uintptr(max(a.opts.pageMinAlloc, 1))*uintptr(osPageSize))
		a.regionSize[b] = roundupPages(region, uintptr(osPageSize))
	}
	return b, nil
}

// Release returns the memory at p, previously obtained from Allocate, to
// the allocator. Release(nil) is a no-op. Releasing a pointer whose
// recovered header is not marked in-use is also a silent no-op, matching a
// double release rather than corrupting state; only a genuine page-provider
// failure while returning memory to the OS is surfaced as an error.
func (a *Allocator) Release(p unsafe.Pointer) (err error) {
	if trace {
		defer func() { fmt.Fprintf(os.Stderr, "Release(%p) %v\n", p, err) }()
	}
	if p == nil {
		return nil
	}
	if err := a.ensureInit(); err != nil {
		return err
	}

	a.mu.lock()
	defer a.mu.unlock()

	// A block already handed back to the page provider has no readable
	// header: under the break-extension backend it lies above the break,
	// under the mapping backend its region is no longer in regionSize.
	if bp, ok := a.provider.(*brkProvider); ok {
		if addr := uintptr(p); addr < bp.base+headerSize || addr >= bp.base+bp.committed {
			return nil
		}
	} else if _, ok := a.regionSize[blockFromPayload(p)]; !ok {
		return nil
	}

	b := blockFromPayload(p)
	if !isInUse(b) {
		return nil
	}
	setInUse(b, false)

	if a.shouldReturnToOS(b) {
		return a.blockRemove(b)
	}

	if right := b.blockNext; right != nil && !isInUse(right) {
		a.poolFor(right).remove(right)
	}
	if left := b.blockPrev; left != nil && !isInUse(left) {
		a.poolFor(left).remove(left)
	}
	survivor := join(b)
	a.insertFree(survivor)
	return nil
}

// ReleaseBytes is the Release counterpart of AllocateBytes.
func (a *Allocator) ReleaseBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return a.Release(unsafe.Pointer(&b[0]))
}

// shouldReturnToOS reports whether b must be handed back to the page
// provider instead of rejoining a pool: under the break-extension backend,
// b is the current top of the break; under the mapping backend, b has no
// physical neighbours at all, i.e. it is the sole occupant of its region.
func (a *Allocator) shouldReturnToOS(b *block) bool {
	if a.opts.useBreak {
		return b == a.blockLast
	}
	return b.blockPrev == nil && b.blockNext == nil
}

// blockRemove hands a block's region back to the page provider. Under the
// break-extension backend it also retracts blockLast, then keeps retracting:
// a free, pooled block is never left as blockLast, since it would otherwise
// be coalesced into a neighbour or handed out as a split candidate while
// still being treated as the top of the break. Under the mapping backend it
// releases exactly the extent originally acquired for the region
// (regionSize), not payload+headerSize, so a page_min_alloc rounded region
// is never partially leaked.
func (a *Allocator) blockRemove(b *block) error {
	if a.opts.useBreak {
		if err := a.provider.release(blockAddr(b), payload(b)+headerSize); err != nil {
			return err
		}
		a.blockLast = b.blockPrev
		if a.blockLast != nil {
			a.blockLast.blockNext = nil
		}

		for a.blockLast != nil && !isInUse(a.blockLast) {
			top := a.blockLast
			a.poolFor(top).remove(top)
			if err := a.provider.release(blockAddr(top), payload(top)+headerSize); err != nil {
				return err
			}
			a.blockLast = top.blockPrev
			if a.blockLast != nil {
				a.blockLast.blockNext = nil
			}
		}
		return nil
	}

	total, ok := a.regionSize[b]
	if !ok {
		total = payload(b) + headerSize
	}
	delete(a.regionSize, b)
	return a.provider.release(blockAddr(b), total)
}
