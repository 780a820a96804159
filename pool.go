// Copyright 2018 The galloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package galloc

// pool is one size-class bucket: a doubly-linked list of free blocks kept
// sorted ascending by payload size, threaded through each block's
// poolPrev/poolNext fields.
type pool struct {
	start *block
	end   *block
	count int
}

// indexFor maps a requested payload size to its table bucket, per the
// table_size(s) rule: distinct buckets for every small size, one shared
// overflow bucket (index tableSize) for everything above it.
func indexFor(size uintptr, tableSize int) int {
	switch {
	case size > uintptr(tableSize):
		return tableSize
	case size == 0:
		return 0
	default:
		return int(size) - 1
	}
}

// insert prepends b to the bucket then bubbles it right past any block it
// is strictly larger than, an insertion-sort pass that keeps the bucket
// sorted in O(n) amortized and leaves ties ordered by insertion recency
// (b stops as soon as it is no longer larger than its right neighbour).
func (p *pool) insert(b *block) {
	b.poolPrev = nil
	b.poolNext = p.start
	if p.start != nil {
		p.start.poolPrev = b
	} else {
		p.end = b
	}
	p.start = b
	p.count++

	for b.poolNext != nil && payload(b) > payload(b.poolNext) {
		p.swapRight(b)
	}
}

// swapRight exchanges a with its immediate right neighbour in the list.
func (p *pool) swapRight(a *block) {
	b := a.poolNext
	before := a.poolPrev
	after := b.poolNext

	if before != nil {
		before.poolNext = b
	} else {
		p.start = b
	}
	if after != nil {
		after.poolPrev = a
	} else {
		p.end = a
	}

	b.poolPrev = before
	b.poolNext = a
	a.poolPrev = b
	a.poolNext = after
}

func (p *pool) remove(b *block) {
	if b == p.start {
		p.start = b.poolNext
	}
	if b == p.end {
		p.end = b.poolPrev
	}
	if b.poolPrev != nil {
		b.poolPrev.poolNext = b.poolNext
	}
	if b.poolNext != nil {
		b.poolNext.poolPrev = b.poolPrev
	}
	b.poolPrev = nil
	b.poolNext = nil
	p.count--
}

// search scans the bucket from its sorted start and returns the first block
// whose payload is at least size, i.e. the smallest fit within this bucket.
// It returns nil if the bucket has none large enough.
func (p *pool) search(size uintptr) *block {
	for n := p.start; n != nil; n = n.poolNext {
		if payload(n) >= size {
			return n
		}
	}
	return nil
}
