// Copyright 2018 The galloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package galloc

import (
	"math/bits"
	"unsafe"
)

// block is the header placed at the start of every OS-obtained region and
// after every split. blockPrev/blockNext thread the physical chain in
// address order; poolPrev/poolNext thread free-list membership. The
// pool-only fields are always present (not just on free blocks) so that a
// block flipping between in-use and free never needs to relocate.
type block struct {
	size      uintptr // payload bytes; high bit is the in-use flag
	blockPrev *block
	blockNext *block
	poolPrev  *block
	poolNext  *block
}

var headerSize = unsafe.Sizeof(block{})

const inUseBit = uintptr(1) << (bits.UintSize - 1)

func payload(b *block) uintptr { return b.size &^ inUseBit }
func isInUse(b *block) bool    { return b.size&inUseBit != 0 }
func setPayload(b *block, n uintptr) {
	b.size = (b.size & inUseBit) | (n &^ inUseBit)
}
func setInUse(b *block, used bool) {
	if used {
		b.size |= inUseBit
	} else {
		b.size &^= inUseBit
	}
}

func blockAddr(b *block) uintptr          { return uintptr(unsafe.Pointer(b)) }
func blockAt(addr uintptr) *block         { return (*block)(unsafe.Pointer(addr)) }
func payloadAddr(b *block) unsafe.Pointer { return unsafe.Pointer(blockAddr(b) + headerSize) }

// blockFromPayload recovers the header of a block from a pointer previously
// returned by Allocate.
func blockFromPayload(p unsafe.Pointer) *block {
	return blockAt(uintptr(p) - headerSize)
}

// split shrinks b to exactly size and carves the trailing bytes into a new
// free block, wiring it into the physical chain on b's right. Preconditions
// (checked by the caller, Allocator.allocateLocked): size < payload(b) and the
// remainder is at least headerSize+1 bytes, i.e. large enough to host a
// free block of its own.
func split(b *block, size uintptr) *block {
	remainder := blockAt(blockAddr(b) + headerSize + size)
	*remainder = block{}
	setPayload(remainder, payload(b)-size-headerSize)
	setInUse(remainder, false)
	remainder.blockPrev = b
	remainder.blockNext = b.blockNext
	if b.blockNext != nil {
		b.blockNext.blockPrev = remainder
	}
	b.blockNext = remainder
	setPayload(b, size)
	setInUse(b, true)
	return remainder
}

// join coalesces b with any free physical neighbours and returns the
// surviving block. The right neighbour, if free, is absorbed into b; the
// left neighbour, if free, instead absorbs b (its own identity survives, so
// callers that held b must switch to the returned pointer). Absorbing a
// neighbour with payload p grows the survivor's payload by headerSize+p,
// exactly accounting for the neighbour's own header going away.
func join(b *block) *block {
	if right := b.blockNext; right != nil && !isInUse(right) {
		setPayload(b, payload(b)+headerSize+payload(right))
		b.blockNext = right.blockNext
		if b.blockNext != nil {
			b.blockNext.blockPrev = b
		}
	}
	if left := b.blockPrev; left != nil && !isInUse(left) {
		setPayload(left, payload(left)+headerSize+payload(b))
		left.blockNext = b.blockNext
		if left.blockNext != nil {
			left.blockNext.blockPrev = left
		}
		b = left
	}
	return b
}
