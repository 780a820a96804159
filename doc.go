// Copyright 2018 The galloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package galloc implements a general-purpose heap allocator: a segregated
// free-block index sitting directly above raw virtual-memory primitives
// (anonymous mapping or an emulated program-break extension), replacing the
// Go runtime's own allocator for callers that manage raw memory themselves
// (off-heap arenas, buffers handed to cgo, shared memory segments, ...).
//
// An Allocator services Allocate/Release requests by walking a physical
// chain of in-place block headers, splitting an oversized free block or
// coalescing adjacent free neighbours as needed, and consulting a
// size-indexed table of sorted free lists (Allocator.table) to find a
// candidate in better than linear time.
//
// Changelog
//
// 2018-03-01 Initial release: mapping and break-extension page providers,
// mutex and spinlock backends, table-driven size classes.
package galloc

// trace, when set, makes every Allocate/Release call log its arguments and
// result to stderr. It exists for debugging this package, not for
// application-level logging.
var trace = false

var (
	osPageSize = rawPageSize()
	osPageMask = osPageSize - 1
)
