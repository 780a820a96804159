// Copyright 2018 The galloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package galloc

import (
	"fmt"

	"modernc.org/mathutil"
)

// pageProvider is the OS-facing primitive: acquire and release contiguous
// byte ranges. It is opaque to the rest of the package except through these
// three entry points.
type pageProvider interface {
	pageSize() uintptr
	acquire(n uintptr) (uintptr, error)
	release(addr, n uintptr) error
}

// roundupPages rounds n up to the next multiple of page, which must be a
// power of two.
func roundupPages(n, page uintptr) uintptr {
	return (n + page - 1) &^ (page - 1)
}

// mmapProvider hands out one independent anonymous mapping per acquire
// call and unmaps it on release. It is the default backend.
type mmapProvider struct {
	minAllocPages int
}

func (p *mmapProvider) pageSize() uintptr { return uintptr(osPageSize) }

func (p *mmapProvider) acquire(n uintptr) (uintptr, error) {
	min := uintptr(mathutil.Max(p.minAllocPages, 1)) * uintptr(osPageSize)
	if n < min {
		n = min
	}
	n = roundupPages(n, uintptr(osPageSize))
	addr, err := rawMmap(int(n))
	if err != nil {
		return 0, fmt.Errorf("galloc: mmap %d bytes: %w", n, err)
	}
	return addr, nil
}

func (p *mmapProvider) release(addr, n uintptr) error {
	if err := rawMunmap(addr, int(n)); err != nil {
		return fmt.Errorf("galloc: munmap %d bytes at %#x: %w", n, addr, err)
	}
	return nil
}

// brkReservationSize is the address range reserved up front for the
// break-extension provider. Go has no portable sbrk(2), so the provider
// reserves this much address space once (PROT_NONE / MEM_RESERVE, backed by
// no physical memory) and grows/shrinks a committed prefix within it,
// reproducing sbrk's "grows and shrinks only at the top" contract.
const brkReservationSize = 1 << 34 // 16 GiB of address space, never of RAM

// brkProvider emulates a program-break backend: each acquire grows the
// break by exactly n bytes and each release of the topmost region shrinks
// it by exactly n bytes.
type brkProvider struct {
	base      uintptr
	committed uintptr
}

func newBrkProvider() (*brkProvider, error) {
	base, err := rawReserve(brkReservationSize)
	if err != nil {
		return nil, fmt.Errorf("galloc: reserve break address space: %w", err)
	}
	return &brkProvider{base: base}, nil
}

func (p *brkProvider) pageSize() uintptr { return uintptr(osPageSize) }

func (p *brkProvider) acquire(n uintptr) (uintptr, error) {
	if p.committed+n > brkReservationSize {
		return 0, fmt.Errorf("galloc: break-extension address space exhausted")
	}
	oldPages := roundupPages(p.committed, uintptr(osPageSize))
	newPages := roundupPages(p.committed+n, uintptr(osPageSize))
	if newPages > oldPages {
		if err := rawCommit(p.base+oldPages, int(newPages-oldPages)); err != nil {
			return 0, fmt.Errorf("galloc: extend break by %d bytes: %w", n, err)
		}
	}
	addr := p.base + p.committed
	p.committed += n
	return addr, nil
}

// release shrinks the break by n bytes. The caller (Allocator.blockRemove)
// guarantees this is only ever called for the topmost, currently-last
// block; a break can only ever shrink from its top.
func (p *brkProvider) release(addr, n uintptr) error {
	if addr+n != p.base+p.committed {
		return fmt.Errorf("galloc: break-extension release of non-topmost region")
	}
	oldPages := roundupPages(p.committed, uintptr(osPageSize))
	p.committed -= n
	newPages := roundupPages(p.committed, uintptr(osPageSize))
	if newPages < oldPages {
		if err := rawDecommit(p.base+newPages, int(oldPages-newPages)); err != nil {
			return fmt.Errorf("galloc: shrink break by %d bytes: %w", n, err)
		}
	}
	return nil
}
