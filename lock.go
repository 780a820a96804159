// Copyright 2018 The galloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package galloc

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// locker guards an Allocator: acquired on entry to Allocate/Release and
// held across the whole call, including any call into the page provider.
type locker interface {
	lock()
	unlock()
}

// mutexLock is the default backend: a plain blocking mutex, fair scheduling
// not required.
type mutexLock struct {
	mu sync.Mutex
}

func (l *mutexLock) lock()   { l.mu.Lock() }
func (l *mutexLock) unlock() { l.mu.Unlock() }

// spinLock is a test-and-set spinlock with a full memory barrier on
// acquire and release, for callers where blocking is undesirable. Backoff
// between attempts is spin.Yield, the same primitive used for exactly this
// busy-wait role in code.hybscloud.com/iobuf's bounded-pool tests.
type spinLock struct {
	held atomic.Bool
}

func (l *spinLock) lock() {
	for !l.held.CompareAndSwap(false, true) {
		spin.Yield()
	}
}

func (l *spinLock) unlock() { l.held.Store(false) }

// noLock is selected by WithoutLock: the allocator becomes single-threaded-
// only, with no synchronization overhead.
type noLock struct{}

func (noLock) lock()   {}
func (noLock) unlock() {}
