// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// Package pccache is a concurrent map of resolved program counters to frame
// snapshots. Lookups are lock-free and may run concurrently with inserts and
// removals. Removal unlinks an entry immediately but defers reclaiming it
// until every lookup that might still be traversing it has finished, in the
// style of RCU: a generation counter is flipped on retirement and the retired
// entry is only reclaimed once the readers pinned to the old generation have
// drained.
package pccache // import "github.com/procunwind/procunwind/pccache"

import (
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/libpf/hash"
)

// DefaultBuckets is the bucket count used when New is given a non-positive
// size hint.
const DefaultBuckets = 512

// poisonCFA is scribbled into reclaimed entries. A correctly synchronized
// reader can never observe it; the stress tests assert exactly that.
const poisonCFA = libpf.Address(0xdeaddeaddeaddead)

// entry is one cached program counter resolution. The next pointer is
// atomic so that readers can traverse bucket chains while writers relink
// them.
type entry struct {
	frame libpf.Frame
	next  atomic.Pointer[entry]
}

// retired is an unlinked entry awaiting its grace period.
type retired struct {
	e *entry
	// gen is the generation during which the entry was unlinked. The entry
	// may be reclaimed once the generation moved on and the readers pinned
	// to gen's slot have drained.
	gen uint64
}

// Cache is the PC to frame lookup table. The zero value is not usable, use
// New.
type Cache struct {
	buckets []atomic.Pointer[entry]
	mask    uint64

	// gen is the current read-side generation. Its parity selects the
	// readers slot new lookups pin.
	gen atomic.Uint64
	// readers counts in-flight lookups per generation parity.
	readers [2]atomic.Int64

	// mu serializes all structural writers (Add/Remove/Clear). Lookups
	// never take it.
	mu sync.Mutex
	// retiredList is guarded by mu.
	retiredList []retired

	size atomic.Int64
}

// New creates a cache with at least hint buckets (rounded up to a power of
// two).
func New(hint int) *Cache {
	if hint <= 0 {
		hint = DefaultBuckets
	}
	n := 1 << bits.Len(uint(hint-1))
	return &Cache{
		buckets: make([]atomic.Pointer[entry], n),
		mask:    uint64(n - 1),
	}
}

func (c *Cache) bucket(pc libpf.Address) *atomic.Pointer[entry] {
	return &c.buckets[hash.Uint64(uint64(pc))&c.mask]
}

// pin enters a read-side critical section and returns the pinned generation.
func (c *Cache) pin() uint64 {
	for {
		g := c.gen.Load()
		c.readers[g&1].Add(1)
		// The generation may have flipped between the load and the
		// increment, in which case a writer may already have sampled our
		// slot as drained. We have not dereferenced anything yet, so undo
		// and re-pin on the current generation.
		if c.gen.Load() == g {
			return g
		}
		c.readers[g&1].Add(-1)
	}
}

// unpin leaves the read-side critical section entered by pin.
func (c *Cache) unpin(g uint64) {
	c.readers[g&1].Add(-1)
}

// Find returns the cached frame for pc. It never blocks and is safe to call
// concurrently with Add, Remove and Clear.
func (c *Cache) Find(pc libpf.Address) (libpf.Frame, bool) {
	g := c.pin()
	defer c.unpin(g)

	for e := c.bucket(pc).Load(); e != nil; e = e.next.Load() {
		if e.frame.PC == pc {
			return e.frame, true
		}
	}
	return libpf.Frame{}, false
}

// Add inserts the resolved frame keyed by its PC. Inserting a PC that is
// already present is not an error: the existing entry stays visible and the
// new frame is dropped.
func (c *Cache) Add(frame libpf.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucket(frame.PC)
	for e := b.Load(); e != nil; e = e.next.Load() {
		if e.frame.PC == frame.PC {
			return
		}
	}
	// Publish a fully initialized entry: the frame and next pointer are in
	// place before the head store makes it reachable.
	e := &entry{frame: frame}
	e.next.Store(b.Load())
	b.Store(e)
	c.size.Add(1)
}

// Remove unlinks the entry for pc, making it invisible to new lookups
// immediately. The entry's memory is reclaimed later, once no concurrent
// lookup can still hold it. Returns whether an entry was removed.
func (c *Cache) Remove(pc libpf.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucket(pc)
	var prev *entry
	for e := b.Load(); e != nil; prev, e = e, e.next.Load() {
		if e.frame.PC != pc {
			continue
		}
		// Unlink. The entry keeps its next pointer so that readers
		// currently paused on it can finish their traversal.
		if prev == nil {
			b.Store(e.next.Load())
		} else {
			prev.next.Store(e.next.Load())
		}
		c.size.Add(-1)
		c.retire(e)
		c.tryReclaim()
		return true
	}
	return false
}

// retire stamps the unlinked entry with the current generation. Caller must
// hold mu.
func (c *Cache) retire(e *entry) {
	c.retiredList = append(c.retiredList, retired{e: e, gen: c.gen.Load()})
}

// tryAdvance moves to the next generation if every reader of the outgoing
// parity slot has drained. Only writers advance the generation, and they are
// serialized by mu.
func (c *Cache) tryAdvance() {
	g := c.gen.Load()
	if c.readers[(g+1)&1].Load() == 0 {
		c.gen.Store(g + 1)
	}
}

// tryReclaim reclaims retired entries whose grace period has provably
// elapsed, without blocking. Caller must hold mu.
//
// An entry unlinked at generation g can still be held by readers pinned at
// g or g-1; newer readers pinned after the unlink cannot reach it anymore.
// Each generation advance proves the outgoing parity slot drained, so two
// advances past g cover both, and the entry is free once gen >= g+2.
func (c *Cache) tryReclaim() {
	c.tryAdvance()
	c.tryAdvance()
	g := c.gen.Load()
	keep := c.retiredList[:0]
	for _, r := range c.retiredList {
		if g >= r.gen+2 {
			reclaim(r.e)
		} else {
			keep = append(keep, r)
		}
	}
	c.retiredList = keep
}

// reclaim poisons the entry so that a reader incorrectly still holding it
// trips the stress test assertions (and the race detector). The next
// pointer is left intact: retired entries keep their forward pointer for
// the benefit of readers paused on them, and gets cleaned up by GC.
func reclaim(e *entry) {
	e.frame.CFA = poisonCFA
}

// synchronize blocks until all readers that pinned a generation before the
// call have left their critical section. Caller must hold mu.
func (c *Cache) synchronize() {
	// Two full advances, each waiting out the outgoing parity slot. New
	// readers pin the then-current slot and never join the one being
	// drained, so both waits terminate.
	for i := 0; i < 2; i++ {
		g := c.gen.Load()
		for c.readers[(g+1)&1].Load() != 0 {
			runtime.Gosched()
		}
		c.gen.Store(g + 1)
	}
}

// Clear removes all entries and blocks until each of them, including entries
// retired by earlier Remove calls, has been reclaimed. When Clear returns no
// cache memory is outstanding.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.buckets {
		b := &c.buckets[i]
		for e := b.Load(); e != nil; e = e.next.Load() {
			c.retiredList = append(c.retiredList, retired{e: e, gen: c.gen.Load()})
			c.size.Add(-1)
		}
		b.Store(nil)
	}

	c.synchronize()
	for _, r := range c.retiredList {
		reclaim(r.e)
	}
	c.retiredList = nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return int(c.size.Load())
}
