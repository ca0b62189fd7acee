// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package pccache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procunwind/procunwind/libpf"
)

func frameFor(pc libpf.Address) libpf.Frame {
	return libpf.Frame{PC: pc, CFA: pc + 0x40, FP: pc + 0x20}
}

// countForKey walks the bucket chain counting live entries with the key.
func countForKey(c *Cache, pc libpf.Address) int {
	count := 0
	for e := c.bucket(pc).Load(); e != nil; e = e.next.Load() {
		if e.frame.PC == pc {
			count++
		}
	}
	return count
}

func TestFindAbsent(t *testing.T) {
	c := New(64)
	for _, pc := range []libpf.Address{0, 1, 0x1000, ^libpf.Address(0)} {
		_, ok := c.Find(pc)
		assert.False(t, ok)
	}
}

func TestAddFind(t *testing.T) {
	c := New(64)
	pc := libpf.Address(0x55990011)
	c.Add(frameFor(pc))

	got, ok := c.Find(pc)
	require.True(t, ok)
	assert.Equal(t, frameFor(pc), got)
	assert.Equal(t, 1, c.Len())
}

func TestDuplicateAdd(t *testing.T) {
	c := New(64)
	pc := libpf.Address(0x1234)

	c.Add(frameFor(pc))
	other := frameFor(pc)
	other.CFA = 0xbeef
	c.Add(other)

	assert.Equal(t, 1, countForKey(c, pc))
	assert.Equal(t, 1, c.Len())

	// The first insert stays visible.
	got, ok := c.Find(pc)
	require.True(t, ok)
	assert.Equal(t, frameFor(pc).CFA, got.CFA)
}

func TestRemove(t *testing.T) {
	c := New(64)
	pc := libpf.Address(0xabcd)
	c.Add(frameFor(pc))

	require.True(t, c.Remove(pc))
	// Invisible immediately, even though reclamation may still be pending.
	_, ok := c.Find(pc)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	assert.False(t, c.Remove(pc))
}

func TestRemoveMiddleOfChain(t *testing.T) {
	// Force collisions by using a single bucket.
	c := New(1)
	pcs := []libpf.Address{0x10, 0x20, 0x30, 0x40}
	for _, pc := range pcs {
		c.Add(frameFor(pc))
	}

	require.True(t, c.Remove(0x30))
	for _, pc := range pcs {
		_, ok := c.Find(pc)
		assert.Equal(t, pc != 0x30, ok, "pc %#x", pc)
	}
}

func TestClear(t *testing.T) {
	c := New(64)
	pcs := []libpf.Address{0x10, 0x20, 0x30, 0x40, 0x50}
	for _, pc := range pcs {
		c.Add(frameFor(pc))
	}
	// One removal ahead of Clear so the retired list is non-empty going in.
	require.True(t, c.Remove(0x20))

	c.Clear()

	for _, pc := range pcs {
		_, ok := c.Find(pc)
		assert.False(t, ok)
	}
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.retiredList, "deferred reclamation must be complete")
}

// TestReaderPinnedAcrossRemovals holds one read-side critical section open
// across two back-to-back removals on the same chain. The entries unlinked
// underneath the reader must stay traversable and unpoisoned until the
// reader leaves; only then may the grace period elapse.
func TestReaderPinnedAcrossRemovals(t *testing.T) {
	c := New(1)
	pcs := []libpf.Address{0x10, 0x20, 0x30}
	for _, pc := range pcs {
		c.Add(frameFor(pc))
	}

	g := c.pin()
	head := c.buckets[0].Load()

	require.True(t, c.Remove(0x10))
	require.True(t, c.Remove(0x20))

	// The chain captured before the removals must still be fully intact
	// for the pinned reader: no truncation, no poisoned frames.
	seen := make(map[libpf.Address]libpf.Frame)
	for e := head; e != nil; e = e.next.Load() {
		seen[e.frame.PC] = e.frame
	}
	require.Len(t, seen, len(pcs))
	for pc, frame := range seen {
		assert.NotEqual(t, poisonCFA, frame.CFA, "pc %#x reclaimed early", pc)
		assert.Equal(t, frameFor(pc), frame)
	}

	c.mu.Lock()
	assert.Len(t, c.retiredList, 2, "no reclamation while a reader is pinned")
	c.mu.Unlock()

	c.unpin(g)

	// With the reader gone the grace period can run to completion.
	c.mu.Lock()
	c.tryReclaim()
	assert.Empty(t, c.retiredList)
	c.mu.Unlock()
}

func TestClearEmpty(t *testing.T) {
	c := New(16)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
