// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmregion pins a range of a target process's address space and makes
// it directly addressable from the profiling process without a per-sample
// copy step.
//
// For file backed mappings the backing object is kept alive through an open
// map_files handle (the pin) and its pages are mapped read-only into our
// address space (the map). Anonymous and VDSO mappings fall back to a locked
// snapshot populated through remote memory reads.
package vmregion // import "github.com/procunwind/procunwind/vmregion"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/procunwind/procunwind/internal/log"
	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/process"
)

var (
	// ErrPinFailed means the backing pages of the target range could not be
	// pinned (opened or locked).
	ErrPinFailed = errors.New("pinning target pages failed")
	// ErrMappingFailed means the pinned pages could not be mapped into our
	// address space.
	ErrMappingFailed = errors.New("mapping pinned pages failed")
	// ErrOutOfBounds is returned by the accessors for reads beyond the region.
	ErrOutOfBounds = errors.New("read beyond region bounds")
)

// acquired and released count Region lifecycle events process-wide. The
// difference is the number of currently held regions, used by tests to prove
// that failure paths leak nothing.
var (
	acquired atomic.Uint64
	released atomic.Uint64
)

// Stats returns the number of regions acquired and released so far.
func Stats() (numAcquired, numReleased uint64) {
	return acquired.Load(), released.Load()
}

// Region is a pinned and mapped view of one target process mapping.
type Region struct {
	// Vaddr is the start of the mapped range in the target's address space.
	Vaddr libpf.Address
	// PageCount is the number of pages pinned for this region.
	PageCount int

	buf    []byte
	pin    *os.File
	locked bool
}

// Acquire pins the pages backing mapping m of the target process and maps
// them into the calling process. The returned region stays valid until
// Release. On error nothing stays pinned or mapped.
func Acquire(pr process.Process, m *process.Mapping) (*Region, error) {
	pageSize := uint64(os.Getpagesize())
	pageCount := int((m.Length + pageSize - 1) / pageSize)

	r := &Region{
		Vaddr:     m.Vaddr,
		PageCount: pageCount,
	}

	if f, err := pr.OpenMappingFile(m); err == nil {
		// The open handle pins the backing object and its page cache pages.
		// Map them read-only, sharing the pages the target executes from.
		buf, mapErr := unix.Mmap(int(f.Fd()), int64(m.FileOffset),
			int(m.Length), unix.PROT_READ, unix.MAP_SHARED)
		if mapErr != nil {
			// Unpin the handle: the map step owns the only resource so far.
			_ = f.Close()
			return nil, fmt.Errorf("%w: %w", ErrMappingFailed, mapErr)
		}
		r.buf = buf
		r.pin = f
		acquired.Add(1)
		return r, nil
	}

	// No backing file: snapshot the range through remote memory into an
	// anonymous mapping and lock it resident.
	buf, err := unix.Mmap(-1, 0, pageCount*int(pageSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMappingFailed, err)
	}
	if err = pr.GetRemoteMemory().Read(m.Vaddr, buf[:m.Length]); err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("%w: %w", ErrPinFailed, err)
	}
	if err = unix.Mlock(buf); err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("%w: %w", ErrPinFailed, err)
	}
	r.buf = buf
	r.locked = true
	acquired.Add(1)
	log.Debugf("snapshotted %d pages at %#x", pageCount, m.Vaddr)
	return r, nil
}

// Release unmaps the region and then drops the page pins. The unmap must
// happen first: the pin is what keeps the mapped pages alive. Safe to call
// on an already released region.
func (r *Region) Release() error {
	if r.buf == nil {
		return nil
	}
	var err error
	if r.locked {
		// Snapshot region: the lock exists only on our own buffer and has
		// to go before the buffer itself.
		_ = unix.Munlock(r.buf)
		err = unix.Munmap(r.buf)
		r.locked = false
	} else {
		err = unix.Munmap(r.buf)
		if closeErr := r.pin.Close(); err == nil {
			err = closeErr
		}
		r.pin = nil
	}
	r.buf = nil
	released.Add(1)
	return err
}

// Len returns the length of the mapped view in bytes.
func (r *Region) Len() uint64 {
	return uint64(len(r.buf))
}

// Contains reports whether the target address addr falls inside the region.
func (r *Region) Contains(addr libpf.Address) bool {
	return addr >= r.Vaddr && addr < r.Vaddr+libpf.Address(r.Len())
}

// Bytes returns n bytes of the mapped view starting at off. The returned
// slice aliases the mapping and stays valid until Release.
func (r *Region) Bytes(off, n uint64) ([]byte, error) {
	if off+n < off || off+n > r.Len() {
		return nil, fmt.Errorf("%w: [%#x,%#x) of %#x bytes",
			ErrOutOfBounds, off, off+n, r.Len())
	}
	return r.buf[off : off+n], nil
}

// Uint64At reads one native word at off. Out of bounds reads return 0
// instead of panicking.
func (r *Region) Uint64At(off uint64) uint64 {
	if off+8 < off || off+8 > r.Len() {
		return 0
	}
	return binary.LittleEndian.Uint64(r.buf[off:])
}
