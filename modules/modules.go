// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// Package modules maps the unwind metadata sections of a target process's
// loaded objects into directly addressable buffers. One ModuleRecord is held
// per object; the record pins the object's pages for its lifetime so the
// unwinder can read .eh_frame_hdr and .eh_frame without per-sample remote
// reads.
package modules // import "github.com/procunwind/procunwind/modules"

import (
	"errors"
	"fmt"

	"github.com/procunwind/procunwind/ehframe"
	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/process"
	"github.com/procunwind/procunwind/vmregion"
)

var (
	// ErrNoMapping means the unwind header address is not mapped in the
	// target process.
	ErrNoMapping = errors.New("unwind header address not mapped")
	// ErrBadLoadInfo means the load descriptor is inconsistent with the
	// mapped region.
	ErrBadLoadInfo = errors.New("load info inconsistent with mapping")
	// ErrHeaderParse means the unwind data location could not be derived
	// from the mapped header.
	ErrHeaderParse = errors.New("unwind header parse failed")
	// ErrValidation means the mapped buffer does not mirror the true
	// user-space contents, indicating a broken mapping.
	ErrValidation = errors.New("mapped buffer validation failed")
)

// LoadInfo describes where one object's unwind metadata lives. It is only
// read during MapModule and never stored.
type LoadInfo struct {
	// ObjAddr is the object's load address.
	ObjAddr libpf.Address
	// HdrAddr and HdrSize locate the unwind header (.eh_frame_hdr).
	HdrAddr libpf.Address
	HdrSize uint64
	// EhFrameAddr and EhFrameSize locate the unwind data (.eh_frame) when
	// already known. Zero values request derivation from the header.
	EhFrameAddr libpf.Address
	EhFrameSize uint64
	// Dynamic is set when the object has a dynamic linking segment.
	Dynamic bool
	// Name is the object's path, for diagnostics only.
	Name string
}

// ModuleRecord is one loaded object's mapped unwind metadata. The record
// owns a pinned region; all offsets refer into that region's buffer, which
// stays valid until Release.
type ModuleRecord struct {
	// ObjAddr is the object's load address, used for PC attribution.
	ObjAddr libpf.Address
	// StaticAddr is the start of the containing region in the target.
	StaticAddr libpf.Address
	// HdrOffset/HdrSize locate the unwind header within the region.
	HdrOffset uint64
	HdrSize   uint64
	// EhFrameOffset/EhFrameLen locate the unwind data within the region,
	// EhFrameAddr is its raw user-space address.
	EhFrameOffset uint64
	EhFrameLen    uint64
	EhFrameAddr   libpf.Address
	// Dynamic is set for objects with a dynamic linking segment.
	Dynamic bool
	// Name is the object's path, for diagnostics only.
	Name string

	region *vmregion.Region
}

// HdrBytes returns the mapped unwind header.
func (mr *ModuleRecord) HdrBytes() ([]byte, error) {
	return mr.region.Bytes(mr.HdrOffset, mr.HdrSize)
}

// EhFrameBytes returns the mapped unwind data section.
func (mr *ModuleRecord) EhFrameBytes() ([]byte, error) {
	return mr.region.Bytes(mr.EhFrameOffset, mr.EhFrameLen)
}

// HdrAddr returns the unwind header's raw user-space address.
func (mr *ModuleRecord) HdrAddr() libpf.Address {
	return mr.StaticAddr + libpf.Address(mr.HdrOffset)
}

// Contains reports whether pc falls into the module's pinned region.
func (mr *ModuleRecord) Contains(pc libpf.Address) bool {
	return mr.region.Contains(pc)
}

// Release drops the module's pinned region. Safe to call more than once.
func (mr *ModuleRecord) Release() error {
	return mr.region.Release()
}

// MapModule pins and maps the region holding the object's unwind metadata
// and builds a validated ModuleRecord for it. On any failure the region is
// fully released again; nothing stays acquired.
func MapModule(pr process.Process, li *LoadInfo, compat bool) (*ModuleRecord, error) {
	if li.HdrAddr == 0 || li.HdrSize == 0 {
		return nil, fmt.Errorf("%w: missing unwind header location", ErrBadLoadInfo)
	}
	m := pr.FindMapping(li.HdrAddr)
	if m == nil {
		return nil, fmt.Errorf("%w: %#x", ErrNoMapping, li.HdrAddr)
	}

	region, err := vmregion.Acquire(pr, m)
	if err != nil {
		return nil, err
	}
	// Every error exit below must give the region back.
	ok := false
	defer func() {
		if !ok {
			_ = region.Release()
		}
	}()

	objAddr := li.ObjAddr
	if objAddr == 0 {
		objAddr = m.Vaddr
	}
	mr := &ModuleRecord{
		ObjAddr:    objAddr,
		StaticAddr: m.Vaddr,
		HdrOffset:  uint64(li.HdrAddr - m.Vaddr),
		HdrSize:    li.HdrSize,
		Dynamic:    li.Dynamic,
		Name:       li.Name,
		region:     region,
	}
	hdr, err := mr.HdrBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadLoadInfo, err)
	}

	if li.EhFrameAddr != 0 && li.EhFrameSize != 0 {
		// Authoritative location supplied by the caller. The whole
		// [addr, addr+size) extent must lie inside the mapping.
		ehEnd := li.EhFrameAddr + libpf.Address(li.EhFrameSize)
		if li.EhFrameAddr < m.Vaddr || ehEnd < li.EhFrameAddr || ehEnd > m.End() {
			return nil, fmt.Errorf("%w: .eh_frame %#x+%#x outside mapping",
				ErrBadLoadInfo, li.EhFrameAddr, li.EhFrameSize)
		}
		mr.EhFrameOffset = uint64(li.EhFrameAddr - m.Vaddr)
		mr.EhFrameLen = li.EhFrameSize
		mr.EhFrameAddr = li.EhFrameAddr
	} else {
		regionData, berr := region.Bytes(0, region.Len())
		if berr != nil {
			return nil, berr
		}
		info, perr := ehframe.FromHeader(hdr, li.HdrAddr, regionData,
			m.Vaddr, m.End(), compat)
		if perr != nil {
			return nil, fmt.Errorf("%w: %w", ErrHeaderParse, perr)
		}
		mr.EhFrameOffset = info.Offset
		mr.EhFrameLen = info.Length
		mr.EhFrameAddr = info.Vaddr
	}

	// Cross-check one word read through the mapped buffer against the word
	// at the original user-space address. A mismatch means the mapping does
	// not mirror the target's memory.
	remoteWord, err := pr.GetRemoteMemory().Uint64Checked(li.HdrAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if remoteWord != region.Uint64At(mr.HdrOffset) {
		return nil, fmt.Errorf("%w: word at %#x differs", ErrValidation, li.HdrAddr)
	}

	ok = true
	return mr, nil
}
