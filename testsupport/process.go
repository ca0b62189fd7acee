// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport provides a synthetic Process implementation backed by
// temporary files and an in-memory address space, so that mapping and
// unwinding code can be exercised without a live target process.
package testsupport // import "github.com/procunwind/procunwind/testsupport"

import (
	"errors"
	"io"
	"os"
	"sort"

	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/process"
	"github.com/procunwind/procunwind/remotememory"
)

// MemSegment is one populated range of the fake address space.
type MemSegment struct {
	Start libpf.Address
	Data  []byte
}

// SparseMemory implements io.ReaderAt over a set of memory segments.
type SparseMemory struct {
	segments []MemSegment
}

var _ io.ReaderAt = &SparseMemory{}

// Add populates the address range starting at addr with data.
func (sm *SparseMemory) Add(addr libpf.Address, data []byte) {
	sm.segments = append(sm.segments, MemSegment{Start: addr, Data: data})
}

func (sm *SparseMemory) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	for _, seg := range sm.segments {
		end := seg.Start + libpf.Address(len(seg.Data))
		if addr < seg.Start || addr >= end {
			continue
		}
		n := copy(p, seg.Data[addr-seg.Start:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	return 0, errors.New("address not mapped")
}

// FakeProcess implements process.Process for tests. File backed mappings are
// served from real temporary files so they can be mmapped, remote memory
// reads are served from the sparse memory image.
type FakeProcess struct {
	Pid    libpf.PID
	Compat bool
	// Mem is the process's memory image as seen through remote reads.
	Mem SparseMemory
	// Backing maps a mapping start address to the path of its backing file.
	Backing map[libpf.Address]string

	mappings []process.Mapping
}

var _ process.Process = &FakeProcess{}

// AddMapping registers a mapping served from the file at path (may be empty
// for anonymous mappings).
func (fp *FakeProcess) AddMapping(m process.Mapping, path string) {
	if path != "" {
		if fp.Backing == nil {
			fp.Backing = make(map[libpf.Address]string)
		}
		fp.Backing[m.Vaddr] = path
		m.Path = path
	}
	fp.mappings = append(fp.mappings, m)
	sort.Slice(fp.mappings, func(i, j int) bool {
		return fp.mappings[i].Vaddr < fp.mappings[j].Vaddr
	})
}

func (fp *FakeProcess) PID() libpf.PID {
	return fp.Pid
}

func (fp *FakeProcess) GetMappings() ([]process.Mapping, error) {
	return fp.mappings, nil
}

func (fp *FakeProcess) FindMapping(addr libpf.Address) *process.Mapping {
	idx := sort.Search(len(fp.mappings), func(i int) bool {
		return fp.mappings[i].End() > addr
	})
	if idx < len(fp.mappings) && fp.mappings[idx].Contains(addr) {
		return &fp.mappings[idx]
	}
	return nil
}

func (fp *FakeProcess) GetRemoteMemory() remotememory.RemoteMemory {
	return remotememory.RemoteMemory{ReaderAt: &fp.Mem}
}

func (fp *FakeProcess) OpenMappingFile(m *process.Mapping) (*os.File, error) {
	path, ok := fp.Backing[m.Vaddr]
	if !ok {
		return nil, errors.New("no backing file for anonymous memory")
	}
	return os.Open(path)
}

func (fp *FakeProcess) IsCompat() (bool, error) {
	return fp.Compat, nil
}

func (fp *FakeProcess) Close() error {
	return nil
}
