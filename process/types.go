// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// This file defines the interface to access a Process state.

package process // import "github.com/procunwind/procunwind/process"

import (
	"debug/elf"
	"os"

	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/remotememory"
)

// VdsoPathName is the path to use for VDSO mappings
const VdsoPathName = "linux-vdso.1.so"

// vdsoInode is the synthesized inode number for VDSO mappings
const vdsoInode = 50

// Mapping contains information about a memory mapping
type Mapping struct {
	// Vaddr is the virtual memory start for this mapping
	Vaddr libpf.Address
	// Length is the length of the mapping
	Length uint64
	// Flags contains the mapping flags and permissions
	Flags elf.ProgFlag
	// FileOffset contains for file backed mappings the offset from the file start
	FileOffset uint64
	// Device holds the device ID where the file is located
	Device uint64
	// Inode holds the mapped file's inode number
	Inode uint64
	// Path contains the file name for file backed mappings
	Path string
}

func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

func (m *Mapping) IsAnonymous() bool {
	return m.Path == ""
}

func (m *Mapping) IsVDSO() bool {
	return m.Path == VdsoPathName
}

// End returns the first address past the mapping.
func (m *Mapping) End() libpf.Address {
	return m.Vaddr + libpf.Address(m.Length)
}

// Contains reports whether addr falls inside the mapping.
func (m *Mapping) Contains(addr libpf.Address) bool {
	return addr >= m.Vaddr && addr < m.End()
}

// Process is the interface to inspect a live process. The implementations do
// not allow concurrent access from different goroutines, except for the
// RemoteMemory object returned from GetRemoteMemory which is safe for
// concurrent use.
type Process interface {
	// PID returns the process identifier
	PID() libpf.PID

	// GetMappings reads and parses the process memory mappings
	GetMappings() ([]Mapping, error)

	// FindMapping returns the mapping containing addr, or nil if the address
	// is not mapped. Operates on the mappings read by the last GetMappings
	// call.
	FindMapping(addr libpf.Address) *Mapping

	// GetRemoteMemory returns a remote memory reader accessing the target process
	GetRemoteMemory() remotememory.RemoteMemory

	// OpenMappingFile returns a file handle to the backing object of the
	// mapping. The handle keeps the backing pages reachable while open.
	OpenMappingFile(m *Mapping) (*os.File, error)

	// IsCompat reports whether the target runs with the secondary (32-bit)
	// ABI of the machine.
	IsCompat() (bool, error)

	// Close releases the resources held for process inspection
	Close() error
}
