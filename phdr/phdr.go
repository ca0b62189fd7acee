// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// Package phdr iterates the program headers of every object loaded into a
// target process, reading the ELF structures through remote memory. This is
// the out-of-process equivalent of dl_iterate_phdr.
package phdr // import "github.com/procunwind/procunwind/phdr"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/procunwind/procunwind/internal/log"
	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/process"
	"github.com/procunwind/procunwind/remotememory"
)

// maxPhdrCount caps how many program headers are read per object. Sane
// binaries have a dozen or two.
const maxPhdrCount = 128

// ELF structure offsets (64-bit layout).
const (
	ehdrTypeOff      = 16
	ehdrPhoffOff     = 32
	ehdrPhentsizeOff = 54
	ehdrPhnumOff     = 56
	phdr64Size       = 56
)

// ProgHeader is the loader-level view of one segment of a loaded object.
type ProgHeader struct {
	// Type is the segment type (PT_LOAD, PT_DYNAMIC, PT_GNU_EH_FRAME, ...).
	Type elf.ProgType
	// Flags holds the segment permissions.
	Flags elf.ProgFlag
	// Vaddr is the segment's virtual address before relocation.
	Vaddr libpf.Address
	// Memsz is the segment's size in memory.
	Memsz uint64
}

// Info describes one loaded object during iteration.
type Info struct {
	// Base is the object's load bias: Base + ProgHeader.Vaddr is the
	// segment's address in the target.
	Base libpf.Address
	// Name is the object's file path, empty for the VDSO and anonymous
	// objects.
	Name string
	// Phdrs are the object's program headers.
	Phdrs []ProgHeader
}

// Iterate invokes cb once per loaded object of the process. A non-nil error
// from the callback aborts the iteration and is propagated to the caller.
func Iterate(pr process.Process, cb func(*Info) error) error {
	mappings, err := pr.GetMappings()
	if err != nil {
		return fmt.Errorf("failed to list mappings: %w", err)
	}
	rm := pr.GetRemoteMemory()

	type objectKey struct {
		device uint64
		inode  uint64
	}
	seen := make(map[objectKey]bool)

	for idx := range mappings {
		m := &mappings[idx]
		// The ELF header lives in the object's first mapping.
		if m.Inode == 0 && !m.IsVDSO() {
			continue
		}
		if m.FileOffset != 0 {
			continue
		}
		key := objectKey{device: m.Device, inode: m.Inode}
		if seen[key] {
			continue
		}
		seen[key] = true

		info, err := readObject(rm, m)
		if err != nil {
			// Not necessarily an ELF object, or partially unmapped.
			log.Debugf("skipping object at %#x (%s): %v", m.Vaddr, m.Path, err)
			continue
		}
		if err = cb(info); err != nil {
			return err
		}
	}
	return nil
}

// readObject decodes the remote ELF header and program header table of the
// object whose first mapping is m.
func readObject(rm remotememory.RemoteMemory, m *process.Mapping) (*Info, error) {
	var ident [elf.EI_NIDENT]byte
	if err := rm.Read(m.Vaddr, ident[:]); err != nil {
		return nil, err
	}
	if string(ident[:4]) != elf.ELFMAG {
		return nil, fmt.Errorf("no ELF magic at %#x", m.Vaddr)
	}
	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported ELF class %d", ident[elf.EI_CLASS])
	}

	eType := elf.Type(rm.Uint16(m.Vaddr + ehdrTypeOff))
	phoff := rm.Uint64(m.Vaddr + ehdrPhoffOff)
	phentsize := uint64(rm.Uint16(m.Vaddr + ehdrPhentsizeOff))
	phnum := uint64(rm.Uint16(m.Vaddr + ehdrPhnumOff))
	if phentsize != phdr64Size || phnum == 0 || phnum > maxPhdrCount {
		return nil, fmt.Errorf("implausible program header table (%d x %d)",
			phnum, phentsize)
	}

	raw := make([]byte, phnum*phdr64Size)
	if err := rm.Read(m.Vaddr+libpf.Address(phoff), raw); err != nil {
		return nil, fmt.Errorf("failed to read program headers: %w", err)
	}

	info := &Info{
		Name:  m.Path,
		Phdrs: make([]ProgHeader, phnum),
	}
	// Position independent objects record segment addresses relative to
	// their load bias.
	if eType == elf.ET_DYN {
		info.Base = m.Vaddr
	}
	for i := uint64(0); i < phnum; i++ {
		p := raw[i*phdr64Size:]
		info.Phdrs[i] = ProgHeader{
			Type:  elf.ProgType(binary.LittleEndian.Uint32(p)),
			Flags: elf.ProgFlag(binary.LittleEndian.Uint32(p[4:])),
			Vaddr: libpf.Address(binary.LittleEndian.Uint64(p[16:])),
			Memsz: binary.LittleEndian.Uint64(p[40:]),
		}
	}
	return info, nil
}
