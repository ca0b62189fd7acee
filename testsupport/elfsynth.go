// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/procunwind/procunwind/testsupport"

import (
	"debug/elf"
	"encoding/binary"

	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/process"
)

// SynthSegment describes one program header of a synthesized ELF object.
type SynthSegment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr libpf.Address
	Memsz uint64
}

// AddELFObject synthesizes a minimal 64-bit ET_DYN ELF image (header plus
// program header table) at base in the fake process's memory, and registers
// a matching executable mapping for it.
func AddELFObject(fp *FakeProcess, base libpf.Address, inode uint64,
	path string, segments []SynthSegment) {
	const (
		phoff     = 0x40
		phentsize = 56
	)
	image := make([]byte, phoff+len(segments)*phentsize)
	copy(image, elf.ELFMAG)
	image[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	image[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	image[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(image[16:], uint16(elf.ET_DYN))
	binary.LittleEndian.PutUint16(image[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint64(image[32:], phoff)
	binary.LittleEndian.PutUint16(image[54:], phentsize)
	binary.LittleEndian.PutUint16(image[56:], uint16(len(segments)))

	for i, seg := range segments {
		p := image[phoff+i*phentsize:]
		binary.LittleEndian.PutUint32(p, uint32(seg.Type))
		binary.LittleEndian.PutUint32(p[4:], uint32(seg.Flags))
		binary.LittleEndian.PutUint64(p[16:], uint64(seg.Vaddr))
		binary.LittleEndian.PutUint64(p[40:], seg.Memsz)
	}

	fp.Mem.Add(base, image)
	fp.AddMapping(process.Mapping{
		Vaddr:  base,
		Length: uint64(len(image)),
		Flags:  elf.PF_R | elf.PF_X,
		Inode:  inode,
		Device: 0xfd01,
		Path:   path,
	}, "")
}
