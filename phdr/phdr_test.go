// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package phdr_test

import (
	"debug/elf"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/phdr"
	"github.com/procunwind/procunwind/process"
	"github.com/procunwind/procunwind/testsupport"
)

func mappingAt(addr libpf.Address, inode uint64, path string) process.Mapping {
	return process.Mapping{
		Vaddr:  addr,
		Length: 0x1000,
		Flags:  elf.PF_R,
		Inode:  inode,
		Device: 0xfd01,
		Path:   path,
	}
}

func TestIterate(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 99}
	testsupport.AddELFObject(fp, 0x400000, 100, "/bin/app",
		[]testsupport.SynthSegment{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0, Memsz: 0x2000},
			{Type: elf.PT_GNU_EH_FRAME, Flags: elf.PF_R, Vaddr: 0x1800, Memsz: 0x100},
		})
	testsupport.AddELFObject(fp, 0x7f0000000000, 200, "/lib/libc.so.6",
		[]testsupport.SynthSegment{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0, Memsz: 0x4000},
			{Type: elf.PT_DYNAMIC, Flags: elf.PF_R, Vaddr: 0x3000, Memsz: 0x200},
			{Type: elf.PT_GNU_EH_FRAME, Flags: elf.PF_R, Vaddr: 0x3800, Memsz: 0x80},
		})

	var infos []phdr.Info
	err := phdr.Iterate(fp, func(info *phdr.Info) error {
		infos = append(infos, *info)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "/bin/app", infos[0].Name)
	assert.Equal(t, libpf.Address(0x400000), infos[0].Base)
	require.Len(t, infos[0].Phdrs, 2)
	assert.Equal(t, elf.PT_GNU_EH_FRAME, infos[0].Phdrs[1].Type)
	assert.Equal(t, libpf.Address(0x1800), infos[0].Phdrs[1].Vaddr)

	assert.Equal(t, "/lib/libc.so.6", infos[1].Name)
	require.Len(t, infos[1].Phdrs, 3)
	assert.Equal(t, elf.PT_DYNAMIC, infos[1].Phdrs[1].Type)
}

func TestIterateSkipsNonELF(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 99}
	testsupport.AddELFObject(fp, 0x400000, 100, "/bin/app",
		[]testsupport.SynthSegment{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0, Memsz: 0x2000},
		})
	// A file backed mapping whose contents are not an ELF image.
	fp.Mem.Add(0x600000, []byte("not an elf header, just data"))
	fp.AddMapping(mappingAt(0x600000, 300, "/data/blob"), "")

	count := 0
	err := phdr.Iterate(fp, func(*phdr.Info) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIterateAbort(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 99}
	for i := 0; i < 3; i++ {
		testsupport.AddELFObject(fp, libpf.Address(0x400000+0x100000*i),
			uint64(100+i), "/bin/app",
			[]testsupport.SynthSegment{
				{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0, Memsz: 0x2000},
			})
	}

	abort := errors.New("stop here")
	count := 0
	err := phdr.Iterate(fp, func(*phdr.Info) error {
		count++
		if count == 2 {
			return abort
		}
		return nil
	})
	require.ErrorIs(t, err, abort)
	assert.Equal(t, 2, count)
}
