// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package unwind_test

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/modules"
	"github.com/procunwind/procunwind/process"
	"github.com/procunwind/procunwind/testsupport"
	"github.com/procunwind/procunwind/unwind"
	"github.com/procunwind/procunwind/vmregion"
)

// addObject synthesizes a loaded object at base with a file backed unwind
// image one page above it, identical in the backing file and the fake
// process memory.
func addObject(t *testing.T, fp *testsupport.FakeProcess, base libpf.Address,
	inode uint64, name string) *testsupport.UnwindImage {
	t.Helper()
	pageSize := os.Getpagesize()
	regionBase := base + 0x10000
	img := testsupport.BuildUnwindImage(regionBase, pageSize, 2)

	path := filepath.Join(t.TempDir(), "mapped.so")
	require.NoError(t, os.WriteFile(path, img.Region, 0o600))
	fp.Mem.Add(regionBase, img.Region)
	fp.AddMapping(process.Mapping{
		Vaddr:  regionBase,
		Length: uint64(pageSize),
		Flags:  elf.PF_R,
		Inode:  inode + 1000,
		Device: 0xfd01,
	}, path)

	testsupport.AddELFObject(fp, base, inode, name, []testsupport.SynthSegment{
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0, Memsz: 0x20000},
		{Type: elf.PT_GNU_EH_FRAME, Flags: elf.PF_R,
			Vaddr: img.HdrVaddr() - base, Memsz: img.HdrSize},
	})
	return img
}

// pushStack writes a frame record chain into the fake memory: at each frame
// pointer the caller's frame pointer, followed by the return address.
func pushStack(fp *testsupport.FakeProcess, base libpf.Address,
	records [][2]libpf.Address) {
	var lo, hi libpf.Address
	lo, hi = ^libpf.Address(0), 0
	for i := range records {
		addr := base + libpf.Address(i)*0x40
		if addr < lo {
			lo = addr
		}
		if addr+16 > hi {
			hi = addr + 16
		}
	}
	data := make([]byte, hi-lo)
	for i, rec := range records {
		addr := base + libpf.Address(i)*0x40
		binary.LittleEndian.PutUint64(data[addr-lo:], uint64(rec[0]))
		binary.LittleEndian.PutUint64(data[addr-lo+8:], uint64(rec[1]))
	}
	fp.Mem.Add(lo, data)
}

func newTestContext(t *testing.T, fp *testsupport.FakeProcess) *unwind.Context {
	t.Helper()
	ctx, err := unwind.NewContext(fp, false)
	require.NoError(t, err)
	require.NoError(t, ctx.Discover())
	return ctx
}

func TestUnwindFramePointerChain(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 1}
	img := addObject(t, fp, 0x400000, 100, "/bin/app")

	// Two stacked frame records; the outermost one terminates the chain
	// with a zero return address.
	fp0 := libpf.Address(0x7ffc0000e000)
	fp1 := fp0 + 0x40
	pushStack(fp, fp0, [][2]libpf.Address{
		{fp1, img.FuncAddrs[1]}, // at fp0: caller fp, return address
		{0, 0},                  // at fp1: end of chain
	})

	ctx := newTestContext(t, fp)
	defer ctx.Teardown()

	regs := unwind.Registers{PC: img.FuncAddrs[0], SP: fp0 - 0x20, FP: fp0}
	bt, err := unwind.UnwindCurrent(regs, ctx)
	require.NoError(t, err)
	require.Len(t, bt, 2)

	assert.Equal(t, img.FuncAddrs[0], bt[0].PC)
	assert.Equal(t, regs.SP, bt[0].CFA)
	assert.Equal(t, fp0, bt[0].FP)
	assert.Equal(t, libpf.Address(0x400000), bt[0].ModuleBase)

	assert.Equal(t, img.FuncAddrs[1], bt[1].PC)
	assert.Equal(t, fp0+16, bt[1].CFA)
	assert.Equal(t, fp1, bt[1].FP)
	assert.Equal(t, libpf.Address(0x400000), bt[1].ModuleBase)

	// Both resolved PCs end up in the cache and a rerun reuses them.
	assert.Equal(t, 2, ctx.Cache().Len())
	bt2, err := unwind.UnwindCurrent(regs, ctx)
	require.NoError(t, err)
	assert.Equal(t, bt, bt2)
	assert.Equal(t, 2, ctx.Cache().Len())
}

func TestUnwindStopsOnBrokenChain(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 1}
	img := addObject(t, fp, 0x400000, 100, "/bin/app")

	// The frame record points back down the stack. The walk must keep the
	// frames resolved so far and stop.
	fp0 := libpf.Address(0x7ffc0000e000)
	pushStack(fp, fp0, [][2]libpf.Address{
		{fp0 - 0x40, img.FuncAddrs[1]},
	})

	ctx := newTestContext(t, fp)
	defer ctx.Teardown()

	bt, err := unwind.UnwindCurrent(
		unwind.Registers{PC: img.FuncAddrs[0], SP: fp0 - 0x20, FP: fp0}, ctx)
	require.NoError(t, err)
	assert.Len(t, bt, 1)
}

func TestUnwindInvalidContext(t *testing.T) {
	_, err := unwind.UnwindCurrent(unwind.Registers{PC: 0x1000}, nil)
	require.ErrorIs(t, err, unwind.ErrInvalidContext)

	fp := &testsupport.FakeProcess{Pid: 1}
	ctx, err := unwind.NewContext(fp, false)
	require.NoError(t, err)
	defer ctx.Teardown()
	_, err = unwind.UnwindCurrent(unwind.Registers{}, ctx)
	require.ErrorIs(t, err, unwind.ErrInvalidContext)
}

func TestFindModule(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 1}
	addObject(t, fp, 0x400000, 100, "/bin/app")
	addObject(t, fp, 0x7f0000000000, 200, "/lib/libc.so.6")

	ctx := newTestContext(t, fp)
	defer ctx.Teardown()
	require.Len(t, ctx.Modules(), 2)

	mr := ctx.FindModule(0x400010)
	require.NotNil(t, mr)
	assert.Equal(t, "/bin/app", mr.Name)

	mr = ctx.FindModule(0x7f0000000010)
	require.NotNil(t, mr)
	assert.Equal(t, "/lib/libc.so.6", mr.Name)

	// A pc outside any mapping does not attribute.
	assert.Nil(t, ctx.FindModule(0x123))
}

func TestFDETableCaching(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 1}
	img := addObject(t, fp, 0x400000, 100, "/bin/app")

	ctx := newTestContext(t, fp)
	defer ctx.Teardown()
	mr := ctx.Modules()[0]

	table, err := ctx.FDETable(mr)
	require.NoError(t, err)
	require.Equal(t, len(img.FuncAddrs), table.Count())

	entry, err := table.Lookup(img.FuncAddrs[1] + 4)
	require.NoError(t, err)
	assert.Equal(t, img.FuncAddrs[1], entry.IPStart)
	assert.Equal(t, img.FDEAddrs[1], entry.FDEAddr)

	// The second request is served from the handle cache.
	again, err := ctx.FDETable(mr)
	require.NoError(t, err)
	assert.Same(t, table, again)
}

func TestTeardown(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 1}
	addObject(t, fp, 0x400000, 100, "/bin/app")
	addObject(t, fp, 0x7f0000000000, 200, "/lib/libc.so.6")

	acquiredBefore, releasedBefore := vmregion.Stats()
	ctx := newTestContext(t, fp)
	require.Len(t, ctx.Modules(), 2)
	ctx.Cache().Add(libpf.Frame{PC: 0x400010, ModuleBase: 0x400000})

	ctx.Teardown()
	assert.Empty(t, ctx.Modules())
	assert.Equal(t, 0, ctx.Cache().Len())

	acquiredAfter, releasedAfter := vmregion.Stats()
	assert.Equal(t, acquiredBefore+2, acquiredAfter)
	assert.Equal(t, releasedBefore+2, releasedAfter)

	// Repeated teardown and teardown of an empty context are harmless.
	ctx.Teardown()
	var empty *unwind.Context
	empty.Teardown()
}

func TestAddModules(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 1}
	img := addObject(t, fp, 0x400000, 100, "/bin/app")

	ctx, err := unwind.NewContext(fp, false)
	require.NoError(t, err)
	defer ctx.Teardown()

	infos := []modules.LoadInfo{{
		ObjAddr: 0x400000,
		HdrAddr: img.HdrVaddr(),
		HdrSize: img.HdrSize,
		Name:    "/bin/app",
	}, {
		// Broken descriptor: the operation aborts, but the first module
		// stays owned by the context for teardown.
		HdrAddr: 0xdead0000,
		HdrSize: 64,
	}}
	err = ctx.AddModules(infos)
	require.Error(t, err)
	require.Len(t, ctx.Modules(), 1)
	assert.Equal(t, "/bin/app", ctx.Modules()[0].Name)
}
