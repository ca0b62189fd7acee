// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package vmregion_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/process"
	"github.com/procunwind/procunwind/testsupport"
	"github.com/procunwind/procunwind/vmregion"
)

const baseAddr = libpf.Address(0x5000_0000)

func makeBackedProcess(t *testing.T, content []byte) (*testsupport.FakeProcess, process.Mapping) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapped.so")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	fp := &testsupport.FakeProcess{Pid: 4321}
	m := process.Mapping{
		Vaddr:  baseAddr,
		Length: uint64(len(content)),
	}
	fp.AddMapping(m, path)
	fp.Mem.Add(baseAddr, content)
	return fp, *fp.FindMapping(baseAddr)
}

func pageContent(t *testing.T) []byte {
	t.Helper()
	content := make([]byte, os.Getpagesize())
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

func TestAcquireRelease(t *testing.T) {
	content := pageContent(t)
	fp, m := makeBackedProcess(t, content)

	acquiredBefore, releasedBefore := vmregion.Stats()

	r, err := vmregion.Acquire(fp, &m)
	require.NoError(t, err)
	assert.Equal(t, baseAddr, r.Vaddr)
	assert.Equal(t, 1, r.PageCount)
	assert.Equal(t, uint64(len(content)), r.Len())

	view, err := r.Bytes(16, 32)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content[16:48], view))

	require.NoError(t, r.Release())
	// Releasing twice must be a no-op.
	require.NoError(t, r.Release())

	acquiredAfter, releasedAfter := vmregion.Stats()
	assert.Equal(t, acquiredBefore+1, acquiredAfter)
	assert.Equal(t, releasedBefore+1, releasedAfter)
}

func TestAcquireMappingFailure(t *testing.T) {
	content := pageContent(t)
	fp, m := makeBackedProcess(t, content)
	// A non page aligned file offset makes the map step fail after the pin
	// step succeeded.
	m.FileOffset = 1

	acquiredBefore, _ := vmregion.Stats()

	_, err := vmregion.Acquire(fp, &m)
	require.ErrorIs(t, err, vmregion.ErrMappingFailed)

	acquiredAfter, _ := vmregion.Stats()
	assert.Equal(t, acquiredBefore, acquiredAfter)
}

func TestSnapshotFallback(t *testing.T) {
	content := pageContent(t)
	fp := &testsupport.FakeProcess{Pid: 4321}
	m := process.Mapping{Vaddr: baseAddr, Length: uint64(len(content))}
	fp.AddMapping(m, "")
	fp.Mem.Add(baseAddr, content)

	r, err := vmregion.Acquire(fp, fp.FindMapping(baseAddr))
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Release()) }()

	view, err := r.Bytes(0, uint64(len(content)))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, view))
}

func TestSnapshotFailure(t *testing.T) {
	fp := &testsupport.FakeProcess{Pid: 4321}
	m := process.Mapping{Vaddr: baseAddr, Length: uint64(os.Getpagesize())}
	fp.AddMapping(m, "")
	// No memory image registered: the remote read must fail and nothing may
	// stay acquired.

	acquiredBefore, _ := vmregion.Stats()
	_, err := vmregion.Acquire(fp, fp.FindMapping(baseAddr))
	require.Error(t, err)
	acquiredAfter, _ := vmregion.Stats()
	assert.Equal(t, acquiredBefore, acquiredAfter)
}

func TestRegionBounds(t *testing.T) {
	content := pageContent(t)
	fp, m := makeBackedProcess(t, content)

	r, err := vmregion.Acquire(fp, &m)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Release()) }()

	_, err = r.Bytes(r.Len()-8, 16)
	require.ErrorIs(t, err, vmregion.ErrOutOfBounds)
	_, err = r.Bytes(^uint64(0)-4, 8)
	require.ErrorIs(t, err, vmregion.ErrOutOfBounds)

	assert.Equal(t, uint64(0), r.Uint64At(r.Len()-4))
	assert.NotPanics(t, func() { r.Uint64At(^uint64(0)) })

	assert.True(t, r.Contains(baseAddr+8))
	assert.False(t, r.Contains(baseAddr+libpf.Address(r.Len())))
}
