// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/procunwind/procunwind/testsupport"

import (
	"encoding/binary"

	"github.com/procunwind/procunwind/libpf"
)

// Pointer encodings used by the synthesized header (DWARF exception header
// encoding values).
const (
	encPcrelSdata4   = 0x1b
	encUdata4        = 0x03
	encDatarelSdata4 = 0x3b
)

const (
	hdrOffset = 0x100
	ehOffset  = 0x800
)

// UnwindImage is a synthesized memory region holding a .eh_frame_hdr and a
// matching .eh_frame, the shape module mapping code expects to find in a
// loaded object.
type UnwindImage struct {
	Region     []byte
	RegionBase libpf.Address
	HdrOffset  uint64
	HdrSize    uint64
	EhOffset   uint64
	EhSize     uint64
	// FuncAddrs holds the start PC of each function with an FDE, ascending.
	FuncAddrs []libpf.Address
	// FDEAddrs holds the virtual address of each function's FDE record.
	FDEAddrs []libpf.Address
}

// BuildUnwindImage synthesizes a region of regionSize bytes based at base,
// containing an unwind header with funcCount FDE table entries and the
// corresponding length-prefixed .eh_frame records.
func BuildUnwindImage(base libpf.Address, regionSize, funcCount int) *UnwindImage {
	img := &UnwindImage{
		Region:     make([]byte, regionSize),
		RegionBase: base,
		HdrOffset:  hdrOffset,
		EhOffset:   ehOffset,
	}
	hdrVaddr := base + hdrOffset
	ehVaddr := base + ehOffset

	// .eh_frame: one 12-byte CIE, one 20-byte FDE per function, terminator.
	eh := img.Region[ehOffset:]
	pos := uint64(0)
	writeRec := func(length uint32) libpf.Address {
		recVaddr := ehVaddr + libpf.Address(pos)
		binary.LittleEndian.PutUint32(eh[pos:], length)
		for i := uint64(4); i < uint64(length)+4; i++ {
			eh[pos+i] = byte(pos + i) // arbitrary nonzero payload
		}
		pos += uint64(length) + 4
		return recVaddr
	}
	writeRec(12) // CIE
	for i := 0; i < funcCount; i++ {
		img.FuncAddrs = append(img.FuncAddrs, base+libpf.Address(0x10+0x40*i))
		img.FDEAddrs = append(img.FDEAddrs, writeRec(20))
	}
	binary.LittleEndian.PutUint32(eh[pos:], 0) // terminator
	img.EhSize = pos + 4

	// .eh_frame_hdr
	hdr := img.Region[hdrOffset:]
	hdr[0] = 1 // version
	hdr[1] = encPcrelSdata4
	hdr[2] = encUdata4
	hdr[3] = encDatarelSdata4
	binary.LittleEndian.PutUint32(hdr[4:],
		uint32(int32(int64(ehVaddr)-int64(hdrVaddr+4))))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(funcCount))
	tpos := uint64(12)
	for i := 0; i < funcCount; i++ {
		binary.LittleEndian.PutUint32(hdr[tpos:],
			uint32(int32(int64(img.FuncAddrs[i])-int64(hdrVaddr))))
		binary.LittleEndian.PutUint32(hdr[tpos+4:],
			uint32(int32(int64(img.FDEAddrs[i])-int64(hdrVaddr))))
		tpos += 8
	}
	img.HdrSize = tpos

	return img
}

// Hdr returns the synthesized header bytes.
func (img *UnwindImage) Hdr() []byte {
	return img.Region[img.HdrOffset : img.HdrOffset+img.HdrSize]
}

// HdrVaddr returns the header's virtual address in the target space.
func (img *UnwindImage) HdrVaddr() libpf.Address {
	return img.RegionBase + libpf.Address(img.HdrOffset)
}
