// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// Package ehframe locates a loaded object's .eh_frame section from its
// mapped .eh_frame_hdr bytes, and provides binary search over the header's
// FDE lookup table. No DWARF CFI opcodes are evaluated here.
package ehframe // import "github.com/procunwind/procunwind/ehframe"

import (
	"errors"
	"fmt"

	"github.com/procunwind/procunwind/libpf"
)

var (
	// ErrBadHeader means the unwind header bytes are inconsistent.
	ErrBadHeader = errors.New("malformed unwind header")
	// ErrUnsupportedEncoding means the header uses a pointer encoding this
	// parser does not handle.
	ErrUnsupportedEncoding = errors.New("unsupported pointer encoding")
	// ErrNotFound means no FDE covers the requested address.
	ErrNotFound = errors.New("FDE not found")
)

// DWARF Exception Header Encoding
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative encoding = 0x00
	encFormatLeb128 encoding = 0x01
	encFormatData2  encoding = 0x02
	encFormatData4  encoding = 0x03
	encFormatData8  encoding = 0x04
	encFormatMask   encoding = 0x07
	encSignedMask   encoding = 0x08

	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustDataRel encoding = 0x30
	encAdjustMask    encoding = 0x70

	encIndirect encoding = 0x80
	encOmit     encoding = 0xff
)

// expected .eh_frame_hdr version
const hdrVersion = 1

// SectionInfo describes a located unwind data (.eh_frame) section.
type SectionInfo struct {
	// Vaddr is the virtual address of the section in the target process.
	Vaddr libpf.Address
	// Offset is the section's offset inside the containing region.
	Offset uint64
	// Length is the section length in bytes.
	Length uint64
}

// reader decodes encoded pointers from a byte slice. Out of bounds reads set
// the overrun flag instead of panicking; callers check validity at the end.
type reader struct {
	data    []byte
	pos     uint64
	vaddr   libpf.Address
	compat  bool
	overrun bool
}

func (r *reader) u8() uint8 {
	if r.pos+1 > uint64(len(r.data)) {
		r.overrun = true
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	v := uint16(r.u8())
	return v | uint16(r.u8())<<8
}

func (r *reader) u32() uint32 {
	v := uint32(r.u16())
	return v | uint32(r.u16())<<16
}

func (r *reader) u64() uint64 {
	v := uint64(r.u32())
	return v | uint64(r.u32())<<32
}

func (r *reader) uleb() uint64 {
	b := uint8(0x80)
	val := uint64(0)
	for shift := 0; b&0x80 != 0 && shift < 64; shift += 7 {
		b = r.u8()
		val |= uint64(b&0x7f) << shift
	}
	return val
}

func (r *reader) sleb() int64 {
	b := uint8(0x80)
	val := int64(0)
	shift := 0
	for ; b&0x80 != 0 && shift < 64; shift += 7 {
		b = r.u8()
		val |= int64(b&0x7f) << shift
	}
	if b&0x40 != 0 {
		// Sign extend
		val |= int64(-1) << shift
	}
	return val
}

// ptr reads one pointer value encoded with enc encoding. In compat mode the
// native format is 4 bytes wide.
func (r *reader) ptr(enc encoding) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	pos := uint64(r.pos)
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatNative:
		if r.compat {
			val = uint64(r.u32())
		} else {
			val = r.u64()
		}
	case encFormatLeb128:
		val = r.uleb()
	case encFormatLeb128 | encSignedMask:
		val = uint64(r.sleb())
	case encFormatData2:
		val = uint64(r.u16())
	case encFormatData4:
		val = uint64(r.u32())
	case encFormatData8, encFormatData8 | encSignedMask:
		val = r.u64()
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(r.u16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(r.u32())))
	default:
		return 0, fmt.Errorf("%w: format %#02x", ErrUnsupportedEncoding, enc)
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pos + uint64(r.vaddr)
	case encAdjustDataRel:
		val += uint64(r.vaddr)
	default:
		return 0, fmt.Errorf("%w: adjust %#02x", ErrUnsupportedEncoding, enc)
	}

	if enc&encIndirect != 0 {
		return 0, fmt.Errorf("%w: indirect %#02x", ErrUnsupportedEncoding, enc)
	}
	if r.overrun {
		return 0, ErrBadHeader
	}
	return val, nil
}

// FromHeader derives the .eh_frame section location from the mapped
// .eh_frame_hdr bytes. hdrVaddr is the header's virtual address in the
// target, region is the buffer of the containing mapping starting at
// regionStart and ending at regionEnd. The section length is determined by
// walking the length-prefixed CFI records up to their terminator; record
// contents are not interpreted.
func FromHeader(hdr []byte, hdrVaddr libpf.Address, region []byte,
	regionStart, regionEnd libpf.Address, compat bool) (SectionInfo, error) {
	r := reader{data: hdr, vaddr: hdrVaddr, compat: compat}

	if version := r.u8(); version != hdrVersion {
		return SectionInfo{}, fmt.Errorf("%w: version %d", ErrBadHeader, version)
	}
	ehFramePtrEnc := encoding(r.u8())
	r.u8() // fdeCountEnc, not needed here
	r.u8() // tableEnc, not needed here

	ehFrameVaddr, err := r.ptr(ehFramePtrEnc)
	if err != nil {
		return SectionInfo{}, err
	}
	if ehFrameVaddr < uint64(regionStart) || ehFrameVaddr >= uint64(regionEnd) {
		return SectionInfo{}, fmt.Errorf("%w: .eh_frame %#x outside region [%#x,%#x)",
			ErrBadHeader, ehFrameVaddr, regionStart, regionEnd)
	}

	offset := ehFrameVaddr - uint64(regionStart)
	length, err := ehFrameLength(region[offset:])
	if err != nil {
		return SectionInfo{}, err
	}
	return SectionInfo{
		Vaddr:  libpf.Address(ehFrameVaddr),
		Offset: offset,
		Length: length,
	}, nil
}

// ehFrameLength walks the CFI record lengths until the zero terminator or
// the end of the buffer.
func ehFrameLength(data []byte) (uint64, error) {
	r := reader{data: data}
	for {
		pos := r.pos
		recLen := uint64(r.u32())
		if r.overrun {
			if pos == 0 {
				return 0, fmt.Errorf("%w: empty .eh_frame", ErrBadHeader)
			}
			// No terminator before the end of the mapping: the section
			// extends to the end of the buffer.
			return pos, nil
		}
		if recLen == 0 {
			return r.pos, nil
		}
		if recLen == 0xffffffff {
			recLen = r.u64()
			if r.overrun {
				return 0, ErrBadHeader
			}
		}
		if r.pos+recLen < r.pos || r.pos+recLen > uint64(len(data)) {
			if pos == 0 {
				return 0, fmt.Errorf("%w: truncated first record", ErrBadHeader)
			}
			// Truncated record at the end of the mapping.
			return pos, nil
		}
		r.pos += recLen
	}
}
