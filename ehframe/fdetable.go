// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package ehframe // import "github.com/procunwind/procunwind/ehframe"

import (
	"fmt"
	"sort"

	"github.com/procunwind/procunwind/libpf"
)

// FDETable provides binary search over the .eh_frame_hdr FDE lookup table.
type FDETable struct {
	hdr      []byte
	hdrVaddr libpf.Address
	tableEnc encoding
	tablePos uint64
	fdeCount uint64
	compat   bool
}

// TableEntry is one decoded entry of the FDE lookup table.
type TableEntry struct {
	// IPStart is the first program counter covered by the FDE.
	IPStart libpf.Address
	// FDEAddr is the virtual address of the FDE record in .eh_frame.
	FDEAddr libpf.Address
}

// formatLen returns the width of one encoded value, 0 for variable width
// formats that cannot appear in a binary search table.
func (t *FDETable) formatLen(enc encoding) int {
	switch enc & encFormatMask {
	case encFormatData2:
		return 2
	case encFormatData4:
		return 4
	case encFormatData8:
		return 8
	case encFormatNative:
		if t.compat {
			return 4
		}
		return 8
	default:
		return 0
	}
}

// NewFDETable parses the search table layout from the mapped unwind header
// bytes. The hdr slice must stay valid for the lifetime of the table; it
// aliases the module's mapped region.
func NewFDETable(hdr []byte, hdrVaddr libpf.Address, compat bool) (*FDETable, error) {
	t := &FDETable{
		hdr:      hdr,
		hdrVaddr: hdrVaddr,
		compat:   compat,
	}
	r := reader{data: hdr, vaddr: hdrVaddr, compat: compat}

	if version := r.u8(); version != hdrVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadHeader, version)
	}
	ehFramePtrEnc := encoding(r.u8())
	fdeCountEnc := encoding(r.u8())
	t.tableEnc = encoding(r.u8())

	if _, err := r.ptr(ehFramePtrEnc); err != nil {
		return nil, err
	}
	fdeCount, err := r.ptr(fdeCountEnc)
	if err != nil {
		return nil, err
	}
	t.fdeCount = fdeCount
	t.tablePos = r.pos

	entryLen := t.formatLen(t.tableEnc)
	if entryLen == 0 {
		return nil, fmt.Errorf("%w: table encoding %#02x",
			ErrUnsupportedEncoding, t.tableEnc)
	}
	tableBytes := fdeCount * uint64(2*entryLen)
	if t.tablePos+tableBytes < t.tablePos ||
		t.tablePos+tableBytes > uint64(len(hdr)) {
		return nil, fmt.Errorf("%w: table of %d entries exceeds header",
			ErrBadHeader, fdeCount)
	}
	return t, nil
}

// Count returns the number of FDE entries in the table.
func (t *FDETable) Count() int {
	return int(t.fdeCount)
}

// entry decodes the table entry at idx.
func (t *FDETable) entry(idx int) (TableEntry, error) {
	entrySize := uint64(2 * t.formatLen(t.tableEnc))
	r := reader{
		data:   t.hdr,
		pos:    t.tablePos + uint64(idx)*entrySize,
		vaddr:  t.hdrVaddr,
		compat: t.compat,
	}
	ipStart, err := r.ptr(t.tableEnc)
	if err != nil {
		return TableEntry{}, err
	}
	fdeAddr, err := r.ptr(t.tableEnc)
	if err != nil {
		return TableEntry{}, err
	}
	return TableEntry{
		IPStart: libpf.Address(ipStart),
		FDEAddr: libpf.Address(fdeAddr),
	}, nil
}

// Lookup performs a binary search for the FDE entry covering pc. The entry
// returned is the one with the greatest IPStart not above pc; whether its
// FDE really covers pc can only be told by decoding the FDE itself.
func (t *FDETable) Lookup(pc libpf.Address) (TableEntry, error) {
	idx := sort.Search(t.Count(), func(idx int) bool {
		entry, err := t.entry(idx) // ignoring error, checked below
		return err == nil && entry.IPStart > pc
	})
	idx--
	if idx < 0 {
		return TableEntry{}, ErrNotFound
	}
	return t.entry(idx)
}
