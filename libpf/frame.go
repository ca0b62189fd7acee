// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/procunwind/procunwind/libpf"

// Frame is the architecture neutral view of one resolved stack frame. The
// program counter identifies the frame and is the key under which resolved
// frames are cached.
type Frame struct {
	// PC is the program counter of this frame.
	PC Address
	// CFA is the canonical frame address, the stack pointer value at the
	// call site of this frame.
	CFA Address
	// FP is the frame pointer observed while this frame was live.
	FP Address
	// ModuleBase is the load address of the object containing PC, or 0 if
	// attribution was not possible.
	ModuleBase Address
}

// Backtrace is the ordered result of one stack unwind, innermost frame first.
type Backtrace []Frame

// PCs returns just the program counters of the backtrace.
func (bt Backtrace) PCs() []Address {
	pcs := make([]Address, len(bt))
	for i, fr := range bt {
		pcs[i] = fr.PC
	}
	return pcs
}
