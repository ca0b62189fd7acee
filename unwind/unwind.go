// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "github.com/procunwind/procunwind/unwind"

import (
	"fmt"

	"github.com/procunwind/procunwind/libpf"
)

// Registers is the captured register state an unwind starts from. How the
// registers were obtained (ptrace, signal frame, perf sample) is the
// caller's business.
type Registers struct {
	// PC is the instruction pointer.
	PC libpf.Address
	// SP is the stack pointer.
	SP libpf.Address
	// FP is the frame pointer.
	FP libpf.Address
}

// Unwinder walks a stack starting from captured registers, using the
// context's modules and cache. Implementations must be safe for concurrent
// use; Unwind is called from arbitrary goroutines.
type Unwinder interface {
	Unwind(ctx *Context, regs Registers) (libpf.Backtrace, error)
}

// UnwindCurrent performs one stack unwind from the captured register state.
// It validates the context, then delegates to the context's unwinder
// collaborator. There are no retries: a failed unwind is reported as-is.
func UnwindCurrent(regs Registers, ctx *Context) (libpf.Backtrace, error) {
	if ctx == nil || ctx.cache == nil || ctx.unwinder == nil {
		return nil, ErrInvalidContext
	}
	if regs.PC == 0 {
		return nil, fmt.Errorf("%w: zero program counter", ErrInvalidContext)
	}
	return ctx.unwinder.Unwind(ctx, regs)
}
