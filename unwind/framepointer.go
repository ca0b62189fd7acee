// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "github.com/procunwind/procunwind/unwind"

import (
	"github.com/procunwind/procunwind/internal/log"
	"github.com/procunwind/procunwind/libpf"
)

// DefaultMaxFrames bounds a single unwind when no explicit limit is set.
const DefaultMaxFrames = 128

// FramePointerUnwinder walks the saved frame pointer chain through the
// target's memory: each frame record holds the caller's frame pointer at
// [fp] and the return address at [fp+wordsize].
//
// PC attribution consults the context's frame cache first; on a miss the
// module list and its FDE table are consulted and the attribution cached.
// Cached entries carry attribution only, the stack addresses of a frame
// differ between captures.
type FramePointerUnwinder struct {
	// MaxFrames caps the walk, DefaultMaxFrames when zero.
	MaxFrames int
}

var _ Unwinder = &FramePointerUnwinder{}

func (u *FramePointerUnwinder) Unwind(ctx *Context,
	regs Registers) (libpf.Backtrace, error) {
	maxFrames := u.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	rm := ctx.pr.GetRemoteMemory()
	wordSize := libpf.Address(8)
	if ctx.compat {
		wordSize = 4
	}

	bt := make(libpf.Backtrace, 0, 16)
	pc, sp, fp := regs.PC, regs.SP, regs.FP
	for len(bt) < maxFrames {
		frame := libpf.Frame{PC: pc, CFA: sp, FP: fp}
		frame.ModuleBase = u.attribute(ctx, pc)
		bt = append(bt, frame)

		if fp == 0 || fp%wordSize != 0 {
			break
		}
		var nextFP, retAddr libpf.Address
		if ctx.compat {
			nextFP = libpf.Address(rm.Uint32(fp))
			retAddr = libpf.Address(rm.Uint32(fp + 4))
		} else {
			nextFP = rm.Ptr(fp)
			retAddr = rm.Ptr(fp + 8)
		}
		if retAddr == 0 {
			break
		}
		// Frame records live on the stack, which grows down: a chain that
		// does not move strictly up is corrupt. Stop with what we have.
		if nextFP != 0 && nextFP <= fp {
			log.Debugf("frame pointer chain not monotonic at %#x", fp)
			break
		}
		sp = fp + 2*wordSize
		pc = retAddr
		fp = nextFP
	}
	return bt, nil
}

// attribute resolves the load address of the object containing pc, going
// through the frame cache.
func (u *FramePointerUnwinder) attribute(ctx *Context,
	pc libpf.Address) libpf.Address {
	if cached, ok := ctx.cache.Find(pc); ok {
		return cached.ModuleBase
	}
	mr := ctx.FindModule(pc)
	if mr == nil {
		return 0
	}
	if table, err := ctx.FDETable(mr); err == nil {
		if _, lerr := table.Lookup(pc); lerr != nil {
			log.Debugf("no FDE covers pc %#x in %s", pc, mr.Name)
		}
	}
	ctx.cache.Add(libpf.Frame{PC: pc, ModuleBase: mr.ObjAddr})
	return mr.ObjAddr
}
