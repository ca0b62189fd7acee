// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the core scalar types shared by all procunwind packages.
package libpf // import "github.com/procunwind/procunwind/libpf"

// PID represent Unix Process ID (pid_t)
type PID uint32

func (p PID) Hash32() uint32 {
	return uint32(p)
}
