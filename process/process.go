// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/procunwind/procunwind/process"

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/procunwind/procunwind/internal/log"
	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/libpf/xsync"
	"github.com/procunwind/procunwind/remotememory"
)

// ErrNoMappings is returned when no mappings can be extracted.
var ErrNoMappings = errors.New("no mappings")

// systemProcess provides an implementation of the Process interface for a
// process that is currently running on this machine.
type systemProcess struct {
	pid libpf.PID

	remoteMemory remotememory.RemoteMemory

	// compat caches the ABI detection, the executable does not change.
	compat xsync.Once[bool]

	// mappings holds the latest parsed snapshot, sorted by start address.
	// Published slices are never mutated in place, so FindMapping results
	// stay valid after the next GetMappings replaces the snapshot.
	mappings xsync.RWMutex[[]Mapping]
}

var _ Process = &systemProcess{}

// New returns an object with the Process interface accessing the process pid.
func New(pid libpf.PID) Process {
	return &systemProcess{
		pid:          pid,
		remoteMemory: remotememory.NewProcessVirtualMemory(pid),
	}
}

func (sp *systemProcess) PID() libpf.PID {
	return sp.pid
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		// Some JIT engines map JIT area from /dev/zero
		// make it anonymous.
		return ""
	}
	return path
}

func parseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanner.Buffer(make([]byte, 256), 8192)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, " ", 6)
		if len(fields) < 5 {
			numParseErrors++
			continue
		}

		addrs := strings.Split(fields[0], "-")
		if len(addrs) != 2 {
			numParseErrors++
			continue
		}

		mapsFlags := fields[1]
		if len(mapsFlags) < 3 {
			numParseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if mapsFlags[0] == 'r' {
			flags |= elf.PF_R
		}
		if mapsFlags[1] == 'w' {
			flags |= elf.PF_W
		}
		if mapsFlags[2] == 'x' {
			flags |= elf.PF_X
		}

		// Ignore non-readable and non-executable mappings
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}

		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			numParseErrors++
			continue
		}

		devs := strings.Split(fields[3], ":")
		if len(devs) != 2 {
			numParseErrors++
			continue
		}
		major, err := strconv.ParseUint(devs[0], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		minor, err := strconv.ParseUint(devs[1], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		device := major<<8 + minor

		var path string
		if len(fields) == 6 {
			path = strings.TrimLeft(fields[5], " ")
		}
		if inode == 0 {
			switch path {
			case "[vdso]":
				// Map to something filename looking with synthesized inode
				path = VdsoPathName
				device = 0
				inode = vdsoInode
			case "":
				// This is an anonymous mapping, keep it
			default:
				// Ignore other special pseudo-file mappings
				continue
			}
		} else {
			path = trimMappingPath(path)
		}

		vaddr, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}

		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}

		mappings = append(mappings, Mapping{
			Vaddr:      libpf.Address(vaddr),
			Length:     vend - vaddr,
			Flags:      flags,
			FileOffset: fileOffset,
			Device:     device,
			Inode:      inode,
			Path:       path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// GetMappings processes the mappings file from proc. The parsed mappings are
// retained, sorted by start address, to serve later FindMapping calls.
func (sp *systemProcess) GetMappings() ([]Mapping, error) {
	mapsFile, err := os.Open(fmt.Sprintf("/proc/%d/maps", sp.pid))
	if err != nil {
		return nil, err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := parseMappings(mapsFile)
	if numParseErrors > 0 {
		log.Debugf("PID %d: %d lines of /proc/%d/maps failed to parse",
			sp.pid, numParseErrors, sp.pid)
	}
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, ErrNoMappings
	}

	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].Vaddr < mappings[j].Vaddr
	})
	snapshot := sp.mappings.WLock()
	*snapshot = mappings
	sp.mappings.WUnlock(&snapshot)
	return mappings, nil
}

func (sp *systemProcess) FindMapping(addr libpf.Address) *Mapping {
	snapshot := sp.mappings.RLock()
	defer sp.mappings.RUnlock(&snapshot)
	mappings := *snapshot
	idx := sort.Search(len(mappings), func(i int) bool {
		return mappings[i].End() > addr
	})
	if idx < len(mappings) && mappings[idx].Contains(addr) {
		return &mappings[idx]
	}
	return nil
}

func (sp *systemProcess) GetRemoteMemory() remotememory.RemoteMemory {
	return sp.remoteMemory
}

// OpenMappingFile opens the mapping via /proc/<pid>/map_files. This works
// also for deleted files as long as the mapping is alive, and the returned
// handle keeps the backing inode and its page cache pages reachable.
func (sp *systemProcess) OpenMappingFile(m *Mapping) (*os.File, error) {
	if m.IsAnonymous() || m.IsVDSO() {
		return nil, errors.New("no backing file for anonymous memory")
	}
	return os.Open(fmt.Sprintf("/proc/%v/map_files/%x-%x",
		sp.pid, m.Vaddr, m.End()))
}

// IsCompat inspects the ELF identification of the main executable to detect
// whether the process runs the secondary (32-bit) ABI. The result is
// computed once per process handle.
func (sp *systemProcess) IsCompat() (bool, error) {
	compat, err := sp.compat.GetOrInit(func() (bool, error) {
		exe, err := os.Open(fmt.Sprintf("/proc/%d/exe", sp.pid))
		if err != nil {
			return false, err
		}
		defer exe.Close()

		var ident [elf.EI_NIDENT]byte
		if _, err = io.ReadFull(exe, ident[:]); err != nil {
			return false, err
		}
		if string(ident[:4]) != elf.ELFMAG {
			return false, fmt.Errorf("unrecognized executable format %q", ident[:4])
		}
		return elf.Class(ident[elf.EI_CLASS]) == elf.ELFCLASS32, nil
	})
	if err != nil {
		return false, err
	}
	return *compat, nil
}

func (sp *systemProcess) Close() error {
	return nil
}
