// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package modules // import "github.com/procunwind/procunwind/modules"

import (
	"debug/elf"

	"github.com/procunwind/procunwind/internal/log"
	"github.com/procunwind/procunwind/phdr"
	"github.com/procunwind/procunwind/process"
)

// DiscoverModules walks the loaded objects of the process and maps the
// unwind metadata of every object that carries an unwind header segment.
// Objects without one are skipped silently: they may still be unwindable by
// other means. A mapping failure drops that one candidate and discovery
// continues; a failure to iterate the objects at all is propagated.
//
// The returned records preserve discovery order.
func DiscoverModules(pr process.Process, compat bool) ([]*ModuleRecord, error) {
	var records []*ModuleRecord

	err := phdr.Iterate(pr, func(info *phdr.Info) error {
		var ehPhdr *phdr.ProgHeader
		dynamic := false
		for idx := range info.Phdrs {
			switch info.Phdrs[idx].Type {
			case elf.PT_GNU_EH_FRAME:
				ehPhdr = &info.Phdrs[idx]
			case elf.PT_DYNAMIC:
				dynamic = true
			}
			if ehPhdr != nil && dynamic {
				break
			}
		}
		if ehPhdr == nil {
			// No module added but the object may unwind via other means.
			return nil
		}

		li := LoadInfo{
			ObjAddr: info.Base,
			HdrAddr: info.Base + ehPhdr.Vaddr,
			HdrSize: ehPhdr.Memsz,
			Dynamic: dynamic,
			Name:    info.Name,
		}
		mr, mapErr := MapModule(pr, &li, compat)
		if mapErr != nil {
			// One bad object must not prevent unwinding through the rest.
			log.Debugf("failed to map module %s at %#x: %v",
				li.Name, li.ObjAddr, mapErr)
			return nil
		}
		records = append(records, mr)
		return nil
	})
	if err != nil {
		for _, mr := range records {
			_ = mr.Release()
		}
		return nil, err
	}
	return records, nil
}

// AddFromLoadInfos maps modules from an authoritative, pre-validated list of
// load descriptors (e.g. supplied by a cooperating in-process agent). Unlike
// discovery, any single mapping failure here indicates a logic error and
// aborts the whole operation: the already mapped records are returned
// together with the error and stay owned by the caller, whose context
// teardown releases them.
func AddFromLoadInfos(pr process.Process, infos []LoadInfo,
	compat bool) ([]*ModuleRecord, error) {
	records := make([]*ModuleRecord, 0, len(infos))
	for idx := range infos {
		mr, err := MapModule(pr, &infos[idx], compat)
		if err != nil {
			return records, err
		}
		records = append(records, mr)
	}
	return records, nil
}
