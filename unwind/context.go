// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwind ties the per-process unwind state together: the list of
// mapped modules, the resolved-frame cache and the unwinder collaborator
// that walks stacks through them.
package unwind // import "github.com/procunwind/procunwind/unwind"

import (
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"

	"github.com/procunwind/procunwind/ehframe"
	"github.com/procunwind/procunwind/internal/log"
	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/libpf/xsync"
	"github.com/procunwind/procunwind/modules"
	"github.com/procunwind/procunwind/pccache"
	"github.com/procunwind/procunwind/process"
)

// ErrInvalidContext means an unwind was attempted without a usable context.
var ErrInvalidContext = errors.New("invalid unwind context")

// fdeTableCacheSize bounds the number of parsed FDE table handles kept
// around. Freeing one only drops the parse, not the mapped data.
const fdeTableCacheSize = 64

// moduleList is the lock-guarded part of a Context. Records keep their
// insertion order so teardown releases them in the order they were mapped.
type moduleList struct {
	records []*modules.ModuleRecord
}

// Context is the per-process unwind context. It owns the mapped module
// records and the resolved-frame cache and releases both on Teardown.
//
// All methods are safe for concurrent use.
type Context struct {
	pr     process.Process
	compat bool

	cache     *pccache.Cache
	fdeTables *lru.SyncedLRU[libpf.Address, *ehframe.FDETable]
	unwinder  Unwinder

	mods xsync.RWMutex[moduleList]
}

// NewContext creates an empty unwind context for the process. Modules are
// added afterwards via Discover or AddModules.
func NewContext(pr process.Process, compat bool) (*Context, error) {
	fdeTables, err := lru.NewSynced[libpf.Address, *ehframe.FDETable](
		fdeTableCacheSize, libpf.Address.Hash32)
	if err != nil {
		return nil, err
	}
	return &Context{
		pr:        pr,
		compat:    compat,
		cache:     pccache.New(pccache.DefaultBuckets),
		fdeTables: fdeTables,
		unwinder:  &FramePointerUnwinder{},
		mods:      xsync.NewRWMutex(moduleList{}),
	}, nil
}

// SetUnwinder replaces the unwinder collaborator. Not safe to call while
// unwinds are in flight.
func (c *Context) SetUnwinder(u Unwinder) {
	c.unwinder = u
}

// Cache returns the context's resolved-frame cache.
func (c *Context) Cache() *pccache.Cache {
	return c.cache
}

// Compat reports whether the target runs with 32-bit pointers.
func (c *Context) Compat() bool {
	return c.compat
}

// Process returns the target process handle.
func (c *Context) Process() process.Process {
	return c.pr
}

// Discover scans the process's loaded objects and maps the unwind metadata
// of every object carrying an unwind header. May be called again after the
// target loads further objects; records accumulate.
func (c *Context) Discover() error {
	records, err := modules.DiscoverModules(c.pr, c.compat)
	if err != nil {
		return fmt.Errorf("module discovery failed: %w", err)
	}
	ml := c.mods.WLock()
	defer c.mods.WUnlock(&ml)
	ml.records = append(ml.records, records...)
	return nil
}

// AddModules maps modules from an authoritative list of load descriptors.
// On failure the modules mapped before the failing entry are kept in the
// context, so Teardown will release them; the error is reported to the
// caller.
func (c *Context) AddModules(infos []modules.LoadInfo) error {
	records, err := modules.AddFromLoadInfos(c.pr, infos, c.compat)
	if len(records) > 0 {
		ml := c.mods.WLock()
		ml.records = append(ml.records, records...)
		c.mods.WUnlock(&ml)
	}
	if err != nil {
		return fmt.Errorf("adding modules failed: %w", err)
	}
	return nil
}

// Modules returns a snapshot of the mapped module records in mapping order.
func (c *Context) Modules() []*modules.ModuleRecord {
	ml := c.mods.RLock()
	defer c.mods.RUnlock(&ml)
	out := make([]*modules.ModuleRecord, len(ml.records))
	copy(out, ml.records)
	return out
}

// FindModule attributes pc to a mapped module: the one with the greatest
// load address not above pc. Object end addresses are not tracked, so a pc
// must at least fall into some mapping of the target to qualify.
func (c *Context) FindModule(pc libpf.Address) *modules.ModuleRecord {
	if c.pr.FindMapping(pc) == nil {
		return nil
	}
	ml := c.mods.RLock()
	defer c.mods.RUnlock(&ml)
	var best *modules.ModuleRecord
	for _, mr := range ml.records {
		if mr.ObjAddr <= pc && (best == nil || mr.ObjAddr > best.ObjAddr) {
			best = mr
		}
	}
	return best
}

// FDETable returns the parsed FDE lookup table for the module, building and
// caching it on first use. The table aliases the module's mapped region and
// must not be used after Teardown.
func (c *Context) FDETable(mr *modules.ModuleRecord) (*ehframe.FDETable, error) {
	key := mr.HdrAddr()
	if table, ok := c.fdeTables.Get(key); ok {
		return table, nil
	}
	hdr, err := mr.HdrBytes()
	if err != nil {
		return nil, err
	}
	table, err := ehframe.NewFDETable(hdr, key, c.compat)
	if err != nil {
		return nil, err
	}
	c.fdeTables.Add(key, table)
	return table, nil
}

// Teardown releases every module's pinned region in mapping order, drops
// the parsed table handles and clears the frame cache. Safe to call on a
// half-initialized context and safe to call more than once.
func (c *Context) Teardown() {
	if c == nil {
		return
	}
	ml := c.mods.WLock()
	records := ml.records
	ml.records = nil
	c.mods.WUnlock(&ml)

	for _, mr := range records {
		if err := mr.Release(); err != nil {
			log.Warnf("releasing module %s: %v", mr.Name, err)
		}
	}
	if c.fdeTables != nil {
		c.fdeTables.Purge()
	}
	if c.cache != nil {
		c.cache.Clear()
	}
}
