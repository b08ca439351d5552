// Copyright 2024 The objos Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

import (
	"sync/atomic"

	"github.com/google/btree"

	"objos.dev/objos/pkg/memarch"
	"objos.dev/objos/pkg/sync"
)

// entry is one page-granular page-table entry.
type entry struct {
	vaddr    memarch.VirtAddr
	paddr    memarch.PhysAddr
	settings MappingSettings
}

func entryLess(a, b entry) bool {
	return a.vaddr < b.vaddr
}

// Tables is a software page-table implementation of Mapper. It stores
// page-granular entries in an ordered tree; hardware walkers are replaced by
// tree lookups, but the observable contract is the same one a hardware
// implementation provides.
//
// Tables never allocates from the kernel heap, which makes it safe to call
// from heap growth.
type Tables struct {
	// mu protects entries. Mapper calls run to completion on the invoking
	// execution unit; the mutex only orders concurrent units.
	mu sync.Mutex

	entries *btree.BTreeG[entry]
}

// New returns empty Tables.
func New() *Tables {
	return &Tables{entries: btree.NewG[entry](16, entryLess)}
}

// pageRange returns the page-aligned [start, end) covered by cursor. A
// cursor reaching the top of the address space is clamped to the last page
// boundary.
func pageRange(cursor MappingCursor) (memarch.VirtAddr, memarch.VirtAddr) {
	start := cursor.Start().RoundDown()
	sum := cursor.Start() + memarch.VirtAddr(cursor.Len())
	if cursor.Len() > 0 && sum <= cursor.Start() {
		return start, ^memarch.VirtAddr(0) &^ memarch.VirtAddr(memarch.PageSize-1)
	}
	end, ok := sum.RoundUp()
	if !ok {
		end = ^memarch.VirtAddr(0) &^ memarch.VirtAddr(memarch.PageSize-1)
	}
	return start, end
}

// Map implements Mapper.Map.
func (t *Tables) Map(cursor MappingCursor, phys PhysAddrProvider, settings MappingSettings) {
	start, end := pageRange(cursor)
	t.mu.Lock()
	defer t.mu.Unlock()
	for va := start; va < end; va += memarch.PageSize {
		pa, avail := phys.Peek()
		if avail < memarch.PageSize {
			panic("physical provider ran dry mid-mapping")
		}
		t.entries.ReplaceOrInsert(entry{vaddr: va, paddr: pa, settings: settings})
		phys.Consume(memarch.PageSize)
		if va+memarch.PageSize < va {
			break // top of address space
		}
	}
}

// Unmap implements Mapper.Unmap.
func (t *Tables) Unmap(cursor MappingCursor) {
	start, end := pageRange(cursor)
	t.mu.Lock()
	defer t.mu.Unlock()
	var doomed []entry
	t.entries.AscendRange(entry{vaddr: start}, entry{vaddr: end}, func(e entry) bool {
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		t.entries.Delete(e)
	}
}

// Change implements Mapper.Change.
func (t *Tables) Change(cursor MappingCursor, settings MappingSettings) {
	start, end := pageRange(cursor)
	t.mu.Lock()
	defer t.mu.Unlock()
	var changed []entry
	t.entries.AscendRange(entry{vaddr: start}, entry{vaddr: end}, func(e entry) bool {
		e.settings = settings
		changed = append(changed, e)
		return true
	})
	for _, e := range changed {
		t.entries.ReplaceOrInsert(e)
	}
}

// ReadMap implements Mapper.ReadMap.
func (t *Tables) ReadMap(cursor MappingCursor) []Mapping {
	start, end := pageRange(cursor)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Mapping
	t.entries.AscendRange(entry{vaddr: start}, entry{vaddr: end}, func(e entry) bool {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Addr+memarch.VirtAddr(last.Len) == e.vaddr &&
				last.Phys+memarch.PhysAddr(last.Len) == e.paddr &&
				last.Settings == e.settings {
				last.Len += memarch.PageSize
				return true
			}
		}
		out = append(out, Mapping{Addr: e.vaddr, Phys: e.paddr, Len: memarch.PageSize, Settings: e.settings})
		return true
	})
	return out
}

// Lookup returns the physical address and settings mapped at va.
func (t *Tables) Lookup(va memarch.VirtAddr) (memarch.PhysAddr, MappingSettings, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries.Get(entry{vaddr: va.RoundDown()})
	if !ok {
		return 0, MappingSettings{}, false
	}
	return e.paddr + memarch.PhysAddr(va-va.RoundDown()), e.settings, true
}

// SwitchTo implements Mapper.SwitchTo. It stands in for the page-table base
// register write a hardware implementation performs.
func (t *Tables) SwitchTo() {
	active.Store(t)
}

// active is the tables last switched to, standing in for the per-CPU
// page-table base register.
var active atomic.Pointer[Tables]

// Current returns the active tables, or nil before any SwitchTo. The boot
// path switches to the bootstrap tables before the kernel context clones
// them.
func Current() *Tables {
	return active.Load()
}
