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

package context

import (
	"fmt"

	"objos.dev/objos/pkg/memarch"
	"objos.dev/objos/pkg/memory/heap"
	"objos.dev/objos/pkg/memory/pagetables"
	"objos.dev/objos/pkg/sync"
)

// globalPageAlloc is the kernel heap: a first-fit arena over a virtual
// range that grows, and never shrinks, by mapping fresh zero pages through
// the kernel context. One per process.
type globalPageAlloc struct {
	arena heap.Arena

	// end is the first unmapped heap address. Monotonically
	// non-decreasing.
	end memarch.VirtAddr

	inited bool
}

var (
	// heapMu guards globalHeap. It is held across the arch mapper call
	// during growth; Mapper implementations must not allocate from this
	// heap.
	heapMu sync.Mutex

	globalHeap = globalPageAlloc{end: memarch.HeapStart}
)

var heapSettings = pagetables.MappingSettings{
	Perms: memarch.ProtRW,
	Cache: memarch.CacheWriteBack,
	Flags: pagetables.MappingFlagGlobal,
}

// extend maps len additional zero-filled bytes directly after the current
// end and grows the arena over them.
//
// Preconditions: heapMu is locked.
func (g *globalPageAlloc) extend(len uintptr, c *VirtContext) {
	if uintptr(g.end-memarch.HeapStart)+len > memarch.HeapMaxLen {
		panic(fmt.Sprintf("kernel heap would exceed %#x bytes", uintptr(memarch.HeapMaxLen)))
	}
	var phys pagetables.ZeroPageProvider
	c.arch.Map(pagetables.NewMappingCursor(g.end, len), &phys, heapSettings)
	end, ok := g.end.Offset(len)
	if !ok {
		panic("kernel heap end overflowed")
	}
	g.end = end
	g.arena.Extend(len)
}

// InitAllocator maps the initial heap region through c and initializes the
// arena over exactly that range. Must run exactly once, on the kernel
// context, before any allocation.
func (c *VirtContext) InitAllocator() {
	heapMu.Lock()
	defer heapMu.Unlock()
	if globalHeap.inited {
		panic("kernel heap initialized twice")
	}
	var phys pagetables.ZeroPageProvider
	c.arch.Map(pagetables.NewMappingCursor(globalHeap.end, memarch.HeapInitialSize), &phys, heapSettings)
	end, ok := globalHeap.end.Offset(memarch.HeapInitialSize)
	if !ok {
		panic("kernel heap end overflowed")
	}
	globalHeap.end = end
	globalHeap.arena.Init(uintptr(memarch.HeapStart), memarch.HeapInitialSize)
	globalHeap.inited = true
}

// AllocateChunk returns the address of a heap range satisfying layout. The
// heap grows as needed; by construction the retry after growth succeeds, so
// failure there is fatal.
func (c *VirtContext) AllocateChunk(layout heap.Layout) uintptr {
	heapMu.Lock()
	defer heapMu.Unlock()
	if !globalHeap.inited {
		panic("kernel heap used before initialization")
	}
	if p, ok := globalHeap.arena.AllocateFirstFit(layout); ok {
		return p
	}
	grow := roundUpPage(layout.PaddedSize()) * 2
	globalHeap.extend(grow, c)
	p, ok := globalHeap.arena.AllocateFirstFit(layout)
	if !ok {
		panic(fmt.Sprintf("kernel heap allocation of %+v failed after growing by %#x", layout, grow))
	}
	return p
}

// DeallocateChunk returns a range obtained from AllocateChunk with the same
// layout. The backing memory stays mapped; the heap never shrinks.
func (c *VirtContext) DeallocateChunk(layout heap.Layout, ptr uintptr) {
	heapMu.Lock()
	defer heapMu.Unlock()
	if !globalHeap.inited {
		panic("kernel heap used before initialization")
	}
	globalHeap.arena.Deallocate(ptr, layout)
}

// KernelHeapEnd returns the current end of the mapped heap range.
func KernelHeapEnd() memarch.VirtAddr {
	heapMu.Lock()
	defer heapMu.Unlock()
	return globalHeap.end
}

func roundUpPage(n uintptr) uintptr {
	return (n + memarch.PageSize - 1) &^ uintptr(memarch.PageSize-1)
}
