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

// Package heap implements a first-fit free-list arena over an address range
// it does not own.
//
// Bookkeeping is kept out-of-band rather than in headers inside the managed
// range, so the arena can manage address space that is not addressable by
// this process. An Arena is not goroutine-safe; the kernel heap serializes
// access under its own global lock.
package heap

import (
	"fmt"

	"github.com/google/btree"
)

// Layout describes an allocation request.
type Layout struct {
	// Size is the number of bytes requested.
	Size uintptr

	// Align is the required alignment of the returned address. Zero means
	// byte alignment.
	Align uintptr
}

func (l Layout) normalized() Layout {
	if l.Align == 0 {
		l.Align = 1
	}
	if l.Size == 0 {
		l.Size = 1
	}
	return l
}

// PaddedSize returns the allocation size rounded up to the alignment, the
// size growth computations use.
func (l Layout) PaddedSize() uintptr {
	l = l.normalized()
	return (l.Size + l.Align - 1) &^ (l.Align - 1)
}

// span is a free range [start, end).
type span struct {
	start, end uintptr
}

func spanLess(a, b span) bool {
	return a.start < b.start
}

// Arena is a first-fit free-list allocator.
type Arena struct {
	base, end uintptr
	free      *btree.BTreeG[span]
	freeBytes uintptr
}

// Init initializes the arena over exactly [base, base+size). Must be called
// once, before any other method.
func (a *Arena) Init(base, size uintptr) {
	if a.free != nil {
		panic("arena double init")
	}
	a.base = base
	a.end = base + size
	a.free = btree.NewG[span](16, spanLess)
	if size > 0 {
		a.free.ReplaceOrInsert(span{start: base, end: a.end})
		a.freeBytes = size
	}
}

// Extend grows the managed range by len bytes directly after the current
// end. The new bytes become free, coalescing with a trailing free span.
func (a *Arena) Extend(len uintptr) {
	if a.free == nil {
		panic("arena used before init")
	}
	s := span{start: a.end, end: a.end + len}
	a.end += len
	a.freeBytes += len
	if prev, ok := a.precedingFree(s.start); ok && prev.end == s.start {
		a.free.Delete(prev)
		s.start = prev.start
	}
	a.free.ReplaceOrInsert(s)
}

// AllocateFirstFit returns the lowest suitably aligned free address
// satisfying l, or false if no free span fits.
func (a *Arena) AllocateFirstFit(l Layout) (uintptr, bool) {
	if a.free == nil {
		panic("arena used before init")
	}
	l = l.normalized()
	var (
		fit   span
		addr  uintptr
		found bool
	)
	a.free.Ascend(func(s span) bool {
		start := (s.start + l.Align - 1) &^ (l.Align - 1)
		if start+l.Size <= s.end && start+l.Size > start {
			fit, addr, found = s, start, true
			return false
		}
		return true
	})
	if !found {
		return 0, false
	}
	a.free.Delete(fit)
	if addr > fit.start {
		a.free.ReplaceOrInsert(span{start: fit.start, end: addr})
	}
	if addr+l.Size < fit.end {
		a.free.ReplaceOrInsert(span{start: addr + l.Size, end: fit.end})
	}
	a.freeBytes -= l.Size
	return addr, true
}

// Deallocate returns [ptr, ptr+l.Size) to the free list, coalescing with
// adjacent free spans. The range must come from a previous AllocateFirstFit
// with the same layout.
func (a *Arena) Deallocate(ptr uintptr, l Layout) {
	if a.free == nil {
		panic("arena used before init")
	}
	l = l.normalized()
	if ptr < a.base || ptr+l.Size > a.end {
		panic(fmt.Sprintf("deallocate of [%#x, %#x) outside arena [%#x, %#x)", ptr, ptr+l.Size, a.base, a.end))
	}
	s := span{start: ptr, end: ptr + l.Size}
	if prev, ok := a.precedingFree(s.start); ok && prev.end >= s.start {
		if prev.end > s.start {
			panic(fmt.Sprintf("double free at %#x", ptr))
		}
		a.free.Delete(prev)
		s.start = prev.start
	}
	if next, ok := a.free.Get(span{start: ptr + l.Size}); ok {
		a.free.Delete(next)
		s.end = next.end
	}
	a.free.ReplaceOrInsert(s)
	a.freeBytes += l.Size
}

// precedingFree returns the free span with the greatest start <= addr.
func (a *Arena) precedingFree(addr uintptr) (span, bool) {
	var (
		out   span
		found bool
	)
	a.free.DescendLessOrEqual(span{start: addr}, func(s span) bool {
		out, found = s, true
		return false
	})
	return out, found
}

// Size returns the number of managed bytes.
func (a *Arena) Size() uintptr {
	return a.end - a.base
}

// FreeBytes returns the number of free bytes.
func (a *Arena) FreeBytes() uintptr {
	return a.freeBytes
}
