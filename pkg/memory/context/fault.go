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
	"strings"
	"time"

	"objos.dev/objos/pkg/abi"
	"objos.dev/objos/pkg/log"
	"objos.dev/objos/pkg/memarch"
	"objos.dev/objos/pkg/memory/object"
	"objos.dev/objos/pkg/thread"
)

// PageFaultFlags are the hardware-reported conditions of a page fault.
type PageFaultFlags uint32

const (
	// PageFaultUser is set when the fault originated in user mode.
	PageFaultUser PageFaultFlags = 1 << iota

	// PageFaultInvalid is set when the walked entry was malformed.
	PageFaultInvalid

	// PageFaultPresent is set when the walked entry was present.
	PageFaultPresent
)

// String implements fmt.Stringer.String.
func (f PageFaultFlags) String() string {
	var parts []string
	if f&PageFaultUser != 0 {
		parts = append(parts, "USER")
	}
	if f&PageFaultInvalid != 0 {
		parts = append(parts, "INVALID")
	}
	if f&PageFaultPresent != 0 {
		parts = append(parts, "PRESENT")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// faultLog keeps a userspace fault storm from flooding the console.
var faultLog = log.BasicRateLimitedLogger(time.Second)

// HandlePageFault resolves a hardware page fault on the invoking execution
// unit. It either installs a mapping and returns, letting hardware retry
// transparently, or delivers exactly one upcall to the current thread. It
// panics on conditions that indicate a kernel defect rather than a
// userspace error.
func HandlePageFault(addr memarch.VirtAddr, cause memarch.AccessType, flags PageFaultFlags, ip memarch.VirtAddr) {
	if flags&PageFaultInvalid != 0 {
		panic(fmt.Sprintf("page table contains invalid entries for address %s (ip %s, %s access, flags %s)",
			addr, ip, cause, flags))
	}
	if flags&PageFaultUser == 0 && addr.IsKernel() {
		panic(fmt.Sprintf("kernel page fault at ip %s caused by %s access to %s with flags %s",
			ip, cause, addr, flags))
	}
	if addr.IsKernel() {
		// User-mode access to kernel space.
		sendViolation(addr, cause)
		return
	}

	ctx := CurrentMemoryContext()
	if ctx == nil {
		panic(fmt.Sprintf("user page fault with no memory context at ip %s (%s access to %s, flags %s)",
			ip, cause, addr, flags))
	}
	slot, ok := SlotForAddr(addr)
	if !ok {
		sendViolation(addr, cause)
		return
	}

	ctx.slotsMu.Lock()
	defer ctx.slotsMu.Unlock()
	b, ok := ctx.slots.get(slot)
	if !ok {
		sendViolation(addr, cause)
		return
	}
	resolveObjectFault(ctx, b, object.PageNumberFromAddr(addr), cause)
}

// resolveObjectFault handles a fault inside a bound slot: it reports null
// page and out-of-bounds accesses, and otherwise materializes and maps the
// faulting page.
//
// Preconditions: ctx.slotsMu is locked; b is a binding in ctx's table.
func resolveObjectFault(ctx *VirtContext, b *slotBinding, pn object.PageNumber, cause memarch.AccessType) {
	pt := b.obj.LockPageTree()
	defer pt.Unlock()
	if pn.IsZero() {
		faultLog.Debugf("null page access in %s (%s)", b.slot, b.obj.ID())
		sendObjectFault(b.obj.ID(), abi.NullPageAccess{}, cause)
		return
	}
	if pn.ByteOffset() >= memarch.MaxObjectSize {
		faultLog.Debugf("out of bounds access at %#x in %s (%s)", pn.ByteOffset(), b.slot, b.obj.ID())
		sendObjectFault(b.obj.ID(), abi.OutOfBounds{Offset: pn.ByteOffset()}, cause)
		return
	}

	page, cow, ok := pt.GetPage(pn, cause.Write)
	if !ok {
		// First touch: back the page with fresh zeroes and ask again,
		// letting the tree settle write eligibility.
		pt.AddPage(pn, object.NewPage())
		page, cow, ok = pt.GetPage(pn, cause.Write)
		if !ok {
			panic(fmt.Sprintf("page tree for %s lost freshly added page %d", b.obj.ID(), pn))
		}
	}
	ctx.arch.Map(b.mappingCursor(pn.ByteOffset(), memarch.PageSize),
		b.physProvider(page), b.mappingSettings(cow))
}

func sendViolation(addr memarch.VirtAddr, cause memarch.AccessType) {
	currentThread().SendUpcall(abi.MemoryContextViolationInfo{Address: addr, Access: cause})
}

func sendObjectFault(id abi.ObjID, err abi.ObjectMemoryError, cause memarch.AccessType) {
	currentThread().SendUpcall(abi.ObjectMemoryFaultInfo{Object: id, Error: err, Access: cause})
}

func currentThread() *thread.Thread {
	t := thread.Current()
	if t == nil {
		panic("page fault upcall with no current thread")
	}
	return t
}
