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

package memarch

import "fmt"

// VirtAddr represents a virtual address.
type VirtAddr uintptr

// IsKernel returns true if the address lies in the kernel half of the
// address space.
func (v VirtAddr) IsKernel() bool {
	return v >= KernelMemoryStart
}

// IsCanonical returns true if the address is representable by the MMU. The
// hole between UserMemoryEnd and KernelMemoryStart is non-canonical.
func (v VirtAddr) IsCanonical() bool {
	return v < UserMemoryEnd || v >= KernelMemoryStart
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v VirtAddr) RoundDown() VirtAddr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v VirtAddr) RoundUp() (addr VirtAddr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is a multiple of PageSize.
func (v VirtAddr) IsPageAligned() bool {
	return v%PageSize == 0
}

// Offset returns v+n. ok is false if the result wraps around or crosses into
// the non-canonical hole.
func (v VirtAddr) Offset(n uintptr) (VirtAddr, bool) {
	addr := v + VirtAddr(n)
	if addr < v || !addr.IsCanonical() {
		return 0, false
	}
	return addr, true
}

// String implements fmt.Stringer.String.
func (v VirtAddr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// PhysAddr represents a physical address.
type PhysAddr uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ (PageSize - 1)
}

// IsPageAligned returns true if p is a multiple of PageSize.
func (p PhysAddr) IsPageAligned() bool {
	return p%PageSize == 0
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uintptr(p))
}
