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
)

// Slot identifies one MaxObjectSize-aligned region of user address space,
// bindable to exactly one object. Slots are ordered by index.
type Slot int

// SlotForAddr returns the slot containing addr. It fails for kernel and
// non-canonical addresses.
func SlotForAddr(addr memarch.VirtAddr) (Slot, bool) {
	if !addr.IsCanonical() || addr.IsKernel() {
		return 0, false
	}
	return Slot(uintptr(addr) / memarch.MaxObjectSize), true
}

// SlotForIndex returns the slot with the given index. It fails if the
// index's region lies outside user address space.
func SlotForIndex(i int) (Slot, bool) {
	if i < 0 {
		return 0, false
	}
	base := uintptr(i) * memarch.MaxObjectSize
	if base/memarch.MaxObjectSize != uintptr(i) {
		return 0, false
	}
	if a := memarch.VirtAddr(base); !a.IsCanonical() || a.IsKernel() {
		return 0, false
	}
	return Slot(i), true
}

// Base returns the first virtual address of the slot's region.
func (s Slot) Base() memarch.VirtAddr {
	return memarch.VirtAddr(uintptr(s) * memarch.MaxObjectSize)
}

// Index returns the raw slot index.
func (s Slot) Index() int {
	return int(s)
}

// String implements fmt.Stringer.String.
func (s Slot) String() string {
	return fmt.Sprintf("slot-%d", int(s))
}
