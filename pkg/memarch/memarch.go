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

// Package memarch defines the machine-level value types used by the memory
// subsystem: virtual and physical addresses, access types, mapping
// protections and the fixed address-space layout constants.
//
// The layout constants are externally meaningful; userspace and the kernel
// must agree on them exactly.
package memarch

const (
	// PageSize is the size of the smallest mappable unit.
	PageSize = 4096

	// MaxObjectSize is the maximum size of a single object, and therefore
	// the stride at which object slots tile the user address space.
	MaxObjectSize = 1 << 30
)

// Address-space layout. The user half is the canonical lower half; the
// kernel owns the canonical upper half.
const (
	// UserMemoryStart is the first user virtual address.
	UserMemoryStart VirtAddr = 0

	// UserMemoryEnd is the first address past the user range.
	UserMemoryEnd VirtAddr = 0x0000_8000_0000_0000

	// KernelMemoryStart is the first kernel virtual address.
	KernelMemoryStart VirtAddr = 0xffff_8000_0000_0000

	// HeapStart is the base of the kernel heap.
	HeapStart VirtAddr = 0xffff_ff00_0000_0000

	// HeapInitialSize is the size of the heap region mapped at
	// initialization.
	HeapInitialSize = 2 * 1024 * 1024

	// HeapMaxLen bounds kernel heap growth.
	HeapMaxLen = 0x0000_0010_0000_0000 / 16 // 4GB
)
