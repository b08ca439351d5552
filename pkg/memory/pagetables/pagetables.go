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

// Package pagetables defines the contract between the memory-context layer
// and the architecture page-table implementation, along with the physical
// address providers used to feed mappings.
//
// Implementations of Mapper must never allocate from the kernel heap: the
// heap allocator calls Map while holding its own lock during growth.
package pagetables

import (
	"fmt"

	"objos.dev/objos/pkg/memarch"
)

// MappingFlags are arch-independent attributes of a mapping.
type MappingFlags uint32

const (
	// MappingFlagGlobal marks a mapping as shared across all address
	// spaces (kernel mappings survive context switches).
	MappingFlagGlobal MappingFlags = 1 << iota

	// MappingFlagUser makes a mapping reachable from user mode.
	MappingFlagUser
)

// MappingCursor addresses a virtual range to operate on.
type MappingCursor struct {
	start memarch.VirtAddr
	len   uintptr
}

// NewMappingCursor returns a cursor over [start, start+len).
func NewMappingCursor(start memarch.VirtAddr, len uintptr) MappingCursor {
	return MappingCursor{start: start, len: len}
}

// Start returns the first address covered by the cursor.
func (c MappingCursor) Start() memarch.VirtAddr {
	return c.start
}

// Len returns the length of the covered range.
func (c MappingCursor) Len() uintptr {
	return c.len
}

// String implements fmt.Stringer.String.
func (c MappingCursor) String() string {
	return fmt.Sprintf("[%s, %#x)", c.start, uintptr(c.start)+c.len)
}

// MappingSettings are the attributes applied to a mapped range.
type MappingSettings struct {
	// Perms are the access rights of the mapping.
	Perms memarch.Protections

	// Cache is the cache policy of the mapping.
	Cache memarch.CacheType

	// Flags are additional mapping attributes.
	Flags MappingFlags
}

// Mapping describes one existing mapping, as reported by ReadMap.
type Mapping struct {
	// Addr is the first virtual address of the mapping.
	Addr memarch.VirtAddr

	// Phys is the physical address backing Addr.
	Phys memarch.PhysAddr

	// Len is the length of the mapping in bytes.
	Len uintptr

	// Settings are the mapping's attributes.
	Settings MappingSettings
}

// PhysAddrProvider produces the physical memory for a mapping operation.
type PhysAddrProvider interface {
	// Peek returns the next physical address and the number of contiguous
	// bytes available at it. Peek does not advance the provider.
	Peek() (memarch.PhysAddr, uintptr)

	// Consume records that len bytes from the last Peek were mapped.
	Consume(len uintptr)
}

// Mapper is the architecture page-table interface. Every operation is
// synchronous and idempotent per call.
type Mapper interface {
	// Map establishes mappings for the cursor's range, pulling physical
	// memory from phys. Existing entries in the range are replaced.
	Map(cursor MappingCursor, phys PhysAddrProvider, settings MappingSettings)

	// Unmap removes any mappings in the cursor's range.
	Unmap(cursor MappingCursor)

	// Change applies settings to existing mappings in the cursor's range,
	// leaving unmapped pages unmapped.
	Change(cursor MappingCursor, settings MappingSettings)

	// ReadMap returns the existing mappings in the cursor's range,
	// coalesced: adjacent pages with contiguous physical backing and
	// identical settings are reported as one Mapping.
	ReadMap(cursor MappingCursor) []Mapping

	// SwitchTo activates these tables on the current execution unit.
	SwitchTo()
}
