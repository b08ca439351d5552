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

package abi

import (
	"fmt"

	"objos.dev/objos/pkg/memarch"
)

// UpcallInfo is a notification delivered asynchronously to a faulting
// thread. The kernel hands it to the thread subsystem and does not wait;
// resumption policy belongs to the thread and userspace.
type UpcallInfo interface {
	fmt.Stringer

	// isUpcallInfo restricts implementations to this package.
	isUpcallInfo()
}

// MemoryContextViolationInfo reports an access that the current memory
// context cannot express at all: a user access to a kernel address, an
// address with no slot, or a slot with no binding.
type MemoryContextViolationInfo struct {
	// Address is the faulting virtual address.
	Address memarch.VirtAddr

	// Access is the kind of access that faulted.
	Access memarch.AccessType
}

func (MemoryContextViolationInfo) isUpcallInfo() {}

// String implements fmt.Stringer.String.
func (i MemoryContextViolationInfo) String() string {
	return fmt.Sprintf("memory context violation: %s access at %s", i.Access, i.Address)
}

// ObjectMemoryError classifies a fault within a bound object.
type ObjectMemoryError interface {
	fmt.Stringer

	isObjectMemoryError()
}

// NullPageAccess reports an access to an object's reserved zero page.
type NullPageAccess struct{}

func (NullPageAccess) isObjectMemoryError() {}

// String implements fmt.Stringer.String.
func (NullPageAccess) String() string { return "null page access" }

// OutOfBounds reports an access at or beyond the maximum object size.
type OutOfBounds struct {
	// Offset is the faulting byte offset within the slot.
	Offset uintptr
}

func (OutOfBounds) isObjectMemoryError() {}

// String implements fmt.Stringer.String.
func (e OutOfBounds) String() string {
	return fmt.Sprintf("out of bounds at offset %#x", e.Offset)
}

// ObjectMemoryFaultInfo reports a fault within a bound object that the
// kernel will not resolve by materializing a page.
type ObjectMemoryFaultInfo struct {
	// Object is the object bound at the faulting slot.
	Object ObjID

	// Error classifies the fault.
	Error ObjectMemoryError

	// Access is the kind of access that faulted.
	Access memarch.AccessType
}

func (ObjectMemoryFaultInfo) isUpcallInfo() {}

// String implements fmt.Stringer.String.
func (i ObjectMemoryFaultInfo) String() string {
	return fmt.Sprintf("object memory fault: %s in %s (%s access)", i.Error, i.Object, i.Access)
}
