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

// Package context implements memory contexts for virtual memory systems:
// the slot table binding objects into an address space, the synchronous
// page-fault handler, and the kernel heap allocator.
//
// Lock order:
//
//	VirtContext.slotsMu
//	  Object page-tree lock (object.Object.LockPageTree)
//
// The fault path takes both in that order; nothing may take them in
// reverse. The kernel heap lock is independent and may be held across arch
// mapper calls during growth, which is why Mapper implementations must not
// allocate from the kernel heap.
package context

import (
	"errors"
	"sync/atomic"

	"objos.dev/objos/pkg/memarch"
	"objos.dev/objos/pkg/memory/object"
)

// ErrSlotOccupied is returned by InsertObject when the slot is already
// bound to a different object or with different attributes.
var ErrSlotOccupied = errors.New("slot is occupied by a different binding")

// ObjectContextInfo is a transient view of a slot binding's attributes. It
// is constructed on demand and never stored.
type ObjectContextInfo struct {
	obj   *object.Object
	prot  memarch.Protections
	cache memarch.CacheType
}

// NewObjectContextInfo returns an ObjectContextInfo for binding obj with the
// given protection and cache policy.
func NewObjectContextInfo(obj *object.Object, prot memarch.Protections, cache memarch.CacheType) ObjectContextInfo {
	return ObjectContextInfo{obj: obj, prot: prot, cache: cache}
}

// Object returns the bound object.
func (i ObjectContextInfo) Object() *object.Object {
	return i.obj
}

// Prot returns the binding's protection.
func (i ObjectContextInfo) Prot() memarch.Protections {
	return i.prot
}

// Cache returns the binding's cache policy.
func (i ObjectContextInfo) Cache() memarch.CacheType {
	return i.cache
}

// currentContext is the memory context active on this execution unit,
// installed by VirtContext.SwitchTo. A real kernel keeps this per CPU.
var currentContext atomic.Pointer[VirtContext]

// CurrentMemoryContext returns the active memory context, or nil before the
// first SwitchTo.
func CurrentMemoryContext() *VirtContext {
	return currentContext.Load()
}
