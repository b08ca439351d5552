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

	"github.com/google/btree"

	"objos.dev/objos/pkg/abi"
	"objos.dev/objos/pkg/idcounter"
	"objos.dev/objos/pkg/memarch"
	"objos.dev/objos/pkg/memory/object"
	"objos.dev/objos/pkg/memory/pagetables"
	"objos.dev/objos/pkg/sync"
)

// contextIDs names contexts for the life of the process.
var contextIDs idcounter.Counter

// VirtContext is a memory context: one address space plus the table of slot
// bindings that populate it.
type VirtContext struct {
	arch pagetables.Mapper

	// upcallMu protects upcallTarget/upcallOK.
	upcallMu     sync.Mutex
	upcallTarget memarch.VirtAddr
	upcallOK     bool

	// slotsMu guards slots. See the package doc for lock order.
	slotsMu sync.Mutex
	slots   slotMgr

	id       idcounter.Id
	released sync.Once
}

func newVirtContext(arch pagetables.Mapper) *VirtContext {
	return &VirtContext{
		arch:  arch,
		slots: newSlotMgr(),
		id:    contextIDs.Next(),
	}
}

// NewVirtContext returns a new context for userspace.
func NewVirtContext() *VirtContext {
	return newVirtContext(pagetables.New())
}

// NewKernelContext returns a new context for the kernel.
func NewKernelContext() *VirtContext {
	return newVirtContext(pagetables.New())
}

// ID returns the context's stable identifier.
func (c *VirtContext) ID() uint64 {
	return c.id.Value()
}

// idMapLen is the amount of low memory identity-mapped for secondary CPU
// bring-up.
const idMapLen = 0x100000000 // 4GB

// InitKernelContext prepares c to be the kernel context: it clones the
// kernel mappings from the bootstrap tables and identity-maps low memory.
// Some systems need the identity map to boot secondary CPUs; PrepSMP clears
// it again.
func (c *VirtContext) InitKernelContext() {
	proto := pagetables.Current()
	if proto == nil {
		panic("no bootstrap page tables to clone the kernel context from")
	}
	zero := uintptr(0)
	kernelLen := zero - uintptr(memarch.KernelMemoryStart)
	for _, m := range proto.ReadMap(pagetables.NewMappingCursor(memarch.KernelMemoryStart, kernelLen)) {
		settings := m.Settings
		settings.Flags |= pagetables.MappingFlagGlobal
		c.arch.Map(pagetables.NewMappingCursor(m.Addr, m.Len),
			pagetables.NewContiguousProvider(m.Phys, m.Len), settings)
	}

	// The identity map skips the null page.
	c.arch.Map(pagetables.NewMappingCursor(memarch.PageSize, idMapLen),
		pagetables.NewContiguousProvider(memarch.PageSize, idMapLen),
		pagetables.MappingSettings{
			Perms: memarch.ProtRead | memarch.ProtWrite | memarch.ProtExec,
			Cache: memarch.CacheWriteBack,
		})
}

// PrepSMP removes the user half of the address space, including the boot
// identity map, before secondary CPUs start scheduling.
func (c *VirtContext) PrepSMP() {
	c.arch.Unmap(pagetables.NewMappingCursor(memarch.UserMemoryStart,
		uintptr(memarch.UserMemoryEnd-memarch.UserMemoryStart)))
}

// SetUpcall sets the user fault-entry address. Last writer wins.
func (c *VirtContext) SetUpcall(target memarch.VirtAddr) {
	c.upcallMu.Lock()
	defer c.upcallMu.Unlock()
	c.upcallTarget = target
	c.upcallOK = true
}

// GetUpcall returns the user fault-entry address, if set.
func (c *VirtContext) GetUpcall() (memarch.VirtAddr, bool) {
	c.upcallMu.Lock()
	defer c.upcallMu.Unlock()
	return c.upcallTarget, c.upcallOK
}

// SwitchTo activates c's address space on the current execution unit. Safe
// to call from multiple units concurrently; it only reads the arch handle.
func (c *VirtContext) SwitchTo() {
	c.arch.SwitchTo()
	currentContext.Store(c)
}

// InsertObject binds info into slot. Binding an already-bound slot with an
// identical binding succeeds without duplicating state; a conflicting
// binding fails with ErrSlotOccupied and leaves the table unchanged.
func (c *VirtContext) InsertObject(slot Slot, info ObjectContextInfo) error {
	nb := &slotBinding{
		obj:   info.obj,
		slot:  slot,
		prot:  info.prot,
		cache: info.cache,
	}
	// Register the back-reference before taking the table lock; the
	// object must know about us by the time the binding is visible.
	info.obj.AddContext(c)
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	if existing, ok := c.slots.get(slot); ok {
		if !existing.equal(nb) {
			// Keep the back-reference only if another slot still
			// binds this object; otherwise the registration above
			// must be unwound or the object would invalidate into
			// a context that no longer maps it.
			if len(c.slots.objToSlots(info.obj.ID())) == 0 {
				info.obj.RemoveContext(c.ID())
			}
			return ErrSlotOccupied
		}
		return nil
	}
	c.slots.insert(slot, info.obj.ID(), nb)
	return nil
}

// LookupObject returns the binding attributes of slot, if bound. Read-only.
func (c *VirtContext) LookupObject(slot Slot) (ObjectContextInfo, bool) {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	b, ok := c.slots.get(slot)
	if !ok {
		return ObjectContextInfo{}, false
	}
	return b.contextInfo(), true
}

// RemoveObject unbinds slot. When the last slot binding an object goes
// away, the object's back-reference to this context is dropped with it.
// No-op if the slot is unbound.
func (c *VirtContext) RemoveObject(slot Slot) {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	b, ok := c.slots.remove(slot)
	if !ok {
		return
	}
	if len(c.slots.objToSlots(b.obj.ID())) == 0 {
		b.obj.RemoveContext(c.ID())
	}
}

// InvalidateObject applies mode to every mapping of obj's page range r in
// this context. Each affected slot is updated independently.
func (c *VirtContext) InvalidateObject(obj abi.ObjID, r object.PageRange, mode object.InvalidateMode) {
	start := r.Start.ByteOffset()
	length := r.End.ByteOffset() - start
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	for _, s := range c.slots.objToSlots(obj) {
		b, ok := c.slots.get(s)
		if !ok {
			panic(fmt.Sprintf("slot table secondary index names unbound %s", s))
		}
		switch mode {
		case object.InvalidateFull:
			c.arch.Unmap(b.mappingCursor(start, length))
		case object.InvalidateWriteProtect:
			c.arch.Change(b.mappingCursor(start, length), b.mappingSettings(true))
		}
	}
}

// Release tears the context down: every still-bound object drops its
// back-reference to this context, and the context's identifier is returned
// for reuse. Runs at most once; later calls are no-ops.
func (c *VirtContext) Release() {
	c.released.Do(func() {
		c.slotsMu.Lock()
		id := c.ID()
		c.slots.objs.Ascend(func(e objEntry) bool {
			if b, ok := c.slots.get(e.slots[0]); ok {
				b.obj.RemoveContext(id)
			}
			return true
		})
		c.slots = newSlotMgr()
		c.slotsMu.Unlock()
		c.id.Release()
	})
}

// slotBinding records the binding of one slot. Immutable once inserted; a
// rebind is a remove followed by an insert.
type slotBinding struct {
	obj   *object.Object
	slot  Slot
	prot  memarch.Protections
	cache memarch.CacheType
}

func (b *slotBinding) equal(o *slotBinding) bool {
	return b.obj == o.obj && b.slot == o.slot && b.prot == o.prot && b.cache == o.cache
}

func (b *slotBinding) contextInfo() ObjectContextInfo {
	return ObjectContextInfo{obj: b.obj, prot: b.prot, cache: b.cache}
}

// mappingCursor returns a cursor over len bytes starting at the given byte
// offset within the slot.
func (b *slotBinding) mappingCursor(start, len uintptr) pagetables.MappingCursor {
	base, ok := b.slot.Base().Offset(start)
	if !ok {
		panic(fmt.Sprintf("offset %#x escapes %s", start, b.slot))
	}
	return pagetables.NewMappingCursor(base, len)
}

// mappingSettings returns the settings for mapping this binding,
// write-protected if wp.
func (b *slotBinding) mappingSettings(wp bool) pagetables.MappingSettings {
	prot := b.prot
	if wp {
		prot &^= memarch.ProtWrite
	}
	return pagetables.MappingSettings{
		Perms: prot,
		Cache: b.cache,
		Flags: pagetables.MappingFlagUser,
	}
}

// physProvider returns a provider serving exactly page's frame.
func (b *slotBinding) physProvider(page *object.Page) pagetables.PhysAddrProvider {
	return pagetables.NewContiguousProvider(page.PhysAddr(), memarch.PageSize)
}

// slotMgr is the slot table: a unique map from slot to binding and a
// secondary index from object ID to the slots bound to it. The two mutate
// only together, under the owning context's slotsMu.
type slotMgr struct {
	slots *btree.BTreeG[slotEntry]
	objs  *btree.BTreeG[objEntry]
}

type slotEntry struct {
	slot    Slot
	binding *slotBinding
}

type objEntry struct {
	id    abi.ObjID
	slots []Slot
}

func newSlotMgr() slotMgr {
	return slotMgr{
		slots: btree.NewG[slotEntry](16, func(a, b slotEntry) bool { return a.slot < b.slot }),
		objs:  btree.NewG[objEntry](16, func(a, b objEntry) bool { return a.id < b.id }),
	}
}

func (m *slotMgr) get(slot Slot) (*slotBinding, bool) {
	e, ok := m.slots.Get(slotEntry{slot: slot})
	if !ok {
		return nil, false
	}
	return e.binding, true
}

func (m *slotMgr) insert(slot Slot, id abi.ObjID, b *slotBinding) {
	m.slots.ReplaceOrInsert(slotEntry{slot: slot, binding: b})
	e, _ := m.objs.Get(objEntry{id: id})
	e.id = id
	e.slots = append(e.slots, slot)
	m.objs.ReplaceOrInsert(e)
}

func (m *slotMgr) remove(slot Slot) (*slotBinding, bool) {
	e, ok := m.slots.Delete(slotEntry{slot: slot})
	if !ok {
		return nil, false
	}
	id := e.binding.obj.ID()
	if oe, ok := m.objs.Get(objEntry{id: id}); ok {
		for i, s := range oe.slots {
			if s == slot {
				oe.slots = append(oe.slots[:i], oe.slots[i+1:]...)
				break
			}
		}
		if len(oe.slots) == 0 {
			m.objs.Delete(oe)
		} else {
			m.objs.ReplaceOrInsert(oe)
		}
	}
	return e.binding, true
}

func (m *slotMgr) objToSlots(id abi.ObjID) []Slot {
	e, ok := m.objs.Get(objEntry{id: id})
	if !ok {
		return nil
	}
	return e.slots
}
