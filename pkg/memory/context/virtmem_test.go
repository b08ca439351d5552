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
	"errors"
	"testing"

	"objos.dev/objos/pkg/memarch"
	"objos.dev/objos/pkg/memory/object"
	"objos.dev/objos/pkg/memory/pagetables"
)

// testTables returns the context's mapper as the software tables it was
// created with.
func testTables(c *VirtContext) *pagetables.Tables {
	return c.arch.(*pagetables.Tables)
}

func mustSlot(t *testing.T, i int) Slot {
	t.Helper()
	s, ok := SlotForIndex(i)
	if !ok {
		t.Fatalf("SlotForIndex(%d) failed", i)
	}
	return s
}

func TestInsertLookup(t *testing.T) {
	c := NewVirtContext()
	defer c.Release()
	obj := object.New()
	s := mustSlot(t, 1)
	info := NewObjectContextInfo(obj, memarch.ProtRW, memarch.CacheWriteBack)

	if err := c.InsertObject(s, info); err != nil {
		t.Fatalf("InsertObject got err %v, want nil", err)
	}
	got, ok := c.LookupObject(s)
	if !ok {
		t.Fatalf("LookupObject found nothing")
	}
	if got.Object() != obj || got.Prot() != memarch.ProtRW || got.Cache() != memarch.CacheWriteBack {
		t.Errorf("LookupObject got {%v %v %v}, want {%v %v %v}",
			got.Object().ID(), got.Prot(), got.Cache(), obj.ID(), memarch.ProtRW, memarch.CacheWriteBack)
	}
	if obj.ContextCount() != 1 {
		t.Errorf("object has %d context back-references, want 1", obj.ContextCount())
	}
}

func TestInsertIdempotent(t *testing.T) {
	c := NewVirtContext()
	defer c.Release()
	obj := object.New()
	s := mustSlot(t, 1)
	info := NewObjectContextInfo(obj, memarch.ProtRead, memarch.CacheWriteBack)

	if err := c.InsertObject(s, info); err != nil {
		t.Fatalf("first InsertObject got err %v, want nil", err)
	}
	if err := c.InsertObject(s, info); err != nil {
		t.Fatalf("identical re-insert got err %v, want nil", err)
	}
	if got := len(c.slots.objToSlots(obj.ID())); got != 1 {
		t.Errorf("secondary index lists %d slots, want 1", got)
	}
}

func TestInsertOccupied(t *testing.T) {
	c := NewVirtContext()
	defer c.Release()
	objA := object.New()
	objB := object.New()
	s := mustSlot(t, 2)

	if err := c.InsertObject(s, NewObjectContextInfo(objA, memarch.ProtRW, memarch.CacheWriteBack)); err != nil {
		t.Fatalf("InsertObject got err %v, want nil", err)
	}
	err := c.InsertObject(s, NewObjectContextInfo(objB, memarch.ProtRW, memarch.CacheWriteBack))
	if !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("conflicting InsertObject got err %v, want ErrSlotOccupied", err)
	}
	// Same object, different attributes conflicts too.
	err = c.InsertObject(s, NewObjectContextInfo(objA, memarch.ProtRead, memarch.CacheWriteBack))
	if !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("attribute-conflicting InsertObject got err %v, want ErrSlotOccupied", err)
	}

	// The original binding is untouched.
	got, ok := c.LookupObject(s)
	if !ok || got.Object() != objA || got.Prot() != memarch.ProtRW {
		t.Errorf("binding changed by failed insert: got (%+v, %v)", got, ok)
	}
	// The failed insert must not leave a stray back-reference.
	if objB.ContextCount() != 0 {
		t.Errorf("losing object has %d back-references, want 0", objB.ContextCount())
	}
	if objA.ContextCount() != 1 {
		t.Errorf("bound object has %d back-references, want 1", objA.ContextCount())
	}
}

func TestInsertOccupiedKeepsExistingBackRef(t *testing.T) {
	c := NewVirtContext()
	defer c.Release()
	obj := object.New()
	other := object.New()
	s1, s2 := mustSlot(t, 1), mustSlot(t, 2)

	if err := c.InsertObject(s1, NewObjectContextInfo(obj, memarch.ProtRW, memarch.CacheWriteBack)); err != nil {
		t.Fatalf("InsertObject got err %v, want nil", err)
	}
	if err := c.InsertObject(s2, NewObjectContextInfo(other, memarch.ProtRW, memarch.CacheWriteBack)); err != nil {
		t.Fatalf("InsertObject got err %v, want nil", err)
	}
	// obj already bound at s1; a failed insert at s2 must not tear down
	// its live back-reference.
	if err := c.InsertObject(s2, NewObjectContextInfo(obj, memarch.ProtRW, memarch.CacheWriteBack)); !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("conflicting InsertObject got err %v, want ErrSlotOccupied", err)
	}
	if obj.ContextCount() != 1 {
		t.Errorf("object has %d back-references, want 1", obj.ContextCount())
	}
}

func TestRemove(t *testing.T) {
	c := NewVirtContext()
	defer c.Release()
	obj := object.New()
	s := mustSlot(t, 3)

	if err := c.InsertObject(s, NewObjectContextInfo(obj, memarch.ProtRW, memarch.CacheWriteBack)); err != nil {
		t.Fatalf("InsertObject got err %v, want nil", err)
	}
	c.RemoveObject(s)
	if _, ok := c.LookupObject(s); ok {
		t.Errorf("LookupObject found a removed binding")
	}
	if got := c.slots.objToSlots(obj.ID()); len(got) != 0 {
		t.Errorf("secondary index still lists %v after remove", got)
	}
	if obj.ContextCount() != 0 {
		t.Errorf("object has %d back-references after remove, want 0", obj.ContextCount())
	}
	// Removing again is a no-op.
	c.RemoveObject(s)
}

func TestRemoveKeepsBackRefWhileOtherSlotBound(t *testing.T) {
	c := NewVirtContext()
	defer c.Release()
	obj := object.New()
	s1, s2 := mustSlot(t, 1), mustSlot(t, 2)
	info := NewObjectContextInfo(obj, memarch.ProtRW, memarch.CacheWriteBack)

	for _, s := range []Slot{s1, s2} {
		if err := c.InsertObject(s, info); err != nil {
			t.Fatalf("InsertObject(%v) got err %v, want nil", s, err)
		}
	}
	c.RemoveObject(s1)
	if obj.ContextCount() != 1 {
		t.Errorf("object lost its back-reference while still bound at %v", s2)
	}
	c.RemoveObject(s2)
	if obj.ContextCount() != 0 {
		t.Errorf("object keeps a back-reference with no bindings left")
	}
}

func TestInvalidateFanOut(t *testing.T) {
	c := NewVirtContext()
	defer c.Release()
	obj := object.New()
	s1, s2 := mustSlot(t, 1), mustSlot(t, 2)
	info := NewObjectContextInfo(obj, memarch.ProtRW, memarch.CacheWriteBack)
	for _, s := range []Slot{s1, s2} {
		if err := c.InsertObject(s, info); err != nil {
			t.Fatalf("InsertObject(%v) got err %v, want nil", s, err)
		}
	}

	// Hand-map page 1 of the object in both slots.
	pt := testTables(c)
	for _, s := range []Slot{s1, s2} {
		c.arch.Map(pagetables.NewMappingCursor(s.Base()+memarch.PageSize, memarch.PageSize),
			pagetables.NewContiguousProvider(0x200000, memarch.PageSize),
			pagetables.MappingSettings{Perms: memarch.ProtRW, Flags: pagetables.MappingFlagUser})
	}

	r := object.PageRange{Start: 1, End: 2}
	c.InvalidateObject(obj.ID(), r, object.InvalidateWriteProtect)
	for _, s := range []Slot{s1, s2} {
		_, settings, ok := pt.Lookup(s.Base() + memarch.PageSize)
		if !ok {
			t.Fatalf("WriteProtect unmapped %v", s)
		}
		if settings.Perms&memarch.ProtWrite != 0 {
			t.Errorf("%v still writable after WriteProtect", s)
		}
		if settings.Perms&memarch.ProtRead == 0 {
			t.Errorf("%v lost read access after WriteProtect", s)
		}
	}

	c.InvalidateObject(obj.ID(), r, object.InvalidateFull)
	for _, s := range []Slot{s1, s2} {
		if _, _, ok := pt.Lookup(s.Base() + memarch.PageSize); ok {
			t.Errorf("%v still mapped after Full invalidation", s)
		}
	}

	// Invalidating an unknown object touches nothing.
	c.InvalidateObject(object.New().ID(), r, object.InvalidateFull)
}

func TestObjectInvalidateRangeReachesContexts(t *testing.T) {
	c := NewVirtContext()
	defer c.Release()
	obj := object.New()
	s := mustSlot(t, 4)
	if err := c.InsertObject(s, NewObjectContextInfo(obj, memarch.ProtRW, memarch.CacheWriteBack)); err != nil {
		t.Fatalf("InsertObject got err %v, want nil", err)
	}
	c.arch.Map(pagetables.NewMappingCursor(s.Base()+memarch.PageSize, memarch.PageSize),
		pagetables.NewContiguousProvider(0x200000, memarch.PageSize),
		pagetables.MappingSettings{Perms: memarch.ProtRW, Flags: pagetables.MappingFlagUser})

	obj.InvalidateRange(object.PageRange{Start: 1, End: 2}, object.InvalidateFull)
	if _, _, ok := testTables(c).Lookup(s.Base() + memarch.PageSize); ok {
		t.Errorf("object-driven invalidation did not reach the context")
	}
}

func TestUpcallTarget(t *testing.T) {
	c := NewVirtContext()
	defer c.Release()
	if _, ok := c.GetUpcall(); ok {
		t.Errorf("GetUpcall on fresh context should be unset")
	}
	c.SetUpcall(0x7000)
	c.SetUpcall(0x8000)
	if got, ok := c.GetUpcall(); !ok || got != 0x8000 {
		t.Errorf("GetUpcall got (%v, %v), want (0x8000, true)", got, ok)
	}
}

func TestSwitchTo(t *testing.T) {
	old := CurrentMemoryContext()
	defer currentContext.Store(old)

	c := NewVirtContext()
	defer c.Release()
	c.SwitchTo()
	if got := CurrentMemoryContext(); got != c {
		t.Errorf("CurrentMemoryContext got %p, want %p", got, c)
	}
}

func TestReleaseDropsBackRefs(t *testing.T) {
	c := NewVirtContext()
	objs := []*object.Object{object.New(), object.New(), object.New()}
	for i, o := range objs {
		if err := c.InsertObject(mustSlot(t, i+1), NewObjectContextInfo(o, memarch.ProtRW, memarch.CacheWriteBack)); err != nil {
			t.Fatalf("InsertObject got err %v, want nil", err)
		}
	}
	// One object bound twice still counts once.
	if err := c.InsertObject(mustSlot(t, 10), NewObjectContextInfo(objs[0], memarch.ProtRW, memarch.CacheWriteBack)); err != nil {
		t.Fatalf("InsertObject got err %v, want nil", err)
	}

	c.Release()
	for i, o := range objs {
		if got := o.ContextCount(); got != 0 {
			t.Errorf("object %d has %d back-references after release, want 0", i, got)
		}
	}
	// Release is idempotent.
	c.Release()
}

func TestContextIDsDistinct(t *testing.T) {
	a := NewVirtContext()
	b := NewVirtContext()
	defer a.Release()
	defer b.Release()
	if a.ID() == b.ID() {
		t.Errorf("two live contexts share id %d", a.ID())
	}
}

func TestInitKernelContextClonesBootstrap(t *testing.T) {
	oldTables := pagetables.Current()
	defer func() {
		if oldTables != nil {
			oldTables.SwitchTo()
		}
	}()

	boot := pagetables.New()
	kernText := pagetables.NewMappingCursor(memarch.KernelMemoryStart, 4*memarch.PageSize)
	boot.Map(kernText, pagetables.NewContiguousProvider(0x100000, 4*memarch.PageSize),
		pagetables.MappingSettings{Perms: memarch.ProtRead | memarch.ProtExec, Cache: memarch.CacheWriteBack})
	boot.SwitchTo()

	c := NewKernelContext()
	defer c.Release()
	c.InitKernelContext()

	pt := testTables(c)
	pa, settings, ok := pt.Lookup(memarch.KernelMemoryStart)
	if !ok || pa != 0x100000 {
		t.Fatalf("kernel mapping not cloned: got (%v, %v)", pa, ok)
	}
	if settings.Flags&pagetables.MappingFlagGlobal == 0 {
		t.Errorf("cloned kernel mapping lacks the global flag: %+v", settings)
	}
	if settings.Perms != memarch.ProtRead|memarch.ProtExec {
		t.Errorf("cloned kernel mapping perms got %v, want %v", settings.Perms, memarch.ProtRead|memarch.ProtExec)
	}

	// The boot identity map covers low memory but not the null page.
	if _, _, ok := pt.Lookup(0); ok {
		t.Errorf("identity map covers the null page")
	}
	if pa, _, ok := pt.Lookup(memarch.PageSize); !ok || pa != memarch.PageSize {
		t.Errorf("identity map at first page got (%v, %v), want identity", pa, ok)
	}

	c.PrepSMP()
	if _, _, ok := pt.Lookup(memarch.PageSize); ok {
		t.Errorf("identity map survives PrepSMP")
	}
	if _, _, ok := pt.Lookup(memarch.KernelMemoryStart); !ok {
		t.Errorf("PrepSMP removed kernel mappings")
	}
}
