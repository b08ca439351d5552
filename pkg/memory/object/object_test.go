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

package object

import (
	"testing"

	"objos.dev/objos/pkg/abi"
	"objos.dev/objos/pkg/memarch"
)

func TestPageNumberFromAddr(t *testing.T) {
	for _, test := range []struct {
		addr memarch.VirtAddr
		want PageNumber
	}{
		{0, 0},
		{memarch.PageSize - 1, 0},
		{memarch.PageSize, 1},
		{memarch.MaxObjectSize - 1, memarch.MaxObjectSize/memarch.PageSize - 1},
		// The second slot starts over at page zero.
		{memarch.MaxObjectSize, 0},
		{memarch.MaxObjectSize + 5*memarch.PageSize, 5},
	} {
		if got := PageNumberFromAddr(test.addr); got != test.want {
			t.Errorf("PageNumberFromAddr(%v) got %d, want %d", test.addr, got, test.want)
		}
	}
}

func TestPageTreeAddGet(t *testing.T) {
	o := New()
	pt := o.LockPageTree()
	defer pt.Unlock()

	if _, _, ok := pt.GetPage(3, false); ok {
		t.Fatalf("GetPage on empty tree should miss")
	}

	p := NewPage()
	pt.AddPage(3, p)
	got, cow, ok := pt.GetPage(3, false)
	if !ok || got != p || cow {
		t.Errorf("GetPage(3) got (%p, %v, %v), want (%p, false, true)", got, cow, ok, p)
	}
	// Private pages stay writable regardless of intent.
	if _, cow, _ := pt.GetPage(3, true); cow {
		t.Errorf("private page reported cow=true")
	}
}

func TestCopyOnWrite(t *testing.T) {
	o := New()
	pt := o.LockPageTree()
	defer pt.Unlock()

	shared := NewPage()
	shared.Bytes()[0] = 0x5a
	pt.AddSharedPage(2, shared)

	// Read intent keeps the shared page and demands write protection.
	got, cow, ok := pt.GetPage(2, false)
	if !ok || got != shared || !cow {
		t.Fatalf("read-intent GetPage got (%p, %v, %v), want (%p, true, true)", got, cow, ok, shared)
	}

	// Write intent materializes a private copy carrying the contents.
	private, cow, ok := pt.GetPage(2, true)
	if !ok || cow {
		t.Fatalf("write-intent GetPage got (cow=%v, ok=%v), want (false, true)", cow, ok)
	}
	if private == shared {
		t.Fatalf("write-intent GetPage returned the shared page")
	}
	if private.Bytes()[0] != 0x5a {
		t.Errorf("private copy lost contents: got %#x, want 0x5a", private.Bytes()[0])
	}

	// The resolution sticks.
	again, cow, _ := pt.GetPage(2, false)
	if again != private || cow {
		t.Errorf("post-resolution GetPage got (%p, %v), want (%p, false)", again, cow, private)
	}
}

type recordingContext struct {
	id    uint64
	calls []PageRange
	modes []InvalidateMode
}

func (c *recordingContext) ID() uint64 { return c.id }

func (c *recordingContext) InvalidateObject(_ abi.ObjID, r PageRange, mode InvalidateMode) {
	c.calls = append(c.calls, r)
	c.modes = append(c.modes, mode)
}

func TestBackReferences(t *testing.T) {
	o := New()
	a := &recordingContext{id: 1}
	b := &recordingContext{id: 2}
	o.AddContext(a)
	o.AddContext(a) // idempotent
	o.AddContext(b)
	if got := o.ContextCount(); got != 2 {
		t.Fatalf("ContextCount got %d, want 2", got)
	}

	r := PageRange{Start: 1, End: 8}
	o.InvalidateRange(r, InvalidateWriteProtect)
	for _, c := range []*recordingContext{a, b} {
		if len(c.calls) != 1 || c.calls[0] != r || c.modes[0] != InvalidateWriteProtect {
			t.Errorf("context %d got calls %v modes %v, want one WriteProtect over %v", c.id, c.calls, c.modes, r)
		}
	}

	o.RemoveContext(a.id)
	o.InvalidateRange(r, InvalidateFull)
	if len(a.calls) != 1 {
		t.Errorf("removed context still notified: %v", a.calls)
	}
	if len(b.calls) != 2 {
		t.Errorf("remaining context not notified: %v", b.calls)
	}
	o.RemoveContext(a.id) // no-op
}

func TestObjectIDsDistinct(t *testing.T) {
	if New().ID() == New().ID() {
		t.Errorf("two objects share an ID")
	}
	if New().ID() == 0 {
		t.Errorf("object ID zero should stay invalid")
	}
}
