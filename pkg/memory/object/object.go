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

// Package object implements memory objects and their page trees.
//
// An object is a persistent unit of memory addressed through slots in memory
// contexts. The page tree maps page numbers to physical pages and owns
// copy-on-write policy: callers ask for a page with or without write intent
// and consume the tree's answer, never deciding copy policy themselves.
//
// Lock order: a context's slot-table lock precedes any page-tree lock. The
// back-reference set has its own leaf mutex and is never held across calls
// into a context.
package object

import (
	"fmt"
	"sync/atomic"

	"github.com/google/btree"

	"objos.dev/objos/pkg/abi"
	"objos.dev/objos/pkg/memarch"
	"objos.dev/objos/pkg/memory/frame"
	"objos.dev/objos/pkg/sync"
)

// PageNumber is an index of a page within an object. Page number zero is the
// reserved null page and is never backed.
type PageNumber uintptr

// PageNumberFromAddr returns the page number of the byte addressed by addr
// within its slot.
func PageNumberFromAddr(addr memarch.VirtAddr) PageNumber {
	return PageNumber((uintptr(addr) % memarch.MaxObjectSize) / memarch.PageSize)
}

// IsZero returns true iff pn is the reserved null page.
func (pn PageNumber) IsZero() bool {
	return pn == 0
}

// ByteOffset returns the byte offset of the first byte of pn.
func (pn PageNumber) ByteOffset() uintptr {
	return uintptr(pn) * memarch.PageSize
}

// PageRange is the range of page numbers [Start, End).
type PageRange struct {
	Start, End PageNumber
}

// Page is one object page backed by a physical frame.
type Page struct {
	frame *frame.Frame
}

// NewPage returns a freshly zeroed page.
func NewPage() *Page {
	f, err := frame.Allocate()
	if err != nil {
		// Running out of frames during page materialization is not
		// reportable to the faulting path.
		panic(fmt.Sprintf("out of frames for object page: %v", err))
	}
	return &Page{frame: f}
}

// PhysAddr returns the physical address of the page.
func (p *Page) PhysAddr() memarch.PhysAddr {
	return p.frame.PhysAddr()
}

// Bytes returns the page contents.
func (p *Page) Bytes() []byte {
	return p.frame.Bytes()
}

// InvalidateMode selects how a range invalidation is applied to mappings.
type InvalidateMode int

const (
	// InvalidateFull unmaps the range; the next access re-faults.
	InvalidateFull InvalidateMode = iota

	// InvalidateWriteProtect demotes the range to read-only, leaving read
	// access intact.
	InvalidateWriteProtect
)

// MemoryContext is the view of a memory context an object needs for
// invalidation fan-out.
type MemoryContext interface {
	// ID returns the context's stable identifier.
	ID() uint64

	// InvalidateObject applies mode to every mapping of the object's page
	// range r in the context.
	InvalidateObject(id abi.ObjID, r PageRange, mode InvalidateMode)
}

// pageEntry associates a page number with its page. shared marks the page as
// eligible for copy-on-write.
type pageEntry struct {
	pn     PageNumber
	page   *Page
	shared bool
}

func pageEntryLess(a, b pageEntry) bool {
	return a.pn < b.pn
}

// nextObjID generates object identifiers. Zero stays invalid.
var nextObjID atomic.Uint64

// Object is a persistent unit of memory.
type Object struct {
	id abi.ObjID

	// mu is the page-tree lock. It is acquired through LockPageTree and
	// nests inside any context's slot-table lock.
	mu    sync.Mutex
	pages *btree.BTreeG[pageEntry]

	// ctxMu protects contexts, the non-owning back-references used for
	// invalidation fan-out. Leaf lock.
	ctxMu    sync.Mutex
	contexts map[uint64]MemoryContext
}

// New returns a new empty object.
func New() *Object {
	return &Object{
		id:       abi.ObjID(nextObjID.Add(1)),
		pages:    btree.NewG[pageEntry](16, pageEntryLess),
		contexts: make(map[uint64]MemoryContext),
	}
}

// ID returns the object's identifier.
func (o *Object) ID() abi.ObjID {
	return o.id
}

// AddContext registers a back-reference to ctx so that invalidations reach
// it. Idempotent per context.
func (o *Object) AddContext(ctx MemoryContext) {
	o.ctxMu.Lock()
	defer o.ctxMu.Unlock()
	o.contexts[ctx.ID()] = ctx
}

// RemoveContext drops the back-reference to the context identified by id.
// No-op if absent.
func (o *Object) RemoveContext(id uint64) {
	o.ctxMu.Lock()
	defer o.ctxMu.Unlock()
	delete(o.contexts, id)
}

// ContextCount returns the number of registered back-references.
func (o *Object) ContextCount() int {
	o.ctxMu.Lock()
	defer o.ctxMu.Unlock()
	return len(o.contexts)
}

// InvalidateRange applies mode to every context currently mapping the
// object. Contexts are notified outside the back-reference lock; each
// context serializes against its own slot table.
func (o *Object) InvalidateRange(r PageRange, mode InvalidateMode) {
	o.ctxMu.Lock()
	ctxs := make([]MemoryContext, 0, len(o.contexts))
	for _, ctx := range o.contexts {
		ctxs = append(ctxs, ctx)
	}
	o.ctxMu.Unlock()
	for _, ctx := range ctxs {
		ctx.InvalidateObject(o.id, r, mode)
	}
}

// PageTree is a scoped exclusive view of an object's page tree, obtained
// from LockPageTree and held until Unlock.
type PageTree struct {
	o *Object
}

// LockPageTree acquires the page-tree lock and returns the exclusive view.
func (o *Object) LockPageTree() *PageTree {
	o.mu.Lock()
	return &PageTree{o: o}
}

// Unlock releases the page-tree lock. The view must not be used afterwards.
func (t *PageTree) Unlock() {
	o := t.o
	t.o = nil
	o.mu.Unlock()
}

// GetPage returns the page at pn and whether the resulting mapping must be
// write-protected for copy-on-write. With write intent, a shared page is
// resolved to a private copy before it is returned, so the reported cow flag
// is the final word on write eligibility.
func (t *PageTree) GetPage(pn PageNumber, writeIntent bool) (*Page, bool, bool) {
	e, ok := t.o.pages.Get(pageEntry{pn: pn})
	if !ok {
		return nil, false, false
	}
	if !e.shared {
		return e.page, false, true
	}
	if !writeIntent {
		return e.page, true, true
	}
	private := NewPage()
	private.frame.CopyFrom(e.page.frame)
	t.o.pages.ReplaceOrInsert(pageEntry{pn: pn, page: private})
	return private, false, true
}

// AddPage installs page at pn as a private page, replacing any existing
// entry.
func (t *PageTree) AddPage(pn PageNumber, page *Page) {
	t.o.pages.ReplaceOrInsert(pageEntry{pn: pn, page: page})
}

// AddSharedPage installs page at pn as a shared page subject to
// copy-on-write resolution.
func (t *PageTree) AddSharedPage(pn PageNumber, page *Page) {
	t.o.pages.ReplaceOrInsert(pageEntry{pn: pn, page: page, shared: true})
}
