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

package pagetables

import (
	"fmt"

	"objos.dev/objos/pkg/memarch"
	"objos.dev/objos/pkg/memory/frame"
)

// ContiguousProvider provides physical memory from a single contiguous run.
type ContiguousProvider struct {
	next      memarch.PhysAddr
	remaining uintptr
}

// NewContiguousProvider returns a provider over [start, start+len).
func NewContiguousProvider(start memarch.PhysAddr, len uintptr) *ContiguousProvider {
	return &ContiguousProvider{next: start, remaining: len}
}

// Peek implements PhysAddrProvider.Peek.
func (p *ContiguousProvider) Peek() (memarch.PhysAddr, uintptr) {
	return p.next, p.remaining
}

// Consume implements PhysAddrProvider.Consume.
func (p *ContiguousProvider) Consume(len uintptr) {
	if len > p.remaining {
		panic(fmt.Sprintf("consumed %#x bytes of a %#x byte run", len, p.remaining))
	}
	p.next += memarch.PhysAddr(len)
	p.remaining -= len
}

// ZeroPageProvider provides freshly zeroed frames, one page at a time. The
// zero value draws from the default frame pool.
type ZeroPageProvider struct {
	// Pool overrides the frame source if non-nil.
	Pool *frame.Pool

	cur *frame.Frame
}

// Peek implements PhysAddrProvider.Peek.
func (p *ZeroPageProvider) Peek() (memarch.PhysAddr, uintptr) {
	if p.cur == nil {
		f, err := p.allocate()
		if err != nil {
			// Frame exhaustion here means the machine is out of
			// memory; mapping paths have no way to report it.
			panic(fmt.Sprintf("out of frames for zero page: %v", err))
		}
		p.cur = f
	}
	return p.cur.PhysAddr(), memarch.PageSize
}

// Consume implements PhysAddrProvider.Consume.
func (p *ZeroPageProvider) Consume(uintptr) {
	p.cur = nil
}

func (p *ZeroPageProvider) allocate() (*frame.Frame, error) {
	if p.Pool != nil {
		return p.Pool.Allocate()
	}
	return frame.Allocate()
}
