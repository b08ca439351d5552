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

// Package frame provides the physical page pool.
//
// Backing memory comes from the host via anonymous mmap, carved into
// page-size frames with synthesized physical addresses. Frames are never
// returned to the host; the physical address space only grows, which keeps
// every address ever handed out valid for the life of the process.
package frame

import (
	"fmt"

	"golang.org/x/sys/unix"

	"objos.dev/objos/pkg/memarch"
	"objos.dev/objos/pkg/sync"
)

// chunkSize is the granularity of host allocations.
const chunkSize = 4 << 20

// firstPhysAddr is the lowest synthesized physical address. Zero is kept
// invalid so that a zero PhysAddr is always a bug.
const firstPhysAddr memarch.PhysAddr = 0x100000

// Frame is one physical page.
type Frame struct {
	paddr memarch.PhysAddr
	data  []byte
}

// PhysAddr returns the frame's physical address.
func (f *Frame) PhysAddr() memarch.PhysAddr {
	return f.paddr
}

// Bytes returns the frame's backing memory.
func (f *Frame) Bytes() []byte {
	return f.data
}

// Zero clears the frame.
func (f *Frame) Zero() {
	clear(f.data)
}

// CopyFrom copies the contents of src into f.
func (f *Frame) CopyFrom(src *Frame) {
	copy(f.data, src.data)
}

// Pool hands out frames. The zero value is ready to use.
type Pool struct {
	mu sync.Mutex

	// cur is the unconsumed tail of the current host chunk.
	cur []byte

	// next is the next physical address to synthesize.
	next memarch.PhysAddr

	// frames maps physical addresses back to their frames.
	frames map[memarch.PhysAddr]*Frame
}

// Allocate returns a zeroed frame.
func (p *Pool) Allocate() (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cur) == 0 {
		b, err := unix.Mmap(-1, 0, chunkSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
		if err != nil {
			return nil, fmt.Errorf("mapping %d bytes of frame memory: %w", chunkSize, err)
		}
		p.cur = b
	}
	if p.next == 0 {
		p.next = firstPhysAddr
	}
	if p.frames == nil {
		p.frames = make(map[memarch.PhysAddr]*Frame)
	}
	f := &Frame{paddr: p.next, data: p.cur[:memarch.PageSize:memarch.PageSize]}
	p.cur = p.cur[memarch.PageSize:]
	p.next += memarch.PageSize
	p.frames[f.paddr] = f
	return f, nil
}

// Frame returns the frame containing paddr, or nil if paddr was never
// allocated from this pool.
func (p *Pool) Frame(paddr memarch.PhysAddr) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[paddr.RoundDown()]
}

// Allocated returns the number of frames handed out.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// defaultPool backs the package-level helpers.
var defaultPool Pool

// Allocate returns a zeroed frame from the default pool.
func Allocate() (*Frame, error) {
	return defaultPool.Allocate()
}

// Lookup returns the frame containing paddr from the default pool.
func Lookup(paddr memarch.PhysAddr) *Frame {
	return defaultPool.Frame(paddr)
}
