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

// Package idcounter provides stable unique identifier allocation.
//
// Identifiers are dense: released values are recycled before the counter
// advances, so long-running systems do not exhaust the namespace.
package idcounter

import (
	"objos.dev/objos/pkg/sync"
)

// Counter allocates identifiers. The zero value is ready to use.
type Counter struct {
	mu sync.Mutex

	// next is the lowest value never yet handed out.
	next uint64

	// free holds released values awaiting reuse.
	free []uint64
}

// Id is a stable identifier valid until released.
type Id struct {
	value uint64
	c     *Counter
}

// Next returns a fresh identifier, reusing a released one if available.
func (c *Counter) Next() Id {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.free); n > 0 {
		v := c.free[n-1]
		c.free = c.free[:n-1]
		return Id{value: v, c: c}
	}
	v := c.next
	c.next++
	return Id{value: v, c: c}
}

// Value returns the numeric value of the identifier.
func (id Id) Value() uint64 {
	return id.value
}

// Release returns the identifier to its counter for reuse. The caller must
// not use id afterwards.
func (id Id) Release() {
	if id.c == nil {
		return
	}
	id.c.mu.Lock()
	defer id.c.mu.Unlock()
	id.c.free = append(id.c.free, id.value)
}
