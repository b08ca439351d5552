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

package idcounter

import (
	"testing"

	"objos.dev/objos/pkg/sync"
)

func TestUnique(t *testing.T) {
	var c Counter
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		id := c.Next()
		if seen[id.Value()] {
			t.Fatalf("duplicate id %d", id.Value())
		}
		seen[id.Value()] = true
	}
}

func TestRecycle(t *testing.T) {
	var c Counter
	a := c.Next()
	b := c.Next()
	av := a.Value()
	a.Release()
	if got := c.Next(); got.Value() != av {
		t.Errorf("Next after Release got %d, want recycled %d", got.Value(), av)
	}
	if got := c.Next(); got.Value() == b.Value() {
		t.Errorf("Next returned live id %d", b.Value())
	}
}

func TestConcurrent(t *testing.T) {
	var c Counter
	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[uint64]bool)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := c.Next()
				mu.Lock()
				if seen[id.Value()] {
					t.Errorf("duplicate id %d", id.Value())
				}
				seen[id.Value()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
