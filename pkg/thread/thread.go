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

// Package thread provides the execution-unit registry and upcall delivery
// transport consumed by the memory subsystem.
//
// Scheduling and thread lifecycle live elsewhere; this package only knows
// which thread is current on the invoking execution unit and how to queue a
// notification for it.
package thread

import (
	"sync/atomic"

	"objos.dev/objos/pkg/abi"
	"objos.dev/objos/pkg/idcounter"
	"objos.dev/objos/pkg/sync"
)

var threadIDs idcounter.Counter

// Thread represents one schedulable execution unit.
type Thread struct {
	id idcounter.Id

	// mu protects upcalls.
	mu sync.Mutex

	// upcalls is the queue of notifications not yet consumed by the
	// thread's resumption path, oldest first.
	upcalls []abi.UpcallInfo
}

// New returns a new thread.
func New() *Thread {
	return &Thread{id: threadIDs.Next()}
}

// ID returns the thread's stable identifier.
func (t *Thread) ID() uint64 {
	return t.id.Value()
}

// SendUpcall queues info for delivery to t. It never blocks; consumption is
// the thread's problem.
func (t *Thread) SendUpcall(info abi.UpcallInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upcalls = append(t.upcalls, info)
}

// PendingUpcalls drains and returns the queued notifications in delivery
// order.
func (t *Thread) PendingUpcalls() []abi.UpcallInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.upcalls
	t.upcalls = nil
	return u
}

// current is the thread running on this execution unit. A real kernel keeps
// this in a per-CPU slot; a single pointer serves the same contract here.
var current atomic.Pointer[Thread]

// Current returns the current thread, or nil outside any thread context.
func Current() *Thread {
	return current.Load()
}

// SetCurrent installs t as the current thread.
func SetCurrent(t *Thread) {
	current.Store(t)
}
