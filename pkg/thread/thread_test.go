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

package thread

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"objos.dev/objos/pkg/abi"
	"objos.dev/objos/pkg/memarch"
)

func TestUpcallDeliveryOrder(t *testing.T) {
	th := New()
	want := []abi.UpcallInfo{
		abi.MemoryContextViolationInfo{Address: 0x1000, Access: memarch.Read},
		abi.ObjectMemoryFaultInfo{Object: 7, Error: abi.NullPageAccess{}, Access: memarch.Write},
	}
	for _, u := range want {
		th.SendUpcall(u)
	}
	got := th.PendingUpcalls()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PendingUpcalls mismatch (-want +got):\n%s", diff)
	}
	if rest := th.PendingUpcalls(); len(rest) != 0 {
		t.Errorf("second drain got %v, want empty", rest)
	}
}

func TestCurrent(t *testing.T) {
	old := Current()
	defer SetCurrent(old)

	th := New()
	SetCurrent(th)
	if got := Current(); got != th {
		t.Errorf("Current got %p, want %p", got, th)
	}
}
