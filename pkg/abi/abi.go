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

// Package abi defines the types shared between the kernel and userspace:
// object identifiers and the upcall notifications delivered on faults.
package abi

import "fmt"

// ObjID identifies an object. Object identifiers are stable for the life of
// the object and never reused while any mapping of the object exists.
type ObjID uint64

// String implements fmt.Stringer.String.
func (id ObjID) String() string {
	return fmt.Sprintf("obj-%x", uint64(id))
}
