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

package memarch

import "strings"

// Protections is the set of access rights carried by an object mapping.
type Protections uint8

const (
	// ProtRead allows read access.
	ProtRead Protections = 1 << iota

	// ProtWrite allows write access.
	ProtWrite

	// ProtExec allows execute access.
	ProtExec
)

// ProtRW is the common read-write protection set.
const ProtRW = ProtRead | ProtWrite

// Access converts p to the equivalent AccessType.
func (p Protections) Access() AccessType {
	return AccessType{
		Read:    p&ProtRead != 0,
		Write:   p&ProtWrite != 0,
		Execute: p&ProtExec != 0,
	}
}

// Allows returns true iff p permits an access of type at.
func (p Protections) Allows(at AccessType) bool {
	return p.Access().SupersetOf(at)
}

// String implements fmt.Stringer.String.
func (p Protections) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Protections
		s   string
	}{
		{ProtRead, "READ"},
		{ProtWrite, "WRITE"},
		{ProtExec, "EXEC"},
	} {
		if p&f.bit != 0 {
			if b.Len() > 0 {
				b.WriteByte('|')
			}
			b.WriteString(f.s)
		}
	}
	if b.Len() == 0 {
		return "NONE"
	}
	return b.String()
}

// CacheType specifies the cache behavior of a mapping.
type CacheType uint8

const (
	// CacheWriteBack is the default cache policy and must be the zero
	// value for CacheType.
	CacheWriteBack CacheType = iota

	// CacheWriteCombine allows writes to be buffered and combined.
	CacheWriteCombine

	// CacheUncached disables caching entirely.
	CacheUncached
)

// String implements fmt.Stringer.String.
func (c CacheType) String() string {
	switch c {
	case CacheWriteBack:
		return "WriteBack"
	case CacheWriteCombine:
		return "WriteCombine"
	case CacheUncached:
		return "Uncached"
	default:
		return "Unknown"
	}
}
