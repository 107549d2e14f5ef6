// Copyright 2026 The gVisor Authors.
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

package shadow

import (
	"unsafe"

	"gvisor.dev/shadow/pkg/paging"
)

// frameWords reinterprets one page of a mapped pool as entry words. The
// mapping is page-aligned, so the cast is always valid.
func frameWords(b []byte) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(unsafe.SliceData(b))), shadowEntries)
}

// mappingBase returns the host page frame number of a mapping. With a
// mapped pool, shadow frame numbers are the true host frame numbers of the
// backing pages.
func mappingBase(b []byte) paging.Mfn {
	return paging.Mfn(uintptr(unsafe.Pointer(unsafe.SliceData(b))) >> paging.PageShift)
}
