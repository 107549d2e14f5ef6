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

// Package paging describes the x86 guest paging geometries understood by the
// shadow engine: 2-level (32-bit non-PAE), 3-level (PAE) and 4-level (long
// mode) page tables, together with the entry encoding for each.
//
// A Geometry is pure data: the number of levels, the entry width, and the
// per-level shift and fan-out. The propagation algorithm is written once
// against this data rather than duplicated per paging mode.
package paging

import "fmt"

// Page size constants, shared by every geometry. x86 uses 4KiB base pages
// regardless of guest paging depth.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Gfn is a guest physical frame number.
type Gfn uint64

// Mfn is a host machine frame number.
type Mfn uint64

// Addr returns the byte address of the first byte of the frame.
func (g Gfn) Addr() uint64 { return uint64(g) << PageShift }

// Addr returns the byte address of the first byte of the frame.
func (m Mfn) Addr() uint64 { return uint64(m) << PageShift }

// level describes a single paging level.
type level struct {
	// shift is the position of the least significant virtual address bit
	// translated by this level.
	shift uint

	// entries is the table fan-out at this level.
	entries int

	// super is true if entries at this level may map a superpage
	// directly (PS bit honored).
	super bool
}

// Geometry describes one guest paging mode. Levels are numbered from 1 (the
// leaf page table) up to Levels (the root).
type Geometry struct {
	// Levels is the paging depth: 2, 3 or 4.
	Levels int

	// EntryBytes is the width of one table entry: 4 or 8.
	EntryBytes int

	// addrMask selects the physical address bits of an entry.
	addrMask uint64

	// vaBits is the number of translated virtual address bits.
	vaBits uint

	levels [5]level // indexed 1..Levels
}

// Predefined guest geometries.
var (
	// GL2 is 32-bit two-level paging: 1024 4-byte entries per table,
	// 4MiB superpages at the page directory.
	GL2 = &Geometry{
		Levels:     2,
		EntryBytes: 4,
		addrMask:   0xfffff000,
		vaBits:     32,
		levels: [5]level{
			1: {shift: 12, entries: 1024},
			2: {shift: 22, entries: 1024, super: true},
		},
	}

	// GL3 is PAE three-level paging: 512 8-byte entries at L1/L2, a
	// 4-entry page-directory-pointer table on top, 2MiB superpages.
	GL3 = &Geometry{
		Levels:     3,
		EntryBytes: 8,
		addrMask:   0x000ffffffffff000,
		vaBits:     32,
		levels: [5]level{
			1: {shift: 12, entries: 512},
			2: {shift: 21, entries: 512, super: true},
			3: {shift: 30, entries: 4},
		},
	}

	// GL4 is four-level long-mode paging: 512 8-byte entries per table,
	// 2MiB and 1GiB superpages.
	GL4 = &Geometry{
		Levels:     4,
		EntryBytes: 8,
		addrMask:   0x000ffffffffff000,
		vaBits:     48,
		levels: [5]level{
			1: {shift: 12, entries: 512},
			2: {shift: 21, entries: 512, super: true},
			3: {shift: 30, entries: 512, super: true},
			4: {shift: 39, entries: 512},
		},
	}
)

// ByLevels returns the geometry for the given paging depth.
func ByLevels(n int) (*Geometry, bool) {
	switch n {
	case 2:
		return GL2, true
	case 3:
		return GL3, true
	case 4:
		return GL4, true
	}
	return nil, false
}

// Shift returns the virtual address shift of the given level.
func (g *Geometry) Shift(lvl int) uint {
	g.check(lvl)
	return g.levels[lvl].shift
}

// Entries returns the table fan-out at the given level.
func (g *Geometry) Entries(lvl int) int {
	g.check(lvl)
	return g.levels[lvl].entries
}

// Super returns true if the given level supports superpage mappings.
func (g *Geometry) Super(lvl int) bool {
	g.check(lvl)
	return g.levels[lvl].super
}

// Index extracts the table index for va at the given level.
func (g *Geometry) Index(va uint64, lvl int) int {
	g.check(lvl)
	l := g.levels[lvl]
	return int((va >> l.shift) & uint64(l.entries-1))
}

// EntrySpan returns the number of bytes of virtual address space translated
// by a single entry at the given level.
func (g *Geometry) EntrySpan(lvl int) uint64 {
	g.check(lvl)
	return 1 << g.levels[lvl].shift
}

// MaxVA returns one past the highest translatable virtual address. For GL4
// the value spans the non-canonical hole; use Canonical to reject addresses
// inside it.
func (g *Geometry) MaxVA() uint64 {
	if g.vaBits >= 64 {
		return ^uint64(0)
	}
	return 1 << g.vaBits
}

// Canonical reports whether va is a valid guest virtual address for this
// geometry. Four-level guests sign-extend bit 47; two- and three-level
// guests translate a flat 32-bit space.
func (g *Geometry) Canonical(va uint64) bool {
	if g.Levels < 4 {
		return va < g.MaxVA()
	}
	const lowerTop = uint64(0x0000800000000000)
	const upperBottom = uint64(0xffff800000000000)
	return va < lowerTop || va >= upperBottom
}

func (g *Geometry) check(lvl int) {
	if lvl < 1 || lvl > g.Levels {
		panic(fmt.Sprintf("paging: level %d out of range for %d-level geometry", lvl, g.Levels))
	}
}
