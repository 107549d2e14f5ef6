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

package paging

import (
	"testing"
)

func TestGeometryShape(t *testing.T) {
	for _, test := range []struct {
		name    string
		g       *Geometry
		levels  int
		entries [5]int // indexed by level
		shifts  [5]uint
	}{
		{
			name:    "two-level",
			g:       GL2,
			levels:  2,
			entries: [5]int{1: 1024, 2: 1024},
			shifts:  [5]uint{1: 12, 2: 22},
		},
		{
			name:    "pae",
			g:       GL3,
			levels:  3,
			entries: [5]int{1: 512, 2: 512, 3: 4},
			shifts:  [5]uint{1: 12, 2: 21, 3: 30},
		},
		{
			name:    "four-level",
			g:       GL4,
			levels:  4,
			entries: [5]int{1: 512, 2: 512, 3: 512, 4: 512},
			shifts:  [5]uint{1: 12, 2: 21, 3: 30, 4: 39},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if test.g.Levels != test.levels {
				t.Errorf("Levels got %d, wanted %d", test.g.Levels, test.levels)
			}
			for lvl := 1; lvl <= test.levels; lvl++ {
				if got := test.g.Entries(lvl); got != test.entries[lvl] {
					t.Errorf("Entries(%d) got %d, wanted %d", lvl, got, test.entries[lvl])
				}
				if got := test.g.Shift(lvl); got != test.shifts[lvl] {
					t.Errorf("Shift(%d) got %d, wanted %d", lvl, got, test.shifts[lvl])
				}
			}
		})
	}
}

func TestGeometryIndex(t *testing.T) {
	for _, test := range []struct {
		name string
		g    *Geometry
		va   uint64
		lvl  int
		want int
	}{
		{name: "gl2-l2", g: GL2, va: 0xc0400000, lvl: 2, want: 0x301},
		{name: "gl2-l1", g: GL2, va: 0xc0400000 + 5*PageSize, lvl: 1, want: 5},
		{name: "gl3-l3", g: GL3, va: 0xc0000000, lvl: 3, want: 3},
		{name: "gl3-l2", g: GL3, va: 0x40000000 + 7<<21, lvl: 2, want: 7},
		{name: "gl4-l4", g: GL4, va: 0x0000_7f80_0000_0000, lvl: 4, want: 255},
		{name: "gl4-l1", g: GL4, va: 0x1000 * 511, lvl: 1, want: 511},
		{name: "gl4-high", g: GL4, va: 0xffff_8000_0000_0000, lvl: 4, want: 256},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := test.g.Index(test.va, test.lvl); got != test.want {
				t.Errorf("Index(%#x, %d) got %#x, wanted %#x", test.va, test.lvl, got, test.want)
			}
		})
	}
}

func TestEntrySpan(t *testing.T) {
	for _, test := range []struct {
		g    *Geometry
		lvl  int
		want uint64
	}{
		{GL2, 1, 0x1000},
		{GL2, 2, 0x400000},
		{GL3, 2, 0x200000},
		{GL3, 3, 0x40000000},
		{GL4, 2, 0x200000},
		{GL4, 3, 0x40000000},
		{GL4, 4, 0x8000000000},
	} {
		if got := test.g.EntrySpan(test.lvl); got != test.want {
			t.Errorf("EntrySpan(levels=%d, %d) got %#x, wanted %#x", test.g.Levels, test.lvl, got, test.want)
		}
	}
}

func TestCanonical(t *testing.T) {
	for _, test := range []struct {
		name string
		g    *Geometry
		va   uint64
		want bool
	}{
		{name: "gl2-any", g: GL2, va: 0xffffffff, want: true},
		{name: "gl2-overflow", g: GL2, va: 0x100000000, want: false},
		{name: "gl3-top", g: GL3, va: 0xfffff000, want: true},
		{name: "gl4-low", g: GL4, va: 0x00007fffffffffff, want: true},
		{name: "gl4-hole", g: GL4, va: 0x0000800000000000, want: false},
		{name: "gl4-hole-high", g: GL4, va: 0xfffe800000000000, want: false},
		{name: "gl4-high", g: GL4, va: 0xffff800000000000, want: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := test.g.Canonical(test.va); got != test.want {
				t.Errorf("Canonical(%#x) got %v, wanted %v", test.va, got, test.want)
			}
		})
	}
}

func TestEntryRoundTrip(t *testing.T) {
	for _, test := range []struct {
		name string
		g    *Geometry
		pfn  uint64
		f    Flags
	}{
		{
			name: "gl4-leaf",
			g:    GL4,
			pfn:  0x12345,
			f:    Flags{Present: true, Writable: true, User: true, Accessed: true},
		},
		{
			name: "gl4-nx",
			g:    GL4,
			pfn:  0xabcde,
			f:    Flags{Present: true, NoExec: true},
		},
		{
			name: "gl2-leaf",
			g:    GL2,
			pfn:  0x7ffff,
			f:    Flags{Present: true, Writable: true, Dirty: true},
		},
		{
			name: "gl2-super",
			g:    GL2,
			pfn:  0x400, // 4MiB aligned.
			f:    Flags{Present: true, Super: true, Global: true},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := Make(test.g, test.pfn, test.f)
			if got := e.Flags(test.g); got != test.f {
				t.Errorf("Flags() got %#v, wanted %#v", got, test.f)
			}
			if got := e.Frame(test.g, 1); got != Gfn(test.pfn) {
				t.Errorf("Frame() got %#x, wanted %#x", got, test.pfn)
			}
		})
	}
}

func TestEntryNoExecNarrow(t *testing.T) {
	// Four-byte entries cannot encode NX.
	e := Make(GL2, 0x1000, Flags{Present: true, NoExec: true})
	if e.NoExec(GL2) {
		t.Errorf("four-byte entry encoded NX")
	}
	if e.NoExec(GL4) {
		t.Errorf("NX leaked into the address mask: %#x", uint64(e))
	}
}

func TestSuperFrameMasksPAT(t *testing.T) {
	for _, test := range []struct {
		name string
		g    *Geometry
		lvl  int
		raw  uint64
		want Gfn
	}{
		{
			// A 4MiB mapping with PAT (bit 12) set; the frame is bits 31:22.
			name: "gl2-4m-pat",
			g:    GL2,
			lvl:  2,
			raw:  0x00c01000 | present | super,
			want: 0xc00,
		},
		{
			// A 2MiB mapping with PAT set.
			name: "gl4-2m-pat",
			g:    GL4,
			lvl:  2,
			raw:  0x40001000 | present | super,
			want: 0x40000,
		},
		{
			// A 1GiB mapping with PAT set.
			name: "gl4-1g-pat",
			g:    GL4,
			lvl:  3,
			raw:  0x80000001000 | present | super,
			want: 0x80000000,
		},
		{
			// Non-super entries keep bit 12 as part of the pointer.
			name: "gl4-table",
			g:    GL4,
			lvl:  2,
			raw:  0x40001000 | present,
			want: 0x40001,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := Entry(test.raw)
			if got := e.Frame(test.g, test.lvl); got != test.want {
				t.Errorf("Frame(%d) got %#x, wanted %#x", test.lvl, got, test.want)
			}
		})
	}
}

func TestFlagsIntersect(t *testing.T) {
	shadow := Flags{Present: true, Writable: true, User: true, Accessed: true, Super: true}
	guest := Flags{Present: true, User: true, NoExec: true}
	got := shadow.Intersect(guest)
	want := Flags{Present: true, User: true, Accessed: true, Super: true, NoExec: true}
	if got != want {
		t.Errorf("Intersect got %#v, wanted %#v", got, want)
	}
}

func TestEntryBytesCodec(t *testing.T) {
	for _, g := range []*Geometry{GL2, GL3, GL4} {
		buf := make([]byte, g.TableBytes(g.Levels))
		last := g.Entries(g.Levels) - 1
		e := Make(g, 0x1234, Flags{Present: true, Writable: true})
		EntryToBytes(g, buf, last, e)
		if got := EntryFromBytes(g, buf, last); got != e {
			t.Errorf("levels=%d codec got %#x, wanted %#x", g.Levels, got, e)
		}
		if got := EntryFromBytes(g, buf, 0); got != 0 {
			t.Errorf("levels=%d slot 0 clobbered: %#x", g.Levels, got)
		}
	}
}

func TestMaxVA(t *testing.T) {
	if got := GL2.MaxVA(); got != 0x100000000 {
		t.Errorf("GL2 MaxVA got %#x", got)
	}
	if got := GL3.MaxVA(); got != 0x100000000 {
		t.Errorf("GL3 MaxVA got %#x", got)
	}
	if got := GL4.MaxVA(); got != 0x1000000000000 {
		t.Errorf("GL4 MaxVA got %#x", got)
	}
}
